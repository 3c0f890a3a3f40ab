package discovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/payfinder/inventory"
	"github.com/vitwit/payfinder/types"
)

const playBilling = types.MethodID(types.PlayStoreBillingMethod)

func twaApp(installer string) inventory.InstalledApp {
	app := installedApp("com.twa.shop", "Shop", playBilling)
	app.Installer = installer
	return app
}

func TestAppStoreBilling(t *testing.T) {
	otherBilling := installedApp("com.twa.shop", "Shop", bobPay, playBilling)
	otherBilling.Installer = types.PlayStoreInstaller

	tests := []struct {
		name      string
		app       inventory.InstalledApp
		twa       string
		shipping  bool
		debug     bool
		preferred bool
	}{
		{name: "default billing method in twa", app: twaApp(types.PlayStoreInstaller), twa: "com.twa.shop", preferred: true},
		{name: "other billing method in twa", app: otherBilling, twa: "com.twa.shop", preferred: true},
		{name: "not in twa", app: twaApp(types.PlayStoreInstaller)},
		{name: "twa of another app", app: twaApp(types.PlayStoreInstaller), twa: "com.other"},
		{name: "shipping requested", app: twaApp(types.PlayStoreInstaller), twa: "com.twa.shop", shipping: true},
		{name: "unknown installer", app: twaApp("com.sideloader"), twa: "com.twa.shop"},
		{name: "unknown installer in debug mode", app: twaApp("com.sideloader"), twa: "com.twa.shop", debug: true, preferred: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fetcher := newFakeFetcher()
			f := NewFinder(newInventory(t, tt.app), fetcher,
				WithAppStores(map[string]types.MethodID{types.PlayStoreInstaller: playBilling}, tt.debug))
			d := &recordingDelegate{}

			params := requestFor(playBilling)
			params.TwaPackageName = tt.twa
			params.RequestShipping = tt.shipping
			require.NoError(t, f.Find(context.Background(), params, d))

			assert.Empty(t, fetcher.calls())
			if !tt.preferred {
				assert.Empty(t, d.apps)
				assert.Equal(t, []bool{false}, d.canMakePayment)
				return
			}
			require.Len(t, d.apps, 1)
			app := d.apps[0]
			assert.True(t, app.Preferred)
			assert.Equal(t, []types.MethodID{playBilling}, app.Methods())
			assert.Empty(t, app.HideTarget)
			assert.Equal(t, []bool{true}, d.canMakePayment)
		})
	}
}

func TestStoreBillingMethodsAreNeverVerified(t *testing.T) {
	app := installedApp("com.bobpay", "Bob Pay", bobPay, playBilling)
	fetcher := newFakeFetcher().defaultApp(bobPay, "com.bobpay")
	f := NewFinder(newInventory(t, app), fetcher)
	d := &recordingDelegate{}

	require.NoError(t, f.Find(context.Background(), requestFor(bobPay, playBilling), d))

	assert.Equal(t, map[types.MethodID]int{bobPay: 1}, fetcher.calls())
	require.Len(t, d.apps, 1)
	assert.Equal(t, []types.MethodID{bobPay}, d.apps[0].Methods())
	assert.False(t, d.apps[0].Preferred)
}
