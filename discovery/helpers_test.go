package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vitwit/payfinder/inventory"
	"github.com/vitwit/payfinder/types"
)

const (
	bobPay     = types.MethodID("https://bobpay.test/pay")
	alicePay   = types.MethodID("https://alicepay.test/webpay")
	charliePay = types.MethodID("https://charliepay.test/pay")
)

func installedApp(pkg, label string, def types.MethodID, others ...types.MethodID) inventory.InstalledApp {
	app := inventory.InstalledApp{
		PackageName:   pkg,
		ActivityName:  pkg + ".PayActivity",
		Label:         label,
		Version:       10,
		Signatures:    []string{hex.EncodeToString([]byte("cert-" + pkg))},
		DefaultMethod: string(def),
	}
	for _, o := range others {
		app.OtherMethods = append(app.OtherMethods, string(o))
	}
	return app
}

func section(pkg string) types.WebAppManifestSection {
	return types.WebAppManifestSection{
		PackageName:  pkg,
		MinVersion:   "1",
		Fingerprints: [][32]byte{sha256.Sum256([]byte("cert-" + pkg))},
	}
}

func newInventory(t *testing.T, apps ...inventory.InstalledApp) *inventory.Memory {
	t.Helper()
	inv, err := inventory.NewMemory(apps...)
	require.NoError(t, err)
	return inv
}

// fakeFetcher serves manifests from maps. A method manifest lists the web
// app manifest "<method>/app.json" for every package in defaultApps.
type fakeFetcher struct {
	mu          sync.Mutex
	manifests   map[types.MethodID]*types.PaymentMethodManifest
	webApps     map[string][]types.WebAppManifestSection
	methodCalls map[types.MethodID]int

	jitter   time.Duration
	block    bool
	inFlight atomic.Int32
	started  chan struct{}
}

func newFakeFetcher() *fakeFetcher {
	return &fakeFetcher{
		manifests:   make(map[types.MethodID]*types.PaymentMethodManifest),
		webApps:     make(map[string][]types.WebAppManifestSection),
		methodCalls: make(map[types.MethodID]int),
		started:     make(chan struct{}, 64),
	}
}

func (f *fakeFetcher) defaultApp(method types.MethodID, pkg string) *fakeFetcher {
	m := f.manifest(method)
	url := string(method) + "/" + pkg + ".json"
	m.DefaultApplications = append(m.DefaultApplications, url)
	f.webApps[url] = append(f.webApps[url], section(pkg))
	return f
}

func (f *fakeFetcher) supportedOrigins(method types.MethodID, origins ...string) *fakeFetcher {
	m := f.manifest(method)
	if len(origins) == 1 && origins[0] == "*" {
		m.AllOriginsSupported = true
		return f
	}
	m.SupportedOrigins = append(m.SupportedOrigins, origins...)
	return f
}

func (f *fakeFetcher) manifest(method types.MethodID) *types.PaymentMethodManifest {
	m, ok := f.manifests[method]
	if !ok {
		m = &types.PaymentMethodManifest{ManifestURL: string(method)}
		f.manifests[method] = m
	}
	return m
}

func (f *fakeFetcher) wait(ctx context.Context) error {
	select {
	case f.started <- struct{}{}:
	default:
	}
	if f.block {
		<-ctx.Done()
		return ctx.Err()
	}
	if f.jitter > 0 {
		select {
		case <-time.After(time.Duration(rand.Int63n(int64(f.jitter)))):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (f *fakeFetcher) FetchPaymentMethodManifest(ctx context.Context, method types.MethodID) (*types.PaymentMethodManifest, string, error) {
	f.inFlight.Add(1)
	defer f.inFlight.Add(-1)

	f.mu.Lock()
	f.methodCalls[method]++
	m, ok := f.manifests[method]
	f.mu.Unlock()

	if err := f.wait(ctx); err != nil {
		return nil, "", err
	}
	if !ok {
		return nil, "", types.NewError(types.ErrManifestDownloadFailed, "unable to download payment manifest "+string(method), nil)
	}
	return m, method.Origin(), nil
}

func (f *fakeFetcher) FetchWebAppManifest(ctx context.Context, _, manifestURL string) ([]types.WebAppManifestSection, error) {
	f.inFlight.Add(1)
	defer f.inFlight.Add(-1)

	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	sections, ok := f.webApps[manifestURL]
	if !ok {
		return nil, errors.New("not found")
	}
	return sections, nil
}

func (f *fakeFetcher) calls() map[types.MethodID]int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[types.MethodID]int, len(f.methodCalls))
	for k, v := range f.methodCalls {
		out[k] = v
	}
	return out
}

// recordingDelegate records callbacks in order.
type recordingDelegate struct {
	mu             sync.Mutex
	calls          []string
	apps           []*types.PaymentApp
	errors         []types.AppCreationError
	canMakePayment []bool
	onDone         func()
	onError        func()
}

func (d *recordingDelegate) OnCanMakePaymentCalculated(v bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "can_make_payment")
	d.canMakePayment = append(d.canMakePayment, v)
}

func (d *recordingDelegate) OnPaymentAppCreated(app *types.PaymentApp) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "app:"+app.Identifier)
	d.apps = append(d.apps, app)
}

func (d *recordingDelegate) OnPaymentAppCreationError(msg string, reason types.AppCreationFailureReason) {
	d.mu.Lock()
	d.calls = append(d.calls, "error")
	d.errors = append(d.errors, types.AppCreationError{Message: msg, Reason: reason})
	d.mu.Unlock()
	if d.onError != nil {
		d.onError()
	}
}

func (d *recordingDelegate) OnDoneCreatingPaymentApps() {
	if d.onDone != nil {
		d.onDone()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, "done")
}

func (d *recordingDelegate) app(id string) *types.PaymentApp {
	for _, a := range d.apps {
		if a.Identifier == id {
			return a
		}
	}
	return nil
}

func (d *recordingDelegate) appIDs() []string {
	var out []string
	for _, a := range d.apps {
		out = append(out, a.Identifier)
	}
	return out
}

func requestFor(methods ...types.MethodID) *types.FactoryParams {
	params := &types.FactoryParams{
		TopLevelOrigin:       "https://merchant.test",
		PaymentRequestOrigin: "https://merchant.test",
		MethodData:           make(map[string]types.MethodData),
	}
	for _, m := range methods {
		params.MethodData[string(m)] = types.MethodData{SupportedMethod: string(m)}
	}
	return params
}

type fakeChecker struct {
	mu     sync.Mutex
	ready  map[string]bool
	errs   map[string]error
	called []string
}

func (c *fakeChecker) IsReadyToPay(_ context.Context, app *types.PaymentApp, _ *types.FactoryParams) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.called = append(c.called, app.Identifier)
	if err := c.errs[app.Identifier]; err != nil {
		return false, err
	}
	return c.ready[app.Identifier], nil
}
