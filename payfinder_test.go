package payfinder_test

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitwit/payfinder"
	"github.com/vitwit/payfinder/inventory"
	"github.com/vitwit/payfinder/logger"
	"github.com/vitwit/payfinder/manifest"
	"github.com/vitwit/payfinder/types"
	"github.com/vitwit/payfinder/webapp"
)

const bobPkg = "com.bobpay"

type methodServer struct {
	*httptest.Server
	hits atomic.Int32
}

func newMethodServer(t *testing.T) *methodServer {
	t.Helper()
	s := &methodServer{}
	fp := manifest.FormatFingerprint(sha256.Sum256([]byte("cert-" + bobPkg)))

	mux := http.NewServeMux()
	mux.HandleFunc("/pay", func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		_, _ = w.Write([]byte(`{"default_applications": ["app.json"]}`))
	})
	mux.HandleFunc("/app.json", func(w http.ResponseWriter, r *http.Request) {
		s.hits.Add(1)
		_, _ = fmt.Fprintf(w, `{"related_applications": [{
			"platform": "play",
			"id": %q,
			"min_version": "1",
			"fingerprints": [{"type": "sha256_cert", "value": %q}]
		}]}`, bobPkg, fp)
	})
	s.Server = httptest.NewServer(mux)
	t.Cleanup(s.Close)
	return s
}

func (s *methodServer) method() string {
	return s.URL + "/pay"
}

func bobInventory(t *testing.T, method string) *inventory.Memory {
	t.Helper()
	inv, err := inventory.NewMemory(inventory.InstalledApp{
		PackageName:   bobPkg,
		ActivityName:  bobPkg + ".Pay",
		Label:         "Bob Pay",
		Version:       3,
		Signatures:    []string{hex.EncodeToString([]byte("cert-" + bobPkg))},
		DefaultMethod: method,
	})
	require.NoError(t, err)
	return inv
}

func request(methods ...string) *types.FactoryParams {
	p := &types.FactoryParams{
		TopLevelOrigin:       "https://merchant.test",
		PaymentRequestOrigin: "https://merchant.test",
		MethodData:           map[string]types.MethodData{},
	}
	for _, m := range methods {
		p.MethodData[m] = types.MethodData{SupportedMethod: m}
	}
	return p
}

func identifiers(apps []*types.PaymentApp) []string {
	out := make([]string, 0, len(apps))
	for _, a := range apps {
		out = append(out, a.Identifier)
	}
	return out
}

func TestFindPaymentApps(t *testing.T) {
	srv := newMethodServer(t)
	pf, err := payfinder.New(nil,
		payfinder.WithLogger(logger.NoopLogger{}),
		payfinder.WithPackageManager(bobInventory(t, srv.method())),
	)
	require.NoError(t, err)
	defer pf.Close()

	require.NoError(t, pf.RegisterWebHandler(webapp.Handler{
		Identifier: "https://alicepay.test/pay",
		Label:      "Alice Pay",
		Methods:    []string{"https://alicepay.test/pay"},
	}))

	res, err := pf.FindPaymentApps(context.Background(), request(srv.method(), "https://alicepay.test/pay", "basic-card"))
	require.NoError(t, err)

	assert.True(t, res.CanMakePayment)
	assert.ElementsMatch(t, []string{bobPkg, "https://alicepay.test/pay"}, identifiers(res.Apps))
	for _, a := range res.Apps {
		if a.Identifier == bobPkg {
			assert.Equal(t, []types.MethodID{types.MustMethodID(srv.method())}, a.Methods())
			assert.True(t, a.HasEnrolledInstrument)
			assert.Equal(t, srv.method(), a.HideTarget)
		}
	}
}

func TestFindPaymentAppsNativeHidesWebHandler(t *testing.T) {
	srv := newMethodServer(t)
	pf, err := payfinder.New(nil,
		payfinder.WithLogger(logger.NoopLogger{}),
		payfinder.WithPackageManager(bobInventory(t, srv.method())),
	)
	require.NoError(t, err)

	require.NoError(t, pf.RegisterWebHandler(webapp.Handler{
		Identifier: srv.method(),
		Label:      "Bob Pay on the web",
		Methods:    []string{srv.method()},
	}))

	res, err := pf.FindPaymentApps(context.Background(), request(srv.method()))
	require.NoError(t, err)
	assert.Equal(t, []string{bobPkg}, identifiers(res.Apps))
}

func TestFindPaymentAppsNativeHidesWebHandlerWithTrailingSlash(t *testing.T) {
	srv := newMethodServer(t)
	pf, err := payfinder.New(nil,
		payfinder.WithLogger(logger.NoopLogger{}),
		payfinder.WithPackageManager(bobInventory(t, srv.method())),
	)
	require.NoError(t, err)

	require.NoError(t, pf.RegisterWebHandler(webapp.Handler{
		Identifier: srv.method() + "/",
		Label:      "Bob Pay on the web",
		Methods:    []string{srv.method()},
	}))

	res, err := pf.FindPaymentApps(context.Background(), request(srv.method()))
	require.NoError(t, err)
	assert.Equal(t, []string{bobPkg}, identifiers(res.Apps))
}

func TestFindPaymentAppsMemoryCache(t *testing.T) {
	srv := newMethodServer(t)
	cfg := types.DefaultConfig()
	cfg.Cache = types.CacheConfig{Backend: "memory", Size: 16, TTL: time.Minute}

	pf, err := payfinder.New(cfg,
		payfinder.WithLogger(logger.NoopLogger{}),
		payfinder.WithPackageManager(bobInventory(t, srv.method())),
	)
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		res, err := pf.FindPaymentApps(context.Background(), request(srv.method()))
		require.NoError(t, err)
		require.Len(t, res.Apps, 1)
	}
	assert.Equal(t, int32(2), srv.hits.Load())
}

func TestFindPaymentAppsUnverified(t *testing.T) {
	srv := newMethodServer(t)
	inv := bobInventory(t, srv.method())
	require.NoError(t, inv.Install(inventory.InstalledApp{
		PackageName:   bobPkg,
		Label:         "Bob Pay",
		Version:       3,
		Signatures:    []string{hex.EncodeToString([]byte("someone else"))},
		DefaultMethod: srv.method(),
	}))

	pf, err := payfinder.New(nil, payfinder.WithLogger(logger.NoopLogger{}), payfinder.WithPackageManager(inv))
	require.NoError(t, err)

	res, err := pf.FindPaymentApps(context.Background(), request(srv.method()))
	require.NoError(t, err)
	assert.Empty(t, res.Apps)
	assert.False(t, res.CanMakePayment)
}

func TestFindPaymentAppsInvalidParams(t *testing.T) {
	pf, err := payfinder.NewWithDefaults(payfinder.WithLogger(logger.NoopLogger{}))
	require.NoError(t, err)

	_, err = pf.FindPaymentApps(context.Background(), nil)
	assert.Equal(t, types.ErrInvalidParams, types.ErrorCode(err))

	_, err = pf.FindPaymentApps(context.Background(), &types.FactoryParams{})
	assert.Equal(t, types.ErrInvalidParams, types.ErrorCode(err))
}

func TestNewInvalidConfig(t *testing.T) {
	tests := []struct {
		name string
		cfg  *types.Config
	}{
		{name: "unknown cache backend", cfg: &types.Config{Cache: types.CacheConfig{Backend: "memcached"}}},
		{name: "redis without address", cfg: &types.Config{Cache: types.CacheConfig{Backend: "redis"}}},
		{name: "bad log level", cfg: &types.Config{LogLevel: "loud"}},
		{name: "bad app store", cfg: &types.Config{AppStores: []types.AppStore{{InstallerPackage: "x"}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := payfinder.New(tt.cfg, payfinder.WithLogger(logger.NoopLogger{}))
			assert.Equal(t, types.ErrConfigError, types.ErrorCode(err))
		})
	}
}

func TestFindPaymentAppsTimeout(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-block:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(block)

	pf, err := payfinder.New(nil,
		payfinder.WithLogger(logger.NoopLogger{}),
		payfinder.WithTimeout(5*time.Second),
		payfinder.WithPackageManager(bobInventory(t, srv.URL+"/pay")),
	)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = pf.FindPaymentApps(ctx, request(srv.URL+"/pay"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
