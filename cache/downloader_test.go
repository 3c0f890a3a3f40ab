package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/vitwit/payfinder/cache"
	"github.com/vitwit/payfinder/manifest"
	"github.com/vitwit/payfinder/mocks"
	"github.com/vitwit/payfinder/types"
)

func TestDownloaderCachesMethodManifest(t *testing.T) {
	ctrl := gomock.NewController(t)
	inner := mocks.NewMockDownloader(ctrl)
	method := types.MustMethodID("https://bobpay.test/pay")
	want := &manifest.MethodManifestResponse{
		MethodURL:      string(method),
		ManifestURL:    "https://bobpay.test/manifest.json",
		ManifestOrigin: "https://bobpay.test",
		Content:        []byte(`{"supported_origins": "*"}`),
	}

	inner.EXPECT().DownloadPaymentMethodManifest(gomock.Any(), method).Return(want, nil).Times(1)

	store := cache.NewLRUStore(16, time.Minute)
	d := cache.NewDownloader(inner, store, nil)

	for i := 0; i < 3; i++ {
		got, err := d.DownloadPaymentMethodManifest(context.Background(), method)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, 1, store.Len())
}

func TestDownloaderCachesWebAppManifest(t *testing.T) {
	ctrl := gomock.NewController(t)
	inner := mocks.NewMockDownloader(ctrl)

	inner.EXPECT().
		DownloadWebAppManifest(gomock.Any(), "https://bobpay.test", "https://bobpay.test/app.json").
		Return([]byte(`{}`), nil).
		Times(1)

	d := cache.NewDownloader(inner, cache.NewLRUStore(0, 0), nil)
	for i := 0; i < 2; i++ {
		got, err := d.DownloadWebAppManifest(context.Background(), "https://bobpay.test", "https://bobpay.test/app.json")
		require.NoError(t, err)
		assert.Equal(t, []byte(`{}`), got)
	}
}

func TestDownloaderDoesNotCacheFailures(t *testing.T) {
	ctrl := gomock.NewController(t)
	inner := mocks.NewMockDownloader(ctrl)
	method := types.MustMethodID("https://bobpay.test/pay")

	inner.EXPECT().
		DownloadPaymentMethodManifest(gomock.Any(), method).
		Return(nil, types.NewError(types.ErrManifestDownloadFailed, "offline", nil)).
		Times(2)

	store := cache.NewLRUStore(16, time.Minute)
	d := cache.NewDownloader(inner, store, nil)

	for i := 0; i < 2; i++ {
		_, err := d.DownloadPaymentMethodManifest(context.Background(), method)
		assert.Error(t, err)
	}
	assert.Equal(t, 0, store.Len())
}

func TestDownloaderFallsThroughOnStoreErrors(t *testing.T) {
	ctrl := gomock.NewController(t)
	inner := mocks.NewMockDownloader(ctrl)

	rdb := redis.NewClient(&redis.Options{Addr: "127.0.0.1:1", MaxRetries: -1, DialTimeout: 100 * time.Millisecond})
	t.Cleanup(func() { _ = rdb.Close() })

	inner.EXPECT().
		DownloadWebAppManifest(gomock.Any(), "https://bobpay.test", "https://bobpay.test/app.json").
		Return([]byte(`{}`), nil)

	d := cache.NewDownloader(inner, cache.NewRedisStore(rdb, "", time.Minute), nil)
	got, err := d.DownloadWebAppManifest(context.Background(), "https://bobpay.test", "https://bobpay.test/app.json")
	require.NoError(t, err)
	assert.Equal(t, []byte(`{}`), got)
}

func TestLRUStoreExpires(t *testing.T) {
	store := cache.NewLRUStore(4, 20*time.Millisecond)
	require.NoError(t, store.Set(context.Background(), "k", []byte("v")))

	v, ok, err := store.Get(context.Background(), "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []byte("v"), v)

	assert.Eventually(t, func() bool {
		_, ok, _ := store.Get(context.Background(), "k")
		return !ok
	}, time.Second, 10*time.Millisecond)
}
