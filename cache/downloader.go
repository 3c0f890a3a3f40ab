package cache

import (
	"context"
	"encoding/json"

	"github.com/vitwit/payfinder/logger"
	"github.com/vitwit/payfinder/manifest"
	"github.com/vitwit/payfinder/types"
)

const (
	methodKeyPrefix = "method:"
	webAppKeyPrefix = "webapp:"
)

// Downloader serves manifests from a Store and falls back to the wrapped
// downloader on a miss. Only successful downloads are stored.
type Downloader struct {
	inner  manifest.Downloader
	store  Store
	logger logger.Logger
}

var _ manifest.Downloader = (*Downloader)(nil)

// NewDownloader wraps inner with store.
func NewDownloader(inner manifest.Downloader, store Store, l logger.Logger) *Downloader {
	if l == nil {
		l = logger.NoopLogger{}
	}
	return &Downloader{inner: inner, store: store, logger: l}
}

func (d *Downloader) DownloadPaymentMethodManifest(ctx context.Context, method types.MethodID) (*manifest.MethodManifestResponse, error) {
	key := methodKeyPrefix + string(method)

	if raw, ok := d.lookup(ctx, key); ok {
		var cached manifest.MethodManifestResponse
		if err := json.Unmarshal(raw, &cached); err == nil {
			return &cached, nil
		}
		d.logger.Warn("discarding corrupt cache entry", map[string]any{"key": key})
	}

	resp, err := d.inner.DownloadPaymentMethodManifest(ctx, method)
	if err != nil {
		return nil, err
	}

	if raw, err := json.Marshal(resp); err == nil {
		d.save(ctx, key, raw)
	}
	return resp, nil
}

func (d *Downloader) DownloadWebAppManifest(ctx context.Context, manifestOrigin, manifestURL string) ([]byte, error) {
	key := webAppKeyPrefix + manifestURL

	if raw, ok := d.lookup(ctx, key); ok {
		return raw, nil
	}

	content, err := d.inner.DownloadWebAppManifest(ctx, manifestOrigin, manifestURL)
	if err != nil {
		return nil, err
	}
	d.save(ctx, key, content)
	return content, nil
}

func (d *Downloader) lookup(ctx context.Context, key string) ([]byte, bool) {
	raw, ok, err := d.store.Get(ctx, key)
	if err != nil {
		d.logger.Warn("manifest cache read failed", map[string]any{
			"key":   key,
			"error": err.Error(),
		})
		return nil, false
	}
	if ok {
		d.logger.Debug("manifest cache hit", map[string]any{"key": key})
	}
	return raw, ok
}

func (d *Downloader) save(ctx context.Context, key string, value []byte) {
	if err := d.store.Set(ctx, key, value); err != nil {
		d.logger.Warn("manifest cache write failed", map[string]any{
			"key":   key,
			"error": err.Error(),
		})
	}
}
