// Package manifest downloads and parses payment method manifests and the
// web app manifests they reference.
package manifest

import (
	"context"
	"time"

	"github.com/vitwit/payfinder/logger"
	"github.com/vitwit/payfinder/metrics"
	"github.com/vitwit/payfinder/types"
)

// Fetcher combines a Downloader and a Parser into the two fetch stages
// used by method verification.
type Fetcher struct {
	downloader Downloader
	parser     *Parser
	logger     logger.Logger
	metrics    metrics.Recorder
}

// NewFetcher creates a fetcher. Nil logger or recorder fall back to no-ops.
func NewFetcher(d Downloader, p *Parser, l logger.Logger, m metrics.Recorder) *Fetcher {
	if l == nil {
		l = logger.NoopLogger{}
	}
	if m == nil {
		m = metrics.NoopRecorder{}
	}
	if p == nil {
		p = NewParser(l)
	}
	return &Fetcher{downloader: d, parser: p, logger: l, metrics: m}
}

// FetchPaymentMethodManifest downloads and parses the payment method
// manifest of method. The returned origin is where the manifest was
// finally served from.
func (f *Fetcher) FetchPaymentMethodManifest(ctx context.Context, method types.MethodID) (*types.PaymentMethodManifest, string, error) {
	start := time.Now()

	resp, err := f.downloader.DownloadPaymentMethodManifest(ctx, method)
	if err != nil {
		f.record("method_manifest", start, err)
		return nil, "", err
	}

	parsed, err := f.parser.ParsePaymentMethodManifest(resp.ManifestURL, resp.Content)
	f.record("method_manifest", start, err)
	if err != nil {
		f.logger.Warn("invalid payment method manifest", map[string]any{
			"method":   method,
			"manifest": resp.ManifestURL,
			"error":    err.Error(),
		})
		return nil, "", err
	}
	return parsed, resp.ManifestOrigin, nil
}

// FetchWebAppManifest downloads and parses one web app manifest.
func (f *Fetcher) FetchWebAppManifest(ctx context.Context, manifestOrigin, manifestURL string) ([]types.WebAppManifestSection, error) {
	start := time.Now()

	content, err := f.downloader.DownloadWebAppManifest(ctx, manifestOrigin, manifestURL)
	if err != nil {
		f.record("web_app_manifest", start, err)
		return nil, err
	}

	sections, err := f.parser.ParseWebAppManifest(content)
	f.record("web_app_manifest", start, err)
	if err != nil {
		f.logger.Warn("invalid web app manifest", map[string]any{
			"manifest": manifestURL,
			"error":    err.Error(),
		})
		return nil, err
	}
	return sections, nil
}

func (f *Fetcher) record(operation string, start time.Time, err error) {
	outcome := metrics.Outcome(err)
	f.metrics.IncCounter(operation+"_fetch", map[string]string{"outcome": outcome})
	f.metrics.ObserveLatency(operation+"_fetch", time.Since(start), map[string]string{"outcome": outcome})
}
