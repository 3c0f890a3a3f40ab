package manifest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/tomnomnom/linkheader"

	"github.com/vitwit/payfinder/logger"
	"github.com/vitwit/payfinder/types"
)

// LinkRelation is the Link header relation pointing at the payment method
// manifest.
const LinkRelation = "payment-method-manifest"

const (
	defaultMaxRedirects = 3
	defaultMaxBodyBytes = 1 << 20
	defaultUserAgent    = "payfinder/1.0"
)

var (
	errCrossOriginRedirect = errors.New("cross-origin redirect")
	errTooManyRedirects    = errors.New("too many redirects")
)

// MethodManifestResponse is the raw result of downloading the payment
// method manifest of one method.
type MethodManifestResponse struct {
	MethodURL      string `json:"methodUrl"`
	ManifestURL    string `json:"manifestUrl"`
	ManifestOrigin string `json:"manifestOrigin"`
	Content        []byte `json:"content"`
}

// Downloader fetches raw manifest bytes.
type Downloader interface {
	DownloadPaymentMethodManifest(ctx context.Context, method types.MethodID) (*MethodManifestResponse, error)
	DownloadWebAppManifest(ctx context.Context, manifestOrigin, manifestURL string) ([]byte, error)
}

// DownloaderOption configures an HTTPDownloader.
type DownloaderOption func(*HTTPDownloader)

// HTTPDownloader downloads manifests over HTTP with resty.
type HTTPDownloader struct {
	client       *resty.Client
	maxRedirects int
	maxBodyBytes int64
	logger       logger.Logger
}

// NewHTTPDownloader creates a downloader with a 30s timeout, no retries,
// 3 same-origin redirects and a 1 MiB body cap.
func NewHTTPDownloader(opts ...DownloaderOption) *HTTPDownloader {
	d := &HTTPDownloader{
		client:       resty.New(),
		maxRedirects: defaultMaxRedirects,
		maxBodyBytes: defaultMaxBodyBytes,
		logger:       logger.NoopLogger{},
	}
	d.client.
		SetTimeout(30*time.Second).
		SetHeader("User-Agent", defaultUserAgent).
		SetRetryWaitTime(100 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled) && !isRedirectViolation(err)
			}
			return r.StatusCode() >= http.StatusInternalServerError
		})

	for _, opt := range opts {
		opt(d)
	}

	d.client.SetRedirectPolicy(resty.RedirectPolicyFunc(d.checkRedirect))
	return d
}

// WithHTTPTimeout sets the per request timeout.
func WithHTTPTimeout(t time.Duration) DownloaderOption {
	return func(d *HTTPDownloader) {
		if t > 0 {
			d.client.SetTimeout(t)
		}
	}
}

// WithRetryCount sets how often transport errors and 5xx responses are
// retried.
func WithRetryCount(n int) DownloaderOption {
	return func(d *HTTPDownloader) {
		d.client.SetRetryCount(n)
	}
}

// WithUserAgent overrides the User-Agent header.
func WithUserAgent(ua string) DownloaderOption {
	return func(d *HTTPDownloader) {
		d.client.SetHeader("User-Agent", ua)
	}
}

// WithMaxBodyBytes caps the size of a downloaded manifest.
func WithMaxBodyBytes(n int64) DownloaderOption {
	return func(d *HTTPDownloader) {
		if n > 0 {
			d.maxBodyBytes = n
		}
	}
}

// WithMaxRedirects sets the number of same-origin redirects followed.
func WithMaxRedirects(n int) DownloaderOption {
	return func(d *HTTPDownloader) {
		if n >= 0 {
			d.maxRedirects = n
		}
	}
}

// WithDownloaderLogger sets the logger.
func WithDownloaderLogger(l logger.Logger) DownloaderOption {
	return func(d *HTTPDownloader) {
		if l != nil {
			d.logger = l
		}
	}
}

func (d *HTTPDownloader) checkRedirect(req *http.Request, via []*http.Request) error {
	if len(via) > d.maxRedirects {
		return errTooManyRedirects
	}
	if originOf(req.URL) != originOf(via[0].URL) {
		return errCrossOriginRedirect
	}
	return nil
}

// DownloadPaymentMethodManifest fetches the method URL. A Link header with
// rel="payment-method-manifest" redirects the download to the linked
// document, otherwise the response body is the manifest.
func (d *HTTPDownloader) DownloadPaymentMethodManifest(ctx context.Context, method types.MethodID) (*MethodManifestResponse, error) {
	body, header, finalURL, err := d.get(ctx, string(method), "")
	if err != nil {
		return nil, err
	}

	if link, ok := manifestLink(header); ok {
		target, err := finalURL.Parse(link)
		if err != nil {
			return nil, downloadError(string(method), fmt.Sprintf("invalid %s link %q", LinkRelation, link), err)
		}
		if originOf(target) != originOf(finalURL) {
			return nil, downloadError(string(method), fmt.Sprintf("cross-origin payment method manifest %q not allowed", target), nil)
		}

		d.logger.Debug("following payment method manifest link", map[string]any{
			"method":   method,
			"manifest": target.String(),
		})

		body, _, finalURL, err = d.get(ctx, target.String(), "")
		if err != nil {
			return nil, err
		}
	}

	if len(body) == 0 {
		return nil, downloadError(string(method), "no content found in payment method manifest", nil)
	}

	return &MethodManifestResponse{
		MethodURL:      string(method),
		ManifestURL:    finalURL.String(),
		ManifestOrigin: originOf(finalURL),
		Content:        body,
	}, nil
}

// DownloadWebAppManifest fetches one web app manifest referenced by a
// payment method manifest served from manifestOrigin.
func (d *HTTPDownloader) DownloadWebAppManifest(ctx context.Context, manifestOrigin, manifestURL string) ([]byte, error) {
	if _, ok := types.ParseMethodID(manifestURL); !ok {
		return nil, downloadError(manifestURL, "invalid web app manifest URL", nil)
	}

	body, _, _, err := d.get(ctx, manifestURL, manifestOrigin)
	if err != nil {
		return nil, err
	}
	if len(body) == 0 {
		return nil, downloadError(manifestURL, "no content found in web app manifest", nil)
	}
	return body, nil
}

func (d *HTTPDownloader) get(ctx context.Context, target, initiator string) ([]byte, http.Header, *url.URL, error) {
	req := d.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		SetHeader("Accept", "application/manifest+json, application/json")
	if initiator != "" {
		req.SetHeader("Origin", initiator)
	}

	resp, err := req.Get(target)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, nil, nil, ctxErr
		}
		switch {
		case errors.Is(err, errCrossOriginRedirect):
			return nil, nil, nil, downloadError(target, "cross-origin redirect not allowed", err)
		case errors.Is(err, errTooManyRedirects):
			return nil, nil, nil, downloadError(target, fmt.Sprintf("more than %d redirects", d.maxRedirects), err)
		}
		return nil, nil, nil, downloadError(target, "request failed", err)
	}

	raw := resp.RawBody()
	if raw != nil {
		defer raw.Close()
	}

	if resp.StatusCode() < 200 || resp.StatusCode() > 299 {
		return nil, nil, nil, downloadError(target, fmt.Sprintf("unexpected HTTP status %d", resp.StatusCode()), nil)
	}

	var body []byte
	if raw != nil {
		body, err = io.ReadAll(io.LimitReader(raw, d.maxBodyBytes+1))
		if err != nil {
			return nil, nil, nil, downloadError(target, "unable to read response body", err)
		}
	}
	if int64(len(body)) > d.maxBodyBytes {
		return nil, nil, nil, downloadError(target, fmt.Sprintf("manifest larger than %d bytes", d.maxBodyBytes), nil)
	}

	finalURL, _ := url.Parse(target)
	if resp.RawResponse != nil && resp.RawResponse.Request != nil {
		finalURL = resp.RawResponse.Request.URL
	}

	return body, resp.Header(), finalURL, nil
}

func manifestLink(header http.Header) (string, bool) {
	values := header.Values("Link")
	if len(values) == 0 {
		return "", false
	}
	links := linkheader.ParseMultiple(values).FilterByRel(LinkRelation)
	if len(links) == 0 {
		return "", false
	}
	return links[0].URL, true
}

func isRedirectViolation(err error) bool {
	return errors.Is(err, errCrossOriginRedirect) || errors.Is(err, errTooManyRedirects)
}

func originOf(u *url.URL) string {
	return types.OriginOf(u)
}

func downloadError(target, msg string, err error) *types.Error {
	return types.NewError(types.ErrManifestDownloadFailed, fmt.Sprintf("unable to download payment manifest %q: %s", target, msg), err)
}
