// Package payfinder discovers the payment apps able to handle a payment
// request. Installed native apps are verified against the payment method
// manifests published by the method owners; installed web payment
// handlers are reported as registered. Results of all sources are merged
// and deduplicated.
package payfinder

import (
	"context"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/vitwit/payfinder/aggregation"
	"github.com/vitwit/payfinder/cache"
	"github.com/vitwit/payfinder/discovery"
	"github.com/vitwit/payfinder/inventory"
	"github.com/vitwit/payfinder/logger"
	"github.com/vitwit/payfinder/manifest"
	"github.com/vitwit/payfinder/metrics"
	"github.com/vitwit/payfinder/readiness"
	"github.com/vitwit/payfinder/types"
	"github.com/vitwit/payfinder/webapp"
)

const defaultCacheSize = 256

// PayFinder is the main entry point of the library.
type PayFinder struct {
	config  *types.Config
	logger  logger.Logger
	metrics metrics.Recorder
	timeout time.Duration

	packages   inventory.PackageManager
	downloader manifest.Downloader
	readiness  readiness.Checker
	handlers   *webapp.Registry
	sources    []aggregation.Source
	policies   []aggregation.Policy

	finder  *discovery.Finder
	service *aggregation.Service
	redis   *redis.Client
}

// New creates a PayFinder from config. A nil config uses
// types.DefaultConfig.
func New(config *types.Config, opts ...Option) (*PayFinder, error) {
	cfg := config.WithDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &PayFinder{
		config:   cfg,
		timeout:  cfg.DefaultTimeout,
		handlers: webapp.NewRegistry(),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.logger == nil {
		p.logger = logger.NewZapLogger(cfg.LogLevel)
	}
	if p.metrics == nil {
		if cfg.EnableMetrics {
			p.metrics = metrics.NewPrometheusRecorder(nil)
		} else {
			p.metrics = metrics.NoopRecorder{}
		}
	}
	if p.packages == nil {
		mem, err := inventory.NewMemory()
		if err != nil {
			return nil, err
		}
		p.packages = mem
	}
	if p.downloader == nil {
		p.downloader = manifest.NewHTTPDownloader(
			manifest.WithHTTPTimeout(p.timeout),
			manifest.WithRetryCount(cfg.RetryCount),
			manifest.WithMaxBodyBytes(cfg.MaxManifestBytes),
			manifest.WithDownloaderLogger(p.logger),
		)
	}
	if store := p.cacheStore(); store != nil {
		p.downloader = cache.NewDownloader(p.downloader, store, p.logger)
	}

	fetcher := manifest.NewFetcher(p.downloader, manifest.NewParser(p.logger), p.logger, p.metrics)

	finderOpts := []discovery.Option{
		discovery.WithLogger(p.logger),
		discovery.WithMetrics(p.metrics),
		discovery.WithAppStores(cfg.AppStoreMethods(), cfg.AppStoreBillingDebug),
		discovery.WithMaxVerifiers(cfg.MaxVerifiers),
		discovery.WithMaxWebAppFetches(cfg.MaxWebAppFetches),
		discovery.WithBypassReadyToPay(cfg.BypassReadyToPay),
	}
	if p.readiness != nil {
		finderOpts = append(finderOpts, discovery.WithReadinessChecker(p.readiness))
	}
	p.finder = discovery.NewFinder(p.packages, fetcher, finderOpts...)

	sources := []aggregation.Source{p.finder, webapp.NewSource(p.handlers, p.logger)}
	sources = append(sources, p.sources...)

	policies := make([]aggregation.Policy, 0, len(cfg.InternalVariants)+len(p.policies))
	for _, v := range cfg.InternalVariants {
		policies = append(policies, aggregation.NewInternalVariantPolicy(v))
	}
	policies = append(policies, p.policies...)

	p.service = aggregation.NewService(sources,
		aggregation.WithLogger(p.logger),
		aggregation.WithMetrics(p.metrics),
		aggregation.WithPolicies(policies...),
	)

	p.logger.Info("payfinder initialized", map[string]any{
		"sources":       len(sources),
		"policies":      len(policies),
		"cache_backend": cfg.Cache.Backend,
	})
	return p, nil
}

// NewWithDefaults creates a PayFinder with the default configuration.
func NewWithDefaults(opts ...Option) (*PayFinder, error) {
	return New(types.DefaultConfig(), opts...)
}

func (p *PayFinder) cacheStore() cache.Store {
	c := p.config.Cache
	size := c.Size
	if size == 0 {
		size = defaultCacheSize
	}
	switch c.Backend {
	case "memory":
		return cache.NewLRUStore(size, c.TTL)
	case "redis":
		p.redis = cache.NewRedisClient(c.RedisAddr, c.RedisDB)
		return cache.NewRedisStore(p.redis, c.KeyPrefix, c.TTL)
	default:
		return nil
	}
}

// Create streams the merged result of every source to delegate. See
// aggregation.Service.Create for the callback contract.
func (p *PayFinder) Create(ctx context.Context, params *types.FactoryParams, delegate types.Delegate) error {
	if err := params.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.service.Create(ctx, params, delegate)
}

// FindPaymentApps returns the deduplicated apps for params.
func (p *PayFinder) FindPaymentApps(ctx context.Context, params *types.FactoryParams) (*types.Result, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	res, err := p.service.Collect(ctx, params)
	p.metrics.IncCounter("find_payment_apps", map[string]string{"outcome": metrics.Outcome(err)})
	if err != nil {
		p.logger.Warn("payment app lookup aborted", map[string]any{"error": err.Error()})
		return nil, err
	}
	p.logger.Debug("payment app lookup finished", map[string]any{
		"apps":             len(res.Apps),
		"can_make_payment": res.CanMakePayment,
		"took":             time.Since(start).String(),
	})
	return res, nil
}

// FindNativePaymentApps runs only the native app discovery, without
// merging or deduplication.
func (p *PayFinder) FindNativePaymentApps(ctx context.Context, params *types.FactoryParams, delegate types.Delegate) error {
	if err := params.Validate(); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.finder.Find(ctx, params, delegate)
}

// RegisterWebHandler installs a web payment handler.
func (p *PayFinder) RegisterWebHandler(h webapp.Handler) error {
	return p.handlers.Register(h)
}

// UnregisterWebHandler removes a web payment handler.
func (p *PayFinder) UnregisterWebHandler(identifier string) {
	p.handlers.Unregister(identifier)
}

// Config returns the effective configuration.
func (p *PayFinder) Config() types.Config {
	return *p.config
}

// Close releases the cache connection, if any.
func (p *PayFinder) Close() error {
	if p.redis != nil {
		return p.redis.Close()
	}
	return nil
}

// Version information
const Version = "1.0.0"

// GetVersion returns version information
func GetVersion() map[string]interface{} {
	return map[string]interface{}{
		"library_version":   Version,
		"manifest_relation": manifest.LinkRelation,
		"max_verifiers":     types.MaxVerifiersLimit,
	}
}
