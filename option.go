package payfinder

import (
	"time"

	"github.com/vitwit/payfinder/aggregation"
	"github.com/vitwit/payfinder/inventory"
	"github.com/vitwit/payfinder/logger"
	"github.com/vitwit/payfinder/manifest"
	"github.com/vitwit/payfinder/metrics"
	"github.com/vitwit/payfinder/readiness"
)

type Option func(*PayFinder)

func WithLogger(l logger.Logger) Option {
	return func(p *PayFinder) {
		p.logger = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(p *PayFinder) {
		p.metrics = r
	}
}

func WithTimeout(t time.Duration) Option {
	return func(p *PayFinder) {
		if t > 0 {
			p.timeout = t
		}
	}
}

// WithDownloader replaces the HTTP manifest downloader. The configured
// cache still wraps it.
func WithDownloader(d manifest.Downloader) Option {
	return func(p *PayFinder) {
		p.downloader = d
	}
}

// WithPackageManager sets the installed app inventory.
func WithPackageManager(pm inventory.PackageManager) Option {
	return func(p *PayFinder) {
		p.packages = pm
	}
}

func WithReadinessChecker(c readiness.Checker) Option {
	return func(p *PayFinder) {
		p.readiness = c
	}
}

// WithSources adds discovery sources next to the native and web ones.
func WithSources(s ...aggregation.Source) Option {
	return func(p *PayFinder) {
		p.sources = append(p.sources, s...)
	}
}

// WithPolicies adds dedup policies run after the configured internal
// variant policies.
func WithPolicies(policies ...aggregation.Policy) Option {
	return func(p *PayFinder) {
		p.policies = append(p.policies, policies...)
	}
}
