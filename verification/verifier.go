// Package verification checks, for one payment method, which installed
// apps and origins the method's manifests authorize.
package verification

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Masterminds/semver/v3"
	"golang.org/x/sync/semaphore"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/vitwit/payfinder/logger"
	"github.com/vitwit/payfinder/manifest"
	"github.com/vitwit/payfinder/metrics"
	"github.com/vitwit/payfinder/types"
)

// ManifestFetcher downloads and parses both manifest stages.
type ManifestFetcher interface {
	FetchPaymentMethodManifest(ctx context.Context, method types.MethodID) (*types.PaymentMethodManifest, string, error)
	FetchWebAppManifest(ctx context.Context, manifestOrigin, manifestURL string) ([]types.WebAppManifestSection, error)
}

// State of a Verifier.
type State int32

const (
	StateCreated State = iota
	StateAwaitingMethodManifest
	StateAwaitingWebAppManifests
	StateDone
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateAwaitingMethodManifest:
		return "awaiting_method_manifest"
	case StateAwaitingWebAppManifests:
		return "awaiting_web_app_manifests"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

const defaultMaxFetches = 4

// Verifier verifies exactly one payment method.
type Verifier struct {
	method       types.MethodID
	defaultApps  map[string]*types.CandidateApp
	otherOrigins sets.Set[string]
	fetcher      ManifestFetcher
	events       chan<- Event

	maxFetches int64
	logger     logger.Logger
	metrics    metrics.Recorder

	state atomic.Int32
}

// Option configures a Verifier.
type Option func(*Verifier)

func WithLogger(l logger.Logger) Option {
	return func(v *Verifier) {
		if l != nil {
			v.logger = l
		}
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(v *Verifier) {
		if r != nil {
			v.metrics = r
		}
	}
}

// WithMaxConcurrentFetches bounds parallel web app manifest downloads.
func WithMaxConcurrentFetches(n int) Option {
	return func(v *Verifier) {
		if n > 0 {
			v.maxFetches = int64(n)
		}
	}
}

// NewVerifier creates a verifier for method. defaultApps are the candidates
// declaring method as their default, keyed by package name. otherOrigins
// are the default method origins of candidates declaring method as an
// other method. Events are sent on events.
func NewVerifier(
	method types.MethodID,
	defaultApps map[string]*types.CandidateApp,
	otherOrigins sets.Set[string],
	fetcher ManifestFetcher,
	events chan<- Event,
	opts ...Option,
) *Verifier {
	if otherOrigins == nil {
		otherOrigins = sets.New[string]()
	}
	v := &Verifier{
		method:       method,
		defaultApps:  defaultApps,
		otherOrigins: otherOrigins,
		fetcher:      fetcher,
		events:       events,
		maxFetches:   defaultMaxFetches,
		logger:       logger.NoopLogger{},
		metrics:      metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Method returns the verified method.
func (v *Verifier) Method() types.MethodID {
	return v.method
}

// State returns the current state. Safe to call from any goroutine.
func (v *Verifier) State() State {
	return State(v.state.Load())
}

// Run performs the verification and returns once FinishedUsingResources
// was sent or ctx was canceled. Events are dropped after cancellation.
func (v *Verifier) Run(ctx context.Context) {
	start := time.Now()
	defer func() {
		v.state.Store(int32(StateDone))
		v.send(ctx, FinishedUsingResources{Method: v.method})
	}()

	v.state.Store(int32(StateAwaitingMethodManifest))
	pmm, manifestOrigin, err := v.fetcher.FetchPaymentMethodManifest(ctx, v.method)
	if err != nil {
		v.observe(start, err)
		if ctx.Err() == nil {
			v.logger.Warn("payment method manifest verification failed", map[string]any{
				"method": v.method,
				"error":  err.Error(),
			})
			v.send(ctx, VerificationFailed{Method: v.method, Err: err})
		}
		v.send(ctx, FinishedVerification{Method: v.method})
		return
	}

	v.reportSupportedOrigins(ctx, pmm)

	v.state.Store(int32(StateAwaitingWebAppManifests))
	if len(v.defaultApps) > 0 {
		v.verifyDefaultApps(ctx, manifestOrigin, pmm.DefaultApplications)
	}

	v.observe(start, ctx.Err())
	v.send(ctx, FinishedVerification{Method: v.method})
}

func (v *Verifier) reportSupportedOrigins(ctx context.Context, pmm *types.PaymentMethodManifest) {
	if pmm.AllOriginsSupported {
		for _, origin := range sets.List(v.otherOrigins) {
			v.send(ctx, ValidSupportedOrigin{Method: v.method, Origin: origin})
		}
		return
	}
	for _, origin := range pmm.SupportedOrigins {
		if v.otherOrigins.Has(origin) {
			v.send(ctx, ValidSupportedOrigin{Method: v.method, Origin: origin})
		}
	}
}

func (v *Verifier) verifyDefaultApps(ctx context.Context, manifestOrigin string, urls []string) {
	sem := semaphore.NewWeighted(v.maxFetches)

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		reported = sets.New[string]()
	)

	for _, u := range sets.List(sets.New(urls...)) {
		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		wg.Add(1)
		go func(manifestURL string) {
			defer wg.Done()
			defer sem.Release(1)

			sections, err := v.fetcher.FetchWebAppManifest(ctx, manifestOrigin, manifestURL)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					v.logger.Warn("web app manifest skipped", map[string]any{
						"method":   v.method,
						"manifest": manifestURL,
						"error":    err.Error(),
					})
				}
				return
			}

			for _, app := range v.matchingApps(sections) {
				mu.Lock()
				seen := reported.Has(app.PackageName)
				reported.Insert(app.PackageName)
				mu.Unlock()
				if !seen {
					v.send(ctx, ValidDefaultApp{Method: v.method, App: app})
				}
			}
		}(u)
	}

	wg.Wait()
}

// matchingApps returns the candidates that satisfy at least one section.
func (v *Verifier) matchingApps(sections []types.WebAppManifestSection) []*types.CandidateApp {
	var out []*types.CandidateApp
	for _, section := range sections {
		app, ok := v.defaultApps[section.PackageName]
		if !ok {
			continue
		}
		if err := Match(app, section); err != nil {
			v.logger.Debug("installed app does not match web app manifest", map[string]any{
				"method":  v.method,
				"package": app.PackageName,
				"reason":  err.Error(),
			})
			continue
		}
		out = append(out, app)
	}
	return out
}

// Match checks an installed app against one web app manifest section:
// same package name, version at least min_version and signing
// certificate fingerprints equal to the declared set.
func Match(app *types.CandidateApp, section types.WebAppManifestSection) error {
	if app.PackageName != section.PackageName {
		return errors.New("package name mismatch")
	}

	minVersion, err := manifest.ParseVersion(section.MinVersion)
	if err != nil {
		return errors.New("invalid min_version")
	}
	if app.Version < 0 || semver.New(uint64(app.Version), 0, 0, "", "").LessThan(minVersion) {
		return errors.New("installed version is lower than min_version")
	}

	if len(app.Signatures) == 0 {
		return errors.New("installed app has no signatures")
	}
	if !app.Fingerprints().Equal(section.FingerprintSet()) {
		return errors.New("signing certificate fingerprints do not match")
	}
	return nil
}

func (v *Verifier) send(ctx context.Context, ev Event) {
	if ctx.Err() != nil {
		return
	}
	select {
	case v.events <- ev:
	case <-ctx.Done():
	}
}

func (v *Verifier) observe(start time.Time, err error) {
	outcome := metrics.Outcome(err)
	v.metrics.IncCounter("method_verification", map[string]string{"outcome": outcome})
	v.metrics.ObserveLatency("method_verification", time.Since(start), map[string]string{"outcome": outcome})
}
