// Package discovery finds installed native payment apps for a payment
// request and verifies them against payment method manifests.
package discovery

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/vitwit/payfinder/inventory"
	"github.com/vitwit/payfinder/logger"
	"github.com/vitwit/payfinder/metrics"
	"github.com/vitwit/payfinder/readiness"
	"github.com/vitwit/payfinder/resolver"
	"github.com/vitwit/payfinder/types"
	"github.com/vitwit/payfinder/verification"
)

// SourceName identifies apps found by the Finder.
const SourceName = "native"

// Finder is the discovery source for natively installed payment apps. It
// holds no per request state and may serve concurrent Find calls.
type Finder struct {
	packages  inventory.PackageManager
	fetcher   verification.ManifestFetcher
	readiness readiness.Checker

	stores           *storeBilling
	maxVerifiers     int
	maxWebAppFetches int
	bypassReadyToPay bool

	logger  logger.Logger
	metrics metrics.Recorder
}

type Option func(*Finder)

func WithLogger(l logger.Logger) Option {
	return func(f *Finder) {
		if l != nil {
			f.logger = l
		}
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(f *Finder) {
		if r != nil {
			f.metrics = r
		}
	}
}

// WithReadinessChecker sets the ready to pay checker. Without one every app
// is considered ready.
func WithReadinessChecker(c readiness.Checker) Option {
	return func(f *Finder) {
		f.readiness = c
	}
}

// WithAppStores maps installer packages to their billing method.
func WithAppStores(stores map[string]types.MethodID, debug bool) Option {
	return func(f *Finder) {
		f.stores = newStoreBilling(stores, debug)
	}
}

// WithMaxVerifiers caps the number of methods verified per request. Values
// above types.MaxVerifiersLimit are clamped.
func WithMaxVerifiers(n int) Option {
	return func(f *Finder) {
		if n > 0 && n <= types.MaxVerifiersLimit {
			f.maxVerifiers = n
		}
	}
}

// WithMaxWebAppFetches bounds parallel web app manifest downloads per
// method.
func WithMaxWebAppFetches(n int) Option {
	return func(f *Finder) {
		if n > 0 {
			f.maxWebAppFetches = n
		}
	}
}

// WithBypassReadyToPay skips ready to pay queries.
func WithBypassReadyToPay(bypass bool) Option {
	return func(f *Finder) {
		f.bypassReadyToPay = bypass
	}
}

// NewFinder creates a Finder enumerating packages and verifying methods
// with fetcher.
func NewFinder(packages inventory.PackageManager, fetcher verification.ManifestFetcher, opts ...Option) *Finder {
	f := &Finder{
		packages:         packages,
		fetcher:          fetcher,
		stores:           newStoreBilling(types.DefaultConfig().AppStoreMethods(), false),
		maxVerifiers:     types.MaxVerifiersLimit,
		maxWebAppFetches: 4,
		logger:           logger.NoopLogger{},
		metrics:          metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Name implements the aggregation source interface.
func (f *Finder) Name() string {
	return SourceName
}

// Create runs Find and logs its error, if any.
func (f *Finder) Create(ctx context.Context, params *types.FactoryParams, delegate types.Delegate) {
	if err := f.Find(ctx, params, delegate); err != nil && ctx.Err() == nil {
		f.logger.Error("native payment app discovery failed", map[string]any{"error": err.Error()})
	}
}

// run is the state of one Find call. It is only touched by the goroutine
// that called Find.
type run struct {
	*Finder
	log      logger.Logger
	params   *types.FactoryParams
	delegate types.Delegate

	requested  sets.Set[types.MethodID]
	candidates map[string]*types.CandidateApp

	defaultApps  map[types.MethodID]map[string]*types.CandidateApp
	otherOrigins map[types.MethodID]sets.Set[string]
	otherApps    map[types.MethodID]sets.Set[string]

	storeApps map[string]*types.PaymentApp
	verified  map[types.MethodID]*types.VerifiedMethod
}

// Find discovers the apps for params and reports them to delegate. It
// blocks until OnDoneCreatingPaymentApps was called or ctx was canceled.
// Delegate methods are only called from the calling goroutine; after
// cancellation none is called and ctx.Err() is returned once every
// spawned goroutine has exited.
func (f *Finder) Find(ctx context.Context, params *types.FactoryParams, delegate types.Delegate) error {
	start := time.Now()
	if params == nil {
		params = &types.FactoryParams{}
	}

	r := &run{
		Finder:       f,
		log:          logger.With(f.logger, map[string]any{"run_id": uuid.NewString(), "source": SourceName}),
		params:       params,
		delegate:     delegate,
		requested:    sets.KeySet(params.RequestedMethods()),
		candidates:   make(map[string]*types.CandidateApp),
		defaultApps:  make(map[types.MethodID]map[string]*types.CandidateApp),
		otherOrigins: make(map[types.MethodID]sets.Set[string]),
		otherApps:    make(map[types.MethodID]sets.Set[string]),
		storeApps:    make(map[string]*types.PaymentApp),
		verified:     make(map[types.MethodID]*types.VerifiedMethod),
	}

	err := r.find(ctx)
	f.metrics.ObserveLatency("discovery", time.Since(start), map[string]string{"outcome": metrics.Outcome(err)})
	return err
}

func (r *run) find(ctx context.Context) error {
	if r.requested.Len() == 0 {
		r.log.Debug("no URL payment methods requested", nil)
		r.finishEmpty()
		return nil
	}

	installed, err := r.packages.QueryPaymentApps(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		r.log.Error("querying installed payment apps failed", map[string]any{"error": err.Error()})
		r.delegate.OnPaymentAppCreationError("unable to query installed payment apps", types.ReasonInternal)
		r.finishEmpty()
		return nil
	}
	if len(installed) == 0 {
		r.log.Debug("no payment apps installed", nil)
		r.finishEmpty()
		return nil
	}

	r.classify(ctx, installed)

	downloads := r.downloads()
	if len(downloads) == 0 && len(r.storeApps) == 0 {
		r.finishEmpty()
		return nil
	}

	if err := r.verify(ctx, downloads); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	apps := r.validatedApps()
	if len(apps) == 0 {
		r.finishEmpty()
		return nil
	}

	r.delegate.OnCanMakePaymentCalculated(true)
	if err := r.deliver(ctx, apps); err != nil {
		return err
	}
	r.delegate.OnDoneCreatingPaymentApps()
	return nil
}

func (r *run) finishEmpty() {
	r.delegate.OnCanMakePaymentCalculated(false)
	r.delegate.OnDoneCreatingPaymentApps()
}

// classify converts installed records, handles store billing and builds
// the method indexes.
func (r *run) classify(ctx context.Context, installed []inventory.InstalledApp) {
	for _, raw := range installed {
		c, err := inventory.ToCandidate(raw)
		if err != nil {
			r.log.Warn("skipping app with invalid metadata", map[string]any{
				"package": raw.PackageName,
				"error":   err.Error(),
			})
			continue
		}
		if c.Label == "" {
			r.log.Warn("skipping app without a label", map[string]any{"package": c.PackageName})
			continue
		}

		if method, ok, reason := r.stores.billingMethod(ctx, c, r.params, r.requested, r.packages.InstallerPackageName); ok {
			if r.params.RequestsDelegation() {
				r.log.Info("app store billing cannot provide shipping or contact information", map[string]any{
					"package": c.PackageName,
				})
			} else {
				app := types.NewNativePaymentApp(c, SourceName)
				app.AddMethod(method)
				app.Preferred = true
				r.storeApps[c.PackageName] = app
			}
		} else if c.PackageName == r.params.TwaPackageName {
			r.log.Debug("app store billing not used", map[string]any{"package": c.PackageName, "reason": reason})
		}
		r.stores.strip(c)

		if !c.DefaultMethod.IsPresent() && c.OtherMethods.Len() == 0 {
			continue
		}
		r.candidates[c.PackageName] = c
		r.index(c)
	}
}

func (r *run) index(c *types.CandidateApp) {
	if def, ok := c.DefaultMethod.Get(); ok {
		if r.defaultApps[def] == nil {
			r.defaultApps[def] = make(map[string]*types.CandidateApp)
		}
		r.defaultApps[def][c.PackageName] = c
	}

	origin, hasOrigin := c.DefaultOrigin()
	for other := range c.OtherMethods {
		if r.otherApps[other] == nil {
			r.otherApps[other] = sets.New[string]()
		}
		r.otherApps[other].Insert(c.PackageName)
		if !hasOrigin {
			continue
		}
		if r.otherOrigins[other] == nil {
			r.otherOrigins[other] = sets.New[string]()
		}
		r.otherOrigins[other].Insert(origin)
	}
}

// downloads returns the sorted methods to verify, capped at maxVerifiers.
func (r *run) downloads() []types.MethodID {
	union := sets.New[types.MethodID]()
	for _, c := range r.candidates {
		union = union.Union(resolver.Resolve(c.DefaultMethod, c.OtherMethods, r.requested))
	}

	methods := sets.List(union)
	if len(methods) > r.maxVerifiers {
		r.log.Warn("too many payment methods to verify, excess ignored", map[string]any{
			"count":   len(methods),
			"limit":   r.maxVerifiers,
			"dropped": methods[r.maxVerifiers:],
		})
		methods = methods[:r.maxVerifiers]
	}
	return methods
}

// verify runs one verifier per method and collects their reports. It
// returns after every verifier sent FinishedUsingResources, or with
// ctx.Err() after every verifier goroutine exited.
func (r *run) verify(ctx context.Context, methods []types.MethodID) error {
	if len(methods) == 0 {
		return nil
	}

	vctx, cancel := context.WithCancel(ctx)
	defer cancel()

	events := make(chan verification.Event)
	var wg sync.WaitGroup
	for _, m := range methods {
		r.verified[m] = types.NewVerifiedMethod()
		v := verification.NewVerifier(m, r.defaultApps[m], r.otherOrigins[m], r.fetcher, events,
			verification.WithLogger(r.log),
			verification.WithMetrics(r.metrics),
			verification.WithMaxConcurrentFetches(r.maxWebAppFetches),
		)
		wg.Add(1)
		go func() {
			defer wg.Done()
			v.Run(vctx)
		}()
	}

	pending := len(methods)
	for pending > 0 {
		select {
		case ev := <-events:
			if ctx.Err() != nil {
				cancel()
				wg.Wait()
				return ctx.Err()
			}
			if r.handle(ev) {
				pending--
			}
		case <-ctx.Done():
			cancel()
			wg.Wait()
			return ctx.Err()
		}
	}
	wg.Wait()
	return nil
}

// handle applies one verifier event and reports whether the verifier is
// finished.
func (r *run) handle(ev verification.Event) bool {
	vm := r.verified[ev.MethodID()]
	switch e := ev.(type) {
	case verification.ValidDefaultApp:
		vm.DefaultApps.Insert(e.App.PackageName)
	case verification.ValidSupportedOrigin:
		vm.SupportedOrigins.Insert(e.Origin)
	case verification.VerificationFailed:
		r.delegate.OnPaymentAppCreationError(e.Err.Error(), types.ReasonManifestVerificationFailed)
	case verification.FinishedVerification:
		r.log.Debug("finished verifying payment method", map[string]any{
			"method":       e.Method,
			"default_apps": vm.DefaultApps.Len(),
			"origins":      vm.SupportedOrigins.Len(),
		})
	case verification.FinishedUsingResources:
		return true
	}
	return false
}

// validatedApps builds the apps valid for at least one requested method.
func (r *run) validatedApps() []*types.PaymentApp {
	apps := make(map[string]*types.PaymentApp, len(r.storeApps))
	for pkg, app := range r.storeApps {
		apps[pkg] = app
	}

	get := func(c *types.CandidateApp) *types.PaymentApp {
		app, ok := apps[c.PackageName]
		if !ok {
			app = types.NewNativePaymentApp(c, SourceName)
			apps[c.PackageName] = app
		}
		return app
	}

	for _, m := range sets.List(r.requested) {
		vm, ok := r.verified[m]
		if !ok {
			continue
		}

		for _, pkg := range sets.List(vm.DefaultApps) {
			get(r.candidates[pkg]).AddMethod(m)
		}

		for _, pkg := range sets.List(r.otherApps[m]) {
			c := r.candidates[pkg]
			if !r.verifiedAsDefault(c) {
				continue
			}
			origin, _ := c.DefaultOrigin()
			if vm.SupportedOrigins.Has(origin) {
				get(c).AddMethod(m)
			}
		}
	}

	out := make([]*types.PaymentApp, 0, len(apps))
	for _, app := range apps {
		if !app.Preferred && r.verifiedAsDefault(app.Candidate) {
			def, _ := app.Candidate.DefaultMethod.Get()
			app.HideTarget = string(def)
		}
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// verifiedAsDefault reports whether c was verified as a default app of
// its own default method.
func (r *run) verifiedAsDefault(c *types.CandidateApp) bool {
	if c == nil {
		return false
	}
	def, ok := c.DefaultMethod.Get()
	if !ok {
		return false
	}
	vm, ok := r.verified[def]
	return ok && vm.DefaultApps.Has(c.PackageName)
}

type readyResult struct {
	app   *types.PaymentApp
	ready bool
	err   error
}

// deliver hands apps to the delegate once their ready to pay query
// resolved or was skipped.
func (r *run) deliver(ctx context.Context, apps []*types.PaymentApp) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	qctx, cancel := context.WithCancel(ctx)
	defer cancel()

	results := make(chan readyResult)
	var wg sync.WaitGroup
	pending := 0

	for _, app := range apps {
		if r.skipReadiness(app) {
			app.HasEnrolledInstrument = true
			r.created(app)
			continue
		}
		pending++
		wg.Add(1)
		go func(app *types.PaymentApp) {
			defer wg.Done()
			ready, err := r.readiness.IsReadyToPay(qctx, app, r.params)
			select {
			case results <- readyResult{app: app, ready: ready, err: err}:
			case <-qctx.Done():
			}
		}(app)
	}

	for pending > 0 {
		select {
		case res := <-results:
			if ctx.Err() != nil {
				cancel()
				wg.Wait()
				return ctx.Err()
			}
			pending--
			if res.err != nil {
				r.log.Warn("ready to pay query failed", map[string]any{
					"package": res.app.Identifier,
					"error":   res.err.Error(),
				})
			}
			res.app.HasEnrolledInstrument = res.err == nil && res.ready
			r.created(res.app)
		case <-ctx.Done():
			cancel()
			wg.Wait()
			return ctx.Err()
		}
	}
	wg.Wait()
	return nil
}

func (r *run) skipReadiness(app *types.PaymentApp) bool {
	return r.readiness == nil ||
		r.bypassReadyToPay ||
		r.params.OffTheRecord ||
		app.Candidate == nil ||
		app.Candidate.ReadyToPayService == ""
}

func (r *run) created(app *types.PaymentApp) {
	r.log.Info("payment app found", map[string]any{
		"package":   app.Identifier,
		"methods":   app.Methods(),
		"preferred": app.Preferred,
	})
	r.metrics.IncCounter("payment_app_created", map[string]string{"outcome": metrics.OutcomeSuccess})
	r.delegate.OnPaymentAppCreated(app)
}
