// Package aggregation runs several discovery sources concurrently and
// merges their reports into one app list and one can make payment answer.
package aggregation

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/vitwit/payfinder/logger"
	"github.com/vitwit/payfinder/metrics"
	"github.com/vitwit/payfinder/types"
)

// Source is one independent way of finding payment apps. Create reports
// through delegate and returns once it called OnDoneCreatingPaymentApps
// or ctx was canceled.
type Source interface {
	Name() string
	Create(ctx context.Context, params *types.FactoryParams, delegate types.Delegate)
}

// Service fans a request out to its sources.
type Service struct {
	sources  []Source
	policies []Policy
	logger   logger.Logger
	metrics  metrics.Recorder
}

type Option func(*Service)

func WithLogger(l logger.Logger) Option {
	return func(s *Service) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(s *Service) {
		if r != nil {
			s.metrics = r
		}
	}
}

// WithPolicies appends dedup policies.
func WithPolicies(p ...Policy) Option {
	return func(s *Service) {
		s.policies = append(s.policies, p...)
	}
}

func NewService(sources []Source, opts ...Option) *Service {
	s := &Service{
		sources: sources,
		logger:  logger.NoopLogger{},
		metrics: metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

type message struct {
	source int
	kind   messageKind

	canMakePayment bool
	app            *types.PaymentApp
	errMessage     string
	reason         types.AppCreationFailureReason
}

type messageKind int

const (
	msgCanMakePayment messageKind = iota
	msgAppCreated
	msgAppError
	msgDone
)

// sourceDelegate forwards one source's callbacks to the run loop. Reports
// after the source's done are dropped.
type sourceDelegate struct {
	ctx    context.Context
	index  int
	out    chan<- message
	closed atomic.Bool
}

func (d *sourceDelegate) send(m message) {
	if d.closed.Load() {
		return
	}
	if m.kind == msgDone && !d.closed.CompareAndSwap(false, true) {
		return
	}
	m.source = d.index
	select {
	case d.out <- m:
	case <-d.ctx.Done():
	}
}

func (d *sourceDelegate) OnCanMakePaymentCalculated(v bool) {
	d.send(message{kind: msgCanMakePayment, canMakePayment: v})
}

func (d *sourceDelegate) OnPaymentAppCreated(app *types.PaymentApp) {
	if app == nil {
		return
	}
	d.send(message{kind: msgAppCreated, app: app})
}

func (d *sourceDelegate) OnPaymentAppCreationError(msg string, reason types.AppCreationFailureReason) {
	d.send(message{kind: msgAppError, errMessage: msg, reason: reason})
}

func (d *sourceDelegate) OnDoneCreatingPaymentApps() {
	d.send(message{kind: msgDone})
}

// Create runs every source and reports the merged result to delegate from
// the calling goroutine: errors as they arrive, can make payment once
// every source answered, then the deduplicated apps and done. After ctx
// is canceled no callback is made and ctx.Err() is returned once all
// source goroutines exited.
func (s *Service) Create(ctx context.Context, params *types.FactoryParams, delegate types.Delegate) error {
	start := time.Now()
	log := logger.With(s.logger, map[string]any{"run_id": uuid.NewString()})

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	messages := make(chan message)
	var wg sync.WaitGroup
	for i, src := range s.sources {
		d := &sourceDelegate{ctx: runCtx, index: i, out: messages}
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					log.Error("payment app source panicked", map[string]any{
						"source": src.Name(),
						"panic":  fmt.Sprint(r),
					})
					d.OnPaymentAppCreationError(fmt.Sprintf("source %s failed", src.Name()), types.ReasonInternal)
				}
				d.OnDoneCreatingPaymentApps()
			}()
			src.Create(runCtx, params, d)
		}(src)
	}

	var (
		pending        = len(s.sources)
		answered       = make([]bool, len(s.sources))
		unanswered     = len(s.sources)
		canMakePayment bool
		cmpSent        bool
		apps           []*types.PaymentApp
	)

	emitCanMakePayment := func() {
		if unanswered == 0 && !cmpSent {
			cmpSent = true
			delegate.OnCanMakePaymentCalculated(canMakePayment)
		}
	}
	answer := func(i int) {
		if !answered[i] {
			answered[i] = true
			unanswered--
		}
		emitCanMakePayment()
	}

	emitCanMakePayment()

	aborted := func() error {
		cancel()
		wg.Wait()
		s.metrics.ObserveLatency("aggregation", time.Since(start), map[string]string{"outcome": metrics.OutcomeFailure})
		return ctx.Err()
	}

	for pending > 0 {
		select {
		case m := <-messages:
			if ctx.Err() != nil {
				return aborted()
			}
			name := s.sources[m.source].Name()
			switch m.kind {
			case msgCanMakePayment:
				canMakePayment = canMakePayment || m.canMakePayment
				answer(m.source)
			case msgAppCreated:
				apps = append(apps, m.app)
			case msgAppError:
				log.Warn("payment app creation error", map[string]any{"source": name, "error": m.errMessage})
				delegate.OnPaymentAppCreationError(m.errMessage, m.reason)
			case msgDone:
				pending--
				answer(m.source)
				log.Debug("payment app source finished", map[string]any{"source": name, "pending": pending})
			}
		case <-ctx.Done():
			return aborted()
		}
	}
	cancel()
	wg.Wait()
	if ctx.Err() != nil {
		return aborted()
	}

	final := Deduplicate(apps, s.policies...)
	log.Info("payment apps aggregated", map[string]any{
		"reported": len(apps),
		"final":    len(final),
	})
	for _, app := range final {
		delegate.OnPaymentAppCreated(app)
	}
	delegate.OnDoneCreatingPaymentApps()

	s.metrics.IncCounter("aggregation", map[string]string{"outcome": metrics.OutcomeSuccess})
	s.metrics.ObserveLatency("aggregation", time.Since(start), map[string]string{"outcome": metrics.OutcomeSuccess})
	return nil
}

// Collect runs Create and returns what was reported.
func (s *Service) Collect(ctx context.Context, params *types.FactoryParams) (*types.Result, error) {
	c := &collector{result: &types.Result{Apps: []*types.PaymentApp{}}}
	if err := s.Create(ctx, params, c); err != nil {
		return nil, err
	}
	return c.result, nil
}

type collector struct {
	result *types.Result
}

func (c *collector) OnCanMakePaymentCalculated(v bool) {
	c.result.CanMakePayment = v
}

func (c *collector) OnPaymentAppCreated(app *types.PaymentApp) {
	c.result.Apps = append(c.result.Apps, app)
}

func (c *collector) OnPaymentAppCreationError(msg string, reason types.AppCreationFailureReason) {
	c.result.Errors = append(c.result.Errors, types.AppCreationError{Message: msg, Reason: reason})
}

func (c *collector) OnDoneCreatingPaymentApps() {}
