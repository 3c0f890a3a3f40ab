// Package readiness asks payment apps whether they are ready to pay for a
// request before they are offered.
package readiness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/vitwit/payfinder/logger"
	"github.com/vitwit/payfinder/metrics"
	"github.com/vitwit/payfinder/types"
)

// ErrServiceUnavailable is returned by a Connector when the app's service
// could not be reached. Such calls are retried.
var ErrServiceUnavailable = errors.New("ready to pay service unavailable")

// Request is sent to an app's ready to pay service.
type Request struct {
	TopLevelOrigin       string                     `json:"topLevelOrigin,omitempty"`
	PaymentRequestOrigin string                     `json:"paymentRequestOrigin,omitempty"`
	MethodNames          []string                   `json:"methodNames"`
	MethodData           map[string]json.RawMessage `json:"methodData,omitempty"`
}

// Response is the app's answer.
type Response struct {
	ReadyToPay bool `json:"readyToPay"`
}

// Connector delivers a Request to a named service inside an app.
type Connector interface {
	Call(ctx context.Context, packageName, service string, req *Request) (*Response, error)
}

// Checker answers whether an app is ready to pay for params.
type Checker interface {
	IsReadyToPay(ctx context.Context, app *types.PaymentApp, params *types.FactoryParams) (bool, error)
}

const (
	defaultTimeout    = 400 * time.Millisecond
	defaultMaxRetries = 2
)

// Client is a Checker calling apps through a Connector with a per call
// timeout and exponential backoff on ErrServiceUnavailable.
type Client struct {
	connector       Connector
	timeout         time.Duration
	maxRetries      int
	initialInterval time.Duration
	logger          logger.Logger
	metrics         metrics.Recorder
}

var _ Checker = (*Client)(nil)

type Option func(*Client)

func WithTimeout(t time.Duration) Option {
	return func(c *Client) {
		if t > 0 {
			c.timeout = t
		}
	}
}

func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithInitialInterval sets the first backoff interval.
func WithInitialInterval(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.initialInterval = d
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(c *Client) {
		if r != nil {
			c.metrics = r
		}
	}
}

// NewClient creates a Client with a 400ms per call timeout and 2 retries.
func NewClient(connector Connector, opts ...Option) *Client {
	c := &Client{
		connector:       connector,
		timeout:         defaultTimeout,
		maxRetries:      defaultMaxRetries,
		initialInterval: 50 * time.Millisecond,
		logger:          logger.NoopLogger{},
		metrics:         metrics.NoopRecorder{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// IsReadyToPay queries the app's ready to pay service. Apps without such a
// service are always ready.
func (c *Client) IsReadyToPay(ctx context.Context, app *types.PaymentApp, params *types.FactoryParams) (bool, error) {
	if app.Candidate == nil || app.Candidate.ReadyToPayService == "" {
		return true, nil
	}

	start := time.Now()
	req := NewRequest(app, params)

	var resp *Response
	op := func() error {
		callCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		r, err := c.connector.Call(callCtx, app.Identifier, app.Candidate.ReadyToPayService, req)
		if err == nil {
			resp = r
			return nil
		}
		if errors.Is(err, ErrServiceUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			c.logger.Debug("ready to pay call failed, retrying", map[string]any{
				"package": app.Identifier,
				"error":   err.Error(),
			})
			return err
		}
		return backoff.Permanent(err)
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(c.newBackOff(), uint64(c.maxRetries)), ctx))

	outcome := metrics.Outcome(err)
	c.metrics.IncCounter("ready_to_pay", map[string]string{"outcome": outcome})
	c.metrics.ObserveLatency("ready_to_pay", time.Since(start), map[string]string{"outcome": outcome})

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return false, ctxErr
		}
		return false, types.NewError(types.ErrReadinessFailed, fmt.Sprintf("ready to pay query to %q failed", app.Identifier), err)
	}
	if resp == nil {
		return false, types.NewError(types.ErrReadinessFailed, fmt.Sprintf("empty ready to pay response from %q", app.Identifier), nil)
	}
	return resp.ReadyToPay, nil
}

func (c *Client) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.initialInterval
	b.MaxInterval = 10 * c.initialInterval
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// NewRequest builds the request for app, including only the method data of
// the methods the app was validated for.
func NewRequest(app *types.PaymentApp, params *types.FactoryParams) *Request {
	req := &Request{
		TopLevelOrigin:       params.TopLevelOrigin,
		PaymentRequestOrigin: params.PaymentRequestOrigin,
		MethodData:           make(map[string]json.RawMessage),
	}
	requested := params.RequestedMethods()
	for _, id := range app.Methods() {
		req.MethodNames = append(req.MethodNames, string(id))
		if data, ok := requested[id]; ok && len(data.Data) > 0 {
			req.MethodData[string(id)] = data.Data
		}
	}
	return req
}
