// Package webapp is a discovery source for installed web payment
// handlers. Handlers were verified when they were installed, so no
// manifests are downloaded here.
package webapp

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/vitwit/payfinder/logger"
	"github.com/vitwit/payfinder/types"
)

// SourceName identifies apps reported by Source.
const SourceName = "web"

var validate = validator.New()

// Handler is an installed web payment handler. Its identifier is the
// payment method it was installed for, so a verified native app for the
// same method hides it.
type Handler struct {
	Identifier  string   `json:"identifier" yaml:"identifier" validate:"required,url"`
	Label       string   `json:"label" yaml:"label" validate:"required"`
	Icon        string   `json:"icon,omitempty" yaml:"icon"`
	Methods     []string `json:"methods" yaml:"methods" validate:"required,min=1"`
	Delegations []string `json:"delegations,omitempty" yaml:"delegations"`
}

// Registry holds installed handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register adds or replaces a handler. The identifier is stored in its
// normalized method form.
func (r *Registry) Register(h Handler) error {
	if err := validate.Struct(&h); err != nil {
		return types.NewError(types.ErrInvalidParams, fmt.Sprintf("invalid web payment handler %q", h.Identifier), err)
	}
	id, ok := types.ParseMethodID(h.Identifier)
	if !ok {
		return types.NewError(types.ErrInvalidParams, fmt.Sprintf("invalid web payment handler identifier %q", h.Identifier), nil)
	}
	h.Identifier = string(id)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[h.Identifier] = h
	return nil
}

// Unregister removes a handler. Unknown identifiers are ignored.
func (r *Registry) Unregister(identifier string) {
	if id, ok := types.ParseMethodID(identifier); ok {
		identifier = string(id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, identifier)
}

// Handlers returns all handlers sorted by identifier.
func (r *Registry) Handlers() []Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Handler, 0, len(r.handlers))
	for _, h := range r.handlers {
		out = append(out, h)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identifier < out[j].Identifier })
	return out
}

// Source reports the registered handlers that support a requested method.
type Source struct {
	registry *Registry
	logger   logger.Logger
}

// NewSource creates a source over registry.
func NewSource(registry *Registry, l logger.Logger) *Source {
	if l == nil {
		l = logger.NoopLogger{}
	}
	return &Source{registry: registry, logger: l}
}

func (s *Source) Name() string {
	return SourceName
}

// Create reports matching handlers. Nothing is reported once ctx is
// canceled.
func (s *Source) Create(ctx context.Context, params *types.FactoryParams, delegate types.Delegate) {
	if ctx.Err() != nil {
		return
	}

	requested := sets.KeySet(params.RequestedMethods())
	var apps []*types.PaymentApp
	for _, h := range s.registry.Handlers() {
		methods := types.MethodSet(h.Methods...).Intersection(requested)
		if methods.Len() == 0 {
			continue
		}
		apps = append(apps, &types.PaymentApp{
			Identifier:            h.Identifier,
			Label:                 h.Label,
			Icon:                  h.Icon,
			Source:                SourceName,
			MethodNames:           methods,
			Delegations:           types.ParseDelegations(h.Delegations),
			HasEnrolledInstrument: true,
		})
	}

	s.logger.Debug("web payment handlers matched", map[string]any{"count": len(apps)})

	delegate.OnCanMakePaymentCalculated(len(apps) > 0)
	for _, app := range apps {
		delegate.OnPaymentAppCreated(app)
	}
	delegate.OnDoneCreatingPaymentApps()
}
