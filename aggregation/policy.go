package aggregation

import (
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/vitwit/payfinder/types"
)

// Policy filters the deduplicated app list after the hide target and
// preferred app rules ran.
type Policy interface {
	Name() string
	Apply(apps []*types.PaymentApp) []*types.PaymentApp
}

// InternalVariantPolicy lets one designated app replace every other app
// handling the same methods when it is present.
type InternalVariantPolicy struct {
	InternalAppID string
	Methods       sets.Set[types.MethodID]
}

// NewInternalVariantPolicy builds the policy from config values. Invalid
// methods are dropped.
func NewInternalVariantPolicy(v types.InternalVariant) *InternalVariantPolicy {
	return &InternalVariantPolicy{
		InternalAppID: v.AppID,
		Methods:       types.MethodSet(v.Methods...),
	}
}

func (p *InternalVariantPolicy) Name() string {
	return "internal_variant"
}

func (p *InternalVariantPolicy) Apply(apps []*types.PaymentApp) []*types.PaymentApp {
	present := false
	for _, app := range apps {
		if app.Identifier == p.InternalAppID {
			present = true
			break
		}
	}
	if !present {
		return apps
	}

	out := make([]*types.PaymentApp, 0, len(apps))
	for _, app := range apps {
		if app.Identifier != p.InternalAppID && app.HandlesAny(p.Methods) {
			continue
		}
		out = append(out, app)
	}
	return out
}

// Deduplicate merges apps by identifier (the last report wins), drops
// apps hidden by another app, keeps only the preferred app if there is
// one and finally runs policies in order.
func Deduplicate(apps []*types.PaymentApp, policies ...Policy) []*types.PaymentApp {
	var order []string
	byID := make(map[string]*types.PaymentApp, len(apps))
	for _, app := range apps {
		if _, seen := byID[app.Identifier]; !seen {
			order = append(order, app.Identifier)
		}
		byID[app.Identifier] = app
	}

	hiddenBy := make(map[string]string)
	for _, id := range order {
		app := byID[id]
		if app.HideTarget != "" && app.HideTarget != app.Identifier {
			hiddenBy[app.HideTarget] = app.Identifier
		}
	}

	out := make([]*types.PaymentApp, 0, len(order))
	for _, id := range order {
		if _, hidden := hiddenBy[id]; hidden {
			continue
		}
		out = append(out, byID[id])
	}

	for _, app := range out {
		if app.Preferred {
			return []*types.PaymentApp{app}
		}
	}

	for _, p := range policies {
		out = p.Apply(out)
	}
	return out
}
