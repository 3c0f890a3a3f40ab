// Package resolver computes which payment method manifests have to be
// downloaded to verify an app for a payment request.
package resolver

import (
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/vitwit/payfinder/types"
)

// Resolve returns the methods whose manifests must be verified before the
// app can be offered for requestedMethods.
//
// The declared methods are intersected with the requested ones. When the
// intersection is empty nothing has to be downloaded. Otherwise the app's
// default method is always added back, because other methods are only
// trusted through the origin of the default method.
func Resolve(defaultMethod types.OptionalMethod, otherMethods, requestedMethods sets.Set[types.MethodID]) sets.Set[types.MethodID] {
	declared := sets.New[types.MethodID]()
	for id := range otherMethods {
		declared.Insert(id)
	}
	def, hasDefault := defaultMethod.Get()
	if hasDefault {
		declared.Insert(def)
	}

	out := sets.New[types.MethodID]()
	for id := range declared {
		if !requestedMethods.Has(id) || !valid(id) {
			continue
		}
		out.Insert(id)
	}
	if out.Len() == 0 {
		return out
	}

	if hasDefault && valid(def) {
		out.Insert(def)
	}
	return out
}

// NormalizeSet builds a set of normalized method identifiers from raw
// strings. Non-URL methods are dropped.
func NormalizeSet(raw []string) sets.Set[types.MethodID] {
	return types.MethodSet(raw...)
}

func valid(id types.MethodID) bool {
	parsed, ok := types.ParseMethodID(string(id))
	return ok && parsed == id
}
