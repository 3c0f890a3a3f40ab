package discovery

import (
	"context"

	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/vitwit/payfinder/types"
)

// storeBilling decides which candidates may use app store billing. Store
// billing methods are capability tags and are never verified through
// manifests.
type storeBilling struct {
	byInstaller map[string]types.MethodID
	methods     sets.Set[types.MethodID]
	debug       bool
}

func newStoreBilling(byInstaller map[string]types.MethodID, debug bool) *storeBilling {
	methods := sets.New[types.MethodID]()
	for _, m := range byInstaller {
		methods.Insert(m)
	}
	return &storeBilling{byInstaller: byInstaller, methods: methods, debug: debug}
}

// billingMethod returns the store billing method c may use for this
// request, or false. Only the app hosting the Trusted Web Activity
// qualifies, its installer must be a known store (unless in debug mode)
// and the method must be both requested and declared.
func (s *storeBilling) billingMethod(
	ctx context.Context,
	c *types.CandidateApp,
	params *types.FactoryParams,
	requested sets.Set[types.MethodID],
	installerOf func(ctx context.Context, pkg string) (string, error),
) (types.MethodID, bool, string) {
	if params.TwaPackageName == "" || params.TwaPackageName != c.PackageName {
		return "", false, "not running in a Trusted Web Activity of this app"
	}

	declared := c.DeclaredMethods().Intersection(s.methods).Intersection(requested)
	if declared.Len() == 0 {
		return "", false, "no requested app store billing method declared"
	}

	if s.debug {
		return sets.List(declared)[0], true, ""
	}

	installer := c.Installer
	if installer == "" && installerOf != nil {
		var err error
		installer, err = installerOf(ctx, c.PackageName)
		if err != nil {
			return "", false, "installer unknown: " + err.Error()
		}
	}
	method, ok := s.byInstaller[installer]
	if !ok {
		return "", false, "installed by unknown app store " + installer
	}
	if !declared.Has(method) {
		return "", false, "app store billing method of installer not requested or declared"
	}
	return method, true, ""
}

// strip removes store billing methods from c so that they are never
// downloaded or matched against manifests.
func (s *storeBilling) strip(c *types.CandidateApp) {
	if def, ok := c.DefaultMethod.Get(); ok && s.methods.Has(def) {
		c.DefaultMethod = types.NoMethod()
	}
	if c.OtherMethods != nil {
		c.OtherMethods = c.OtherMethods.Difference(s.methods)
	}
}
