package types

import (
	"crypto/sha256"

	"k8s.io/apimachinery/pkg/util/sets"
)

// Delegation is a piece of information a payment app can collect on
// behalf of the merchant.
type Delegation string

const (
	DelegationShippingAddress Delegation = "shippingAddress"
	DelegationPayerName       Delegation = "payerName"
	DelegationPayerPhone      Delegation = "payerPhone"
	DelegationPayerEmail      Delegation = "payerEmail"
)

// Delegations is the capability set declared by an app.
type Delegations struct {
	ShippingAddress bool `json:"shippingAddress"`
	PayerName       bool `json:"payerName"`
	PayerPhone      bool `json:"payerPhone"`
	PayerEmail      bool `json:"payerEmail"`
}

// ParseDelegations maps declared strings to capabilities. Unknown values
// are ignored.
func ParseDelegations(values []string) Delegations {
	var d Delegations
	for _, v := range values {
		switch Delegation(v) {
		case DelegationShippingAddress:
			d.ShippingAddress = true
		case DelegationPayerName:
			d.PayerName = true
		case DelegationPayerPhone:
			d.PayerPhone = true
		case DelegationPayerEmail:
			d.PayerEmail = true
		}
	}
	return d
}

// CandidateApp is an installed app that answers the generic pay intent.
// Identity fields are fixed once built for a discovery run.
type CandidateApp struct {
	PackageName  string
	ActivityName string
	Label        string
	Icon         string
	Version      int64
	Signatures   [][]byte
	Installer    string

	DefaultMethod OptionalMethod
	OtherMethods  sets.Set[MethodID]

	// Empty when the app does not expose the service.
	ReadyToPayService           string
	UpdatePaymentDetailsService string

	Delegations Delegations
	HideTarget  string
}

// Fingerprints returns the SHA-256 digests of the app's signing
// certificates as a set.
func (c *CandidateApp) Fingerprints() sets.Set[[32]byte] {
	out := sets.New[[32]byte]()
	for _, sig := range c.Signatures {
		out.Insert(sha256.Sum256(sig))
	}
	return out
}

// DefaultOrigin returns the origin of the default method, if any.
func (c *CandidateApp) DefaultOrigin() (string, bool) {
	id, ok := c.DefaultMethod.Get()
	if !ok {
		return "", false
	}
	origin := id.Origin()
	return origin, origin != ""
}

// DeclaredMethods is the union of the default method and the other
// methods.
func (c *CandidateApp) DeclaredMethods() sets.Set[MethodID] {
	out := sets.New[MethodID]()
	if c.OtherMethods != nil {
		out = out.Union(c.OtherMethods)
	}
	if id, ok := c.DefaultMethod.Get(); ok {
		out.Insert(id)
	}
	return out
}

// PaymentApp is a validated app handed to the caller.
type PaymentApp struct {
	Identifier  string             `json:"identifier"`
	Label       string             `json:"label"`
	Icon        string             `json:"icon,omitempty"`
	Source      string             `json:"source"`
	MethodNames sets.Set[MethodID] `json:"-"`
	Delegations Delegations        `json:"delegations"`

	// Preferred apps (store billing inside a TWA) replace every other app.
	Preferred bool `json:"preferred"`
	// HideTarget is the identifier of another app this one supersedes.
	HideTarget            string `json:"hideTarget,omitempty"`
	HasEnrolledInstrument bool   `json:"hasEnrolledInstrument"`

	Candidate *CandidateApp `json:"-"`
}

// NewNativePaymentApp starts a payment app record from a candidate with
// no verified methods yet.
func NewNativePaymentApp(c *CandidateApp, source string) *PaymentApp {
	return &PaymentApp{
		Identifier:  c.PackageName,
		Label:       c.Label,
		Icon:        c.Icon,
		Source:      source,
		MethodNames: sets.New[MethodID](),
		Delegations: c.Delegations,
		HideTarget:  c.HideTarget,
		Candidate:   c,
	}
}

// AddMethod records a verified method name.
func (a *PaymentApp) AddMethod(id MethodID) {
	if a.MethodNames == nil {
		a.MethodNames = sets.New[MethodID]()
	}
	a.MethodNames.Insert(id)
}

// Methods returns the verified method names sorted.
func (a *PaymentApp) Methods() []MethodID {
	return sets.List(a.MethodNames)
}

// HandlesAny reports whether the app supports at least one of methods.
func (a *PaymentApp) HandlesAny(methods sets.Set[MethodID]) bool {
	return a.MethodNames.HasAny(sets.List(methods)...)
}
