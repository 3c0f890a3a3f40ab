package types

import "k8s.io/apimachinery/pkg/util/sets"

// PaymentMethodManifest is the parsed manifest hosted for one method.
type PaymentMethodManifest struct {
	ManifestURL string `json:"manifestUrl"`

	// Absolute URLs of web app manifests describing the default apps.
	DefaultApplications []string `json:"defaultApplications,omitempty"`

	SupportedOrigins    []string `json:"supportedOrigins,omitempty"`
	AllOriginsSupported bool     `json:"allOriginsSupported,omitempty"`
}

// SupportsOrigin reports whether origin was authorized by the manifest.
func (m *PaymentMethodManifest) SupportsOrigin(origin string) bool {
	if m.AllOriginsSupported {
		return true
	}
	for _, o := range m.SupportedOrigins {
		if o == origin {
			return true
		}
	}
	return false
}

// WebAppManifestSection is one "related_applications" entry describing an
// acceptable native app identity.
type WebAppManifestSection struct {
	PackageName  string     `json:"id"`
	MinVersion   string     `json:"minVersion"`
	Fingerprints [][32]byte `json:"-"`
}

// FingerprintSet returns the declared fingerprints as a set.
func (s WebAppManifestSection) FingerprintSet() sets.Set[[32]byte] {
	return sets.New(s.Fingerprints...)
}

// VerifiedMethod accumulates verification reports for one method during a
// discovery run.
type VerifiedMethod struct {
	DefaultApps      sets.Set[string]
	SupportedOrigins sets.Set[string]
}

// NewVerifiedMethod returns an empty accumulator.
func NewVerifiedMethod() *VerifiedMethod {
	return &VerifiedMethod{
		DefaultApps:      sets.New[string](),
		SupportedOrigins: sets.New[string](),
	}
}
