package types

import (
	"net/url"
	"strings"

	"k8s.io/apimachinery/pkg/util/sets"
)

// MethodID is a URL payment method identifier in its normalized form
// (no trailing slash). Only values produced by ParseMethodID are valid.
type MethodID string

// NormalizeMethod strips surrounding whitespace and trailing slashes so
// that "https://bobpay.test/pay/" and "https://bobpay.test/pay" share a key.
func NormalizeMethod(raw string) string {
	return strings.TrimRight(strings.TrimSpace(raw), "/")
}

// ParseMethodID validates and normalizes a payment method identifier.
// Accepted: absolute https URLs, or http URLs pointing at the local host.
func ParseMethodID(raw string) (MethodID, bool) {
	normalized := NormalizeMethod(raw)
	if normalized == "" {
		return "", false
	}

	u, err := url.Parse(normalized)
	if err != nil || !u.IsAbs() || u.Opaque != "" || u.Host == "" || u.User != nil {
		return "", false
	}

	switch u.Scheme {
	case "https":
	case "http":
		if !IsLocalHost(u.Hostname()) {
			return "", false
		}
	default:
		return "", false
	}

	return MethodID(normalized), true
}

// MustMethodID panics if raw is not a valid identifier. Intended for
// constants and tests.
func MustMethodID(raw string) MethodID {
	id, ok := ParseMethodID(raw)
	if !ok {
		panic("types: invalid payment method identifier " + raw)
	}
	return id
}

// IsLocalHost reports whether host is a loopback name allowed over http.
func IsLocalHost(host string) bool {
	switch strings.ToLower(host) {
	case "localhost", "127.0.0.1", "::1":
		return true
	}
	return strings.HasSuffix(strings.ToLower(host), ".localhost")
}

func (m MethodID) String() string {
	return string(m)
}

// Origin returns scheme://host[:port] of the identifier, or "" if m is
// not a valid identifier.
func (m MethodID) Origin() string {
	u, err := url.Parse(string(m))
	if err != nil {
		return ""
	}
	return OriginOf(u)
}

// OriginOf returns the serialized origin of u: lower case scheme and host,
// the port only when it is not the scheme's default. Empty if u has no
// host.
func OriginOf(u *url.URL) string {
	if u == nil || u.Host == "" {
		return ""
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	if strings.Contains(host, ":") {
		host = "[" + host + "]"
	}
	port := u.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if port != "" {
		host += ":" + port
	}
	return scheme + "://" + host
}

// MethodSet builds a set of valid identifiers from raw strings, dropping
// anything ParseMethodID rejects.
func MethodSet(raw ...string) sets.Set[MethodID] {
	out := sets.New[MethodID]()
	for _, r := range raw {
		if id, ok := ParseMethodID(r); ok {
			out.Insert(id)
		}
	}
	return out
}

// OptionalMethod is a default payment method that may be absent.
type OptionalMethod struct {
	id    MethodID
	valid bool
}

// SomeMethod wraps a valid identifier.
func SomeMethod(id MethodID) OptionalMethod {
	return OptionalMethod{id: id, valid: true}
}

// NoMethod is the absent default method.
func NoMethod() OptionalMethod {
	return OptionalMethod{}
}

// OptionalMethodFrom parses raw metadata; invalid or empty input yields
// NoMethod.
func OptionalMethodFrom(raw string) OptionalMethod {
	if id, ok := ParseMethodID(raw); ok {
		return SomeMethod(id)
	}
	return NoMethod()
}

// Get returns the identifier and whether it is present.
func (o OptionalMethod) Get() (MethodID, bool) {
	return o.id, o.valid
}

func (o OptionalMethod) IsPresent() bool {
	return o.valid
}

func (o OptionalMethod) String() string {
	if !o.valid {
		return "<none>"
	}
	return string(o.id)
}
