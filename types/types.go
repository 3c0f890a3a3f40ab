package types

import (
	"encoding/json"
	"time"
)

// MethodData is the merchant-supplied data for one requested method.
type MethodData struct {
	// SupportedMethod is the raw identifier as sent by the page.
	SupportedMethod string          `json:"supportedMethod"`
	Data            json.RawMessage `json:"data,omitempty"`
}

// FactoryParams describes one payment request for which apps are looked up.
type FactoryParams struct {
	// MethodData is keyed by the raw method string sent by the page.
	MethodData map[string]MethodData `json:"methodData" validate:"required,min=1,dive"`

	TopLevelOrigin       string `json:"topLevelOrigin,omitempty"`
	PaymentRequestOrigin string `json:"paymentRequestOrigin,omitempty"`

	// TwaPackageName is set when the browser runs inside a Trusted Web
	// Activity of that package.
	TwaPackageName string `json:"twaPackageName,omitempty"`
	OffTheRecord   bool   `json:"offTheRecord,omitempty"`

	RequestShipping   bool `json:"requestShipping,omitempty"`
	RequestPayerName  bool `json:"requestPayerName,omitempty"`
	RequestPayerEmail bool `json:"requestPayerEmail,omitempty"`
	RequestPayerPhone bool `json:"requestPayerPhone,omitempty"`
}

// RequestsDelegation reports whether any shipping or contact information
// was requested.
func (p *FactoryParams) RequestsDelegation() bool {
	return p.RequestShipping || p.RequestPayerName || p.RequestPayerEmail || p.RequestPayerPhone
}

// RequestedMethods returns the valid URL methods of the request keyed by
// their normalized form.
func (p *FactoryParams) RequestedMethods() map[MethodID]MethodData {
	out := make(map[MethodID]MethodData, len(p.MethodData))
	for raw, data := range p.MethodData {
		if id, ok := ParseMethodID(raw); ok {
			out[id] = data
		}
	}
	return out
}

// AppCreationFailureReason classifies non-fatal errors reported to the
// delegate.
type AppCreationFailureReason int

const (
	ReasonUnknown AppCreationFailureReason = iota
	ReasonManifestVerificationFailed
	ReasonInvalidApp
	ReasonInternal
)

func (r AppCreationFailureReason) String() string {
	switch r {
	case ReasonManifestVerificationFailed:
		return "manifest_verification_failed"
	case ReasonInvalidApp:
		return "invalid_app"
	case ReasonInternal:
		return "internal"
	default:
		return "unknown"
	}
}

// AppCreationError is an informational error collected during discovery.
type AppCreationError struct {
	Message string                   `json:"message"`
	Reason  AppCreationFailureReason `json:"reason"`
}

// Delegate receives the results of a discovery or aggregation run.
//
// OnCanMakePaymentCalculated and OnDoneCreatingPaymentApps are called
// exactly once; every OnPaymentAppCreated happens before
// OnDoneCreatingPaymentApps.
type Delegate interface {
	OnCanMakePaymentCalculated(canMakePayment bool)
	OnPaymentAppCreated(app *PaymentApp)
	OnPaymentAppCreationError(message string, reason AppCreationFailureReason)
	OnDoneCreatingPaymentApps()
}

// Result is the collected output of an aggregation run.
type Result struct {
	Apps           []*PaymentApp      `json:"apps"`
	CanMakePayment bool               `json:"canMakePayment"`
	Errors         []AppCreationError `json:"errors,omitempty"`
}

// AppStore links an installer package to its billing method.
type AppStore struct {
	InstallerPackage string `json:"installerPackage" yaml:"installerPackage" validate:"required"`
	BillingMethod    string `json:"billingMethod" yaml:"billingMethod" validate:"required,url"`
}

// InternalVariant names an app that replaces every other app handling
// the listed methods.
type InternalVariant struct {
	AppID   string   `json:"appId" yaml:"appId" validate:"required"`
	Methods []string `json:"methods" yaml:"methods" validate:"required,min=1,dive,url"`
}

// CacheConfig selects the manifest cache.
type CacheConfig struct {
	// Backend is "", "memory" or "redis".
	Backend   string        `json:"backend,omitempty" yaml:"backend" validate:"omitempty,oneof=memory redis"`
	Size      int           `json:"size,omitempty" yaml:"size" validate:"gte=0"`
	TTL       time.Duration `json:"ttl,omitempty" yaml:"ttl"`
	RedisAddr string        `json:"redisAddr,omitempty" yaml:"redisAddr" validate:"required_if=Backend redis"`
	RedisDB   int           `json:"redisDb,omitempty" yaml:"redisDb"`
	KeyPrefix string        `json:"keyPrefix,omitempty" yaml:"keyPrefix"`
}

// Config contains global configuration for the payfinder library.
type Config struct {
	DefaultTimeout time.Duration `json:"defaultTimeout,omitempty" yaml:"defaultTimeout"`
	RetryCount     int           `json:"retryCount,omitempty" yaml:"retryCount" validate:"gte=0,lte=10"`
	LogLevel       string        `json:"logLevel,omitempty" yaml:"logLevel" validate:"omitempty,oneof=debug info warn error"`
	EnableMetrics  bool          `json:"enableMetrics,omitempty" yaml:"enableMetrics"`

	MaxVerifiers     int   `json:"maxVerifiers,omitempty" yaml:"maxVerifiers" validate:"gte=0,lte=10"`
	MaxWebAppFetches int   `json:"maxWebAppFetches,omitempty" yaml:"maxWebAppFetches" validate:"gte=0"`
	MaxManifestBytes int64 `json:"maxManifestBytes,omitempty" yaml:"maxManifestBytes" validate:"gte=0"`

	AppStores            []AppStore `json:"appStores,omitempty" yaml:"appStores" validate:"dive"`
	AppStoreBillingDebug bool       `json:"appStoreBillingDebug,omitempty" yaml:"appStoreBillingDebug"`

	BypassReadyToPay  bool          `json:"bypassReadyToPay,omitempty" yaml:"bypassReadyToPay"`
	ReadyToPayTimeout time.Duration `json:"readyToPayTimeout,omitempty" yaml:"readyToPayTimeout"`

	InternalVariants []InternalVariant `json:"internalVariants,omitempty" yaml:"internalVariants" validate:"dive"`

	Cache CacheConfig `json:"cache,omitempty" yaml:"cache"`
}

// Upper bound on concurrently verified methods per discovery run.
const MaxVerifiersLimit = 10

// Default app store: Google Play.
const (
	PlayStoreInstaller     = "com.android.vending"
	PlayStoreBillingMethod = "https://play.google.com/billing"
)

// DefaultConfig returns the configuration used when none is supplied.
func DefaultConfig() *Config {
	return &Config{
		DefaultTimeout:    30 * time.Second,
		RetryCount:        2,
		LogLevel:          "info",
		MaxVerifiers:      MaxVerifiersLimit,
		MaxWebAppFetches:  4,
		MaxManifestBytes:  1 << 20,
		ReadyToPayTimeout: 400 * time.Millisecond,
		AppStores: []AppStore{
			{InstallerPackage: PlayStoreInstaller, BillingMethod: PlayStoreBillingMethod},
		},
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c *Config) WithDefaults() *Config {
	d := DefaultConfig()
	if c == nil {
		return d
	}
	out := *c
	if out.DefaultTimeout <= 0 {
		out.DefaultTimeout = d.DefaultTimeout
	}
	if out.LogLevel == "" {
		out.LogLevel = d.LogLevel
	}
	if out.MaxVerifiers <= 0 || out.MaxVerifiers > MaxVerifiersLimit {
		out.MaxVerifiers = d.MaxVerifiers
	}
	if out.MaxWebAppFetches <= 0 {
		out.MaxWebAppFetches = d.MaxWebAppFetches
	}
	if out.MaxManifestBytes <= 0 {
		out.MaxManifestBytes = d.MaxManifestBytes
	}
	if out.ReadyToPayTimeout <= 0 {
		out.ReadyToPayTimeout = d.ReadyToPayTimeout
	}
	if out.AppStores == nil {
		out.AppStores = d.AppStores
	}
	return &out
}

// AppStoreMethods maps installer packages to their billing method.
func (c *Config) AppStoreMethods() map[string]MethodID {
	out := make(map[string]MethodID, len(c.AppStores))
	for _, s := range c.AppStores {
		if id, ok := ParseMethodID(s.BillingMethod); ok {
			out[s.InstallerPackage] = id
		}
	}
	return out
}
