package manifest

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/go-playground/validator/v10"

	"github.com/vitwit/payfinder/logger"
	"github.com/vitwit/payfinder/types"
)

const (
	MaxDefaultApplications = 100
	MaxSupportedOrigins    = 100000
	MaxRelatedApplications = 100
	MaxFingerprints        = 100

	PlayPlatform        = "play"
	FingerprintTypeSHA2 = "sha256_cert"
	AllOriginsWildcard  = "*"
)

var validate *validator.Validate

func init() {
	validate = validator.New()
	_ = validate.RegisterValidation("appversion", validateVersionTag)
	_ = validate.RegisterValidation("fingerprint", validateFingerprintTag)
}

type rawMethodManifest struct {
	DefaultApplications []string        `json:"default_applications"`
	SupportedOrigins    json.RawMessage `json:"supported_origins"`
}

type rawWebAppManifest struct {
	RelatedApplications []rawRelatedApplication `json:"related_applications"`
}

type rawRelatedApplication struct {
	Platform     string           `json:"platform"`
	ID           string           `json:"id" validate:"required"`
	MinVersion   string           `json:"min_version" validate:"required,appversion"`
	Fingerprints []rawFingerprint `json:"fingerprints" validate:"required,min=1,dive"`
}

type rawFingerprint struct {
	Type  string `json:"type" validate:"eq=sha256_cert"`
	Value string `json:"value" validate:"required,fingerprint"`
}

// Parser turns manifest bytes into typed manifests. It holds no state
// besides the logger used for truncation warnings.
type Parser struct {
	logger logger.Logger
}

// NewParser creates a parser. A nil logger disables warnings.
func NewParser(l logger.Logger) *Parser {
	if l == nil {
		l = logger.NoopLogger{}
	}
	return &Parser{logger: l}
}

// ParsePaymentMethodManifest parses a payment method manifest served at
// manifestURL. Relative default application URLs are resolved against it.
func (p *Parser) ParsePaymentMethodManifest(manifestURL string, content []byte) (*types.PaymentMethodManifest, error) {
	base, err := url.Parse(manifestURL)
	if err != nil || !base.IsAbs() {
		return nil, parseError(fmt.Sprintf("invalid manifest URL %q", manifestURL), err)
	}

	var raw rawMethodManifest
	if err := decodeObject(content, &raw); err != nil {
		return nil, parseError("payment method manifest must be a JSON object", err)
	}

	out := &types.PaymentMethodManifest{ManifestURL: manifestURL}

	apps := raw.DefaultApplications
	if len(apps) > MaxDefaultApplications {
		p.logger.Warn("too many default applications, truncating", map[string]any{
			"manifest": manifestURL,
			"count":    len(apps),
			"limit":    MaxDefaultApplications,
		})
		apps = apps[:MaxDefaultApplications]
	}
	for _, entry := range apps {
		ref, err := base.Parse(strings.TrimSpace(entry))
		if err != nil {
			return nil, parseError(fmt.Sprintf("invalid default application %q", entry), err)
		}
		if _, ok := types.ParseMethodID(ref.String()); !ok {
			return nil, parseError(fmt.Sprintf("default application %q is not a secure absolute URL", entry), nil)
		}
		out.DefaultApplications = append(out.DefaultApplications, ref.String())
	}

	if err := p.parseSupportedOrigins(manifestURL, raw.SupportedOrigins, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (p *Parser) parseSupportedOrigins(manifestURL string, raw json.RawMessage, out *types.PaymentMethodManifest) error {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil
	}

	var wildcard string
	if err := json.Unmarshal(raw, &wildcard); err == nil {
		if wildcard != AllOriginsWildcard {
			return parseError(fmt.Sprintf("supported_origins must be %q or a list of origins", AllOriginsWildcard), nil)
		}
		out.AllOriginsSupported = true
		return nil
	}

	var origins []string
	if err := json.Unmarshal(raw, &origins); err != nil {
		return parseError("supported_origins must be a list of strings", err)
	}
	if len(origins) > MaxSupportedOrigins {
		p.logger.Warn("too many supported origins, truncating", map[string]any{
			"manifest": manifestURL,
			"count":    len(origins),
			"limit":    MaxSupportedOrigins,
		})
		origins = origins[:MaxSupportedOrigins]
	}
	for _, o := range origins {
		origin, ok := ParseOrigin(o)
		if !ok {
			return parseError(fmt.Sprintf("supported origin %q is not a secure origin", o), nil)
		}
		out.SupportedOrigins = append(out.SupportedOrigins, origin)
	}
	return nil
}

// ParseWebAppManifest extracts the "play" related applications of a web
// app manifest. Other platforms are ignored.
func (p *Parser) ParseWebAppManifest(content []byte) ([]types.WebAppManifestSection, error) {
	var raw rawWebAppManifest
	if err := decodeObject(content, &raw); err != nil {
		return nil, parseError("web app manifest must be a JSON object", err)
	}
	if raw.RelatedApplications == nil {
		return nil, parseError(`web app manifest has no "related_applications"`, nil)
	}

	var sections []types.WebAppManifestSection
	for _, app := range raw.RelatedApplications {
		if app.Platform != PlayPlatform {
			continue
		}
		if len(sections) == MaxRelatedApplications {
			p.logger.Warn("too many related applications, truncating", map[string]any{
				"limit": MaxRelatedApplications,
			})
			break
		}
		if err := validate.Struct(&app); err != nil {
			return nil, parseError(fmt.Sprintf("invalid related application %q", app.ID), err)
		}

		fingerprints := app.Fingerprints
		if len(fingerprints) > MaxFingerprints {
			p.logger.Warn("too many fingerprints, truncating", map[string]any{
				"package": app.ID,
				"limit":   MaxFingerprints,
			})
			fingerprints = fingerprints[:MaxFingerprints]
		}

		section := types.WebAppManifestSection{
			PackageName: app.ID,
			MinVersion:  app.MinVersion,
		}
		for _, fp := range fingerprints {
			digest, _ := ParseFingerprint(fp.Value)
			section.Fingerprints = append(section.Fingerprints, digest)
		}
		sections = append(sections, section)
	}
	return sections, nil
}

// ParseFingerprint decodes a colon separated upper or lower case hex
// SHA-256 digest such as "AB:CD:...".
func ParseFingerprint(value string) ([32]byte, bool) {
	var out [32]byte
	parts := strings.Split(value, ":")
	if len(parts) != len(out) {
		return out, false
	}
	for i, part := range parts {
		if len(part) != 2 {
			return out, false
		}
		b, err := hex.DecodeString(part)
		if err != nil {
			return out, false
		}
		out[i] = b[0]
	}
	return out, true
}

// FormatFingerprint is the inverse of ParseFingerprint, using upper case.
func FormatFingerprint(digest [32]byte) string {
	parts := make([]string, len(digest))
	for i, b := range digest {
		parts[i] = strings.ToUpper(hex.EncodeToString([]byte{b}))
	}
	return strings.Join(parts, ":")
}

// ParseOrigin validates a supported origin: a secure scheme, a host and
// no path, query or fragment.
func ParseOrigin(raw string) (string, bool) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" || u.User != nil {
		return "", false
	}
	if (u.Path != "" && u.Path != "/") || u.RawQuery != "" || u.Fragment != "" {
		return "", false
	}
	origin := types.OriginOf(u)
	if _, ok := types.ParseMethodID(origin); !ok {
		return "", false
	}
	return origin, true
}

// ParseVersion reads a manifest min_version or an installed version code.
// Bare integers are treated as major versions.
func ParseVersion(v string) (*semver.Version, error) {
	return semver.NewVersion(strings.TrimSpace(v))
}

func decodeObject(content []byte, v any) error {
	content = bytes.TrimSpace(content)
	if len(content) == 0 || content[0] != '{' {
		return fmt.Errorf("expected JSON object")
	}
	return json.Unmarshal(content, v)
}

func validateVersionTag(fl validator.FieldLevel) bool {
	_, err := ParseVersion(fl.Field().String())
	return err == nil
}

func validateFingerprintTag(fl validator.FieldLevel) bool {
	_, ok := ParseFingerprint(fl.Field().String())
	return ok
}

func parseError(msg string, err error) *types.Error {
	return types.NewError(types.ErrManifestParseFailed, msg, err)
}
