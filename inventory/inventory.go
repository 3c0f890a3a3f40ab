// Package inventory enumerates installed apps that answer the pay intent.
package inventory

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
	"k8s.io/apimachinery/pkg/util/sets"

	"github.com/vitwit/payfinder/types"
)

var validate = validator.New()

// InstalledApp is the raw metadata of one installed app as reported by the
// platform. Method strings are unvalidated.
type InstalledApp struct {
	PackageName  string `json:"packageName" yaml:"packageName" validate:"required"`
	ActivityName string `json:"activityName,omitempty" yaml:"activityName"`
	Label        string `json:"label,omitempty" yaml:"label"`
	Icon         string `json:"icon,omitempty" yaml:"icon"`
	Version      int64  `json:"version" yaml:"version" validate:"gte=0"`

	// Signatures are hex encoded signing certificates.
	Signatures []string `json:"signatures,omitempty" yaml:"signatures" validate:"dive,hexadecimal"`
	Installer  string   `json:"installer,omitempty" yaml:"installer"`

	DefaultMethod string   `json:"defaultMethod,omitempty" yaml:"defaultMethod"`
	OtherMethods  []string `json:"otherMethods,omitempty" yaml:"otherMethods"`
	Delegations   []string `json:"delegations,omitempty" yaml:"delegations"`

	ReadyToPayService           string `json:"readyToPayService,omitempty" yaml:"readyToPayService"`
	UpdatePaymentDetailsService string `json:"updatePaymentDetailsService,omitempty" yaml:"updatePaymentDetailsService"`
}

// PackageManager is the platform query used by discovery.
type PackageManager interface {
	QueryPaymentApps(ctx context.Context) ([]InstalledApp, error)
	InstallerPackageName(ctx context.Context, packageName string) (string, error)
}

// Memory is a PackageManager backed by a map. Safe for concurrent use.
type Memory struct {
	mu   sync.RWMutex
	apps map[string]InstalledApp
}

var _ PackageManager = (*Memory)(nil)

// NewMemory creates an inventory holding apps.
func NewMemory(apps ...InstalledApp) (*Memory, error) {
	m := &Memory{apps: make(map[string]InstalledApp, len(apps))}
	for _, app := range apps {
		if err := m.Install(app); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Install adds or replaces an app.
func (m *Memory) Install(app InstalledApp) error {
	if err := validate.Struct(&app); err != nil {
		return types.NewError(types.ErrInventoryError, fmt.Sprintf("invalid app %q", app.PackageName), err)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.apps[app.PackageName] = app
	return nil
}

// Uninstall removes an app. Unknown packages are ignored.
func (m *Memory) Uninstall(packageName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.apps, packageName)
}

// SetInstaller records the package that installed packageName.
func (m *Memory) SetInstaller(packageName, installer string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	app, ok := m.apps[packageName]
	if !ok {
		return types.NewError(types.ErrInventoryError, fmt.Sprintf("package %q is not installed", packageName), nil)
	}
	app.Installer = installer
	m.apps[packageName] = app
	return nil
}

// QueryPaymentApps returns all apps sorted by package name.
func (m *Memory) QueryPaymentApps(ctx context.Context) ([]InstalledApp, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]InstalledApp, 0, len(m.apps))
	for _, app := range m.apps {
		out = append(out, app)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].PackageName < out[j].PackageName })
	return out, nil
}

// InstallerPackageName returns the installer of packageName, or "" when it
// is unknown.
func (m *Memory) InstallerPackageName(ctx context.Context, packageName string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	app, ok := m.apps[packageName]
	if !ok {
		return "", types.NewError(types.ErrInventoryError, fmt.Sprintf("package %q is not installed", packageName), nil)
	}
	return app.Installer, nil
}

type fileFormat struct {
	Apps []InstalledApp `yaml:"apps"`
}

// LoadFile reads an inventory from a YAML file with a top level "apps"
// list.
func LoadFile(path string) (*Memory, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, types.NewError(types.ErrInventoryError, fmt.Sprintf("read inventory %s", path), err)
	}
	return Load(data)
}

// Load parses YAML inventory content.
func Load(data []byte) (*Memory, error) {
	var f fileFormat
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, types.NewError(types.ErrInventoryError, "parse inventory", err)
	}
	return NewMemory(f.Apps...)
}

// ToCandidate converts raw metadata into a candidate. Invalid method
// strings are dropped; invalid signatures are an error.
func ToCandidate(app InstalledApp) (*types.CandidateApp, error) {
	candidate := &types.CandidateApp{
		PackageName:                 app.PackageName,
		ActivityName:                app.ActivityName,
		Label:                       app.Label,
		Icon:                        app.Icon,
		Version:                     app.Version,
		Installer:                   app.Installer,
		DefaultMethod:               types.OptionalMethodFrom(app.DefaultMethod),
		OtherMethods:                sets.New[types.MethodID](),
		ReadyToPayService:           app.ReadyToPayService,
		UpdatePaymentDetailsService: app.UpdatePaymentDetailsService,
		Delegations:                 types.ParseDelegations(app.Delegations),
	}

	for _, sig := range app.Signatures {
		raw, err := hex.DecodeString(sig)
		if err != nil {
			return nil, types.NewError(types.ErrInventoryError, fmt.Sprintf("invalid signature for %q", app.PackageName), err)
		}
		candidate.Signatures = append(candidate.Signatures, raw)
	}

	def, hasDefault := candidate.DefaultMethod.Get()
	for _, raw := range app.OtherMethods {
		id, ok := types.ParseMethodID(raw)
		if !ok || (hasDefault && id == def) {
			continue
		}
		candidate.OtherMethods.Insert(id)
	}
	return candidate, nil
}
