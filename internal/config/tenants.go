package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// TenantOverride is the subset of policy a tenant may override. Zero values
// mean "inherit from the global policy".
type TenantOverride struct {
	BaseRate           float64            `yaml:"base_rate"`
	XPRate             float64            `yaml:"xp_rate"`
	XPPerLevel         int64              `yaml:"xp_per_level"`
	EventMultiplierCap float64            `yaml:"event_cap"`
	MaxReceiptAmount   float64            `yaml:"max_receipt"`
	SuspiciousAmount   float64            `yaml:"suspicious_amount"`
	CategoryMultiplier map[string]float64 `yaml:"category_multipliers"`
	Timezone           string             `yaml:"timezone"`
	// AllowedStores is a prefix allow-list for receipt fraud checks; empty
	// admits every store.
	AllowedStores []string `yaml:"allowed_stores"`
}

type tenantsFile struct {
	Tenants map[string]TenantOverride `yaml:"tenants"`
}

// Manager resolves the effective policy config per tenant by merging the
// tenant's overrides onto the global defaults.
type Manager struct {
	mu        sync.RWMutex
	global    PolicyConfig
	overrides map[string]TenantOverride
}

// NewManager builds a manager from the global policy and an optional YAML
// overrides file. A missing file is not an error.
func NewManager(global PolicyConfig, tenantsPath string) (*Manager, error) {
	m := &Manager{global: global, overrides: make(map[string]TenantOverride)}
	if tenantsPath == "" {
		return m, nil
	}

	f, err := os.Open(tenantsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, err
	}
	defer f.Close()

	var tf tenantsFile
	if err := yaml.NewDecoder(f).Decode(&tf); err != nil {
		return nil, err
	}
	if tf.Tenants != nil {
		m.overrides = tf.Tenants
	}
	return m, nil
}

// Policy returns the effective policy config for a tenant.
func (m *Manager) Policy(tenantID string) PolicyConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := m.global
	o, ok := m.overrides[tenantID]
	if !ok {
		return effective
	}
	if o.BaseRate != 0 {
		effective.BaseRate = o.BaseRate
	}
	if o.XPRate != 0 {
		effective.XPRate = o.XPRate
	}
	if o.XPPerLevel != 0 {
		effective.XPPerLevel = o.XPPerLevel
	}
	if o.EventMultiplierCap != 0 {
		effective.EventMultiplierCap = o.EventMultiplierCap
	}
	if o.MaxReceiptAmount != 0 {
		effective.MaxReceiptAmount = o.MaxReceiptAmount
	}
	if o.SuspiciousAmount != 0 {
		effective.SuspiciousAmount = o.SuspiciousAmount
	}
	return effective
}

// CategoryOverrides returns the tenant's category multiplier overrides, or
// nil when the tenant inherits the defaults.
func (m *Manager) CategoryOverrides(tenantID string) map[string]float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.overrides[tenantID]; ok {
		return o.CategoryMultiplier
	}
	return nil
}

// AllowedStores returns the tenant's store allow-list, or nil when every
// store is admitted.
func (m *Manager) AllowedStores(tenantID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.overrides[tenantID]; ok {
		return o.AllowedStores
	}
	return nil
}

// Timezone returns the tenant's timezone override, or "".
func (m *Manager) Timezone(tenantID string) string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if o, ok := m.overrides[tenantID]; ok {
		return o.Timezone
	}
	return ""
}
