package config

import (
	"os"
	"sync"

	"gopkg.in/yaml.v2"
)

// TenantsConfig holds per-tenant configuration overrides, keyed by tenant id.
type TenantsConfig struct {
	Tenants map[string]TenantOverride `yaml:"tenants"`
}

// TenantOverride carries the subset of Config a tenant is allowed to
// override: its own proxy allow-list/MCP signing host and rate limits.
// Everything else (container backend, warm pool sizing, GC cadence) is a
// fleet-wide operational concern and is never tenant-overridable.
type TenantOverride struct {
	Proxy     ProxyConfig     `yaml:"proxy"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
}

// Manager resolves the effective configuration for a tenant by layering a
// TenantOverride on top of the global Config.
type Manager struct {
	globalConfig  *Config
	tenantConfigs map[string]TenantOverride
	mu            sync.RWMutex
}

// NewManager loads the master config and, if present, a tenant-overrides
// file. A missing tenants file is not an error — the fleet simply runs
// with no tenant-specific overrides.
func NewManager(masterPath, tenantsPath string) (*Manager, error) {
	master, err := LoadConfig(masterPath)
	if err != nil {
		return nil, err
	}
	master.applyEnvOverrides()

	f, err := os.Open(tenantsPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &Manager{globalConfig: master, tenantConfigs: make(map[string]TenantOverride)}, nil
		}
		return nil, err
	}
	defer f.Close()

	var tc TenantsConfig
	if err := yaml.NewDecoder(f).Decode(&tc); err != nil {
		return nil, err
	}
	return &Manager{globalConfig: master, tenantConfigs: tc.Tenants}, nil
}

// Get returns the effective config for a tenant: the global config with
// any non-zero fields from the tenant's override applied on top.
func (m *Manager) Get(tenantID string) *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	effective := *m.globalConfig

	override, ok := m.tenantConfigs[tenantID]
	if !ok {
		return &effective
	}

	if len(override.Proxy.AllowedHosts) > 0 {
		effective.Proxy.AllowedHosts = override.Proxy.AllowedHosts
	}
	if override.Proxy.SigningEndpointHost != "" {
		effective.Proxy.SigningEndpointHost = override.Proxy.SigningEndpointHost
	}
	if override.RateLimit.MaxCallsPerMinute != 0 {
		effective.RateLimit = override.RateLimit
	}

	return &effective
}
