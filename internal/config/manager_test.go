package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTestFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(p, []byte(content), 0o600))
	return p
}

func TestNewManager_NoTenantsFile(t *testing.T) {
	dir := t.TempDir()
	master := writeTestFile(t, dir, "config.yaml", "server:\n  port: \"9090\"\n")

	mgr, err := NewManager(master, filepath.Join(dir, "missing-tenants.yaml"))
	require.NoError(t, err)

	effective := mgr.Get("unknown-tenant")
	assert.Equal(t, "9090", effective.Server.Port)
}

func TestManager_Get_AppliesTenantOverride(t *testing.T) {
	dir := t.TempDir()
	master := writeTestFile(t, dir, "config.yaml", "proxy:\n  allowed_hosts:\n    - api.global.example.com\n")
	tenants := writeTestFile(t, dir, "tenants.yaml", `
tenants:
  acme:
    proxy:
      allowed_hosts:
        - api.acme.example.com
      signing_endpoint_host: sign.acme.example.com
    rate_limit:
      max_calls_per_minute: 10
      burst_size: 20
`)

	mgr, err := NewManager(master, tenants)
	require.NoError(t, err)

	acme := mgr.Get("acme")
	assert.Equal(t, []string{"api.acme.example.com"}, acme.Proxy.AllowedHosts)
	assert.Equal(t, "sign.acme.example.com", acme.Proxy.SigningEndpointHost)
	assert.Equal(t, 10, acme.RateLimit.MaxCallsPerMinute)

	other := mgr.Get("other-tenant")
	assert.Equal(t, []string{"api.global.example.com"}, other.Proxy.AllowedHosts)
}

func TestManager_Get_UnknownMasterPath(t *testing.T) {
	_, err := NewManager(filepath.Join(t.TempDir(), "missing.yaml"), "")
	require.Error(t, err)
}
