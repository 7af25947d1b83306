// Package config loads the orchestrator's runtime configuration: a YAML
// file plus environment-variable overrides, behind a process-wide
// singleton. Generalized from the teacher's internal/config/config.go
// singleton/YAML/env-override/defaults shape; the nested struct set is
// specific to this repo's domain (SPEC_FULL §10.3).
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// Config is the top-level configuration object.
type Config struct {
	Server      ServerConfig      `yaml:"server"`
	Container   ContainerConfig   `yaml:"container"`
	WarmPool    WarmPoolConfig    `yaml:"warm_pool"`
	GC          GCConfig          `yaml:"gc"`
	Proxy       ProxyConfig       `yaml:"proxy"`
	ObjectStore ObjectStoreConfig `yaml:"object_store"`
	Stream      StreamConfig      `yaml:"stream"`
	Catalog     CatalogConfig     `yaml:"catalog"`
	PubSub      PubSubConfig      `yaml:"pubsub"`
	RateLimit   RateLimitConfig   `yaml:"rate_limit"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Port             string   `yaml:"port"`
	Env              string   `yaml:"env"`
	Interface        string   `yaml:"interface"`
	ReadTimeoutSec   int      `yaml:"read_timeout_sec"`
	WriteTimeoutSec  int      `yaml:"write_timeout_sec"`
	IdleTimeoutSec   int      `yaml:"idle_timeout_sec"`
	ShutdownTimeout  int      `yaml:"shutdown_timeout_sec"`
	CORSAllowOrigins []string `yaml:"cors_allow_origins"`
}

// ContainerConfig selects and configures the lifecycle backend (§4.1, §6).
type ContainerConfig struct {
	Backend           string `yaml:"backend"` // "local" or "remote"
	TTLSeconds        int    `yaml:"ttl_seconds"`
	AgentImage        string `yaml:"agent_image"`
	ProxyImage        string `yaml:"proxy_image"` // remote backend sidecar
	AgentPort         int    `yaml:"agent_port"`
	ProxyPort         int    `yaml:"proxy_port"`
	SchedulerHTTPAddr string `yaml:"scheduler_http_addr"`
	SchedulerGRPCAddr string `yaml:"scheduler_grpc_addr"`
	Runtime           string `yaml:"runtime"` // "" or "runsc" (gVisor)
	SyscallProfile    bool   `yaml:"syscall_profile_enabled"`
	SyscallMapPath    string `yaml:"syscall_map_path"`
	TrustDomain       string `yaml:"trust_domain"` // SPIFFE trust domain for sandbox<->proxy identity
}

// WarmPoolConfig bounds the pre-started sandbox pool (§4.3).
type WarmPoolConfig struct {
	MinSize                  int `yaml:"min_size"`
	MaxSize                  int `yaml:"max_size"`
	ReplenishIntervalSeconds int `yaml:"replenish_interval_seconds"`
	EntryTTLSeconds          int `yaml:"entry_ttl_seconds"`
}

// GCConfig controls the garbage collector sweep cadence (§4.4).
type GCConfig struct {
	IntervalSeconds  int `yaml:"interval_seconds"`
	OrphanSweepEvery int `yaml:"orphan_sweep_every"`
}

// ProxyConfig configures the credential-injection proxy (§4.5).
type ProxyConfig struct {
	ListenAddr              string   `yaml:"listen_addr"`
	AdminAddr                string   `yaml:"admin_addr"`
	AllowedHosts             []string `yaml:"allowed_hosts"`
	SigningEndpointHost      string   `yaml:"signing_endpoint_host"`
	SigningCredentialSource  string   `yaml:"signing_credential_source"` // env var name holding the credential
	SigningSecret            string   `yaml:"-"`                        // populated from SigningCredentialSource at boot, never logged
	KeyRotationGraceSeconds  int      `yaml:"key_rotation_grace_seconds"`
}

// ObjectStoreConfig points the file synchronizer at its backing bucket (§4.6).
type ObjectStoreConfig struct {
	Bucket   string `yaml:"bucket"`
	Prefix   string `yaml:"prefix"`
	Endpoint string `yaml:"endpoint"`
}

// StreamConfig controls the event bridge's timing (§4.7, §6).
type StreamConfig struct {
	EventTimeoutSeconds      int `yaml:"event_timeout_seconds"`
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
}

// CatalogConfig points the read-only catalog store and write-path database
// at their backing services (§4.2 step 2, §5 "Database sessions").
type CatalogConfig struct {
	SupabaseURL        string `yaml:"supabase_url"`
	SupabaseServiceKey string `yaml:"supabase_service_key"`
	PostgresDSN        string `yaml:"postgres_dsn"`
}

// PubSubConfig enables optional durable fan-out of orchestrator lifecycle
// events (execution completed, container recovered) for multi-replica
// observability (SPEC_FULL §11). Off by default.
type PubSubConfig struct {
	Enabled   bool   `yaml:"enabled"`
	ProjectID string `yaml:"project_id"`
	TopicID   string `yaml:"topic_id"`
}

// RateLimitConfig bounds the ambient per-key request rate on the streaming
// endpoint (not an authentication boundary, see Non-goals).
type RateLimitConfig struct {
	MaxCallsPerMinute int `yaml:"max_calls_per_minute"`
	BurstSize         int `yaml:"burst_size"`
}

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton, loading config.yaml (or
// $CONFIG_PATH) once and applying environment overrides.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig reads and parses a YAML config file.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// applyEnvOverrides applies the §6 "Environment (recognized options)" list
// on top of whatever the YAML file set, then fills remaining zero values
// with applyDefaults.
func (c *Config) applyEnvOverrides() {
	c.Server.Port = getEnv("PORT", c.Server.Port)
	c.Server.Env = getEnv("ORCHESTRATOR_ENV", c.Server.Env)
	c.Server.Interface = getEnv("ORCHESTRATOR_INTERFACE", c.Server.Interface)
	if origins := getEnv("CORS_ALLOW_ORIGINS", ""); origins != "" {
		c.Server.CORSAllowOrigins = splitCSV(origins)
	}

	c.Container.Backend = getEnv("CONTAINER_BACKEND", c.Container.Backend)
	if v := getEnvInt("CONTAINER_TTL_SECONDS", 0); v > 0 {
		c.Container.TTLSeconds = v
	}
	c.Container.AgentImage = getEnv("CONTAINER_AGENT_IMAGE", c.Container.AgentImage)
	c.Container.ProxyImage = getEnv("CONTAINER_PROXY_IMAGE", c.Container.ProxyImage)
	c.Container.SchedulerHTTPAddr = getEnv("CONTAINER_SCHEDULER_HTTP_ADDR", c.Container.SchedulerHTTPAddr)
	c.Container.SchedulerGRPCAddr = getEnv("CONTAINER_SCHEDULER_GRPC_ADDR", c.Container.SchedulerGRPCAddr)
	c.Container.Runtime = getEnv("CONTAINER_RUNTIME", c.Container.Runtime)
	c.Container.SyscallProfile = getEnvBool("CONTAINER_SYSCALL_PROFILE_ENABLED", c.Container.SyscallProfile)
	c.Container.TrustDomain = getEnv("CONTAINER_TRUST_DOMAIN", c.Container.TrustDomain)

	if v := getEnvInt("WARM_POOL_MIN_SIZE", 0); v > 0 {
		c.WarmPool.MinSize = v
	}
	if v := getEnvInt("WARM_POOL_MAX_SIZE", 0); v > 0 {
		c.WarmPool.MaxSize = v
	}

	if v := getEnvInt("GC_INTERVAL_SECONDS", 0); v > 0 {
		c.GC.IntervalSeconds = v
	}

	c.Proxy.ListenAddr = getEnv("PROXY_LISTEN_ADDR", c.Proxy.ListenAddr)
	c.Proxy.AdminAddr = getEnv("PROXY_ADMIN_ADDR", c.Proxy.AdminAddr)
	if hosts := getEnv("PROXY_ALLOWED_HOSTS", ""); hosts != "" {
		c.Proxy.AllowedHosts = splitCSV(hosts)
	}
	c.Proxy.SigningEndpointHost = getEnv("PROXY_SIGNING_ENDPOINT_HOST", c.Proxy.SigningEndpointHost)
	c.Proxy.SigningCredentialSource = getEnv("PROXY_SIGNING_CREDENTIAL_SOURCE", c.Proxy.SigningCredentialSource)
	if c.Proxy.SigningCredentialSource != "" {
		c.Proxy.SigningSecret = os.Getenv(c.Proxy.SigningCredentialSource)
	}

	c.ObjectStore.Bucket = getEnv("OBJECT_STORE_BUCKET", c.ObjectStore.Bucket)
	c.ObjectStore.Prefix = getEnv("OBJECT_STORE_PREFIX", c.ObjectStore.Prefix)
	c.ObjectStore.Endpoint = getEnv("OBJECT_STORE_ENDPOINT", c.ObjectStore.Endpoint)

	if v := getEnvInt("EVENT_TIMEOUT_SECONDS", 0); v > 0 {
		c.Stream.EventTimeoutSeconds = v
	}
	if v := getEnvInt("HEARTBEAT_INTERVAL_SECONDS", 0); v > 0 {
		c.Stream.HeartbeatIntervalSeconds = v
	}

	c.Catalog.SupabaseURL = getEnv("SUPABASE_URL", c.Catalog.SupabaseURL)
	c.Catalog.SupabaseServiceKey = getEnv("SUPABASE_SERVICE_KEY", c.Catalog.SupabaseServiceKey)
	c.Catalog.PostgresDSN = getEnv("CATALOG_POSTGRES_DSN", c.Catalog.PostgresDSN)

	if projectID := getEnv("GCP_PROJECT_ID", ""); projectID != "" {
		c.PubSub.ProjectID = projectID
	}
	c.PubSub.TopicID = getEnv("PUBSUB_TOPIC_ID", c.PubSub.TopicID)
	c.PubSub.Enabled = getEnvBool("PUBSUB_ENABLED", c.PubSub.Enabled)

	c.applyDefaults()
}

// applyDefaults fills zero-valued fields with the §6 documented defaults.
func (c *Config) applyDefaults() {
	if c.Server.Port == "" {
		c.Server.Port = "8080"
	}
	if c.Server.ReadTimeoutSec == 0 {
		c.Server.ReadTimeoutSec = 15
	}
	if c.Server.WriteTimeoutSec == 0 {
		c.Server.WriteTimeoutSec = 0 // streaming responses must not be write-timeout-bounded
	}
	if c.Server.IdleTimeoutSec == 0 {
		c.Server.IdleTimeoutSec = 60
	}
	if c.Server.ShutdownTimeout == 0 {
		c.Server.ShutdownTimeout = 30
	}
	if len(c.Server.CORSAllowOrigins) == 0 {
		c.Server.CORSAllowOrigins = []string{"*"}
	}

	if c.Container.Backend == "" {
		c.Container.Backend = "local"
	}
	if c.Container.TTLSeconds == 0 {
		c.Container.TTLSeconds = 3600
	}
	if c.Container.AgentPort == 0 {
		c.Container.AgentPort = 8900
	}
	if c.Container.ProxyPort == 0 {
		c.Container.ProxyPort = 8901
	}

	if c.WarmPool.MinSize == 0 {
		c.WarmPool.MinSize = 2
	}
	if c.WarmPool.MaxSize == 0 {
		c.WarmPool.MaxSize = 10
	}
	if c.WarmPool.ReplenishIntervalSeconds == 0 {
		c.WarmPool.ReplenishIntervalSeconds = 5
	}
	if c.WarmPool.EntryTTLSeconds == 0 {
		c.WarmPool.EntryTTLSeconds = 1800
	}

	if c.GC.IntervalSeconds == 0 {
		c.GC.IntervalSeconds = 60
	}
	if c.GC.OrphanSweepEvery == 0 {
		c.GC.OrphanSweepEvery = 5
	}

	if len(c.Proxy.AllowedHosts) == 0 {
		c.Proxy.AllowedHosts = []string{}
	}
	if c.Proxy.KeyRotationGraceSeconds == 0 {
		c.Proxy.KeyRotationGraceSeconds = 86400
	}
	if c.Proxy.ListenAddr == "" {
		c.Proxy.ListenAddr = ":8901"
	}
	if c.Proxy.AdminAddr == "" {
		c.Proxy.AdminAddr = ":8902"
	}

	if c.Stream.EventTimeoutSeconds == 0 {
		c.Stream.EventTimeoutSeconds = 300
	}
	if c.Stream.HeartbeatIntervalSeconds == 0 {
		c.Stream.HeartbeatIntervalSeconds = 10
	}

	if c.PubSub.TopicID == "" {
		c.PubSub.TopicID = "workspace-lifecycle-events"
	}

	if c.RateLimit.MaxCallsPerMinute == 0 {
		c.RateLimit.MaxCallsPerMinute = 60
	}
	if c.RateLimit.BurstSize == 0 {
		c.RateLimit.BurstSize = c.RateLimit.MaxCallsPerMinute * 2
	}
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// IsProduction reports whether Server.Env is "production".
func (c *Config) IsProduction() bool { return c.Server.Env == "production" }
