// Command orchestrator is the workspace container orchestration core's
// entrypoint (spec §2): it wires the shared KV, the selected lifecycle
// backend, the warm pool, the garbage collector, the credential-injection
// proxy, the workspace file synchronizer, and the orchestrator itself
// behind the HTTP streaming surface, then runs until terminated. Wiring
// style (graceful-fallback logging instead of fatal exit on an optional
// dependency, signal-driven shutdown) follows the teacher's cmd/api/main.go.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/ocx/workspace-orchestrator/internal/catalogstore"
	"github.com/ocx/workspace-orchestrator/internal/config"
	"github.com/ocx/workspace-orchestrator/internal/events"
	"github.com/ocx/workspace-orchestrator/internal/filesync"
	"github.com/ocx/workspace-orchestrator/internal/gc"
	"github.com/ocx/workspace-orchestrator/internal/httpapi"
	"github.com/ocx/workspace-orchestrator/internal/identity"
	"github.com/ocx/workspace-orchestrator/internal/kv"
	"github.com/ocx/workspace-orchestrator/internal/lifecycle"
	locallifecycle "github.com/ocx/workspace-orchestrator/internal/lifecycle/local"
	"github.com/ocx/workspace-orchestrator/internal/lifecycle/local/syscallprofile"
	remotelifecycle "github.com/ocx/workspace-orchestrator/internal/lifecycle/remote"
	"github.com/ocx/workspace-orchestrator/internal/objectstore"
	"github.com/ocx/workspace-orchestrator/internal/orchestrator"
	"github.com/ocx/workspace-orchestrator/internal/proxy"
	"github.com/ocx/workspace-orchestrator/internal/proxy/signing"
	"github.com/ocx/workspace-orchestrator/internal/warmpool"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found, relying on process environment", "err", err)
	}

	cfg := config.Get()

	store := mustKVStore(cfg)
	backend := mustLifecycleBackend(cfg)

	pool := warmpool.New(warmpool.Config{
		MinSize:                  cfg.WarmPool.MinSize,
		MaxSize:                  cfg.WarmPool.MaxSize,
		ReplenishIntervalSeconds: cfg.WarmPool.ReplenishIntervalSeconds,
		EntryTTL:                 time.Duration(cfg.WarmPool.EntryTTLSeconds) * time.Second,
	}, backend, store)

	collector := gc.New(gc.Config{
		IntervalSeconds:  cfg.GC.IntervalSeconds,
		OrphanSweepEvery: cfg.GC.OrphanSweepEvery,
		ContainerTTL:     time.Duration(cfg.Container.TTLSeconds) * time.Second,
	}, backend, store)

	signer := signing.New(signing.Config{
		Secret:              cfg.Proxy.SigningSecret,
		RotationGracePeriod: time.Duration(cfg.Proxy.KeyRotationGraceSeconds) * time.Second,
	})
	inproc := proxy.NewInProcessProxy(proxy.Config{
		ListenAddr:          cfg.Proxy.ListenAddr,
		AdminAddr:           cfg.Proxy.AdminAddr,
		SigningEndpointHost: cfg.Proxy.SigningEndpointHost,
	}, signer)

	if cfg.Container.Backend == "remote" {
		sidecar := proxy.NewSidecarProxy(proxy.Config{
			ListenAddr:          cfg.Proxy.ListenAddr,
			AdminAddr:           cfg.Proxy.AdminAddr,
			SigningEndpointHost: cfg.Proxy.SigningEndpointHost,
		}, signer)
		go func() {
			if err := sidecar.Run(context.Background()); err != nil {
				slog.Error("sidecar proxy exited", "err", err)
			}
		}()
	}

	var svidVerifier *identity.SVIDVerifier
	if cfg.Container.TrustDomain != "" {
		v, err := identity.NewSVIDVerifier("unix:///run/spire/sockets/agent.sock")
		if err != nil {
			slog.Warn("SPIRE agent unavailable, sandbox<->proxy identity verification disabled", "err", err)
		} else {
			svidVerifier = v
			defer v.Close()
		}
	}

	if cfg.Container.SyscallProfile {
		monitor := syscallprofile.New(cfg.Container.SyscallMapPath)
		if monitor.Available() {
			go monitor.Run()
		} else {
			slog.Warn("syscall sandboxing telemetry unavailable on this host, continuing without it")
		}
	}

	objStore, err := objectstore.New(objectstore.Config{
		Endpoint: cfg.ObjectStore.Endpoint,
		Bucket:   cfg.ObjectStore.Bucket,
		Prefix:   cfg.ObjectStore.Prefix,
	})
	if err != nil {
		slog.Error("object store client failed to initialize", "err", err)
		os.Exit(1)
	}
	syncer := filesync.New(objStore)

	catalog, err := catalogstore.New(cfg.Catalog.SupabaseURL, cfg.Catalog.SupabaseServiceKey, cfg.Catalog.PostgresDSN)
	if err != nil {
		slog.Error("catalog store failed to initialize", "err", err)
		os.Exit(1)
	}
	defer catalog.Close()

	bus := events.NewBus()
	var emitter events.Emitter = bus
	if cfg.PubSub.Enabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		pubsubBus, err := events.NewPubSubBus(ctx, cfg.PubSub.ProjectID, cfg.PubSub.TopicID)
		cancel()
		if err != nil {
			slog.Warn("pubsub lifecycle event fan-out unavailable, using in-memory bus only", "err", err)
		} else {
			emitter = pubsubBus
			bus = pubsubBus.Bus
		}
	}
	breakers := orchestrator.NewBreakers()
	orch := orchestrator.New(backend, store, pool, catalog, syncer, inproc, emitter, breakers, orchestrator.Options{
		HeartbeatInterval: time.Duration(cfg.Stream.HeartbeatIntervalSeconds) * time.Second,
		SilenceTimeout:    time.Duration(cfg.Stream.EventTimeoutSeconds) * time.Second,
		Identity:          svidVerifier,
		TrustDomain:       cfg.Container.TrustDomain,
	})

	tenants, err := config.NewManager(configPath(), "tenants.yaml")
	if err != nil {
		slog.Warn("tenant overrides unavailable, every tenant uses the global proxy allow-list", "err", err)
		tenants = nil
	}

	server := httpapi.New(cfg, orch, catalog, bus, tenants)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go pool.Run(ctx)
	gcCtx, stopGC := context.WithCancel(context.Background())
	defer stopGC()
	go collector.Run(gcCtx)

	slog.Info("workspace orchestrator starting",
		"port", cfg.Server.Port, "backend", cfg.Container.Backend,
		"warm_pool_min", cfg.WarmPool.MinSize, "warm_pool_max", cfg.WarmPool.MaxSize)

	// Graceful shutdown order (SPEC_FULL §5): warm pool first (to avoid
	// double destroys racing the GC), then GC, then drain active
	// connections via the HTTP server's own shutdown.
	go func() {
		<-ctx.Done()
		pool.Stop()
		stopGC()
	}()

	if err := server.Run(ctx); err != nil {
		slog.Error("http server exited with error", "err", err)
		os.Exit(1)
	}
	slog.Info("workspace orchestrator stopped")
}

// configPath mirrors config.Get()'s own $CONFIG_PATH resolution so the
// tenant-overrides manager loads the same master file the singleton did.
func configPath() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config.yaml"
}

// mustKVStore connects to Redis, falling back to an in-memory store
// (single-replica-only, documented limitation) on connection failure —
// the teacher's infra.NewGoRedisAdapter graceful-fallback idiom.
func mustKVStore(cfg *config.Config) kv.Store {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		return kv.NewMemoryStore()
	}
	store, err := kv.NewRedisStore(addr, os.Getenv("REDIS_PASSWORD"), 0)
	if err != nil {
		slog.Warn("redis connection failed, falling back to in-memory KV (single-replica only)", "addr", addr, "err", err)
		return kv.NewMemoryStore()
	}
	slog.Info("connected to redis", "addr", addr)
	return store
}

// mustLifecycleBackend selects {local, remote} per cfg.Container.Backend
// (spec §9 "Backend polymorphism").
func mustLifecycleBackend(cfg *config.Config) lifecycle.Backend {
	switch cfg.Container.Backend {
	case "remote":
		backend, err := remotelifecycle.New(context.Background(), remotelifecycle.Config{
			SchedulerHTTPAddr: cfg.Container.SchedulerHTTPAddr,
			SchedulerGRPCAddr: cfg.Container.SchedulerGRPCAddr,
			AgentImage:        cfg.Container.AgentImage,
			ProxyImage:        cfg.Container.ProxyImage,
			AgentPort:         cfg.Container.AgentPort,
			ProxyPort:         cfg.Container.ProxyPort,
		})
		if err != nil {
			slog.Error("remote lifecycle backend failed to initialize", "err", err)
			os.Exit(1)
		}
		return backend
	default:
		return locallifecycle.New(locallifecycle.Config{
			Image:     cfg.Container.AgentImage,
			Runtime:   cfg.Container.Runtime,
			AgentPort: cfg.Container.AgentPort,
		})
	}
}
