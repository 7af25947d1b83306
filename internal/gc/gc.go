// Package gc implements the garbage collector sweeper loop (SPEC_FULL
// §4.4): forward-key TTL scanning, graceful destroy, and periodic orphan
// detection by cross-referencing live sandboxes against the KV. Grounded on
// the teacher's ticker-loop idiom (internal/ghostpool/pool_manager.go's
// maintainPool, internal/middleware/rate_limiter.go's cleanup) generalized
// from pool replenishment to TTL sweeping.
package gc

import (
	"context"
	"log/slog"
	"time"

	"github.com/ocx/workspace-orchestrator/internal/kv"
	"github.com/ocx/workspace-orchestrator/internal/lifecycle"
	"github.com/ocx/workspace-orchestrator/internal/metrics"
)

// Config controls sweep cadence (SPEC_FULL §10.3 GCConfig).
type Config struct {
	IntervalSeconds  int
	OrphanSweepEvery int // every Kth cycle, default 5
	ContainerTTL     time.Duration
}

// Collector sweeps the shared KV for expired and orphaned containers.
type Collector struct {
	cfg     Config
	backend lifecycle.Backend
	store   kv.Store
	log     *slog.Logger

	cycle int
}

func New(cfg Config, backend lifecycle.Backend, store kv.Store) *Collector {
	if cfg.IntervalSeconds <= 0 {
		cfg.IntervalSeconds = 60
	}
	if cfg.OrphanSweepEvery <= 0 {
		cfg.OrphanSweepEvery = 5
	}
	if cfg.ContainerTTL <= 0 {
		cfg.ContainerTTL = time.Hour
	}
	return &Collector{cfg: cfg, backend: backend, store: store, log: slog.With("component", "gc")}
}

// Run drives the sweep loop until ctx is cancelled. Intended to run in its
// own goroutine for the process lifetime; graceful shutdown stops the warm
// pool first (to avoid double destroys) and then cancels this context.
func (c *Collector) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(c.cfg.IntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(ctx)
		}
	}
}

// Sweep runs one collection cycle: forward-key existence/TTL check, then
// (every OrphanSweepEvery cycles) a backend-vs-KV cross reference.
func (c *Collector) Sweep(ctx context.Context) {
	metrics.GCSweeps.Inc()
	c.cycle++

	keys, err := c.store.Keys(ctx, kv.ContainerKeyPrefix())
	if err != nil {
		c.log.Error("sweep: forward key scan failed", "err", err)
		return
	}

	for _, key := range keys {
		conversationID := key[len(kv.ContainerKeyPrefix()):]
		c.sweepOne(ctx, conversationID, key)
	}

	if c.cycle%c.cfg.OrphanSweepEvery == 0 {
		c.sweepOrphans(ctx)
	}
}

func (c *Collector) sweepOne(ctx context.Context, conversationID, key string) {
	fields, ok, err := c.store.HGetAll(ctx, key)
	if err != nil {
		c.log.Error("sweep: hgetall failed", "key", key, "err", err)
		return
	}
	if !ok {
		return
	}
	containerID := fields["container_id"]

	healthy, err := c.backend.IsHealthy(ctx, containerID, false)
	if err != nil {
		c.log.Warn("sweep: health check failed", "container_id", containerID, "err", err)
	}
	if !healthy {
		c.deleteTriple(ctx, conversationID, containerID)
		metrics.GCDestroyed.WithLabelValues("missing").Inc()
		return
	}

	lastUsed, err := time.Parse(time.RFC3339, fields["last_used_at"])
	if err != nil {
		// inconsistent record: no parseable last_used_at, treat as stale.
		c.deleteTriple(ctx, conversationID, containerID)
		metrics.GCDestroyed.WithLabelValues("malformed").Inc()
		return
	}
	if time.Since(lastUsed) < c.cfg.ContainerTTL {
		return
	}

	c.log.Info("gc: ttl expired, destroying", "container_id", containerID, "conversation_id", conversationID)
	if err := c.backend.Destroy(ctx, containerID, 10*time.Second); err != nil {
		c.log.Error("gc: destroy failed", "container_id", containerID, "err", err)
		return
	}
	c.deleteTriple(ctx, conversationID, containerID)
	metrics.GCDestroyed.WithLabelValues("ttl_expired").Inc()
}

// deleteTriple removes the forward/reverse/task keys as a group; an
// inconsistent partial triple is itself treated as stale state to clean up,
// per the spec's "written only as a 3-key atomic group" invariant.
func (c *Collector) deleteTriple(ctx context.Context, conversationID, containerID string) {
	if err := c.store.Del(ctx,
		kv.ContainerKey(conversationID),
		kv.ContainerReverseKey(containerID),
		kv.TaskKey(containerID),
	); err != nil {
		c.log.Error("gc: triple delete failed", "conversation_id", conversationID, "container_id", containerID, "err", err)
	}
}

// sweepOrphans enumerates live sandboxes carrying the workspace label and
// destroys any with neither a reverse-key record nor a warm pool entry.
func (c *Collector) sweepOrphans(ctx context.Context) {
	live, err := c.backend.ListWorkspaceContainers(ctx)
	if err != nil {
		c.log.Error("orphan sweep: list failed", "err", err)
		return
	}
	for _, container := range live {
		_, ok, err := c.store.Get(ctx, kv.ContainerReverseKey(container.ID))
		if err != nil {
			c.log.Warn("orphan sweep: reverse lookup failed", "container_id", container.ID, "err", err)
			continue
		}
		if ok {
			continue
		}
		if _, pooled, err := c.store.HGetAll(ctx, kv.WarmPoolInfoKey(container.ID)); err == nil && pooled {
			continue
		}
		c.log.Warn("orphan sandbox with no kv record, destroying", "container_id", container.ID)
		metrics.GCOrphansFound.Inc()
		if err := c.backend.Destroy(ctx, container.ID, 5*time.Second); err != nil {
			c.log.Error("orphan sweep: destroy failed", "container_id", container.ID, "err", err)
			continue
		}
		metrics.GCDestroyed.WithLabelValues("orphan").Inc()
	}
}
