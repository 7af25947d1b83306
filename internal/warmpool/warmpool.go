// Package warmpool maintains a bounded set of pre-started, unassigned
// sandboxes (SPEC_FULL §4.3), generalized from the teacher's
// internal/ghostpool PoolManager: a channel-backed available queue plus an
// active set, a background replenisher, and scrub-or-destroy on release.
// Where the teacher scrubbed a ghost-specific filesystem marker before
// returning a container to its pool, this pool instead discards the
// container outright on release — the spec's warm pool holds only generic,
// never-assigned containers, so a used container is never recycled into it.
package warmpool

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ocx/workspace-orchestrator/internal/kv"
	"github.com/ocx/workspace-orchestrator/internal/lifecycle"
	"github.com/ocx/workspace-orchestrator/internal/metrics"
)

// Config bounds pool size and replenish cadence (SPEC_FULL §10.3 WarmPoolConfig).
type Config struct {
	MinSize                  int
	MaxSize                  int
	ReplenishIntervalSeconds int
	EntryTTL                 time.Duration
}

// Pool maintains [min, max] pre-started sandboxes in the shared KV's
// workspace:warm_pool list, backed locally by an available channel so
// Acquire is O(1) without a KV round trip on the hot path.
type Pool struct {
	cfg     Config
	backend lifecycle.Backend
	store   kv.Store
	log     *slog.Logger

	mu        sync.Mutex
	available chan string // container ids, buffered to cfg.MaxSize
	active    map[string]struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
}

func New(cfg Config, backend lifecycle.Backend, store kv.Store) *Pool {
	if cfg.MaxSize <= 0 {
		cfg.MaxSize = 10
	}
	if cfg.ReplenishIntervalSeconds <= 0 {
		cfg.ReplenishIntervalSeconds = 5
	}
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = 30 * time.Minute
	}
	return &Pool{
		cfg:       cfg,
		backend:   backend,
		store:     store,
		log:       slog.With("component", "warmpool"),
		available: make(chan string, cfg.MaxSize),
		active:    make(map[string]struct{}),
		stopCh:    make(chan struct{}),
	}
}

// Acquire pops a pre-started sandbox, verifying it is still healthy;
// a stale entry is discarded and the next one is tried. If the pool is
// empty, Acquire creates a fresh container directly and records an
// exhaustion metric — the spec treats this as a fallback, not an error.
func (p *Pool) Acquire(ctx context.Context) (*lifecycle.ContainerInfo, error) {
	for {
		select {
		case id := <-p.available:
			healthy, err := p.backend.IsHealthy(ctx, id, true)
			if err != nil || !healthy {
				p.log.Warn("warm pool entry stale, discarding", "id", id, "err", err)
				p.forget(id)
				continue
			}
			p.mu.Lock()
			p.active[id] = struct{}{}
			p.mu.Unlock()
			p.forget(id)
			metrics.PoolSize.Set(float64(len(p.available)))
			return &lifecycle.ContainerInfo{ID: id, State: lifecycle.StateWarm, ManagerType: p.backend.Name()}, nil
		default:
			metrics.PoolExhaustions.Inc()
			p.log.Warn("warm pool exhausted, creating directly")
			id := uuid.NewString()
			info, err := p.backend.Create(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("warm pool direct create: %w", err)
			}
			p.mu.Lock()
			p.active[info.ID] = struct{}{}
			p.mu.Unlock()
			return info, nil
		}
	}
}

// Release retires a container handed out by Acquire. Per spec §4.3, the warm pool
// holds only generic, never-dedicated containers, so any container that
// has been assigned to a conversation is destroyed rather than recycled.
func (p *Pool) Release(ctx context.Context, id string) {
	p.mu.Lock()
	delete(p.active, id)
	p.mu.Unlock()
	if err := p.backend.Destroy(ctx, id, 5*time.Second); err != nil {
		p.log.Warn("release: destroy failed", "id", id, "err", err)
	}
	p.forget(id)
}

func (p *Pool) forget(id string) {
	if err := p.store.Del(context.Background(), kv.WarmPoolInfoKey(id)); err != nil {
		p.log.Warn("forget: kv cleanup failed", "id", id, "err", err)
	}
	if err := p.store.LRem(context.Background(), kv.WarmPoolKey(), id); err != nil {
		p.log.Warn("forget: warm pool list cleanup failed", "id", id, "err", err)
	}
}

// Len reports the number of unassigned sandboxes currently available.
func (p *Pool) Len() int { return len(p.available) }

// Run starts the background replenisher, creating containers until the
// pool reaches MinSize, never exceeding MaxSize concurrent pool entries.
// Intended to run in its own goroutine for the process lifetime.
func (p *Pool) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(p.cfg.ReplenishIntervalSeconds) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.replenish(ctx)
		}
	}
}

// Stop halts the replenisher, intended to be called first during graceful
// shutdown so in-flight Acquire/Release calls aren't racing a teardown.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
}

func (p *Pool) replenish(ctx context.Context) {
	for len(p.available) < p.cfg.MinSize && len(p.available)+len(p.active) < p.cfg.MaxSize {
		id := uuid.NewString()
		info, err := p.backend.Create(ctx, id)
		if err != nil {
			p.log.Error("replenish: create failed", "id", id, "err", err)
			return
		}
		if err := p.store.LPush(ctx, kv.WarmPoolKey(), info.ID); err != nil {
			p.log.Warn("replenish: kv list push failed", "id", info.ID, "err", err)
		}
		fields := map[string]string{
			"container_id": info.ID,
			"created_at":   time.Now().Format(time.RFC3339),
		}
		if err := p.store.HSet(ctx, kv.WarmPoolInfoKey(info.ID), fields, p.cfg.EntryTTL); err != nil {
			p.log.Warn("replenish: kv info write failed", "id", info.ID, "err", err)
		}
		select {
		case p.available <- info.ID:
		default:
			p.log.Warn("replenish: local available channel full, destroying extra", "id", info.ID)
			_ = p.backend.Destroy(ctx, info.ID, 5*time.Second)
			return
		}
		metrics.PoolSize.Set(float64(len(p.available)))
	}
}
