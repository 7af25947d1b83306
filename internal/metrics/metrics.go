// Package metrics exposes the prometheus collectors shared across the
// warm pool, garbage collector, and credential-injection proxy. Modeled on
// the teacher's internal/escrow/metrics.go promauto pattern: package-level
// collectors registered at import time, incremented from call sites with no
// intermediate registry plumbing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	PoolExhaustions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workspace_warmpool_exhaustions_total",
		Help: "Number of times WarmPool.Acquire found the pool empty and fell back to a direct create.",
	})

	PoolSize = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "workspace_warmpool_size",
		Help: "Current number of unassigned, pre-started sandboxes in the warm pool.",
	})

	GCSweeps = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workspace_gc_sweeps_total",
		Help: "Number of garbage collector sweep cycles completed.",
	})

	GCDestroyed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workspace_gc_destroyed_total",
		Help: "Containers destroyed by the garbage collector, labeled by reason.",
	}, []string{"reason"})

	GCOrphansFound = promauto.NewCounter(prometheus.CounterOpts{
		Name: "workspace_gc_orphans_total",
		Help: "Sandboxes found carrying the workspace label with no corresponding KV record.",
	})

	ProxyBlocked = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "workspace_proxy_blocked_total",
		Help: "Outbound sandbox requests rejected by the credential-injection proxy's allow-list, labeled by host.",
	}, []string{"host"})
)
