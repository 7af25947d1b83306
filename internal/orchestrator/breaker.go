package orchestrator

import (
	"github.com/ocx/workspace-orchestrator/internal/circuitbreaker"
)

// NewBreakers constructs the orchestrator's circuit breakers (SPEC_FULL
// §12): the sandbox-agent connection breaker guards dispatch, and the
// lifecycle backend breakers guard the health probe on an existing
// container and the recovery destroy after a dispatch failure, so a
// degraded Docker daemon or remote scheduler is not retry-stormed. Sandbox
// creation (warm pool acquire) is not routed through a breaker.
func NewBreakers() *circuitbreaker.OrchestratorBreakers {
	return circuitbreaker.NewOrchestratorBreakers()
}
