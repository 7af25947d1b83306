// Package lifecycle defines the polymorphic container lifecycle backend
// (SPEC_FULL §4.1, §9): a capability set {create, destroy, health, exec,
// list, logs, wait_ready} implemented by Local (Docker/gVisor) and Remote
// (cluster task API) backends. The orchestrator depends only on Backend.
package lifecycle

import (
	"context"
	"time"
)

// State is a sandbox's lifecycle state (SPEC_FULL §3).
type State string

const (
	StateCreating State = "creating"
	StateWarm     State = "warm"
	StateIdle     State = "idle"
	StateBusy     State = "busy"
	StateDraining State = "draining"
	StateDead     State = "dead"
)

// ManagerType distinguishes which backend owns a container.
type ManagerType string

const (
	ManagerLocal  ManagerType = "local"
	ManagerRemote ManagerType = "remote"
)

// ContainerInfo describes a sandbox as returned by Create/List.
type ContainerInfo struct {
	ID             string
	ConversationID string
	State          State
	Endpoint       string // local transport address, or remote host:port
	CreatedAt      time.Time
	LastUsedAt     time.Time
	ManagerType    ManagerType
	TaskHandle     string // remote backend only
}

// StartupError is returned by Create when the sandbox agent never became
// healthy within the timeout, or the task terminated early.
type StartupError struct {
	ID     string
	Reason string
}

func (e *StartupError) Error() string { return "startup failed for " + e.ID + ": " + e.Reason }

// Backend is the capability set the orchestrator, warm pool, and GC depend
// on. Local and Remote are the two implementations selected at startup from
// config (SPEC_FULL §9 "Backend polymorphism").
type Backend interface {
	// Create starts a sandbox with the given id, blocking until its /health
	// endpoint returns 200 or failing with *StartupError.
	Create(ctx context.Context, id string) (*ContainerInfo, error)

	// Destroy stops the sandbox. Idempotent: destroying an already-gone id
	// logs a warning and returns nil.
	Destroy(ctx context.Context, id string, grace time.Duration) error

	// IsHealthy performs a cheap status check; when checkAgent is true it
	// additionally performs an HTTP /health round-trip to the sandbox agent.
	IsHealthy(ctx context.Context, id string, checkAgent bool) (bool, error)

	// Exec runs cmd inside the sandbox and returns its exit code and text
	// output.
	Exec(ctx context.Context, id string, cmd []string) (exitCode int, output string, err error)

	// ExecBinary runs cmd inside the sandbox and returns raw output bytes,
	// used by the file synchronizer for binary payloads.
	ExecBinary(ctx context.Context, id string, cmd []string) (exitCode int, output []byte, err error)

	// ListWorkspaceContainers enumerates all sandboxes carrying the
	// workspace=true label/tag, used by the GC's orphan sweep.
	ListWorkspaceContainers(ctx context.Context) ([]ContainerInfo, error)

	// WaitForAgentReady polls /health at a small interval until timeout,
	// returning false early if the backend reports the task/container has
	// already terminated.
	WaitForAgentReady(ctx context.Context, id string, timeout time.Duration) (bool, error)

	// GetLogs returns the tail of the sandbox's logs. Neither backend's
	// WaitForAgentReady fetches logs when readiness fails.
	GetLogs(ctx context.Context, id string, tail int) (string, error)

	// Name identifies the backend implementation ("local" or "remote").
	Name() ManagerType
}
