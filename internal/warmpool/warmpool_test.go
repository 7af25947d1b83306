package warmpool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/workspace-orchestrator/internal/kv"
	"github.com/ocx/workspace-orchestrator/internal/lifecycle"
)

// fakeBackend is a minimal in-memory lifecycle.Backend stub, mirroring the
// teacher's escrow.NewMockJuryClient() fallback-mock pattern for exercising
// call paths without live infra.
type fakeBackend struct {
	mu       sync.Mutex
	created  int
	destroyed []string
	healthy  map[string]bool
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{healthy: make(map[string]bool)}
}

func (f *fakeBackend) Create(ctx context.Context, id string) (*lifecycle.ContainerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	f.healthy[id] = true
	return &lifecycle.ContainerInfo{ID: id, State: lifecycle.StateWarm, ManagerType: lifecycle.ManagerLocal}, nil
}

func (f *fakeBackend) Destroy(ctx context.Context, id string, grace time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.destroyed = append(f.destroyed, id)
	delete(f.healthy, id)
	return nil
}

func (f *fakeBackend) IsHealthy(ctx context.Context, id string, checkAgent bool) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.healthy[id], nil
}

func (f *fakeBackend) Exec(ctx context.Context, id string, cmd []string) (int, string, error) {
	return 0, "", nil
}
func (f *fakeBackend) ExecBinary(ctx context.Context, id string, cmd []string) (int, []byte, error) {
	return 0, nil, nil
}
func (f *fakeBackend) ListWorkspaceContainers(ctx context.Context) ([]lifecycle.ContainerInfo, error) {
	return nil, nil
}
func (f *fakeBackend) WaitForAgentReady(ctx context.Context, id string, timeout time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeBackend) GetLogs(ctx context.Context, id string, tail int) (string, error) { return "", nil }
func (f *fakeBackend) Name() lifecycle.ManagerType                                     { return lifecycle.ManagerLocal }

func TestPoolReplenishFillsToMin(t *testing.T) {
	backend := newFakeBackend()
	store := kv.NewMemoryStore()
	p := New(Config{MinSize: 3, MaxSize: 5, ReplenishIntervalSeconds: 1}, backend, store)

	p.replenish(context.Background())

	assert.Equal(t, 3, p.Len())
	assert.Equal(t, 3, backend.created)
}

func TestPoolAcquireReturnsHealthyEntry(t *testing.T) {
	backend := newFakeBackend()
	store := kv.NewMemoryStore()
	p := New(Config{MinSize: 1, MaxSize: 2, ReplenishIntervalSeconds: 1}, backend, store)
	p.replenish(context.Background())
	require.Equal(t, 1, p.Len())

	info, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, 0, p.Len())
}

func TestPoolAcquireDiscardsStaleEntry(t *testing.T) {
	backend := newFakeBackend()
	store := kv.NewMemoryStore()
	p := New(Config{MinSize: 1, MaxSize: 2, ReplenishIntervalSeconds: 1}, backend, store)
	p.replenish(context.Background())
	require.Equal(t, 1, p.Len())

	// simulate the sandbox dying out from under the pool
	for id := range backend.healthy {
		backend.healthy[id] = false
	}

	info, err := p.Acquire(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)
	// discarding the stale entry then falling back to a direct create
	assert.Equal(t, 2, backend.created)
}

func TestPoolReleaseDestroysRatherThanRecycles(t *testing.T) {
	backend := newFakeBackend()
	store := kv.NewMemoryStore()
	p := New(Config{MinSize: 0, MaxSize: 2, ReplenishIntervalSeconds: 1}, backend, store)

	info, err := backend.Create(context.Background(), "sandbox-1")
	require.NoError(t, err)
	p.active["sandbox-1"] = struct{}{}

	p.Release(context.Background(), info.ID)

	assert.Contains(t, backend.destroyed, "sandbox-1")
	assert.Equal(t, 0, p.Len())
}
