package gc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/workspace-orchestrator/internal/kv"
	"github.com/ocx/workspace-orchestrator/internal/lifecycle"
)

type fakeBackend struct {
	healthy map[string]bool
	live    []lifecycle.ContainerInfo
	destroyed []string
}

func (f *fakeBackend) Create(ctx context.Context, id string) (*lifecycle.ContainerInfo, error) {
	return nil, nil
}
func (f *fakeBackend) Destroy(ctx context.Context, id string, grace time.Duration) error {
	f.destroyed = append(f.destroyed, id)
	return nil
}
func (f *fakeBackend) IsHealthy(ctx context.Context, id string, checkAgent bool) (bool, error) {
	return f.healthy[id], nil
}
func (f *fakeBackend) Exec(ctx context.Context, id string, cmd []string) (int, string, error) {
	return 0, "", nil
}
func (f *fakeBackend) ExecBinary(ctx context.Context, id string, cmd []string) (int, []byte, error) {
	return 0, nil, nil
}
func (f *fakeBackend) ListWorkspaceContainers(ctx context.Context) ([]lifecycle.ContainerInfo, error) {
	return f.live, nil
}
func (f *fakeBackend) WaitForAgentReady(ctx context.Context, id string, timeout time.Duration) (bool, error) {
	return true, nil
}
func (f *fakeBackend) GetLogs(ctx context.Context, id string, tail int) (string, error) { return "", nil }
func (f *fakeBackend) Name() lifecycle.ManagerType                                     { return lifecycle.ManagerLocal }

func TestSweepDeletesRecordForMissingContainer(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.HSet(ctx, kv.ContainerKey("conv-1"), map[string]string{
		"container_id": "box-1",
		"last_used_at": time.Now().Format(time.RFC3339),
	}, time.Hour))
	require.NoError(t, store.Set(ctx, kv.ContainerReverseKey("box-1"), "conv-1", time.Hour))

	backend := &fakeBackend{healthy: map[string]bool{}} // box-1 reports unhealthy/missing
	c := New(Config{IntervalSeconds: 60, OrphanSweepEvery: 5}, backend, store)

	c.Sweep(ctx)

	_, ok, err := store.HGetAll(ctx, kv.ContainerKey("conv-1"))
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSweepDestroysExpiredContainer(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()
	stale := time.Now().Add(-2 * time.Hour).Format(time.RFC3339)
	require.NoError(t, store.HSet(ctx, kv.ContainerKey("conv-2"), map[string]string{
		"container_id": "box-2",
		"last_used_at": stale,
	}, time.Hour))

	backend := &fakeBackend{healthy: map[string]bool{"box-2": true}}
	c := New(Config{IntervalSeconds: 60, OrphanSweepEvery: 5, ContainerTTL: time.Hour}, backend, store)

	c.Sweep(ctx)

	assert.Contains(t, backend.destroyed, "box-2")
}

func TestSweepKeepsFreshContainer(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.HSet(ctx, kv.ContainerKey("conv-3"), map[string]string{
		"container_id": "box-3",
		"last_used_at": time.Now().Format(time.RFC3339),
	}, time.Hour))

	backend := &fakeBackend{healthy: map[string]bool{"box-3": true}}
	c := New(Config{IntervalSeconds: 60, OrphanSweepEvery: 5, ContainerTTL: time.Hour}, backend, store)

	c.Sweep(ctx)

	assert.NotContains(t, backend.destroyed, "box-3")
	_, ok, err := store.HGetAll(ctx, kv.ContainerKey("conv-3"))
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestOrphanSweepDestroysUnrecordedSandbox(t *testing.T) {
	store := kv.NewMemoryStore()
	ctx := context.Background()
	backend := &fakeBackend{
		healthy: map[string]bool{},
		live:    []lifecycle.ContainerInfo{{ID: "orphan-1"}},
	}
	c := New(Config{IntervalSeconds: 60, OrphanSweepEvery: 1}, backend, store)

	c.Sweep(ctx)

	assert.Contains(t, backend.destroyed, "orphan-1")
}
