// Package local implements the local container lifecycle backend
// (SPEC_FULL §4.1): one Docker container per sandbox id, no network
// namespace, read-only rootfs, writable tmpfs, dropped capabilities with a
// minimal add-back set, no-new-privileges, uid 1000:1000, bounded
// CPU/memory, and an optional gVisor (runsc) runtime. Generalized from the
// teacher's internal/ghostpool DockerBackend.
package local

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/ocx/workspace-orchestrator/internal/filesync"
	"github.com/ocx/workspace-orchestrator/internal/lifecycle"
)

// Config controls how the local backend provisions sandboxes.
type Config struct {
	Image       string // sandbox agent OCI image
	Runtime     string // "" for default, "runsc" for gVisor
	CPUNanos    int64
	MemoryBytes int64
	PidsLimit   int64
	AgentPort   int // port the in-sandbox agent listens on
	LabelsDir   string
}

func defaultConfig(cfg Config) Config {
	if cfg.CPUNanos == 0 {
		cfg.CPUNanos = 1_000_000_000
	}
	if cfg.MemoryBytes == 0 {
		cfg.MemoryBytes = 512 * 1024 * 1024
	}
	if cfg.PidsLimit == 0 {
		cfg.PidsLimit = 128
	}
	if cfg.AgentPort == 0 {
		cfg.AgentPort = 8900
	}
	return cfg
}

// Backend implements lifecycle.Backend over the local Docker daemon.
type Backend struct {
	cfg Config
	log *slog.Logger
}

func New(cfg Config) *Backend {
	return &Backend{cfg: defaultConfig(cfg), log: slog.With("component", "lifecycle.local")}
}

func (b *Backend) Name() lifecycle.ManagerType { return lifecycle.ManagerLocal }

func (b *Backend) client() (*client.Client, error) {
	return client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
}

// Create starts a sandbox container per the spec's isolation profile: no
// network namespace, read-only root, writable tmpfs, all capabilities
// dropped then CHOWN/SETUID/SETGID/DAC_OVERRIDE re-added, no-new-privileges,
// uid 1000:1000. It blocks until the sandbox agent's /health returns 200.
func (b *Backend) Create(ctx context.Context, id string) (*lifecycle.ContainerInfo, error) {
	cli, err := b.client()
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	defer cli.Close()

	hostConfig := &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		CapDrop:        []string{"ALL"},
		CapAdd:         []string{"CHOWN", "SETUID", "SETGID", "DAC_OVERRIDE"},
		SecurityOpt:    []string{"no-new-privileges"},
		Resources: container.Resources{
			NanoCPUs:  b.cfg.CPUNanos,
			Memory:    b.cfg.MemoryBytes,
			PidsLimit: &b.cfg.PidsLimit,
		},
		Tmpfs: map[string]string{
			"/tmp":       "rw,noexec,nosuid,size=64m",
			"/workspace": "rw,nosuid,size=256m",
		},
	}
	if b.cfg.Runtime != "" {
		hostConfig.Runtime = b.cfg.Runtime
	}

	containerCfg := &container.Config{
		Image: b.cfg.Image,
		User:  "1000:1000",
		Labels: map[string]string{
			"workspace":       "true",
			"container_id":    id,
			"conversation_id": id,
		},
	}

	resp, err := cli.ContainerCreate(ctx, containerCfg, hostConfig, nil, nil, "workspace-"+id)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}

	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		return nil, fmt.Errorf("start container: %w", err)
	}

	info := &lifecycle.ContainerInfo{
		ID:          resp.ID,
		State:       lifecycle.StateCreating,
		Endpoint:    fmt.Sprintf("unix:///run/workspace-sandboxes/%s/agent.sock", id),
		CreatedAt:   time.Now(),
		LastUsedAt:  time.Now(),
		ManagerType: lifecycle.ManagerLocal,
	}

	ready, err := b.WaitForAgentReady(ctx, resp.ID, 30*time.Second)
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, &lifecycle.StartupError{ID: resp.ID, Reason: "agent did not become healthy before timeout"}
	}

	info.State = lifecycle.StateWarm
	return info, nil
}

func (b *Backend) Destroy(ctx context.Context, id string, grace time.Duration) error {
	cli, err := b.client()
	if err != nil {
		return err
	}
	defer cli.Close()

	timeoutSec := int(grace.Seconds())
	if err := cli.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeoutSec}); err != nil {
		b.log.Warn("stop failed, proceeding to force remove", "id", id, "err", err)
	}
	if err := cli.ContainerRemove(ctx, id, types.ContainerRemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			b.log.Warn("destroy: container already gone", "id", id)
			return nil
		}
		return fmt.Errorf("remove container: %w", err)
	}
	return nil
}

func (b *Backend) IsHealthy(ctx context.Context, id string, checkAgent bool) (bool, error) {
	cli, err := b.client()
	if err != nil {
		return false, err
	}
	defer cli.Close()

	inspect, err := cli.ContainerInspect(ctx, id)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, err
	}
	if !inspect.State.Running {
		return false, nil
	}
	if !checkAgent {
		return true, nil
	}
	return b.probeAgentHealth(ctx, id)
}

func (b *Backend) probeAgentHealth(ctx context.Context, id string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s:%d/health", id, b.cfg.AgentPort), nil)
	if err != nil {
		return false, err
	}
	httpClient := &http.Client{Timeout: 2 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return false, nil
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK, nil
}

func (b *Backend) Exec(ctx context.Context, id string, cmd []string) (int, string, error) {
	out, err := b.execInContainer(ctx, id, cmd, nil)
	if err != nil {
		return -1, "", err
	}
	return 0, string(out), nil
}

// ExecBinary runs cmd in the sandbox, attaching filesync.StdinFromContext
// (if present) to the exec session so write-file calls actually receive
// their payload (spec §4.6 "pull").
func (b *Backend) ExecBinary(ctx context.Context, id string, cmd []string) (int, []byte, error) {
	out, err := b.execInContainer(ctx, id, cmd, filesync.StdinFromContext(ctx))
	if err != nil {
		return -1, nil, err
	}
	return 0, out, nil
}

func (b *Backend) execInContainer(ctx context.Context, id string, cmd []string, stdin io.Reader) ([]byte, error) {
	cli, err := b.client()
	if err != nil {
		return nil, err
	}
	defer cli.Close()

	execConfig := types.ExecConfig{
		User:         "1000:1000",
		AttachStdin:  stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          cmd,
	}
	execID, err := cli.ContainerExecCreate(ctx, id, execConfig)
	if err != nil {
		return nil, fmt.Errorf("exec create: %w", err)
	}
	resp, err := cli.ContainerExecAttach(ctx, execID.ID, types.ExecStartCheck{})
	if err != nil {
		return nil, fmt.Errorf("exec attach: %w", err)
	}
	defer resp.Close()

	if stdin != nil {
		if _, err := io.Copy(resp.Conn, stdin); err != nil {
			return nil, fmt.Errorf("write exec stdin: %w", err)
		}
		if closer, ok := resp.Conn.(interface{ CloseWrite() error }); ok {
			if err := closer.CloseWrite(); err != nil {
				return nil, fmt.Errorf("close exec stdin: %w", err)
			}
		}
	}

	return io.ReadAll(resp.Reader)
}

func (b *Backend) ListWorkspaceContainers(ctx context.Context) ([]lifecycle.ContainerInfo, error) {
	cli, err := b.client()
	if err != nil {
		return nil, err
	}
	defer cli.Close()

	containers, err := cli.ContainerList(ctx, types.ContainerListOptions{All: true})
	if err != nil {
		return nil, err
	}

	var out []lifecycle.ContainerInfo
	for _, c := range containers {
		if c.Labels["workspace"] != "true" {
			continue
		}
		out = append(out, lifecycle.ContainerInfo{
			ID:             c.ID,
			ConversationID: c.Labels["conversation_id"],
			ManagerType:    lifecycle.ManagerLocal,
			CreatedAt:      time.Unix(c.Created, 0),
		})
	}
	return out, nil
}

func (b *Backend) WaitForAgentReady(ctx context.Context, id string, timeout time.Duration) (bool, error) {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(250 * time.Millisecond)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-ticker.C:
			running, err := b.IsHealthy(ctx, id, false)
			if err != nil {
				return false, err
			}
			if !running {
				return false, nil // early termination
			}
			ok, err := b.probeAgentHealth(ctx, id)
			if err == nil && ok {
				return true, nil
			}
		}
	}
	return false, nil
}

func (b *Backend) GetLogs(ctx context.Context, id string, tail int) (string, error) {
	cli, err := b.client()
	if err != nil {
		return "", err
	}
	defer cli.Close()

	reader, err := cli.ContainerLogs(ctx, id, types.ContainerLogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", tail),
	})
	if err != nil {
		return "", err
	}
	defer reader.Close()
	out, err := io.ReadAll(reader)
	return string(out), err
}
