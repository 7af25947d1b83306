// Package filesync implements the workspace file synchronizer (spec §4.6,
// SPEC_FULL §9): pulling object-store state and request attachments into a
// sandbox's /workspace before dispatch, and pushing changed files back out
// after the agent's turn completes. Both directions run synchronously on
// the calling goroutine; in the orchestrator that is the request's own
// handler goroutine, so a slow sync delays only that request.
package filesync

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"path"
	"time"

	"github.com/ocx/workspace-orchestrator/internal/lifecycle"
	"github.com/ocx/workspace-orchestrator/internal/objectstore"
)

const workspaceRoot = "/workspace"

// Attachment is a user-uploaded file accompanying a request (spec §6).
type Attachment struct {
	Filename             string // filename-with-identifier, collision-proof
	OriginalName         string // display name only
	RelativePath         string
	OriginalRelativePath string
	ContentType          string
	Data                 []byte
}

// ChangedFile describes one file pushed back to the object store after a
// turn, destined for a WorkspaceFile row.
type ChangedFile struct {
	RelativePath string
	Source       string // "ai_created" or "ai_modified"
	Checksum     string
	Size         int64
	IsPresented  bool
}

// Syncer pulls/pushes sandbox workspace files through the object store.
type Syncer struct {
	store *objectstore.Client
	log   *slog.Logger
}

// New creates a Syncer backed by an object store client.
func New(store *objectstore.Client) *Syncer {
	return &Syncer{store: store, log: slog.With("component", "filesync")}
}

// Pull materializes the object store's prior state plus any request
// attachments into the sandbox's /workspace, using ExecBinary as a
// file-write RPC (spec §4.6 "pull"). It returns the set of relative paths
// that already existed in the object store before this turn (attachments
// excluded, since those are always user-sourced) so Push can later tell a
// newly created file apart from a modified one.
func (s *Syncer) Pull(ctx context.Context, backend lifecycle.Backend, containerID, tenantID, conversationID string, attachments []Attachment) (map[string]bool, error) {
	objs, err := s.store.List(ctx, tenantID, conversationID)
	if err != nil {
		return nil, fmt.Errorf("list prior objects: %w", err)
	}

	existing := make(map[string]bool, len(objs))
	for _, obj := range objs {
		relPath := s.store.RelativePath(tenantID, conversationID, obj.Key)
		if relPath == "" {
			continue
		}
		rc, err := s.store.Get(ctx, tenantID, conversationID, relPath)
		if err != nil {
			return nil, fmt.Errorf("get object %s: %w", relPath, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("read object %s: %w", relPath, err)
		}
		if err := s.writeFile(ctx, backend, containerID, relPath, data); err != nil {
			return nil, err
		}
		existing[relPath] = true
	}

	for _, a := range attachments {
		if err := s.writeFile(ctx, backend, containerID, a.RelativePath, a.Data); err != nil {
			return nil, fmt.Errorf("write attachment %s: %w", a.OriginalName, err)
		}
	}

	s.log.Debug("pull complete", "container_id", containerID, "conversation_id", conversationID,
		"restored_objects", len(objs), "attachments", len(attachments))
	return existing, nil
}

// writeFile streams data into the sandbox via the file-write exec RPC: the
// payload travels as stdin attached to the exec session (withStdin),
// keeping ExecBinary's signature free of a dedicated stdin parameter.
func (s *Syncer) writeFile(ctx context.Context, backend lifecycle.Backend, containerID, relPath string, data []byte) error {
	dest := path.Join(workspaceRoot, relPath)
	cmd := []string{"write-file", dest}
	exitCode, _, err := backend.ExecBinary(withStdin(ctx, data), containerID, cmd)
	if err != nil {
		return fmt.Errorf("write file %s: %w", dest, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("write file %s: exit code %d", dest, exitCode)
	}
	return nil
}

// withStdin is a narrow seam so tests can intercept the payload passed to
// ExecBinary without the lifecycle.Backend interface needing a stdin
// parameter of its own.
type stdinKey struct{}

func withStdin(ctx context.Context, data []byte) context.Context {
	return context.WithValue(ctx, stdinKey{}, bytes.NewReader(data))
}

// StdinFromContext recovers the payload set by withStdin. lifecycle backend
// implementations of ExecBinary (internal/lifecycle/local,
// internal/lifecycle/remote) read this to attach the payload to the exec
// session they open for a write-file call.
func StdinFromContext(ctx context.Context) io.Reader {
	if r, ok := ctx.Value(stdinKey{}).(io.Reader); ok {
		return r
	}
	return nil
}

// Push enumerates files inside the sandbox that changed since pull (found
// via a `list-changed --since` exec helper) and uploads each as the newest
// version, returning the set of changed files for the caller to persist as
// WorkspaceFile rows (spec §4.6 "push"). existing is the set of relative
// paths Pull reported as already present, used to tell ai_created files
// apart from ai_modified ones (spec §3 WorkspaceFile.source).
func (s *Syncer) Push(ctx context.Context, backend lifecycle.Backend, containerID, tenantID, conversationID string, since time.Time, presented, existing map[string]bool) ([]ChangedFile, error) {
	exitCode, out, err := backend.Exec(ctx, containerID, []string{"list-changed", "--since", since.Format(time.RFC3339Nano)})
	if err != nil {
		return nil, fmt.Errorf("list changed files: %w", err)
	}
	if exitCode != 0 {
		return nil, fmt.Errorf("list changed files: exit code %d", exitCode)
	}

	relPaths := splitLines(out)
	changed := make([]ChangedFile, 0, len(relPaths))
	for _, relPath := range relPaths {
		if relPath == "" {
			continue
		}
		dest := path.Join(workspaceRoot, relPath)
		_, data, err := backend.ExecBinary(ctx, containerID, []string{"read-file", dest})
		if err != nil {
			return nil, fmt.Errorf("read file %s: %w", dest, err)
		}

		etag, err := s.store.Put(ctx, tenantID, conversationID, relPath, bytes.NewReader(data), int64(len(data)), "application/octet-stream")
		if err != nil {
			return nil, fmt.Errorf("upload %s: %w", relPath, err)
		}

		source := "ai_created"
		if existing[relPath] {
			source = "ai_modified"
		}
		changed = append(changed, ChangedFile{
			RelativePath: relPath,
			Source:       source,
			Checksum:     etag,
			Size:         int64(len(data)),
			IsPresented:  presented[relPath],
		})
	}

	s.log.Debug("push complete", "container_id", containerID, "conversation_id", conversationID, "changed_files", len(changed))
	return changed, nil
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, c := range s {
		if c == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		lines = append(lines, s[start:])
	}
	return lines
}
