// Package orchestrator implements the central execute() algorithm (spec
// §4.2): lock, context-gate, resolve container, sync in, install runtime
// configuration, dispatch to the sandbox agent, forward its event stream,
// sync out, and release. It depends only on the capability-set interfaces
// (lifecycle.Backend, kv.Store) so the local/remote backend split and the
// in-memory/Redis KV split stay invisible to this package.
package orchestrator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/ocx/workspace-orchestrator/internal/catalogstore"
	"github.com/ocx/workspace-orchestrator/internal/circuitbreaker"
	"github.com/ocx/workspace-orchestrator/internal/events"
	"github.com/ocx/workspace-orchestrator/internal/filesync"
	"github.com/ocx/workspace-orchestrator/internal/identity"
	"github.com/ocx/workspace-orchestrator/internal/kv"
	"github.com/ocx/workspace-orchestrator/internal/lifecycle"
	"github.com/ocx/workspace-orchestrator/internal/orcherr"
	"github.com/ocx/workspace-orchestrator/internal/proxy"
	"github.com/ocx/workspace-orchestrator/internal/stream"
	"github.com/ocx/workspace-orchestrator/internal/warmpool"
)

const (
	lockTTL                  = 10 * time.Minute
	containerTTL             = time.Hour
	contextGateRatio         = 0.95
	defaultHeartbeatInterval = 10 * time.Second
	defaultSilenceTimeout    = 5*time.Minute + time.Second
)

// Request carries one execute() call's inputs (spec §4.2 "execute").
type Request struct {
	TenantID       string
	ConversationID string
	UserInput      string
	Attachments    []filesync.Attachment
	ProxyRules     proxy.Rules
	AllowedTools   []string
	Model          string
	Tokens         map[string]string
}

// Orchestrator wires together every component execute() touches.
type Orchestrator struct {
	backend  lifecycle.Backend
	store    kv.Store
	pool     *warmpool.Pool
	catalog  *catalogstore.Store
	sync     *filesync.Syncer
	inproc   *proxy.InProcessProxy
	bus      events.Emitter
	breakers *circuitbreaker.OrchestratorBreakers
	log      *slog.Logger

	identity    *identity.SVIDVerifier
	trustDomain string

	heartbeatInterval time.Duration
	silenceTimeout    time.Duration

	titleWorkers chan func()
}

// Options carries the tuning knobs New accepts beyond the core dependency
// set, so optional wiring (stream timing, sandbox identity verification)
// doesn't keep growing New's positional parameter list.
type Options struct {
	HeartbeatInterval time.Duration
	SilenceTimeout    time.Duration
	Identity          *identity.SVIDVerifier
	TrustDomain       string
}

// New builds an Orchestrator from its fully-wired dependencies.
func New(backend lifecycle.Backend, store kv.Store, pool *warmpool.Pool, catalog *catalogstore.Store,
	syncer *filesync.Syncer, inproc *proxy.InProcessProxy, bus events.Emitter, breakers *circuitbreaker.OrchestratorBreakers,
	opts Options) *Orchestrator {
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = defaultHeartbeatInterval
	}
	if opts.SilenceTimeout <= 0 {
		opts.SilenceTimeout = defaultSilenceTimeout
	}
	o := &Orchestrator{
		backend:           backend,
		store:             store,
		pool:              pool,
		catalog:           catalog,
		sync:              syncer,
		inproc:            inproc,
		bus:               bus,
		breakers:          breakers,
		log:               slog.With("component", "orchestrator"),
		identity:          opts.Identity,
		trustDomain:       opts.TrustDomain,
		heartbeatInterval: opts.HeartbeatInterval,
		silenceTimeout:    opts.SilenceTimeout,
		titleWorkers:      make(chan func(), 32),
	}
	go o.runTitleWorkers()
	return o
}

func (o *Orchestrator) runTitleWorkers() {
	for fn := range o.titleWorkers {
		fn()
	}
}

// Execute runs the full request lifecycle, writing events to bridge.
// Client disconnect does not cancel the background completion: callers
// pass a context independent of the HTTP request's own cancellation for
// the parts of the pipeline that must survive a dropped connection (spec
// §9 "Client disconnect").
func (o *Orchestrator) Execute(ctx context.Context, req Request, bridge *stream.Bridge) error {
	start := time.Now()

	// 1. Lock
	lockKey := kv.LockKey(req.ConversationID)
	token, ok, err := o.store.TryLock(ctx, lockKey, lockTTL)
	if err != nil {
		return o.terminalError(bridge, "conversation_locked", fmt.Sprintf("lock error: %v", err), true)
	}
	if !ok {
		return o.terminalError(bridge, "conversation_locked", "another execution is in flight", true)
	}
	defer o.store.Unlock(context.Background(), lockKey, token)

	// 2. Context gate
	conv, err := o.catalog.GetConversation(ctx, req.TenantID, req.ConversationID)
	if err != nil {
		return o.terminalError(bridge, "execution_error", fmt.Sprintf("load conversation: %v", err), false)
	}
	if conv != nil && conv.ContextWindow > 0 {
		usage := float64(conv.EstimatedContextTokens) / float64(conv.ContextWindow)
		if usage >= contextGateRatio {
			return o.terminalError(bridge, "context_limit_exceeded", "conversation must start anew", false)
		}
	}

	// 3. Resolve container
	container, fresh, err := o.resolveContainer(ctx, req.ConversationID)
	if err != nil {
		return o.terminalError(bridge, "execution_error", fmt.Sprintf("resolve container: %v", err), false)
	}
	if fresh {
		o.verifySandboxIdentity(container.ID)
	}

	// 4. Sync in
	existing, err := o.pullWorkspace(ctx, container.ID, req.TenantID, req.ConversationID, req.Attachments)
	if err != nil {
		return o.terminalError(bridge, "background_execution_error", fmt.Sprintf("file sync pull: %v", err), true)
	}

	// 5. Install runtime configuration
	o.inproc.UpdateRules(req.ProxyRules)

	// 6. Dispatch
	sessionID := ""
	if conv != nil {
		sessionID = conv.SessionID
	}
	pullTime := time.Now()
	agentEvents, err := o.dispatch(ctx, container, req, sessionID)
	if err != nil {
		return o.handleDispatchError(ctx, req, container, bridge, err)
	}

	// 7. Forward
	seq, err := o.catalog.NextMessageSeq(ctx, req.ConversationID)
	if err != nil {
		o.log.Warn("next message seq failed, starting from 1", "err", err)
		seq = 1
	}
	o.appendLog(ctx, req.ConversationID, &seq, "user", req.UserInput)

	firstTurn := conv == nil || conv.EstimatedContextTokens == 0
	result, err := o.forward(ctx, req, bridge, agentEvents, &seq)
	if err != nil {
		return o.terminalError(bridge, "execution_error", fmt.Sprintf("forward events: %v", err), false)
	}

	// 8. Done
	if err := bridge.Send(stream.EventContextStatus, result.contextStatus); err != nil {
		o.log.Warn("send context_status failed", "err", err)
	}
	if err := bridge.Send(stream.EventDone, result.done); err != nil {
		o.log.Warn("send done failed", "err", err)
	}
	if firstTurn {
		o.scheduleTitleGeneration(req, bridge)
	}

	// 9. Sync out
	changed, err := o.pushWorkspace(ctx, container.ID, req.TenantID, req.ConversationID, pullTime, result.presented, existing)
	if err != nil {
		o.log.Error("file sync push failed", "err", err)
	} else if len(changed) > 0 {
		rows := make([]catalogstore.WorkspaceFile, len(changed))
		for i, c := range changed {
			rows[i] = catalogstore.WorkspaceFile{
				ConversationID: req.ConversationID,
				Path:           c.RelativePath,
				Size:           c.Size,
				Source:         c.Source,
				Checksum:       c.Checksum,
				IsPresented:    c.IsPresented,
			}
		}
		if err := o.catalog.RecordWorkspaceFiles(ctx, rows); err != nil {
			o.log.Error("record workspace files failed", "err", err)
		}
	}

	// 10. Release
	if err := o.store.Expire(ctx, kv.ContainerKey(req.ConversationID), containerTTL); err != nil {
		o.log.Warn("refresh container ttl failed", "err", err)
	}

	o.bus.Emit("workspace.execution.completed", "orchestrator", req.ConversationID, map[string]any{
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return nil
}

func (o *Orchestrator) terminalError(bridge *stream.Bridge, errType, msg string, recoverable bool) error {
	bridge.Send(stream.EventError, stream.ErrorEvent{ErrorType: errType, Message: msg, Recoverable: recoverable})
	return orcherr.New(orcherr.Code(errType), msg)
}

// appendLog persists one message_log row and only advances *seq when the
// insert actually succeeds, keeping MessageLog.seq gap-free within a
// conversation (spec §3/§8) even when a write fails transiently.
func (o *Orchestrator) appendLog(ctx context.Context, conversationID string, seq *int64, msgType, content string) {
	next := *seq
	if err := o.catalog.AppendMessageLog(ctx, conversationID, next, msgType, content); err != nil {
		o.log.Warn("append message log failed", "type", msgType, "err", err)
		return
	}
	*seq = next + 1
}

// backendBreaker selects the lifecycle backend circuit breaker matching a
// container's manager type, so local and remote backend calls trip
// independently (spec SPEC_FULL §12).
func (o *Orchestrator) backendBreaker(mt lifecycle.ManagerType) *circuitbreaker.CircuitBreaker {
	if mt == lifecycle.ManagerRemote {
		return o.breakers.RemoteBackend
	}
	return o.breakers.LocalBackend
}

// verifySandboxIdentity checks a freshly resolved container's SPIFFE SVID
// against the identity it is expected to present to the credential
// injection proxy (SPEC_FULL §11, spec §4.1/§4.5). Verification is
// best-effort: a SPIRE agent is optional infrastructure, so a failure here
// is logged, not fatal.
func (o *Orchestrator) verifySandboxIdentity(containerID string) {
	if o.identity == nil {
		return
	}
	expected := identity.SandboxSPIFFEID(o.trustDomain, containerID)
	fingerprint, err := o.identity.VerifySVID(expected)
	if err != nil {
		o.log.Warn("sandbox identity verification failed", "container_id", containerID, "err", err)
		return
	}
	o.log.Debug("sandbox identity verified", "container_id", containerID, "fingerprint", fingerprint)
}

// pullWorkspace guards the object-store sync-in call with the ObjectStore
// breaker and reports which relative paths already existed, so push can
// later classify changed files as newly created vs. modified.
func (o *Orchestrator) pullWorkspace(ctx context.Context, containerID, tenantID, conversationID string, attachments []filesync.Attachment) (map[string]bool, error) {
	result, err := o.breakers.ObjectStore.Execute(func() (any, error) {
		return o.sync.Pull(ctx, o.backend, containerID, tenantID, conversationID, attachments)
	})
	if err != nil {
		return nil, err
	}
	return result.(map[string]bool), nil
}

// pushWorkspace guards the object-store sync-out call with the ObjectStore
// breaker.
func (o *Orchestrator) pushWorkspace(ctx context.Context, containerID, tenantID, conversationID string, since time.Time, presented, existing map[string]bool) ([]filesync.ChangedFile, error) {
	result, err := o.breakers.ObjectStore.Execute(func() (any, error) {
		return o.sync.Push(ctx, o.backend, containerID, tenantID, conversationID, since, presented, existing)
	})
	if err != nil {
		return nil, err
	}
	return result.([]filesync.ChangedFile), nil
}

// resolveContainer implements spec §4.2 step 3.
func (o *Orchestrator) resolveContainer(ctx context.Context, conversationID string) (*lifecycle.ContainerInfo, bool, error) {
	containerKey := kv.ContainerKey(conversationID)
	fields, ok, err := o.store.HGetAll(ctx, containerKey)
	if err != nil {
		return nil, false, fmt.Errorf("kv lookup: %w", err)
	}
	if ok {
		id := fields["container_id"]
		mt := lifecycle.ManagerType(fields["manager_type"])
		healthyAny, err := o.backendBreaker(mt).Execute(func() (any, error) {
			return o.backend.IsHealthy(ctx, id, true)
		})
		healthy, _ := healthyAny.(bool)
		if err == nil && healthy {
			o.store.Expire(ctx, containerKey, containerTTL)
			o.store.Expire(ctx, kv.ContainerReverseKey(id), containerTTL)
			return &lifecycle.ContainerInfo{ID: id, Endpoint: fields["endpoint"], ManagerType: lifecycle.ManagerType(fields["manager_type"])}, false, nil
		}
		o.log.Warn("existing container unhealthy, recreating", "conversation_id", conversationID, "container_id", id)
		o.store.Del(ctx, containerKey, kv.ContainerReverseKey(id), kv.TaskKey(id))
	}

	info, err := o.pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire container: %w", err)
	}
	info.ConversationID = conversationID

	fieldsToStore := map[string]string{
		"container_id": info.ID,
		"endpoint":     info.Endpoint,
		"created_at":   time.Now().Format(time.RFC3339),
		"last_used_at": time.Now().Format(time.RFC3339),
		"state":        string(lifecycle.StateBusy),
		"manager_type": string(o.backend.Name()),
	}
	if err := o.store.HSet(ctx, containerKey, fieldsToStore, containerTTL); err != nil {
		o.log.Warn("record container in kv failed", "err", err)
	}
	if err := o.store.Set(ctx, kv.ContainerReverseKey(info.ID), conversationID, containerTTL); err != nil {
		o.log.Warn("record reverse kv failed", "err", err)
	}
	if info.TaskHandle != "" {
		o.store.Set(ctx, kv.TaskKey(info.ID), info.TaskHandle, containerTTL)
	}
	return info, true, nil
}

// executeResponse is one JSON event read from the sandbox agent's /execute
// NDJSON stream (spec §6).
type executeResponse map[string]any

func (o *Orchestrator) dispatch(ctx context.Context, container *lifecycle.ContainerInfo, req Request, sessionID string) (<-chan executeResponse, error) {
	body := map[string]any{
		"user_input":    req.UserInput,
		"session_id":    sessionID,
		"allowed_tools": req.AllowedTools,
		"model":         req.Model,
		"tokens":        req.Tokens,
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal execute request: %w", err)
	}

	execURL := fmt.Sprintf("http://%s/execute", container.Endpoint)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, execURL, io.NopCloser(bytes.NewReader(payload)))
	if err != nil {
		return nil, fmt.Errorf("build execute request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := o.breakers.SandboxAgent.Execute(func() (any, error) {
		return http.DefaultClient.Do(httpReq)
	})
	if err != nil {
		return nil, fmt.Errorf("dispatch to sandbox agent: %w", err)
	}
	httpResp := resp.(*http.Response)

	out := make(chan executeResponse, 8)
	go func() {
		defer close(out)
		defer httpResp.Body.Close()
		scanner := bufio.NewScanner(httpResp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for scanner.Scan() {
			var evt executeResponse
			if err := json.Unmarshal(scanner.Bytes(), &evt); err != nil {
				o.log.Warn("malformed agent event, skipping", "err", err)
				continue
			}
			select {
			case out <- evt:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

type forwardResult struct {
	contextStatus stream.ContextStatus
	done          stream.DoneResult
	presented     map[string]bool
}

// forward implements spec §4.2 step 7: re-serialize agent events onto the
// client stream with strictly increasing seq, interleaved with a 10s
// heartbeat, persisting a message-log row per semantically meaningful
// event and accumulating usage.
func (o *Orchestrator) forward(ctx context.Context, req Request, bridge *stream.Bridge, agentEvents <-chan executeResponse, seq *int64) (forwardResult, error) {
	result := forwardResult{presented: make(map[string]bool)}
	turnCount := 0
	heartbeatStart := time.Now()
	ticker := time.NewTicker(o.heartbeatInterval)
	defer ticker.Stop()
	silence := time.NewTimer(o.silenceTimeout)
	defer silence.Stop()

	var usage catalogstore.Usage
	usage.ConversationID = req.ConversationID

	for {
		select {
		case <-ctx.Done():
			return result, ctx.Err()

		case <-silence.C:
			bridge.Send(stream.EventError, stream.ErrorEvent{ErrorType: "timeout_error", Message: fmt.Sprintf("no agent events for %s", o.silenceTimeout), Recoverable: true})
			o.appendLog(ctx, req.ConversationID, seq, "result", `{"status":"error","reason":"silence_timeout"}`)
			o.catalog.RecordUsage(ctx, usage)
			return result, fmt.Errorf("silence timeout")

		case <-ticker.C:
			bridge.Heartbeat(time.Since(heartbeatStart))

		case evt, ok := <-agentEvents:
			if !ok {
				o.catalog.RecordUsage(ctx, usage)
				return result, nil
			}
			silence.Reset(o.silenceTimeout)

			evtType, _ := evt["type"].(string)
			if evtType == "" {
				continue
			}

			switch stream.EventType(evtType) {
			case stream.EventDone:
				// The raw agent event is never forwarded to the client:
				// Execute sends its own typed stream.EventDone frame from
				// result.done once forward returns (step 8). This branch
				// only persists the terminal message_log row (spec §8
				// "disconnect durability", scenario 3).
				result.done = parseDoneResult(evt)
				turnCount++
				resultJSON, _ := json.Marshal(evt)
				o.appendLog(ctx, req.ConversationID, seq, "result", string(resultJSON))
				continue
			case stream.EventContextStatus:
				result.contextStatus = parseContextStatus(evt)
				continue
			case stream.EventToolCall:
				if toolName, _ := evt["tool_name"].(string); toolName == "present_files" {
					if p, ok := evt["path"].(string); ok {
						result.presented[p] = true
					}
				}
			}

			if err := bridge.Send(stream.EventType(evtType), evt); err != nil {
				// The client disconnected; keep draining the upstream agent
				// so the message log and usage log still reach a terminal
				// state (spec §9 "Client disconnect does not cancel the
				// background execution").
				o.log.Warn("write frame to client failed, continuing in background", "conversation_id", req.ConversationID, "err", err)
			}

			if content, ok := evt["content"]; ok {
				contentJSON, _ := json.Marshal(content)
				o.appendLog(ctx, req.ConversationID, seq, evtType, string(contentJSON))
			}

			if inTok, ok := evt["input_tokens"].(float64); ok {
				usage.InputTokens += int64(inTok)
			}
			if outTok, ok := evt["output_tokens"].(float64); ok {
				usage.OutputTokens += int64(outTok)
			}
		}
	}
}

func parseDoneResult(evt executeResponse) stream.DoneResult {
	d := stream.DoneResult{Status: "success"}
	if s, ok := evt["status"].(string); ok {
		d.Status = s
	}
	if s, ok := evt["session_id"].(string); ok {
		d.SessionID = s
	}
	if n, ok := evt["turn_count"].(float64); ok {
		d.TurnCount = int(n)
	}
	if n, ok := evt["duration_ms"].(float64); ok {
		d.DurationMS = int64(n)
	}
	return d
}

func parseContextStatus(evt executeResponse) stream.ContextStatus {
	cs := stream.ContextStatus{WarningLevel: "normal"}
	if n, ok := evt["current_tokens"].(float64); ok {
		cs.CurrentTokens = int(n)
	}
	if n, ok := evt["max_tokens"].(float64); ok {
		cs.MaxTokens = int(n)
	}
	if n, ok := evt["usage_percent"].(float64); ok {
		cs.UsagePercent = n
	}
	if s, ok := evt["warning_level"].(string); ok {
		cs.WarningLevel = s
	}
	return cs
}

// handleDispatchError implements the connection-error recovery branch of
// spec §9 "Failure handling": proxy-restart for the local backend, full
// container recovery for the remote backend.
func (o *Orchestrator) handleDispatchError(ctx context.Context, req Request, container *lifecycle.ContainerInfo, bridge *stream.Bridge, dispatchErr error) error {
	o.log.Warn("sandbox agent dispatch failed, attempting recovery", "conversation_id", req.ConversationID, "err", dispatchErr)

	if container.ManagerType == lifecycle.ManagerLocal {
		o.inproc.UpdateRules(req.ProxyRules)
	} else {
		o.store.Del(ctx, kv.ContainerKey(req.ConversationID), kv.ContainerReverseKey(container.ID))
		if _, err := o.backendBreaker(container.ManagerType).Execute(func() (any, error) {
			return nil, o.backend.Destroy(ctx, container.ID, 5*time.Second)
		}); err != nil {
			o.log.Warn("destroy during recovery failed", "container_id", container.ID, "err", err)
		}
		o.pool.Release(ctx, container.ID)
		if _, _, err := o.resolveContainer(ctx, req.ConversationID); err != nil {
			o.log.Error("container recovery failed", "err", err)
		}
	}

	o.bus.Emit("workspace.container.recovered", "orchestrator", req.ConversationID, nil)
	return o.terminalError(bridge, "execution_error", fmt.Sprintf("sandbox agent unreachable: %v", dispatchErr), true)
}

// scheduleTitleGeneration offloads first-turn title generation to a worker
// pool so the blocking call never holds the main scheduling loop (spec
// §4.2 step 8).
func (o *Orchestrator) scheduleTitleGeneration(req Request, bridge *stream.Bridge) {
	select {
	case o.titleWorkers <- func() {
		title := generateTitle(req.UserInput)
		bridge.Send(stream.EventTitle, map[string]string{"title": title})
	}:
	default:
		o.log.Warn("title worker queue full, dropping title generation", "conversation_id", req.ConversationID)
	}
}

func generateTitle(userInput string) string {
	const maxLen = 60
	if len(userInput) <= maxLen {
		return userInput
	}
	return userInput[:maxLen] + "..."
}

