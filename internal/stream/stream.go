// Package stream carries one conversation's agent event taxonomy to its
// calling client over Server-Sent Events (spec §4.7, §6). It is distinct
// from internal/events, which is the orchestrator's internal operational
// event bus: this package's frames are per-conversation, strictly ordered
// by a monotonic seq, and shaped by the spec's exact wire taxonomy
// (init/assistant/tool_call/tool_result/subagent_start/subagent_end/
// progress/title/ping/context_status/done/error).
package stream

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// EventType enumerates the spec's forwarded event taxonomy (§4.2 step 7).
type EventType string

const (
	EventInit          EventType = "init"
	EventAssistant     EventType = "assistant"
	EventToolCall      EventType = "tool_call"
	EventToolResult    EventType = "tool_result"
	EventSubagentStart EventType = "subagent_start"
	EventSubagentEnd   EventType = "subagent_end"
	EventProgress      EventType = "progress"
	EventTitle         EventType = "title"
	EventPing          EventType = "ping"
	EventContextStatus EventType = "context_status"
	EventDone          EventType = "done"
	EventError         EventType = "error"
)

// Frame is one SSE frame addressed to a single conversation: the spec's
// `id: {conv}:{seq}\nevent: <type>\ndata: <json>\n\n` shape.
type Frame struct {
	ConversationID string
	Seq            uint64
	Type           EventType
	Data           any
}

// Write serializes f onto w in the spec's SSE frame format and flushes
// immediately, since the response must stream incrementally rather than
// buffer until close.
func (f Frame) Write(w http.ResponseWriter, flusher http.Flusher) error {
	payload, err := json.Marshal(f.Data)
	if err != nil {
		return fmt.Errorf("marshal frame data: %w", err)
	}
	if _, err := fmt.Fprintf(w, "id: %s:%d\nevent: %s\ndata: %s\n\n", f.ConversationID, f.Seq, f.Type, payload); err != nil {
		return err
	}
	if flusher != nil {
		flusher.Flush()
	}
	return nil
}

// Bridge assigns monotonic per-conversation sequence numbers and writes
// frames to one HTTP response, interleaving a heartbeat with upstream reads
// via a timed select (spec §4.2 "Suspension points").
type Bridge struct {
	conversationID string
	w              http.ResponseWriter
	flusher        http.Flusher
	seq            uint64
	firstFrame     bool
}

// NewBridge prepares the response for SSE and returns a Bridge ready to
// forward events for one conversation.
func NewBridge(w http.ResponseWriter, conversationID string) (*Bridge, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, fmt.Errorf("response writer does not support streaming")
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &Bridge{conversationID: conversationID, w: w, flusher: flusher, firstFrame: true}, nil
}

// Send assigns the next sequence number to data and writes it as eventType.
// The retry hint is attached to the first frame only, per spec §6.
func (b *Bridge) Send(eventType EventType, data any) error {
	b.seq++
	if b.firstFrame {
		b.firstFrame = false
		fmt.Fprintf(b.w, "retry: 2000\n")
	}
	return Frame{ConversationID: b.conversationID, Seq: b.seq, Type: eventType, Data: data}.Write(b.w, b.flusher)
}

// Heartbeat sends a ping event carrying elapsed time since start, run on a
// 10s interval per spec §6's HEARTBEAT_INTERVAL_SECONDS default.
func (b *Bridge) Heartbeat(elapsed time.Duration) error {
	return b.Send(EventPing, map[string]any{"elapsed_ms": elapsed.Milliseconds()})
}

// ContextStatus describes token usage against a conversation's context
// window (spec §4.2 step 8).
type ContextStatus struct {
	CurrentTokens int     `json:"current_tokens"`
	MaxTokens     int     `json:"max_tokens"`
	UsagePercent  float64 `json:"usage_percent"`
	WarningLevel  string  `json:"warning_level"` // normal|warning|critical|blocked
}

// DoneResult is the terminal success/error/cancelled summary (spec §4.2
// step 8, §6 event taxonomy table).
type DoneResult struct {
	Status        string         `json:"status"` // success|error|cancelled
	ResultPreview string         `json:"result_preview,omitempty"`
	Usage         map[string]any `json:"usage,omitempty"`
	CostUSD       float64        `json:"cost_usd,omitempty"`
	TurnCount     int            `json:"turn_count"`
	DurationMS    int64          `json:"duration_ms"`
	SessionID     string         `json:"session_id"`
}

// ErrorEvent is the stream's terminal error frame (spec §7 taxonomy).
type ErrorEvent struct {
	ErrorType   string `json:"error_type"`
	Message     string `json:"message"`
	Recoverable bool   `json:"recoverable"`
}
