// simulate_agent is a minimal stand-in for the in-sandbox agent process,
// useful for exercising the orchestrator's dispatch/forward logic (spec
// §4.2 steps 6-7) without a real agent image. It implements the sandbox
// agent API contract from spec §6: GET /health, POST /execute (streaming
// newline-delimited JSON events), and POST /exec / /exec/binary.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

func main() {
	addr := flag.String("addr", ":8900", "listen address")
	turnDelay := flag.Duration("turn-delay", 300*time.Millisecond, "delay between simulated events")
	flag.Parse()

	mux := http.NewServeMux()
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/execute", handleExecute(*turnDelay))
	mux.HandleFunc("/exec", handleExec)
	mux.HandleFunc("/exec/binary", handleExecBinary)

	log.Printf("simulate_agent listening on %s", *addr)
	if err := http.ListenAndServe(*addr, mux); err != nil {
		log.Fatalf("listen: %v", err)
	}
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// executeRequest decodes the orchestrator's /execute body; this stub uses
// user_input and session_id. The orchestrator does not send executor, so
// that field stays empty.
type executeRequest struct {
	UserInput string `json:"user_input"`
	Executor  struct {
		UserID string `json:"user_id"`
		Name   string `json:"name"`
	} `json:"executor"`
	SessionID string `json:"session_id,omitempty"`
}

func handleExecute(turnDelay time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req executeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
			return
		}

		sessionID := req.SessionID
		if sessionID == "" {
			sessionID = fmt.Sprintf("sess-%d", time.Now().UnixNano())
		}

		w.Header().Set("Content-Type", "application/x-ndjson")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		enc := json.NewEncoder(w)

		emit := func(event map[string]any) {
			enc.Encode(event)
			if flusher != nil {
				flusher.Flush()
			}
			time.Sleep(turnDelay)
		}

		emit(map[string]any{
			"type":       "init",
			"session_id": sessionID,
			"tools":      []string{"present_files"},
			"model":      "simulate-agent-v1",
		})
		emit(map[string]any{
			"type":    "assistant",
			"content": fmt.Sprintf("echo: %s", req.UserInput),
		})
		emit(map[string]any{
			"type":          "context_status",
			"current_tokens": 120,
			"max_tokens":     200000,
			"usage_percent":  0.06,
			"warning_level":  "normal",
		})
		emit(map[string]any{
			"type":        "done",
			"status":      "success",
			"turn_count":  1,
			"session_id":  sessionID,
			"duration_ms": int(turnDelay.Milliseconds()) * 3,
		})
	}
}

type execRequest struct {
	Command []string `json:"command"`
}

func handleExec(w http.ResponseWriter, r *http.Request) {
	var req execRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"stdout":    fmt.Sprintf("simulated exec of %v", req.Command),
		"stderr":    "",
		"exit_code": 0,
	})
}

func handleExecBinary(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	n, err := io.Copy(bufio.NewWriter(io.Discard), r.Body)
	if err != nil {
		http.Error(w, fmt.Sprintf("read body: %v", err), http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"bytes_received": n, "exit_code": 0})
}
