package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/ocx/workspace-orchestrator/internal/catalogstore"
	"github.com/ocx/workspace-orchestrator/internal/config"
	"github.com/ocx/workspace-orchestrator/internal/filesync"
	"github.com/ocx/workspace-orchestrator/internal/orchestrator"
	"github.com/ocx/workspace-orchestrator/internal/proxy"
	"github.com/ocx/workspace-orchestrator/internal/stream"
)

const maxUploadBytes = 64 << 20 // 64MiB, generous for workspace attachments

// executor identifies the human (or service account) driving a turn (spec §6).
type executor struct {
	UserID     string `json:"user_id"`
	Name       string `json:"name"`
	Email      string `json:"email"`
	EmployeeID string `json:"employee_id,omitempty"`
}

// requestData is the JSON payload carried in the multipart form's
// "request_data" field (spec §6 streaming execution endpoint).
type requestData struct {
	UserInput       string            `json:"user_input"`
	Executor        executor          `json:"executor"`
	Tokens          map[string]string `json:"tokens,omitempty"`
	PreferredSkills []string          `json:"preferred_skills,omitempty"`
}

// fileMetadata is one entry of the multipart form's "file_metadata" JSON
// array, aligned 1:1 with the "files[]" parts (spec §6).
type fileMetadata struct {
	Filename             string `json:"filename"`
	OriginalName         string `json:"original_name"`
	RelativePath         string `json:"relative_path"`
	OriginalRelativePath string `json:"original_relative_path"`
	ContentType          string `json:"content_type"`
	Size                 int64  `json:"size"`
}

// streamHandler implements POST
// /api/tenants/{tenant}/conversations/{conv}/stream (spec §6): it parses
// the multipart request, opens the SSE bridge, and delegates to
// orchestrator.Execute.
type streamHandler struct {
	orch    *orchestrator.Orchestrator
	catalog *catalogstore.Store
	cfg     *config.Config
	tenants *config.Manager
	log     *slog.Logger
}

func (h *streamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	tenantID := vars["tenant"]
	conversationID := vars["conv"]

	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		http.Error(w, fmt.Sprintf("parse multipart form: %v", err), http.StatusBadRequest)
		return
	}

	var rd requestData
	if err := json.Unmarshal([]byte(r.FormValue("request_data")), &rd); err != nil {
		http.Error(w, fmt.Sprintf("invalid request_data: %v", err), http.StatusBadRequest)
		return
	}

	var metas []fileMetadata
	if raw := r.FormValue("file_metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &metas); err != nil {
			http.Error(w, fmt.Sprintf("invalid file_metadata: %v", err), http.StatusBadRequest)
			return
		}
	}

	attachments, err := h.collectAttachments(r, metas)
	if err != nil {
		http.Error(w, fmt.Sprintf("read attachments: %v", err), http.StatusBadRequest)
		return
	}

	proxyRules := proxy.Rules{AllowedHosts: h.cfg.Proxy.AllowedHosts, Tokens: rd.Tokens}
	if h.tenants != nil {
		proxyRules.AllowedHosts = h.tenants.Get(tenantID).Proxy.AllowedHosts
	}

	bridge, err := stream.NewBridge(w, conversationID)
	if err != nil {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	req := orchestrator.Request{
		TenantID:       tenantID,
		ConversationID: conversationID,
		UserInput:      rd.UserInput,
		Attachments:    attachments,
		ProxyRules:     proxyRules,
		Tokens:         rd.Tokens,
	}

	// The background execution must survive the client disconnecting mid
	// stream (spec §9 "Client disconnect"), so Execute runs against a
	// context independent of r.Context()'s cancellation.
	if err := h.orch.Execute(detachedContext(r), req, bridge); err != nil {
		h.log.Warn("execute returned error", "conversation_id", conversationID, "err", err)
	}
}

func (h *streamHandler) collectAttachments(r *http.Request, metas []fileMetadata) ([]filesync.Attachment, error) {
	files := r.MultipartForm.File["files[]"]
	if len(files) != len(metas) {
		if len(files) > 0 && len(metas) == 0 {
			return nil, fmt.Errorf("file_metadata missing for %d uploaded files", len(files))
		}
	}

	attachments := make([]filesync.Attachment, 0, len(files))
	for i, fh := range files {
		f, err := fh.Open()
		if err != nil {
			return nil, fmt.Errorf("open upload %s: %w", fh.Filename, err)
		}
		data, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("read upload %s: %w", fh.Filename, err)
		}

		a := filesync.Attachment{Filename: fh.Filename, Data: data}
		if i < len(metas) {
			m := metas[i]
			a.OriginalName = m.OriginalName
			a.RelativePath = m.RelativePath
			a.OriginalRelativePath = m.OriginalRelativePath
			a.ContentType = m.ContentType
		}
		attachments = append(attachments, a)
	}
	return attachments, nil
}
