// Package catalogstore is the orchestrator's only database dependency: a
// read path for the Conversation/model/context_window lookups needed by the
// context-limit gate (spec §4.2 step 2), and a write path for MessageLog,
// UsageLog, and WorkspaceFile rows. The read path goes through the
// project's Supabase REST layer (generalized from
// internal/database/supabase.go); the write path opens a direct Postgres
// session via lib/pq, kept separate from the request-scoped read client so
// a long-lived stream never starves catalog reads for other conversations
// (spec §5 "Database sessions", SPEC_FULL §9 "Session bifurcation for
// streaming").
package catalogstore

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"
	supabase "github.com/supabase-community/supabase-go"
)

// Conversation mirrors the catalog row consulted for context-limit gating
// and container resolution (spec §3 Conversation).
type Conversation struct {
	ID                     string `json:"id"`
	TenantID               string `json:"tenant_id"`
	SessionID              string `json:"session_id"`
	Status                 string `json:"status"`
	InputTokens            int64  `json:"input_tokens"`
	OutputTokens           int64  `json:"output_tokens"`
	EstimatedContextTokens int64  `json:"estimated_context_tokens"`
	ContextWindow          int64  `json:"context_window"`
}

// Store provides read access via Supabase and a write path via a direct
// Postgres connection.
type Store struct {
	read  *supabase.Client
	write *sql.DB
	log   *slog.Logger
}

// New opens both halves of the catalog store: a Supabase REST client for
// reads, and a dedicated *sql.DB for writes.
func New(supabaseURL, supabaseKey, postgresDSN string) (*Store, error) {
	read, err := supabase.NewClient(supabaseURL, supabaseKey, &supabase.ClientOptions{})
	if err != nil {
		return nil, fmt.Errorf("supabase.NewClient: %w", err)
	}

	write, err := sql.Open("postgres", postgresDSN)
	if err != nil {
		return nil, fmt.Errorf("sql.Open: %w", err)
	}
	write.SetMaxOpenConns(10)

	return &Store{read: read, write: write, log: slog.With("component", "catalogstore")}, nil
}

// Close releases the write connection pool.
func (s *Store) Close() error { return s.write.Close() }

// GetConversation fetches the conversation row consulted at the start of
// every execution (spec §4.2 step 2).
func (s *Store) GetConversation(ctx context.Context, tenantID, conversationID string) (*Conversation, error) {
	var rows []Conversation
	_, err := s.read.From("conversations").
		Select("*", "", false).
		Eq("id", conversationID).
		Eq("tenant_id", tenantID).
		ExecuteTo(&rows)
	if err != nil {
		return nil, fmt.Errorf("get conversation: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return &rows[0], nil
}

// AppendMessageLog inserts the next MessageLog row for a conversation.
// Callers must serialize calls per conversation (the orchestrator already
// holds the conversation lock for the duration of an execution) so that
// seq increments only on successful persist and stays gap-free (spec §5
// invariants).
func (s *Store) AppendMessageLog(ctx context.Context, conversationID string, seq int64, msgType, content string) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO message_log (conversation_id, seq, type, content) VALUES ($1, $2, $3, $4)`,
		conversationID, seq, msgType, content)
	if err != nil {
		return fmt.Errorf("append message log: %w", err)
	}
	return nil
}

// NextMessageSeq returns the next gap-free sequence number for a
// conversation.
func (s *Store) NextMessageSeq(ctx context.Context, conversationID string) (int64, error) {
	var maxSeq sql.NullInt64
	err := s.write.QueryRowContext(ctx,
		`SELECT MAX(seq) FROM message_log WHERE conversation_id = $1`, conversationID).Scan(&maxSeq)
	if err != nil {
		return 0, fmt.Errorf("next message seq: %w", err)
	}
	return maxSeq.Int64 + 1, nil
}

// Usage is one execution's token/cost accounting (spec §3 UsageLog).
type Usage struct {
	ConversationID    string
	InputTokens       int64
	OutputTokens      int64
	CacheCreateTokens int64
	CacheReadTokens   int64
	ModelBreakdown    map[string]int64
	CostUSD           float64
}

// RecordUsage inserts one UsageLog row and additively accumulates the
// conversation's running token totals. The source's prior behavior of
// overwriting totals was a defect; accumulation is the mandated design
// (spec §9 "Accumulation vs. overwrite").
func (s *Store) RecordUsage(ctx context.Context, u Usage) error {
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO usage_log (conversation_id, input_tokens, output_tokens, cache_creation_tokens, cache_read_tokens, cost_usd)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		u.ConversationID, u.InputTokens, u.OutputTokens, u.CacheCreateTokens, u.CacheReadTokens, u.CostUSD); err != nil {
		return fmt.Errorf("insert usage log: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE conversations
		 SET input_tokens = input_tokens + $2,
		     output_tokens = output_tokens + $3,
		     estimated_context_tokens = estimated_context_tokens + $2 + $3
		 WHERE id = $1`,
		u.ConversationID, u.InputTokens, u.OutputTokens); err != nil {
		return fmt.Errorf("accumulate conversation totals: %w", err)
	}

	return tx.Commit()
}

// WorkspaceFile mirrors one row tracking a file synced between a sandbox
// and the object store (spec §3 WorkspaceFile).
type WorkspaceFile struct {
	ConversationID string
	Path           string
	Size           int64
	ContentType    string
	Source         string // user_upload|ai_created|ai_modified
	Checksum       string
	IsPresented    bool
}

// RecordWorkspaceFiles upserts a batch of changed-file rows after a push
// (spec §4.6 "push").
func (s *Store) RecordWorkspaceFiles(ctx context.Context, files []WorkspaceFile) error {
	if len(files) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, f := range files {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO workspace_file (conversation_id, path, size, content_type, source, checksum, is_presented)
			 VALUES ($1, $2, $3, $4, $5, $6, $7)
			 ON CONFLICT (conversation_id, path) DO UPDATE SET
			   size = EXCLUDED.size, content_type = EXCLUDED.content_type,
			   source = EXCLUDED.source, checksum = EXCLUDED.checksum, is_presented = EXCLUDED.is_presented`,
			f.ConversationID, f.Path, f.Size, f.ContentType, f.Source, f.Checksum, f.IsPresented); err != nil {
			return fmt.Errorf("upsert workspace file %s: %w", f.Path, err)
		}
	}
	return tx.Commit()
}
