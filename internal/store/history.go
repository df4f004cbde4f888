package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
	"github.com/tmc/langchaingo/llms"
)

// ContextTurns is the number of turns fed to each model request.
const ContextTurns = 50

// ExportTurns is the number of turns rendered by ExportHistory.
const ExportTurns = 1000

// HistoryStore is the agent's memory: conversation log plus tasks,
// preferences, notifications and scheduled tasks, all in one SQLite file.
type HistoryStore struct {
	DB *sql.DB

	// serializes writers so concurrent runs and heartbeats never interleave
	// inside a statement batch
	mu sync.Mutex
}

func NewHistoryStore(dbPath string) (*HistoryStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// one connection keeps ":memory:" databases shared and writes ordered
	db.SetMaxOpenConns(1)

	queries := []string{
		`CREATE TABLE IF NOT EXISTS conversations (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			role TEXT NOT NULL,
			content TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			session_id TEXT NOT NULL DEFAULT ''
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			command TEXT NOT NULL,
			status TEXT NOT NULL,
			steps_taken INTEGER NOT NULL DEFAULT 0,
			result TEXT NOT NULL DEFAULT '',
			timestamp INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS notifications_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			app_name TEXT NOT NULL,
			title TEXT NOT NULL,
			body TEXT NOT NULL,
			timestamp INTEGER NOT NULL,
			was_acted_on INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE TABLE IF NOT EXISTS preferences (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS scheduled_tasks (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			command TEXT NOT NULL,
			cron_expression TEXT NOT NULL,
			last_run INTEGER NOT NULL DEFAULT 0,
			is_active INTEGER NOT NULL DEFAULT 1
		);`,
	}
	for _, q := range queries {
		if _, err = db.Exec(q); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create schema: %w", err)
		}
	}

	return &HistoryStore{DB: db}, nil
}

func (h *HistoryStore) Close() error {
	return h.DB.Close()
}

// AddMessage appends a turn to the conversation log.
func (h *HistoryStore) AddMessage(ctx context.Context, role, content, sessionID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	query := `INSERT INTO conversations (role, content, timestamp, session_id) VALUES (?, ?, ?, ?)`
	_, err := h.DB.ExecContext(ctx, query, role, content, time.Now().UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("failed to append turn: %w", err)
	}
	return nil
}

// RecentTurns returns the most recent limit turns, oldest first.
// Ordering is by insertion id, never by timestamp.
func (h *HistoryStore) RecentTurns(ctx context.Context, limit int) ([]Turn, error) {
	query := `SELECT id, role, content, timestamp, session_id FROM conversations ORDER BY id DESC LIMIT ?`
	rows, err := h.DB.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var turns []Turn
	for rows.Next() {
		var t Turn
		var ts int64
		if err := rows.Scan(&t.ID, &t.Role, &t.Content, &ts, &t.SessionID); err != nil {
			return nil, err
		}
		t.Timestamp = time.UnixMilli(ts)
		turns = append(turns, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to get chronological order
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}

	return turns, nil
}

// GetHistory returns the most recent limit turns as model messages, oldest first.
func (h *HistoryStore) GetHistory(ctx context.Context, limit int) ([]llms.MessageContent, error) {
	turns, err := h.RecentTurns(ctx, limit)
	if err != nil {
		return nil, err
	}

	history := make([]llms.MessageContent, 0, len(turns))
	for _, t := range turns {
		var msgRole llms.ChatMessageType
		switch t.Role {
		case RoleAssistant:
			msgRole = llms.ChatMessageTypeAI
		case "system":
			msgRole = llms.ChatMessageTypeSystem
		default:
			msgRole = llms.ChatMessageTypeHuman
		}

		history = append(history, llms.MessageContent{
			Role:  msgRole,
			Parts: []llms.ContentPart{llms.TextPart(t.Content)},
		})
	}
	return history, nil
}

// ExportHistory renders the last ExportTurns turns as plain text.
func (h *HistoryStore) ExportHistory(ctx context.Context) (string, error) {
	turns, err := h.RecentTurns(ctx, ExportTurns)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString("=== Conversation Export ===\n")
	fmt.Fprintf(&sb, "Exported: %s\n\n", time.Now().Format(time.RFC1123))
	for _, t := range turns {
		fmt.Fprintf(&sb, "[%s] %s: %s\n", t.Timestamp.Format(time.RFC1123), strings.ToUpper(t.Role), t.Content)
		sb.WriteString("---\n")
	}
	return sb.String(), nil
}

// ClearAll wipes every table in a single transaction. Either all of them
// end up empty or none is touched.
func (h *HistoryStore) ClearAll(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	tx, err := h.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin wipe: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, table := range []string{"conversations", "tasks", "notifications_log", "preferences", "scheduled_tasks"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to clear %s: %w", table, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit wipe: %w", err)
	}
	return nil
}
