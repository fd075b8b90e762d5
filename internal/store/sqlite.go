package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/sean85120/ccbot/internal/models"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const dayLayout = "2006-01-02"

// SQLiteStore implements Store using modernc.org/sqlite (pure Go, no CGO).
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore opens (or creates) a SQLite database at the given path.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
			return nil, fmt.Errorf("create db directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// One writer at a time; the pool serializes access instead of
	// surfacing "database is locked".
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("%s: %w", strings.ToLower(strings.TrimPrefix(pragma, "PRAGMA ")), err)
		}
	}

	return &SQLiteStore{db: db, now: time.Now}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func newULID() string {
	return ulid.Make().String()
}

// Migrate runs all embedded SQL migration files in order.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (
		filename TEXT PRIMARY KEY,
		applied_at DATETIME NOT NULL DEFAULT (datetime('now'))
	)`)
	if err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()

		var count int
		err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM schema_migrations WHERE filename = ?", name).Scan(&count)
		if err != nil {
			return fmt.Errorf("check migration %s: %w", name, err)
		}
		if count > 0 {
			continue
		}

		data, err := migrationsFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, string(data)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx, "INSERT INTO schema_migrations (filename) VALUES (?)", name); err != nil {
			return fmt.Errorf("record migration %s: %w", name, err)
		}
	}
	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Sessions ---

const sessionColumns = `thread_id, runtime_session_id, status, owner_user_id, project_path, model, started_at, last_activity_at, total_tool_uses, tool_use_counts, allowed_tools, transcript, last_error`

// SaveSession inserts or replaces the snapshot of a session.
func (s *SQLiteStore) SaveSession(ctx context.Context, sess *models.Session) error {
	counts, err := json.Marshal(sess.ToolUseCounts)
	if err != nil {
		return fmt.Errorf("encode tool use counts: %w", err)
	}
	allowed, err := json.Marshal(sess.AllowedToolNames())
	if err != nil {
		return fmt.Errorf("encode allowed tools: %w", err)
	}
	transcript := sess.Transcript
	if transcript == nil {
		transcript = []models.TranscriptEntry{}
	}
	entries, err := json.Marshal(transcript)
	if err != nil {
		return fmt.Errorf("encode transcript: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO sessions (`+sessionColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			runtime_session_id = excluded.runtime_session_id,
			status = excluded.status,
			owner_user_id = excluded.owner_user_id,
			project_path = excluded.project_path,
			model = excluded.model,
			started_at = excluded.started_at,
			last_activity_at = excluded.last_activity_at,
			total_tool_uses = excluded.total_tool_uses,
			tool_use_counts = excluded.tool_use_counts,
			allowed_tools = excluded.allowed_tools,
			transcript = excluded.transcript,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at`,
		sess.ThreadID, sess.RuntimeSessionID, string(sess.Status), sess.OwnerUserID, sess.ProjectPath, sess.Model,
		sess.StartedAt.UTC(), sess.LastActivityAt.UTC(), sess.TotalToolUses,
		string(counts), string(allowed), string(entries), sess.LastError, s.now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	sess := &models.Session{}
	var status, counts, allowed, transcript string
	err := row.Scan(&sess.ThreadID, &sess.RuntimeSessionID, &status, &sess.OwnerUserID, &sess.ProjectPath, &sess.Model,
		&sess.StartedAt, &sess.LastActivityAt, &sess.TotalToolUses, &counts, &allowed, &transcript, &sess.LastError)
	if err != nil {
		return nil, err
	}
	sess.Status = models.SessionStatus(status)

	sess.ToolUseCounts = make(map[string]int)
	_ = json.Unmarshal([]byte(counts), &sess.ToolUseCounts)

	var names []string
	_ = json.Unmarshal([]byte(allowed), &names)
	sess.AllowedTools = make(map[string]bool, len(names))
	for _, name := range names {
		sess.AllowedTools[name] = true
	}

	_ = json.Unmarshal([]byte(transcript), &sess.Transcript)
	return sess, nil
}

func (s *SQLiteStore) GetSession(ctx context.Context, threadID string) (*models.Session, error) {
	sess, err := scanSession(s.db.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM sessions WHERE thread_id = ?`, threadID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("session %s: %w", threadID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return sess, nil
}

// ListSessions returns sessions most recently active first. Empty statuses
// means all; a non-positive limit means no limit.
func (s *SQLiteStore) ListSessions(ctx context.Context, statuses []models.SessionStatus, limit int) ([]*models.Session, error) {
	query := `SELECT ` + sessionColumns + ` FROM sessions`
	var args []any
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY last_activity_at DESC, thread_id`
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) DeleteSession(ctx context.Context, threadID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE thread_id = ?`, threadID)
	if err != nil {
		return fmt.Errorf("delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("session %s: %w", threadID, ErrNotFound)
	}
	return nil
}

// --- Queue ---

// SaveQueueEntry appends an entry. Entries keep insertion order per project.
func (s *SQLiteStore) SaveQueueEntry(ctx context.Context, e *models.QueueEntry) error {
	if e.ID == "" {
		e.ID = newULID()
	}
	if e.EnqueuedAt.IsZero() {
		e.EnqueuedAt = s.now()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO queue_entries (id, thread_id, owner_user_id, prompt, project_path, model, enqueued_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		e.ID, e.ThreadID, e.OwnerUserID, e.Prompt, e.ProjectPath, e.Model, e.EnqueuedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("save queue entry: %w", err)
	}
	return nil
}

// DeleteQueueEntry removes an entry. Deleting a missing entry is not an error.
func (s *SQLiteStore) DeleteQueueEntry(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM queue_entries WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete queue entry: %w", err)
	}
	return nil
}

// ListQueueEntries returns entries in FIFO order. An empty projectPath lists
// every project.
func (s *SQLiteStore) ListQueueEntries(ctx context.Context, projectPath string) ([]*models.QueueEntry, error) {
	query := `SELECT id, thread_id, owner_user_id, prompt, project_path, model, enqueued_at FROM queue_entries`
	var args []any
	if projectPath != "" {
		query += ` WHERE project_path = ?`
		args = append(args, projectPath)
	}
	query += ` ORDER BY seq`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue entries: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.QueueEntry
	for rows.Next() {
		e := &models.QueueEntry{}
		if err := rows.Scan(&e.ID, &e.ThreadID, &e.OwnerUserID, &e.Prompt, &e.ProjectPath, &e.Model, &e.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("scan queue entry: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// --- Usage ---

func (s *SQLiteStore) RecordUsage(ctx context.Context, u *models.UsageRecord) error {
	if u.ID == "" {
		u.ID = newULID()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = s.now()
	}
	created := u.CreatedAt.UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO usage_records (id, thread_id, runtime_session_id, owner_user_id, project_path, model,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, cost_usd, duration_ms, turns, success, day, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.ID, u.ThreadID, u.RuntimeSessionID, u.OwnerUserID, u.ProjectPath, u.Model,
		u.InputTokens, u.OutputTokens, u.CacheReadTokens, u.CacheWriteTokens, u.CostUSD, u.DurationMS, u.Turns,
		boolToInt(u.Success), created.Format(dayLayout), created,
	)
	if err != nil {
		return fmt.Errorf("record usage: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListUsage(ctx context.Context, threadID string) ([]*models.UsageRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, thread_id, runtime_session_id, owner_user_id, project_path, model,
			input_tokens, output_tokens, cache_read_tokens, cache_write_tokens, cost_usd, duration_ms, turns, success, created_at
		FROM usage_records WHERE thread_id = ? ORDER BY created_at, id`, threadID)
	if err != nil {
		return nil, fmt.Errorf("list usage: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.UsageRecord
	for rows.Next() {
		u := &models.UsageRecord{}
		if err := rows.Scan(&u.ID, &u.ThreadID, &u.RuntimeSessionID, &u.OwnerUserID, &u.ProjectPath, &u.Model,
			&u.InputTokens, &u.OutputTokens, &u.CacheReadTokens, &u.CacheWriteTokens, &u.CostUSD, &u.DurationMS, &u.Turns,
			&u.Success, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan usage: %w", err)
		}
		out = append(out, u)
	}
	return out, rows.Err()
}

// DailyUsage aggregates the given UTC day per owner.
func (s *SQLiteStore) DailyUsage(ctx context.Context, day time.Time) ([]*models.DailyUsage, error) {
	return s.UsageSummary(ctx, day, day)
}

// UsageSummary aggregates per UTC day and owner over the inclusive day range.
func (s *SQLiteStore) UsageSummary(ctx context.Context, from, to time.Time) ([]*models.DailyUsage, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT day, owner_user_id,
			COUNT(DISTINCT thread_id), COUNT(*), SUM(1 - success),
			SUM(input_tokens), SUM(output_tokens), SUM(cost_usd)
		FROM usage_records
		WHERE day >= ? AND day <= ?
		GROUP BY day, owner_user_id
		ORDER BY day, owner_user_id`,
		from.UTC().Format(dayLayout), to.UTC().Format(dayLayout))
	if err != nil {
		return nil, fmt.Errorf("usage summary: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*models.DailyUsage
	for rows.Next() {
		d := &models.DailyUsage{}
		if err := rows.Scan(&d.Day, &d.OwnerUserID, &d.Sessions, &d.Queries, &d.Failures,
			&d.InputTokens, &d.OutputTokens, &d.CostUSD); err != nil {
			return nil, fmt.Errorf("scan usage summary: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
