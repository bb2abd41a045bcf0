package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/HakAl/llmtap/internal/config"
	"github.com/HakAl/llmtap/internal/record"
)

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db        *sql.DB
	retention config.RetentionConfig
	now       func() time.Time
}

// NewSQLiteStore opens (creating if needed) the database at dbPath.
func NewSQLiteStore(dbPath string, retention config.RetentionConfig) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Force a connection to ensure the file is created
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	// Records carry full prompts and completions.
	if dbPath != ":memory:" {
		_ = setSecureFilePermissions(dbPath)
	}

	db.SetMaxOpenConns(1) // SQLite is single-writer
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{
		db:        db,
		retention: retention,
		now:       time.Now,
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// setSecureFilePermissions sets 0600 on the database and its WAL files.
// Windows relies on ACLs instead.
func setSecureFilePermissions(path string) error {
	if runtime.GOOS == "windows" {
		return nil
	}
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("setting permissions on %s: %w", path, err)
	}
	os.Chmod(path+"-wal", 0600) // may not exist yet
	os.Chmod(path+"-shm", 0600)
	return nil
}

// migrate runs database migrations.
func (s *SQLiteStore) migrate() error {
	var version int
	err := s.db.QueryRow("SELECT version FROM schema_version WHERE id = 1").Scan(&version)
	if err != nil {
		if _, err := s.db.Exec(`
			CREATE TABLE IF NOT EXISTS schema_version (
				id INTEGER PRIMARY KEY CHECK (id = 1),
				version INTEGER NOT NULL,
				applied_at TEXT NOT NULL DEFAULT (datetime('now'))
			);
			INSERT OR IGNORE INTO schema_version (id, version) VALUES (1, 0);
		`); err != nil {
			return fmt.Errorf("creating schema_version: %w", err)
		}
		version = 0
	}

	migrations := []string{
		migrationV1,
	}

	for i := version; i < len(migrations); i++ {
		if _, err := s.db.Exec(migrations[i]); err != nil {
			return fmt.Errorf("running migration %d: %w", i+1, err)
		}
		if _, err := s.db.Exec("UPDATE schema_version SET version = ?, applied_at = datetime('now') WHERE id = 1", i+1); err != nil {
			return fmt.Errorf("updating version to %d: %w", i+1, err)
		}
	}

	return nil
}

const migrationV1 = `
CREATE TABLE IF NOT EXISTS interactions (
	id TEXT PRIMARY KEY,
	provider TEXT NOT NULL CHECK (provider IN ('openai', 'anthropic', 'gemini', 'custom')),
	timestamp TEXT NOT NULL,
	duration_ms INTEGER,
	model TEXT NOT NULL,
	status TEXT NOT NULL CHECK (status IN ('success', 'error')),
	error_message TEXT,
	request TEXT,
	response TEXT,
	metadata TEXT,
	input_tokens INTEGER,
	output_tokens INTEGER,
	total_tokens INTEGER,
	method TEXT,
	streaming INTEGER NOT NULL DEFAULT 0,
	workflow_id TEXT,
	created_at TEXT NOT NULL,
	expires_at TEXT
);

CREATE TABLE IF NOT EXISTS drop_log (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	interaction_id TEXT,
	provider TEXT,
	priority TEXT CHECK (priority IN ('high', 'medium', 'low')),
	reason TEXT,
	timestamp TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_interactions_timestamp ON interactions(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_interactions_provider_timestamp ON interactions(provider, timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_interactions_model ON interactions(model, timestamp);
CREATE INDEX IF NOT EXISTS idx_interactions_workflow ON interactions(workflow_id, timestamp) WHERE workflow_id IS NOT NULL;
CREATE INDEX IF NOT EXISTS idx_interactions_expires ON interactions(expires_at) WHERE expires_at IS NOT NULL;

CREATE INDEX IF NOT EXISTS idx_drop_log_priority_time ON drop_log(priority, timestamp DESC);
`

const insertInteraction = `
	INSERT OR REPLACE INTO interactions (
		id, provider, timestamp, duration_ms, model, status, error_message,
		request, response, metadata,
		input_tokens, output_tokens, total_tokens,
		method, streaming, workflow_id, created_at, expires_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`

const selectInteraction = `
	SELECT id, provider, timestamp, duration_ms, model, status, error_message,
		request, response, metadata,
		input_tokens, output_tokens, total_tokens
	FROM interactions
`

// SaveInteraction inserts or replaces a record.
func (s *SQLiteStore) SaveInteraction(ctx context.Context, rec *record.Interaction) error {
	_, err := s.db.ExecContext(ctx, insertInteraction, s.interactionArgs(rec)...)
	return err
}

// SaveInteractions inserts multiple records in one transaction.
func (s *SQLiteStore) SaveInteractions(ctx context.Context, recs []*record.Interaction) error {
	if len(recs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, insertInteraction)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, rec := range recs {
		if _, err := stmt.ExecContext(ctx, s.interactionArgs(rec)...); err != nil {
			return fmt.Errorf("saving interaction %s: %w", rec.ID, err)
		}
	}

	return tx.Commit()
}

func (s *SQLiteStore) interactionArgs(rec *record.Interaction) []any {
	method, _ := rec.Metadata["method"].(string)
	streaming, _ := rec.Metadata["streaming"].(bool)
	workflow, _ := rec.Metadata["workflow_id"].(string)

	var expires any
	if days := s.retention.InteractionsTTLDays; days > 0 {
		expires = formatTime(rec.Timestamp.AddDate(0, 0, days))
	}

	return []any{
		rec.ID, string(rec.Provider), formatTime(rec.Timestamp), rec.DurationMs, rec.Model,
		string(rec.Status), nullString(rec.ErrorMessage),
		encodeJSON(rec.Request), encodeJSON(rec.Response), encodeJSON(rec.Metadata),
		rec.Tokens.Input, rec.Tokens.Output, rec.Tokens.Total,
		nullString(method), streaming, nullString(workflow), formatTime(s.now()), expires,
	}
}

// GetInteraction retrieves a record by ID.
func (s *SQLiteStore) GetInteraction(ctx context.Context, id string) (*record.Interaction, error) {
	row := s.db.QueryRowContext(ctx, selectInteraction+" WHERE id = ?", id)
	rec, err := scanInteraction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return rec, err
}

// ListInteractions returns records matching the filter, newest first.
func (s *SQLiteStore) ListInteractions(ctx context.Context, filter Filter) ([]*record.Interaction, error) {
	query := strings.Builder{}
	query.WriteString(selectInteraction)
	query.WriteString(" WHERE 1=1")

	args := filter.where(&query)

	query.WriteString(" ORDER BY timestamp DESC")

	if filter.Limit > 0 {
		query.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		if filter.Limit <= 0 {
			query.WriteString(" LIMIT -1")
		}
		query.WriteString(" OFFSET ?")
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*record.Interaction
	for rows.Next() {
		rec, err := scanInteraction(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}

	return recs, rows.Err()
}

// CountInteractions returns the count of records matching the filter
// (ignores Limit/Offset).
func (s *SQLiteStore) CountInteractions(ctx context.Context, filter Filter) (int, error) {
	query := strings.Builder{}
	query.WriteString("SELECT COUNT(*) FROM interactions WHERE 1=1")
	args := filter.where(&query)

	var count int
	err := s.db.QueryRowContext(ctx, query.String(), args...).Scan(&count)
	return count, err
}

func (f Filter) where(query *strings.Builder) []any {
	args := []any{}

	if f.Provider != nil {
		query.WriteString(" AND provider = ?")
		args = append(args, string(*f.Provider))
	}
	if f.Model != nil {
		query.WriteString(" AND model = ?")
		args = append(args, *f.Model)
	}
	if f.Status != nil {
		query.WriteString(" AND status = ?")
		args = append(args, string(*f.Status))
	}
	if f.Method != nil {
		query.WriteString(" AND method = ?")
		args = append(args, *f.Method)
	}
	if f.WorkflowID != nil {
		query.WriteString(" AND workflow_id = ?")
		args = append(args, *f.WorkflowID)
	}
	if f.StartTime != nil {
		query.WriteString(" AND timestamp >= ?")
		args = append(args, formatTime(*f.StartTime))
	}
	if f.EndTime != nil {
		query.WriteString(" AND timestamp <= ?")
		args = append(args, formatTime(*f.EndTime))
	}
	return args
}

// LogDrop records a discarded record.
func (s *SQLiteStore) LogDrop(ctx context.Context, entry *DropLogEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO drop_log (interaction_id, provider, priority, reason, timestamp) VALUES (?, ?, ?, ?, ?)
	`, entry.InteractionID, entry.Provider, entry.Priority, entry.Reason, formatTime(ts))
	return err
}

// ListDrops returns the most recent drop log entries.
func (s *SQLiteStore) ListDrops(ctx context.Context, limit int) ([]*DropLogEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, interaction_id, provider, priority, reason, timestamp
		FROM drop_log ORDER BY timestamp DESC, id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*DropLogEntry
	for rows.Next() {
		var e DropLogEntry
		var interactionID, provider sql.NullString
		var ts string
		if err := rows.Scan(&e.ID, &interactionID, &provider, &e.Priority, &e.Reason, &ts); err != nil {
			return nil, err
		}
		if interactionID.Valid {
			e.InteractionID = &interactionID.String
		}
		if provider.Valid {
			e.Provider = &provider.String
		}
		e.Timestamp, _ = time.Parse(timeLayout, ts)
		entries = append(entries, &e)
	}
	return entries, rows.Err()
}

// RunRetention deletes expired records and old drop log entries.
func (s *SQLiteStore) RunRetention(ctx context.Context) (int64, error) {
	var totalDeleted int64
	now := s.now()

	res, err := s.db.ExecContext(ctx,
		"DELETE FROM interactions WHERE expires_at IS NOT NULL AND expires_at < ?", formatTime(now))
	if err != nil {
		return totalDeleted, err
	}
	n, _ := res.RowsAffected()
	totalDeleted += n

	if days := s.retention.DropLogTTLDays; days > 0 {
		res, err = s.db.ExecContext(ctx,
			"DELETE FROM drop_log WHERE timestamp < ?", formatTime(now.AddDate(0, 0, -days)))
		if err != nil {
			return totalDeleted, err
		}
		n, _ = res.RowsAffected()
		totalDeleted += n
	}

	return totalDeleted, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// DB returns the underlying database connection for analytics queries.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

type scanner interface {
	Scan(dest ...any) error
}

func scanInteraction(row scanner) (*record.Interaction, error) {
	var rec record.Interaction
	var provider, status, ts string
	var errorMessage, request, response, metadata sql.NullString
	var durationMs, inputTokens, outputTokens, totalTokens sql.NullInt64

	err := row.Scan(
		&rec.ID, &provider, &ts, &durationMs, &rec.Model, &status, &errorMessage,
		&request, &response, &metadata,
		&inputTokens, &outputTokens, &totalTokens,
	)
	if err != nil {
		return nil, err
	}

	rec.Provider = record.Provider(provider)
	rec.Status = record.Status(status)
	rec.Timestamp, _ = time.Parse(timeLayout, ts)
	rec.ErrorMessage = errorMessage.String

	if durationMs.Valid {
		rec.DurationMs = &durationMs.Int64
	}
	rec.Tokens.Input = nullInt(inputTokens)
	rec.Tokens.Output = nullInt(outputTokens)
	rec.Tokens.Total = nullInt(totalTokens)

	if request.Valid {
		json.Unmarshal([]byte(request.String), &rec.Request)
	}
	if response.Valid {
		json.Unmarshal([]byte(response.String), &rec.Response)
	}
	if metadata.Valid {
		json.Unmarshal([]byte(metadata.String), &rec.Metadata)
	}

	return &rec, nil
}

// encodeJSON stores v as JSON, falling back to its %+v rendering for values
// encoding/json cannot represent.
func encodeJSON(v any) any {
	if v == nil {
		return nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		data, _ = json.Marshal(fmt.Sprintf("%+v", v))
	}
	return string(data)
}

func nullInt(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}
