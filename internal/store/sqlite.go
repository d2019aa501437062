package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/xinfuwcx/deepcad-rtengine/internal/model"

	_ "modernc.org/sqlite"
)

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id          TEXT PRIMARY KEY,
    kind        TEXT NOT NULL,
    priority    TEXT NOT NULL,
    status      TEXT NOT NULL,
    progress    INTEGER NOT NULL,
    payload     TEXT NOT NULL,
    options     TEXT NOT NULL,
    result      TEXT,
    error       TEXT,
    auto_paused INTEGER NOT NULL DEFAULT 0,
    created_at  DATETIME NOT NULL,
    started_at  DATETIME,
    ended_at    DATETIME,
    updated_at  DATETIME NOT NULL
)`

const createStreamResultsTable = `
CREATE TABLE IF NOT EXISTS stream_results (
    task_id     TEXT NOT NULL,
    sequence_id INTEGER NOT NULL,
    is_final    INTEGER NOT NULL,
    progress    INTEGER NOT NULL,
    data        TEXT,
    created_at  DATETIME NOT NULL,
    PRIMARY KEY (task_id, sequence_id)
)`

const taskColumns = `id, kind, priority, status, progress, payload, options,
	result, error, auto_paused, created_at, started_at, ended_at`

// Compile-time interface satisfaction check.
var _ Journal = (*SQLiteJournal)(nil)

// SQLiteJournal implements Journal using SQLite.
type SQLiteJournal struct {
	db *sql.DB
}

// NewSQLiteJournal opens the SQLite database at dbPath and runs migrations.
func NewSQLiteJournal(dbPath string) (*SQLiteJournal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// An in-memory database exists per connection.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for name, stmt := range map[string]string{
		"tasks":          createTasksTable,
		"stream_results": createStreamResultsTable,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("create %s table: %w", name, err)
		}
	}

	return &SQLiteJournal{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteJournal) Close() error {
	return s.db.Close()
}

// UpsertTask writes the latest snapshot of a task.
func (s *SQLiteJournal) UpsertTask(ctx context.Context, t *model.Task) error {
	payload, err := json.Marshal(t.Payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	options, err := json.Marshal(t.Options)
	if err != nil {
		return fmt.Errorf("encode options: %w", err)
	}
	var result *string
	if t.Result != nil {
		b, err := json.Marshal(t.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		r := string(b)
		result = &r
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO tasks (`+taskColumns+`, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			progress = excluded.progress,
			result = excluded.result,
			error = excluded.error,
			auto_paused = excluded.auto_paused,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			updated_at = excluded.updated_at`,
		t.ID, string(t.Kind), t.Priority.String(), string(t.Status), t.Progress,
		string(payload), string(options), result, nullString(t.Error), t.AutoPaused,
		t.CreatedAt, t.StartedAt, t.EndedAt, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("upsert task: %w", err)
	}
	return nil
}

// GetTask retrieves the latest snapshot of a task.
func (s *SQLiteJournal) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

// ListTasks returns a page of tasks ordered by created_at DESC, along with the
// number of tasks matching the filter.
func (s *SQLiteJournal) ListTasks(ctx context.Context, f ListFilter) ([]*model.Task, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 50
	}

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM tasks"+clause, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count tasks: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+taskColumns+` FROM tasks`+clause+` ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		append(args, limit, f.Offset)...,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate tasks: %w", err)
	}

	return tasks, total, nil
}

// InsertStreamResult appends a streamed result. A repeated sequence id for
// the same task is ignored.
func (s *SQLiteJournal) InsertStreamResult(ctx context.Context, r model.StreamingResult) error {
	data, err := json.Marshal(r.Data)
	if err != nil {
		return fmt.Errorf("encode stream data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO stream_results (task_id, sequence_id, is_final, progress, data, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		r.TaskID, r.SequenceID, r.IsFinal, r.Progress, string(data), r.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert stream result: %w", err)
	}
	return nil
}

// GetStreamResults returns a task's streamed results in sequence order.
func (s *SQLiteJournal) GetStreamResults(ctx context.Context, taskID string) ([]model.StreamingResult, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT task_id, sequence_id, is_final, progress, data, created_at
		FROM stream_results WHERE task_id = ? ORDER BY sequence_id ASC`, taskID,
	)
	if err != nil {
		return nil, fmt.Errorf("query stream results: %w", err)
	}
	defer rows.Close()

	var results []model.StreamingResult
	for rows.Next() {
		var (
			r    model.StreamingResult
			data sql.NullString
		)
		if err := rows.Scan(&r.TaskID, &r.SequenceID, &r.IsFinal, &r.Progress, &data, &r.Timestamp); err != nil {
			return nil, fmt.Errorf("scan stream result: %w", err)
		}
		if data.Valid {
			if err := json.Unmarshal([]byte(data.String), &r.Data); err != nil {
				return nil, fmt.Errorf("decode stream data: %w", err)
			}
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate stream results: %w", err)
	}
	return results, nil
}

// Stats returns aggregate statistics over the journal.
func (s *SQLiteJournal) Stats(ctx context.Context) (*TaskStats, error) {
	stats := &TaskStats{
		CountByStatus: make(map[string]int),
		CountByKind:   make(map[string]int),
	}

	if err := s.countBy(ctx, "status", stats.CountByStatus); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, "kind", stats.CountByKind); err != nil {
		return nil, err
	}
	for _, n := range stats.CountByStatus {
		stats.Total += n
	}

	// Durations are computed in Go because the driver stores DATETIME values
	// as text that julianday cannot always parse.
	rows, err := s.db.QueryContext(ctx,
		`SELECT started_at, ended_at FROM tasks WHERE status = ? AND started_at IS NOT NULL AND ended_at IS NOT NULL`,
		string(model.StatusCompleted),
	)
	if err != nil {
		return nil, fmt.Errorf("query durations: %w", err)
	}
	defer rows.Close()
	var (
		sum   time.Duration
		count int
	)
	for rows.Next() {
		var started, ended time.Time
		if err := rows.Scan(&started, &ended); err != nil {
			return nil, fmt.Errorf("scan durations: %w", err)
		}
		sum += ended.Sub(started)
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate durations: %w", err)
	}
	if count > 0 {
		stats.AvgDurationMS = float64(sum.Milliseconds()) / float64(count)
	}

	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM stream_results").Scan(&stats.StreamResults); err != nil {
		return nil, fmt.Errorf("count stream results: %w", err)
	}
	return stats, nil
}

func (s *SQLiteJournal) countBy(ctx context.Context, column string, into map[string]int) error {
	rows, err := s.db.QueryContext(ctx, "SELECT "+column+", COUNT(*) FROM tasks GROUP BY "+column)
	if err != nil {
		return fmt.Errorf("count by %s: %w", column, err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			key string
			n   int
		)
		if err := rows.Scan(&key, &n); err != nil {
			return fmt.Errorf("scan count by %s: %w", column, err)
		}
		into[key] = n
	}
	return rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*model.Task, error) {
	var (
		t                  model.Task
		kind, prio, status string
		payload, options   string
		result, errMsg     sql.NullString
		startedAt, endedAt sql.NullTime
	)
	if err := row.Scan(
		&t.ID, &kind, &prio, &status, &t.Progress, &payload, &options,
		&result, &errMsg, &t.AutoPaused, &t.CreatedAt, &startedAt, &endedAt,
	); err != nil {
		return nil, err
	}

	t.Kind = model.Kind(kind)
	t.Status = model.Status(status)
	p, err := model.ParsePriority(prio)
	if err != nil {
		return nil, err
	}
	t.Priority = p
	if t.Payload, err = model.DecodePayload(t.Kind, json.RawMessage(payload)); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(options), &t.Options); err != nil {
		return nil, fmt.Errorf("decode options: %w", err)
	}
	if result.Valid {
		if err := json.Unmarshal([]byte(result.String), &t.Result); err != nil {
			return nil, fmt.Errorf("decode result: %w", err)
		}
	}
	t.Error = errMsg.String
	if startedAt.Valid {
		at := startedAt.Time
		t.StartedAt = &at
	}
	if endedAt.Valid {
		at := endedAt.Time
		t.EndedAt = &at
	}
	return &t, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
