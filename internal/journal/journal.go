// Package journal records completed pool tasks in SQLite.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/dohr-michael/paperpool/internal/pool"

	_ "modernc.org/sqlite"
)

const createCompletionsTable = `
CREATE TABLE IF NOT EXISTS completions (
    id           TEXT PRIMARY KEY,
    task_id      TEXT NOT NULL,
    context_id   TEXT NOT NULL,
    message_type TEXT NOT NULL,
    message_name TEXT NOT NULL,
    outcome      TEXT NOT NULL,
    error        TEXT,
    duration_ms  INTEGER NOT NULL,
    completed_at DATETIME NOT NULL
)`

const createCompletedAtIndex = `CREATE INDEX IF NOT EXISTS completions_completed_at ON completions (completed_at)`

// Outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDeath   = "death"
)

// Entry is one journal row.
type Entry struct {
	ID          string    `json:"id"`
	TaskID      string    `json:"task_id"`
	ContextID   string    `json:"context_id"`
	MessageType string    `json:"message_type"`
	MessageName string    `json:"message_name"`
	Outcome     string    `json:"outcome"`
	Error       string    `json:"error,omitempty"`
	DurationMS  int64     `json:"duration_ms"`
	CompletedAt time.Time `json:"completed_at"`
}

// Stats aggregates the whole journal.
type Stats struct {
	Total         int     `json:"total"`
	Succeeded     int     `json:"succeeded"`
	Failed        int     `json:"failed"`
	Deaths        int     `json:"deaths"`
	AvgDurationMS float64 `json:"avg_duration_ms"`
}

// Journal is a SQLite completion journal.
type Journal struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens the database at dbPath (":memory:" for a private in-memory
// journal) and runs migrations.
func Open(dbPath string) (*Journal, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// every connection would get its own empty database
		db.SetMaxOpenConns(1)
	}

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		createCompletionsTable,
		createCompletedAtIndex,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init journal: %w", err)
		}
	}

	return &Journal{db: db, now: time.Now}, nil
}

// Close closes the underlying database connection.
func (j *Journal) Close() error {
	return j.db.Close()
}

// EntryFrom turns a pool completion into a journal row.
func EntryFrom(c pool.Completion, at time.Time) Entry {
	e := Entry{
		ID:          ulid.Make().String(),
		TaskID:      c.TaskID,
		ContextID:   c.ContextID,
		MessageType: string(c.Message.Type),
		MessageName: c.Message.Name,
		Outcome:     OutcomeSuccess,
		DurationMS:  c.Duration.Milliseconds(),
		CompletedAt: at.UTC(),
	}
	if c.Err != nil {
		e.Outcome = OutcomeFailure
		if errors.Is(c.Err, pool.ErrContextDied) {
			e.Outcome = OutcomeDeath
		}
		e.Error = c.Err.Error()
	}
	return e
}

// Record appends a completion.
func (j *Journal) Record(ctx context.Context, c pool.Completion) (Entry, error) {
	e := EntryFrom(c, j.now())
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO completions (
			id, task_id, context_id, message_type, message_name,
			outcome, error, duration_ms, completed_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.TaskID, e.ContextID, e.MessageType, e.MessageName,
		e.Outcome, nullString(e.Error), e.DurationMS, e.CompletedAt,
	)
	if err != nil {
		return Entry{}, fmt.Errorf("insert completion: %w", err)
	}
	return e, nil
}

// Recent returns the latest entries, newest first.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, task_id, context_id, message_type, message_name,
			outcome, error, duration_ms, completed_at
		FROM completions ORDER BY id DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("list completions: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e       Entry
			errText sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.TaskID, &e.ContextID, &e.MessageType, &e.MessageName,
			&e.Outcome, &errText, &e.DurationMS, &e.CompletedAt); err != nil {
			return nil, fmt.Errorf("scan completion: %w", err)
		}
		e.Error = errText.String
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate completions: %w", err)
	}
	return out, nil
}

// Stats aggregates outcomes and durations.
func (j *Journal) Stats(ctx context.Context) (Stats, error) {
	var (
		s   Stats
		avg sql.NullFloat64
	)
	err := j.db.QueryRowContext(ctx,
		`SELECT COUNT(*),
			COALESCE(SUM(outcome = ?), 0),
			COALESCE(SUM(outcome = ?), 0),
			COALESCE(SUM(outcome = ?), 0),
			AVG(duration_ms)
		FROM completions`, OutcomeSuccess, OutcomeFailure, OutcomeDeath,
	).Scan(&s.Total, &s.Succeeded, &s.Failed, &s.Deaths, &avg)
	if err != nil {
		return Stats{}, fmt.Errorf("journal stats: %w", err)
	}
	s.AvgDurationMS = avg.Float64
	return s, nil
}

// Prune deletes entries completed before cutoff and reports how many went.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := j.db.ExecContext(ctx, `DELETE FROM completions WHERE completed_at < ?`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune completions: %w", err)
	}
	return res.RowsAffected()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
