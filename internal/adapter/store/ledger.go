package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"toolrun/internal/domain"
)

// timeLayout is fixed width so timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteTaskLedger implements domain.TaskLedger using SQLite.
type SQLiteTaskLedger struct {
	db        *sql.DB
	sessionID string
}

// NewSQLiteTaskLedger opens (or creates) the ledger database at dbPath and
// runs the schema migration. Records written through it carry sessionID
// unless the record names its own.
func NewSQLiteTaskLedger(dbPath, sessionID string) (*SQLiteTaskLedger, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open task ledger: %w", err)
	}
	// WAL mode so readers do not block the process manager's writes.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate task ledger: %w", err)
	}
	return &SQLiteTaskLedger{db: db, sessionID: sessionID}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS tasks (
			id          TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL,
			command     TEXT NOT NULL,
			cwd         TEXT NOT NULL DEFAULT '',
			status      TEXT NOT NULL,
			exit_code   INTEGER,
			output_file TEXT NOT NULL DEFAULT '',
			started_at  TEXT NOT NULL,
			ended_at    TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id, started_at);
	`)
	return err
}

// Close closes the underlying database connection.
func (l *SQLiteTaskLedger) Close() error {
	return l.db.Close()
}

// RecordStart inserts a running task. Re-recording an id replaces the row.
func (l *SQLiteTaskLedger) RecordStart(rec domain.TaskRecord) error {
	if rec.SessionID == "" {
		rec.SessionID = l.sessionID
	}
	if rec.Status == "" {
		rec.Status = domain.ProcessStatusRunning
	}
	_, err := l.db.Exec(
		`INSERT OR REPLACE INTO tasks (id, session_id, command, cwd, status, exit_code, output_file, started_at, ended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)`,
		rec.ID, rec.SessionID, rec.Command, rec.Cwd, string(rec.Status), nullInt(rec.ExitCode),
		rec.OutputFile, rec.StartedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return domain.NewDomainError("SQLiteTaskLedger.RecordStart", domain.ErrLedgerWrite, err.Error())
	}
	return nil
}

// RecordEnd marks a task terminal.
func (l *SQLiteTaskLedger) RecordEnd(id string, status domain.ProcessStatus, exitCode *int, endedAt time.Time) error {
	res, err := l.db.Exec(
		"UPDATE tasks SET status = ?, exit_code = ?, ended_at = ? WHERE id = ?",
		string(status), nullInt(exitCode), endedAt.UTC().Format(timeLayout), id,
	)
	if err != nil {
		return domain.NewDomainError("SQLiteTaskLedger.RecordEnd", domain.ErrLedgerWrite, err.Error())
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return domain.NewSubSystemError("process", "SQLiteTaskLedger.RecordEnd", domain.ErrNotFound, id)
	}
	return nil
}

// Get returns one task record.
func (l *SQLiteTaskLedger) Get(_ context.Context, id string) (*domain.TaskRecord, error) {
	row := l.db.QueryRow(
		"SELECT id, session_id, command, cwd, status, exit_code, output_file, started_at, ended_at FROM tasks WHERE id = ?", id,
	)
	rec, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.NewSubSystemError("process", "SQLiteTaskLedger.Get", domain.ErrNotFound, id)
	}
	return rec, err
}

// List returns the tasks of a session in start order. An empty sessionID
// lists every session.
func (l *SQLiteTaskLedger) List(_ context.Context, sessionID string) ([]domain.TaskRecord, error) {
	query := "SELECT id, session_id, command, cwd, status, exit_code, output_file, started_at, ended_at FROM tasks"
	var args []any
	if sessionID != "" {
		query += " WHERE session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY started_at, id"

	rows, err := l.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TaskRecord
	for rows.Next() {
		rec, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// MarkOrphaned flips tasks a previous run left as running to failed. It
// returns the number of rows changed.
func (l *SQLiteTaskLedger) MarkOrphaned(_ context.Context, now time.Time) (int64, error) {
	res, err := l.db.Exec(
		"UPDATE tasks SET status = ?, ended_at = ? WHERE status = ? AND session_id != ?",
		string(domain.ProcessStatusFailed), now.UTC().Format(timeLayout),
		string(domain.ProcessStatusRunning), l.sessionID,
	)
	if err != nil {
		return 0, domain.NewDomainError("SQLiteTaskLedger.MarkOrphaned", domain.ErrLedgerWrite, err.Error())
	}
	return res.RowsAffected()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (*domain.TaskRecord, error) {
	var rec domain.TaskRecord
	var status, startedStr string
	var exitCode sql.NullInt64
	var endedStr sql.NullString
	if err := s.Scan(&rec.ID, &rec.SessionID, &rec.Command, &rec.Cwd, &status, &exitCode,
		&rec.OutputFile, &startedStr, &endedStr); err != nil {
		return nil, err
	}
	rec.Status = domain.ProcessStatus(status)
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	rec.StartedAt, _ = time.Parse(timeLayout, startedStr)
	if endedStr.Valid {
		if t, err := time.Parse(timeLayout, endedStr.String); err == nil {
			rec.EndedAt = &t
		}
	}
	return &rec, nil
}

func nullInt(v *int) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*v), Valid: true}
}
