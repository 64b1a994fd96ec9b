/*
Package history persists one row per safe-chain invocation — start time,
ecosystem, child command, audit totals, blocked-package count, and exit
code — so "safe-chain history" can list recent runs. It is additive
tooling in the spirit of the wrapper's end-of-run summary: the same
numbers, kept across invocations instead of only printed once.
*/
package history

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// Run is one recorded invocation.
type Run struct {
	ID                    string
	StartedAt             time.Time
	Ecosystem             string
	ChildCommand          string
	AuditTotal            int64
	AuditSafe             int64
	AuditMalware          int64
	BlockedCount          int
	HasSuppressedVersions bool
	ExitCode              int
}

// Store is a SQLite-backed append-only log of Runs.
type Store struct {
	conn *sqlite.Conn
}

// Open opens or creates the history database at dbPath.
func Open(dbPath string) (*Store, error) {
	conn, err := sqlite.OpenConn(dbPath, sqlite.OpenReadWrite|sqlite.OpenCreate)
	if err != nil {
		return nil, fmt.Errorf("open history db: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.ensureSchema(); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.conn.Close()
}

func (s *Store) ensureSchema() error {
	return sqlitex.ExecuteScript(s.conn, `
		CREATE TABLE IF NOT EXISTS runs (
			id                      TEXT PRIMARY KEY,
			started_at              TEXT NOT NULL,
			ecosystem               TEXT NOT NULL,
			child_command           TEXT NOT NULL,
			audit_total             INTEGER NOT NULL,
			audit_safe              INTEGER NOT NULL,
			audit_malware           INTEGER NOT NULL,
			blocked_count           INTEGER NOT NULL,
			has_suppressed_versions INTEGER NOT NULL,
			exit_code               INTEGER NOT NULL
		);
	`, nil)
}

// Append records a completed run. If run.ID is empty a new UUID is
// assigned and returned via the updated Run value.
func (s *Store) Append(run Run) (Run, error) {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}

	err := sqlitex.Execute(s.conn, `
		INSERT INTO runs (id, started_at, ecosystem, child_command, audit_total, audit_safe, audit_malware, blocked_count, has_suppressed_versions, exit_code)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{
			run.ID,
			run.StartedAt.UTC().Format(time.RFC3339),
			run.Ecosystem,
			run.ChildCommand,
			run.AuditTotal,
			run.AuditSafe,
			run.AuditMalware,
			run.BlockedCount,
			boolToInt(run.HasSuppressedVersions),
			run.ExitCode,
		}},
	)
	if err != nil {
		return Run{}, fmt.Errorf("append run: %w", err)
	}

	return run, nil
}

// Recent returns the most recent n runs, newest first.
func (s *Store) Recent(n int) ([]Run, error) {
	var runs []Run

	err := sqlitex.Execute(s.conn, `
		SELECT id, started_at, ecosystem, child_command, audit_total, audit_safe, audit_malware, blocked_count, has_suppressed_versions, exit_code
		FROM runs ORDER BY started_at DESC LIMIT ?`,
		&sqlitex.ExecOptions{
			Args: []any{n},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				startedAt, err := time.Parse(time.RFC3339, stmt.ColumnText(1))
				if err != nil {
					return fmt.Errorf("parse started_at: %w", err)
				}
				runs = append(runs, Run{
					ID:                    stmt.ColumnText(0),
					StartedAt:             startedAt,
					Ecosystem:             stmt.ColumnText(2),
					ChildCommand:          stmt.ColumnText(3),
					AuditTotal:            stmt.ColumnInt64(4),
					AuditSafe:             stmt.ColumnInt64(5),
					AuditMalware:          stmt.ColumnInt64(6),
					BlockedCount:          stmt.ColumnInt(7),
					HasSuppressedVersions: stmt.ColumnInt(8) != 0,
					ExitCode:              stmt.ColumnInt(9),
				})
				return nil
			},
		},
	)
	if err != nil {
		return nil, fmt.Errorf("list recent runs: %w", err)
	}

	return runs, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
