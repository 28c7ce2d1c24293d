// Package store is the Job Store Gateway: typed reads and conditional writes
// against the job table. It owns no business logic beyond the CAS contract —
// everything about what a status transition *means* lives in the controller.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/ChuLiYu/raft-recovery/pkg/types"
)

// Config describes how to reach the job table's backing database.
type Config struct {
	DSN             string
	Table           string // job table name, default "search_jobs"
	MaxOpenConns    int
	ConnMaxLifetime time.Duration
}

func (c Config) table() string {
	if c.Table == "" {
		return "search_jobs"
	}
	return c.Table
}

// Store is the Job Store Gateway. Per §4.1/§9, the pending and updates loops
// each need their own connection so neither serializes behind the other's
// cursor; Store therefore opens two independent *sql.DB handles sharing the
// same DSN rather than a single pooled handle.
type Store struct {
	fetcher *sql.DB
	updater *sql.DB
	table   string
}

// Open connects the fetcher and updater handles. Both use the pgx stdlib
// driver, following this codebase's established way of reaching Postgres
// through database/sql rather than a native pgx pool.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	fetcher, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open fetcher connection: %w", err)
	}
	updater, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		fetcher.Close()
		return nil, fmt.Errorf("open updater connection: %w", err)
	}

	for _, db := range []*sql.DB{fetcher, updater} {
		if cfg.MaxOpenConns > 0 {
			db.SetMaxOpenConns(cfg.MaxOpenConns)
		}
		if cfg.ConnMaxLifetime > 0 {
			db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
		}
	}

	if err := fetcher.PingContext(ctx); err != nil {
		fetcher.Close()
		updater.Close()
		return nil, fmt.Errorf("ping fetcher connection: %w", err)
	}
	if err := updater.PingContext(ctx); err != nil {
		fetcher.Close()
		updater.Close()
		return nil, fmt.Errorf("ping updater connection: %w", err)
	}

	return &Store{fetcher: fetcher, updater: updater, table: cfg.table()}, nil
}

// Close closes both connections.
func (s *Store) Close() error {
	err1 := s.fetcher.Close()
	err2 := s.updater.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

// FetcherDB exposes the fetcher handle for the Archive Resolver, which reads
// from the (separate) archives table on the same pending-loop connection.
func (s *Store) FetcherDB() *sql.DB { return s.fetcher }

// FetchPending returns every row with status = PENDING, using the fetcher
// connection.
func (s *Store) FetchPending(ctx context.Context) ([]types.JobRow, error) {
	query := fmt.Sprintf(`SELECT id, status, submission_time, search_config FROM %s WHERE status = $1`, s.table)
	rows, err := s.fetcher.QueryContext(ctx, query, int(types.StatusPending))
	if err != nil {
		return nil, fmt.Errorf("fetch pending: %w", err)
	}
	defer rows.Close()
	return scanJobRows(rows)
}

// FetchCancelling returns every job id with status = CANCELLING, using the
// updater connection (the updates loop owns this read).
func (s *Store) FetchCancelling(ctx context.Context) ([]types.JobID, error) {
	query := fmt.Sprintf(`SELECT id FROM %s WHERE status = $1`, s.table)
	rows, err := s.updater.QueryContext(ctx, query, int(types.StatusCancelling))
	if err != nil {
		return nil, fmt.Errorf("fetch cancelling: %w", err)
	}
	defer rows.Close()

	var ids []types.JobID
	for rows.Next() {
		var id types.JobID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan cancelling id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func scanJobRows(rows *sql.Rows) ([]types.JobRow, error) {
	var out []types.JobRow
	for rows.Next() {
		var row types.JobRow
		var status int
		if err := rows.Scan(&row.ID, &status, &row.SubmissionTime, &row.SearchConfig); err != nil {
			return nil, fmt.Errorf("scan job row: %w", err)
		}
		row.Status = types.JobStatus(status)
		out = append(out, row)
	}
	return out, rows.Err()
}

// SetStatus executes a conditional UPDATE against the updater connection:
// when prev is non-nil, the statement matches "id = $1 AND status = $2" so a
// row already moved by another actor is left untouched. extraDiagnostic, if
// non-empty, is recorded in a diagnostic column alongside the status change —
// used for the config-decode-failure policy decided in SPEC_FULL.md §9.
//
// Per the spec's own open question, the cancellation reaper only ever CASes
// with prev=CANCELLING: an operator who writes CANCELLED directly bypasses
// the reaper and must do so knowingly, not because this gateway silently
// widened the guard to accept either.
func (s *Store) SetStatus(ctx context.Context, id types.JobID, newStatus types.JobStatus, prev *types.JobStatus, extraDiagnostic string) (bool, error) {
	var query string
	var args []interface{}
	if prev != nil {
		query = fmt.Sprintf(`UPDATE %s SET status = $1, diagnostic = $2 WHERE id = $3 AND status = $4`, s.table)
		args = []interface{}{int(newStatus), extraDiagnostic, id, int(*prev)}
	} else {
		query = fmt.Sprintf(`UPDATE %s SET status = $1, diagnostic = $2 WHERE id = $3`, s.table)
		args = []interface{}{int(newStatus), extraDiagnostic, id}
	}

	res, err := s.updater.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("set status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("set status rows affected: %w", err)
	}
	return n == 1, nil
}

// InsertPending inserts a new PENDING job row with the given search_config
// blob, returning its assigned id. This is the backing operation for the
// CLI's "enqueue" convenience command (§12 supplemented feature); the
// original scheduler never writes jobs itself — a separate submission API
// does — but that API is out of scope and absent from the retrieved pack.
func (s *Store) InsertPending(ctx context.Context, searchConfig []byte) (types.JobID, error) {
	if len(searchConfig) > 60000 {
		return 0, fmt.Errorf("search_config too large: %d bytes (max 60000)", len(searchConfig))
	}
	query := fmt.Sprintf(`INSERT INTO %s (status, submission_time, search_config) VALUES ($1, $2, $3) RETURNING id`, s.table)
	var id types.JobID
	err := s.fetcher.QueryRowContext(ctx, query, int(types.StatusPending), time.Now(), searchConfig).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("insert pending job: %w", err)
	}
	return id, nil
}
