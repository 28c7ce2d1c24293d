// Package archive resolves a decoded search config into the ordered set of
// archive ids a job must scan.
package archive

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ChuLiYu/raft-recovery/pkg/types"
)

// Resolver queries the read-only archives table reachable from the pending
// loop's connection.
type Resolver struct {
	db    *sql.DB
	table string // archive table name, default "archives"
}

// New builds a Resolver sharing db with whatever owns it — in production
// this is the Job Store Gateway's fetcher connection, since the pending loop
// is the only caller and must not acquire a second connection just to read
// archives.
func New(db *sql.DB, table string) *Resolver {
	if table == "" {
		table = "archives"
	}
	return &Resolver{db: db, table: table}
}

// Resolve returns archive ids ordered by end_timestamp descending (newest
// first), filtered per SPEC_FULL.md §4.2: an archive [begin, end] is
// selected when (begin_timestamp absent or end >= begin_timestamp) AND
// (end_timestamp absent or begin <= end_timestamp). An empty result is
// valid — it is not an error, and signals the caller to CAS straight to
// SUCCEEDED.
func (r *Resolver) Resolve(ctx context.Context, cfg *types.SearchConfig) ([]string, error) {
	query := fmt.Sprintf(
		`SELECT id FROM %s WHERE ($1::bigint IS NULL OR end_timestamp >= $1) AND ($2::bigint IS NULL OR begin_timestamp <= $2) ORDER BY end_timestamp DESC`,
		r.table,
	)

	var begin, end *int64
	if cfg != nil {
		begin = cfg.BeginTimestamp
		end = cfg.EndTimestamp
	}

	rows, err := r.db.QueryContext(ctx, query, begin, end)
	if err != nil {
		return nil, fmt.Errorf("resolve archives: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan archive id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
