package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/dvloznov/finance-ledger/internal/domain"
	"github.com/dvloznov/finance-ledger/internal/store"
	"github.com/lib/pq"
)

const syncSelect = `
	SELECT id, syncable_type, syncable_id, parent_id, status, window_start, window_end,
	       pending_at, syncing_at, completed_at, failed_at, error, error_backtrace, warnings
	FROM syncs`

func scanSync(row interface{ Scan(...any) error }) (*domain.Sync, error) {
	var (
		sy                       domain.Sync
		windowStart, windowEnd   sql.NullTime
		syncing, completed, fail sql.NullTime
		warnings                 []string
	)
	err := row.Scan(&sy.ID, &sy.SyncableType, &sy.SyncableID, &sy.ParentID, &sy.Status,
		&windowStart, &windowEnd, &sy.PendingAt, &syncing, &completed, &fail,
		&sy.Error, &sy.ErrorBacktrace, pq.Array(&warnings))
	if err != nil {
		return nil, err
	}
	sy.WindowStart, sy.WindowEnd = datePtr(windowStart), datePtr(windowEnd)
	sy.SyncingAt, sy.CompletedAt, sy.FailedAt = timePtr(syncing), timePtr(completed), timePtr(fail)
	if len(warnings) > 0 {
		sy.Warnings = warnings
	}
	return &sy, nil
}

// SaveSync upserts the sync row. Children are stored as their own rows.
func (s *Store) SaveSync(ctx context.Context, sy *domain.Sync) error {
	if sy.ID == "" {
		return fmt.Errorf("SaveSync: %w", domain.ErrMissingID)
	}
	warnings := sy.Warnings
	if warnings == nil {
		warnings = []string{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO syncs (id, syncable_type, syncable_id, parent_id, status, window_start, window_end,
		                   pending_at, syncing_at, completed_at, failed_at, error, error_backtrace, warnings)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			window_start = EXCLUDED.window_start,
			window_end = EXCLUDED.window_end,
			syncing_at = EXCLUDED.syncing_at,
			completed_at = EXCLUDED.completed_at,
			failed_at = EXCLUDED.failed_at,
			error = EXCLUDED.error,
			error_backtrace = EXCLUDED.error_backtrace,
			warnings = EXCLUDED.warnings
	`, sy.ID, string(sy.SyncableType), sy.SyncableID, sy.ParentID, string(sy.Status),
		nullDate(sy.WindowStart), nullDate(sy.WindowEnd),
		sy.PendingAt, nullTime(sy.SyncingAt), nullTime(sy.CompletedAt), nullTime(sy.FailedAt),
		sy.Error, sy.ErrorBacktrace, pq.Array(warnings))
	if err != nil {
		return fmt.Errorf("SaveSync %s: %w", sy.ID, mapError(err))
	}
	return nil
}

func (s *Store) GetSync(ctx context.Context, id string) (*domain.Sync, error) {
	sy, err := scanSync(s.db.QueryRowContext(ctx, syncSelect+` WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("GetSync %s: %w", id, mapError(err))
	}
	return sy, nil
}

// ListSyncs returns matching syncs in reverse insertion order.
func (s *Store) ListSyncs(ctx context.Context, filter store.SyncFilter) ([]*domain.Sync, error) {
	var (
		where []string
		args  []any
	)
	add := func(column, value string) {
		if value == "" {
			return
		}
		args = append(args, value)
		where = append(where, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	add("syncable_type", string(filter.SyncableType))
	add("syncable_id", filter.SyncableID)
	add("parent_id", filter.ParentID)
	add("status", string(filter.Status))

	query := syncSelect
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("ListSyncs: %w", err)
	}
	defer rows.Close()

	result := []*domain.Sync{}
	for rows.Next() {
		sy, err := scanSync(rows)
		if err != nil {
			return nil, fmt.Errorf("ListSyncs: scan: %w", err)
		}
		result = append(result, sy)
	}
	return result, rows.Err()
}
