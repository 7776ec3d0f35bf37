package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/alanyoungcy/dayauction/internal/domain"
)

// RunStore implements domain.RunStore in the same database file as the
// ledger.
type RunStore struct {
	db *sql.DB
}

// NewRunStore creates a RunStore over db. The schema is applied by Open.
func NewRunStore(db *sql.DB) *RunStore {
	return &RunStore{db: db}
}

// Save inserts or replaces a run report.
func (s *RunStore) Save(ctx context.Context, r domain.RunReport) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("sqlite: marshal run %s: %w", r.RunID, err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO coordinator_runs (run_id, day_index, outcome, started_at, report)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(run_id) DO UPDATE SET outcome = excluded.outcome, report = excluded.report`,
		r.RunID, r.DayIndex, string(r.Outcome), r.StartedAt.UTC(), string(raw))
	if err != nil {
		return fmt.Errorf("sqlite: save run %s: %w", r.RunID, err)
	}
	return nil
}

// ListByDay returns the runs of dayIndex, newest first.
func (s *RunStore) ListByDay(ctx context.Context, dayIndex int64, opts domain.ListOpts) ([]domain.RunReport, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT report FROM coordinator_runs
		WHERE day_index = ?
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?`, dayIndex, limit, opts.Offset)
	if err != nil {
		return nil, fmt.Errorf("sqlite: list runs: %w", err)
	}
	defer rows.Close()

	var out []domain.RunReport
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("sqlite: scan run: %w", err)
		}
		var r domain.RunReport
		if err := json.Unmarshal([]byte(raw), &r); err != nil {
			return nil, fmt.Errorf("sqlite: decode run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ domain.RunStore = (*RunStore)(nil)
