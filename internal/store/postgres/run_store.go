package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/dayauction/internal/domain"
)

// RunStore implements domain.RunStore using PostgreSQL.
type RunStore struct {
	pool *pgxpool.Pool
}

// NewRunStore creates a new RunStore backed by the given connection pool.
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

// Save upserts a run report. The full report is kept as JSONB.
func (s *RunStore) Save(ctx context.Context, r domain.RunReport) error {
	raw, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("postgres: marshal run %s: %w", r.RunID, err)
	}
	const query = `
		INSERT INTO coordinator_runs (run_id, day_index, phase, outcome, started_at, finished_at, report)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (run_id) DO UPDATE SET
			phase = EXCLUDED.phase,
			outcome = EXCLUDED.outcome,
			finished_at = EXCLUDED.finished_at,
			report = EXCLUDED.report`
	if _, err := s.pool.Exec(ctx, query,
		r.RunID, r.DayIndex, string(r.Phase), string(r.Outcome), r.StartedAt, r.FinishedAt, raw,
	); err != nil {
		return fmt.Errorf("postgres: save run %s: %w", r.RunID, err)
	}
	return nil
}

// ListByDay returns the runs of dayIndex, newest first.
func (s *RunStore) ListByDay(ctx context.Context, dayIndex int64, opts domain.ListOpts) ([]domain.RunReport, error) {
	query := `SELECT report FROM coordinator_runs WHERE day_index = $1 ORDER BY started_at DESC`
	args := []any{dayIndex}
	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", len(args)+1)
		args = append(args, opts.Limit)
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", len(args)+1)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list runs for day %d: %w", dayIndex, err)
	}
	defer rows.Close()

	var out []domain.RunReport
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("postgres: scan run: %w", err)
		}
		var r domain.RunReport
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("postgres: decode run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

var _ domain.RunStore = (*RunStore)(nil)
