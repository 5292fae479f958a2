// Package postgres keeps a queryable history of bulk runs.
package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"github.com/WizardOfCommits/wp-meta-updater/internal/domain"
)

type RunLogStore struct {
	db *sqlx.DB
}

func NewRunLogStore(db *sqlx.DB) *RunLogStore {
	return &RunLogStore{db: db}
}

type runRow struct {
	RunID      string        `db:"run_id"`
	RunType    string        `db:"run_type"`
	Method     string        `db:"method"`
	Total      int           `db:"total"`
	Success    int           `db:"success"`
	Failed     int           `db:"failed"`
	Retries    int           `db:"retries"`
	FailedIDs  pq.Int64Array `db:"failed_ids"`
	Errors     []byte        `db:"errors"`
	DurationMS int64         `db:"duration_ms"`
	CreatedAt  time.Time     `db:"created_at"`
}

func (s *RunLogStore) Save(ctx context.Context, entry domain.RunLog) error {
	errs := entry.Errors
	if errs == nil {
		errs = []domain.FailedItem{}
	}
	errorsJSON, err := json.Marshal(errs)
	if err != nil {
		return fmt.Errorf("marshal run errors: %w", err)
	}

	failedIDs := make([]int64, 0, len(errs))
	for _, e := range errs {
		if e.ID != 0 {
			failedIDs = append(failedIDs, e.ID)
		}
	}

	query := `
		INSERT INTO update_runs (
			run_id, run_type, method, total, success, failed, retries,
			failed_ids, errors, duration_ms, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (run_id) DO NOTHING`

	_, err = s.db.ExecContext(ctx, query,
		entry.RunID,
		entry.Type,
		string(entry.Method),
		entry.Stats.Total,
		entry.Stats.Success,
		entry.Stats.Failed,
		entry.Stats.Retries,
		pq.Array(failedIDs),
		string(errorsJSON),
		entry.Duration.Milliseconds(),
		entry.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert update run: %w", err)
	}
	return nil
}

// Recent returns the latest runs, newest first.
func (s *RunLogStore) Recent(ctx context.Context, limit int) ([]domain.RunLog, error) {
	query := `
		SELECT run_id, run_type, method, total, success, failed, retries,
			failed_ids, errors, duration_ms, created_at
		FROM update_runs
		ORDER BY created_at DESC
		LIMIT $1`

	var rows []runRow
	if err := s.db.SelectContext(ctx, &rows, query, limit); err != nil {
		return nil, fmt.Errorf("select update runs: %w", err)
	}

	logs := make([]domain.RunLog, 0, len(rows))
	for _, r := range rows {
		var errs []domain.FailedItem
		if err := json.Unmarshal(r.Errors, &errs); err != nil {
			return nil, fmt.Errorf("decode errors of run %s: %w", r.RunID, err)
		}
		logs = append(logs, domain.RunLog{
			RunID:     r.RunID,
			Timestamp: r.CreatedAt,
			Type:      r.RunType,
			Method:    domain.Method(r.Method),
			Stats: domain.UpdateStats{
				Total:   r.Total,
				Success: r.Success,
				Failed:  r.Failed,
				Errors:  errs,
				Retries: r.Retries,
			},
			Errors:   errs,
			Duration: time.Duration(r.DurationMS) * time.Millisecond,
		})
	}
	return logs, nil
}

// FailedRecordCounts returns how often each record failed in the last runs.
func (s *RunLogStore) FailedRecordCounts(ctx context.Context, since time.Time) (map[int64]int, error) {
	query := `
		SELECT id, COUNT(*) AS failures
		FROM update_runs, unnest(failed_ids) AS id
		WHERE created_at >= $1
		GROUP BY id`

	var rows []struct {
		ID       int64 `db:"id"`
		Failures int   `db:"failures"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, since); err != nil {
		return nil, fmt.Errorf("count failed records: %w", err)
	}

	counts := make(map[int64]int, len(rows))
	for _, r := range rows {
		counts[r.ID] = r.Failures
	}
	return counts, nil
}
