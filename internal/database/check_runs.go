// internal/database/check_runs.go
package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github-pr-tracker/internal/model"
)

const checkRunColumns = `id, pr_id, external_id, name, check_suite_id, status, conclusion, details_url, html_url, output_title, output_summary, output_text, started_at, completed_at, metadata, created_at, updated_at`

const createCheckRun = `INSERT INTO check_runs (` + checkRunColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
ON CONFLICT (external_id) DO NOTHING`

const getCheckRunByID = `SELECT ` + checkRunColumns + ` FROM check_runs WHERE id = $1`

const getCheckRunByExternalID = `SELECT ` + checkRunColumns + ` FROM check_runs WHERE external_id = $1`

const listCheckRunsByPullRequest = `SELECT ` + checkRunColumns + `
FROM check_runs
WHERE pr_id = $1
ORDER BY name, external_id`

const updateCheckRun = `UPDATE check_runs
SET started_at = $2, completed_at = $3, updated_at = $4
WHERE id = $1
RETURNING ` + checkRunColumns

const updateCheckRunStatus = `UPDATE check_runs
SET status = $2,
    conclusion = $3,
    metadata = metadata || $4::jsonb,
    started_at = CASE WHEN $5::bool THEN $6::timestamptz ELSE started_at END,
    completed_at = CASE WHEN $5::bool THEN $7::timestamptz ELSE completed_at END,
    updated_at = $8
WHERE id = $1
RETURNING ` + checkRunColumns

func scanCheckRun(row pgx.Row) (model.CheckRun, error) {
	var c model.CheckRun
	err := row.Scan(
		&c.ID,
		&c.PRID,
		&c.ExternalID,
		&c.Name,
		&c.CheckSuiteID,
		&c.Status,
		&c.Conclusion,
		&c.DetailsURL,
		&c.HTMLURL,
		&c.OutputTitle,
		&c.OutputSummary,
		&c.OutputText,
		&c.StartedAt,
		&c.CompletedAt,
		&c.Metadata,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	return c, err
}

// CreateCheckRuns inserts all rows in one batch, skipping rows whose external_id
// already exists. It returns how many rows were actually inserted.
func (q *Queries) CreateCheckRuns(ctx context.Context, runs []model.CheckRun) (int64, error) {
	if len(runs) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, c := range runs {
		batch.Queue(createCheckRun,
			c.ID,
			c.PRID,
			c.ExternalID,
			c.Name,
			c.CheckSuiteID,
			c.Status,
			c.Conclusion,
			c.DetailsURL,
			c.HTMLURL,
			c.OutputTitle,
			c.OutputSummary,
			c.OutputText,
			c.StartedAt,
			c.CompletedAt,
			jsonb(c.Metadata),
			c.CreatedAt,
			c.UpdatedAt,
		)
	}

	br := q.db.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()

	var inserted int64
	for _, c := range runs {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert check run %d: %w", c.ExternalID, err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

func (q *Queries) GetCheckRunByID(ctx context.Context, id uuid.UUID) (model.CheckRun, error) {
	return scanCheckRun(q.db.QueryRow(ctx, getCheckRunByID, id))
}

func (q *Queries) GetCheckRunByExternalID(ctx context.Context, externalID int64) (model.CheckRun, error) {
	return scanCheckRun(q.db.QueryRow(ctx, getCheckRunByExternalID, externalID))
}

func (q *Queries) ListCheckRunsByPullRequest(ctx context.Context, prID uuid.UUID) ([]model.CheckRun, error) {
	rows, err := q.db.Query(ctx, listCheckRunsByPullRequest, prID)
	if err != nil {
		return nil, fmt.Errorf("list check runs: %w", err)
	}
	defer rows.Close()

	runs := make([]model.CheckRun, 0)
	for rows.Next() {
		c, err := scanCheckRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan check run: %w", err)
		}
		runs = append(runs, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate check runs: %w", err)
	}
	return runs, nil
}

func (q *Queries) UpdateCheckRun(ctx context.Context, arg UpdateCheckRunParams) (model.CheckRun, error) {
	c, err := scanCheckRun(q.db.QueryRow(ctx, updateCheckRun, arg.ID, arg.StartedAt, arg.CompletedAt, arg.UpdatedAt))
	if err != nil {
		return model.CheckRun{}, fmt.Errorf("update check run %s: %w", arg.ID, err)
	}
	return c, nil
}

func (q *Queries) UpdateCheckRunStatus(ctx context.Context, arg UpdateCheckRunStatusParams) (model.CheckRun, error) {
	c, err := scanCheckRun(q.db.QueryRow(ctx, updateCheckRunStatus,
		arg.ID,
		arg.Status,
		arg.Conclusion,
		jsonb(arg.Metadata),
		arg.SetTiming,
		arg.StartedAt,
		arg.CompletedAt,
		arg.UpdatedAt,
	))
	if err != nil {
		return model.CheckRun{}, fmt.Errorf("update check run status %s: %w", arg.ID, err)
	}
	return c, nil
}
