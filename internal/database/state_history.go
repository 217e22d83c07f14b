// internal/database/state_history.go
package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github-pr-tracker/internal/model"
)

const stateHistoryColumns = `id, pr_id, old_state, new_state, trigger_event, triggered_by, metadata, created_at`

const createStateHistory = `INSERT INTO pr_state_history (pr_id, old_state, new_state, trigger_event, triggered_by, metadata, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING ` + stateHistoryColumns

const listStateHistoryByPullRequest = `SELECT ` + stateHistoryColumns + `
FROM pr_state_history
WHERE pr_id = $1
ORDER BY created_at, id`

func scanStateHistory(row pgx.Row) (model.StateHistory, error) {
	var h model.StateHistory
	err := row.Scan(
		&h.ID,
		&h.PRID,
		&h.OldState,
		&h.NewState,
		&h.TriggerEvent,
		&h.TriggeredBy,
		&h.Metadata,
		&h.CreatedAt,
	)
	return h, err
}

func (q *Queries) CreateStateHistory(ctx context.Context, arg CreateStateHistoryParams) (model.StateHistory, error) {
	h, err := scanStateHistory(q.db.QueryRow(ctx, createStateHistory,
		arg.PRID,
		arg.OldState,
		arg.NewState,
		arg.TriggerEvent,
		arg.TriggeredBy,
		jsonb(arg.Metadata),
		arg.CreatedAt,
	))
	if err != nil {
		return model.StateHistory{}, fmt.Errorf("insert state history for %s: %w", arg.PRID, err)
	}
	return h, nil
}

func (q *Queries) ListStateHistoryByPullRequest(ctx context.Context, prID uuid.UUID) ([]model.StateHistory, error) {
	rows, err := q.db.Query(ctx, listStateHistoryByPullRequest, prID)
	if err != nil {
		return nil, fmt.Errorf("list state history: %w", err)
	}
	defer rows.Close()

	history := make([]model.StateHistory, 0)
	for rows.Next() {
		h, err := scanStateHistory(rows)
		if err != nil {
			return nil, fmt.Errorf("scan state history: %w", err)
		}
		history = append(history, h)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate state history: %w", err)
	}
	return history, nil
}
