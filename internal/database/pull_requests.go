// internal/database/pull_requests.go
package database

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github-pr-tracker/internal/model"
)

const pullRequestColumns = `id, repository_id, number, title, author, state, draft, head_ref, base_ref, head_sha, base_sha, url, body, metadata, github_created_at, github_updated_at, closed_at, merged_at, created_at, updated_at`

// pullRequestColumns qualified with the alias p, for statements that join the table.
const qualifiedPullRequestColumns = `p.id, p.repository_id, p.number, p.title, p.author, p.state, p.draft, p.head_ref, p.base_ref, p.head_sha, p.base_sha, p.url, p.body, p.metadata, p.github_created_at, p.github_updated_at, p.closed_at, p.merged_at, p.created_at, p.updated_at`

// The uniqueness key (repository_id, number) makes redelivery of the same PR a no-op.
const createPullRequest = `INSERT INTO pull_requests (` + pullRequestColumns + `)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20)
ON CONFLICT (repository_id, number) DO NOTHING`

const getPullRequestByID = `SELECT ` + pullRequestColumns + ` FROM pull_requests WHERE id = $1`

const getPullRequestByRepoAndNumber = `SELECT ` + pullRequestColumns + `
FROM pull_requests
WHERE repository_id = $1 AND number = $2`

const listPullRequestsByRepo = `SELECT ` + pullRequestColumns + `
FROM pull_requests
WHERE repository_id = $1
ORDER BY number DESC`

// The history insert reads prev, which still holds the pre-update state.
const updatePullRequestState = `WITH prev AS (
    SELECT id, state FROM pull_requests WHERE id = $1 FOR UPDATE
), updated AS (
    UPDATE pull_requests p
    SET state = $2::text,
        updated_at = $6::timestamptz,
        closed_at = CASE WHEN $2::text = 'OPENED' THEN NULL ELSE COALESCE(p.closed_at, $6::timestamptz) END,
        merged_at = CASE WHEN $2::text = 'MERGED' THEN COALESCE(p.merged_at, $6::timestamptz) ELSE p.merged_at END
    FROM prev
    WHERE p.id = prev.id
    RETURNING ` + qualifiedPullRequestColumns + `
), history AS (
    INSERT INTO pr_state_history (pr_id, old_state, new_state, trigger_event, triggered_by, metadata, created_at)
    SELECT prev.id, prev.state, $2::text, $3, $4, $5, $6::timestamptz FROM prev
)
SELECT ` + pullRequestColumns + ` FROM updated`

func scanPullRequest(row pgx.Row) (model.PullRequest, error) {
	var pr model.PullRequest
	err := row.Scan(
		&pr.ID,
		&pr.RepositoryID,
		&pr.Number,
		&pr.Title,
		&pr.Author,
		&pr.State,
		&pr.Draft,
		&pr.HeadRef,
		&pr.BaseRef,
		&pr.HeadSHA,
		&pr.BaseSHA,
		&pr.URL,
		&pr.Body,
		&pr.Metadata,
		&pr.GithubCreatedAt,
		&pr.GithubUpdatedAt,
		&pr.ClosedAt,
		&pr.MergedAt,
		&pr.CreatedAt,
		&pr.UpdatedAt,
	)
	return pr, err
}

// CreatePullRequests inserts all rows in one batch, skipping rows that collide on
// (repository_id, number). It returns how many rows were actually inserted.
func (q *Queries) CreatePullRequests(ctx context.Context, prs []model.PullRequest) (int64, error) {
	if len(prs) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, pr := range prs {
		batch.Queue(createPullRequest,
			pr.ID,
			pr.RepositoryID,
			pr.Number,
			pr.Title,
			pr.Author,
			pr.State,
			pr.Draft,
			pr.HeadRef,
			pr.BaseRef,
			pr.HeadSHA,
			pr.BaseSHA,
			pr.URL,
			pr.Body,
			jsonb(pr.Metadata),
			pr.GithubCreatedAt,
			pr.GithubUpdatedAt,
			pr.ClosedAt,
			pr.MergedAt,
			pr.CreatedAt,
			pr.UpdatedAt,
		)
	}

	br := q.db.SendBatch(ctx, batch)
	defer func() { _ = br.Close() }()

	var inserted int64
	for _, pr := range prs {
		tag, err := br.Exec()
		if err != nil {
			return inserted, fmt.Errorf("insert pull request #%d: %w", pr.Number, err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

func (q *Queries) GetPullRequestByID(ctx context.Context, id uuid.UUID) (model.PullRequest, error) {
	return scanPullRequest(q.db.QueryRow(ctx, getPullRequestByID, id))
}

func (q *Queries) GetPullRequestByRepoAndNumber(ctx context.Context, arg GetPullRequestByRepoAndNumberParams) (model.PullRequest, error) {
	return scanPullRequest(q.db.QueryRow(ctx, getPullRequestByRepoAndNumber, arg.RepositoryID, arg.Number))
}

func (q *Queries) ListPullRequestsByRepo(ctx context.Context, repositoryID int64) ([]model.PullRequest, error) {
	rows, err := q.db.Query(ctx, listPullRequestsByRepo, repositoryID)
	if err != nil {
		return nil, fmt.Errorf("list pull requests: %w", err)
	}
	defer rows.Close()

	prs := make([]model.PullRequest, 0)
	for rows.Next() {
		pr, err := scanPullRequest(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pull request: %w", err)
		}
		prs = append(prs, pr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate pull requests: %w", err)
	}
	return prs, nil
}

// UpdatePullRequest writes only the non-nil fields of arg plus updated_at.
func (q *Queries) UpdatePullRequest(ctx context.Context, arg UpdatePullRequestParams) (model.PullRequest, error) {
	set := newSetBuilder()
	if arg.Title != nil {
		set.add("title", *arg.Title)
	}
	if arg.Draft != nil {
		set.add("draft", *arg.Draft)
	}
	if arg.HeadSHA != nil {
		set.add("head_sha", *arg.HeadSHA)
	}
	if arg.BaseSHA != nil {
		set.add("base_sha", *arg.BaseSHA)
	}
	if arg.Metadata != nil {
		set.add("metadata", arg.Metadata)
	}
	set.add("updated_at", arg.UpdatedAt)

	query, args := set.build("pull_requests", arg.ID, pullRequestColumns)
	pr, err := scanPullRequest(q.db.QueryRow(ctx, query, args...))
	if err != nil {
		return model.PullRequest{}, fmt.Errorf("update pull request %s: %w", arg.ID, err)
	}
	return pr, nil
}

// UpdatePullRequestState changes the state and appends one pr_state_history row in a single statement.
func (q *Queries) UpdatePullRequestState(ctx context.Context, arg UpdatePullRequestStateParams) (model.PullRequest, error) {
	pr, err := scanPullRequest(q.db.QueryRow(ctx, updatePullRequestState,
		arg.ID,
		arg.State,
		arg.TriggerEvent,
		arg.TriggeredBy,
		jsonb(arg.Metadata),
		arg.At,
	))
	if err != nil {
		return model.PullRequest{}, fmt.Errorf("update pull request state %s: %w", arg.ID, err)
	}
	return pr, nil
}
