// internal/database/repositories.go
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github-pr-tracker/internal/model"
)

const repositoryColumns = `id, github_repo_id, owner, name, url, default_branch, last_synced_at, created_at, updated_at`

const getRepositoryByOwnerAndName = `SELECT ` + repositoryColumns + `
FROM repositories
WHERE owner = $1 AND name = $2`

const upsertRepository = `INSERT INTO repositories (github_repo_id, owner, name, url, default_branch)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (owner, name) DO UPDATE
SET github_repo_id = EXCLUDED.github_repo_id,
    url = EXCLUDED.url,
    default_branch = EXCLUDED.default_branch,
    updated_at = NOW()
RETURNING ` + repositoryColumns

const markRepositorySynced = `UPDATE repositories SET last_synced_at = $2, updated_at = NOW() WHERE id = $1`

func scanRepository(row pgx.Row) (model.Repository, error) {
	var r model.Repository
	err := row.Scan(
		&r.ID,
		&r.GithubRepoID,
		&r.Owner,
		&r.Name,
		&r.URL,
		&r.DefaultBranch,
		&r.LastSyncedAt,
		&r.DBCreatedAt,
		&r.DBUpdatedAt,
	)
	return r, err
}

func (q *Queries) GetRepositoryByOwnerAndName(ctx context.Context, arg GetRepositoryByOwnerAndNameParams) (model.Repository, error) {
	return scanRepository(q.db.QueryRow(ctx, getRepositoryByOwnerAndName, arg.Owner, arg.Name))
}

func (q *Queries) UpsertRepository(ctx context.Context, arg UpsertRepositoryParams) (model.Repository, error) {
	repo, err := scanRepository(q.db.QueryRow(ctx, upsertRepository,
		arg.GithubRepoID,
		arg.Owner,
		arg.Name,
		arg.URL,
		arg.DefaultBranch,
	))
	if err != nil {
		return model.Repository{}, fmt.Errorf("upsert repository: %w", err)
	}
	return repo, nil
}

func (q *Queries) MarkRepositorySynced(ctx context.Context, id int64, at time.Time) error {
	tag, err := q.db.Exec(ctx, markRepositorySynced, id, at)
	if err != nil {
		return fmt.Errorf("mark repository synced: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}
