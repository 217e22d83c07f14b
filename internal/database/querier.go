// internal/database/querier.go
package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github-pr-tracker/internal/model"
)

// DBTX is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type DBTX interface {
	Exec(context.Context, string, ...interface{}) (pgconn.CommandTag, error)
	Query(context.Context, string, ...interface{}) (pgx.Rows, error)
	QueryRow(context.Context, string, ...interface{}) pgx.Row
	SendBatch(context.Context, *pgx.Batch) pgx.BatchResults
}

// Querier is the entity persistence gateway. Lookups that find nothing return pgx.ErrNoRows.
type Querier interface {
	GetRepositoryByOwnerAndName(ctx context.Context, arg GetRepositoryByOwnerAndNameParams) (model.Repository, error)
	UpsertRepository(ctx context.Context, arg UpsertRepositoryParams) (model.Repository, error)
	MarkRepositorySynced(ctx context.Context, id int64, at time.Time) error

	CreatePullRequests(ctx context.Context, prs []model.PullRequest) (int64, error)
	GetPullRequestByID(ctx context.Context, id uuid.UUID) (model.PullRequest, error)
	GetPullRequestByRepoAndNumber(ctx context.Context, arg GetPullRequestByRepoAndNumberParams) (model.PullRequest, error)
	ListPullRequestsByRepo(ctx context.Context, repositoryID int64) ([]model.PullRequest, error)
	UpdatePullRequest(ctx context.Context, arg UpdatePullRequestParams) (model.PullRequest, error)
	UpdatePullRequestState(ctx context.Context, arg UpdatePullRequestStateParams) (model.PullRequest, error)

	CreateCheckRuns(ctx context.Context, runs []model.CheckRun) (int64, error)
	GetCheckRunByID(ctx context.Context, id uuid.UUID) (model.CheckRun, error)
	GetCheckRunByExternalID(ctx context.Context, externalID int64) (model.CheckRun, error)
	ListCheckRunsByPullRequest(ctx context.Context, prID uuid.UUID) ([]model.CheckRun, error)
	UpdateCheckRun(ctx context.Context, arg UpdateCheckRunParams) (model.CheckRun, error)
	UpdateCheckRunStatus(ctx context.Context, arg UpdateCheckRunStatusParams) (model.CheckRun, error)

	CreateStateHistory(ctx context.Context, arg CreateStateHistoryParams) (model.StateHistory, error)
	ListStateHistoryByPullRequest(ctx context.Context, prID uuid.UUID) ([]model.StateHistory, error)
}

// Tx is a Querier bound to an open transaction.
type Tx interface {
	Querier
	// Savepoint runs fn inside a nested transaction. An error from fn rolls back
	// only the work done inside fn and leaves the outer transaction usable.
	Savepoint(ctx context.Context, fn func(Querier) error) error
}

// Queries implements Querier on top of any DBTX.
type Queries struct {
	db DBTX
}

var _ Querier = (*Queries)(nil)

// New returns Queries bound to db.
func New(db DBTX) *Queries {
	return &Queries{db: db}
}

type GetRepositoryByOwnerAndNameParams struct {
	Owner string
	Name  string
}

type UpsertRepositoryParams struct {
	GithubRepoID  int64
	Owner         string
	Name          string
	URL           string
	DefaultBranch string
}

type GetPullRequestByRepoAndNumberParams struct {
	RepositoryID int64
	Number       int
}

// UpdatePullRequestParams is a sparse field set. Nil fields are left untouched;
// UpdatedAt is always written.
type UpdatePullRequestParams struct {
	ID        uuid.UUID
	Title     *string
	Draft     *bool
	HeadSHA   *string
	BaseSHA   *string
	Metadata  map[string]any
	UpdatedAt time.Time
}

// HasFieldChanges reports whether the set holds anything besides the timestamp.
func (p UpdatePullRequestParams) HasFieldChanges() bool {
	return p.Title != nil || p.Draft != nil || p.HeadSHA != nil || p.BaseSHA != nil || p.Metadata != nil
}

// UpdatePullRequestStateParams moves a pull request to State and appends the matching history row.
type UpdatePullRequestStateParams struct {
	ID           uuid.UUID
	State        model.PRState
	TriggerEvent model.TriggerEvent
	TriggeredBy  string
	Metadata     map[string]any
	At           time.Time
}

type UpdateCheckRunParams struct {
	ID          uuid.UUID
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

// UpdateCheckRunStatusParams sets status and conclusion together. Metadata is merged
// into the stored blob. When SetTiming is true the timing columns are overwritten too.
type UpdateCheckRunStatusParams struct {
	ID          uuid.UUID
	Status      model.CheckRunStatus
	Conclusion  *model.CheckConclusion
	Metadata    map[string]any
	SetTiming   bool
	StartedAt   *time.Time
	CompletedAt *time.Time
	UpdatedAt   time.Time
}

type CreateStateHistoryParams struct {
	PRID         uuid.UUID
	OldState     *model.PRState
	NewState     model.PRState
	TriggerEvent model.TriggerEvent
	TriggeredBy  string
	Metadata     map[string]any
	CreatedAt    time.Time
}

// jsonb keeps NOT NULL jsonb columns from receiving a NULL.
func jsonb(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
