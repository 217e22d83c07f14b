// internal/syncer/memstore_test.go
package syncer

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github-pr-tracker/internal/database"
	"github-pr-tracker/internal/model"
)

// memState is the content of the in-memory database.
type memState struct {
	repos         map[int64]model.Repository
	prs           map[uuid.UUID]model.PullRequest
	runs          map[uuid.UUID]model.CheckRun
	history       []model.StateHistory
	nextRepoID    int64
	nextHistoryID int64
}

func newMemState() *memState {
	return &memState{
		repos: map[int64]model.Repository{},
		prs:   map[uuid.UUID]model.PullRequest{},
		runs:  map[uuid.UUID]model.CheckRun{},
	}
}

func (s *memState) clone() *memState {
	return &memState{
		repos:         maps.Clone(s.repos),
		prs:           maps.Clone(s.prs),
		runs:          maps.Clone(s.runs),
		history:       append([]model.StateHistory(nil), s.history...),
		nextRepoID:    s.nextRepoID,
		nextHistoryID: s.nextHistoryID,
	}
}

// memFailures injects errors into specific operations.
type memFailures struct {
	createPRs       error
	createCheckRuns error
	updatePR        map[uuid.UUID]error
	updatePRState   map[uuid.UUID]error
	updateCheckRun  map[uuid.UUID]error
	panicOnHistory  bool
}

// memStore is a transactional in-memory store. Transactions and savepoints work
// on a copy of the state that is swapped in on success.
type memStore struct {
	mu       sync.Mutex
	state    *memState
	failures memFailures
	txCount  int
}

func newMemStore() *memStore {
	return &memStore{state: newMemState()}
}

func (m *memStore) RunInTransaction(ctx context.Context, fn func(database.Tx) error) (err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.txCount++

	work := m.state.clone()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("transaction aborted by panic: %v", p)
		}
	}()
	if err := fn(&memTx{state: work, failures: &m.failures}); err != nil {
		return err
	}
	*m.state = *work
	return nil
}

// queries exposes the committed state for assertions and seeding. Commits copy
// into the same state value, so a memTx returned here observes later commits.
func (m *memStore) queries() *memTx {
	return &memTx{state: m.state, failures: &memFailures{}}
}

func (m *memStore) pullRequests() []model.PullRequest {
	out := make([]model.PullRequest, 0, len(m.state.prs))
	for _, pr := range m.state.prs {
		out = append(out, pr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}

func (m *memStore) historyFor(prID uuid.UUID) []model.StateHistory {
	h, _ := m.queries().ListStateHistoryByPullRequest(context.Background(), prID)
	return h
}

type memTx struct {
	state    *memState
	failures *memFailures
}

var _ database.Tx = (*memTx)(nil)

func (t *memTx) Savepoint(ctx context.Context, fn func(database.Querier) error) error {
	sp := &memTx{state: t.state.clone(), failures: t.failures}
	if err := fn(sp); err != nil {
		return err
	}
	*t.state = *sp.state
	return nil
}

func (t *memTx) GetRepositoryByOwnerAndName(ctx context.Context, arg database.GetRepositoryByOwnerAndNameParams) (model.Repository, error) {
	for _, r := range t.state.repos {
		if r.Owner == arg.Owner && r.Name == arg.Name {
			return r, nil
		}
	}
	return model.Repository{}, fmt.Errorf("get repository %s/%s: %w", arg.Owner, arg.Name, pgx.ErrNoRows)
}

func (t *memTx) UpsertRepository(ctx context.Context, arg database.UpsertRepositoryParams) (model.Repository, error) {
	for id, r := range t.state.repos {
		if r.GithubRepoID == arg.GithubRepoID {
			r.Owner, r.Name, r.URL, r.DefaultBranch = arg.Owner, arg.Name, arg.URL, arg.DefaultBranch
			t.state.repos[id] = r
			return r, nil
		}
	}
	t.state.nextRepoID++
	r := model.Repository{
		ID:            t.state.nextRepoID,
		GithubRepoID:  arg.GithubRepoID,
		Owner:         arg.Owner,
		Name:          arg.Name,
		URL:           arg.URL,
		DefaultBranch: arg.DefaultBranch,
	}
	t.state.repos[r.ID] = r
	return r, nil
}

func (t *memTx) MarkRepositorySynced(ctx context.Context, id int64, at time.Time) error {
	r, ok := t.state.repos[id]
	if !ok {
		return pgx.ErrNoRows
	}
	r.LastSyncedAt.Time, r.LastSyncedAt.Valid = at, true
	t.state.repos[id] = r
	return nil
}

func (t *memTx) CreatePullRequests(ctx context.Context, prs []model.PullRequest) (int64, error) {
	if t.failures.createPRs != nil {
		return 0, t.failures.createPRs
	}
	var inserted int64
	for _, pr := range prs {
		if _, err := t.GetPullRequestByRepoAndNumber(ctx, database.GetPullRequestByRepoAndNumberParams{
			RepositoryID: pr.RepositoryID,
			Number:       pr.Number,
		}); err == nil {
			continue
		}
		if _, dup := t.state.prs[pr.ID]; dup {
			continue
		}
		t.state.prs[pr.ID] = pr
		inserted++
	}
	return inserted, nil
}

func (t *memTx) GetPullRequestByID(ctx context.Context, id uuid.UUID) (model.PullRequest, error) {
	pr, ok := t.state.prs[id]
	if !ok {
		return model.PullRequest{}, fmt.Errorf("get pull request %s: %w", id, pgx.ErrNoRows)
	}
	return pr, nil
}

func (t *memTx) GetPullRequestByRepoAndNumber(ctx context.Context, arg database.GetPullRequestByRepoAndNumberParams) (model.PullRequest, error) {
	for _, pr := range t.state.prs {
		if pr.RepositoryID == arg.RepositoryID && pr.Number == arg.Number {
			return pr, nil
		}
	}
	return model.PullRequest{}, fmt.Errorf("get pull request #%d: %w", arg.Number, pgx.ErrNoRows)
}

func (t *memTx) ListPullRequestsByRepo(ctx context.Context, repositoryID int64) ([]model.PullRequest, error) {
	var out []model.PullRequest
	for _, pr := range t.state.prs {
		if pr.RepositoryID == repositoryID {
			out = append(out, pr)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number > out[j].Number })
	return out, nil
}

func (t *memTx) UpdatePullRequest(ctx context.Context, arg database.UpdatePullRequestParams) (model.PullRequest, error) {
	if err := t.failures.updatePR[arg.ID]; err != nil {
		return model.PullRequest{}, err
	}
	pr, err := t.GetPullRequestByID(ctx, arg.ID)
	if err != nil {
		return pr, err
	}
	if arg.Title != nil {
		pr.Title = *arg.Title
	}
	if arg.Draft != nil {
		pr.Draft = *arg.Draft
	}
	if arg.HeadSHA != nil {
		pr.HeadSHA = *arg.HeadSHA
	}
	if arg.BaseSHA != nil {
		pr.BaseSHA = *arg.BaseSHA
	}
	if arg.Metadata != nil {
		pr.Metadata = arg.Metadata
	}
	pr.UpdatedAt = arg.UpdatedAt
	t.state.prs[pr.ID] = pr
	return pr, nil
}

func (t *memTx) UpdatePullRequestState(ctx context.Context, arg database.UpdatePullRequestStateParams) (model.PullRequest, error) {
	if err := t.failures.updatePRState[arg.ID]; err != nil {
		return model.PullRequest{}, err
	}
	pr, err := t.GetPullRequestByID(ctx, arg.ID)
	if err != nil {
		return pr, err
	}
	old := pr.State
	pr.State = arg.State
	pr.UpdatedAt = arg.At
	at := arg.At
	switch arg.State {
	case model.PRStateOpened:
		pr.ClosedAt = nil
	case model.PRStateMerged:
		if pr.MergedAt == nil {
			pr.MergedAt = &at
		}
		fallthrough
	default:
		if pr.ClosedAt == nil {
			pr.ClosedAt = &at
		}
	}
	t.state.prs[pr.ID] = pr

	if _, err := t.CreateStateHistory(ctx, database.CreateStateHistoryParams{
		PRID:         pr.ID,
		OldState:     &old,
		NewState:     arg.State,
		TriggerEvent: arg.TriggerEvent,
		TriggeredBy:  arg.TriggeredBy,
		Metadata:     arg.Metadata,
		CreatedAt:    arg.At,
	}); err != nil {
		return model.PullRequest{}, err
	}
	return pr, nil
}

func (t *memTx) CreateCheckRuns(ctx context.Context, runs []model.CheckRun) (int64, error) {
	if t.failures.createCheckRuns != nil {
		return 0, t.failures.createCheckRuns
	}
	var inserted int64
	for _, run := range runs {
		if _, ok := t.state.prs[run.PRID]; !ok {
			return 0, &pgconn.PgError{Code: "23503", Message: "insert or update on table \"check_runs\" violates foreign key constraint"}
		}
		if _, err := t.GetCheckRunByExternalID(ctx, run.ExternalID); err == nil {
			continue
		}
		t.state.runs[run.ID] = run
		inserted++
	}
	return inserted, nil
}

func (t *memTx) GetCheckRunByID(ctx context.Context, id uuid.UUID) (model.CheckRun, error) {
	run, ok := t.state.runs[id]
	if !ok {
		return model.CheckRun{}, fmt.Errorf("get check run %s: %w", id, pgx.ErrNoRows)
	}
	return run, nil
}

func (t *memTx) GetCheckRunByExternalID(ctx context.Context, externalID int64) (model.CheckRun, error) {
	for _, run := range t.state.runs {
		if run.ExternalID == externalID {
			return run, nil
		}
	}
	return model.CheckRun{}, fmt.Errorf("get check run %d: %w", externalID, pgx.ErrNoRows)
}

func (t *memTx) ListCheckRunsByPullRequest(ctx context.Context, prID uuid.UUID) ([]model.CheckRun, error) {
	var out []model.CheckRun
	for _, run := range t.state.runs {
		if run.PRID == prID {
			out = append(out, run)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}

func (t *memTx) UpdateCheckRun(ctx context.Context, arg database.UpdateCheckRunParams) (model.CheckRun, error) {
	if err := t.failures.updateCheckRun[arg.ID]; err != nil {
		return model.CheckRun{}, err
	}
	run, err := t.GetCheckRunByID(ctx, arg.ID)
	if err != nil {
		return run, err
	}
	run.StartedAt = arg.StartedAt
	run.CompletedAt = arg.CompletedAt
	run.UpdatedAt = arg.UpdatedAt
	t.state.runs[run.ID] = run
	return run, nil
}

func (t *memTx) UpdateCheckRunStatus(ctx context.Context, arg database.UpdateCheckRunStatusParams) (model.CheckRun, error) {
	if err := t.failures.updateCheckRun[arg.ID]; err != nil {
		return model.CheckRun{}, err
	}
	run, err := t.GetCheckRunByID(ctx, arg.ID)
	if err != nil {
		return run, err
	}
	run.Status = arg.Status
	run.Conclusion = arg.Conclusion
	merged := maps.Clone(run.Metadata)
	if merged == nil {
		merged = map[string]any{}
	}
	maps.Copy(merged, arg.Metadata)
	run.Metadata = merged
	if arg.SetTiming {
		run.StartedAt = arg.StartedAt
		run.CompletedAt = arg.CompletedAt
	}
	run.UpdatedAt = arg.UpdatedAt
	t.state.runs[run.ID] = run
	return run, nil
}

func (t *memTx) CreateStateHistory(ctx context.Context, arg database.CreateStateHistoryParams) (model.StateHistory, error) {
	if t.failures.panicOnHistory {
		panic("history table unavailable")
	}
	t.state.nextHistoryID++
	h := model.StateHistory{
		ID:           t.state.nextHistoryID,
		PRID:         arg.PRID,
		OldState:     arg.OldState,
		NewState:     arg.NewState,
		TriggerEvent: arg.TriggerEvent,
		TriggeredBy:  arg.TriggeredBy,
		Metadata:     arg.Metadata,
		CreatedAt:    arg.CreatedAt,
	}
	t.state.history = append(t.state.history, h)
	return h, nil
}

func (t *memTx) ListStateHistoryByPullRequest(ctx context.Context, prID uuid.UUID) ([]model.StateHistory, error) {
	var out []model.StateHistory
	for _, h := range t.state.history {
		if h.PRID == prID {
			out = append(out, h)
		}
	}
	return out, nil
}
