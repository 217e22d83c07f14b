// internal/syncer/synchronizer.go
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/spf13/cast"

	"github-pr-tracker/internal/changeset"
	"github-pr-tracker/internal/database"
	custom_errors "github-pr-tracker/internal/errors"
	"github-pr-tracker/internal/metrics"
	"github-pr-tracker/internal/model"
)

const (
	triggeredBySystem = "system"
	syncSource        = "github_sync"
)

// TxRunner opens a transaction scope. *database.Store satisfies it.
type TxRunner interface {
	RunInTransaction(ctx context.Context, fn func(database.Tx) error) error
}

// Synchronizer applies a changeset to storage inside one transaction.
type Synchronizer struct {
	store  TxRunner
	logger *slog.Logger
	now    func() time.Time
}

// NewSynchronizer creates a Synchronizer.
func NewSynchronizer(store TxRunner, logger *slog.Logger) *Synchronizer {
	return &Synchronizer{
		store:  store,
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Synchronize applies every change in cs and returns how many entities were created
// or updated. Phases run in a fixed order: new PRs, updated PRs, new check runs,
// updated check runs. Any error escaping a phase rolls the whole transaction back
// and is returned as a *errors.SynchronizationError.
func (s *Synchronizer) Synchronize(ctx context.Context, repositoryID int64, cs *changeset.ChangeSet) (int, error) {
	if !cs.HasChanges() {
		return 0, nil
	}

	logger := s.logger.With("repository_id", repositoryID)
	logger.Info("Synchronizing changeset",
		"new_prs", len(cs.NewPRs),
		"updated_prs", len(cs.UpdatedPRs),
		"new_check_runs", len(cs.NewCheckRuns),
		"updated_check_runs", len(cs.UpdatedCheckRuns),
	)

	start := time.Now()
	defer func() { metrics.SyncDuration.Observe(time.Since(start).Seconds()) }()

	var counts map[string]int
	err := s.store.RunInTransaction(ctx, func(tx database.Tx) error {
		createdPRs, pendingIDs, err := s.createNewPRs(ctx, tx, cs.NewPRs)
		if err != nil {
			return fmt.Errorf("create new pull requests: %w", err)
		}

		updatedPRs, err := s.UpdateExistingPRs(ctx, tx, cs.UpdatedPRs)
		if err != nil {
			return fmt.Errorf("update pull requests: %w", err)
		}

		newRuns := s.resolvePendingPRIDs(cs.NewCheckRuns, cs.NewPRs, pendingIDs)
		createdRuns, err := s.CreateNewCheckRuns(ctx, tx, newRuns)
		if err != nil {
			return fmt.Errorf("create new check runs: %w", err)
		}

		updatedRuns, err := s.UpdateExistingCheckRuns(ctx, tx, cs.UpdatedCheckRuns)
		if err != nil {
			return fmt.Errorf("update check runs: %w", err)
		}

		counts = map[string]int{
			metrics.CategoryNewPRs:           len(createdPRs),
			metrics.CategoryUpdatedPRs:       len(updatedPRs),
			metrics.CategoryNewCheckRuns:     len(createdRuns),
			metrics.CategoryUpdatedCheckRuns: len(updatedRuns),
		}
		return nil
	})
	if err != nil {
		metrics.SyncFailuresTotal.Inc()
		if isPersistenceError(err) {
			logger.Error("Database error during synchronization, transaction rolled back", "error", err)
		} else {
			logger.Error("Unexpected error during synchronization, transaction rolled back", "error", err)
		}
		return 0, &custom_errors.SynchronizationError{RepositoryID: repositoryID, Err: err}
	}

	total := 0
	for category, n := range counts {
		total += n
		metrics.SyncChangesTotal.WithLabelValues(category).Add(float64(n))
	}
	logger.Info("Synchronization committed", "applied", total, "requested", cs.TotalChanges())
	return total, nil
}

// CreateNewPRs bulk inserts new pull requests and returns the persisted rows.
func (s *Synchronizer) CreateNewPRs(ctx context.Context, q database.Querier, records []changeset.PRChangeRecord) ([]model.PullRequest, error) {
	prs, _, err := s.createNewPRs(ctx, q, records)
	return prs, err
}

// createNewPRs also returns a map from each record's pending identifier to the
// identifier of the persisted row. Every row is inserted under a fresh identifier,
// so a resolved row carrying that identifier was inserted by this call.
func (s *Synchronizer) createNewPRs(ctx context.Context, q database.Querier, records []changeset.PRChangeRecord) ([]model.PullRequest, map[uuid.UUID]uuid.UUID, error) {
	if len(records) == 0 {
		return nil, nil, nil
	}
	now := s.now()

	rows := make([]model.PullRequest, 0, len(records))
	pending := make([]uuid.UUID, 0, len(records))
	for _, rec := range records {
		repoID, ok := repositoryIDFromRaw(rec.Data.Raw)
		if !ok {
			s.logger.Warn("Skipping new pull request without repository id", "number", rec.Data.Number)
			metrics.RecordFailuresTotal.WithLabelValues("missing_repository_id").Inc()
			continue
		}
		state, err := model.PRStateFromExternal(rec.Data.State, rec.Data.Merged)
		if err != nil {
			s.logger.Warn("Skipping new pull request with invalid state", "number", rec.Data.Number, "error", err)
			metrics.RecordFailuresTotal.WithLabelValues("invalid_state").Inc()
			continue
		}
		rows = append(rows, newPullRequestRow(uuid.New(), repoID, state, rec.Data, now))
		pending = append(pending, rec.PendingID)
	}
	if len(rows) == 0 {
		return nil, nil, nil
	}

	inserted, err := q.CreatePullRequests(ctx, rows)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Debug("Bulk inserted pull requests", "requested", len(rows), "inserted", inserted)

	resolved := make([]model.PullRequest, 0, len(rows))
	pendingIDs := make(map[uuid.UUID]uuid.UUID, len(rows))
	for i, row := range rows {
		pr, err := q.GetPullRequestByRepoAndNumber(ctx, database.GetPullRequestByRepoAndNumberParams{
			RepositoryID: row.RepositoryID,
			Number:       row.Number,
		})
		if errors.Is(err, pgx.ErrNoRows) {
			s.logger.Warn("Pull request missing after bulk insert", "repository_id", row.RepositoryID, "number", row.Number)
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("fetch pull request #%d: %w", row.Number, err)
		}
		if pending[i] != uuid.Nil {
			pendingIDs[pending[i]] = pr.ID
		}
		resolved = append(resolved, pr)

		// Only rows inserted by this call get an opened entry; a row that already
		// existed has had one since it was first created.
		if pr.ID != row.ID {
			continue
		}
		if _, err := q.CreateStateHistory(ctx, database.CreateStateHistoryParams{
			PRID:         pr.ID,
			OldState:     nil,
			NewState:     pr.State,
			TriggerEvent: model.TriggerOpened,
			TriggeredBy:  triggeredBySystem,
			Metadata: map[string]any{
				"source":           syncSource,
				"initial_creation": true,
			},
			CreatedAt: now,
		}); err != nil {
			return nil, nil, err
		}
	}
	return resolved, pendingIDs, nil
}

// UpdateExistingPRs applies each record on its own. A record that cannot be
// applied is logged and skipped; only context cancellation stops the batch.
func (s *Synchronizer) UpdateExistingPRs(ctx context.Context, tx database.Tx, records []changeset.PRChangeRecord) ([]model.PullRequest, error) {
	updated := make([]model.PullRequest, 0, len(records))
	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		if rec.ExistingID == nil {
			s.logger.Warn("Skipping pull request update without existing id", "number", rec.Data.Number)
			metrics.RecordFailuresTotal.WithLabelValues("missing_existing_id").Inc()
			continue
		}

		pr, found, err := inSavepoint(ctx, tx, func(q database.Querier) (model.PullRequest, bool, error) {
			return s.updatePR(ctx, q, rec)
		})
		if err != nil {
			s.logger.Error("Failed to update pull request", "pr_id", *rec.ExistingID, "error", err)
			metrics.RecordFailuresTotal.WithLabelValues("pr_update").Inc()
			continue
		}
		if found {
			updated = append(updated, pr)
		}
	}
	return updated, nil
}

func (s *Synchronizer) updatePR(ctx context.Context, q database.Querier, rec changeset.PRChangeRecord) (model.PullRequest, bool, error) {
	pr, err := q.GetPullRequestByID(ctx, *rec.ExistingID)
	if errors.Is(err, pgx.ErrNoRows) {
		s.logger.Warn("Pull request not found, skipping update", "pr_id", *rec.ExistingID)
		metrics.RecordFailuresTotal.WithLabelValues("pr_not_found").Inc()
		return model.PullRequest{}, false, nil
	}
	if err != nil {
		return model.PullRequest{}, false, err
	}

	now := s.now()
	priorHeadSHA := pr.HeadSHA
	if rec.OldHeadSHA != nil {
		priorHeadSHA = *rec.OldHeadSHA
	}

	params := buildPRUpdate(pr, rec, now)
	if params.HasFieldChanges() {
		pr, err = q.UpdatePullRequest(ctx, params)
		if err != nil {
			return model.PullRequest{}, false, err
		}
	}

	if rec.StateChanged && rec.OldState != nil {
		newState, err := model.PRStateFromExternal(rec.Data.State, rec.Data.Merged)
		if err != nil {
			return model.PullRequest{}, false, err
		}
		// The flag may be stale; the stored state is authoritative.
		if newState != pr.State {
			trigger := model.DetermineTriggerEvent(pr.State, newState)
			pr, err = q.UpdatePullRequestState(ctx, database.UpdatePullRequestStateParams{
				ID:           pr.ID,
				State:        newState,
				TriggerEvent: trigger,
				TriggeredBy:  triggeredBySystem,
				Metadata: map[string]any{
					"source":       syncSource,
					"old_head_sha": priorHeadSHA,
					"new_head_sha": rec.Data.HeadSHA,
				},
				At: now,
			})
			if err != nil {
				return model.PullRequest{}, false, err
			}
		}
	}
	return pr, true, nil
}

// buildPRUpdate keeps only flagged fields whose value actually differs from the stored row.
func buildPRUpdate(pr model.PullRequest, rec changeset.PRChangeRecord, now time.Time) database.UpdatePullRequestParams {
	params := database.UpdatePullRequestParams{ID: pr.ID, UpdatedAt: now}
	if rec.TitleChanged && rec.Data.Title != pr.Title {
		title := rec.Data.Title
		params.Title = &title
	}
	if rec.DraftChanged && rec.Data.Draft != pr.Draft {
		draft := rec.Data.Draft
		params.Draft = &draft
	}
	if rec.SHAChanged {
		if rec.Data.HeadSHA != pr.HeadSHA {
			head := rec.Data.HeadSHA
			params.HeadSHA = &head
		}
		if rec.Data.BaseSHA != pr.BaseSHA {
			base := rec.Data.BaseSHA
			params.BaseSHA = &base
		}
	}
	if rec.MetadataChanged {
		params.Metadata = rec.Data.Metadata()
	}
	return params
}

// CreateNewCheckRuns bulk inserts new check runs and returns the persisted rows.
func (s *Synchronizer) CreateNewCheckRuns(ctx context.Context, q database.Querier, records []changeset.CheckRunChangeRecord) ([]model.CheckRun, error) {
	if len(records) == 0 {
		return nil, nil
	}
	now := s.now()

	rows := make([]model.CheckRun, 0, len(records))
	for _, rec := range records {
		if rec.PRID == uuid.Nil {
			s.logger.Warn("Skipping new check run without pull request id", "external_id", rec.Data.ExternalID)
			metrics.RecordFailuresTotal.WithLabelValues("missing_pr_id").Inc()
			continue
		}
		row, err := newCheckRunRow(uuid.New(), rec, now)
		if err != nil {
			s.logger.Warn("Skipping new check run with invalid status", "external_id", rec.Data.ExternalID, "error", err)
			metrics.RecordFailuresTotal.WithLabelValues("invalid_status").Inc()
			continue
		}
		rows = append(rows, row)
	}
	if len(rows) == 0 {
		return nil, nil
	}

	inserted, err := q.CreateCheckRuns(ctx, rows)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("Bulk inserted check runs", "requested", len(rows), "inserted", inserted)

	resolved := make([]model.CheckRun, 0, len(rows))
	for _, row := range rows {
		run, err := q.GetCheckRunByExternalID(ctx, row.ExternalID)
		if errors.Is(err, pgx.ErrNoRows) {
			s.logger.Warn("Check run missing after bulk insert", "external_id", row.ExternalID)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("fetch check run %d: %w", row.ExternalID, err)
		}
		resolved = append(resolved, run)
	}
	return resolved, nil
}

// UpdateExistingCheckRuns applies status changes first, then timing changes for
// records the status pass did not already cover. A record in both partitions has
// its timing folded into the status update, and a row listed more than once is
// only written for its first record.
func (s *Synchronizer) UpdateExistingCheckRuns(ctx context.Context, tx database.Tx, records []changeset.CheckRunChangeRecord) ([]model.CheckRun, error) {
	statusChanged, timingChanged := s.partitionCheckRunUpdates(records)

	updated := make([]model.CheckRun, 0, len(records))
	handled := make(map[uuid.UUID]struct{}, len(statusChanged))

	for _, rec := range statusChanged {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		// A row is attempted once per call, even if that attempt fails.
		if _, done := handled[*rec.ExistingID]; done {
			continue
		}
		handled[*rec.ExistingID] = struct{}{}

		run, found, err := inSavepoint(ctx, tx, func(q database.Querier) (model.CheckRun, bool, error) {
			return s.updateCheckRunStatus(ctx, q, rec)
		})
		if err != nil {
			s.logger.Error("Failed to update check run status", "check_run_id", *rec.ExistingID, "error", err)
			metrics.RecordFailuresTotal.WithLabelValues("check_run_status").Inc()
			continue
		}
		if found {
			updated = append(updated, run)
		}
	}

	for _, rec := range timingChanged {
		if err := ctx.Err(); err != nil {
			return updated, err
		}
		if _, done := handled[*rec.ExistingID]; done {
			continue
		}
		handled[*rec.ExistingID] = struct{}{}

		run, found, err := inSavepoint(ctx, tx, func(q database.Querier) (model.CheckRun, bool, error) {
			return s.updateCheckRunTiming(ctx, q, rec)
		})
		if err != nil {
			s.logger.Error("Failed to update check run timing", "check_run_id", *rec.ExistingID, "error", err)
			metrics.RecordFailuresTotal.WithLabelValues("check_run_timing").Inc()
			continue
		}
		if found {
			updated = append(updated, run)
		}
	}
	return updated, nil
}

// partitionCheckRunUpdates groups records by kind of change. A record can land in both groups.
func (s *Synchronizer) partitionCheckRunUpdates(records []changeset.CheckRunChangeRecord) (statusChanged, timingChanged []changeset.CheckRunChangeRecord) {
	for _, rec := range records {
		if rec.ExistingID == nil {
			s.logger.Warn("Skipping check run update without existing id", "external_id", rec.Data.ExternalID)
			metrics.RecordFailuresTotal.WithLabelValues("missing_existing_id").Inc()
			continue
		}
		if rec.StatusChanged || rec.ConclusionChanged {
			statusChanged = append(statusChanged, rec)
		}
		if rec.TimingChanged {
			timingChanged = append(timingChanged, rec)
		}
	}
	return statusChanged, timingChanged
}

func (s *Synchronizer) updateCheckRunStatus(ctx context.Context, q database.Querier, rec changeset.CheckRunChangeRecord) (model.CheckRun, bool, error) {
	run, err := q.GetCheckRunByID(ctx, *rec.ExistingID)
	if errors.Is(err, pgx.ErrNoRows) {
		s.logger.Warn("Check run not found, skipping status update", "check_run_id", *rec.ExistingID)
		metrics.RecordFailuresTotal.WithLabelValues("check_run_not_found").Inc()
		return model.CheckRun{}, false, nil
	}
	if err != nil {
		return model.CheckRun{}, false, err
	}

	status, conclusion, err := mapCheckRunOutcome(rec.Data)
	if err != nil {
		return model.CheckRun{}, false, err
	}

	meta := map[string]any{
		"source":        syncSource,
		"status_change": true,
		"old_status":    string(run.Status),
	}
	if run.Conclusion != nil {
		meta["old_conclusion"] = string(*run.Conclusion)
	}

	params := database.UpdateCheckRunStatusParams{
		ID:         run.ID,
		Status:     status,
		Conclusion: conclusion,
		Metadata:   meta,
		UpdatedAt:  s.now(),
	}
	if rec.TimingChanged {
		params.SetTiming = true
		params.StartedAt = rec.Data.StartedAt
		params.CompletedAt = rec.Data.CompletedAt
	}

	run, err = q.UpdateCheckRunStatus(ctx, params)
	if err != nil {
		return model.CheckRun{}, false, err
	}
	return run, true, nil
}

func (s *Synchronizer) updateCheckRunTiming(ctx context.Context, q database.Querier, rec changeset.CheckRunChangeRecord) (model.CheckRun, bool, error) {
	run, err := q.GetCheckRunByID(ctx, *rec.ExistingID)
	if errors.Is(err, pgx.ErrNoRows) {
		s.logger.Warn("Check run not found, skipping timing update", "check_run_id", *rec.ExistingID)
		metrics.RecordFailuresTotal.WithLabelValues("check_run_not_found").Inc()
		return model.CheckRun{}, false, nil
	}
	if err != nil {
		return model.CheckRun{}, false, err
	}

	run, err = q.UpdateCheckRun(ctx, database.UpdateCheckRunParams{
		ID:          run.ID,
		StartedAt:   rec.Data.StartedAt,
		CompletedAt: rec.Data.CompletedAt,
		UpdatedAt:   s.now(),
	})
	if err != nil {
		return model.CheckRun{}, false, err
	}
	return run, true, nil
}

// resolvePendingPRIDs points new check runs at persisted pull requests. Check runs
// whose pull request was part of this changeset but could not be created are dropped.
func (s *Synchronizer) resolvePendingPRIDs(runs []changeset.CheckRunChangeRecord, newPRs []changeset.PRChangeRecord, resolved map[uuid.UUID]uuid.UUID) []changeset.CheckRunChangeRecord {
	if len(runs) == 0 {
		return nil
	}
	pending := make(map[uuid.UUID]struct{}, len(newPRs))
	for _, pr := range newPRs {
		if pr.PendingID != uuid.Nil {
			pending[pr.PendingID] = struct{}{}
		}
	}

	out := make([]changeset.CheckRunChangeRecord, 0, len(runs))
	for _, run := range runs {
		if id, ok := resolved[run.PRID]; ok {
			run.PRID = id
		} else if _, unresolved := pending[run.PRID]; unresolved {
			s.logger.Warn("Skipping check run for pull request that was not created", "external_id", run.Data.ExternalID)
			metrics.RecordFailuresTotal.WithLabelValues("unresolved_pr").Inc()
			continue
		}
		out = append(out, run)
	}
	return out
}

func newPullRequestRow(id uuid.UUID, repositoryID int64, state model.PRState, snap model.PRSnapshot, now time.Time) model.PullRequest {
	return model.PullRequest{
		ID:              id,
		RepositoryID:    repositoryID,
		Number:          snap.Number,
		Title:           snap.Title,
		Author:          snap.Author,
		State:           state,
		Draft:           snap.Draft,
		HeadRef:         snap.HeadRef,
		BaseRef:         snap.BaseRef,
		HeadSHA:         snap.HeadSHA,
		BaseSHA:         snap.BaseSHA,
		URL:             snap.URL,
		Body:            snap.Body,
		Metadata:        snap.Metadata(),
		GithubCreatedAt: snap.CreatedAt,
		GithubUpdatedAt: snap.UpdatedAt,
		ClosedAt:        snap.ClosedAt,
		MergedAt:        snap.MergedAt,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func newCheckRunRow(id uuid.UUID, rec changeset.CheckRunChangeRecord, now time.Time) (model.CheckRun, error) {
	status, conclusion, err := mapCheckRunOutcome(rec.Data)
	if err != nil {
		return model.CheckRun{}, err
	}
	return model.CheckRun{
		ID:            id,
		PRID:          rec.PRID,
		ExternalID:    rec.Data.ExternalID,
		Name:          rec.Data.Name,
		CheckSuiteID:  rec.Data.CheckSuiteID,
		Status:        status,
		Conclusion:    conclusion,
		DetailsURL:    rec.Data.DetailsURL,
		HTMLURL:       rec.Data.HTMLURL,
		OutputTitle:   rec.Data.OutputTitle,
		OutputSummary: rec.Data.OutputSummary,
		OutputText:    rec.Data.OutputText,
		StartedAt:     rec.Data.StartedAt,
		CompletedAt:   rec.Data.CompletedAt,
		Metadata:      map[string]any{"source": syncSource, "head_sha": rec.Data.HeadSHA},
		CreatedAt:     now,
		UpdatedAt:     now,
	}, nil
}

// mapCheckRunOutcome maps status and conclusion. A conclusion is only kept once the run is completed.
func mapCheckRunOutcome(snap model.CheckRunSnapshot) (model.CheckRunStatus, *model.CheckConclusion, error) {
	status, err := model.CheckRunStatusFromExternal(snap.Status)
	if err != nil {
		return "", nil, err
	}
	if status != model.CheckRunCompleted {
		return status, nil, nil
	}
	conclusion, err := model.CheckConclusionFromExternal(snap.Conclusion)
	if err != nil {
		return "", nil, err
	}
	return status, conclusion, nil
}

// repositoryIDFromRaw extracts a positive repository id from an untyped payload.
func repositoryIDFromRaw(raw map[string]any) (int64, bool) {
	v, ok := raw[model.RawRepositoryID]
	if !ok || v == nil {
		return 0, false
	}
	id, err := cast.ToInt64E(v)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// inSavepoint runs fn in a savepoint of tx and hands back its results.
func inSavepoint[T any](ctx context.Context, tx database.Tx, fn func(database.Querier) (T, bool, error)) (T, bool, error) {
	var (
		out   T
		found bool
	)
	err := tx.Savepoint(ctx, func(q database.Querier) error {
		var err error
		out, found, err = fn(q)
		return err
	})
	return out, found, err
}

func isPersistenceError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) || pgconn.Timeout(err) || errors.Is(err, pgx.ErrTxClosed)
}
