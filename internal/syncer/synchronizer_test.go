// internal/syncer/synchronizer_test.go
package syncer

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github-pr-tracker/internal/changeset"
	"github-pr-tracker/internal/database"
	custom_errors "github-pr-tracker/internal/errors"
	"github-pr-tracker/internal/model"
)

const testRepoID int64 = 42

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func ptr[T any](v T) *T { return &v }

func prSnapshot(number int, state string, merged bool) model.PRSnapshot {
	created := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return model.PRSnapshot{
		Number:    number,
		Title:     "Add feature",
		Author:    "octocat",
		State:     state,
		Merged:    merged,
		HeadRef:   "feature",
		BaseRef:   "main",
		HeadSHA:   "head-1",
		BaseSHA:   "base-1",
		URL:       "https://github.com/acme/widgets/pull/1",
		CreatedAt: created,
		UpdatedAt: created,
		Raw:       map[string]any{model.RawRepositoryID: testRepoID, model.RawGithubID: int64(1000 + number)},
	}
}

func checkRunSnapshot(externalID int64, status string, conclusion *string) model.CheckRunSnapshot {
	return model.CheckRunSnapshot{
		ExternalID: externalID,
		Name:       "ci/build",
		HeadSHA:    "head-1",
		Status:     status,
		Conclusion: conclusion,
		Raw:        map[string]any{model.RawRepositoryID: testRepoID},
	}
}

// seedPR stores a pull request directly, bypassing the synchronizer.
func seedPR(t *testing.T, store *memStore, number int, state model.PRState) model.PullRequest {
	t.Helper()
	snap := prSnapshot(number, "open", false)
	pr := newPullRequestRow(uuid.New(), testRepoID, state, snap, time.Now().UTC())
	_, err := store.queries().CreatePullRequests(context.Background(), []model.PullRequest{pr})
	require.NoError(t, err)
	return pr
}

func seedCheckRun(t *testing.T, store *memStore, prID uuid.UUID, externalID int64, status model.CheckRunStatus) model.CheckRun {
	t.Helper()
	run := model.CheckRun{
		ID:         uuid.New(),
		PRID:       prID,
		ExternalID: externalID,
		Name:       "ci/build",
		Status:     status,
		Metadata:   map[string]any{"source": syncSource},
	}
	_, err := store.queries().CreateCheckRuns(context.Background(), []model.CheckRun{run})
	require.NoError(t, err)
	return run
}

func stateRecord(t *testing.T, existing model.PullRequest, snap model.PRSnapshot) changeset.PRChangeRecord {
	t.Helper()
	rec, err := changeset.DiffPullRequest(existing, snap)
	require.NoError(t, err)
	return rec
}

func TestSynchronize_EmptyChangeSet(t *testing.T) {
	store := newMemStore()
	s := NewSynchronizer(store, testLogger())

	n, err := s.Synchronize(context.Background(), testRepoID, changeset.New(testRepoID))
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	n, err = s.Synchronize(context.Background(), testRepoID, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	assert.Equal(t, 0, store.txCount, "no transaction is opened for an empty changeset")
}

func TestSynchronize_CreatesPullRequestsAndCheckRuns(t *testing.T) {
	store := newMemStore()
	s := NewSynchronizer(store, testLogger())

	cs := changeset.New(testRepoID)
	first := changeset.NewPRRecord(prSnapshot(1, "open", false))
	second := changeset.NewPRRecord(prSnapshot(2, "open", false))
	cs.AddPR(first)
	cs.AddPR(second)
	cs.AddCheckRun(changeset.NewCheckRunRecord(checkRunSnapshot(900, "in_progress", nil), first.PendingID))

	n, err := s.Synchronize(context.Background(), testRepoID, cs)
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	prs := store.pullRequests()
	require.Len(t, prs, 2)
	for _, pr := range prs {
		assert.Equal(t, model.PRStateOpened, pr.State)
		assert.Equal(t, testRepoID, pr.RepositoryID)

		history := store.historyFor(pr.ID)
		require.Len(t, history, 1)
		assert.Nil(t, history[0].OldState)
		assert.Equal(t, model.PRStateOpened, history[0].NewState)
		assert.Equal(t, model.TriggerOpened, history[0].TriggerEvent)
		assert.Equal(t, triggeredBySystem, history[0].TriggeredBy)
		assert.Equal(t, true, history[0].Metadata["initial_creation"])
	}

	run, err := store.queries().GetCheckRunByExternalID(context.Background(), 900)
	require.NoError(t, err)
	assert.Equal(t, prs[0].ID, run.PRID, "check run is linked to the persisted pull request")
	assert.Equal(t, model.CheckRunInProgress, run.Status)
	assert.Nil(t, run.Conclusion)
}

func TestSynchronize_NewMergedPullRequest(t *testing.T) {
	store := newMemStore()
	s := NewSynchronizer(store, testLogger())

	cs := changeset.New(testRepoID)
	cs.AddPR(changeset.NewPRRecord(prSnapshot(7, "closed", true)))

	_, err := s.Synchronize(context.Background(), testRepoID, cs)
	require.NoError(t, err)

	prs := store.pullRequests()
	require.Len(t, prs, 1)
	assert.Equal(t, model.PRStateMerged, prs[0].State)
	history := store.historyFor(prs[0].ID)
	require.Len(t, history, 1)
	assert.Equal(t, model.TriggerOpened, history[0].TriggerEvent)
	assert.Equal(t, model.PRStateMerged, history[0].NewState)
}

func TestSynchronize_StateTransitions(t *testing.T) {
	tests := []struct {
		name        string
		stored      model.PRState
		ghState     string
		merged      bool
		wantState   model.PRState
		wantTrigger model.TriggerEvent
	}{
		{"close", model.PRStateOpened, "closed", false, model.PRStateClosed, model.TriggerClosed},
		{"merge", model.PRStateOpened, "closed", true, model.PRStateMerged, model.TriggerClosed},
		{"reopen", model.PRStateClosed, "open", false, model.PRStateOpened, model.TriggerReopened},
		{"merge after close", model.PRStateClosed, "closed", true, model.PRStateMerged, model.TriggerSynchronize},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemStore()
			s := NewSynchronizer(store, testLogger())
			existing := seedPR(t, store, 5, tt.stored)

			snap := prSnapshot(5, tt.ghState, tt.merged)
			snap.HeadSHA = "head-2"
			cs := changeset.New(testRepoID)
			cs.AddPR(stateRecord(t, existing, snap))

			n, err := s.Synchronize(context.Background(), testRepoID, cs)
			require.NoError(t, err)
			assert.Equal(t, 1, n)

			pr, err := store.queries().GetPullRequestByID(context.Background(), existing.ID)
			require.NoError(t, err)
			assert.Equal(t, tt.wantState, pr.State)
			assert.Equal(t, "head-2", pr.HeadSHA)

			history := store.historyFor(existing.ID)
			require.Len(t, history, 1)
			require.NotNil(t, history[0].OldState)
			assert.Equal(t, tt.stored, *history[0].OldState)
			assert.Equal(t, tt.wantState, history[0].NewState)
			assert.Equal(t, tt.wantTrigger, history[0].TriggerEvent)
			assert.Equal(t, "head-1", history[0].Metadata["old_head_sha"])
			assert.Equal(t, "head-2", history[0].Metadata["new_head_sha"])
		})
	}
}

func TestSynchronize_StaleStateFlagIsIgnored(t *testing.T) {
	store := newMemStore()
	s := NewSynchronizer(store, testLogger())
	existing := seedPR(t, store, 3, model.PRStateClosed)

	// The record claims a transition to closed, but the row is already closed.
	snap := prSnapshot(3, "closed", false)
	rec := changeset.PRChangeRecord{
		Data:         snap,
		ChangeType:   changeset.ChangeStateChanged,
		ExistingID:   &existing.ID,
		StateChanged: true,
		OldState:     ptr(model.PRStateOpened),
	}
	cs := changeset.New(testRepoID)
	cs.AddPR(rec)

	n, err := s.Synchronize(context.Background(), testRepoID, cs)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Empty(t, store.historyFor(existing.ID))
}

func TestSynchronize_TriggerFollowsStoredState(t *testing.T) {
	store := newMemStore()
	s := NewSynchronizer(store, testLogger())
	existing := seedPR(t, store, 4, model.PRStateClosed)

	// The record was diffed against an older view in which the pull request was
	// still open. Opened to merged would be CLOSED; closed to merged is SYNCHRONIZE.
	rec := changeset.PRChangeRecord{
		Data:         prSnapshot(4, "closed", true),
		ChangeType:   changeset.ChangeStateChanged,
		ExistingID:   &existing.ID,
		StateChanged: true,
		OldState:     ptr(model.PRStateOpened),
	}
	cs := changeset.New(testRepoID)
	cs.AddPR(rec)

	_, err := s.Synchronize(context.Background(), testRepoID, cs)
	require.NoError(t, err)

	history := store.historyFor(existing.ID)
	require.Len(t, history, 1)
	require.NotNil(t, history[0].OldState)
	assert.Equal(t, model.PRStateClosed, *history[0].OldState)
	assert.Equal(t, model.PRStateMerged, history[0].NewState)
	assert.Equal(t, model.TriggerSynchronize, history[0].TriggerEvent)
}

func TestSynchronize_FieldUpdatesRespectFlags(t *testing.T) {
	store := newMemStore()
	s := NewSynchronizer(store, testLogger())
	existing := seedPR(t, store, 8, model.PRStateOpened)

	snap := prSnapshot(8, "open", false)
	snap.Title = "Renamed"
	snap.Draft = true
	rec := changeset.PRChangeRecord{
		Data:         snap,
		ChangeType:   changeset.ChangeUpdated,
		ExistingID:   &existing.ID,
		TitleChanged: true,
		// Draft differs but is not flagged, so it stays untouched.
	}
	cs := changeset.New(testRepoID)
	cs.AddPR(rec)

	_, err := s.Synchronize(context.Background(), testRepoID, cs)
	require.NoError(t, err)

	pr, err := store.queries().GetPullRequestByID(context.Background(), existing.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", pr.Title)
	assert.False(t, pr.Draft)
	assert.Equal(t, model.PRStateOpened, pr.State)
}

func TestSynchronize_RedeliveredNewPullRequestIsIdempotent(t *testing.T) {
	build := func() *changeset.ChangeSet {
		cs := changeset.New(testRepoID)
		rec := changeset.NewPRRecord(prSnapshot(11, "open", false))
		cs.AddPR(rec)
		cs.AddCheckRun(changeset.NewCheckRunRecord(checkRunSnapshot(501, "queued", nil), rec.PendingID))
		return cs
	}

	assertSingleOpened := func(t *testing.T, store *memStore) {
		prs := store.pullRequests()
		require.Len(t, prs, 1)
		history := store.historyFor(prs[0].ID)
		require.Len(t, history, 1, "opened history is written once")
		assert.Equal(t, model.TriggerOpened, history[0].TriggerEvent)

		runs, err := store.queries().ListCheckRunsByPullRequest(context.Background(), prs[0].ID)
		require.NoError(t, err)
		assert.Len(t, runs, 1)
	}

	t.Run("same changeset delivered twice", func(t *testing.T) {
		store := newMemStore()
		s := NewSynchronizer(store, testLogger())
		cs := build()

		_, err := s.Synchronize(context.Background(), testRepoID, cs)
		require.NoError(t, err)
		n, err := s.Synchronize(context.Background(), testRepoID, cs)
		require.NoError(t, err)
		assert.Equal(t, 2, n, "the existing rows are resolved again")

		assertSingleOpened(t, store)
		assert.NotEqual(t, cs.NewPRs[0].PendingID, store.pullRequests()[0].ID, "rows are not inserted under the pending id")
	})

	t.Run("rebuilt changeset", func(t *testing.T) {
		store := newMemStore()
		s := NewSynchronizer(store, testLogger())

		_, err := s.Synchronize(context.Background(), testRepoID, build())
		require.NoError(t, err)
		_, err = s.Synchronize(context.Background(), testRepoID, build())
		require.NoError(t, err)

		assertSingleOpened(t, store)
	})
}

func TestSynchronize_RollsBackOnFatalError(t *testing.T) {
	store := newMemStore()
	s := NewSynchronizer(store, testLogger())
	pgErr := &pgconn.PgError{Code: "53300", Message: "too many connections"}
	store.failures.createCheckRuns = pgErr

	cs := changeset.New(testRepoID)
	rec := changeset.NewPRRecord(prSnapshot(1, "open", false))
	cs.AddPR(rec)
	cs.AddCheckRun(changeset.NewCheckRunRecord(checkRunSnapshot(77, "queued", nil), rec.PendingID))

	n, err := s.Synchronize(context.Background(), testRepoID, cs)
	require.Error(t, err)
	assert.Equal(t, 0, n)

	var syncErr *custom_errors.SynchronizationError
	require.ErrorAs(t, err, &syncErr)
	assert.Equal(t, testRepoID, syncErr.RepositoryID)
	assert.ErrorIs(t, err, pgErr)
	assert.True(t, isPersistenceError(err))

	assert.Empty(t, store.pullRequests(), "pull requests created earlier in the transaction are rolled back")
}

func TestSynchronize_PanicIsReturnedAsError(t *testing.T) {
	store := newMemStore()
	s := NewSynchronizer(store, testLogger())
	store.failures.panicOnHistory = true

	cs := changeset.New(testRepoID)
	cs.AddPR(changeset.NewPRRecord(prSnapshot(1, "open", false)))

	_, err := s.Synchronize(context.Background(), testRepoID, cs)
	require.Error(t, err)
	var syncErr *custom_errors.SynchronizationError
	assert.ErrorAs(t, err, &syncErr)
	assert.False(t, isPersistenceError(err))
	assert.Empty(t, store.pullRequests())
}

func TestSynchronize_PhaseOrdering(t *testing.T) {
	store := newMemStore()
	s := NewSynchronizer(store, testLogger())

	// A new check run for a brand new pull request only resolves if PR creation
	// ran first; the FK check in the fake store fails otherwise.
	cs := changeset.New(testRepoID)
	rec := changeset.NewPRRecord(prSnapshot(4, "open", false))
	cs.NewCheckRuns = append(cs.NewCheckRuns, changeset.NewCheckRunRecord(checkRunSnapshot(10, "queued", nil), rec.PendingID))
	cs.NewPRs = append(cs.NewPRs, rec)

	n, err := s.Synchronize(context.Background(), testRepoID, cs)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCreateNewPRs_SkipsRecordsWithoutRepositoryID(t *testing.T) {
	store := newMemStore()
	s := NewSynchronizer(store, testLogger())

	orphan := prSnapshot(1, "open", false)
	orphan.Raw = map[string]any{}
	stringID := prSnapshot(2, "open", false)
	stringID.Raw = map[string]any{model.RawRepositoryID: "42"}
	badState := prSnapshot(3, "draft", false)

	orphanRec := changeset.NewPRRecord(orphan)
	cs := changeset.New(testRepoID)
	cs.AddPR(orphanRec)
	cs.AddPR(changeset.NewPRRecord(stringID))
	cs.AddPR(changeset.NewPRRecord(badState))
	cs.AddCheckRun(changeset.NewCheckRunRecord(checkRunSnapshot(5, "queued", nil), orphanRec.PendingID))

	n, err := s.Synchronize(context.Background(), testRepoID, cs)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	prs := store.pullRequests()
	require.Len(t, prs, 1)
	assert.Equal(t, 2, prs[0].Number)

	_, err = store.queries().GetCheckRunByExternalID(context.Background(), 5)
	assert.Error(t, err, "check run for the skipped pull request is not created")
}

func TestUpdateExistingPRs_PartialFailure(t *testing.T) {
	store := newMemStore()
	s := NewSynchronizer(store, testLogger())

	ok1 := seedPR(t, store, 1, model.PRStateOpened)
	ok2 := seedPR(t, store, 2, model.PRStateOpened)
	failing := seedPR(t, store, 3, model.PRStateOpened)
	missing := uuid.New()

	// The title update of the failing record succeeds but its state update fails;
	// the savepoint must undo both.
	store.failures.updatePRState = map[uuid.UUID]error{failing.ID: errors.New("deadlock detected")}

	records := []changeset.PRChangeRecord{}
	for _, pr := range []model.PullRequest{ok1, ok2, failing} {
		snap := prSnapshot(pr.Number, "closed", false)
		snap.Title = "Updated"
		records = append(records, stateRecord(t, pr, snap))
	}
	records = append(records, changeset.PRChangeRecord{
		Data:         prSnapshot(9, "open", false),
		ChangeType:   changeset.ChangeUpdated,
		ExistingID:   &missing,
		TitleChanged: true,
	})
	records = append(records, changeset.PRChangeRecord{Data: prSnapshot(10, "open", false), ChangeType: changeset.ChangeUpdated})

	var updated []model.PullRequest
	err := store.RunInTransaction(context.Background(), func(tx database.Tx) error {
		var err error
		updated, err = s.UpdateExistingPRs(context.Background(), tx, records)
		return err
	})
	require.NoError(t, err)
	require.Len(t, updated, 2)
	assert.ElementsMatch(t, []uuid.UUID{ok1.ID, ok2.ID}, []uuid.UUID{updated[0].ID, updated[1].ID})

	stored, err := store.queries().GetPullRequestByID(context.Background(), failing.ID)
	require.NoError(t, err)
	assert.Equal(t, "Add feature", stored.Title)
	assert.Equal(t, model.PRStateOpened, stored.State)
	assert.Empty(t, store.historyFor(failing.ID))

	for _, pr := range []model.PullRequest{ok1, ok2} {
		stored, err := store.queries().GetPullRequestByID(context.Background(), pr.ID)
		require.NoError(t, err)
		assert.Equal(t, model.PRStateClosed, stored.State)
		assert.Len(t, store.historyFor(pr.ID), 1)
	}
}

func TestSynchronize_CheckRunCompletion(t *testing.T) {
	store := newMemStore()
	s := NewSynchronizer(store, testLogger())
	pr := seedPR(t, store, 1, model.PRStateOpened)
	run := seedCheckRun(t, store, pr.ID, 300, model.CheckRunInProgress)

	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	completed := started.Add(3 * time.Minute)
	snap := checkRunSnapshot(300, "completed", ptr("success"))
	snap.StartedAt = &started
	snap.CompletedAt = &completed

	rec, err := changeset.DiffCheckRun(run, snap)
	require.NoError(t, err)
	require.True(t, rec.StatusChanged)
	require.True(t, rec.ConclusionChanged)
	require.True(t, rec.TimingChanged)

	cs := changeset.New(testRepoID)
	cs.AddCheckRun(rec)

	n, err := s.Synchronize(context.Background(), testRepoID, cs)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "a run changed in status and timing is counted once")

	stored, err := store.queries().GetCheckRunByID(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CheckRunCompleted, stored.Status)
	require.NotNil(t, stored.Conclusion)
	assert.Equal(t, model.ConclusionSuccess, *stored.Conclusion)
	assert.Equal(t, &started, stored.StartedAt)
	assert.Equal(t, &completed, stored.CompletedAt)
	assert.Equal(t, string(model.CheckRunInProgress), stored.Metadata["old_status"])
	assert.Equal(t, syncSource, stored.Metadata["source"])
}

func TestUpdateExistingCheckRuns_Partitions(t *testing.T) {
	store := newMemStore()
	s := NewSynchronizer(store, testLogger())
	pr := seedPR(t, store, 1, model.PRStateOpened)
	statusOnly := seedCheckRun(t, store, pr.ID, 1, model.CheckRunQueued)
	timingOnly := seedCheckRun(t, store, pr.ID, 2, model.CheckRunInProgress)
	failing := seedCheckRun(t, store, pr.ID, 3, model.CheckRunQueued)
	invalid := seedCheckRun(t, store, pr.ID, 5, model.CheckRunQueued)
	gone := uuid.New()

	started := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	records := []changeset.CheckRunChangeRecord{
		{Data: checkRunSnapshot(1, "in_progress", nil), PRID: pr.ID, ChangeType: changeset.ChangeUpdated, ExistingID: &statusOnly.ID, StatusChanged: true},
		{Data: model.CheckRunSnapshot{ExternalID: 2, Status: "in_progress", StartedAt: &started}, PRID: pr.ID, ChangeType: changeset.ChangeUpdated, ExistingID: &timingOnly.ID, TimingChanged: true},
		{Data: checkRunSnapshot(3, "in_progress", nil), PRID: pr.ID, ChangeType: changeset.ChangeUpdated, ExistingID: &failing.ID, StatusChanged: true},
		{Data: checkRunSnapshot(4, "in_progress", nil), PRID: pr.ID, ChangeType: changeset.ChangeUpdated, ExistingID: &gone, StatusChanged: true},
		{Data: checkRunSnapshot(5, "bogus", nil), PRID: pr.ID, ChangeType: changeset.ChangeUpdated, ExistingID: &invalid.ID, StatusChanged: true},
	}
	store.failures.updateCheckRun = map[uuid.UUID]error{failing.ID: errors.New("lock timeout")}

	var updated []model.CheckRun
	err := store.RunInTransaction(context.Background(), func(tx database.Tx) error {
		var err error
		updated, err = s.UpdateExistingCheckRuns(context.Background(), tx, records)
		return err
	})
	require.NoError(t, err)
	require.Len(t, updated, 2)

	stored, err := store.queries().GetCheckRunByID(context.Background(), statusOnly.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CheckRunInProgress, stored.Status)

	stored, err = store.queries().GetCheckRunByID(context.Background(), timingOnly.ID)
	require.NoError(t, err)
	assert.Equal(t, &started, stored.StartedAt)
	assert.Equal(t, model.CheckRunInProgress, stored.Status)

	stored, err = store.queries().GetCheckRunByID(context.Background(), failing.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CheckRunQueued, stored.Status)

	stored, err = store.queries().GetCheckRunByID(context.Background(), invalid.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CheckRunQueued, stored.Status)
}

func TestUpdateExistingCheckRuns_DeduplicatesRows(t *testing.T) {
	completedAt := time.Date(2024, 3, 1, 10, 5, 0, 0, time.UTC)

	t.Run("row listed twice is written once", func(t *testing.T) {
		store := newMemStore()
		s := NewSynchronizer(store, testLogger())
		pr := seedPR(t, store, 1, model.PRStateOpened)
		run := seedCheckRun(t, store, pr.ID, 1, model.CheckRunQueued)

		rec := changeset.CheckRunChangeRecord{Data: checkRunSnapshot(1, "in_progress", nil), PRID: pr.ID, ChangeType: changeset.ChangeUpdated, ExistingID: &run.ID, StatusChanged: true}
		timing := changeset.CheckRunChangeRecord{Data: model.CheckRunSnapshot{ExternalID: 1, Status: "in_progress", CompletedAt: &completedAt}, PRID: pr.ID, ChangeType: changeset.ChangeUpdated, ExistingID: &run.ID, TimingChanged: true}

		var updated []model.CheckRun
		err := store.RunInTransaction(context.Background(), func(tx database.Tx) error {
			var err error
			updated, err = s.UpdateExistingCheckRuns(context.Background(), tx, []changeset.CheckRunChangeRecord{rec, rec, timing})
			return err
		})
		require.NoError(t, err)
		require.Len(t, updated, 1)
		assert.Equal(t, run.ID, updated[0].ID)

		stored, err := store.queries().GetCheckRunByID(context.Background(), run.ID)
		require.NoError(t, err)
		assert.Equal(t, model.CheckRunInProgress, stored.Status)
		assert.Equal(t, string(model.CheckRunQueued), stored.Metadata["old_status"], "only the first record was applied")
		assert.Nil(t, stored.CompletedAt)
	})

	t.Run("failed row is not retried by a duplicate", func(t *testing.T) {
		store := newMemStore()
		s := NewSynchronizer(store, testLogger())
		pr := seedPR(t, store, 1, model.PRStateOpened)
		run := seedCheckRun(t, store, pr.ID, 1, model.CheckRunQueued)
		store.failures.updateCheckRun = map[uuid.UUID]error{run.ID: errors.New("lock timeout")}

		rec := changeset.CheckRunChangeRecord{Data: checkRunSnapshot(1, "in_progress", nil), PRID: pr.ID, ChangeType: changeset.ChangeUpdated, ExistingID: &run.ID, StatusChanged: true}

		n, err := s.Synchronize(context.Background(), testRepoID, &changeset.ChangeSet{RepositoryID: testRepoID, UpdatedCheckRuns: []changeset.CheckRunChangeRecord{rec, rec}})
		require.NoError(t, err)
		assert.Equal(t, 0, n)
	})
}

func TestUpdateExistingPRs_StopsOnCancelledContext(t *testing.T) {
	store := newMemStore()
	s := NewSynchronizer(store, testLogger())
	pr := seedPR(t, store, 1, model.PRStateOpened)

	snap := prSnapshot(1, "open", false)
	snap.Title = "New"
	rec := stateRecord(t, pr, snap)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := s.Synchronize(ctx, testRepoID, &changeset.ChangeSet{RepositoryID: testRepoID, UpdatedPRs: []changeset.PRChangeRecord{rec}})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, n)
}

func TestRepositoryIDFromRaw(t *testing.T) {
	tests := []struct {
		name string
		raw  map[string]any
		want int64
		ok   bool
	}{
		{"int64", map[string]any{model.RawRepositoryID: int64(5)}, 5, true},
		{"float from json", map[string]any{model.RawRepositoryID: float64(12)}, 12, true},
		{"numeric string", map[string]any{model.RawRepositoryID: "9"}, 9, true},
		{"missing", map[string]any{}, 0, false},
		{"nil map", nil, 0, false},
		{"nil value", map[string]any{model.RawRepositoryID: nil}, 0, false},
		{"zero", map[string]any{model.RawRepositoryID: 0}, 0, false},
		{"garbage", map[string]any{model.RawRepositoryID: "abc"}, 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := repositoryIDFromRaw(tt.raw)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}
