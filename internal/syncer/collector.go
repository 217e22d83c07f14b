// internal/syncer/collector.go
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github-pr-tracker/internal/changeset"
	"github-pr-tracker/internal/database"
	"github-pr-tracker/internal/model"
)

// GitHubClient is the part of the GitHub API the syncer needs. *github.Client satisfies it.
type GitHubClient interface {
	GetRepository(ctx context.Context, owner, name string) (*model.Repository, error)
	ListPullRequests(ctx context.Context, owner, name string, since time.Time) ([]model.PRSnapshot, error)
	ListCheckRuns(ctx context.Context, owner, name, ref string) ([]model.CheckRunSnapshot, error)
}

// Collector builds a changeset by comparing what GitHub reports with what is stored.
type Collector struct {
	gh     GitHubClient
	q      database.Querier
	logger *slog.Logger
}

// NewCollector creates a Collector that reads stored rows through q.
func NewCollector(gh GitHubClient, q database.Querier, logger *slog.Logger) *Collector {
	return &Collector{gh: gh, q: q, logger: logger}
}

// Collect fetches pull requests updated since the given time together with the
// check runs of their head commits and classifies each one against storage.
func (c *Collector) Collect(ctx context.Context, repo model.Repository, since time.Time) (*changeset.ChangeSet, error) {
	logger := c.logger.With("repository_id", repo.ID, "repo", repo.FullName())
	cs := changeset.New(repo.ID)

	prs, err := c.gh.ListPullRequests(ctx, repo.Owner, repo.Name, since)
	if err != nil {
		return nil, fmt.Errorf("list pull requests: %w", err)
	}
	logger.Info("Fetched pull requests", "count", len(prs), "since", since.Format(time.RFC3339))

	seenRuns := make(map[int64]struct{})
	for _, snap := range prs {
		snap.Raw = withRepositoryID(snap.Raw, repo.ID)

		prID, err := c.collectPR(ctx, cs, repo.ID, snap)
		if err != nil {
			return nil, err
		}
		if prID == uuid.Nil || snap.HeadSHA == "" {
			continue
		}

		runs, err := c.gh.ListCheckRuns(ctx, repo.Owner, repo.Name, snap.HeadSHA)
		if err != nil {
			return nil, fmt.Errorf("list check runs for #%d: %w", snap.Number, err)
		}
		for _, run := range runs {
			// Pull requests sharing a head commit report the same runs.
			if _, dup := seenRuns[run.ExternalID]; dup {
				continue
			}
			seenRuns[run.ExternalID] = struct{}{}
			run.Raw = withRepositoryID(run.Raw, repo.ID)

			if err := c.collectCheckRun(ctx, cs, prID, run); err != nil {
				return nil, err
			}
		}
	}

	logger.Info("Changeset collected",
		"new_prs", len(cs.NewPRs),
		"updated_prs", len(cs.UpdatedPRs),
		"new_check_runs", len(cs.NewCheckRuns),
		"updated_check_runs", len(cs.UpdatedCheckRuns),
	)
	return cs, nil
}

// collectPR files the record for one pull request and returns the id check runs
// should reference: the stored id, or the pending id for a new pull request.
func (c *Collector) collectPR(ctx context.Context, cs *changeset.ChangeSet, repoID int64, snap model.PRSnapshot) (uuid.UUID, error) {
	existing, err := c.q.GetPullRequestByRepoAndNumber(ctx, database.GetPullRequestByRepoAndNumberParams{
		RepositoryID: repoID,
		Number:       snap.Number,
	})
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		rec := changeset.NewPRRecord(snap)
		cs.AddPR(rec)
		return rec.PendingID, nil
	case err != nil:
		return uuid.Nil, fmt.Errorf("look up pull request #%d: %w", snap.Number, err)
	}

	rec, err := changeset.DiffPullRequest(existing, snap)
	if err != nil {
		c.logger.Warn("Skipping pull request with unmappable state", "number", snap.Number, "error", err)
		return existing.ID, nil
	}
	cs.AddPR(rec)
	return existing.ID, nil
}

func (c *Collector) collectCheckRun(ctx context.Context, cs *changeset.ChangeSet, prID uuid.UUID, snap model.CheckRunSnapshot) error {
	existing, err := c.q.GetCheckRunByExternalID(ctx, snap.ExternalID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		cs.AddCheckRun(changeset.NewCheckRunRecord(snap, prID))
		return nil
	case err != nil:
		return fmt.Errorf("look up check run %d: %w", snap.ExternalID, err)
	}

	rec, err := changeset.DiffCheckRun(existing, snap)
	if err != nil {
		c.logger.Warn("Skipping check run with unmappable status", "external_id", snap.ExternalID, "error", err)
		return nil
	}
	cs.AddCheckRun(rec)
	return nil
}

func withRepositoryID(raw map[string]any, repoID int64) map[string]any {
	if raw == nil {
		raw = make(map[string]any, 1)
	}
	raw[model.RawRepositoryID] = repoID
	return raw
}
