// internal/syncer/syncer.go
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github-pr-tracker/internal/database"
	custom_errors "github-pr-tracker/internal/errors"
	"github-pr-tracker/internal/model"
)

const (
	// Number of repositories to sync in parallel when none is configured
	defaultConcurrency = 5

	// sinceOverlap re-reads a short window before the last sync so updates made
	// while the previous pass was running are not missed.
	sinceOverlap = time.Minute
)

// RepoIdentifier holds the owner and name of a repository.
type RepoIdentifier struct {
	Owner string
	Name  string
}

// Syncer orchestrates the fetching and storing of data.
type Syncer struct {
	q            database.Querier
	ghClient     GitHubClient
	collector    *Collector
	synchronizer *Synchronizer
	logger       *slog.Logger
	reposToSync  []RepoIdentifier
	syncInterval time.Duration
	defaultSince time.Time
	concurrency  int
}

// Options configures a Syncer.
type Options struct {
	Repos        []string
	Interval     time.Duration
	DefaultSince time.Time
	Concurrency  int
}

// NewSyncer creates a new Syncer instance.
func NewSyncer(q database.Querier, runner TxRunner, ghClient GitHubClient, logger *slog.Logger, opts Options) (*Syncer, error) {
	parsedRepos, err := parseRepoIdentifiers(opts.Repos)
	if err != nil {
		return nil, err
	}
	concurrency := opts.Concurrency
	if concurrency <= 0 {
		concurrency = defaultConcurrency
	}

	return &Syncer{
		q:            q,
		ghClient:     ghClient,
		collector:    NewCollector(ghClient, q, logger),
		synchronizer: NewSynchronizer(runner, logger),
		logger:       logger,
		reposToSync:  parsedRepos,
		syncInterval: opts.Interval,
		defaultSince: opts.DefaultSince,
		concurrency:  concurrency,
	}, nil
}

// Start begins the continuous synchronization process.
func (s *Syncer) Start(ctx context.Context) {
	s.logger.Info("Starting syncer", "interval", s.syncInterval.String(), "concurrency", s.concurrency, "repos", len(s.reposToSync))
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	s.runSyncCycle(ctx) // Initial sync

	for {
		select {
		case <-ticker.C:
			s.runSyncCycle(ctx)
		case <-ctx.Done():
			s.logger.Info("Syncer shutting down", "reason", ctx.Err())
			return
		}
	}
}

// runSyncCycle performs a synchronization pass for all configured repositories concurrently.
// A failing repository is logged and does not stop the others.
func (s *Syncer) runSyncCycle(ctx context.Context) {
	s.logger.Info("Starting new sync cycle")
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)

	for _, repoID := range s.reposToSync {
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			err := s.SyncRepository(gctx, repoID)
			if err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("Failed to sync repository", "owner", repoID.Owner, "repo", repoID.Name, "error", err)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		s.logger.Error("Sync cycle finished with an error", "error", err)
	} else {
		s.logger.Info("Sync cycle finished")
	}
}

// SyncRepository handles the full synchronization logic for a single repository. The
// changeset is applied atomically; the repository is only marked synced once
// that transaction has committed.
func (s *Syncer) SyncRepository(ctx context.Context, id RepoIdentifier) error {
	logger := s.logger.With("owner", id.Owner, "repo", id.Name)
	logger.Info("Syncing repository")
	startedAt := time.Now().UTC()

	ghRepo, err := s.ghClient.GetRepository(ctx, id.Owner, id.Name)
	if err != nil {
		return fmt.Errorf("fetch repository: %w", err)
	}

	dbRepo, err := s.upsertRepository(ctx, ghRepo)
	if err != nil {
		return err
	}
	logger = logger.With("repository_id", dbRepo.ID)

	since := s.getSinceTimestamp(dbRepo)
	cs, err := s.collector.Collect(ctx, dbRepo, since)
	if err != nil {
		return err
	}

	if !cs.HasChanges() {
		logger.Info("No changes found")
	} else {
		n, err := s.synchronizer.Synchronize(ctx, dbRepo.ID, cs)
		if err != nil {
			return err
		}
		logger.Info("Repository synchronized", "applied", n, "collected", cs.TotalChanges())
	}

	return s.q.MarkRepositorySynced(ctx, dbRepo.ID, startedAt)
}

// upsertRepository creates or refreshes the stored repository row.
func (s *Syncer) upsertRepository(ctx context.Context, repo *model.Repository) (model.Repository, error) {
	stored, err := s.q.UpsertRepository(ctx, database.UpsertRepositoryParams{
		GithubRepoID:  repo.GithubRepoID,
		Owner:         repo.Owner,
		Name:          repo.Name,
		URL:           repo.URL,
		DefaultBranch: repo.DefaultBranch,
	})
	if err != nil {
		return model.Repository{}, fmt.Errorf("upsert repository: %w", err)
	}
	return stored, nil
}

func (s *Syncer) getSinceTimestamp(repo model.Repository) time.Time {
	if !repo.LastSyncedAt.Valid {
		s.logger.Info("Repository has not been synced yet, using default start date", "default_since", s.defaultSince)
		return s.defaultSince
	}
	return repo.LastSyncedAt.Time.Add(-sinceOverlap)
}

func parseRepoIdentifiers(repos []string) ([]RepoIdentifier, error) {
	var identifiers []RepoIdentifier
	for _, r := range repos {
		parts := strings.Split(strings.TrimSpace(r), "/")
		if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
			return nil, &custom_errors.ErrInvalidRepoFormat{Repo: r}
		}
		identifiers = append(identifiers, RepoIdentifier{Owner: parts[0], Name: parts[1]})
	}
	return identifiers, nil
}
