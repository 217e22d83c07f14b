// internal/api/handler.go
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github-pr-tracker/internal/database"
	"github-pr-tracker/internal/model"
)

// HealthReporter exposes the database health probe. *database.HealthChecker satisfies it.
type HealthReporter interface {
	Latest() (database.HealthStatus, bool)
	Check(ctx context.Context) database.HealthStatus
}

// Handler is the container for API dependencies.
type Handler struct {
	db     database.Querier
	health HealthReporter
	logger *slog.Logger
}

// NewRouter creates and configures a new chi router with all API routes.
func NewRouter(db database.Querier, health HealthReporter, logger *slog.Logger) http.Handler {
	h := &Handler{
		db:     db,
		health: health,
		logger: logger,
	}

	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger) // Chi's default logger
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/health", h.healthCheck)
	r.Get("/health/ready", h.readinessCheck)
	r.Handle("/metrics", promhttp.Handler())

	// API Routes
	r.Route("/v1/repos/{owner}/{name}", func(r chi.Router) {
		r.Get("/pulls", h.listPullRequests)
		r.Get("/pulls/{number}/history", h.getPullRequestHistory)
		r.Get("/pulls/{number}/check-runs", h.getPullRequestCheckRuns)
	})

	return r
}

// healthCheck is a simple liveness endpoint.
func (h *Handler) healthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// readinessCheck reports the latest database probe, running one if none is cached yet.
// GET /health/ready
func (h *Handler) readinessCheck(w http.ResponseWriter, r *http.Request) {
	status, ok := h.health.Latest()
	if !ok {
		status = h.health.Check(r.Context())
	}
	code := http.StatusOK
	if !status.Healthy {
		code = http.StatusServiceUnavailable
	}
	respondWithJSON(w, code, status)
}

// listPullRequests handles the request to retrieve the pull requests of a repository.
// GET /v1/repos/{owner}/{name}/pulls?state=OPENED
func (h *Handler) listPullRequests(w http.ResponseWriter, r *http.Request) {
	var state model.PRState
	if s := r.URL.Query().Get("state"); s != "" {
		state = model.PRState(s)
		if !validState(state) {
			respondWithError(w, http.StatusBadRequest, "Invalid 'state' parameter. Must be one of OPENED, CLOSED, MERGED.")
			return
		}
	}

	repo, ok := h.lookupRepository(w, r)
	if !ok {
		return
	}

	prs, err := h.db.ListPullRequestsByRepo(r.Context(), repo.ID)
	if err != nil {
		h.logger.Error("Failed to list pull requests", "repository_id", repo.ID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}

	if state != "" {
		filtered := prs[:0]
		for _, pr := range prs {
			if pr.State == state {
				filtered = append(filtered, pr)
			}
		}
		prs = filtered
	}
	if prs == nil {
		prs = []model.PullRequest{}
	}

	respondWithJSON(w, http.StatusOK, prs)
}

// getPullRequestHistory returns the state transitions of one pull request, oldest first.
// GET /v1/repos/{owner}/{name}/pulls/{number}/history
func (h *Handler) getPullRequestHistory(w http.ResponseWriter, r *http.Request) {
	pr, ok := h.lookupPullRequest(w, r)
	if !ok {
		return
	}

	history, err := h.db.ListStateHistoryByPullRequest(r.Context(), pr.ID)
	if err != nil {
		h.logger.Error("Failed to get state history", "pr_id", pr.ID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if history == nil {
		history = []model.StateHistory{}
	}

	respondWithJSON(w, http.StatusOK, history)
}

// getPullRequestCheckRuns returns the check runs recorded for one pull request.
// GET /v1/repos/{owner}/{name}/pulls/{number}/check-runs
func (h *Handler) getPullRequestCheckRuns(w http.ResponseWriter, r *http.Request) {
	pr, ok := h.lookupPullRequest(w, r)
	if !ok {
		return
	}

	runs, err := h.db.ListCheckRunsByPullRequest(r.Context(), pr.ID)
	if err != nil {
		h.logger.Error("Failed to get check runs", "pr_id", pr.ID, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return
	}
	if runs == nil {
		runs = []model.CheckRun{}
	}

	respondWithJSON(w, http.StatusOK, runs)
}

func (h *Handler) lookupRepository(w http.ResponseWriter, r *http.Request) (model.Repository, bool) {
	repo, err := h.db.GetRepositoryByOwnerAndName(r.Context(), database.GetRepositoryByOwnerAndNameParams{
		Owner: chi.URLParam(r, "owner"),
		Name:  chi.URLParam(r, "name"),
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			respondWithError(w, http.StatusNotFound, "Repository not found")
			return model.Repository{}, false
		}
		h.logger.Error("Failed to get repository", "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return model.Repository{}, false
	}
	return repo, true
}

func (h *Handler) lookupPullRequest(w http.ResponseWriter, r *http.Request) (model.PullRequest, bool) {
	number, err := strconv.Atoi(chi.URLParam(r, "number"))
	if err != nil || number <= 0 {
		respondWithError(w, http.StatusBadRequest, "Invalid pull request number")
		return model.PullRequest{}, false
	}

	repo, ok := h.lookupRepository(w, r)
	if !ok {
		return model.PullRequest{}, false
	}

	pr, err := h.db.GetPullRequestByRepoAndNumber(r.Context(), database.GetPullRequestByRepoAndNumberParams{
		RepositoryID: repo.ID,
		Number:       number,
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			respondWithError(w, http.StatusNotFound, "Pull request not found")
			return model.PullRequest{}, false
		}
		h.logger.Error("Failed to get pull request", "repository_id", repo.ID, "number", number, "error", err)
		respondWithError(w, http.StatusInternalServerError, "Internal server error")
		return model.PullRequest{}, false
	}
	return pr, true
}

func validState(s model.PRState) bool {
	for _, valid := range model.PRStates {
		if s == valid {
			return true
		}
	}
	return false
}
