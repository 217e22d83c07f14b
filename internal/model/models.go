// internal/model/models.go
package model

import (
	"database/sql" // sql.NullTime is still useful for LastSyncedAt
	"time"

	"github.com/google/uuid"
)

// Repository represents a tracked GitHub repository.
type Repository struct {
	ID            int64
	GithubRepoID  int64 `json:"github_repo_id"`
	Owner         string
	Name          string
	URL           string
	DefaultBranch string
	LastSyncedAt  sql.NullTime
	DBCreatedAt   time.Time
	DBUpdatedAt   time.Time
}

// FullName returns the owner/name form of the repository.
func (r Repository) FullName() string {
	return r.Owner + "/" + r.Name
}

// PullRequest is the persisted view of a pull request. It is unique per (RepositoryID, Number).
type PullRequest struct {
	ID              uuid.UUID      `json:"id"`
	RepositoryID    int64          `json:"repository_id"`
	Number          int            `json:"number"`
	Title           string         `json:"title"`
	Author          string         `json:"author"`
	State           PRState        `json:"state"`
	Draft           bool           `json:"draft"`
	HeadRef         string         `json:"head_ref"`
	BaseRef         string         `json:"base_ref"`
	HeadSHA         string         `json:"head_sha"`
	BaseSHA         string         `json:"base_sha"`
	URL             string         `json:"url"`
	Body            string         `json:"body"`
	Metadata        map[string]any `json:"metadata"`
	GithubCreatedAt time.Time      `json:"github_created_at"`
	GithubUpdatedAt time.Time      `json:"github_updated_at"`
	ClosedAt        *time.Time     `json:"closed_at,omitempty"`
	MergedAt        *time.Time     `json:"merged_at,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// CheckRun is the persisted view of a CI check run, unique by ExternalID.
type CheckRun struct {
	ID            uuid.UUID        `json:"id"`
	PRID          uuid.UUID        `json:"pr_id"`
	ExternalID    int64            `json:"external_id"`
	Name          string           `json:"name"`
	CheckSuiteID  int64            `json:"check_suite_id"`
	Status        CheckRunStatus   `json:"status"`
	Conclusion    *CheckConclusion `json:"conclusion,omitempty"`
	DetailsURL    string           `json:"details_url"`
	HTMLURL       string           `json:"html_url"`
	OutputTitle   string           `json:"output_title"`
	OutputSummary string           `json:"output_summary"`
	OutputText    string           `json:"output_text"`
	StartedAt     *time.Time       `json:"started_at,omitempty"`
	CompletedAt   *time.Time       `json:"completed_at,omitempty"`
	Metadata      map[string]any   `json:"metadata"`
	CreatedAt     time.Time        `json:"created_at"`
	UpdatedAt     time.Time        `json:"updated_at"`
}

// StateHistory is an append-only audit row for a pull request state transition.
// A nil OldState marks the creation of the pull request.
type StateHistory struct {
	ID           int64          `json:"id"`
	PRID         uuid.UUID      `json:"pr_id"`
	OldState     *PRState       `json:"old_state"`
	NewState     PRState        `json:"new_state"`
	TriggerEvent TriggerEvent   `json:"trigger_event"`
	TriggeredBy  string         `json:"triggered_by"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at"`
}
