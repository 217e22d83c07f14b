// internal/model/snapshot.go
package model

import "time"

// Raw payload keys the collector always sets.
const (
	RawRepositoryID = "repository_id"
	RawGithubID     = "github_id"
)

// PRSnapshot is a pull request as observed on GitHub during one sync pass.
type PRSnapshot struct {
	Number    int
	Title     string
	Author    string
	State     string // GitHub state string: "open" or "closed"
	Merged    bool
	Draft     bool
	HeadRef   string
	BaseRef   string
	HeadSHA   string
	BaseSHA   string
	URL       string
	Body      string
	Labels    []string
	Assignees []string
	Milestone string
	CreatedAt time.Time
	UpdatedAt time.Time
	ClosedAt  *time.Time
	MergedAt  *time.Time
	Raw       map[string]any
}

// Metadata returns the loosely-structured part of the snapshot that is stored as a JSON blob.
func (s PRSnapshot) Metadata() map[string]any {
	labels := s.Labels
	if labels == nil {
		labels = []string{}
	}
	assignees := s.Assignees
	if assignees == nil {
		assignees = []string{}
	}
	return map[string]any{
		"labels":    labels,
		"assignees": assignees,
		"milestone": s.Milestone,
	}
}

// CheckRunSnapshot is a check run as observed on GitHub during one sync pass.
type CheckRunSnapshot struct {
	ExternalID    int64
	Name          string
	CheckSuiteID  int64
	HeadSHA       string
	Status        string
	Conclusion    *string
	DetailsURL    string
	HTMLURL       string
	OutputTitle   string
	OutputSummary string
	OutputText    string
	StartedAt     *time.Time
	CompletedAt   *time.Time
	Raw           map[string]any
}
