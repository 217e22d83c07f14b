// internal/changeset/changeset.go
package changeset

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github-pr-tracker/internal/model"
)

// ChangeType classifies how an observed entity relates to its stored row.
type ChangeType string

const (
	ChangeNew          ChangeType = "new"
	ChangeUpdated      ChangeType = "updated"
	ChangeStateChanged ChangeType = "state_changed"
	ChangeUnchanged    ChangeType = "unchanged"
)

// PRChangeRecord describes the delta of one pull request.
type PRChangeRecord struct {
	Data       model.PRSnapshot
	ChangeType ChangeType
	ExistingID *uuid.UUID

	// PendingID stands in for a new pull request's id until it is persisted. Check
	// runs in the same changeset reference it before the row exists.
	PendingID uuid.UUID

	TitleChanged    bool
	DraftChanged    bool
	SHAChanged      bool
	StateChanged    bool
	MetadataChanged bool

	OldTitle   *string
	OldState   *model.PRState
	OldHeadSHA *string
}

// HasChanges reports whether any field flag is set.
func (r PRChangeRecord) HasChanges() bool {
	return r.TitleChanged || r.DraftChanged || r.SHAChanged || r.StateChanged || r.MetadataChanged
}

// Validate checks the record invariants.
func (r PRChangeRecord) Validate() error {
	if r.ChangeType == ChangeNew && r.ExistingID != nil {
		return fmt.Errorf("pull request #%d: new record must not carry an existing id", r.Data.Number)
	}
	if r.ChangeType != ChangeNew && r.ExistingID == nil {
		return fmt.Errorf("pull request #%d: %s record requires an existing id", r.Data.Number, r.ChangeType)
	}
	if r.StateChanged && r.OldState == nil {
		return fmt.Errorf("pull request #%d: state change without old state", r.Data.Number)
	}
	return nil
}

// CheckRunChangeRecord describes the delta of one check run.
type CheckRunChangeRecord struct {
	Data       model.CheckRunSnapshot
	PRID       uuid.UUID
	ChangeType ChangeType
	ExistingID *uuid.UUID

	StatusChanged     bool
	ConclusionChanged bool
	TimingChanged     bool

	OldStatus     *model.CheckRunStatus
	OldConclusion *model.CheckConclusion
}

// HasChanges reports whether any field flag is set.
func (r CheckRunChangeRecord) HasChanges() bool {
	return r.StatusChanged || r.ConclusionChanged || r.TimingChanged
}

// Validate checks the record invariants.
func (r CheckRunChangeRecord) Validate() error {
	if r.PRID == uuid.Nil {
		return fmt.Errorf("check run %d: missing pull request id", r.Data.ExternalID)
	}
	if r.ChangeType == ChangeNew && r.ExistingID != nil {
		return fmt.Errorf("check run %d: new record must not carry an existing id", r.Data.ExternalID)
	}
	if r.ChangeType != ChangeNew && r.ExistingID == nil {
		return fmt.Errorf("check run %d: %s record requires an existing id", r.Data.ExternalID, r.ChangeType)
	}
	return nil
}

// ChangeSet holds every pending change for one repository. It is built for a
// single sync pass and consumed once.
type ChangeSet struct {
	RepositoryID     int64
	NewPRs           []PRChangeRecord
	UpdatedPRs       []PRChangeRecord
	NewCheckRuns     []CheckRunChangeRecord
	UpdatedCheckRuns []CheckRunChangeRecord
}

// New returns an empty changeset for a repository.
func New(repositoryID int64) *ChangeSet {
	return &ChangeSet{RepositoryID: repositoryID}
}

// HasChanges reports whether any category is non-empty.
func (c *ChangeSet) HasChanges() bool {
	return c.TotalChanges() > 0
}

// TotalChanges is the number of records across all categories.
func (c *ChangeSet) TotalChanges() int {
	if c == nil {
		return 0
	}
	return len(c.NewPRs) + len(c.UpdatedPRs) + len(c.NewCheckRuns) + len(c.UpdatedCheckRuns)
}

// AddPR files a pull request record under the matching category. Unchanged records are dropped.
func (c *ChangeSet) AddPR(r PRChangeRecord) {
	switch {
	case r.ChangeType == ChangeNew:
		c.NewPRs = append(c.NewPRs, r)
	case r.ChangeType != ChangeUnchanged:
		c.UpdatedPRs = append(c.UpdatedPRs, r)
	}
}

// AddCheckRun files a check run record under the matching category. Unchanged records are dropped.
func (c *ChangeSet) AddCheckRun(r CheckRunChangeRecord) {
	switch {
	case r.ChangeType == ChangeNew:
		c.NewCheckRuns = append(c.NewCheckRuns, r)
	case r.ChangeType != ChangeUnchanged:
		c.UpdatedCheckRuns = append(c.UpdatedCheckRuns, r)
	}
}

// Validate checks every record and joins the failures.
func (c *ChangeSet) Validate() error {
	var errs []error
	for _, r := range c.NewPRs {
		errs = append(errs, r.Validate())
	}
	for _, r := range c.UpdatedPRs {
		errs = append(errs, r.Validate())
	}
	for _, r := range c.NewCheckRuns {
		errs = append(errs, r.Validate())
	}
	for _, r := range c.UpdatedCheckRuns {
		errs = append(errs, r.Validate())
	}
	return errors.Join(errs...)
}
