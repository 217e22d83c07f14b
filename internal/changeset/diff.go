// internal/changeset/diff.go
package changeset

import (
	"bytes"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github-pr-tracker/internal/model"
)

// NewPRRecord builds the record for a pull request that has no stored row yet.
func NewPRRecord(snap model.PRSnapshot) PRChangeRecord {
	return PRChangeRecord{
		Data:       snap,
		ChangeType: ChangeNew,
		PendingID:  uuid.New(),
	}
}

// DiffPullRequest compares a stored pull request with a fresh snapshot and sets the change flags.
func DiffPullRequest(existing model.PullRequest, snap model.PRSnapshot) (PRChangeRecord, error) {
	id := existing.ID
	rec := PRChangeRecord{
		Data:       snap,
		ExistingID: &id,
	}

	newState, err := model.PRStateFromExternal(snap.State, snap.Merged)
	if err != nil {
		return PRChangeRecord{}, err
	}

	if existing.Title != snap.Title {
		rec.TitleChanged = true
		oldTitle := existing.Title
		rec.OldTitle = &oldTitle
	}
	if existing.Draft != snap.Draft {
		rec.DraftChanged = true
	}
	if existing.HeadSHA != snap.HeadSHA || existing.BaseSHA != snap.BaseSHA {
		rec.SHAChanged = true
		oldHead := existing.HeadSHA
		rec.OldHeadSHA = &oldHead
	}
	if existing.State != newState {
		rec.StateChanged = true
		oldState := existing.State
		rec.OldState = &oldState
	}
	if !jsonEqual(existing.Metadata, snap.Metadata()) {
		rec.MetadataChanged = true
	}

	switch {
	case rec.StateChanged:
		rec.ChangeType = ChangeStateChanged
	case rec.HasChanges():
		rec.ChangeType = ChangeUpdated
	default:
		rec.ChangeType = ChangeUnchanged
	}
	return rec, nil
}

// NewCheckRunRecord builds the record for a check run that has no stored row yet.
func NewCheckRunRecord(snap model.CheckRunSnapshot, prID uuid.UUID) CheckRunChangeRecord {
	return CheckRunChangeRecord{
		Data:       snap,
		PRID:       prID,
		ChangeType: ChangeNew,
	}
}

// DiffCheckRun compares a stored check run with a fresh snapshot and sets the change flags.
func DiffCheckRun(existing model.CheckRun, snap model.CheckRunSnapshot) (CheckRunChangeRecord, error) {
	id := existing.ID
	rec := CheckRunChangeRecord{
		Data:       snap,
		PRID:       existing.PRID,
		ExistingID: &id,
	}

	status, err := model.CheckRunStatusFromExternal(snap.Status)
	if err != nil {
		return CheckRunChangeRecord{}, err
	}
	conclusion, err := model.CheckConclusionFromExternal(snap.Conclusion)
	if err != nil {
		return CheckRunChangeRecord{}, err
	}

	if existing.Status != status {
		rec.StatusChanged = true
		oldStatus := existing.Status
		rec.OldStatus = &oldStatus
	}
	if !sameConclusion(existing.Conclusion, conclusion) {
		rec.ConclusionChanged = true
		rec.OldConclusion = existing.Conclusion
	}
	if !sameTime(existing.StartedAt, snap.StartedAt) || !sameTime(existing.CompletedAt, snap.CompletedAt) {
		rec.TimingChanged = true
	}

	if rec.HasChanges() {
		rec.ChangeType = ChangeUpdated
	} else {
		rec.ChangeType = ChangeUnchanged
	}
	return rec, nil
}

func sameConclusion(a, b *model.CheckConclusion) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

// jsonEqual compares two metadata blobs by their JSON encoding, so a stored
// []any and a fresh []string with the same elements are equal.
func jsonEqual(a, b map[string]any) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	ab, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bb, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
