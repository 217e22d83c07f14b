// internal/model/enums.go
package model

import (
	"fmt"
	"strings"
)

// PRState is the internal state of a pull request.
type PRState string

const (
	PRStateOpened PRState = "OPENED"
	PRStateClosed PRState = "CLOSED"
	PRStateMerged PRState = "MERGED"
)

// PRStates lists every valid pull request state.
var PRStates = []PRState{PRStateOpened, PRStateClosed, PRStateMerged}

// PRStateFromExternal maps a GitHub state string and merged flag onto PRState.
// GitHub reports merged pull requests as "closed", so the merged flag wins.
func PRStateFromExternal(state string, merged bool) (PRState, error) {
	switch strings.ToLower(state) {
	case "open", "opened":
		return PRStateOpened, nil
	case "closed":
		if merged {
			return PRStateMerged, nil
		}
		return PRStateClosed, nil
	case "merged":
		return PRStateMerged, nil
	default:
		return "", fmt.Errorf("unknown pull request state %q", state)
	}
}

// TriggerEvent is the recorded cause of a pull request state transition.
type TriggerEvent string

const (
	TriggerOpened      TriggerEvent = "OPENED"
	TriggerClosed      TriggerEvent = "CLOSED"
	TriggerReopened    TriggerEvent = "REOPENED"
	TriggerSynchronize TriggerEvent = "SYNCHRONIZE"
)

// CheckRunStatus is the lifecycle status of a check run.
type CheckRunStatus string

const (
	CheckRunQueued     CheckRunStatus = "QUEUED"
	CheckRunInProgress CheckRunStatus = "IN_PROGRESS"
	CheckRunCompleted  CheckRunStatus = "COMPLETED"
	CheckRunCancelled  CheckRunStatus = "CANCELLED"
)

// CheckRunStatusFromExternal maps a GitHub check run status. GitHub's
// waiting/requested/pending statuses have not started yet and count as queued.
func CheckRunStatusFromExternal(status string) (CheckRunStatus, error) {
	switch strings.ToLower(status) {
	case "queued", "waiting", "requested", "pending":
		return CheckRunQueued, nil
	case "in_progress":
		return CheckRunInProgress, nil
	case "completed":
		return CheckRunCompleted, nil
	case "cancelled":
		return CheckRunCancelled, nil
	default:
		return "", fmt.Errorf("unknown check run status %q", status)
	}
}

// CheckConclusion is the outcome of a completed check run.
type CheckConclusion string

const (
	ConclusionSuccess        CheckConclusion = "SUCCESS"
	ConclusionFailure        CheckConclusion = "FAILURE"
	ConclusionNeutral        CheckConclusion = "NEUTRAL"
	ConclusionCancelled      CheckConclusion = "CANCELLED"
	ConclusionTimedOut       CheckConclusion = "TIMED_OUT"
	ConclusionActionRequired CheckConclusion = "ACTION_REQUIRED"
	ConclusionStale          CheckConclusion = "STALE"
	ConclusionSkipped        CheckConclusion = "SKIPPED"
)

var conclusions = map[string]CheckConclusion{
	"success":         ConclusionSuccess,
	"failure":         ConclusionFailure,
	"neutral":         ConclusionNeutral,
	"cancelled":       ConclusionCancelled,
	"timed_out":       ConclusionTimedOut,
	"action_required": ConclusionActionRequired,
	"stale":           ConclusionStale,
	"skipped":         ConclusionSkipped,
}

// CheckConclusionFromExternal maps a GitHub conclusion. A nil or empty input means
// the check run has no conclusion yet and yields nil.
func CheckConclusionFromExternal(conclusion *string) (*CheckConclusion, error) {
	if conclusion == nil || *conclusion == "" {
		return nil, nil
	}
	c, ok := conclusions[strings.ToLower(*conclusion)]
	if !ok {
		return nil, fmt.Errorf("unknown check run conclusion %q", *conclusion)
	}
	return &c, nil
}
