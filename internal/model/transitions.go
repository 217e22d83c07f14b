// internal/model/transitions.go
package model

// DetermineTriggerEvent resolves the trigger event recorded for a pull request
// moving from oldState to newState. It is total over the state space: a merge is
// recorded as a close, and every pair without a dedicated rule is a synchronize.
func DetermineTriggerEvent(oldState, newState PRState) TriggerEvent {
	switch {
	case oldState == PRStateOpened && newState == PRStateClosed:
		return TriggerClosed
	case oldState == PRStateOpened && newState == PRStateMerged:
		return TriggerClosed
	case oldState == PRStateClosed && newState == PRStateOpened:
		return TriggerReopened
	default:
		return TriggerSynchronize
	}
}
