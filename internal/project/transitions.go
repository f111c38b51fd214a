package project

import "github.com/t77yq/research-scheduler/internal/model"

// transition is one edge of the caller-facing status graph
type transition struct {
	from, to model.ProjectStatus
}

// allowedTransitions enumerates every status change callers may request.
// Running and error are set exclusively by the execution system; they appear
// here only as guards, never as targets.
var allowedTransitions = map[transition]bool{
	{model.StatusDraft, model.StatusActive}:  true,
	{model.StatusPaused, model.StatusActive}: true,
	{model.StatusActive, model.StatusPaused}: true,
}

// canTransition reports whether callers may move a project from one status
// to another. Soft deletion is handled separately and is legal from any
// status.
func canTransition(from, to model.ProjectStatus) bool {
	if to == model.StatusDeleted {
		return true
	}
	return allowedTransitions[transition{from, to}]
}

// executionOwned reports whether the status belongs to the execution system,
// blocking all caller-requested transitions
func executionOwned(status model.ProjectStatus) bool {
	return status == model.StatusRunning || status == model.StatusError
}

// requiresQuota reports whether entering the target status consumes
// daily-run budget and therefore needs quota validation
func requiresQuota(to model.ProjectStatus) bool {
	return to == model.StatusActive
}

// editRequiresQuota reports whether a schedule edit must re-validate quota:
// only projects already contributing to the active budget are re-checked.
func editRequiresQuota(status model.ProjectStatus) bool {
	return status == model.StatusActive
}

// editRequiresGuardWindow reports whether a schedule edit must respect the
// minimum lead time before the newly computed run. Only active projects race
// the execution system.
func editRequiresGuardWindow(status model.ProjectStatus) bool {
	return status == model.StatusActive
}
