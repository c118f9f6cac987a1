package engine

import "huntd/pkg/model"

// DeriveStatus computes the terminal status of an execution from its steps.
// A cancelled execution is never completed: it is partial when some step
// produced data and cancelled otherwise.
func DeriveStatus(exec model.HuntExecution) model.ExecutionStatus {
	allCompleted, anyData := true, false
	for _, s := range exec.Steps {
		if s.Status != model.StepCompleted {
			allCompleted = false
			continue
		}
		if s.HasData() {
			anyData = true
		}
	}
	switch {
	case exec.CancelRequested && anyData:
		return model.ExecutionPartial
	case exec.CancelRequested:
		return model.ExecutionCancelled
	case allCompleted:
		return model.ExecutionCompleted
	case anyData:
		return model.ExecutionPartial
	default:
		return model.ExecutionFailed
	}
}
