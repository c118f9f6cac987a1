package engine

import (
	"testing"

	"huntd/pkg/model"
)

func TestDeriveStatus(t *testing.T) {
	withData := model.StepExecution{Status: model.StepCompleted, Results: []model.ResultEvent{{Type: model.EventData}}}
	empty := model.StepExecution{Status: model.StepCompleted}
	failed := model.StepExecution{Status: model.StepFailed}
	skipped := model.StepExecution{Status: model.StepSkipped}
	cancelled := model.StepExecution{Status: model.StepCancelled}

	tests := []struct {
		name      string
		steps     []model.StepExecution
		cancelReq bool
		want      model.ExecutionStatus
	}{
		{"all completed", []model.StepExecution{withData, empty}, false, model.ExecutionCompleted},
		{"some data", []model.StepExecution{withData, failed, skipped}, false, model.ExecutionPartial},
		{"completed without data and failures", []model.StepExecution{empty, failed}, false, model.ExecutionFailed},
		{"all failed", []model.StepExecution{failed, skipped}, false, model.ExecutionFailed},
		{"cancelled without data", []model.StepExecution{empty, cancelled, skipped}, true, model.ExecutionCancelled},
		{"cancelled with data", []model.StepExecution{withData, cancelled}, true, model.ExecutionPartial},
		{"cancel never yields completed", []model.StepExecution{withData, withData}, true, model.ExecutionPartial},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DeriveStatus(model.HuntExecution{Steps: tt.steps, CancelRequested: tt.cancelReq})
			if got != tt.want {
				t.Fatalf("got %s, want %s", got, tt.want)
			}
		})
	}
}
