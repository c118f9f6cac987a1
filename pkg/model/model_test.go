package model

import "testing"

func TestStepStatus_CanTransition(t *testing.T) {
	tests := []struct {
		from, to StepStatus
		want     bool
	}{
		{StepPending, StepRunning, true},
		{StepPending, StepSkipped, true},
		{StepPending, StepCompleted, false},
		{StepRunning, StepCompleted, true},
		{StepRunning, StepFailed, true},
		{StepRunning, StepCancelled, true},
		{StepRunning, StepPending, false},
		{StepRunning, StepSkipped, false},
		{StepCompleted, StepRunning, false},
		{StepFailed, StepCompleted, false},
		{StepSkipped, StepPending, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransition(tt.to); got != tt.want {
			t.Errorf("%s -> %s = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestExecutionStatus_IsTerminal(t *testing.T) {
	for _, s := range []ExecutionStatus{ExecutionCompleted, ExecutionPartial, ExecutionFailed, ExecutionCancelled} {
		if !s.IsTerminal() {
			t.Errorf("%s should be terminal", s)
		}
	}
	for _, s := range []ExecutionStatus{ExecutionPending, ExecutionRunning} {
		if s.IsTerminal() {
			t.Errorf("%s should not be terminal", s)
		}
	}
}

func TestHuntExecution_CloneIsDeep(t *testing.T) {
	exec := HuntExecution{
		ID:                "e1",
		InitialParameters: map[string]any{"domain": "example.com", "nested": map[string]any{"a": []any{1.0}}},
		Steps: []StepExecution{{
			StepID:  "dns",
			Results: []ResultEvent{{Sequence: 1, Type: EventData}},
			Error:   &StepError{Kind: ErrPlugin, Message: "boom"},
		}},
	}
	cp := exec.Clone(true)
	cp.InitialParameters["domain"] = "changed"
	cp.InitialParameters["nested"].(map[string]any)["a"].([]any)[0] = 2.0
	cp.Steps[0].Results[0].Sequence = 99
	cp.Steps[0].Error.Message = "changed"

	if exec.InitialParameters["domain"] != "example.com" {
		t.Errorf("initial parameters mutated through clone")
	}
	if exec.InitialParameters["nested"].(map[string]any)["a"].([]any)[0] != 1.0 {
		t.Errorf("nested parameters mutated through clone")
	}
	if exec.Steps[0].Results[0].Sequence != 1 || exec.Steps[0].Error.Message != "boom" {
		t.Errorf("step state mutated through clone")
	}
	if noSteps := exec.Clone(false); noSteps.Steps != nil {
		t.Errorf("Clone(false) kept %d steps", len(noSteps.Steps))
	}
}

func TestStepExecution_HasData(t *testing.T) {
	s := StepExecution{Results: []ResultEvent{{Type: EventError}}}
	if s.HasData() {
		t.Error("error-only step reported data")
	}
	s.Results = append(s.Results, ResultEvent{Type: EventData})
	if !s.HasData() {
		t.Error("step with data event reported none")
	}
}
