package model

import (
	"encoding/json"
	"time"
)

// ExecutionStatus is the derived lifecycle state of a hunt execution.
type ExecutionStatus string

const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionPartial   ExecutionStatus = "partial"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
)

// IsTerminal reports whether no further transition is possible.
func (s ExecutionStatus) IsTerminal() bool {
	switch s {
	case ExecutionCompleted, ExecutionPartial, ExecutionFailed, ExecutionCancelled:
		return true
	}
	return false
}

// StepStatus is the state of a single step within an execution.
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepCancelled StepStatus = "cancelled"
	StepSkipped   StepStatus = "skipped"
)

func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepCancelled, StepSkipped:
		return true
	}
	return false
}

// CanTransition reports whether s -> to is a legal step transition.
// Steps move pending -> running -> terminal; a pending step may only be skipped.
func (s StepStatus) CanTransition(to StepStatus) bool {
	switch s {
	case StepPending:
		return to == StepRunning || to == StepSkipped
	case StepRunning:
		return to == StepCompleted || to == StepFailed || to == StepCancelled
	}
	return false
}

// ErrorKind classifies step and request failures.
type ErrorKind string

const (
	ErrValidation      ErrorKind = "validation_error"
	ErrMissingParam    ErrorKind = "missing_parameter"
	ErrPlugin          ErrorKind = "plugin_error"
	ErrTimeout         ErrorKind = "timeout"
	ErrCancelled       ErrorKind = "cancelled"
	ErrTransport       ErrorKind = "transport_error"
	ErrDependencyUnmet ErrorKind = "dependency_not_completed"
)

// StepError is the structured error recorded on a step.
type StepError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

func (e *StepError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// EventType distinguishes plugin output from plugin-reported errors.
type EventType string

const (
	EventData  EventType = "data"
	EventError EventType = "error"
)

// ResultEvent is the unit both persisted and streamed.
// Sequence is assigned by the store and increases monotonically per execution.
type ResultEvent struct {
	Sequence    int64           `json:"sequence"`
	ExecutionID string          `json:"executionId"`
	StepID      string          `json:"stepId"`
	Type        EventType       `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	EmittedAt   time.Time       `json:"emittedAt"`
}

// StepExecution records one step of a running or finished execution.
type StepExecution struct {
	StepID      string        `json:"stepId"`
	PluginName  string        `json:"pluginName"`
	Status      StepStatus    `json:"status"`
	StartedAt   *time.Time    `json:"startedAt,omitempty"`
	CompletedAt *time.Time    `json:"completedAt,omitempty"`
	Results     []ResultEvent `json:"results,omitempty"`
	Error       *StepError    `json:"error,omitempty"`
}

// HasData reports whether the step produced at least one data event.
func (s StepExecution) HasData() bool {
	for _, ev := range s.Results {
		if ev.Type == EventData {
			return true
		}
	}
	return false
}

// HuntExecution is one run of a hunt against concrete initial parameters.
type HuntExecution struct {
	ID                string          `json:"id"`
	HuntID            string          `json:"huntId"`
	HuntName          string          `json:"huntName,omitempty"`
	CaseID            string          `json:"caseId"`
	InitialParameters map[string]any  `json:"initialParameters"`
	Status            ExecutionStatus `json:"status"`
	CancelRequested   bool            `json:"cancelRequested,omitempty"`
	StartedAt         time.Time       `json:"startedAt"`
	CompletedAt       *time.Time      `json:"completedAt,omitempty"`
	Steps             []StepExecution `json:"steps,omitempty"`
}

// Step returns a pointer into Steps for the given id, or nil.
func (e *HuntExecution) Step(id string) *StepExecution {
	for i := range e.Steps {
		if e.Steps[i].StepID == id {
			return &e.Steps[i]
		}
	}
	return nil
}

// Clone returns a deep copy so callers can't mutate store-owned state.
func (e HuntExecution) Clone(includeSteps bool) HuntExecution {
	out := e
	out.InitialParameters = CloneParams(e.InitialParameters)
	if e.CompletedAt != nil {
		t := *e.CompletedAt
		out.CompletedAt = &t
	}
	out.Steps = nil
	if !includeSteps {
		return out
	}
	out.Steps = make([]StepExecution, len(e.Steps))
	for i, s := range e.Steps {
		cp := s
		cp.Results = append([]ResultEvent(nil), s.Results...)
		if s.Error != nil {
			se := *s.Error
			cp.Error = &se
		}
		if s.StartedAt != nil {
			t := *s.StartedAt
			cp.StartedAt = &t
		}
		if s.CompletedAt != nil {
			t := *s.CompletedAt
			cp.CompletedAt = &t
		}
		out.Steps[i] = cp
	}
	return out
}

// CloneParams deep-copies a JSON-shaped parameter map.
func CloneParams(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = CloneValue(v)
	}
	return out
}

// CloneValue deep-copies a JSON-shaped value.
func CloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneParams(t)
	case []any:
		cp := make([]any, len(t))
		for i := range t {
			cp[i] = CloneValue(t[i])
		}
		return cp
	default:
		return v
	}
}
