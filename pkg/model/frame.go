package model

import "time"

// FrameKind tags a frame on the live execution channel.
type FrameKind string

const (
	FrameEvent     FrameKind = "event"
	FrameStep      FrameKind = "step"
	FrameExecution FrameKind = "execution"
	FramePing      FrameKind = "ping"
)

// Frame is the single wire envelope of the live channel: exactly one frame per message.
type Frame struct {
	Kind        FrameKind    `json:"kind"`
	ExecutionID string       `json:"executionId"`
	StepID      string       `json:"stepId,omitempty"`
	Status      string       `json:"status,omitempty"`
	Event       *ResultEvent `json:"event,omitempty"`
	Error       *StepError   `json:"error,omitempty"`
	At          time.Time    `json:"at"`
}

// EventFrame wraps a persisted result event.
func EventFrame(ev ResultEvent) Frame {
	return Frame{Kind: FrameEvent, ExecutionID: ev.ExecutionID, StepID: ev.StepID, Event: &ev, At: ev.EmittedAt}
}

func StepFrame(executionID, stepID string, status StepStatus, err *StepError, at time.Time) Frame {
	return Frame{Kind: FrameStep, ExecutionID: executionID, StepID: stepID, Status: string(status), Error: err, At: at}
}

func ExecutionFrame(executionID string, status ExecutionStatus, at time.Time) Frame {
	return Frame{Kind: FrameExecution, ExecutionID: executionID, Status: string(status), At: at}
}

// IsFinal reports whether the frame announces a terminal execution status.
func (f Frame) IsFinal() bool {
	return f.Kind == FrameExecution && ExecutionStatus(f.Status).IsTerminal()
}
