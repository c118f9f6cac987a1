package model

import "time"

// AuditEntry captures an operation against the engine API.
type AuditEntry struct {
	Actor       string    `json:"actor"`
	Action      string    `json:"action"`
	ExecutionID string    `json:"executionId,omitempty"`
	CaseID      string    `json:"caseId,omitempty"`
	Detail      string    `json:"detail,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}
