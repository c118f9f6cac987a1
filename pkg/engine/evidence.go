package engine

import (
	"context"
	"fmt"
	"time"

	"huntd/pkg/model"
	"huntd/pkg/store"
)

// EvidenceSink receives the results of every step that completed with data.
// Calls run off the execution coordinator under a timeout. Errors are logged
// by the engine and never change execution status.
type EvidenceSink interface {
	AppendEvidence(ctx context.Context, caseID, executionID, stepID string, results []model.ResultEvent) error
}

// AuditEvidenceSink records evidence hand-offs in the store's audit log.
type AuditEvidenceSink struct {
	Store store.ExecutionStore
}

func (s AuditEvidenceSink) AppendEvidence(_ context.Context, caseID, executionID, stepID string, results []model.ResultEvent) error {
	return s.Store.AppendAudit(model.AuditEntry{
		Actor:       "engine",
		Action:      "evidence",
		ExecutionID: executionID,
		CaseID:      caseID,
		Detail:      fmt.Sprintf("step %s: %d results", stepID, len(results)),
		Timestamp:   time.Now().UTC(),
	})
}
