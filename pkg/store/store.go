package store

import (
	"errors"
	"fmt"
	"time"

	"huntd/pkg/model"
)

var (
	ErrNotFound          = errors.New("execution not found")
	ErrStepNotFound      = errors.New("step not found")
	ErrExists            = errors.New("execution already exists")
	ErrInvalidTransition = errors.New("invalid step status transition")
	ErrStepNotRunning    = errors.New("step is not running")
	ErrAlreadyTerminal   = errors.New("execution already terminal")
)

// StepUpdate moves a step to a new status.
type StepUpdate struct {
	Status model.StepStatus
	At     time.Time
	Err    *model.StepError
}

// ExecutionStore is the durable record of hunt executions.
// Implementations are strongly consistent within one process: a write is
// visible to every read that starts after it returns.
type ExecutionStore interface {
	CreateExecution(model.HuntExecution) error
	GetExecution(id string, includeSteps bool) (model.HuntExecution, bool, error)
	ListByCase(caseID string) ([]model.HuntExecution, error)
	// AppendResult assigns the next per-execution sequence and persists ev.
	AppendResult(executionID, stepID string, ev model.ResultEvent) (model.ResultEvent, error)
	SetStepStatus(executionID, stepID string, u StepUpdate) error
	SetExecutionStatus(executionID string, status model.ExecutionStatus, at time.Time) error
	MarkCancelRequested(executionID string) error
	// EventsSince returns events with Sequence > since, in sequence order.
	EventsSince(executionID string, since int64) ([]model.ResultEvent, error)
	DeleteExecution(id string) error
	PruneFinishedBefore(cutoff time.Time) (int, error)
	AppendAudit(model.AuditEntry) error
	ListAudit(limit int) ([]model.AuditEntry, error)
	Close() error
}

// Open builds a store for the named backend: memory, sqlite or mysql.
func Open(backend, dsn string) (ExecutionStore, error) {
	switch backend {
	case "", "memory":
		return NewMemoryStore(), nil
	case "sqlite":
		if dsn == "" {
			dsn = "huntd.db"
		}
		return NewSQLiteStore(dsn)
	case "mysql":
		return NewGormStore(dsn)
	default:
		return nil, fmt.Errorf("unsupported store backend: %s", backend)
	}
}

func applyStepUpdate(s *model.StepExecution, u StepUpdate) error {
	if !s.Status.CanTransition(u.Status) {
		return fmt.Errorf("%w: step %s %s -> %s", ErrInvalidTransition, s.StepID, s.Status, u.Status)
	}
	at := u.At
	if at.IsZero() {
		at = time.Now().UTC()
	}
	s.Status = u.Status
	if u.Status == model.StepRunning {
		s.StartedAt = &at
	}
	if u.Status.IsTerminal() {
		s.CompletedAt = &at
	}
	if u.Err != nil {
		e := *u.Err
		s.Error = &e
	}
	return nil
}

func checkExecutionTransition(cur, next model.ExecutionStatus) error {
	if cur.IsTerminal() {
		return ErrAlreadyTerminal
	}
	if next == model.ExecutionPending {
		return fmt.Errorf("execution cannot return to %s", next)
	}
	return nil
}

const auditLimit = 1000
