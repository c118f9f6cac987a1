package store

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"huntd/pkg/model"
)

// MemoryStore keeps executions in process memory. It is the default backend;
// state does not survive a restart.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*model.HuntExecution
	nextSeq    map[string]int64
	audit      []model.AuditEntry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*model.HuntExecution),
		nextSeq:    make(map[string]int64),
	}
}

func (m *MemoryStore) CreateExecution(e model.HuntExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[e.ID]; ok {
		return fmt.Errorf("%w: %s", ErrExists, e.ID)
	}
	cp := e.Clone(true)
	m.executions[e.ID] = &cp
	return nil
}

func (m *MemoryStore) GetExecution(id string, includeSteps bool) (model.HuntExecution, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[id]
	if !ok {
		return model.HuntExecution{}, false, nil
	}
	return e.Clone(includeSteps), true, nil
}

func (m *MemoryStore) ListByCase(caseID string) ([]model.HuntExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := []model.HuntExecution{}
	for _, e := range m.executions {
		if e.CaseID == caseID {
			out = append(out, e.Clone(false))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out, nil
}

func (m *MemoryStore) AppendResult(executionID, stepID string, ev model.ResultEvent) (model.ResultEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[executionID]
	if !ok {
		return ev, ErrNotFound
	}
	s := e.Step(stepID)
	if s == nil {
		return ev, fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}
	if s.Status != model.StepRunning {
		return ev, fmt.Errorf("%w: %s is %s", ErrStepNotRunning, stepID, s.Status)
	}
	m.nextSeq[executionID]++
	ev.Sequence = m.nextSeq[executionID]
	ev.ExecutionID = executionID
	ev.StepID = stepID
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now().UTC()
	}
	s.Results = append(s.Results, ev)
	return ev, nil
}

func (m *MemoryStore) SetStepStatus(executionID, stepID string, u StepUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	s := e.Step(stepID)
	if s == nil {
		return fmt.Errorf("%w: %s", ErrStepNotFound, stepID)
	}
	return applyStepUpdate(s, u)
}

func (m *MemoryStore) SetExecutionStatus(executionID string, status model.ExecutionStatus, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	if err := checkExecutionTransition(e.Status, status); err != nil {
		return err
	}
	e.Status = status
	if status.IsTerminal() {
		t := at
		e.CompletedAt = &t
	}
	return nil
}

func (m *MemoryStore) MarkCancelRequested(executionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.executions[executionID]
	if !ok {
		return ErrNotFound
	}
	if e.Status.IsTerminal() {
		return ErrAlreadyTerminal
	}
	e.CancelRequested = true
	return nil
}

func (m *MemoryStore) EventsSince(executionID string, since int64) ([]model.ResultEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.executions[executionID]
	if !ok {
		return nil, ErrNotFound
	}
	var out []model.ResultEvent
	for _, s := range e.Steps {
		for _, ev := range s.Results {
			if ev.Sequence > since {
				out = append(out, ev)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}

func (m *MemoryStore) DeleteExecution(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.executions[id]; !ok {
		return ErrNotFound
	}
	delete(m.executions, id)
	delete(m.nextSeq, id)
	return nil
}

func (m *MemoryStore) PruneFinishedBefore(cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, e := range m.executions {
		if e.Status.IsTerminal() && e.CompletedAt != nil && e.CompletedAt.Before(cutoff) {
			delete(m.executions, id)
			delete(m.nextSeq, id)
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) AppendAudit(entry model.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.audit = append(m.audit, entry)
	if len(m.audit) > auditLimit {
		m.audit = m.audit[len(m.audit)-auditLimit:]
	}
	return nil
}

func (m *MemoryStore) ListAudit(limit int) ([]model.AuditEntry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if limit <= 0 || limit > len(m.audit) {
		limit = len(m.audit)
	}
	return append([]model.AuditEntry(nil), m.audit[len(m.audit)-limit:]...), nil
}

func (m *MemoryStore) Close() error { return nil }
