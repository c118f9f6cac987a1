package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"

	"huntd/pkg/hunt"
	"huntd/pkg/model"
	"huntd/pkg/plugin"
	"huntd/pkg/store"
)

var ErrShuttingDown = errors.New("engine is shutting down")

// Publisher fans frames out to live observers. Publish must not block.
type Publisher interface {
	Publish(model.Frame)
	CloseExecution(executionID string)
}

type nopPublisher struct{}

func (nopPublisher) Publish(model.Frame)   {}
func (nopPublisher) CloseExecution(string) {}

// Options bounds step fan-out.
type Options struct {
	MaxParallelSteps int // per execution; <= 0 means unlimited
	MaxGlobalSteps   int // across all executions; <= 0 defaults to 16
}

// Manager owns every active execution of this process.
type Manager struct {
	store   store.ExecutionStore
	adapter *plugin.Adapter
	pub     Publisher
	sink    EvidenceSink
	log     hclog.Logger
	opts    Options
	global  *semaphore.Weighted

	mu     sync.Mutex
	active map[string]*run
	closed bool
	wg     sync.WaitGroup
}

func NewManager(st store.ExecutionStore, adapter *plugin.Adapter, pub Publisher, opts Options, logger hclog.Logger) *Manager {
	if pub == nil {
		pub = nopPublisher{}
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if opts.MaxGlobalSteps <= 0 {
		opts.MaxGlobalSteps = 16
	}
	return &Manager{
		store:   st,
		adapter: adapter,
		pub:     pub,
		sink:    AuditEvidenceSink{Store: st},
		log:     logger,
		opts:    opts,
		global:  semaphore.NewWeighted(int64(opts.MaxGlobalSteps)),
		active:  make(map[string]*run),
	}
}

// SetEvidenceSink replaces the default audit sink. nil disables evidence hand-off.
func (m *Manager) SetEvidenceSink(s EvidenceSink) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sink = s
}

// Start validates def, persists a new execution and schedules it in the
// background. Only definition and request problems are returned; step
// failures are recorded on the execution.
func (m *Manager) Start(def model.HuntDefinition, caseID string, params map[string]any) (string, error) {
	def = hunt.Normalize(def)
	if err := hunt.Validate(def, m.adapter.Has); err != nil {
		return "", err
	}
	if caseID == "" {
		return "", &hunt.ValidationError{HuntID: def.ID, Err: multierror.Append(nil, errors.New("case_id is required"))}
	}

	now := time.Now().UTC()
	exec := model.HuntExecution{
		ID:                uuid.NewString(),
		HuntID:            def.ID,
		HuntName:          def.Name,
		CaseID:            caseID,
		InitialParameters: model.CloneParams(params),
		Status:            model.ExecutionPending,
		StartedAt:         now,
	}
	if exec.InitialParameters == nil {
		exec.InitialParameters = map[string]any{}
	}
	for _, s := range def.Steps {
		exec.Steps = append(exec.Steps, model.StepExecution{StepID: s.StepID, PluginName: s.PluginName, Status: model.StepPending})
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return "", ErrShuttingDown
	}
	if err := m.store.CreateExecution(exec); err != nil {
		return "", fmt.Errorf("create execution: %w", err)
	}
	r := newRun(m, def, exec)
	m.active[exec.ID] = r
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		r.loop()
	}()
	m.log.Info("execution started", "execution_id", exec.ID, "hunt", def.ID, "case_id", caseID, "steps", len(def.Steps))
	return exec.ID, nil
}

// Cancel requests cooperative cancellation. It reports false when the
// execution is already terminal or is not running in this process.
func (m *Manager) Cancel(executionID string) (bool, error) {
	exec, ok, err := m.store.GetExecution(executionID, false)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, store.ErrNotFound
	}
	if exec.Status.IsTerminal() {
		return false, nil
	}
	r := m.lookup(executionID)
	if r == nil {
		return false, nil
	}
	accepted, err := r.tryCancel()
	if accepted {
		m.log.Info("execution cancel requested", "execution_id", executionID)
	}
	return accepted, err
}

// Delete cancels a running execution, waits for it to settle, then removes
// it from the store and disconnects its observers.
func (m *Manager) Delete(ctx context.Context, executionID string) error {
	if r := m.lookup(executionID); r != nil {
		if _, err := r.tryCancel(); err != nil {
			return err
		}
		select {
		case <-r.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := m.store.DeleteExecution(executionID); err != nil {
		return err
	}
	m.pub.CloseExecution(executionID)
	m.log.Info("execution deleted", "execution_id", executionID)
	return nil
}

// Done returns a channel closed once the execution is no longer active.
func (m *Manager) Done(executionID string) <-chan struct{} {
	if r := m.lookup(executionID); r != nil {
		return r.done
	}
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Active returns the ids of executions currently scheduled.
func (m *Manager) Active() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

// Prune deletes terminal executions that finished more than age ago.
func (m *Manager) Prune(age time.Duration) (int, error) {
	n, err := m.store.PruneFinishedBefore(time.Now().UTC().Add(-age))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.log.Info("pruned finished executions", "count", n, "older_than", age)
	}
	return n, nil
}

// Shutdown refuses new executions, cancels active ones and waits for their
// coordinators to finish or ctx to expire.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	m.closed = true
	runs := make([]*run, 0, len(m.active))
	for _, r := range m.active {
		runs = append(runs, r)
	}
	m.mu.Unlock()

	for _, r := range runs {
		if _, err := r.tryCancel(); err != nil {
			m.log.Warn("cancel on shutdown", "execution_id", r.id, "error", err)
			r.requestCancel()
		}
	}

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) lookup(id string) *run {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[id]
}

func (m *Manager) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.active, id)
}

func (m *Manager) evidenceSink() EvidenceSink {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sink
}
