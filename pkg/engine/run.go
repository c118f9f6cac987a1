package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"huntd/pkg/model"
	"huntd/pkg/plugin"
	"huntd/pkg/store"
)

type stepDone struct {
	stepID  string
	outcome plugin.Outcome
}

// run is the coordinator of one execution. Only the loop goroutine touches
// status and running; step goroutines report back through doneCh.
type run struct {
	m      *Manager
	id     string
	caseID string
	def    model.HuntDefinition
	log    hclog.Logger

	ctx       context.Context
	cancel    context.CancelFunc
	cancelled atomic.Bool
	cancelCh  chan struct{}
	doneCh    chan stepDone
	done      chan struct{}

	status  map[string]model.StepStatus
	running int
	started bool

	finalMu  sync.Mutex // orders cancel requests against finalization
	finished bool

	evidence sync.WaitGroup // in-flight evidence hand-offs
}

func newRun(m *Manager, def model.HuntDefinition, exec model.HuntExecution) *run {
	ctx, cancel := context.WithCancel(context.Background())
	r := &run{
		m:        m,
		id:       exec.ID,
		caseID:   exec.CaseID,
		def:      def,
		log:      m.log.With("execution_id", exec.ID),
		ctx:      ctx,
		cancel:   cancel,
		cancelCh: make(chan struct{}, 1),
		doneCh:   make(chan stepDone, len(def.Steps)),
		done:     make(chan struct{}),
		status:   make(map[string]model.StepStatus, len(def.Steps)),
	}
	for _, s := range def.Steps {
		r.status[s.StepID] = model.StepPending
	}
	return r
}

// tryCancel records the cancel request unless the execution has already
// been finalized.
func (r *run) tryCancel() (bool, error) {
	r.finalMu.Lock()
	defer r.finalMu.Unlock()
	if r.finished {
		return false, nil
	}
	if err := r.m.store.MarkCancelRequested(r.id); err != nil {
		if errors.Is(err, store.ErrAlreadyTerminal) {
			return false, nil
		}
		return false, err
	}
	r.requestCancel()
	return true, nil
}

func (r *run) requestCancel() {
	if !r.cancelled.CompareAndSwap(false, true) {
		return
	}
	r.cancel()
	select {
	case r.cancelCh <- struct{}{}:
	default:
	}
}

func (r *run) loop() {
	defer close(r.done)
	defer r.m.forget(r.id)
	defer r.cancel()

	for {
		r.advance()
		if r.running == 0 {
			r.evidence.Wait()
			r.finalize()
			return
		}
		select {
		case d := <-r.doneCh:
			r.complete(d)
		case <-r.cancelCh:
		}
	}
}

// advance skips every pending step that can no longer run, then dispatches
// ready steps in definition order up to the per-execution limit. A step that
// could not be dispatched is skipped, which may unblock further skips.
func (r *run) advance() {
	for r.advanceOnce() {
	}
}

// advanceOnce reports whether a dispatch failed and the pass must be repeated.
func (r *run) advanceOnce() bool {
	cancelled := r.cancelled.Load()
	for changed := true; changed; {
		changed = false
		for _, s := range r.def.Steps {
			if r.status[s.StepID] != model.StepPending {
				continue
			}
			if cancelled {
				r.skip(s.StepID, &model.StepError{Kind: model.ErrCancelled, Message: "execution cancelled"})
				changed = true
				continue
			}
			for _, dep := range s.DependsOn {
				ds := r.status[dep]
				if ds.IsTerminal() && ds != model.StepCompleted {
					r.skip(s.StepID, &model.StepError{
						Kind:    model.ErrDependencyUnmet,
						Message: fmt.Sprintf("dependency %s ended %s", dep, ds),
					})
					changed = true
					break
				}
			}
		}
	}
	if cancelled {
		return false
	}

	limit := r.m.opts.MaxParallelSteps
	failed := false
	for _, s := range r.def.Steps {
		if limit > 0 && r.running >= limit {
			break
		}
		if r.status[s.StepID] == model.StepPending && r.ready(s) && !r.dispatch(s) {
			failed = true
		}
	}
	return failed
}

func (r *run) ready(s model.StepDefinition) bool {
	for _, dep := range s.DependsOn {
		if r.status[dep] != model.StepCompleted {
			return false
		}
	}
	return true
}

func (r *run) skip(stepID string, serr *model.StepError) {
	now := time.Now().UTC()
	r.status[stepID] = model.StepSkipped
	if err := r.m.store.SetStepStatus(r.id, stepID, store.StepUpdate{Status: model.StepSkipped, At: now, Err: serr}); err != nil {
		r.log.Error("record skipped step", "step_id", stepID, "error", err)
	}
	r.log.Debug("step skipped", "step_id", stepID, "reason", serr.Message)
	r.m.pub.Publish(model.StepFrame(r.id, stepID, model.StepSkipped, serr, now))
}

func (r *run) dispatch(s model.StepDefinition) bool {
	now := time.Now().UTC()
	if !r.started {
		r.started = true
		if err := r.m.store.SetExecutionStatus(r.id, model.ExecutionRunning, now); err != nil {
			r.log.Error("mark execution running", "error", err)
		}
		r.m.pub.Publish(model.ExecutionFrame(r.id, model.ExecutionRunning, now))
	}
	if err := r.m.store.SetStepStatus(r.id, s.StepID, store.StepUpdate{Status: model.StepRunning, At: now}); err != nil {
		r.log.Error("mark step running", "step_id", s.StepID, "error", err)
		r.skip(s.StepID, &model.StepError{Kind: model.ErrPlugin, Message: "could not start step: " + err.Error()})
		return false
	}
	r.status[s.StepID] = model.StepRunning
	r.running++
	r.m.pub.Publish(model.StepFrame(r.id, s.StepID, model.StepRunning, nil, now))
	r.log.Debug("step dispatched", "step_id", s.StepID, "plugin", s.PluginName)
	go r.runStep(s)
	return true
}

func (r *run) runStep(s model.StepDefinition) {
	res := stepDone{stepID: s.StepID}
	defer func() { r.doneCh <- res }()

	if err := r.m.global.Acquire(r.ctx, 1); err != nil {
		res.outcome = cancelledOutcome()
		return
	}
	defer r.m.global.Release(1)
	if r.ctx.Err() != nil {
		res.outcome = cancelledOutcome()
		return
	}

	snap, ok, err := r.m.store.GetExecution(r.id, true)
	if err != nil || !ok {
		res.outcome = plugin.Outcome{Status: model.StepFailed, Err: &model.StepError{Kind: model.ErrPlugin, Message: fmt.Sprintf("load execution: %v", err)}}
		return
	}
	params, serr := Resolve(s, snap)
	if serr != nil {
		res.outcome = plugin.Outcome{Status: model.StepFailed, Err: serr}
		return
	}

	emit := func(ev plugin.Event) error {
		payload, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("encode payload: %w", err)
		}
		stored, err := r.m.store.AppendResult(r.id, s.StepID, model.ResultEvent{
			Type:      ev.Type,
			Payload:   payload,
			EmittedAt: time.Now().UTC(),
		})
		if err != nil {
			return err
		}
		r.m.pub.Publish(model.EventFrame(stored))
		return nil
	}
	timeout := time.Duration(s.TimeoutSeconds) * time.Second
	res.outcome = r.m.adapter.Run(r.ctx, s.PluginName, params, timeout, emit)
}

func cancelledOutcome() plugin.Outcome {
	return plugin.Outcome{Status: model.StepCancelled, Err: &model.StepError{Kind: model.ErrCancelled, Message: "execution cancelled"}}
}

func (r *run) complete(d stepDone) {
	r.running--
	now := time.Now().UTC()
	out := d.outcome
	r.status[d.stepID] = out.Status
	if err := r.m.store.SetStepStatus(r.id, d.stepID, store.StepUpdate{Status: out.Status, At: now, Err: out.Err}); err != nil {
		r.log.Error("record step outcome", "step_id", d.stepID, "error", err)
	}
	r.m.pub.Publish(model.StepFrame(r.id, d.stepID, out.Status, out.Err, now))

	logArgs := []interface{}{"step_id", d.stepID, "status", out.Status, "data", out.DataEvents, "errors", out.ErrorEvents}
	if out.Err != nil {
		logArgs = append(logArgs, "error_kind", out.Err.Kind, "error", out.Err.Message)
	}
	if out.Abandoned {
		r.log.Warn("step abandoned after grace period", logArgs...)
	} else {
		r.log.Info("step finished", logArgs...)
	}

	if out.Status == model.StepCompleted && out.DataEvents > 0 {
		if sink := r.m.evidenceSink(); sink != nil {
			r.evidence.Add(1)
			go func() {
				defer r.evidence.Done()
				r.handOffEvidence(sink, d.stepID)
			}()
		}
	}
}

// handOffEvidence passes a completed step's results to the sink. It runs off
// the coordinator; finalization waits for it.
func (r *run) handOffEvidence(sink EvidenceSink, stepID string) {
	snap, ok, err := r.m.store.GetExecution(r.id, true)
	if err != nil || !ok {
		r.log.Warn("load results for evidence", "step_id", stepID, "error", err)
		return
	}
	st := snap.Step(stepID)
	if st == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := sink.AppendEvidence(ctx, r.caseID, r.id, stepID, st.Results); err != nil {
		r.log.Warn("append evidence", "step_id", stepID, "error", err)
	}
}

func (r *run) finalize() {
	r.finalMu.Lock()
	defer r.finalMu.Unlock()
	r.finished = true

	now := time.Now().UTC()
	snap, ok, err := r.m.store.GetExecution(r.id, true)
	if err != nil || !ok {
		r.log.Error("load execution for finalize", "error", err)
		return
	}
	status := DeriveStatus(snap)
	if err := r.m.store.SetExecutionStatus(r.id, status, now); err != nil {
		r.log.Error("record execution status", "status", status, "error", err)
		return
	}
	r.m.pub.Publish(model.ExecutionFrame(r.id, status, now))
	r.log.Info("execution finished", "status", status, "duration", now.Sub(snap.StartedAt))
}
