package plugin

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"huntd/pkg/model"
)

// scripted emits events then closes, unless block is set.
func scripted(name string, events []Event, block bool, ignoreCancel bool) Plugin {
	return Func{PluginName: name, Fn: func(ctx context.Context, _ map[string]any) (<-chan Event, error) {
		out := make(chan Event)
		go func() {
			if !ignoreCancel {
				defer close(out)
			}
			for _, ev := range events {
				select {
				case out <- ev:
				case <-ctx.Done():
					if !ignoreCancel {
						return
					}
				}
			}
			if block {
				if ignoreCancel {
					select {}
				}
				<-ctx.Done()
			} else if ignoreCancel {
				close(out)
			}
		}()
		return out, nil
	}}
}

type recorder struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (r *recorder) emit(ev Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.events = append(r.events, ev)
	return nil
}

func newAdapter(t *testing.T, opts AdapterOptions, plugins ...Plugin) *Adapter {
	t.Helper()
	reg := NewRegistry()
	for _, p := range plugins {
		if err := reg.Register(p); err != nil {
			t.Fatal(err)
		}
	}
	return NewAdapter(reg, opts, nil)
}

func TestAdapter_Outcomes(t *testing.T) {
	tests := []struct {
		name       string
		events     []Event
		wantStatus model.StepStatus
		wantKind   model.ErrorKind
	}{
		{name: "data only", events: []Event{Data(map[string]any{"a": 1}), Data(map[string]any{"b": 2})}, wantStatus: model.StepCompleted},
		{name: "empty sequence", events: nil, wantStatus: model.StepCompleted},
		{name: "error only", events: []Event{Error("rate limited")}, wantStatus: model.StepFailed, wantKind: model.ErrPlugin},
		{name: "error then data", events: []Event{Error("partial"), Data("x")}, wantStatus: model.StepCompleted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := newAdapter(t, AdapterOptions{StepTimeout: time.Second}, scripted("p", tt.events, false, false))
			rec := &recorder{}
			out := a.Run(context.Background(), "p", nil, 0, rec.emit)
			if out.Status != tt.wantStatus {
				t.Errorf("Status = %s, want %s", out.Status, tt.wantStatus)
			}
			if tt.wantKind != "" && (out.Err == nil || out.Err.Kind != tt.wantKind) {
				t.Errorf("Err = %v, want kind %s", out.Err, tt.wantKind)
			}
			if len(rec.events) != len(tt.events) {
				t.Errorf("emitted %d events, want %d", len(rec.events), len(tt.events))
			}
		})
	}
}

func TestAdapter_ErrorEventMessage(t *testing.T) {
	a := newAdapter(t, AdapterOptions{}, scripted("p", []Event{Error("no such host")}, false, false))
	out := a.Run(context.Background(), "p", nil, 0, (&recorder{}).emit)
	if out.Err == nil || out.Err.Message != "no such host" {
		t.Errorf("Err = %v, want message from first error event", out.Err)
	}
}

func TestAdapter_PreservesOrder(t *testing.T) {
	var events []Event
	for i := 0; i < 50; i++ {
		events = append(events, Data(map[string]any{"i": i}))
	}
	a := newAdapter(t, AdapterOptions{}, scripted("p", events, false, false))
	rec := &recorder{}
	a.Run(context.Background(), "p", nil, 0, rec.emit)
	for i, ev := range rec.events {
		if got := ev.Payload.(map[string]any)["i"]; got != i {
			t.Fatalf("event %d carried i=%v", i, got)
		}
	}
}

func TestAdapter_RunErrorAndPanic(t *testing.T) {
	failing := Func{PluginName: "fails", Fn: func(context.Context, map[string]any) (<-chan Event, error) {
		return nil, errors.New("binary not found")
	}}
	panicking := Func{PluginName: "panics", Fn: func(context.Context, map[string]any) (<-chan Event, error) {
		panic("boom")
	}}
	a := newAdapter(t, AdapterOptions{}, failing, panicking)
	for _, name := range []string{"fails", "panics", "missing"} {
		out := a.Run(context.Background(), name, nil, 0, (&recorder{}).emit)
		if out.Status != model.StepFailed || out.Err == nil || out.Err.Kind != model.ErrPlugin {
			t.Errorf("%s: outcome = %+v, want failed plugin_error", name, out)
		}
	}
}

func TestAdapter_Timeout(t *testing.T) {
	a := newAdapter(t, AdapterOptions{GracePeriod: time.Second},
		scripted("slow", []Event{Data("first")}, true, false))
	rec := &recorder{}
	start := time.Now()
	out := a.Run(context.Background(), "slow", nil, 50*time.Millisecond, rec.emit)
	if out.Status != model.StepFailed || out.Err == nil || out.Err.Kind != model.ErrTimeout {
		t.Errorf("outcome = %+v, want failed timeout", out)
	}
	if out.Abandoned {
		t.Error("cooperative plugin was abandoned")
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("timeout took %s", elapsed)
	}
	if len(rec.events) != 1 {
		t.Errorf("emitted %d events, want 1", len(rec.events))
	}
}

func TestAdapter_CancelCooperative(t *testing.T) {
	a := newAdapter(t, AdapterOptions{GracePeriod: time.Second}, scripted("slow", nil, true, false))
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(30*time.Millisecond, cancel)
	out := a.Run(ctx, "slow", nil, time.Minute, (&recorder{}).emit)
	if out.Status != model.StepCancelled || out.Err.Kind != model.ErrCancelled {
		t.Errorf("outcome = %+v, want cancelled", out)
	}
	if out.Abandoned {
		t.Error("cooperative plugin was abandoned")
	}
}

func TestAdapter_ForceAbandonAfterGrace(t *testing.T) {
	const grace = 100 * time.Millisecond
	a := newAdapter(t, AdapterOptions{GracePeriod: grace}, scripted("stubborn", nil, true, true))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	out := a.Run(ctx, "stubborn", nil, time.Minute, (&recorder{}).emit)
	elapsed := time.Since(start)
	if out.Status != model.StepCancelled {
		t.Errorf("Status = %s, want cancelled", out.Status)
	}
	if !out.Abandoned {
		t.Error("Abandoned = false, want true")
	}
	if elapsed < grace || elapsed > grace+400*time.Millisecond {
		t.Errorf("returned after %s, want about %s", elapsed, grace)
	}
}

func TestAdapter_EmitFailureFailsStep(t *testing.T) {
	a := newAdapter(t, AdapterOptions{}, scripted("p", []Event{Data("a"), Data("b")}, false, false))
	rec := &recorder{err: errors.New("disk full")}
	out := a.Run(context.Background(), "p", nil, 0, rec.emit)
	if out.Status != model.StepFailed || out.Err.Kind != model.ErrPlugin {
		t.Errorf("outcome = %+v, want failed plugin_error", out)
	}
}

// slowStart blocks inside Run, ignoring ctx, until release is closed.
func slowStart(name string, release <-chan struct{}) Plugin {
	return Func{PluginName: name, Fn: func(_ context.Context, _ map[string]any) (<-chan Event, error) {
		<-release
		out := make(chan Event, 1)
		out <- Data("late")
		close(out)
		return out, nil
	}}
}

func TestAdapter_BlockingRunIsBounded(t *testing.T) {
	const grace = 50 * time.Millisecond
	tests := []struct {
		name       string
		cancelled  bool
		timeout    time.Duration
		wantStatus model.StepStatus
		wantKind   model.ErrorKind
	}{
		{"timeout", false, 100 * time.Millisecond, model.StepFailed, model.ErrTimeout},
		{"cancelled", true, time.Minute, model.StepCancelled, model.ErrCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			release := make(chan struct{})
			t.Cleanup(func() { close(release) })
			a := newAdapter(t, AdapterOptions{GracePeriod: grace}, slowStart("slow", release))
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if tt.cancelled {
				cancel()
			}
			rec := &recorder{}
			start := time.Now()
			out := a.Run(ctx, "slow", nil, tt.timeout, rec.emit)
			elapsed := time.Since(start)
			if out.Status != tt.wantStatus || out.Err == nil || out.Err.Kind != tt.wantKind {
				t.Errorf("outcome = %+v, want %s/%s", out, tt.wantStatus, tt.wantKind)
			}
			if !out.Abandoned {
				t.Error("Abandoned = false, want true")
			}
			limit := grace + 400*time.Millisecond
			if !tt.cancelled {
				limit += tt.timeout
			}
			if elapsed > limit {
				t.Errorf("returned after %s, want under %s", elapsed, limit)
			}
			rec.mu.Lock()
			defer rec.mu.Unlock()
			if len(rec.events) != 0 {
				t.Errorf("abandoned plugin emitted %v", rec.events)
			}
		})
	}
}

func TestAdapter_SlowRunReturningWithinGrace(t *testing.T) {
	release := make(chan struct{})
	a := newAdapter(t, AdapterOptions{GracePeriod: time.Second}, slowStart("slow", release))
	time.AfterFunc(80*time.Millisecond, func() { close(release) })
	rec := &recorder{}
	out := a.Run(context.Background(), "slow", nil, 30*time.Millisecond, rec.emit)
	if out.Status != model.StepFailed || out.Err.Kind != model.ErrTimeout {
		t.Errorf("outcome = %+v, want failed timeout", out)
	}
	if out.Abandoned {
		t.Error("plugin that returned within grace was abandoned")
	}
	if out.DataEvents != 1 {
		t.Errorf("DataEvents = %d, want the event delivered while stopping", out.DataEvents)
	}
}
