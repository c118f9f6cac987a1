package store

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"huntd/pkg/model"
)

func backends(t *testing.T) map[string]ExecutionStore {
	t.Helper()
	sq, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sq.Close() })
	return map[string]ExecutionStore{
		"memory": NewMemoryStore(),
		"sqlite": sq,
	}
}

func newExecution(id, caseID string, steps ...string) model.HuntExecution {
	e := model.HuntExecution{
		ID:                id,
		HuntID:            "domain-recon",
		HuntName:          "domain_recon",
		CaseID:            caseID,
		InitialParameters: map[string]any{"domain": "example.com", "nested": map[string]any{"a": "b"}},
		Status:            model.ExecutionPending,
		StartedAt:         time.Now().UTC().Truncate(time.Millisecond),
	}
	for _, s := range steps {
		e.Steps = append(e.Steps, model.StepExecution{StepID: s, PluginName: s, Status: model.StepPending})
	}
	return e
}

func payload(v any) json.RawMessage {
	b, _ := json.Marshal(v)
	return b
}

func TestStore_CreateAndGet(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			e := newExecution("e1", "case-1", "whois", "dns")
			if err := s.CreateExecution(e); err != nil {
				t.Fatal(err)
			}
			if err := s.CreateExecution(e); !errors.Is(err, ErrExists) {
				t.Fatalf("duplicate create: got %v", err)
			}
			got, ok, err := s.GetExecution("e1", true)
			if err != nil || !ok {
				t.Fatalf("get: ok=%v err=%v", ok, err)
			}
			if got.CaseID != "case-1" || got.Status != model.ExecutionPending || len(got.Steps) != 2 {
				t.Fatalf("unexpected execution: %+v", got)
			}
			if got.Steps[0].StepID != "whois" || got.Steps[1].StepID != "dns" {
				t.Fatalf("step order not kept: %+v", got.Steps)
			}
			if got.InitialParameters["domain"] != "example.com" {
				t.Fatalf("initial parameters: %v", got.InitialParameters)
			}
			noSteps, _, _ := s.GetExecution("e1", false)
			if len(noSteps.Steps) != 0 {
				t.Fatalf("steps returned without includeSteps")
			}
			if _, ok, err := s.GetExecution("missing", true); ok || err != nil {
				t.Fatalf("missing execution: ok=%v err=%v", ok, err)
			}
		})
	}
}

func TestStore_ReturnedValuesAreCopies(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.CreateExecution(newExecution("e1", "c", "a")); err != nil {
				t.Fatal(err)
			}
			got, _, _ := s.GetExecution("e1", true)
			got.InitialParameters["domain"] = "mutated"
			got.InitialParameters["nested"].(map[string]any)["a"] = "mutated"
			got.Steps[0].Status = model.StepFailed
			again, _, _ := s.GetExecution("e1", true)
			if again.InitialParameters["domain"] != "example.com" {
				t.Fatalf("initial parameters leaked mutation")
			}
			if again.InitialParameters["nested"].(map[string]any)["a"] != "b" {
				t.Fatalf("nested parameters leaked mutation")
			}
			if again.Steps[0].Status != model.StepPending {
				t.Fatalf("step status leaked mutation")
			}
		})
	}
}

func TestStore_StepTransitions(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.CreateExecution(newExecution("e1", "c", "a", "b")); err != nil {
				t.Fatal(err)
			}
			if err := s.SetStepStatus("e1", "a", StepUpdate{Status: model.StepCompleted}); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("pending -> completed: got %v", err)
			}
			if err := s.SetStepStatus("e1", "a", StepUpdate{Status: model.StepRunning}); err != nil {
				t.Fatal(err)
			}
			if err := s.SetStepStatus("e1", "a", StepUpdate{Status: model.StepFailed, Err: &model.StepError{Kind: model.ErrTimeout, Message: "deadline"}}); err != nil {
				t.Fatal(err)
			}
			if err := s.SetStepStatus("e1", "a", StepUpdate{Status: model.StepRunning}); !errors.Is(err, ErrInvalidTransition) {
				t.Fatalf("failed -> running: got %v", err)
			}
			if err := s.SetStepStatus("e1", "b", StepUpdate{Status: model.StepSkipped, Err: &model.StepError{Kind: model.ErrDependencyUnmet, Message: "a failed"}}); err != nil {
				t.Fatal(err)
			}
			if err := s.SetStepStatus("e1", "zzz", StepUpdate{Status: model.StepRunning}); !errors.Is(err, ErrStepNotFound) {
				t.Fatalf("unknown step: got %v", err)
			}
			if err := s.SetStepStatus("nope", "a", StepUpdate{Status: model.StepRunning}); !errors.Is(err, ErrNotFound) {
				t.Fatalf("unknown execution: got %v", err)
			}

			got, _, _ := s.GetExecution("e1", true)
			a, b := got.Step("a"), got.Step("b")
			if a.Status != model.StepFailed || a.Error == nil || a.Error.Kind != model.ErrTimeout {
				t.Fatalf("step a: %+v", a)
			}
			if a.StartedAt == nil || a.CompletedAt == nil {
				t.Fatalf("step a timestamps missing: %+v", a)
			}
			if b.Status != model.StepSkipped || b.Error == nil || b.Error.Kind != model.ErrDependencyUnmet {
				t.Fatalf("step b: %+v", b)
			}
		})
	}
}

func TestStore_AppendResultSequence(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.CreateExecution(newExecution("e1", "c", "a", "b")); err != nil {
				t.Fatal(err)
			}
			if _, err := s.AppendResult("e1", "a", model.ResultEvent{Type: model.EventData}); !errors.Is(err, ErrStepNotRunning) {
				t.Fatalf("append to pending step: got %v", err)
			}
			for _, id := range []string{"a", "b"} {
				if err := s.SetStepStatus("e1", id, StepUpdate{Status: model.StepRunning}); err != nil {
					t.Fatal(err)
				}
			}

			var wg sync.WaitGroup
			for i := 0; i < 20; i++ {
				step := "a"
				if i%2 == 1 {
					step = "b"
				}
				wg.Add(1)
				go func(step string, i int) {
					defer wg.Done()
					if _, err := s.AppendResult("e1", step, model.ResultEvent{Type: model.EventData, Payload: payload(map[string]int{"i": i})}); err != nil {
						t.Error(err)
					}
				}(step, i)
			}
			wg.Wait()

			events, err := s.EventsSince("e1", 0)
			if err != nil {
				t.Fatal(err)
			}
			if len(events) != 20 {
				t.Fatalf("got %d events, want 20", len(events))
			}
			for i, ev := range events {
				if ev.Sequence != int64(i+1) {
					t.Fatalf("event %d has sequence %d", i, ev.Sequence)
				}
				if ev.ExecutionID != "e1" {
					t.Fatalf("event %d execution id %q", i, ev.ExecutionID)
				}
			}
			tail, _ := s.EventsSince("e1", 15)
			if len(tail) != 5 || tail[0].Sequence != 16 {
				t.Fatalf("EventsSince(15) = %d events starting at %v", len(tail), tail)
			}

			if err := s.SetStepStatus("e1", "a", StepUpdate{Status: model.StepCompleted}); err != nil {
				t.Fatal(err)
			}
			if _, err := s.AppendResult("e1", "a", model.ResultEvent{Type: model.EventData}); !errors.Is(err, ErrStepNotRunning) {
				t.Fatalf("append after completion: got %v", err)
			}
			got, _, _ := s.GetExecution("e1", true)
			if n := len(got.Step("a").Results) + len(got.Step("b").Results); n != 20 {
				t.Fatalf("results attached to steps: %d", n)
			}
			if !got.Step("a").HasData() {
				t.Fatalf("step a should report data")
			}
			if _, err := s.EventsSince("missing", 0); !errors.Is(err, ErrNotFound) {
				t.Fatalf("EventsSince on unknown execution: got %v", err)
			}
		})
	}
}

func TestStore_ExecutionStatusAndCancel(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			if err := s.CreateExecution(newExecution("e1", "c", "a")); err != nil {
				t.Fatal(err)
			}
			if err := s.SetExecutionStatus("e1", model.ExecutionRunning, time.Now()); err != nil {
				t.Fatal(err)
			}
			if err := s.MarkCancelRequested("e1"); err != nil {
				t.Fatal(err)
			}
			done := time.Now().UTC()
			if err := s.SetExecutionStatus("e1", model.ExecutionCancelled, done); err != nil {
				t.Fatal(err)
			}
			if err := s.SetExecutionStatus("e1", model.ExecutionCompleted, done); !errors.Is(err, ErrAlreadyTerminal) {
				t.Fatalf("second terminal status: got %v", err)
			}
			if err := s.MarkCancelRequested("e1"); !errors.Is(err, ErrAlreadyTerminal) {
				t.Fatalf("cancel after terminal: got %v", err)
			}
			got, _, _ := s.GetExecution("e1", false)
			if got.Status != model.ExecutionCancelled || !got.CancelRequested || got.CompletedAt == nil {
				t.Fatalf("unexpected execution: %+v", got)
			}
			if err := s.MarkCancelRequested("missing"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("cancel unknown: got %v", err)
			}
		})
	}
}

func TestStore_ListByCaseDeleteAndPrune(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			base := time.Now().UTC().Add(-time.Hour)
			for i, id := range []string{"e1", "e2", "e3"} {
				e := newExecution(id, "case-1", "a")
				e.StartedAt = base.Add(time.Duration(i) * time.Minute)
				if err := s.CreateExecution(e); err != nil {
					t.Fatal(err)
				}
			}
			if err := s.CreateExecution(newExecution("other", "case-2", "a")); err != nil {
				t.Fatal(err)
			}
			list, err := s.ListByCase("case-1")
			if err != nil {
				t.Fatal(err)
			}
			if len(list) != 3 || list[0].ID != "e1" || list[2].ID != "e3" {
				t.Fatalf("ListByCase: %+v", list)
			}
			if empty, _ := s.ListByCase("none"); len(empty) != 0 {
				t.Fatalf("expected no executions for unknown case")
			}

			if err := s.SetExecutionStatus("e1", model.ExecutionCompleted, base); err != nil {
				t.Fatal(err)
			}
			if err := s.SetExecutionStatus("e2", model.ExecutionFailed, time.Now().UTC()); err != nil {
				t.Fatal(err)
			}
			n, err := s.PruneFinishedBefore(base.Add(time.Minute))
			if err != nil {
				t.Fatal(err)
			}
			if n != 1 {
				t.Fatalf("pruned %d, want 1", n)
			}
			if _, ok, _ := s.GetExecution("e1", false); ok {
				t.Fatalf("e1 should be pruned")
			}
			if _, ok, _ := s.GetExecution("e3", false); !ok {
				t.Fatalf("e3 is not finished and must survive")
			}

			if err := s.DeleteExecution("e2"); err != nil {
				t.Fatal(err)
			}
			if err := s.DeleteExecution("e2"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("delete twice: got %v", err)
			}
		})
	}
}

func TestStore_Audit(t *testing.T) {
	for name, s := range backends(t) {
		t.Run(name, func(t *testing.T) {
			now := time.Now().UTC()
			for i, action := range []string{"execute", "cancel", "delete"} {
				err := s.AppendAudit(model.AuditEntry{Actor: "analyst", Action: action, ExecutionID: "e1", Timestamp: now.Add(time.Duration(i) * time.Second)})
				if err != nil {
					t.Fatal(err)
				}
			}
			got, err := s.ListAudit(2)
			if err != nil {
				t.Fatal(err)
			}
			if len(got) != 2 || got[0].Action != "cancel" || got[1].Action != "delete" {
				t.Fatalf("ListAudit(2) = %+v", got)
			}
			all, _ := s.ListAudit(0)
			if len(all) != 3 || all[0].Action != "execute" {
				t.Fatalf("ListAudit(0) = %+v", all)
			}
		})
	}
}

func TestOpen_UnknownBackend(t *testing.T) {
	if _, err := Open("etcd", ""); err == nil {
		t.Fatal("expected error for unknown backend")
	}
	s, err := Open("memory", "")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*MemoryStore); !ok {
		t.Fatalf("memory backend returned %T", s)
	}
}
