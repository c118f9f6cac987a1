package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"huntd/pkg/api"
	"huntd/pkg/auth"
	"huntd/pkg/engine"
	"huntd/pkg/hunt"
	"huntd/pkg/model"
	"huntd/pkg/plugin"
	"huntd/pkg/store"
	"huntd/pkg/stream"
)

func newServer(t *testing.T) (*httptest.Server, *engine.Manager, string) {
	t.Helper()
	reg := plugin.NewRegistry()
	for _, p := range []plugin.Plugin{plugin.Echo("whois"), plugin.Echo("dns")} {
		if err := reg.Register(p); err != nil {
			t.Fatal(err)
		}
	}
	catalog := hunt.NewCatalog(reg.Has, nil)
	if err := catalog.Replace([]model.HuntDefinition{
		{ID: "domain-recon", Name: "domain_recon", Steps: []model.StepDefinition{
			{StepID: "whois", PluginName: "whois", ParamMapping: map[string]model.ParamRef{"domain": {OutputKey: "domain"}}},
			{StepID: "dns", PluginName: "dns", ParamMapping: map[string]model.ParamRef{"domain": {OutputKey: "domain"}}},
		}},
	}); err != nil {
		t.Fatal(err)
	}
	st := store.NewMemoryStore()
	hub := stream.NewHub(64, nil)
	mgr := engine.NewManager(st, plugin.NewAdapter(reg, plugin.AdapterOptions{}, nil), hub, engine.Options{}, nil)
	signer := auth.NewSigner("client-secret")

	mux := http.NewServeMux()
	api.RegisterRoutes(mux, api.Deps{
		Catalog:   catalog,
		Manager:   mgr,
		Store:     st,
		Plugins:   reg,
		Signer:    signer,
		Keys:      auth.NewKeyChecker(""),
		StreamTTL: time.Minute,
		Gateway:   stream.NewGateway(hub, st, signer, stream.Options{}, nil),
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		mgr.Shutdown(ctx)
	})
	tok, err := signer.IssueSession("analyst", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	return srv, mgr, tok
}

func TestClient_ExecuteAndWatch(t *testing.T) {
	srv, mgr, tok := newServer(t)
	c := New(srv.URL, tok, "")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	hunts, err := c.Hunts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(hunts) != 1 || hunts[0].ID != "domain-recon" {
		t.Fatalf("hunts = %+v", hunts)
	}

	id, err := c.Execute(ctx, "domain-recon", "case-1", map[string]any{"domain": "example.com"})
	if err != nil {
		t.Fatal(err)
	}
	<-mgr.Done(id)

	var events int
	var final model.Frame
	err = c.Watch(ctx, id, WatchOptions{}, func(f model.Frame) {
		switch {
		case f.Kind == model.FrameEvent:
			events++
		case f.IsFinal():
			final = f
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if events != 2 {
		t.Errorf("events = %d, want 2", events)
	}
	if final.Status != string(model.ExecutionCompleted) {
		t.Errorf("final status = %q", final.Status)
	}

	exec, err := c.Execution(ctx, id, true)
	if err != nil {
		t.Fatal(err)
	}
	if exec.Status != model.ExecutionCompleted || len(exec.Steps) != 2 {
		t.Fatalf("execution = %+v", exec)
	}
	list, err := c.ListByCase(ctx, "case-1")
	if err != nil || len(list) != 1 {
		t.Fatalf("ListByCase = %v, %v", list, err)
	}

	accepted, err := c.Cancel(ctx, id)
	if err != nil || accepted {
		t.Fatalf("Cancel on finished = %v, %v", accepted, err)
	}
	if err := c.Delete(ctx, id); err != nil {
		t.Fatal(err)
	}
	_, err = c.Execution(ctx, id, false)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("after delete err = %v", err)
	}
}

func TestClient_Errors(t *testing.T) {
	srv, _, tok := newServer(t)
	ctx := context.Background()

	_, err := New(srv.URL, "", "").Hunts(ctx)
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusUnauthorized {
		t.Fatalf("unauthenticated err = %v", err)
	}

	_, err = New(srv.URL, tok, "").Execute(ctx, "domain-recon", "", nil)
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusBadRequest {
		t.Fatalf("missing case err = %v", err)
	}

	err = New(srv.URL, tok, "").Watch(ctx, "nope", WatchOptions{Backoff: time.Millisecond}, func(model.Frame) {})
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusNotFound {
		t.Fatalf("watch unknown err = %v", err)
	}
}

func TestClient_WSURL(t *testing.T) {
	tests := []struct{ base, want string }{
		{"http://h:8080", "ws://h:8080/api/v1/ws/executions/e1?token=t"},
		{"https://h/", "wss://h/api/v1/ws/executions/e1?token=t"},
		{"https://h/prefix", "wss://h/prefix/api/v1/ws/executions/e1?token=t"},
	}
	for _, tt := range tests {
		got, err := New(tt.base, "", "").wsURL("e1", "t")
		if err != nil {
			t.Fatal(err)
		}
		if got != tt.want {
			t.Errorf("wsURL(%q) = %q, want %q", tt.base, got, tt.want)
		}
	}
}

func TestClient_WatchKeepsOutOfOrderEventsAcrossReconnect(t *testing.T) {
	ev := func(seq int64, step string) model.Frame {
		return model.EventFrame(model.ResultEvent{Sequence: seq, ExecutionID: "e1", StepID: step, Type: model.EventData, Payload: json.RawMessage(`{}`)})
	}
	// first connection: sibling steps arrive out of order, then the link drops
	// second connection: full replay, one new event, then the final frame
	conns := [][]model.Frame{
		{ev(2, "dns"), ev(1, "whois")},
		{ev(1, "whois"), ev(2, "dns"), ev(3, "dns"), model.ExecutionFrame("e1", model.ExecutionCompleted, time.Now())},
	}
	var attempt atomic.Int32
	upgrader := websocket.Upgrader{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/v1/executions/e1/stream-token", func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(api.StreamTokenResponse{Token: "t"})
	})
	mux.HandleFunc("GET /api/v1/ws/executions/e1", func(w http.ResponseWriter, r *http.Request) {
		n := int(attempt.Add(1)) - 1
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if n >= len(conns) {
			return
		}
		for _, f := range conns[n] {
			if err := conn.WriteJSON(f); err != nil {
				return
			}
		}
		if n == len(conns)-1 {
			conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "execution finished"))
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var got []int64
	err := New(srv.URL, "tok", "").Watch(ctx, "e1", WatchOptions{Backoff: time.Millisecond}, func(f model.Frame) {
		if f.Kind == model.FrameEvent {
			got = append(got, f.Event.Sequence)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	want := []int64{2, 1, 3}
	if len(got) != len(want) {
		t.Fatalf("events %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("events %v, want %v", got, want)
		}
	}
}
