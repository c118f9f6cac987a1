package plugin

import (
	"context"
	"encoding/json"
	"os/exec"
	"strings"
	"testing"
	"time"

	"huntd/pkg/model"
)

func TestParseLine(t *testing.T) {
	tests := []struct {
		line     string
		wantOK   bool
		wantType model.EventType
		wantJSON string
	}{
		{line: "", wantOK: false},
		{line: `{"type":"data","payload":{"resolved_ip":"93.184.216.34"}}`, wantOK: true, wantType: model.EventData, wantJSON: `{"resolved_ip":"93.184.216.34"}`},
		{line: `{"type":"error","payload":{"message":"nxdomain"}}`, wantOK: true, wantType: model.EventError, wantJSON: `{"message":"nxdomain"}`},
		{line: `{"registrar":"Example Inc"}`, wantOK: true, wantType: model.EventData, wantJSON: `{"registrar":"Example Inc"}`},
		{line: "plain text output", wantOK: true, wantType: model.EventData, wantJSON: `{"line":"plain text output"}`},
	}
	for _, tt := range tests {
		ev, ok := parseLine([]byte(tt.line))
		if ok != tt.wantOK {
			t.Errorf("parseLine(%q) ok = %v, want %v", tt.line, ok, tt.wantOK)
			continue
		}
		if !ok {
			continue
		}
		if ev.Type != tt.wantType {
			t.Errorf("parseLine(%q) type = %s, want %s", tt.line, ev.Type, tt.wantType)
		}
		b, _ := json.Marshal(ev.Payload)
		if string(b) != tt.wantJSON {
			t.Errorf("parseLine(%q) payload = %s, want %s", tt.line, b, tt.wantJSON)
		}
	}
}

func TestExpandArgs(t *testing.T) {
	args, err := expandArgs([]string{"-q", "{{domain}}", "--port={{ port }}", "--opts={{opts}}"},
		map[string]any{"domain": "example.com", "port": 443.0, "opts": map[string]any{"a": true}})
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"-q", "example.com", "--port=443", `--opts={"a":true}`}
	if strings.Join(args, " ") != strings.Join(want, " ") {
		t.Errorf("args = %v, want %v", args, want)
	}

	if _, err := expandArgs([]string{"{{ip}}"}, map[string]any{}); err == nil || !strings.Contains(err.Error(), "ip") {
		t.Errorf("expandArgs missing param error = %v", err)
	}
}

func TestCommand_Run(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	cmd, err := NewCommand(Config{
		Name:    "dns",
		Command: "sh",
		Args:    []string{"-c", `echo '{"type":"data","payload":{"resolved_ip":"10.0.0.1","domain":"'"$0"'"}}'; echo done`, "{{domain}}"},
	})
	if err != nil {
		t.Fatal(err)
	}
	a := newAdapter(t, AdapterOptions{StepTimeout: 5 * time.Second}, cmd)
	rec := &recorder{}
	out := a.Run(context.Background(), "dns", map[string]any{"domain": "example.com"}, 0, rec.emit)
	if out.Status != model.StepCompleted {
		t.Fatalf("outcome = %+v, want completed", out)
	}
	if len(rec.events) != 2 {
		t.Fatalf("got %d events, want 2", len(rec.events))
	}
	b, _ := json.Marshal(rec.events[0].Payload)
	if string(b) != `{"resolved_ip":"10.0.0.1","domain":"example.com"}` {
		t.Errorf("first payload = %s", b)
	}
}

func TestCommand_NonZeroExitReportsStderr(t *testing.T) {
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
	cmd, _ := NewCommand(Config{Name: "whois", Command: "sh", Args: []string{"-c", "echo 'lookup refused' >&2; exit 3"}})
	a := newAdapter(t, AdapterOptions{StepTimeout: 5 * time.Second}, cmd)
	out := a.Run(context.Background(), "whois", nil, 0, (&recorder{}).emit)
	if out.Status != model.StepFailed || out.Err.Message != "lookup refused" {
		t.Errorf("outcome = %+v, want failed with stderr message", out)
	}
}

func TestCommand_StopsOnCancel(t *testing.T) {
	if _, err := exec.LookPath("sleep"); err != nil {
		t.Skip("sleep not available")
	}
	cmd, _ := NewCommand(Config{Name: "slow", Command: "sleep", Args: []string{"30"}, StopTimeoutSeconds: 1})
	a := newAdapter(t, AdapterOptions{GracePeriod: 3 * time.Second}, cmd)
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)
	start := time.Now()
	out := a.Run(ctx, "slow", nil, time.Minute, (&recorder{}).emit)
	if out.Status != model.StepCancelled {
		t.Errorf("Status = %s, want cancelled", out.Status)
	}
	if time.Since(start) > 2*time.Second {
		t.Errorf("cancel took %s", time.Since(start))
	}
}
