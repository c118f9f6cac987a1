package plugin

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestDecodeConfig(t *testing.T) {
	cfg, err := DecodeConfig(map[string]any{
		"name":                 "whois",
		"command":              "whois",
		"args":                 []any{"{{domain}}"},
		"env":                  map[string]any{"LANG": "C"},
		"stop_timeout_seconds": int64(2),
	})
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Name != "whois" || len(cfg.Args) != 1 || cfg.Env["LANG"] != "C" || cfg.StopTimeoutSeconds != 2 {
		t.Errorf("cfg = %+v", cfg)
	}

	if _, err := DecodeConfig(map[string]any{"name": "x", "comand": "typo"}); err == nil {
		t.Error("unknown key accepted")
	}
}

func TestRegisterAll(t *testing.T) {
	reg := NewRegistry()
	err := RegisterAll(reg, []map[string]any{
		{"name": "whois", "command": "whois"},
		{"name": "echo", "type": "echo"},
		{"name": "whois", "command": "whois"},
		{"name": "bad", "type": "grpc"},
	})
	if err == nil {
		t.Fatal("RegisterAll() = nil, want duplicate and type errors")
	}
	if !strings.Contains(err.Error(), "already registered") || !strings.Contains(err.Error(), "unsupported type") {
		t.Errorf("error = %v", err)
	}
	if got := strings.Join(reg.Names(), ","); got != "echo,whois" {
		t.Errorf("Names() = %s, want echo,whois", got)
	}
}

func TestRegistry_Duplicate(t *testing.T) {
	reg := NewRegistry()
	if err := reg.Register(Echo("a")); err != nil {
		t.Fatal(err)
	}
	if err := reg.Register(Echo("a")); !errors.Is(err, ErrDuplicate) {
		t.Errorf("second Register() = %v, want ErrDuplicate", err)
	}
}

func TestEcho(t *testing.T) {
	ch, err := Echo("echo").Run(context.Background(), map[string]any{"domain": "example.com"})
	if err != nil {
		t.Fatal(err)
	}
	ev := <-ch
	if ev.Payload.(map[string]any)["domain"] != "example.com" {
		t.Errorf("payload = %v", ev.Payload)
	}
	if _, ok := <-ch; ok {
		t.Error("channel not closed after single event")
	}
}
