package plugin

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"huntd/pkg/model"
)

var placeholder = regexp.MustCompile(`\{\{\s*([A-Za-z0-9_.-]+)\s*\}\}`)

// Command runs an external CLI tool. Each stdout line becomes one event:
// {"type":"data|error","payload":...} lines are taken as-is, other JSON
// objects become data payloads, and plain text becomes {"line": text}.
type Command struct {
	cfg Config
}

func NewCommand(cfg Config) (*Command, error) {
	if cfg.Name == "" {
		return nil, fmt.Errorf("command plugin: name is required")
	}
	if cfg.Command == "" {
		return nil, fmt.Errorf("command plugin %s: command is required", cfg.Name)
	}
	return &Command{cfg: cfg}, nil
}

func (c *Command) Name() string { return c.cfg.Name }

func (c *Command) Run(ctx context.Context, params map[string]any) (<-chan Event, error) {
	args, err := expandArgs(c.cfg.Args, params)
	if err != nil {
		return nil, err
	}
	cmd := exec.CommandContext(ctx, c.cfg.Command, args...)
	// interrupt first, kill after the stop timeout
	cmd.Cancel = func() error { return cmd.Process.Signal(os.Interrupt) }
	cmd.WaitDelay = c.stopTimeout()
	cmd.Dir = c.cfg.Dir
	if len(c.cfg.Env) > 0 {
		cmd.Env = os.Environ()
		for k, v := range c.cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}
	if c.cfg.StdinParams {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("encode params: %w", err)
		}
		cmd.Stdin = bytes.NewReader(b)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr := &tailBuffer{max: 4096}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", c.cfg.Command, err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		send := func(ev Event) {
			select {
			case out <- ev:
			case <-ctx.Done():
			}
		}
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for sc.Scan() {
			if ev, ok := parseLine(sc.Bytes()); ok {
				send(ev)
			}
		}
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = err.Error()
			}
			send(Error(msg))
		}
	}()
	return out, nil
}

func (c *Command) stopTimeout() time.Duration {
	if c.cfg.StopTimeoutSeconds > 0 {
		return time.Duration(c.cfg.StopTimeoutSeconds) * time.Second
	}
	return 3 * time.Second
}

func parseLine(line []byte) (Event, bool) {
	line = bytes.TrimSpace(line)
	if len(line) == 0 {
		return Event{}, false
	}
	if line[0] == '{' {
		var env struct {
			Type    model.EventType `json:"type"`
			Payload json.RawMessage `json:"payload"`
		}
		if json.Unmarshal(line, &env) == nil {
			raw := append(json.RawMessage(nil), line...)
			if (env.Type == model.EventData || env.Type == model.EventError) && len(env.Payload) > 0 {
				return Event{Type: env.Type, Payload: append(json.RawMessage(nil), env.Payload...)}, true
			}
			return Data(raw), true
		}
	}
	return Data(map[string]any{"line": string(line)}), true
}

func expandArgs(args []string, params map[string]any) ([]string, error) {
	out := make([]string, len(args))
	var missing []string
	for i, a := range args {
		out[i] = placeholder.ReplaceAllStringFunc(a, func(m string) string {
			key := placeholder.FindStringSubmatch(m)[1]
			v, ok := params[key]
			if !ok {
				missing = append(missing, key)
				return m
			}
			return formatArg(v)
		})
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("missing parameter(s) for command arguments: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

func formatArg(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return ""
	case map[string]any, []any:
		b, _ := json.Marshal(t)
		return string(b)
	default:
		return fmt.Sprint(t)
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf []byte
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, p...)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return string(t.buf)
}
