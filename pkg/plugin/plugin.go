package plugin

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"huntd/pkg/model"
)

var (
	ErrUnknownPlugin = errors.New("unknown plugin")
	ErrDuplicate     = errors.New("plugin already registered")
)

// Event is one item of a plugin's output sequence.
type Event struct {
	Type    model.EventType
	Payload any
}

// Data builds a data event.
func Data(payload any) Event { return Event{Type: model.EventData, Payload: payload} }

// Error builds an error event carrying msg.
func Error(msg string) Event {
	return Event{Type: model.EventError, Payload: map[string]any{"message": msg}}
}

// Plugin runs one external tool invocation.
//
// Run returns a channel that yields events in order and is closed when the
// invocation ends. Implementations should stop and close the channel soon
// after ctx is cancelled. Each call is a fresh, single-pass run.
type Plugin interface {
	Name() string
	Run(ctx context.Context, params map[string]any) (<-chan Event, error)
}

// Func adapts a function to the Plugin interface.
type Func struct {
	PluginName string
	Fn         func(ctx context.Context, params map[string]any) (<-chan Event, error)
}

func (f Func) Name() string { return f.PluginName }

func (f Func) Run(ctx context.Context, params map[string]any) (<-chan Event, error) {
	return f.Fn(ctx, params)
}

// Registry maps stable plugin names to implementations. It is populated at
// startup and read concurrently afterwards.
type Registry struct {
	mu      sync.RWMutex
	plugins map[string]Plugin
}

func NewRegistry() *Registry {
	return &Registry{plugins: map[string]Plugin{}}
}

func (r *Registry) Register(p Plugin) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.plugins[p.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicate, p.Name())
	}
	r.plugins[p.Name()] = p
	return nil
}

func (r *Registry) Get(name string) (Plugin, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.plugins[name]
	return p, ok
}

// Has reports whether name is registered; it matches the catalog's plugin check.
func (r *Registry) Has(name string) bool {
	_, ok := r.Get(name)
	return ok
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.plugins))
	for n := range r.plugins {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
