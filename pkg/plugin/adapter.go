package plugin

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"huntd/pkg/model"
)

// AdapterOptions bounds every plugin invocation.
type AdapterOptions struct {
	StepTimeout time.Duration // default per-step budget; zero disables it
	GracePeriod time.Duration // how long a stopped plugin may keep running before it is abandoned
}

// Outcome is the terminal result of one invocation.
type Outcome struct {
	Status      model.StepStatus
	Err         *model.StepError
	DataEvents  int
	ErrorEvents int
	Abandoned   bool // the plugin did not stop within the grace period

	firstError string
}

// Adapter runs registered plugins behind a uniform, bounded contract.
type Adapter struct {
	registry *Registry
	opts     AdapterOptions
	log      hclog.Logger
}

func NewAdapter(registry *Registry, opts AdapterOptions, logger hclog.Logger) *Adapter {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if opts.GracePeriod <= 0 {
		opts.GracePeriod = 5 * time.Second
	}
	return &Adapter{registry: registry, opts: opts, log: logger}
}

// Has reports whether a plugin is registered under name.
func (a *Adapter) Has(name string) bool { return a.registry.Has(name) }

// Run invokes the named plugin and hands each event to emit, in order, before
// reading the next one. It returns when the sequence ends, or at most one
// grace period after ctx is cancelled or the timeout fires. timeout <= 0 uses
// the adapter default.
func (a *Adapter) Run(ctx context.Context, name string, params map[string]any, timeout time.Duration, emit func(Event) error) Outcome {
	p, ok := a.registry.Get(name)
	if !ok {
		return Outcome{Status: model.StepFailed, Err: &model.StepError{Kind: model.ErrPlugin, Message: fmt.Sprintf("%v: %s", ErrUnknownPlugin, name)}}
	}
	if timeout <= 0 {
		timeout = a.opts.StepTimeout
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	// Run itself may block before handing back a stream.
	startCh := make(chan started, 1)
	go func() {
		events, err := start(runCtx, p, params)
		startCh <- started{events, err}
	}()
	var events <-chan Event
	select {
	case st := <-startCh:
		if st.err != nil {
			return Outcome{Status: model.StepFailed, Err: &model.StepError{Kind: model.ErrPlugin, Message: st.err.Error()}}
		}
		events = st.events
	case <-deadline:
		cancel()
		a.log.Warn("plugin timed out before starting", "plugin", name, "timeout", timeout)
		return a.stopStarting(name, startCh, emit, model.StepFailed,
			&model.StepError{Kind: model.ErrTimeout, Message: fmt.Sprintf("step exceeded %s", timeout)})
	case <-ctx.Done():
		cancel()
		return a.stopStarting(name, startCh, emit, model.StepCancelled,
			&model.StepError{Kind: model.ErrCancelled, Message: "execution cancelled"})
	}

	var out Outcome
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if ctx.Err() != nil {
					out.Status = model.StepCancelled
					out.Err = &model.StepError{Kind: model.ErrCancelled, Message: "execution cancelled"}
					return out
				}
				return settle(out)
			}
			if err := forward(&out, ev, emit); err != nil {
				cancel()
				go drain(events)
				return persistFailure(out, err)
			}
		case <-deadline:
			cancel()
			a.log.Warn("plugin timed out", "plugin", name, "timeout", timeout)
			return a.stop(name, events, out, emit, model.StepFailed,
				&model.StepError{Kind: model.ErrTimeout, Message: fmt.Sprintf("step exceeded %s", timeout)})
		case <-ctx.Done():
			cancel()
			return a.stop(name, events, out, emit, model.StepCancelled,
				&model.StepError{Kind: model.ErrCancelled, Message: "execution cancelled"})
		}
	}
}

type started struct {
	events <-chan Event
	err    error
}

// stopStarting waits up to the grace period for a cancelled plugin whose Run
// has not returned yet, then for its stream to close.
func (a *Adapter) stopStarting(name string, startCh <-chan started, emit func(Event) error, status model.StepStatus, serr *model.StepError) Outcome {
	grace := time.NewTimer(a.opts.GracePeriod)
	defer grace.Stop()
	select {
	case st := <-startCh:
		if st.err != nil {
			return Outcome{Status: status, Err: serr}
		}
		return a.stopWithin(grace.C, name, st.events, Outcome{}, emit, status, serr)
	case <-grace.C:
		a.log.Warn("plugin ignored stop request while starting; abandoning it", "plugin", name, "grace", a.opts.GracePeriod)
		go func() {
			if st := <-startCh; st.err == nil {
				drain(st.events)
			}
		}()
		return Outcome{Status: status, Err: serr, Abandoned: true}
	}
}

// stop waits up to the grace period for a cancelled plugin to close its stream.
func (a *Adapter) stop(name string, events <-chan Event, out Outcome, emit func(Event) error, status model.StepStatus, serr *model.StepError) Outcome {
	grace := time.NewTimer(a.opts.GracePeriod)
	defer grace.Stop()
	return a.stopWithin(grace.C, name, events, out, emit, status, serr)
}

func (a *Adapter) stopWithin(grace <-chan time.Time, name string, events <-chan Event, out Outcome, emit func(Event) error, status model.StepStatus, serr *model.StepError) Outcome {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				out.Status, out.Err = status, serr
				return out
			}
			if err := forward(&out, ev, emit); err != nil {
				go drain(events)
				return persistFailure(out, err)
			}
		case <-grace:
			a.log.Warn("plugin ignored stop request; abandoning it", "plugin", name, "grace", a.opts.GracePeriod)
			go drain(events)
			out.Status, out.Err, out.Abandoned = status, serr, true
			return out
		}
	}
}

func start(ctx context.Context, p Plugin, params map[string]any) (events <-chan Event, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("plugin %s panicked: %v", p.Name(), r)
		}
	}()
	events, err = p.Run(ctx, params)
	if err == nil && events == nil {
		err = errors.New("plugin returned no event stream")
	}
	return events, err
}

func forward(out *Outcome, ev Event, emit func(Event) error) error {
	switch ev.Type {
	case model.EventError:
		out.ErrorEvents++
		if out.firstError == "" {
			out.firstError = errorMessage(ev.Payload)
		}
	default:
		ev.Type = model.EventData
		out.DataEvents++
	}
	return emit(ev)
}

// settle classifies a sequence that ended on its own.
func settle(out Outcome) Outcome {
	if out.ErrorEvents > 0 && out.DataEvents == 0 {
		out.Status = model.StepFailed
		out.Err = &model.StepError{Kind: model.ErrPlugin, Message: out.firstError}
		return out
	}
	out.Status = model.StepCompleted
	return out
}

func persistFailure(out Outcome, err error) Outcome {
	out.Status = model.StepFailed
	out.Err = &model.StepError{Kind: model.ErrPlugin, Message: "persist result: " + err.Error()}
	return out
}

// drain discards whatever an abandoned plugin still produces.
func drain(events <-chan Event) {
	for range events {
	}
}

func errorMessage(payload any) string {
	switch p := payload.(type) {
	case string:
		return p
	case map[string]any:
		if m, ok := p["message"].(string); ok {
			return m
		}
	case error:
		return p.Error()
	}
	return fmt.Sprintf("%v", payload)
}
