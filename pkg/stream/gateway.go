package stream

import (
	"encoding/json"
	"net/http"
	"path"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/go-hclog"

	"huntd/pkg/auth"
	"huntd/pkg/model"
	"huntd/pkg/store"
)

// TokenVerifier checks an execution-scoped stream token.
type TokenVerifier interface {
	ParseStream(token, executionID string) (*auth.StreamClaims, error)
}

type Options struct {
	PingInterval time.Duration
	PongWait     time.Duration
	WriteWait    time.Duration
}

func (o Options) withDefaults() Options {
	if o.PongWait <= 0 {
		o.PongWait = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongWait {
		o.PingInterval = o.PongWait * 9 / 10
	}
	if o.WriteWait <= 0 {
		o.WriteWait = 10 * time.Second
	}
	return o
}

// Gateway serves the live channel of one execution over WebSocket:
// persisted events are replayed first, then live frames follow.
type Gateway struct {
	hub      *Hub
	store    store.ExecutionStore
	verify   TokenVerifier
	opts     Options
	upgrader websocket.Upgrader
	log      hclog.Logger
}

func NewGateway(hub *Hub, st store.ExecutionStore, verify TokenVerifier, opts Options, logger hclog.Logger) *Gateway {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Gateway{
		hub:    hub,
		store:  st,
		verify: verify,
		opts:   opts.withDefaults(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log: logger,
	}
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		id = path.Base(r.URL.Path)
	}
	claims, err := g.verify.ParseStream(r.URL.Query().Get("token"), id)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid or expired stream token")
		return
	}
	if _, ok, err := g.store.GetExecution(id, false); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
		return
	} else if !ok {
		writeError(w, http.StatusNotFound, "not_found", "execution not found")
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Warn("ws upgrade failed", "execution_id", id, "error", err)
		return
	}
	defer conn.Close()

	sub := g.hub.Subscribe(id)
	defer g.hub.Unsubscribe(sub)

	log := g.log.With("execution_id", id, "subject", claims.Subject, "remote", r.RemoteAddr)
	log.Debug("observer attached")
	s := &session{conn: conn, opts: g.opts, log: log, id: id}

	readDone := make(chan struct{})
	go s.readLoop(readDone)

	replayed, final, err := s.replay(g.store)
	if err != nil {
		log.Warn("replay failed", "error_kind", model.ErrTransport, "error", err)
		return
	}
	if final {
		s.close(websocket.CloseNormalClosure, "execution finished")
		return
	}

	ping := time.NewTicker(g.opts.PingInterval)
	defer ping.Stop()
	expiry := time.NewTimer(time.Until(claims.ExpiresAt.Time))
	defer expiry.Stop()

	for {
		select {
		case f, ok := <-sub.Frames():
			if !ok {
				s.closeForReason(sub.Reason())
				return
			}
			// Sibling steps may publish out of sequence order; only frames
			// already covered by the replay are duplicates.
			if f.Kind == model.FrameEvent && f.Event.Sequence <= replayed {
				continue
			}
			if err := s.write(f); err != nil {
				log.Debug("write failed", "error_kind", model.ErrTransport, "error", err)
				return
			}
			if f.IsFinal() {
				s.close(websocket.CloseNormalClosure, "execution finished")
				return
			}
		case <-ping.C:
			if err := s.ping(); err != nil {
				log.Debug("ping failed", "error_kind", model.ErrTransport, "error", err)
				return
			}
		case <-expiry.C:
			s.close(websocket.ClosePolicyViolation, "stream token expired")
			return
		case <-readDone:
			log.Debug("observer detached")
			return
		}
	}
}

// session owns one connection. All writes happen on the ServeHTTP goroutine.
type session struct {
	conn *websocket.Conn
	opts Options
	log  hclog.Logger
	id   string
}

// readLoop consumes client frames; any frame or pong extends the deadline.
func (s *session) readLoop(done chan<- struct{}) {
	defer close(done)
	s.conn.SetReadLimit(4096)
	_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	})
	for {
		if _, _, err := s.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.Debug("observer unresponsive or gone", "error_kind", model.ErrTransport, "error", err)
			}
			return
		}
		_ = s.conn.SetReadDeadline(time.Now().Add(s.opts.PongWait))
	}
}

// replay sends every persisted event, then the current step and execution
// state. It returns the highest sequence sent and whether the execution is
// already terminal.
func (s *session) replay(st store.ExecutionStore) (int64, bool, error) {
	events, err := st.EventsSince(s.id, 0)
	if err != nil {
		return 0, false, err
	}
	var last int64
	for _, ev := range events {
		if err := s.write(model.EventFrame(ev)); err != nil {
			return last, false, err
		}
		last = ev.Sequence
	}

	exec, ok, err := st.GetExecution(s.id, true)
	if err != nil {
		return last, false, err
	}
	if !ok {
		return last, true, nil
	}
	for _, step := range exec.Steps {
		if step.Status == model.StepPending {
			continue
		}
		at := exec.StartedAt
		if step.CompletedAt != nil {
			at = *step.CompletedAt
		} else if step.StartedAt != nil {
			at = *step.StartedAt
		}
		if err := s.write(model.StepFrame(s.id, step.StepID, step.Status, step.Error, at)); err != nil {
			return last, false, err
		}
	}
	at := exec.StartedAt
	if exec.CompletedAt != nil {
		at = *exec.CompletedAt
	}
	if err := s.write(model.ExecutionFrame(s.id, exec.Status, at)); err != nil {
		return last, false, err
	}
	return last, exec.Status.IsTerminal(), nil
}

func (s *session) write(f model.Frame) error {
	b, err := json.Marshal(f)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.opts.WriteWait))
	return s.conn.WriteMessage(websocket.TextMessage, b)
}

func (s *session) ping() error {
	if err := s.write(model.Frame{Kind: model.FramePing, ExecutionID: s.id, At: time.Now().UTC()}); err != nil {
		return err
	}
	return s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(s.opts.WriteWait))
}

func (s *session) closeForReason(reason string) {
	switch reason {
	case ReasonOverflow:
		s.log.Warn("observer dropped", "error_kind", model.ErrTransport, "reason", reason)
		s.close(websocket.CloseTryAgainLater, reason)
	case ReasonShutdown:
		s.close(websocket.CloseGoingAway, reason)
	default:
		s.close(websocket.CloseNormalClosure, reason)
	}
}

func (s *session) close(code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.opts.WriteWait))
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(errorBody{Error: kind, Message: msg})
}
