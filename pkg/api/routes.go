package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"huntd/pkg/auth"
	"huntd/pkg/engine"
	"huntd/pkg/hunt"
	"huntd/pkg/model"
	"huntd/pkg/plugin"
	"huntd/pkg/store"
	"huntd/pkg/version"
)

// Deps are the collaborators the HTTP layer needs.
type Deps struct {
	Catalog      *hunt.Catalog
	Manager      *engine.Manager
	Store        store.ExecutionStore
	Plugins      *plugin.Registry
	Signer       *auth.Signer
	Keys         *auth.KeyChecker
	AuthDisabled bool
	StreamTTL    time.Duration
	Gateway      http.Handler
	Log          hclog.Logger
}

type handlers struct {
	Deps
}

// RegisterRoutes wires the HTTP handlers on the provided mux.
func RegisterRoutes(mux *http.ServeMux, d Deps) {
	if d.Log == nil {
		d.Log = hclog.NewNullLogger()
	}
	if d.StreamTTL <= 0 {
		d.StreamTTL = 5 * time.Minute
	}
	h := &handlers{Deps: d}
	check := authFunc(d.Signer, d.Keys, d.AuthDisabled)
	protect := func(next http.HandlerFunc) http.HandlerFunc {
		return h.logged(requireAuth(check, next))
	}

	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/api/v1/version", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"build": version.Build})
	})

	mux.HandleFunc("/api/v1/hunts", protect(h.listHunts))
	mux.HandleFunc("/api/v1/hunts/{id}", protect(h.getHunt))
	mux.HandleFunc("/api/v1/hunts/{id}/execute", protect(h.execute))
	mux.HandleFunc("/api/v1/plugins", protect(h.listPlugins))
	mux.HandleFunc("/api/v1/executions/{id}", protect(h.execution))
	mux.HandleFunc("/api/v1/executions/{id}/cancel", protect(h.cancel))
	mux.HandleFunc("/api/v1/executions/{id}/stream-token", protect(h.streamToken))
	mux.HandleFunc("/api/v1/cases/{caseId}/executions", protect(h.listByCase))
	mux.HandleFunc("/api/v1/audit", protect(h.listAudit))
	if d.Gateway != nil {
		// authenticated by its own stream token
		mux.Handle("/api/v1/ws/executions/{id}", d.Gateway)
	}
}

func (h *handlers) listHunts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	defs := h.Catalog.List()
	out := make([]HuntSummary, 0, len(defs))
	for _, d := range defs {
		out = append(out, summarize(d))
	}
	writeJSON(w, http.StatusOK, out)
}

func (h *handlers) getHunt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	def, ok := h.Catalog.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "hunt not found")
		return
	}
	writeJSON(w, http.StatusOK, def)
}

func (h *handlers) listPlugins(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	names := []string{}
	if h.Plugins != nil {
		names = h.Plugins.Names()
	}
	writeJSON(w, http.StatusOK, names)
}

func (h *handlers) execute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	def, ok := h.Catalog.Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "hunt not found")
		return
	}
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, string(model.ErrValidation), "invalid payload")
		return
	}
	id, err := h.Manager.Start(def, req.CaseID, req.Parameters)
	var verr *hunt.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: string(model.ErrValidation), Message: verr.Error(), Problems: verr.Problems()})
		return
	case errors.Is(err, engine.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
		return
	case err != nil:
		h.internalError(w, err)
		return
	}
	h.audit(r, "execute", id, req.CaseID, def.ID)
	writeJSON(w, http.StatusAccepted, ExecuteResponse{ExecutionID: id})
}

func (h *handlers) execution(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	switch r.Method {
	case http.MethodGet:
		includeSteps, _ := strconv.ParseBool(r.URL.Query().Get("includeSteps"))
		exec, ok, err := h.Store.GetExecution(id, includeSteps)
		if err != nil {
			h.internalError(w, err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", "execution not found")
			return
		}
		writeJSON(w, http.StatusOK, exec)
	case http.MethodDelete:
		exec, ok, err := h.Store.GetExecution(id, false)
		if err != nil {
			h.internalError(w, err)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "not_found", "execution not found")
			return
		}
		if err := h.Manager.Delete(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "not_found", "execution not found")
				return
			}
			h.internalError(w, err)
			return
		}
		h.audit(r, "delete", id, exec.CaseID, "")
		w.WriteHeader(http.StatusNoContent)
	default:
		methodNotAllowed(w)
	}
}

func (h *handlers) cancel(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	id := r.PathValue("id")
	accepted, err := h.Manager.Cancel(id)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", "execution not found")
		return
	}
	if err != nil {
		h.internalError(w, err)
		return
	}
	if accepted {
		h.audit(r, "cancel", id, "", "")
	}
	writeJSON(w, http.StatusOK, CancelResponse{Accepted: accepted})
}

func (h *handlers) streamToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	id := r.PathValue("id")
	exec, ok, err := h.Store.GetExecution(id, false)
	if err != nil {
		h.internalError(w, err)
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "not_found", "execution not found")
		return
	}
	tok, exp, err := h.Signer.IssueStream(id, subjectFrom(r), h.StreamTTL)
	if err != nil {
		h.internalError(w, err)
		return
	}
	h.audit(r, "stream_token", id, exec.CaseID, "")
	writeJSON(w, http.StatusOK, StreamTokenResponse{
		Token:     tok,
		ExpiresAt: exp,
		URL:       "/api/v1/ws/executions/" + id + "?token=" + tok,
	})
}

func (h *handlers) listByCase(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	list, err := h.Store.ListByCase(r.PathValue("caseId"))
	if err != nil {
		h.internalError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *handlers) listAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	if limit <= 0 {
		limit = 100
	}
	entries, err := h.Store.ListAudit(limit)
	if err != nil {
		h.internalError(w, err)
		return
	}
	if entries == nil {
		entries = []model.AuditEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *handlers) audit(r *http.Request, action, executionID, caseID, detail string) {
	err := h.Store.AppendAudit(model.AuditEntry{
		Actor:       subjectFrom(r),
		Action:      action,
		ExecutionID: executionID,
		CaseID:      caseID,
		Detail:      detail,
		Timestamp:   time.Now().UTC(),
	})
	if err != nil {
		h.Log.Warn("append audit", "action", action, "execution_id", executionID, "error", err)
	}
}

func (h *handlers) internalError(w http.ResponseWriter, err error) {
	h.Log.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal_error", "internal error")
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (h *handlers) logged(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		h.Log.Debug("request", "method", r.Method, "path", r.URL.Path, "status", rec.status, "duration", time.Since(start))
	}
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
}

func writeError(w http.ResponseWriter, status int, kind, msg string) {
	writeJSON(w, status, ErrorResponse{Error: kind, Message: strings.TrimSpace(msg)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		hclog.Default().Warn("failed to write response", "error", err)
	}
}
