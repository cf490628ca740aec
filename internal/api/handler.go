package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/reloader"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/session"
)

// SessionEnder ends call sessions.
type SessionEnder interface {
	End(id string, endedAt time.Time) error
}

// ReloadTrigger requests a rule reload.
type ReloadTrigger interface {
	Trigger(ctx context.Context, reason string) error
}

// Options holds the handler dependencies. Repo, Cache, Bus, Sessions and
// Reloader are optional; endpoints that need a missing one answer 503.
type Options struct {
	Engine   *engine.Engine
	Compiler *rules.Compiler
	Repo     domain.Repository
	Cache    domain.Cache
	Bus      domain.EventBus
	Sessions SessionEnder
	Reloader ReloadTrigger
	Version  string
}

// Handler holds dependencies for API handlers.
type Handler struct {
	Options
	validate *validator.Validate
}

// NewHandler creates a new API handler.
func NewHandler(opts Options) *Handler {
	return &Handler{
		Options:  opts,
		validate: validator.New(),
	}
}

// CheckResponse is the response for POST /check.
type CheckResponse struct {
	engine.Decision
	Error   string `json:"error,omitempty"`
	TraceID string `json:"traceId,omitempty"`
}

// Check handles POST /check requests.
func (h *Handler) Check(w http.ResponseWriter, r *http.Request) {
	var req engine.CheckRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	d, err := h.Engine.Check(r.Context(), req)
	resp := CheckResponse{Decision: d, TraceID: GetTraceID(r.Context())}

	status := http.StatusOK
	if err != nil {
		resp.Error = err.Error()
		switch {
		case errors.Is(err, engine.ErrInputInvalid):
			status = http.StatusBadRequest
		case errors.Is(err, engine.ErrNoDataLoaded):
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, resp)
}

// EndSessionRequest is the optional body for POST /sessions/{id}/end.
type EndSessionRequest struct {
	// EndedAt is unix seconds; zero means now.
	EndedAt int64 `json:"endedAt,omitempty" validate:"gte=0"`
}

// EndSession handles POST /sessions/{id}/end.
func (h *Handler) EndSession(w http.ResponseWriter, r *http.Request) {
	if h.Sessions == nil {
		writeError(w, http.StatusServiceUnavailable, "sessions not available")
		return
	}

	var req EndSessionRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid JSON request body")
			return
		}
	}
	if err := h.validate.Struct(req); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	var endedAt time.Time
	if req.EndedAt > 0 {
		endedAt = time.Unix(req.EndedAt, 0)
	}

	id := chi.URLParam(r, "id")
	if err := h.Sessions.End(id, endedAt); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			writeError(w, http.StatusNotFound, "session not found")
			return
		}
		slog.Error("failed to end session", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to end session")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Stats handles GET /stats?user=&prefix=.
func (h *Handler) Stats(w http.ResponseWriter, r *http.Request) {
	user := r.URL.Query().Get("user")
	prefix := r.URL.Query().Get("prefix")
	if user == "" {
		writeError(w, http.StatusBadRequest, "user is required")
		return
	}

	s, ok := h.Engine.Stats(user, prefix)
	if !ok {
		writeError(w, http.StatusNotFound, "no statistics for identity")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user":   user,
		"prefix": prefix,
		"window": h.Engine.Window(),
		"stats":  s,
	})
}

// ListEvents handles GET /events?limit=.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	if h.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}

	events, err := h.Repo.ListEvents(r.Context(), limit)
	if err != nil {
		slog.Error("failed to list events", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list events")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"events": events,
		"count":  len(events),
	})
}

// Health returns server health status.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	status := "healthy"
	checks := map[string]string{}

	check := func(name string, ping func(context.Context) error) {
		if err := ping(ctx); err != nil {
			status = "degraded"
			checks[name] = err.Error()
			return
		}
		checks[name] = "ok"
	}
	if h.Repo != nil {
		check("repository", h.Repo.Ping)
	}
	if h.Cache != nil {
		check("cache", h.Cache.Ping)
	}
	if h.Bus != nil {
		check("event_bus", h.Bus.Ping)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  status,
		"version": h.Version,
		"checks":  checks,
	})
}

// Ready reports ready once a rule snapshot is loaded.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	if !h.Engine.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"ready": false,
			"error": engine.ErrNoDataLoaded.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ready": true,
		"epoch": h.Engine.Epoch(),
	})
}

// ListRules returns every stored rule, or the active snapshot when no
// repository is configured.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	if h.Repo == nil {
		active := h.Engine.Rules()
		writeJSON(w, http.StatusOK, map[string]any{
			"rules":  active,
			"count":  len(active),
			"epoch":  h.Engine.Epoch(),
			"source": "snapshot",
		})
		return
	}

	stored, err := h.Repo.ListRules(r.Context())
	if err != nil {
		slog.Error("failed to list rules", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list rules")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"rules":  stored,
		"count":  len(stored),
		"epoch":  h.Engine.Epoch(),
		"source": "database",
	})
}

// GetRule retrieves a stored rule by ID.
func (h *Handler) GetRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	if h.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	rule, err := h.Repo.GetRule(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	if err != nil {
		slog.Error("failed to get rule", "rule_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to get rule")
		return
	}
	writeJSON(w, http.StatusOK, rule)
}

// SaveRule validates and stores a rule. The engine picks it up on the next
// reload.
func (h *Handler) SaveRule(w http.ResponseWriter, r *http.Request) {
	if h.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	var rule domain.Rule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON request body")
		return
	}
	if err := h.validate.Struct(rule); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return
	}
	if err := h.Compiler.ValidateRule(&rule); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.Repo.SaveRule(r.Context(), &rule); err != nil {
		slog.Error("failed to save rule", "rule_id", rule.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to save rule")
		return
	}

	slog.Info("rule saved", "rule_id", rule.ID, "prefix", rule.Prefix)
	writeJSON(w, http.StatusCreated, map[string]any{
		"rule":    rule,
		"message": "Rule saved. Call POST /rules/reload to apply changes.",
	})
}

// DeleteRule removes a stored rule.
func (h *Handler) DeleteRule(w http.ResponseWriter, r *http.Request) {
	id, ok := ruleID(w, r)
	if !ok {
		return
	}
	if h.Repo == nil {
		writeError(w, http.StatusServiceUnavailable, "repository not available")
		return
	}

	err := h.Repo.DeleteRule(r.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		writeError(w, http.StatusNotFound, "rule not found")
		return
	}
	if err != nil {
		slog.Error("failed to delete rule", "rule_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to delete rule")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ReloadRules swaps in a fresh snapshot from the rule store.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	var err error
	if h.Reloader != nil {
		err = h.Reloader.Trigger(r.Context(), "api")
	} else {
		err = h.Engine.Reload(r.Context())
	}

	switch {
	case errors.Is(err, reloader.ErrThrottled):
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message": "rules reloaded successfully",
		"count":   len(h.Engine.Rules()),
		"epoch":   h.Engine.Epoch(),
	})
}

func ruleID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "rule id must be a positive integer")
		return 0, false
	}
	return id, true
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fe.Namespace() + " failed " + fe.Tag() + " validation"
	}
	return err.Error()
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
