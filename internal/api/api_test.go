package api

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/engine"
	"github.com/opensource-finance/kestrel/internal/reloader"
	"github.com/opensource-finance/kestrel/internal/repository"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/session"
)

type testEnv struct {
	server   *Server
	engine   *engine.Engine
	repo     *repository.SQLRepository
	sessions *session.Manager
	clock    *domain.MockClock
}

func newTestEnv(t *testing.T, reloadBurst int) *testEnv {
	t.Helper()

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: filepath.Join(t.TempDir(), "api-test.db"),
	})
	if err != nil {
		t.Fatalf("failed to create repository: %v", err)
	}

	compiler, err := rules.NewCompiler()
	if err != nil {
		t.Fatalf("failed to create compiler: %v", err)
	}

	clock := domain.NewMockClock(time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC))
	sessions := session.NewManager(clock, nil)
	eng := engine.New(repo, compiler, engine.Options{
		Window:   60,
		Clock:    clock,
		Sessions: sessions,
	})
	rl := reloader.New(eng, domain.EngineConfig{ReloadRate: 0.001, ReloadBurst: reloadBurst}, nil)

	cfg := domain.ServerConfig{Host: "localhost", Port: 8080, ReadTimeout: 30, WriteTimeout: 30}
	server := NewServer(cfg, Options{
		Engine:   eng,
		Compiler: compiler,
		Repo:     repo,
		Sessions: sessions,
		Reloader: rl,
		Version:  "test-v1",
	})

	t.Cleanup(func() {
		sessions.Close()
		eng.Close()
		repo.Close()
	})
	return &testEnv{server: server, engine: eng, repo: repo, sessions: sessions, clock: clock}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if s, ok := body.(string); ok {
			buf.WriteString(s)
		} else if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	e.server.Router().ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode response %q: %v", rec.Body.String(), err)
	}
	return out
}

func ukRule() domain.Rule {
	return domain.Rule{
		ID:        1,
		ProfileID: 1,
		Prefix:    "44",
		Enabled:   true,
		Thresholds: domain.Thresholds{
			CallsPerWindow:  domain.Threshold{Warning: 1, Critical: 2},
			CallDuration:    domain.Threshold{Warning: 600, Critical: 3600},
			TotalCalls:      domain.Threshold{Warning: 100, Critical: 200},
			ConcurrentCalls: domain.Threshold{Warning: 10, Critical: 20},
			SequentialCalls: domain.Threshold{Warning: 50, Critical: 100},
		},
	}
}

// loaded returns an env with ukRule stored and reloaded.
func loaded(t *testing.T) *testEnv {
	t.Helper()
	env := newTestEnv(t, 10)
	if rec := env.do(t, http.MethodPost, "/rules", ukRule()); rec.Code != http.StatusCreated {
		t.Fatalf("save rule: status %d body %s", rec.Code, rec.Body.String())
	}
	if rec := env.do(t, http.MethodPost, "/rules/reload", nil); rec.Code != http.StatusOK {
		t.Fatalf("reload: status %d body %s", rec.Code, rec.Body.String())
	}
	return env
}

func TestHealthEndpoint(t *testing.T) {
	env := newTestEnv(t, 1)

	rec := env.do(t, http.MethodGet, "/health", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decode(t, rec)
	if resp["status"] != "healthy" {
		t.Errorf("expected healthy, got %v", resp["status"])
	}
	if resp["version"] != "test-v1" {
		t.Errorf("expected version test-v1, got %v", resp["version"])
	}
	if rec.Header().Get(RequestIDHeader) == "" {
		t.Error("expected X-Request-ID header")
	}
}

func TestReadyEndpoint(t *testing.T) {
	env := newTestEnv(t, 10)

	if rec := env.do(t, http.MethodGet, "/ready", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503 before first reload, got %d", rec.Code)
	}

	env.do(t, http.MethodPost, "/rules/reload", nil)

	rec := env.do(t, http.MethodGet, "/ready", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 after reload, got %d", rec.Code)
	}
	if resp := decode(t, rec); resp["epoch"] != float64(1) {
		t.Errorf("expected epoch 1, got %v", resp["epoch"])
	}
}

func TestRuleEndpoints(t *testing.T) {
	env := newTestEnv(t, 10)

	t.Run("Save", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/rules", ukRule())
		if rec.Code != http.StatusCreated {
			t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
		}
	})

	t.Run("SaveInvalid", func(t *testing.T) {
		tests := []struct {
			name   string
			mutate func(*domain.Rule)
		}{
			{"warning above critical", func(r *domain.Rule) { r.Thresholds.TotalCalls.Warning = 300 }},
			{"zero id", func(r *domain.Rule) { r.ID = 0 }},
			{"non-digit prefix", func(r *domain.Rule) { r.Prefix = "44x" }},
			{"bad schedule", func(r *domain.Rule) { r.StartHour = "25:00" }},
			{"bad condition", func(r *domain.Rule) { r.Condition = "user +" }},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				rule := ukRule()
				rule.ID = 2
				tt.mutate(&rule)
				if rec := env.do(t, http.MethodPost, "/rules", rule); rec.Code != http.StatusBadRequest {
					t.Errorf("expected 400, got %d: %s", rec.Code, rec.Body.String())
				}
			})
		}
	})

	t.Run("SaveMalformedJSON", func(t *testing.T) {
		if rec := env.do(t, http.MethodPost, "/rules", "{nope"); rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("List", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/rules", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		resp := decode(t, rec)
		if resp["count"] != float64(1) {
			t.Errorf("expected 1 rule, got %v", resp["count"])
		}
		if resp["source"] != "database" {
			t.Errorf("expected database source, got %v", resp["source"])
		}
	})

	t.Run("Get", func(t *testing.T) {
		rec := env.do(t, http.MethodGet, "/rules/1", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", rec.Code)
		}
		var rule domain.Rule
		if err := json.Unmarshal(rec.Body.Bytes(), &rule); err != nil {
			t.Fatalf("decode rule: %v", err)
		}
		if rule != ukRule() {
			t.Errorf("rule mismatch: %+v", rule)
		}
	})

	t.Run("GetBadID", func(t *testing.T) {
		if rec := env.do(t, http.MethodGet, "/rules/abc", nil); rec.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", rec.Code)
		}
	})

	t.Run("GetMissing", func(t *testing.T) {
		if rec := env.do(t, http.MethodGet, "/rules/99", nil); rec.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", rec.Code)
		}
	})

	t.Run("ReloadAdvancesEpoch", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/rules/reload", nil)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		resp := decode(t, rec)
		if resp["count"] != float64(1) || resp["epoch"] != float64(1) {
			t.Errorf("unexpected reload response: %v", resp)
		}
	})

	t.Run("Delete", func(t *testing.T) {
		if rec := env.do(t, http.MethodDelete, "/rules/1", nil); rec.Code != http.StatusNoContent {
			t.Errorf("expected 204, got %d", rec.Code)
		}
		if rec := env.do(t, http.MethodDelete, "/rules/1", nil); rec.Code != http.StatusNotFound {
			t.Errorf("expected 404 on second delete, got %d", rec.Code)
		}
	})
}

func TestReloadThrottled(t *testing.T) {
	env := newTestEnv(t, 1)

	if rec := env.do(t, http.MethodPost, "/rules/reload", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/rules/reload", nil); rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}
	if env.engine.Epoch() != 1 {
		t.Errorf("throttled reload must not advance the epoch, got %d", env.engine.Epoch())
	}
}

func TestCheckEndpoint(t *testing.T) {
	t.Run("NoDataLoaded", func(t *testing.T) {
		env := newTestEnv(t, 1)
		rec := env.do(t, http.MethodPost, "/check", engine.CheckRequest{User: "alice", Number: "4420", ProfileID: 1})
		if rec.Code != http.StatusServiceUnavailable {
			t.Fatalf("expected 503, got %d", rec.Code)
		}
		resp := decode(t, rec)
		if resp["verdict"] != "error" || resp["code"] != float64(-3) {
			t.Errorf("unexpected response: %v", resp)
		}
	})

	env := loaded(t)

	t.Run("Ok", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/check", engine.CheckRequest{User: "alice", Number: "4420", ProfileID: 1})
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		resp := decode(t, rec)
		if resp["verdict"] != "ok" || resp["code"] != float64(1) {
			t.Errorf("expected ok/1, got %v/%v", resp["verdict"], resp["code"])
		}
		if resp["prefix"] != "44" || resp["ruleId"] != float64(1) {
			t.Errorf("unexpected match: %v", resp)
		}
		if id, _ := resp["sessionId"].(string); id == "" {
			t.Error("expected a session id")
		}
	})

	t.Run("WarningThenCritical", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/check", engine.CheckRequest{User: "alice", Number: "4421", ProfileID: 1})
		resp := decode(t, rec)
		if resp["verdict"] != "warning" || resp["code"] != float64(-1) {
			t.Errorf("expected warning, got %v", resp)
		}
		trip, _ := resp["trip"].(map[string]any)
		if trip["metric"] != domain.MetricCallsPerWindow {
			t.Errorf("expected calls_per_window trip, got %v", trip)
		}

		rec = env.do(t, http.MethodPost, "/check", engine.CheckRequest{User: "alice", Number: "4422", ProfileID: 1})
		if resp := decode(t, rec); resp["verdict"] != "critical" || resp["code"] != float64(-2) {
			t.Errorf("expected critical, got %v", resp)
		}
	})

	t.Run("NoRule", func(t *testing.T) {
		rec := env.do(t, http.MethodPost, "/check", engine.CheckRequest{User: "bob", Number: "3312", ProfileID: 1})
		if resp := decode(t, rec); resp["verdict"] != "no_rule" || resp["code"] != float64(2) {
			t.Errorf("expected no_rule, got %v", resp)
		}
	})

	t.Run("InvalidInput", func(t *testing.T) {
		tests := []struct {
			name string
			body any
		}{
			{"malformed", "{"},
			{"missing user", engine.CheckRequest{Number: "4420"}},
			{"missing number", engine.CheckRequest{User: "alice"}},
			{"negative profile", engine.CheckRequest{User: "alice", Number: "4420", ProfileID: -1}},
		}
		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				if rec := env.do(t, http.MethodPost, "/check", tt.body); rec.Code != http.StatusBadRequest {
					t.Errorf("expected 400, got %d", rec.Code)
				}
			})
		}
	})
}

func TestSessionEndpoint(t *testing.T) {
	env := loaded(t)

	rec := env.do(t, http.MethodPost, "/check", engine.CheckRequest{User: "carol", Number: "4420", ProfileID: 1, SessionID: "call-7"})
	if resp := decode(t, rec); resp["sessionId"] != "call-7" {
		t.Fatalf("expected session call-7, got %v", resp["sessionId"])
	}

	s, ok := env.engine.Stats("carol", "44")
	if !ok || s.ConcurrentCalls != 1 {
		t.Fatalf("expected one concurrent call, got %+v", s)
	}

	env.clock.Advance(30 * time.Second)
	if rec := env.do(t, http.MethodPost, "/sessions/call-7/end", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	s, _ = env.engine.Stats("carol", "44")
	if s.ConcurrentCalls != 0 {
		t.Errorf("expected concurrent call released, got %d", s.ConcurrentCalls)
	}

	if rec := env.do(t, http.MethodPost, "/sessions/call-7/end", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for ended session, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/sessions/x/end", map[string]any{"endedAt": -5}); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400 for negative endedAt, got %d", rec.Code)
	}
}

func TestStatsEndpoint(t *testing.T) {
	env := loaded(t)
	env.do(t, http.MethodPost, "/check", engine.CheckRequest{User: "dave", Number: "4420", ProfileID: 1})

	rec := env.do(t, http.MethodGet, "/stats?user=dave&prefix=44", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	resp := decode(t, rec)
	if resp["window"] != float64(60) {
		t.Errorf("expected window 60, got %v", resp["window"])
	}
	if _, ok := resp["stats"].(map[string]any); !ok {
		t.Errorf("expected stats object, got %v", resp["stats"])
	}

	if rec := env.do(t, http.MethodGet, "/stats?user=nobody&prefix=44", nil); rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/stats", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestEventsEndpoint(t *testing.T) {
	env := newTestEnv(t, 1)

	err := env.repo.SaveEvent(t.Context(), &domain.FraudEvent{
		ID:        "ev-1",
		Kind:      domain.EventCritical,
		Metric:    domain.MetricCallDuration,
		Value:     4000,
		Threshold: 3600,
		User:      "alice",
		Number:    "4420",
		RuleID:    1,
		Timestamp: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("SaveEvent failed: %v", err)
	}

	rec := env.do(t, http.MethodGet, "/events?limit=5", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if resp := decode(t, rec); resp["count"] != float64(1) {
		t.Errorf("expected 1 event, got %v", resp["count"])
	}

	if rec := env.do(t, http.MethodGet, "/events?limit=abc", nil); rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	env := newTestEnv(t, 1)

	rec := env.do(t, http.MethodGet, "/metrics", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if !bytes.Contains(rec.Body.Bytes(), []byte("kestrel_")) {
		t.Error("expected kestrel metrics in output")
	}
}
