// Package engine is the call admission engine: it matches a call to a rule,
// updates the caller's statistics, classifies them against the rule's
// thresholds and arms a duration check for when the call ends.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/stats"
)

var tracer = otel.Tracer("kestrel-engine")

// RuleSource supplies the full rule set on reload.
type RuleSource interface {
	ListRules(ctx context.Context) ([]*domain.Rule, error)
}

// Notifier publishes fraud events. Failures are logged by the engine and
// never change a verdict.
type Notifier interface {
	Publish(ctx context.Context, event *domain.FraudEvent) error
}

// Options configures an Engine. Zero values get defaults.
type Options struct {
	// Window is the calls-per-window length in seconds.
	Window int

	Clock    domain.Clock
	Sequence *stats.SequenceDetector
	Sessions domain.SessionManager
	Notifier Notifier
	Logger   *slog.Logger
}

// Engine evaluates call admissions against the active rule snapshot.
type Engine struct {
	// mu guards snap. Admissions hold the read lock for their whole run.
	mu    sync.RWMutex
	snap  *rules.Snapshot
	epoch atomic.Uint64

	// reloadMu serializes reloads.
	reloadMu sync.Mutex

	source   RuleSource
	compiler *rules.Compiler
	store    *stats.Store
	seq      *stats.SequenceDetector
	sessions domain.SessionManager
	notifier Notifier
	clock    domain.Clock
	logger   *slog.Logger
}

// CheckRequest is one call attempt.
type CheckRequest struct {
	User      string `json:"user" validate:"required,max=128"`
	Number    string `json:"number" validate:"required,max=64"`
	ProfileID int    `json:"profileId" validate:"gte=0"`

	// SessionID attaches the duration monitor to an existing session.
	// Empty creates a new session.
	SessionID string `json:"sessionId,omitempty" validate:"max=128"`
}

// Decision is the result of Check.
type Decision struct {
	Verdict   Verdict         `json:"verdict"`
	Code      int             `json:"code"`
	RuleID    int64           `json:"ruleId,omitempty"`
	Prefix    string          `json:"prefix,omitempty"`
	Trip      *Trip           `json:"trip,omitempty"`
	Stats     *stats.Snapshot `json:"stats,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Epoch     uint64          `json:"epoch"`
}

// New creates an engine. It has no rules until the first Reload succeeds.
func New(source RuleSource, compiler *rules.Compiler, opts Options) *Engine {
	if opts.Clock == nil {
		opts.Clock = domain.RealClock{}
	}
	if opts.Sequence == nil {
		opts.Sequence = stats.NewSequenceDetector()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	return &Engine{
		source:   source,
		compiler: compiler,
		store:    stats.NewStore(opts.Window),
		seq:      opts.Sequence,
		sessions: opts.Sessions,
		notifier: opts.Notifier,
		clock:    opts.Clock,
		logger:   opts.Logger,
	}
}

// Check admits one call attempt and returns its verdict. The error explains
// Error verdicts and the degraded Ok returned when the clock is unusable.
func (e *Engine) Check(ctx context.Context, req CheckRequest) (Decision, error) {
	start := time.Now()

	d, event, err := e.check(ctx, req)
	d.Code = d.Verdict.Code()

	metrics.Admissions.WithLabelValues(d.Verdict.String()).Inc()
	metrics.AdmissionDuration.Observe(time.Since(start).Seconds())

	if event != nil {
		e.publish(ctx, event)
	}
	return d, err
}

func (e *Engine) check(ctx context.Context, req CheckRequest) (Decision, *domain.FraudEvent, error) {
	if err := req.validate(); err != nil {
		return Decision{Verdict: VerdictError}, nil, err
	}

	now := e.clock.Now()
	if now.IsZero() || now.Unix() <= 0 {
		e.logger.Warn("clock returned no usable time, admitting without accounting",
			"user", req.User,
			"number", req.Number,
			"time", now,
		)
		return Decision{Verdict: VerdictOk}, nil, fmt.Errorf("%w: got %v", ErrTimeSourceUnavailable, now)
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.snap == nil {
		return Decision{Verdict: VerdictError}, nil, ErrNoDataLoaded
	}
	epoch := e.epoch.Load()

	rule, n, ok := e.snap.Match(req.ProfileID, req.Number, now, req.User)
	if !ok {
		e.logger.Debug("no rule matched",
			"number", req.Number,
			"profile_id", req.ProfileID,
		)
		return Decision{Verdict: VerdictNoRule, Epoch: epoch}, nil, nil
	}

	prefix := req.Number[:n]
	id := stats.Identity{User: req.User, Prefix: prefix}
	record := e.store.GetOrCreate(id)
	counters := record.Admit(now.Unix(), rule.ID, prefix, e.seq)

	thresholds := rule.Thresholds
	verdict, trip := explain(counters, thresholds)

	d := Decision{
		Verdict: verdict,
		RuleID:  rule.ID,
		Prefix:  prefix,
		Stats:   &counters,
		Epoch:   epoch,
	}
	if verdict == VerdictCritical || verdict == VerdictWarning {
		d.Trip = &trip
	}

	if e.sessions != nil {
		sessionID, err := e.attachMonitor(ctx, req, record, counters.Generation, rule.ID, thresholds.CallDuration, epoch)
		if err != nil {
			// Nothing will end this call, so give back its concurrent slot now.
			record.Release(counters.Generation)
			e.logger.Warn("cannot attach duration monitor",
				"user", req.User,
				"number", req.Number,
				"rule_id", rule.ID,
				"error", err,
			)
		}
		d.SessionID = sessionID
	}

	var event *domain.FraudEvent
	if d.Trip != nil {
		event = e.newEvent(verdict, trip, req.User, req.Number, rule.ID, epoch, now)
	}
	return d, event, nil
}

func (e *Engine) attachMonitor(ctx context.Context, req CheckRequest, record *stats.Record, gen uint64, ruleID int64, thr domain.Threshold, epoch uint64) (string, error) {
	s, err := e.sessions.GetOrCreate(ctx, req.SessionID)
	if err != nil {
		return "", fmt.Errorf("get session: %w", err)
	}

	m := &durationMonitor{
		engine:     e,
		user:       req.User,
		number:     req.Number,
		ruleID:     ruleID,
		threshold:  thr,
		epoch:      epoch,
		record:     record,
		generation: gen,
	}
	if err := e.sessions.OnEnd(s, m); err != nil {
		return s.ID(), fmt.Errorf("register end callback: %w", err)
	}
	return s.ID(), nil
}

// Reload fetches the rule set, builds a new snapshot and swaps it in,
// advancing the epoch by one. On any failure the active snapshot is kept.
func (e *Engine) Reload(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "engine.Reload")
	defer span.End()

	e.reloadMu.Lock()
	defer e.reloadMu.Unlock()

	list, err := e.source.ListRules(ctx)
	if err != nil {
		return e.reloadFailed(span, fmt.Errorf("%w: fetch rules: %w", ErrReloadFailed, err))
	}

	snap, err := e.compiler.Build(list)
	if err != nil {
		return e.reloadFailed(span, fmt.Errorf("%w: build snapshot: %w", ErrReloadFailed, err))
	}

	e.mu.Lock()
	e.snap = snap
	epoch := e.epoch.Add(1)
	e.mu.Unlock()

	metrics.Reloads.WithLabelValues("success").Inc()
	metrics.RuleEpoch.Set(float64(epoch))
	metrics.RulesLoaded.Set(float64(snap.Len()))
	span.SetAttributes(
		attribute.Int64("rules.epoch", int64(epoch)),
		attribute.Int("rules.count", snap.Len()),
	)

	e.logger.Info("rules reloaded",
		"rules", snap.Len(),
		"epoch", epoch,
	)
	return nil
}

func (e *Engine) reloadFailed(span trace.Span, err error) error {
	metrics.Reloads.WithLabelValues("failed").Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	e.logger.Error("rule reload failed, keeping previous rules",
		"epoch", e.epoch.Load(),
		"error", err,
	)
	return err
}

// Epoch returns the number of successful reloads so far.
func (e *Engine) Epoch() uint64 {
	return e.epoch.Load()
}

// Ready reports whether a rule snapshot is loaded.
func (e *Engine) Ready() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap != nil
}

// Rules returns the rules of the active snapshot.
func (e *Engine) Rules() []domain.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.snap.Rules()
}

// Stats returns the counters of one identity.
func (e *Engine) Stats(user, prefix string) (stats.Snapshot, bool) {
	r, ok := e.store.Get(stats.Identity{User: user, Prefix: prefix})
	if !ok {
		return stats.Snapshot{}, false
	}
	return r.Snapshot(), true
}

// Identities returns the number of tracked identities.
func (e *Engine) Identities() int {
	return e.store.Len()
}

// Window returns the sliding window length in seconds.
func (e *Engine) Window() int {
	return e.store.Window()
}

// Close drops the rule snapshot and all statistics.
// Sessions should be closed first so pending monitors are discarded.
func (e *Engine) Close() error {
	e.mu.Lock()
	e.snap = nil
	e.mu.Unlock()
	e.store.Reset()
	return nil
}

func (e *Engine) newEvent(v Verdict, trip Trip, user, number string, ruleID int64, epoch uint64, at time.Time) *domain.FraudEvent {
	kind := domain.EventWarning
	if v == VerdictCritical {
		kind = domain.EventCritical
	}
	return &domain.FraudEvent{
		ID:        uuid.New().String(),
		Kind:      kind,
		Metric:    trip.Metric,
		Value:     trip.Value,
		Threshold: trip.Bound,
		User:      user,
		Number:    number,
		RuleID:    ruleID,
		Epoch:     epoch,
		Timestamp: at.UTC(),
	}
}

func (e *Engine) publish(ctx context.Context, event *domain.FraudEvent) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Publish(ctx, event); err != nil {
		e.logger.Error("failed to publish fraud event",
			"kind", event.Kind,
			"metric", event.Metric,
			"user", event.User,
			"rule_id", event.RuleID,
			"error", err,
		)
	}
}

func (r *CheckRequest) validate() error {
	if r.User == "" {
		return fmt.Errorf("%w: user is required", ErrInputInvalid)
	}
	if r.Number == "" {
		return fmt.Errorf("%w: number is required", ErrInputInvalid)
	}
	if r.ProfileID < 0 {
		return fmt.Errorf("%w: profile id must not be negative", ErrInputInvalid)
	}
	return nil
}
