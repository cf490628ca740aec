package engine

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/stats"
)

// Monitor states. Attached moves to exactly one of Fired or Discarded.
const (
	monitorAttached int32 = iota
	monitorFired
	monitorDiscarded
)

// durationMonitor checks a call's duration when its session ends. It holds
// its own copy of the duration threshold and the epoch seen at admission;
// if a reload happened in between, the check is skipped.
type durationMonitor struct {
	engine *Engine

	user      string
	number    string
	ruleID    int64
	threshold domain.Threshold
	epoch     uint64

	record     *stats.Record
	generation uint64

	state atomic.Int32
}

var _ domain.EndHandler = (*durationMonitor)(nil)

// SessionEnded releases the concurrent call and evaluates the duration.
func (m *durationMonitor) SessionEnded(s domain.Session, endedAt time.Time) {
	if !m.state.CompareAndSwap(monitorAttached, monitorFired) {
		return
	}
	m.record.Release(m.generation)
	m.engine.durationEnded(m, s.StartedAt(), endedAt)
}

// SessionDiscarded drops the monitor without evaluating.
func (m *durationMonitor) SessionDiscarded(domain.Session) {
	if !m.state.CompareAndSwap(monitorAttached, monitorDiscarded) {
		return
	}
	metrics.DurationMonitors.WithLabelValues("discarded").Inc()
}

func (e *Engine) durationEnded(m *durationMonitor, startedAt, endedAt time.Time) {
	if current := e.epoch.Load(); current != m.epoch {
		metrics.DurationMonitors.WithLabelValues("stale").Inc()
		e.logger.Debug("rules reloaded during call, skipping duration check",
			"user", m.user,
			"rule_id", m.ruleID,
			"admitted_epoch", m.epoch,
			"epoch", current,
		)
		return
	}
	metrics.DurationMonitors.WithLabelValues("evaluated").Inc()

	seconds := callSeconds(startedAt, endedAt)
	verdict, bound := evaluateDuration(seconds, m.threshold)
	if verdict == VerdictOk {
		return
	}

	trip := Trip{Metric: domain.MetricCallDuration, Value: seconds, Bound: bound}
	e.publish(context.Background(), e.newEvent(verdict, trip, m.user, m.number, m.ruleID, m.epoch, endedAt))
}

func callSeconds(startedAt, endedAt time.Time) uint32 {
	d := endedAt.Unix() - startedAt.Unix()
	if d < 0 {
		return 0
	}
	if d > int64(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(d)
}
