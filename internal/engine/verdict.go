package engine

import (
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/stats"
)

// Verdict is the outcome of an admission check.
type Verdict int

const (
	VerdictError Verdict = iota
	VerdictCritical
	VerdictWarning
	VerdictOk
	VerdictNoRule
)

// String returns the verdict name used in logs, metrics and the API.
func (v Verdict) String() string {
	switch v {
	case VerdictCritical:
		return "critical"
	case VerdictWarning:
		return "warning"
	case VerdictOk:
		return "ok"
	case VerdictNoRule:
		return "no_rule"
	default:
		return "error"
	}
}

// Code returns the numeric result code routing scripts branch on:
// negative codes flag the call, positive codes let it through.
func (v Verdict) Code() int {
	switch v {
	case VerdictCritical:
		return -2
	case VerdictWarning:
		return -1
	case VerdictOk:
		return 1
	case VerdictNoRule:
		return 2
	default:
		return -3
	}
}

// MarshalText encodes the verdict by name.
func (v Verdict) MarshalText() ([]byte, error) {
	return []byte(v.String()), nil
}

// Trip names the first metric that crossed a bound.
type Trip struct {
	Metric string `json:"metric"`
	Value  uint32 `json:"value"`
	Bound  uint32 `json:"threshold"`
}

// Evaluate classifies counters against thresholds. Any metric strictly above
// its critical bound gives Critical; otherwise any metric strictly above its
// warning bound gives Warning; otherwise Ok.
func Evaluate(s stats.Snapshot, t domain.Thresholds) Verdict {
	v, _ := explain(s, t)
	return v
}

func explain(s stats.Snapshot, t domain.Thresholds) (Verdict, Trip) {
	checks := [...]struct {
		metric string
		value  uint32
		thr    domain.Threshold
	}{
		{domain.MetricCallsPerWindow, s.CallsPerWindow, t.CallsPerWindow},
		{domain.MetricTotalCalls, s.TotalCalls, t.TotalCalls},
		{domain.MetricConcurrentCalls, s.ConcurrentCalls, t.ConcurrentCalls},
		{domain.MetricSequentialCalls, s.SequentialCalls, t.SequentialCalls},
	}

	for _, c := range checks {
		if c.value > c.thr.Critical {
			return VerdictCritical, Trip{Metric: c.metric, Value: c.value, Bound: c.thr.Critical}
		}
	}
	for _, c := range checks {
		if c.value > c.thr.Warning {
			return VerdictWarning, Trip{Metric: c.metric, Value: c.value, Bound: c.thr.Warning}
		}
	}
	return VerdictOk, Trip{}
}

// evaluateDuration classifies a finished call's duration. Durations trip
// at the bound, not only above it, so a zero bound trips every call.
func evaluateDuration(seconds uint32, t domain.Threshold) (Verdict, uint32) {
	switch {
	case seconds >= t.Critical:
		return VerdictCritical, t.Critical
	case seconds >= t.Warning:
		return VerdictWarning, t.Warning
	default:
		return VerdictOk, 0
	}
}
