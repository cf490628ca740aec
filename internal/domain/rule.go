package domain

import "fmt"

// Threshold is a warning/critical bound pair for one metric.
type Threshold struct {
	Warning  uint32 `json:"warning" validate:"ltefield=Critical"`
	Critical uint32 `json:"critical"`
}

// Thresholds holds the per-metric bounds configured on a rule.
type Thresholds struct {
	CallsPerWindow  Threshold `json:"callsPerWindow"`
	CallDuration    Threshold `json:"callDuration"`
	TotalCalls      Threshold `json:"totalCalls"`
	ConcurrentCalls Threshold `json:"concurrentCalls"`
	SequentialCalls Threshold `json:"sequentialCalls"`
}

// Rule is a fraud rule as stored in the rule table.
// A rule applies to a profile and a dialed-number prefix, optionally
// restricted to a time of day, a set of weekdays and a CEL condition.
type Rule struct {
	ID        int64  `json:"id" validate:"gt=0"`
	ProfileID int    `json:"profileId" validate:"gte=0"`
	Prefix    string `json:"prefix" validate:"omitempty,numeric,max=32"`

	// StartHour and EndHour are "HH:MM" in UTC. Empty means all day.
	StartHour string `json:"startHour,omitempty"`
	EndHour   string `json:"endHour,omitempty"`

	// Days is a weekday list such as "mon-fri" or "sat,sun". Empty means every day.
	Days string `json:"days,omitempty"`

	// Condition is an optional CEL expression evaluated at match time.
	Condition string `json:"condition,omitempty"`

	Thresholds Thresholds `json:"thresholds"`
	Enabled    bool       `json:"enabled"`
}

// Metric names reported in fraud events.
const (
	MetricCallsPerWindow  = "calls_per_window"
	MetricCallDuration    = "call_duration"
	MetricTotalCalls      = "total_calls"
	MetricConcurrentCalls = "concurrent_calls"
	MetricSequentialCalls = "sequential_calls"
)

// Validate checks that every warning bound is at or below its critical bound.
func (t Thresholds) Validate() error {
	pairs := []struct {
		name string
		thr  Threshold
	}{
		{MetricCallsPerWindow, t.CallsPerWindow},
		{MetricCallDuration, t.CallDuration},
		{MetricTotalCalls, t.TotalCalls},
		{MetricConcurrentCalls, t.ConcurrentCalls},
		{MetricSequentialCalls, t.SequentialCalls},
	}
	for _, p := range pairs {
		if p.thr.Warning > p.thr.Critical {
			return fmt.Errorf("%s: warning %d above critical %d", p.name, p.thr.Warning, p.thr.Critical)
		}
	}
	return nil
}
