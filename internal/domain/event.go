package domain

import "time"

// EventKind is the severity of a fraud event.
type EventKind string

const (
	EventWarning  EventKind = "warning"
	EventCritical EventKind = "critical"
)

// FraudEvent is published whenever a metric crosses a rule threshold,
// either at admission time or when a monitored call ends.
type FraudEvent struct {
	ID        string    `json:"id" db:"id"`
	Kind      EventKind `json:"kind" db:"kind"`
	Metric    string    `json:"param" db:"metric"`
	Value     uint32    `json:"value" db:"value"`
	Threshold uint32    `json:"threshold" db:"threshold"`
	User      string    `json:"user" db:"user_id"`
	Number    string    `json:"calledNumber" db:"called_number"`
	RuleID    int64     `json:"ruleId" db:"rule_id"`
	Epoch     uint64    `json:"epoch" db:"epoch"`
	Timestamp time.Time `json:"timestamp" db:"created_at"`
}

// Topic returns the bus topic the event is published on.
func (e *FraudEvent) Topic() string {
	if e.Kind == EventCritical {
		return TopicFraudCritical
	}
	return TopicFraudWarning
}
