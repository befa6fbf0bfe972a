package storage

import (
	"time"

	"tradewatch/internal/rules"
)

// Delivery outcomes written to the audit log.
const (
	OutcomeDelivered    = "delivered"
	OutcomeFailed       = "failed"
	OutcomeRateLimited  = "rate_limited"
	OutcomeDeduplicated = "deduplicated"
)

// MonitorSettings are the tunables persisted alongside a monitor's rules.
type MonitorSettings struct {
	Interval    time.Duration `json:"interval"`
	Account     string        `json:"account,omitempty"`
	MinSeverity string        `json:"min_severity,omitempty"`
}

// MonitorState is the canonical checkpoint of one monitor actor.
type MonitorState struct {
	Key          string              `json:"key"`
	Settings     MonitorSettings     `json:"settings"`
	Rules        []rules.Rule        `json:"rules"`
	Observations []rules.Observation `json:"observations"`
	Ticks        int64               `json:"ticks"`
	UpdatedAt    time.Time           `json:"updated_at"`
}

// JobRecord persists a scheduled job definition and its run bookkeeping.
type JobRecord struct {
	ID        string
	Kind      string
	TimeOfDay string
	Weekdays  []string
	Cron      string
	Enabled   bool
	Params    map[string]string
	LastRun   *time.Time
	NextRun   *time.Time
	LastError *string
	UpdatedAt time.Time
}

// DeliveryRecord captures one channel attempt for auditing.
type DeliveryRecord struct {
	ID          int64
	MonitorKey  string
	RuleID      string
	Fingerprint string
	Channel     string
	Category    string
	Severity    string
	Outcome     string
	Message     string
	Error       *string
	CreatedAt   time.Time
}
