package monitor

import (
	"errors"
	"time"

	"tradewatch/internal/notify"
	"tradewatch/internal/rules"
	"tradewatch/internal/storage"
)

var (
	// ErrNotFound is returned for operations on a monitor key that is not running.
	ErrNotFound = errors.New("monitor: not found")
	// ErrAlreadyRunning is returned when starting a key that already has an actor.
	ErrAlreadyRunning = errors.New("monitor: already running")
	// ErrNotRunning is returned when messaging an actor that has stopped.
	ErrNotRunning = errors.New("monitor: not running")
	// ErrRuleNotFound is returned by RemoveRule for an unknown rule id.
	ErrRuleNotFound = errors.New("monitor: rule not found")
)

// State is the lifecycle phase of an actor.
type State string

const (
	StateInitializing State = "initializing"
	StateRunning      State = "running"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
)

// Settings are the tunables of one actor.
type Settings struct {
	Interval         time.Duration
	Account          string
	MinSeverity      notify.Severity
	FetchTimeout     time.Duration
	PersistTimeout   time.Duration
	ShutdownGrace    time.Duration
	CheckpointEvery  int
	MaxObservations  int
	MaxDedupEntries  int
	ConsumeOnFailure bool
}

// DefaultSettings mirrors the configuration defaults.
func DefaultSettings() Settings {
	return Settings{
		Interval:        30 * time.Second,
		MinSeverity:     notify.SeverityInfo,
		FetchTimeout:    15 * time.Second,
		PersistTimeout:  5 * time.Second,
		ShutdownGrace:   30 * time.Second,
		CheckpointEvery: 100,
		MaxObservations: 1000,
		MaxDedupEntries: 5000,
	}
}

// WithDefaults fills every zero field from def.
func (s Settings) WithDefaults(def Settings) Settings {
	if s.Interval <= 0 {
		s.Interval = def.Interval
	}
	if s.Account == "" {
		s.Account = def.Account
	}
	if s.MinSeverity == 0 {
		s.MinSeverity = def.MinSeverity
	}
	if s.FetchTimeout <= 0 {
		s.FetchTimeout = def.FetchTimeout
	}
	if s.PersistTimeout <= 0 {
		s.PersistTimeout = def.PersistTimeout
	}
	if s.ShutdownGrace <= 0 {
		s.ShutdownGrace = def.ShutdownGrace
	}
	if s.CheckpointEvery <= 0 {
		s.CheckpointEvery = def.CheckpointEvery
	}
	if s.MaxObservations <= 0 {
		s.MaxObservations = def.MaxObservations
	}
	if s.MaxDedupEntries <= 0 {
		s.MaxDedupEntries = def.MaxDedupEntries
	}
	if !s.ConsumeOnFailure {
		s.ConsumeOnFailure = def.ConsumeOnFailure
	}
	return s
}

func (s Settings) persisted() storage.MonitorSettings {
	return storage.MonitorSettings{
		Interval:    s.Interval,
		Account:     s.Account,
		MinSeverity: s.MinSeverity.String(),
	}
}

// restore overlays persisted tunables on s.
func (s Settings) restore(p storage.MonitorSettings) Settings {
	if p.Interval > 0 {
		s.Interval = p.Interval
	}
	if p.Account != "" {
		s.Account = p.Account
	}
	if sev, err := notify.ParseSeverity(p.MinSeverity); err == nil {
		s.MinSeverity = sev
	}
	return s
}

// ConfigUpdate replaces the non-nil tunables of a running actor. Observation
// state is left untouched.
type ConfigUpdate struct {
	Interval        *time.Duration
	Account         *string
	MinSeverity     *notify.Severity
	CheckpointEvery *int
	MaxObservations *int
}

func (u ConfigUpdate) apply(s Settings) Settings {
	if u.Interval != nil && *u.Interval > 0 {
		s.Interval = *u.Interval
	}
	if u.Account != nil {
		s.Account = *u.Account
	}
	if u.MinSeverity != nil {
		s.MinSeverity = *u.MinSeverity
	}
	if u.CheckpointEvery != nil && *u.CheckpointEvery > 0 {
		s.CheckpointEvery = *u.CheckpointEvery
	}
	if u.MaxObservations != nil && *u.MaxObservations > 0 {
		s.MaxObservations = *u.MaxObservations
	}
	return s
}

// Stats are cumulative counters since the actor started.
type Stats struct {
	Ticks         int64  `json:"ticks"`
	FetchErrors   int64  `json:"fetch_errors"`
	Triggered     int64  `json:"triggered"`
	Delivered     int64  `json:"delivered"`
	Undelivered   int64  `json:"undelivered"`
	Consumed      int64  `json:"consumed"`
	PersistErrors int64  `json:"persist_errors"`
	Checkpoints   int64  `json:"checkpoints"`
	LastError     string `json:"last_error,omitempty"`
}

// Status is a point-in-time view of an actor, readable without going through its inbox.
type Status struct {
	Key          string        `json:"key"`
	State        State         `json:"state"`
	Active       bool          `json:"active"`
	RuleCount    int           `json:"rule_count"`
	Rules        []rules.Rule  `json:"rules"`
	Observations int           `json:"observations"`
	LastTick     time.Time     `json:"last_tick"`
	Interval     time.Duration `json:"interval"`
	Stats        Stats         `json:"stats"`
}
