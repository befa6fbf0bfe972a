package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradewatch/internal/metrics"
	"tradewatch/internal/notify"
	"tradewatch/internal/quote"
	"tradewatch/internal/rules"
	"tradewatch/internal/storage"
)

// Router is the delivery surface an actor needs from notify.Router.
type Router interface {
	RouteBatch(ctx context.Context, candidates []notify.Candidate, minSeverity notify.Severity) []notify.Routed
	Prune(now time.Time) int
	DedupSize() int
}

// Options wire an actor to its collaborators.
type Options struct {
	Key          string
	Settings     Settings
	InitialRules []rules.Rule
	// StartupDelay is the wait before the first tick; zero waits one interval.
	StartupDelay time.Duration
	InboxSize    int

	Quotes  quote.Client
	Router  Router
	Store   storage.MonitorStateStore
	Metrics *metrics.Metrics
	Now     func() time.Time
}

type message struct {
	apply func(a *Actor) error
	done  chan error
}

// Actor is a long-lived monitor that re-evaluates its rules on every tick. All
// mutable state is owned by the loop goroutine; other goroutines talk to it
// through the inbox and read Status snapshots.
type Actor struct {
	key     string
	quotes  quote.Client
	router  Router
	store   storage.MonitorStateStore
	metrics *metrics.Metrics
	now     func() time.Time
	logger  zerolog.Logger

	startupDelay time.Duration
	inbox        chan message
	stop         chan struct{}
	done         chan struct{}
	stopOnce     sync.Once
	doneOnce     sync.Once
	loopCtx      context.Context
	cancel       context.CancelFunc

	// loop-owned
	settings     Settings
	rules        []rules.Rule
	observations *rules.ObservationState
	ticks        int64
	lastTick     time.Time
	stats        Stats
	initial      []rules.Rule

	mu       sync.RWMutex
	state    State
	snapshot Status
	grace    time.Duration
}

// NewActor builds an actor in the initializing state.
func NewActor(opts Options, logger zerolog.Logger) *Actor {
	if opts.InboxSize <= 0 {
		opts.InboxSize = 16
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Actor{
		key:          opts.Key,
		quotes:       opts.Quotes,
		router:       opts.Router,
		store:        opts.Store,
		metrics:      opts.Metrics,
		now:          opts.Now,
		logger:       logger.With().Str("component", "monitor").Str("monitor", opts.Key).Logger(),
		startupDelay: opts.StartupDelay,
		inbox:        make(chan message, opts.InboxSize),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		settings:     opts.Settings.WithDefaults(DefaultSettings()),
		initial:      opts.InitialRules,
		observations: rules.NewObservationState(nil),
		state:        StateInitializing,
	}
}

// Key returns the monitor key.
func (a *Actor) Key() string { return a.key }

// Start restores persisted state and launches the loop. A monitor that was never
// persisted starts with its initial rules; a load failure is returned and the
// actor does not start.
func (a *Actor) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.state != StateInitializing {
		a.mu.Unlock()
		return ErrAlreadyRunning
	}
	a.mu.Unlock()

	if err := a.restore(ctx); err != nil {
		a.setState(StateStopped)
		a.closeDone()
		return err
	}

	a.mu.Lock()
	if a.state != StateInitializing {
		// stopped while restoring
		a.mu.Unlock()
		return ErrNotRunning
	}
	a.loopCtx, a.cancel = context.WithCancel(context.WithoutCancel(ctx))
	a.state = StateRunning
	a.mu.Unlock()
	a.publish()

	go a.run(a.loopCtx)
	a.logger.Info().Int("rules", len(a.rules)).Dur("interval", a.settings.Interval).Msg("monitor started")
	return nil
}

func (a *Actor) restore(ctx context.Context) error {
	loadCtx, cancel := context.WithTimeout(ctx, a.settings.PersistTimeout)
	defer cancel()

	state, err := a.store.LoadMonitorState(loadCtx, a.key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		now := a.now()
		a.rules = make([]rules.Rule, 0, len(a.initial))
		for _, r := range a.initial {
			r.MonitorKey = a.key
			r.Normalize(now)
			if err := validateRule(r); err != nil {
				return fmt.Errorf("initial rule %s: %w", r.ID, err)
			}
			a.rules = append(a.rules, r)
		}
		return nil
	case err != nil:
		return fmt.Errorf("load monitor %s: %w", a.key, err)
	}

	a.settings = a.settings.restore(state.Settings)
	a.rules = state.Rules
	a.observations = rules.NewObservationState(state.Observations)
	a.ticks = state.Ticks
	a.lastTick = state.UpdatedAt
	return nil
}

func (a *Actor) run(ctx context.Context) {
	defer a.closeDone()

	delay := a.startupDelay
	if delay <= 0 {
		delay = a.settings.Interval
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	for {
		select {
		case <-a.stop:
			a.shutdown()
			return
		default:
		}

		select {
		case <-a.stop:
			a.shutdown()
			return
		case msg := <-a.inbox:
			interval := a.settings.Interval
			err := msg.apply(a)
			if a.settings.Interval != interval {
				resetTimer(timer, a.settings.Interval)
			}
			a.publish()
			if msg.done != nil {
				msg.done <- err
			}
		case <-timer.C:
			a.tick(ctx)
			timer.Reset(a.settings.Interval)
		}
	}
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

func (a *Actor) shutdown() {
	a.persist(context.Background())
	a.setState(StateStopped)
	a.publish()
	a.logger.Info().Int64("ticks", a.ticks).Msg("monitor stopped")
}

// Stop lets an in-flight tick finish within the shutdown grace period, cancels
// it past that, persists final state and waits for the loop to exit.
func (a *Actor) Stop(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case StateInitializing:
		a.state = StateStopped
		a.mu.Unlock()
		a.closeDone()
		return nil
	case StateStopped:
		a.mu.Unlock()
		return nil
	}
	a.state = StateStopping
	a.mu.Unlock()

	a.stopOnce.Do(func() { close(a.stop) })

	grace := time.NewTimer(a.shutdownGrace())
	defer grace.Stop()

	select {
	case <-a.done:
		return nil
	case <-grace.C:
		a.logger.Warn().Msg("shutdown grace elapsed, cancelling in-flight tick")
		a.cancel()
	case <-ctx.Done():
		a.cancel()
		<-a.done
		return ctx.Err()
	}
	<-a.done
	return nil
}

func (a *Actor) shutdownGrace() time.Duration {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.grace
}

// Done is closed once the loop has exited, or right away for an actor
// stopped before it started.
func (a *Actor) Done() <-chan struct{} { return a.done }

func (a *Actor) closeDone() {
	a.doneOnce.Do(func() { close(a.done) })
}

// Status returns the latest published snapshot.
func (a *Actor) Status() Status {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := a.snapshot
	out.State = a.state
	out.Active = a.state == StateRunning
	out.Rules = make([]rules.Rule, len(a.snapshot.Rules))
	for i, r := range a.snapshot.Rules {
		out.Rules[i] = r.Clone()
	}
	return out
}

// AddRule validates rule synchronously and queues it for the loop. It returns
// the normalised rule once the loop has applied it.
func (a *Actor) AddRule(ctx context.Context, rule rules.Rule) (rules.Rule, error) {
	rule.MonitorKey = a.key
	rule.Normalize(a.now())
	if err := validateRule(rule); err != nil {
		return rules.Rule{}, err
	}

	err := a.send(ctx, func(a *Actor) error {
		for i, existing := range a.rules {
			if existing.ID == rule.ID {
				a.rules[i] = rule
				return nil
			}
		}
		a.rules = append(a.rules, rule)
		a.metrics.ActiveRules(a.key, len(a.rules))
		return nil
	})
	if err != nil {
		return rules.Rule{}, err
	}
	return rule, nil
}

// RemoveRule deletes a rule by id.
func (a *Actor) RemoveRule(ctx context.Context, id string) error {
	return a.send(ctx, func(a *Actor) error {
		for i, existing := range a.rules {
			if existing.ID == id {
				a.rules = append(a.rules[:i], a.rules[i+1:]...)
				a.metrics.ActiveRules(a.key, len(a.rules))
				return nil
			}
		}
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	})
}

// UpdateConfig replaces tunables without resetting observations.
func (a *Actor) UpdateConfig(ctx context.Context, update ConfigUpdate) error {
	return a.send(ctx, func(a *Actor) error {
		a.settings = update.apply(a.settings)
		return nil
	})
}

// TickNow runs one evaluation immediately, between regular ticks.
func (a *Actor) TickNow(ctx context.Context) error {
	return a.send(ctx, func(a *Actor) error {
		a.tick(a.loopCtx)
		return nil
	})
}

func (a *Actor) send(ctx context.Context, apply func(a *Actor) error) error {
	if a.currentState() != StateRunning {
		return ErrNotRunning
	}
	msg := message{apply: apply, done: make(chan error, 1)}
	select {
	case a.inbox <- msg:
	case <-a.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-msg.done:
		return err
	case <-a.done:
		return ErrNotRunning
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (a *Actor) currentState() State {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.state
}

func (a *Actor) setState(s State) {
	a.mu.Lock()
	a.state = s
	a.mu.Unlock()
}

// publish copies loop-owned state into the status snapshot.
func (a *Actor) publish() {
	snap := Status{
		Key:          a.key,
		RuleCount:    len(a.rules),
		Rules:        make([]rules.Rule, len(a.rules)),
		Observations: a.observations.Len(),
		LastTick:     a.lastTick,
		Interval:     a.settings.Interval,
		Stats:        a.stats,
	}
	for i, r := range a.rules {
		snap.Rules[i] = r.Clone()
	}
	snap.Stats.Ticks = a.ticks

	a.mu.Lock()
	a.snapshot = snap
	a.grace = a.settings.ShutdownGrace
	a.mu.Unlock()
}

func validateRule(r rules.Rule) error {
	if err := r.Validate(); err != nil {
		return err
	}
	if r.Severity != "" {
		if _, err := notify.ParseSeverity(r.Severity); err != nil {
			return fmt.Errorf("%w: %v", rules.ErrInvalidRule, err)
		}
	}
	return nil
}
