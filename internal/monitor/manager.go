package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"tradewatch/internal/metrics"
	"tradewatch/internal/quote"
	"tradewatch/internal/rules"
	"tradewatch/internal/storage"
)

// ManagerOptions are shared by every actor a Manager starts.
type ManagerOptions struct {
	Quotes       quote.Client
	Router       Router
	Store        storage.MonitorStateStore
	Metrics      *metrics.Metrics
	Defaults     Settings
	StartupDelay time.Duration
	InboxSize    int
	Now          func() time.Time
}

// Manager owns the set of running actors keyed by monitor key.
type Manager struct {
	opts   ManagerOptions
	logger zerolog.Logger

	mu     sync.RWMutex
	actors map[string]*Actor
}

func NewManager(opts ManagerOptions, logger zerolog.Logger) *Manager {
	opts.Defaults = opts.Defaults.WithDefaults(DefaultSettings())
	return &Manager{
		opts:   opts,
		logger: logger,
		actors: make(map[string]*Actor),
	}
}

// Start launches an actor for key. Persisted state wins over initial and settings.
func (m *Manager) Start(ctx context.Context, key string, initial []rules.Rule, settings Settings) (Status, error) {
	if key == "" {
		return Status{}, fmt.Errorf("start monitor: %w: empty key", rules.ErrInvalidRule)
	}

	m.mu.Lock()
	if existing, ok := m.actors[key]; ok && existing.currentState() != StateStopped {
		m.mu.Unlock()
		return Status{}, fmt.Errorf("%w: %s", ErrAlreadyRunning, key)
	}
	actor := NewActor(Options{
		Key:          key,
		Settings:     settings.WithDefaults(m.opts.Defaults),
		InitialRules: initial,
		StartupDelay: m.opts.StartupDelay,
		InboxSize:    m.opts.InboxSize,
		Quotes:       m.opts.Quotes,
		Router:       m.opts.Router,
		Store:        m.opts.Store,
		Metrics:      m.opts.Metrics,
		Now:          m.opts.Now,
	}, m.logger)
	m.actors[key] = actor
	m.mu.Unlock()

	if err := actor.Start(ctx); err != nil {
		m.mu.Lock()
		if m.actors[key] == actor {
			delete(m.actors, key)
		}
		m.mu.Unlock()
		return Status{}, err
	}
	return actor.Status(), nil
}

// Resume restarts every persisted monitor that is not already running.
func (m *Manager) Resume(ctx context.Context) ([]string, error) {
	states, err := m.opts.Store.ListMonitorStates(ctx)
	if err != nil {
		return nil, fmt.Errorf("list monitor states: %w", err)
	}

	var (
		resumed []string
		errs    []error
	)
	for _, state := range states {
		if _, err := m.Start(ctx, state.Key, nil, Settings{}); err != nil {
			if errors.Is(err, ErrAlreadyRunning) {
				continue
			}
			errs = append(errs, err)
			continue
		}
		resumed = append(resumed, state.Key)
	}
	m.logger.Info().Strs("monitors", resumed).Msg("resumed monitors")
	return resumed, errors.Join(errs...)
}

// Stop shuts one actor down, persisting its final state.
func (m *Manager) Stop(ctx context.Context, key string) error {
	actor, err := m.actor(key)
	if err != nil {
		return err
	}
	err = actor.Stop(ctx)

	m.mu.Lock()
	if m.actors[key] == actor {
		delete(m.actors, key)
	}
	m.mu.Unlock()
	return err
}

// StopAll stops every actor concurrently.
func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.RLock()
	keys := make([]string, 0, len(m.actors))
	for key := range m.actors {
		keys = append(keys, key)
	}
	m.mu.RUnlock()

	var g errgroup.Group
	for _, key := range keys {
		g.Go(func() error {
			if err := m.Stop(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
				return fmt.Errorf("stop %s: %w", key, err)
			}
			return nil
		})
	}
	return g.Wait()
}

// Delete stops the actor if it runs and removes its persisted state.
func (m *Manager) Delete(ctx context.Context, key string) error {
	if err := m.Stop(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if err := m.opts.Store.DeleteMonitorState(ctx, key); err != nil {
		return fmt.Errorf("delete monitor %s: %w", key, err)
	}
	return nil
}

func (m *Manager) Status(key string) (Status, error) {
	actor, err := m.actor(key)
	if err != nil {
		return Status{}, err
	}
	return actor.Status(), nil
}

// List returns the status of every actor ordered by key.
func (m *Manager) List() []Status {
	m.mu.RLock()
	out := make([]Status, 0, len(m.actors))
	for _, actor := range m.actors {
		out = append(out, actor.Status())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (m *Manager) AddRule(ctx context.Context, key string, rule rules.Rule) (rules.Rule, error) {
	actor, err := m.actor(key)
	if err != nil {
		return rules.Rule{}, err
	}
	return actor.AddRule(ctx, rule)
}

func (m *Manager) RemoveRule(ctx context.Context, key, ruleID string) error {
	actor, err := m.actor(key)
	if err != nil {
		return err
	}
	return actor.RemoveRule(ctx, ruleID)
}

func (m *Manager) UpdateConfig(ctx context.Context, key string, update ConfigUpdate) error {
	actor, err := m.actor(key)
	if err != nil {
		return err
	}
	return actor.UpdateConfig(ctx, update)
}

// TickNow forces an immediate evaluation of one monitor.
func (m *Manager) TickNow(ctx context.Context, key string) error {
	actor, err := m.actor(key)
	if err != nil {
		return err
	}
	return actor.TickNow(ctx)
}

func (m *Manager) actor(key string) (*Actor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	actor, ok := m.actors[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return actor, nil
}
