package jobs

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradewatch/internal/notify"
	"tradewatch/internal/quote"
	"tradewatch/internal/scheduler"
)

// Built-in job kinds.
const (
	KindPortfolioReport = "portfolio-report"
	KindWatchlistScreen = "watchlist-screen"
	KindPruneDeliveries = "prune-deliveries"
)

// ErrUnknownKind is returned by Build for a kind nobody registered.
var ErrUnknownKind = errors.New("jobs: unknown job kind")

// Router delivers job output.
type Router interface {
	Route(ctx context.Context, c notify.Candidate) []string
}

// DeliveryPruner trims the delivery audit log.
type DeliveryPruner interface {
	DeleteDeliveriesBefore(ctx context.Context, olderThan time.Time) (int64, error)
}

// Deps are the collaborators job bodies may use.
type Deps struct {
	Quotes     quote.Client
	Router     Router
	Deliveries DeliveryPruner
	Account    string
	Channels   []string
	Retention  time.Duration
	Screen     quote.ScreenOptions
	Now        func() time.Time
}

// Builder turns a definition into a runnable body, validating its params.
type Builder func(def scheduler.Definition) (scheduler.JobFunc, error)

// Registry maps job kinds to builders.
type Registry struct {
	deps   Deps
	logger zerolog.Logger

	mu       sync.RWMutex
	builders map[string]Builder
}

// NewRegistry returns a registry with the built-in kinds registered.
func NewRegistry(deps Deps, logger zerolog.Logger) *Registry {
	if deps.Now == nil {
		deps.Now = time.Now
	}
	r := &Registry{
		deps:     deps,
		logger:   logger.With().Str("component", "jobs").Logger(),
		builders: make(map[string]Builder),
	}
	r.Register(KindPortfolioReport, r.portfolioReport)
	r.Register(KindWatchlistScreen, r.watchlistScreen)
	r.Register(KindPruneDeliveries, r.pruneDeliveries)
	return r
}

func (r *Registry) Register(kind string, b Builder) {
	r.mu.Lock()
	r.builders[strings.ToLower(kind)] = b
	r.mu.Unlock()
}

// Kinds lists registered kinds in order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.builders))
	for k := range r.builders {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Build resolves def.Kind to a job body.
func (r *Registry) Build(def scheduler.Definition) (scheduler.JobFunc, error) {
	r.mu.RLock()
	b, ok := r.builders[strings.ToLower(def.Kind)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, def.Kind)
	}
	fn, err := b(def)
	if err != nil {
		return nil, fmt.Errorf("job %s: %w", def.ID, err)
	}
	return fn, nil
}

func (r *Registry) channels(def scheduler.Definition) []string {
	if raw := def.Params["channels"]; raw != "" {
		return splitList(raw, strings.ToLower)
	}
	return r.deps.Channels
}

func (r *Registry) jobLogger(job scheduler.Job) zerolog.Logger {
	return r.logger.With().Str("job", job.ID).Str("kind", job.Kind).Logger()
}

func (r *Registry) deliver(ctx context.Context, job scheduler.Job, channels []string, note notify.Notification) error {
	if r.deps.Router == nil {
		return fmt.Errorf("no router configured")
	}
	note.CreatedAt = r.deps.Now()
	c := notify.Candidate{
		Notification: note,
		Fingerprint:  notify.Fingerprint(job.Kind, job.ID, note.Message),
		Channels:     channels,
	}
	delivered := r.deps.Router.Route(ctx, c)
	logger := r.jobLogger(job)
	logger.Info().Strs("delivered", delivered).Msg("job output routed")
	return nil
}

func splitList(raw string, normalize func(string) string) []string {
	var out []string
	for _, part := range strings.Split(raw, ",") {
		part = normalize(strings.TrimSpace(part))
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
