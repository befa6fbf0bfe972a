package notify

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tradewatch/internal/metrics"
	"tradewatch/internal/storage"
)

// Sender delivers a notification over one transport.
type Sender interface {
	Name() string
	Send(ctx context.Context, note Notification) error
}

// DeliveryRecorder persists channel attempts for auditing.
type DeliveryRecorder interface {
	RecordDelivery(ctx context.Context, rec storage.DeliveryRecord) error
}

// Options configures a Router.
type Options struct {
	DedupWindow time.Duration
	RateLimit   RateLimitOptions
	SendTimeout time.Duration
	Recorder    DeliveryRecorder
	Metrics     *metrics.Metrics
	Now         func() time.Time
}

// Routed pairs a candidate with the channels that actually received it.
type Routed struct {
	Candidate Candidate
	Delivered []string
}

// Router applies dedup and rate limits before fanning a candidate out to its channels.
// A single Router may be shared by many monitor actors.
type Router struct {
	mu      sync.RWMutex
	senders map[string]Sender

	dedup       *Dedup
	limiter     *RateLimiter
	sendTimeout time.Duration
	recorder    DeliveryRecorder
	metrics     *metrics.Metrics
	now         func() time.Time
	logger      zerolog.Logger
}

// NewRouter constructs a router with the given senders registered by name.
func NewRouter(opts Options, logger zerolog.Logger, senders ...Sender) *Router {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	r := &Router{
		senders:     make(map[string]Sender, len(senders)),
		dedup:       NewDedup(opts.DedupWindow),
		limiter:     NewRateLimiter(opts.RateLimit),
		sendTimeout: opts.SendTimeout,
		recorder:    opts.Recorder,
		metrics:     opts.Metrics,
		now:         opts.Now,
		logger:      logger.With().Str("component", "router").Logger(),
	}
	for _, s := range senders {
		r.Register(s)
	}
	return r
}

// Register adds or replaces a sender under its lower-cased name.
func (r *Router) Register(s Sender) {
	if s == nil {
		return
	}
	r.mu.Lock()
	r.senders[strings.ToLower(s.Name())] = s
	r.mu.Unlock()
}

// Channels lists the registered channel names.
func (r *Router) Channels() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.senders))
	for name := range r.senders {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// Route delivers c and returns the channels that actually received it. A
// deduplicated candidate returns nil without consuming rate-limit budget.
func (r *Router) Route(ctx context.Context, c Candidate) []string {
	if c.Fingerprint == "" {
		c.Fingerprint = Fingerprint(c.Kind, c.Symbol, c.Message)
	}
	now := r.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}

	if !r.dedup.Reserve(c.Fingerprint, now) {
		r.metrics.Suppressed(storage.OutcomeDeduplicated)
		r.record(ctx, c, "", storage.OutcomeDeduplicated, nil)
		r.logger.Debug().Str("fingerprint", c.Fingerprint).Str("symbol", c.Symbol).Msg("notification deduplicated")
		return nil
	}

	delivered := make([]string, 0, len(c.Channels))
	for _, channel := range c.Channels {
		channel = strings.ToLower(channel)

		r.mu.RLock()
		sender, ok := r.senders[channel]
		r.mu.RUnlock()
		if !ok {
			r.logger.Warn().Str("channel", channel).Str("rule_id", c.RuleID).Msg("unknown channel, skipped")
			continue
		}

		slot := r.now()
		if !r.limiter.Reserve(c.Category, slot) {
			r.metrics.Suppressed(storage.OutcomeRateLimited)
			r.metrics.Delivery(channel, storage.OutcomeRateLimited)
			r.record(ctx, c, channel, storage.OutcomeRateLimited, nil)
			r.logger.Debug().Str("channel", channel).Str("category", c.Category).Msg("notification rate limited")
			continue
		}

		if err := r.send(ctx, sender, c.Notification); err != nil {
			r.limiter.Release(c.Category, slot)
			r.metrics.Delivery(channel, storage.OutcomeFailed)
			r.record(ctx, c, channel, storage.OutcomeFailed, err)
			r.logger.Error().Err(err).Str("channel", channel).Str("symbol", c.Symbol).Str("rule_id", c.RuleID).Msg("send notification failed")
			continue
		}

		r.metrics.Delivery(channel, storage.OutcomeDelivered)
		r.record(ctx, c, channel, storage.OutcomeDelivered, nil)
		delivered = append(delivered, channel)
	}

	if len(delivered) == 0 {
		r.dedup.Release(c.Fingerprint, now)
	} else {
		r.dedup.Record(c.Fingerprint, r.now())
	}
	return delivered
}

// RouteBatch filters candidates below minSeverity, orders the rest by priority
// and routes them one by one.
func (r *Router) RouteBatch(ctx context.Context, candidates []Candidate, minSeverity Severity) []Routed {
	ordered := SortByPriority(FilterMin(candidates, minSeverity))
	out := make([]Routed, 0, len(ordered))
	for _, c := range ordered {
		if ctx.Err() != nil {
			break
		}
		out = append(out, Routed{Candidate: c, Delivered: r.Route(ctx, c)})
	}
	return out
}

// Prune drops expired dedup entries.
func (r *Router) Prune(now time.Time) int {
	return r.dedup.Prune(now)
}

// DedupSize reports the number of live dedup entries.
func (r *Router) DedupSize() int {
	return r.dedup.Len()
}

func (r *Router) send(ctx context.Context, sender Sender, note Notification) (err error) {
	sendCtx, cancel := context.WithTimeout(ctx, r.sendTimeout)
	defer cancel()

	defer func() {
		if rec := recover(); rec != nil {
			err = panicError{value: rec}
		}
	}()
	return sender.Send(sendCtx, note)
}

func (r *Router) record(ctx context.Context, c Candidate, channel, outcome string, sendErr error) {
	if r.recorder == nil {
		return
	}
	rec := storage.DeliveryRecord{
		MonitorKey:  c.MonitorKey,
		RuleID:      c.RuleID,
		Fingerprint: c.Fingerprint,
		Channel:     channel,
		Category:    c.Category,
		Severity:    c.Severity.String(),
		Outcome:     outcome,
		Message:     c.Message,
		CreatedAt:   r.now().UTC(),
	}
	if sendErr != nil {
		msg := sendErr.Error()
		rec.Error = &msg
	}
	if err := r.recorder.RecordDelivery(ctx, rec); err != nil {
		r.logger.Warn().Err(err).Str("outcome", outcome).Msg("record delivery failed")
	}
}
