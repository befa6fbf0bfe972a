package rules

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Kind names a condition evaluated by a rule.
type Kind string

const (
	KindAbove            Kind = "above"
	KindBelow            Kind = "below"
	KindCrosses          Kind = "crosses"
	KindDeltaBreach      Kind = "delta-breach"
	KindDaysToExpiration Kind = "days-to-expiration"
	KindPnLThreshold     Kind = "pnl-threshold"
)

// Recurrence controls whether a rule survives a delivered trigger.
type Recurrence string

const (
	OneTime   Recurrence = "one-time"
	Recurring Recurrence = "recurring"
)

// PnLSide selects the adverse direction of a pnl-threshold rule.
type PnLSide string

const (
	PnLLoss   PnLSide = "loss"
	PnLProfit PnLSide = "profit"
)

// Metric is the observed quantity a rule reads.
type Metric string

const (
	MetricPrice Metric = "price"
	MetricDelta Metric = "delta"
	MetricDTE   Metric = "dte"
	MetricPnL   Metric = "pnl"
)

// Wildcard matches every open position for position-metric kinds.
const Wildcard = "*"

var (
	// ErrUnknownKind is returned for rule kinds the evaluator does not support.
	ErrUnknownKind = errors.New("rules: unknown rule kind")
	// ErrInvalidRule wraps every other validation failure.
	ErrInvalidRule = errors.New("rules: invalid rule")
)

// Rule is a user-defined watch condition owned by one monitor.
type Rule struct {
	ID         string          `json:"id"`
	MonitorKey string          `json:"monitor_key"`
	Symbol     string          `json:"symbol"`
	Kind       Kind            `json:"kind"`
	Threshold  decimal.Decimal `json:"threshold"`
	Recurrence Recurrence      `json:"recurrence"`
	Channels   []string        `json:"channels"`
	Template   string          `json:"template,omitempty"`
	Severity   string          `json:"severity,omitempty"`
	PnLSide    PnLSide         `json:"pnl_side,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Normalize fills defaults and canonicalises symbol and channel names.
func (r *Rule) Normalize(now time.Time) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Symbol = strings.ToUpper(strings.TrimSpace(r.Symbol))
	if r.Recurrence == "" {
		r.Recurrence = Recurring
	}
	if r.Kind == KindPnLThreshold && r.PnLSide == "" {
		r.PnLSide = PnLLoss
	}
	channels := make([]string, 0, len(r.Channels))
	seen := make(map[string]struct{}, len(r.Channels))
	for _, ch := range r.Channels {
		ch = strings.ToLower(strings.TrimSpace(ch))
		if ch == "" {
			continue
		}
		if _, ok := seen[ch]; ok {
			continue
		}
		seen[ch] = struct{}{}
		channels = append(channels, ch)
	}
	r.Channels = channels
	if r.CreatedAt.IsZero() {
		r.CreatedAt = now.UTC()
	}
}

// Validate rejects configuration errors before a rule reaches an evaluation loop.
func (r Rule) Validate() error {
	if !r.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, r.Kind)
	}
	if r.Symbol == "" {
		return fmt.Errorf("%w: symbol is required", ErrInvalidRule)
	}
	if r.Symbol == Wildcard && !r.Kind.PositionMetric() {
		return fmt.Errorf("%w: wildcard symbol not allowed for %s rules", ErrInvalidRule, r.Kind)
	}
	switch r.Recurrence {
	case OneTime, Recurring:
	default:
		return fmt.Errorf("%w: unknown recurrence %q", ErrInvalidRule, r.Recurrence)
	}
	switch r.Kind {
	case KindDeltaBreach, KindDaysToExpiration:
		if r.Threshold.IsNegative() {
			return fmt.Errorf("%w: %s threshold cannot be negative", ErrInvalidRule, r.Kind)
		}
	case KindPnLThreshold:
		if r.PnLSide != PnLLoss && r.PnLSide != PnLProfit {
			return fmt.Errorf("%w: unknown pnl side %q", ErrInvalidRule, r.PnLSide)
		}
	}
	if len(r.Channels) == 0 {
		return fmt.Errorf("%w: at least one channel is required", ErrInvalidRule)
	}
	return nil
}

// Valid reports whether the evaluator has a branch for k.
func (k Kind) Valid() bool {
	switch k {
	case KindAbove, KindBelow, KindCrosses, KindDeltaBreach, KindDaysToExpiration, KindPnLThreshold:
		return true
	default:
		return false
	}
}

// PositionMetric reports whether k reads a per-position metric instead of a quote.
func (k Kind) PositionMetric() bool {
	switch k {
	case KindDeltaBreach, KindDaysToExpiration, KindPnLThreshold:
		return true
	default:
		return false
	}
}

// Metric returns the observed quantity read by k.
func (k Kind) Metric() Metric {
	switch k {
	case KindDeltaBreach:
		return MetricDelta
	case KindDaysToExpiration:
		return MetricDTE
	case KindPnLThreshold:
		return MetricPnL
	default:
		return MetricPrice
	}
}

// Category is the rate-limit bucket notifications for k are counted against.
func (k Kind) Category() string {
	switch k {
	case KindDeltaBreach, KindPnLThreshold:
		return "portfolio_risk"
	case KindDaysToExpiration:
		return "info"
	default:
		return "price"
	}
}

// DefaultSeverity is used when a rule carries no explicit severity.
func (k Kind) DefaultSeverity() string {
	switch k {
	case KindPnLThreshold:
		return "critical"
	case KindDaysToExpiration:
		return "info"
	default:
		return "warning"
	}
}

// Clone returns a deep copy so callers cannot mutate actor-owned state.
func (r Rule) Clone() Rule {
	out := r
	out.Channels = append([]string(nil), r.Channels...)
	return out
}
