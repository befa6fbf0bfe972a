package quote

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"tradewatch/internal/rules"
)

// Client fetches market observations and account positions.
type Client interface {
	// GetObservations returns the latest price per symbol. Unknown symbols are
	// absent from the result rather than an error. A non-nil error may come
	// with the quotes that were still obtained.
	GetObservations(ctx context.Context, symbols []string) (map[string]decimal.Decimal, error)
	GetPositions(ctx context.Context, account string) ([]Position, error)
}

// Position is an open position with the metrics position rules read.
type Position struct {
	Symbol           string          `json:"symbol"`
	Underlying       string          `json:"underlying"`
	Quantity         decimal.Decimal `json:"quantity"`
	Delta            decimal.Decimal `json:"delta"`
	DaysToExpiration *int            `json:"days_to_expiration,omitempty"`
	PnL              decimal.Decimal `json:"pnl"`
	Mark             decimal.Decimal `json:"mark"`
	ExpiresAt        *time.Time      `json:"expires_at,omitempty"`
}

// Metric returns the value of m for the position. DTE is absent for
// instruments without an expiry.
func (p Position) Metric(m rules.Metric) (decimal.Decimal, bool) {
	switch m {
	case rules.MetricDelta:
		return p.Delta, true
	case rules.MetricPnL:
		return p.PnL, true
	case rules.MetricDTE:
		if p.DaysToExpiration == nil {
			return decimal.Decimal{}, false
		}
		return decimal.NewFromInt(int64(*p.DaysToExpiration)), true
	case rules.MetricPrice:
		return p.Mark, !p.Mark.IsZero()
	default:
		return decimal.Decimal{}, false
	}
}

// DaysUntil counts whole calendar days from now until expiry, never negative.
func DaysUntil(expiry, now time.Time) int {
	y1, m1, d1 := now.UTC().Date()
	y2, m2, d2 := expiry.UTC().Date()
	from := time.Date(y1, m1, d1, 0, 0, 0, 0, time.UTC)
	to := time.Date(y2, m2, d2, 0, 0, 0, 0, time.UTC)
	days := int(to.Sub(from).Hours() / 24)
	if days < 0 {
		return 0
	}
	return days
}
