package jobs

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradewatch/internal/notify"
	"tradewatch/internal/quote"
	"tradewatch/internal/scheduler"
)

// portfolioReport summarises open positions of an account and routes the
// summary as an info notification.
func (r *Registry) portfolioReport(def scheduler.Definition) (scheduler.JobFunc, error) {
	account := def.Params["account"]
	if account == "" {
		account = r.deps.Account
	}
	if account == "" {
		return nil, fmt.Errorf("portfolio-report needs an account")
	}
	if r.deps.Quotes == nil {
		return nil, fmt.Errorf("portfolio-report needs a quote client")
	}
	channels := r.channels(def)

	return func(ctx context.Context, job scheduler.Job) error {
		positions, err := r.deps.Quotes.GetPositions(ctx, account)
		if err != nil {
			return fmt.Errorf("get positions: %w", err)
		}

		delta, pnl := decimal.Zero, decimal.Zero
		nearest, nearestDays := "", -1
		for _, p := range positions {
			delta = delta.Add(p.Delta)
			pnl = pnl.Add(p.PnL)
			if p.DaysToExpiration != nil && (nearestDays < 0 || *p.DaysToExpiration < nearestDays) {
				nearest, nearestDays = p.Symbol, *p.DaysToExpiration
			}
		}

		var b strings.Builder
		fmt.Fprintf(&b, "Positions: %d\nNet delta: %s\nP&L: %s", len(positions), delta.StringFixed(2), pnl.StringFixed(2))
		if nearestDays >= 0 {
			fmt.Fprintf(&b, "\nNearest expiry: %s in %d days", nearest, nearestDays)
		}

		return r.deliver(ctx, job, channels, notify.Notification{
			Title:    fmt.Sprintf("Portfolio report %s", account),
			Message:  b.String(),
			Severity: notify.SeverityInfo,
			Category: "info",
			Symbol:   account,
			Kind:     KindPortfolioReport,
			Value:    pnl,
		})
	}, nil
}

// watchlistScreen fetches a large watchlist through the bounded screener and
// reports symbols outside the [below, above] band.
func (r *Registry) watchlistScreen(def scheduler.Definition) (scheduler.JobFunc, error) {
	symbols := splitList(def.Params["symbols"], strings.ToUpper)
	if len(symbols) == 0 {
		return nil, fmt.Errorf("watchlist-screen needs symbols")
	}
	if r.deps.Quotes == nil {
		return nil, fmt.Errorf("watchlist-screen needs a quote client")
	}
	above, err := optionalDecimal(def.Params, "above")
	if err != nil {
		return nil, err
	}
	below, err := optionalDecimal(def.Params, "below")
	if err != nil {
		return nil, err
	}
	channels := r.channels(def)

	return func(ctx context.Context, job scheduler.Job) error {
		logger := r.jobLogger(job)
		prices, screenErr := quote.Screen(ctx, r.deps.Quotes, symbols, r.deps.Screen)
		if screenErr != nil {
			logger.Warn().Err(screenErr).Int("fetched", len(prices)).Int("requested", len(symbols)).Msg("screen incomplete")
		}

		var hits []string
		for _, sym := range symbols {
			price, ok := prices[sym]
			if !ok {
				continue
			}
			switch {
			case above != nil && price.GreaterThan(*above):
				hits = append(hits, fmt.Sprintf("%s %s > %s", sym, price, above.String()))
			case below != nil && price.LessThan(*below):
				hits = append(hits, fmt.Sprintf("%s %s < %s", sym, price, below.String()))
			}
		}
		logger.Info().Int("fetched", len(prices)).Int("hits", len(hits)).Msg("watchlist screened")

		if len(hits) > 0 {
			if err := r.deliver(ctx, job, channels, notify.Notification{
				Title:    fmt.Sprintf("Watchlist %s", job.ID),
				Message:  strings.Join(hits, "\n"),
				Severity: notify.SeverityWarning,
				Category: "price",
				Symbol:   job.ID,
				Kind:     KindWatchlistScreen,
			}); err != nil {
				return err
			}
		}
		if len(prices) == 0 && screenErr != nil {
			return fmt.Errorf("screen watchlist: %w", screenErr)
		}
		return nil
	}, nil
}

// pruneDeliveries deletes audit rows older than the retention window.
func (r *Registry) pruneDeliveries(def scheduler.Definition) (scheduler.JobFunc, error) {
	if r.deps.Deliveries == nil {
		return nil, fmt.Errorf("prune-deliveries needs a delivery store")
	}
	retention := r.deps.Retention
	if raw := def.Params["retention"]; raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return nil, fmt.Errorf("retention %q: %w", raw, err)
		}
		retention = d
	}
	if retention <= 0 {
		return nil, fmt.Errorf("prune-deliveries needs a positive retention")
	}

	return func(ctx context.Context, job scheduler.Job) error {
		cutoff := r.deps.Now().Add(-retention)
		deleted, err := r.deps.Deliveries.DeleteDeliveriesBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("prune deliveries: %w", err)
		}
		logger := r.jobLogger(job)
		logger.Info().Int64("deleted", deleted).Time("cutoff", cutoff).Msg("pruned delivery log")
		return nil
	}, nil
}

func optionalDecimal(params map[string]string, key string) (*decimal.Decimal, error) {
	raw := params[key]
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("param %s: %w", key, err)
	}
	return &d, nil
}
