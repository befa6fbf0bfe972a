package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"tradewatch/internal/monitor"
	"tradewatch/internal/rules"
)

// SimulateOptions describe one synthetic observation for a rule.
type SimulateOptions struct {
	Symbol    string
	Kind      string
	Threshold decimal.Decimal
	Value     decimal.Decimal
	Previous  *decimal.Decimal
	Channels  []string
	Severity  string
	PnLSide   string
}

// SimulateAlert evaluates a rule against the given values and routes a
// triggered notification through the configured channels.
func (a *App) SimulateAlert(ctx context.Context, out io.Writer, opts SimulateOptions) error {
	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	router, err := a.newRouter(store, nil)
	if err != nil {
		return err
	}
	channels := opts.Channels
	if len(channels) == 0 {
		channels = router.Channels()
	}
	if len(channels) == 0 {
		return errors.New("no notification channel enabled")
	}

	now := time.Now()
	rule := rules.Rule{
		MonitorKey: "simulate",
		Symbol:     opts.Symbol,
		Kind:       rules.Kind(strings.ToLower(opts.Kind)),
		Threshold:  opts.Threshold,
		Channels:   channels,
		Severity:   opts.Severity,
		PnLSide:    rules.PnLSide(opts.PnLSide),
	}
	rule.Normalize(now)
	if err := rule.Validate(); err != nil {
		return err
	}

	outcome := rules.Evaluate(rule, opts.Value, opts.Previous)
	if !outcome.Triggered {
		_, err := fmt.Fprintf(out, "%s %s %s not triggered by %s\n", rule.Symbol, rule.Kind, rule.Threshold, opts.Value)
		return err
	}

	candidate, err := monitor.NewCandidate(rule, rule.Symbol, opts.Value, outcome, now)
	if err != nil {
		return err
	}
	delivered := router.Route(ctx, candidate)
	if len(delivered) == 0 {
		return fmt.Errorf("triggered (%s) but no channel delivered", outcome.Direction)
	}
	_, err = fmt.Fprintf(out, "triggered (%s), delivered to %s\n", outcome.Direction, strings.Join(delivered, ", "))
	return err
}
