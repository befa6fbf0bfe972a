package monitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"tradewatch/internal/notify"
	"tradewatch/internal/quote"
	"tradewatch/internal/rules"
	"tradewatch/internal/storage"
)

// tick runs one fetch, evaluate, route and persist cycle. Transient failures
// are logged and counted; they never stop the loop.
func (a *Actor) tick(ctx context.Context) {
	now := a.now()

	observed, positionSymbols := a.collect(ctx)
	candidates := a.evaluate(observed, positionSymbols, now)

	for key, value := range observed {
		a.observations.Update(rules.Observation{ObservationKey: key, Value: value, ObservedAt: now})
	}

	if len(candidates) > 0 {
		routed := a.router.RouteBatch(ctx, candidates, a.settings.MinSeverity)
		a.consume(routed)
	}

	a.ticks++
	a.lastTick = now
	a.metrics.Tick(a.key)
	a.metrics.ActiveRules(a.key, len(a.rules))

	if a.needsCheckpoint() {
		a.checkpoint(now)
	}
	a.persist(ctx)
	a.publish()
}

// collect gathers quote and position observations for the current rule set.
// It returns the observed values and the symbols of open positions.
func (a *Actor) collect(ctx context.Context) (map[rules.ObservationKey]decimal.Decimal, []string) {
	observed := make(map[rules.ObservationKey]decimal.Decimal)

	var (
		symbols   []string
		positions bool
		seen      = make(map[string]struct{})
	)
	for _, r := range a.rules {
		if r.Kind.PositionMetric() {
			positions = true
			continue
		}
		if _, ok := seen[r.Symbol]; ok {
			continue
		}
		seen[r.Symbol] = struct{}{}
		symbols = append(symbols, r.Symbol)
	}
	sort.Strings(symbols)

	fetchCtx, cancel := context.WithTimeout(ctx, a.settings.FetchTimeout)
	defer cancel()

	if len(symbols) > 0 {
		prices, err := a.quotes.GetObservations(fetchCtx, symbols)
		if err != nil {
			a.fetchFailed(fmt.Errorf("get observations: %w", err))
		}
		for sym, price := range prices {
			observed[rules.ObservationKey{Symbol: sym, Metric: rules.MetricPrice}] = price
		}
	}

	if !positions || a.settings.Account == "" {
		return observed, nil
	}
	list, err := a.quotes.GetPositions(fetchCtx, a.settings.Account)
	if err != nil {
		a.fetchFailed(fmt.Errorf("get positions: %w", err))
		return observed, nil
	}
	return observed, observePositions(observed, list)
}

func (a *Actor) fetchFailed(err error) {
	a.stats.FetchErrors++
	a.stats.LastError = err.Error()
	a.metrics.FetchError(a.key)
	a.logger.Warn().Err(err).Msg("fetch failed, treating as no observations")
}

// observePositions writes per-position metrics plus an aggregate per
// underlying (summed delta and pnl, nearest expiration).
func observePositions(observed map[rules.ObservationKey]decimal.Decimal, list []quote.Position) []string {
	symbols := make([]string, 0, len(list))
	aggregates := make(map[rules.ObservationKey]decimal.Decimal)

	for _, pos := range list {
		symbols = append(symbols, pos.Symbol)
		underlying := pos.Underlying
		if underlying == "" {
			underlying = pos.Symbol
		}

		for _, metric := range []rules.Metric{rules.MetricDelta, rules.MetricPnL, rules.MetricDTE} {
			value, ok := pos.Metric(metric)
			if !ok {
				continue
			}
			observed[rules.ObservationKey{Symbol: pos.Symbol, Metric: metric}] = value

			if underlying == pos.Symbol {
				continue
			}
			key := rules.ObservationKey{Symbol: underlying, Metric: metric}
			current, exists := aggregates[key]
			switch {
			case !exists:
				aggregates[key] = value
			case metric == rules.MetricDTE:
				aggregates[key] = decimal.Min(current, value)
			default:
				aggregates[key] = current.Add(value)
			}
		}
	}

	for key, value := range aggregates {
		if own, ok := observed[key]; ok {
			if key.Metric == rules.MetricDTE {
				value = decimal.Min(own, value)
			} else {
				value = value.Add(own)
			}
		}
		observed[key] = value
	}
	return symbols
}

// evaluate checks every rule against the fresh observations and the previous
// value held in the observation state.
func (a *Actor) evaluate(observed map[rules.ObservationKey]decimal.Decimal, positionSymbols []string, now time.Time) []notify.Candidate {
	var candidates []notify.Candidate
	for _, r := range a.rules {
		subjects := []string{r.Symbol}
		if r.Symbol == rules.Wildcard {
			subjects = positionSymbols
		}

		for _, subject := range subjects {
			key := rules.ObservationKey{Symbol: subject, Metric: r.Kind.Metric()}
			current, ok := observed[key]
			if !ok {
				continue
			}
			var previous *decimal.Decimal
			if prev, ok := a.observations.Get(key); ok {
				previous = &prev
			}

			outcome := rules.Evaluate(r, current, previous)
			if !outcome.Triggered {
				continue
			}
			c, err := NewCandidate(r, subject, current, outcome, now)
			if err != nil {
				a.logger.Error().Err(err).Str("rule_id", r.ID).Msg("build candidate failed")
				continue
			}
			a.stats.Triggered++
			a.metrics.Triggered(a.key, string(r.Kind))
			candidates = append(candidates, c)
		}
	}
	return candidates
}

// NewCandidate turns a triggered rule into a routable notification.
func NewCandidate(r rules.Rule, subject string, value decimal.Decimal, outcome rules.Outcome, now time.Time) (notify.Candidate, error) {
	level := r.Severity
	if level == "" {
		level = r.Kind.DefaultSeverity()
	}
	severity, err := notify.ParseSeverity(level)
	if err != nil {
		return notify.Candidate{}, err
	}

	message := rules.Render(r, subject, value, outcome)
	return notify.Candidate{
		Notification: notify.Notification{
			Title:      fmt.Sprintf("%s %s", subject, r.Kind),
			Message:    message,
			Severity:   severity,
			Category:   r.Kind.Category(),
			Symbol:     subject,
			Kind:       string(r.Kind),
			Direction:  outcome.Direction,
			MonitorKey: r.MonitorKey,
			RuleID:     r.ID,
			Value:      value,
			Threshold:  r.Threshold,
			CreatedAt:  now,
		},
		Fingerprint: notify.Fingerprint(string(r.Kind), subject, message),
		Channels:    append([]string(nil), r.Channels...),
	}, nil
}

// consume drops one-time rules whose notification reached a channel.
func (a *Actor) consume(routed []notify.Routed) {
	spent := make(map[string]struct{})
	for _, rt := range routed {
		if len(rt.Delivered) > 0 {
			a.stats.Delivered++
		} else {
			a.stats.Undelivered++
		}
		if len(rt.Delivered) > 0 || a.settings.ConsumeOnFailure {
			spent[rt.Candidate.RuleID] = struct{}{}
		}
	}

	kept := a.rules[:0]
	for _, r := range a.rules {
		if _, ok := spent[r.ID]; ok && r.Recurrence == rules.OneTime {
			a.stats.Consumed++
			a.logger.Info().Str("rule_id", r.ID).Str("symbol", r.Symbol).Msg("one-time rule consumed")
			continue
		}
		kept = append(kept, r)
	}
	a.rules = kept
}

func (a *Actor) needsCheckpoint() bool {
	s := a.settings
	return a.ticks%int64(s.CheckpointEvery) == 0 ||
		a.observations.Len() > s.MaxObservations ||
		a.router.DedupSize() > s.MaxDedupEntries
}

// checkpoint trims observations to subjects still referenced by a rule and
// prunes the shared dedup table. Wildcard metrics keep what the latest tick saw.
func (a *Actor) checkpoint(now time.Time) {
	referenced := make(map[rules.ObservationKey]struct{}, len(a.rules))
	wildcard := make(map[rules.Metric]struct{})
	for _, r := range a.rules {
		if r.Symbol == rules.Wildcard {
			wildcard[r.Kind.Metric()] = struct{}{}
			continue
		}
		referenced[rules.ObservationKey{Symbol: r.Symbol, Metric: r.Kind.Metric()}] = struct{}{}
	}

	dropped := a.observations.Trim(func(obs rules.Observation) bool {
		if _, ok := referenced[obs.ObservationKey]; ok {
			return true
		}
		_, ok := wildcard[obs.Metric]
		return ok && !obs.ObservedAt.Before(a.lastTick)
	})
	pruned := a.router.Prune(now)

	a.stats.Checkpoints++
	a.metrics.Checkpoint(a.key)
	a.logger.Debug().
		Int("dropped_observations", dropped).
		Int("pruned_dedup", pruned).
		Int64("ticks", a.ticks).
		Msg("checkpoint")
}

// persist saves the canonical state. It runs even when ctx is already
// cancelled so that shutdown still leaves a checkpoint behind.
func (a *Actor) persist(ctx context.Context) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.settings.PersistTimeout)
	defer cancel()

	snapshot := make([]rules.Rule, len(a.rules))
	for i, r := range a.rules {
		snapshot[i] = r.Clone()
	}
	state := storage.MonitorState{
		Key:          a.key,
		Settings:     a.settings.persisted(),
		Rules:        snapshot,
		Observations: a.observations.Snapshot(),
		Ticks:        a.ticks,
		UpdatedAt:    a.now().UTC(),
	}
	if err := a.store.SaveMonitorState(saveCtx, state); err != nil {
		a.stats.PersistErrors++
		a.stats.LastError = err.Error()
		a.logger.Error().Err(err).Msg("persist monitor state failed")
	}
}
