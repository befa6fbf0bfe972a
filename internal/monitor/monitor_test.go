package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"tradewatch/internal/notify"
	"tradewatch/internal/quote"
	"tradewatch/internal/rules"
	"tradewatch/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeQuotes struct {
	mu        sync.Mutex
	prices    map[string]decimal.Decimal
	positions []quote.Position
	err       error
}

func (f *fakeQuotes) set(symbol string, price float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.prices == nil {
		f.prices = make(map[string]decimal.Decimal)
	}
	f.prices[symbol] = decimal.NewFromFloat(price)
}

func (f *fakeQuotes) fail(err error) {
	f.mu.Lock()
	f.err = err
	f.mu.Unlock()
}

func (f *fakeQuotes) GetObservations(_ context.Context, symbols []string) (map[string]decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	out := make(map[string]decimal.Decimal)
	for _, s := range symbols {
		if v, ok := f.prices[s]; ok {
			out[s] = v
		}
	}
	return out, nil
}

func (f *fakeQuotes) GetPositions(context.Context, string) ([]quote.Position, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions, f.err
}

type captureSender struct {
	mu    sync.Mutex
	notes []notify.Notification
	err   error
}

func (c *captureSender) Name() string { return "test" }

func (c *captureSender) Send(_ context.Context, note notify.Notification) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.notes = append(c.notes, note)
	return nil
}

func (c *captureSender) sent() []notify.Notification {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]notify.Notification(nil), c.notes...)
}

type failingLoadStore struct {
	*storage.MemoryStore
}

func (failingLoadStore) LoadMonitorState(context.Context, string) (storage.MonitorState, error) {
	return storage.MonitorState{}, errors.New("connection refused")
}

type harness struct {
	quotes  *fakeQuotes
	sender  *captureSender
	store   *storage.MemoryStore
	manager *Manager
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		quotes: &fakeQuotes{},
		sender: &captureSender{},
		store:  storage.NewMemoryStore(),
	}
	router := notify.NewRouter(notify.Options{DedupWindow: time.Minute}, zerolog.Nop(), h.sender)
	h.manager = NewManager(ManagerOptions{
		Quotes:       h.quotes,
		Router:       router,
		Store:        h.store,
		Defaults:     Settings{Interval: time.Hour},
		StartupDelay: time.Hour,
	}, zerolog.Nop())
	t.Cleanup(func() {
		require.NoError(t, h.manager.StopAll(context.Background()))
	})
	return h
}

func priceRule(kind rules.Kind, symbol string, threshold int64) rules.Rule {
	return rules.Rule{
		Symbol:    symbol,
		Kind:      kind,
		Threshold: decimal.NewFromInt(threshold),
		Channels:  []string{"test"},
	}
}

func (h *harness) tick(t *testing.T, key string) Status {
	t.Helper()
	require.NoError(t, h.manager.TickNow(context.Background(), key))
	st, err := h.manager.Status(key)
	require.NoError(t, err)
	return st
}

func TestAboveTriggersOnSecondTick(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.manager.Start(ctx, "m1", []rules.Rule{priceRule(rules.KindAbove, "x", 100)}, Settings{})
	require.NoError(t, err)

	h.quotes.set("X", 95)
	h.tick(t, "m1")
	assert.Empty(t, h.sender.sent())

	h.quotes.set("X", 101)
	st := h.tick(t, "m1")

	sent := h.sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "X", sent[0].Symbol)
	assert.Equal(t, "above", sent[0].Kind)
	assert.Equal(t, "price", sent[0].Category)
	assert.Equal(t, int64(1), st.Stats.Triggered)
	assert.Equal(t, int64(2), st.Stats.Ticks)
}

func TestCrossesNeedsPreviousObservation(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.manager.Start(ctx, "m1", []rules.Rule{priceRule(rules.KindCrosses, "X", 50)}, Settings{})
	require.NoError(t, err)

	h.quotes.set("X", 48)
	h.tick(t, "m1")
	assert.Empty(t, h.sender.sent())

	h.quotes.set("X", 52)
	h.tick(t, "m1")
	sent := h.sender.sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "up", sent[0].Direction)

	h.quotes.set("X", 53)
	st := h.tick(t, "m1")
	assert.Len(t, h.sender.sent(), 1)
	assert.Equal(t, int64(1), st.Stats.Triggered)
}

func TestOneTimeRuleConsumedAfterDelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	rule := priceRule(rules.KindBelow, "SPY", 400)
	rule.Recurrence = rules.OneTime
	st, err := h.manager.Start(ctx, "m1", []rules.Rule{rule}, Settings{})
	require.NoError(t, err)
	require.Equal(t, 1, st.RuleCount)

	h.quotes.set("SPY", 399)
	st = h.tick(t, "m1")
	assert.Len(t, h.sender.sent(), 1)
	assert.Empty(t, st.Rules)
	assert.Equal(t, int64(1), st.Stats.Consumed)

	h.tick(t, "m1")
	assert.Len(t, h.sender.sent(), 1)
}

func TestOneTimeRuleKeptWhenDeliveryFails(t *testing.T) {
	h := newHarness(t)
	h.sender.err = errors.New("telegram down")
	ctx := context.Background()
	rule := priceRule(rules.KindBelow, "SPY", 400)
	rule.Recurrence = rules.OneTime
	_, err := h.manager.Start(ctx, "m1", []rules.Rule{rule}, Settings{})
	require.NoError(t, err)

	h.quotes.set("SPY", 399)
	st := h.tick(t, "m1")
	assert.Equal(t, 1, st.RuleCount)
	assert.Equal(t, int64(1), st.Stats.Undelivered)
	assert.Zero(t, st.Stats.Consumed)
}

func TestFetchErrorIsCountedNotFatal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.manager.Start(ctx, "m1", []rules.Rule{priceRule(rules.KindAbove, "X", 1)}, Settings{})
	require.NoError(t, err)

	h.quotes.fail(errors.New("502 bad gateway"))
	st := h.tick(t, "m1")
	assert.Equal(t, StateRunning, st.State)
	assert.True(t, st.Active)
	assert.Equal(t, int64(1), st.Stats.FetchErrors)
	assert.Contains(t, st.Stats.LastError, "502 bad gateway")
	assert.Empty(t, h.sender.sent())

	h.quotes.fail(nil)
	h.quotes.set("X", 2)
	h.tick(t, "m1")
	assert.Len(t, h.sender.sent(), 1)
}

func TestStartFailsWhenStateCannotLoad(t *testing.T) {
	router := notify.NewRouter(notify.Options{}, zerolog.Nop())
	m := NewManager(ManagerOptions{
		Quotes: &fakeQuotes{},
		Router: router,
		Store:  failingLoadStore{storage.NewMemoryStore()},
	}, zerolog.Nop())

	_, err := m.Start(context.Background(), "m1", []rules.Rule{priceRule(rules.KindAbove, "X", 1)}, Settings{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Empty(t, m.List())
}

func TestInvalidInitialRuleRejected(t *testing.T) {
	h := newHarness(t)
	_, err := h.manager.Start(context.Background(), "m1", []rules.Rule{priceRule("spread", "X", 1)}, Settings{})
	assert.ErrorIs(t, err, rules.ErrUnknownKind)
}

func TestControlErrors(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.manager.AddRule(ctx, "missing", priceRule(rules.KindAbove, "X", 1))
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.manager.Start(ctx, "m1", nil, Settings{})
	require.NoError(t, err)
	_, err = h.manager.Start(ctx, "m1", nil, Settings{})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	_, err = h.manager.AddRule(ctx, "m1", priceRule(rules.KindAbove, "", 1))
	assert.ErrorIs(t, err, rules.ErrInvalidRule)

	bad := priceRule(rules.KindAbove, "X", 1)
	bad.Severity = "loud"
	_, err = h.manager.AddRule(ctx, "m1", bad)
	assert.ErrorIs(t, err, rules.ErrInvalidRule)

	assert.ErrorIs(t, h.manager.RemoveRule(ctx, "m1", "nope"), ErrRuleNotFound)
}

func TestAddRemoveAndUpdateConfig(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.manager.Start(ctx, "m1", nil, Settings{})
	require.NoError(t, err)

	added, err := h.manager.AddRule(ctx, "m1", priceRule(rules.KindAbove, "aapl", 200))
	require.NoError(t, err)
	assert.NotEmpty(t, added.ID)
	assert.Equal(t, "AAPL", added.Symbol)
	assert.Equal(t, "m1", added.MonitorKey)

	interval := 5 * time.Minute
	require.NoError(t, h.manager.UpdateConfig(ctx, "m1", ConfigUpdate{Interval: &interval}))

	st, err := h.manager.Status("m1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.RuleCount)
	assert.Equal(t, interval, st.Interval)

	require.NoError(t, h.manager.RemoveRule(ctx, "m1", added.ID))
	st, err = h.manager.Status("m1")
	require.NoError(t, err)
	assert.Zero(t, st.RuleCount)
}

func TestStopPersistsAndResumeRestores(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	_, err := h.manager.Start(ctx, "m1", []rules.Rule{priceRule(rules.KindCrosses, "X", 50)}, Settings{Account: "5WT1"})
	require.NoError(t, err)

	h.quotes.set("X", 48)
	h.tick(t, "m1")
	require.NoError(t, h.manager.Stop(ctx, "m1"))

	_, err = h.manager.Status("m1")
	assert.ErrorIs(t, err, ErrNotFound)

	saved, err := h.store.LoadMonitorState(ctx, "m1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Ticks)
	assert.Equal(t, "5WT1", saved.Settings.Account)
	require.Len(t, saved.Observations, 1)
	assert.True(t, saved.Observations[0].Value.Equal(decimal.NewFromInt(48)))

	resumed, err := h.manager.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"m1"}, resumed)

	// the restored previous value lets the first tick after resume detect the crossing
	h.quotes.set("X", 52)
	st := h.tick(t, "m1")
	assert.Equal(t, 1, st.RuleCount)
	assert.Len(t, h.sender.sent(), 1)
}

func TestCheckpointKeepsReferencedSubjects(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	keep := priceRule(rules.KindAbove, "X", 1000)
	drop := priceRule(rules.KindAbove, "Y", 1000)
	drop.ID = "drop-me"
	_, err := h.manager.Start(ctx, "m1", []rules.Rule{keep, drop}, Settings{CheckpointEvery: 1})
	require.NoError(t, err)

	h.quotes.set("X", 10)
	h.quotes.set("Y", 20)
	st := h.tick(t, "m1")
	assert.Equal(t, 2, st.Observations)

	require.NoError(t, h.manager.RemoveRule(ctx, "m1", "drop-me"))
	st = h.tick(t, "m1")
	assert.Equal(t, 1, st.Observations)
	assert.Equal(t, int64(2), st.Stats.Checkpoints)

	saved, err := h.store.LoadMonitorState(ctx, "m1")
	require.NoError(t, err)
	require.Len(t, saved.Observations, 1)
	assert.Equal(t, "X", saved.Observations[0].Symbol)
}

func TestWildcardPositionRules(t *testing.T) {
	h := newHarness(t)
	dte := 3
	h.quotes.positions = []quote.Position{
		{Symbol: "SPY 240614P440", Underlying: "SPY", Delta: decimal.RequireFromString("0.35"), PnL: decimal.NewFromInt(-120), DaysToExpiration: &dte},
		{Symbol: "SPY 240614P430", Underlying: "SPY", Delta: decimal.RequireFromString("0.25"), PnL: decimal.NewFromInt(-90), DaysToExpiration: &dte},
		{Symbol: "AAPL", Underlying: "AAPL", Delta: decimal.NewFromInt(10), PnL: decimal.NewFromInt(50)},
	}
	ctx := context.Background()

	delta := rules.Rule{Symbol: "*", Kind: rules.KindDeltaBreach, Threshold: decimal.NewFromInt(5), Channels: []string{"test"}}
	loss := rules.Rule{Symbol: "SPY", Kind: rules.KindPnLThreshold, Threshold: decimal.NewFromInt(-200), Channels: []string{"test"}}
	_, err := h.manager.Start(ctx, "risk", []rules.Rule{delta, loss}, Settings{Account: "5WT1"})
	require.NoError(t, err)

	st := h.tick(t, "risk")
	assert.Equal(t, int64(2), st.Stats.Triggered)

	bySymbol := make(map[string]notify.Notification)
	for _, n := range h.sender.sent() {
		bySymbol[n.Symbol+"/"+n.Kind] = n
	}
	require.Contains(t, bySymbol, "AAPL/delta-breach")
	require.Contains(t, bySymbol, "SPY/pnl-threshold")
	assert.True(t, bySymbol["SPY/pnl-threshold"].Value.Equal(decimal.NewFromInt(-210)))
	assert.Equal(t, notify.SeverityCritical, bySymbol["SPY/pnl-threshold"].Severity)
}

func TestPositionRulesWithoutAccountSkipFetch(t *testing.T) {
	h := newHarness(t)
	h.quotes.positions = []quote.Position{{Symbol: "AAPL", Delta: decimal.NewFromInt(10)}}
	rule := rules.Rule{Symbol: "*", Kind: rules.KindDeltaBreach, Threshold: decimal.NewFromInt(5), Channels: []string{"test"}}
	_, err := h.manager.Start(context.Background(), "risk", []rules.Rule{rule}, Settings{})
	require.NoError(t, err)

	st := h.tick(t, "risk")
	assert.Zero(t, st.Stats.Triggered)
}

func TestMinSeverityFiltersCandidates(t *testing.T) {
	h := newHarness(t)
	_, err := h.manager.Start(context.Background(), "m1",
		[]rules.Rule{priceRule(rules.KindAbove, "X", 1)},
		Settings{MinSeverity: notify.SeverityCritical})
	require.NoError(t, err)

	h.quotes.set("X", 2)
	st := h.tick(t, "m1")
	assert.Equal(t, int64(1), st.Stats.Triggered)
	assert.Empty(t, h.sender.sent())
}

func TestActorTicksOnTimer(t *testing.T) {
	quotes := &fakeQuotes{}
	quotes.set("X", 2)
	sender := &captureSender{}
	actor := NewActor(Options{
		Key:          "timer",
		Settings:     Settings{Interval: 10 * time.Millisecond},
		InitialRules: []rules.Rule{priceRule(rules.KindAbove, "X", 1)},
		StartupDelay: time.Millisecond,
		Quotes:       quotes,
		Router:       notify.NewRouter(notify.Options{}, zerolog.Nop(), sender),
		Store:        storage.NewMemoryStore(),
	}, zerolog.Nop())
	require.NoError(t, actor.Start(context.Background()))

	require.Eventually(t, func() bool {
		return actor.Status().Stats.Ticks >= 3
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, actor.Stop(context.Background()))
	assert.Equal(t, StateStopped, actor.Status().State)
	assert.False(t, actor.Status().Active)
	assert.ErrorIs(t, actor.TickNow(context.Background()), ErrNotRunning)
	// recurring rule fired once; later triggers are inside the dedup window
	assert.Len(t, sender.sent(), 1)
}

// blockingQuotes parks every fetch until its context is cancelled.
type blockingQuotes struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingQuotes) GetObservations(ctx context.Context, _ []string) (map[string]decimal.Decimal, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func (b *blockingQuotes) GetPositions(context.Context, string) ([]quote.Position, error) {
	return nil, nil
}

func TestStopCancelsTickAfterShutdownGrace(t *testing.T) {
	quotes := &blockingQuotes{started: make(chan struct{})}
	store := storage.NewMemoryStore()
	router := notify.NewRouter(notify.Options{}, zerolog.Nop(), &captureSender{})

	actor := NewActor(Options{
		Key: "slow",
		Settings: Settings{
			Interval:      time.Hour,
			FetchTimeout:  time.Hour,
			ShutdownGrace: 50 * time.Millisecond,
		},
		InitialRules: []rules.Rule{priceRule(rules.KindAbove, "SPY", 500)},
		StartupDelay: time.Millisecond,
		Quotes:       quotes,
		Router:       router,
		Store:        store,
	}, zerolog.Nop())
	require.NoError(t, actor.Start(context.Background()))

	select {
	case <-quotes.started:
	case <-time.After(5 * time.Second):
		t.Fatal("tick never started")
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	begin := time.Now()
	require.NoError(t, actor.Stop(stopCtx))
	assert.GreaterOrEqual(t, time.Since(begin), 50*time.Millisecond)

	st := actor.Status()
	assert.Equal(t, StateStopped, st.State)
	assert.Equal(t, int64(1), st.Stats.FetchErrors)

	saved, err := store.LoadMonitorState(context.Background(), "slow")
	require.NoError(t, err)
	assert.Equal(t, int64(1), saved.Ticks)
	require.Len(t, saved.Rules, 1)
	assert.Equal(t, "SPY", saved.Rules[0].Symbol)
}

func TestStopBeforeStartClosesDone(t *testing.T) {
	actor := NewActor(Options{Key: "idle", Store: storage.NewMemoryStore()}, zerolog.Nop())
	require.NoError(t, actor.Stop(context.Background()))

	select {
	case <-actor.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed for an actor stopped before start")
	}
	assert.Equal(t, StateStopped, actor.Status().State)
	assert.ErrorIs(t, actor.Start(context.Background()), ErrAlreadyRunning)
}
