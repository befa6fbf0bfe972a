package rules

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func dec(v string) decimal.Decimal {
	return decimal.RequireFromString(v)
}

func ptr(v string) *decimal.Decimal {
	d := dec(v)
	return &d
}

func TestEvaluate(t *testing.T) {
	cases := []struct {
		name      string
		rule      Rule
		current   string
		previous  *decimal.Decimal
		triggered bool
		direction string
	}{
		{"above below threshold", Rule{Kind: KindAbove, Threshold: dec("100")}, "95", nil, false, ""},
		{"above at threshold is strict", Rule{Kind: KindAbove, Threshold: dec("100")}, "100", nil, false, ""},
		{"above over threshold", Rule{Kind: KindAbove, Threshold: dec("100")}, "101", nil, true, "above"},
		{"below under threshold", Rule{Kind: KindBelow, Threshold: dec("50")}, "49.99", nil, true, "below"},
		{"below at threshold is strict", Rule{Kind: KindBelow, Threshold: dec("50")}, "50", nil, false, ""},
		{"crosses without previous", Rule{Kind: KindCrosses, Threshold: dec("50")}, "52", nil, false, ""},
		{"crosses upward", Rule{Kind: KindCrosses, Threshold: dec("50")}, "52", ptr("48"), true, "up"},
		{"crosses upward landing on threshold", Rule{Kind: KindCrosses, Threshold: dec("50")}, "50", ptr("48"), true, "up"},
		{"crosses downward", Rule{Kind: KindCrosses, Threshold: dec("50")}, "47", ptr("51"), true, "down"},
		{"crosses stays above", Rule{Kind: KindCrosses, Threshold: dec("50")}, "53", ptr("52"), false, ""},
		{"crosses from threshold", Rule{Kind: KindCrosses, Threshold: dec("50")}, "51", ptr("50"), false, ""},
		{"delta long breach", Rule{Kind: KindDeltaBreach, Threshold: dec("0.5")}, "0.62", nil, true, "long"},
		{"delta short breach", Rule{Kind: KindDeltaBreach, Threshold: dec("0.5")}, "-0.7", nil, true, "short"},
		{"delta inside limit", Rule{Kind: KindDeltaBreach, Threshold: dec("0.5")}, "-0.5", nil, false, ""},
		{"dte at threshold", Rule{Kind: KindDaysToExpiration, Threshold: dec("7")}, "7", nil, true, "expiring"},
		{"dte far away", Rule{Kind: KindDaysToExpiration, Threshold: dec("7")}, "30", nil, false, ""},
		{"pnl loss breached", Rule{Kind: KindPnLThreshold, Threshold: dec("-500"), PnLSide: PnLLoss}, "-650", nil, true, "loss"},
		{"pnl loss not reached", Rule{Kind: KindPnLThreshold, Threshold: dec("-500"), PnLSide: PnLLoss}, "-120", nil, false, ""},
		{"pnl profit reached", Rule{Kind: KindPnLThreshold, Threshold: dec("800"), PnLSide: PnLProfit}, "812.5", nil, true, "profit"},
		{"pnl profit not reached", Rule{Kind: KindPnLThreshold, Threshold: dec("800"), PnLSide: PnLProfit}, "-900", nil, false, ""},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Evaluate(tc.rule, dec(tc.current), tc.previous)
			if got.Triggered != tc.triggered {
				t.Fatalf("triggered = %v, want %v", got.Triggered, tc.triggered)
			}
			if got.Direction != tc.direction {
				t.Fatalf("direction = %q, want %q", got.Direction, tc.direction)
			}
		})
	}
}

func TestEvaluateAboveBelowIgnorePrevious(t *testing.T) {
	for _, kind := range []Kind{KindAbove, KindBelow} {
		rule := Rule{Kind: kind, Threshold: dec("100")}
		for _, current := range []string{"90", "100", "110"} {
			base := Evaluate(rule, dec(current), nil)
			for _, prev := range []string{"-1", "100", "1000"} {
				if got := Evaluate(rule, dec(current), ptr(prev)); got != base {
					t.Fatalf("%s: previous %s changed outcome for %s", kind, prev, current)
				}
			}
		}
	}
}

func TestValidate(t *testing.T) {
	now := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)

	valid := Rule{Symbol: " aapl ", Kind: KindAbove, Threshold: dec("100"), Channels: []string{"Log", "log", " telegram "}}
	valid.Normalize(now)
	if err := valid.Validate(); err != nil {
		t.Fatalf("rule should be valid: %v", err)
	}
	if valid.ID == "" || valid.Symbol != "AAPL" || valid.Recurrence != Recurring {
		t.Fatalf("normalize did not fill defaults: %#v", valid)
	}
	if len(valid.Channels) != 2 {
		t.Fatalf("channels should be deduplicated: %v", valid.Channels)
	}

	unknown := valid
	unknown.Kind = "sideways"
	if err := unknown.Validate(); !errors.Is(err, ErrUnknownKind) {
		t.Fatalf("unknown kind should fail with ErrUnknownKind, got %v", err)
	}

	wildcard := valid
	wildcard.Symbol = Wildcard
	if err := wildcard.Validate(); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("wildcard price rule should be rejected, got %v", err)
	}
	wildcard.Kind = KindDeltaBreach
	if err := wildcard.Validate(); err != nil {
		t.Fatalf("wildcard delta rule should be accepted: %v", err)
	}

	negative := valid
	negative.Kind = KindDaysToExpiration
	negative.Threshold = dec("-1")
	if err := negative.Validate(); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("negative dte threshold should be rejected, got %v", err)
	}

	noChannels := valid
	noChannels.Channels = nil
	if err := noChannels.Validate(); !errors.Is(err, ErrInvalidRule) {
		t.Fatalf("rule without channels should be rejected, got %v", err)
	}

	pnl := Rule{Symbol: "SPY", Kind: KindPnLThreshold, Threshold: dec("-100"), Channels: []string{"log"}}
	pnl.Normalize(now)
	if pnl.PnLSide != PnLLoss {
		t.Fatalf("pnl side should default to loss, got %q", pnl.PnLSide)
	}
}

func TestObservationStateNeverRollsBack(t *testing.T) {
	key := ObservationKey{Symbol: "X", Metric: MetricPrice}
	t0 := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)
	state := NewObservationState(nil)

	state.Update(Observation{ObservationKey: key, Value: dec("10"), ObservedAt: t0.Add(time.Minute)})
	if state.Update(Observation{ObservationKey: key, Value: dec("5"), ObservedAt: t0}) {
		t.Fatal("older observation must not replace newer one")
	}
	got, ok := state.Get(key)
	if !ok || !got.Equal(dec("10")) {
		t.Fatalf("expected 10, got %s", got)
	}

	dropped := state.Trim(func(o Observation) bool { return o.Symbol != "X" })
	if dropped != 1 || state.Len() != 0 {
		t.Fatalf("trim should drop X, dropped=%d len=%d", dropped, state.Len())
	}
}

func TestRenderTemplate(t *testing.T) {
	rule := Rule{Kind: KindCrosses, Threshold: dec("50"), MonitorKey: "desk", Template: "{{monitor}}: {{symbol}} {{direction}} through {{threshold}} at {{value}}"}
	got := Render(rule, "X", dec("52"), Outcome{Triggered: true, Direction: "up"})
	if got != "desk: X up through 50 at 52" {
		t.Fatalf("unexpected render: %q", got)
	}

	rule.Template = ""
	if got := Render(rule, "X", dec("52"), Outcome{Triggered: true, Direction: "up"}); got == "" {
		t.Fatal("default message should not be empty")
	}
}
