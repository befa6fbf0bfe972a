package rules

import "github.com/shopspring/decimal"

// Outcome is the result of evaluating a rule against one observation.
type Outcome struct {
	Triggered bool
	Direction string
}

var notTriggered = Outcome{}

// Evaluate decides whether rule fires for current, given the previous observation of the
// same subject (nil when none exists). It has no side effects.
func Evaluate(rule Rule, current decimal.Decimal, previous *decimal.Decimal) Outcome {
	t := rule.Threshold

	switch rule.Kind {
	case KindAbove:
		if current.GreaterThan(t) {
			return Outcome{Triggered: true, Direction: "above"}
		}
	case KindBelow:
		if current.LessThan(t) {
			return Outcome{Triggered: true, Direction: "below"}
		}
	case KindCrosses:
		if previous == nil {
			return notTriggered
		}
		prev := *previous
		if prev.LessThan(t) && t.LessThanOrEqual(current) {
			return Outcome{Triggered: true, Direction: "up"}
		}
		if prev.GreaterThan(t) && t.GreaterThanOrEqual(current) {
			return Outcome{Triggered: true, Direction: "down"}
		}
	case KindDeltaBreach:
		if current.Abs().GreaterThan(t) {
			return Outcome{Triggered: true, Direction: classifySign(current)}
		}
	case KindDaysToExpiration:
		if current.LessThanOrEqual(t) {
			return Outcome{Triggered: true, Direction: "expiring"}
		}
	case KindPnLThreshold:
		if rule.PnLSide == PnLProfit {
			if current.GreaterThanOrEqual(t) {
				return Outcome{Triggered: true, Direction: "profit"}
			}
			return notTriggered
		}
		if current.LessThanOrEqual(t) {
			return Outcome{Triggered: true, Direction: "loss"}
		}
	}
	return notTriggered
}

func classifySign(d decimal.Decimal) string {
	switch d.Sign() {
	case 1:
		return "long"
	case -1:
		return "short"
	default:
		return "flat"
	}
}
