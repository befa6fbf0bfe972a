package rules

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Render builds the notification text for a triggered rule. Templates may reference
// {{symbol}}, {{kind}}, {{value}}, {{threshold}}, {{direction}} and {{monitor}}.
func Render(rule Rule, symbol string, value decimal.Decimal, outcome Outcome) string {
	if rule.Template == "" {
		return defaultMessage(rule, symbol, value, outcome)
	}
	return strings.NewReplacer(
		"{{symbol}}", symbol,
		"{{kind}}", string(rule.Kind),
		"{{value}}", value.String(),
		"{{threshold}}", rule.Threshold.String(),
		"{{direction}}", outcome.Direction,
		"{{monitor}}", rule.MonitorKey,
	).Replace(rule.Template)
}

func defaultMessage(rule Rule, symbol string, value decimal.Decimal, outcome Outcome) string {
	switch rule.Kind {
	case KindAbove, KindBelow:
		return fmt.Sprintf("%s is %s %s (last %s)", symbol, outcome.Direction, rule.Threshold.String(), value.String())
	case KindCrosses:
		return fmt.Sprintf("%s crossed %s %s (last %s)", symbol, outcome.Direction, rule.Threshold.String(), value.String())
	case KindDeltaBreach:
		return fmt.Sprintf("%s delta %s breached limit %s", symbol, value.String(), rule.Threshold.String())
	case KindDaysToExpiration:
		return fmt.Sprintf("%s expires in %s days (threshold %s)", symbol, value.String(), rule.Threshold.String())
	case KindPnLThreshold:
		return fmt.Sprintf("%s P&L %s reached %s threshold %s", symbol, value.StringFixed(2), outcome.Direction, rule.Threshold.String())
	default:
		return fmt.Sprintf("%s %s %s", symbol, rule.Kind, value.String())
	}
}
