package cli

import (
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"tradewatch/internal/app"
)

var (
	simulateSymbol    string
	simulateKind      string
	simulateThreshold string
	simulateValue     string
	simulatePrevious  string
	simulateChannels  []string
	simulateSeverity  string
	simulatePnLSide   string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Evaluate one rule against a given value and route the alert",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulateSymbol == "" || simulateKind == "" {
			return errors.New("--symbol and --kind are required")
		}

		threshold, err := decimal.NewFromString(simulateThreshold)
		if err != nil {
			return errors.New("--threshold must be a number")
		}
		value, err := decimal.NewFromString(simulateValue)
		if err != nil {
			return errors.New("--value must be a number")
		}

		opts := app.SimulateOptions{
			Symbol:    simulateSymbol,
			Kind:      simulateKind,
			Threshold: threshold,
			Value:     value,
			Channels:  simulateChannels,
			Severity:  simulateSeverity,
			PnLSide:   simulatePnLSide,
		}
		if simulatePrevious != "" {
			prev, err := decimal.NewFromString(simulatePrevious)
			if err != nil {
				return errors.New("--previous must be a number")
			}
			opts.Previous = &prev
		}

		return getApp().SimulateAlert(cmd.Context(), cmd.OutOrStdout(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "", "Symbol the rule watches")
	simulateCmd.Flags().StringVar(&simulateKind, "kind", "above", "Rule kind (above, below, crosses, delta-breach, days-to-expiration, pnl-threshold)")
	simulateCmd.Flags().StringVar(&simulateThreshold, "threshold", "0", "Rule threshold")
	simulateCmd.Flags().StringVar(&simulateValue, "value", "0", "Observed value")
	simulateCmd.Flags().StringVar(&simulatePrevious, "previous", "", "Previous observation, needed by crosses")
	simulateCmd.Flags().StringSliceVar(&simulateChannels, "channels", nil, "Channels to deliver to (defaults to every enabled channel)")
	simulateCmd.Flags().StringVar(&simulateSeverity, "severity", "", "Override severity (info, warning, critical)")
	simulateCmd.Flags().StringVar(&simulatePnLSide, "pnl-side", "", "loss or profit for pnl-threshold")
}
