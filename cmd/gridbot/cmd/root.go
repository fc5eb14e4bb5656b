package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "gridbot",
	Short: "A grid-trading bot with layered circuit breakers",
	Long: `Gridbot maintains a ladder of resting buy/sell orders around the mark
price of a single perpetual contract and protects the account with
layered safety mechanisms:

  - Asset-level circuit breaker (total asset vs baseline)
  - Position-level circuit breaker (leveraged PnL ratio)
  - Balance-recovery flattening
  - Position-size hysteresis (reduce-only mode)
  - Time-of-day trading schedule with exit actions

All thresholds are driven by a YAML config file validated at startup.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() error {
	return rootCmd.Execute()
}
