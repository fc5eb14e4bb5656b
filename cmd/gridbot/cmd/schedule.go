package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rustyeddy/gridbot/config"
	"github.com/rustyeddy/gridbot/schedule"
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Show the currently resolved trading schedule",
	Long: `Fetch the schedule document and print whether trading is currently
in-schedule for the configured type, and at what lot coefficient.

Example:
  gridbot schedule -f config.yaml`,
	RunE: runSchedule,
}

var scheduleConfigPath string

func init() {
	rootCmd.AddCommand(scheduleCmd)

	scheduleCmd.Flags().StringVarP(&scheduleConfigPath, "config", "f", "", "path to config file (YAML or JSON) (required)")
	scheduleCmd.MarkFlagRequired("config")
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(scheduleConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if !cfg.Schedule.Enabled {
		fmt.Println("Schedule disabled: trading is always active at coefficient 1.0")
		return nil
	}

	gate := schedule.NewGate(cfg.Schedule.URL, cfg.Schedule.Type, zap.NewNop())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := gate.Refresh(ctx); err != nil {
		return fmt.Errorf("fetch schedule: %w", err)
	}

	now := time.Now().UTC()
	st := gate.Resolve(now)

	fmt.Printf("Schedule type: %s\n", cfg.Schedule.Type)
	fmt.Printf("Now (UTC):     %s\n", now.Format(time.RFC3339))
	if st.Active {
		fmt.Printf("Status:        IN SCHEDULE (%s, lot coefficient %.2f)\n", st.Title, st.LotCoefficient)
	} else {
		fmt.Printf("Status:        OUT OF SCHEDULE (action on exit: %s)\n", cfg.Schedule.OutOfScheduleAction)
	}
	return nil
}
