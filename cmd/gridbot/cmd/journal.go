package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/gridbot/journal"
)

var journalCmd = &cobra.Command{
	Use:   "journal",
	Short: "Query the bot's journal database",
	Long: `Query and display records from the SQLite journal.

Subcommands:
  flattens - List recent flatten events with their trigger reasons

Examples:
  gridbot journal flattens
  gridbot journal flattens -n 50 -d ./gridbot.db`,
}

var journalFlattensCmd = &cobra.Command{
	Use:   "flattens",
	Short: "List recent flatten events",
	Args:  cobra.NoArgs,
	RunE:  runJournalFlattens,
}

var (
	journalDBPath   string
	journalFlattenN int
)

func init() {
	rootCmd.AddCommand(journalCmd)
	journalCmd.AddCommand(journalFlattensCmd)

	journalCmd.PersistentFlags().StringVarP(&journalDBPath, "db", "d", "./gridbot.db", "path to SQLite journal DB")
	journalFlattensCmd.Flags().IntVarP(&journalFlattenN, "limit", "n", 20, "maximum number of events")
}

func runJournalFlattens(cmd *cobra.Command, args []string) error {
	j, err := journal.NewSQLite(journalDBPath)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	defer j.Close()

	events, err := j.ListFlattens(journalFlattenN)
	if err != nil {
		return fmt.Errorf("list flattens: %w", err)
	}
	if len(events) == 0 {
		fmt.Println("No flatten events recorded.")
		return nil
	}

	fmt.Printf("%-25s %-18s %-16s %10s %12s %10s\n",
		"TIME", "REASON", "MODE", "BALANCE", "TOTAL_ASSET", "POS_SIZE")
	for _, e := range events {
		fmt.Printf("%-25s %-18s %-16s %10.2f %12.2f %10.4f\n",
			e.Time.Format(time.RFC3339), e.Reason, e.Mode, e.Balance, e.TotalAsset, e.PositionSize)
	}
	return nil
}
