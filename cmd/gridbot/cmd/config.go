package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/rustyeddy/gridbot/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Generate or validate configuration files",
	Long: `Manage gridbot configuration files.

Subcommands:
  init     - Generate a default configuration file
  validate - Validate an existing configuration file

Examples:
  gridbot config init -o my-config.yaml
  gridbot config validate -f my-config.yaml`,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Generate a default configuration file",
	Long: `Create a new configuration file with default settings.

Example:
  gridbot config init -o config.yaml`,
	RunE: runConfigInit,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Check if a configuration file is valid and can be loaded.

Example:
  gridbot config validate -f config.yaml`,
	RunE: runConfigValidate,
}

var (
	configInitOutput   string
	configValidatePath string
)

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configValidateCmd)

	configInitCmd.Flags().StringVarP(&configInitOutput, "output", "o", "config.yaml", "output config file path")
	configValidateCmd.Flags().StringVarP(&configValidatePath, "file", "f", "", "path to config file (required)")
	configValidateCmd.MarkFlagRequired("file")
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	cfg := config.Default()
	if err := cfg.SaveToFile(configInitOutput); err != nil {
		return fmt.Errorf("save config: %w", err)
	}

	fmt.Printf("✓ Created default configuration: %s\n", configInitOutput)
	fmt.Println("\nEdit the file and run with:")
	fmt.Printf("  gridbot run -f %s\n", configInitOutput)
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadFromFile(configValidatePath)
	if err != nil {
		return fmt.Errorf("validation failed: %w", err)
	}

	mode := cfg.Size.Mode()
	unit := "BTC"
	if mode.Ratio {
		unit = "ratio"
	}

	fmt.Printf("✓ Configuration valid: %s\n", configValidatePath)
	fmt.Printf("  Contract: %s (leverage %.0fx)\n", cfg.Exchange.ContractID, cfg.Exchange.Leverage)
	fmt.Printf("  Grid: step $%.2f, first offset $%.2f, %d levels per side, size %.4f\n",
		cfg.Grid.StepUsd, cfg.Grid.FirstOffsetUsd, cfg.Grid.LevelsPerSide, cfg.Grid.Size)
	fmt.Printf("  Size limit: %.4f %s (release %.4f)\n", mode.Limit, unit, mode.Release)
	if cfg.Schedule.Enabled {
		fmt.Printf("  Schedule: type %q, out-of-schedule action %q\n", cfg.Schedule.Type, cfg.Schedule.OutOfScheduleAction)
	}
	return nil
}
