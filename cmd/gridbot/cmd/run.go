package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rustyeddy/gridbot/config"
	"github.com/rustyeddy/gridbot/engine"
	"github.com/rustyeddy/gridbot/exchange/edgex"
	"github.com/rustyeddy/gridbot/grid"
	"github.com/rustyeddy/gridbot/guard"
	"github.com/rustyeddy/gridbot/journal"
	"github.com/rustyeddy/gridbot/risk"
	"github.com/rustyeddy/gridbot/schedule"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the bot against the configured contract",
	Long: `Run the grid-trading control loop.

Exchange credentials come from the environment (or a .env file):
  EDGEX_API_KEY

Example:
  gridbot run -f config.yaml --metrics-addr :9100`,
	RunE: runRun,
}

var (
	runConfigPath  string
	runMetricsAddr string
	runDevLog      bool
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&runConfigPath, "config", "f", "", "path to config file (YAML or JSON) (required)")
	runCmd.Flags().StringVar(&runMetricsAddr, "metrics-addr", "", "listen address for prometheus metrics (empty disables)")
	runCmd.Flags().BoolVar(&runDevLog, "dev-log", false, "human-readable console logging")
	runCmd.MarkFlagRequired("config")
}

func newLogger() (*zap.Logger, error) {
	if runDevLog {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

func runRun(cmd *cobra.Command, args []string) error {
	_ = godotenv.Load()

	log, err := newLogger()
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer log.Sync()

	cfg, err := config.LoadFromFile(runConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	apiKey := os.Getenv("EDGEX_API_KEY")
	if apiKey == "" {
		return fmt.Errorf("EDGEX_API_KEY is not set")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := edgex.NewClient(edgex.Options{
		BaseURL:    cfg.Exchange.BaseURL,
		APIKey:     apiKey,
		ContractID: cfg.Exchange.ContractID,
		TickSize:   cfg.Exchange.TickSize,
		SizeStep:   cfg.Exchange.SizeStep,
	})
	ticker := edgex.NewTickerStream(cfg.Exchange.WSURL, cfg.Exchange.ContractID, log)
	client.UseTicker(ticker)
	go ticker.Run(ctx)

	safe := guard.NewSafeExchange(client, cfg.Grid.OpSpacing(), 3, 500*time.Millisecond, log)

	var jrnl journal.Journal = journal.Nop{}
	if cfg.Journal.DBPath != "" {
		sq, err := journal.NewSQLite(cfg.Journal.DBPath)
		if err != nil {
			return fmt.Errorf("open journal: %w", err)
		}
		defer sq.Close()
		jrnl = sq
	}

	monitor := risk.NewMonitor(risk.Policy{
		AssetLossCutPct:         cfg.Risk.AssetLossCutPct,
		AssetTakeProfitPct:      cfg.Risk.AssetTakeProfitPct,
		PositionLossCutPct:      cfg.Risk.PositionLossCutPct,
		PositionTakeProfitPct:   cfg.Risk.PositionTakeProfitPct,
		Leverage:                cfg.Exchange.Leverage,
		RecoveryEnabled:         cfg.Risk.BalanceRecoveryEnabled,
		RecoveryEnforceLevelUsd: cfg.Risk.RecoveryEnforceLevelUsd,
	}, cfg.Risk.InitialBalanceUsd, log)

	mode := cfg.Size.Mode()
	measure := risk.MeasureBtc
	if mode.Ratio {
		measure = risk.MeasureRatio
	}
	governor := risk.NewGovernor(measure, mode.Limit, mode.Release, log)

	opts := engine.Options{
		Exchange: safe,
		Monitor:  monitor,
		Governor: governor,
		Journal:  jrnl,
		Log:      log,
		Grid: grid.Params{
			StepUsd:        cfg.Grid.StepUsd,
			FirstOffsetUsd: cfg.Grid.FirstOffsetUsd,
			LevelsPerSide:  cfg.Grid.LevelsPerSide,
			BaseSize:       cfg.Grid.Size,
		},
		PriceTol:   cfg.Exchange.TickSize,
		ExitAction: engine.ExitAction(cfg.Schedule.OutOfScheduleAction),
	}
	if cfg.Schedule.Enabled {
		gate := schedule.NewGate(cfg.Schedule.URL, cfg.Schedule.Type, log)
		// resolve the document before the first cycle; the loop must not
		// read a never-fetched schedule as out-of-schedule
		if err := gate.Refresh(ctx); err != nil {
			log.Warn("initial schedule fetch failed, starting without a document", zap.Error(err))
		}
		go gate.Run(ctx)
		opts.Gate = gate
	}

	if runMetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		go func() {
			if err := http.ListenAndServe(runMetricsAddr, mux); err != nil {
				log.Warn("metrics server stopped", zap.Error(err))
			}
		}()
	}

	log.Info("starting grid bot",
		zap.String("contract", cfg.Exchange.ContractID),
		zap.Float64("grid_step_usd", cfg.Grid.StepUsd),
		zap.Int("levels_per_side", cfg.Grid.LevelsPerSide),
		zap.Float64("leverage", cfg.Exchange.Leverage),
		zap.Bool("schedule", cfg.Schedule.Enabled),
		zap.Bool("asset_breaker", cfg.Risk.AssetLossCutPct > 0 || cfg.Risk.AssetTakeProfitPct > 0),
		zap.Bool("position_breaker", cfg.Risk.PositionLossCutPct > 0 || cfg.Risk.PositionTakeProfitPct > 0),
		zap.Bool("balance_recovery", cfg.Risk.BalanceRecoveryEnabled))

	orch := engine.New(opts)
	if err := orch.Run(ctx, cfg.Grid.Cycle()); err != nil && ctx.Err() == nil {
		log.Error("control loop halted", zap.Error(err))
		return err
	}
	log.Info("shutdown complete")
	return nil
}
