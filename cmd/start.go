package cmd

import (
	"github.com/dloop-labs/dloop-engine/cmd/engine"
	"github.com/dloop-labs/dloop-engine/config"
	"github.com/dloop-labs/dloop-engine/utils"
	"github.com/dloop-labs/dloop-engine/utils/metrics"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	dryRun  bool
	withAPI bool
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the rebalance keeper",
	Long: `Start the keeper loop: sweep the registered vaults on an interval,
plan rebalances and execute the ones whose leverage has left its band.
With --with-api the HTTP quote API runs alongside the keeper.`,
	Run: func(cmd *cobra.Command, args []string) {
		log := utils.GetLogger()

		eng, cleanup := buildEngine(log, func(cfg *config.Config) {
			if dryRun {
				cfg.DryRun = true
			}
		})
		defer cleanup()

		ctx := cmd.Context()
		var err error
		if withAPI {
			err = eng.Run(ctx)
		} else {
			err = eng.RunKeeper(ctx)
		}
		if err != nil {
			log.Fatal("Keeper stopped", zap.Error(err))
		}
	},
}

func init() {
	rootCmd.AddCommand(startCmd)
	startCmd.Flags().BoolVar(&dryRun, "dry-run", false, "plan and log rebalances without sending transactions")
	startCmd.Flags().BoolVar(&withAPI, "with-api", false, "serve the HTTP quote API alongside the keeper")
}

// buildEngine loads configuration and secrets and wires the engine. The
// mutate hook lets commands override config fields from flags before
// validation.
func buildEngine(log *zap.Logger, mutate func(*config.Config)) (*engine.Engine, func()) {
	if err := config.LoadEnv(); err != nil {
		log.Fatal("Failed to load environment", zap.Error(err))
	}
	cfg, err := config.LoadConfig(cfgFile)
	if err != nil {
		log.Fatal("Failed to load config", zap.Error(err))
	}
	if mutate != nil {
		mutate(cfg)
	}
	secrets, err := config.LoadSecureConfig()
	if err != nil {
		log.Fatal("Failed to load secrets", zap.Error(err))
	}

	metrics.Initialize(log)

	eng, err := engine.New(cfg, secrets, log)
	if err != nil {
		log.Fatal("Failed to build engine", zap.Error(err))
	}
	return eng, eng.Close
}
