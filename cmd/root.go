package cmd

import (
	"context"

	"github.com/dloop-labs/dloop-engine/utils"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	debug   bool
)

var rootCmd = &cobra.Command{
	Use:   "dloop-engine",
	Short: "Keeper and quote engine for dLOOP leveraged vaults",
	Long: `An off-chain engine that keeps dLOOP leveraged vaults at their target
leverage. It plans rebalances from on-chain positions and oracle prices,
routes swaps through Odos and Pendle, and serves read-only quotes over HTTP.`,
}

func Execute() error {
	return rootCmd.Execute()
}

func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.dloop-engine.json)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")
}

func initConfig() {
	utils.InitLogger(debug)
}
