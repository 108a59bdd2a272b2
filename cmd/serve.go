package cmd

import (
	"github.com/dloop-labs/dloop-engine/config"
	"github.com/dloop-labs/dloop-engine/utils"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the HTTP quote API",
	Long: `Serve the read-only HTTP API: vault listings, live positions,
block-pinned rebalance quotes and swap classification. No transactions
are sent in this mode.`,
	Run: func(cmd *cobra.Command, args []string) {
		log := utils.GetLogger()

		eng, cleanup := buildEngine(log, func(cfg *config.Config) {
			if listenAddr != "" {
				cfg.ServerListenAddr = listenAddr
			}
		})
		defer cleanup()

		if err := eng.RunServer(cmd.Context()); err != nil {
			log.Fatal("Server stopped", zap.Error(err))
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "listen address (overrides server_listen_addr)")
}
