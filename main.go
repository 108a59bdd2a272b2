package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/dloop-labs/dloop-engine/cmd"
	"github.com/dloop-labs/dloop-engine/utils"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	err := cmd.ExecuteContext(ctx)
	utils.CleanupLogger()
	if err != nil {
		os.Exit(1)
	}
}
