package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/siphonlog/siphon/runner"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	exitCode := runner.Run(ctx)
	cancel()
	os.Exit(exitCode)
}
