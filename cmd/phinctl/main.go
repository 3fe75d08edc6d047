// Command phinctl drives the PHIN bridge outside a simulation engine: it can
// host models behind the gRPC inference runtime, inspect model metadata and
// evaluate YAML structures through the pair and compute styles.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

var (
	version = "0.1.0"
	commit  = "dev"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
