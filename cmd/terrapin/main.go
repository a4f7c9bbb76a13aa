package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/terrapin-io/terrapin/internal/cli"
	"github.com/terrapin-io/terrapin/internal/engine"
)

func main() {
	// Interrupts stop scheduling new actions; in-flight ones finish and
	// commit so state stays consistent.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cli.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		// Invalid declarations are distinguishable from execution failures.
		if engine.IsGraphError(err) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}
