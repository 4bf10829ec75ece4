package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"schemaver/pkg/cli"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	root := cli.NewCommand(ctx, setup)
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "schemaver:", err)
		cancel()
		os.Exit(1)
	}
}
