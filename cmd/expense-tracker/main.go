// Command expense-tracker runs the expense tracker HTTP server.
//
// Configuration comes from the environment, optionally seeded from a .env
// file (see internal/config). Running the binary with no subcommand is the
// same as "serve".
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}
