package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/disnet/flint-note-sync/internal/cli"
	"github.com/disnet/flint-note-sync/internal/cli/config"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadConfig()

	if err := cli.Execute(ctx, cfg, version); err != nil {
		log.Fatalf("%v", err)
	}

}
