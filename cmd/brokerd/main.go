package main

import (
	"context"
	"log"

	"github.com/disnet/flint-note-sync/internal/brokerd"
	"github.com/disnet/flint-note-sync/internal/brokerd/config"
)

func main() {

	ctx := context.Background()
	cfg := config.LoadConfig()
	app, err := brokerd.NewApp(ctx, cfg)

	if err != nil {
		log.Printf("%v", err)
		return
	}

	app.Run(ctx)

}
