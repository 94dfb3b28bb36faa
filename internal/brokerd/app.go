// Package brokerd initializes and runs the credential broker daemon: it
// wires the token verifier, quota store and HTTP endpoint, and handles
// graceful shutdown on OS signals.
package brokerd

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/disnet/flint-note-sync/internal/broker"
	"github.com/disnet/flint-note-sync/internal/brokerd/config"
	"github.com/disnet/flint-note-sync/internal/logging"
)

type App struct {
	config *config.Config
	logger logging.Logger
	server *broker.Server
	closer func() error
}

func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	logger := logging.NewSlogLogger(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	resolver := broker.NewStaticKeyResolver()
	for issuer, encoded := range cfg.IssuerKeys {
		raw, err := base64.StdEncoding.DecodeString(encoded)
		if err != nil {
			return nil, fmt.Errorf("issuer %q: bad verification key: %w", issuer, err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("issuer %q: verification key must be %d bytes", issuer, ed25519.PublicKeySize)
		}
		resolver.Add(issuer, ed25519.PublicKey(raw))
	}

	var (
		quota   broker.QuotaStore
		replays broker.ReplayStore
		closer  = func() error { return nil }
	)
	if cfg.DatabaseDSN != "" {
		pg, err := broker.OpenPostgres(ctx, cfg.DatabaseDSN)
		if err != nil {
			return nil, fmt.Errorf("db init error: %w", err)
		}
		quota, replays, closer = pg, pg, pg.Close
	} else {
		mem := broker.NewMemoryStore()
		quota, replays = mem, mem
		logger.Warn(ctx, "no database configured, quota state is in-memory only")
	}

	verifier := broker.NewVerifier(logger, resolver, replays, cfg.Audience)
	svc := broker.NewService(logger, verifier, quota, broker.RandomMinter{}, broker.Config{
		Audience:        cfg.Audience,
		QuotaLimitBytes: cfg.QuotaLimitBytes,
		CredentialTTL:   cfg.CredentialTTL,
	})
	server := broker.NewServer(logger, cfg.EndpointAddr, broker.NewHandler(logger, svc))

	return &App{config: cfg, logger: logger, server: server, closer: closer}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "starting brokerd", "addr", app.config.EndpointAddr)

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := app.server.Run(ctx); err != nil {
			app.logger.Error(ctx, err.Error())
			cancelFunc()
		}
	}()

	wg.Wait()

	if err := app.closer(); err != nil {
		app.logger.Error(ctx, "shutdown cleanup", "err", err)
	}
}
