package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/yrippert-maker/papa-app-sub003/pkg/api"
	"github.com/yrippert-maker/papa-app-sub003/pkg/config"
	"github.com/yrippert-maker/papa-app-sub003/pkg/observability"
)

const shutdownTimeout = 10 * time.Second

func runServe(args []string, _, stderr io.Writer) int {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	port := fs.String("port", "", "Listen port (overrides PORT)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(stderr)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	if *port != "" {
		cfg.Port = *port
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := serve(ctx, cfg); err != nil {
		slog.ErrorContext(ctx, "server stopped", "error", err)
		return 1
	}
	return 0
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default().With("component", "server")

	provider, err := observability.New(ctx, cfg.Observability(version))
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			logger.Warn("observability shutdown", "error", err)
		}
	}()

	a, err := openApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	active, err := a.signing.EnsureActiveKey(ctx)
	if err != nil {
		return fmt.Errorf("signing key: %w", err)
	}
	logger.InfoContext(ctx, "signing key ready", "key_id", active.KeyID, "algorithm", active.Algorithm)

	windows, closeWindows, err := newWindowStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer closeWindows()

	srv := api.NewServer(api.Deps{
		Pipeline:  a.pipeline,
		Signing:   a.signing,
		Keys:      a.keys,
		Anchoring: a.anchoring,
		Proofs:    a.proofs,
		Actors:    api.NewActorResolver(cfg.ActorJWTSecret),
		Limiter:   api.NewRateLimiter(windows, cfg.RateLimit.Requests, cfg.RateLimit.Window),
	})

	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.InfoContext(ctx, "listening", "addr", httpServer.Addr, "lite_mode", cfg.LiteMode(), "local_chain", cfg.UseLocalChain())
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return httpServer.Shutdown(sctx)
}

// newWindowStore shares rate-limit windows through Redis when REDIS_URL is
// set. The in-process store is swept once per window.
func newWindowStore(ctx context.Context, cfg *config.Config) (api.WindowStore, func(), error) {
	if cfg.RedisURL != "" {
		rs, err := api.NewRedisWindowStore(cfg.RedisURL)
		if err != nil {
			return nil, nil, err
		}
		return rs, func() { _ = rs.Close() }, nil
	}

	ms := api.NewMemoryWindowStore()
	sweepCtx, cancel := context.WithCancel(ctx)
	go func() {
		t := time.NewTicker(cfg.RateLimit.Window)
		defer t.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case now := <-t.C:
				ms.Sweep(now, cfg.RateLimit.Window)
			}
		}
	}()
	return ms, cancel, nil
}
