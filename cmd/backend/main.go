package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	audioimpl "github.com/foxseedlab/aiscribe/external/audio"
	authimpl "github.com/foxseedlab/aiscribe/external/auth"
	configloader "github.com/foxseedlab/aiscribe/external/config"
	"github.com/foxseedlab/aiscribe/external/discord"
	repositoryimpl "github.com/foxseedlab/aiscribe/external/repository"
	"github.com/foxseedlab/aiscribe/external/server"
	transcriberimpl "github.com/foxseedlab/aiscribe/external/transcriber"
	webhookimpl "github.com/foxseedlab/aiscribe/external/webhook"
	"github.com/foxseedlab/aiscribe/internal/config"
	"github.com/foxseedlab/aiscribe/internal/notify"
	"github.com/foxseedlab/aiscribe/internal/repository"
	"github.com/foxseedlab/aiscribe/internal/session"
	"github.com/hashicorp/go-multierror"
	"github.com/samber/do/v2"
	"golang.org/x/sync/errgroup"
)

const (
	startupTimeout  = 20 * time.Second
	shutdownTimeout = 60 * time.Second
)

func main() {
	slog.Info("startup: loading configuration")
	cfg := mustLoadConfig()
	initLogger(cfg)
	slog.Info("startup: configuration loaded", "env", cfg.Env, "database_driver", cfg.DatabaseDriver, "transcriber_backend", cfg.TranscriberBackend)

	slog.Info("startup: building dependency graph")
	injector := setupDI(cfg)

	if err := run(injector); err != nil {
		slog.Error("server stopped with error", "error", err)
		os.Exit(1)
	}
	slog.Info("server stopped")
}

func mustLoadConfig() *config.Config {
	cfg, err := configloader.Load()
	if err != nil {
		slog.Error("config validation failed", "error", err)
		os.Exit(1)
	}
	return cfg
}

func initLogger(cfg *config.Config) {
	logLevel := slog.LevelInfo
	if cfg.IsDevelopment() {
		logLevel = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})))
}

func setupDI(cfg *config.Config) do.Injector {
	injector := do.New()

	do.ProvideValue(injector, cfg)
	repositoryimpl.RegisterDI(injector)
	audioimpl.RegisterDI(injector)
	authimpl.RegisterDI(injector)
	transcriberimpl.RegisterDI(injector)
	webhookimpl.RegisterDI(injector)
	discord.RegisterDI(injector)
	do.Provide(injector, func(i do.Injector) (notify.Notifier, error) {
		return notify.Fanout{
			do.MustInvoke[*webhookimpl.HTTPSender](i),
			do.MustInvoke[*discord.Notifier](i),
		}, nil
	})
	session.RegisterDI(injector)
	server.RegisterDI(injector)

	return injector
}

func run(injector do.Injector) error {
	store, err := do.Invoke[repository.Store](injector)
	if err != nil {
		return err
	}
	manager, err := do.Invoke[*session.Manager](injector)
	if err != nil {
		return err
	}
	srv, err := do.Invoke[*server.Server](injector)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	recovered, err := store.RecoverOrphans(ctx)
	cancel()
	if err != nil {
		return err
	}
	if recovered > 0 {
		slog.Warn("startup: marked orphaned sessions as failed", "count", recovered)
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(sigCtx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-gctx.Done()
		slog.Info("shutting down")
		return shutdown(manager, srv, store)
	})
	return g.Wait()
}

// shutdown drains live sessions before the listener and the store go away.
func shutdown(manager *session.Manager, srv *server.Server, store repository.Store) error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var result *multierror.Error
	stopped := manager.StopAllSessions(ctx, session.ErrServerShutdown)
	slog.Info("live sessions stopped", "count", stopped)
	if err := srv.Shutdown(ctx); err != nil && !errors.Is(err, context.Canceled) {
		result = multierror.Append(result, err)
	}
	if err := store.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}
