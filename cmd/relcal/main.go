package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"relcal/internal/config"
	"relcal/internal/ics"
	appLog "relcal/internal/log"
	"relcal/internal/store"
	"relcal/internal/subscription"
	"relcal/internal/web"
)

const version = "0.1.0"

// flagConfig holds CLI flag values.
type flagConfig struct {
	configPath string
	listen     string
	once       bool
}

func main() {
	// A missing .env is fine; RELCAL_* may come from the real environment.
	_ = godotenv.Load()

	flags := parseFlags()

	conf, err := config.Load(flags.configPath)
	if err != nil {
		appLog.Error("failed to load config", err, "config_path", flags.configPath)
		os.Exit(1)
	}
	conf.ApplyEnv()

	// CLI --listen overrides config file and environment.
	if flags.listen != "" {
		conf.Listen = flags.listen
	}
	if err := conf.Validate(); err != nil {
		appLog.Error("invalid config", err, "config_path", flags.configPath)
		os.Exit(1)
	}

	appLog.SetLevel(appLog.ParseLevel(conf.LogLevel))
	appLog.Info("relcal starting", "version", version)
	appLog.Info("effective config",
		"listen", conf.Listen,
		"timezone", conf.Timezone,
		"database_path", conf.DatabasePath,
		"refresh", conf.RefreshCron,
		"max_occurrences_per_event", conf.MaxOccurrencesPerEvent,
		"auth", conf.AuthEnabled(),
		"subscriptions", len(conf.Subscriptions),
		"once", flags.once,
	)

	// Root context with cancellation on SIGINT/SIGTERM.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, conf, flags.once); err != nil {
		appLog.Error("relcal stopped with error", err)
		os.Exit(1)
	}
	appLog.Info("relcal exiting")
}

func run(ctx context.Context, conf *config.Config, once bool) error {
	provider := store.NewProvider(conf.DatabasePath, store.DefaultConfig())
	defer func() {
		if err := provider.Close(); err != nil {
			appLog.Error("store close failed", err)
		}
	}()

	st, err := provider.Store()
	if err != nil {
		return err
	}

	srv := web.NewServer(conf, st)

	refresher := subscription.New(
		ics.NewFetcher(conf.CacheDir, nil),
		st,
		conf.Subscriptions,
		subscription.Options{Schedule: conf.RefreshCron, Location: srv.Location()},
	)

	if len(conf.Subscriptions) > 0 || once {
		report := refresher.RefreshAll(ctx)
		if once {
			if len(report.Failed) > 0 {
				return errors.New("one or more subscriptions failed to refresh")
			}
			return nil
		}
	}

	if len(conf.Subscriptions) > 0 {
		if err := refresher.Start(ctx); err != nil {
			return err
		}
	}

	httpServer := &http.Server{
		Addr:              conf.Listen,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		appLog.Info("starting HTTP server", "listen", "http://"+conf.Listen)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		appLog.Info("signal received, shutting down")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}

func parseFlags() flagConfig {
	var cfg flagConfig

	flag.StringVar(&cfg.configPath, "config", "/etc/relcal/config.yaml", "Path to config file")
	flag.StringVar(&cfg.listen, "listen", "", "HTTP listen address (overrides config if set)")
	flag.BoolVar(&cfg.once, "once", false, "Refresh subscriptions once and exit")

	flag.Parse()

	return cfg
}
