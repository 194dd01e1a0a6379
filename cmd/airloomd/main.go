package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/loomcast/airloom/internal/appstate"
	"github.com/loomcast/airloom/internal/config"
	"github.com/loomcast/airloom/internal/discovery"
	"github.com/loomcast/airloom/internal/group"
	"github.com/loomcast/airloom/internal/metrics"
	"github.com/loomcast/airloom/internal/secrets"
	"github.com/loomcast/airloom/internal/statusapi"
)

const shutdownTimeout = 5 * time.Second

var version = "dev"

func main() {
	cfg, err := config.Load(configPath())
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	log := newLogger(cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(log)

	store, err := secrets.Load(secretsPath())
	if err != nil {
		log.Error("failed to load secrets store", "error", err)
		os.Exit(1)
	}

	as := appstate.New()
	met := metrics.New()

	disc := discovery.New(log)
	mgr := group.New(log, as, nil, met, store)
	api := statusapi.New(log, as, met)

	log.Info("airloomd starting",
		"version", version,
		"api_port", cfg.APIPort,
		"parent_interface", cfg.ParentInterface,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", "signal", sig.String())
		cancel()
	}()

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runDiscovery(ctx, disc, as, met)
	})

	g.Go(func() error {
		mgr.Heartbeat(ctx)
		return nil
	})

	addr := fmt.Sprintf(":%d", cfg.APIPort)
	srv := &http.Server{Addr: addr, Handler: api.Handler()}

	g.Go(func() error {
		log.Info("status API listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("status API: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	})

	for _, sc := range cfg.Speakers {
		log.Info("configured static speaker", "name", sc.Name, "ip", sc.IP, "port", sc.Port)
	}

	if err := g.Wait(); err != nil {
		log.Error("airloomd exited with error", "error", err)
		os.Exit(1)
	}

	log.Info("airloomd stopped")
}

// runDiscovery drives mDNS browsing until ctx is cancelled, merging every
// snapshot into AppState's registry and sampling the discovered-speaker
// gauge.
func runDiscovery(ctx context.Context, disc *discovery.Discovery, as *appstate.AppState, met *metrics.Metrics) error {
	err := disc.Start(func(snapshot []discovery.Speaker) {
		as.With(func(as *appstate.AppState) {
			as.Speakers.Merge(snapshot)
		})
		met.SetSpeakersDiscovered(len(snapshot))
	})
	if err != nil {
		return fmt.Errorf("discovery: %w", err)
	}

	<-ctx.Done()
	disc.Stop()
	return nil
}

func newLogger(level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

func parseLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func configPath() string {
	if v := os.Getenv("AIRLOOM_CONFIG"); v != "" {
		return v
	}
	return "/etc/airloom/config.json"
}

func secretsPath() string {
	if v := os.Getenv("AIRLOOM_SECRETS"); v != "" {
		return v
	}
	return "/etc/airloom/secrets.json"
}
