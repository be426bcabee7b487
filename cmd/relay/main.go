package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/dustinlacewell/strudual/internal/config"
	"github.com/dustinlacewell/strudual/internal/logging"
	"github.com/dustinlacewell/strudual/internal/relay"
)

func setupConfig() *config.Relay {
	cfg, err := config.LoadRelay()
	if err != nil {
		// Use log before slog is initialized
		log.Fatalf("Failed to load config: %v", err)
	}
	return cfg
}

func setupBus(cfg *config.Relay, clock clockwork.Clock) relay.Bus {
	if cfg.RedisURL == "" {
		slog.Info("No REDIS_URL set, fanning out in memory")
		return relay.NewMemoryBus()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bus, err := relay.NewRedisBus(ctx, cfg.RedisURL, clock)
	if err != nil {
		slog.Error("Failed to connect to Redis", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to Redis")
	return bus
}

func setupStore(cfg *config.Relay) relay.Store {
	if cfg.DatabaseURL == "" {
		slog.Info("No DATABASE_URL set, join history disabled")
		return relay.NopStore{}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	store, err := relay.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		slog.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	slog.Info("Connected to PostgreSQL")
	return store
}

// announce registers the relay over mDNS. It returns a no-op when
// announcing is disabled or fails; agents can still be pointed at the relay
// explicitly.
func announce(cfg *config.Relay) func() {
	if !cfg.Announce {
		return func() {}
	}
	port, err := listenPort(cfg.Addr)
	if err != nil {
		slog.Warn("Not announcing relay", "addr", cfg.Addr, "error", err)
		return func() {}
	}
	instance := cfg.Instance
	if instance == "" {
		host, _ := os.Hostname()
		instance = fmt.Sprintf("strudual-%s", host)
	}
	shutdown, err := relay.Announce(instance, port)
	if err != nil {
		slog.Warn("Failed to announce relay", "error", err)
		return func() {}
	}
	slog.Info("Relay announced over mDNS", "instance", instance, "port", port)
	return shutdown
}

func listenPort(addr string) (int, error) {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(port)
}

func runGracefulShutdown(httpSrv *http.Server, srv *relay.Server, timeout time.Duration) <-chan struct{} {
	done := make(chan struct{})
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		<-sigChan
		slog.Info("Shutdown signal received, cleaning up...")

		// Hijacked websocket connections are not tracked by Shutdown; closing
		// the relay first ends them.
		srv.Close()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			slog.Error("Server shutdown error", "error", err)
		}
		close(done)
	}()

	return done
}

func main() {
	cfg := setupConfig()

	logging.Init(cfg.LogLevel, cfg.LogFormat)
	slog.Info("Relay starting", "addr", cfg.Addr)

	clock := clockwork.NewRealClock()
	bus := setupBus(cfg, clock)
	defer func() { _ = bus.Close() }()

	store := setupStore(cfg)
	defer store.Close()

	srv := relay.NewServer(bus, store,
		relay.WithClock(clock),
		relay.WithLogger(slog.Default()),
	)
	httpSrv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           srv,
		ReadHeaderTimeout: 10 * time.Second,
	}

	stopAnnounce := announce(cfg)
	defer stopAnnounce()

	done := runGracefulShutdown(httpSrv, srv, cfg.ShutdownTimeout)

	if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("Server error", "error", err)
		os.Exit(1)
	}
	<-done
	slog.Info("Relay stopped")
}
