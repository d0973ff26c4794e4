// Package main runs the round proxy: it connects to the configured upstreams,
// schedules their rounds and serves miners over HTTP and line-JSON.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/bardlex/roundproxy/internal/config"
	"github.com/bardlex/roundproxy/internal/database"
	"github.com/bardlex/roundproxy/internal/database/influx"
	"github.com/bardlex/roundproxy/internal/events"
	"github.com/bardlex/roundproxy/internal/messaging"
	"github.com/bardlex/roundproxy/internal/persistence"
	"github.com/bardlex/roundproxy/internal/proxy"
	"github.com/bardlex/roundproxy/internal/server"
	"github.com/bardlex/roundproxy/pkg/log"
)

// eventBuffer is the per-sink subscription buffer.
const eventBuffer = 1024

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting roundproxy",
		"version", cfg.Version,
		"listen_address", cfg.ListenAddress(),
		"proxies", len(cfg.Proxies),
		"database", cfg.DatabaseDriver,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	app, err := NewApp(ctx, cfg, logger)
	if err != nil {
		logger.WithError(err).Error("failed to initialize")
		os.Exit(1)
	}

	// Handle shutdown signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- app.Run(ctx) }()

	select {
	case <-sigChan:
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			logger.WithError(err).Error("proxy failed")
		}
	}

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer shutdownCancel()

	if err := app.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Error("shutdown failed")
		os.Exit(1)
	}
	cancel()

	logger.Info("roundproxy stopped")
}

// App owns every long-lived component of the process.
type App struct {
	cfg    *config.Config
	logger *log.Logger

	db      *database.Manager
	cache   *persistence.Cache
	bus     *events.Bus
	kafka   *messaging.KafkaClient
	proxies []*proxy.Proxy
	server  *server.Server

	sinkCancel context.CancelFunc
	sinks      sync.WaitGroup
}

// NewApp opens stores and sinks and builds the proxies. Nothing connects to
// upstreams until Run.
func NewApp(ctx context.Context, cfg *config.Config, logger *log.Logger) (*App, error) {
	a := &App{cfg: cfg, logger: logger}

	db, err := database.NewManager(ctx, &database.Config{
		Driver:   cfg.DatabaseDriver,
		URL:      cfg.DatabaseURL,
		RedisURL: cfg.RedisURL,
		Influx: &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		},
	}, logger)
	if err != nil {
		return nil, err
	}
	a.db = db

	a.cache = persistence.New(db.Store, logger)
	a.bus = events.NewBus()

	if len(cfg.KafkaBrokers) > 0 {
		enc, err := messaging.NewEncoder(cfg.EventEncoding)
		if err != nil {
			a.closeStores(ctx)
			return nil, err
		}
		a.kafka = messaging.NewKafkaClient(cfg.KafkaBrokers, enc, logger)
	}

	deps := proxy.Deps{
		Cache:           a.cache,
		Bus:             a.bus,
		Logger:          logger,
		MinerStaleAfter: cfg.MinerStaleAfter,
		MinerPruneEvery: cfg.MinerPruneEvery,
	}
	if db.Redis != nil {
		deps.Mirror = db.Redis
	}

	served := make([]server.Proxy, 0, len(cfg.Proxies))
	for _, pcfg := range cfg.Proxies {
		p, err := proxy.Build(pcfg, deps, nil)
		if err != nil {
			a.closeStores(ctx)
			return nil, err
		}
		a.proxies = append(a.proxies, p)
		served = append(served, p)
	}

	a.server = server.New(logger, served, server.WithTimeouts(cfg.ReadTimeout, cfg.WriteTimeout))
	return a, nil
}

// Run starts the event sinks and proxies, then serves miners until ctx ends.
func (a *App) Run(ctx context.Context) error {
	a.startSinks()

	for _, p := range a.proxies {
		if err := p.Start(ctx); err != nil {
			return err
		}
	}

	return a.server.ListenAndServe(ctx, a.cfg.ListenAddress())
}

func (a *App) startSinks() {
	var sinkCtx context.Context
	sinkCtx, a.sinkCancel = context.WithCancel(context.Background())

	if a.kafka != nil {
		ch := a.bus.Subscribe(eventBuffer)
		a.sinks.Add(1)
		go func() {
			defer a.sinks.Done()
			a.kafka.Run(sinkCtx, ch)
		}()
	}
	if a.db.Influx != nil {
		ch := a.bus.Subscribe(eventBuffer)
		a.sinks.Add(1)
		go func() {
			defer a.sinks.Done()
			a.db.RecordEvents(sinkCtx, ch)
		}()
	}
}

// Shutdown stops listeners, then upstreams, drains pending writes and closes
// sinks and stores.
func (a *App) Shutdown(ctx context.Context) error {
	a.logger.Info("shutting down")
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}

	keep(a.server.Shutdown(ctx))

	for _, p := range a.proxies {
		if err := p.Close(); err != nil {
			a.logger.WithError(err).Warn("failed to close proxy", "proxy", p.Name())
		}
	}

	// Closing the bus ends the sink subscriptions.
	a.bus.Close()
	a.sinks.Wait()
	if a.sinkCancel != nil {
		a.sinkCancel()
	}
	if dropped := a.bus.Dropped(); dropped > 0 {
		a.logger.Warn("events dropped by slow sinks", "count", dropped)
	}

	if a.kafka != nil {
		if err := a.kafka.Close(); err != nil {
			a.logger.WithError(err).Error("failed to close Kafka client")
		}
	}

	keep(a.closeStores(ctx))
	return firstErr
}

// closeStores flushes debounced writes, drains the queue and closes the
// database connections.
func (a *App) closeStores(ctx context.Context) error {
	var firstErr error
	if a.cache != nil {
		if err := a.cache.Close(ctx); err != nil {
			a.logger.WithError(err).Error("failed to drain persistence queue")
			firstErr = err
		}
	}
	if err := a.db.Close(); err != nil {
		a.logger.WithError(err).Error("failed to close database manager")
		if firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
