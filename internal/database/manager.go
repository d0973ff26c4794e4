// Package database opens the proxy's persistent store and its optional Redis and
// InfluxDB sinks, and coordinates their lifecycle.
package database

import (
	"context"
	"fmt"

	"github.com/bardlex/roundproxy/internal/database/influx"
	"github.com/bardlex/roundproxy/internal/database/memory"
	"github.com/bardlex/roundproxy/internal/database/postgres"
	"github.com/bardlex/roundproxy/internal/database/redis"
	"github.com/bardlex/roundproxy/internal/database/sqlite"
	"github.com/bardlex/roundproxy/internal/database/sqlutil"
	"github.com/bardlex/roundproxy/internal/events"
	"github.com/bardlex/roundproxy/internal/mining"
	"github.com/bardlex/roundproxy/pkg/errors"
	"github.com/bardlex/roundproxy/pkg/log"
	"github.com/bardlex/roundproxy/pkg/retry"
)

// ErrNotFound is returned by Store lookups for missing rows.
var ErrNotFound = sqlutil.ErrNotFound

// Store is the round and plotter store. Only the persistence queue writes to it.
type Store interface {
	GetRound(ctx context.Context, upstreamID string, height uint64) (*mining.Round, error)
	UpsertRound(ctx context.Context, round *mining.Round) error
	RecentRounds(ctx context.Context, upstreamID string, limit int) ([]*mining.Round, error)
	PruneRounds(ctx context.Context, upstreamID string, keep int) (int64, error)

	GetPlotter(ctx context.Context, upstreamID, accountID string) (*mining.Plotter, error)
	UpsertPlotter(ctx context.Context, p *mining.Plotter) error
	ActivePlotters(ctx context.Context, upstreamID string, minHeight uint64) ([]*mining.Plotter, error)

	Health(ctx context.Context) error
	Close() error
}

// Config holds configuration for all database systems. Empty Redis or Influx
// settings disable that sink.
type Config struct {
	Driver   string
	URL      string
	RedisURL string
	Influx   *influx.Config
}

// Manager owns the store and optional sinks.
type Manager struct {
	Store  Store
	Redis  *redis.Client
	Influx *influx.Client

	logger *log.Logger
}

// NewManager opens every configured connection. Connection attempts are retried
// with the database retry preset.
func NewManager(ctx context.Context, cfg *Config, logger *log.Logger) (*Manager, error) {
	m := &Manager{logger: logger.WithComponent("database")}

	store, err := retry.DoWithResult(ctx, retry.DatabaseConfig(), func() (Store, error) {
		return openStore(ctx, cfg.Driver, cfg.URL)
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, cfg.Driver+"_connection",
			"failed to open round store")
	}
	m.Store = store

	if cfg.RedisURL != "" {
		m.Redis, err = redis.NewClient(ctx, &redis.Config{URL: cfg.RedisURL})
		if err != nil {
			m.closeOpened()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis")
		}
	}

	if cfg.Influx != nil && cfg.Influx.URL != "" {
		m.Influx, err = influx.NewClient(ctx, cfg.Influx)
		if err != nil {
			m.closeOpened()
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB")
		}
	}

	m.logger.Info("database connections established",
		"driver", cfg.Driver,
		"redis", m.Redis != nil,
		"influx", m.Influx != nil,
	)
	return m, nil
}

func openStore(ctx context.Context, driver, url string) (Store, error) {
	switch driver {
	case "postgres":
		s, err := postgres.NewStore(ctx, postgres.DefaultConfig(url))
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeNetwork, "postgres_open", "postgres unavailable")
		}
		return s, nil
	case "sqlite":
		s, err := sqlite.Open(ctx, url)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "sqlite_open", "sqlite unavailable")
		}
		return s, nil
	case "memory":
		return memory.New(), nil
	default:
		return nil, errors.New(errors.ErrorTypeValidation, "open_store",
			fmt.Sprintf("unknown database driver %q", driver))
	}
}

func (m *Manager) closeOpened() {
	if err := m.Close(); err != nil {
		m.logger.WithError(err).Warn("cleanup after failed connection")
	}
}

// Close closes all database connections
func (m *Manager) Close() error {
	var errs []error

	if m.Store != nil {
		if err := m.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("store close error: %w", err))
		}
	}

	if m.Redis != nil {
		if err := m.Redis.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis close error: %w", err))
		}
	}

	if m.Influx != nil {
		m.Influx.Close()
	}

	if len(errs) > 0 {
		return fmt.Errorf("database close errors: %v", errs)
	}
	return nil
}

// Health checks the health of all database connections
func (m *Manager) Health(ctx context.Context) error {
	if err := m.Store.Health(ctx); err != nil {
		return fmt.Errorf("store health check failed: %w", err)
	}

	if m.Redis != nil {
		if err := m.Redis.Health(ctx); err != nil {
			return fmt.Errorf("redis health check failed: %w", err)
		}
	}

	if m.Influx != nil {
		if err := m.Influx.Health(ctx); err != nil {
			return fmt.Errorf("InfluxDB health check failed: %w", err)
		}
	}

	return nil
}

// RecordEvents writes bus events to InfluxDB until the channel closes or ctx ends.
// It returns immediately when InfluxDB is not configured.
func (m *Manager) RecordEvents(ctx context.Context, ch <-chan events.Event) {
	if m.Influx == nil {
		return
	}
	writeErrs := m.Influx.Errors()

	for {
		select {
		case <-ctx.Done():
			m.Influx.Flush()
			return
		case err := <-writeErrs:
			m.logger.WithError(err).Warn("influx write failed")
		case ev, ok := <-ch:
			if !ok {
				m.Influx.Flush()
				return
			}
			m.Influx.WriteEvent(ev)
		}
	}
}
