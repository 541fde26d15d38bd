// Package database coordinates share and block persistence across
// PostgreSQL, Redis and InfluxDB.
package database

import (
	"context"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/bardlex/gomp-ethash/internal/database/influx"
	"github.com/bardlex/gomp-ethash/internal/database/postgres"
	"github.com/bardlex/gomp-ethash/internal/database/redis"
	"github.com/bardlex/gomp-ethash/internal/messaging"
	"github.com/bardlex/gomp-ethash/internal/validation"
	"github.com/bardlex/gomp-ethash/pkg/circuit"
	"github.com/bardlex/gomp-ethash/pkg/errors"
	"github.com/bardlex/gomp-ethash/pkg/log"
	"github.com/bardlex/gomp-ethash/pkg/retry"
)

// Store is the durable record of shares and blocks.
type Store interface {
	SaveShare(ctx context.Context, share validation.Share) (bool, error)
	SaveBlock(ctx context.Context, b *postgres.Block) error
	UpdateBlockStatus(ctx context.Context, shareID, status, errMsg string, submittedAt time.Time) error
	Health(ctx context.Context) error
	Close() error
}

// Cache holds rolling hashrate windows.
type Cache interface {
	AddShare(ctx context.Context, miner, worker, shareID string, difficulty float64, window time.Duration) error
	Hashrate(ctx context.Context, miner, worker string, window time.Duration) (float64, error)
	Health(ctx context.Context) error
	Close() error
}

// Series receives time-series points.
type Series interface {
	WriteShare(share validation.Share)
	WriteBlock(height uint64, miner, status string, difficulty float64)
	WriteHashrate(miner, worker string, hashrate float64)
	Health(ctx context.Context) error
	Close()
}

// Manager coordinates persistence across the databases. Store writes are
// authoritative; Cache and Series are best effort and may be nil.
type Manager struct {
	store  Store
	cache  Cache
	series Series

	breaker        *circuit.Breaker
	retryConfig    *retry.Config
	hashrateWindow time.Duration
	logger         *log.Logger
}

// Config holds configuration for all database systems
type Config struct {
	Postgres *postgres.Config
	Redis    *redis.Config
	Influx   *influx.Config

	// HashrateWindow is the trailing window worker hashrate is computed over.
	HashrateWindow time.Duration
}

// NewManager connects to every configured database. PostgreSQL is
// required; Redis and InfluxDB are skipped when their config is nil.
func NewManager(cfg *Config, logger *log.Logger) (*Manager, error) {
	pg, err := postgres.NewClient(cfg.Postgres)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_connection",
			"failed to connect to PostgreSQL")
	}
	if err := pg.Migrate(context.Background()); err != nil {
		_ = pg.Close()
		return nil, errors.Wrap(err, errors.ErrorTypeDatabase, "postgres_migrate",
			"failed to apply schema")
	}

	var cache Cache
	if cfg.Redis != nil {
		rc, err := redis.NewClient(cfg.Redis)
		if err != nil {
			var result *multierror.Error
			result = multierror.Append(result, errors.Wrap(err, errors.ErrorTypeDatabase, "redis_connection",
				"failed to connect to Redis"))
			if closeErr := pg.Close(); closeErr != nil {
				result = multierror.Append(result, closeErr)
			}
			return nil, result.ErrorOrNil()
		}
		cache = rc
	}

	var series Series
	if cfg.Influx != nil {
		ic, err := influx.NewClient(cfg.Influx)
		if err != nil {
			var result *multierror.Error
			result = multierror.Append(result, errors.Wrap(err, errors.ErrorTypeDatabase, "influx_connection",
				"failed to connect to InfluxDB"))
			if closeErr := pg.Close(); closeErr != nil {
				result = multierror.Append(result, closeErr)
			}
			if cache != nil {
				if closeErr := cache.Close(); closeErr != nil {
					result = multierror.Append(result, closeErr)
				}
			}
			return nil, result.ErrorOrNil()
		}
		series = ic
	}

	m := New(pg, cache, series, logger)
	if cfg.HashrateWindow > 0 {
		m.hashrateWindow = cfg.HashrateWindow
	}
	return m, nil
}

// New builds a Manager over already connected stores.
func New(store Store, cache Cache, series Series, logger *log.Logger) *Manager {
	if logger == nil {
		logger = log.Nop()
	}
	cb := circuit.DefaultConfig()
	cb.Name = "database"
	cb.IsFailure = errors.IsRetryable
	return &Manager{
		store:          store,
		cache:          cache,
		series:         series,
		breaker:        circuit.New(cb),
		retryConfig:    retry.DatabaseConfig(),
		hashrateWindow: 10 * time.Minute,
		logger:         logger.WithComponent("database"),
	}
}

// Close closes all database connections
func (m *Manager) Close() error {
	var result *multierror.Error
	if err := m.store.Close(); err != nil {
		result = multierror.Append(result, errors.Wrap(err, errors.ErrorTypeDatabase, "close", "PostgreSQL"))
	}
	if m.cache != nil {
		if err := m.cache.Close(); err != nil {
			result = multierror.Append(result, errors.Wrap(err, errors.ErrorTypeDatabase, "close", "Redis"))
		}
	}
	if m.series != nil {
		m.series.Close()
	}
	return result.ErrorOrNil()
}

// Health checks every configured database and reports all failures.
func (m *Manager) Health(ctx context.Context) error {
	var result *multierror.Error
	if err := m.store.Health(ctx); err != nil {
		result = multierror.Append(result, errors.Wrap(err, errors.ErrorTypeDatabase, "health", "PostgreSQL"))
	}
	if m.cache != nil {
		if err := m.cache.Health(ctx); err != nil {
			result = multierror.Append(result, errors.Wrap(err, errors.ErrorTypeDatabase, "health", "Redis"))
		}
	}
	if m.series != nil {
		if err := m.series.Health(ctx); err != nil {
			result = multierror.Append(result, errors.Wrap(err, errors.ErrorTypeDatabase, "health", "InfluxDB"))
		}
	}
	return result.ErrorOrNil()
}

// RecordShare stores an accepted share, then updates the worker's hashrate
// window and writes telemetry. Redelivered shares are stored once and
// otherwise ignored.
func (m *Manager) RecordShare(ctx context.Context, share validation.Share) error {
	var created bool
	err := m.breaker.Execute(ctx, func(ctx context.Context) error {
		var err error
		created, err = retry.DoWithResult(ctx, m.retryConfig, func(ctx context.Context) (bool, error) {
			ok, err := m.store.SaveShare(ctx, share)
			if err != nil {
				return false, errors.Wrap(err, errors.ErrorTypeDatabase, "record_share",
					"failed to store share").
					WithContext("share_id", share.ID).
					WithContext("miner", share.Miner)
			}
			return ok, nil
		})
		return err
	})
	if err != nil {
		return err
	}
	if !created {
		m.logger.WithShare(share.ID, share.Difficulty).Debug("duplicate share delivery ignored")
		return nil
	}

	if m.series != nil {
		m.series.WriteShare(share)
	}
	if m.cache == nil {
		return nil
	}

	logger := m.logger.WithMiner(share.Miner, share.Worker)
	if err := m.cache.AddShare(ctx, share.Miner, share.Worker, share.ID, share.Difficulty, m.hashrateWindow); err != nil {
		logger.WithError(err).Warn("failed to update hashrate window")
		return nil
	}
	hashrate, err := m.cache.Hashrate(ctx, share.Miner, share.Worker, m.hashrateWindow)
	if err != nil {
		logger.WithError(err).Warn("failed to read hashrate window")
		return nil
	}
	if m.series != nil {
		m.series.WriteHashrate(share.Miner, share.Worker, hashrate)
	}
	return nil
}

// RecordBlockCandidate stores a block candidate as pending.
func (m *Manager) RecordBlockCandidate(ctx context.Context, c messaging.BlockCandidateMessage) error {
	block := &postgres.Block{
		ShareID:          c.ShareID,
		BlockHeight:      int64(c.BlockHeight),
		Miner:            c.Miner,
		Worker:           c.Worker,
		Nonce:            c.Nonce,
		HeaderHash:       c.HeaderHash,
		MixDigest:        c.MixDigest,
		ConfirmationData: c.ConfirmationData,
		Difficulty:       c.Difficulty,
		Status:           postgres.BlockPending,
		FoundAt:          c.FoundAt,
	}
	return m.breaker.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, m.retryConfig, func(ctx context.Context) error {
			if err := m.store.SaveBlock(ctx, block); err != nil {
				return errors.Wrap(err, errors.ErrorTypeDatabase, "record_block",
					"failed to store block candidate").
					WithContext("share_id", c.ShareID).
					WithContext("block_height", c.BlockHeight)
			}
			return nil
		})
	})
}

// RecordBlockResult stores the outcome of a block submission.
func (m *Manager) RecordBlockResult(ctx context.Context, r messaging.BlockSubmissionResult) error {
	err := m.breaker.Execute(ctx, func(ctx context.Context) error {
		return retry.Do(ctx, m.retryConfig, func(ctx context.Context) error {
			err := m.store.UpdateBlockStatus(ctx, r.ShareID, r.Status, r.ErrorMessage, r.SubmissionTime)
			if err == nil || errors.Is(err, postgres.ErrNotFound) {
				return err
			}
			return errors.Wrap(err, errors.ErrorTypeDatabase, "record_block_result",
				"failed to update block status").
				WithContext("share_id", r.ShareID).
				WithContext("status", r.Status)
		})
	})
	if err != nil {
		return err
	}
	if m.series != nil {
		m.series.WriteBlock(r.BlockHeight, r.Miner, r.Status, 0)
	}
	return nil
}
