// Package wireup assembles backends, engines and polling clients from configuration.
package wireup

import (
	"context"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/snowflk/commitdb/internal/config"
	"github.com/snowflk/commitdb/internal/persistence"
	"github.com/snowflk/commitdb/internal/persistence/boltstore"
	"github.com/snowflk/commitdb/internal/persistence/sqlstorage"
	"github.com/snowflk/commitdb/internal/polling"
)

// ConfigureLogging applies the log section to the standard logrus logger.
func ConfigureLogging(cfg config.LogConfig) error {
	level, err := log.ParseLevel(cfg.Level)
	if err != nil {
		return errors.Wrap(err, "log.level")
	}
	log.SetLevel(level)
	log.SetOutput(os.Stderr)
	if cfg.Format == "json" {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	return nil
}

// OpenBackend connects the configured storage. cache may be nil; it is only used by the
// SQL drivers.
func OpenBackend(ctx context.Context, cfg config.StorageConfig, cache *sqlstorage.ConnCache) (persistence.Backend, error) {
	switch cfg.Driver {
	case config.DriverBolt:
		storage, err := boltstore.New(boltstore.Options{Path: cfg.Path})
		if err != nil {
			return nil, err
		}
		return storage, nil
	case config.DriverPostgres, config.DriverMySQL, config.DriverSQLite:
		storage, err := sqlstorage.New(ctx, sqlstorage.Options{
			Driver:       cfg.Driver,
			DSN:          cfg.DSN,
			Host:         cfg.Host,
			Port:         defaultPort(cfg),
			User:         cfg.User,
			Password:     cfg.Password,
			Database:     cfg.Database,
			Path:         cfg.Path,
			MaxOpenConns: cfg.MaxOpenConns,
			Cache:        cache,
		})
		if err != nil {
			return nil, err
		}
		return storage, nil
	}
	return nil, errors.Errorf("unknown storage driver %q", cfg.Driver)
}

func defaultPort(cfg config.StorageConfig) int {
	if cfg.Port > 0 {
		return cfg.Port
	}
	switch cfg.Driver {
	case config.DriverPostgres:
		return 5432
	case config.DriverMySQL:
		return 3306
	}
	return 0
}

// EngineOptions maps the persistence section to engine options.
func EngineOptions(cfg config.PersistenceConfig) persistence.Options {
	opts := persistence.Options{
		FillHoles:        cfg.FillHoles,
		DisableSnapshots: !cfg.Snapshots,
		PageSize:         cfg.PageSize,
	}
	if cfg.CheckpointStrategy == config.StrategyAlwaysQuery {
		opts.CheckpointStrategy = persistence.AlwaysQueryCheckpoints
	}
	switch cfg.Headers {
	case config.HeadersArrayOfDocuments:
		opts.Codec.Headers = persistence.HeadersAsArrayOfDocuments
	case config.HeadersArrayOfArrays:
		opts.Codec.Headers = persistence.HeadersAsArrayOfArrays
	}
	if cfg.Payloads == config.PayloadsBinary {
		opts.Codec.Payloads = persistence.PayloadBinary
	}
	return opts
}

// OpenEngine opens the backend and builds an engine on it. Closing the engine closes the
// backend.
func OpenEngine(ctx context.Context, cfg config.Config, cache *sqlstorage.ConnCache) (*persistence.Engine, error) {
	backend, err := OpenBackend(ctx, cfg.Storage, cache)
	if err != nil {
		return nil, err
	}
	engine, err := persistence.NewEngine(ctx, backend, EngineOptions(cfg.Persistence))
	if err != nil {
		_ = backend.Close()
		return nil, err
	}
	log.WithFields(log.Fields{
		"driver":   cfg.Storage.Driver,
		"strategy": cfg.Persistence.CheckpointStrategy,
	}).Info("store opened")
	return engine, nil
}

// NewPollingClient builds a client reading from engine with the polling section.
func NewPollingClient(engine *persistence.Engine, handler polling.Handler, cfg config.PollingConfig) *polling.Client {
	return polling.New(engine, handler, polling.Options{
		Interval: cfg.Interval,
		HoleWait: cfg.HoleWait,
	})
}
