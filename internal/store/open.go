package store

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"
)

// Config selects the repository driver and the optional cache and CSV log
type Config struct {
	Driver      string      `yaml:"driver" json:"driver"` // sqlite, postgres or mongo
	DSN         string      `yaml:"dsn" json:"-"`         // file path, connection string or URI
	Database    string      `yaml:"database" json:"database"`
	EvidenceDir string      `yaml:"evidence_dir" json:"evidence_dir"`
	CSVLog      string      `yaml:"csv_log" json:"csv_log"` // empty disables
	Redis       CacheConfig `yaml:"redis" json:"redis"`     // empty Addr disables
}

// DefaultConfig returns a local SQLite store under data/
func DefaultConfig() Config {
	return Config{
		Driver:      "sqlite",
		DSN:         "data/watchpost.db",
		EvidenceDir: "data/evidence",
		CSVLog:      "data/detection_log.csv",
	}
}

// NewRepository opens the repository named by driver
func NewRepository(ctx context.Context, driver, dsn, database string) (Repository, error) {
	switch driver {
	case "sqlite", "sqlite3", "":
		return NewSQLite(ctx, dsn)
	case "postgres", "postgresql":
		return NewPostgres(ctx, dsn)
	case "mongo", "mongodb":
		return NewMongo(ctx, dsn, database)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, driver)
	}
}

// Open builds a complete Store from configuration
func Open(ctx context.Context, cfg Config, logger *logrus.Logger) (*Store, error) {
	evidence, err := NewEvidenceWriter(cfg.EvidenceDir)
	if err != nil {
		return nil, err
	}

	repo, err := NewRepository(ctx, cfg.Driver, cfg.DSN, cfg.Database)
	if err != nil {
		return nil, err
	}

	opts := Options{Evidence: evidence, Logger: logger}
	if cfg.CSVLog != "" {
		if opts.CSV, err = OpenCSVLog(cfg.CSVLog); err != nil {
			repo.Close()
			return nil, err
		}
	}
	if cfg.Redis.Addr != "" {
		if opts.Cache, err = NewRecentCache(ctx, cfg.Redis); err != nil {
			repo.Close()
			if opts.CSV != nil {
				opts.CSV.Close()
			}
			return nil, err
		}
	}
	return New(repo, opts)
}
