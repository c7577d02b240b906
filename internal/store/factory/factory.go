package factory

import (
	"errors"
	"fmt"
	"strings"

	"github.com/loykin/hostr/internal/store"
	pg "github.com/loykin/hostr/internal/store/postgres"
	sq "github.com/loykin/hostr/internal/store/sqlite"
)

// New selects a store implementation from config.
func New(cfg store.Config) (store.Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", "sqlite":
		if cfg.Path == "" {
			return nil, errors.New("sqlite store requires path")
		}
		return sq.New(cfg.Path)
	case "postgres", "postgresql":
		if cfg.DSN == "" {
			return nil, errors.New("postgres store requires dsn")
		}
		return pg.New(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}

// NewFromDSN selects a store implementation based on DSN.
// Supported:
//   - sqlite:  "sqlite://<path>" or bare filepath (treated as sqlite)
//   - postgres: DSN starting with "postgres://" or "postgresql://"
func NewFromDSN(dsn string) (store.Store, error) {
	d := strings.TrimSpace(dsn)
	ld := strings.ToLower(d)
	if ld == "" {
		return nil, errors.New("empty DSN")
	}
	if strings.HasPrefix(ld, "postgres://") || strings.HasPrefix(ld, "postgresql://") {
		return pg.New(d)
	}
	if strings.HasPrefix(ld, "sqlite://") {
		return sq.New(strings.TrimPrefix(d, "sqlite://"))
	}
	return sq.New(d)
}
