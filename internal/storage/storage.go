// Package storage opens the triage store selected by configuration.
package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/linnemanlabs/sift/internal/postgres"
	"github.com/linnemanlabs/sift/internal/triage"
	"github.com/linnemanlabs/sift/internal/triage/memstore"
	"github.com/linnemanlabs/sift/internal/triage/pgstore"
	"github.com/linnemanlabs/sift/internal/triage/sqlitestore"
)

// Backend names reported by Store.Backend.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// Config picks a backend: DatabaseURL first, then SQLitePath, else memory.
type Config struct {
	DatabaseURL string
	MaxConns    int32
	SlowQuery   time.Duration
	SQLitePath  string
}

// Store is an open triage.Store with its lifecycle.
type Store struct {
	triage.Store

	backend string
	ping    func(context.Context) error
	close   func() error

	closeOnce sync.Once
	closeErr  error
}

// Open connects to the configured backend and applies its schema.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	switch {
	case cfg.DatabaseURL != "":
		pool, err := postgres.NewPool(ctx, cfg.DatabaseURL, postgres.PoolConfig{
			MaxConns:  cfg.MaxConns,
			SlowQuery: cfg.SlowQuery,
		})
		if err != nil {
			return nil, fmt.Errorf("postgres pool: %w", err)
		}
		s, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("pgstore init: %w", err)
		}
		return &Store{
			Store:   s,
			backend: BackendPostgres,
			ping:    s.Ping,
			close:   func() error { s.Close(); return nil },
		}, nil

	case cfg.SQLitePath != "":
		s, err := sqlitestore.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlitestore init: %w", err)
		}
		return &Store{Store: s, backend: BackendSQLite, ping: s.Ping, close: s.Close}, nil
	}

	return &Store{
		Store:   memstore.New(),
		backend: BackendMemory,
		ping:    func(context.Context) error { return nil },
		close:   func() error { return nil },
	}, nil
}

// Backend names the backend in use.
func (s *Store) Backend() string { return s.backend }

// Ping checks the backend is reachable.
func (s *Store) Ping(ctx context.Context) error { return s.ping(ctx) }

// Close releases the backend. Later calls return the first result.
func (s *Store) Close() error {
	s.closeOnce.Do(func() { s.closeErr = s.close() })
	return s.closeErr
}
