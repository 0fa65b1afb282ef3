// Package sqlite owns the datastore's encrypted relational file: connection
// management, idempotent schema migration, and the account, session and
// usage repositories. The datastore process holds the sole writer handle.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"runtime"

	_ "modernc.org/sqlite"

	"github.com/rslive/gateway/internal/logger"
)

// ErrNotFound is returned when a looked-up row does not exist.
var ErrNotFound = errors.New("not found")

// Store wraps the database handles. Writes go through a single-connection
// pool so credit deductions and session upserts serialize at the driver.
type Store struct {
	write *sql.DB
	read  *sql.DB
	log   *logger.Logger
}

// New opens the database, applies pragmas (including the encryption key,
// honored by encryption-enabled builds of the engine), runs all migrations
// and returns a Store.
func New(path, encryptionKey string, log *logger.Logger) (*Store, error) {
	pragmas := fmt.Sprintf(
		"_pragma=key(%q)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(1)",
		encryptionKey,
	)

	// For :memory: databases, shared cache keeps both pools on the same data.
	var dsn string
	if path == ":memory:" {
		dsn = "file::memory:?mode=memory&cache=shared&" + pragmas
	} else {
		dsn = "file:" + path + "?" + pragmas
	}

	write, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	write.SetMaxOpenConns(1)

	read, err := sql.Open("sqlite", dsn)
	if err != nil {
		write.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	read.SetMaxOpenConns(max(4, runtime.NumCPU()))

	s := &Store{write: write, read: read, log: log.WithComponent("sqlite")}

	results, err := NewMigrator(write, log).RunAll(context.Background())
	if err != nil {
		write.Close()
		read.Close()
		return nil, fmt.Errorf("migrations: %w", err)
	}
	for _, r := range results {
		s.log.Debug("migration " + r.Name + ": " + string(r.Status))
	}

	return s, nil
}

// Ping verifies database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.read.PingContext(ctx)
}

// Close closes both database connections.
func (s *Store) Close() error {
	return errors.Join(s.write.Close(), s.read.Close())
}
