// Package pgxdb backs session handles with PostgreSQL connections borrowed
// from a pgx pool. Rows are stored schemaless as jsonb, one table per
// business table.
package pgxdb

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cyberinferno/go-remotedb/db"
	"github.com/cyberinferno/go-remotedb/idgenerator"
	"github.com/cyberinferno/go-remotedb/safemap"
)

// SQLSTATE codes reported as db.ErrConflict.
const (
	codeUniqueViolation      = "23505"
	codeSerializationFailure = "40001"
	codeDeadlockDetected     = "40P01"
)

// MapError translates pgx errors into the db sentinels, keeping the cause.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%w: %w", db.ErrNotFound, err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case codeUniqueViolation, codeSerializationFailure, codeDeadlockDetected:
			return fmt.Errorf("%w: %w", db.ErrConflict, err)
		}
	}
	return err
}

// Source borrows connections from a pgx pool.
type Source struct {
	pool    *pgxpool.Pool
	ids     *idgenerator.IdGenerator
	ensured *safemap.SafeMap[string, bool]
}

// Open parses dsn, creates the pool and checks the first connection.
//
// Parameters:
//   - ctx: Context for the initial connection
//   - dsn: PostgreSQL connection string
//   - maxConns: Pool size; 0 keeps the pgx default
//
// Returns:
//   - The Source
//   - An error if the dsn is invalid or the database is unreachable
func Open(ctx context.Context, dsn string, maxConns int) (*Source, error) {
	conf, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("pgxdb: parsing postgres dsn: %w", err)
	}
	if maxConns > 0 {
		conf.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, conf)
	if err != nil {
		return nil, fmt.Errorf("pgxdb: creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgxdb: opening first connection: %w", err)
	}

	return NewSource(pool), nil
}

// NewSource wraps an existing pool.
func NewSource(pool *pgxpool.Pool) *Source {
	return &Source{pool: pool, ids: idgenerator.NewIdGenerator(0), ensured: safemap.NewSafeMap[string, bool]()}
}

// Close closes the pool.
func (s *Source) Close() {
	s.pool.Close()
}

// Acquire borrows a connection from the pool.
func (s *Source) Acquire(ctx context.Context) (db.Handle, error) {
	c, err := s.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("pgxdb: acquire: %w", err)
	}
	return &Conn{source: s, id: s.ids.Id(), conn: c, open: true, live: db.NewLiveness(0, 0)}, nil
}

// Release rolls back an open transaction and returns the connection to the
// pool.
func (s *Source) Release(h db.Handle) error {
	c, ok := h.(*Conn)
	if !ok {
		return fmt.Errorf("pgxdb: foreign handle %T", h)
	}
	return c.release()
}
