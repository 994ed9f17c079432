package pgxdb

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/cyberinferno/go-remotedb/db"
	"github.com/cyberinferno/go-remotedb/model"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Conn is one pooled connection owned by a session.
type Conn struct {
	source *Source
	id     uint64

	mu     sync.Mutex
	conn   *pgxpool.Conn
	tx     pgx.Tx
	txName string
	open   bool
	live   *db.Liveness
}

// ID identifies the handle within its source.
func (c *Conn) ID() uint64 { return c.id }

// Begin starts a named transaction.
func (c *Conn) Begin(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return db.ErrClosed
	}
	if c.tx != nil {
		return fmt.Errorf("pgxdb: transaction %q already open", c.txName)
	}
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return MapError(err)
	}
	c.tx, c.txName = tx, name
	return nil
}

// Commit commits the open transaction.
func (c *Conn) Commit(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.tx == nil {
		return fmt.Errorf("pgxdb: no transaction to commit")
	}
	err := c.tx.Commit(ctx)
	c.tx, c.txName = nil, ""
	return MapError(err)
}

// Rollback rolls the open transaction back.
func (c *Conn) Rollback(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rollbackLocked(ctx)
}

func (c *Conn) rollbackLocked(ctx context.Context) error {
	if c.tx == nil {
		return nil
	}
	err := c.tx.Rollback(ctx)
	c.tx, c.txName = nil, ""
	if errors.Is(err, pgx.ErrTxClosed) {
		return nil
	}
	return err
}

// AutoCommit reports whether no transaction is open.
func (c *Conn) AutoCommit() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tx == nil
}

// TxName returns the name of the open transaction.
func (c *Conn) TxName() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.txName
}

// IsOpen reports whether the connection has not been released.
func (c *Conn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.open
}

// Liveness returns the liveness bookkeeping of the connection.
func (c *Conn) Liveness() *db.Liveness { return c.live }

// Close takes the connection out of the pool and closes it.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return nil
	}
	c.open = false
	_ = c.rollbackLocked(context.Background())
	return c.conn.Hijack().Close(context.Background())
}

func (c *Conn) release() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return nil
	}
	c.open = false
	err := c.rollbackLocked(context.Background())
	c.conn.Release()
	return err
}

func (c *Conn) q() (querier, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.open {
		return nil, db.ErrClosed
	}
	if c.tx != nil {
		return c.tx, nil
	}
	return c.conn, nil
}

// ensure creates the table on first use by this source.
func (c *Conn) ensure(ctx context.Context, q querier, table string) (string, error) {
	ident := pgx.Identifier{table}.Sanitize()
	if _, ok := c.source.ensured.Load(table); ok {
		return ident, nil
	}

	_, err := q.Exec(ctx, `CREATE TABLE IF NOT EXISTS `+ident+` (
		id bigserial PRIMARY KEY,
		serial bigint NOT NULL DEFAULT 1,
		data jsonb NOT NULL
	)`)
	if err != nil {
		return "", MapError(err)
	}
	c.source.ensured.Store(table, true)
	return ident, nil
}

func (c *Conn) prepare(ctx context.Context, table string) (querier, string, error) {
	q, err := c.q()
	if err != nil {
		return nil, "", err
	}
	ident, err := c.ensure(ctx, q, table)
	return q, ident, err
}

// Get returns one row by id.
func (c *Conn) Get(ctx context.Context, table string, id int64) (model.Row, error) {
	q, ident, err := c.prepare(ctx, table)
	if err != nil {
		return model.Row{}, err
	}

	row := model.Row{ID: id}
	err = q.QueryRow(ctx, `SELECT serial, data FROM `+ident+` WHERE id = $1`, id).Scan(&row.Serial, &row.Fields)
	return row, MapError(err)
}

// Scan returns every row of a table in id order.
func (c *Conn) Scan(ctx context.Context, table string) ([]model.Row, error) {
	q, ident, err := c.prepare(ctx, table)
	if err != nil {
		return nil, err
	}

	rows, err := q.Query(ctx, `SELECT id, serial, data FROM `+ident+` ORDER BY id`)
	if err != nil {
		return nil, MapError(err)
	}
	out, err := pgx.CollectRows(rows, func(r pgx.CollectableRow) (model.Row, error) {
		var row model.Row
		err := r.Scan(&row.ID, &row.Serial, &row.Fields)
		return row, err
	})
	return out, MapError(err)
}

// Insert adds a row and returns it with its new id and serial.
func (c *Conn) Insert(ctx context.Context, table string, fields map[string]any) (model.Row, error) {
	q, ident, err := c.prepare(ctx, table)
	if err != nil {
		return model.Row{}, err
	}

	row := model.Row{Fields: fields}
	err = q.QueryRow(ctx, `INSERT INTO `+ident+` (data) VALUES ($1) RETURNING id, serial`, fields).Scan(&row.ID, &row.Serial)
	return row, MapError(err)
}

// Update replaces a row if serial still matches the stored one.
func (c *Conn) Update(ctx context.Context, table string, id, serial int64, fields map[string]any) (model.Row, error) {
	q, ident, err := c.prepare(ctx, table)
	if err != nil {
		return model.Row{}, err
	}

	row := model.Row{ID: id, Fields: fields}
	err = q.QueryRow(ctx, `UPDATE `+ident+` SET data = $1, serial = serial + 1
		WHERE id = $2 AND serial = $3 RETURNING serial`, fields, id, serial).Scan(&row.Serial)
	if errors.Is(err, pgx.ErrNoRows) {
		return row, c.missing(ctx, q, ident, id)
	}
	return row, MapError(err)
}

// Delete removes a row if serial still matches the stored one.
func (c *Conn) Delete(ctx context.Context, table string, id, serial int64) error {
	q, ident, err := c.prepare(ctx, table)
	if err != nil {
		return err
	}

	tag, err := q.Exec(ctx, `DELETE FROM `+ident+` WHERE id = $1 AND ($2::bigint = 0 OR serial = $2::bigint)`, id, serial)
	if err != nil {
		return MapError(err)
	}
	if tag.RowsAffected() == 0 {
		return c.missing(ctx, q, ident, id)
	}
	return nil
}

// missing tells a stale serial (conflict) from a deleted row (not found).
func (c *Conn) missing(ctx context.Context, q querier, ident string, id int64) error {
	var exists bool
	err := q.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM `+ident+` WHERE id = $1)`, id).Scan(&exists)
	switch {
	case err != nil:
		return MapError(err)
	case exists:
		return fmt.Errorf("pgxdb: row %d was changed concurrently: %w", id, db.ErrConflict)
	default:
		return fmt.Errorf("pgxdb: row %d: %w", id, db.ErrNotFound)
	}
}
