package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/rossigee/recordstore/internal/coord"
	"github.com/rossigee/recordstore/pkg/types"
	"github.com/sirupsen/logrus"
)

// Conn is an open database at a specific version. It holds a shared lock
// on the database until closed.
type Conn struct {
	name    string
	version int
	db      *sql.DB
	lock    *coord.Lock
	catalog catalog
	watcher *coord.Watcher

	mu     sync.RWMutex
	closed bool
}

// Name returns the database name.
func (c *Conn) Name() string {
	return c.name
}

// Version returns the version the connection was opened at.
func (c *Conn) Version() int {
	return c.version
}

// Tables returns the structure of the database as found on disk.
func (c *Conn) Tables() []types.TableSpec {
	return c.catalog.specs()
}

// Closed reports whether the connection has been closed.
func (c *Conn) Closed() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.closed
}

// View runs fn inside a read-only transaction scoped to table.
func (c *Conn) View(ctx context.Context, table string, fn func(*Txn) error) error {
	return c.run(ctx, table, true, fn)
}

// Update runs fn inside a read-write transaction scoped to table. The
// transaction commits when fn returns nil.
func (c *Conn) Update(ctx context.Context, table string, fn func(*Txn) error) error {
	return c.run(ctx, table, false, fn)
}

func (c *Conn) run(ctx context.Context, table string, readOnly bool, fn func(*Txn) error) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.closed {
		return ErrClosed
	}
	meta, err := c.catalog.table(table)
	if err != nil {
		return err
	}

	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: readOnly})
	if err != nil {
		return transport("begin transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				logrus.WithError(rollbackErr).Warn("Failed to rollback transaction")
			}
		}
	}()

	if err := fn(&Txn{ctx: ctx, tx: tx, meta: meta, readOnly: readOnly}); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return transport("commit transaction", err)
	}
	committed = true
	return nil
}

// Close stops the version watcher, closes the database and releases the
// lock. It is safe to call more than once.
func (c *Conn) Close() error {
	c.shutdown()
	return nil
}

// invalidate closes the connection and reports whether this call did it.
func (c *Conn) invalidate() bool {
	return c.shutdown()
}

func (c *Conn) shutdown() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.watcher != nil {
		c.watcher.Stop()
	}
	if c.closed {
		return false
	}
	c.closed = true

	if err := c.db.Close(); err != nil {
		logrus.WithError(err).WithField("database", c.name).Warn("Failed to close database connection")
	}
	c.lock.Release()
	return true
}

func (c *Conn) setWatcher(w *coord.Watcher) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		w.Stop()
		return
	}
	c.watcher = w
}

// String identifies the connection in logs.
func (c *Conn) String() string {
	return fmt.Sprintf("%s@v%d", c.name, c.version)
}
