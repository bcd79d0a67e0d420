// Package records is a per-table CRUD client over the live connection of a
// migrator. Every call runs in its own transaction scoped to one table.
package records

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rossigee/recordstore/internal/metrics"
	"github.com/rossigee/recordstore/internal/migrator"
	"github.com/rossigee/recordstore/internal/storage"
	"github.com/rossigee/recordstore/pkg/types"
	"github.com/sirupsen/logrus"
)

// Errors callers branch on.
var (
	ErrNotInitialized = migrator.ErrNotInitialized
	ErrNotFound       = storage.ErrNotFound
	ErrKeyCollision   = storage.ErrKeyCollision
	ErrConstraint     = storage.ErrConstraint
	ErrMissingKey     = storage.ErrMissingKey
	ErrInvalidKey     = storage.ErrInvalidKey
	ErrNoSuchTable    = storage.ErrNoSuchTable
	ErrNoSuchIndex    = storage.ErrNoSuchIndex
	ErrTransport      = storage.ErrTransport

	// ErrCannotInitialize is returned by Initialize when the source only
	// hands out connections.
	ErrCannotInitialize = errors.New("connection source cannot initialize databases")
)

// Source hands out the live connection. *migrator.Migrator implements it.
type Source interface {
	Conn() (*storage.Conn, error)
}

// Initializer is a Source that can also open a database from a descriptor.
type Initializer interface {
	Source
	Apply(ctx context.Context, d types.Descriptor) error
}

// Option configures a Client.
type Option func(*Client)

// WithMetrics records every call in m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Client) {
		c.metrics = m
	}
}

// WithLogger sets the logger used for failed calls.
func WithLogger(log *logrus.Entry) Option {
	return func(c *Client) {
		c.log = log
	}
}

// Client exposes per-table record operations.
type Client struct {
	source  Source
	metrics *metrics.Metrics
	log     *logrus.Entry
}

// New returns a client reading connections from source.
func New(source Source, opts ...Option) *Client {
	c := &Client{
		source: source,
		log:    logrus.WithField("component", "records"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Initialize opens the database described by d through the source.
func (c *Client) Initialize(ctx context.Context, d types.Descriptor) error {
	init, ok := c.source.(Initializer)
	if !ok {
		return ErrCannotInitialize
	}
	err := init.Apply(ctx, d)
	if err != nil {
		c.metrics.Initialized("error")
		return err
	}
	c.metrics.Initialized("ok")
	return nil
}

// Add inserts rec and returns its key, generated or taken from the record.
func (c *Client) Add(ctx context.Context, table string, rec types.Record) (types.Key, error) {
	var key types.Key
	err := c.update(ctx, table, "add", func(tx *storage.Txn) error {
		k, err := tx.Add(rec)
		key = k
		return err
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}

// GetByID returns the record under key or ErrNotFound.
func (c *Client) GetByID(ctx context.Context, table string, key types.Key) (types.Record, error) {
	var rec types.Record
	err := c.view(ctx, table, "get", func(tx *storage.Txn) error {
		r, err := tx.Get(key)
		rec = r
		return err
	})
	if err != nil {
		return nil, err
	}
	return rec, nil
}

// GetAll returns every record in the table. An empty table yields an empty
// slice.
func (c *Client) GetAll(ctx context.Context, table string) ([]types.Record, error) {
	var out []types.Record
	err := c.view(ctx, table, "get_all", func(tx *storage.Txn) error {
		all, err := tx.GetAll()
		out = all
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetByQuery scans the table and returns the records whose fields equal
// every field of partial. It reads the whole table.
func (c *Client) GetByQuery(ctx context.Context, table string, partial types.Record) ([]types.Record, error) {
	var out []types.Record
	err := c.view(ctx, table, "query", func(tx *storage.Txn) error {
		all, err := tx.GetAll()
		if err != nil {
			return err
		}
		out = Filter(all, partial)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetByIndex returns the records whose indexed fields equal value. For a
// composite index value is a []any with one element per field.
func (c *Client) GetByIndex(ctx context.Context, table, index string, value any) ([]types.Record, error) {
	var out []types.Record
	err := c.view(ctx, table, "get_by_index", func(tx *storage.Txn) error {
		found, err := tx.GetByIndex(index, value)
		out = found
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpdateByID replaces the record under key with patch, or creates it. The
// key field of the stored record is always key.
func (c *Client) UpdateByID(ctx context.Context, table string, key types.Key, patch types.Record) error {
	return c.update(ctx, table, "update", func(tx *storage.Txn) error {
		return tx.Put(key, patch)
	})
}

// DeleteByID removes the record under key. Missing keys are not an error.
func (c *Client) DeleteByID(ctx context.Context, table string, key types.Key) error {
	return c.update(ctx, table, "delete", func(tx *storage.Txn) error {
		return tx.Delete(key)
	})
}

// Conn returns the live connection.
func (c *Client) Conn() (*storage.Conn, error) {
	conn, err := c.source.Conn()
	if err != nil {
		return nil, err
	}
	if conn.Closed() {
		return nil, fmt.Errorf("%w: %w", ErrNotInitialized, storage.ErrClosed)
	}
	return conn, nil
}

func (c *Client) view(ctx context.Context, table, op string, fn func(*storage.Txn) error) error {
	return c.run(ctx, table, op, true, fn)
}

func (c *Client) update(ctx context.Context, table, op string, fn func(*storage.Txn) error) error {
	return c.run(ctx, table, op, false, fn)
}

func (c *Client) run(ctx context.Context, table, op string, readOnly bool, fn func(*storage.Txn) error) error {
	start := time.Now()

	conn, err := c.Conn()
	if err == nil {
		if readOnly {
			err = conn.View(ctx, table, fn)
		} else {
			err = conn.Update(ctx, table, fn)
		}
		if errors.Is(err, storage.ErrClosed) {
			err = fmt.Errorf("%w: %w", ErrNotInitialized, err)
		}
	}

	result := Result(err)
	c.metrics.ObserveOperation(table, op, result, start)
	if result == "error" {
		c.log.WithError(err).WithFields(logrus.Fields{
			"table":     table,
			"operation": op,
		}).Error("Record operation failed")
	}
	return err
}

// Result classifies an operation error for metrics and logs.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotInitialized):
		return "not_initialized"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrKeyCollision):
		return "key_collision"
	case errors.Is(err, ErrConstraint):
		return "constraint"
	case errors.Is(err, ErrMissingKey), errors.Is(err, ErrInvalidKey):
		return "invalid_key"
	case errors.Is(err, ErrNoSuchTable), errors.Is(err, ErrNoSuchIndex):
		return "no_such_object"
	default:
		return "error"
	}
}
