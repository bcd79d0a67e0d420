// Package migrator owns the connection to one database and brings its
// structure in line with a declared schema, retrying upgrades that are
// blocked by older connections held elsewhere.
package migrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rossigee/recordstore/internal/retry"
	"github.com/rossigee/recordstore/internal/storage"
	"github.com/rossigee/recordstore/pkg/types"
	"github.com/sirupsen/logrus"
)

var (
	// ErrNotInitialized is returned when no connection is ready.
	ErrNotInitialized = errors.New("database not initialized")
	// ErrMigrationExhausted is returned once the blocked-upgrade retry budget is spent.
	ErrMigrationExhausted = errors.New("maximum upgrade attempts reached")
	// ErrBlockedByUser is returned when the blocked-upgrade prompt is declined.
	ErrBlockedByUser = errors.New("upgrade blocked by user choice")
)

// Opener opens a database at a version. *storage.Store implements it.
type Opener interface {
	Open(ctx context.Context, req storage.OpenRequest) (*storage.Conn, error)
}

// BlockedEvent is passed to the prompt when an upgrade is blocked.
type BlockedEvent struct {
	Database    string
	Version     int
	Attempt     int
	MaxAttempts int
	Err         error
}

// StaleEvent reports that the connection was closed because a newer version
// was requested elsewhere. The application should reload.
type StaleEvent struct {
	Database   string
	Version    int
	NewVersion int
}

// Options configures a Migrator.
type Options struct {
	// MaxUpgradeAttempts bounds blocked-upgrade retries. Zero means 5.
	MaxUpgradeAttempts int
	// RetryDelay is the wait before each retry. Zero means 3s.
	RetryDelay time.Duration
	// Prompt decides whether to retry a blocked upgrade. Nil declines.
	Prompt func(ctx context.Context, ev BlockedEvent) bool
	// Sleep replaces the retry delay timer.
	Sleep func(ctx context.Context, d time.Duration) error
	// OnStale is called after the connection is invalidated by a newer version.
	OnStale func(ev StaleEvent)
	Logger  *logrus.Entry
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		MaxUpgradeAttempts: 5,
		RetryDelay:         3 * time.Second,
	}
}

// Migrator manages the single live connection for one component instance.
type Migrator struct {
	opener Opener
	opts   Options
	log    *logrus.Entry

	initMu sync.Mutex // serialises Initialize

	stateMu  sync.RWMutex
	conn     *storage.Conn
	state    State
	attempts int
	last     *UpgradeReport
}

// New returns a Migrator that opens databases through opener.
func New(opener Opener, opts Options) *Migrator {
	d := DefaultOptions()
	if opts.MaxUpgradeAttempts <= 0 {
		opts.MaxUpgradeAttempts = d.MaxUpgradeAttempts
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = d.RetryDelay
	}
	log := opts.Logger
	if log == nil {
		log = logrus.WithField("component", "migrator")
	}
	return &Migrator{opener: opener, opts: opts, log: log}
}

// Initialize opens databaseName at version, reconciling its structure with
// schema when the stored version is lower. Any existing connection is closed
// first. A blocked upgrade is retried after confirmation from the prompt, at
// most MaxUpgradeAttempts times.
func (m *Migrator) Initialize(ctx context.Context, databaseName string, schema types.Schema, version int) (*storage.Conn, error) {
	m.initMu.Lock()
	defer m.initMu.Unlock()

	m.closeConn(StateIdle)
	m.setAttempts(0)

	desc := types.Descriptor{DatabaseName: databaseName, Version: version, Tables: schema.Tables}
	if err := desc.Validate(); err != nil {
		m.setState(StateFailed)
		return nil, err
	}

	log := m.log.WithFields(logrus.Fields{
		"database": databaseName,
		"version":  version,
	})

	var (
		conn   *storage.Conn
		report *UpgradeReport
	)
	cfg := retry.Config{
		MaxAttempts: m.opts.MaxUpgradeAttempts + 1,
		Delays:      []time.Duration{m.opts.RetryDelay},
		Sleep:       m.opts.Sleep,
		Retryable: func(err error) bool {
			return errors.Is(err, storage.ErrBlocked)
		},
		BeforeRetry: func(ctx context.Context, attempt int, err error) error {
			m.setState(StateBlocked)
			log.WithError(err).WithField("attempt", attempt).Warn("Database upgrade blocked by another connection")

			ev := BlockedEvent{
				Database:    databaseName,
				Version:     version,
				Attempt:     attempt,
				MaxAttempts: m.opts.MaxUpgradeAttempts,
				Err:         err,
			}
			if m.opts.Prompt == nil || !m.opts.Prompt(ctx, ev) {
				return fmt.Errorf("%w: %w", ErrBlockedByUser, err)
			}
			m.setState(StateRetrying)
			m.setAttempts(attempt)
			return nil
		},
	}

	err := retry.WithRetry(ctx, cfg, func(int) error {
		m.setState(StateOpening)
		report = nil
		c, err := m.opener.Open(ctx, storage.OpenRequest{
			Name:    databaseName,
			Version: version,
			Upgrade: func(ctx context.Context, vc *storage.VersionChange) error {
				m.setState(StateUpgrading)
				report = &UpgradeReport{
					Database:   databaseName,
					OldVersion: vc.OldVersion(),
					NewVersion: vc.NewVersion(),
				}
				return reconcile(ctx, vc, schema, report, log)
			},
			OnVersionChange: m.handleStale,
		})
		if err != nil {
			return err
		}
		conn = c
		return nil
	})
	if err != nil {
		m.setState(StateFailed)
		if errors.Is(err, retry.ErrExhausted) {
			err = fmt.Errorf("%w (%d): %w", ErrMigrationExhausted, m.opts.MaxUpgradeAttempts, err)
		}
		log.WithError(err).Error("Failed to initialize database")
		return nil, err
	}

	m.stateMu.Lock()
	defer m.stateMu.Unlock()

	m.attempts = 0
	if report != nil {
		m.last = report
		log.WithFields(logrus.Fields{
			"old_version": report.OldVersion,
			"created":     len(report.Created),
			"dropped":     len(report.Dropped),
			"skipped":     len(report.Skipped),
		}).Info("Database upgraded")
	}
	if conn.Closed() {
		// Invalidated by a newer version before it could be handed out.
		m.state = StateInvalidated
		return conn, nil
	}
	m.conn = conn
	m.state = StateReady
	log.Info("Database ready")
	return conn, nil
}

// Apply initializes the database described by d.
func (m *Migrator) Apply(ctx context.Context, d types.Descriptor) error {
	_, err := m.Initialize(ctx, d.DatabaseName, d.Schema(), d.Version)
	return err
}

// Conn returns the live connection or ErrNotInitialized.
func (m *Migrator) Conn() (*storage.Conn, error) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if m.conn == nil {
		return nil, ErrNotInitialized
	}
	return m.conn, nil
}

// State returns the current lifecycle state.
func (m *Migrator) State() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state
}

// Attempts returns the number of blocked-upgrade retries in the current
// Initialize call. It is reset on success.
func (m *Migrator) Attempts() int {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.attempts
}

// LastUpgrade returns the report of the most recent upgrade phase, if any.
func (m *Migrator) LastUpgrade() (UpgradeReport, bool) {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	if m.last == nil {
		return UpgradeReport{}, false
	}
	return *m.last, true
}

// Close closes the live connection, if any.
func (m *Migrator) Close() error {
	m.closeConn(StateClosed)
	return nil
}

func (m *Migrator) closeConn(next State) {
	m.stateMu.Lock()
	conn := m.conn
	m.conn = nil
	m.state = next
	m.stateMu.Unlock()

	if conn != nil {
		if err := conn.Close(); err != nil {
			m.log.WithError(err).Warn("Failed to close database connection")
		}
	}
}

func (m *Migrator) handleStale(conn *storage.Conn, newVersion int) {
	m.stateMu.Lock()
	if m.conn == conn {
		m.conn = nil
		m.state = StateInvalidated
	}
	m.stateMu.Unlock()

	m.log.WithFields(logrus.Fields{
		"database":    conn.Name(),
		"version":     conn.Version(),
		"new_version": newVersion,
	}).Warn("Database connection is stale, reload required")

	if m.opts.OnStale != nil {
		m.opts.OnStale(StaleEvent{
			Database:   conn.Name(),
			Version:    conn.Version(),
			NewVersion: newVersion,
		})
	}
}

func (m *Migrator) setState(s State) {
	m.stateMu.Lock()
	m.state = s
	m.stateMu.Unlock()
}

func (m *Migrator) setAttempts(n int) {
	m.stateMu.Lock()
	m.attempts = n
	m.stateMu.Unlock()
}
