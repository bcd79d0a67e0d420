// Package storage provides a versioned, transactional record store on top of
// SQLite. Each database name maps to one SQLite file, each table to one SQL
// table and each index to one SQL expression index.
package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3" // Register SQLite driver
	"github.com/rossigee/recordstore/internal/coord"
	"github.com/sirupsen/logrus"
)

// Options tunes locking and polling behaviour of a Store.
type Options struct {
	// BusyTimeout is how long SQLite waits on its own file locks.
	BusyTimeout time.Duration
	// LockTimeout bounds the wait for a shared lock while another context
	// is upgrading.
	LockTimeout time.Duration
	// BlockedAfter is how long an upgrade waits for older connections to
	// close before reporting ErrBlocked.
	BlockedAfter time.Duration
	// PollInterval is the interval between lock attempts.
	PollInterval time.Duration
	// WatchInterval is how often live connections check for newer versions.
	WatchInterval time.Duration
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		BusyTimeout:   5 * time.Second,
		LockTimeout:   10 * time.Second,
		BlockedAfter:  time.Second,
		PollInterval:  coord.DefaultPollInterval,
		WatchInterval: coord.DefaultWatchInterval,
	}
}

func (o Options) withDefaults() Options {
	d := DefaultOptions()
	if o.BusyTimeout <= 0 {
		o.BusyTimeout = d.BusyTimeout
	}
	if o.LockTimeout <= 0 {
		o.LockTimeout = d.LockTimeout
	}
	if o.BlockedAfter <= 0 {
		o.BlockedAfter = d.BlockedAfter
	}
	if o.PollInterval <= 0 {
		o.PollInterval = d.PollInterval
	}
	if o.WatchInterval <= 0 {
		o.WatchInterval = d.WatchInterval
	}
	return o
}

// UpgradeFunc runs inside the version-change transaction.
type UpgradeFunc func(ctx context.Context, vc *VersionChange) error

// VersionChangeFunc is called after conn was closed because another context
// requested newVersion.
type VersionChangeFunc func(conn *Conn, newVersion int)

// OpenRequest asks for a database at a specific version.
type OpenRequest struct {
	Name    string
	Version int
	// Upgrade is called when the stored version is lower than Version.
	Upgrade UpgradeFunc
	// OnVersionChange installs a watcher when non-nil.
	OnVersionChange VersionChangeFunc
}

// Store opens databases that live in one directory.
type Store struct {
	dir  string
	opts Options
}

// NewStore returns a store rooted at dir, creating the directory if needed.
func NewStore(dir string, opts Options) (*Store, error) {
	if dir == "" {
		return nil, errors.New("storage directory is required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create storage directory: %w", err)
	}
	return &Store{dir: filepath.Clean(dir), opts: opts.withDefaults()}, nil
}

// Dir returns the directory holding the database files.
func (s *Store) Dir() string {
	return s.dir
}

// Path returns the database file path for name.
func (s *Store) Path(name string) string {
	return filepath.Join(s.dir, name+".db")
}

func (s *Store) lockPath(name string) string {
	return filepath.Join(s.dir, name+".lock")
}

func (s *Store) requestPath(name string) string {
	return filepath.Join(s.dir, name+".versionchange")
}

// Databases lists the database names found in the store directory.
func (s *Store) Databases() ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(s.dir, "*.db"))
	if err != nil {
		return nil, fmt.Errorf("failed to list databases: %w", err)
	}
	names := make([]string, 0, len(matches))
	for _, m := range matches {
		names = append(names, strings.TrimSuffix(filepath.Base(m), ".db"))
	}
	return names, nil
}

// StoredVersion returns the version stamped in the database file, or 0 when
// the database does not exist. It takes no locks.
func (s *Store) StoredVersion(ctx context.Context, name string) (int, error) {
	if _, err := os.Stat(s.Path(name)); errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	db, err := openSQLite(ctx, s.Path(name), s.opts.BusyTimeout)
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = db.Close() // Read-only use
	}()
	return storedVersion(ctx, db)
}

// Open opens name at req.Version, running req.Upgrade inside a single
// transaction when the stored version is lower. It returns ErrBlocked when
// another connection keeps an older version open past BlockedAfter.
func (s *Store) Open(ctx context.Context, req OpenRequest) (*Conn, error) {
	if req.Name == "" || strings.ContainsAny(req.Name, "/\\") {
		return nil, fmt.Errorf("invalid database name %q", req.Name)
	}
	if req.Version < 1 {
		return nil, fmt.Errorf("%w: version must be >= 1, got %d", ErrVersion, req.Version)
	}

	lock, err := coord.OpenLock(s.lockPath(req.Name), s.opts.PollInterval)
	if err != nil {
		return nil, transport("open lock", err)
	}

	db, err := openSQLite(ctx, s.Path(req.Name), s.opts.BusyTimeout)
	if err != nil {
		lock.Release()
		return nil, err
	}

	success := false
	defer func() {
		if !success {
			lock.Release()
			if closeErr := db.Close(); closeErr != nil {
				logrus.WithError(closeErr).Warn("Failed to close database after open error")
			}
		}
	}()

	// Requests published from here on, including during acquire, are newer
	// than this connection and must reach its watcher.
	var baseline coord.Request
	if req.OnVersionChange != nil {
		baseline, err = coord.ReadRequest(s.requestPath(req.Name))
		if err != nil {
			return nil, transport("read version request", err)
		}
	}

	if err := s.acquire(ctx, db, lock, req); err != nil {
		return nil, err
	}

	cat, err := loadCatalog(ctx, db)
	if err != nil {
		return nil, err
	}

	conn := &Conn{
		name:    req.Name,
		version: req.Version,
		db:      db,
		lock:    lock,
		catalog: cat,
	}

	if req.OnVersionChange != nil {
		conn.setWatcher(coord.Watch(s.requestPath(req.Name), req.Version, baseline, s.opts.WatchInterval,
			func(r coord.Request) {
				if conn.invalidate() {
					logrus.WithFields(logrus.Fields{
						"database":    req.Name,
						"version":     req.Version,
						"new_version": r.Version,
					}).Warn("Newer database version requested elsewhere, connection closed")
					req.OnVersionChange(conn, r.Version)
				}
			}))
	}

	success = true
	return conn, nil
}

// acquire takes the lock appropriate for the stored version, upgrading when
// needed. On return the lock is held shared and the stored version equals
// req.Version.
func (s *Store) acquire(ctx context.Context, db *sql.DB, lock *coord.Lock, req OpenRequest) error {
	for {
		current, err := storedVersion(ctx, db)
		if err != nil {
			return err
		}

		switch {
		case current > req.Version:
			return fmt.Errorf("%w: requested %d, stored %d", ErrVersion, req.Version, current)

		case current == req.Version:
			if err := lock.Acquire(ctx, coord.Shared, s.opts.LockTimeout); err != nil {
				return transport("acquire shared lock", err)
			}
			again, err := storedVersion(ctx, db)
			if err != nil {
				return err
			}
			if again == req.Version {
				return nil
			}
			lock.Unlock()

		default:
			if _, err := coord.Publish(s.requestPath(req.Name), req.Version); err != nil {
				return transport("publish version request", err)
			}
			if err := lock.Acquire(ctx, coord.Exclusive, s.opts.BlockedAfter); err != nil {
				if !errors.Is(err, coord.ErrLockTimeout) {
					return transport("acquire exclusive lock", err)
				}
				// The holder may have been upgrading to our version itself.
				again, verr := storedVersion(ctx, db)
				if verr != nil {
					return verr
				}
				if again >= req.Version {
					continue
				}
				return fmt.Errorf("%w: %s at version %d wants %d", ErrBlocked, req.Name, again, req.Version)
			}
			again, err := storedVersion(ctx, db)
			if err != nil {
				return err
			}
			if again != current {
				lock.Unlock()
				continue
			}
			if err := runUpgrade(ctx, db, current, req); err != nil {
				return err
			}
			if err := lock.Downgrade(); err != nil {
				return transport("downgrade lock", err)
			}
			return nil
		}
	}
}

// openSQLite opens the database file with the store's pragmas.
func openSQLite(ctx context.Context, path string, busy time.Duration) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL",
		path, busy.Milliseconds())

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, transport("open database", err)
	}

	// One connection keeps each transaction on the connection that began it
	// and serialises writers within the process.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, transport("ping database", err)
	}
	return db, nil
}

// storedVersion reads SQLite's user_version, which is 0 for a new file.
func storedVersion(ctx context.Context, q querier) (int, error) {
	var version int
	if err := q.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, transport("read user_version", err)
	}
	return version, nil
}

// runUpgrade executes the version-change transaction.
func runUpgrade(ctx context.Context, db *sql.DB, oldVersion int, req OpenRequest) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return transport("begin version change", err)
	}
	committed := false
	defer func() {
		if !committed {
			if rollbackErr := tx.Rollback(); rollbackErr != nil {
				logrus.WithError(rollbackErr).Warn("Failed to rollback version change")
			}
		}
	}()

	logrus.WithFields(logrus.Fields{
		"database":    req.Name,
		"old_version": oldVersion,
		"new_version": req.Version,
	}).Info("Upgrading database")

	if req.Upgrade != nil {
		vc := &VersionChange{tx: tx, oldVersion: oldVersion, newVersion: req.Version}
		if err := req.Upgrade(ctx, vc); err != nil {
			return fmt.Errorf("upgrade %s to version %d: %w", req.Name, req.Version, err)
		}
	}

	if _, err := tx.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", req.Version)); err != nil {
		return transport("set user_version", err)
	}
	if err := tx.Commit(); err != nil {
		return transport("commit version change", err)
	}
	committed = true
	return nil
}
