package storage

import (
	"errors"
	"fmt"

	"github.com/mattn/go-sqlite3"
)

// Storage errors. Callers branch on them with errors.Is.
var (
	// ErrNotFound reports a key-based read miss.
	ErrNotFound = errors.New("record not found")
	// ErrKeyCollision reports an insert whose primary key already exists.
	ErrKeyCollision = errors.New("key already exists")
	// ErrConstraint reports a write that violates a unique index.
	ErrConstraint = errors.New("unique index constraint violated")
	// ErrMissingKey reports a record without a value at the table's key field.
	ErrMissingKey = errors.New("record has no key")
	// ErrInvalidKey reports a key that is not a number or a string.
	ErrInvalidKey = errors.New("invalid key")
	// ErrNoSuchTable reports an operation on a table that does not exist.
	ErrNoSuchTable = errors.New("no such table")
	// ErrNoSuchIndex reports a lookup on an index that does not exist.
	ErrNoSuchIndex = errors.New("no such index")
	// ErrBlocked reports an upgrade held up by an older connection elsewhere.
	ErrBlocked = errors.New("upgrade blocked by another connection")
	// ErrVersion reports a requested version lower than the stored one.
	ErrVersion = errors.New("requested version is lower than the stored version")
	// ErrClosed reports use of a closed connection.
	ErrClosed = errors.New("connection closed")
	// ErrTransport wraps every failure from the underlying database.
	ErrTransport = errors.New("storage failure")
)

// transport wraps a driver error so it matches ErrTransport.
func transport(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrTransport, op, err)
}

// classifyWrite maps constraint violations onto the store's sentinels.
func classifyWrite(op string, err error) error {
	var sqlErr sqlite3.Error
	if errors.As(err, &sqlErr) {
		switch sqlErr.ExtendedCode {
		case sqlite3.ErrConstraintPrimaryKey, sqlite3.ErrConstraintRowID:
			return fmt.Errorf("%w: %s", ErrKeyCollision, op)
		case sqlite3.ErrConstraintUnique:
			return fmt.Errorf("%w: %s: %s", ErrConstraint, op, sqlErr.Error())
		}
	}
	return transport(op, err)
}
