package storage

import (
	"context"
	"database/sql"
	"fmt"
	"sort"

	"github.com/rossigee/recordstore/pkg/types"
)

// VersionChange gives structural access to the database while an upgrade
// transaction is open. It must not be used after the Upgrade callback returns.
type VersionChange struct {
	tx         *sql.Tx
	oldVersion int
	newVersion int
	savepoints int
}

// OldVersion is the stored version before the upgrade; 0 for a new database.
func (vc *VersionChange) OldVersion() int {
	return vc.oldVersion
}

// NewVersion is the version being upgraded to.
func (vc *VersionChange) NewVersion() int {
	return vc.newVersion
}

// TableNames lists the existing record tables.
func (vc *VersionChange) TableNames(ctx context.Context) ([]string, error) {
	return tableNames(ctx, vc.tx)
}

// Table returns the key policy of an existing table.
func (vc *VersionChange) Table(ctx context.Context, name string) (types.TableSpec, error) {
	return readTableSpec(ctx, vc.tx, name)
}

// IndexNames lists the indexes of an existing table.
func (vc *VersionChange) IndexNames(ctx context.Context, table string) ([]string, error) {
	indexes, err := readIndexes(ctx, vc.tx, table)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(indexes))
	for name := range indexes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// CreateTable creates a table with the spec's key policy. Indexes are not
// created here.
func (vc *VersionChange) CreateTable(ctx context.Context, spec types.TableSpec) error {
	if err := spec.Validate(); err != nil {
		return err
	}
	if _, err := vc.tx.ExecContext(ctx, createTableSQL(spec)); err != nil {
		return transport(fmt.Sprintf("create table %q", spec.Name), err)
	}
	return nil
}

// DropTable drops a table together with its indexes and records.
func (vc *VersionChange) DropTable(ctx context.Context, name string) error {
	if _, err := vc.tx.ExecContext(ctx, "DROP TABLE "+quoteIdent(name)); err != nil {
		return transport(fmt.Sprintf("drop table %q", name), err)
	}
	return nil
}

// CreateIndex creates an index on an existing table.
func (vc *VersionChange) CreateIndex(ctx context.Context, table string, idx types.IndexSpec) error {
	if err := idx.Validate(); err != nil {
		return err
	}
	if _, err := vc.tx.ExecContext(ctx, createIndexSQL(table, idx)); err != nil {
		return transport(fmt.Sprintf("create index %q on %q", idx.IndexName, table), err)
	}
	return nil
}

// Savepoint runs fn in a nested scope. If fn fails, only its changes are
// rolled back and its error is returned as scoped; err is non-nil only when
// the savepoint itself could not be managed, which leaves the upgrade unusable.
func (vc *VersionChange) Savepoint(ctx context.Context, fn func() error) (scoped, err error) {
	vc.savepoints++
	name := fmt.Sprintf("sp_%d", vc.savepoints)

	if _, err := vc.tx.ExecContext(ctx, "SAVEPOINT "+name); err != nil {
		return nil, transport("savepoint", err)
	}

	scoped = fn()
	if scoped != nil {
		if _, err := vc.tx.ExecContext(ctx, "ROLLBACK TO "+name); err != nil {
			return scoped, transport("rollback to savepoint", err)
		}
	}
	if _, err := vc.tx.ExecContext(ctx, "RELEASE "+name); err != nil {
		return scoped, transport("release savepoint", err)
	}
	return scoped, nil
}
