package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/rossigee/recordstore/pkg/types"
	"github.com/sirupsen/logrus"
)

var errReadOnly = errors.New("write in read-only transaction")

// Txn is a transaction scoped to a single table.
type Txn struct {
	ctx      context.Context
	tx       *sql.Tx
	meta     *tableMeta
	readOnly bool
}

// Table returns the structure of the table the transaction is scoped to.
func (t *Txn) Table() types.TableSpec {
	return t.meta.spec
}

func (t *Txn) keyColumn() string {
	return quoteIdent(t.meta.spec.KeyField())
}

func (t *Txn) tableName() string {
	return quoteIdent(t.meta.spec.Name)
}

// Add inserts a new record and returns its key. Auto-generated tables
// assign the next integer key and write it into the record's key field;
// other tables take the key from the record.
func (t *Txn) Add(rec types.Record) (types.Key, error) {
	if t.readOnly {
		return nil, errReadOnly
	}
	spec := t.meta.spec

	if spec.AutoGenerateKey {
		return t.addGenerated(rec)
	}

	key, err := KeyOf(spec, rec)
	if err != nil {
		return nil, err
	}

	doc, err := encodeRecord(rec)
	if err != nil {
		return nil, err
	}
	_, err = t.tx.ExecContext(t.ctx,
		fmt.Sprintf("INSERT INTO %s (%s, %s) VALUES (?, ?)", t.tableName(), t.keyColumn(), quoteIdent(valueColumn)),
		key, doc)
	if err != nil {
		return nil, classifyWrite(fmt.Sprintf("add to %q", spec.Name), err)
	}
	return key, nil
}

func (t *Txn) addGenerated(rec types.Record) (types.Key, error) {
	spec := t.meta.spec

	doc, err := encodeRecord(rec)
	if err != nil {
		return nil, err
	}
	res, err := t.tx.ExecContext(t.ctx,
		fmt.Sprintf("INSERT INTO %s (%s) VALUES (?)", t.tableName(), quoteIdent(valueColumn)), doc)
	if err != nil {
		return nil, classifyWrite(fmt.Sprintf("add to %q", spec.Name), err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, transport("read generated key", err)
	}

	doc, err = encodeRecord(assign(rec, spec.KeyField(), id))
	if err != nil {
		return nil, err
	}
	_, err = t.tx.ExecContext(t.ctx,
		fmt.Sprintf("UPDATE %s SET %s = ? WHERE %s = ?", t.tableName(), quoteIdent(valueColumn), t.keyColumn()),
		doc, id)
	if err != nil {
		return nil, classifyWrite(fmt.Sprintf("add to %q", spec.Name), err)
	}
	return id, nil
}

// Get returns the record stored under key or ErrNotFound.
func (t *Txn) Get(key types.Key) (types.Record, error) {
	k, err := t.normalizeKey(key)
	if err != nil {
		return nil, err
	}

	var doc string
	err = t.tx.QueryRowContext(t.ctx,
		fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", quoteIdent(valueColumn), t.tableName(), t.keyColumn()),
		k).Scan(&doc)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %q key %v", ErrNotFound, t.meta.spec.Name, k)
		}
		return nil, transport("get record", err)
	}
	return decodeRecord(doc)
}

// GetAll returns every record in key order.
func (t *Txn) GetAll() ([]types.Record, error) {
	return t.query(
		fmt.Sprintf("SELECT %s FROM %s ORDER BY %s", quoteIdent(valueColumn), t.tableName(), t.keyColumn()))
}

// GetByIndex returns the records whose indexed fields equal value. A
// composite index takes a slice with one value per field.
func (t *Txn) GetByIndex(index string, value any) ([]types.Record, error) {
	idx, ok := t.meta.indexes[index]
	if !ok {
		return nil, fmt.Errorf("%w: %q on table %q", ErrNoSuchIndex, index, t.meta.spec.Name)
	}

	values := []any{value}
	if idx.FieldPath.Composite() {
		list, ok := value.([]any)
		if !ok || len(list) != len(idx.FieldPath) {
			return nil, fmt.Errorf("%w: index %q expects %d values", ErrInvalidKey, index, len(idx.FieldPath))
		}
		values = list
	}

	conds := make([]string, len(idx.FieldPath))
	args := make([]any, len(idx.FieldPath))
	for i, p := range idx.FieldPath {
		v := NormalizeValue(values[i])
		switch v.(type) {
		case nil, int64, float64, string, bool:
		default:
			return nil, fmt.Errorf("%w: index value %T", ErrInvalidKey, values[i])
		}
		conds[i] = extractExpr(p) + " = ?"
		args[i] = v
	}

	return t.query(
		fmt.Sprintf("SELECT %s FROM %s WHERE %s ORDER BY %s",
			quoteIdent(valueColumn), t.tableName(), strings.Join(conds, " AND "), t.keyColumn()),
		args...)
}

// Put replaces the record under key, or creates it. The record's key field
// is set to key.
func (t *Txn) Put(key types.Key, rec types.Record) error {
	if t.readOnly {
		return errReadOnly
	}
	k, err := t.normalizeKey(key)
	if err != nil {
		return err
	}
	spec := t.meta.spec

	doc, err := encodeRecord(assign(rec, spec.KeyField(), k))
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx,
		fmt.Sprintf("INSERT INTO %[1]s (%[2]s, %[3]s) VALUES (?, ?) ON CONFLICT(%[2]s) DO UPDATE SET %[3]s = excluded.%[3]s",
			t.tableName(), t.keyColumn(), quoteIdent(valueColumn)),
		k, doc)
	if err != nil {
		return classifyWrite(fmt.Sprintf("put into %q", spec.Name), err)
	}
	return nil
}

// Delete removes the record under key. Missing keys are not an error.
func (t *Txn) Delete(key types.Key) error {
	if t.readOnly {
		return errReadOnly
	}
	k, err := t.normalizeKey(key)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx,
		fmt.Sprintf("DELETE FROM %s WHERE %s = ?", t.tableName(), t.keyColumn()), k)
	if err != nil {
		return transport(fmt.Sprintf("delete from %q", t.meta.spec.Name), err)
	}
	return nil
}

func (t *Txn) normalizeKey(key types.Key) (types.Key, error) {
	k, err := NormalizeKey(key)
	if err != nil {
		return nil, err
	}
	if _, isInt := k.(int64); t.meta.spec.AutoGenerateKey && !isInt {
		return nil, fmt.Errorf("%w: table %q uses generated integer keys, got %v", ErrInvalidKey, t.meta.spec.Name, key)
	}
	return k, nil
}

func (t *Txn) query(query string, args ...any) ([]types.Record, error) {
	rows, err := t.tx.QueryContext(t.ctx, query, args...)
	if err != nil {
		return nil, transport("query records", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			logrus.WithError(closeErr).Warn("Failed to close database rows")
		}
	}()

	records := []types.Record{}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, transport("scan record", err)
		}
		rec, err := decodeRecord(doc)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, transport("iterate records", err)
	}
	return records, nil
}
