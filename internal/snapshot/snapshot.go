// Package snapshot exports a live database into a compressed document and
// restores such documents into a connection.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang/snappy"
	"github.com/rossigee/recordstore/internal/storage"
	"github.com/rossigee/recordstore/pkg/types"
	"github.com/sirupsen/logrus"
)

// ErrEmptyDocument is returned when decoding a payload with no database name.
var ErrEmptyDocument = errors.New("snapshot document is empty")

// Document is the exported contents of one database.
type Document struct {
	Database  string      `json:"database"`
	Version   int         `json:"version"`
	CreatedAt time.Time   `json:"created_at"`
	Tables    []TableDump `json:"tables"`
}

// TableDump holds a table's structure and its records in key order.
type TableDump struct {
	Spec    types.TableSpec `json:"spec"`
	Records []types.Record  `json:"records"`
}

// Records returns the number of records across all tables.
func (d Document) Records() int {
	n := 0
	for _, t := range d.Tables {
		n += len(t.Records)
	}
	return n
}

// Export reads every table of conn. Each table is read in its own
// transaction.
func Export(ctx context.Context, conn *storage.Conn) (Document, error) {
	doc := Document{
		Database:  conn.Name(),
		Version:   conn.Version(),
		CreatedAt: time.Now().UTC(),
	}
	for _, spec := range conn.Tables() {
		var records []types.Record
		err := conn.View(ctx, spec.Name, func(tx *storage.Txn) error {
			var err error
			records, err = tx.GetAll()
			return err
		})
		if err != nil {
			return Document{}, fmt.Errorf("export table %q: %w", spec.Name, err)
		}
		doc.Tables = append(doc.Tables, TableDump{Spec: spec, Records: records})
	}
	return doc, nil
}

// Encode serialises doc as snappy-compressed JSON.
func Encode(doc Document) ([]byte, error) {
	data, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot: %w", err)
	}
	return snappy.Encode(nil, data), nil
}

// Decode reverses Encode. Numbers in records are normalised the same way
// the store normalises them.
func Decode(payload []byte) (Document, error) {
	data, err := snappy.Decode(nil, payload)
	if err != nil {
		return Document{}, fmt.Errorf("decompress snapshot: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		return Document{}, fmt.Errorf("decode snapshot: %w", err)
	}
	if doc.Database == "" {
		return Document{}, ErrEmptyDocument
	}
	for i := range doc.Tables {
		for j, rec := range doc.Tables[i].Records {
			doc.Tables[i].Records[j] = types.Record(storage.NormalizeValue(rec).(map[string]any))
		}
	}
	return doc, nil
}

// Restore writes every record of doc into conn, replacing records with the
// same key. Tables the connection does not have are skipped. It returns the
// number of records written.
func Restore(ctx context.Context, conn *storage.Conn, doc Document) (int, error) {
	present := make(map[string]bool)
	for _, spec := range conn.Tables() {
		present[spec.Name] = true
	}

	written := 0
	for _, dump := range doc.Tables {
		if !present[dump.Spec.Name] {
			logrus.WithFields(logrus.Fields{
				"database": conn.Name(),
				"table":    dump.Spec.Name,
				"records":  len(dump.Records),
			}).Warn("Skipping snapshot table missing from database")
			continue
		}
		err := conn.Update(ctx, dump.Spec.Name, func(tx *storage.Txn) error {
			for _, rec := range dump.Records {
				key, err := storage.KeyOf(tx.Table(), rec)
				if err != nil {
					return err
				}
				if err := tx.Put(key, rec); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return written, fmt.Errorf("restore table %q: %w", dump.Spec.Name, err)
		}
		written += len(dump.Records)
	}
	return written, nil
}

// ObjectName returns the object key a snapshot of doc is stored under.
func ObjectName(doc Document) string {
	return fmt.Sprintf("%s/v%d/%s.json.sz", doc.Database, doc.Version, doc.CreatedAt.UTC().Format("20060102T150405Z"))
}
