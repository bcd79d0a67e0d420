package storage

import (
	"bytes"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/rossigee/recordstore/pkg/types"
)

// encodeRecord serialises a record into the value column.
func encodeRecord(rec types.Record) (string, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	return string(data), nil
}

// decodeRecord parses the value column. Integral numbers come back as int64.
func decodeRecord(data string) (types.Record, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(data)))
	dec.UseNumber()

	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("decode record: %w", err)
	}
	return types.Record(normalizeMap(raw)), nil
}
