package records

import (
	"reflect"

	"github.com/rossigee/recordstore/internal/storage"
	"github.com/rossigee/recordstore/pkg/types"
)

// Filter returns the records that match partial. It never returns nil.
func Filter(all []types.Record, partial types.Record) []types.Record {
	out := []types.Record{}
	for _, rec := range all {
		if Matches(rec, partial) {
			out = append(out, rec)
		}
	}
	return out
}

// Matches reports whether rec has every top-level field of partial with an
// equal value. Numbers are compared after normalisation, so 5 matches 5.0.
func Matches(rec, partial types.Record) bool {
	for field, want := range partial {
		got, ok := rec[field]
		if !ok {
			return false
		}
		if !reflect.DeepEqual(storage.NormalizeValue(got), storage.NormalizeValue(want)) {
			return false
		}
	}
	return true
}
