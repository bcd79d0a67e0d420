package records

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rossigee/recordstore/pkg/types"
)

func toRecord(fields map[string]int) types.Record {
	rec := make(types.Record, len(fields))
	for k, v := range fields {
		rec[k] = v
	}
	return rec
}

func TestProperty_QueryFilter(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("a record matches every subset of its own fields", prop.ForAll(
		func(fields map[string]int, mask uint64) bool {
			rec := toRecord(fields)
			partial := types.Record{}
			i := 0
			for k, v := range rec {
				if mask&(1<<(i%64)) != 0 {
					partial[k] = v
				}
				i++
			}
			return Matches(rec, partial)
		},
		gen.MapOf(gen.Identifier(), gen.Int()),
		gen.UInt64(),
	))

	properties.Property("a differing value never matches", prop.ForAll(
		func(fields map[string]int, key string, value int) bool {
			rec := toRecord(fields)
			rec[key] = value
			return !Matches(rec, types.Record{key: int64(value) + 1})
		},
		gen.MapOf(gen.Identifier(), gen.Int()),
		gen.Identifier(),
		gen.IntRange(-1000000, 1000000),
	))

	properties.Property("integral floats match integers", prop.ForAll(
		func(key string, value int) bool {
			rec := types.Record{key: int64(value)}
			return Matches(rec, types.Record{key: float64(value)})
		},
		gen.Identifier(),
		gen.IntRange(-1000000, 1000000),
	))

	properties.Property("filter keeps exactly the matching records in order", prop.ForAll(
		func(values []int, want int) bool {
			all := make([]types.Record, len(values))
			expected := 0
			for i, v := range values {
				all[i] = types.Record{"id": int64(i), "v": int64(v)}
				if v == want {
					expected++
				}
			}
			got := Filter(all, types.Record{"v": want})
			if len(got) != expected {
				return false
			}
			for i := 1; i < len(got); i++ {
				if got[i-1]["id"].(int64) >= got[i]["id"].(int64) {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 5)),
		gen.IntRange(0, 5),
	))

	properties.TestingRun(t)
}
