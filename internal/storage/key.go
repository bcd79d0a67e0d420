package storage

import (
	"fmt"
	"math"
	"strconv"

	"github.com/rossigee/recordstore/pkg/types"
)

// numberLike matches json.Number from either JSON package.
type numberLike interface {
	Int64() (int64, error)
	Float64() (float64, error)
	String() string
}

// NormalizeKey converts a caller supplied key into the form it is stored
// in: integral numbers become int64, other numbers float64, strings stay.
func NormalizeKey(key types.Key) (types.Key, error) {
	if key == nil {
		return nil, ErrMissingKey
	}
	v, ok := normalizeNumber(key)
	if ok {
		if f, isFloat := v.(float64); isFloat && (math.IsNaN(f) || math.IsInf(f, 0)) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidKey, f)
		}
		return v, nil
	}
	if s, isString := key.(string); isString {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrInvalidKey, key)
}

// NormalizeValue applies number normalisation recursively so that values
// decoded from JSON compare equal to Go literals.
func NormalizeValue(v any) any {
	if n, ok := normalizeNumber(v); ok {
		return n
	}
	switch t := v.(type) {
	case types.Record:
		return normalizeMap(t)
	case map[string]any:
		return normalizeMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = NormalizeValue(e)
		}
		return out
	default:
		return v
	}
}

func normalizeMap(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, e := range m {
		out[k] = NormalizeValue(e)
	}
	return out
}

func normalizeNumber(v any) (any, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint:
		return integralOrFloat(float64(n), uint64(n) <= math.MaxInt64, int64(n)), true //nolint:gosec // guarded
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	case uint64:
		return integralOrFloat(float64(n), n <= math.MaxInt64, int64(n)), true //nolint:gosec // guarded
	case float32:
		return floatKey(float64(n)), true
	case float64:
		return floatKey(n), true
	case numberLike:
		if i, err := n.Int64(); err == nil {
			return i, true
		}
		if f, err := n.Float64(); err == nil {
			return floatKey(f), true
		}
		return n.String(), true
	default:
		return nil, false
	}
}

func integralOrFloat(f float64, fits bool, i int64) any {
	if fits {
		return i
	}
	return f
}

func floatKey(f float64) any {
	if f == math.Trunc(f) && f >= math.MinInt64 && f < math.MaxInt64 && !math.IsInf(f, 0) {
		return int64(f)
	}
	return f
}

// ParseKey interprets a textual key (e.g. from a URL): numbers become
// numeric keys, anything else is a string key.
func ParseKey(s string) types.Key {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && !math.IsNaN(f) && !math.IsInf(f, 0) {
		return floatKey(f)
	}
	return s
}

// KeyOf returns the normalised key held in rec at the table's key field.
func KeyOf(spec types.TableSpec, rec types.Record) (types.Key, error) {
	raw, ok := lookup(rec, spec.KeyField())
	if !ok || raw == nil {
		return nil, fmt.Errorf("%w: table %q expects a value at %q", ErrMissingKey, spec.Name, spec.KeyField())
	}
	return NormalizeKey(raw)
}

// lookup returns the value at a dotted path.
func lookup(rec types.Record, path string) (any, bool) {
	var cur any = map[string]any(rec)
	for _, seg := range types.SplitPath(path) {
		m, ok := asMap(cur)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// assign sets the value at a dotted path, creating intermediate objects.
// Intermediate maps are copied so the caller's record is never mutated.
func assign(rec types.Record, path string, value any) types.Record {
	segs := types.SplitPath(path)
	out := rec.Clone()
	cur := map[string]any(out)
	for _, seg := range segs[:len(segs)-1] {
		next, ok := asMap(cur[seg])
		if ok {
			next = types.Record(next).Clone()
		} else {
			next = map[string]any{}
		}
		cur[seg] = next
		cur = next
	}
	cur[segs[len(segs)-1]] = value
	return out
}

func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case types.Record:
		return m, true
	default:
		return nil, false
	}
}
