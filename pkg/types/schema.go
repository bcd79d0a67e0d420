package types

import (
	"errors"
	"fmt"
	"strings"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// DefaultRecordKeyField is the key field used when a table does not name one.
const DefaultRecordKeyField = "id"

// ErrInvalidSchema reports a schema that violates its structural invariants.
var ErrInvalidSchema = errors.New("invalid schema")

// Descriptor is the schema descriptor consumed at startup.
type Descriptor struct {
	DatabaseName string      `json:"database_name" yaml:"database_name"`
	Version      int         `json:"version" yaml:"version"`
	Tables       []TableSpec `json:"tables" yaml:"tables"`
}

// Schema returns the table list of the descriptor.
func (d Descriptor) Schema() Schema {
	return Schema{Tables: d.Tables}
}

// Validate checks the database name, version and schema.
func (d Descriptor) Validate() error {
	if d.DatabaseName == "" {
		return fmt.Errorf("%w: database_name is required", ErrInvalidSchema)
	}
	if strings.ContainsAny(d.DatabaseName, "/\\") || d.DatabaseName == "." || d.DatabaseName == ".." {
		return fmt.Errorf("%w: database_name %q must not contain path separators", ErrInvalidSchema, d.DatabaseName)
	}
	if d.Version < 1 {
		return fmt.Errorf("%w: version must be >= 1, got %d", ErrInvalidSchema, d.Version)
	}
	return d.Schema().Validate()
}

// Schema is an ordered set of uniquely named tables.
type Schema struct {
	Tables []TableSpec `json:"tables" yaml:"tables"`
}

// Table returns the spec for name.
func (s Schema) Table(name string) (TableSpec, bool) {
	for _, t := range s.Tables {
		if t.Name == name {
			return t, true
		}
	}
	return TableSpec{}, false
}

// Validate enforces unique table names. Table and index definitions are
// checked one by one during reconciliation, so a bad one is skipped alone.
func (s Schema) Validate() error {
	seen := make(map[string]bool, len(s.Tables))
	for _, t := range s.Tables {
		if seen[t.Name] {
			return fmt.Errorf("%w: duplicate table %q", ErrInvalidSchema, t.Name)
		}
		seen[t.Name] = true
	}
	return nil
}

// TableSpec declares one table, its record key policy and its indexes.
type TableSpec struct {
	Name            string      `json:"name" yaml:"name"`
	RecordKeyField  string      `json:"record_key_field,omitempty" yaml:"record_key_field,omitempty"`
	AutoGenerateKey bool        `json:"auto_generate_key,omitempty" yaml:"auto_generate_key,omitempty"`
	Indexes         []IndexSpec `json:"indexes,omitempty" yaml:"indexes,omitempty"`
}

// KeyField returns the record key field, applying the default.
func (t TableSpec) KeyField() string {
	if t.RecordKeyField == "" {
		return DefaultRecordKeyField
	}
	return t.RecordKeyField
}

// Index returns the index spec for name.
func (t TableSpec) Index(name string) (IndexSpec, bool) {
	for _, idx := range t.Indexes {
		if idx.IndexName == name {
			return idx, true
		}
	}
	return IndexSpec{}, false
}

// Validate checks the table name and record key field. Indexes are checked
// by IndexSpec.Validate.
func (t TableSpec) Validate() error {
	if err := validateName("table", t.Name); err != nil {
		return err
	}
	if strings.HasPrefix(t.Name, "sqlite_") {
		return fmt.Errorf("%w: table name %q is reserved", ErrInvalidSchema, t.Name)
	}
	if err := validatePath(t.KeyField()); err != nil {
		return fmt.Errorf("table %q: %w", t.Name, err)
	}
	return nil
}

// IndexSpec declares a secondary index scoped to one table.
type IndexSpec struct {
	IndexName string    `json:"index_name" yaml:"index_name"`
	FieldPath FieldPath `json:"field_path" yaml:"field_path"`
	Unique    bool      `json:"unique,omitempty" yaml:"unique,omitempty"`
}

// Validate checks the index name and every field path.
func (i IndexSpec) Validate() error {
	if err := validateName("index", i.IndexName); err != nil {
		return err
	}
	if len(i.FieldPath) == 0 {
		return fmt.Errorf("%w: index %q has no field path", ErrInvalidSchema, i.IndexName)
	}
	for _, p := range i.FieldPath {
		if err := validatePath(p); err != nil {
			return fmt.Errorf("index %q: %w", i.IndexName, err)
		}
	}
	return nil
}

// FieldPath is a single field (one element) or a composite of several fields.
// Each element is a dotted path into the record, e.g. "address.city".
type FieldPath []string

// Composite reports whether the path spans more than one field.
func (p FieldPath) Composite() bool {
	return len(p) > 1
}

// String renders the path the way it is written in descriptors.
func (p FieldPath) String() string {
	if len(p) == 1 {
		return p[0]
	}
	return "[" + strings.Join(p, ", ") + "]"
}

// UnmarshalJSON accepts either a string or a list of strings.
func (p *FieldPath) UnmarshalJSON(data []byte) error {
	var single string
	if err := json.Unmarshal(data, &single); err == nil {
		*p = FieldPath{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("field_path must be a string or a list of strings: %w", err)
	}
	*p = many
	return nil
}

// MarshalJSON writes single paths as a plain string.
func (p FieldPath) MarshalJSON() ([]byte, error) {
	if len(p) == 1 {
		return json.Marshal(p[0])
	}
	return json.Marshal([]string(p))
}

// UnmarshalYAML accepts either a scalar or a sequence.
func (p *FieldPath) UnmarshalYAML(node *yaml.Node) error {
	switch node.Kind {
	case yaml.ScalarNode:
		*p = FieldPath{node.Value}
		return nil
	case yaml.SequenceNode:
		var many []string
		if err := node.Decode(&many); err != nil {
			return err
		}
		*p = many
		return nil
	default:
		return fmt.Errorf("field_path must be a string or a list of strings (line %d)", node.Line)
	}
}

// SplitPath splits a dotted field path into its segments.
func SplitPath(path string) []string {
	return strings.Split(path, ".")
}

func validateName(kind, name string) error {
	if name == "" {
		return fmt.Errorf("%w: %s name is required", ErrInvalidSchema, kind)
	}
	if strings.ContainsAny(name, "\"'`\x00") || strings.Contains(name, "__") {
		return fmt.Errorf("%w: %s name %q contains reserved characters", ErrInvalidSchema, kind, name)
	}
	return nil
}

func validatePath(path string) error {
	if path == "" {
		return fmt.Errorf("%w: empty field path", ErrInvalidSchema)
	}
	if strings.ContainsAny(path, "\"'$\x00") {
		return fmt.Errorf("%w: field path %q contains reserved characters", ErrInvalidSchema, path)
	}
	for _, seg := range SplitPath(path) {
		if seg == "" {
			return fmt.Errorf("%w: field path %q has an empty segment", ErrInvalidSchema, path)
		}
	}
	return nil
}
