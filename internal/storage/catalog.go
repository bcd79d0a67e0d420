package storage

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/rossigee/recordstore/pkg/types"
)

// valueColumn holds the JSON encoded record. The '$' keeps it clear of any
// valid record key field.
const valueColumn = "$value"

// indexSeparator joins table and index names into the physical index name.
const indexSeparator = "__"

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// tableMeta is the structure of one table as found on disk.
type tableMeta struct {
	spec    types.TableSpec
	indexes map[string]types.IndexSpec
}

// catalog is the structure of the whole database as found on disk.
type catalog map[string]*tableMeta

func (c catalog) table(name string) (*tableMeta, error) {
	t, ok := c[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchTable, name)
	}
	return t, nil
}

// specs returns the catalog as table specs ordered by name.
func (c catalog) specs() []types.TableSpec {
	out := make([]types.TableSpec, 0, len(c))
	for _, t := range c {
		spec := t.spec
		spec.Indexes = make([]types.IndexSpec, 0, len(t.indexes))
		for _, idx := range t.indexes {
			spec.Indexes = append(spec.Indexes, idx)
		}
		sort.Slice(spec.Indexes, func(i, j int) bool { return spec.Indexes[i].IndexName < spec.Indexes[j].IndexName })
		out = append(out, spec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func quoteLiteral(s string) string {
	return `'` + strings.ReplaceAll(s, `'`, `''`) + `'`
}

// jsonPath renders a dotted field path as a SQLite JSON path with every
// segment quoted, e.g. address.city -> $."address"."city".
func jsonPath(path string) string {
	var b strings.Builder
	b.WriteString("$")
	for _, seg := range types.SplitPath(path) {
		b.WriteString(`."`)
		b.WriteString(seg)
		b.WriteString(`"`)
	}
	return b.String()
}

func extractExpr(path string) string {
	return fmt.Sprintf("json_extract(%s, %s)", quoteIdent(valueColumn), quoteLiteral(jsonPath(path)))
}

func physicalIndexName(table, index string) string {
	return table + indexSeparator + index
}

func createTableSQL(spec types.TableSpec) string {
	key := quoteIdent(spec.KeyField())
	if spec.AutoGenerateKey {
		return fmt.Sprintf("CREATE TABLE %s (%s INTEGER PRIMARY KEY AUTOINCREMENT, %s TEXT NOT NULL)",
			quoteIdent(spec.Name), key, quoteIdent(valueColumn))
	}
	return fmt.Sprintf("CREATE TABLE %s (%s NOT NULL PRIMARY KEY, %s TEXT NOT NULL)",
		quoteIdent(spec.Name), key, quoteIdent(valueColumn))
}

func createIndexSQL(table string, idx types.IndexSpec) string {
	exprs := make([]string, len(idx.FieldPath))
	for i, p := range idx.FieldPath {
		exprs[i] = extractExpr(p)
	}
	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	return fmt.Sprintf("CREATE %sINDEX %s ON %s (%s)",
		unique, quoteIdent(physicalIndexName(table, idx.IndexName)), quoteIdent(table), strings.Join(exprs, ", "))
}

var (
	extractPattern = regexp.MustCompile(`json_extract\("\$value", '((?:[^']|'')*)'\)`)
	segmentPattern = regexp.MustCompile(`\."([^"]*)"`)
)

// parseIndexSQL recovers an index definition from the DDL stored in
// sqlite_master. Only DDL produced by createIndexSQL is understood.
func parseIndexSQL(name, ddl string) (types.IndexSpec, error) {
	matches := extractPattern.FindAllStringSubmatch(ddl, -1)
	if len(matches) == 0 {
		return types.IndexSpec{}, fmt.Errorf("index %q: unrecognised definition", name)
	}

	idx := types.IndexSpec{
		IndexName: name,
		Unique:    strings.HasPrefix(strings.ToUpper(ddl), "CREATE UNIQUE INDEX"),
	}
	for _, m := range matches {
		path := strings.ReplaceAll(m[1], "''", "'")
		segs := segmentPattern.FindAllStringSubmatch(path, -1)
		if len(segs) == 0 {
			return types.IndexSpec{}, fmt.Errorf("index %q: unrecognised path %q", name, path)
		}
		parts := make([]string, len(segs))
		for i, s := range segs {
			parts[i] = s[1]
		}
		idx.FieldPath = append(idx.FieldPath, strings.Join(parts, "."))
	}
	return idx, nil
}

// tableNames lists the record tables, skipping SQLite's own.
func tableNames(ctx context.Context, q querier) ([]string, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite\\_%' ESCAPE '\\' ORDER BY name")
	if err != nil {
		return nil, transport("list tables", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	var names []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, transport("scan table name", err)
		}
		names = append(names, name)
	}
	if err := rows.Err(); err != nil {
		return nil, transport("list tables", err)
	}
	return names, nil
}

// readTableSpec reconstructs the key policy of an existing table from its
// primary key column.
func readTableSpec(ctx context.Context, q querier, table string) (types.TableSpec, error) {
	var name, colType string
	err := q.QueryRowContext(ctx,
		"SELECT name, type FROM pragma_table_info(?) WHERE pk = 1", table).Scan(&name, &colType)
	if err != nil {
		if err == sql.ErrNoRows {
			return types.TableSpec{}, fmt.Errorf("%w: %q", ErrNoSuchTable, table)
		}
		return types.TableSpec{}, transport("read table info", err)
	}
	return types.TableSpec{
		Name:            table,
		RecordKeyField:  name,
		AutoGenerateKey: strings.EqualFold(colType, "INTEGER"),
	}, nil
}

// readIndexes returns the indexes of table keyed by their logical name.
func readIndexes(ctx context.Context, q querier, table string) (map[string]types.IndexSpec, error) {
	rows, err := q.QueryContext(ctx,
		"SELECT name, sql FROM sqlite_master WHERE type = 'index' AND tbl_name = ? AND sql IS NOT NULL", table)
	if err != nil {
		return nil, transport("list indexes", err)
	}
	defer func() {
		_ = rows.Close()
	}()

	out := make(map[string]types.IndexSpec)
	prefix := table + indexSeparator
	for rows.Next() {
		var name, ddl string
		if err := rows.Scan(&name, &ddl); err != nil {
			return nil, transport("scan index", err)
		}
		logical, ok := strings.CutPrefix(name, prefix)
		if !ok {
			continue
		}
		idx, err := parseIndexSQL(logical, ddl)
		if err != nil {
			return nil, err
		}
		out[logical] = idx
	}
	if err := rows.Err(); err != nil {
		return nil, transport("list indexes", err)
	}
	return out, nil
}

// loadCatalog reads the structure of every record table.
func loadCatalog(ctx context.Context, q querier) (catalog, error) {
	names, err := tableNames(ctx, q)
	if err != nil {
		return nil, err
	}

	cat := make(catalog, len(names))
	for _, name := range names {
		spec, err := readTableSpec(ctx, q, name)
		if err != nil {
			return nil, err
		}
		indexes, err := readIndexes(ctx, q, name)
		if err != nil {
			return nil, err
		}
		cat[name] = &tableMeta{spec: spec, indexes: indexes}
	}
	return cat, nil
}
