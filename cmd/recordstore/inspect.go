package main

import (
	"context"
	"fmt"
	"io"

	"github.com/goccy/go-json"
	"github.com/rossigee/recordstore/internal/storage"
	"github.com/rossigee/recordstore/pkg/types"
	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "inspect [database]",
		Short: "Show the stored version and structure of databases",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd.Context(), cmd.OutOrStdout(), args, asJSON)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func runInspect(ctx context.Context, out io.Writer, args []string, asJSON bool) error {
	a, err := newApp(autoRetry)
	if err != nil {
		return err
	}
	defer a.close()

	names := args
	if len(names) == 0 {
		names, err = a.store.Databases()
		if err != nil {
			return err
		}
	}

	schemas := make([]types.SchemaResponse, 0, len(names))
	for _, name := range names {
		s, err := inspectDatabase(ctx, a.store, name)
		if err != nil {
			return err
		}
		schemas = append(schemas, s)
	}

	if asJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(schemas)
	}
	for _, s := range schemas {
		writeSchema(out, s)
	}
	return nil
}

// inspectDatabase opens name at its stored version, so no upgrade runs.
func inspectDatabase(ctx context.Context, store *storage.Store, name string) (types.SchemaResponse, error) {
	version, err := store.StoredVersion(ctx, name)
	if err != nil {
		return types.SchemaResponse{}, err
	}
	if version == 0 {
		return types.SchemaResponse{}, fmt.Errorf("database %q does not exist in %s", name, store.Dir())
	}

	conn, err := store.Open(ctx, storage.OpenRequest{Name: name, Version: version})
	if err != nil {
		return types.SchemaResponse{}, err
	}
	defer func() {
		_ = conn.Close() // Read-only use
	}()

	return types.SchemaResponse{
		DatabaseName: conn.Name(),
		Version:      conn.Version(),
		Tables:       conn.Tables(),
	}, nil
}

func writeSchema(out io.Writer, s types.SchemaResponse) {
	_, _ = fmt.Fprintf(out, "%s (version %d)\n", s.DatabaseName, s.Version)
	for _, t := range s.Tables {
		key := t.KeyField()
		if t.AutoGenerateKey {
			key += ", generated"
		}
		_, _ = fmt.Fprintf(out, "  %s [key: %s]\n", t.Name, key)
		for _, idx := range t.Indexes {
			suffix := ""
			if idx.Unique {
				suffix = " (unique)"
			}
			_, _ = fmt.Fprintf(out, "    %s on %s%s\n", idx.IndexName, idx.FieldPath, suffix)
		}
	}
}
