package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/natefinch/atomic"
	"github.com/rossigee/recordstore/internal/snapshot"
	"github.com/spf13/cobra"
)

func newSnapshotCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Export and restore database snapshots",
	}

	var output string
	createCmd := &cobra.Command{
		Use:   "create",
		Short: "Export the database to a file or the snapshot bucket",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSnapshotCreate(cmd.Context(), cmd.OutOrStdout(), output)
		},
	}
	createCmd.Flags().StringVarP(&output, "output", "o", "", "write to this file instead of the bucket")

	var input string
	restoreCmd := &cobra.Command{
		Use:   "restore [object]",
		Short: "Restore records from a file or a bucket object",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			object := ""
			if len(args) == 1 {
				object = args[0]
			}
			if (object == "") == (input == "") {
				return errors.New("give either an object name or --input")
			}
			return runSnapshotRestore(cmd.Context(), cmd.OutOrStdout(), object, input)
		},
	}
	restoreCmd.Flags().StringVarP(&input, "input", "i", "", "read from this file instead of the bucket")

	cmd.AddCommand(createCmd, restoreCmd)
	return cmd
}

// openApp initializes the configured database for a snapshot command.
func openApp(ctx context.Context) (*app, error) {
	a, err := newApp(autoRetry)
	if err != nil {
		return nil, err
	}
	desc, err := a.descriptor()
	if err != nil {
		a.close()
		return nil, err
	}
	if err := a.records.Initialize(ctx, desc); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func runSnapshotCreate(ctx context.Context, out io.Writer, output string) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	conn, err := a.records.Conn()
	if err != nil {
		return err
	}
	doc, err := snapshot.Export(ctx, conn)
	if err != nil {
		return err
	}
	data, err := snapshot.Encode(doc)
	if err != nil {
		return err
	}

	dest := output
	if output != "" {
		if err := atomic.WriteFile(output, bytes.NewReader(data)); err != nil {
			return fmt.Errorf("failed to write %s: %w", output, err)
		}
	} else {
		client, err := snapshot.NewClient(a.cfg.Snapshot)
		if err != nil {
			return err
		}
		if err := client.EnsureBucket(ctx); err != nil {
			return err
		}
		dest = snapshot.ObjectName(doc)
		if err := client.Upload(ctx, dest, data); err != nil {
			return err
		}
	}

	_, _ = fmt.Fprintf(out, "exported %d records from %s version %d to %s (%d bytes)\n",
		doc.Records(), doc.Database, doc.Version, dest, len(data))
	return nil
}

func runSnapshotRestore(ctx context.Context, out io.Writer, object, input string) error {
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	var data []byte
	if input != "" {
		data, err = os.ReadFile(input)
	} else {
		var client *snapshot.Client
		client, err = snapshot.NewClient(a.cfg.Snapshot)
		if err == nil {
			data, err = client.Download(ctx, object)
		}
	}
	if err != nil {
		return err
	}

	doc, err := snapshot.Decode(data)
	if err != nil {
		return err
	}
	conn, err := a.records.Conn()
	if err != nil {
		return err
	}
	if doc.Database != conn.Name() {
		return fmt.Errorf("snapshot is of database %q, configured database is %q", doc.Database, conn.Name())
	}

	written, err := snapshot.Restore(ctx, conn, doc)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(out, "restored %d records into %s version %d\n", written, conn.Name(), conn.Version())
	return nil
}
