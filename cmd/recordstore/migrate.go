package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/peterh/liner"
	"github.com/rossigee/recordstore/internal/migrator"
	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	var assumeYes bool

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Bring the database in line with the schema descriptor and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			prompt := confirmRetry
			if assumeYes {
				prompt = autoRetry
			}
			return runMigrate(cmd.Context(), cmd.OutOrStdout(), prompt)
		},
	}
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "retry blocked upgrades without asking")
	return cmd
}

func runMigrate(ctx context.Context, out io.Writer, prompt func(context.Context, migrator.BlockedEvent) bool) error {
	a, err := newApp(prompt)
	if err != nil {
		return err
	}
	defer a.close()

	desc, err := a.descriptor()
	if err != nil {
		return err
	}
	if err := a.records.Initialize(ctx, desc); err != nil {
		return err
	}

	report, upgraded := a.migrator.LastUpgrade()
	if !upgraded {
		_, _ = fmt.Fprintf(out, "%s is already at version %d\n", desc.DatabaseName, desc.Version)
		return nil
	}
	writeReport(out, report)
	return nil
}

func writeReport(out io.Writer, r migrator.UpgradeReport) {
	_, _ = fmt.Fprintf(out, "%s upgraded from version %d to %d\n", r.Database, r.OldVersion, r.NewVersion)
	list := func(label string, items []string) {
		if len(items) > 0 {
			_, _ = fmt.Fprintf(out, "  %-16s %s\n", label+":", strings.Join(items, ", "))
		}
	}
	list("tables created", r.Created)
	list("tables kept", r.Reused)
	list("tables dropped", r.Dropped)
	list("indexes created", r.IndexesCreated)
	for _, s := range r.Skipped {
		_, _ = fmt.Fprintf(out, "  skipped          %s\n", s)
	}
}

// confirmRetry asks on the terminal whether to retry a blocked upgrade.
// Anything but y or yes declines.
func confirmRetry(_ context.Context, ev migrator.BlockedEvent) bool {
	line := liner.NewLiner()
	defer func() {
		_ = line.Close() // Restores the terminal
	}()
	line.SetCtrlCAborts(true)

	_, _ = fmt.Fprintf(os.Stderr,
		"Upgrade of %s to version %d is blocked: another process still has an older version open.\n"+
			"Close it, then retry (attempt %d of %d).\n",
		ev.Database, ev.Version, ev.Attempt, ev.MaxAttempts)

	answer, err := line.Prompt("Retry now? [y/N] ")
	if err != nil {
		if !errors.Is(err, liner.ErrPromptAborted) && !errors.Is(err, io.EOF) {
			_, _ = fmt.Fprintf(os.Stderr, "reading input: %v\n", err)
		}
		return false
	}
	switch strings.ToLower(strings.TrimSpace(answer)) {
	case "y", "yes":
		return true
	default:
		return false
	}
}
