package migrator

import (
	"context"
	"fmt"

	"github.com/rossigee/recordstore/internal/storage"
	"github.com/rossigee/recordstore/pkg/types"
	"github.com/sirupsen/logrus"
)

// Skip is a table or index change that failed during an upgrade and was
// rolled back on its own.
type Skip struct {
	Table string
	Index string
	Err   error
}

func (s Skip) String() string {
	if s.Index == "" {
		return fmt.Sprintf("table %s: %v", s.Table, s.Err)
	}
	return fmt.Sprintf("index %s.%s: %v", s.Table, s.Index, s.Err)
}

// UpgradeReport describes what the most recent upgrade phase changed.
type UpgradeReport struct {
	Database       string
	OldVersion     int
	NewVersion     int
	Dropped        []string
	Created        []string
	Reused         []string
	IndexesCreated []string
	Skipped        []Skip
}

// reconcile drops tables missing from schema, then creates missing tables and
// indexes. Existing tables and indexes are never altered. Each change runs
// in its own savepoint so a failure skips only that change.
func reconcile(ctx context.Context, vc *storage.VersionChange, schema types.Schema, report *UpgradeReport, log *logrus.Entry) error {
	existing, err := vc.TableNames(ctx)
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(existing))
	for _, name := range existing {
		present[name] = true
	}

	for _, name := range existing {
		if _, keep := schema.Table(name); keep {
			continue
		}
		scoped, err := vc.Savepoint(ctx, func() error {
			return vc.DropTable(ctx, name)
		})
		if err != nil {
			return err
		}
		if scoped != nil {
			report.skip(log, Skip{Table: name, Err: scoped})
			continue
		}
		log.WithField("table", name).Info("Dropped table not in schema")
		report.Dropped = append(report.Dropped, name)
	}

	for _, spec := range schema.Tables {
		if err := reconcileTable(ctx, vc, spec, present[spec.Name], report, log); err != nil {
			return err
		}
	}
	return nil
}

func reconcileTable(ctx context.Context, vc *storage.VersionChange, spec types.TableSpec, exists bool, report *UpgradeReport, log *logrus.Entry) error {
	tlog := log.WithField("table", spec.Name)

	var have map[string]bool
	scoped, err := vc.Savepoint(ctx, func() error {
		if err := spec.Validate(); err != nil {
			return err
		}
		if !exists {
			return vc.CreateTable(ctx, spec)
		}
		current, err := vc.Table(ctx, spec.Name)
		if err != nil {
			return err
		}
		if current.KeyField() != spec.KeyField() || current.AutoGenerateKey != spec.AutoGenerateKey {
			tlog.WithFields(logrus.Fields{
				"key_field":          current.KeyField(),
				"auto_generate_key":  current.AutoGenerateKey,
				"declared_key_field": spec.KeyField(),
				"declared_auto_key":  spec.AutoGenerateKey,
			}).Warn("Existing table key policy differs from schema, keeping existing")
		}
		names, err := vc.IndexNames(ctx, spec.Name)
		if err != nil {
			return err
		}
		have = make(map[string]bool, len(names))
		for _, n := range names {
			have[n] = true
		}
		return nil
	})
	if err != nil {
		return err
	}
	if scoped != nil {
		report.skip(log, Skip{Table: spec.Name, Err: scoped})
		return nil
	}
	if exists {
		report.Reused = append(report.Reused, spec.Name)
	} else {
		tlog.Info("Created table")
		report.Created = append(report.Created, spec.Name)
	}

	declared := make(map[string]bool, len(spec.Indexes))
	for _, idx := range spec.Indexes {
		if declared[idx.IndexName] {
			report.skip(log, Skip{
				Table: spec.Name,
				Index: idx.IndexName,
				Err:   fmt.Errorf("%w: duplicate index %q", types.ErrInvalidSchema, idx.IndexName),
			})
			continue
		}
		declared[idx.IndexName] = true
		if have[idx.IndexName] {
			continue
		}
		scoped, err := vc.Savepoint(ctx, func() error {
			return vc.CreateIndex(ctx, spec.Name, idx)
		})
		if err != nil {
			return err
		}
		if scoped != nil {
			report.skip(log, Skip{Table: spec.Name, Index: idx.IndexName, Err: scoped})
			continue
		}
		tlog.WithField("index", idx.IndexName).Info("Created index")
		report.IndexesCreated = append(report.IndexesCreated, spec.Name+"."+idx.IndexName)
	}
	return nil
}

func (r *UpgradeReport) skip(log *logrus.Entry, s Skip) {
	log.WithError(s.Err).WithFields(logrus.Fields{
		"table": s.Table,
		"index": s.Index,
	}).Error("Schema change failed, skipping")
	r.Skipped = append(r.Skipped, s)
}
