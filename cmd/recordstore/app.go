package main

import (
	"context"
	"fmt"

	"github.com/rossigee/recordstore/internal/config"
	"github.com/rossigee/recordstore/internal/metrics"
	"github.com/rossigee/recordstore/internal/migrator"
	"github.com/rossigee/recordstore/internal/records"
	"github.com/rossigee/recordstore/internal/storage"
	"github.com/rossigee/recordstore/pkg/types"
	"github.com/sirupsen/logrus"
)

// app holds the components every command shares.
type app struct {
	cfg      config.Config
	store    *storage.Store
	metrics  *metrics.Metrics
	migrator *migrator.Migrator
	records  *records.Client
}

// loadConfig reads the config file and environment, then applies flags.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, err
	}
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if schemaPath != "" {
		cfg.SchemaPath = schemaPath
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	if err := config.ConfigureLogging(cfg.Log); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

// newApp wires the store, migrator and record client. prompt decides
// blocked-upgrade retries.
func newApp(prompt func(context.Context, migrator.BlockedEvent) bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}

	store, err := storage.NewStore(cfg.DataDir, cfg.StorageOptions())
	if err != nil {
		return nil, err
	}

	a := &app{cfg: cfg, store: store, metrics: metrics.New()}

	opts := cfg.MigratorOptions()
	opts.Prompt = func(ctx context.Context, ev migrator.BlockedEvent) bool {
		a.metrics.UpgradeBlocked()
		return prompt(ctx, ev)
	}
	opts.OnStale = func(ev migrator.StaleEvent) {
		a.metrics.ConnectionStale()
		logrus.WithFields(logrus.Fields{
			"database":    ev.Database,
			"version":     ev.Version,
			"new_version": ev.NewVersion,
		}).Warn("Database upgraded elsewhere, restart with the newer schema to reconnect")
	}
	a.migrator = migrator.New(store, opts)
	a.records = records.New(a.migrator, records.WithMetrics(a.metrics))
	return a, nil
}

// descriptor loads the configured schema descriptor.
func (a *app) descriptor() (types.Descriptor, error) {
	d, err := config.LoadDescriptor(a.cfg.SchemaPath)
	if err != nil {
		return types.Descriptor{}, fmt.Errorf("failed to load schema: %w", err)
	}
	return d, nil
}

func (a *app) close() {
	if err := a.migrator.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close database")
	}
}

// autoRetry accepts every blocked-upgrade retry. Used where no terminal is
// available.
func autoRetry(_ context.Context, ev migrator.BlockedEvent) bool {
	logrus.WithFields(logrus.Fields{
		"database": ev.Database,
		"version":  ev.Version,
		"attempt":  ev.Attempt,
		"max":      ev.MaxAttempts,
	}).Warn("Upgrade blocked by another connection, retrying")
	return true
}
