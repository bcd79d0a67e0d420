package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rossigee/recordstore/internal/api"
	"github.com/rossigee/recordstore/internal/auth"
	"github.com/rossigee/recordstore/internal/jobs"
	"github.com/rossigee/recordstore/internal/snapshot"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	var shutdownTimeout time.Duration

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Initialize the database and serve the HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), shutdownTimeout)
		},
	}
	cmd.Flags().DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "graceful shutdown timeout")
	return cmd
}

func runServe(ctx context.Context, shutdownTimeout time.Duration) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := newApp(autoRetry)
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

	var jobManager api.JobManager
	if a.cfg.Snapshot.Enabled() {
		client, err := snapshot.NewClient(a.cfg.Snapshot)
		if err != nil {
			return err
		}
		if err := client.EnsureBucket(ctx); err != nil {
			return err
		}
		manager := jobs.NewManager(a.records, client, a.cfg.Snapshot.MaxConcurrent, a.metrics)
		jobManager = manager
		go cleanupJobs(ctx, manager)
	}

	if logrus.IsLevelEnabled(logrus.DebugLevel) {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.New()
	router.Use(gin.Logger())
	router.Use(gin.Recovery())

	srv := &http.Server{
		Addr:              a.cfg.Listen,
		Handler:           router,
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	if a.cfg.Auth.Enabled {
		validator, err := auth.NewValidator(a.cfg.Auth)
		if err != nil {
			return err
		}
		router.Use(validator.Middleware())

		if a.cfg.Auth.TLSCert != "" {
			srv.TLSConfig, err = validator.TLSConfig(a.cfg.Auth.TLSCert, a.cfg.Auth.TLSKey)
			if err != nil {
				return err
			}
		}
	}

	api.SetupRoutes(router, api.NewHandler(a.records, a.migrator, jobManager), a.metrics)

	errCh := make(chan error, 1)
	go func() {
		logrus.WithFields(logrus.Fields{
			"listen": a.cfg.Listen,
			"tls":    srv.TLSConfig != nil,
		}).Info("Starting recordstore server")

		var err error
		if srv.TLSConfig != nil {
			err = srv.ListenAndServeTLS("", "")
		} else {
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case <-quit:
	case err, ok := <-errCh:
		if ok {
			return err
		}
	}
	logrus.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}

	logrus.Info("Server exited")
	return nil
}

// cleanupJobs trims finished snapshot jobs every few minutes.
func cleanupJobs(ctx context.Context, manager *jobs.Manager) {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			manager.CleanupCompletedJobs()
		}
	}
}
