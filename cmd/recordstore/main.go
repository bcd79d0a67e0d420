// Command recordstore serves and administers schema-versioned record
// databases.
package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var (
	configPath string
	dataDir    string
	schemaPath string
	logLevel   string
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "recordstore",
		Short:         "Schema-versioned record store server and admin CLI",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", os.Getenv("RECORDSTORE_CONFIG"), "config file (.yaml, .json or .jsonc)")
	rootCmd.PersistentFlags().StringVar(&dataDir, "data-dir", "", "directory holding database files")
	rootCmd.PersistentFlags().StringVar(&schemaPath, "schema", "", "schema descriptor file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")

	rootCmd.AddCommand(newServeCmd(), newMigrateCmd(), newInspectCmd(), newSnapshotCmd())

	if err := rootCmd.Execute(); err != nil {
		logrus.WithError(err).Error("Command failed")
		os.Exit(1)
	}
}
