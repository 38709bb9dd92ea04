package main

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/snapflowio/mssql-replicator/logger"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "mssql-replicator",
	Short: "Row-level replication between SQL Server databases via native change tracking.",
	Long: `mssql-replicator reads change-tracking-enabled tables on a source
SQL Server database and replicates row-level changes to one or more
destinations, tracking per-destination progress in a SyncInfo table.`,
}

// Execute parses flags and runs the root command, exiting with status 1
// if it returns an error. Called once by main.main.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringP("log-level", "l", "info", "Log level (debug, info, warn, error)")

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		levelStr, _ := cmd.Flags().GetString("log-level")
		level, err := logrus.ParseLevel(levelStr)
		if err != nil {
			level = logrus.InfoLevel
		}
		logger.SetLevel(level)
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
