package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/snapflowio/mssql-replicator/config"
	"github.com/snapflowio/mssql-replicator/logger"
	"github.com/snapflowio/mssql-replicator/replicator"
	"github.com/spf13/cobra"
)

var log = logger.Named("cmd")

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every configured replication set once and exit.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, syscall.SIGINT)
		defer cancel()

		configPath, _ := cmd.Flags().GetString("config")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		file, err := config.Load(configPath)
		if err != nil {
			logger.Fatal("failed to load config", "error", err)
		}

		conn := replicator.NewMulti(file.Sets, replicator.WithDryRun(dryRun))

		result := conn.Run(ctx)

		for _, set := range result.SetResults {
			if set.Err != nil {
				log.Error("set failed", "set", set.Set, "error", set.Err)
				continue
			}
			for _, dest := range set.Destinations {
				if dest.Err != nil {
					log.Error("destination failed", "set", set.Set, "destination", dest.Destination, "error", dest.Err)
				} else {
					log.Info("destination applied", "set", set.Set, "destination", dest.Destination, "records", dest.Applied)
				}
			}
		}

		if result.Errored {
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("config", "c", "", "Path to the replication config YAML file")
	runCmd.MarkFlagRequired("config")
	runCmd.Flags().Bool("dry-run", false, "Log generated statements instead of executing them")
}
