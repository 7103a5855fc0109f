package cmd

import (
	"fmt"
	"log"
	"log/slog"
	"os"

	"github.com/pl-upward/greg-bot/gregbot"
	"github.com/spf13/cobra"
)

var systemPrompt string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write the default guild config and prepare guild config storage",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		written, err := gregbot.WriteDefaultGuildConfig(cfg.DefaultGuildConfig, systemPrompt)
		if err != nil {
			log.Fatalf("Error writing default guild config: %v", err)
		}
		if written {
			fmt.Fprintf(out, "Wrote default guild config to %s\n", cfg.DefaultGuildConfig)
		} else {
			fmt.Fprintf(out, "Default guild config %s already exists, leaving it alone.\n", cfg.DefaultGuildConfig)
		}

		switch cfg.Storage {
		case gregbot.StorageDatabase:
			if cfg.DatabaseType == "" {
				log.Fatal("Environment variable GREG_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
			}
			if cfg.Database == "" {
				log.Fatal(
					"Environment variable GREG_DATABASE not set (must be a valid " +
						"database connection string or sqlite file path)",
				)
			}
			db, err := gregbot.CreateDB(
				ctx,
				cfg.DatabaseType,
				cfg.Database,
				slog.Default().Handler(),
				cfg.DatabaseSlowThreshold,
			)
			if err != nil {
				log.Fatalf("Error creating database: %v", err)
			}
			if sqlDB, err := db.DB(); err == nil {
				_ = sqlDB.Close()
			}
			fmt.Fprintln(out, "Database is ready.")
		default:
			if err := os.MkdirAll(cfg.ConfigDir, 0o755); err != nil {
				log.Fatalf("Error creating config directory: %v", err)
			}
			fmt.Fprintf(out, "Guild configs will be stored in %s\n", cfg.ConfigDir)
		}

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

//nolint:gochecknoinits
func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(
		&systemPrompt,
		"system-prompt",
		"",
		"System prompt to put in a newly written default guild config",
	)
}
