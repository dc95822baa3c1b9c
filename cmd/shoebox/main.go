// Package main provides the entry point for the shoebox media server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/stillframe/shoebox/cmd/shoebox/commands"
	"github.com/stillframe/shoebox/internal/app"
	"github.com/stillframe/shoebox/pkg/version"
)

func main() {
	version.Resolve()

	globals := &commands.GlobalFlags{}

	rootCmd := &cobra.Command{
		Use:   "shoebox",
		Short: "Shoebox - self-hosted photo and video gallery",
		Long: `Shoebox indexes a photo root into a SQLite catalog and serves
thumbnails and HLS video over HTTP.

Commands:
  serve     Start the gallery server
  index     Run a one-shot full index of the photo root
  migrate   Apply catalog migrations and exit
  stats     Print catalog counts`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&globals.ConfigPath, "config", "", "path to config file")
	rootCmd.PersistentFlags().StringVar(&globals.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&globals.LogJSON, "log-json", false, "JSON log output")

	// Add commands.
	rootCmd.AddCommand(commands.NewServeCommand(globals))
	rootCmd.AddCommand(commands.NewIndexCommand(globals))
	rootCmd.AddCommand(commands.NewMigrateCommand(globals))
	rootCmd.AddCommand(commands.NewStatsCommand(globals))
	rootCmd.AddCommand(versionCmd())

	err := rootCmd.Execute()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(app.ExitCode(err))
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintf(os.Stdout, "shoebox %s (commit: %s, built: %s)\n", version.Version, version.Commit, version.Date)
		},
	}
}
