package commands

import (
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/stillframe/shoebox/internal/app"
	"github.com/stillframe/shoebox/pkg/observability"
)

// NewServeCommand creates the gallery server command.
func NewServeCommand(globals *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the gallery server",
		Long: `Start the shoebox server: open the catalog, launch the indexer,
thumbnail, and video workers, and serve the HTTP API until interrupted.

SIGINT or SIGTERM begins a graceful shutdown that drains in-flight work.`,
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			cfg, warnings, err := loadConfig(globals)
			if err != nil {
				return err
			}

			providers, err := initObservability(cfg, observability.ModeServe)
			if err != nil {
				return err
			}

			defer closeProviders(providers)

			logWarnings(providers.Logger, warnings)

			application, err := app.New(app.Options{Config: cfg, Providers: providers})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cobraCmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			return application.Run(ctx)
		},
	}
}
