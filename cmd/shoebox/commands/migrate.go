package commands

import (
	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/stillframe/shoebox/internal/catalog"
	"github.com/stillframe/shoebox/pkg/observability"
)

// NewMigrateCommand creates the migrations command.
func NewMigrateCommand(globals *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply catalog migrations and exit",
		Long: `Open the catalog databases, creating them if missing, and bring
every schema up to the current version.`,
		RunE: func(cobraCmd *cobra.Command, _ []string) error {
			cfg, warnings, err := loadConfig(globals)
			if err != nil {
				return err
			}

			providers, err := initObservability(cfg, observability.ModeCLI)
			if err != nil {
				return err
			}

			defer closeProviders(providers)

			logWarnings(providers.Logger, warnings)

			reg, err := catalog.Open(cfg.DBDir(), providers.Logger)
			if err != nil {
				return err
			}

			defer closeCatalog(reg, providers.Logger)

			err = reg.Migrate(cobraCmd.Context())
			if err != nil {
				return err
			}

			color.New(color.FgGreen).Fprintf(cobraCmd.OutOrStdout(),
				"Migrations applied (%s)\n", cfg.DBDir())

			return nil
		},
	}
}
