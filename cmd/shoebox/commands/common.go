// Package commands implements the shoebox subcommands.
package commands

import (
	"context"
	"errors"
	"log/slog"
	"os"

	"github.com/stillframe/shoebox/internal/catalog"
	"github.com/stillframe/shoebox/internal/config"
	"github.com/stillframe/shoebox/pkg/observability"
	"github.com/stillframe/shoebox/pkg/version"
)

// GlobalFlags carries the persistent flags shared by every subcommand.
type GlobalFlags struct {
	// ConfigPath is the optional config file; empty means env and defaults.
	ConfigPath string

	// LogLevel overrides the configured log level when non-empty.
	LogLevel string

	// LogJSON forces JSON log output when set.
	LogJSON bool
}

// loadConfig loads the configuration, applies flag overrides, and
// normalizes out-of-range knobs. The returned warnings describe every
// value that was clamped.
func loadConfig(globals *GlobalFlags) (*config.Config, []string, error) {
	cfg, err := config.Load(globals.ConfigPath)
	if err != nil {
		return nil, nil, err
	}

	if globals.LogLevel != "" {
		cfg.Log.Level = globals.LogLevel
	}

	if globals.LogJSON {
		cfg.Log.JSON = true
	}

	warnings := cfg.Normalize()

	return cfg, warnings, nil
}

// initObservability builds the telemetry providers for one command run.
// File log sinks are enabled only for the long-running server; one-shot
// commands log to the console alone.
func initObservability(cfg *config.Config, mode observability.AppMode) (observability.Providers, error) {
	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version.Version
	obsCfg.Mode = mode
	obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
	obsCfg.OTLPHeaders = observability.ParseOTLPHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS"))
	obsCfg.OTLPInsecure = os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true"
	obsCfg.LogJSON = cfg.Log.JSON

	level, known := observability.ParseLevel(cfg.Log.Level)
	obsCfg.LogLevel = level

	if mode == observability.ModeServe {
		obsCfg.LogsDir = cfg.LogsDir()
	}

	providers, err := observability.Init(obsCfg)
	if err != nil {
		return providers, err
	}

	if !known {
		providers.Logger.Warn("unknown log level, using info",
			slog.String("level", cfg.Log.Level))
	}

	return providers, nil
}

// logWarnings reports configuration normalization warnings.
func logWarnings(logger *slog.Logger, warnings []string) {
	for _, warning := range warnings {
		logger.Warn("config adjusted", slog.String("detail", warning))
	}
}

// closeProviders flushes telemetry at command exit.
func closeProviders(providers observability.Providers) {
	err := providers.Shutdown(context.Background())
	if err != nil {
		providers.Logger.Warn("observability shutdown failed", slog.Any("error", err))
	}
}

// openCatalog opens the catalog databases and brings the schema current.
func openCatalog(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*catalog.Registry, *catalog.Store, error) {
	reg, err := catalog.Open(cfg.DBDir(), logger)
	if err != nil {
		return nil, nil, err
	}

	err = reg.Migrate(ctx)
	if err != nil {
		closeErr := reg.Close()

		return nil, nil, errors.Join(err, closeErr)
	}

	return reg, catalog.NewStore(reg), nil
}

// closeCatalog closes the registry, logging instead of failing the command.
func closeCatalog(reg *catalog.Registry, logger *slog.Logger) {
	err := reg.Close()
	if err != nil {
		logger.Warn("catalog close failed", slog.Any("error", err))
	}
}
