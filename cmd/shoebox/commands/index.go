package commands

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/fatih/color"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/stillframe/shoebox/internal/events"
	"github.com/stillframe/shoebox/internal/indexer"
	"github.com/stillframe/shoebox/pkg/observability"
)

// NewIndexCommand creates the one-shot full index command.
func NewIndexCommand(globals *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "index",
		Short: "Run a one-shot full index of the photo root",
		Long: `Walk the photo root and rebuild the catalog, resuming from the
persisted pointer when a previous walk was interrupted.`,
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

			ctx, stop := signal.NotifyContext(cobraCmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			reg, store, err := openCatalog(ctx, cfg, providers.Logger)
			if err != nil {
				return err
			}

			defer closeCatalog(reg, providers.Logger)

			ix := indexer.New(indexer.Options{
				PhotosDir: cfg.PhotosDir,
				Store:     store,
				Bus:       events.NewBus(providers.Logger, nil),
				Config:    cfg,
				Logger:    providers.Logger,
			})

			ix.Start(ctx)

			start := time.Now()

			stats, err := ix.FullWalk(ctx)
			if err != nil {
				return err
			}

			stopErr := ix.Stop(context.Background())
			if stopErr != nil {
				providers.Logger.Warn("index worker stop failed", slog.Any("error", stopErr))
			}

			writeIndexSummary(cobraCmd.OutOrStdout(), stats, time.Since(start))

			return nil
		},
	}
}

// writeIndexSummary renders the walk result as a two-column table with a
// green one-line verdict.
func writeIndexSummary(out io.Writer, stats indexer.Stats, elapsed time.Duration) {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(out)
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.Style().Options.SeparateColumns = false
	tbl.Style().Options.DrawBorder = false

	tbl.AppendHeader(table.Row{"Metric", "Value"})
	tbl.AppendRow(table.Row{"Items upserted", humanize.Comma(stats.Upserted)})
	tbl.AppendRow(table.Row{"Albums", humanize.Comma(stats.Albums)})
	tbl.AppendRow(table.Row{"Media files", humanize.Comma(stats.Media)})
	tbl.AppendRow(table.Row{"Resumed", fmt.Sprintf("%t", stats.Resumed)})
	tbl.Render()

	color.New(color.FgGreen).Fprintf(out, "Indexed %s entries in %s\n",
		humanize.Comma(stats.Upserted), elapsed.Round(time.Millisecond))
}
