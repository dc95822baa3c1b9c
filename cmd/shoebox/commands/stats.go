package commands

import (
	"context"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/stillframe/shoebox/internal/catalog"
	"github.com/stillframe/shoebox/pkg/observability"
)

// statusOrder fixes the row order of artifact status breakdowns.
var statusOrder = []catalog.ArtifactStatus{
	catalog.StatusPending,
	catalog.StatusProcessing,
	catalog.StatusExists,
	catalog.StatusFailed,
	catalog.StatusMissing,
}

// catalogStats is everything the stats table renders.
type catalogStats struct {
	Items    int64
	FTSRows  int64
	Thumbs   map[catalog.ArtifactStatus]int64
	HLS      map[catalog.ArtifactStatus]int64
	Progress catalog.Progress
}

// NewStatsCommand creates the catalog stats command.
func NewStatsCommand(globals *GlobalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print catalog counts",
		Long: `Print item, search, and artifact status counts from the catalog,
along with the indexer position.`,
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

			ctx := cobraCmd.Context()

			reg, store, err := openCatalog(ctx, cfg, providers.Logger)
			if err != nil {
				return err
			}

			defer closeCatalog(reg, providers.Logger)

			stats, err := collectStats(ctx, store)
			if err != nil {
				return err
			}

			writeStatsTable(cobraCmd.OutOrStdout(), stats)

			return nil
		},
	}
}

// collectStats gathers the counts the stats table renders.
func collectStats(ctx context.Context, store *catalog.Store) (catalogStats, error) {
	var (
		stats catalogStats
		err   error
	)

	stats.Items, err = store.ItemCount(ctx)
	if err != nil {
		return catalogStats{}, err
	}

	stats.FTSRows, err = store.FTSCount(ctx)
	if err != nil {
		return catalogStats{}, err
	}

	stats.Thumbs, err = store.ThumbStatusCounts(ctx)
	if err != nil {
		return catalogStats{}, err
	}

	stats.HLS, err = store.HLSStatusCounts(ctx)
	if err != nil {
		return catalogStats{}, err
	}

	stats.Progress, err = store.IndexProgress(ctx)
	if err != nil {
		return catalogStats{}, err
	}

	return stats, nil
}

// writeStatsTable renders catalog counts as a two-column table.
func writeStatsTable(out io.Writer, stats catalogStats) {
	tbl := table.NewWriter()
	tbl.SetOutputMirror(out)
	tbl.SetStyle(table.StyleLight)
	tbl.Style().Options.SeparateRows = false
	tbl.Style().Options.SeparateColumns = false
	tbl.Style().Options.DrawBorder = false

	tbl.AppendHeader(table.Row{"Metric", "Value"})
	tbl.AppendRow(table.Row{"Catalog items", humanize.Comma(stats.Items)})
	tbl.AppendRow(table.Row{"Search rows", humanize.Comma(stats.FTSRows)})

	for _, status := range statusOrder {
		tbl.AppendRow(table.Row{"Thumbs " + string(status), humanize.Comma(stats.Thumbs[status])})
	}

	for _, status := range statusOrder {
		tbl.AppendRow(table.Row{"HLS " + string(status), humanize.Comma(stats.HLS[status])})
	}

	tbl.AppendRow(table.Row{"Index state", string(stats.Progress.State)})

	if stats.Progress.LastPath != "" {
		tbl.AppendRow(table.Row{"Index position", stats.Progress.LastPath})
	}

	tbl.Render()
}
