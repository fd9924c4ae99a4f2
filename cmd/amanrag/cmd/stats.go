package cmd

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanrag/internal/output"
	"github.com/Aman-CERP/amanrag/internal/telemetry"
)

func newStatsCmd(a *app) *cobra.Command {
	var (
		days       int
		topTerms   int
		jsonOutput bool
	)

	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show query statistics",
		Long: `Show query statistics recorded by past searches: volume, cache hit
rate, retrieval modes, degradations, latency and the most frequent terms.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			metadata, err := openMetadata(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = metadata.Close() }()

			if err := telemetry.InitTelemetrySchema(metadata.DB()); err != nil {
				return fmt.Errorf("failed to init telemetry: %w", err)
			}
			metricsStore, err := telemetry.NewSQLiteMetricsStore(metadata.DB())
			if err != nil {
				return err
			}
			snap, err := telemetry.History(metricsStore, days, topTerms, 10)
			if err != nil {
				return fmt.Errorf("failed to read query statistics: %w", err)
			}

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			printSnapshot(output.New(cmd.OutOrStdout()), fmt.Sprintf("Queries (last %d days)", max(days, 1)), snap)
			return nil
		},
	}

	cmd.Flags().IntVar(&days, "days", 7, "Number of days to include (today counts as one)")
	cmd.Flags().IntVar(&topTerms, "top", 10, "Number of top query terms to show")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output statistics as JSON")

	return cmd
}

// latencyOrder lists the latency buckets from fastest to slowest.
var latencyOrder = []telemetry.LatencyBucket{
	telemetry.BucketP10,
	telemetry.BucketP50,
	telemetry.BucketP100,
	telemetry.BucketP500,
	telemetry.BucketP1000,
}

func printSnapshot(out *output.Writer, title string, snap *telemetry.QueryMetricsSnapshot) {
	out.Heading(title)
	out.KeyValue("total", snap.TotalQueries)
	out.KeyValue("cache hit rate", fmt.Sprintf("%.1f%%", snap.CacheHitRate()*100))
	out.KeyValue("zero results", fmt.Sprintf("%d (%.1f%%)", snap.ZeroResultCount, snap.ZeroResultPercentage()))
	out.KeyValue("degraded", snap.DegradedCount)

	if snap.TotalQueries == 0 {
		return
	}

	modes := make([]string, 0, len(snap.ModeCounts))
	for _, mode := range []telemetry.RetrievalMode{
		telemetry.ModeHybrid, telemetry.ModeVectorOnly, telemetry.ModeLexicalOnly, telemetry.ModeEmpty,
	} {
		if n := snap.ModeCounts[mode]; n > 0 {
			modes = append(modes, fmt.Sprintf("%s %d", mode, n))
		}
	}
	out.KeyValue("modes", strings.Join(modes, ", "))

	if len(snap.DegradedReasons) > 0 {
		reasons := make([]string, 0, len(snap.DegradedReasons))
		for reason, n := range snap.DegradedReasons {
			reasons = append(reasons, fmt.Sprintf("%s %d", reason, n))
		}
		slices.Sort(reasons)
		out.KeyValue("degraded by", strings.Join(reasons, ", "))
	}

	latency := make([]string, 0, len(latencyOrder))
	for _, bucket := range latencyOrder {
		if n := snap.LatencyDistribution[bucket]; n > 0 {
			latency = append(latency, fmt.Sprintf("%s %d", bucket, n))
		}
	}
	out.KeyValue("latency", strings.Join(latency, ", "))

	if len(snap.TopTerms) > 0 {
		terms := make([]string, 0, len(snap.TopTerms))
		for _, tc := range snap.TopTerms {
			terms = append(terms, fmt.Sprintf("%s (%d)", tc.Term, tc.Count))
		}
		out.KeyValue("top terms", strings.Join(terms, ", "))
	}
	for _, q := range snap.ZeroResultQueries {
		out.KeyValue("no results", q)
	}
}
