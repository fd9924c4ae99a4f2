package cmd

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/amanrag/internal/config"
	amanerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/output"
	"github.com/Aman-CERP/amanrag/internal/search"
)

// snippetRunes bounds the content preview of a text result.
const snippetRunes = 160

// searchOptions holds CLI flags for search.
type searchOptions struct {
	limit             int
	format            string // "text", "json"
	collection        string
	parent            string
	labels            []string
	excludeLabels     []string
	includeMeeting    bool
	includeDeprecated bool
	noLexical         bool
	explain           bool
	stats             bool
}

func newSearchCmd(a *app) *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search the indexed corpus",
		Long: `Search the indexed corpus with hybrid retrieval.

Vector and keyword results are fused with Reciprocal Rank Fusion and
re-ranked by a composite of vector, keyword, title and label signals.
Archived and meeting-note documents are excluded unless requested.

Pass "-" as the query to read one query per line from stdin.

Examples:
  amanrag search "教室 削除"
  amanrag search "login error" --limit 5 --format json
  amanrag search "議事録" --include-meeting
  amanrag search "release notes" --label release --exclude-label draft`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			return runSearch(cmd.Context(), cmd, cfg, strings.Join(args, " "), opts)
		},
	}

	cmd.Flags().IntVarP(&opts.limit, "limit", "n", 10, "Maximum number of results")
	cmd.Flags().StringVarP(&opts.format, "format", "f", "text", "Output format: text, json")
	cmd.Flags().StringVar(&opts.collection, "collection", "", "Only return documents from this collection")
	cmd.Flags().StringVar(&opts.parent, "parent", "", "Restrict vector results to children of this document")
	cmd.Flags().StringSliceVar(&opts.labels, "label", nil, "Only return documents with one of these labels (repeatable)")
	cmd.Flags().StringSliceVar(&opts.excludeLabels, "exclude-label", nil, "Also exclude documents with these labels (repeatable)")
	cmd.Flags().BoolVar(&opts.includeMeeting, "include-meeting", false, "Include meeting notes")
	cmd.Flags().BoolVar(&opts.includeDeprecated, "include-deprecated", false, "Include deprecated documents")
	cmd.Flags().BoolVar(&opts.noLexical, "no-lexical", false, "Use vector search only (skip keyword search)")
	cmd.Flags().BoolVar(&opts.explain, "explain", false, "Show score breakdown and retrieval diagnostics")
	cmd.Flags().BoolVar(&opts.stats, "stats", false, "Print cache and query statistics after the results")

	return cmd
}

// toEngineOptions layers the flags over the configured defaults.
func (o searchOptions) toEngineOptions(cfg *config.Config) search.Options {
	opts := cfg.SearchOptions()
	opts.UseLexicalIndex = !o.noLexical
	opts.Collection = o.collection
	opts.ParentID = o.parent
	opts.IncludeMeetingNotes = o.includeMeeting
	opts.IncludeDeprecated = o.includeDeprecated
	opts.LabelFilters.Include = o.labels
	opts.LabelFilters.Exclude = append(opts.LabelFilters.Exclude, o.excludeLabels...)
	return opts
}

func runSearch(ctx context.Context, cmd *cobra.Command, cfg *config.Config, q string, opts searchOptions) error {
	if opts.format != "text" && opts.format != "json" {
		return amanerrors.ValidationError(fmt.Sprintf("unknown format %q (expected text or json)", opts.format), nil)
	}
	if opts.limit <= 0 {
		return amanerrors.New(amanerrors.ErrCodeInvalidTopK,
			fmt.Sprintf("--limit must be positive, got %d", opts.limit), nil)
	}

	queries := []string{q}
	if q == "-" {
		var err error
		queries, err = readQueries(cmd.InOrStdin())
		if err != nil {
			return err
		}
	}

	b, err := openBackends(ctx, cfg)
	if err != nil {
		return err
	}
	defer b.Close()

	engine, err := b.Engine()
	if err != nil {
		return err
	}

	out := output.New(cmd.OutOrStdout())
	engineOpts := opts.toEngineOptions(cfg)
	for i, text := range queries {
		resp, err := engine.Search(ctx, text, opts.limit, engineOpts)
		if err != nil {
			return err
		}
		if opts.format == "json" {
			if err := writeJSONResponse(cmd.OutOrStdout(), text, resp, len(queries) == 1); err != nil {
				return err
			}
			continue
		}
		if i > 0 {
			out.Newline()
		}
		formatTextResponse(out, text, resp, opts.explain)
	}

	if opts.stats && opts.format == "text" {
		out.Newline()
		results, titles := engine.CacheStats()
		out.Heading("Cache")
		out.KeyValue("result hit rate", fmt.Sprintf("%.0f%% (%d/%d)", results.HitRate*100, results.Hits, results.Hits+results.Misses))
		out.KeyValue("result entries", results.Size)
		out.KeyValue("title hit rate", fmt.Sprintf("%.0f%% (%d/%d)", titles.HitRate*100, titles.Hits, titles.Hits+titles.Misses))
		out.Newline()
		printSnapshot(out, "Queries (this run)", b.metrics.Snapshot())
	}
	return nil
}

// readQueries returns the non-blank lines of r.
func readQueries(r io.Reader) ([]string, error) {
	var queries []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := strings.TrimSpace(scanner.Text()); line != "" {
			queries = append(queries, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read queries: %w", err)
	}
	if len(queries) == 0 {
		return nil, amanerrors.ValidationError("no queries on stdin", nil)
	}
	return queries, nil
}

// jsonResponse is one JSON search result set.
type jsonResponse struct {
	Query string `json:"query"`
	*search.Response
}

// writeJSONResponse writes an indented document for a single query and one
// compact line per query otherwise.
func writeJSONResponse(w io.Writer, q string, resp *search.Response, indent bool) error {
	enc := json.NewEncoder(w)
	if indent {
		enc.SetIndent("", "  ")
	}
	return enc.Encode(jsonResponse{Query: q, Response: resp})
}

func formatTextResponse(out *output.Writer, q string, resp *search.Response, explain bool) {
	d := resp.Diagnostics
	for _, reason := range d.Degraded {
		out.Warningf("degraded: %s", reason)
	}

	if len(resp.Results) == 0 {
		out.Statusf("🔍", "No results for %q", q)
		return
	}

	suffix := ""
	if d.CacheHit {
		suffix = ", cached"
	}
	out.Statusf("🔍", "%d results for %q (%s%s)", len(resp.Results), q, d.Latency.Round(100*time.Microsecond), suffix)
	out.Newline()

	for i, c := range resp.Results {
		title := c.Doc.Title
		if title == "" {
			title = c.Doc.ID
		}
		out.Result(i+1, title, resultDetail(c), output.Snippet(c.Doc.Content, snippetRunes))
		if explain {
			out.Status("", explainLine(c))
		}
	}

	if explain {
		out.Newline()
		out.Heading("Diagnostics")
		out.KeyValue("request id", d.RequestID)
		out.KeyValue("keywords", strings.Join(d.Keywords, ", "))
		out.KeyValue("vector hits", d.VectorCount)
		out.KeyValue("lexical hits", d.LexicalCount)
		out.KeyValue("title rescued", d.RescuedCount)
		out.KeyValue("fused", d.FusedCount)
		for _, reason := range slices.Sorted(maps.Keys(d.Removed)) {
			out.KeyValue("removed "+reason, d.Removed[reason])
		}
	}
}

func resultDetail(c *search.Candidate) string {
	parts := []string{
		"id " + c.Doc.LogicalID,
		fmt.Sprintf("score %.4f", c.CompositeScore),
		string(c.Source),
	}
	if len(c.Doc.Labels) > 0 {
		parts = append(parts, "labels: "+strings.Join(c.Doc.Labels, ", "))
	}
	if c.Doc.URL != "" {
		parts = append(parts, c.Doc.URL)
	}
	return strings.Join(parts, " | ")
}

func explainLine(c *search.Candidate) string {
	bd := c.Breakdown
	line := fmt.Sprintf("vector %.3f  lexical %.3f  title %.3f  label %.3f  domain %.3f | rrf %.4f | ranks v%d l%d | distance %.3f",
		bd.Vector, bd.Lexical, bd.Title, bd.Label, bd.Domain, c.RRFScore, c.VectorRank, c.LexicalRank, c.BoostedDistance)
	if c.Simple {
		line += " | simple"
	}
	if len(c.MatchedKeywords) > 0 {
		line += " | matched: " + strings.Join(c.MatchedKeywords, ", ")
	}
	return line
}
