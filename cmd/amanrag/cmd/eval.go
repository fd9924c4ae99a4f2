package cmd

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	amanerrors "github.com/Aman-CERP/amanrag/internal/errors"
	"github.com/Aman-CERP/amanrag/internal/output"
	"github.com/Aman-CERP/amanrag/internal/validation"
)

func newEvalCmd(a *app) *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "eval <queries.yaml>",
		Short: "Check ranking quality against a query set",
		Long: `Run a YAML query set against the index and report which queries
found their expected documents.

Tier 1 queries and negative queries must pass; tier 2 queries are
reported only. The command fails when a required query fails, so it can
guard ranking changes in CI.

Example queries.yaml:

  tier1:
    - id: T1-1
      query: 教室の削除方法
      expected: ["164"]
  negative:
    - id: N-1
      query: 議事録
      forbidden: ["m1"]`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.config()
			if err != nil {
				return err
			}
			set, err := validation.LoadQueries(args[0])
			if err != nil {
				return amanerrors.ValidationError(err.Error(), err)
			}

			ctx := cmd.Context()
			b, err := openBackends(ctx, cfg)
			if err != nil {
				return err
			}
			defer b.Close()
			engine, err := b.Engine()
			if err != nil {
				return err
			}

			report := validation.New(engine, cfg.SearchOptions()).RunAll(ctx, set)

			if jsonOutput {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				printReport(output.New(cmd.OutOrStdout()), report)
			}

			if !report.Passed() {
				return amanerrors.New(amanerrors.ErrCodeInvalidInput,
					fmt.Sprintf("required queries failed (tier1 %d/%d, negative %d/%d)",
						report.Tier1.Pass, report.Tier1.Total, report.Negative.Pass, report.Negative.Total), nil)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	return cmd
}

func printReport(out *output.Writer, r *validation.Report) {
	for _, tr := range r.Results {
		status := "PASS"
		if !tr.Passed {
			status = "FAIL"
		}
		detail := fmt.Sprintf("top: %s", strings.Join(tr.TopResults, ", "))
		if tr.MatchedAt > 0 {
			detail = fmt.Sprintf("rank %d | %s", tr.MatchedAt, detail)
		}
		if tr.Error != "" {
			detail = "error: " + tr.Error
		}
		out.Statusf("", "%s %-8s %s", status, tr.Spec.ID, tr.Spec.Query)
		out.Status("", "    "+detail)
	}
	out.Newline()
	out.Heading("Summary")
	out.KeyValue("tier 1", fmt.Sprintf("%d/%d", r.Tier1.Pass, r.Tier1.Total))
	out.KeyValue("tier 2", fmt.Sprintf("%d/%d", r.Tier2.Pass, r.Tier2.Total))
	out.KeyValue("negative", fmt.Sprintf("%d/%d", r.Negative.Pass, r.Negative.Total))
	out.KeyValue("MRR", fmt.Sprintf("%.3f", r.MRR))
	if r.Passed() {
		out.Success("All required queries passed")
	} else {
		out.Error("Required queries failed")
	}
}
