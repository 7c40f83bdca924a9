package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/refsift/refsift/internal/model"
	"github.com/refsift/refsift/internal/review"
)

var reviewCmd = &cobra.Command{
	Use:   "review",
	Short: "Review AI screening decisions",
	Long:  "Commands for listing screening verdicts, recording overrides, and exporting the review sheet.",
}

var reviewListCmd = &cobra.Command{
	Use:   "list <project-id> <step-id>",
	Short: "List screening decisions with reviewer overrides",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rows, err := reviewRowsFor(cmd, env, args[0], args[1])
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tAI\tCONF\tFINAL\tCHECKED\tTITLE")
		for _, r := range rows {
			fmt.Fprintf(tw, "%s\t%s\t%.2f\t%s\t%t\t%s\n",
				r.Key, r.AIDecision, r.AIConfidence, r.FinalDecision, r.Checked, truncate(r.Title, 60))
		}
		if err := tw.Flush(); err != nil {
			return err
		}

		stats := review.ComputeStats(rows)
		fmt.Printf("\n%d total, %d checked, %d modified, %d included, %d excluded, %d uncertain\n",
			stats.Total, stats.Checked, stats.Modified, stats.Included, stats.Excluded, stats.Uncertain)
		return nil
	},
}

var (
	reviewDecision string
	reviewNote     string
	reviewChecked  bool
)

var reviewSetCmd = &cobra.Command{
	Use:   "set <project-id> <step-id> <entry-key>",
	Short: "Record a reviewer decision for one entry",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rec := model.ReviewRecord{
			Key:      args[2],
			Decision: reviewDecision,
			Checked:  reviewChecked,
			Note:     reviewNote,
		}
		if err := env.Review.Update(ctx, args[0], args[1], rec); err != nil {
			return eris.Wrap(err, "review set")
		}

		zap.L().Info("review recorded",
			zap.String("entry", args[2]),
			zap.String("decision", reviewDecision),
		)
		return nil
	},
}

var (
	reviewExportFormat string
	reviewExportOut    string
)

var reviewExportCmd = &cobra.Command{
	Use:   "export <project-id> <step-id>",
	Short: "Export the review sheet as CSV or XLSX",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		rows, err := reviewRowsFor(cmd, env, args[0], args[1])
		if err != nil {
			return err
		}

		out := os.Stdout
		if reviewExportOut != "" {
			f, err := os.Create(reviewExportOut)
			if err != nil {
				return eris.Wrap(err, "review export")
			}
			defer f.Close() //nolint:errcheck
			out = f
		}

		switch reviewExportFormat {
		case "csv":
			err = review.ExportCSV(out, rows)
		case "xlsx":
			err = review.ExportXLSX(out, rows)
		default:
			return eris.Errorf("unknown export format %q", reviewExportFormat)
		}
		if err != nil {
			return eris.Wrap(err, "review export")
		}

		if reviewExportOut != "" {
			zap.L().Info("review exported",
				zap.String("file", reviewExportOut),
				zap.Int("rows", len(rows)),
			)
		}
		return nil
	},
}

func reviewRowsFor(cmd *cobra.Command, e *env, projectID, stepID string) ([]review.Row, error) {
	ctx := cmd.Context()

	run, err := e.Engine.LatestCompletedRun(ctx, projectID, stepID)
	if err != nil {
		return nil, eris.Wrap(err, "review")
	}
	rows, err := e.Review.Rows(ctx, run)
	if err != nil {
		return nil, eris.Wrap(err, "review rows")
	}
	return rows, nil
}

func init() {
	reviewSetCmd.Flags().StringVar(&reviewDecision, "decision", "", "override decision: include, exclude, or uncertain (empty keeps the AI verdict)")
	reviewSetCmd.Flags().StringVar(&reviewNote, "note", "", "reviewer note")
	reviewSetCmd.Flags().BoolVar(&reviewChecked, "checked", true, "mark the entry as reviewed")
	reviewExportCmd.Flags().StringVar(&reviewExportFormat, "format", "csv", "export format: csv or xlsx")
	reviewExportCmd.Flags().StringVar(&reviewExportOut, "out", "", "output file (default stdout)")
	reviewCmd.AddCommand(reviewListCmd, reviewSetCmd, reviewExportCmd)
	rootCmd.AddCommand(reviewCmd)
}
