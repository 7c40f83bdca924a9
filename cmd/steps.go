package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/refsift/refsift/internal/model"
)

var stepsCmd = &cobra.Command{
	Use:   "steps",
	Short: "Run and inspect pipeline steps",
	Long:  "Commands for listing step state, running steps, and reading their outputs.",
}

var stepsListCmd = &cobra.Command{
	Use:   "list <project-id>",
	Short: "List steps with their current run state",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		runs, err := env.Engine.ListSteps(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "steps list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "Pipeline is empty.")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "STEP\tTYPE\tSTATUS\tIN\tPASSED\tREMOVED\tCOMPLETED")
		for _, r := range runs {
			completed := ""
			if r.CompletedAt != nil {
				completed = r.CompletedAt.Format("2006-01-02 15:04")
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%s\n",
				r.StepID, r.StepType, r.Status,
				r.Stats.InputCount, r.Stats.PassedCount, r.Stats.RemovedCount,
				completed)
		}
		return tw.Flush()
	},
}

var stepsRunCmd = &cobra.Command{
	Use:   "run <project-id> <step-id>",
	Short: "Run a step",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		run, err := env.Engine.RunStep(ctx, args[0], args[1])
		if err != nil {
			return eris.Wrap(err, "steps run")
		}

		zap.L().Info("step complete",
			zap.String("step", run.StepID),
			zap.String("run", run.ID),
			zap.Int("input", run.Stats.InputCount),
			zap.Int("passed", run.Stats.PassedCount),
			zap.Int("removed", run.Stats.RemovedCount),
			zap.Int64("duration_ms", run.DurationMS),
		)
		return nil
	},
}

var stepsResetCmd = &cobra.Command{
	Use:   "reset <project-id> <step-id>",
	Short: "Delete a step's run history and mark downstream steps stale",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Engine.ResetStep(ctx, args[0], args[1]); err != nil {
			return eris.Wrap(err, "steps reset")
		}

		zap.L().Info("step reset", zap.String("step", args[1]))
		return nil
	},
}

var stepsOutputName string

var stepsOutputCmd = &cobra.Command{
	Use:   "output <project-id> <step-id>",
	Short: "Print a step output as JSON",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		name := stepsOutputName
		if name == "" {
			name = model.DefaultOutput
		}
		entries, err := env.Engine.GetStepOutput(ctx, args[0], args[1], name)
		if err != nil {
			return eris.Wrap(err, "steps output")
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	},
}

var stepsChangesCmd = &cobra.Command{
	Use:   "changes <project-id> <step-id>",
	Short: "Print a step's per-entry change records",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		changes, err := env.Engine.GetStepChanges(ctx, args[0], args[1])
		if err != nil {
			return eris.Wrap(err, "steps changes")
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ENTRY\tACTION\tREASON")
		for _, c := range changes {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", c.Key, c.Action, c.Reason)
		}
		return tw.Flush()
	},
}

var stepsRunsCmd = &cobra.Command{
	Use:   "runs <project-id> <step-id>",
	Short: "List a step's run history",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		runs, err := env.Store.ListRuns(ctx, args[0], args[1])
		if err != nil {
			return eris.Wrap(err, "steps runs")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs recorded.")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "SEQ\tRUN\tSTATUS\tLATEST\tSTALE\tIN\tPASSED\tERROR")
		for _, r := range runs {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%t\t%t\t%d\t%d\t%s\n",
				r.Seq, r.ID, r.Status, r.IsLatest, r.Stale,
				r.Stats.InputCount, r.Stats.PassedCount, truncate(r.Error, 60))
		}
		return tw.Flush()
	},
}

func init() {
	stepsOutputCmd.Flags().StringVar(&stepsOutputName, "name", "", "output name (default passed)")
	stepsCmd.AddCommand(stepsListCmd, stepsRunCmd, stepsResetCmd, stepsOutputCmd, stepsChangesCmd, stepsRunsCmd)
	rootCmd.AddCommand(stepsCmd)
}
