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

var pipelineCmd = &cobra.Command{
	Use:   "pipeline",
	Short: "Inspect and edit a project's pipeline",
}

var pipelineShowCmd = &cobra.Command{
	Use:   "show <project-id>",
	Short: "Show the pipeline definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		pipe, err := env.Engine.GetPipeline(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "pipeline show")
		}

		if len(pipe.Steps) == 0 {
			fmt.Fprintln(os.Stderr, "Pipeline is empty.")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "#\tID\tTYPE\tINPUT\tENABLED")
		for i, s := range pipe.Steps {
			input := s.InputFrom.Step
			if s.InputFrom.FromSources() {
				input = model.SourceInput
			} else if s.InputFrom.Output != "" {
				input = fmt.Sprintf("%s.%s", s.InputFrom.Step, s.InputFrom.Output)
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\n", i, s.ID, s.Type, input, s.Enabled)
		}
		return tw.Flush()
	},
}

var pipelineFile string

var pipelineSetCmd = &cobra.Command{
	Use:   "set <project-id>",
	Short: "Replace the pipeline from a JSON definition",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		raw, err := os.ReadFile(pipelineFile)
		if err != nil {
			return eris.Wrap(err, "pipeline set")
		}

		var pipe model.Pipeline
		if err := json.Unmarshal(raw, &pipe); err != nil {
			return eris.Wrap(err, "parse pipeline definition")
		}
		pipe.ProjectID = args[0]

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Engine.SetPipeline(ctx, &pipe); err != nil {
			return eris.Wrap(err, "save pipeline")
		}

		zap.L().Info("pipeline saved",
			zap.String("project", args[0]),
			zap.Int("steps", len(pipe.Steps)),
		)
		return nil
	},
}

func init() {
	pipelineSetCmd.Flags().StringVar(&pipelineFile, "file", "", "path to pipeline JSON (required)")
	_ = pipelineSetCmd.MarkFlagRequired("file")
	pipelineCmd.AddCommand(pipelineShowCmd, pipelineSetCmd)
	rootCmd.AddCommand(pipelineCmd)
}
