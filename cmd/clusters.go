package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/refsift/refsift/internal/model"
)

var clustersCmd = &cobra.Command{
	Use:   "clusters",
	Short: "Inspect and correct duplicate clusters",
}

var clustersShowCmd = &cobra.Command{
	Use:   "show <project-id> <step-id>",
	Short: "Show the clusters recorded by a dedup step",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		clusters, err := env.Engine.GetClusters(ctx, args[0], args[1])
		if err != nil {
			return eris.Wrap(err, "clusters show")
		}

		if len(clusters) == 0 {
			fmt.Fprintln(os.Stderr, "No duplicate clusters found.")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		for _, c := range clusters {
			fmt.Fprintf(tw, "cluster %s\tsize %d\tavg similarity %.2f\n", c.ID, c.Size, c.AverageSimilarity)
			for _, m := range c.Members {
				marker := " "
				if m.ID == c.RepresentativeID {
					marker = "*"
				}
				fmt.Fprintf(tw, "  %s %s\t%s (%s)\t%.2f\t%s\n",
					marker, m.ID, truncate(m.Title, 50), m.Year, m.Similarity, m.Action)
			}
		}
		return tw.Flush()
	},
}

var clustersDecision string

var clustersOverrideCmd = &cobra.Command{
	Use:   "override <project-id> <step-id> <entry-key>",
	Short: "Override the cluster action for one entry",
	Long:  "Records a reviewer correction (keep, remove, or detach) and marks the step stale so the next run applies it.",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		ov := model.ClusterOverride{EntryID: args[2], Decision: clustersDecision}
		if err := env.Engine.UpdateClusters(ctx, args[0], args[1], []model.ClusterOverride{ov}); err != nil {
			return eris.Wrap(err, "clusters override")
		}

		zap.L().Info("cluster override recorded",
			zap.String("entry", args[2]),
			zap.String("decision", clustersDecision),
		)
		return nil
	},
}

func init() {
	clustersOverrideCmd.Flags().StringVar(&clustersDecision, "decision", "", "keep, remove, or detach (required)")
	_ = clustersOverrideCmd.MarkFlagRequired("decision")
	clustersCmd.AddCommand(clustersShowCmd, clustersOverrideCmd)
	rootCmd.AddCommand(clustersCmd)
}
