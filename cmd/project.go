package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var projectCmd = &cobra.Command{
	Use:   "project",
	Short: "Manage screening projects",
	Long:  "Commands for creating, listing, and deleting literature screening projects.",
}

var projectDescription string

var projectCreateCmd = &cobra.Command{
	Use:   "create <name>",
	Short: "Create a new project",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		p, err := env.Store.CreateProject(ctx, args[0], projectDescription)
		if err != nil {
			return eris.Wrap(err, "project create")
		}

		zap.L().Info("project created",
			zap.String("id", p.ID),
			zap.String("name", p.Name),
		)
		fmt.Println(p.ID)
		return nil
	},
}

var projectListCmd = &cobra.Command{
	Use:   "list",
	Short: "List projects",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		projects, err := env.Store.ListProjects(ctx)
		if err != nil {
			return eris.Wrap(err, "project list")
		}

		if len(projects) == 0 {
			fmt.Fprintln(os.Stderr, "No projects found.")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tNAME\tCREATED\tDESCRIPTION")
		for _, p := range projects {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n",
				p.ID, p.Name, p.CreatedAt.Format("2006-01-02"), p.Description)
		}
		return tw.Flush()
	},
}

var projectDeleteCmd = &cobra.Command{
	Use:   "delete <project-id>",
	Short: "Delete a project and all its data",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Store.DeleteProject(ctx, args[0]); err != nil {
			return eris.Wrap(err, "project delete")
		}

		zap.L().Info("project deleted", zap.String("id", args[0]))
		return nil
	},
}

func init() {
	projectCreateCmd.Flags().StringVar(&projectDescription, "description", "", "project description")
	projectCmd.AddCommand(projectCreateCmd, projectListCmd, projectDeleteCmd)
	rootCmd.AddCommand(projectCmd)
}
