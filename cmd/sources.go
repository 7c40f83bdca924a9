package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/refsift/refsift/internal/bib"
)

var sourcesCmd = &cobra.Command{
	Use:   "sources",
	Short: "Manage a project's imported references",
}

var sourcesBibPath string

var sourcesImportCmd = &cobra.Command{
	Use:   "import <project-id>",
	Short: "Import references from a BibTeX file, replacing the current set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		f, err := os.Open(sourcesBibPath)
		if err != nil {
			return eris.Wrap(err, "sources import")
		}
		defer f.Close() //nolint:errcheck

		entries, err := bib.Parse(f)
		if err != nil {
			return eris.Wrap(err, "parse bibtex")
		}
		if len(entries) == 0 {
			return eris.Errorf("no entries in %s", sourcesBibPath)
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Store.ReplaceSources(ctx, args[0], entries); err != nil {
			return eris.Wrap(err, "replace sources")
		}

		zap.L().Info("sources imported",
			zap.String("project", args[0]),
			zap.Int("entries", len(entries)),
			zap.String("file", sourcesBibPath),
		)
		return nil
	},
}

var sourcesListCmd = &cobra.Command{
	Use:   "list <project-id>",
	Short: "List a project's imported references",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		entries, err := env.Store.GetSources(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "sources list")
		}

		if len(entries) == 0 {
			fmt.Fprintln(os.Stderr, "No sources imported.")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "KEY\tYEAR\tDOI\tTITLE")
		for _, e := range entries {
			fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, e.Year, e.DOI, truncate(e.Title, 70))
		}
		return tw.Flush()
	},
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func init() {
	sourcesImportCmd.Flags().StringVar(&sourcesBibPath, "bib", "", "path to BibTeX file (required)")
	_ = sourcesImportCmd.MarkFlagRequired("bib")
	sourcesCmd.AddCommand(sourcesImportCmd, sourcesListCmd)
	rootCmd.AddCommand(sourcesCmd)
}
