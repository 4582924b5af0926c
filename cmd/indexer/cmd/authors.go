package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Togather-Foundation/proposals/internal/domain/authors"
	"github.com/Togather-Foundation/proposals/internal/identity"
)

func newAuthorsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "authors",
		Short: "Maintain author identities",
	}

	var dryRun bool
	mergeCmd := &cobra.Command{
		Use:   "merge",
		Short: "Merge authors that share a handle, email or normalized name",
		Long: `Group authors connected by a shared handle, email or normalized name and
merge each group into its most complete member. Version links and
maintainer records move to the survivor. Each group is merged in its own
transaction and audited.

Examples:
  indexer authors merge --dry-run
  indexer authors merge`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			report, err := identity.NewResolver(store, a.logger).Run(cmd.Context(), dryRun)
			if err != nil {
				return err
			}
			if err := printMergeReport(cmd.OutOrStdout(), report); err != nil {
				return err
			}
			if report.Failed > 0 {
				return fmt.Errorf("%d merge groups failed", report.Failed)
			}
			return nil
		},
	}
	mergeCmd.Flags().BoolVar(&dryRun, "dry-run", false, "print the merge plan without changing anything")

	cmd.AddCommand(mergeCmd)
	return cmd
}

func describeAuthor(a authors.Author) string {
	var parts []string
	if a.Name != "" {
		parts = append(parts, a.Name)
	}
	if a.Handle != "" {
		parts = append(parts, "@"+a.Handle)
	}
	if a.Email != "" {
		parts = append(parts, "<"+a.Email+">")
	}
	return fmt.Sprintf("#%d %s", a.ID, strings.Join(parts, " "))
}

func printMergeReport(out io.Writer, report identity.Report) error {
	for _, g := range report.Groups {
		_, _ = fmt.Fprintf(out, "%s\n", describeAuthor(g.Primary))
		for _, d := range g.Duplicates {
			_, _ = fmt.Fprintf(out, "  <- %s\n", describeAuthor(d))
		}
	}
	if report.DryRun {
		_, err := fmt.Fprintf(out, "Dry run: %d groups would be merged\n", len(report.Groups))
		return err
	}
	_, err := fmt.Fprintf(out, "Merged %d groups (%d authors absorbed, %d failed)\n", report.Merged, report.Absorbed, report.Failed)
	return err
}
