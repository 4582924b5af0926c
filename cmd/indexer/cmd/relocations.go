package cmd

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/Togather-Foundation/proposals/internal/domain/proposals"
	"github.com/Togather-Foundation/proposals/internal/relocation"
)

func newRelocationsCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relocations",
		Short: "Resolve and inspect moved proposals",
	}

	resolveCmd := &cobra.Command{
		Use:   "resolve",
		Short: "Link moved proposals to their destinations",
		Long: `Link every proposal with a pending "moved to" target whose destination has
been ingested. Targets that are not in the store yet stay pending; links
that would create a cycle are refused.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			res, err := relocation.NewResolver(store, a.logger).ResolvePending(cmd.Context())
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(),
				"Relocations: %d pending, %d resolved, %d unresolved, %d invalid, %d refused, %d failed\n",
				res.Pending, res.Resolved, res.Unresolved, res.Invalid, res.Refused, res.Failed)
			if err == nil && res.Failed > 0 {
				err = fmt.Errorf("%d relocations failed", res.Failed)
			}
			return err
		},
	}

	var (
		asOf   string
		format string
	)
	historyCmd := &cobra.Command{
		Use:   "history <proposal-id>",
		Short: "Print the unified version history of a proposal",
		Long: `Follow moved-to links from the proposal to the end of its chain and print
the versions of that proposal and of every proposal moved into it, newest
first.

Examples:
  indexer relocations history 42
  indexer relocations history 42 --as-of 2021-06-30`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil || id <= 0 {
				return fmt.Errorf("invalid proposal id %q", args[0])
			}
			if err := checkFormat(format); err != nil {
				return err
			}
			var cutoff *time.Time
			if asOf != "" {
				t, err := parseAsOf(asOf)
				if err != nil {
					return err
				}
				cutoff = &t
			}

			ctx := cmd.Context()
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			resolver := relocation.NewResolver(store, a.logger)
			terminal, err := resolver.Forward(ctx, id)
			if err != nil {
				return fmt.Errorf("proposal %d: %w", id, err)
			}
			versions, err := resolver.History(ctx, terminal.ID, cutoff)
			if err != nil {
				return err
			}
			return printHistory(cmd.OutOrStdout(), format, terminal, versions)
		},
	}
	historyCmd.Flags().StringVar(&asOf, "as-of", "", "ignore versions committed after this date")
	historyCmd.Flags().StringVar(&format, "format", formatTable, "output format (table, json)")

	cmd.AddCommand(resolveCmd, historyCmd)
	return cmd
}

type versionJSON struct {
	ID         int64     `json:"id"`
	ProposalID int64     `json:"proposal_id"`
	CommitSHA  string    `json:"commit_sha"`
	CommitDate time.Time `json:"commit_date"`
	Title      string    `json:"title"`
	Status     string    `json:"status"`
}

func printHistory(out io.Writer, format string, terminal *proposals.Proposal, versions []proposals.Version) error {
	if format == formatJSON {
		rows := make([]versionJSON, 0, len(versions))
		for _, v := range versions {
			rows = append(rows, versionJSON{
				ID:         v.ID,
				ProposalID: v.ProposalID,
				CommitSHA:  v.CommitSHA,
				CommitDate: v.CommitDate.UTC(),
				Title:      v.Title,
				Status:     v.Status,
			})
		}
		return printJSON(out, rows)
	}

	_, _ = fmt.Fprintf(out, "%s-%d (id %d) %s\n\n", terminal.Protocol, terminal.Number, terminal.ID, terminal.Path)
	if len(versions) == 0 {
		_, err := fmt.Fprintln(out, "No versions.")
		return err
	}
	w := newTable(out)
	_, _ = fmt.Fprintf(w, "DATE\tCOMMIT\tPROPOSAL\tSTATUS\tTITLE\n")
	for _, v := range versions {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n",
			v.CommitDate.UTC().Format(time.RFC3339), shortSHA(v.CommitSHA), v.ProposalID, v.Status, v.Title)
	}
	return w.Flush()
}
