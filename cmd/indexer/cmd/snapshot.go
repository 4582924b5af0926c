package cmd

import (
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/markusmobius/go-dateparser"
	"github.com/spf13/cobra"

	"github.com/Togather-Foundation/proposals/internal/domain/snapshots"
	"github.com/Togather-Foundation/proposals/internal/stats"
)

// parseAsOf accepts RFC 3339 timestamps, ISO dates and YYYY-MM, then falls
// back to natural-language dates such as "March 31 2021".
func parseAsOf(value string) (time.Time, error) {
	value = strings.TrimSpace(value)
	for _, layout := range []string{time.RFC3339, "2006-01-02", "2006-01"} {
		if t, err := time.Parse(layout, value); err == nil {
			return t.UTC(), nil
		}
	}
	parsed, err := dateparser.Parse(nil, value)
	if err != nil || parsed.Time.IsZero() {
		return time.Time{}, fmt.Errorf("invalid date %q", value)
	}
	return parsed.Time.UTC(), nil
}

func newSnapshotCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Compute statistics snapshots",
		Long: `Snapshots aggregate the proposal history per protocol and across protocols
for a calendar month, as it stood at the end of that month (or now, for the
running month). Recomputing a month replaces its snapshots.`,
	}

	var (
		protocol string
		asOf     string
		format   string
	)
	computeCmd := &cobra.Command{
		Use:   "compute",
		Short: "Compute the snapshots of one month",
		Long: `Compute the month containing --as-of (default: now). With --protocol only
that protocol's snapshot is recomputed; otherwise every protocol and then
the global snapshot.

Examples:
  indexer snapshot compute
  indexer snapshot compute --as-of 2023-06
  indexer snapshot compute --protocol eip --as-of 2021-12-31`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			at := time.Now()
			if asOf != "" {
				t, err := parseAsOf(asOf)
				if err != nil {
					return err
				}
				at = t
			}
			period := snapshots.PeriodOf(at)

			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			engine := stats.NewEngine(store, a.logger, stats.WithConcurrency(cfg.Stats.Concurrency))
			out := cmd.OutOrStdout()

			if protocol != "" {
				snap, err := engine.ComputeProtocol(cmd.Context(), protocol, period)
				if err != nil {
					return err
				}
				if snap == nil {
					_, err := fmt.Fprintf(out, "No proposals for %s in %s\n", protocol, period)
					return err
				}
				return printProtocolSnapshots(out, format, []snapshots.ProtocolSnapshot{*snap})
			}

			report, err := engine.RunPeriod(cmd.Context(), period)
			summary := out
			if format == formatJSON {
				summary = cmd.ErrOrStderr()
			}
			if perr := printPeriodReport(summary, report); perr != nil {
				return perr
			}
			if err != nil {
				return err
			}
			stored, err := store.Snapshots().ListProtocol(cmd.Context(), period)
			if err != nil {
				return err
			}
			return printProtocolSnapshots(out, format, stored)
		},
	}
	computeCmd.Flags().StringVar(&protocol, "protocol", "", "compute a single protocol")
	computeCmd.Flags().StringVar(&asOf, "as-of", "", "a date inside the month to compute (default: now)")
	computeCmd.Flags().StringVar(&format, "format", formatTable, "output format (table, json)")

	backfillCmd := &cobra.Command{
		Use:   "backfill",
		Short: "Compute every month from the first commit to now",
		Long: `Compute the snapshots of every month from the month of the earliest
recorded commit through the current month. A month that fails is reported
and the backfill continues.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			engine := stats.NewEngine(store, a.logger, stats.WithConcurrency(cfg.Stats.Concurrency))
			reports, err := engine.Backfill(cmd.Context())
			for _, r := range reports {
				if perr := printPeriodReport(cmd.OutOrStdout(), r); perr != nil {
					return perr
				}
			}
			if len(reports) == 0 && err == nil {
				_, err = fmt.Fprintln(cmd.OutOrStdout(), "No versions recorded; nothing to backfill.")
			}
			if errors.Is(err, stats.ErrIncompletePeriod) {
				return fmt.Errorf("backfill finished with incomplete periods: %w", err)
			}
			return err
		},
	}

	cmd.AddCommand(computeCmd, backfillCmd)
	return cmd
}

func printPeriodReport(out io.Writer, r stats.PeriodReport) error {
	line := fmt.Sprintf("%s: %d stored, %d empty", r.Period, len(r.Stored), len(r.Empty))
	if len(r.Failed) > 0 {
		failed := make([]string, 0, len(r.Failed))
		for p := range r.Failed {
			failed = append(failed, p)
		}
		sort.Strings(failed)
		line += fmt.Sprintf(", failed: %s", strings.Join(failed, ", "))
	}
	if r.Global != nil {
		line += fmt.Sprintf(", global acceptance %.3f centralization %.3f", r.Global.AcceptanceRate, r.Global.CentralizationRate)
	}
	_, err := fmt.Fprintln(out, line)
	return err
}

type protocolSnapshotJSON struct {
	Protocol         string         `json:"protocol"`
	Period           string         `json:"period"`
	AsOf             time.Time      `json:"as_of"`
	Proposals        int            `json:"proposals"`
	Active           int            `json:"active"`
	Authors          int            `json:"authors"`
	EligibleAuthors  int            `json:"eligible_authors"`
	FinalizedAuthors int            `json:"finalized_authors"`
	AcceptanceRate   float64        `json:"acceptance_rate"`
	StatusCounts     map[string]int `json:"status_counts"`
	TypeCounts       map[string]int `json:"type_counts"`
	YearCounts       map[string]int `json:"year_counts"`
}

func printProtocolSnapshots(out io.Writer, format string, snaps []snapshots.ProtocolSnapshot) error {
	if format == formatJSON {
		rows := make([]protocolSnapshotJSON, 0, len(snaps))
		for _, s := range snaps {
			rows = append(rows, protocolSnapshotJSON{
				Protocol:         s.Protocol,
				Period:           s.Period.String(),
				AsOf:             s.AsOf.UTC(),
				Proposals:        s.Proposals,
				Active:           s.Active,
				Authors:          s.Authors,
				EligibleAuthors:  s.EligibleAuthors,
				FinalizedAuthors: s.FinalizedAuthors,
				AcceptanceRate:   s.AcceptanceRate,
				StatusCounts:     s.StatusCounts,
				TypeCounts:       s.TypeCounts,
				YearCounts:       s.YearCounts,
			})
		}
		return printJSON(out, rows)
	}

	w := newTable(out)
	_, _ = fmt.Fprintf(w, "PROTOCOL\tPERIOD\tPROPOSALS\tACTIVE\tAUTHORS\tELIGIBLE\tFINALIZED\tACCEPTANCE\n")
	for _, s := range snaps {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%d\t%d\t%d\t%d\t%.3f\n",
			s.Protocol, s.Period, s.Proposals, s.Active, s.Authors, s.EligibleAuthors, s.FinalizedAuthors, s.AcceptanceRate)
	}
	return w.Flush()
}
