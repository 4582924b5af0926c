package cmd

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/Togather-Foundation/proposals/internal/crawler"
	"github.com/Togather-Foundation/proposals/internal/domain/sources"
	"github.com/Togather-Foundation/proposals/internal/storage"
)

func newReposCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "repos",
		Short: "Manage tracked repositories",
		Long: `Tracked repositories are declared in a YAML file (crawl.repositories_file)
and synced into the source_repositories table. The crawl cursor of each
repository lives only in the table.`,
	}

	var syncFile string
	syncCmd := &cobra.Command{
		Use:   "sync",
		Short: "Sync the repositories file into the store",
		Long: `Validate every entry of the repositories file and upsert it into the store.
Upstream repositories are written before their forks. The file is rejected
as a whole when any entry is invalid.

Examples:
  indexer repos sync
  indexer repos sync --file configs/repositories.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if _, err := a.loadConfig(); err != nil {
				return err
			}
			if syncFile != "" {
				a.cfg.Crawl.RepositoriesFile = syncFile
			}
			store, err := a.openStore(ctx)
			if err != nil {
				return err
			}
			repos, err := a.syncRepositories(ctx, store)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "Sync complete: %d repositories from %s\n", len(repos), a.cfg.Crawl.RepositoriesFile)
			return err
		},
	}
	syncCmd.Flags().StringVar(&syncFile, "file", "", "repositories file (default: crawl.repositories_file)")

	var format string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked repositories with their crawl cursors",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := checkFormat(format); err != nil {
				return err
			}
			store, err := a.openStore(cmd.Context())
			if err != nil {
				return err
			}
			repos, err := store.Sources().List(cmd.Context(), nil)
			if err != nil {
				return fmt.Errorf("list repositories: %w", err)
			}
			return printRepositories(cmd.OutOrStdout(), format, repos)
		},
	}
	listCmd.Flags().StringVar(&format, "format", formatTable, "output format (table, json)")

	cmd.AddCommand(syncCmd, listCmd)
	return cmd
}

func (a *app) syncRepositories(ctx context.Context, store storage.Repository) ([]sources.Repository, error) {
	path := a.cfg.Crawl.RepositoriesFile
	configs, err := crawler.LoadRepositories(path)
	if err != nil {
		return nil, err
	}
	repos, err := crawler.Sync(ctx, store, configs)
	if err != nil {
		return nil, fmt.Errorf("sync %s: %w", path, err)
	}
	a.logger.Info().Int("repositories", len(repos)).Str("file", path).Msg("repositories synced")
	return repos, nil
}

type repositoryJSON struct {
	Key           string     `json:"key"`
	Branch        string     `json:"branch"`
	Protocol      string     `json:"protocol"`
	Format        string     `json:"format,omitempty"`
	Enabled       bool       `json:"enabled"`
	ForkedFromID  *int64     `json:"forked_from_id,omitempty"`
	Cursor        string     `json:"cursor,omitempty"`
	LastCrawledAt *time.Time `json:"last_crawled_at,omitempty"`
}

func printRepositories(out io.Writer, format string, repos []sources.Repository) error {
	if format == formatJSON {
		rows := make([]repositoryJSON, 0, len(repos))
		for _, r := range repos {
			rows = append(rows, repositoryJSON{
				Key:           r.Key(),
				Branch:        r.Branch,
				Protocol:      r.Protocol,
				Format:        r.Format,
				Enabled:       r.Enabled,
				ForkedFromID:  r.ForkedFromID,
				Cursor:        r.LastCrawledCommitSHA,
				LastCrawledAt: r.LastCrawledAt,
			})
		}
		return printJSON(out, rows)
	}

	if len(repos) == 0 {
		_, err := fmt.Fprintln(out, "No repositories. Run 'indexer repos sync' first.")
		return err
	}
	w := newTable(out)
	_, _ = fmt.Fprintf(w, "REPOSITORY\tBRANCH\tPROTOCOL\tENABLED\tCURSOR\tLAST CRAWLED\n")
	for _, r := range repos {
		cursor, crawled := "-", "never"
		if r.LastCrawledCommitSHA != "" {
			cursor = shortSHA(r.LastCrawledCommitSHA)
		}
		if r.LastCrawledAt != nil {
			crawled = r.LastCrawledAt.UTC().Format(time.RFC3339)
		}
		_, _ = fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\t%s\n", r.Key(), r.Branch, r.Protocol, r.Enabled, cursor, crawled)
	}
	return w.Flush()
}

func shortSHA(sha string) string {
	if len(sha) > 10 {
		return sha[:10]
	}
	return sha
}
