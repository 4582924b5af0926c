package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Togather-Foundation/proposals/internal/crawler"
)

func newCrawlCommand(a *app) *cobra.Command {
	var (
		repoKey string
		all     bool
		sync    bool
		format  string
	)

	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl repository histories into the store",
		Long: `Walk the commit history of tracked repositories, oldest first, from each
repository's cursor and record every proposal version, author and
maintainer. Repositories are crawled independently: one failure does not
stop the others.

Examples:
  indexer crawl --all
  indexer crawl --all --sync
  indexer crawl --repo ethereum/EIPs/EIPS`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (repoKey != "") {
				return fmt.Errorf("exactly one of --all or --repo is required")
			}
			if err := checkFormat(format); err != nil {
				return err
			}
			ctx := cmd.Context()

			c, err := a.components(ctx)
			if err != nil {
				return err
			}
			if sync {
				if _, err := a.syncRepositories(ctx, c.store); err != nil {
					return err
				}
			}

			var results []crawler.RepoResult
			if all {
				results, err = c.crawler.CrawlAll(ctx)
				if err != nil {
					return err
				}
			} else {
				owner, repo, subdir, err := splitRepoKey(repoKey)
				if err != nil {
					return err
				}
				res, err := c.crawler.CrawlByKey(ctx, owner, repo, subdir)
				if err != nil && res.RunID == "" {
					return err
				}
				results = []crawler.RepoResult{res}
			}

			if err := printCrawlResults(cmd.OutOrStdout(), format, results); err != nil {
				return err
			}
			if failed := crawler.Failed(results); failed > 0 {
				return fmt.Errorf("%d of %d repositories failed", failed, len(results))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&repoKey, "repo", "", "crawl one repository, as owner/repo or owner/repo/subdir")
	cmd.Flags().BoolVar(&all, "all", false, "crawl every enabled repository")
	cmd.Flags().BoolVar(&sync, "sync", false, "sync the repositories file into the store first")
	cmd.Flags().StringVar(&format, "format", formatTable, "output format (table, json)")
	return cmd
}

// splitRepoKey parses owner/repo[/subdir]. The subdir may contain slashes.
func splitRepoKey(key string) (owner, repo, subdir string, err error) {
	parts := strings.SplitN(strings.Trim(key, "/"), "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", "", fmt.Errorf("repository %q: want owner/repo or owner/repo/subdir", key)
	}
	if len(parts) == 3 {
		subdir = strings.Trim(parts[2], "/")
	}
	return parts[0], parts[1], subdir, nil
}

type crawlResultJSON struct {
	Repository       string `json:"repository"`
	RunID            string `json:"run_id"`
	CommitsSeen      int    `json:"commits_seen"`
	CommitsProcessed int    `json:"commits_processed"`
	SharedFork       int    `json:"shared_fork"`
	FilesParsed      int    `json:"files_parsed"`
	FilesSkipped     int    `json:"files_skipped"`
	Head             string `json:"head,omitempty"`
	Error            string `json:"error,omitempty"`
}

func printCrawlResults(out io.Writer, format string, results []crawler.RepoResult) error {
	if format == formatJSON {
		rows := make([]crawlResultJSON, 0, len(results))
		for _, r := range results {
			row := crawlResultJSON{
				Repository:       r.Repository,
				RunID:            r.RunID,
				CommitsSeen:      r.CommitsSeen,
				CommitsProcessed: r.CommitsProcessed,
				SharedFork:       r.SharedFork,
				FilesParsed:      r.FilesParsed,
				FilesSkipped:     r.FilesSkipped,
				Head:             r.Head,
			}
			if r.Err != nil {
				row.Error = r.Err.Error()
			}
			rows = append(rows, row)
		}
		return printJSON(out, rows)
	}

	if len(results) == 0 {
		_, err := fmt.Fprintln(out, "No enabled repositories.")
		return err
	}
	w := newTable(out)
	_, _ = fmt.Fprintf(w, "REPOSITORY\tCOMMITS\tPROCESSED\tSHARED\tPARSED\tSKIPPED\tSTATUS\n")
	for _, r := range results {
		status := "ok"
		if r.Err != nil {
			status = "failed: " + r.Err.Error()
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			r.Repository, r.CommitsSeen, r.CommitsProcessed, r.SharedFork, r.FilesParsed, r.FilesSkipped, status)
	}
	return w.Flush()
}
