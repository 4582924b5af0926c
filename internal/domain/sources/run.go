package sources

import (
	"context"
	"time"
)

// Crawl run statuses.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// CrawlRun records one crawl pass over a repository.
type CrawlRun struct {
	ID               string
	RepositoryID     int64
	Status           string
	CommitsSeen      int
	CommitsProcessed int
	FilesParsed      int
	FilesSkipped     int
	Error            string
	StartedAt        time.Time
	FinishedAt       *time.Time
}

// RunStore persists crawl run records.
type RunStore interface {
	StartRun(ctx context.Context, run CrawlRun) error
	FinishRun(ctx context.Context, run CrawlRun) error
	ListRuns(ctx context.Context, repositoryID int64, limit int) ([]CrawlRun, error)
}
