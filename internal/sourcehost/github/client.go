// Package github implements sourcehost.Client against the GitHub REST API.
package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/Togather-Foundation/proposals/internal/domain/authors"
	"github.com/Togather-Foundation/proposals/internal/sourcehost"
)

const (
	// DefaultBaseURL is the public GitHub REST endpoint
	DefaultBaseURL = "https://api.github.com"
	// DefaultUserAgent identifies the indexer to GitHub
	DefaultUserAgent = "proposals-indexer/1.0"
	// DefaultTimeout for HTTP requests
	DefaultTimeout = 15 * time.Second
	// DefaultRateLimit stays well under the authenticated 5000 requests/hour
	DefaultRateLimit = rate.Limit(1.0)
	// MaxRetries for transient errors
	MaxRetries = 3
	// RetryBaseDelay is the initial backoff delay
	RetryBaseDelay = 1 * time.Second
	// MaxRetryAfter caps how long a Retry-After or X-RateLimit-Reset header
	// can stall a request
	MaxRetryAfter = 60 * time.Second

	perPage = 100
)

// Client talks to the GitHub REST API with request throttling and
// exponential backoff on rate limits and server errors.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	token      string
	limiter    *rate.Limiter
	maxRetries int
	retryDelay time.Duration
}

var _ sourcehost.Client = (*Client)(nil)

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithToken authenticates requests with a personal access or app token.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithRateLimit sets a custom rate limit (requests per second).
func WithRateLimit(rps float64) Option {
	return func(c *Client) {
		c.limiter = rate.NewLimiter(rate.Limit(rps), 1)
	}
}

// WithRetry sets the retry count and the base backoff delay.
func WithRetry(maxRetries int, baseDelay time.Duration) Option {
	return func(c *Client) {
		c.maxRetries = maxRetries
		c.retryDelay = baseDelay
	}
}

// NewClient creates a GitHub API client. An empty baseURL selects the
// public API.
func NewClient(baseURL string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	client := &Client{
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		baseURL:    strings.TrimRight(baseURL, "/"),
		userAgent:  DefaultUserAgent,
		limiter:    rate.NewLimiter(DefaultRateLimit, 1),
		maxRetries: MaxRetries,
		retryDelay: RetryBaseDelay,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client
}

type commitPerson struct {
	Name  string    `json:"name"`
	Email string    `json:"email"`
	Date  time.Time `json:"date"`
}

type account struct {
	Login string `json:"login"`
}

type commitResponse struct {
	SHA    string `json:"sha"`
	Commit struct {
		Author    commitPerson `json:"author"`
		Committer commitPerson `json:"committer"`
	} `json:"commit"`
	Author *account `json:"author"`
	Files  []struct {
		Filename         string `json:"filename"`
		PreviousFilename string `json:"previous_filename"`
		Status           string `json:"status"`
	} `json:"files"`
}

func (r commitResponse) toCommit() sourcehost.Commit {
	date := r.Commit.Committer.Date
	if date.IsZero() {
		date = r.Commit.Author.Date
	}
	c := sourcehost.Commit{
		SHA:  r.SHA,
		Date: date.UTC(),
		Author: authors.Descriptor{
			Name:  strings.TrimSpace(r.Commit.Author.Name),
			Email: strings.ToLower(strings.TrimSpace(r.Commit.Author.Email)),
		},
	}
	if r.Author != nil {
		c.Author.Handle = r.Author.Login
	}
	return c
}

// ListCommits pages through the branch log, newest first, until it reaches
// sinceSHA, and returns the newer commits oldest first. If sinceSHA is not
// in the log (for example after a force push) the whole log is returned.
func (c *Client) ListCommits(ctx context.Context, repo sourcehost.Repo, sinceSHA string) ([]sourcehost.Commit, error) {
	var commits []sourcehost.Commit

	for page := 1; ; page++ {
		params := url.Values{}
		params.Set("per_page", strconv.Itoa(perPage))
		params.Set("page", strconv.Itoa(page))
		if repo.Branch != "" {
			params.Set("sha", repo.Branch)
		}
		requestURL := fmt.Sprintf("%s/repos/%s/%s/commits?%s",
			c.baseURL, url.PathEscape(repo.Owner), url.PathEscape(repo.Name), params.Encode())

		var batch []commitResponse
		if err := c.doWithRetry(ctx, requestURL, &batch); err != nil {
			return nil, fmt.Errorf("list commits %s page %d: %w", repo, page, err)
		}

		for _, item := range batch {
			if sinceSHA != "" && item.SHA == sinceSHA {
				return reverse(commits), nil
			}
			commits = append(commits, item.toCommit())
		}
		if len(batch) < perPage {
			break
		}
	}

	return reverse(commits), nil
}

// GetCommit returns a commit and its file list. Large commits spread their
// files over several pages.
func (c *Client) GetCommit(ctx context.Context, repo sourcehost.Repo, sha string) (*sourcehost.CommitDetail, error) {
	if sha == "" {
		return nil, fmt.Errorf("commit sha cannot be empty")
	}

	var detail *sourcehost.CommitDetail
	for page := 1; ; page++ {
		params := url.Values{}
		params.Set("per_page", strconv.Itoa(perPage))
		params.Set("page", strconv.Itoa(page))
		requestURL := fmt.Sprintf("%s/repos/%s/%s/commits/%s?%s",
			c.baseURL, url.PathEscape(repo.Owner), url.PathEscape(repo.Name), url.PathEscape(sha), params.Encode())

		var resp commitResponse
		if err := c.doWithRetry(ctx, requestURL, &resp); err != nil {
			return nil, fmt.Errorf("get commit %s@%s: %w", repo, sha, err)
		}
		if detail == nil {
			detail = &sourcehost.CommitDetail{Commit: resp.toCommit()}
		}
		for _, f := range resp.Files {
			detail.Files = append(detail.Files, sourcehost.FileChange{
				Path:         f.Filename,
				PreviousPath: f.PreviousFilename,
				Status:       normalizeStatus(f.Status),
			})
		}
		if len(resp.Files) < perPage {
			break
		}
	}

	return detail, nil
}

// normalizeStatus folds GitHub's extra statuses onto the four the
// classifier knows about.
func normalizeStatus(status string) string {
	switch status {
	case "copied":
		return sourcehost.StatusAdded
	case "changed", "unchanged":
		return sourcehost.StatusModified
	default:
		return status
	}
}

type contentResponse struct {
	Type     string `json:"type"`
	Encoding string `json:"encoding"`
	Content  string `json:"content"`
}

// FileContent fetches path at ref and decodes the base64 payload.
func (c *Client) FileContent(ctx context.Context, repo sourcehost.Repo, filePath, ref string) (string, error) {
	escaped := make([]string, 0, strings.Count(filePath, "/")+1)
	for _, segment := range strings.Split(strings.Trim(filePath, "/"), "/") {
		escaped = append(escaped, url.PathEscape(segment))
	}
	params := url.Values{}
	if ref != "" {
		params.Set("ref", ref)
	}
	requestURL := fmt.Sprintf("%s/repos/%s/%s/contents/%s?%s",
		c.baseURL, url.PathEscape(repo.Owner), url.PathEscape(repo.Name), strings.Join(escaped, "/"), params.Encode())

	var resp contentResponse
	if err := c.doWithRetry(ctx, requestURL, &resp); err != nil {
		return "", fmt.Errorf("file content %s:%s@%s: %w", repo, filePath, ref, err)
	}
	if resp.Type != "" && resp.Type != "file" {
		return "", fmt.Errorf("file content %s:%s: not a file (%s)", repo, filePath, resp.Type)
	}
	if resp.Encoding != "" && resp.Encoding != "base64" {
		return "", fmt.Errorf("file content %s:%s: unsupported encoding %q", repo, filePath, resp.Encoding)
	}

	// GitHub wraps the payload at 60 columns.
	raw, err := base64.StdEncoding.DecodeString(strings.ReplaceAll(resp.Content, "\n", ""))
	if err != nil {
		return "", fmt.Errorf("decode content %s:%s: %w", repo, filePath, err)
	}
	return string(raw), nil
}

// doWithRetry executes an HTTP GET request with exponential backoff retry logic.
func (c *Client) doWithRetry(ctx context.Context, requestURL string, result interface{}) error {
	var (
		lastErr    error
		retryAfter time.Duration
	)

	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			// Exponential backoff: 1s, 2s, 4s, ... unless the server asked for longer
			delay := c.retryDelay * time.Duration(1<<uint(attempt-1))
			if retryAfter > delay {
				delay = retryAfter
			}
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		retryAfter = 0

		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}

		req.Header.Set("User-Agent", c.userAgent)
		req.Header.Set("Accept", "application/vnd.github+json")
		req.Header.Set("X-GitHub-Api-Version", "2022-11-28")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			lastErr = fmt.Errorf("http request: %w", err)
			continue // Retry on network errors
		}

		body, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()

		if err != nil {
			lastErr = fmt.Errorf("read response: %w", err)
			continue // Retry on read errors
		}

		if isRateLimited(resp) {
			retryAfter = rateLimitDelay(resp.Header, time.Now())
			lastErr = fmt.Errorf("rate limited (%d)", resp.StatusCode)
			continue
		}

		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("server error (%d)", resp.StatusCode)
			continue // Retry server errors
		}

		if resp.StatusCode == http.StatusNotFound {
			return sourcehost.ErrNotFound
		}

		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, string(body))
		}

		if err := json.Unmarshal(body, result); err != nil {
			return fmt.Errorf("parse json: %w", err)
		}

		return nil
	}

	return fmt.Errorf("max retries exceeded: %w", lastErr)
}

// isRateLimited recognizes both the 429 and GitHub's 403-with-zero-remaining
// forms of a rate limit response.
func isRateLimited(resp *http.Response) bool {
	if resp.StatusCode == http.StatusTooManyRequests {
		return true
	}
	if resp.StatusCode != http.StatusForbidden {
		return false
	}
	return resp.Header.Get("X-RateLimit-Remaining") == "0" || resp.Header.Get("Retry-After") != ""
}

func parseRetryAfter(value string) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil || seconds <= 0 {
		return 0
	}
	d := time.Duration(seconds) * time.Second
	if d > MaxRetryAfter {
		return MaxRetryAfter
	}
	return d
}

// rateLimitDelay is how long a rate-limited response asks us to wait:
// Retry-After for secondary limits, else the time until X-RateLimit-Reset
// once the primary quota is spent. Both are capped at MaxRetryAfter.
func rateLimitDelay(h http.Header, now time.Time) time.Duration {
	if d := parseRetryAfter(h.Get("Retry-After")); d > 0 {
		return d
	}
	if h.Get("X-RateLimit-Remaining") != "0" {
		return 0
	}
	reset, err := strconv.ParseInt(strings.TrimSpace(h.Get("X-RateLimit-Reset")), 10, 64)
	if err != nil {
		return 0
	}
	d := time.Unix(reset, 0).Sub(now)
	if d <= 0 {
		return 0
	}
	return min(d, MaxRetryAfter)
}

func reverse(commits []sourcehost.Commit) []sourcehost.Commit {
	for i, j := 0, len(commits)-1; i < j; i, j = i+1, j-1 {
		commits[i], commits[j] = commits[j], commits[i]
	}
	return commits
}
