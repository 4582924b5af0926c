package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Togather-Foundation/proposals/internal/domain/authors"
	"github.com/Togather-Foundation/proposals/internal/sourcehost"
)

var testRepo = sourcehost.Repo{Owner: "ethereum", Name: "EIPs", Branch: "master"}

func newTestClient(url string) *Client {
	return NewClient(url, WithRateLimit(1000), WithRetry(3, time.Millisecond), WithToken("secret"))
}

func commitJSON(sha string, date time.Time) map[string]any {
	return map[string]any{
		"sha": sha,
		"commit": map[string]any{
			"author":    map[string]any{"name": "Ada", "email": "Ada@Example.org", "date": date.Format(time.RFC3339)},
			"committer": map[string]any{"name": "GitHub", "email": "noreply@github.com", "date": date.Format(time.RFC3339)},
		},
		"author": map[string]any{"login": "ada"},
	}
}

func TestClient_ListCommits_PaginatesUntilCursor(t *testing.T) {
	base := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)
	// c150 is the newest commit, c001 the oldest.
	var log []map[string]any
	for i := 150; i >= 1; i-- {
		log = append(log, commitJSON(fmt.Sprintf("c%03d", i), base.Add(time.Duration(i)*time.Hour)))
	}

	var requests atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		require.Equal(t, "/repos/ethereum/EIPs/commits", r.URL.Path)
		require.Equal(t, "master", r.URL.Query().Get("sha"))
		require.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		page, _ := strconv.Atoi(r.URL.Query().Get("page"))
		start := (page - 1) * perPage
		end := min(start+perPage, len(log))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(log[start:end])
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	commits, err := client.ListCommits(context.Background(), testRepo, "c040")
	require.NoError(t, err)
	require.Len(t, commits, 110)
	require.Equal(t, "c041", commits[0].SHA)
	require.Equal(t, "c150", commits[len(commits)-1].SHA)
	require.Equal(t, authors.Descriptor{Name: "Ada", Email: "ada@example.org", Handle: "ada"}, commits[0].Author)
	require.Equal(t, int32(2), requests.Load())

	all, err := client.ListCommits(context.Background(), testRepo, "")
	require.NoError(t, err)
	require.Len(t, all, 150)
	require.Equal(t, "c001", all[0].SHA)
}

func TestClient_GetCommit(t *testing.T) {
	date := time.Date(2021, 3, 4, 5, 6, 7, 0, time.UTC)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/repos/ethereum/EIPs/commits/abc123", r.URL.Path)
		body := commitJSON("abc123", date)
		body["author"] = nil
		body["files"] = []map[string]any{
			{"filename": "EIPS/eip-1.md", "status": "modified"},
			{"filename": "EIPS/eip-2.md", "previous_filename": "EIPS/eip-3.md", "status": "renamed"},
			{"filename": "EIPS/eip-4.md", "status": "copied"},
			{"filename": "EIPS/eip-5.md", "status": "removed"},
		}
		_ = json.NewEncoder(w).Encode(body)
	}))
	defer server.Close()

	detail, err := newTestClient(server.URL).GetCommit(context.Background(), testRepo, "abc123")
	require.NoError(t, err)
	require.Equal(t, "abc123", detail.SHA)
	require.True(t, date.Equal(detail.Date))
	require.Empty(t, detail.Author.Handle)
	require.Equal(t, []sourcehost.FileChange{
		{Path: "EIPS/eip-1.md", Status: sourcehost.StatusModified},
		{Path: "EIPS/eip-2.md", PreviousPath: "EIPS/eip-3.md", Status: sourcehost.StatusRenamed},
		{Path: "EIPS/eip-4.md", Status: sourcehost.StatusAdded},
		{Path: "EIPS/eip-5.md", Status: sourcehost.StatusRemoved},
	}, detail.Files)
}

func TestClient_FileContent(t *testing.T) {
	doc := "---\ntitle: Example\nstatus: Draft\n---\n\nA body long enough to wrap across base64 lines in the response."
	encoded := base64.StdEncoding.EncodeToString([]byte(doc))
	wrapped := ""
	for len(encoded) > 60 {
		wrapped += encoded[:60] + "\n"
		encoded = encoded[60:]
	}
	wrapped += encoded

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/repos/ethereum/EIPs/contents/EIPS/missing.md" {
			http.Error(w, `{"message":"Not Found"}`, http.StatusNotFound)
			return
		}
		require.Equal(t, "/repos/ethereum/EIPs/contents/EIPS/eip-1.md", r.URL.Path)
		require.Equal(t, "abc123", r.URL.Query().Get("ref"))
		_ = json.NewEncoder(w).Encode(map[string]string{"type": "file", "encoding": "base64", "content": wrapped})
	}))
	defer server.Close()

	client := newTestClient(server.URL)

	got, err := client.FileContent(context.Background(), testRepo, "EIPS/eip-1.md", "abc123")
	require.NoError(t, err)
	require.Equal(t, doc, got)

	_, err = client.FileContent(context.Background(), testRepo, "EIPS/missing.md", "abc123")
	require.ErrorIs(t, err, sourcehost.ErrNotFound)
}

func TestClient_RetriesTransientErrors(t *testing.T) {
	tests := []struct {
		name      string
		failures  []func(w http.ResponseWriter)
		wantCalls int32
		wantErr   bool
	}{
		{
			name: "429 then 500 then success",
			failures: []func(w http.ResponseWriter){
				func(w http.ResponseWriter) { w.WriteHeader(http.StatusTooManyRequests) },
				func(w http.ResponseWriter) { w.WriteHeader(http.StatusInternalServerError) },
			},
			wantCalls: 3,
		},
		{
			name: "403 with exhausted quota",
			failures: []func(w http.ResponseWriter){
				func(w http.ResponseWriter) {
					w.Header().Set("X-RateLimit-Remaining", "0")
					w.WriteHeader(http.StatusForbidden)
				},
			},
			wantCalls: 2,
		},
		{
			name: "retries exhausted",
			failures: []func(w http.ResponseWriter){
				func(w http.ResponseWriter) { w.WriteHeader(http.StatusBadGateway) },
				func(w http.ResponseWriter) { w.WriteHeader(http.StatusBadGateway) },
				func(w http.ResponseWriter) { w.WriteHeader(http.StatusBadGateway) },
				func(w http.ResponseWriter) { w.WriteHeader(http.StatusBadGateway) },
			},
			wantCalls: 4,
			wantErr:   true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := calls.Add(1)
				if int(n) <= len(tt.failures) {
					tt.failures[n-1](w)
					return
				}
				_ = json.NewEncoder(w).Encode([]any{})
			}))
			defer server.Close()

			_, err := newTestClient(server.URL).ListCommits(context.Background(), testRepo, "")
			if tt.wantErr {
				require.ErrorContains(t, err, "max retries exceeded")
			} else {
				require.NoError(t, err)
			}
			require.Equal(t, tt.wantCalls, calls.Load())
		})
	}
}

func TestClient_ForbiddenWithoutRateLimitIsFatal(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"message":"Resource not accessible"}`, http.StatusForbidden)
	}))
	defer server.Close()

	_, err := newTestClient(server.URL).GetCommit(context.Background(), testRepo, "abc")
	require.ErrorContains(t, err, "unexpected status code 403")
	require.Equal(t, int32(1), calls.Load())
}

func TestParseRetryAfter(t *testing.T) {
	require.Equal(t, 5*time.Second, parseRetryAfter("5"))
	require.Equal(t, MaxRetryAfter, parseRetryAfter("3600"))
	require.Zero(t, parseRetryAfter("soon"))
}

func TestRateLimitDelay(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	reset := func(d time.Duration) string { return strconv.FormatInt(now.Add(d).Unix(), 10) }

	tests := []struct {
		name    string
		headers map[string]string
		want    time.Duration
	}{
		{name: "retry after wins", headers: map[string]string{"Retry-After": "7", "X-RateLimit-Remaining": "0", "X-RateLimit-Reset": reset(time.Minute)}, want: 7 * time.Second},
		{name: "primary quota spent", headers: map[string]string{"X-RateLimit-Remaining": "0", "X-RateLimit-Reset": reset(20 * time.Second)}, want: 20 * time.Second},
		{name: "reset far away is capped", headers: map[string]string{"X-RateLimit-Remaining": "0", "X-RateLimit-Reset": reset(time.Hour)}, want: MaxRetryAfter},
		{name: "reset already passed", headers: map[string]string{"X-RateLimit-Remaining": "0", "X-RateLimit-Reset": reset(-time.Second)}},
		{name: "quota left", headers: map[string]string{"X-RateLimit-Remaining": "12", "X-RateLimit-Reset": reset(time.Minute)}},
		{name: "malformed reset", headers: map[string]string{"X-RateLimit-Remaining": "0", "X-RateLimit-Reset": "tomorrow"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := http.Header{}
			for k, v := range tt.headers {
				h.Set(k, v)
			}
			require.Equal(t, tt.want, rateLimitDelay(h, now))
		})
	}
}

func TestClient_RetriesPrimaryRateLimit(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(time.Now().Unix(), 10))
			http.Error(w, `{"message":"API rate limit exceeded"}`, http.StatusForbidden)
			return
		}
		_ = json.NewEncoder(w).Encode(commitJSON("abc", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
	}))
	defer server.Close()

	got, err := newTestClient(server.URL).GetCommit(context.Background(), testRepo, "abc")
	require.NoError(t, err)
	require.Equal(t, "abc", got.SHA)
	require.Equal(t, int32(2), calls.Load())
}
