package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaultsFromEnv(t *testing.T) {
	t.Setenv("CONFIG_PATH", "")
	t.Setenv("DATABASE_URL", "postgres://u:p@localhost:5432/proposals")
	t.Chdir(t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	require.Equal(t, int32(10), cfg.Database.MaxConnections)
	require.Equal(t, "info", cfg.Logging.Level)
	require.Equal(t, "json", cfg.Logging.Format)
	require.Equal(t, "https://api.github.com", cfg.GitHub.BaseURL)
	require.Equal(t, 1.0, cfg.GitHub.RequestsPerSecond)
	require.Equal(t, 15*time.Second, cfg.GitHub.Timeout)
	require.Equal(t, "configs/repositories.yaml", cfg.Crawl.RepositoriesFile)
	require.Equal(t, 4, cfg.Crawl.Concurrency)
	require.Equal(t, 4, cfg.Stats.Concurrency)
	require.False(t, cfg.Jobs.Periodic)
	require.Equal(t, 168*time.Hour, cfg.Jobs.MergeInterval)
	require.False(t, cfg.Tracing.Enabled)
	require.Empty(t, cfg.Metrics.Addr)
}

func TestLoadYAMLWithEnvOverride(t *testing.T) {
	path := writeYAML(t, `
database:
  url: "postgres://yaml@localhost/proposals"
  max_connections: 5
logging:
  level: debug
  format: console
github:
  token: "from-yaml"
  requests_per_second: 2.5
crawl:
  repositories_file: /etc/indexer/repos.yaml
  concurrency: 8
relocation:
  phrases:
    - '(?i)superseded\s+by'
jobs:
  periodic: true
metrics:
  addr: ":9100"
`)
	t.Setenv("GITHUB_TOKEN", "from-env")

	cfg, err := Load(path)
	require.NoError(t, err)

	require.Equal(t, "postgres://yaml@localhost/proposals", cfg.Database.URL)
	require.Equal(t, int32(5), cfg.Database.MaxConnections)
	require.Equal(t, "console", cfg.Logging.Format)
	require.Equal(t, "from-env", cfg.GitHub.Token, "env wins over yaml")
	require.Equal(t, 2.5, cfg.GitHub.RequestsPerSecond)
	require.Equal(t, 8, cfg.Crawl.Concurrency)
	require.Equal(t, []string{`(?i)superseded\s+by`}, cfg.Relocation.Phrases)
	require.True(t, cfg.Jobs.Periodic)
	require.Equal(t, ":9100", cfg.Metrics.Addr)

	detector, err := cfg.Relocation.Detector()
	require.NoError(t, err)
	dest, ok := detector.Detect("This EIP is superseded by [EIP-2](./eip-2.md).")
	require.True(t, ok)
	require.Equal(t, "./eip-2.md", dest)
}

func TestLoadExplicitMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorContains(t, err, "missing.yaml")
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			Database: DatabaseConfig{URL: "postgres://localhost/p", MaxConnections: 4},
			Logging:  LoggingConfig{Level: "info", Format: "json"},
			GitHub:   GitHubConfig{BaseURL: "https://api.github.com", RequestsPerSecond: 1, MaxRetries: 3},
			Crawl:    CrawlConfig{Concurrency: 4},
			Stats:    StatsConfig{Concurrency: 4},
			Jobs:     JobsConfig{MaxWorkers: 2, Periodic: true, CrawlInterval: time.Hour, SnapshotInterval: time.Hour, MergeInterval: time.Hour},
			Tracing:  TracingConfig{Exporter: "none", SampleRate: 1},
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr []string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{
			name:    "missing database url",
			mutate:  func(c *Config) { c.Database.URL = "" },
			wantErr: []string{"database.url: required"},
		},
		{
			name:    "unknown log format",
			mutate:  func(c *Config) { c.Logging.Format = "xml" },
			wantErr: []string{"logging.format"},
		},
		{
			name:    "bad relocation pattern",
			mutate:  func(c *Config) { c.Relocation.Link = `\[(` },
			wantErr: []string{"relocation: compile relocation link"},
		},
		{
			name:    "plain http api outside localhost",
			mutate:  func(c *Config) { c.GitHub.BaseURL = "http://github.example.com/api/v3" },
			wantErr: []string{"github.base_url: URL must use HTTPS"},
		},
		{
			name:    "periodic intervals too short",
			mutate:  func(c *Config) { c.Jobs.CrawlInterval = time.Second },
			wantErr: []string{"jobs.crawl_interval: must be >= 1m"},
		},
		{
			name: "intervals ignored when not periodic",
			mutate: func(c *Config) {
				c.Jobs.Periodic = false
				c.Jobs.CrawlInterval = 0
			},
		},
		{
			name: "every problem reported",
			mutate: func(c *Config) {
				c.Crawl.Concurrency = 0
				c.Stats.Concurrency = 0
				c.Tracing.SampleRate = 2
				c.Tracing.Exporter = "jaeger"
			},
			wantErr: []string{"crawl.concurrency", "stats.concurrency", "tracing.sample_rate", "tracing.exporter"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if len(tt.wantErr) == 0 {
				require.NoError(t, err)
				return
			}
			for _, want := range tt.wantErr {
				require.ErrorContains(t, err, want)
			}
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(LoggingConfig{Level: "warn", Format: "json"}, &buf)

	logger.Info().Msg("dropped")
	logger.Warn().Str("repo", "o/r").Msg("kept")

	out := buf.String()
	require.NotContains(t, out, "dropped")
	require.Contains(t, out, `"repo":"o/r"`)
	require.Contains(t, out, `"service":"indexer"`)
}

func TestNewJobLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newJobLogger(LoggingConfig{Level: "error", Format: "json"}, &buf)

	logger.Warn("dropped")
	logger.Error("job failed", "kind", "crawl_all")

	out := buf.String()
	require.NotContains(t, out, "dropped")
	require.Contains(t, out, `"kind":"crawl_all"`)
	require.Contains(t, out, `"component":"jobs"`)
}
