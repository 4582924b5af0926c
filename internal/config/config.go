package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/Togather-Foundation/proposals/internal/parser"
	"github.com/Togather-Foundation/proposals/internal/validation"
)

// DefaultPath is read when no config path is given and the file exists.
const DefaultPath = "./config.yaml"

// Config is the root configuration of the indexer.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Logging    LoggingConfig    `yaml:"logging"`
	GitHub     GitHubConfig     `yaml:"github"`
	Crawl      CrawlConfig      `yaml:"crawl"`
	Stats      StatsConfig      `yaml:"stats"`
	Relocation RelocationConfig `yaml:"relocation"`
	Jobs       JobsConfig       `yaml:"jobs"`
	Tracing    TracingConfig    `yaml:"tracing"`
	Metrics    MetricsConfig    `yaml:"metrics"`
}

type DatabaseConfig struct {
	URL            string `yaml:"url"             env:"DATABASE_URL"`
	MaxConnections int32  `yaml:"max_connections" env:"DATABASE_MAX_CONNECTIONS" env-default:"10"`
	// MigrationsPath overrides the migrations compiled into the binary.
	MigrationsPath string `yaml:"migrations_path" env:"DATABASE_MIGRATIONS_PATH"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"  env:"LOG_LEVEL"  env-default:"info"`
	Format string `yaml:"format" env:"LOG_FORMAT" env-default:"json"`
}

// GitHubConfig configures the source host client.
type GitHubConfig struct {
	BaseURL           string        `yaml:"base_url"            env:"GITHUB_API_URL"             env-default:"https://api.github.com"`
	Token             string        `yaml:"token"               env:"GITHUB_TOKEN"`
	RequestsPerSecond float64       `yaml:"requests_per_second" env:"GITHUB_REQUESTS_PER_SECOND" env-default:"1"`
	MaxRetries        int           `yaml:"max_retries"         env:"GITHUB_MAX_RETRIES"         env-default:"3"`
	RetryDelay        time.Duration `yaml:"retry_delay"         env:"GITHUB_RETRY_DELAY"         env-default:"1s"`
	Timeout           time.Duration `yaml:"timeout"             env:"GITHUB_TIMEOUT"             env-default:"15s"`
}

type CrawlConfig struct {
	RepositoriesFile string `yaml:"repositories_file" env:"CRAWL_REPOSITORIES_FILE" env-default:"configs/repositories.yaml"`
	Concurrency      int    `yaml:"concurrency"       env:"CRAWL_CONCURRENCY"       env-default:"4"`
}

type StatsConfig struct {
	Concurrency int `yaml:"concurrency" env:"STATS_CONCURRENCY" env-default:"4"`
}

// RelocationConfig holds the regular expressions that recognise "moved to"
// notices. Empty values select the built-in patterns.
type RelocationConfig struct {
	Phrases []string `yaml:"phrases" env:"RELOCATION_PHRASES" env-separator:";"`
	Link    string   `yaml:"link"    env:"RELOCATION_LINK"`
}

// Detector compiles the configured patterns.
func (c RelocationConfig) Detector() (*parser.RelocationDetector, error) {
	return parser.NewRelocationDetector(c.Phrases, c.Link)
}

// JobsConfig configures the River worker and its periodic schedule.
type JobsConfig struct {
	MaxWorkers       int           `yaml:"max_workers"       env:"JOBS_MAX_WORKERS"       env-default:"4"`
	Periodic         bool          `yaml:"periodic"          env:"JOBS_PERIODIC"          env-default:"false"`
	CrawlInterval    time.Duration `yaml:"crawl_interval"    env:"JOBS_CRAWL_INTERVAL"    env-default:"1h"`
	SnapshotInterval time.Duration `yaml:"snapshot_interval" env:"JOBS_SNAPSHOT_INTERVAL" env-default:"24h"`
	MergeInterval    time.Duration `yaml:"merge_interval"    env:"JOBS_MERGE_INTERVAL"    env-default:"168h"`
	RetryCrawl       int           `yaml:"retry_crawl"       env:"JOB_RETRY_CRAWL"        env-default:"3"`
	RetryResolve     int           `yaml:"retry_resolve"     env:"JOB_RETRY_RESOLVE"      env-default:"3"`
	RetryMerge       int           `yaml:"retry_merge"       env:"JOB_RETRY_MERGE"        env-default:"1"`
	RetrySnapshot    int           `yaml:"retry_snapshot"    env:"JOB_RETRY_SNAPSHOT"     env-default:"5"`
}

type TracingConfig struct {
	Enabled      bool    `yaml:"enabled"       env:"TRACING_ENABLED"       env-default:"false"`
	Exporter     string  `yaml:"exporter"      env:"TRACING_EXPORTER"      env-default:"otlp"`
	ServiceName  string  `yaml:"service_name"  env:"TRACING_SERVICE_NAME"  env-default:"proposals-indexer"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"TRACING_OTLP_ENDPOINT" env-default:"localhost:4317"`
	SampleRate   float64 `yaml:"sample_rate"   env:"TRACING_SAMPLE_RATE"   env-default:"1.0"`
}

// MetricsConfig enables the Prometheus listener of the worker when Addr is
// set.
type MetricsConfig struct {
	Addr         string        `yaml:"addr"          env:"METRICS_ADDR"`
	PoolInterval time.Duration `yaml:"pool_interval" env:"METRICS_POOL_INTERVAL" env-default:"15s"`
}

// Load reads configuration from a YAML file and environment variables.
// Priority: ENV > YAML > defaults (via env-default tags).
// An empty path falls back to CONFIG_PATH, then DefaultPath. A missing file
// is an error only when the path was given explicitly.
func Load(path string) (*Config, error) {
	var cfg Config

	explicitPath := path != ""
	if !explicitPath {
		path = os.Getenv("CONFIG_PATH")
		explicitPath = path != ""
	}
	if !explicitPath {
		path = DefaultPath
	}

	if _, err := os.Stat(path); err == nil {
		if err := cleanenv.ReadConfig(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	} else if explicitPath {
		return nil, fmt.Errorf("config: file %s: %w", path, err)
	} else {
		if err := cleanenv.ReadEnv(&cfg); err != nil {
			return nil, fmt.Errorf("config: read env: %w", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}
	return &cfg, nil
}

// Validate checks the loaded configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []string

	if strings.TrimSpace(c.Database.URL) == "" {
		errs = append(errs, "database.url: required (DATABASE_URL)")
	}
	if c.Database.MaxConnections < 1 {
		errs = append(errs, fmt.Sprintf("database.max_connections: must be >= 1, got %d", c.Database.MaxConnections))
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		errs = append(errs, fmt.Sprintf("logging.format: must be json or console, got %q", c.Logging.Format))
	}

	if err := validation.ValidateAPIBaseURL(c.GitHub.BaseURL, "github.base_url"); err != nil {
		errs = append(errs, err.Error())
	}
	if c.GitHub.RequestsPerSecond <= 0 {
		errs = append(errs, fmt.Sprintf("github.requests_per_second: must be > 0, got %v", c.GitHub.RequestsPerSecond))
	}
	if c.GitHub.MaxRetries < 0 {
		errs = append(errs, fmt.Sprintf("github.max_retries: must be >= 0, got %d", c.GitHub.MaxRetries))
	}

	if c.Crawl.Concurrency < 1 {
		errs = append(errs, fmt.Sprintf("crawl.concurrency: must be >= 1, got %d", c.Crawl.Concurrency))
	}
	if c.Stats.Concurrency < 1 {
		errs = append(errs, fmt.Sprintf("stats.concurrency: must be >= 1, got %d", c.Stats.Concurrency))
	}

	if _, err := c.Relocation.Detector(); err != nil {
		errs = append(errs, "relocation: "+err.Error())
	}

	if c.Jobs.MaxWorkers < 1 {
		errs = append(errs, fmt.Sprintf("jobs.max_workers: must be >= 1, got %d", c.Jobs.MaxWorkers))
	}
	if c.Jobs.Periodic {
		intervals := []struct {
			name string
			d    time.Duration
		}{
			{"crawl_interval", c.Jobs.CrawlInterval},
			{"snapshot_interval", c.Jobs.SnapshotInterval},
			{"merge_interval", c.Jobs.MergeInterval},
		}
		for _, iv := range intervals {
			if iv.d < time.Minute {
				errs = append(errs, fmt.Sprintf("jobs.%s: must be >= 1m, got %s", iv.name, iv.d))
			}
		}
	}

	if c.Tracing.SampleRate < 0 || c.Tracing.SampleRate > 1 {
		errs = append(errs, fmt.Sprintf("tracing.sample_rate: must be between 0 and 1, got %v", c.Tracing.SampleRate))
	}
	switch c.Tracing.Exporter {
	case "stdout", "otlp", "none":
	default:
		errs = append(errs, fmt.Sprintf("tracing.exporter: must be stdout, otlp or none, got %q", c.Tracing.Exporter))
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}
