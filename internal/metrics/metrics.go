package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Namespace for all indexer metrics
const namespace = "proposals"

// Registry is the global Prometheus registry for all metrics
var Registry = prometheus.NewRegistry()

// AppInfo is a gauge that exposes application version information as labels
var AppInfo = promauto.With(Registry).NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "app_info",
		Help:      "Application version information (always set to 1, version info in labels)",
	},
	[]string{"version", "commit", "build_date"},
)

// Crawl metrics

// CrawlRunsTotal counts repository crawl passes by result
var CrawlRunsTotal = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "crawl_runs_total",
		Help:      "Total number of repository crawl passes",
	},
	[]string{"repo", "result"}, // result: completed|failed
)

// CrawlDuration tracks how long a repository crawl pass takes
var CrawlDuration = promauto.With(Registry).NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "crawl_duration_seconds",
		Help:      "Duration of one repository crawl pass in seconds",
		Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600, 10800},
	},
	[]string{"repo"},
)

// CommitsTotal counts commits seen by the crawler
var CommitsTotal = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "commits_total",
		Help:      "Total number of commits handled by the classifier",
	},
	[]string{"protocol", "result"}, // result: processed|shared_fork|failed
)

// FileChangesTotal counts classified file changes by the action taken
var FileChangesTotal = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "file_changes_total",
		Help:      "Total number of tracked file changes by classification",
	},
	[]string{"protocol", "action"}, // action: upserted|renamed|moved|removed|unparsed|ignored
)

// Relocation metrics

// RelocationsTotal counts outcomes of pending relocation resolution
var RelocationsTotal = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "relocations_total",
		Help:      "Total number of pending relocations examined by outcome",
	},
	[]string{"outcome"}, // outcome: resolved|unresolved|invalid|refused|failed
)

// Identity metrics

// AuthorMergeGroupsTotal counts author merge groups by result
var AuthorMergeGroupsTotal = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "author_merge_groups_total",
		Help:      "Total number of duplicate author groups by result",
	},
	[]string{"result"}, // result: planned|merged|failed
)

// AuthorsAbsorbedTotal counts duplicate author records removed by merges
var AuthorsAbsorbedTotal = promauto.With(Registry).NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "authors_absorbed_total",
		Help:      "Total number of duplicate authors folded into a primary",
	},
)

// Snapshot metrics

// SnapshotsTotal counts snapshot computations by kind and result
var SnapshotsTotal = promauto.With(Registry).NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "snapshots_total",
		Help:      "Total number of snapshot computations",
	},
	[]string{"kind", "result"}, // kind: protocol|global, result: stored|empty|failed
)

// SnapshotDuration tracks snapshot computation latency
var SnapshotDuration = promauto.With(Registry).NewHistogramVec(
	prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "snapshot_duration_seconds",
		Help:      "Snapshot computation duration in seconds",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
	},
	[]string{"kind"}, // kind: protocol|period
)

// Init registers runtime collectors and sets version information
func Init(version, commit, buildDate string) {
	// Register default Go metrics (memory, goroutines, GC, etc.)
	Registry.MustRegister(collectors.NewGoCollector())

	// Register process metrics (CPU, memory, file descriptors)
	Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	AppInfo.WithLabelValues(version, commit, buildDate).Set(1)
}
