package postgres

import (
	"context"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// One container serves every integration test in the package; tests reset
// it instead of starting their own.
var shared struct {
	once sync.Once
	err  error
	pool *pgxpool.Pool
}

const sharedContainerName = "proposals-storage-db"

// storeTables is every table the migrations create, truncated between tests.
var storeTables = []string{
	"author_merges",
	"maintainers",
	"authors_on_versions",
	"authors",
	"proposal_versions",
	"proposals",
	"crawl_runs",
	"source_repositories",
	"track_snapshots",
	"protocol_snapshots",
	"global_snapshots",
}

func TestMain(m *testing.M) {
	code := m.Run()
	if shared.pool != nil {
		shared.pool.Close()
	}
	os.Exit(code)
}

// setupPostgres returns a pool on a migrated database with every store
// table emptied and identities restarted. Skipped under -short.
func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping postgres integration test in short mode")
	}

	shared.once.Do(func() {
		shared.pool, shared.err = startPostgres()
	})
	require.NoError(t, shared.err)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	quoted := make([]string, len(storeTables))
	for i, name := range storeTables {
		quoted[i] = pgx.Identifier{"public", name}.Sanitize()
	}
	_, err := shared.pool.Exec(ctx, "TRUNCATE TABLE "+strings.Join(quoted, ", ")+" RESTART IDENTITY CASCADE")
	require.NoError(t, err)
	return shared.pool
}

func startPostgres() (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	_ = os.Setenv("TESTCONTAINERS_RYUK_DISABLED", "true")

	container, err := postgres.Run(
		ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("proposals"),
		postgres.WithUsername("proposals"),
		postgres.WithPassword("proposals_dev"),
		postgres.BasicWaitStrategies(),
		testcontainers.WithReuseByName(sharedContainerName),
	)
	if err != nil {
		return nil, err
	}
	dbURL, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		return nil, err
	}

	// The wait strategy can report ready a moment before migrations are
	// accepted on a reused container.
	for {
		err = MigrateUp(dbURL, "")
		if err == nil {
			break
		}
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(500 * time.Millisecond):
		}
	}

	return Open(ctx, dbURL, 4)
}
