package eventstore

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// postgresDSN returns FLOWLOG_TEST_POSTGRES_DSN, or starts a throwaway
// container when FLOWLOG_TEST_CONTAINERS=1 and Docker is reachable.
func postgresDSN(t *testing.T) string {
	t.Helper()
	if dsn := os.Getenv("FLOWLOG_TEST_POSTGRES_DSN"); dsn != "" {
		return dsn
	}
	if os.Getenv("FLOWLOG_TEST_CONTAINERS") != "1" {
		t.Skip("set FLOWLOG_TEST_POSTGRES_DSN or FLOWLOG_TEST_CONTAINERS=1")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	t.Cleanup(cancel)

	pg, err := testcontainers.Run(
		ctx, "postgres:16",
		testcontainers.WithExposedPorts("5432/tcp"),
		testcontainers.WithWaitStrategy(
			wait.ForAll(
				wait.ForListeningPort("5432/tcp"),
				// The init script restarts the server once before it is usable.
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			).WithDeadline(2*time.Minute),
		),
		testcontainers.WithEnv(map[string]string{
			"POSTGRES_USER":     "flowlog",
			"POSTGRES_PASSWORD": "flowlog",
			"POSTGRES_DB":       "flowlog_test",
		}),
	)
	testcontainers.CleanupContainer(t, pg)
	require.NoError(t, err)

	endpoint, err := pg.Endpoint(ctx, "")
	require.NoError(t, err)
	return fmt.Sprintf("postgres://flowlog:flowlog@%s/flowlog_test?sslmode=disable", endpoint)
}
