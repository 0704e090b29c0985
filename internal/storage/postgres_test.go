package storage

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// TestPostgresContract runs the shared suite against a real server. It is
// skipped unless POSTPIPE_TEST_POSTGRES_DSN points at a disposable database.
func TestPostgresContract(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("POSTPIPE_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("POSTPIPE_TEST_POSTGRES_DSN not set")
	}
	runContract(t, func(t *testing.T, now func() time.Time) Store {
		s, err := Open(Config{Driver: "postgres", DSN: dsn, Now: now}, logxNop())
		require.NoError(t, err)
		pg := s.(*postgresStore)
		_, err = pg.pool.Exec(context.Background(),
			`TRUNCATE posts, dispatch_entries, usage_ledger, owner_settings`)
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}
