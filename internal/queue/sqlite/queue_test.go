package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/scrypster/memoir/internal/queue"
	"github.com/scrypster/memoir/internal/queue/queuetest"
	queuesqlite "github.com/scrypster/memoir/internal/queue/sqlite"
	"github.com/scrypster/memoir/internal/storage/sqlite"
	"github.com/stretchr/testify/require"
)

func TestSQLiteQueue(t *testing.T) {
	queuetest.Run(t, func(t *testing.T, opts queue.Options) queue.JobQueue {
		db, err := sqlite.Open(filepath.Join(t.TempDir(), "queue.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })
		q, err := queuesqlite.New(context.Background(), db, opts)
		require.NoError(t, err)
		return q
	})
}
