package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/scrypster/memoir/pkg/types"
	"github.com/stretchr/testify/require"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

// fixedClock returns a settable clock for deterministic timestamps.
type fixedClock struct{ t time.Time }

func (c *fixedClock) now() time.Time { return c.t }

func createRecord(t *testing.T, s *RecordStore, id, owner string) *types.MemoryRecord {
	t.Helper()
	rec := &types.MemoryRecord{ID: id, OwnerID: owner, Content: "content of " + id}
	require.NoError(t, s.CreateRecord(context.Background(), rec))
	return rec
}
