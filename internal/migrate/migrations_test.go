package migrate

import (
	"context"
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"

	"wsrpline/internal/db"
)

func TestMigrateIsIdempotent(t *testing.T) {
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err)
	defer conn.Close()
	ctx := context.Background()

	v, err := CurrentVersion(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, 0, v)

	require.NoError(t, Migrate(conn))
	require.NoError(t, Migrate(conn))

	v, err = CurrentVersion(ctx, conn)
	require.NoError(t, err)
	require.Equal(t, 2, v)

	for _, table := range []string{"consumers", "consumer_groups", "registrations", "settings", "consumer_registrations", "events", "admin_keys"} {
		var n int
		require.NoError(t, conn.QueryRow(`SELECT count(*) FROM sqlite_master WHERE type='table' AND name=?`, table).Scan(&n))
		require.Equal(t, 1, n, table)
	}
}

func TestLoadMigrationsRejectsBadNames(t *testing.T) {
	_, err := loadMigrations(fstest.MapFS{"sql/init.sql": {Data: []byte("SELECT 1;")}})
	require.Error(t, err)

	_, err = loadMigrations(fstest.MapFS{
		"sql/0001_a.sql": {Data: []byte("SELECT 1;")},
		"sql/0001_b.sql": {Data: []byte("SELECT 1;")},
	})
	require.ErrorContains(t, err, "share version")

	ms, err := loadMigrations(fstest.MapFS{
		"sql/0002_b.sql": {Data: []byte("SELECT 2;")},
		"sql/0001_a.sql": {Data: []byte("SELECT 1;")},
	})
	require.NoError(t, err)
	require.Equal(t, []int{1, 2}, []int{ms[0].Version, ms[1].Version})
}
