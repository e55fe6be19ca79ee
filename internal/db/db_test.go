package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenCreatesWorkspace(t *testing.T) {
	dir := t.TempDir()
	conn, err := Open(Config{Workspace: dir})
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.Ping())

	_, err = os.Stat(filepath.Join(dir, ".wsrp"))
	require.NoError(t, err)
	require.Equal(t, filepath.Join(dir, ".wsrp", "wsrp.db"), Path(dir))

	var fk int
	require.NoError(t, conn.QueryRow(`PRAGMA foreign_keys`).Scan(&fk))
	require.Equal(t, 1, fk)
}

func TestOpenInMemory(t *testing.T) {
	conn, err := Open(Config{InMemory: true})
	require.NoError(t, err)
	defer conn.Close()
	_, err = conn.Exec(`CREATE TABLE t(x INTEGER)`)
	require.NoError(t, err)
	_, err = conn.Exec(`INSERT INTO t(x) VALUES (1)`)
	require.NoError(t, err)
	var n int
	require.NoError(t, conn.QueryRow(`SELECT count(*) FROM t`).Scan(&n))
	require.Equal(t, 1, n)
}
