package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_CreatesLayoutAndSchema(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	for _, sub := range []string{"r2", "d1", "do-sql"} {
		info, err := os.Stat(filepath.Join(dir, sub))
		require.NoError(t, err)
		assert.True(t, info.IsDir())
	}

	var name string
	err = s.DB.QueryRow(`SELECT name FROM sqlite_master WHERE type='table' AND name='kv_entries'`).Scan(&name)
	require.NoError(t, err)
	assert.Equal(t, "kv_entries", name)
}

func TestOpen_IsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(dir)
	require.NoError(t, err)
	defer s2.Close()
}

func TestRunMigrations_SafeToRepeat(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.RunMigrations())
	require.NoError(t, s.RunMigrations())
}

func TestPathHelpers(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(dir)
	require.NoError(t, err)
	defer s.Close()

	assert.Equal(t, filepath.Join(dir, "r2", "uploads"), s.R2Dir("uploads"))
	assert.Equal(t, filepath.Join(dir, "d1", "main.sqlite"), s.D1Path("main"))
	assert.Equal(t, filepath.Join(dir, "do-sql", "Counter", "abc.sqlite"), s.DOSQLPath("Counter", "abc"))
}
