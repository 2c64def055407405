package store

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func openTestSQLite(t *testing.T, path, ns string) *SQLite {
	t.Helper()
	s, err := OpenSQLite(path, ns, zap.NewNop())
	require.NoError(t, err)
	return s
}

func TestSQLiteNotFound(t *testing.T) {
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "meter.db"), DefaultNamespace)
	defer s.Close()

	_, err := s.GetBlob(Key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteCommitPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meter.db")

	s := openTestSQLite(t, path, DefaultNamespace)
	require.NoError(t, s.SetBlob(Key, []byte{1, 2, 3, 4, 5, 6, 7, 8}))

	// Staged writes are visible on the same handle before commit.
	got, err := s.GetBlob(Key)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, got)

	require.NoError(t, s.Commit())
	require.NoError(t, s.SetBlob(Key, []byte{9, 9, 9, 9, 9, 9, 9, 9}))
	require.NoError(t, s.Commit())
	require.NoError(t, s.Close())

	s = openTestSQLite(t, path, DefaultNamespace)
	defer s.Close()
	got, err = s.GetBlob(Key)
	require.NoError(t, err)
	assert.Equal(t, []byte{9, 9, 9, 9, 9, 9, 9, 9}, got)
}

func TestSQLiteCloseDiscardsStaged(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meter.db")

	s := openTestSQLite(t, path, DefaultNamespace)
	require.NoError(t, s.SetBlob(Key, []byte{1}))
	require.NoError(t, s.Close())

	s = openTestSQLite(t, path, DefaultNamespace)
	defer s.Close()
	_, err := s.GetBlob(Key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteCommitWithoutWrites(t *testing.T) {
	s := openTestSQLite(t, filepath.Join(t.TempDir(), "meter.db"), DefaultNamespace)
	defer s.Close()
	assert.NoError(t, s.Commit())
}

func TestSQLiteNamespacesIsolated(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meter.db")

	a := openTestSQLite(t, path, "a")
	require.NoError(t, a.SetBlob(Key, []byte{1}))
	require.NoError(t, a.Commit())
	require.NoError(t, a.Close())

	b := openTestSQLite(t, path, "b")
	defer b.Close()
	_, err := b.GetBlob(Key)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSQLiteRecoversFromGarbageFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meter.db")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte("x"), 4096), 0o600))

	s := openTestSQLite(t, path, DefaultNamespace)
	defer s.Close()

	_, err := s.GetBlob(Key)
	assert.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, s.SetBlob(Key, encode(1)))
	require.NoError(t, s.Commit())
}

func TestSQLiteEmptyPath(t *testing.T) {
	_, err := OpenSQLite("", DefaultNamespace, zap.NewNop())
	assert.Error(t, err)
}

func TestHidrometerOverSQLite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "meter.db")

	s := openTestSQLite(t, path, DefaultNamespace)
	h := NewHidrometer(s, DefaultCommitTimeout, zap.NewNop())
	require.NoError(t, h.Save(context.Background(), 42.125))
	require.NoError(t, h.Close())

	s = openTestSQLite(t, path, DefaultNamespace)
	h = NewHidrometer(s, DefaultCommitTimeout, zap.NewNop())
	defer h.Close()
	assert.Equal(t, 42.125, h.Load(context.Background()))
}
