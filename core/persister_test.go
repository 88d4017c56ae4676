package core

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(noopWriter{}, nil))
}

func TestPersisterPersistAndLoadRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "pool.snap")

	pool := NewPool(4096, 512)
	pool.Append([]byte("entropy for persistence"), 64)

	persister := NewPersister(pool, path, testLogger())
	require.NoError(t, persister.Persist())

	_, err := os.Stat(path)
	require.NoError(t, err)

	pool2 := NewPool(4096, 512)
	persister2 := NewPersister(pool2, path, testLogger())
	persister2.Load()

	wantBytes, wantBits, _, _ := pool.Stats()
	gotBytes, gotBits, _, _ := pool2.Stats()
	assert.Equal(t, wantBytes, gotBytes)
	assert.Equal(t, wantBits, gotBits)
}

func TestPersisterLoadMissingFileStartsEmpty(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "missing.snap")

	pool := NewPool(4096, 512)
	persister := NewPersister(pool, path, testLogger())
	persister.Load()

	totalBytes, _, _, _ := pool.Stats()
	assert.EqualValues(t, 0, totalBytes)
}

func TestPersisterLoadCorruptFileStartsEmpty(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "corrupt.snap")
	require.NoError(t, os.WriteFile(path, []byte("not a valid snapshot"), 0o600))

	pool := NewPool(4096, 512)
	persister := NewPersister(pool, path, testLogger())
	persister.Load()

	totalBytes, _, _, _ := pool.Stats()
	assert.EqualValues(t, 0, totalBytes)
}

func TestPersisterPersistNeverLeavesTmpFileOnSuccess(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "pool.snap")

	pool := NewPool(4096, 512)
	pool.Append([]byte("data"), 8)

	persister := NewPersister(pool, path, testLogger())
	require.NoError(t, persister.Persist())

	_, err := os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err))
}

func TestAcquireLockThenReleaseAllowsReacquire(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "pool.snap")

	require.NoError(t, AcquireLock(path, false))

	err := AcquireLock(path, false)
	assert.ErrorIs(t, err, ErrLockHeld)

	require.NoError(t, ReleaseLock(path))
	assert.NoError(t, AcquireLock(path, false))
	require.NoError(t, ReleaseLock(path))
}

func TestAcquireLockForceBypassesExistingMarker(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "pool.snap")

	require.NoError(t, AcquireLock(path, false))
	assert.NoError(t, AcquireLock(path, true))
	require.NoError(t, ReleaseLock(path))
}
