package lockfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAcquireWritesPID(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir)
	require.NoError(t, err)
	defer lock.Release()

	assert.Equal(t, filepath.Join(dir, LockFileName), lock.Path())
	content, err := os.ReadFile(lock.Path())
	require.NoError(t, err)
	assert.Equal(t, fmt.Sprintf("pid=%d\n", os.Getpid()), string(content))
}

func TestAcquireCreatesMissingDirectory(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "nested", "state")

	lock, err := Acquire(dir)
	require.NoError(t, err)
	defer lock.Release()

	_, err = os.Stat(dir)
	assert.NoError(t, err)
}

func TestSecondAcquireFails(t *testing.T) {
	dir := t.TempDir()

	first, err := Acquire(dir)
	require.NoError(t, err)
	defer first.Release()

	second, err := Acquire(dir)
	require.Error(t, err)
	assert.Nil(t, second)
	assert.True(t, errors.Is(err, ErrLocked))

	var lockErr *LockError
	require.True(t, errors.As(err, &lockErr))
	assert.Contains(t, lockErr.Holder, fmt.Sprintf("pid %d (running)", os.Getpid()))
	assert.Contains(t, err.Error(), LockFileName)
}

func TestReleaseAllowsReacquire(t *testing.T) {
	dir := t.TempDir()

	lock, err := Acquire(dir)
	require.NoError(t, err)
	require.NoError(t, lock.Release())
	require.NoError(t, lock.Release())

	_, err = os.Stat(filepath.Join(dir, LockFileName))
	assert.True(t, os.IsNotExist(err))

	again, err := Acquire(dir)
	require.NoError(t, err)
	assert.NoError(t, again.Release())
}

func TestParsePID(t *testing.T) {
	assert.Equal(t, 1234, parsePID("pid=1234\n"))
	assert.Equal(t, 42, parsePID("host=x\npid=42"))
	assert.Equal(t, 0, parsePID("pid=abc"))
	assert.Equal(t, 0, parsePID(""))
}

func TestNilLockRelease(t *testing.T) {
	var l *Lock
	assert.NoError(t, l.Release())
}
