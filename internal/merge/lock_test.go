package merge

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/loomstage/loom/internal/errs"
	"github.com/loomstage/loom/internal/logging"
)

func newLock(t *testing.T) *Lock {
	t.Helper()
	return NewLock(filepath.Join(t.TempDir(), "merge.lock"), logging.New())
}

func TestLock_AcquireRelease(t *testing.T) {
	l := newLock(t)

	release, err := l.Acquire(time.Second)
	require.NoError(t, err)

	raw, err := os.ReadFile(l.Path())
	require.NoError(t, err)
	assert.Contains(t, string(raw), "pid=")
	assert.Contains(t, string(raw), "timestamp=")

	release()
	_, err = os.Stat(l.Path())
	assert.True(t, os.IsNotExist(err))

	// Double release is harmless.
	release()
}

func TestLock_ContendedZeroTimeout_ReturnsError(t *testing.T) {
	l := newLock(t)
	release, err := l.Acquire(time.Second)
	require.NoError(t, err)
	defer release()

	_, err = l.Acquire(0)
	require.Error(t, err)
	assert.ErrorIs(t, err, errs.ErrMergeLockContended)
}

func TestLock_ContendedWaitsThenAcquires(t *testing.T) {
	l := newLock(t)
	release, err := l.Acquire(time.Second)
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		r2, err := l.Acquire(2 * time.Second)
		if err == nil {
			r2()
		}
		done <- err
	}()

	time.Sleep(250 * time.Millisecond)
	release()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(3 * time.Second):
		t.Fatal("second acquire never completed")
	}
}

func TestLock_StaleLockIsSwept(t *testing.T) {
	l := newLock(t)

	require.NoError(t, os.WriteFile(l.Path(), []byte("pid=999999\ntimestamp=old\n"), 0o644))
	old := time.Now().Add(-10 * time.Minute)
	require.NoError(t, os.Chtimes(l.Path(), old, old))

	release, err := l.Acquire(time.Second)
	require.NoError(t, err)
	defer release()
}

func TestLock_FreshForeignLockIsRespected(t *testing.T) {
	l := newLock(t)
	require.NoError(t, os.WriteFile(l.Path(), []byte("pid=999999\ntimestamp=now\n"), 0o644))

	_, err := l.Acquire(200 * time.Millisecond)
	assert.ErrorIs(t, err, errs.ErrMergeLockContended)
}
