package coordinator

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLockTableAcquireRelease(t *testing.T) {
	lt := newLockTable()
	release, err := lt.acquire(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	release()

	release, err = lt.acquire(context.Background(), []string{"a"})
	require.NoError(t, err)
	release()
}

func TestLockTableBlocksOnHeldEntity(t *testing.T) {
	lt := newLockTable()
	release, err := lt.acquire(context.Background(), []string{"a"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = lt.acquire(ctx, []string{"a"})
	assert.Error(t, err)

	release()
	release2, err := lt.acquire(context.Background(), []string{"a"})
	require.NoError(t, err)
	release2()
}

func TestLockTableReleasesPartialAcquisitionOnTimeout(t *testing.T) {
	lt := newLockTable()
	releaseB, err := lt.acquire(context.Background(), []string{"b"})
	require.NoError(t, err)

	// wants a then b; b is held, so a must be released on failure
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = lt.acquire(ctx, []string{"a", "b"})
	require.Error(t, err)

	releaseA, err := lt.acquire(context.Background(), []string{"a"})
	require.NoError(t, err)
	releaseA()
	releaseB()
}

func TestLockTableDeduplicatesIDs(t *testing.T) {
	lt := newLockTable()
	release, err := lt.acquire(context.Background(), []string{"x", "x", "x"})
	require.NoError(t, err)
	release()
}

func TestLockTableEntriesAreReclaimed(t *testing.T) {
	lt := newLockTable()
	release, err := lt.acquire(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	release()

	lt.mu.Lock()
	defer lt.mu.Unlock()
	assert.Empty(t, lt.entries)
}
