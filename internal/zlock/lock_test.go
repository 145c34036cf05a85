package zlock

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLock_readersShareConcurrently(t *testing.T) {
	t.Parallel()

	l := newLock("k")
	ok, err := l.Acquire("r1", true)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = l.Acquire("r2", true)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLock_writerExcludesReaders(t *testing.T) {
	t.Parallel()

	l := newLock("k")
	ok, err := l.Acquire("w", false)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Acquire("r", true)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestLock_writerPriorityOverNewReaders(t *testing.T) {
	t.Parallel()

	l := newLock("k")
	ok, err := l.Acquire("r1", true)
	require.NoError(t, err)
	require.True(t, ok)

	// a writer queues behind the existing reader
	ok, err = l.Acquire("w", false)
	require.NoError(t, err)
	assert.False(t, ok)

	// a brand new reader must queue behind the waiting writer
	ok, err = l.Acquire("r2", true)
	require.NoError(t, err)
	assert.False(t, ok)

	// but the existing reader may still reenter, bypassing the waiting writer
	ok, err = l.Acquire("r1", true)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLock_writerReentry(t *testing.T) {
	t.Parallel()

	l := newLock("k")
	ok, err := l.Acquire("w", false)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Acquire("w", false)
	require.NoError(t, err)
	assert.True(t, ok)

	granted, err := l.Release("w", false)
	require.NoError(t, err)
	assert.Empty(t, granted)

	// one reentry level remains
	granted, err = l.Release("w", false)
	require.NoError(t, err)
	assert.Empty(t, granted)
}

func TestLock_readerCannotUpgradeToWriter(t *testing.T) {
	t.Parallel()

	l := newLock("k")
	ok, err := l.Acquire("c", true)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = l.Acquire("c", false)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrInvalidReentry)
}

func TestLock_doubleWaitIsRejected(t *testing.T) {
	t.Parallel()

	l := newLock("k")
	_, err := l.Acquire("w1", false)
	require.NoError(t, err)

	ok, err := l.Acquire("w2", false)
	require.NoError(t, err)
	require.False(t, ok)

	// w2 is already waiting; a second acquire for the same client is rejected
	ok, err = l.Acquire("w2", false)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrAlreadyWaiting)

	ok, err = l.Acquire("w3", true)
	require.NoError(t, err)
	require.False(t, ok)
	ok, err = l.Acquire("w3", true)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrAlreadyWaiting)
}

func TestLock_releaseGrantsWaitingWriterOverWaitingReaders(t *testing.T) {
	t.Parallel()

	l := newLock("k")
	_, err := l.Acquire("holder", false)
	require.NoError(t, err)

	ok, err := l.Acquire("w", false)
	require.NoError(t, err)
	require.False(t, ok)

	ok, err = l.Acquire("r", true)
	require.NoError(t, err)
	require.False(t, ok)

	granted, err := l.Release("holder", true)
	require.NoError(t, err)
	assert.Equal(t, []ClientID{"w"}, granted)
}

func TestLock_releaseGrantsAllWaitingReaders(t *testing.T) {
	t.Parallel()

	l := newLock("k")
	_, err := l.Acquire("holder", false)
	require.NoError(t, err)

	_, err = l.Acquire("r1", true)
	require.NoError(t, err)
	_, err = l.Acquire("r2", true)
	require.NoError(t, err)

	granted, err := l.Release("holder", true)
	require.NoError(t, err)
	assert.ElementsMatch(t, []ClientID{"r1", "r2"}, granted)
}

func TestLock_releaseNotHeld(t *testing.T) {
	t.Parallel()

	l := newLock("k")
	granted, err := l.Release("nobody", false)
	assert.Nil(t, granted)
	assert.ErrorIs(t, err, ErrNotHeld)
}

func TestLock_fullyReleaseIsEquivalentToRepeatedRelease(t *testing.T) {
	t.Parallel()

	a := newLock("a")
	_, _ = a.Acquire("w", false)
	_, _ = a.Acquire("w", false)
	_, _ = a.Acquire("w", false)
	_, err := a.Release("w", true)
	require.NoError(t, err)
	assert.True(t, a.empty())

	b := newLock("b")
	_, _ = b.Acquire("w", false)
	_, _ = b.Acquire("w", false)
	_, _ = b.Acquire("w", false)
	for !b.empty() {
		_, err := b.Release("w", false)
		require.NoError(t, err)
	}
}

func TestLock_giveUpRemovesWaiter(t *testing.T) {
	t.Parallel()

	l := newLock("k")
	_, _ = l.Acquire("holder", false)
	ok, err := l.Acquire("w", false)
	require.NoError(t, err)
	require.False(t, ok)

	l.GiveUp("w")

	granted, err := l.Release("holder", true)
	require.NoError(t, err)
	assert.Empty(t, granted)
	assert.True(t, l.empty())
}

func TestLock_giveUpThenAcquireIsLegal(t *testing.T) {
	t.Parallel()

	l := newLock("k")
	_, _ = l.Acquire("holder", false)
	ok, err := l.Acquire("w", false)
	require.NoError(t, err)
	require.False(t, ok)

	l.GiveUp("w")

	ok, err = l.Acquire("w", false)
	require.NoError(t, err)
	assert.False(t, ok) // still queues behind holder, but no longer double-queued
}

func TestLock_checkValidPanicsAfterInvalidation(t *testing.T) {
	t.Parallel()

	l := newLock("k")
	_, _ = l.Acquire("w", false)
	_, err := l.Release("w", true)
	require.NoError(t, err)
	require.True(t, l.invalid)

	assert.Panics(t, func() { _, _ = l.Acquire("w2", false) })
}

func TestLockTable_forgetOnlyRemovesInvalidatedLocks(t *testing.T) {
	t.Parallel()

	table := NewLockTable()
	l := table.Get("k")
	_, _ = l.Acquire("w", false)

	table.Forget("k")
	assert.Equal(t, 1, table.Len())

	_, err := l.Release("w", true)
	require.NoError(t, err)
	table.Forget("k")
	assert.Equal(t, 0, table.Len())
}
