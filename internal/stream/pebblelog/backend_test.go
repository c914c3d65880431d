package pebblelog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	pebblestore "github.com/rzbill/evpipe/internal/storage/pebble"
	"github.com/rzbill/evpipe/internal/stream"
)

// testClock is a manually advanced clock shared with a Backend via WithNow.
type testClock struct {
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func openTestBackend(t *testing.T) (*Backend, *testClock) {
	t.Helper()
	db, err := pebblestore.Open(pebblestore.Options{DataDir: t.TempDir(), Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	clock := newTestClock()
	return Open(db, WithNow(clock.Now)), clock
}

func TestAppendAssignsMonotonicIDs(t *testing.T) {
	b, _ := openTestBackend(t)
	ctx := context.Background()

	var ids []uint64
	for i := 0; i < 5; i++ {
		id, err := b.Append(ctx, "events", []byte(`{"n":1}`))
		require.NoError(t, err)
		ids = append(ids, id)
	}
	for i := 1; i < len(ids); i++ {
		require.Greater(t, ids[i], ids[i-1])
	}

	length, err := b.Len(ctx, "events")
	require.NoError(t, err)
	require.Equal(t, uint64(5), length)
}

func TestAppendSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	b := Open(db)
	first, err := b.Append(ctx, "events", []byte("a"))
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = pebblestore.Open(pebblestore.Options{DataDir: dir, Fsync: pebblestore.FsyncModeNever})
	require.NoError(t, err)
	defer db.Close()
	b = Open(db)

	second, err := b.Append(ctx, "events", []byte("b"))
	require.NoError(t, err)
	require.Greater(t, second, first)

	length, err := b.Len(ctx, "events")
	require.NoError(t, err)
	require.Equal(t, uint64(2), length)
}

func TestReadReturnsEntriesInOrder(t *testing.T) {
	b, _ := openTestBackend(t)
	ctx := context.Background()

	for _, p := range []string{"a", "b", "c"} {
		_, err := b.Append(ctx, "events", []byte(p))
		require.NoError(t, err)
	}

	entries, err := b.Read(ctx, "events", 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	require.Equal(t, "a", string(entries[0].Payload))
	require.Equal(t, "c", string(entries[2].Payload))

	// from is inclusive
	entries, err = b.Read(ctx, "events", entries[1].ID, 10)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "b", string(entries[0].Payload))
}

func TestDeleteRemovesEntry(t *testing.T) {
	b, _ := openTestBackend(t)
	ctx := context.Background()

	id, err := b.Append(ctx, "events", []byte("a"))
	require.NoError(t, err)

	require.NoError(t, b.Delete(ctx, "events", id))
	require.ErrorIs(t, b.Delete(ctx, "events", id), stream.ErrNotFound)

	length, err := b.Len(ctx, "events")
	require.NoError(t, err)
	require.Equal(t, uint64(0), length)
}

func TestStreamsAreIndependent(t *testing.T) {
	b, _ := openTestBackend(t)
	ctx := context.Background()

	_, err := b.Append(ctx, "events", []byte("a"))
	require.NoError(t, err)
	_, err = b.Append(ctx, "events-dlq", []byte("b"))
	require.NoError(t, err)

	length, err := b.Len(ctx, "events")
	require.NoError(t, err)
	require.Equal(t, uint64(1), length)

	entries, err := b.Read(ctx, "events-dlq", 0, 10)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "b", string(entries[0].Payload))
}

func TestRejectsNamesThatBreakTheKeyspace(t *testing.T) {
	b, _ := openTestBackend(t)
	ctx := context.Background()

	// Names are key segments separated by '/', so a slash in a stream name
	// would let "a/g/x" collide with stream a's group keyspace.
	for _, name := range []string{"", "a/b", "a/g/x"} {
		_, err := b.Append(ctx, name, []byte("x"))
		require.ErrorIs(t, err, ErrInvalidName, "stream %q", name)
		_, err = b.Len(ctx, name)
		require.ErrorIs(t, err, ErrInvalidName, "stream %q", name)
		_, err = b.Read(ctx, name, 0, 1)
		require.ErrorIs(t, err, ErrInvalidName, "stream %q", name)
		require.ErrorIs(t, b.Delete(ctx, name, 1), ErrInvalidName, "stream %q", name)
	}

	_, err := b.ReadGroup(ctx, "events", "g/1", "c", 1, 0)
	require.ErrorIs(t, err, ErrInvalidName)
	require.ErrorIs(t, b.Ack(ctx, "events", "", 1), ErrInvalidName)
	_, err = b.ListPending(ctx, "events", "g/1", 0)
	require.ErrorIs(t, err, ErrInvalidName)
	_, err = b.Claim(ctx, "events", "g/1", 1, "c")
	require.ErrorIs(t, err, ErrInvalidName)
	_, err = b.GroupInfo(ctx, "events", "g/1")
	require.ErrorIs(t, err, ErrInvalidName)
}

func TestStatsExposesStorageFootprint(t *testing.T) {
	b, _ := openTestBackend(t)
	ctx := context.Background()

	_, err := b.Append(ctx, "events", []byte("a"))
	require.NoError(t, err)

	stats, err := b.Stats(ctx)
	require.NoError(t, err)
	require.Contains(t, stats, "disk_space_usage_bytes")
}
