package pebblelog

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/evpipe/internal/storage/pebble"
	"github.com/rzbill/evpipe/internal/stream"
)

// Backend implements stream.Log on a Pebble store.
type Backend struct {
	db  *pebblestore.DB
	now func() time.Time

	mu      sync.Mutex
	streams map[string]*streamState
}

// streamState serializes mutations of one stream and carries the append
// notification channel for blocking reads.
type streamState struct {
	mu      sync.Mutex
	lastSeq uint64
	count   uint64
	notify  chan struct{}
}

// ErrInvalidName rejects stream and group names that would corrupt the
// keyspace: names are embedded in keys with '/' separators, so they must be
// non-empty and slash-free.
var ErrInvalidName = errors.New("pebblelog: name must be non-empty and must not contain '/'")

func checkNames(names ...string) error {
	for _, n := range names {
		if n == "" || strings.Contains(n, "/") {
			return ErrInvalidName
		}
	}
	return nil
}

// Option configures a Backend.
type Option func(*Backend)

// WithNow overrides the clock, used by tests to control idle times.
func WithNow(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// Open builds a Backend over an open Pebble store.
func Open(db *pebblestore.DB, opts ...Option) *Backend {
	b := &Backend{db: db, now: time.Now, streams: make(map[string]*streamState)}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// state returns the in-memory state for a stream, loading metadata on first
// touch.
func (b *Backend) state(name string) *streamState {
	b.mu.Lock()
	defer b.mu.Unlock()
	if st, ok := b.streams[name]; ok {
		return st
	}
	st := &streamState{notify: make(chan struct{})}
	if meta, err := b.db.Get(keyMeta(name)); err == nil && len(meta) >= 16 {
		st.lastSeq = binary.BigEndian.Uint64(meta[:8])
		st.count = binary.BigEndian.Uint64(meta[8:16])
	}
	b.streams[name] = st
	return st
}

func encodeMeta(lastSeq, count uint64) []byte {
	var m [16]byte
	binary.BigEndian.PutUint64(m[:8], lastSeq)
	binary.BigEndian.PutUint64(m[8:16], count)
	return m[:]
}

// Append adds a payload to the stream and returns its assigned id.
func (b *Backend) Append(ctx context.Context, name string, payload []byte) (uint64, error) {
	if err := checkNames(name); err != nil {
		return 0, err
	}
	st := b.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()

	batch := b.db.NewBatch()
	defer batch.Close()

	st.lastSeq++
	seq := st.lastSeq
	if err := batch.Set(keyEntry(name, seq), encodeRecord(payload), nil); err != nil {
		return 0, err
	}
	if err := batch.Set(keyMeta(name), encodeMeta(st.lastSeq, st.count+1), nil); err != nil {
		return 0, err
	}
	if err := b.db.CommitBatch(ctx, batch); err != nil {
		st.lastSeq--
		return 0, err
	}
	st.count++
	// wake blocked group readers
	close(st.notify)
	st.notify = make(chan struct{})
	return seq, nil
}

// Len reports the number of entries currently in the stream.
func (b *Backend) Len(_ context.Context, name string) (uint64, error) {
	if err := checkNames(name); err != nil {
		return 0, err
	}
	st := b.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.count, nil
}

// Read scans the stream as a plain log, ignoring group state.
func (b *Backend) Read(_ context.Context, name string, from uint64, count int) ([]stream.Entry, error) {
	if err := checkNames(name); err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 1
	}
	prefix := keyEntryPrefix(name)
	iter, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: keyEntry(name, from),
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", name, err)
	}
	defer iter.Close()

	entries := make([]stream.Entry, 0, count)
	for iter.First(); iter.Valid() && len(entries) < count; iter.Next() {
		payload, ok := decodeRecord(iter.Value())
		if !ok {
			continue
		}
		entries = append(entries, stream.Entry{ID: seqFromKey(iter.Key(), prefix), Payload: payload})
	}
	return entries, nil
}

// Delete removes an entry from the stream.
func (b *Backend) Delete(ctx context.Context, name string, id uint64) error {
	if err := checkNames(name); err != nil {
		return err
	}
	st := b.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()

	if _, err := b.db.Get(keyEntry(name, id)); err != nil {
		if errors.Is(err, pebblestore.ErrKeyNotFound) {
			return stream.ErrNotFound
		}
		return err
	}
	batch := b.db.NewBatch()
	defer batch.Close()
	if err := batch.Delete(keyEntry(name, id), nil); err != nil {
		return err
	}
	count := st.count
	if count > 0 {
		count--
	}
	if err := batch.Set(keyMeta(name), encodeMeta(st.lastSeq, count), nil); err != nil {
		return err
	}
	if err := b.db.CommitBatch(ctx, batch); err != nil {
		return err
	}
	st.count = count
	return nil
}

// Stats returns storage-engine instrumentation as an opaque map.
func (b *Backend) Stats(_ context.Context) (map[string]any, error) {
	return b.db.Footprint(), nil
}

var _ stream.Log = (*Backend)(nil)
