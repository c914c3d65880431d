package pebblelog

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/cockroachdb/pebble"

	pebblestore "github.com/rzbill/evpipe/internal/storage/pebble"
	"github.com/rzbill/evpipe/internal/stream"
)

// pendingRecord is the stored form of one pending-set entry.
type pendingRecord struct {
	Consumer    string `json:"consumer"`
	DeliveredMs int64  `json:"delivered_ms"`
	Count       int    `json:"count"`
}

// ReadGroup delivers up to count undelivered entries to the named consumer,
// blocking up to block when none are available.
func (b *Backend) ReadGroup(ctx context.Context, name, group, consumer string, count int, block time.Duration) ([]stream.Entry, error) {
	if err := checkNames(name, group); err != nil {
		return nil, err
	}
	if count <= 0 {
		count = 1
	}
	var deadline time.Time
	if block > 0 {
		deadline = time.Now().Add(block)
	}
	for {
		entries, notify, err := b.readGroupOnce(ctx, name, group, consumer, count)
		if err != nil || len(entries) > 0 {
			return entries, err
		}
		if block <= 0 {
			return nil, nil
		}
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, nil
		}
		timer := time.NewTimer(remaining)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
		case <-timer.C:
			return nil, nil
		}
	}
}

// readGroupOnce performs one non-blocking delivery pass. It returns the
// stream's notification channel so callers can wait for the next append.
func (b *Backend) readGroupOnce(ctx context.Context, name, group, consumer string, count int) ([]stream.Entry, <-chan struct{}, error) {
	st := b.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()

	cursor := b.loadCursor(name, group)
	if cursor >= st.lastSeq {
		return nil, st.notify, nil
	}

	prefix := keyEntryPrefix(name)
	iter, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: keyEntry(name, cursor+1),
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, st.notify, fmt.Errorf("read group %s/%s: %w", name, group, err)
	}
	defer iter.Close()

	nowMs := b.now().UnixMilli()
	batch := b.db.NewBatch()
	defer batch.Close()

	entries := make([]stream.Entry, 0, count)
	last := cursor
	for iter.First(); iter.Valid() && len(entries) < count; iter.Next() {
		seq := seqFromKey(iter.Key(), prefix)
		payload, ok := decodeRecord(iter.Value())
		if !ok {
			last = seq
			continue
		}
		rec, _ := json.Marshal(pendingRecord{Consumer: consumer, DeliveredMs: nowMs, Count: 1})
		if err := batch.Set(keyPending(name, group, seq), rec, nil); err != nil {
			return nil, st.notify, err
		}
		entries = append(entries, stream.Entry{ID: seq, Payload: payload})
		last = seq
	}
	if last == cursor {
		return nil, st.notify, nil
	}
	var cur [8]byte
	binary.BigEndian.PutUint64(cur[:], last)
	if err := batch.Set(keyCursor(name, group), cur[:], nil); err != nil {
		return nil, st.notify, err
	}
	if err := b.db.CommitBatch(ctx, batch); err != nil {
		return nil, st.notify, err
	}
	return entries, st.notify, nil
}

func (b *Backend) loadCursor(name, group string) uint64 {
	cur, err := b.db.Get(keyCursor(name, group))
	if err != nil || len(cur) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(cur[:8])
}

// Ack removes an entry from the group's pending set.
func (b *Backend) Ack(_ context.Context, name, group string, id uint64) error {
	if err := checkNames(name, group); err != nil {
		return err
	}
	st := b.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()

	key := keyPending(name, group, id)
	if _, err := b.db.Get(key); err != nil {
		if errors.Is(err, pebblestore.ErrKeyNotFound) {
			return stream.ErrNotFound
		}
		return err
	}
	return b.db.Delete(key)
}

// ListPending enumerates pending entries idle at least minIdle, ascending by id.
func (b *Backend) ListPending(_ context.Context, name, group string, minIdle time.Duration) ([]stream.Pending, error) {
	if err := checkNames(name, group); err != nil {
		return nil, err
	}
	prefix := keyPendingPrefix(name, group)
	iter, err := b.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: upperBound(prefix),
	})
	if err != nil {
		return nil, fmt.Errorf("list pending %s/%s: %w", name, group, err)
	}
	defer iter.Close()

	nowMs := b.now().UnixMilli()
	var out []stream.Pending
	for iter.First(); iter.Valid(); iter.Next() {
		var rec pendingRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		idle := time.Duration(nowMs-rec.DeliveredMs) * time.Millisecond
		if idle < minIdle {
			continue
		}
		out = append(out, stream.Pending{
			ID:            seqFromKey(iter.Key(), prefix),
			Consumer:      rec.Consumer,
			Idle:          idle,
			DeliveryCount: rec.Count,
		})
	}
	return out, nil
}

// Claim reassigns a pending entry to newConsumer, resetting idle time and
// incrementing its delivery count.
func (b *Backend) Claim(_ context.Context, name, group string, id uint64, newConsumer string) ([]byte, error) {
	if err := checkNames(name, group); err != nil {
		return nil, err
	}
	st := b.state(name)
	st.mu.Lock()
	defer st.mu.Unlock()

	key := keyPending(name, group, id)
	data, err := b.db.Get(key)
	if err != nil {
		if errors.Is(err, pebblestore.ErrKeyNotFound) {
			return nil, stream.ErrNotFound
		}
		return nil, err
	}
	var rec pendingRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("claim %s/%s/%d: corrupt pending record: %w", name, group, id, err)
	}

	raw, err := b.db.Get(keyEntry(name, id))
	if err != nil {
		// Entry gone from the log; the pending record is an orphan.
		_ = b.db.Delete(key)
		return nil, stream.ErrNotFound
	}
	payload, ok := decodeRecord(raw)
	if !ok {
		_ = b.db.Delete(key)
		return nil, stream.ErrNotFound
	}

	rec.Consumer = newConsumer
	rec.DeliveredMs = b.now().UnixMilli()
	rec.Count++
	updated, _ := json.Marshal(rec)
	if err := b.db.Set(key, updated); err != nil {
		return nil, err
	}
	return payload, nil
}

// GroupInfo reports the group's delivery cursor and pending set.
func (b *Backend) GroupInfo(ctx context.Context, name, group string) (stream.Group, error) {
	if err := checkNames(name, group); err != nil {
		return stream.Group{}, err
	}
	pending, err := b.ListPending(ctx, name, group, 0)
	if err != nil {
		return stream.Group{}, err
	}
	consumers := make(map[string]struct{})
	for _, p := range pending {
		consumers[p.Consumer] = struct{}{}
	}
	names := make([]string, 0, len(consumers))
	for c := range consumers {
		names = append(names, c)
	}
	sort.Strings(names)
	return stream.Group{
		CursorPosition: b.loadCursor(name, group),
		PendingCount:   len(pending),
		Consumers:      names,
	}, nil
}
