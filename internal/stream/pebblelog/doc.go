// Package pebblelog implements the stream.Log contract on an embedded Pebble
// store.
//
// # Keyspace
//
// All keys are byte-wise lexicographically sortable:
//
//	ev/{stream}/m                   - stream metadata: lastSeq(8) | count(8)
//	ev/{stream}/e/{seq_be8}         - entry record (payload | crc32c)
//	ev/{stream}/g/{group}/c         - group delivery cursor (8)
//	ev/{stream}/g/{group}/p/{seq_be8} - pending record (JSON)
//
// Stream and group names are embedded as key segments, so they must be
// non-empty and must not contain '/'; every operation rejects offending names
// with ErrInvalidName.
//
// # Delivery bookkeeping
//
// ReadGroup hands out entries past the group cursor, writing a pending record
// per entry and advancing the cursor in the same atomic batch. Ack deletes the
// pending record. Claim rewrites it with a new consumer, a fresh delivery
// time, and an incremented delivery count. An entry therefore appears in the
// pending set iff it has been delivered and not acknowledged.
package pebblelog
