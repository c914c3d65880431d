package pebblelog

import "encoding/binary"

var (
	evPrefix   = []byte("ev/")
	metaSuffix = []byte("/m")
	entrySeg   = []byte("/e/")
	groupSeg   = []byte("/g/")
	cursorSfx  = []byte("/c")
	pendingSeg = []byte("/p/")
)

func appendBE8(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}

// keyMeta builds the stream metadata key: ev/{stream}/m
func keyMeta(stream string) []byte {
	k := make([]byte, 0, len(stream)+8)
	k = append(k, evPrefix...)
	k = append(k, stream...)
	k = append(k, metaSuffix...)
	return k
}

// keyEntry builds an entry key with a big-endian sequence for ordering:
// ev/{stream}/e/{seq_be8}
func keyEntry(stream string, seq uint64) []byte {
	k := make([]byte, 0, len(stream)+16)
	k = append(k, evPrefix...)
	k = append(k, stream...)
	k = append(k, entrySeg...)
	return appendBE8(k, seq)
}

// keyEntryPrefix returns the range prefix covering all entries of a stream.
func keyEntryPrefix(stream string) []byte {
	k := make([]byte, 0, len(stream)+8)
	k = append(k, evPrefix...)
	k = append(k, stream...)
	k = append(k, entrySeg...)
	return k
}

// keyCursor builds the group cursor key: ev/{stream}/g/{group}/c
func keyCursor(stream, group string) []byte {
	k := make([]byte, 0, len(stream)+len(group)+12)
	k = append(k, evPrefix...)
	k = append(k, stream...)
	k = append(k, groupSeg...)
	k = append(k, group...)
	k = append(k, cursorSfx...)
	return k
}

// keyPending builds a pending-set key: ev/{stream}/g/{group}/p/{seq_be8}
func keyPending(stream, group string, seq uint64) []byte {
	k := keyPendingPrefix(stream, group)
	return appendBE8(k, seq)
}

// keyPendingPrefix returns the range prefix covering a group's pending set.
func keyPendingPrefix(stream, group string) []byte {
	k := make([]byte, 0, len(stream)+len(group)+16)
	k = append(k, evPrefix...)
	k = append(k, stream...)
	k = append(k, groupSeg...)
	k = append(k, group...)
	k = append(k, pendingSeg...)
	return k
}

// upperBound returns the exclusive upper bound for a prefix scan.
func upperBound(prefix []byte) []byte {
	return append(append([]byte{}, prefix...), 0xFF)
}

func seqFromKey(key, prefix []byte) uint64 {
	return binary.BigEndian.Uint64(key[len(prefix):])
}
