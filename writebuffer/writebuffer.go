// Package writebuffer implements spec.md §4.E: the in-memory ordered
// container holding updates not yet flushed to a level-0 run.
//
// Buffer keeps a map for O(1) lookup/resolve plus a sorted key slice
// maintained by insertion search, mirroring the teacher's in-memory toc
// append pattern (see memWriter/vm.toc in valuesstore.go) adapted from
// fixed 128-bit keys to arbitrary byte-slice keys.
package writebuffer

import (
	"sort"

	"github.com/gholt/lsmtree/run"
)

// Resolve is the monoidal combine applied when a key already has a pending
// entry: Resolve(newer, older) merges them, e.g. by concatenation for a
// mupdate chain.
type Resolve func(newer, older []byte) []byte

// Buffer is an ordered, in-memory key/entry map.
type Buffer struct {
	entries map[string]run.Entry
	keys    []string // kept sorted ascending
	resolve Resolve
}

// New returns an empty Buffer. resolve is used to fold a Mupdate entry
// against whatever is already pending for the same key.
func New(resolve Resolve) *Buffer {
	return &Buffer{entries: make(map[string]run.Entry), resolve: resolve}
}

// NumEntries reports the number of distinct keys currently buffered.
func (b *Buffer) NumEntries() int { return len(b.keys) }

// Insert resolves entry against any existing entry for key per spec.md §3's
// resolution table (a Delete or Insert simply replaces; a Mupdate folds
// into whatever is present via resolve), keeping the key slice sorted.
func (b *Buffer) Insert(key []byte, entry run.Entry) {
	ks := string(key)
	existing, ok := b.entries[ks]
	if !ok {
		b.entries[ks] = entry
		b.insertSorted(ks)
		return
	}
	b.entries[ks] = resolveEntries(entry, existing, b.resolve)
}

// resolveEntries applies spec.md §3's resolution table: a newer Insert or
// Delete replaces outright; a newer Mupdate folds its value into an older
// Insert or Mupdate via resolve (landing on an Insert over an older Insert,
// since the value is now fully resolved, or staying a Mupdate when folded
// into another pending Mupdate); a Mupdate over an older Delete has
// nothing to fold into and becomes a plain Insert of its own value.
func resolveEntries(newer, older run.Entry, resolve Resolve) run.Entry {
	switch newer.Op {
	case deleteOp, insertOp:
		return newer
	case mupdateOp:
		switch older.Op {
		case insertOp:
			return run.Entry{Op: insertOp, Value: resolve(newer.Value, older.Value)}
		case mupdateOp:
			return run.Entry{Op: mupdateOp, Value: resolve(newer.Value, older.Value)}
		case deleteOp:
			return run.Entry{Op: insertOp, Value: newer.Value}
		}
		return newer
	default:
		return newer
	}
}

func (b *Buffer) insertSorted(ks string) {
	i := sort.SearchStrings(b.keys, ks)
	b.keys = append(b.keys, "")
	copy(b.keys[i+1:], b.keys[i:])
	b.keys[i] = ks
}

// ToList yields the buffered key/entry pairs in ascending key order.
func (b *Buffer) ToList() []run.KV {
	out := make([]run.KV, 0, len(b.keys))
	for _, ks := range b.keys {
		out = append(out, run.KV{Key: []byte(ks), Entry: b.entries[ks]})
	}
	return out
}

// Get returns the pending entry for key, if any, without copying the
// buffer's whole map.
func (b *Buffer) Get(key []byte) (run.Entry, bool) {
	e, ok := b.entries[string(key)]
	return e, ok
}

// ToMap returns a copy of the buffer's contents as a key/entry map.
func (b *Buffer) ToMap() map[string]run.Entry {
	out := make(map[string]run.Entry, len(b.entries))
	for k, v := range b.entries {
		out[k] = v
	}
	return out
}

// FromMap returns a new Buffer holding m's entries, with keys sorted.
func FromMap(m map[string]run.Entry, resolve Resolve) *Buffer {
	b := New(resolve)
	for k, v := range m {
		b.entries[k] = v
		b.keys = append(b.keys, k)
	}
	sort.Strings(b.keys)
	return b
}

// Union merges other into a copy of b, resolving any overlapping keys with
// resolve (treating other's entries as newer than b's), and returns the
// result as a new Buffer. Neither input is modified.
func (b *Buffer) Union(other *Buffer, resolve Resolve) *Buffer {
	out := New(resolve)
	for k, v := range b.entries {
		out.entries[k] = v
		out.keys = append(out.keys, k)
	}
	sort.Strings(out.keys)
	for _, ks := range other.keys {
		out.Insert([]byte(ks), other.entries[ks])
	}
	return out
}

// These mirror page.OpCode's numeric values without importing the page
// package, since writebuffer only needs to switch on them, not decode pages.
const (
	insertOp  = 0
	mupdateOp = 1
	deleteOp  = 2
)
