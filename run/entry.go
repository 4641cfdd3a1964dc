package run

import "github.com/gholt/lsmtree/page"

// Entry mirrors the root package's lsmtree.Entry but lives here (and in
// page.Elem) so this package has no dependency on lsmtree, keeping the
// page/bloom/index/run/merge/lookup stack a set of leaf packages the root
// package and level package build on, per spec.md §9's "small capability
// record, not global state" guidance.
type Entry struct {
	Op      page.OpCode
	Value   []byte
	HasBlob bool
	BlobOff uint64
	BlobLen uint32
}

// KV is one key/entry pair, the unit a Source yields.
type KV struct {
	Key   []byte
	Entry Entry
}

// Source is a finite, non-restartable, pull-based sequence of (Key, Entry)
// pairs in ascending key order -- spec.md §9's "lazy sequence" cursor,
// modeled with Peek/Advance so the merge package's heap can compare
// without consuming.
type Source interface {
	// Peek returns the next pair without consuming it. ok is false when
	// the source is exhausted.
	Peek() (KV, bool)
	// Advance consumes the pair returned by the most recent Peek.
	Advance()
}

// SliceSource adapts an in-memory, already-sorted []KV into a Source, used
// when flushing a write buffer (small enough to fully materialize).
type SliceSource struct {
	kvs []KV
	pos int
}

// NewSliceSource returns a Source over kvs, which must already be sorted
// ascending by Key.
func NewSliceSource(kvs []KV) *SliceSource { return &SliceSource{kvs: kvs} }

func (s *SliceSource) Peek() (KV, bool) {
	if s.pos >= len(s.kvs) {
		return KV{}, false
	}
	return s.kvs[s.pos], true
}

func (s *SliceSource) Advance() {
	if s.pos < len(s.kvs) {
		s.pos++
	}
}
