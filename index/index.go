// Package index implements spec.md §4.C: the compact index mapping a key
// to a candidate page-index range within a run, bucketed by the top
// RangeFinderPrecision bits of the key.
//
// Construction is incremental and chunked: Builder.Append is told each
// finished page's first key, in page order, and processes pages in fixed
// batches (ChunkSize) to bound peak memory, per spec.md's "chunked
// construction" note. This mirrors the teacher's valuelocmap page-bucket
// resizing discipline (allocate in bounded chunks, grow by splitting) more
// than any literal code it shares, since the teacher has no run index.
package index

import (
	"encoding/binary"
	"math"

	"github.com/gholt/lsmtree/page"
)

// bucketRange records the inclusive page range [lo,hi] seen for one bucket.
type bucketRange struct {
	lo, hi uint32
	set    bool
}

// Builder accumulates page first-keys into per-bucket page ranges, and
// separately records each page's byte location within the run's keyops
// file body so pages of varying length (an oversized single-entry page
// spans more than one 4 KiB slot) can still be fetched by logical page
// index rather than by a fixed stride.
type Builder struct {
	precision uint
	chunkSize int

	buckets []bucketRange // indexed by top-bits bucket value
	pageNum uint32

	pageOffsets []uint64 // byte offset of page i within the keyops body
	bodyLength  uint64

	pendingFirstKeys [][]byte
	pendingPages     []uint32
}

// NewBuilder returns a Builder bucketing by the top precision bits,
// processing appends in groups of chunkSize pages.
func NewBuilder(precision uint, chunkSize int) *Builder {
	if chunkSize < 1 {
		chunkSize = 1
	}
	numBuckets := uint64(1) << precision
	if precision >= 32 {
		numBuckets = 1 << 32
	}
	return &Builder{
		precision: precision,
		chunkSize: chunkSize,
		buckets:   make([]bucketRange, numBuckets),
	}
}

func bucketOf(firstKey []byte, precision uint) uint32 {
	bits := page.TopBits(firstKey, precision)
	if precision >= 32 {
		return uint32(bits)
	}
	return uint32(bits)
}

// Append records pageIdx's first key and its byteLength within the keyops
// file body. Pages must be appended in page order.
func (b *Builder) Append(firstKey []byte, byteLength int) {
	idx := b.pageNum
	b.pageNum++
	b.pageOffsets = append(b.pageOffsets, b.bodyLength)
	b.bodyLength += uint64(byteLength)
	b.pendingFirstKeys = append(b.pendingFirstKeys, firstKey)
	b.pendingPages = append(b.pendingPages, idx)
	if len(b.pendingPages) >= b.chunkSize {
		b.flushChunk()
	}
}

// flushChunk applies the currently pending (firstKey, pageIdx) pairs to the
// bucket table. Writes within a chunk are applied in page order so that
// unsafeWriteRange-style overlapping writes (a later page's bucket
// subsuming an earlier one) resolve correctly (spec.md §4.C).
func (b *Builder) flushChunk() {
	for i, key := range b.pendingFirstKeys {
		pageIdx := b.pendingPages[i]
		bucket := bucketOf(key, b.precision)
		b.unsafeWriteRange(bucket, pageIdx)
	}
	b.pendingFirstKeys = b.pendingFirstKeys[:0]
	b.pendingPages = b.pendingPages[:0]
}

// unsafeWriteRange extends bucket's recorded [lo,hi] range to include
// pageIdx. It touches only that one bucket; buckets that no page's first
// key falls into are filled in afterwards by Finish's forward-fill pass,
// which is what keeps Search's invariant for keys that fall between two
// populated buckets.
func (b *Builder) unsafeWriteRange(bucket uint32, pageIdx uint32) {
	if !b.buckets[bucket].set {
		b.buckets[bucket] = bucketRange{lo: pageIdx, hi: pageIdx, set: true}
	} else {
		if pageIdx < b.buckets[bucket].lo {
			b.buckets[bucket].lo = pageIdx
		}
		if pageIdx > b.buckets[bucket].hi {
			b.buckets[bucket].hi = pageIdx
		}
	}
}

// Finish flushes any pending chunk and produces the searchable Index. It
// also forward-fills empty buckets with the one-page range [hi,hi] of the
// preceding populated bucket (or [0,0] before the first populated bucket),
// so Search never returns an empty range for a key whose bucket saw no
// page's first key directly.
func (b *Builder) Finish() *Index {
	if len(b.pendingPages) > 0 {
		b.flushChunk()
	}
	buckets := make([]bucketRange, len(b.buckets))
	copy(buckets, b.buckets)

	numPages := b.pageNum

	// Forward-fill: a bucket with no page whose first key landed in it
	// inherits the preceding populated bucket's hi (the key must fall on
	// or after that page). Buckets before the first populated one default
	// to page 0, the only candidate range for the lowest keys.
	var lastHi uint32
	lastSet := false
	for i := range buckets {
		if buckets[i].set {
			lastHi = buckets[i].hi
			lastSet = true
			continue
		}
		if lastSet {
			buckets[i] = bucketRange{lo: lastHi, hi: lastHi, set: true}
		} else {
			buckets[i] = bucketRange{lo: 0, hi: 0, set: true}
		}
	}

	return &Index{
		precision:   b.precision,
		numPages:    numPages,
		buckets:     buckets,
		pageOffsets: append([]uint64(nil), b.pageOffsets...),
		bodyLength:  b.bodyLength,
	}
}

// Index is the searchable, immutable form of a compact index.
type Index struct {
	precision   uint
	numPages    uint32
	buckets     []bucketRange
	pageOffsets []uint64
	bodyLength  uint64
}

// PageLocation returns the byte offset and length, within the run's keyops
// file body, of logical page i.
func (idx *Index) PageLocation(i uint32) (offset uint64, length uint64) {
	offset = idx.pageOffsets[i]
	if int(i)+1 < len(idx.pageOffsets) {
		length = idx.pageOffsets[i+1] - offset
	} else {
		length = idx.bodyLength - offset
	}
	return offset, length
}

// BodyLength reports the total byte length of the keyops file body this
// index describes.
func (idx *Index) BodyLength() uint64 { return idx.bodyLength }

// Search returns [lo,hi], the inclusive range of page indices that could
// contain key, per spec.md §4.C's search invariant.
func (idx *Index) Search(key []byte) (lo, hi uint32) {
	if idx.numPages == 0 {
		return 0, 0
	}
	bucket := bucketOf(key, idx.precision)
	r := idx.buckets[bucket]
	if !r.set {
		return 0, idx.numPages - 1
	}
	hiClamped := r.hi
	if hiClamped >= idx.numPages {
		hiClamped = idx.numPages - 1
	}
	return r.lo, hiClamped
}

// NumPages reports how many pages this index covers.
func (idx *Index) NumPages() uint32 { return idx.numPages }

// Precision reports the RangeFinderPrecision this index was built with.
func (idx *Index) Precision() uint { return idx.precision }

// Marshal serializes the index for the run package's .index sidecar file:
// a 24-byte header (precision:u32, numPages:u32, numBuckets:u64,
// bodyLength:u64), then a flat [lo:u32,hi:u32] array with one entry per
// bucket, then one u64 byte offset per page, little-endian throughout.
func (idx *Index) Marshal() []byte {
	numBuckets := len(idx.buckets)
	numPages := len(idx.pageOffsets)
	buf := make([]byte, 24+numBuckets*8+numPages*8)
	binary.LittleEndian.PutUint32(buf[0:], uint32(idx.precision))
	binary.LittleEndian.PutUint32(buf[4:], idx.numPages)
	binary.LittleEndian.PutUint64(buf[8:], uint64(numBuckets))
	binary.LittleEndian.PutUint64(buf[16:], idx.bodyLength)
	off := 24
	for _, r := range idx.buckets {
		binary.LittleEndian.PutUint32(buf[off:], r.lo)
		binary.LittleEndian.PutUint32(buf[off+4:], r.hi)
		off += 8
	}
	for _, p := range idx.pageOffsets {
		binary.LittleEndian.PutUint64(buf[off:], p)
		off += 8
	}
	return buf
}

// Unmarshal parses an index produced by Marshal.
func Unmarshal(buf []byte) (*Index, error) {
	if len(buf) < 24 {
		return nil, errTruncated
	}
	precision := uint(binary.LittleEndian.Uint32(buf[0:]))
	numPages := binary.LittleEndian.Uint32(buf[4:])
	numBuckets := binary.LittleEndian.Uint64(buf[8:])
	bodyLength := binary.LittleEndian.Uint64(buf[16:])
	if numBuckets > math.MaxInt32 {
		return nil, errTruncated
	}
	off := 24
	need := off + int(numBuckets)*8 + int(numPages)*8
	if len(buf) < need {
		return nil, errTruncated
	}
	buckets := make([]bucketRange, numBuckets)
	for i := range buckets {
		buckets[i] = bucketRange{
			lo:  binary.LittleEndian.Uint32(buf[off:]),
			hi:  binary.LittleEndian.Uint32(buf[off+4:]),
			set: true,
		}
		off += 8
	}
	pageOffsets := make([]uint64, numPages)
	for i := range pageOffsets {
		pageOffsets[i] = binary.LittleEndian.Uint64(buf[off:])
		off += 8
	}
	return &Index{
		precision: precision, numPages: numPages, buckets: buckets,
		pageOffsets: pageOffsets, bodyLength: bodyLength,
	}, nil
}

var errTruncated = marshalError("index: truncated index")

type marshalError string

func (e marshalError) Error() string { return string(e) }
