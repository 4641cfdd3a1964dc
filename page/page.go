// Package page implements spec.md §4.A: accumulating an ordered stream of
// key/entry pairs into 4 KiB disk pages with a compact in-page directory,
// bit-packed blob/opcode maps, and offset arrays.
//
// The accumulator mirrors the teacher's valuesMem: a reusable struct with
// preallocated backing arrays that grow in place across many pages, reset
// between flushes rather than reallocated (see Accumulator.Reset).
package page

import (
	"encoding/binary"
)

// Size is the fixed page size spec.md §3 mandates for ordinary pages.
// Oversized single-entry pages are padded to a multiple of Size.
const Size = 4096

// OpCode maps lsmtree.Op values onto the 2-bit page opcode space. Callers
// pass these directly; the package does not import lsmtree to avoid a
// dependency cycle (lsmtree's subpackages are leaves).
type OpCode uint8

const (
	OpInsert  OpCode = 0
	OpMupdate OpCode = 1
	OpDelete  OpCode = 2
)

// Elem is one key/operation pair as the accumulator sees it.
type Elem struct {
	Key     []byte
	Op      OpCode
	Value   []byte
	HasBlob bool
	BlobOff uint64
	BlobLen uint32
}

type blobSpan struct {
	offset uint64
	size   uint32
}

// Accumulator builds one page's worth of entries. Zero value is ready to use.
type Accumulator struct {
	rangeFinderPrecision uint

	firstKey  []byte
	haveFirst bool

	numElems int
	numBlobs int

	blobBitmap []uint64 // 1 bit/entry
	opCrumbmap []uint64 // 2 bits/entry
	blobSpans  []blobSpan

	keyStarts []int // offset of key i within keys, relative
	keys      []byte

	valStarts []int // offset of value i within values, relative
	values    []byte
}

// NewAccumulator returns an Accumulator bucketing its first key by the top
// rangeFinderPrecision bits (spec.md's partitioning requirement).
func NewAccumulator(rangeFinderPrecision uint) *Accumulator {
	return &Accumulator{rangeFinderPrecision: rangeFinderPrecision}
}

// NumElems reports how many entries are currently accumulated.
func (a *Accumulator) NumElems() int { return a.numElems }

// FirstKey returns the page's first key, or nil if empty.
func (a *Accumulator) FirstKey() []byte { return a.firstKey }

// Reset recycles the accumulator's backing arrays for the next page,
// exactly as the teacher truncates vm.toc/vm.values rather than
// reallocating them (see memClearer in valuesstore.go).
func (a *Accumulator) Reset(rangeFinderPrecision uint) {
	a.rangeFinderPrecision = rangeFinderPrecision
	a.firstKey = nil
	a.haveFirst = false
	a.numElems = 0
	a.numBlobs = 0
	a.blobBitmap = a.blobBitmap[:0]
	a.opCrumbmap = a.opCrumbmap[:0]
	a.blobSpans = a.blobSpans[:0]
	a.keyStarts = a.keyStarts[:0]
	a.keys = a.keys[:0]
	a.valStarts = a.valStarts[:0]
	a.values = a.values[:0]
}

func topBits(key []byte, precision uint) uint64 {
	if precision == 0 {
		return 0
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v <<= 8
		if i < len(key) {
			v |= uint64(key[i])
		}
	}
	if precision >= 64 {
		return v
	}
	return v >> (64 - precision)
}

// TopBits exposes the bucketing function used by the compact index so both
// packages partition keys identically.
func TopBits(key []byte, precision uint) uint64 { return topBits(key, precision) }

func dirPrefixLen(numElems, numBlobs int) int {
	bitmapWords := (numElems + 63) / 64
	crumbWords := (numElems + 31) / 32
	return 8 + bitmapWords*8 + crumbWords*8 + numBlobs*12
}

func offsetArraysLen(numElems int) int {
	keyOffArr := numElems * 2
	var valOffArr int
	if numElems == 1 {
		valOffArr = 2 + 4
	} else {
		valOffArr = (numElems + 1) * 2
	}
	return keyOffArr + valOffArr
}

// projectedSize returns the serialized byte size if elem were added.
func (a *Accumulator) projectedSize(elem Elem) int {
	numElems := a.numElems + 1
	numBlobs := a.numBlobs
	if elem.HasBlob {
		numBlobs++
	}
	keyBytes := len(a.keys) + len(elem.Key)
	valBytes := len(a.values) + len(elem.Value)
	return dirPrefixLen(numElems, numBlobs) + offsetArraysLen(numElems) + keyBytes + valBytes
}

// Add attempts to append (key, elem) to the page. It returns ok=false when
// the page must be emitted and a fresh accumulator started for this pair;
// the accumulator itself is left unmodified in that case.
//
// Acceptance rule (spec.md §4.A): accept if the projected size is <= 4096,
// or if the page currently holds zero entries (a single oversized entry
// always fits, emitted as a multi-page run). Also reject if the candidate
// key's top rangeFinderPrecision bits differ from the page's first key.
func (a *Accumulator) Add(elem Elem) (ok bool) {
	if a.haveFirst {
		if topBits(a.firstKey, a.rangeFinderPrecision) != topBits(elem.Key, a.rangeFinderPrecision) {
			return false
		}
	}
	projected := a.projectedSize(elem)
	if projected > Size && a.numElems != 0 {
		return false
	}
	a.appendLocked(elem)
	return true
}

func (a *Accumulator) appendLocked(elem Elem) {
	if !a.haveFirst {
		a.firstKey = append([]byte(nil), elem.Key...)
		a.haveFirst = true
	}

	bitIdx := a.numElems
	word := bitIdx / 64
	for len(a.blobBitmap) <= word {
		a.blobBitmap = append(a.blobBitmap, 0)
	}
	if elem.HasBlob {
		a.blobBitmap[word] |= 1 << uint(bitIdx%64)
		a.blobSpans = append(a.blobSpans, blobSpan{offset: elem.BlobOff, size: elem.BlobLen})
		a.numBlobs++
	}

	cword := a.numElems / 32
	for len(a.opCrumbmap) <= cword {
		a.opCrumbmap = append(a.opCrumbmap, 0)
	}
	if elem.Op != 0 {
		a.opCrumbmap[cword] |= uint64(elem.Op) << uint((a.numElems%32)*2)
	}

	a.keyStarts = append(a.keyStarts, len(a.keys))
	a.keys = append(a.keys, elem.Key...)

	a.valStarts = append(a.valStarts, len(a.values))
	a.values = append(a.values, elem.Value...)

	a.numElems++
}

// Bytes serializes the accumulated page per spec.md §4.A's nine regions,
// little-endian throughout, zero-padded to a multiple of Size. A page with
// a single oversized entry serializes to more than one Size-multiple of
// bytes; every other page serializes to exactly Size bytes.
func (a *Accumulator) Bytes() []byte {
	numElems := a.numElems
	numBlobs := a.numBlobs

	bitmapWords := (numElems + 63) / 64
	crumbWords := (numElems + 31) / 32
	prefixLen := dirPrefixLen(numElems, numBlobs)
	keyDataOff := prefixLen + offsetArraysLen(numElems)
	valueDataOff := keyDataOff + len(a.keys)

	var buf []byte
	put16 := func(v uint16) { buf = binary.LittleEndian.AppendUint16(buf, v) }
	put32 := func(v uint32) { buf = binary.LittleEndian.AppendUint32(buf, v) }
	put64 := func(v uint64) { buf = binary.LittleEndian.AppendUint64(buf, v) }

	// (1) directory
	put16(uint16(numElems))
	put16(uint16(numBlobs))
	put16(uint16(prefixLen)) // keyOffsetsOffset
	put16(0)

	// (2) blob-present bitmap
	for i := 0; i < bitmapWords; i++ {
		var w uint64
		if i < len(a.blobBitmap) {
			w = a.blobBitmap[i]
		}
		put64(w)
	}

	// (3) opcode crumbmap
	for i := 0; i < crumbWords; i++ {
		var w uint64
		if i < len(a.opCrumbmap) {
			w = a.opCrumbmap[i]
		}
		put64(w)
	}

	// (4) blob span array
	for _, s := range a.blobSpans {
		put64(s.offset)
		put32(s.size)
	}

	// (5) key-offset array: absolute page offsets of each key's start.
	for i := 0; i < numElems; i++ {
		put16(uint16(keyDataOff + a.keyStarts[i]))
	}

	// (6) value-offset array: absolute page offsets (u16), except the
	// numElems==1 case where the end offset is a u32 to allow a value that
	// spans beyond a single 4 KiB page.
	if numElems == 1 {
		put16(uint16(valueDataOff + a.valStarts[0]))
		put32(uint32(valueDataOff + len(a.values)))
	} else {
		for i := 0; i < numElems; i++ {
			put16(uint16(valueDataOff + a.valStarts[i]))
		}
		put16(uint16(valueDataOff + len(a.values)))
	}

	// (7) concatenated key bytes
	buf = append(buf, a.keys...)
	// (8) concatenated value bytes
	buf = append(buf, a.values...)

	// (9) zero padding to next Size multiple
	if rem := len(buf) % Size; rem != 0 {
		buf = append(buf, make([]byte, Size-rem)...)
	}
	if len(buf) == 0 {
		buf = make([]byte, Size)
	}
	return buf
}
