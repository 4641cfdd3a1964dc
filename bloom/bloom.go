// Package bloom implements spec.md §4.B: a per-run probabilistic
// membership filter that never false-negatives on keys actually inserted.
//
// Hashing follows the Kirsch-Mitzenmacher double-hashing scheme seeded from
// a single murmur3.Sum128 call per key, the same hash family the teacher
// uses for on-disk checksums (github.com/spaolacci/murmur3) and for salted
// bloom filters in its pull-replication path (grouppullreplication_GEN_.go).
package bloom

import (
	"encoding/binary"
	"math"

	"github.com/spaolacci/murmur3"
)

// Params fixes a Filter's shape; two filters are only comparable (for test
// purposes) when built from identical Params and an identical key multiset
// — spec.md §4.B.
type Params struct {
	NumBits   uint64
	NumHashes int
}

// Filter is a fixed-size bit array bloom filter.
type Filter struct {
	params Params
	bits   []uint64
}

// BitsForEntries computes NumBits for an expected entry count at
// bitsPerEntry bits/entry (the RunBloomFilterAlloc fixed-allocation
// strategy named in spec.md §6).
func BitsForEntries(expectedEntries int, bitsPerEntry int) uint64 {
	if expectedEntries < 1 {
		expectedEntries = 1
	}
	if bitsPerEntry < 1 {
		bitsPerEntry = 1
	}
	n := uint64(expectedEntries) * uint64(bitsPerEntry)
	// Round up to a whole number of 64-bit words so the bit array never
	// needs bounds-checking against a partial trailing word.
	words := (n + 63) / 64
	if words == 0 {
		words = 1
	}
	return words * 64
}

// New allocates an empty filter with the given parameters.
func New(p Params) *Filter {
	if p.NumBits == 0 {
		p.NumBits = 64
	}
	if p.NumHashes < 1 {
		p.NumHashes = 1
	}
	words := (p.NumBits + 63) / 64
	return &Filter{params: p, bits: make([]uint64, words)}
}

// NewForEntries is a convenience constructor combining BitsForEntries with New.
func NewForEntries(expectedEntries, bitsPerEntry, numHashes int) *Filter {
	return New(Params{NumBits: BitsForEntries(expectedEntries, bitsPerEntry), NumHashes: numHashes})
}

func (f *Filter) seeds(key []byte) (uint64, uint64) {
	h1, h2 := murmur3.Sum128(key)
	return h1, h2
}

func (f *Filter) bitIndex(h1, h2 uint64, i int) uint64 {
	combined := h1 + uint64(i)*h2
	return combined % f.params.NumBits
}

// Insert records key as present.
func (f *Filter) Insert(key []byte) {
	h1, h2 := f.seeds(key)
	for i := 0; i < f.params.NumHashes; i++ {
		idx := f.bitIndex(h1, h2, i)
		f.bits[idx/64] |= 1 << (idx % 64)
	}
}

// MayContain reports whether key may be present. It never returns false for
// a key that was Inserted (no false negatives); it may return true for a
// key that was never inserted (false positives, bounded by the filter's
// sizing).
func (f *Filter) MayContain(key []byte) bool {
	h1, h2 := f.seeds(key)
	for i := 0; i < f.params.NumHashes; i++ {
		idx := f.bitIndex(h1, h2, i)
		if f.bits[idx/64]&(1<<(idx%64)) == 0 {
			return false
		}
	}
	return true
}

// Bits reports the filter's bit-array length, for comparing merged filters
// against directly-flushed ones per spec.md §4.F's distributivity note
// (merged filter size need only be >=, not byte-identical).
func (f *Filter) Bits() uint64 { return f.params.NumBits }

// Params returns the filter's construction parameters.
func (f *Filter) Params() Params { return f.params }

// EstimatedFalsePositiveRate reports the theoretical false-positive rate
// for a filter with this many bits, this many hash functions, having
// inserted n keys.
func EstimatedFalsePositiveRate(numBits uint64, numHashes, n int) float64 {
	if numBits == 0 || n == 0 {
		return 0
	}
	k := float64(numHashes)
	m := float64(numBits)
	nf := float64(n)
	return math.Pow(1-math.Exp(-k*nf/m), k)
}

// Marshal serializes the filter to bytes for the run package's .filter
// sidecar file: a small header (NumBits, NumHashes) followed by the raw bit
// words, little-endian throughout.
func (f *Filter) Marshal() []byte {
	buf := make([]byte, 16+len(f.bits)*8)
	binary.LittleEndian.PutUint64(buf[0:], f.params.NumBits)
	binary.LittleEndian.PutUint64(buf[8:], uint64(f.params.NumHashes))
	for i, w := range f.bits {
		binary.LittleEndian.PutUint64(buf[16+i*8:], w)
	}
	return buf
}

// Unmarshal parses a filter produced by Marshal.
func Unmarshal(buf []byte) (*Filter, error) {
	if len(buf) < 16 {
		return nil, errTruncated
	}
	numBits := binary.LittleEndian.Uint64(buf[0:])
	numHashes := int(binary.LittleEndian.Uint64(buf[8:]))
	words := (numBits + 63) / 64
	need := 16 + int(words)*8
	if len(buf) < need {
		return nil, errTruncated
	}
	bits := make([]uint64, words)
	for i := range bits {
		bits[i] = binary.LittleEndian.Uint64(buf[16+i*8:])
	}
	return &Filter{params: Params{NumBits: numBits, NumHashes: numHashes}, bits: bits}, nil
}

var errTruncated = marshalError("bloom: truncated filter")

type marshalError string

func (e marshalError) Error() string { return string(e) }
