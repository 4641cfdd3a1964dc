// Package chk centralizes the checksummed-file framing every run sidecar
// file uses: a fixed-size header naming the file's kind and checksum
// interval, a checksummed body, and a small trailer recording a content
// count and a termination marker.
//
// This is the teacher's ValueDirectFile/valueStoreFile discipline
// (header "VALUESTORE v0...":28 + checksumInterval:4, trailer with a
// "TERM" marker) generalized to four file kinds instead of one, with the
// same gopkg.in/gholt/brimutil.v1 ChecksummedReader/Writer doing the actual
// interval checksumming over murmur3.
package chk

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/spaolacci/murmur3"
	brimutil "gopkg.in/gholt/brimutil.v1"
)

const (
	// HeaderSize matches the teacher's _VALUE_FILE_HEADER_SIZE layout:
	// a 28-byte magic/name field followed by a 4-byte checksum interval.
	HeaderSize = 32
	// TrailerSize: 4 reserved bytes, an 8-byte count, a 4-byte "TERM" marker.
	TrailerSize = 16

	// DefaultChecksumInterval matches the teacher's default ChecksumInterval.
	DefaultChecksumInterval = 65532
)

var trailerMagic = [4]byte{'T', 'E', 'R', 'M'}

// ErrCorruption is returned when a header or trailer fails validation.
var ErrCorruption = errors.New("chk: corrupt file header or trailer")

func magicField(name string) []byte {
	b := make([]byte, 28)
	copy(b, name)
	for i := len(name); i < 28; i++ {
		b[i] = ' '
	}
	return b
}

// WriteHeader writes the HeaderSize-byte header for a file of kind name
// with the given checksum interval.
func WriteHeader(w io.Writer, name string, checksumInterval uint32) error {
	buf := make([]byte, HeaderSize)
	copy(buf, magicField(name))
	binary.LittleEndian.PutUint32(buf[28:], checksumInterval)
	_, err := w.Write(buf)
	return err
}

// ReadHeader reads and validates the header, returning the stored checksum interval.
func ReadHeader(r io.Reader, name string) (uint32, error) {
	buf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, err
	}
	if !bytes.Equal(buf[:28], magicField(name)) {
		return 0, ErrCorruption
	}
	return binary.LittleEndian.Uint32(buf[28:]), nil
}

// WriteTrailer writes the TrailerSize-byte trailer recording count.
func WriteTrailer(w io.Writer, count uint64) error {
	buf := make([]byte, TrailerSize)
	binary.LittleEndian.PutUint64(buf[4:], count)
	copy(buf[12:], trailerMagic[:])
	_, err := w.Write(buf)
	return err
}

// ReadTrailer reads and validates a trailer written by WriteTrailer.
func ReadTrailer(buf []byte) (count uint64, err error) {
	if len(buf) != TrailerSize {
		return 0, ErrCorruption
	}
	if !bytes.Equal(buf[12:], trailerMagic[:]) {
		return 0, ErrCorruption
	}
	return binary.LittleEndian.Uint64(buf[4:]), nil
}

// NewWriter wraps w in a brimutil ChecksummedWriter using murmur3 32-bit
// sums at the given interval, then writes the file's header as the first
// bytes of that checksummed stream -- matching the teacher's
// createValueReadWriteFile, which copies its header directly into the
// first bytes of writerCurrentBuf.buf, the same buffer its block
// checksums cover (valuestorefile_GEN_.go:98-101), rather than writing it
// to the raw file ahead of the checksummed stream. That way block 0's
// checksum protects the header along with the body bytes that follow it.
func NewWriter(w io.Writer, name string, checksumInterval uint32) (brimutil.ChecksummedWriter, error) {
	cw := brimutil.NewChecksummedWriter(w, int(checksumInterval), murmur3.New32)
	if err := WriteHeader(cw, name, checksumInterval); err != nil {
		return nil, err
	}
	return cw, nil
}

// NewReader wraps r in a brimutil ChecksummedReader and validates the
// file's header by reading it back through that same checksummed stream,
// mirroring NewWriter. r must first be peeked raw (fpr assumed to be at
// file position 0, as the teacher's readValueHeader comments it) to learn
// the stored checksum interval -- there is no way to construct a
// ChecksummedReader without knowing it -- but the peek rewinds r to
// position 0 before wrapping, so the ChecksummedReader itself reads the
// header from true physical 0 and verifies it as part of block 0, the
// same block its own body bytes share. r must be an io.ReadSeeker so the
// returned reader can support random-access Seek, exactly as the
// teacher's ValueDirectFile reads entries at arbitrary offsets through a
// ChecksummedReader rather than only scanning sequentially. On return the
// reader sits at the first body byte, HeaderSize bytes into the stream.
func NewReader(r io.ReadSeeker, name string) (brimutil.ChecksummedReader, error) {
	interval, err := ReadHeader(r, name)
	if err != nil {
		return nil, err
	}
	if _, err := r.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	cr := brimutil.NewChecksummedReader(r, int(interval), murmur3.New32)
	if _, err := ReadHeader(cr, name); err != nil {
		return nil, err
	}
	return cr, nil
}
