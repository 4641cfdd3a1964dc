package run

import (
	"io"
	"sync"
	"sync/atomic"

	"github.com/gholt/lsmtree/bloom"
	"github.com/gholt/lsmtree/index"
	"github.com/gholt/lsmtree/internal/chk"
	"github.com/gholt/lsmtree/internal/vfs"
	"github.com/gholt/lsmtree/page"
)

// Run is one immutable, reference-counted on-disk run: a bloom filter, a
// compact index, and the backing keyops/blobs files, opened lazily and
// shared across every table that duplicates it -- spec.md §4.D's
// copy-on-write sharing of unchanged runs across Duplicate().
//
// This mirrors the teacher's valueLocMap entries being shared by reference
// between a value store and its "group" twin (see valuelocmap.go's use of
// atomic reference counts) rather than copied.
type Run struct {
	fs    vfs.FS
	paths Paths

	filter *bloom.Filter
	idx    *index.Index

	refs int32

	mu       sync.Mutex
	keyopsR  brimutilReader
	blobsR   brimutilReader
	checksumInterval uint32
}

// brimutilReader is the subset of brimutil.ChecksummedReader a Run uses for
// random-access page and blob fetches.
type brimutilReader interface {
	io.Reader
	io.Seeker
	io.Closer
}

// Open loads a run's sidecar files (bloom filter, compact index) and
// prepares lazy random-access readers for its keyops/blobs files. The
// returned Run starts with one reference held by the caller.
func Open(fs vfs.FS, dir string, runID uint64) (*Run, error) {
	paths := PathsFor(dir, runID)

	filterBuf, err := readSidecarBody(fs, paths.Filter, "LSMTREE FILTER")
	if err != nil {
		return nil, err
	}
	filter, err := bloom.Unmarshal(filterBuf)
	if err != nil {
		return nil, err
	}

	indexBuf, err := readSidecarBody(fs, paths.Index, "LSMTREE INDEX")
	if err != nil {
		return nil, err
	}
	idx, err := index.Unmarshal(indexBuf)
	if err != nil {
		return nil, err
	}

	return &Run{
		fs:               fs,
		paths:            paths,
		filter:           filter,
		idx:              idx,
		refs:             1,
		checksumInterval: chk.DefaultChecksumInterval,
	}, nil
}

// readSidecarBody opens, validates, and fully reads a small checksummed
// sidecar file's body (everything between the header and trailer).
//
// brimutil's ChecksummedReader addresses absolute physical offsets
// measured from the true start of the file, not from wherever a caller
// first starts reading -- the teacher's ValueDirectFile.DataSize proves
// this by subtracting the header size from a Seek(-TrailerSize,SeekEnd)
// size (valuedirectfile_GEN_.go:63,109-110), and FirstEntry reaches the
// first entry by seeking to the raw header size rather than 0
// (:229). So the body here begins at physical offset chk.HeaderSize, not
// physical 0.
func readSidecarBody(fs vfs.FS, name, kind string) ([]byte, error) {
	raw, err := fs.OpenRead(name)
	if err != nil {
		return nil, err
	}
	defer raw.Close()

	r, err := chk.NewReader(raw, kind)
	if err != nil {
		return nil, err
	}
	end, err := r.Seek(-chk.TrailerSize, io.SeekEnd)
	if err != nil {
		return nil, err
	}
	body := make([]byte, end-chk.HeaderSize)
	if _, err := r.Seek(chk.HeaderSize, io.SeekStart); err != nil {
		return nil, err
	}
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

// AddReference increments the run's reference count, for a table duplicated
// by Duplicate() that now shares this run.
func (r *Run) AddReference() { atomic.AddInt32(&r.refs, 1) }

// RemoveReference decrements the reference count and, if it reaches zero,
// closes any open file handles and unlinks the run's four files.
func (r *Run) RemoveReference() error {
	if atomic.AddInt32(&r.refs, -1) > 0 {
		return nil
	}
	r.mu.Lock()
	if r.keyopsR != nil {
		r.keyopsR.Close()
		r.keyopsR = nil
	}
	if r.blobsR != nil {
		r.blobsR.Close()
		r.blobsR = nil
	}
	r.mu.Unlock()
	return r.paths.RemoveAll(r.fs)
}

// MayContain probes the run's bloom filter.
func (r *Run) MayContain(key []byte) bool { return r.filter.MayContain(key) }

// Candidates returns the inclusive page-index range the compact index says
// could contain key.
func (r *Run) Candidates(key []byte) (lo, hi uint32) { return r.idx.Search(key) }

func (r *Run) keyopsReader() (brimutilReader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.keyopsR != nil {
		return r.keyopsR, nil
	}
	raw, err := r.fs.OpenRead(r.paths.KeyOps)
	if err != nil {
		return nil, err
	}
	cr, err := chk.NewReader(raw, "LSMTREE KEYOPS")
	if err != nil {
		raw.Close()
		return nil, err
	}
	r.keyopsR = cr
	return cr, nil
}

func (r *Run) blobsReader() (brimutilReader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.blobsR != nil {
		return r.blobsR, nil
	}
	raw, err := r.fs.OpenRead(r.paths.Blobs)
	if err != nil {
		return nil, err
	}
	cr, err := chk.NewReader(raw, "LSMTREE BLOBS")
	if err != nil {
		raw.Close()
		return nil, err
	}
	r.blobsR = cr
	return cr, nil
}

// PageAt reads and decodes logical page i from the keyops file. Reads of
// distinct pages serialize through the same reader and Seek, matching the
// teacher's single-reader-per-file discipline in valuestorefile_GEN_.go
// (a small, fixed pool of readers, each used one request at a time).
//
// idx.PageLocation reports an offset relative to the keyops body (the
// bytes after the header); the checksummed reader addresses physical
// offsets from true file position 0, so the header size is added before
// seeking (see readSidecarBody's doc comment).
func (r *Run) PageAt(i uint32) (*page.Decoded, error) {
	offset, length := r.idx.PageLocation(i)
	cr, err := r.keyopsReader()
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := cr.Seek(int64(offset)+chk.HeaderSize, io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(cr, buf); err != nil {
		return nil, err
	}
	return page.Decode(buf)
}

// BlobAt reads the raw blob bytes referenced by an entry's BlobOff/BlobLen.
// offset is relative to the blobs body, same header-offset caveat as PageAt.
func (r *Run) BlobAt(offset uint64, length uint32) ([]byte, error) {
	cr, err := r.blobsReader()
	if err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := cr.Seek(int64(offset)+chk.HeaderSize, io.SeekStart); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(cr, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// NumPages reports how many pages this run's index covers.
func (r *Run) NumPages() uint32 { return r.idx.NumPages() }

// PageLocation reports page i's byte offset and length within the keyops
// file body, as recorded by the compact index.
func (r *Run) PageLocation(i uint32) (offset, length uint64) { return r.idx.PageLocation(i) }

// KeyOpsReaderAt returns an io.ReaderAt over the keyops file body, suitable
// for batching multiple page reads through internal/blockio.Batcher. Each
// ReadAt call still serializes through the run's single Seek-then-ReadFull
// reader, same as PageAt/BlobAt. off is body-relative, same as
// idx.PageLocation's offsets; the header-size caveat in PageAt applies here
// too.
func (r *Run) KeyOpsReaderAt() io.ReaderAt { return runKeyOpsReaderAt{r} }

type runKeyOpsReaderAt struct{ r *Run }

func (ra runKeyOpsReaderAt) ReadAt(p []byte, off int64) (int, error) {
	cr, err := ra.r.keyopsReader()
	if err != nil {
		return 0, err
	}
	ra.r.mu.Lock()
	defer ra.r.mu.Unlock()
	if _, err := cr.Seek(off+chk.HeaderSize, io.SeekStart); err != nil {
		return 0, err
	}
	return io.ReadFull(cr, p)
}

// Paths reports the four file paths backing this run.
func (r *Run) Paths() Paths { return r.paths }

// NumEntries reads and returns the keyops file's trailer entry count,
// matching the teacher's EntryCount (valuedirectfile_GEN_.go), which is
// likewise derived from the TOC/data file's trailer rather than kept
// separately in memory after a run is reopened.
func (r *Run) NumEntries() (uint64, error) {
	cr, err := r.keyopsReader()
	if err != nil {
		return 0, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, err := cr.Seek(-int64(chk.TrailerSize), io.SeekEnd); err != nil {
		return 0, err
	}
	buf := make([]byte, chk.TrailerSize)
	if _, err := io.ReadFull(cr, buf); err != nil {
		return 0, err
	}
	return chk.ReadTrailer(buf)
}
