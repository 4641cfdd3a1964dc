package run

import (
	"io"

	"github.com/gholt/lsmtree/bloom"
	"github.com/gholt/lsmtree/index"
	"github.com/gholt/lsmtree/internal/chk"
	"github.com/gholt/lsmtree/internal/vfs"
	"github.com/gholt/lsmtree/page"
)

// WriterConfig carries the numeric knobs a Writer needs, kept free of any
// dependency on the root package's Config so this package stays a leaf.
type WriterConfig struct {
	RangeFinderPrecision uint
	IndexChunkSize       int
	BloomBitsPerEntry    uint64
	BloomNumHashes       uint64
	ExpectedEntries      uint64
	ChecksumInterval     uint32
}

// Writer builds one run on disk: it accepts entries in ascending key order
// and incrementally fills a page accumulator, a bloom filter, and a compact
// index builder, flushing completed pages straight to the .keyops file as
// they fill rather than buffering the whole run in memory -- spec.md §4.D's
// "a run is built by one streaming pass over its source."
type Writer struct {
	fs    vfs.FS
	paths Paths
	cfg   WriterConfig

	acc        *page.Accumulator
	idxBuilder *index.Builder
	filter     *bloom.Filter

	keyopsRaw io.WriteCloser
	keyopsW   chkWriter
	blobsRaw  io.WriteCloser
	blobsW    chkWriter

	blobOffset uint64
	numEntries uint64
	numBlobs   uint64
	closed     bool
}

// chkWriter is the subset of brimutil.ChecksummedWriter a Writer uses.
type chkWriter interface {
	Write(p []byte) (int, error)
	Close() error
}

// NewWriter creates the four files for runID under dir and returns a Writer
// ready to accept entries.
func NewWriter(fs vfs.FS, dir string, runID uint64, cfg WriterConfig) (*Writer, error) {
	if cfg.IndexChunkSize < 1 {
		cfg.IndexChunkSize = 1
	}
	if cfg.ChecksumInterval == 0 {
		cfg.ChecksumInterval = chk.DefaultChecksumInterval
	}

	paths := PathsFor(dir, runID)

	keyopsRaw, err := fs.Create(paths.KeyOps)
	if err != nil {
		return nil, err
	}
	keyopsW, err := chk.NewWriter(keyopsRaw, "LSMTREE KEYOPS", cfg.ChecksumInterval)
	if err != nil {
		keyopsRaw.Close()
		return nil, err
	}

	blobsRaw, err := fs.Create(paths.Blobs)
	if err != nil {
		keyopsW.Close()
		keyopsRaw.Close()
		return nil, err
	}
	blobsW, err := chk.NewWriter(blobsRaw, "LSMTREE BLOBS", cfg.ChecksumInterval)
	if err != nil {
		blobsRaw.Close()
		keyopsW.Close()
		keyopsRaw.Close()
		return nil, err
	}

	filter := bloom.NewForEntries(int(cfg.ExpectedEntries), int(cfg.BloomBitsPerEntry), int(cfg.BloomNumHashes))

	return &Writer{
		fs:         fs,
		paths:      paths,
		cfg:        cfg,
		acc:        page.NewAccumulator(cfg.RangeFinderPrecision),
		idxBuilder: index.NewBuilder(cfg.RangeFinderPrecision, cfg.IndexChunkSize),
		filter:     filter,
		keyopsRaw:  keyopsRaw,
		keyopsW:    keyopsW,
		blobsRaw:   blobsRaw,
		blobsW:     blobsW,
	}, nil
}

// Paths reports the four file paths this writer is producing.
func (w *Writer) Paths() Paths { return w.paths }

// Add appends one key/entry pair. Keys must arrive in ascending order; this
// is the caller's responsibility (the write buffer and merge cursor both
// already guarantee it).
func (w *Writer) Add(kv KV) error {
	elem := page.Elem{
		Key:     kv.Key,
		Op:      kv.Entry.Op,
		Value:   kv.Entry.Value,
		HasBlob: kv.Entry.HasBlob,
		BlobOff: kv.Entry.BlobOff,
		BlobLen: kv.Entry.BlobLen,
	}
	if !w.acc.Add(elem) {
		if err := w.flushPage(); err != nil {
			return err
		}
		if !w.acc.Add(elem) {
			// A single entry too large even for an empty accumulator cannot
			// happen: Accumulator.Add always accepts onto an empty page.
			return errWriterRejectedEntry
		}
	}
	w.filter.Insert(kv.Key)
	w.numEntries++
	if kv.Entry.HasBlob {
		w.numBlobs++
	}
	return nil
}

// WriteBlob appends raw blob bytes to the .blobs file and returns the
// offset and length to record on the entry referencing them.
func (w *Writer) WriteBlob(data []byte) (offset uint64, length uint32, err error) {
	n, err := w.blobsW.Write(data)
	if err != nil {
		return 0, 0, err
	}
	offset = w.blobOffset
	length = uint32(n)
	w.blobOffset += uint64(n)
	return offset, length, nil
}

func (w *Writer) flushPage() error {
	if w.acc.NumElems() == 0 {
		return nil
	}
	buf := w.acc.Bytes()
	firstKey := append([]byte(nil), w.acc.FirstKey()...)
	if _, err := w.keyopsW.Write(buf); err != nil {
		return err
	}
	w.idxBuilder.Append(firstKey, len(buf))
	w.acc.Reset(w.cfg.RangeFinderPrecision)
	return nil
}

// Close flushes the final page, writes trailers, and serializes the bloom
// filter and compact index to their own checksummed sidecar files. It
// returns the finished run's entry count.
func (w *Writer) Close() (numEntries uint64, err error) {
	if w.closed {
		return w.numEntries, nil
	}
	w.closed = true

	if err = w.flushPage(); err != nil {
		return 0, err
	}
	// The trailer is written through the checksummed writer, like every
	// other body byte, so a reader verifies it the same way it verifies
	// page data -- matching the teacher's ValueDirectFile, which reads its
	// trailer back out through the same ChecksummedReader as the rest of
	// the file rather than treating it as an unchecksummed tail.
	if err = chk.WriteTrailer(w.keyopsW, w.numEntries); err != nil {
		return 0, err
	}
	if err = w.keyopsW.Close(); err != nil {
		return 0, err
	}

	if err = chk.WriteTrailer(w.blobsW, w.numBlobs); err != nil {
		return 0, err
	}
	if err = w.blobsW.Close(); err != nil {
		return 0, err
	}

	idx := w.idxBuilder.Finish()
	if err = writeSidecar(w.fs, w.paths.Index, "LSMTREE INDEX", w.cfg.ChecksumInterval, idx.Marshal()); err != nil {
		return 0, err
	}
	if err = writeSidecar(w.fs, w.paths.Filter, "LSMTREE FILTER", w.cfg.ChecksumInterval, w.filter.Marshal()); err != nil {
		return 0, err
	}

	return w.numEntries, nil
}

// Abort closes the writer's underlying file handles without finalizing
// trailers or sidecars, for a cancelled merge (spec.md §8's
// cancellation-cleanliness property): the caller is about to unlink all
// four files anyway, but the raw keyops/blobs descriptors must still be
// released first, the same way the teacher's valueStoreFile.close always
// runs closeWriting before unlinking is even considered.
func (w *Writer) Abort() error {
	if w.closed {
		return nil
	}
	w.closed = true
	var firstErr error
	if w.keyopsW != nil {
		if err := w.keyopsW.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if w.keyopsRaw != nil {
		if err := w.keyopsRaw.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if w.blobsW != nil {
		if err := w.blobsW.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if w.blobsRaw != nil {
		if err := w.blobsRaw.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// writeSidecar writes a small, fully in-memory sidecar file (the bloom
// filter or compact index) through the same header+checksummed-body+trailer
// framing the larger keyops/blobs files use, so all four run files share one
// on-disk shape and one recovery path.
func writeSidecar(fs vfs.FS, name, kind string, checksumInterval uint32, body []byte) error {
	raw, err := fs.Create(name)
	if err != nil {
		return err
	}
	w, err := chk.NewWriter(raw, kind, checksumInterval)
	if err != nil {
		raw.Close()
		return err
	}
	if _, err := w.Write(body); err != nil {
		w.Close()
		raw.Close()
		return err
	}
	// The trailer goes through the checksummed writer, same as the
	// keyops/blobs files, so a reader verifies it the same way it verifies
	// the rest of the body instead of finding unchecksummed bytes appended
	// past what the checksummed reader expects.
	if err := chk.WriteTrailer(w, uint64(len(body))); err != nil {
		w.Close()
		raw.Close()
		return err
	}
	return w.Close()
}

type writerError string

func (e writerError) Error() string { return string(e) }

var errWriterRejectedEntry = writerError("run: accumulator rejected entry on an empty page")
