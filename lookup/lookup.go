// Package lookup implements spec.md §4.G: the three-stage pipeline that
// resolves a batch of keys against an ordered (newest-first) list of runs.
//
// Stage 1 probes each run's bloom filter; stage 2 narrows survivors to a
// candidate page range via the run's compact index; stage 3 batches the
// actual page reads through internal/blockio.Batcher, decodes whatever
// comes back, and binary-searches each page for the key.
package lookup

import (
	"sort"

	"github.com/gholt/lsmtree/internal/blockio"
	"github.com/gholt/lsmtree/page"
	"github.com/gholt/lsmtree/run"
)

// Resolve folds an older entry's value underneath a newer Mupdate's, same
// signature as writebuffer.Resolve and merge.Resolve.
type Resolve func(newer, older []byte) []byte

// Kind distinguishes the three possible outcomes spec.md §4.G names:
// NotFound(k), Found(k,v), FoundWithBlob(k,v,BlobSpan).
type Kind int

const (
	NotFound Kind = iota
	Found
	FoundWithBlob
)

// Result is one key's outcome, in the same order as the input key batch.
type Result struct {
	Key     []byte
	Kind    Kind
	Value   []byte
	BlobOff uint64
	BlobLen uint32
}

// Pipeline runs lookups against a fixed I/O batch size.
type Pipeline struct {
	batcher *blockio.Batcher
}

// New returns a Pipeline batching page reads in groups of at most batchSize.
func New(batchSize int) *Pipeline {
	return &Pipeline{batcher: blockio.NewBatcher(batchSize)}
}

// survivor is one (key, run) pair that passed the bloom stage, narrowed by
// the index stage to a candidate page range.
type survivor struct {
	keyIdx int
	runIdx int
	lo, hi uint32
}

type pageReq struct {
	runIdx  int
	pageIdx uint32
}

// foldedEntry is the in-flight fold state for one key across runs.
type foldedEntry struct {
	op      page.OpCode
	value   []byte
	hasBlob bool
	blobOff uint64
	blobLen uint32
}

// Lookup resolves keys against runs (ordered newest-first) using resolve to
// fold a Mupdate chain, returning one Result per key in input order.
func (p *Pipeline) Lookup(keys [][]byte, runs []*run.Run, resolve Resolve) ([]Result, error) {
	results := make([]Result, len(keys))
	for i, k := range keys {
		results[i] = Result{Key: k, Kind: NotFound}
	}
	if len(keys) == 0 || len(runs) == 0 {
		return results, nil
	}

	var survivors []survivor
	for ki, k := range keys {
		for ri, r := range runs {
			if r.MayContain(k) {
				lo, hi := r.Candidates(k)
				survivors = append(survivors, survivor{keyIdx: ki, runIdx: ri, lo: lo, hi: hi})
			}
		}
	}
	if len(survivors) == 0 {
		return results, nil
	}

	pageSet := map[pageReq]bool{}
	for _, s := range survivors {
		for pi := s.lo; pi <= s.hi; pi++ {
			pageSet[pageReq{runIdx: s.runIdx, pageIdx: pi}] = true
		}
	}
	pages, err := p.fetchPages(runs, pageSet)
	if err != nil {
		return nil, err
	}

	sort.SliceStable(survivors, func(i, j int) bool {
		if survivors[i].keyIdx != survivors[j].keyIdx {
			return survivors[i].keyIdx < survivors[j].keyIdx
		}
		return survivors[i].runIdx < survivors[j].runIdx
	})

	i := 0
	for i < len(survivors) {
		j := i
		ki := survivors[i].keyIdx
		for j < len(survivors) && survivors[j].keyIdx == ki {
			j++
		}
		results[ki] = foldKey(keys[ki], survivors[i:j], pages, resolve)
		i = j
	}
	return results, nil
}

// fetchPages batches every distinct (run, page) read across all survivors
// through the run's keyops ReaderAt, grouped per run so blockio.Batcher can
// coalesce adjacent pages within that run's file into fewer underlying
// reads (spec.md §4.G's batching rule).
func (p *Pipeline) fetchPages(runs []*run.Run, pageSet map[pageReq]bool) (map[pageReq]*page.Decoded, error) {
	byRun := map[int][]pageReq{}
	for pr := range pageSet {
		byRun[pr.runIdx] = append(byRun[pr.runIdx], pr)
	}

	decoded := make(map[pageReq]*page.Decoded, len(pageSet))
	for runIdx, prs := range byRun {
		r := runs[runIdx]
		readerAt := r.KeyOpsReaderAt()
		reqs := make([]blockio.Read, len(prs))
		for i, pr := range prs {
			offset, length := r.PageLocation(pr.pageIdx)
			reqs[i] = blockio.Read{File: readerAt, Offset: int64(offset), Length: int(length)}
		}
		results := p.batcher.Submit(reqs)
		for i, res := range results {
			if res.Err != nil {
				return nil, res.Err
			}
			dec, err := page.Decode(res.Data)
			if err != nil {
				return nil, err
			}
			decoded[prs[i]] = dec
		}
	}
	return decoded, nil
}

// pageHit searches every page in a survivor's candidate range for key,
// returning the first match (a run's pages never repeat a key, so at most
// one page in the range can contain it).
func pageHit(key []byte, s survivor, pages map[pageReq]*page.Decoded) (foldedEntry, bool) {
	for pi := s.lo; pi <= s.hi; pi++ {
		dec := pages[pageReq{runIdx: s.runIdx, pageIdx: pi}]
		if dec == nil {
			continue
		}
		idx, ok := dec.Search(key)
		if !ok {
			continue
		}
		e := foldedEntry{op: dec.Op(idx), value: append([]byte(nil), dec.Value(idx)...)}
		if dec.HasBlob(idx) {
			e.hasBlob = true
			e.blobOff, e.blobLen = dec.Blob(idx)
		}
		return e, true
	}
	return foldedEntry{}, false
}

// foldKey walks survivors (already sorted newest run first) for one key,
// applying the same monoidal resolution table as writebuffer and merge: a
// Delete or Insert terminates the fold outright; a Mupdate combines with
// the next older hit via resolve and keeps folding. A Mupdate that survives
// every run with nothing older to fold into resolves as if it had folded
// over an implicit Delete: a standalone Insert of its own value, exactly
// like the Mupdate-over-Delete case that already appears while folding.
func foldKey(key []byte, survivors []survivor, pages map[pageReq]*page.Decoded, resolve Resolve) Result {
	var entry foldedEntry
	have := false
	for _, s := range survivors {
		hit, ok := pageHit(key, s, pages)
		if !ok {
			continue
		}
		if !have {
			entry = hit
			have = true
		} else {
			entry = resolveEntries(entry, hit, resolve)
		}
		if entry.op != page.OpMupdate {
			break
		}
	}
	if !have {
		return Result{Key: key, Kind: NotFound}
	}
	if entry.op == page.OpMupdate {
		entry.op = page.OpInsert
	}
	if entry.op == page.OpDelete {
		return Result{Key: key, Kind: NotFound}
	}
	if entry.hasBlob {
		return Result{Key: key, Kind: FoundWithBlob, Value: entry.value, BlobOff: entry.blobOff, BlobLen: entry.blobLen}
	}
	return Result{Key: key, Kind: Found, Value: entry.value}
}

// resolveEntries mirrors writebuffer's and merge's identical resolution
// table (kept in lockstep deliberately; see DESIGN.md). Note newer here is
// the already-folded in-flight entry (never carries a blob once folding has
// started) and older is a freshly decoded page hit, so the known
// Mupdate-over-blob-Insert gap documented in merge.go applies here too.
func resolveEntries(newer, older foldedEntry, resolve Resolve) foldedEntry {
	switch newer.op {
	case page.OpDelete, page.OpInsert:
		return newer
	case page.OpMupdate:
		switch older.op {
		case page.OpInsert:
			return foldedEntry{op: page.OpInsert, value: resolve(newer.value, older.value)}
		case page.OpMupdate:
			return foldedEntry{op: page.OpMupdate, value: resolve(newer.value, older.value)}
		case page.OpDelete:
			return foldedEntry{op: page.OpInsert, value: newer.value}
		}
		return newer
	default:
		return newer
	}
}
