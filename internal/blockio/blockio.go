// Package blockio implements the block-I/O collaborator spec.md §6
// describes: "submit a vector of (file, offset, length, buffer) reads and
// receive their completions." The lookup pipeline's I/O stage (§4.G) goes
// through a Batcher; the run package's own PageAt reads pages directly.
//
// Batching mirrors the teacher's vfWriter, which groups pending
// valuesMem blocks into a single valuesFile write bounded by
// ValuesFileSize; here the bound is BatchSize reads per submission, and
// adjacent reads against the same file are coalesced into one larger read
// before being split back into per-request buffers.
package blockio

import (
	"io"
	"sort"
)

// Read is one requested byte range from a file.
type Read struct {
	File   io.ReaderAt
	Offset int64
	Length int
}

// Result is the outcome of one Read.
type Result struct {
	Data []byte
	Err  error
}

// Batcher groups reads into submissions of at most BatchSize, coalescing
// adjacent same-file ranges into a single underlying ReadAt call.
type Batcher struct {
	BatchSize int
}

// NewBatcher returns a Batcher bounding submissions to batchSize reads.
func NewBatcher(batchSize int) *Batcher {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Batcher{BatchSize: batchSize}
}

// Submit executes reqs, returning one Result per request in the same order
// as reqs. It does not reorder results; it only reorders and coalesces the
// underlying I/O.
func (b *Batcher) Submit(reqs []Read) []Result {
	results := make([]Result, len(reqs))
	if len(reqs) == 0 {
		return results
	}

	type indexed = struct {
		idx int
		req Read
	}
	byFile := map[io.ReaderAt][]indexed{}
	order := []io.ReaderAt{}
	for i, r := range reqs {
		if _, ok := byFile[r.File]; !ok {
			order = append(order, r.File)
		}
		byFile[r.File] = append(byFile[r.File], indexed{idx: i, req: r})
	}

	for _, f := range order {
		group := byFile[f]
		sort.Slice(group, func(i, j int) bool { return group[i].req.Offset < group[j].req.Offset })
		for batchStart := 0; batchStart < len(group); {
			batchEnd := batchStart + b.BatchSize
			if batchEnd > len(group) {
				batchEnd = len(group)
			}
			b.submitCoalesced(f, group[batchStart:batchEnd], results)
			batchStart = batchEnd
		}
	}
	return results
}

// submitCoalesced issues as few ReadAt calls as possible for a run of
// same-file requests sorted by offset, merging adjacent (or overlapping)
// ranges into one read and slicing the result back out per request.
func (b *Batcher) submitCoalesced(f io.ReaderAt, group []struct {
	idx int
	req Read
}, results []Result) {
	i := 0
	for i < len(group) {
		j := i + 1
		lo := group[i].req.Offset
		hi := group[i].req.Offset + int64(group[i].req.Length)
		for j < len(group) && group[j].req.Offset <= hi {
			end := group[j].req.Offset + int64(group[j].req.Length)
			if end > hi {
				hi = end
			}
			j++
		}
		buf := make([]byte, hi-lo)
		n, err := f.ReadAt(buf, lo)
		if err != nil && err != io.EOF {
			for k := i; k < j; k++ {
				results[group[k].idx] = Result{Err: err}
			}
			i = j
			continue
		}
		buf = buf[:n]
		for k := i; k < j; k++ {
			start := group[k].req.Offset - lo
			end := start + int64(group[k].req.Length)
			if end > int64(len(buf)) {
				results[group[k].idx] = Result{Err: io.ErrUnexpectedEOF}
				continue
			}
			data := make([]byte, group[k].req.Length)
			copy(data, buf[start:end])
			results[group[k].idx] = Result{Data: data}
		}
		i = j
	}
}
