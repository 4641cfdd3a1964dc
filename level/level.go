// Package level implements spec.md §4.H: the write buffer plus ordered
// list of levels [L0, L1, ...], each bounded to RunsPerLevel runs, with
// credit-scheduled background merges cascading runs down toward the last
// level.
//
// This is the teacher's memClearer/flusher cascade (valuesstore.go) read
// as a general leveled-merge policy: a bounded in-memory structure that
// periodically hands its contents to a background compaction, paced by
// caller-supplied credit rather than its own goroutine loop, so the whole
// thing stays driven synchronously by Table's public methods exactly as
// spec.md §5 requires (no operation suspends except across I/O).
package level

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/gholt/lsmtree/internal/vfs"
	"github.com/gholt/lsmtree/lookup"
	"github.com/gholt/lsmtree/merge"
	"github.com/gholt/lsmtree/run"
	"github.com/gholt/lsmtree/writebuffer"
)

// Resolve folds an older entry's value underneath a newer Mupdate's,
// shared across writebuffer, merge, and lookup.
type Resolve func(newer, older []byte) []byte

// Config carries every knob a Table needs.
type Config struct {
	Dir                 string
	RunsPerLevel        int
	NumLevels           int // the last index, NumLevels-1, merges in place and elides deletes
	WriteBufferCapacity int
	WriterConfig        run.WriterConfig
	LookupBatchSize     int
	Resolve             Resolve
}

func (c Config) normalized() Config {
	if c.RunsPerLevel < 2 {
		c.RunsPerLevel = 2
	}
	if c.NumLevels < 1 {
		c.NumLevels = 1
	}
	if c.WriteBufferCapacity < 1 {
		c.WriteBufferCapacity = 1
	}
	if c.LookupBatchSize < 1 {
		c.LookupBatchSize = 64
	}
	return c
}

// levelState is one level's mutable state: the active runs accepted since
// its last merge trigger (newest-first), and, if a merge is in progress,
// the frozen older set of runs being compacted plus the Merge driving it.
type levelState struct {
	runs        []*run.Run
	mergingRuns []*run.Run
	merging     *merge.Merge
	stepsPerCredit int
}

// Table is spec.md §4.H's Table.
type Table struct {
	mu  sync.Mutex
	fs  vfs.FS
	cfg Config

	nextRunID *uint64

	buf    *writebuffer.Buffer
	levels []*levelState

	lookupPipe *lookup.Pipeline

	closed bool
}

// errClosed marks an operation attempted on a closed table.
type errClosed string

func (e errClosed) Error() string { return string(e) }

// ErrClosed is returned by any operation on a table after Close.
var ErrClosed = errClosed("level: table is closed")

// New returns a fresh, empty Table rooted at cfg.Dir.
func New(fs vfs.FS, cfg Config) *Table {
	cfg = cfg.normalized()
	id := uint64(0)
	t := &Table{
		fs:         fs,
		cfg:        cfg,
		nextRunID:  &id,
		buf:        writebuffer.New(writebuffer.Resolve(cfg.Resolve)),
		levels:     make([]*levelState, cfg.NumLevels),
		lookupPipe: lookup.New(cfg.LookupBatchSize),
	}
	for i := range t.levels {
		t.levels[i] = &levelState{}
	}
	return t
}

func (t *Table) allocRunID() uint64 { return atomic.AddUint64(t.nextRunID, 1) }

// NewFromRuns is New, followed by installing already-opened runs into
// level 0 in ascending run-ID order (oldest first) -- exactly as if each
// had been flushed in that order -- and bumping the run-ID counter past
// the highest recovered ID. Used by package session's crash-recovery walk
// (SPEC_FULL.md §F.3's "background recovery on open"); safe to call
// without the table's lock since the table is not yet shared.
func NewFromRuns(fs vfs.FS, cfg Config, nextRunID uint64, runs []*run.Run) *Table {
	t := New(fs, cfg)
	if nextRunID > *t.nextRunID {
		*t.nextRunID = nextRunID
	}
	for _, r := range runs {
		t.installRun(0, r)
	}
	return t
}

// Insert records an unconditional replacement for key.
func (t *Table) Insert(key, value []byte) error {
	return t.update(key, run.Entry{Op: 0, Value: value})
}

// Delete records a tombstone for key.
func (t *Table) Delete(key []byte) error {
	return t.update(key, run.Entry{Op: 2})
}

// Mupsert records a monoidal upsert for key.
func (t *Table) Mupsert(key, value []byte) error {
	return t.update(key, run.Entry{Op: 1, Value: value})
}

func (t *Table) update(key []byte, entry run.Entry) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	t.buf.Insert(key, entry)
	if t.buf.NumEntries() >= t.cfg.WriteBufferCapacity {
		if err := t.flushLocked(); err != nil {
			return err
		}
	}
	return t.payCreditLocked()
}

// flushLocked drains the write buffer into a new level-0 run.
func (t *Table) flushLocked() error {
	if t.buf.NumEntries() == 0 {
		return nil
	}
	kvs := t.buf.ToList()
	id := t.allocRunID()
	w, err := run.NewWriter(t.fs, t.cfg.Dir, id, t.cfg.WriterConfig)
	if err != nil {
		return err
	}
	for _, kv := range kvs {
		if err := w.Add(kv); err != nil {
			return err
		}
	}
	if _, err := w.Close(); err != nil {
		return err
	}
	r, err := run.Open(t.fs, t.cfg.Dir, id)
	if err != nil {
		return err
	}
	t.buf = writebuffer.New(writebuffer.Resolve(t.cfg.Resolve))
	t.installRun(0, r)
	return nil
}

// installRun prepends r (newest) to level ℓ's active runs and triggers a
// merge if that pushes the level over its run bound.
func (t *Table) installRun(levelIdx int, r *run.Run) {
	lv := t.levels[levelIdx]
	lv.runs = append([]*run.Run{r}, lv.runs...)
	if lv.merging == nil && len(lv.runs) >= t.cfg.RunsPerLevel {
		t.triggerMerge(levelIdx)
	}
}

// triggerMerge freezes level ℓ's current runs as a merge's input set and
// starts compacting them toward the next level (or in place, at the last
// level).
func (t *Table) triggerMerge(levelIdx int) {
	lv := t.levels[levelIdx]
	inputs := lv.runs
	lv.runs = nil
	lastLevel := levelIdx == t.cfg.NumLevels-1
	id := t.allocRunID()
	m, ok := merge.New(t.fs, t.cfg.Dir, id, t.cfg.WriterConfig, lastLevel, merge.Resolve(t.cfg.Resolve), inputs)
	if !ok {
		// merge.New declined (fewer than two inputs, or the output run's
		// files could not be created): put the inputs right back.
		lv.runs = inputs
		return
	}
	lv.mergingRuns = inputs
	lv.merging = m
	budget := m.TotalInput()
	slack := uint64(t.cfg.RunsPerLevel)
	steps := (budget + slack - 1) / slack
	if steps < 1 {
		steps = 1
	}
	lv.stepsPerCredit = int(steps)
}

// payCreditLocked advances every in-progress merge by one credit's worth
// of steps, per spec.md §4.H's credit scheduling: a merge started with
// budget B and slack S pays down ceil(B/S) steps per update, so it
// finishes within about S further updates -- roughly the number of
// updates expected before its level would otherwise overflow again.
func (t *Table) payCreditLocked() error {
	for levelIdx, lv := range t.levels {
		if lv.merging == nil {
			continue
		}
		_, status, err := lv.merging.Steps(lv.stepsPerCredit)
		if err != nil {
			return err
		}
		if status != merge.Complete {
			continue
		}
		out := lv.merging.Output()
		lv.merging = nil
		// lv.mergingRuns held the level's own reference to each input run,
		// separate from the reference merge.New/finish took for the merge
		// itself; that one dropped inside lv.merging.Steps's call into
		// finish(), but the level's reference is only released here, now
		// that out has replaced these runs in the level's lineage.
		for _, r := range lv.mergingRuns {
			if err := r.RemoveReference(); err != nil {
				return err
			}
		}
		lv.mergingRuns = nil
		target := levelIdx + 1
		if levelIdx == t.cfg.NumLevels-1 {
			target = levelIdx
		}
		t.installRun(target, out)
	}
	return nil
}

// Lookup returns value, true if key is present (and not deleted), folding
// Mupdate chains across the write buffer and every level via cfg.Resolve.
func (t *Table) Lookup(key []byte) ([]byte, bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, false, ErrClosed
	}

	if entry, ok := t.buf.Get(key); ok {
		switch entry.Op {
		case 2:
			return nil, false, nil
		case 0:
			return entry.Value, true, nil
		}
		// A pending Mupdate: fold it against whatever the levels hold.
		runs := t.snapshotRunsLocked()
		results, err := t.lookupPipe.Lookup([][]byte{key}, runs, lookup.Resolve(t.cfg.Resolve))
		if err != nil {
			return nil, false, err
		}
		res := results[0]
		switch res.Kind {
		case lookup.NotFound:
			return entry.Value, true, nil
		default:
			return t.cfg.Resolve(entry.Value, res.Value), true, nil
		}
	}

	runs := t.snapshotRunsLocked()
	results, err := t.lookupPipe.Lookup([][]byte{key}, runs, lookup.Resolve(t.cfg.Resolve))
	if err != nil {
		return nil, false, err
	}
	res := results[0]
	if res.Kind == lookup.NotFound {
		return nil, false, nil
	}
	return res.Value, true, nil
}

// snapshotRunsLocked returns every run across every level, newest first:
// each level's active runs, then (if merging) its frozen input runs, then
// the next level, and so on.
func (t *Table) snapshotRunsLocked() []*run.Run {
	var runs []*run.Run
	for _, lv := range t.levels {
		runs = append(runs, lv.runs...)
		runs = append(runs, lv.mergingRuns...)
	}
	return runs
}

// Duplicate returns a new, independent Table sharing every existing run by
// reference (it bumps reference counts and copies the write buffer's
// pending entries; no run data is copied) but not any in-progress merge --
// a merge started in one table does not retroactively appear in a
// duplicate (spec.md §4.H). Runs frozen as a merge's input in the original
// simply become ordinary active runs in the duplicate; the duplicate starts
// its own merge for such a level only when a later flush or merge installs
// another run there.
func (t *Table) Duplicate() *Table {
	t.mu.Lock()
	defer t.mu.Unlock()

	dup := &Table{
		fs:         t.fs,
		cfg:        t.cfg,
		nextRunID:  t.nextRunID,
		buf:        writebuffer.FromMap(t.buf.ToMap(), writebuffer.Resolve(t.cfg.Resolve)),
		levels:     make([]*levelState, len(t.levels)),
		lookupPipe: lookup.New(t.cfg.LookupBatchSize),
	}
	for i, lv := range t.levels {
		combined := append(append([]*run.Run{}, lv.runs...), lv.mergingRuns...)
		for _, r := range combined {
			r.AddReference()
		}
		dup.levels[i] = &levelState{runs: combined}
	}
	return dup
}

// LogicalValue fully reconstructs the observed key/value mapping, for
// testing only (spec.md §4.H).
func (t *Table) LogicalValue() (map[string][]byte, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	// Fold oldest source first so each subsequent Insert resolves against
	// it as "newer", the same table writebuffer.Buffer.Insert already uses.
	acc := writebuffer.New(writebuffer.Resolve(t.cfg.Resolve))
	foldRun := func(r *run.Run) error {
		cur := run.NewCursor(r)
		for {
			kv, ok := cur.Peek()
			if !ok {
				break
			}
			acc.Insert(kv.Key, kv.Entry)
			cur.Advance()
		}
		return cur.Err()
	}
	for i := len(t.levels) - 1; i >= 0; i-- {
		lv := t.levels[i]
		// mergingRuns are strictly older than runs (they were frozen as a
		// merge's input before runs started accumulating again), and each
		// list is itself newest-first, so the oldest-to-newest order within
		// a level is: mergingRuns back-to-front, then runs back-to-front.
		for j := len(lv.mergingRuns) - 1; j >= 0; j-- {
			if err := foldRun(lv.mergingRuns[j]); err != nil {
				return nil, err
			}
		}
		for j := len(lv.runs) - 1; j >= 0; j-- {
			if err := foldRun(lv.runs[j]); err != nil {
				return nil, err
			}
		}
	}
	for _, kv := range t.buf.ToList() {
		acc.Insert(kv.Key, kv.Entry)
	}

	out := make(map[string][]byte)
	for _, kv := range acc.ToList() {
		switch kv.Entry.Op {
		case 2:
			// deleted
		default:
			out[string(kv.Key)] = kv.Entry.Value
		}
	}
	return out, nil
}

// Flush forces an immediate write-buffer flush regardless of capacity,
// mirroring the teacher's on-demand Flush (valuesstore.go), then pays one
// credit so any merge the flush triggered starts making progress right
// away instead of waiting for the next update.
func (t *Table) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	if err := t.flushLocked(); err != nil {
		return err
	}
	return t.payCreditLocked()
}

// LevelStats describes one level's run count and, if a merge is running
// there, its progress toward TotalInput.
type LevelStats struct {
	Index      int
	NumRuns    int
	Merging    bool
	StepsDone  uint64
	TotalInput uint64
}

// Stats is a point-in-time snapshot of a Table's internal bookkeeping,
// gathered under the table's lock.
type Stats struct {
	WriteBufferLen int
	Levels         []LevelStats
}

// StatsSnapshot gathers GatherStats-style bookkeeping (teacher:
// ValuesStore.GatherStats) for rendering by the root package's Stats.String.
func (t *Table) StatsSnapshot() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := Stats{WriteBufferLen: t.buf.NumEntries()}
	for i, lv := range t.levels {
		ls := LevelStats{
			Index:   i,
			NumRuns: len(lv.runs) + len(lv.mergingRuns),
		}
		if lv.merging != nil {
			ls.Merging = true
			ls.StepsDone = lv.merging.StepsDone()
			ls.TotalInput = lv.merging.TotalInput()
		}
		st.Levels = append(st.Levels, ls)
	}
	return st
}

// Close releases the table's runs and marks it invalid; subsequent
// operations fail with ErrClosed.
func (t *Table) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, lv := range t.levels {
		if lv.merging != nil {
			if err := lv.merging.Close(); err != nil {
				return err
			}
			lv.merging = nil
			// Release the level's own reference to each frozen input,
			// distinct from the merge's own reference already dropped
			// by Close above (see payCreditLocked's matching release).
			for _, r := range lv.mergingRuns {
				if err := r.RemoveReference(); err != nil {
					return err
				}
			}
			lv.mergingRuns = nil
		}
		for _, r := range lv.runs {
			if err := r.RemoveReference(); err != nil {
				return err
			}
		}
		lv.runs = nil
	}
	return nil
}

// sortedKeys is a small test helper kept here so level's own tests and any
// caller can iterate LogicalValue's map deterministically.
func sortedKeys(m map[string][]byte) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
