package lsmtree

import (
	"fmt"

	"github.com/gholt/brimtext"
	"github.com/gholt/lsmtree/internal/vfs"
	"github.com/gholt/lsmtree/level"
	"github.com/gholt/lsmtree/run"
)

// defaultNumLevels is used when Config.NumLevels is unset. The highest
// index, NumLevels-1, is spec.md §4.F's "last level": a merge triggered
// there compacts in place and elides Delete entries, per DESIGN.md's
// "what counts as the last level" decision.
const defaultNumLevels = 6

// Table is the public handle spec.md §4.H describes: a write buffer plus
// an ordered list of levels, each bounded to RunsPerLevel runs, with
// credit-scheduled background merges. It wraps level.Table; its methods
// take raw key and value bytes.
type Table struct {
	dir   string
	fs    vfs.FS
	cfg   *Config
	inner *level.Table
}

// Open creates a Table rooted at dir. The Table starts empty: opened
// directly against a directory, it performs no recovery of run files
// already there (see the session package's Open for the crash-recovery
// walk) -- callers that need recovery across process restarts should use package
// session, which is the one in scope per spec.md §1 for directory
// bookkeeping.
func Open(dir string, cfg *Config) (*Table, error) {
	return OpenFS(vfs.Default, dir, cfg)
}

// OpenFS is Open with an explicit filesystem collaborator, used by tests
// that want an in-memory or otherwise mocked vfs.FS.
func OpenFS(fs vfs.FS, dir string, cfg *Config) (*Table, error) {
	cfg, lcfg, err := prepareOpen(fs, dir, cfg)
	if err != nil {
		return nil, err
	}
	return &Table{dir: dir, fs: fs, cfg: cfg, inner: level.New(fs, lcfg)}, nil
}

// OpenRecovered is OpenFS, but installs already-opened runs into level 0
// instead of starting empty and seeds the run-ID allocator past the
// highest recovered ID. Used by package session's directory-recovery walk
// (SPEC_FULL.md §F.3); exported so session can reuse Config resolution
// without reaching into level.Table's unexported fields.
func OpenRecovered(fs vfs.FS, dir string, cfg *Config, runs []*run.Run, nextRunID uint64) (*Table, error) {
	cfg, lcfg, err := prepareOpen(fs, dir, cfg)
	if err != nil {
		return nil, err
	}
	return &Table{dir: dir, fs: fs, cfg: cfg, inner: level.NewFromRuns(fs, lcfg, nextRunID, runs)}, nil
}

func prepareOpen(fs vfs.FS, dir string, cfg *Config) (*Config, level.Config, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	if cfg.Combine == nil {
		return nil, level.Config{}, newErr("open", KindCorruption, fmt.Errorf("nil Combine function"))
	}
	if err := fs.MkdirAll(dir); err != nil {
		return nil, level.Config{}, newErr("open", KindIoFailure, err)
	}
	numLevels := cfg.NumLevels
	if numLevels < 1 {
		numLevels = defaultNumLevels
	}
	lcfg := level.Config{
		Dir:                 dir,
		RunsPerLevel:        cfg.RunsPerLevel,
		NumLevels:           numLevels,
		WriteBufferCapacity: cfg.WriteBufferCapacity,
		LookupBatchSize:     cfg.BatchSize,
		Resolve:             level.Resolve(cfg.Combine),
		WriterConfig: run.WriterConfig{
			RangeFinderPrecision: uint(cfg.RangeFinderPrecision),
			IndexChunkSize:       cfg.ChunkSize,
			BloomBitsPerEntry:    uint64(cfg.BloomAlloc.BitsPerEntry),
			BloomNumHashes:       uint64(cfg.BloomAlloc.NumHashes),
			ExpectedEntries:      uint64(cfg.WriteBufferCapacity),
		},
	}
	return cfg, lcfg, nil
}

// Insert records an unconditional replacement for key, per spec.md §3.
func (t *Table) Insert(key, value []byte) error {
	return wrapClosed("insert", t.inner.Insert(key, value))
}

// Delete records a tombstone for key.
func (t *Table) Delete(key []byte) error {
	return wrapClosed("delete", t.inner.Delete(key))
}

// Mupsert combines value into whatever key currently holds via Config.Combine.
func (t *Table) Mupsert(key, value []byte) error {
	return wrapClosed("mupsert", t.inner.Mupsert(key, value))
}

// Lookup returns (value, true, nil) if key is present and not deleted.
func (t *Table) Lookup(key []byte) ([]byte, bool, error) {
	v, ok, err := t.inner.Lookup(key)
	return v, ok, wrapClosed("lookup", err)
}

// Flush forces an immediate write-buffer flush regardless of capacity,
// matching the teacher's on-demand Flush (valuesstore.go) -- used by tests
// and by cmd/lsmtree-bench, which calls it once its timed workloads have
// finished and then prints the table's stats.
func (t *Table) Flush() error {
	return wrapClosed("flush", t.inner.Flush())
}

// Duplicate returns an O(1) independent copy of t sharing every existing
// run by reference (spec.md §4.H).
func (t *Table) Duplicate() *Table {
	return &Table{dir: t.dir, fs: t.fs, cfg: t.cfg, inner: t.inner.Duplicate()}
}

// LogicalValue fully reconstructs the observed key/value mapping. For
// testing only -- it materializes the entire table in memory.
func (t *Table) LogicalValue() (map[string][]byte, error) {
	return t.inner.LogicalValue()
}

// Close releases the table's run references and marks it invalid.
func (t *Table) Close() error {
	return wrapClosed("close", t.inner.Close())
}

// Dir reports the directory this table's run files live under, as given
// when the table was opened.
func (t *Table) Dir() string { return t.dir }

func wrapClosed(op string, err error) error {
	if err == nil {
		return nil
	}
	if err == level.ErrClosed {
		return &Error{Op: op, Kind: KindHandleClosed, Err: err}
	}
	return newErr(op, KindIoFailure, err)
}

// Stats reports per-level run counts, write-buffer size, and in-flight
// merge progress, rendered with brimtext.Align exactly as the teacher's
// ValuesStore.GatherStats/ValueLocMap.stats render their own tables
// (valuesstore.go).
type Stats struct {
	Extended       bool
	WriteBufferLen int
	Levels         []LevelStats
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

// Stats gathers a snapshot of the table's internal bookkeeping. The
// extended flag mirrors the teacher's ExtendedStats flag: when false,
// only the write-buffer length and level run counts are reported; when
// true, in-progress merge progress is included too.
func (t *Table) Stats(extended bool) *Stats {
	snap := t.inner.StatsSnapshot()
	st := &Stats{Extended: extended, WriteBufferLen: snap.WriteBufferLen}
	for _, lv := range snap.Levels {
		st.Levels = append(st.Levels, LevelStats{
			Index:      lv.Index,
			NumRuns:    lv.NumRuns,
			Merging:    lv.Merging,
			StepsDone:  lv.StepsDone,
			TotalInput: lv.TotalInput,
		})
	}
	return st
}

// String renders Stats as an aligned table, following
// ValuesStoreStats.String's brimtext.Align shape.
func (s *Stats) String() string {
	rows := [][]string{
		{"writeBuffer", fmt.Sprintf("%d entries", s.WriteBufferLen)},
	}
	for _, lv := range s.Levels {
		rows = append(rows, []string{
			fmt.Sprintf("level[%d].runs", lv.Index),
			fmt.Sprintf("%d", lv.NumRuns),
		})
		if s.Extended && lv.Merging {
			rows = append(rows, []string{
				fmt.Sprintf("level[%d].merge", lv.Index),
				fmt.Sprintf("%d/%d steps", lv.StepsDone, lv.TotalInput),
			})
		}
	}
	return brimtext.Align(rows, nil)
}
