// Package session provides the directory bookkeeping and named-snapshot
// registry spec.md §1 calls out as an external collaborator: the host
// filesystem root a Table's run files live under, crash recovery of that
// root on open, and a process-wide (per session) mapping from
// SnapshotName to a frozen Table descriptor (spec.md §6, §9).
//
// This is one layer above package level/lsmtree: a Session owns exactly
// one root directory's run-ID namespace and exactly one live Table, plus
// as many named snapshots (independent Duplicate()s of that table, or of
// earlier snapshots) as callers register.
package session

import (
	"regexp"
	"sort"
	"strconv"
	"sync"

	lsmtree "github.com/gholt/lsmtree"
	"github.com/gholt/lsmtree/internal/vfs"
	"github.com/gholt/lsmtree/run"
)

// Session owns one root directory's exclusive run-file namespace (spec.md
// §5: "the filesystem namespace for a session is partitioned by session
// root directory; the core assumes exclusive control of this directory")
// and the snapshot registry for that directory.
type Session struct {
	dir string
	fs  vfs.FS
	cfg *lsmtree.Config

	mu        sync.Mutex
	live      *lsmtree.Table
	snapshots map[string]*lsmtree.Table
	closed    bool
}

// Create opens a fresh session rooted at dir. If dir already contains run
// files (e.g. from a process that crashed before calling Close), they are
// replayed exactly as Open does -- Create and Open are the same operation
// under two names, matching the teacher's NewValuesStore always running
// its recovery() pass regardless of whether the directory is actually new.
func Create(dir string, cfg *lsmtree.Config) (*Session, error) { return OpenFS(vfs.Default, dir, cfg) }

// Open reopens a session rooted at dir, replaying any run files found
// there (SPEC_FULL.md §F.3's "background recovery on open").
func Open(dir string, cfg *lsmtree.Config) (*Session, error) { return OpenFS(vfs.Default, dir, cfg) }

// OpenFS is Open/Create with an explicit filesystem collaborator, used by
// tests that want an in-memory vfs.FS.
func OpenFS(fs vfs.FS, dir string, cfg *lsmtree.Config) (*Session, error) {
	if cfg == nil {
		cfg = lsmtree.NewConfig()
	}
	if err := fs.MkdirAll(dir); err != nil {
		return nil, ioErr("session.open", err)
	}
	runs, nextID, err := recoverRuns(fs, dir)
	if err != nil {
		return nil, err
	}
	live, err := lsmtree.OpenRecovered(fs, dir, cfg, runs, nextID)
	if err != nil {
		return nil, err
	}
	return &Session{
		dir:       dir,
		fs:        fs,
		cfg:       cfg,
		live:      live,
		snapshots: make(map[string]*lsmtree.Table),
	}, nil
}

// Table returns the session's live, mutable table.
func (s *Session) Table() *lsmtree.Table {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// runFileRe recognizes one of a run's four sidecar files by its
// zero-padded 20-digit run ID (run.PathsFor's "%020d" naming).
var runFileRe = regexp.MustCompile(`^(\d{20})\.(keyops|blobs|filter|index)$`)

const (
	bitKeyOps = 1 << iota
	bitBlobs
	bitFilter
	bitIndex
	bitComplete = bitKeyOps | bitBlobs | bitFilter | bitIndex
)

// recoverRuns walks dir, groups sidecar files by run ID, opens every
// complete quadruple (ascending by ID, oldest first) and discards every
// incomplete one -- a partial quadruple is the signature of a crash
// mid-flush or mid-merge, the same condition merge.Close's cancellation
// path is required to leave behind cleanly for a graceful close, and that
// recovery must tolerate for an ungraceful one.
func recoverRuns(fs vfs.FS, dir string) ([]*run.Run, uint64, error) {
	names, err := fs.ReadDir(dir)
	if err != nil {
		return nil, 0, ioErr("session.recover", err)
	}
	seen := make(map[uint64]int)
	for _, name := range names {
		m := runFileRe.FindStringSubmatch(name)
		if m == nil {
			continue
		}
		id, parseErr := strconv.ParseUint(m[1], 10, 64)
		if parseErr != nil {
			continue
		}
		switch m[2] {
		case "keyops":
			seen[id] |= bitKeyOps
		case "blobs":
			seen[id] |= bitBlobs
		case "filter":
			seen[id] |= bitFilter
		case "index":
			seen[id] |= bitIndex
		}
	}
	ids := make([]uint64, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var runs []*run.Run
	var nextID uint64
	for _, id := range ids {
		if id+1 > nextID {
			nextID = id + 1
		}
		if seen[id] != bitComplete {
			if rmErr := run.PathsFor(dir, id).RemoveAll(fs); rmErr != nil {
				return nil, 0, ioErr("session.recover", rmErr)
			}
			continue
		}
		r, openErr := run.Open(fs, dir, id)
		if openErr != nil {
			return nil, 0, &lsmtree.Error{Op: "session.recover", Kind: lsmtree.KindCorruption, Err: openErr}
		}
		runs = append(runs, r)
	}
	return runs, nextID, nil
}

// mkSnapshotName validates name against spec.md §6's grammar: non-empty,
// 1-64 bytes, [a-z0-9_-], and not a reserved Windows device name (so a
// snapshot name is always also a valid file/directory component on both
// POSIX and Windows).
func mkSnapshotName(name string) (string, bool) {
	if len(name) < 1 || len(name) > 64 {
		return "", false
	}
	for i := 0; i < len(name); i++ {
		c := name[i]
		switch {
		case c >= 'a' && c <= 'z':
		case c >= '0' && c <= '9':
		case c == '_' || c == '-':
		default:
			return "", false
		}
	}
	if reservedDeviceNames[name] {
		return "", false
	}
	return name, true
}

var reservedDeviceNames = func() map[string]bool {
	names := []string{"con", "prn", "aux", "nul"}
	for i := 1; i <= 9; i++ {
		names = append(names, "com"+string(rune('0'+i)), "lpt"+string(rune('0'+i)))
	}
	m := make(map[string]bool, len(names))
	for _, n := range names {
		m[n] = true
	}
	return m
}()

// Snapshot freezes a copy of t (normally Session.Table(), but any table
// the caller holds) under name: an O(1) Duplicate(), registered so a later
// OpenSnapshot can find it. Overwrites any existing snapshot of the same
// name.
func (s *Session) Snapshot(name string, t *lsmtree.Table) error {
	valid, ok := mkSnapshotName(name)
	if !ok {
		return &lsmtree.Error{Op: "session.snapshot", Kind: lsmtree.KindInvalidSnapshotName}
	}
	dup := t.Duplicate()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return &lsmtree.Error{Op: "session.snapshot", Kind: lsmtree.KindHandleClosed}
	}
	if old, exists := s.snapshots[valid]; exists {
		old.Close()
	}
	s.snapshots[valid] = dup
	return nil
}

// OpenSnapshot returns an independent Duplicate() of the named snapshot --
// independent so that two callers opening the same snapshot name never
// observe each other's subsequent updates (spec.md §4.H's "no ordering
// guarantees across duplicated tables").
func (s *Session) OpenSnapshot(name string) (*lsmtree.Table, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, &lsmtree.Error{Op: "session.open_snapshot", Kind: lsmtree.KindHandleClosed}
	}
	t, ok := s.snapshots[name]
	if !ok {
		return nil, &lsmtree.Error{Op: "session.open_snapshot", Kind: lsmtree.KindNoSuchSnapshot}
	}
	return t.Duplicate(), nil
}

// DropSnapshot removes name from the registry, releasing its references.
// Removing an unknown name is a no-op, matching the teacher's idempotent
// removal of TOC/value entries that may already be gone.
func (s *Session) DropSnapshot(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.snapshots[name]
	if !ok {
		return nil
	}
	delete(s.snapshots, name)
	return t.Close()
}

// Close releases the live table and every registered snapshot, and marks
// the session invalid; subsequent operations fail with KindHandleClosed.
func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var firstErr error
	if err := s.live.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	for name, t := range s.snapshots {
		if err := t.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(s.snapshots, name)
	}
	return firstErr
}

// Dir reports the session's root directory.
func (s *Session) Dir() string { return s.dir }

func ioErr(op string, err error) error {
	return &lsmtree.Error{Op: op, Kind: lsmtree.KindIoFailure, Err: err}
}
