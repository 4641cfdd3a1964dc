package merge

import (
	"bytes"
	"io"
	"testing"

	"github.com/gholt/lsmtree/run"
)

type memFS struct{ files map[string][]byte }

func newMemFS() *memFS { return &memFS{files: make(map[string][]byte)} }

type memWriter struct {
	fs   *memFS
	name string
	buf  bytes.Buffer
}

func (w *memWriter) Write(p []byte) (int, error) { return w.buf.Write(p) }
func (w *memWriter) Close() error {
	w.fs.files[w.name] = append([]byte(nil), w.buf.Bytes()...)
	return nil
}

type memReader struct{ *bytes.Reader }

func (memReader) Close() error { return nil }

func (fs *memFS) OpenRead(name string) (io.ReadSeekCloser, error) {
	data, ok := fs.files[name]
	if !ok {
		return nil, errNotExist(name)
	}
	return memReader{bytes.NewReader(data)}, nil
}
func (fs *memFS) OpenWrite(name string) (io.WriteCloser, error) { return &memWriter{fs: fs, name: name}, nil }
func (fs *memFS) Create(name string) (io.WriteCloser, error)    { return &memWriter{fs: fs, name: name}, nil }
func (fs *memFS) Remove(name string) error                      { delete(fs.files, name); return nil }
func (fs *memFS) Rename(oldname, newname string) error {
	fs.files[newname] = fs.files[oldname]
	delete(fs.files, oldname)
	return nil
}
func (fs *memFS) DoesFileExist(name string) bool { _, ok := fs.files[name]; return ok }
func (fs *memFS) MkdirAll(name string) error      { return nil }
func (fs *memFS) ReadDir(dir string) ([]string, error) {
	var names []string
	for name := range fs.files {
		names = append(names, name)
	}
	return names, nil
}

type errNotExist string

func (e errNotExist) Error() string { return string(e) + ": does not exist" }

func concat(newer, older []byte) []byte { return append(append([]byte{}, older...), newer...) }

func testCfg() run.WriterConfig {
	return run.WriterConfig{RangeFinderPrecision: 8, IndexChunkSize: 4, BloomBitsPerEntry: 10, BloomNumHashes: 7, ExpectedEntries: 64}
}

func buildRun(t *testing.T, fs *memFS, dir string, id uint64, kvs []run.KV) *run.Run {
	t.Helper()
	w, err := run.NewWriter(fs, dir, id, testCfg())
	if err != nil {
		t.Fatal(err)
	}
	for _, kv := range kvs {
		if err := w.Add(kv); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := w.Close(); err != nil {
		t.Fatal(err)
	}
	r, err := run.Open(fs, dir, id)
	if err != nil {
		t.Fatal(err)
	}
	return r
}

func runAllSteps(t *testing.T, m *Merge, batch int) {
	t.Helper()
	for {
		_, status, err := m.Steps(batch)
		if err != nil {
			t.Fatal(err)
		}
		if status == Complete {
			return
		}
	}
}

func collect(t *testing.T, r *run.Run) []run.KV {
	t.Helper()
	cur := run.NewCursor(r)
	var out []run.KV
	for {
		kv, ok := cur.Peek()
		if !ok {
			break
		}
		out = append(out, kv)
		cur.Advance()
	}
	if err := cur.Err(); err != nil {
		t.Fatal(err)
	}
	return out
}

func TestMergeNeedsAtLeastTwoRuns(t *testing.T) {
	fs := newMemFS()
	r := buildRun(t, fs, "d", 1, []run.KV{{Key: []byte("a"), Entry: run.Entry{Op: 0, Value: []byte("1")}}})
	defer r.RemoveReference()
	if _, ok := New(fs, "d", 2, testCfg(), false, concat, []*run.Run{r}); ok {
		t.Fatal("expected New to report false for a single input run")
	}
}

func TestMergeTwoRunsNewerWins(t *testing.T) {
	fs := newMemFS()
	r1 := buildRun(t, fs, "d", 1, []run.KV{
		{Key: []byte("a"), Entry: run.Entry{Op: 0, Value: []byte("new")}},
		{Key: []byte("c"), Entry: run.Entry{Op: 0, Value: []byte("c1")}},
	})
	r2 := buildRun(t, fs, "d", 2, []run.KV{
		{Key: []byte("a"), Entry: run.Entry{Op: 0, Value: []byte("old")}},
		{Key: []byte("b"), Entry: run.Entry{Op: 0, Value: []byte("b1")}},
	})

	m, ok := New(fs, "d", 3, testCfg(), false, concat, []*run.Run{r1, r2})
	if !ok {
		t.Fatal("expected a merge")
	}
	runAllSteps(t, m, 2)
	out := m.Output()
	defer out.RemoveReference()

	got := collect(t, out)
	want := map[string]string{"a": "new", "b": "b1", "c": "c1"}
	if len(got) != len(want) {
		t.Fatalf("got %d entries, want %d", len(got), len(want))
	}
	for _, kv := range got {
		if string(kv.Entry.Value) != want[string(kv.Key)] {
			t.Fatalf("key %q = %q, want %q", kv.Key, kv.Entry.Value, want[string(kv.Key)])
		}
	}
	if m.StepsDone() != m.TotalInput() {
		t.Fatalf("StepsDone = %d, want %d (TotalInput)", m.StepsDone(), m.TotalInput())
	}
}

func TestMergeMupdateChainAcrossRuns(t *testing.T) {
	fs := newMemFS()
	r1 := buildRun(t, fs, "d", 1, []run.KV{{Key: []byte("k"), Entry: run.Entry{Op: 1, Value: []byte("z")}}})
	r2 := buildRun(t, fs, "d", 2, []run.KV{{Key: []byte("k"), Entry: run.Entry{Op: 1, Value: []byte("y")}}})
	r3 := buildRun(t, fs, "d", 3, []run.KV{{Key: []byte("k"), Entry: run.Entry{Op: 1, Value: []byte("x")}}})

	m, ok := New(fs, "d", 4, testCfg(), false, concat, []*run.Run{r1, r2, r3})
	if !ok {
		t.Fatal("expected a merge")
	}
	runAllSteps(t, m, 1)
	out := m.Output()
	defer out.RemoveReference()

	got := collect(t, out)
	if len(got) != 1 || string(got[0].Entry.Value) != "xyz" {
		t.Fatalf("got %+v, want a single entry xyz", got)
	}
}

func TestMergeLastLevelElidesDeletes(t *testing.T) {
	fs := newMemFS()
	r1 := buildRun(t, fs, "d", 1, []run.KV{{Key: []byte("a"), Entry: run.Entry{Op: 2}}})
	r2 := buildRun(t, fs, "d", 2, []run.KV{{Key: []byte("a"), Entry: run.Entry{Op: 0, Value: []byte("1")}}})

	m, ok := New(fs, "d", 3, testCfg(), true, concat, []*run.Run{r1, r2})
	if !ok {
		t.Fatal("expected a merge")
	}
	runAllSteps(t, m, 10)
	out := m.Output()
	defer out.RemoveReference()

	got := collect(t, out)
	if len(got) != 0 {
		t.Fatalf("got %d entries, want 0 (delete elided at last level)", len(got))
	}
}

func TestMergeCloseBeforeCompleteLeavesNoOutputFiles(t *testing.T) {
	fs := newMemFS()
	var kvs1, kvs2 []run.KV
	for i := 0; i < 50; i++ {
		kvs1 = append(kvs1, run.KV{Key: []byte{byte(i)}, Entry: run.Entry{Op: 0, Value: []byte("v")}})
	}
	for i := 50; i < 100; i++ {
		kvs2 = append(kvs2, run.KV{Key: []byte{byte(i)}, Entry: run.Entry{Op: 0, Value: []byte("v")}})
	}
	r1 := buildRun(t, fs, "d", 1, kvs1)
	r2 := buildRun(t, fs, "d", 2, kvs2)

	m, ok := New(fs, "d", 3, testCfg(), false, concat, []*run.Run{r1, r2})
	if !ok {
		t.Fatal("expected a merge")
	}
	if _, _, err := m.Steps(10); err != nil {
		t.Fatal(err)
	}
	if err := m.Close(); err != nil {
		t.Fatal(err)
	}
	paths := run.PathsFor("d", 3)
	for _, p := range []string{paths.KeyOps, paths.Blobs, paths.Filter, paths.Index} {
		if fs.DoesFileExist(p) {
			t.Fatalf("expected no output files to remain after Close before Complete, found %s", p)
		}
	}
	r1.RemoveReference()
	r2.RemoveReference()
}
