package lsmtree

import (
	"bytes"
	"testing"
)

func concat(newer, older []byte) []byte {
	return append(append([]byte{}, older...), newer...)
}

func TestResolveTable(t *testing.T) {
	cases := []struct {
		name   string
		newer  Entry
		older  Entry
		want   Op
		wantV  string
	}{
		{"insert over insert", Insert([]byte("b")), Insert([]byte("a")), OpInsert, "b"},
		{"delete over insert", Delete(), Insert([]byte("a")), OpDelete, ""},
		{"mupdate over insert combines", Mupdate([]byte("b")), Insert([]byte("a")), OpInsert, "ab"},
		{"mupdate over mupdate combines", Mupdate([]byte("b")), Mupdate([]byte("a")), OpMupdate, "ab"},
		{"mupdate over delete becomes insert", Mupdate([]byte("b")), Delete(), OpInsert, "b"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := Resolve(c.newer, c.older, concat)
			if got.Op != c.want {
				t.Fatalf("Op = %v, want %v", got.Op, c.want)
			}
			if c.want != OpDelete && string(got.Value) != c.wantV {
				t.Fatalf("Value = %q, want %q", got.Value, c.wantV)
			}
		})
	}
}

func TestLessAndCompare(t *testing.T) {
	if !Less([]byte("a"), []byte("b")) {
		t.Fatal("a should sort before b")
	}
	if Less([]byte("b"), []byte("a")) {
		t.Fatal("b should not sort before a")
	}
	if !Less([]byte("a"), []byte("ab")) {
		t.Fatal("a should sort before its own prefix extension ab")
	}
	if Compare([]byte("x"), []byte("x")) != 0 {
		t.Fatal("equal byte slices should compare equal")
	}
}

func testOpenConfig() *Config {
	return NewConfig(
		OptCombine(concat),
		OptWriteBufferCapacity(4),
		OptRunsPerLevel(2),
	)
}

func TestOpenInsertLookupClose(t *testing.T) {
	dir := t.TempDir()
	tbl, err := Open(dir, testOpenConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer tbl.Close()

	if err := tbl.Insert([]byte("k1"), []byte("v1")); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Mupsert([]byte("k1"), []byte("v2")); err != nil {
		t.Fatal(err)
	}
	v, ok, err := tbl.Lookup([]byte("k1"))
	if err != nil {
		t.Fatal(err)
	}
	if !ok || !bytes.Equal(v, []byte("v1v2")) {
		t.Fatalf("Lookup(k1) = %q, %v, want v1v2, true", v, ok)
	}

	if err := tbl.Delete([]byte("k1")); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := tbl.Lookup([]byte("k1")); err != nil || ok {
		t.Fatalf("Lookup(k1) after delete = ok=%v err=%v, want false, nil", ok, err)
	}

	if err := tbl.Close(); err != nil {
		t.Fatal(err)
	}
	if err := tbl.Insert([]byte("k2"), []byte("v")); err == nil {
		t.Fatal("Insert after Close should fail")
	}
}

func TestDuplicateAndStats(t *testing.T) {
	dir := t.TempDir()
	tbl, err := Open(dir, testOpenConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer tbl.Close()

	for i := 0; i < 20; i++ {
		k := []byte{byte(i)}
		if err := tbl.Insert(k, k); err != nil {
			t.Fatal(err)
		}
	}
	if err := tbl.Flush(); err != nil {
		t.Fatal(err)
	}

	dup := tbl.Duplicate()
	defer dup.Close()
	if err := tbl.Insert([]byte("extra"), []byte("v")); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := dup.Lookup([]byte("extra")); err != nil || ok {
		t.Fatalf("duplicate observed a post-duplication write: ok=%v err=%v", ok, err)
	}

	st := tbl.Stats(true)
	if st.WriteBufferLen == 0 && len(st.Levels) == 0 {
		t.Fatal("expected Stats to report at least a write buffer or level state")
	}
	if st.String() == "" {
		t.Fatal("Stats.String() should render a non-empty table")
	}
}

// TestFlushedLookup inserts past WriteBufferCapacity, Flushes, and then
// Looks up and reads back every key once it is served only from an on-disk
// run and no longer from the in-memory write buffer -- the end-to-end path
// that exercises run.Open's sidecar parsing and the checksummed keyops
// reads underneath PageAt/BlobAt.
func TestFlushedLookup(t *testing.T) {
	dir := t.TempDir()
	tbl, err := Open(dir, testOpenConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer tbl.Close()

	const n = 50
	want := make(map[string][]byte, n)
	for i := 0; i < n; i++ {
		k := []byte{byte(i), byte(i >> 8)}
		v := bytes.Repeat([]byte{byte(i)}, 8)
		if err := tbl.Insert(k, v); err != nil {
			t.Fatal(err)
		}
		want[string(k)] = v
	}
	if err := tbl.Flush(); err != nil {
		t.Fatal(err)
	}
	if tbl.Stats(false).WriteBufferLen != 0 {
		t.Fatal("Flush should have emptied the write buffer")
	}

	for k, v := range want {
		got, ok, err := tbl.Lookup([]byte(k))
		if err != nil {
			t.Fatalf("Lookup(%q): %v", k, err)
		}
		if !ok {
			t.Fatalf("Lookup(%q) = not found, want %q", k, v)
		}
		if !bytes.Equal(got, v) {
			t.Fatalf("Lookup(%q) = %q, want %q", k, got, v)
		}
	}

	logical, err := tbl.LogicalValue()
	if err != nil {
		t.Fatal(err)
	}
	if len(logical) != n {
		t.Fatalf("LogicalValue returned %d keys, want %d", len(logical), n)
	}
	for k, v := range want {
		got, ok := logical[k]
		if !ok {
			t.Fatalf("LogicalValue missing key %q", k)
		}
		if !bytes.Equal(got, v) {
			t.Fatalf("LogicalValue[%q] = %q, want %q", k, got, v)
		}
	}

	if _, ok, err := tbl.Lookup([]byte("absent")); err != nil || ok {
		t.Fatalf("Lookup(absent) = ok=%v err=%v, want false, nil", ok, err)
	}
}
