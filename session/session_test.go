package session

import (
	"bytes"
	"testing"

	lsmtree "github.com/gholt/lsmtree"
)

func testConfig() *lsmtree.Config {
	return lsmtree.NewConfig(
		lsmtree.OptCombine(func(newer, older []byte) []byte { return append(append([]byte{}, older...), newer...) }),
		lsmtree.OptWriteBufferCapacity(8),
		lsmtree.OptRunsPerLevel(2),
	)
}

// S6 -- snapshot and open: insert batch B1 into T1; snapshot as "s"; insert
// batch B2 into T1; open "s" as T2; logical value of T2 equals B1 alone.
func TestSnapshotAndOpen(t *testing.T) {
	dir := t.TempDir()
	s, err := Create(dir, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	t1 := s.Table()
	b1 := map[string]string{"k1": "v1", "k2": "v2"}
	for k, v := range b1 {
		if err := t1.Insert([]byte(k), []byte(v)); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Snapshot("s", t1); err != nil {
		t.Fatal(err)
	}

	b2 := map[string]string{"k3": "v3", "k4": "v4"}
	for k, v := range b2 {
		if err := t1.Insert([]byte(k), []byte(v)); err != nil {
			t.Fatal(err)
		}
	}

	t2, err := s.OpenSnapshot("s")
	if err != nil {
		t.Fatal(err)
	}
	defer t2.Close()

	got, err := t2.LogicalValue()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(b1) {
		t.Fatalf("snapshot logical value has %d keys, want %d: %v", len(got), len(b1), got)
	}
	for k, v := range b1 {
		gv, ok := got[k]
		if !ok || !bytes.Equal(gv, []byte(v)) {
			t.Fatalf("snapshot missing or wrong value for %q: got %q ok=%v", k, gv, ok)
		}
	}
	for k := range b2 {
		if _, ok := got[k]; ok {
			t.Fatalf("snapshot leaked post-snapshot key %q", k)
		}
	}

	// t1's own logical value must include both batches, independent of the
	// snapshot (spec.md §8's duplication-independence property).
	full, err := t1.LogicalValue()
	if err != nil {
		t.Fatal(err)
	}
	if len(full) != len(b1)+len(b2) {
		t.Fatalf("live table has %d keys, want %d", len(full), len(b1)+len(b2))
	}
}

func TestInvalidSnapshotName(t *testing.T) {
	dir := t.TempDir()
	s, err := Create(dir, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	cases := []string{"", "UPPER", "has space", "nul", "a/b", string(make([]byte, 65))}
	for _, name := range cases {
		if err := s.Snapshot(name, s.Table()); err == nil {
			t.Errorf("Snapshot(%q) = nil error, want InvalidSnapshotName", name)
		}
	}
}

func TestOpenUnknownSnapshot(t *testing.T) {
	dir := t.TempDir()
	s, err := Create(dir, testConfig())
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	if _, err := s.OpenSnapshot("nope"); err == nil {
		t.Fatal("OpenSnapshot of unknown name should fail")
	}
}

// Reopening a session directory after enough writes to flush at least one
// run exercises the recovery walk.
func TestRecoveryAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	cfg := testConfig()

	s, err := Create(dir, cfg)
	if err != nil {
		t.Fatal(err)
	}
	t1 := s.Table()
	want := map[string]string{}
	for i := 0; i < 40; i++ {
		k := []byte{byte(i)}
		v := []byte{byte(i), byte(i)}
		if err := t1.Insert(k, v); err != nil {
			t.Fatal(err)
		}
		want[string(k)] = string(v)
	}
	if err := t1.Flush(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	s2, err := Open(dir, cfg)
	if err != nil {
		t.Fatal(err)
	}
	defer s2.Close()

	got, err := s2.Table().LogicalValue()
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != len(want) {
		t.Fatalf("recovered %d keys, want %d", len(got), len(want))
	}
	for k, v := range want {
		if gv, ok := got[k]; !ok || string(gv) != v {
			t.Fatalf("recovered wrong value for %q: got %q want %q ok=%v", k, gv, v, ok)
		}
	}
}
