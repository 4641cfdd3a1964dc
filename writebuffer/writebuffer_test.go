package writebuffer

import (
	"bytes"
	"testing"

	"github.com/gholt/lsmtree/run"
)

func concat(newer, older []byte) []byte {
	return append(append([]byte{}, older...), newer...)
}

func TestInsertAndToListOrder(t *testing.T) {
	b := New(concat)
	b.Insert([]byte("b"), run.Entry{Op: insertOp, Value: []byte("2")})
	b.Insert([]byte("a"), run.Entry{Op: insertOp, Value: []byte("1")})
	b.Insert([]byte("c"), run.Entry{Op: insertOp, Value: []byte("3")})

	list := b.ToList()
	if len(list) != 3 {
		t.Fatalf("len = %d, want 3", len(list))
	}
	for i, want := range []string{"a", "b", "c"} {
		if string(list[i].Key) != want {
			t.Fatalf("list[%d].Key = %q, want %q", i, list[i].Key, want)
		}
	}
	if b.NumEntries() != 3 {
		t.Fatalf("NumEntries = %d, want 3", b.NumEntries())
	}
}

func TestDeleteOverridesInsert(t *testing.T) {
	b := New(concat)
	b.Insert([]byte("a"), run.Entry{Op: insertOp, Value: []byte("1")})
	b.Insert([]byte("a"), run.Entry{Op: deleteOp})
	list := b.ToList()
	if list[0].Entry.Op != deleteOp {
		t.Fatalf("Op = %v, want deleteOp", list[0].Entry.Op)
	}
}

func TestMupdateChainFolds(t *testing.T) {
	b := New(concat)
	b.Insert([]byte("k"), run.Entry{Op: mupdateOp, Value: []byte("x")})
	b.Insert([]byte("k"), run.Entry{Op: mupdateOp, Value: []byte("y")})
	b.Insert([]byte("k"), run.Entry{Op: mupdateOp, Value: []byte("z")})
	list := b.ToList()
	if !bytes.Equal(list[0].Entry.Value, []byte("xyz")) {
		t.Fatalf("Value = %q, want %q", list[0].Entry.Value, "xyz")
	}
}

func TestMupdateOverDeleteBecomesInsert(t *testing.T) {
	b := New(concat)
	b.Insert([]byte("k"), run.Entry{Op: deleteOp})
	b.Insert([]byte("k"), run.Entry{Op: mupdateOp, Value: []byte("x")})
	list := b.ToList()
	if list[0].Entry.Op != insertOp || !bytes.Equal(list[0].Entry.Value, []byte("x")) {
		t.Fatalf("got %+v, want a standalone insert of x", list[0].Entry)
	}
}

func TestFromMapToMapRoundTrip(t *testing.T) {
	m := map[string]run.Entry{
		"a": {Op: insertOp, Value: []byte("1")},
		"b": {Op: insertOp, Value: []byte("2")},
	}
	b := FromMap(m, concat)
	if b.NumEntries() != 2 {
		t.Fatalf("NumEntries = %d, want 2", b.NumEntries())
	}
	got := b.ToMap()
	if len(got) != 2 || string(got["a"].Value) != "1" {
		t.Fatalf("ToMap mismatch: %+v", got)
	}
}

func TestUnionPrefersOtherAsNewer(t *testing.T) {
	b1 := New(concat)
	b1.Insert([]byte("k"), run.Entry{Op: insertOp, Value: []byte("old")})
	b2 := New(concat)
	b2.Insert([]byte("k"), run.Entry{Op: mupdateOp, Value: []byte("-new")})
	b2.Insert([]byte("other"), run.Entry{Op: insertOp, Value: []byte("v")})

	merged := b1.Union(b2, concat)
	if merged.NumEntries() != 2 {
		t.Fatalf("NumEntries = %d, want 2", merged.NumEntries())
	}
	list := merged.ToList()
	for _, kv := range list {
		if string(kv.Key) == "k" && !bytes.Equal(kv.Entry.Value, []byte("old-new")) {
			t.Fatalf("merged k = %q, want %q", kv.Entry.Value, "old-new")
		}
	}
	if b1.NumEntries() != 1 {
		t.Fatal("Union must not mutate the receiver")
	}
}
