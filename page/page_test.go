package page

import (
	"bytes"
	"testing"
)

func TestAccumulatorRoundTrip(t *testing.T) {
	a := NewAccumulator(0)
	entries := []Elem{
		{Key: []byte("alpha"), Op: OpInsert, Value: []byte("1")},
		{Key: []byte("bravo"), Op: OpMupdate, Value: []byte("2")},
		{Key: []byte("charlie"), Op: OpDelete},
	}
	for _, e := range entries {
		if ok := a.Add(e); !ok {
			t.Fatalf("expected %q to be accepted", e.Key)
		}
	}
	buf := a.Bytes()
	if len(buf)%Size != 0 {
		t.Fatalf("page not padded to a Size multiple: %d", len(buf))
	}
	d, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if d.NumElems() != len(entries) {
		t.Fatalf("NumElems = %d, want %d", d.NumElems(), len(entries))
	}
	for i, e := range entries {
		if !bytes.Equal(d.Key(i), e.Key) {
			t.Fatalf("Key(%d) = %q, want %q", i, d.Key(i), e.Key)
		}
		if d.Op(i) != e.Op {
			t.Fatalf("Op(%d) = %v, want %v", i, d.Op(i), e.Op)
		}
		if e.Op != OpDelete && !bytes.Equal(d.Value(i), e.Value) {
			t.Fatalf("Value(%d) = %q, want %q", i, d.Value(i), e.Value)
		}
	}
	for _, e := range entries {
		idx, found := d.Search(e.Key)
		if !found {
			t.Fatalf("Search(%q) not found", e.Key)
		}
		if !bytes.Equal(d.Key(idx), e.Key) {
			t.Fatalf("Search(%q) returned wrong index %d", e.Key, idx)
		}
	}
	if _, found := d.Search([]byte("zulu")); found {
		t.Fatal("Search found a key that was never inserted")
	}
}

func TestAccumulatorBlobs(t *testing.T) {
	a := NewAccumulator(0)
	if ok := a.Add(Elem{Key: []byte("k1"), Op: OpInsert, HasBlob: true, BlobOff: 128, BlobLen: 64}); !ok {
		t.Fatal("expected acceptance")
	}
	if ok := a.Add(Elem{Key: []byte("k2"), Op: OpInsert, Value: []byte("inline")}); !ok {
		t.Fatal("expected acceptance")
	}
	buf := a.Bytes()
	d, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if !d.HasBlob(0) {
		t.Fatal("entry 0 should have a blob")
	}
	if d.HasBlob(1) {
		t.Fatal("entry 1 should not have a blob")
	}
	off, length := d.Blob(0)
	if off != 128 || length != 64 {
		t.Fatalf("Blob(0) = (%d,%d), want (128,64)", off, length)
	}
	if !bytes.Equal(d.Value(1), []byte("inline")) {
		t.Fatalf("Value(1) = %q", d.Value(1))
	}
}

func TestAccumulatorRejectsOnFullPage(t *testing.T) {
	a := NewAccumulator(0)
	big := bytes.Repeat([]byte("x"), Size)
	if ok := a.Add(Elem{Key: []byte("k"), Op: OpInsert, Value: big}); !ok {
		t.Fatal("a single oversized entry must always be accepted into an empty page")
	}
	buf := a.Bytes()
	if len(buf) <= Size {
		t.Fatalf("expected a multi-page oversized serialization, got %d bytes", len(buf))
	}
	if len(buf)%Size != 0 {
		t.Fatalf("oversized page not padded to a Size multiple: %d", len(buf))
	}

	b := NewAccumulator(0)
	if ok := b.Add(Elem{Key: []byte("k1"), Op: OpInsert, Value: make([]byte, Size)}); !ok {
		t.Fatal("first oversized entry must be accepted")
	}
	if ok := b.Add(Elem{Key: []byte("k2"), Op: OpInsert, Value: []byte("y")}); ok {
		t.Fatal("a second entry must be rejected once an oversized entry occupies the page")
	}
}

func TestAccumulatorPartitionsByRangeFinderPrecision(t *testing.T) {
	a := NewAccumulator(8) // partition by top byte
	if ok := a.Add(Elem{Key: []byte{0x10, 0x00}, Op: OpInsert, Value: []byte("a")}); !ok {
		t.Fatal("expected acceptance")
	}
	if ok := a.Add(Elem{Key: []byte{0x20, 0x00}, Op: OpInsert, Value: []byte("b")}); ok {
		t.Fatal("expected rejection: differing top-byte bucket")
	}
	if ok := a.Add(Elem{Key: []byte{0x10, 0xFF}, Op: OpInsert, Value: []byte("c")}); !ok {
		t.Fatal("expected acceptance: same top-byte bucket")
	}
}

func TestAccumulatorReset(t *testing.T) {
	a := NewAccumulator(0)
	a.Add(Elem{Key: []byte("k"), Op: OpInsert, Value: []byte("v")})
	a.Reset(0)
	if a.NumElems() != 0 {
		t.Fatalf("NumElems after Reset = %d, want 0", a.NumElems())
	}
	if ok := a.Add(Elem{Key: []byte("k2"), Op: OpInsert, Value: []byte("v2")}); !ok {
		t.Fatal("expected acceptance after reset")
	}
	buf := a.Bytes()
	d, err := Decode(buf)
	if err != nil {
		t.Fatal(err)
	}
	if d.NumElems() != 1 || !bytes.Equal(d.Key(0), []byte("k2")) {
		t.Fatalf("unexpected decoded page after reset: %+v", d)
	}
}
