package bloom

import (
	"fmt"
	"testing"
)

func TestNoFalseNegatives(t *testing.T) {
	f := NewForEntries(1000, 10, 7)
	keys := make([][]byte, 1000)
	for i := range keys {
		keys[i] = []byte(fmt.Sprintf("key-%06d", i))
		f.Insert(keys[i])
	}
	for _, k := range keys {
		if !f.MayContain(k) {
			t.Fatalf("false negative for %q", k)
		}
	}
}

func TestMarshalRoundTrip(t *testing.T) {
	f := NewForEntries(100, 10, 7)
	for i := 0; i < 100; i++ {
		f.Insert([]byte(fmt.Sprintf("k%d", i)))
	}
	buf := f.Marshal()
	g, err := Unmarshal(buf)
	if err != nil {
		t.Fatal(err)
	}
	if g.Bits() != f.Bits() {
		t.Fatalf("Bits mismatch: %d vs %d", g.Bits(), f.Bits())
	}
	for i := 0; i < 100; i++ {
		k := []byte(fmt.Sprintf("k%d", i))
		if !g.MayContain(k) {
			t.Fatalf("round-tripped filter lost %q", k)
		}
	}
}

func TestEquivalentParamsAndKeysProduceEqualFilters(t *testing.T) {
	keys := [][]byte{[]byte("a"), []byte("b"), []byte("c")}
	build := func() *Filter {
		f := New(Params{NumBits: 1024, NumHashes: 7})
		for _, k := range keys {
			f.Insert(k)
		}
		return f
	}
	f1, f2 := build(), build()
	if string(f1.Marshal()) != string(f2.Marshal()) {
		t.Fatal("identical params + identical key multiset must produce identical filters")
	}
}
