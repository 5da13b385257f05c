package fat

import (
	"testing"

	"github.com/blockfs/blockfs/internal/region"
)

func newTable(t *testing.T, blocks int) *Table {
	t.Helper()
	r := region.New(make([]byte, region.HeaderSize+blocks*(region.FATEntrySize+region.BlockSize)))
	r.Bootstrap()
	return New(r)
}

func TestAllocFirstFit(t *testing.T) {
	tb := newTable(t, 8)
	a, err := tb.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	if a != 1 {
		t.Fatalf("first Alloc() = %d, want 1 (block 0 is reserved for root)", a)
	}
	b, err := tb.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	if b != 2 {
		t.Fatalf("second Alloc() = %d, want 2", b)
	}
	tb.FreeChain(a)
	c, err := tb.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	if c != 1 {
		t.Fatalf("Alloc() after freeing block 1 = %d, want 1 (first-fit)", c)
	}
}

func TestAllocExhaustion(t *testing.T) {
	tb := newTable(t, 3) // block 0 reserved, 2 allocatable
	if _, err := tb.Alloc(); err != nil {
		t.Fatal(err)
	}
	if _, err := tb.Alloc(); err != nil {
		t.Fatal(err)
	}
	if _, err := tb.Alloc(); err != ErrNoSpace {
		t.Fatalf("Alloc() on exhausted table = %v, want ErrNoSpace", err)
	}
}

func TestFreeChainWalksLinks(t *testing.T) {
	tb := newTable(t, 8)
	a, _ := tb.Alloc()
	b, _ := tb.Alloc()
	c, _ := tb.Alloc()
	tb.Region().SetFATEntry(a, region.FATEntry{IsUsed: 1, UsedSize: 10, NextBlock: uint32(b)})
	tb.Region().SetFATEntry(b, region.FATEntry{IsUsed: 1, UsedSize: 20, NextBlock: uint32(c)})
	tb.Region().SetFATEntry(c, region.FATEntry{IsUsed: 1, UsedSize: 30})

	tb.FreeChain(a)

	for _, i := range []int{a, b, c} {
		e := tb.Entry(i)
		if e.IsUsed != 0 || e.UsedSize != 0 || e.NextBlock != 0 {
			t.Fatalf("block %d not cleared: %+v", i, e)
		}
	}
}

func TestFreeChainIdempotent(t *testing.T) {
	tb := newTable(t, 4)
	a, _ := tb.Alloc()
	tb.FreeChain(a)
	tb.FreeChain(a) // must not panic or corrupt state
	if e := tb.Entry(a); e.IsUsed != 0 {
		t.Fatalf("double-free left block marked used: %+v", e)
	}
}

func TestFreeCount(t *testing.T) {
	tb := newTable(t, 4) // 3 allocatable blocks (0 reserved)
	if got, want := tb.FreeCount(), 3; got != want {
		t.Fatalf("FreeCount() = %d, want %d", got, want)
	}
	a, _ := tb.Alloc()
	if got, want := tb.FreeCount(), 2; got != want {
		t.Fatalf("FreeCount() after Alloc = %d, want %d", got, want)
	}
	tb.FreeChain(a)
	if got, want := tb.FreeCount(), 3; got != want {
		t.Fatalf("FreeCount() after FreeChain = %d, want %d", got, want)
	}
}

func TestChainLengthDetectsCycle(t *testing.T) {
	tb := newTable(t, 4)
	a, _ := tb.Alloc()
	b, _ := tb.Alloc()
	tb.Region().SetFATEntry(a, region.FATEntry{IsUsed: 1, NextBlock: uint32(b)})
	tb.Region().SetFATEntry(b, region.FATEntry{IsUsed: 1, NextBlock: uint32(a)}) // cycle

	if _, ok := tb.ChainLength(a); ok {
		t.Fatal("ChainLength() reported ok on a cyclic chain")
	}
}
