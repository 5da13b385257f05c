package region

import "testing"

func newTestRegion(t *testing.T, size int) *Region {
	t.Helper()
	buf := make([]byte, size)
	return New(buf)
}

func TestBootstrapIdempotent(t *testing.T) {
	r := newTestRegion(t, 1<<20)
	if r.Initialized() {
		t.Fatal("fresh region reports initialised")
	}
	r.Bootstrap()
	if !r.Initialized() {
		t.Fatal("region not initialised after Bootstrap")
	}
	root := r.FATEntry(RootBlock)
	if root.IsUsed != 1 || root.NextBlock != 0 || root.UsedSize != 0 {
		t.Fatalf("unexpected root entry: %+v", root)
	}

	// Mutate a block, then re-bootstrap: must be a no-op.
	r.SetFATEntry(1, FATEntry{UsedSize: 10, IsUsed: 1})
	r.Bootstrap()
	e := r.FATEntry(1)
	if e.UsedSize != 10 || e.IsUsed != 1 {
		t.Fatalf("second Bootstrap call was not a no-op: %+v", e)
	}
}

func TestBlockCountDerivation(t *testing.T) {
	// N = (fssize - 8) / 4104
	r := newTestRegion(t, 8+4104*10)
	if got, want := r.BlockCount(), 10; got != want {
		t.Fatalf("BlockCount() = %d, want %d", got, want)
	}
}

func TestFATEntryRoundTrip(t *testing.T) {
	r := newTestRegion(t, 1<<20)
	r.Bootstrap()
	want := FATEntry{UsedSize: 4096, IsUsed: 1, NextBlock: 7}
	r.SetFATEntry(3, want)
	if got := r.FATEntry(3); got != want {
		t.Fatalf("FATEntry(3) = %+v, want %+v", got, want)
	}
}

func TestDataBlockAliasesRegion(t *testing.T) {
	r := newTestRegion(t, 1<<20)
	r.Bootstrap()
	blk := r.DataBlock(2)
	if len(blk) != BlockSize {
		t.Fatalf("DataBlock length = %d, want %d", len(blk), BlockSize)
	}
	blk[0] = 0xAB
	if got := r.DataBlock(2)[0]; got != 0xAB {
		t.Fatalf("write through DataBlock view did not persist: got %#x", got)
	}
}

func TestRemountAtDifferentAddress(t *testing.T) {
	// Simulate a remount by copying the bytes into a fresh slice: all
	// derived state must be identical (spec.md §8, property 6 scoped to
	// the region layer).
	r := newTestRegion(t, 1<<20)
	r.Bootstrap()
	r.SetFATEntry(5, FATEntry{UsedSize: 100, IsUsed: 1, NextBlock: 0})
	copy(r.DataBlock(5), []byte("hello"))

	snapshot := make([]byte, len(r.Bytes()))
	copy(snapshot, r.Bytes())

	r2 := New(snapshot)
	if !r2.Initialized() {
		t.Fatal("remounted region lost its magic")
	}
	if got, want := r2.FATEntry(5), r.FATEntry(5); got != want {
		t.Fatalf("remounted FAT entry = %+v, want %+v", got, want)
	}
	if got, want := string(r2.DataBlock(5)[:5]), "hello"; got != want {
		t.Fatalf("remounted data block = %q, want %q", got, want)
	}
}
