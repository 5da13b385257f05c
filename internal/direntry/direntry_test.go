package direntry

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/blockfs/blockfs/internal/fat"
	"github.com/blockfs/blockfs/internal/region"
)

func newDir(t *testing.T, blocks int) (*fat.Table, *Dir) {
	t.Helper()
	r := region.New(make([]byte, region.HeaderSize+blocks*(region.FATEntrySize+region.BlockSize)))
	r.Bootstrap()
	tb := fat.New(r)
	return tb, Open(tb, region.RootBlock)
}

func TestAppendFindList(t *testing.T) {
	tb, d := newDir(t, 8)
	fileHead, err := tb.Alloc()
	if err != nil {
		t.Fatal(err)
	}
	now := time.Unix(1000, 0)
	want := Entry{Name: "f", Kind: KindFile, HeadBlock: uint32(fileHead), Atime: now, Mtime: now}
	if err := d.Append(want); err != nil {
		t.Fatal(err)
	}

	got, idx, ok := d.Find("f")
	if !ok {
		t.Fatal("Find(\"f\") not found")
	}
	if idx != 0 {
		t.Fatalf("index = %d, want 0", idx)
	}
	timeCmp := cmp.Comparer(func(a, b time.Time) bool { return a.Equal(b) })
	if diff := cmp.Diff(want, got, timeCmp); diff != "" {
		t.Fatalf("Find() mismatch (-want +got):\n%s", diff)
	}

	if _, _, ok := d.Find("missing"); ok {
		t.Fatal("Find(\"missing\") unexpectedly found something")
	}

	entries, err := d.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 {
		t.Fatalf("List() returned %d entries, want 1", len(entries))
	}
}

func TestNameTooLong(t *testing.T) {
	_, d := newDir(t, 8)
	longName := strings.Repeat("a", MaxNameLen+1)
	err := d.Append(Entry{Name: longName, Kind: KindFile})
	if err != ErrNameTooLong {
		t.Fatalf("Append() with overlong name = %v, want ErrNameTooLong", err)
	}
}

func TestMaxLengthNameRoundTrips(t *testing.T) {
	_, d := newDir(t, 8)
	name := strings.Repeat("b", MaxNameLen)
	if err := d.Append(Entry{Name: name, Kind: KindFile}); err != nil {
		t.Fatal(err)
	}
	got, _, ok := d.Find(name)
	if !ok || got.Name != name {
		t.Fatalf("round trip of max-length name failed: got %q", got.Name)
	}
}

func TestRemoveAtFreesChainAndSplices(t *testing.T) {
	tb, d := newDir(t, 8)
	h1, _ := tb.Alloc()
	h2, _ := tb.Alloc()
	d.Append(Entry{Name: "a", Kind: KindFile, HeadBlock: uint32(h1)})
	d.Append(Entry{Name: "b", Kind: KindFile, HeadBlock: uint32(h2)})

	if err := d.RemoveAt(0); err != nil {
		t.Fatal(err)
	}

	entries, err := d.List()
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name != "b" {
		t.Fatalf("entries after RemoveAt(0) = %+v, want only %q", entries, "b")
	}
	if e := tb.Entry(h1); e.IsUsed != 0 {
		t.Fatalf("removed entry's head block still marked used: %+v", e)
	}
}

func TestSetAtPersistsInPlace(t *testing.T) {
	tb, d := newDir(t, 8)
	h1, _ := tb.Alloc()
	d.Append(Entry{Name: "a", Kind: KindFile, HeadBlock: uint32(h1)})

	e, idx, ok := d.Find("a")
	if !ok {
		t.Fatal("not found")
	}
	e.Name = "renamed"
	e.Mtime = time.Unix(555, 0)
	if err := d.SetAt(idx, e); err != nil {
		t.Fatal(err)
	}

	got, _, ok := d.Find("renamed")
	if !ok {
		t.Fatal("renamed entry not found after SetAt")
	}
	if got.HeadBlock != uint32(h1) {
		t.Fatalf("HeadBlock changed across SetAt: got %d, want %d", got.HeadBlock, h1)
	}
	if got.Mtime.Unix() != 555 {
		t.Fatalf("Mtime = %v, want 555", got.Mtime)
	}
}

func TestCorruptSizeDetected(t *testing.T) {
	tb, d := newDir(t, 8)
	_ = tb
	// Write a stray byte directly so the directory's stream size is not
	// a multiple of EntrySize.
	stream := d.stream
	stream.Write([]byte{0}, 0)
	if _, err := d.Count(); err != ErrCorrupt {
		t.Fatalf("Count() on misaligned stream = %v, want ErrCorrupt", err)
	}
}
