// Package fat implements the block allocator described in spec.md §4.2:
// a first-fit allocator over the region's FAT array, plus the iterative
// chain-freeing routine spec.md §9 requires in place of the source's
// recursive one.
package fat

import (
	"golang.org/x/xerrors"

	"github.com/blockfs/blockfs/internal/region"
)

// ErrNoSpace is returned by Alloc when every block is in use.
var ErrNoSpace = xerrors.New("fat: no space")

// Table is the block allocator for a single region.
type Table struct {
	r *region.Region
}

// New returns an allocator over r. r must already be bootstrapped.
func New(r *region.Region) *Table {
	return &Table{r: r}
}

// Region returns the underlying region, for layers that need raw access
// (the byte-stream layer reads/writes data blocks directly).
func (t *Table) Region() *region.Region { return t.r }

// Count returns the total number of blocks (N in spec.md §3).
func (t *Table) Count() int { return t.r.BlockCount() }

// Entry returns the i-th FAT entry.
func (t *Table) Entry(i int) region.FATEntry { return t.r.FATEntry(i) }

// Data returns a view of the i-th data block.
func (t *Table) Data(i int) []byte { return t.r.DataBlock(i) }

// Alloc finds the first free block (first-fit, spec.md §4.2), marks it
// used with a zeroed entry, and returns its index. Block 0 is the root
// directory's head and is never returned: it is allocated once by
// Region.Bootstrap and outlives every other allocation.
func (t *Table) Alloc() (int, error) {
	n := t.Count()
	for i := 1; i < n; i++ {
		if t.r.FATEntry(i).IsUsed == 0 {
			t.r.SetFATEntry(i, region.FATEntry{IsUsed: 1})
			return i, nil
		}
	}
	return 0, ErrNoSpace
}

// FreeChain walks the next_block links starting at head, clearing every
// visited entry (used_size = is_used = next_block = 0). It is iterative,
// not recursive, so it cannot blow the stack on a chain as long as
// Count() (spec.md §9). It is idempotent: freeing an already-free chain
// is a no-op.
//
// FreeChain does not check for block 0 and frees it if passed it:
// callers must not pass the root directory's head to it (region.Bootstrap is the only way to reset the
// root, and it never does so once initialised).
func (t *Table) FreeChain(head int) {
	limit := t.Count()
	block := head
	for visited := 0; visited <= limit; visited++ {
		e := t.r.FATEntry(block)
		next := e.NextBlock
		t.r.SetFATEntry(block, region.FATEntry{})
		if next == 0 {
			return
		}
		block = int(next)
	}
	// A cycle would otherwise loop forever; spec.md §3 requires
	// acyclicity, so reaching here indicates region corruption.
}

// FreeCount returns the number of blocks with is_used == 0.
func (t *Table) FreeCount() int {
	n := t.Count()
	free := 0
	for i := 0; i < n; i++ {
		if t.r.FATEntry(i).IsUsed == 0 {
			free++
		}
	}
	return free
}

// ChainLength walks from head and returns the number of blocks visited,
// or ok=false if the chain exceeds Count() steps (a cycle, spec.md §8
// property 3).
func (t *Table) ChainLength(head int) (length int, ok bool) {
	limit := t.Count()
	block := head
	for {
		length++
		if length > limit {
			return length, false
		}
		e := t.r.FATEntry(block)
		if e.NextBlock == 0 {
			return length, true
		}
		block = int(e.NextBlock)
	}
}
