// Package region implements the on-region byte layout described in
// spec.md §3: a single contiguous byte slice holding a header, a FAT
// array and a data-block array. Every accessor in this package computes
// an offset into that slice on every call instead of caching a pointer,
// so a Region backed by a freshly re-mapped slice (different virtual
// address, identical bytes) behaves identically to the one that wrote it.
package region

import "encoding/binary"

const (
	// HeaderSize is the size in bytes of the region header.
	HeaderSize = 8

	// Magic identifies an initialised region. Stored little-endian
	// regardless of host byte order (spec.md §6).
	Magic uint64 = 0x00000005c1f16546

	// FATEntrySize is the on-region size of one FAT entry.
	FATEntrySize = 8

	// BlockSize is the size in bytes of one data block.
	BlockSize = 4096

	// bytesPerSlot is the combined size of one FAT entry and the data
	// block it describes; used to derive the block count from fssize.
	bytesPerSlot = FATEntrySize + BlockSize

	// RootBlock is the head block of the root directory. It is always
	// allocated and never freed.
	RootBlock = 0
)

// FATEntry is the decoded form of one 8-byte FAT record. Fields are
// encoded host-native (spec.md §6): the on-region format is not portable
// across hosts with differing endianness, which is acceptable for a
// locally mmap'd backing file.
type FATEntry struct {
	UsedSize  uint16
	IsUsed    uint16
	NextBlock uint32
}

// Region is a view over a byte slice that is, in its entirety, the state
// of a filesystem. Region never retains a pointer into the slice across
// calls; every method re-slices buf on demand.
type Region struct {
	buf []byte
}

// New wraps buf as a Region. buf must be at least HeaderSize+bytesPerSlot
// bytes; callers are expected to have validated fssize against
// MinSize before mapping it.
func New(buf []byte) *Region {
	return &Region{buf: buf}
}

// MinSize is the smallest region size that can hold a root directory.
const MinSize = HeaderSize + bytesPerSlot

// Bytes returns the backing slice. Used by the backing-file layer to
// msync the region to disk.
func (r *Region) Bytes() []byte { return r.buf }

// Size returns the total region size in bytes.
func (r *Region) Size() int { return len(r.buf) }

// BlockCount returns N, the number of FAT entries / data blocks this
// region holds, per spec.md §3's derivation.
func (r *Region) BlockCount() int {
	return (len(r.buf) - HeaderSize) / bytesPerSlot
}

func (r *Region) fatOffset(i int) int {
	return HeaderSize + i*FATEntrySize
}

func (r *Region) dataBase() int {
	return HeaderSize + r.BlockCount()*FATEntrySize
}

func (r *Region) dataOffset(i int) int {
	return r.dataBase() + i*BlockSize
}

// Initialized reports whether the magic is present at offset 0.
func (r *Region) Initialized() bool {
	if len(r.buf) < HeaderSize {
		return false
	}
	return binary.LittleEndian.Uint64(r.buf[0:HeaderSize]) == Magic
}

// Bootstrap makes the region a valid, empty filesystem if it is not
// already one. Idempotent: calling Bootstrap twice in a row is
// indistinguishable from calling it once (spec.md §8, property 1).
func (r *Region) Bootstrap() {
	if r.Initialized() {
		return
	}
	binary.LittleEndian.PutUint64(r.buf[0:HeaderSize], Magic)
	n := r.BlockCount()
	for i := 0; i < n; i++ {
		r.SetFATEntry(i, FATEntry{})
	}
	r.SetFATEntry(RootBlock, FATEntry{UsedSize: 0, IsUsed: 1, NextBlock: 0})
}

// FATEntry reads the i-th FAT record.
func (r *Region) FATEntry(i int) FATEntry {
	off := r.fatOffset(i)
	b := r.buf[off : off+FATEntrySize]
	return FATEntry{
		UsedSize:  binary.NativeEndian.Uint16(b[0:2]),
		IsUsed:    binary.NativeEndian.Uint16(b[2:4]),
		NextBlock: binary.NativeEndian.Uint32(b[4:8]),
	}
}

// SetFATEntry writes the i-th FAT record.
func (r *Region) SetFATEntry(i int, e FATEntry) {
	off := r.fatOffset(i)
	b := r.buf[off : off+FATEntrySize]
	binary.NativeEndian.PutUint16(b[0:2], e.UsedSize)
	binary.NativeEndian.PutUint16(b[2:4], e.IsUsed)
	binary.NativeEndian.PutUint32(b[4:8], e.NextBlock)
}

// DataBlock returns a view of the i-th 4096-byte data slot. The returned
// slice aliases the region; writes through it are writes to the region.
func (r *Region) DataBlock(i int) []byte {
	off := r.dataOffset(i)
	return r.buf[off : off+BlockSize]
}
