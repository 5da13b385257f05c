// Package bstream implements the byte-stream layer of spec.md §4.3: a
// logical byte sequence formed by the chain of blocks starting at a head
// block, with block-crossing reads and writes, sparse-write hole
// zeroing, and truncation.
package bstream

import (
	"golang.org/x/xerrors"

	"github.com/blockfs/blockfs/internal/fat"
	"github.com/blockfs/blockfs/internal/region"
)

// Stream operates on the chain rooted at a fixed head block.
type Stream struct {
	fat  *fat.Table
	head int
}

// Open returns a Stream view over the chain starting at head. head must
// already be an allocated block (the caller is responsible for creating
// it via fat.Table.Alloc).
func Open(t *fat.Table, head int) *Stream {
	return &Stream{fat: t, head: head}
}

// Head returns the stream's head block index. Callers that store a
// reference to the stream (a directory entry's head_block) use this to
// confirm it never changes across writes, truncations or removals — see
// RemoveRange.
func (s *Stream) Head() int { return s.head }

// Size returns the logical size of the stream: the sum of used_size
// across its chain (spec.md §3).
func (s *Stream) Size() int {
	total := 0
	block := s.head
	for {
		e := s.fat.Entry(block)
		total += int(e.UsedSize)
		if e.NextBlock == 0 {
			break
		}
		block = int(e.NextBlock)
	}
	return total
}

// Read copies up to len(out) bytes starting at offset into out and
// returns the number of bytes copied. A short read (n < len(out)) means
// the stream ended before out was filled; it is never an error.
func (s *Stream) Read(out []byte, offset int) int {
	if len(out) == 0 {
		return 0
	}
	copied := 0
	traversed := 0
	block := s.head
	for copied < len(out) {
		e := s.fat.Entry(block)
		blockEnd := traversed + int(e.UsedSize)
		if blockEnd > offset {
			start := offset - traversed
			if start < 0 {
				start = 0
			}
			data := s.fat.Data(block)[start:e.UsedSize]
			n := copy(out[copied:], data)
			copied += n
			offset += n
		}
		traversed = blockEnd
		if e.NextBlock == 0 {
			break
		}
		block = int(e.NextBlock)
	}
	return copied
}

// Write writes len(in) bytes starting at offset, extending the chain as
// required, zero-filling any hole between the current size and offset
// (spec.md §4.3). It returns the number of bytes written and an error
// only if the allocator runs out of space mid-write; on that error the
// chain has been extended as far as possible but the write is partial —
// callers that need all-or-nothing semantics must check the returned
// count against len(in).
func (s *Stream) Write(in []byte, offset int) (int, error) {
	if len(in) == 0 {
		return 0, nil
	}
	written := 0
	traversed := 0
	block := s.head
	for written < len(in) {
		e := s.fat.Entry(block)

		if e.UsedSize < region.BlockSize {
			target := offset + (len(in) - written)
			want := target - traversed
			if want > region.BlockSize {
				want = region.BlockSize
			}
			if want > int(e.UsedSize) {
				data := s.fat.Data(block)
				for i := int(e.UsedSize); i < want; i++ {
					data[i] = 0
				}
				e.UsedSize = uint16(want)
				s.fat.Region().SetFATEntry(block, e)
			}
		}

		blockEnd := traversed + int(e.UsedSize)
		if blockEnd > offset && offset < traversed+region.BlockSize {
			start := offset - traversed
			if start < 0 {
				start = 0
			}
			if start < int(e.UsedSize) {
				data := s.fat.Data(block)
				n := copy(data[start:e.UsedSize], in[written:])
				written += n
				offset += n
			}
		}

		if written >= len(in) {
			break
		}

		traversed += int(e.UsedSize)
		if e.NextBlock == 0 {
			next, err := s.fat.Alloc()
			if err != nil {
				return written, xerrors.Errorf("bstream: extending chain: %w", err)
			}
			e.NextBlock = uint32(next)
			s.fat.Region().SetFATEntry(block, e)
		}
		block = int(e.NextBlock)
	}
	return written, nil
}

// Append writes len(in) bytes at the current end of the stream. It is
// the hot path for directory growth (spec.md §4.3).
func (s *Stream) Append(in []byte) (int, error) {
	return s.Write(in, s.Size())
}

// Truncate sets the stream's logical size to newSize. Growing appends a
// zero-filled region; shrinking frees the trailing blocks that fall
// entirely past newSize and clips the block straddling the new
// boundary.
func (s *Stream) Truncate(newSize int) error {
	cur := s.Size()
	if newSize > cur {
		zeros := make([]byte, newSize-cur)
		_, err := s.Append(zeros)
		return err
	}
	if newSize == cur {
		return nil
	}

	traversed := 0
	block := s.head
	for {
		e := s.fat.Entry(block)
		blockEnd := traversed + int(e.UsedSize)
		if blockEnd >= newSize {
			// This block straddles (or exactly meets) the new size:
			// clip it and free everything after it.
			e.UsedSize = uint16(newSize - traversed)
			next := e.NextBlock
			e.NextBlock = 0
			s.fat.Region().SetFATEntry(block, e)
			if next != 0 {
				s.fat.FreeChain(int(next))
			}
			return nil
		}
		traversed = blockEnd
		block = int(e.NextBlock)
	}
}

// RemoveRange splices out count bytes starting at offset. It is used by
// the directory layer to delete a directory entry from the middle of the
// packed array (spec.md §4.3). The stream is materialised to a temporary
// buffer, spliced, the entire chain is freed, and the result is
// rewritten from scratch — except the head block index itself, which
// RemoveRange never releases, because callers (directory entries
// elsewhere in the region) refer to streams by head block and must keep
// working after the splice (spec.md §9).
func (s *Stream) RemoveRange(offset, count int) error {
	size := s.Size()
	if offset < 0 || count < 0 || offset+count > size {
		return xerrors.Errorf("bstream: RemoveRange(%d, %d) out of bounds for size %d", offset, count, size)
	}

	buf := make([]byte, size)
	s.Read(buf, 0)
	spliced := make([]byte, 0, size-count)
	spliced = append(spliced, buf[:offset]...)
	spliced = append(spliced, buf[offset+count:]...)

	head := s.fat.Entry(s.head)
	if head.NextBlock != 0 {
		s.fat.FreeChain(int(head.NextBlock))
	}
	s.fat.Region().SetFATEntry(s.head, region.FATEntry{IsUsed: 1})

	_, err := s.Write(spliced, 0)
	return err
}
