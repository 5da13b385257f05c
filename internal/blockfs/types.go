package blockfs

import (
	"os"
	"time"
)

// Attr is the subset of stat(2) fields spec.md §4.6's getattr fills in.
// Permission bits are fixed (0755) and reported but never enforced, per
// spec.md §1's Non-goals.
type Attr struct {
	Mode  os.FileMode
	Uid   uint32
	Gid   uint32
	Size  uint64
	Nlink uint32
	Atime time.Time
	Mtime time.Time
}

// StatFS is the result of the statfs op (spec.md §4.6).
type StatFS struct {
	BlockSize uint32
	Blocks    uint64
	Free      uint64
	Avail     uint64
	NameMax   uint32
}

const (
	dirMode  os.FileMode = os.ModeDir | 0755
	fileMode os.FileMode = 0755
)
