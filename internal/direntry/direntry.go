// Package direntry implements the directory & entry model of spec.md
// §4.4: a directory is a byte stream whose payload is a packed array of
// fixed-size directory entries.
package direntry

import (
	"bytes"
	"encoding/binary"
	"time"

	"golang.org/x/xerrors"

	"github.com/blockfs/blockfs/internal/bstream"
	"github.com/blockfs/blockfs/internal/fat"
)

// Kind distinguishes a directory entry's entity type.
type Kind uint8

const (
	KindFile Kind = iota
	KindDirectory
)

// NameSize is the fixed, NUL-terminated name field width (spec.md §3).
// MaxNameLen is the longest name that fits with a terminator.
const (
	NameSize   = 32
	MaxNameLen = NameSize - 1

	kindOff      = NameSize
	headBlockOff = kindOff + 1
	atimeOff     = headBlockOff + 4
	mtimeOff     = atimeOff + 8

	// EntrySize is sizeof(DirEntry): the packed on-region record size.
	EntrySize = mtimeOff + 8
)

// ErrNameTooLong is returned when a name does not fit in NameSize bytes
// including its NUL terminator.
var ErrNameTooLong = xerrors.New("direntry: name too long")

// Entry is the decoded form of one on-region directory record.
type Entry struct {
	Name      string
	Kind      Kind
	HeadBlock uint32
	Atime     time.Time
	Mtime     time.Time
}

func encode(e Entry) ([EntrySize]byte, error) {
	var b [EntrySize]byte
	if len(e.Name) > MaxNameLen {
		return b, ErrNameTooLong
	}
	copy(b[0:NameSize], e.Name)
	b[kindOff] = byte(e.Kind)
	binary.LittleEndian.PutUint32(b[headBlockOff:], e.HeadBlock)
	binary.LittleEndian.PutUint64(b[atimeOff:], uint64(e.Atime.Unix()))
	binary.LittleEndian.PutUint64(b[mtimeOff:], uint64(e.Mtime.Unix()))
	return b, nil
}

func decode(b []byte) Entry {
	nameField := b[0:NameSize]
	n := bytes.IndexByte(nameField, 0)
	if n < 0 {
		n = NameSize
	}
	return Entry{
		Name:      string(nameField[:n]),
		Kind:      Kind(b[kindOff]),
		HeadBlock: binary.LittleEndian.Uint32(b[headBlockOff:]),
		Atime:     time.Unix(int64(binary.LittleEndian.Uint64(b[atimeOff:])), 0),
		Mtime:     time.Unix(int64(binary.LittleEndian.Uint64(b[mtimeOff:])), 0),
	}
}

// Dir is a directory: a stream whose payload is a packed Entry array.
type Dir struct {
	fat    *fat.Table
	stream *bstream.Stream
}

// Open returns a Dir view over the directory stream rooted at head.
func Open(t *fat.Table, head int) *Dir {
	return &Dir{fat: t, stream: bstream.Open(t, head)}
}

// Head returns the directory stream's head block.
func (d *Dir) Head() int { return d.stream.Head() }

// ErrCorrupt is returned when a directory's stream size is not a
// multiple of EntrySize (spec.md §4.4).
var ErrCorrupt = xerrors.New("direntry: directory size is not a multiple of entry size")

// Count returns the number of entries currently stored, validating
// spec.md §3's directory-payload-alignment invariant.
func (d *Dir) Count() (int, error) {
	size := d.stream.Size()
	if size%EntrySize != 0 {
		return 0, ErrCorrupt
	}
	return size / EntrySize, nil
}

// List decodes every entry in the directory, in on-region order.
func (d *Dir) List() ([]Entry, error) {
	n, err := d.Count()
	if err != nil {
		return nil, err
	}
	buf := make([]byte, n*EntrySize)
	d.stream.Read(buf, 0)
	entries := make([]Entry, n)
	for i := 0; i < n; i++ {
		entries[i] = decode(buf[i*EntrySize : (i+1)*EntrySize])
	}
	return entries, nil
}

// Find returns the first entry whose Name exactly matches name, along
// with its index. ok is false if there is no match.
func (d *Dir) Find(name string) (entry Entry, index int, ok bool) {
	entries, err := d.List()
	if err != nil {
		return Entry{}, 0, false
	}
	for i, e := range entries {
		if e.Name == name {
			return e, i, true
		}
	}
	return Entry{}, 0, false
}

// Append appends e to the directory's entry array.
func (d *Dir) Append(e Entry) error {
	b, err := encode(e)
	if err != nil {
		return err
	}
	_, err = d.stream.Append(b[:])
	return err
}

// SetAt overwrites the entry at index in place. It is used by utimens and
// by the timestamp updates of read, write and truncate, which must
// persist into the parent directory's copy of the entry, not a detached
// one (spec.md §4.6).
func (d *Dir) SetAt(index int, e Entry) error {
	b, err := encode(e)
	if err != nil {
		return err
	}
	_, err = d.stream.Write(b[:], index*EntrySize)
	return err
}

// Detach splices the entry at index out of the directory's packed array
// without freeing its head-block chain, and returns the removed entry.
// Rename uses this to relocate an entry into a different directory
// without destroying the data it names (contrast with RemoveAt, which is
// for unlink/rmdir and does free the chain).
func (d *Dir) Detach(index int) (Entry, error) {
	n, err := d.Count()
	if err != nil {
		return Entry{}, err
	}
	if index < 0 || index >= n {
		return Entry{}, xerrors.Errorf("direntry: Detach(%d) out of range [0,%d)", index, n)
	}
	buf := make([]byte, EntrySize)
	d.stream.Read(buf, index*EntrySize)
	e := decode(buf)
	if err := d.stream.RemoveRange(index*EntrySize, EntrySize); err != nil {
		return Entry{}, err
	}
	return e, nil
}

// RemoveAt frees the entry's head-block chain and splices the entry out
// of the directory's packed array (spec.md §4.4).
func (d *Dir) RemoveAt(index int) error {
	n, err := d.Count()
	if err != nil {
		return err
	}
	if index < 0 || index >= n {
		return xerrors.Errorf("direntry: RemoveAt(%d) out of range [0,%d)", index, n)
	}
	buf := make([]byte, EntrySize)
	d.stream.Read(buf, index*EntrySize)
	e := decode(buf)
	d.fat.FreeChain(int(e.HeadBlock))
	return d.stream.RemoveRange(index*EntrySize, EntrySize)
}
