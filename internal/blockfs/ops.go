// Package blockfs implements the 13-operation filesystem surface of
// spec.md §4.6 over the region/fat/bstream/direntry/pathresolve layers.
// Failures the ops detect themselves are returned as *fserr.Error so a
// FUSE adapter can translate Kind directly to a POSIX errno. ReadDir,
// Unlink, Rmdir, Truncate and Utimens return errors from the directory
// and stream layers as they are, without a Kind; the FUSE adapter
// reports those as EIO.
package blockfs

import (
	"path"
	"strings"
	"time"

	"github.com/blockfs/blockfs/internal/bstream"
	"github.com/blockfs/blockfs/internal/direntry"
	"github.com/blockfs/blockfs/internal/fat"
	"github.com/blockfs/blockfs/internal/fserr"
	"github.com/blockfs/blockfs/internal/pathresolve"
	"github.com/blockfs/blockfs/internal/region"
)

// FS is the filesystem surface over a single region. It holds no
// per-handle state: Open exists only to validate a path up front, per
// spec.md §4.6's note that this filesystem has no concurrent access to
// guard against.
type FS struct {
	region *region.Region
	fat    *fat.Table
	res    *pathresolve.Resolver
}

// New bootstraps r if necessary and returns an FS over it.
func New(r *region.Region) *FS {
	r.Bootstrap()
	t := fat.New(r)
	return &FS{region: r, fat: t, res: pathresolve.New(t)}
}

func toAttr(e direntry.Entry, size uint64, nlink uint32) Attr {
	mode := fileMode
	if e.Kind == direntry.KindDirectory {
		mode = dirMode
	}
	return Attr{
		Mode:  mode,
		Size:  size,
		Nlink: nlink,
		Atime: e.Atime,
		Mtime: e.Mtime,
	}
}

// sizeOf returns a file's or directory's byte length, and the directory's
// entry count (0 for files).
func (fs *FS) sizeOf(e direntry.Entry) (size uint64, entryCount int) {
	if e.Kind == direntry.KindDirectory {
		n, err := direntry.Open(fs.fat, int(e.HeadBlock)).Count()
		if err != nil {
			return 0, 0
		}
		return uint64(n * direntry.EntrySize), n
	}
	return uint64(bstream.Open(fs.fat, int(e.HeadBlock)).Size()), 0
}

// GetAttr returns the stat(2) attributes of path (spec.md §4.6). A
// directory's Nlink is entryCount+2, for "." and the parent's reference
// to it (original_source/2/implementation.c:664 computes st_nlink the
// same way).
func (fs *FS) GetAttr(p string) (Attr, error) {
	e, err := fs.res.Resolve(p)
	if err != nil {
		return Attr{}, err
	}
	size, n := fs.sizeOf(e)
	nlink := uint32(1)
	if e.Kind == direntry.KindDirectory {
		nlink = uint32(n) + 2
	}
	return toAttr(e, size, nlink), nil
}

// ReadDir lists the entries of the directory at path, in on-region
// order (spec.md §4.6).
func (fs *FS) ReadDir(p string) ([]direntry.Entry, error) {
	e, err := fs.res.Resolve(p)
	if err != nil {
		return nil, err
	}
	if e.Kind != direntry.KindDirectory {
		return nil, fserr.New(fserr.NotADirectory, p)
	}
	return direntry.Open(fs.fat, int(e.HeadBlock)).List()
}

// resolveParentDir locates the parent directory of path and returns it
// opened as a direntry.Dir, along with the basename to append/find.
func (fs *FS) resolveParentDir(p string) (*direntry.Dir, string, error) {
	parent, name, err := fs.res.ResolveParent(p)
	if err != nil {
		return nil, "", err
	}
	if parent.Kind != direntry.KindDirectory {
		return nil, "", fserr.New(fserr.NotADirectory, p)
	}
	if len(name) > direntry.MaxNameLen {
		return nil, "", fserr.New(fserr.NameTooLong, name)
	}
	return direntry.Open(fs.fat, int(parent.HeadBlock)), name, nil
}

func (fs *FS) create(p string, kind direntry.Kind) error {
	dir, name, err := fs.resolveParentDir(p)
	if err != nil {
		return err
	}
	if _, _, ok := dir.Find(name); ok {
		return fserr.New(fserr.NotEmpty, p)
	}
	head, err := fs.fat.Alloc()
	if err != nil {
		return fserr.Wrap(fserr.NoSpace, p, fat.ErrNoSpace)
	}
	now := time.Now()
	if err := dir.Append(direntry.Entry{
		Name:      name,
		Kind:      kind,
		HeadBlock: uint32(head),
		Atime:     now,
		Mtime:     now,
	}); err != nil {
		fs.fat.FreeChain(head)
		return fserr.Wrap(fserr.Corrupt, p, err)
	}
	return nil
}

// Mknod creates an empty regular file at path (spec.md §4.6).
func (fs *FS) Mknod(p string) error {
	return fs.create(p, direntry.KindFile)
}

// Mkdir creates an empty directory at path (spec.md §4.6).
func (fs *FS) Mkdir(p string) error {
	return fs.create(p, direntry.KindDirectory)
}

// Unlink removes the regular file at path (spec.md §4.6).
func (fs *FS) Unlink(p string) error {
	dir, name, err := fs.resolveParentDir(p)
	if err != nil {
		return err
	}
	e, idx, ok := dir.Find(name)
	if !ok {
		return fserr.New(fserr.NoSuchEntry, p)
	}
	if e.Kind == direntry.KindDirectory {
		return fserr.New(fserr.IsADirectory, p)
	}
	return dir.RemoveAt(idx)
}

// Rmdir removes the empty directory at path (spec.md §4.6).
func (fs *FS) Rmdir(p string) error {
	dir, name, err := fs.resolveParentDir(p)
	if err != nil {
		return err
	}
	e, idx, ok := dir.Find(name)
	if !ok {
		return fserr.New(fserr.NoSuchEntry, p)
	}
	if e.Kind != direntry.KindDirectory {
		return fserr.New(fserr.NotADirectory, p)
	}
	n, err := direntry.Open(fs.fat, int(e.HeadBlock)).Count()
	if err != nil {
		return fserr.Wrap(fserr.Corrupt, p, err)
	}
	if n != 0 {
		return fserr.New(fserr.NotEmpty, p)
	}
	return dir.RemoveAt(idx)
}

// Rename moves the entry at from to to, possibly across directories
// (spec.md §4.6). It refuses to move a directory into its own subtree
// (cycle prevention) and, if to already names a directory, requires it
// be empty before replacing it.
func (fs *FS) Rename(from, to string) error {
	cleanFrom := path.Clean("/" + strings.TrimPrefix(from, "/"))
	cleanTo := path.Clean("/" + strings.TrimPrefix(to, "/"))
	if cleanTo == cleanFrom {
		return nil
	}
	if cleanTo == cleanFrom+"/" || strings.HasPrefix(cleanTo, cleanFrom+"/") {
		return fserr.New(fserr.InvalidPath, to)
	}

	fromDir, fromName, err := fs.resolveParentDir(from)
	if err != nil {
		return err
	}
	entry, fromIdx, ok := fromDir.Find(fromName)
	if !ok {
		return fserr.New(fserr.NoSuchEntry, from)
	}

	toDir, toName, err := fs.resolveParentDir(to)
	if err != nil {
		return err
	}
	if len(toName) > direntry.MaxNameLen {
		return fserr.New(fserr.NameTooLong, toName)
	}

	hasExisting := false
	if existing, _, ok := toDir.Find(toName); ok {
		hasExisting = true
		if existing.Kind == direntry.KindDirectory {
			if entry.Kind != direntry.KindDirectory {
				return fserr.New(fserr.IsADirectory, to)
			}
			n, err := direntry.Open(fs.fat, int(existing.HeadBlock)).Count()
			if err != nil {
				return fserr.Wrap(fserr.Corrupt, to, err)
			}
			if n != 0 {
				return fserr.New(fserr.NotEmpty, to)
			}
		} else if entry.Kind == direntry.KindDirectory {
			return fserr.New(fserr.NotADirectory, to)
		}
	}

	detached, err := fromDir.Detach(fromIdx)
	if err != nil {
		return fserr.Wrap(fserr.Corrupt, from, err)
	}
	detached.Name = toName
	detached.Mtime = time.Now()
	if err := toDir.Append(detached); err != nil {
		// Roll back: put the entry back where it came from. The
		// destination (if any) was never touched, so nothing else to undo.
		detached.Name = fromName
		if reErr := fromDir.Append(detached); reErr != nil {
			return fserr.Wrap(fserr.Corrupt, from, reErr)
		}
		return fserr.Wrap(fserr.Corrupt, to, err)
	}

	// Only now, with the rename committed, remove whatever toName
	// previously named. It was appended earlier than the entry just
	// added above, so it is still the first match by name.
	if hasExisting {
		if _, oldIdx, ok := toDir.Find(toName); ok {
			if err := toDir.RemoveAt(oldIdx); err != nil {
				return fserr.Wrap(fserr.Corrupt, to, err)
			}
		}
	}
	return nil
}

// Truncate sets the regular file at path to newSize bytes (spec.md
// §4.6). Growing zero-fills; shrinking frees trailing blocks.
func (fs *FS) Truncate(p string, newSize uint64) error {
	dir, name, err := fs.resolveParentDir(p)
	if err != nil {
		return err
	}
	e, idx, ok := dir.Find(name)
	if !ok {
		return fserr.New(fserr.NoSuchEntry, p)
	}
	if e.Kind != direntry.KindFile {
		return fserr.New(fserr.IsADirectory, p)
	}
	stream := bstream.Open(fs.fat, int(e.HeadBlock))
	if err := stream.Truncate(int(newSize)); err != nil {
		return fserr.Wrap(fserr.NoSpace, p, err)
	}
	e.Mtime = time.Now()
	return dir.SetAt(idx, e)
}

// Open validates that path names a regular file and returns its entry
// (spec.md §4.6). Read and Write take a path and resolve it themselves.
func (fs *FS) Open(p string) (direntry.Entry, error) {
	e, err := fs.res.Resolve(p)
	if err != nil {
		return direntry.Entry{}, err
	}
	if e.Kind != direntry.KindFile {
		return direntry.Entry{}, fserr.New(fserr.IsADirectory, p)
	}
	return e, nil
}

// Read fills out with up to len(out) bytes of path's contents starting
// at offset, bumping the entry's atime (spec.md §4.6, supplemented).
func (fs *FS) Read(p string, out []byte, offset int64) (int, error) {
	dir, name, err := fs.resolveParentDir(p)
	if err != nil {
		return 0, err
	}
	e, idx, ok := dir.Find(name)
	if !ok {
		return 0, fserr.New(fserr.NoSuchEntry, p)
	}
	if e.Kind != direntry.KindFile {
		return 0, fserr.New(fserr.IsADirectory, p)
	}
	n := bstream.Open(fs.fat, int(e.HeadBlock)).Read(out, int(offset))
	e.Atime = time.Now()
	if err := dir.SetAt(idx, e); err != nil {
		return n, fserr.Wrap(fserr.Corrupt, p, err)
	}
	return n, nil
}

// Write writes in into path's contents starting at offset, bumping the
// entry's mtime (spec.md §4.6).
func (fs *FS) Write(p string, in []byte, offset int64) (int, error) {
	dir, name, err := fs.resolveParentDir(p)
	if err != nil {
		return 0, err
	}
	e, idx, ok := dir.Find(name)
	if !ok {
		return 0, fserr.New(fserr.NoSuchEntry, p)
	}
	if e.Kind != direntry.KindFile {
		return 0, fserr.New(fserr.IsADirectory, p)
	}
	n, err := bstream.Open(fs.fat, int(e.HeadBlock)).Write(in, int(offset))
	e.Mtime = time.Now()
	if setErr := dir.SetAt(idx, e); setErr != nil && err == nil {
		err = setErr
	}
	if err != nil {
		return n, fserr.Wrap(fserr.NoSpace, p, err)
	}
	return n, nil
}

// Utimens sets path's atime and mtime explicitly (spec.md §4.6).
func (fs *FS) Utimens(p string, atime, mtime time.Time) error {
	dir, name, err := fs.resolveParentDir(p)
	if err != nil {
		return err
	}
	e, idx, ok := dir.Find(name)
	if !ok {
		return fserr.New(fserr.NoSuchEntry, p)
	}
	e.Atime = atime
	e.Mtime = mtime
	return dir.SetAt(idx, e)
}

// StatFS reports allocator occupancy for the statfs(2) op (spec.md
// §4.6). NameMax is direntry.NameSize (32), matching spec.md §4.6's
// explicit namemax constant and original_source/2/implementation.c's
// MAX_NAME_SIZE.
func (fs *FS) StatFS() StatFS {
	total := fs.fat.Count()
	free := fs.fat.FreeCount()
	return StatFS{
		BlockSize: region.BlockSize,
		Blocks:    uint64(total),
		Free:      uint64(free),
		Avail:     uint64(free),
		NameMax:   direntry.NameSize,
	}
}
