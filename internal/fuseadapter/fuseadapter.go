// Package fuseadapter exposes internal/blockfs.FS as a
// github.com/jacobsa/fuse filesystem. It owns the one thing blockfs
// itself does not: a stable path for every inode the kernel has been
// told about, since jacobsa/fuse addresses everything by fuseops.InodeID
// while blockfs's operations are path-based.
//
// Inode numbering mirrors distri's squashfsInode/fuseInode scheme: a
// block-chain head directly determines identity, here as
// fuseops.InodeID(headBlock)+1, with root inode 1 mapping to block 0
// (fuseops.RootInodeID must be 1, https://github.com/libfuse/libfuse/issues/267).
package fuseadapter

import (
	"context"
	"path"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/blockfs/blockfs/internal/blockfs"
	"github.com/blockfs/blockfs/internal/direntry"
	"github.com/blockfs/blockfs/internal/fserr"
	"github.com/blockfs/blockfs/internal/region"
)

// never caches attributes forever for entries we know cannot change
// out from under us except through this same process (no concurrent
// mounts, per the filesystem's design).
var never = time.Now().Add(365 * 24 * time.Hour)

func inodeForBlock(head uint32) fuseops.InodeID {
	return fuseops.InodeID(head) + 1
}

// FS adapts a *blockfs.FS to fuseutil.FileSystem.
type FS struct {
	fuseutil.NotImplementedFileSystem

	fs *blockfs.FS

	mu    sync.Mutex
	paths map[fuseops.InodeID]string // inode -> current absolute path
}

// New returns a FUSE filesystem backed by fs.
func New(fs *blockfs.FS) *FS {
	return &FS{
		fs: fs,
		paths: map[fuseops.InodeID]string{
			fuseops.RootInodeID: "/",
		},
	}
}

// NewServer wraps adapter as a fuse.Server ready for fuse.Mount.
func NewServer(adapter *FS) fuse.Server {
	return fuseutil.NewFileSystemServer(adapter)
}

func errnoFor(err error) error {
	if err == nil {
		return nil
	}
	var fe *fserr.Error
	if !xerrorsAsFserr(err, &fe) {
		return fuse.EIO
	}
	switch fe.Kind {
	case fserr.NotADirectory:
		return syscall.ENOTDIR
	case fserr.IsADirectory:
		return syscall.EISDIR
	case fserr.NoSuchEntry:
		return fuse.ENOENT
	case fserr.NameTooLong:
		return syscall.ENAMETOOLONG
	case fserr.InvalidPath:
		return syscall.EINVAL
	case fserr.NotEmpty:
		return syscall.ENOTEMPTY
	case fserr.NoSpace:
		return syscall.ENOSPC
	case fserr.OutOfMemory:
		return syscall.ENOMEM
	case fserr.Corrupt:
		return fuse.EIO
	default:
		return fuse.EIO
	}
}

func attrToFuse(a blockfs.Attr) fuseops.InodeAttributes {
	return fuseops.InodeAttributes{
		Size:  a.Size,
		Nlink: a.Nlink,
		Mode:  a.Mode,
		Atime: a.Atime,
		Mtime: a.Mtime,
		Ctime: a.Mtime,
	}
}

func (fs *FS) pathFor(inode fuseops.InodeID) string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.paths[inode]
}

func (fs *FS) rememberLocked(p string, e direntry.Entry) fuseops.InodeID {
	inode := inodeForBlock(e.HeadBlock)
	fs.paths[inode] = p
	return inode
}

func (fs *FS) childPath(parent fuseops.InodeID, name string) string {
	return path.Join(fs.pathFor(parent), name)
}

func (fs *FS) StatFS(ctx context.Context, op *fuseops.StatFSOp) error {
	st := fs.fs.StatFS()
	op.BlockSize = st.BlockSize
	op.Blocks = st.Blocks
	op.BlocksFree = st.Free
	op.BlocksAvailable = st.Avail
	op.IoSize = region.BlockSize
	return nil
}

func (fs *FS) LookUpInode(ctx context.Context, op *fuseops.LookUpInodeOp) error {
	p := fs.childPath(op.Parent, op.Name)
	attr, err := fs.fs.GetAttr(p)
	if err != nil {
		if fserr.Is(err, fserr.NoSuchEntry) {
			return nil // Child stays 0, which the kernel treats as ENOENT.
		}
		return errnoFor(err)
	}
	entry, resolveErr := fs.entryFor(p)
	if resolveErr != nil {
		return errnoFor(resolveErr)
	}
	fs.mu.Lock()
	inode := fs.rememberLocked(p, entry)
	fs.mu.Unlock()
	op.Entry.Child = inode
	op.Entry.Attributes = attrToFuse(attr)
	op.Entry.AttributesExpiration = never
	op.Entry.EntryExpiration = never
	return nil
}

// entryFor re-resolves p down to its direntry.Entry, to learn HeadBlock
// for inode assignment. GetAttr intentionally does not expose this.
func (fs *FS) entryFor(p string) (direntry.Entry, error) {
	// p is "/" itself.
	if p == "/" {
		return direntry.Entry{Kind: direntry.KindDirectory, HeadBlock: region.RootBlock}, nil
	}
	entries, err := fs.fs.ReadDir(path.Dir(p))
	if err != nil {
		return direntry.Entry{}, err
	}
	base := path.Base(p)
	for _, e := range entries {
		if e.Name == base {
			return e, nil
		}
	}
	return direntry.Entry{}, fserr.New(fserr.NoSuchEntry, p)
}

func (fs *FS) GetInodeAttributes(ctx context.Context, op *fuseops.GetInodeAttributesOp) error {
	p := fs.pathFor(op.Inode)
	attr, err := fs.fs.GetAttr(p)
	if err != nil {
		return errnoFor(err)
	}
	op.Attributes = attrToFuse(attr)
	op.AttributesExpiration = never
	return nil
}

func (fs *FS) SetInodeAttributes(ctx context.Context, op *fuseops.SetInodeAttributesOp) error {
	p := fs.pathFor(op.Inode)
	if op.Size != nil {
		if err := fs.fs.Truncate(p, *op.Size); err != nil {
			return errnoFor(err)
		}
	}
	if op.Atime != nil || op.Mtime != nil {
		attr, err := fs.fs.GetAttr(p)
		if err != nil {
			return errnoFor(err)
		}
		atime, mtime := attr.Atime, attr.Mtime
		if op.Atime != nil {
			atime = *op.Atime
		}
		if op.Mtime != nil {
			mtime = *op.Mtime
		}
		if err := fs.fs.Utimens(p, atime, mtime); err != nil {
			return errnoFor(err)
		}
	}
	attr, err := fs.fs.GetAttr(p)
	if err != nil {
		return errnoFor(err)
	}
	op.Attributes = attrToFuse(attr)
	op.AttributesExpiration = never
	return nil
}

func (fs *FS) MkDir(ctx context.Context, op *fuseops.MkDirOp) error {
	p := fs.childPath(op.Parent, op.Name)
	if err := fs.fs.Mkdir(p); err != nil {
		return errnoFor(err)
	}
	attr, err := fs.fs.GetAttr(p)
	if err != nil {
		return errnoFor(err)
	}
	entry, err := fs.entryFor(p)
	if err != nil {
		return errnoFor(err)
	}
	fs.mu.Lock()
	op.Entry.Child = fs.rememberLocked(p, entry)
	fs.mu.Unlock()
	op.Entry.Attributes = attrToFuse(attr)
	op.Entry.AttributesExpiration = never
	op.Entry.EntryExpiration = never
	return nil
}

func (fs *FS) MkNode(ctx context.Context, op *fuseops.MkNodeOp) error {
	p := fs.childPath(op.Parent, op.Name)
	if err := fs.fs.Mknod(p); err != nil {
		return errnoFor(err)
	}
	attr, err := fs.fs.GetAttr(p)
	if err != nil {
		return errnoFor(err)
	}
	entry, err := fs.entryFor(p)
	if err != nil {
		return errnoFor(err)
	}
	fs.mu.Lock()
	op.Entry.Child = fs.rememberLocked(p, entry)
	fs.mu.Unlock()
	op.Entry.Attributes = attrToFuse(attr)
	op.Entry.AttributesExpiration = never
	op.Entry.EntryExpiration = never
	return nil
}

func (fs *FS) CreateFile(ctx context.Context, op *fuseops.CreateFileOp) error {
	p := fs.childPath(op.Parent, op.Name)
	if err := fs.fs.Mknod(p); err != nil {
		return errnoFor(err)
	}
	attr, err := fs.fs.GetAttr(p)
	if err != nil {
		return errnoFor(err)
	}
	entry, err := fs.entryFor(p)
	if err != nil {
		return errnoFor(err)
	}
	fs.mu.Lock()
	op.Entry.Child = fs.rememberLocked(p, entry)
	fs.mu.Unlock()
	op.Entry.Attributes = attrToFuse(attr)
	op.Entry.AttributesExpiration = never
	op.Entry.EntryExpiration = never
	return nil
}

func (fs *FS) RmDir(ctx context.Context, op *fuseops.RmDirOp) error {
	p := fs.childPath(op.Parent, op.Name)
	if err := fs.fs.Rmdir(p); err != nil {
		return errnoFor(err)
	}
	fs.forgetPathLocked(p)
	return nil
}

func (fs *FS) Unlink(ctx context.Context, op *fuseops.UnlinkOp) error {
	p := fs.childPath(op.Parent, op.Name)
	if err := fs.fs.Unlink(p); err != nil {
		return errnoFor(err)
	}
	fs.forgetPathLocked(p)
	return nil
}

func (fs *FS) forgetPathLocked(p string) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	for inode, existing := range fs.paths {
		if existing == p {
			delete(fs.paths, inode)
			return
		}
	}
}

func (fs *FS) Rename(ctx context.Context, op *fuseops.RenameOp) error {
	oldPath := fs.childPath(op.OldParent, op.OldName)
	newPath := fs.childPath(op.NewParent, op.NewName)
	if err := fs.fs.Rename(oldPath, newPath); err != nil {
		return errnoFor(err)
	}
	fs.mu.Lock()
	for inode, existing := range fs.paths {
		if existing == oldPath {
			fs.paths[inode] = newPath
			continue
		}
		if strings.HasPrefix(existing, oldPath+"/") {
			fs.paths[inode] = newPath + strings.TrimPrefix(existing, oldPath)
		}
	}
	fs.mu.Unlock()
	return nil
}

func (fs *FS) OpenDir(ctx context.Context, op *fuseops.OpenDirOp) error {
	p := fs.pathFor(op.Inode)
	if _, err := fs.fs.ReadDir(p); err != nil {
		return errnoFor(err)
	}
	return nil
}

func (fs *FS) ReadDir(ctx context.Context, op *fuseops.ReadDirOp) error {
	p := fs.pathFor(op.Inode)
	entries, err := fs.fs.ReadDir(p)
	if err != nil {
		return errnoFor(err)
	}

	dirents := make([]fuseutil.Dirent, len(entries))
	fs.mu.Lock()
	for i, e := range entries {
		typ := fuseutil.DT_File
		if e.Kind == direntry.KindDirectory {
			typ = fuseutil.DT_Directory
		}
		childPath := path.Join(p, e.Name)
		dirents[i] = fuseutil.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  fs.rememberLocked(childPath, e),
			Name:   e.Name,
			Type:   typ,
		}
	}
	fs.mu.Unlock()

	if op.Offset > fuseops.DirOffset(len(dirents)) {
		return syscall.EINVAL
	}
	for _, d := range dirents[op.Offset:] {
		n := fuseutil.WriteDirent(op.Dst[op.BytesRead:], d)
		if n == 0 {
			break
		}
		op.BytesRead += n
	}
	return nil
}

func (fs *FS) OpenFile(ctx context.Context, op *fuseops.OpenFileOp) error {
	p := fs.pathFor(op.Inode)
	if _, err := fs.fs.Open(p); err != nil {
		return errnoFor(err)
	}
	return nil
}

func (fs *FS) ReadFile(ctx context.Context, op *fuseops.ReadFileOp) error {
	p := fs.pathFor(op.Inode)
	n, err := fs.fs.Read(p, op.Dst, op.Offset)
	op.BytesRead = n
	if err != nil {
		return errnoFor(err)
	}
	return nil
}

func (fs *FS) WriteFile(ctx context.Context, op *fuseops.WriteFileOp) error {
	p := fs.pathFor(op.Inode)
	_, err := fs.fs.Write(p, op.Data, op.Offset)
	if err != nil {
		return errnoFor(err)
	}
	return nil
}

func (fs *FS) SyncFile(ctx context.Context, op *fuseops.SyncFileOp) error {
	return nil // the region is mmap'd; msync happens out-of-band (cmd/blockfsd).
}

func (fs *FS) FlushFile(ctx context.Context, op *fuseops.FlushFileOp) error {
	return nil
}

func (fs *FS) ForgetInode(ctx context.Context, op *fuseops.ForgetInodeOp) error {
	fs.mu.Lock()
	delete(fs.paths, op.Inode)
	fs.mu.Unlock()
	return nil
}

func (fs *FS) Destroy() {}

// xerrorsAsFserr is a narrow errors.As wrapper kept local to this file
// so the rest of the adapter reads as plain type switches.
func xerrorsAsFserr(err error, target **fserr.Error) bool {
	type unwrapper interface{ Unwrap() error }
	for {
		if fe, ok := err.(*fserr.Error); ok {
			*target = fe
			return true
		}
		u, ok := err.(unwrapper)
		if !ok {
			return false
		}
		err = u.Unwrap()
		if err == nil {
			return false
		}
	}
}
