// Package backing memory-maps a fixed-size backing file as the byte
// region internal/region operates on. The region format is
// position-independent (spec.md's Design Notes): no address is ever
// stored inside the region, so a file reopened and remapped at a
// different address behaves identically.
package backing

import (
	"os"

	"golang.org/x/sys/unix"
	"golang.org/x/xerrors"

	"github.com/blockfs/blockfs/internal/region"
)

// File owns a backing file's mmap'd bytes.
type File struct {
	f    *os.File
	data []byte
}

// Create creates a new backing file of exactly size bytes and maps it.
// size must be at least region.MinSize.
func Create(path string, size int64) (*File, error) {
	if size < region.MinSize {
		return nil, xerrors.Errorf("backing: size %d below minimum %d", size, region.MinSize)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, xerrors.Errorf("backing: create %s: %w", path, err)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, xerrors.Errorf("backing: truncate %s: %w", path, err)
	}
	return mapOpenFile(f)
}

// Open maps an existing backing file for read-write access.
func Open(path string) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, xerrors.Errorf("backing: open %s: %w", path, err)
	}
	return mapOpenFile(f)
}

func mapOpenFile(f *os.File) (*File, error) {
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("backing: stat: %w", err)
	}
	size := info.Size()
	if size < region.MinSize {
		f.Close()
		return nil, xerrors.Errorf("backing: file size %d below minimum %d", size, region.MinSize)
	}
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, xerrors.Errorf("backing: mmap: %w", err)
	}
	return &File{f: f, data: data}, nil
}

// Region returns a region.Region view over the mapped bytes.
func (bf *File) Region() *region.Region { return region.New(bf.data) }

// Sync flushes dirty pages to the backing file. async selects MS_ASYNC
// over MS_SYNC; the daemon calls Sync(false) on SIGINT and, through
// Close, on shutdown. It has no periodic flush.
func (bf *File) Sync(async bool) error {
	flags := unix.MS_SYNC
	if async {
		flags = unix.MS_ASYNC
	}
	if err := unix.Msync(bf.data, flags); err != nil {
		return xerrors.Errorf("backing: msync: %w", err)
	}
	return nil
}

// Close flushes and unmaps the backing file, then closes the
// descriptor.
func (bf *File) Close() error {
	if err := bf.Sync(false); err != nil {
		return err
	}
	if err := unix.Munmap(bf.data); err != nil {
		return xerrors.Errorf("backing: munmap: %w", err)
	}
	bf.data = nil
	if err := bf.f.Close(); err != nil {
		return xerrors.Errorf("backing: close: %w", err)
	}
	return nil
}
