// Command blockfsd formats and mounts a block-chain filesystem backed by
// a single memory-mapped file.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacobsa/fuse"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/blockfs/blockfs/internal/backing"
	"github.com/blockfs/blockfs/internal/blockfs"
	"github.com/blockfs/blockfs/internal/fuseadapter"
	"github.com/blockfs/blockfs/internal/oninterrupt"
)

const help = `blockfsd [-flags] format|mount <args>

Format a backing file:
  % blockfsd format -size=67108864 /var/lib/blockfs/data.img

Mount a previously formatted backing file:
  % blockfsd mount /var/lib/blockfs/data.img /mnt/blockfs
`

var log = logrus.New()

func main() {
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, help)
	}
	flag.Parse()
	if flag.NArg() < 1 {
		flag.Usage()
		os.Exit(2)
	}

	var err error
	switch flag.Arg(0) {
	case "format":
		err = format(flag.Args()[1:])
	case "mount":
		err = mount(context.Background(), flag.Args()[1:])
	default:
		flag.Usage()
		os.Exit(2)
	}
	if err != nil {
		log.WithError(err).Fatal("blockfsd")
	}
}

func format(args []string) error {
	fset := flag.NewFlagSet("format", flag.ExitOnError)
	size := fset.Int64("size", 64<<20, "size in bytes of the backing file to create")
	fset.Parse(args)
	if fset.NArg() != 1 {
		return xerrors.Errorf("syntax: blockfsd format -size=<bytes> <path>")
	}
	path := fset.Arg(0)

	bf, err := backing.Create(path, *size)
	if err != nil {
		return xerrors.Errorf("format: %w", err)
	}
	defer bf.Close()
	blockfs.New(bf.Region()) // Bootstraps the region as a side effect.

	log.WithFields(logrus.Fields{
		"path": path,
		"size": *size,
	}).Info("formatted backing file")
	return nil
}

func mount(ctx context.Context, args []string) error {
	fset := flag.NewFlagSet("mount", flag.ExitOnError)
	syncInterval := fset.Bool("msync", true, "msync the backing file on SIGINT before exiting")
	fset.Parse(args)
	if fset.NArg() != 2 {
		return xerrors.Errorf("syntax: blockfsd mount <backing-file> <mountpoint>")
	}
	backingPath, mountpoint := fset.Arg(0), fset.Arg(1)

	bf, err := backing.Open(backingPath)
	if err != nil {
		return xerrors.Errorf("mount: %w", err)
	}

	fs := blockfs.New(bf.Region())
	adapter := fuseadapter.New(fs)
	server := fuseadapter.NewServer(adapter)

	mfs, err := fuse.Mount(mountpoint, server, &fuse.MountConfig{
		FSName:   "blockfs",
		ReadOnly: false,
	})
	if err != nil {
		bf.Close()
		return xerrors.Errorf("fuse.Mount: %w", err)
	}

	if *syncInterval {
		oninterrupt.Register(func() {
			log.Info("flushing backing file before exit")
			if err := bf.Sync(false); err != nil {
				log.WithError(err).Warn("msync on interrupt")
			}
		})
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGTERM)

	var eg errgroup.Group
	eg.Go(func() error {
		return mfs.Join(ctx)
	})
	eg.Go(func() error {
		select {
		case <-c:
		case <-ctx.Done():
		}
		return fuse.Unmount(mountpoint)
	})

	log.WithFields(logrus.Fields{
		"backing":    backingPath,
		"mountpoint": mountpoint,
	}).Info("mounted")

	err = eg.Wait()
	if closeErr := bf.Close(); err == nil {
		err = closeErr
	}
	return err
}
