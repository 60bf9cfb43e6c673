// Command mountfs mounts an xv6fs image as a FUSE file system, the Go
// translation of the original tree's fsck/mount host tooling (the
// original had no live mount path; this is new host tooling built on
// the same on-disk format).
package main

import (
	"context"
	"flag"
	"log"
	"os"

	"github.com/jacobsa/fuse"
	"github.com/jacobsa/fuse/fuseutil"

	"github.com/opencoredev/xv6fs"
)

func main() {
	fset := flag.NewFlagSet("mountfs", flag.ExitOnError)
	readOnly := fset.Bool("ro", false, "mount read-only")
	fset.Parse(os.Args[1:])
	if fset.NArg() != 2 {
		log.Fatalf("usage: mountfs [flags] <image-path> <mount-point>")
	}
	imgPath, mountPoint := fset.Arg(0), fset.Arg(1)

	flags := os.O_RDWR
	if *readOnly {
		flags = os.O_RDONLY
	}
	f, err := os.OpenFile(imgPath, flags, 0644)
	if err != nil {
		log.Fatalf("mountfs: open %s: %v", imgPath, err)
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		log.Fatalf("mountfs: stat %s: %v", imgPath, err)
	}

	var writer *os.File
	if !*readOnly {
		writer = f
	}
	dev := xv6fs.NewFileDevice(f, writer, uint64(st.Size())/xv6fs.SectorSize)
	ctx := context.Background()
	fsys, err := xv6fs.Mount(ctx, dev, xv6fs.NewNopTxn())
	if err != nil {
		log.Fatalf("mountfs: mount %s: %v", imgPath, err)
	}

	server := fuseutil.NewFileSystemServer(newFileSystem(fsys))

	opts := map[string]string{}
	if *readOnly {
		opts["ro"] = ""
	}
	cfg := &fuse.MountConfig{
		FSName:                  "xv6fs",
		Subtype:                 "xv6fs",
		Options:                 opts,
		DisableWritebackCaching: true,
	}

	mfs, err := fuse.Mount(mountPoint, server, cfg)
	if err != nil {
		log.Fatalf("mountfs: mount: %v", err)
	}
	if err := mfs.Join(ctx); err != nil {
		log.Fatalf("mountfs: join: %v", err)
	}
}
