// Command mkfs formats a fresh xv6fs image, the Go translation of the
// original tree's host-side mkfs.c tool.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/opencoredev/xv6fs"
)

func main() {
	fset := flag.NewFlagSet("mkfs", flag.ExitOnError)
	var (
		size    = fset.Uint64("size", 20*1024*1024, "image size in bytes")
		ninodes = fset.Uint("inodes", 200, "number of inodes")
		nlog    = fset.Uint("log", 30, "log blocks reserved for the transaction context")
	)
	fset.Parse(os.Args[1:])
	if fset.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: mkfs [flags] <image-path>")
		fset.PrintDefaults()
		os.Exit(1)
	}
	imgPath := fset.Arg(0)

	sectors := *size / xv6fs.SectorSize
	f, err := os.OpenFile(imgPath, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		log.Fatalf("mkfs: %v", err)
	}
	defer f.Close()
	if err := f.Truncate(int64(sectors * xv6fs.SectorSize)); err != nil {
		log.Fatalf("mkfs: %v", err)
	}

	dev := xv6fs.NewFileDevice(f, f, sectors)
	sb, err := xv6fs.Format(context.Background(), dev, xv6fs.FormatOptions{
		NInodes: uint32(*ninodes),
		NLog:    uint32(*nlog),
	})
	if err != nil {
		log.Fatalf("mkfs: format: %v", err)
	}
	fmt.Printf("formatted %s: %d blocks, %d data blocks, %d inodes\n", imgPath, sb.Size, sb.NBlocks, sb.NInodes)
}
