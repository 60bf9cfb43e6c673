package main

import (
	"syscall"
	"testing"

	"github.com/opencoredev/xv6fs"
)

func TestToInodeIDRoundTrip(t *testing.T) {
	for _, inum := range []uint32{1, 2, 12345} {
		if got := toInum(toInodeID(inum)); got != inum {
			t.Errorf("toInum(toInodeID(%d)) = %d", inum, got)
		}
	}
}

func TestAttrsForDirectoryVsFile(t *testing.T) {
	fileSt := &xv6fs.Stat{Type: xv6fs.TypeFile, Size: 42, Nlink: 1}
	attrs := attrsFor(fileSt)
	if attrs.Size != 42 || attrs.Mode.IsDir() {
		t.Errorf("file attrs = %+v, want Size=42 IsDir=false", attrs)
	}

	dirSt := &xv6fs.Stat{Type: xv6fs.TypeDir, Nlink: 2}
	attrs = attrsFor(dirSt)
	if !attrs.Mode.IsDir() {
		t.Errorf("dir attrs.Mode = %v, want IsDir", attrs.Mode)
	}
}

func TestTranslateErr(t *testing.T) {
	cases := []struct {
		in   error
		want error
	}{
		{nil, nil},
		{xv6fs.ErrNotExist, syscall.ENOENT},
		{xv6fs.ErrExist, syscall.EEXIST},
		{xv6fs.ErrNotDirectory, syscall.ENOTDIR},
		{xv6fs.ErrIsDirectory, syscall.EISDIR},
		{xv6fs.ErrNotEmpty, syscall.ENOTEMPTY},
		{xv6fs.ErrInvalidArgument, syscall.EINVAL},
		{xv6fs.ErrNameTooLong, syscall.ENAMETOOLONG},
		{xv6fs.ErrCrossDevice, syscall.EIO},
	}
	for _, c := range cases {
		if got := translateErr(c.in); got != c.want {
			t.Errorf("translateErr(%v) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestNewHandleIsMonotonicAndUnique(t *testing.T) {
	f := newFileSystem(nil)
	seen := make(map[uint64]bool)
	var last uint64
	for i := 0; i < 100; i++ {
		h := f.newHandle()
		if seen[uint64(h)] {
			t.Fatalf("newHandle produced a duplicate: %d", h)
		}
		if uint64(h) <= last {
			t.Fatalf("newHandle = %d after %d, want increasing", h, last)
		}
		last = uint64(h)
		seen[uint64(h)] = true
	}
}
