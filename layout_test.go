package xv6fs

import (
	"bytes"
	"testing"
)

func TestSuperBlockMarshalRoundTrip(t *testing.T) {
	sb := &SuperBlock{
		Size:       1024,
		NBlocks:    900,
		NInodes:    200,
		NLog:       30,
		LogStart:   2,
		InodeStart: 32,
		BmapStart:  64,
	}
	data, err := sb.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(data) != BSIZE {
		t.Fatalf("MarshalBinary produced %d bytes, want %d", len(data), BSIZE)
	}

	var got SuperBlock
	if err := got.UnmarshalBinary(data); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got != *sb {
		t.Errorf("round trip = %+v, want %+v", got, *sb)
	}
}

func TestSuperBlockUnmarshalRejectsZeroFields(t *testing.T) {
	zero := make([]byte, BSIZE)
	var sb SuperBlock
	if err := sb.UnmarshalBinary(zero); err != ErrBadSuper {
		t.Errorf("UnmarshalBinary(zeros) = %v, want ErrBadSuper", err)
	}
}

func TestSuperBlockUnmarshalRejectsShortBuffer(t *testing.T) {
	var sb SuperBlock
	if err := sb.UnmarshalBinary(make([]byte, 4)); err != ErrBadSuper {
		t.Errorf("UnmarshalBinary(short) = %v, want ErrBadSuper", err)
	}
}

func TestSuperBlockBlockAddressing(t *testing.T) {
	sb := &SuperBlock{InodeStart: 32, BmapStart: 64}
	if got := sb.IBlock(0); got != 32 {
		t.Errorf("IBlock(0) = %d, want 32", got)
	}
	if got := sb.IBlock(IPB); got != 33 {
		t.Errorf("IBlock(IPB) = %d, want 33", got)
	}
	if got := sb.BBlock(0); got != 64 {
		t.Errorf("BBlock(0) = %d, want 64", got)
	}
	if got := sb.BBlock(BPB); got != 65 {
		t.Errorf("BBlock(BPB) = %d, want 65", got)
	}
}

func TestDirentMarshalRoundTrip(t *testing.T) {
	var d dirent
	d.Inum = 7
	if err := setDirentName(&d, "shortname"); err != nil {
		t.Fatalf("setDirentName: %v", err)
	}
	raw := d.marshal()
	if len(raw) != direntSize {
		t.Fatalf("marshal produced %d bytes, want %d", len(raw), direntSize)
	}

	var got dirent
	got.unmarshal(raw)
	if got.Inum != d.Inum {
		t.Errorf("Inum = %d, want %d", got.Inum, d.Inum)
	}
	if direntName(&got) != "shortname" {
		t.Errorf("name = %q, want %q", direntName(&got), "shortname")
	}
}

func TestSetDirentNameRejectsTooLong(t *testing.T) {
	var d dirent
	if err := setDirentName(&d, "this-name-is-way-too-long-for-dirsiz"); err != ErrNameTooLong {
		t.Errorf("setDirentName(long) = %v, want ErrNameTooLong", err)
	}
}

func TestSkipelem(t *testing.T) {
	cases := []struct {
		path, elem, rest string
	}{
		{"", "", ""},
		{"/", "", ""},
		{"a", "a", ""},
		{"/a/bb/ccc", "a", "bb/ccc"},
		{"a/bb/ccc", "a", "bb/ccc"},
		{"//a//bb", "a", "bb"},
	}
	for _, c := range cases {
		elem, rest := skipelem(c.path)
		if elem != c.elem || rest != c.rest {
			t.Errorf("skipelem(%q) = (%q, %q), want (%q, %q)", c.path, elem, rest, c.elem, c.rest)
		}
	}
}

func TestDinodeMarshalRoundTrip(t *testing.T) {
	d := dinode{Type: TypeFile, Major: 1, Minor: 2, Nlink: 3, Size: 4096}
	d.Addrs[0] = 99
	raw := d.marshal()
	if len(raw) != dinodeSize {
		t.Fatalf("marshal produced %d bytes, want %d", len(raw), dinodeSize)
	}

	var got dinode
	if err := got.unmarshal(raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != d.Type || got.Nlink != d.Nlink || got.Size != d.Size || got.Addrs[0] != 99 {
		t.Errorf("round trip = %+v, want %+v", got, d)
	}
}

func TestDinodeMarshalPadsToFixedSize(t *testing.T) {
	var d dinode
	raw := d.marshal()
	if !bytes.Equal(raw, make([]byte, dinodeSize)) {
		t.Errorf("zero dinode did not marshal to all-zero %d bytes", dinodeSize)
	}
}
