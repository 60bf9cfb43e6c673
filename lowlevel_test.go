package xv6fs_test

import (
	"context"
	"testing"

	"github.com/opencoredev/xv6fs"
)

// These exercise the by-reference lowlevel.go API that cmd/mountfs drives
// directly (parent inode + child name, never a path string), the same
// surface a FUSE front end would use without needing a real mount.
func TestLowLevelCreateChildAndReadDirAll(t *testing.T) {
	fs := formatAndMount(t, 1024)
	ctx := context.Background()

	root := fs.RootInode()
	if err := fs.LockInode(ctx, root); err != nil {
		t.Fatalf("LockInode(root): %v", err)
	}

	txh := fs.Begin()
	child, err := fs.CreateChild(ctx, txh, root, "greeting", xv6fs.TypeFile, 0, 0)
	if err != nil {
		txh.End()
		t.Fatalf("CreateChild: %v", err)
	}
	n, err := fs.WriteAt(ctx, txh, child, []byte("hi"), 0)
	txh.End()
	if err != nil || n != 2 {
		t.Fatalf("WriteAt: n=%d err=%v", n, err)
	}

	var st xv6fs.Stat
	fs.StatLocked(child, &st)
	if st.Size != 2 || st.Type != xv6fs.TypeFile {
		t.Errorf("StatLocked = %+v, want Size=2 Type=File", st)
	}
	fs.UnlockInode(child)
	fs.PutInode(ctx, child)

	entries, err := fs.ReadDirAll(ctx, root)
	if err != nil {
		t.Fatalf("ReadDirAll: %v", err)
	}
	found := false
	for _, e := range entries {
		if e.Name == "greeting" {
			found = true
			if e.Type != xv6fs.TypeFile {
				t.Errorf("entry Type = %v, want TypeFile", e.Type)
			}
		}
	}
	if !found {
		t.Errorf("ReadDirAll did not include newly created child")
	}
	fs.UnlockInode(root)
	fs.PutInode(ctx, root)
}

func TestLowLevelUnlinkChild(t *testing.T) {
	fs := formatAndMount(t, 1024)
	ctx := context.Background()

	root := fs.RootInode()
	if err := fs.LockInode(ctx, root); err != nil {
		t.Fatalf("LockInode(root): %v", err)
	}
	txh := fs.Begin()
	child, err := fs.CreateChild(ctx, txh, root, "temp", xv6fs.TypeFile, 0, 0)
	if err != nil {
		txh.End()
		t.Fatalf("CreateChild: %v", err)
	}
	fs.UnlockInode(child)
	fs.PutInode(ctx, child)

	if err := fs.UnlinkChild(ctx, txh, root, "temp"); err != nil {
		txh.End()
		t.Fatalf("UnlinkChild: %v", err)
	}
	txh.End()

	dotTxh := fs.Begin()
	if err := fs.UnlinkChild(ctx, dotTxh, root, "."); err != xv6fs.ErrInvalidArgument {
		t.Errorf("UnlinkChild(\".\") = %v, want ErrInvalidArgument", err)
	}
	dotTxh.End()
	fs.UnlockInode(root)
	fs.PutInode(ctx, root)
}

func TestLowLevelTruncate(t *testing.T) {
	fs := formatAndMount(t, 1024)
	ctx := context.Background()

	root := fs.RootInode()
	if err := fs.LockInode(ctx, root); err != nil {
		t.Fatalf("LockInode(root): %v", err)
	}
	txh := fs.Begin()
	child, err := fs.CreateChild(ctx, txh, root, "f", xv6fs.TypeFile, 0, 0)
	if err != nil {
		txh.End()
		t.Fatalf("CreateChild: %v", err)
	}
	fs.WriteAt(ctx, txh, child, []byte("some bytes"), 0)
	fs.Truncate(ctx, txh, child)
	txh.End()

	var st xv6fs.Stat
	fs.StatLocked(child, &st)
	if st.Size != 0 {
		t.Errorf("Size after Truncate = %d, want 0", st.Size)
	}
	fs.UnlockInode(child)
	fs.PutInode(ctx, child)
	fs.UnlockInode(root)
	fs.PutInode(ctx, root)
}

func TestDupInodeBumpsRefcntIndependently(t *testing.T) {
	fs := formatAndMount(t, 1024)
	ctx := context.Background()

	a := fs.GetInode(xv6fs.RootIno)
	b := fs.DupInode(a)
	if a != b {
		t.Errorf("DupInode returned a different handle than the one passed in")
	}
	fs.PutInode(ctx, a)
	fs.PutInode(ctx, b)
}
