package xv6fs_test

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/kylelemons/godebug/pretty"
	"github.com/opencoredev/xv6fs"
)

func formatAndMount(t *testing.T, sectors uint64) *xv6fs.FS {
	t.Helper()
	dev := xv6fs.NewMemDevice(sectors)
	ctx := context.Background()
	if _, err := xv6fs.Format(ctx, dev, xv6fs.FormatOptions{Size: uint32(sectors)}); err != nil {
		t.Fatalf("Format: %v", err)
	}
	fs, err := xv6fs.Mount(ctx, dev, xv6fs.NewNopTxn())
	if err != nil {
		t.Fatalf("Mount: %v", err)
	}
	return fs
}

func TestFormatThenMount(t *testing.T) {
	fs := formatAndMount(t, 1024)
	sb := fs.SuperBlock()
	if sb.NInodes != 200 {
		t.Errorf("NInodes = %d, want 200", sb.NInodes)
	}
	if sb.Size != 1024 {
		t.Errorf("Size = %d, want 1024", sb.Size)
	}
}

func TestCreateWriteReadFile(t *testing.T) {
	fs := formatAndMount(t, 1024)
	ctx := context.Background()
	p := fs.NewProc()

	fd, err := fs.Open(ctx, p, "/hello.txt", xv6fs.OCreate|xv6fs.ORdWr)
	if err != nil {
		t.Fatalf("Open(OCreate): %v", err)
	}
	want := []byte("hello, xv6")
	n, err := fs.Write(ctx, p, fd, want)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(want) {
		t.Fatalf("Write returned %d, want %d", n, len(want))
	}
	if err := fs.Close(ctx, p, fd); err != nil {
		t.Fatalf("Close: %v", err)
	}

	fd, err = fs.Open(ctx, p, "/hello.txt", xv6fs.ORdOnly)
	if err != nil {
		t.Fatalf("Open(ORdOnly): %v", err)
	}
	got := make([]byte, len(want)+16)
	n, err = fs.Read(ctx, p, fd, got)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if !bytes.Equal(got[:n], want) {
		t.Errorf("Read back %q, want %q", got[:n], want)
	}
	var st xv6fs.Stat
	if err := fs.Fstat(ctx, p, fd, &st); err != nil {
		t.Fatalf("Fstat: %v", err)
	}
	if st.Type != xv6fs.TypeFile || st.Size != uint32(len(want)) {
		t.Errorf("Fstat = %+v, want Type=%v Size=%d", st, xv6fs.TypeFile, len(want))
	}
	fs.Close(ctx, p, fd)
}

func TestOpenCreateExistingFileReusesIt(t *testing.T) {
	fs := formatAndMount(t, 1024)
	ctx := context.Background()
	p := fs.NewProc()

	fd, err := fs.Open(ctx, p, "/a", xv6fs.OCreate|xv6fs.OWrOnly)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	fs.Write(ctx, p, fd, []byte("xyz"))
	fs.Close(ctx, p, fd)

	fd, err = fs.Open(ctx, p, "/a", xv6fs.OCreate|xv6fs.ORdOnly)
	if err != nil {
		t.Fatalf("reopen with OCreate: %v", err)
	}
	got := make([]byte, 3)
	n, _ := fs.Read(ctx, p, fd, got)
	if n != 3 || string(got) != "xyz" {
		t.Errorf("reused file content = %q, want %q", got[:n], "xyz")
	}
	fs.Close(ctx, p, fd)
}

func TestMkdirAndReadDirAll(t *testing.T) {
	fs := formatAndMount(t, 1024)
	ctx := context.Background()
	p := fs.NewProc()

	if err := fs.Mkdir(ctx, p, "/sub"); err != nil {
		t.Fatalf("Mkdir: %v", err)
	}
	fd, err := fs.Open(ctx, p, "/sub/file", xv6fs.OCreate|xv6fs.OWrOnly)
	if err != nil {
		t.Fatalf("create child: %v", err)
	}
	fs.Close(ctx, p, fd)

	dp, err := fs.Namei(ctx, p.Cwd, "/sub")
	if err != nil {
		t.Fatalf("Namei: %v", err)
	}
	if err := fs.LockInode(ctx, dp); err != nil {
		t.Fatalf("LockInode: %v", err)
	}
	entries, err := fs.ReadDirAll(ctx, dp)
	fs.UnlockInode(dp)
	fs.PutInode(ctx, dp)
	if err != nil {
		t.Fatalf("ReadDirAll: %v", err)
	}

	names := map[string]bool{}
	for _, e := range entries {
		names[e.Name] = true
	}
	want := map[string]bool{".": true, "..": true, "file": true}
	if diff := pretty.Compare(names, want); diff != "" {
		t.Errorf("ReadDirAll names mismatch (-got +want):\n%s", diff)
	}
}

func TestUnlinkRejectsNonEmptyDirAndDotNames(t *testing.T) {
	fs := formatAndMount(t, 1024)
	ctx := context.Background()
	p := fs.NewProc()

	fs.Mkdir(ctx, p, "/d")
	fd, _ := fs.Open(ctx, p, "/d/f", xv6fs.OCreate|xv6fs.OWrOnly)
	fs.Close(ctx, p, fd)

	if err := fs.Unlink(ctx, p, "/d"); err != xv6fs.ErrNotEmpty {
		t.Errorf("Unlink(non-empty dir) = %v, want ErrNotEmpty", err)
	}
	if err := fs.Unlink(ctx, p, "/d/."); err != xv6fs.ErrInvalidArgument {
		t.Errorf("Unlink(\".\") = %v, want ErrInvalidArgument", err)
	}

	if err := fs.Unlink(ctx, p, "/d/f"); err != nil {
		t.Fatalf("Unlink(file): %v", err)
	}
	if err := fs.Unlink(ctx, p, "/d"); err != nil {
		t.Fatalf("Unlink(now-empty dir): %v", err)
	}
	if _, err := fs.Namei(ctx, p.Cwd, "/d"); err != xv6fs.ErrNotExist {
		t.Errorf("Namei(removed dir) = %v, want ErrNotExist", err)
	}
}

func TestLinkCreatesSecondName(t *testing.T) {
	fs := formatAndMount(t, 1024)
	ctx := context.Background()
	p := fs.NewProc()

	fd, _ := fs.Open(ctx, p, "/orig", xv6fs.OCreate|xv6fs.OWrOnly)
	fs.Write(ctx, p, fd, []byte("data"))
	fs.Close(ctx, p, fd)

	if err := fs.Link(ctx, p, "/orig", "/alias"); err != nil {
		t.Fatalf("Link: %v", err)
	}

	fd, err := fs.Open(ctx, p, "/alias", xv6fs.ORdOnly)
	if err != nil {
		t.Fatalf("Open(alias): %v", err)
	}
	var st xv6fs.Stat
	fs.Fstat(ctx, p, fd, &st)
	if st.Nlink != 2 {
		t.Errorf("Nlink = %d, want 2", st.Nlink)
	}
	fs.Close(ctx, p, fd)

	if err := fs.Link(ctx, p, "/orig", "/dir-never-made/alias"); err == nil {
		t.Errorf("Link into missing parent succeeded unexpectedly")
	}
}

func TestLinkRejectsDirectory(t *testing.T) {
	fs := formatAndMount(t, 1024)
	ctx := context.Background()
	p := fs.NewProc()

	fs.Mkdir(ctx, p, "/d")
	if err := fs.Link(ctx, p, "/d", "/d2"); err != xv6fs.ErrIsDirectory {
		t.Errorf("Link(dir) = %v, want ErrIsDirectory", err)
	}
}

func TestChdirRelativePaths(t *testing.T) {
	fs := formatAndMount(t, 1024)
	ctx := context.Background()
	p := fs.NewProc()

	fs.Mkdir(ctx, p, "/a")
	if err := fs.Chdir(ctx, p, "/a"); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	fd, err := fs.Open(ctx, p, "rel.txt", xv6fs.OCreate|xv6fs.OWrOnly)
	if err != nil {
		t.Fatalf("create relative: %v", err)
	}
	fs.Close(ctx, p, fd)

	if _, err := fs.Namei(ctx, p.Cwd, "/a/rel.txt"); err != nil {
		t.Errorf("relative create did not land under /a: %v", err)
	}
}

func TestPipeRoundTrip(t *testing.T) {
	fs := formatAndMount(t, 1024)
	ctx := context.Background()
	p := fs.NewProc()

	rfd, wfd, err := fs.Pipe(p)
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}
	done := make(chan struct{})
	go func() {
		fs.Write(ctx, p, wfd, []byte("ping"))
		fs.Close(ctx, p, wfd)
		close(done)
	}()
	got := make([]byte, 4)
	n, err := fs.Read(ctx, p, rfd, got)
	if err != nil {
		t.Fatalf("Read from pipe: %v", err)
	}
	if string(got[:n]) != "ping" {
		t.Errorf("pipe content = %q, want %q", got[:n], "ping")
	}
	<-done
	fs.Close(ctx, p, rfd)
}

// TestPipeWriteLargerThanBufferDrains writes more than the pipe's
// 512-byte ring buffer through a concurrently draining reader. A writer
// that fills the ring and sleeps without waking the reader first would
// deadlock here, since the reader is already asleep waiting for data.
func TestPipeWriteLargerThanBufferDrains(t *testing.T) {
	fs := formatAndMount(t, 1024)
	ctx := context.Background()
	p := fs.NewProc()

	rfd, wfd, err := fs.Pipe(p)
	if err != nil {
		t.Fatalf("Pipe: %v", err)
	}

	payload := bytes.Repeat([]byte{0x5A}, 5000)
	writeDone := make(chan error, 1)
	go func() {
		_, err := fs.Write(ctx, p, wfd, payload)
		fs.Close(ctx, p, wfd)
		writeDone <- err
	}()

	got := make([]byte, 0, len(payload))
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		buf := make([]byte, 256)
		for len(got) < len(payload) {
			n, err := fs.Read(ctx, p, rfd, buf)
			got = append(got, buf[:n]...)
			if err != nil || n == 0 {
				return
			}
		}
	}()

	select {
	case err := <-writeDone:
		if err != nil {
			t.Fatalf("Write: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Write did not complete: reader/writer deadlocked")
	}
	select {
	case <-readDone:
	case <-time.After(5 * time.Second):
		t.Fatal("Read did not drain the payload: reader/writer deadlocked")
	}
	fs.Close(ctx, p, rfd)

	if !bytes.Equal(got, payload) {
		t.Errorf("pipe content mismatch: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestWriteFileGrowsAcrossIndirectBlock(t *testing.T) {
	fs := formatAndMount(t, 4096)
	ctx := context.Background()
	p := fs.NewProc()

	fd, err := fs.Open(ctx, p, "/big", xv6fs.OCreate|xv6fs.ORdWr)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	// one byte past the last NDIRECT block forces the indirect block path.
	offset := int64(xv6fs.NDIRECT) * xv6fs.BSIZE
	payload := bytes.Repeat([]byte{0xAB}, 100)
	n, err := fs.Write(ctx, p, fd, make([]byte, offset))
	if err != nil || n != int(offset) {
		t.Fatalf("pad write: n=%d err=%v", n, err)
	}
	n, err = fs.Write(ctx, p, fd, payload)
	if err != nil {
		t.Fatalf("indirect write: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("indirect write n=%d, want %d", n, len(payload))
	}
	fs.Close(ctx, p, fd)

	fd, err = fs.Open(ctx, p, "/big", xv6fs.ORdOnly)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	readBuf := make([]byte, len(payload))
	buf := make([]byte, offset)
	if _, err := fs.Read(ctx, p, fd, buf); err != nil {
		t.Fatalf("skip read: %v", err)
	}
	if _, err := fs.Read(ctx, p, fd, readBuf); err != nil {
		t.Fatalf("payload read: %v", err)
	}
	if !bytes.Equal(readBuf, payload) {
		t.Errorf("indirect-block content mismatch")
	}
	fs.Close(ctx, p, fd)
}

func TestWriteBeyondMaxFileFails(t *testing.T) {
	fs := formatAndMount(t, 4096)
	ctx := context.Background()
	p := fs.NewProc()

	fd, err := fs.Open(ctx, p, "/huge", xv6fs.OCreate|xv6fs.OWrOnly)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer fs.Close(ctx, p, fd)

	big := make([]byte, (xv6fs.MAXFILE+1)*xv6fs.BSIZE)
	if _, err := fs.Write(ctx, p, fd, big); err != xv6fs.ErrTooLarge {
		t.Errorf("Write beyond MAXFILE = %v, want ErrTooLarge", err)
	}
}

func TestOpenDirectoryForWriteFails(t *testing.T) {
	fs := formatAndMount(t, 1024)
	ctx := context.Background()
	p := fs.NewProc()

	fs.Mkdir(ctx, p, "/d")
	if _, err := fs.Open(ctx, p, "/d", xv6fs.OWrOnly); err != xv6fs.ErrIsDirectory {
		t.Errorf("Open(dir, OWrOnly) = %v, want ErrIsDirectory", err)
	}
	if fd, err := fs.Open(ctx, p, "/d", xv6fs.ORdOnly); err != nil {
		t.Errorf("Open(dir, ORdOnly) failed: %v", err)
	} else {
		fs.Close(ctx, p, fd)
	}
}

func TestDupSharesOffset(t *testing.T) {
	fs := formatAndMount(t, 1024)
	ctx := context.Background()
	p := fs.NewProc()

	fd, _ := fs.Open(ctx, p, "/f", xv6fs.OCreate|xv6fs.ORdWr)
	fs.Write(ctx, p, fd, []byte("0123456789"))
	// Reopen so the shared offset starts at 0 rather than past the write.
	fs.Close(ctx, p, fd)
	fd, _ = fs.Open(ctx, p, "/f", xv6fs.ORdOnly)

	dfd, err := fs.Dup(p, fd)
	if err != nil {
		t.Fatalf("Dup: %v", err)
	}
	buf := make([]byte, 5)
	fs.Read(ctx, p, fd, buf)
	// Both descriptors reference the same OpenFile, so a read via either
	// advances the shared Off.
	buf2 := make([]byte, 5)
	n, err := fs.Read(ctx, p, dfd, buf2)
	if err != nil {
		t.Fatalf("Read via dup: %v", err)
	}
	if string(buf2[:n]) != "56789" {
		t.Errorf("Read via dup = %q, want %q", buf2[:n], "56789")
	}
	fs.Close(ctx, p, fd)
	fs.Close(ctx, p, dfd)
}
