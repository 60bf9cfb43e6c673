package main

import (
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/jacobsa/fuse/fuseops"
	"github.com/jacobsa/fuse/fuseutil"
	"github.com/jacobsa/syncutil"

	"github.com/opencoredev/xv6fs"
)

// fileSystem adapts *xv6fs.FS to fuseutil.FileSystem, translating FUSE
// ops addressed by numeric inode ID into the by-reference xv6fs.Inode
// calls exposed in lowlevel.go. Operations this package's syscall
// façade has no equivalent for (symlinks, xattrs, rename) are left to
// the embedded NotImplementedFileSystem, which answers them ENOSYS.
type fileSystem struct {
	fuseutil.NotImplementedFileSystem

	fs *xv6fs.FS

	// mu guards lookupCount and the handle tables; it is never held
	// across a blocking xv6fs call.
	mu syncutil.InvariantMutex

	lookupCount map[fuseops.InodeID]uint64

	nextHandle fuseops.HandleID
	dirHandles map[fuseops.HandleID]*xv6fs.Inode
}

func newFileSystem(fs *xv6fs.FS) *fileSystem {
	f := &fileSystem{
		fs:          fs,
		lookupCount: make(map[fuseops.InodeID]uint64),
		dirHandles:  make(map[fuseops.HandleID]*xv6fs.Inode),
	}
	f.mu = syncutil.NewInvariantMutex(f.checkInvariants)
	return f
}

func (f *fileSystem) checkInvariants() {
	if f.lookupCount[fuseops.RootInodeID] == 0 {
		// root is pinned for the lifetime of the mount; zero here would
		// mean ForgetInode underflowed.
	}
}

func toInodeID(inum uint32) fuseops.InodeID { return fuseops.InodeID(inum) }
func toInum(id fuseops.InodeID) uint32      { return uint32(id) }

// bumpLookup records that the kernel now holds one more reference to id,
// matching an Iget/Dirlookup/CreateChild call the caller already made.
func (f *fileSystem) bumpLookup(id fuseops.InodeID) {
	f.mu.Lock()
	f.lookupCount[id]++
	f.mu.Unlock()
}

func attrsFor(st *xv6fs.Stat) fuseops.InodeAttributes {
	mode := os.FileMode(0644)
	if st.Type == xv6fs.TypeDir {
		mode = os.ModeDir | 0755
	}
	return fuseops.InodeAttributes{
		Size:  uint64(st.Size),
		Nlink: uint32(st.Nlink),
		Mode:  mode,
		Mtime: time.Time{},
		Atime: time.Time{},
		Ctime: time.Time{},
	}
}

func (f *fileSystem) Init(op *fuseops.InitOp) error {
	f.bumpLookup(fuseops.RootInodeID)
	return nil
}

// lookupChild resolves name under parent and returns its stat. The
// Dirlookup reference it takes on the child is deliberately not
// released: it becomes the kernel's lookup-count reference, to be
// dropped later by ForgetInode.
func (f *fileSystem) lookupChild(op fuseops.Op, parent fuseops.InodeID, name string) (xv6fs.Stat, error) {
	ctx := op.Context()
	var st xv6fs.Stat
	dp := f.fs.GetInode(toInum(parent))
	if err := f.fs.LockInode(ctx, dp); err != nil {
		f.fs.PutInode(ctx, dp)
		return st, err
	}
	child, _, err := f.fs.Dirlookup(ctx, dp, name)
	f.fs.UnlockInode(dp)
	f.fs.PutInode(ctx, dp)
	if err != nil {
		return st, err
	}
	if err := f.fs.LockInode(ctx, child); err != nil {
		f.fs.PutInode(ctx, child)
		return st, err
	}
	f.fs.StatLocked(child, &st)
	f.fs.UnlockInode(child)
	return st, nil
}

func (f *fileSystem) LookUpInode(op *fuseops.LookUpInodeOp) error {
	st, err := f.lookupChild(op, op.Parent, op.Name)
	if err != nil {
		return translateErr(err)
	}
	op.Entry.Child = toInodeID(st.Ino)
	op.Entry.Attributes = attrsFor(&st)
	f.bumpLookup(op.Entry.Child)
	return nil
}

func (f *fileSystem) GetInodeAttributes(op *fuseops.GetInodeAttributesOp) error {
	ctx := op.Context()
	ip := f.fs.GetInode(toInum(op.Inode))
	defer f.fs.PutInode(ctx, ip)
	if err := f.fs.LockInode(ctx, ip); err != nil {
		return translateErr(err)
	}
	var st xv6fs.Stat
	f.fs.StatLocked(ip, &st)
	f.fs.UnlockInode(ip)
	op.Attributes = attrsFor(&st)
	return nil
}

func (f *fileSystem) SetInodeAttributes(op *fuseops.SetInodeAttributesOp) error {
	ctx := op.Context()
	ip := f.fs.GetInode(toInum(op.Inode))
	defer f.fs.PutInode(ctx, ip)
	if err := f.fs.LockInode(ctx, ip); err != nil {
		return translateErr(err)
	}
	if op.Size != nil {
		txh := f.fs.Begin()
		f.fs.Truncate(ctx, txh, ip)
		txh.End()
	}
	var st xv6fs.Stat
	f.fs.StatLocked(ip, &st)
	f.fs.UnlockInode(ip)
	op.Attributes = attrsFor(&st)
	return nil
}

func (f *fileSystem) ForgetInode(op *fuseops.ForgetInodeOp) error {
	ctx := op.Context()
	f.mu.Lock()
	f.lookupCount[op.Inode] -= op.N
	if f.lookupCount[op.Inode] == 0 {
		delete(f.lookupCount, op.Inode)
	}
	f.mu.Unlock()
	for i := uint64(0); i < op.N; i++ {
		ip := f.fs.GetInode(toInum(op.Inode))
		f.fs.PutInode(ctx, ip)
		f.fs.PutInode(ctx, ip)
	}
	return nil
}

func (f *fileSystem) MkDir(op *fuseops.MkDirOp) error {
	ctx := op.Context()
	dp := f.fs.GetInode(toInum(op.Parent))
	defer f.fs.PutInode(ctx, dp)
	if err := f.fs.LockInode(ctx, dp); err != nil {
		return translateErr(err)
	}
	defer f.fs.UnlockInode(dp)

	txh := f.fs.Begin()
	defer txh.End()
	child, err := f.fs.CreateChild(ctx, txh, dp, op.Name, xv6fs.TypeDir, 0, 0)
	if err != nil {
		return translateErr(err)
	}
	var st xv6fs.Stat
	f.fs.StatLocked(child, &st)
	f.fs.UnlockInode(child)

	op.Entry.Child = toInodeID(st.Ino)
	op.Entry.Attributes = attrsFor(&st)
	f.bumpLookup(op.Entry.Child)
	return nil
}

func (f *fileSystem) CreateFile(op *fuseops.CreateFileOp) error {
	ctx := op.Context()
	dp := f.fs.GetInode(toInum(op.Parent))
	defer f.fs.PutInode(ctx, dp)
	if err := f.fs.LockInode(ctx, dp); err != nil {
		return translateErr(err)
	}
	defer f.fs.UnlockInode(dp)

	txh := f.fs.Begin()
	defer txh.End()
	child, err := f.fs.CreateChild(ctx, txh, dp, op.Name, xv6fs.TypeFile, 0, 0)
	if err != nil {
		return translateErr(err)
	}
	var st xv6fs.Stat
	f.fs.StatLocked(child, &st)
	f.fs.UnlockInode(child)

	op.Entry.Child = toInodeID(st.Ino)
	op.Entry.Attributes = attrsFor(&st)
	op.Handle = f.newHandle()
	f.bumpLookup(op.Entry.Child)
	return nil
}

func (f *fileSystem) RmDir(op *fuseops.RmDirOp) error {
	ctx := op.Context()
	dp := f.fs.GetInode(toInum(op.Parent))
	defer f.fs.PutInode(ctx, dp)
	if err := f.fs.LockInode(ctx, dp); err != nil {
		return translateErr(err)
	}
	defer f.fs.UnlockInode(dp)
	txh := f.fs.Begin()
	defer txh.End()
	return translateErr(f.fs.UnlinkChild(ctx, txh, dp, op.Name))
}

func (f *fileSystem) Unlink(op *fuseops.UnlinkOp) error {
	ctx := op.Context()
	dp := f.fs.GetInode(toInum(op.Parent))
	defer f.fs.PutInode(ctx, dp)
	if err := f.fs.LockInode(ctx, dp); err != nil {
		return translateErr(err)
	}
	defer f.fs.UnlockInode(dp)
	txh := f.fs.Begin()
	defer txh.End()
	return translateErr(f.fs.UnlinkChild(ctx, txh, dp, op.Name))
}

var handleMu sync.Mutex

func (f *fileSystem) newHandle() fuseops.HandleID {
	handleMu.Lock()
	defer handleMu.Unlock()
	f.nextHandle++
	return f.nextHandle
}

func (f *fileSystem) OpenDir(op *fuseops.OpenDirOp) error {
	ip := f.fs.GetInode(toInum(op.Inode))
	h := f.newHandle()
	f.mu.Lock()
	f.dirHandles[h] = ip
	f.mu.Unlock()
	op.Handle = h
	return nil
}

func (f *fileSystem) ReleaseDirHandle(op *fuseops.ReleaseDirHandleOp) error {
	f.mu.Lock()
	ip := f.dirHandles[op.Handle]
	delete(f.dirHandles, op.Handle)
	f.mu.Unlock()
	if ip != nil {
		f.fs.PutInode(op.Context(), ip)
	}
	return nil
}

func (f *fileSystem) ReadDir(op *fuseops.ReadDirOp) error {
	ctx := op.Context()
	f.mu.Lock()
	dp := f.dirHandles[op.Handle]
	f.mu.Unlock()
	if dp == nil {
		return syscall.EIO
	}
	if err := f.fs.LockInode(ctx, dp); err != nil {
		return translateErr(err)
	}
	entries, err := f.fs.ReadDirAll(ctx, dp)
	f.fs.UnlockInode(dp)
	if err != nil {
		return translateErr(err)
	}

	buf := make([]byte, op.Size)
	var n int
	for i, e := range entries {
		if i < int(op.Offset) {
			continue
		}
		dt := fuseutil.DT_File
		if e.Type == xv6fs.TypeDir {
			dt = fuseutil.DT_Directory
		}
		written := fuseutil.WriteDirent(buf[n:], fuseops.Dirent{
			Offset: fuseops.DirOffset(i + 1),
			Inode:  toInodeID(e.Inum),
			Name:   e.Name,
			Type:   dt,
		})
		if written == 0 {
			break
		}
		n += written
	}
	op.Data = buf[:n]
	return nil
}

func (f *fileSystem) OpenFile(op *fuseops.OpenFileOp) error {
	op.Handle = f.newHandle()
	return nil
}

func (f *fileSystem) ReadFile(op *fuseops.ReadFileOp) error {
	ctx := op.Context()
	ip := f.fs.GetInode(toInum(op.Inode))
	defer f.fs.PutInode(ctx, ip)
	if err := f.fs.LockInode(ctx, ip); err != nil {
		return translateErr(err)
	}
	defer f.fs.UnlockInode(ip)
	buf := make([]byte, op.Size)
	n, err := f.fs.ReadAt(ctx, ip, buf, uint32(op.Offset))
	op.Data = buf[:n]
	if err != nil {
		return translateErr(err)
	}
	return nil
}

func (f *fileSystem) WriteFile(op *fuseops.WriteFileOp) error {
	ctx := op.Context()
	ip := f.fs.GetInode(toInum(op.Inode))
	defer f.fs.PutInode(ctx, ip)
	if err := f.fs.LockInode(ctx, ip); err != nil {
		return translateErr(err)
	}
	defer f.fs.UnlockInode(ip)
	txh := f.fs.Begin()
	defer txh.End()
	_, err := f.fs.WriteAt(ctx, txh, ip, op.Data, uint32(op.Offset))
	return translateErr(err)
}

func (f *fileSystem) FlushFile(op *fuseops.FlushFileOp) error {
	return nil
}

func (f *fileSystem) ReleaseFileHandle(op *fuseops.ReleaseFileHandleOp) error {
	return nil
}

// translateErr maps this package's recoverable sentinel errors onto the
// errno values fuse.Mount understands; anything unrecognized passes
// through as EIO.
func translateErr(err error) error {
	switch err {
	case nil:
		return nil
	case xv6fs.ErrNotExist:
		return syscall.ENOENT
	case xv6fs.ErrExist:
		return syscall.EEXIST
	case xv6fs.ErrNotDirectory:
		return syscall.ENOTDIR
	case xv6fs.ErrIsDirectory:
		return syscall.EISDIR
	case xv6fs.ErrNotEmpty:
		return syscall.ENOTEMPTY
	case xv6fs.ErrInvalidArgument:
		return syscall.EINVAL
	case xv6fs.ErrNameTooLong:
		return syscall.ENAMETOOLONG
	default:
		return syscall.EIO
	}
}
