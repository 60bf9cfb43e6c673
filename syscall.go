package xv6fs

import (
	"context"
	"sync"
)

// FS is the top-level handle this package hands callers: one BlockDevice,
// one TxnContext, and every layer built on top of them wired together,
// the equivalent of mounting a disk image in the original kernel.
type FS struct {
	dev BlockDevice
	txn TxnContext

	bcache *BufferCache
	inodes *InodeLayer
	sb     *SuperBlock

	files fileTable

	devMu   sync.Mutex
	devices map[int16]Device
}

// Mount reads the superblock off dev and wires up the buffer cache and
// inode layer, the translation of the kernel's iinit+binit+readsb
// sequence run at boot. The superblock is expected at sector 1 (sector 0
// is reserved for a boot block this package never writes).
func Mount(ctx context.Context, dev BlockDevice, txn TxnContext) (*FS, error) {
	bcache := NewBufferCache(dev, txn)
	fs := &FS{
		dev:     dev,
		txn:     txn,
		bcache:  bcache,
		sb:      &SuperBlock{},
		devices: make(map[int16]Device),
	}
	fs.inodes = newInodeLayer(fs)

	buf, err := bcache.Read(ctx, 0, 1)
	if err != nil {
		return nil, err
	}
	err = fs.sb.UnmarshalBinary(buf.Data()[:])
	bcache.Release(buf)
	if err != nil {
		return nil, err
	}

	fs.RegisterDevice(ConsoleMajor, NewConsoleDevice())
	return fs, nil
}

// Proc is one open-file-table client: a current directory plus a fixed
// NOFILE-sized descriptor table, the translation of struct proc's
// cwd/ofile fields narrowed to the filesystem-relevant subset.
type Proc struct {
	Cwd   *Inode
	Ofile [NOFILE]*OpenFile
}

// NewProc returns a Proc rooted at the file system's root directory.
func (fs *FS) NewProc() *Proc {
	return &Proc{Cwd: fs.inodes.Iget(0, RootIno)}
}

// allocFD finds the lowest unused descriptor slot, the translation of
// sysfile.c's fdalloc().
func allocFD(p *Proc) (int, error) {
	for fd := 0; fd < NOFILE; fd++ {
		if p.Ofile[fd] == nil {
			return fd, nil
		}
	}
	return 0, ErrFDExhausted
}

func checkFD(p *Proc, fd int) (*OpenFile, error) {
	if fd < 0 || fd >= NOFILE || p.Ofile[fd] == nil {
		return nil, ErrBadFD
	}
	return p.Ofile[fd], nil
}

// OpenFlag mirrors fcntl.h's O_* bits. OTrunc is defined but Open does
// not act on it.
type OpenFlag int

const (
	ORdOnly OpenFlag = 0x000
	OWrOnly OpenFlag = 0x001
	ORdWr   OpenFlag = 0x002
	OCreate OpenFlag = 0x200
	OTrunc  OpenFlag = 0x400
)

// create implements the shared open-or-make logic behind Open(O_CREATE),
// Mkdir and Mknod, the translation of sysfile.c's create(). It resolves
// path's parent, and if name already exists fails with ErrExist unless
// both the existing entry and wantType are regular files
// (a plain Open(O_CREATE) on an existing regular file succeeds silently
// and returns that file, even though its major/minor are never checked
// against the caller's request: kept exactly as the original, a known
// rough edge rather than a bug this package papers over).
func (fs *FS) create(ctx context.Context, p *Proc, txh TxnHandle, path string, wantType InodeType, major, minor int16) (*Inode, error) {
	dp, name, err := fs.Nameiparent(ctx, p.Cwd, path)
	if err != nil {
		return nil, err
	}
	if err := fs.inodes.Ilock(ctx, dp); err != nil {
		fs.iput(ctx, dp)
		return nil, err
	}
	ip, err := fs.CreateChild(ctx, txh, dp, name, wantType, major, minor)
	fs.inodes.Iunlock(dp)
	fs.iput(ctx, dp)
	return ip, err
}

// CreateChild is the by-reference half of create(): given an already
// locked parent directory dp, make or reuse a child named name. Exported
// so front ends that address inodes directly (the FUSE adapter, which
// the kernel hands parent inode IDs rather than paths) can drive the
// same logic Open/Mkdir/Mknod use without resolving a path first. dp
// must already be locked by the caller and remains locked on return.
func (fs *FS) CreateChild(ctx context.Context, txh TxnHandle, dp *Inode, name string, wantType InodeType, major, minor int16) (*Inode, error) {
	if existing, _, err := fs.Dirlookup(ctx, dp, name); err == nil {
		if err := fs.inodes.Ilock(ctx, existing); err != nil {
			fs.iput(ctx, existing)
			return nil, err
		}
		if wantType == TypeFile && existing.Type == TypeFile {
			return existing, nil
		}
		fs.inodes.Iunlock(existing)
		fs.iput(ctx, existing)
		return nil, ErrExist
	}

	ip, err := fs.inodes.Ialloc(ctx, txh, dp.Dev, wantType)
	if err != nil {
		return nil, err
	}
	if err := fs.inodes.Ilock(ctx, ip); err != nil {
		fs.iput(ctx, ip)
		return nil, err
	}
	ip.Major = major
	ip.Minor = minor
	ip.Nlink = 1
	fs.inodes.Iupdate(ctx, txh, ip)

	if wantType == TypeDir {
		dp.Nlink++
		fs.inodes.Iupdate(ctx, txh, dp)
		if err := fs.Dirlink(ctx, txh, ip, ".", ip.Inum); err != nil {
			fatalError(err)
		}
		if err := fs.Dirlink(ctx, txh, ip, "..", dp.Inum); err != nil {
			fatalError(err)
		}
	}
	if err := fs.Dirlink(ctx, txh, dp, name, ip.Inum); err != nil {
		fatalError(err)
	}
	return ip, nil
}

// Open resolves path (creating it first if flag has OCreate set) and
// installs it as a new file descriptor on p, the translation of
// sys_open().
func (fs *FS) Open(ctx context.Context, p *Proc, path string, flag OpenFlag) (int, error) {
	var ip *Inode
	txh := fs.txn.Begin()
	defer txh.End()

	if flag&OCreate != 0 {
		var err error
		ip, err = fs.create(ctx, p, txh, path, TypeFile, 0, 0)
		if err != nil {
			return -1, err
		}
	} else {
		var err error
		ip, err = fs.Namei(ctx, p.Cwd, path)
		if err != nil {
			return -1, err
		}
		if err := fs.inodes.Ilock(ctx, ip); err != nil {
			fs.iput(ctx, ip)
			return -1, err
		}
		if ip.Type == TypeDir && flag != ORdOnly {
			fs.inodes.Iunlock(ip)
			fs.iput(ctx, ip)
			return -1, ErrIsDirectory
		}
	}

	f, err := fs.files.FileAlloc()
	if err != nil {
		fs.inodes.Iunlock(ip)
		fs.iput(ctx, ip)
		return -1, err
	}
	fd, err := allocFD(p)
	if err != nil {
		f.refcnt = 0
		fs.inodes.Iunlock(ip)
		fs.iput(ctx, ip)
		return -1, err
	}

	if ip.Type == TypeDev {
		f.Kind = FDDevice
		f.Major = ip.Major
	} else {
		f.Kind = FDInode
	}
	f.Ip = ip
	f.Off = 0
	f.Readable = flag&OWrOnly == 0
	f.Writable = flag&OWrOnly != 0 || flag&ORdWr != 0

	p.Ofile[fd] = f
	fs.inodes.Iunlock(ip)
	return fd, nil
}

// Close drops fd from p's descriptor table, releasing the underlying
// OpenFile when its refcnt reaches zero.
func (fs *FS) Close(ctx context.Context, p *Proc, fd int) error {
	f, err := checkFD(p, fd)
	if err != nil {
		return err
	}
	p.Ofile[fd] = nil
	fs.FileClose(ctx, f)
	return nil
}

// Read reads into dst from fd.
func (fs *FS) Read(ctx context.Context, p *Proc, fd int, dst []byte) (int, error) {
	f, err := checkFD(p, fd)
	if err != nil {
		return 0, err
	}
	return fs.FileRead(ctx, f, dst)
}

// Write writes src to fd.
func (fs *FS) Write(ctx context.Context, p *Proc, fd int, src []byte) (int, error) {
	f, err := checkFD(p, fd)
	if err != nil {
		return 0, err
	}
	return fs.FileWrite(ctx, f, src)
}

// Fstat fills st from fd's backing file, the translation of sys_fstat().
func (fs *FS) Fstat(ctx context.Context, p *Proc, fd int, st *Stat) error {
	f, err := checkFD(p, fd)
	if err != nil {
		return err
	}
	return fs.FileStat(ctx, f, st)
}

// Dup duplicates fd onto the lowest free descriptor, the translation of
// sys_dup().
func (fs *FS) Dup(p *Proc, fd int) (int, error) {
	f, err := checkFD(p, fd)
	if err != nil {
		return -1, err
	}
	nfd, err := allocFD(p)
	if err != nil {
		return -1, err
	}
	p.Ofile[nfd] = fs.files.FileDup(f)
	return nfd, nil
}

// Link creates a new name pointing at the inode named by old, the
// translation of sys_link(). Directories cannot be hard-linked. If
// linking the new name fails, the bumped link count is rolled back.
func (fs *FS) Link(ctx context.Context, p *Proc, old, newPath string) error {
	txh := fs.txn.Begin()
	defer txh.End()

	ip, err := fs.Namei(ctx, p.Cwd, old)
	if err != nil {
		return err
	}
	if err := fs.inodes.Ilock(ctx, ip); err != nil {
		fs.iput(ctx, ip)
		return err
	}
	if ip.Type == TypeDir {
		fs.inodes.Iunlock(ip)
		fs.iput(ctx, ip)
		return ErrIsDirectory
	}
	ip.Nlink++
	fs.inodes.Iupdate(ctx, txh, ip)
	fs.inodes.Iunlock(ip)

	if err := fs.linkInto(ctx, p, txh, newPath, ip); err != nil {
		if lockErr := fs.inodes.Ilock(ctx, ip); lockErr == nil {
			ip.Nlink--
			fs.inodes.Iupdate(ctx, txh, ip)
			fs.inodes.Iunlock(ip)
		}
		fs.iput(ctx, ip)
		return err
	}
	fs.iput(ctx, ip)
	return nil
}

// linkInto resolves newPath's parent and adds a dirent pointing at ip,
// the second half of Link split out so the rollback path above has a
// single error to react to.
func (fs *FS) linkInto(ctx context.Context, p *Proc, txh TxnHandle, newPath string, ip *Inode) error {
	dp, name, err := fs.Nameiparent(ctx, p.Cwd, newPath)
	if err != nil {
		return err
	}
	if err := fs.inodes.Ilock(ctx, dp); err != nil {
		fs.iput(ctx, dp)
		return err
	}
	defer func() {
		fs.inodes.Iunlock(dp)
		fs.iput(ctx, dp)
	}()
	if dp.Dev != ip.Dev {
		return ErrCrossDevice
	}
	return fs.Dirlink(ctx, txh, dp, name, ip.Inum)
}

// Unlink removes name from its parent directory, the translation of
// sys_unlink(). A directory may only be unlinked if empty (beyond "."
// and ".."), and "." / ".." themselves can never be removed.
func (fs *FS) Unlink(ctx context.Context, p *Proc, path string) error {
	txh := fs.txn.Begin()
	defer txh.End()

	dp, name, err := fs.Nameiparent(ctx, p.Cwd, path)
	if err != nil {
		return err
	}
	if err := fs.inodes.Ilock(ctx, dp); err != nil {
		fs.iput(ctx, dp)
		return err
	}
	if name == "." || name == ".." {
		fs.inodes.Iunlock(dp)
		fs.iput(ctx, dp)
		return ErrInvalidArgument
	}

	ip, off, err := fs.Dirlookup(ctx, dp, name)
	if err != nil {
		fs.inodes.Iunlock(dp)
		fs.iput(ctx, dp)
		return err
	}
	if err := fs.inodes.Ilock(ctx, ip); err != nil {
		fs.inodes.Iunlock(dp)
		fs.iput(ctx, dp)
		fs.iput(ctx, ip)
		return err
	}
	if ip.Nlink < 1 {
		fatalError(ErrBadLock)
	}
	if ip.Type == TypeDir {
		empty, err := fs.isdirempty(ctx, ip)
		if err != nil {
			fs.inodes.Iunlockput(ctx, txh, ip)
			fs.inodes.Iunlockput(ctx, txh, dp)
			return err
		}
		if !empty {
			fs.inodes.Iunlock(ip)
			fs.iput(ctx, ip)
			fs.inodes.Iunlock(dp)
			fs.iput(ctx, dp)
			return ErrNotEmpty
		}
	}

	var zero dirent
	if _, err := fs.inodes.Writei(ctx, txh, dp, zero.marshal(), off); err != nil {
		fatalError(err)
	}
	if ip.Type == TypeDir {
		dp.Nlink--
		fs.inodes.Iupdate(ctx, txh, dp)
	}
	fs.inodes.Iunlock(dp)
	fs.iput(ctx, dp)

	ip.Nlink--
	fs.inodes.Iupdate(ctx, txh, ip)
	fs.inodes.Iunlockput(ctx, txh, ip)
	return nil
}

// Mkdir creates a new, empty directory at path.
func (fs *FS) Mkdir(ctx context.Context, p *Proc, path string) error {
	txh := fs.txn.Begin()
	defer txh.End()
	ip, err := fs.create(ctx, p, txh, path, TypeDir, 0, 0)
	if err != nil {
		return err
	}
	fs.iunlockput(ctx, ip)
	return nil
}

// Mknod creates a DEV special file backed by (major, minor), the
// translation of sys_mknod(). No driver needs to be registered yet; Open
// does not check either: the major number is looked up on each Read or
// Write through the descriptor.
func (fs *FS) Mknod(ctx context.Context, p *Proc, path string, major, minor int16) error {
	txh := fs.txn.Begin()
	defer txh.End()
	ip, err := fs.create(ctx, p, txh, path, TypeDev, major, minor)
	if err != nil {
		return err
	}
	fs.iunlockput(ctx, ip)
	return nil
}

// Chdir changes p's current directory to path, the translation of
// sys_chdir().
func (fs *FS) Chdir(ctx context.Context, p *Proc, path string) error {
	ip, err := fs.Namei(ctx, p.Cwd, path)
	if err != nil {
		return err
	}
	if err := fs.inodes.Ilock(ctx, ip); err != nil {
		fs.iput(ctx, ip)
		return err
	}
	if ip.Type != TypeDir {
		fs.inodes.Iunlock(ip)
		fs.iput(ctx, ip)
		return ErrNotDirectory
	}
	fs.inodes.Iunlock(ip)
	fs.iput(ctx, p.Cwd)
	p.Cwd = ip
	return nil
}

// Pipe allocates an in-memory pipe and installs its two ends as new
// descriptors on p, the translation of sys_pipe(). Returns (readFD,
// writeFD, error).
func (fs *FS) Pipe(p *Proc) (int, int, error) {
	rf, err := fs.files.FileAlloc()
	if err != nil {
		return -1, -1, err
	}
	wf, err := fs.files.FileAlloc()
	if err != nil {
		rf.refcnt = 0
		return -1, -1, err
	}
	pipe := NewPipe()
	rf.Kind, rf.Pipe, rf.Readable, rf.Writable = FDPipe, pipe, true, false
	wf.Kind, wf.Pipe, wf.Readable, wf.Writable = FDPipe, pipe, false, true

	rfd, err := allocFD(p)
	if err != nil {
		rf.refcnt, wf.refcnt = 0, 0
		return -1, -1, err
	}
	p.Ofile[rfd] = rf
	wfd, err := allocFD(p)
	if err != nil {
		p.Ofile[rfd] = nil
		rf.refcnt, wf.refcnt = 0, 0
		return -1, -1, err
	}
	p.Ofile[wfd] = wf
	return rfd, wfd, nil
}
