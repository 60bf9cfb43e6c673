package xv6fs

import "context"

// DirEntry is one resolved entry of a directory listing, returned by
// ReadDirAll for front ends (the FUSE adapter) that need every name in a
// directory at once rather than a single Dirlookup.
type DirEntry struct {
	Name string
	Inum uint32
	Type InodeType
}

// The methods below forward to InodeLayer/BufferCache internals for
// front ends that address inodes directly by number instead of walking
// paths: principally cmd/mountfs, which the kernel hands parent inode
// IDs and child names rather than path strings.

// SuperBlock returns the mounted image's superblock, read-only.
func (fs *FS) SuperBlock() *SuperBlock {
	return fs.sb
}

// RootInode returns a referenced (refcnt bumped), unlocked handle to the
// root directory inode.
func (fs *FS) RootInode() *Inode {
	return fs.inodes.Iget(0, RootIno)
}

// GetInode returns a referenced, unlocked handle to inum, without
// validating it exists on disk until the caller locks it.
func (fs *FS) GetInode(inum uint32) *Inode {
	return fs.inodes.Iget(0, inum)
}

// DupInode bumps ip's refcnt and returns ip, for front ends that hand
// out the same inode to more than one kernel-visible handle.
func (fs *FS) DupInode(ip *Inode) *Inode {
	return fs.inodes.Idup(ip)
}

// PutInode drops a reference obtained from RootInode, GetInode, DupInode,
// Dirlookup or CreateChild.
func (fs *FS) PutInode(ctx context.Context, ip *Inode) {
	fs.iput(ctx, ip)
}

// LockInode locks ip and loads its content from disk if this is the
// first reference to reach it.
func (fs *FS) LockInode(ctx context.Context, ip *Inode) error {
	return fs.inodes.Ilock(ctx, ip)
}

// UnlockInode unlocks ip.
func (fs *FS) UnlockInode(ip *Inode) {
	fs.inodes.Iunlock(ip)
}

// Begin opens a new transaction scope against fs's TxnContext, for front
// ends that need to bracket a sequence of CreateChild/Dirlink/Readi/
// Writei calls made directly against inode references.
func (fs *FS) Begin() TxnHandle {
	return fs.txn.Begin()
}

// StatLocked fills st from ip, which the caller must already hold
// locked.
func (fs *FS) StatLocked(ip *Inode, st *Stat) {
	fs.fillStat(ip, st)
}

// ReadAt reads into dst from ip at off, caller must hold ip locked.
func (fs *FS) ReadAt(ctx context.Context, ip *Inode, dst []byte, off uint32) (int, error) {
	return fs.inodes.Readi(ctx, ip, dst, off)
}

// WriteAt writes src into ip at off under txh, caller must hold ip
// locked.
func (fs *FS) WriteAt(ctx context.Context, txh TxnHandle, ip *Inode, src []byte, off uint32) (int, error) {
	return fs.inodes.Writei(ctx, txh, ip, src, off)
}

// Truncate resets ip to zero length, freeing its blocks. Caller must
// hold ip locked.
func (fs *FS) Truncate(ctx context.Context, txh TxnHandle, ip *Inode) {
	fs.inodes.itrunc(ctx, txh, ip)
}

// ReadDirAll returns every non-empty dirent in directory dp. Caller must
// hold dp locked.
func (fs *FS) ReadDirAll(ctx context.Context, dp *Inode) ([]DirEntry, error) {
	if dp.Type != TypeDir {
		return nil, ErrNotDirectory
	}
	var out []DirEntry
	var de dirent
	var raw [direntSize]byte
	for off := uint32(0); off < dp.Size; off += direntSize {
		n, err := fs.inodes.Readi(ctx, dp, raw[:], off)
		if err != nil {
			return nil, err
		}
		if n != direntSize {
			fatalError(ErrBadLock)
		}
		de.unmarshal(raw[:])
		if de.Inum == 0 {
			continue
		}
		// "." is dp itself (already locked by the caller) and ".." may be a
		// locked ancestor; both are directories, so report them unlocked.
		if name := direntName(&de); name == "." || name == ".." {
			out = append(out, DirEntry{Name: name, Inum: uint32(de.Inum), Type: TypeDir})
			continue
		}
		child := fs.inodes.Iget(dp.Dev, uint32(de.Inum))
		if err := fs.inodes.Ilock(ctx, child); err != nil {
			fs.iput(ctx, child)
			return nil, err
		}
		out = append(out, DirEntry{Name: direntName(&de), Inum: uint32(de.Inum), Type: child.Type})
		fs.inodes.Iunlock(child)
		fs.iput(ctx, child)
	}
	return out, nil
}

// UnlinkChild removes name from directory dp, the by-reference
// counterpart of Unlink used by the FUSE adapter. dp must be locked.
func (fs *FS) UnlinkChild(ctx context.Context, txh TxnHandle, dp *Inode, name string) error {
	if name == "." || name == ".." {
		return ErrInvalidArgument
	}
	ip, off, err := fs.Dirlookup(ctx, dp, name)
	if err != nil {
		return err
	}
	if err := fs.inodes.Ilock(ctx, ip); err != nil {
		fs.iput(ctx, ip)
		return err
	}
	if ip.Type == TypeDir {
		empty, err := fs.isdirempty(ctx, ip)
		if err != nil {
			fs.inodes.Iunlockput(ctx, txh, ip)
			return err
		}
		if !empty {
			fs.inodes.Iunlockput(ctx, txh, ip)
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
	ip.Nlink--
	fs.inodes.Iupdate(ctx, txh, ip)
	fs.inodes.Iunlockput(ctx, txh, ip)
	return nil
}
