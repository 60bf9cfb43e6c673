package xv6fs

import (
	"bytes"
	"context"
	"encoding/binary"
)

// dirent is one directory entry: a 16-bit inode number plus a fixed
// DIRSIZ-byte, NUL-padded name, bit-exact with fs.h's struct dirent.
type dirent struct {
	Inum uint16
	Name [DIRSIZ]byte
}

const direntSize = 2 + DIRSIZ

func (d *dirent) marshal() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	return buf.Bytes()
}

func (d *dirent) unmarshal(data []byte) {
	d.Inum = binary.LittleEndian.Uint16(data[0:2])
	copy(d.Name[:], data[2:direntSize])
}

func direntName(d *dirent) string {
	i := bytes.IndexByte(d.Name[:], 0)
	if i < 0 {
		i = len(d.Name)
	}
	return string(d.Name[:i])
}

func setDirentName(d *dirent, name string) error {
	if len(name) > DIRSIZ {
		return ErrNameTooLong
	}
	var buf [DIRSIZ]byte
	copy(buf[:], name)
	d.Name = buf
	return nil
}

// Dirlookup scans directory dp for name, returning the matching inode
// (not locked, refcnt bumped via Iget) and the byte offset of its dirent,
// the translation of dirlookup(). dp must already be locked by the
// caller.
func (fs *FS) Dirlookup(ctx context.Context, dp *Inode, name string) (*Inode, uint32, error) {
	if dp.Type != TypeDir {
		fatalError(ErrNotDirectory)
	}
	var de dirent
	var raw [direntSize]byte
	for off := uint32(0); off < dp.Size; off += direntSize {
		n, err := fs.inodes.Readi(ctx, dp, raw[:], off)
		if err != nil {
			return nil, 0, err
		}
		if n != direntSize {
			fatalError(ErrBadLock)
		}
		de.unmarshal(raw[:])
		if de.Inum == 0 {
			continue
		}
		if direntName(&de) == name {
			return fs.inodes.Iget(dp.Dev, uint32(de.Inum)), off, nil
		}
	}
	return nil, 0, ErrNotExist
}

// iput runs a Iput inside its own short-lived transaction, for the many
// call sites below that drop a reference to a directory they were only
// passing through; a real transaction is needed only on the rare path
// where this happens to be the last reference to a since-unlinked inode.
func (fs *FS) iput(ctx context.Context, ip *Inode) {
	txh := fs.txn.Begin()
	fs.inodes.Iput(ctx, txh, ip)
	txh.End()
}

func (fs *FS) iunlockput(ctx context.Context, ip *Inode) {
	fs.inodes.Iunlock(ip)
	fs.iput(ctx, ip)
}

// Dirlink writes a new dirent (name -> inum) into directory dp, reusing
// an empty slot if one exists or appending otherwise, the translation of
// dirlink(). Returns ErrExist if name is already present. dp must be
// locked and a transaction open.
func (fs *FS) Dirlink(ctx context.Context, txh TxnHandle, dp *Inode, name string, inum uint32) error {
	if existing, _, err := fs.Dirlookup(ctx, dp, name); err == nil {
		fs.iput(ctx, existing)
		return ErrExist
	}

	var de dirent
	var raw [direntSize]byte
	off := uint32(0)
	for ; off < dp.Size; off += direntSize {
		n, err := fs.inodes.Readi(ctx, dp, raw[:], off)
		if err != nil {
			return err
		}
		if n != direntSize {
			fatalError(ErrBadLock)
		}
		de.unmarshal(raw[:])
		if de.Inum == 0 {
			break
		}
	}

	de = dirent{Inum: uint16(inum)}
	if err := setDirentName(&de, name); err != nil {
		return err
	}
	if _, err := fs.inodes.Writei(ctx, txh, dp, de.marshal(), off); err != nil {
		return err
	}
	return nil
}

// isdirempty reports whether dp, a directory, contains only "." and "..",
// scanning from offset 2*direntSize per the boundary this package keeps
// exact with the original's isdirempty().
func (fs *FS) isdirempty(ctx context.Context, dp *Inode) (bool, error) {
	var de dirent
	var raw [direntSize]byte
	for off := uint32(2 * direntSize); off < dp.Size; off += direntSize {
		n, err := fs.inodes.Readi(ctx, dp, raw[:], off)
		if err != nil {
			return false, err
		}
		if n != direntSize {
			fatalError(ErrBadLock)
		}
		de.unmarshal(raw[:])
		if de.Inum != 0 {
			return false, nil
		}
	}
	return true, nil
}

// skipelem splits the first path element off path, returning it and the
// remainder, the translation of skipelem(). Leading slashes are skipped;
// an empty path yields ("", "").
func skipelem(path string) (elem, rest string) {
	for len(path) > 0 && path[0] == '/' {
		path = path[1:]
	}
	if len(path) == 0 {
		return "", ""
	}
	i := 0
	for i < len(path) && path[i] != '/' {
		i++
	}
	elem = path[:i]
	rest = path[i:]
	for len(rest) > 0 && rest[0] == '/' {
		rest = rest[1:]
	}
	if len(elem) > DIRSIZ {
		elem = elem[:DIRSIZ]
	}
	return elem, rest
}

// namex walks path from the root (absolute) or cwd (relative), the
// translation of namex(). If nameiparent is true, it stops one element
// short and returns the parent directory plus the final element's name.
func (fs *FS) namex(ctx context.Context, cwd *Inode, path string, nameiparent bool) (*Inode, string, error) {
	var ip *Inode
	if len(path) > 0 && path[0] == '/' {
		ip = fs.inodes.Iget(0, RootIno)
	} else {
		ip = fs.inodes.Idup(cwd)
	}

	elem, rest := skipelem(path)
	for elem != "" {
		if err := fs.inodes.Ilock(ctx, ip); err != nil {
			fs.iput(ctx, ip)
			return nil, "", err
		}
		if ip.Type != TypeDir {
			fs.iunlockput(ctx, ip)
			return nil, "", ErrNotDirectory
		}
		if nameiparent && rest == "" {
			fs.inodes.Iunlock(ip)
			return ip, elem, nil
		}
		next, _, err := fs.Dirlookup(ctx, ip, elem)
		fs.iunlockput(ctx, ip)
		if err != nil {
			return nil, "", err
		}
		ip = next
		elem, rest = skipelem(rest)
	}
	if nameiparent {
		fs.iput(ctx, ip)
		return nil, "", ErrNotExist
	}
	return ip, "", nil
}

// Namei resolves path to its inode (not locked), the translation of
// namei().
func (fs *FS) Namei(ctx context.Context, cwd *Inode, path string) (*Inode, error) {
	ip, _, err := fs.namex(ctx, cwd, path, false)
	return ip, err
}

// Nameiparent resolves path's parent directory and returns the final
// element's name, the translation of nameiparent().
func (fs *FS) Nameiparent(ctx context.Context, cwd *Inode, path string) (*Inode, string, error) {
	return fs.namex(ctx, cwd, path, true)
}
