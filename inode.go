package xv6fs

import (
	"bytes"
	"context"
	"encoding/binary"

	"github.com/jacobsa/syncutil"
)

// InodeType tags what kind of file a dinode describes, the same small
// enum the teacher's type.go uses for squashfs entries, narrowed to the
// four kinds this file system actually stores.
type InodeType uint16

const (
	TypeFree InodeType = iota
	TypeDir
	TypeFile
	TypeDev
)

// dinode is the on-disk inode: 64 bytes, IPB of them per block, bit-exact
// with fs.h's struct dinode.
type dinode struct {
	Type  InodeType
	Major int16
	Minor int16
	Nlink int16
	Size  uint32
	Addrs [NDIRECT + 1]uint32
}

func (d *dinode) marshal() []byte {
	buf := new(bytes.Buffer)
	binary.Write(buf, binary.LittleEndian, d)
	out := make([]byte, dinodeSize)
	copy(out, buf.Bytes())
	return out
}

func (d *dinode) unmarshal(data []byte) error {
	return binary.Read(bytes.NewReader(data), binary.LittleEndian, d)
}

// Inode is the in-memory, cached counterpart of a dinode: one per
// distinct (dev,inum) with refcnt>0 anywhere in the system, per §4.3's
// "single in-memory Inode per (dev, inum)" invariant.
type Inode struct {
	Dev   uint32
	Inum  uint32
	Type  InodeType
	Major int16
	Minor int16
	Nlink int16
	Size  uint32
	Addrs [NDIRECT + 1]uint32

	refcnt int
	valid  bool
	lock   sleepLock
}

// InodeLayer is the fixed NINODE-slot in-memory inode cache of §4.3,
// guarded the same way BufferCache guards its slots: one InvariantMutex
// over identity/refcnt bookkeeping, a per-inode sleepLock for the
// contents.
type InodeLayer struct {
	fs *FS

	mu    syncutil.InvariantMutex
	slots [NINODE]Inode
}

func newInodeLayer(fs *FS) *InodeLayer {
	l := &InodeLayer{fs: fs}
	for i := range l.slots {
		l.slots[i].lock = newSleepLock()
	}
	l.mu = syncutil.NewInvariantMutex(l.checkInvariants)
	return l
}

// checkInvariants enforces §8's "at most one in-memory Inode per
// (dev,inum) with refcnt>0" rule: no two live slots may share an
// identity. The valid flag is not checked here.
func (l *InodeLayer) checkInvariants() {
	seen := make(map[[2]uint32]bool)
	for i := range l.slots {
		s := &l.slots[i]
		if s.refcnt == 0 {
			continue
		}
		key := [2]uint32{s.Dev, s.Inum}
		if seen[key] {
			fatalError(ErrBadLock)
		}
		seen[key] = true
	}
}

// Iget finds or allocates an in-memory slot for (dev,inum) and bumps its
// refcnt, without locking or reading it from disk, mirroring iget()'s
// two-pass scan (reuse a live entry, else recycle a free one).
func (l *InodeLayer) Iget(dev, inum uint32) *Inode {
	l.mu.Lock()
	defer l.mu.Unlock()

	var free *Inode
	for i := range l.slots {
		s := &l.slots[i]
		if s.refcnt > 0 && s.Dev == dev && s.Inum == inum {
			s.refcnt++
			return s
		}
		if free == nil && s.refcnt == 0 {
			free = s
		}
	}
	if free == nil {
		fatalError(ErrNoInodes)
	}
	free.Dev = dev
	free.Inum = inum
	free.refcnt = 1
	free.valid = false
	return free
}

// Idup bumps ip's refcnt, the translation of idup().
func (l *InodeLayer) Idup(ip *Inode) *Inode {
	l.mu.Lock()
	ip.refcnt++
	l.mu.Unlock()
	return ip
}

// Iput drops ip's refcnt; when it reaches zero and Nlink is zero the
// inode's on-disk blocks are freed and the slot is reclaimed, the
// translation of iput()'s delayed truncation-on-last-close.
func (l *InodeLayer) Iput(ctx context.Context, txh TxnHandle, ip *Inode) {
	l.mu.Lock()
	if ip.refcnt == 1 && ip.valid && ip.Nlink == 0 {
		l.mu.Unlock()
		ip.lock.Lock()
		l.itrunc(ctx, txh, ip)
		ip.Type = TypeFree
		l.iupdate(ctx, txh, ip)
		ip.valid = false
		ip.lock.Unlock()
		l.mu.Lock()
	}
	ip.refcnt--
	l.mu.Unlock()
}

// Ilock loads ip's content from disk (if not already valid) and locks it
// for exclusive access, the translation of ilock().
func (l *InodeLayer) Ilock(ctx context.Context, ip *Inode) error {
	if ip.refcnt < 1 {
		fatalError(ErrBadLock)
	}
	if err := ip.lock.LockContext(ctx); err != nil {
		return err
	}
	if !ip.valid {
		sb := l.fs.sb
		buf, err := l.fs.bcache.Read(ctx, ip.Dev, sb.IBlock(ip.Inum))
		if err != nil {
			ip.lock.Unlock()
			return err
		}
		var d dinode
		off := (ip.Inum % IPB) * dinodeSize
		d.unmarshal(buf.Data()[off : off+dinodeSize])
		l.fs.bcache.Release(buf)

		ip.Type = d.Type
		ip.Major = d.Major
		ip.Minor = d.Minor
		ip.Nlink = d.Nlink
		ip.Size = d.Size
		ip.Addrs = d.Addrs
		ip.valid = true
		if ip.Type == TypeFree {
			ip.lock.Unlock()
			return ErrNotExist
		}
	}
	return nil
}

func (l *InodeLayer) Iunlock(ip *Inode) {
	ip.lock.Unlock()
}

func (l *InodeLayer) Iunlockput(ctx context.Context, txh TxnHandle, ip *Inode) {
	l.Iunlock(ip)
	l.Iput(ctx, txh, ip)
}

// iupdate writes ip's in-memory content back to its dinode slot, the
// translation of iupdate(); caller must hold ip locked.
func (l *InodeLayer) iupdate(ctx context.Context, txh TxnHandle, ip *Inode) {
	sb := l.fs.sb
	buf, err := l.fs.bcache.Read(ctx, ip.Dev, sb.IBlock(ip.Inum))
	if err != nil {
		fatalError(err)
	}
	d := dinode{
		Type:  ip.Type,
		Major: ip.Major,
		Minor: ip.Minor,
		Nlink: ip.Nlink,
		Size:  ip.Size,
		Addrs: ip.Addrs,
	}
	off := (ip.Inum % IPB) * dinodeSize
	copy(buf.Data()[off:off+dinodeSize], d.marshal())
	l.fs.bcache.Write(txh, buf)
	l.fs.bcache.Release(buf)
}

func (l *InodeLayer) Iupdate(ctx context.Context, txh TxnHandle, ip *Inode) {
	l.iupdate(ctx, txh, ip)
}

// Ialloc scans the inode table for a TypeFree slot, marks it the given
// type and returns it referenced (not locked) via Iget, the translation of
// ialloc(). Panics with ErrNoInodes if the disk has none free.
func (l *InodeLayer) Ialloc(ctx context.Context, txh TxnHandle, dev uint32, typ InodeType) (*Inode, error) {
	sb := l.fs.sb
	for inum := uint32(1); inum < sb.NInodes; inum++ {
		buf, err := l.fs.bcache.Read(ctx, dev, sb.IBlock(inum))
		if err != nil {
			return nil, err
		}
		off := (inum % IPB) * dinodeSize
		var d dinode
		d.unmarshal(buf.Data()[off : off+dinodeSize])
		if d.Type == TypeFree {
			d.Type = typ
			copy(buf.Data()[off:off+dinodeSize], d.marshal())
			l.fs.bcache.Write(txh, buf)
			l.fs.bcache.Release(buf)
			return l.Iget(dev, inum), nil
		}
		l.fs.bcache.Release(buf)
	}
	fatalError(ErrNoInodes)
	panic("unreachable")
}

// bmap returns the disk block number holding the bn'th block of ip's
// content, allocating it (and, if bn falls in the indirect range, the
// indirect block too) on first touch. Translation of bmap().
func (l *InodeLayer) bmap(ctx context.Context, txh TxnHandle, ip *Inode, bn uint32) (uint32, error) {
	if bn < NDIRECT {
		addr := ip.Addrs[bn]
		if addr == 0 {
			var err error
			addr, err = l.fs.Balloc(ctx, txh)
			if err != nil {
				return 0, err
			}
			ip.Addrs[bn] = addr
		}
		return addr, nil
	}
	bn -= NDIRECT
	if bn >= NINDIRECT {
		fatalError(ErrTooLarge)
	}

	indAddr := ip.Addrs[NDIRECT]
	if indAddr == 0 {
		var err error
		indAddr, err = l.fs.Balloc(ctx, txh)
		if err != nil {
			return 0, err
		}
		ip.Addrs[NDIRECT] = indAddr
	}
	buf, err := l.fs.bcache.Read(ctx, ip.Dev, indAddr)
	if err != nil {
		return 0, err
	}
	defer l.fs.bcache.Release(buf)

	off := bn * 4
	addr := binary.LittleEndian.Uint32(buf.Data()[off : off+4])
	if addr == 0 {
		addr, err = l.fs.Balloc(ctx, txh)
		if err != nil {
			return 0, err
		}
		binary.LittleEndian.PutUint32(buf.Data()[off:off+4], addr)
		l.fs.bcache.Write(txh, buf)
	}
	return addr, nil
}

// itrunc frees every block reachable from ip, direct and indirect, and
// resets Size to zero, the translation of itrunc(). Caller must hold ip
// locked.
func (l *InodeLayer) itrunc(ctx context.Context, txh TxnHandle, ip *Inode) {
	for i := 0; i < NDIRECT; i++ {
		if ip.Addrs[i] != 0 {
			l.fs.Bfree(ctx, txh, ip.Addrs[i])
			ip.Addrs[i] = 0
		}
	}
	if ip.Addrs[NDIRECT] != 0 {
		buf, err := l.fs.bcache.Read(ctx, ip.Dev, ip.Addrs[NDIRECT])
		if err != nil {
			fatalError(err)
		}
		for i := 0; i < NINDIRECT; i++ {
			off := i * 4
			addr := binary.LittleEndian.Uint32(buf.Data()[off : off+4])
			if addr != 0 {
				l.fs.Bfree(ctx, txh, addr)
			}
		}
		l.fs.bcache.Release(buf)
		l.fs.Bfree(ctx, txh, ip.Addrs[NDIRECT])
		ip.Addrs[NDIRECT] = 0
	}
	ip.Size = 0
	l.iupdate(ctx, txh, ip)
}

// Readi copies min(len(dst), ip.Size-off) bytes from ip's content into
// dst starting at off, the translation of readi(). Caller must hold ip
// locked.
func (l *InodeLayer) Readi(ctx context.Context, ip *Inode, dst []byte, off uint32) (int, error) {
	if off > ip.Size {
		return 0, ErrInvalidArgument
	}
	if off+uint32(len(dst)) > ip.Size {
		dst = dst[:ip.Size-off]
	}
	n := 0
	for n < len(dst) {
		bn := (off + uint32(n)) / BSIZE
		bAddr, err := l.bmap(ctx, nil, ip, bn)
		if err != nil {
			return n, err
		}
		buf, err := l.fs.bcache.Read(ctx, ip.Dev, bAddr)
		if err != nil {
			return n, err
		}
		boff := (off + uint32(n)) % BSIZE
		m := copy(dst[n:], buf.Data()[boff:])
		l.fs.bcache.Release(buf)
		n += m
	}
	return n, nil
}

// Writei writes src into ip's content starting at off, growing the file
// (and allocating blocks via bmap) as needed up to MAXFILE*BSIZE, the
// translation of writei(). Caller must hold ip locked and a transaction
// open. A genuine error from the block layer (context cancellation, a
// failing BlockDevice) is returned to the caller as-is; a short count
// with no such error is an invariant violation — filesystem corruption,
// per spec.md's syscall table — and panics via fatalError(ErrShortWrite)
// rather than being reported as an ordinary error.
func (l *InodeLayer) Writei(ctx context.Context, txh TxnHandle, ip *Inode, src []byte, off uint32) (int, error) {
	if off > ip.Size {
		return 0, ErrInvalidArgument
	}
	if uint64(off)+uint64(len(src)) > uint64(MAXFILE)*BSIZE {
		return 0, ErrTooLarge
	}
	n := 0
	var loopErr error
	for n < len(src) {
		bn := (off + uint32(n)) / BSIZE
		bAddr, err := l.bmap(ctx, txh, ip, bn)
		if err != nil {
			loopErr = err
			break
		}
		buf, err := l.fs.bcache.Read(ctx, ip.Dev, bAddr)
		if err != nil {
			loopErr = err
			break
		}
		boff := (off + uint32(n)) % BSIZE
		m := copy(buf.Data()[boff:], src[n:])
		l.fs.bcache.Write(txh, buf)
		l.fs.bcache.Release(buf)
		n += m
	}
	if uint32(n) > 0 && off+uint32(n) > ip.Size {
		ip.Size = off + uint32(n)
	}
	l.iupdate(ctx, txh, ip)
	if n != len(src) {
		if loopErr != nil {
			return n, loopErr
		}
		fatalError(ErrShortWrite)
	}
	return n, nil
}
