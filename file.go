package xv6fs

import (
	"context"
	"sync"
)

// FileKind tags what an OpenFile actually is, the Go translation of
// file.h's enum { FD_NONE, FD_PIPE, FD_INODE, FD_DEVICE }.
type FileKind int

const (
	FDNone FileKind = iota
	FDPipe
	FDInode
	FDDevice
)

// OpenFile is one entry of the system-wide open file table, tagged by
// Kind the way file.h's struct file is: readable/writable flags plus
// exactly one of Pipe, Ip+Off, or Major depending on Kind.
type OpenFile struct {
	mu       sync.Mutex
	Kind     FileKind
	Readable bool
	Writable bool
	refcnt   int

	Pipe *Pipe

	Ip  *Inode
	Off uint32

	Major int16
}

// fileTable is the fixed NFILE-slot table every *FS owns, the in-memory
// analogue of file.c's static struct file ftable.file[NFILE].
type fileTable struct {
	mu    sync.Mutex
	slots [NFILE]OpenFile
}

// FileAlloc reserves a free slot with refcnt 1, the translation of
// filealloc(). Returns ErrFileTableFull if every slot is in use.
func (t *fileTable) FileAlloc() (*OpenFile, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.slots {
		f := &t.slots[i]
		if f.refcnt == 0 {
			f.refcnt = 1
			f.Kind = FDNone
			f.Readable = false
			f.Writable = false
			f.Pipe = nil
			f.Ip = nil
			f.Off = 0
			f.Major = 0
			return f, nil
		}
	}
	return nil, ErrFileTableFull
}

// FileDup bumps f's refcnt, the translation of filedup().
func (t *fileTable) FileDup(f *OpenFile) *OpenFile {
	t.mu.Lock()
	f.refcnt++
	t.mu.Unlock()
	return f
}

// FileClose drops f's refcnt, releasing its backing resource (inode or
// pipe end) once it reaches zero, the translation of fileclose().
func (fs *FS) FileClose(ctx context.Context, f *OpenFile) {
	fs.files.mu.Lock()
	f.refcnt--
	if f.refcnt > 0 {
		fs.files.mu.Unlock()
		return
	}
	kind, pipe, ip, writable := f.Kind, f.Pipe, f.Ip, f.Writable
	f.Kind = FDNone
	fs.files.mu.Unlock()

	switch kind {
	case FDPipe:
		if writable {
			pipe.CloseWrite()
		} else {
			pipe.CloseRead()
		}
	case FDInode, FDDevice:
		fs.iput(ctx, ip)
	}
}

// FileRead reads up to len(dst) bytes from f, dispatching on Kind the
// way fileread() does; for FDInode it also advances f.Off.
func (fs *FS) FileRead(ctx context.Context, f *OpenFile, dst []byte) (int, error) {
	if !f.Readable {
		return 0, ErrNotReadable
	}
	switch f.Kind {
	case FDPipe:
		return f.Pipe.Read(ctx, dst)
	case FDDevice:
		dev, err := fs.lookupDevice(f.Major)
		if err != nil {
			return 0, err
		}
		return dev.Read(ctx, dst)
	case FDInode:
		if err := fs.inodes.Ilock(ctx, f.Ip); err != nil {
			return 0, err
		}
		n, err := fs.inodes.Readi(ctx, f.Ip, dst, f.Off)
		f.Off += uint32(n)
		fs.inodes.Iunlock(f.Ip)
		return n, err
	default:
		fatalError(ErrBadDispatch)
		panic("unreachable")
	}
}

// filewriteChunk bounds how many bytes one transaction may cover so a
// single write() never dirties more blocks than MAXOPBLOCKS allows, the
// translation of filewrite()'s chunking around a transaction's capacity.
const filewriteChunk = ((MAXOPBLOCKS - 3) / 2) * BSIZE

// FileWrite writes src to f, dispatching on Kind the way filewrite()
// does. FDInode writes are split into filewriteChunk-sized transactions;
// if one chunk's underlying Writei returns an error (context
// cancellation, a failing BlockDevice), the already-committed chunks
// remain applied and the byte count returned reflects exactly how much
// landed, with no retry of the failed remainder. A chunk that comes up
// short with no such error is filesystem corruption and panics out of
// Writei instead of returning here at all.
func (fs *FS) FileWrite(ctx context.Context, f *OpenFile, src []byte) (int, error) {
	if !f.Writable {
		return 0, ErrNotWritable
	}
	switch f.Kind {
	case FDPipe:
		return f.Pipe.Write(ctx, src)
	case FDDevice:
		dev, err := fs.lookupDevice(f.Major)
		if err != nil {
			return 0, err
		}
		return dev.Write(ctx, src)
	case FDInode:
		total := 0
		for total < len(src) {
			chunk := src[total:]
			if len(chunk) > filewriteChunk {
				chunk = chunk[:filewriteChunk]
			}
			if err := fs.inodes.Ilock(ctx, f.Ip); err != nil {
				return total, err
			}
			txh := fs.txn.Begin()
			n, err := fs.inodes.Writei(ctx, txh, f.Ip, chunk, f.Off)
			txh.End()
			f.Off += uint32(n)
			total += n
			fs.inodes.Iunlock(f.Ip)
			if err != nil {
				return total, err
			}
		}
		return total, nil
	default:
		fatalError(ErrBadDispatch)
		panic("unreachable")
	}
}

// FileStat fills st from f's backing inode, the translation of
// filestat(); ErrInvalidArgument for pipes, which have no inode.
func (fs *FS) FileStat(ctx context.Context, f *OpenFile, st *Stat) error {
	switch f.Kind {
	case FDInode, FDDevice:
		if err := fs.inodes.Ilock(ctx, f.Ip); err != nil {
			return err
		}
		fs.fillStat(f.Ip, st)
		fs.inodes.Iunlock(f.Ip)
		return nil
	default:
		return ErrInvalidArgument
	}
}
