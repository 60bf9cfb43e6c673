package xv6fs

import "context"

// Balloc allocates a zeroed disk block on dev, the Go translation of
// fs.c's balloc(): a linear scan of the free bitmap, flipping the first
// zero bit it finds. Fails fatally (ErrDiskFull) if every bit is set.
func (fs *FS) Balloc(ctx context.Context, txh TxnHandle) (uint32, error) {
	sb := fs.sb
	for b := uint32(0); b < sb.Size; b += BPB {
		bn := sb.BBlock(b)
		buf, err := fs.bcache.Read(ctx, 0, bn)
		if err != nil {
			return 0, err
		}
		data := buf.Data()
		found := false
		var bi uint32
		for bi = 0; bi < BPB && b+bi < sb.Size; bi++ {
			byteIdx := bi / 8
			mask := byte(1 << (bi % 8))
			if data[byteIdx]&mask == 0 {
				data[byteIdx] |= mask
				found = true
				break
			}
		}
		if !found {
			fs.bcache.Release(buf)
			continue
		}
		fs.bcache.Write(txh, buf)
		fs.bcache.Release(buf)
		blockno := b + bi
		if err := fs.bzero(ctx, txh, blockno); err != nil {
			return 0, err
		}
		return blockno, nil
	}
	fatalError(ErrDiskFull)
	panic("unreachable")
}

// Bfree clears the bitmap bit for block b, the translation of bfree().
// Freeing an already-free block is a broken invariant, not a recoverable
// error, so it panics with ErrDoubleFree exactly as the original's
// "freeing free block" panic does.
func (fs *FS) Bfree(ctx context.Context, txh TxnHandle, b uint32) error {
	sb := fs.sb
	bn := sb.BBlock(b)
	buf, err := fs.bcache.Read(ctx, 0, bn)
	if err != nil {
		return err
	}
	defer fs.bcache.Release(buf)

	data := buf.Data()
	bi := b % BPB
	byteIdx := bi / 8
	mask := byte(1 << (bi % 8))
	if data[byteIdx]&mask == 0 {
		fatalError(ErrDoubleFree)
	}
	data[byteIdx] &^= mask
	fs.bcache.Write(txh, buf)
	return nil
}

// bzero zeroes block bn so sparse reads of a newly allocated block come
// back as zero, per §4.3's "newly allocated blocks are zeroed" note.
func (fs *FS) bzero(ctx context.Context, txh TxnHandle, bn uint32) error {
	buf, err := fs.bcache.Read(ctx, 0, bn)
	if err != nil {
		return err
	}
	defer fs.bcache.Release(buf)
	data := buf.Data()
	for i := range data {
		data[i] = 0
	}
	fs.bcache.Write(txh, buf)
	return nil
}
