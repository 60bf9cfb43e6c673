package xv6fs

import "context"

// Format lays out a fresh file system image on dev: boot block, super
// block, a reserved log region (owned by whatever TxnContext the caller
// mounts later), an inode table, a free-block bitmap, and a root
// directory inode with "." and ".." dirents. Translation of mkfs.c's
// single-pass image builder, run here against a live BlockDevice instead
// of a host file so the same code path backs both cmd/mkfs and
// in-process test fixtures.
func Format(ctx context.Context, dev BlockDevice, opts FormatOptions) (*SuperBlock, error) {
	size := opts.Size
	if size == 0 {
		size = uint32(dev.NumSectors())
	}
	ninodes := opts.NInodes
	if ninodes == 0 {
		ninodes = 200
	}
	nlog := opts.NLog
	if nlog == 0 {
		nlog = 30
	}

	ninodeblocks := (ninodes/IPB + 1)
	nmeta := 2 + nlog + ninodeblocks
	// one bitmap bit per block in the image, including the meta blocks
	// that precede the bitmap itself; nbitmap is sized once from the
	// whole image size.
	nbitmap := size/BPB + 1
	nmeta += nbitmap
	if nmeta >= size {
		return nil, ErrInvalidArgument
	}
	nblocks := size - nmeta

	sb := &SuperBlock{
		Size:       size,
		NBlocks:    nblocks,
		NInodes:    ninodes,
		NLog:       nlog,
		LogStart:   2,
		InodeStart: 2 + nlog,
		BmapStart:  2 + nlog + ninodeblocks,
	}

	zero := make([]byte, BSIZE)
	for s := uint32(0); s < size; s++ {
		if err := dev.WriteSector(ctx, uint64(s), zero); err != nil {
			return nil, err
		}
	}

	sbBytes, err := sb.MarshalBinary()
	if err != nil {
		return nil, err
	}
	if err := dev.WriteSector(ctx, 1, sbBytes); err != nil {
		return nil, err
	}

	txn := NewNopTxn()
	fs, err := Mount(ctx, dev, txn)
	if err != nil {
		return nil, err
	}

	txh := txn.Begin()
	for b := uint32(0); b < nmeta; b++ {
		bn := sb.BBlock(b)
		buf, err := fs.bcache.Read(ctx, 0, bn)
		if err != nil {
			txh.End()
			return nil, err
		}
		bi := b % BPB
		buf.Data()[bi/8] |= 1 << (bi % 8)
		fs.bcache.Write(txh, buf)
		fs.bcache.Release(buf)
	}

	root, err := fs.inodes.Ialloc(ctx, txh, 0, TypeDir)
	if err != nil {
		txh.End()
		return nil, err
	}
	if root.Inum != RootIno {
		fatalError(ErrBadSuper)
	}
	if err := fs.inodes.Ilock(ctx, root); err != nil {
		txh.End()
		return nil, err
	}
	if err := fs.Dirlink(ctx, txh, root, ".", root.Inum); err != nil {
		fatalError(err)
	}
	if err := fs.Dirlink(ctx, txh, root, "..", root.Inum); err != nil {
		fatalError(err)
	}
	root.Nlink = 1
	fs.inodes.Iupdate(ctx, txh, root)
	fs.inodes.Iunlock(root)
	fs.iput(ctx, root)
	txh.End()

	return sb, nil
}
