package xv6fs

import (
	"context"
	"io"
	"sync"
)

// SectorSize is the fixed sector size of every BlockDevice, matching the
// PIO IDE driver this package treats as an external collaborator.
const SectorSize = 512

// BlockDevice is the external collaborator standing in for the IDE driver.
// Implementations are synchronous and in-order per device; the buffer
// cache is the only caller that should ever touch one directly.
type BlockDevice interface {
	ReadSector(ctx context.Context, sector uint64, dst []byte) error
	WriteSector(ctx context.Context, sector uint64, src []byte) error
	// NumSectors reports the device's total capacity in sectors.
	NumSectors() uint64
}

// MemDevice is an in-memory BlockDevice, the Go equivalent of the mock
// reader the teacher uses in its own tests (mock_test.go) to exercise the
// superblock/inode parsing paths without a real disk image.
type MemDevice struct {
	mu   sync.Mutex
	data []byte
}

// NewMemDevice allocates an in-memory device of the given sector count.
func NewMemDevice(sectors uint64) *MemDevice {
	return &MemDevice{data: make([]byte, sectors*SectorSize)}
}

func (d *MemDevice) ReadSector(ctx context.Context, sector uint64, dst []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	off := sector * SectorSize
	if off+SectorSize > uint64(len(d.data)) {
		return io.ErrUnexpectedEOF
	}
	copy(dst, d.data[off:off+SectorSize])
	return nil
}

func (d *MemDevice) WriteSector(ctx context.Context, sector uint64, src []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	off := sector * SectorSize
	if off+SectorSize > uint64(len(d.data)) {
		return io.ErrUnexpectedEOF
	}
	copy(d.data[off:off+SectorSize], src)
	return nil
}

func (d *MemDevice) NumSectors() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return uint64(len(d.data)) / SectorSize
}

// FileDevice adapts any io.ReaderAt+io.WriterAt (typically an *os.File
// holding a disk image) into a BlockDevice, the way the teacher's
// Superblock takes an io.ReaderAt for a squashfs image.
type FileDevice struct {
	f       io.ReaderAt
	w       io.WriterAt
	sectors uint64
}

// NewFileDevice wraps ra (and wa, if the file is writable) as a BlockDevice
// with the given sector count.
func NewFileDevice(ra io.ReaderAt, wa io.WriterAt, sectors uint64) *FileDevice {
	return &FileDevice{f: ra, w: wa, sectors: sectors}
}

func (d *FileDevice) ReadSector(ctx context.Context, sector uint64, dst []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := d.f.ReadAt(dst, int64(sector*SectorSize))
	return err
}

func (d *FileDevice) WriteSector(ctx context.Context, sector uint64, src []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.w == nil {
		return ErrNotWritable
	}
	_, err := d.w.WriteAt(src, int64(sector*SectorSize))
	return err
}

func (d *FileDevice) NumSectors() uint64 {
	return d.sectors
}
