package xv6fs

import (
	"bytes"
	"context"
	"sync"
)

// Device is the interface a DEV inode dispatches read/write onto,
// indexed by major number the way devsw[] dispatches by device ID in
// file.c. There is no minor-number routing: this package's one shipped
// device (ConsoleDevice) ignores Minor entirely, exactly as the console
// driver it is modeled on does.
type Device interface {
	Read(ctx context.Context, dst []byte) (int, error)
	Write(ctx context.Context, src []byte) (int, error)
}

// lookupDevice finds the Device registered under major, the translation
// of indexing devsw[major]. Returns ErrNoDevDriver if nothing is
// registered there, matching the original's "no such device" panic
// turned into a recoverable error since a missing driver is a
// configuration problem, not a corrupted disk.
func (fs *FS) lookupDevice(major int16) (Device, error) {
	fs.devMu.Lock()
	defer fs.devMu.Unlock()
	d, ok := fs.devices[major]
	if !ok {
		return nil, ErrNoDevDriver
	}
	return d, nil
}

// RegisterDevice installs dev under major, the translation of populating
// devsw[major]. Intended to be called once at mount time before any
// Mknod/Open referencing that major number.
func (fs *FS) RegisterDevice(major int16, dev Device) {
	fs.devMu.Lock()
	fs.devices[major] = dev
	fs.devMu.Unlock()
}

// ConsoleDevice is a minimal in-memory stand-in for the original's
// console driver: Write appends to an internal log, Read drains it. It
// exists so Mknod+Open+Write on a DEV inode has something real to talk
// to without requiring an actual terminal.
type ConsoleDevice struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

// NewConsoleDevice returns an empty ConsoleDevice.
func NewConsoleDevice() *ConsoleDevice {
	return &ConsoleDevice{}
}

func (c *ConsoleDevice) Write(ctx context.Context, src []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Write(src)
}

func (c *ConsoleDevice) Read(ctx context.Context, dst []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf.Read(dst)
}

// ConsoleMajor is the major device number this package registers
// NewConsoleDevice under by default in Mount.
const ConsoleMajor = 1
