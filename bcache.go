package xv6fs

import (
	"context"

	"github.com/jacobsa/syncutil"
)

// Buf is a locked, pinned reference to one cached disk block, the
// in-memory counterpart of the original's struct buf. Callers that hold a
// *Buf are guaranteed exclusive access to Data until they call Release.
type Buf struct {
	Dev     uint32
	Blockno uint32

	c   *BufferCache
	idx int
}

// Data returns the block's BSIZE-byte backing array. Valid only while the
// Buf is held (between Get/Read and Release).
func (b *Buf) Data() *[BSIZE]byte {
	return &b.c.slots[b.idx].data
}

// bufSlot is one entry of the fixed NBUF-sized pool, addressed by index so
// the LRU list and "which buffer is this" bookkeeping are plain integers
// rather than owning pointers, per DESIGN NOTES' arena-plus-index pattern.
type bufSlot struct {
	dev     uint32
	blockno uint32
	valid   bool
	dirty   bool
	refcnt  int
	data    [BSIZE]byte
	lock    sleepLock

	prev, next int // intrusive doubly-linked LRU list; sentinel index = NBUF
}

const bcacheHead = NBUF

// BufferCache is the fixed NBUF-buffer pool of §4.1: one mutex guards the
// list, refcnt and identity fields; the per-slot sleepLock may be held
// across device I/O. head.next is most recently used, mirroring bio.c.
type BufferCache struct {
	dev BlockDevice
	txn TxnContext

	mu    syncutil.InvariantMutex
	slots [NBUF + 1]bufSlot // slots[NBUF] is the list sentinel, never a real buffer
}

// NewBufferCache wires a BufferCache to its device and transaction
// context, the explicit init(device) entry point DESIGN NOTES calls for.
func NewBufferCache(dev BlockDevice, txn TxnContext) *BufferCache {
	c := &BufferCache{dev: dev, txn: txn}
	for i := range c.slots {
		c.slots[i].lock = newSleepLock()
	}
	c.slots[bcacheHead].next = bcacheHead
	c.slots[bcacheHead].prev = bcacheHead
	for i := 0; i < NBUF; i++ {
		c.insertAfterHead(i)
	}
	c.mu = syncutil.NewInvariantMutex(c.checkInvariants)
	return c
}

// checkInvariants enforces spec §8 invariants 1-2 on every Lock/Unlock of
// c.mu, the same NewInvariantMutex(fs.checkInvariants) pattern jacobsa's
// sample file systems use to keep in-memory inode tables honest.
func (c *BufferCache) checkInvariants() {
	seen := make(map[[2]uint32]bool)
	for i := 0; i < NBUF; i++ {
		s := &c.slots[i]
		if s.dirty && s.refcnt == 0 {
			fatalError(ErrBadLock)
		}
		if s.refcnt == 0 {
			continue
		}
		key := [2]uint32{s.dev, s.blockno}
		if seen[key] {
			fatalError(ErrBadLock)
		}
		seen[key] = true
	}
}

// unlink removes slot i from wherever it sits in the LRU list.
func (c *BufferCache) unlink(i int) {
	s := &c.slots[i]
	c.slots[s.prev].next = s.next
	c.slots[s.next].prev = s.prev
}

// insertAfterHead splices a not-yet-linked slot i in right after the
// sentinel head. Used only to seed the list at construction time.
func (c *BufferCache) insertAfterHead(i int) {
	h := &c.slots[bcacheHead]
	s := &c.slots[i]
	s.next = h.next
	s.prev = bcacheHead
	c.slots[h.next].prev = i
	h.next = i
}

// moveToHead splices slot i, already linked somewhere in the list, in
// right after the sentinel head, marking it most-recently-used.
func (c *BufferCache) moveToHead(i int) {
	c.unlink(i)
	c.insertAfterHead(i)
}

// Get returns a buffer for (dev, blockno), pinned and locked for the
// caller, per §4.1. If no cached entry matches, the least-recently-used
// unpinned, clean buffer is recycled; Get panics with ErrNoBuffers if
// every buffer is pinned or dirty.
func (c *BufferCache) Get(ctx context.Context, dev, blockno uint32) (*Buf, error) {
	c.mu.Lock()

	for i := 0; i < NBUF; i++ {
		s := &c.slots[i]
		if s.dev == dev && s.blockno == blockno {
			s.refcnt++
			c.mu.Unlock()
			if err := s.lock.LockContext(ctx); err != nil {
				c.mu.Lock()
				s.refcnt--
				c.mu.Unlock()
				return nil, err
			}
			return &Buf{Dev: dev, Blockno: blockno, c: c, idx: i}, nil
		}
	}

	// Scan from the tail (least recently used) for a victim.
	for i := c.slots[bcacheHead].prev; i != bcacheHead; i = c.slots[i].prev {
		s := &c.slots[i]
		if s.refcnt == 0 && !s.dirty {
			s.dev = dev
			s.blockno = blockno
			s.valid = false
			s.dirty = false
			s.refcnt = 1
			c.mu.Unlock()
			if err := s.lock.LockContext(ctx); err != nil {
				c.mu.Lock()
				s.refcnt--
				c.mu.Unlock()
				return nil, err
			}
			return &Buf{Dev: dev, Blockno: blockno, c: c, idx: i}, nil
		}
	}

	c.mu.Unlock()
	fatalError(ErrNoBuffers)
	panic("unreachable")
}

// Read returns a locked buffer for (dev, blockno), synchronously fetching
// it from the device the first time it is cached.
func (c *BufferCache) Read(ctx context.Context, dev, blockno uint32) (*Buf, error) {
	b, err := c.Get(ctx, dev, blockno)
	if err != nil {
		return nil, err
	}
	s := &c.slots[b.idx]
	if !s.valid {
		if err := c.dev.ReadSector(ctx, uint64(blockno), s.data[:]); err != nil {
			c.Release(b)
			return nil, err
		}
		s.valid = true
	}
	return b, nil
}

// Write marks b dirty and hands it to the active transaction via
// LogWrite, requiring the caller still hold b locked. What happens to the
// bytes next is the TxnContext's business: a journaling implementation
// would pin the buffer and defer the physical write to commit time; the
// shipped NopTxn writes straight through to the device, per §4.1.
func (c *BufferCache) Write(txh TxnHandle, b *Buf) {
	c.slots[b.idx].dirty = true
	txh.LogWrite(b)
}

// Release unlocks b and drops the caller's pin; when refcnt reaches zero
// the slot becomes eligible for LRU recycling and moves to the head of
// the list (most-recently-used, so it is the last clean buffer evicted).
func (c *BufferCache) Release(b *Buf) {
	s := &c.slots[b.idx]
	s.lock.Unlock()

	c.mu.Lock()
	s.refcnt--
	if s.refcnt == 0 {
		c.moveToHead(b.idx)
	}
	c.mu.Unlock()
}

// residentCount reports how many distinct (dev,blockno) identities are
// currently pinned; used by cache-residency tests (§8 scenario 6).
func (c *BufferCache) residentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for i := 0; i < NBUF; i++ {
		if c.slots[i].refcnt > 0 {
			n++
		}
	}
	return n
}
