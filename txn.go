package xv6fs

import (
	"context"
	"sync"
)

// TxnContext is the external collaborator standing in for the write-ahead
// log. Every mutating syscall in this package opens one transaction and
// logs every buffer it dirties through it before releasing the buffer,
// so an implementation backed by a real log can make the sequence of
// writes atomic with respect to a crash. Nesting is reference-counted:
// the outermost End commits (or, for NopTxn, does nothing at all).
type TxnContext interface {
	Begin() TxnHandle
}

// TxnHandle is the handle returned by Begin for one (possibly nested)
// transaction scope.
type TxnHandle interface {
	LogWrite(b *Buf)
	End()
}

// NopTxn is the single-writer, no-crash-atomicity TxnContext this package
// ships for correctness testing, per spec: "Implementers may supply a
// no-op version for single-writer correctness testing; crash-atomicity is
// a non-goal." LogWrite simply writes the buffer through to the device
// immediately, matching bwrite's behavior when there is no log beneath it.
type NopTxn struct {
	mu    sync.Mutex
	depth int
}

// NewNopTxn returns a TxnContext with no crash-atomicity guarantees.
func NewNopTxn() *NopTxn {
	return &NopTxn{}
}

func (t *NopTxn) Begin() TxnHandle {
	t.mu.Lock()
	t.depth++
	t.mu.Unlock()
	return &nopTxnHandle{t: t}
}

type nopTxnHandle struct {
	t *NopTxn
}

// LogWrite has no log to append to, so it writes b straight through to
// the device instead of deferring to a commit: single-writer correctness
// without crash atomicity, exactly as spec.md's §1 says a no-op
// TxnContext may do.
func (h *nopTxnHandle) LogWrite(b *Buf) {
	s := &b.c.slots[b.idx]
	if err := b.c.dev.WriteSector(context.Background(), uint64(b.Blockno), s.data[:]); err != nil {
		fatalError(err)
	}
	s.dirty = false
}

func (h *nopTxnHandle) End() {
	h.t.mu.Lock()
	h.t.depth--
	h.t.mu.Unlock()
}
