package xv6fs

import "context"

// sleepLock is an exclusive lock that may be held across a blocking
// BlockDevice call, the Go analogue of the original's sleeplock: a
// contended acquirer yields the goroutine (parks on a channel) instead of
// spinning, and the identity of the thing it protects stays stable across
// the wait because the caller pins it first (refcnt > 0) per §4.1/§4.3.
type sleepLock chan struct{}

func newSleepLock() sleepLock {
	c := make(sleepLock, 1)
	c <- struct{}{}
	return c
}

func (l sleepLock) Lock() {
	<-l
}

// LockContext acquires the lock or returns ctx.Err() if ctx is done first.
func (l sleepLock) LockContext(ctx context.Context) error {
	select {
	case <-l:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l sleepLock) Unlock() {
	select {
	case l <- struct{}{}:
	default:
		fatalError(ErrBadLock)
	}
}

// TryLock reports whether the lock was free and is now held.
func (l sleepLock) TryLock() bool {
	select {
	case <-l:
		return true
	default:
		return false
	}
}
