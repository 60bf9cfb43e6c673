package xv6fs

import (
	"context"
	"testing"
	"time"
)

func TestSleepLockExclusion(t *testing.T) {
	l := newSleepLock()
	l.Lock()
	if l.TryLock() {
		t.Fatalf("TryLock succeeded while already held")
	}
	l.Unlock()
	if !l.TryLock() {
		t.Fatalf("TryLock failed on a free lock")
	}
	l.Unlock()
}

func TestSleepLockUnlockWithoutHoldingPanics(t *testing.T) {
	l := newSleepLock()
	l.Lock()
	l.Unlock()

	defer func() {
		if recover() == nil {
			t.Errorf("double Unlock did not panic")
		}
	}()
	l.Unlock()
}

func TestSleepLockContextCancellation(t *testing.T) {
	l := newSleepLock()
	l.Lock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := l.LockContext(ctx); err != context.DeadlineExceeded {
		t.Errorf("LockContext on contended lock = %v, want context.DeadlineExceeded", err)
	}
}

func TestSleepLockContextSucceedsWhenFree(t *testing.T) {
	l := newSleepLock()
	ctx := context.Background()
	if err := l.LockContext(ctx); err != nil {
		t.Fatalf("LockContext on free lock: %v", err)
	}
	l.Unlock()
}
