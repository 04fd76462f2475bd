package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestKeyedLockAcquireRelease(t *testing.T) {
	l := newKeyedLock()
	if err := l.Acquire(context.Background(), "k"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	// independent keys do not contend
	if err := l.Acquire(context.Background(), "other"); err != nil {
		t.Fatalf("acquire other: %v", err)
	}
	l.Release("k")
	if err := l.Acquire(context.Background(), "k"); err != nil {
		t.Fatalf("reacquire: %v", err)
	}
	l.Release("k")
	l.Release("other")
}

func TestKeyedLockTimeout(t *testing.T) {
	l := newKeyedLock()
	if err := l.Acquire(context.Background(), "k"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	if err := l.Acquire(ctx, "k"); !errors.Is(err, ErrLockTimeout) {
		t.Fatalf("want ErrLockTimeout, got %v", err)
	}
}

func TestKeyedLockHandoff(t *testing.T) {
	l := newKeyedLock()
	if err := l.Acquire(context.Background(), "k"); err != nil {
		t.Fatalf("acquire: %v", err)
	}
	got := make(chan error, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		got <- l.Acquire(ctx, "k")
	}()
	time.Sleep(20 * time.Millisecond)
	l.Release("k")
	select {
	case err := <-got:
		if err != nil {
			t.Fatalf("waiter should win the lock, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter never acquired the lock")
	}
}
