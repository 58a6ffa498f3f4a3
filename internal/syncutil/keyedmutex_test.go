package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestKeyedMutex_LockUnlockRelock(t *testing.T) {
	var m KeyedMutex

	release, err := m.Lock(context.Background(), "ip:1.2.3.4")
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	release()

	release, err = m.Lock(context.Background(), "ip:1.2.3.4")
	if err != nil {
		t.Fatalf("relock after release failed: %v", err)
	}
	release()
}

func TestKeyedMutex_CancelledWhileWaiting(t *testing.T) {
	var m KeyedMutex

	release, err := m.Lock(context.Background(), "ip:1.2.3.4")
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	defer release()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := m.Lock(ctx, "ip:1.2.3.4"); err != context.DeadlineExceeded {
		t.Fatalf("expected DeadlineExceeded waiting on held key, got %v", err)
	}
}

func TestKeyedMutex_SerializesSameKey(t *testing.T) {
	var m KeyedMutex

	const goroutines = 50
	counter := 0

	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func() {
			defer wg.Done()
			release, err := m.Lock(context.Background(), "same-key")
			if err != nil {
				t.Error(err)
				return
			}
			counter++
			release()
		}()
	}
	wg.Wait()

	if counter != goroutines {
		t.Fatalf("expected %d increments, got %d", goroutines, counter)
	}
}

func TestKeyedMutex_DistinctKeysOftenIndependent(t *testing.T) {
	var m KeyedMutex

	release, err := m.Lock(context.Background(), "key-a")
	if err != nil {
		t.Fatalf("lock failed: %v", err)
	}
	defer release()

	// With 128 slots at least one of a handful of other keys will land in
	// a different slot and must acquire without waiting.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	acquired := false
	for _, key := range []string{"key-b", "key-c", "key-d", "key-e", "key-f"} {
		if r, err := m.Lock(ctx, key); err == nil {
			r()
			acquired = true
			break
		}
	}
	if !acquired {
		t.Fatal("no independent key could be locked while key-a was held")
	}
}
