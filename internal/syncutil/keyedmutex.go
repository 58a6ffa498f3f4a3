// Package syncutil provides keyed mutual exclusion.
package syncutil

import (
	"context"
	"hash/maphash"
	"sync"
)

const keyedShards = 128

// KeyedMutex serializes work per string key over a fixed pool of
// channel-backed locks. Memory stays bounded no matter how many distinct
// keys are seen; keys hashing to the same slot contend with each other.
// Waiting honors context cancellation.
type KeyedMutex struct {
	seed  maphash.Seed
	slots [keyedShards]chan struct{}
	once  sync.Once
}

func (m *KeyedMutex) init() {
	m.once.Do(func() {
		m.seed = maphash.MakeSeed()
		for i := range m.slots {
			m.slots[i] = make(chan struct{}, 1)
		}
	})
}

// Lock acquires the lock for key, blocking until it is free or ctx is
// done. On success the returned release function must be called exactly
// once.
func (m *KeyedMutex) Lock(ctx context.Context, key string) (func(), error) {
	m.init()
	slot := m.slots[maphash.String(m.seed, key)%keyedShards]

	select {
	case slot <- struct{}{}:
		return func() { <-slot }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
