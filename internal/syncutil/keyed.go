// Package syncutil provides per-key locking for wallet-scoped mutations.
package syncutil

import (
	"context"
	"hash/fnv"
)

// DefaultShards is the shard count used by NewKeyedLocker(0).
const DefaultShards = 256

// KeyedLocker serializes work per key over a bounded pool of channel
// mutexes. Distinct keys may share a shard; the same key always does.
// Waiters give up when their context ends.
type KeyedLocker struct {
	shards []chan struct{}
}

// NewKeyedLocker creates a locker with n shards (DefaultShards if n <= 0).
func NewKeyedLocker(n int) *KeyedLocker {
	if n <= 0 {
		n = DefaultShards
	}
	k := &KeyedLocker{shards: make([]chan struct{}, n)}
	for i := range k.shards {
		k.shards[i] = make(chan struct{}, 1)
		k.shards[i] <- struct{}{}
	}
	return k
}

// Lock blocks until key is held or ctx is done. The returned func releases
// the lock and must be called exactly once.
func (k *KeyedLocker) Lock(ctx context.Context, key string) (func(), error) {
	shard := k.shards[k.index(key)]
	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (k *KeyedLocker) index(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(k.shards))
}
