// Package syncutil provides keyed locking primitives used to serialize
// per-account operations without cross-account contention.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const shardCount = 256

// ShardedMutex maps string keys onto a fixed pool of mutexes. Memory stays
// bounded no matter how many accounts are seen; the tradeoff is occasional
// false sharing when two keys land on the same shard. The zero value is
// ready to use.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock acquires the mutex for key and returns its unlock function.
func (s *ShardedMutex) Lock(key string) func() {
	mu := s.shard(key)
	mu.Lock()
	return mu.Unlock
}

func (s *ShardedMutex) shard(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &s.shards[h.Sum32()%shardCount]
}
