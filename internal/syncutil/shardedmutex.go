// Package syncutil holds small concurrency helpers shared by the stores.
package syncutil

import (
	"hash/fnv"
	"sync"
)

const shardCount = 256

// ShardedMutex is a bounded pool of mutexes keyed by string. Keys that hash
// to the same shard contend with each other, but memory stays constant no
// matter how many distinct keys pass through.
type ShardedMutex struct {
	shards [shardCount]sync.Mutex
}

// Lock locks the shard for key and returns the matching unlock.
func (s *ShardedMutex) Lock(key string) func() {
	mu := &s.shards[shardFor(key)]
	mu.Lock()
	return mu.Unlock
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
