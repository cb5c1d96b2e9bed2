package syncutil

import "context"

// ContextShardedMutex is the context-aware variant of ShardedMutex. Waiters
// abandon the acquisition when their context is cancelled, so a slow store
// behind the lock cannot pin request goroutines indefinitely.
type ContextShardedMutex struct {
	shards [shardCount]chan struct{}
}

// NewContextShardedMutex creates the mutex pool.
func NewContextShardedMutex() *ContextShardedMutex {
	m := &ContextShardedMutex{}
	for i := range m.shards {
		m.shards[i] = make(chan struct{}, 1)
	}
	return m
}

// Lock acquires the shard for key. It returns the unlock function, or the
// context error if ctx is cancelled while waiting. The caller must invoke
// the unlock exactly once.
func (m *ContextShardedMutex) Lock(ctx context.Context, key string) (func(), error) {
	ch := m.shards[shardFor(key)]
	select {
	case ch <- struct{}{}:
		return func() { <-ch }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
