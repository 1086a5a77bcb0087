package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

func shardIndex(key string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(key))
	return h.Sum32() % numShards
}

// MarkCache holds the latest mark price per symbol, sharded to keep tick
// ingestion off a single lock.
type MarkCache struct {
	shards [numShards]*markShard
}

type markShard struct {
	mu    sync.RWMutex
	items map[string]Mark
}

// Mark is a price observation.
type Mark struct {
	Price float64   `json:"price"`
	At    time.Time `json:"at"`
}

func NewMarkCache() *MarkCache {
	c := &MarkCache{}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &markShard{items: make(map[string]Mark)}
	}
	return c
}

func (c *MarkCache) shard(symbol string) *markShard {
	return c.shards[shardIndex(symbol)]
}

// Set stores price for symbol unless a newer observation is already cached.
func (c *MarkCache) Set(symbol string, price float64, at time.Time) bool {
	s := c.shard(symbol)
	s.mu.Lock()
	defer s.mu.Unlock()
	if cur, ok := s.items[symbol]; ok && cur.At.After(at) {
		return false
	}
	s.items[symbol] = Mark{Price: price, At: at}
	return true
}

func (c *MarkCache) Get(symbol string) (Mark, bool) {
	s := c.shard(symbol)
	s.mu.RLock()
	m, ok := s.items[symbol]
	s.mu.RUnlock()
	return m, ok
}

// Age reports how old the cached mark is relative to now.
func (c *MarkCache) Age(symbol string, now time.Time) (time.Duration, bool) {
	m, ok := c.Get(symbol)
	if !ok {
		return 0, false
	}
	return now.Sub(m.At), true
}

// All returns a copy of every cached mark.
func (c *MarkCache) All() map[string]Mark {
	out := make(map[string]Mark)
	for _, s := range c.shards {
		s.mu.RLock()
		for sym, m := range s.items {
			out[sym] = m
		}
		s.mu.RUnlock()
	}
	return out
}

// Prune drops marks observed before cutoff.
func (c *MarkCache) Prune(cutoff time.Time) int {
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for sym, m := range s.items {
			if m.At.Before(cutoff) {
				delete(s.items, sym)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}
