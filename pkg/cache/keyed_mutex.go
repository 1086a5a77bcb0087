package cache

import "sync"

// KeyedMutex serializes work per key. Keys that hash to different stripes
// never contend; the stripe count bounds memory regardless of key churn.
type KeyedMutex struct {
	stripes []sync.Mutex
}

// NewKeyedMutex returns a striped lock set. stripes <= 0 defaults to 64.
func NewKeyedMutex(stripes int) *KeyedMutex {
	if stripes <= 0 {
		stripes = 64
	}
	return &KeyedMutex{stripes: make([]sync.Mutex, stripes)}
}

func (k *KeyedMutex) stripe(key string) *sync.Mutex {
	h := uint32(2166136261)
	for i := 0; i < len(key); i++ {
		h ^= uint32(key[i])
		h *= 16777619
	}
	return &k.stripes[h%uint32(len(k.stripes))]
}

// Lock acquires the stripe for key and returns its unlock function.
func (k *KeyedMutex) Lock(key string) func() {
	m := k.stripe(key)
	m.Lock()
	return m.Unlock
}

// With runs fn while holding the lock for key.
func (k *KeyedMutex) With(key string, fn func()) {
	unlock := k.Lock(key)
	defer unlock()
	fn()
}
