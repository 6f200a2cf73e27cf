package license

import (
	"hash/fnv"
	"sync"
)

// keyLocks serialises operations on the same license key. Keys hash onto a
// fixed set of mutexes, so unrelated keys rarely contend and memory stays
// bounded no matter how many licenses exist.
type keyLocks struct {
	stripes []sync.Mutex
}

func newKeyLocks(n int) *keyLocks {
	if n <= 0 {
		n = 1
	}
	return &keyLocks{stripes: make([]sync.Mutex, n)}
}

// lock acquires the stripe for key and returns its unlock function
func (k *keyLocks) lock(key string) func() {
	mu := &k.stripes[k.stripeOf(key)]
	mu.Lock()
	return mu.Unlock
}

func (k *keyLocks) stripeOf(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % uint32(len(k.stripes))
}
