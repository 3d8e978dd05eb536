package deploy

import (
	"sync"
	"time"
)

const leaseSweepInterval = time.Minute

// LeaseStore serializes deployment work per (project, environment) key. A
// lease is held from row creation until the pipeline reaches a terminal
// state. The store is injectable so a clustered setup can swap in a shared
// keyed store.
type LeaseStore interface {
	Acquire(key string) bool
	Release(key string)
	Close()
}

type memoryLeaseStore struct {
	mu      sync.Mutex
	held    map[string]time.Time
	ttl     time.Duration
	stopCh  chan struct{}
	once    sync.Once
	nowFunc func() time.Time
}

// NewMemoryLeaseStore returns an in-process lease store. Leases older than
// ttl are evicted by a background sweep so a crashed pipeline cannot wedge
// its environment forever.
func NewMemoryLeaseStore(ttl time.Duration) LeaseStore {
	ls := &memoryLeaseStore{
		held:    make(map[string]time.Time),
		ttl:     ttl,
		stopCh:  make(chan struct{}),
		nowFunc: time.Now,
	}
	go ls.sweepLoop()
	return ls
}

func (ls *memoryLeaseStore) Acquire(key string) bool {
	now := ls.nowFunc()
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if acquired, ok := ls.held[key]; ok {
		if ls.ttl <= 0 || now.Sub(acquired) < ls.ttl {
			return false
		}
	}
	ls.held[key] = now
	return true
}

func (ls *memoryLeaseStore) Release(key string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	delete(ls.held, key)
}

func (ls *memoryLeaseStore) sweepLoop() {
	if ls.ttl <= 0 {
		return
	}
	ticker := time.NewTicker(leaseSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			ls.cleanup(ls.nowFunc())
		case <-ls.stopCh:
			return
		}
	}
}

func (ls *memoryLeaseStore) cleanup(now time.Time) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	for key, acquired := range ls.held {
		if now.Sub(acquired) >= ls.ttl {
			delete(ls.held, key)
		}
	}
}

func (ls *memoryLeaseStore) Close() {
	ls.once.Do(func() {
		close(ls.stopCh)
	})
}
