package refresh

import (
	"sync"
	"sync/atomic"
)

type slot struct {
	lock       chan struct{}
	inProgress atomic.Bool
}

func newSlot() *slot {
	return &slot{lock: make(chan struct{}, 1)}
}

// LockRegistry holds one refresh lock per guild. Slots for known guilds are
// created up front; any other key gets one on first use. The map is guarded
// by its own mutex, held only for lookups.
type LockRegistry struct {
	mu    sync.Mutex
	slots map[string]*slot
}

// NewLockRegistry creates slots for ids.
func NewLockRegistry(ids []string) *LockRegistry {
	r := &LockRegistry{slots: make(map[string]*slot, len(ids))}
	for _, id := range ids {
		r.slots[id] = newSlot()
	}
	return r
}

func (r *LockRegistry) slot(id string) *slot {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.slots[id]
	if !ok {
		s = newSlot()
		r.slots[id] = s
	}
	return s
}

// TryLock takes the lock for id without waiting. On success the returned
// release func must be called exactly once.
func (r *LockRegistry) TryLock(id string) (release func(), ok bool) {
	s := r.slot(id)
	select {
	case s.lock <- struct{}{}:
	default:
		return nil, false
	}
	s.inProgress.Store(true)
	var once sync.Once
	return func() {
		once.Do(func() {
			s.inProgress.Store(false)
			<-s.lock
		})
	}, true
}

// InProgress reports whether a refresh of id currently holds the lock.
func (r *LockRegistry) InProgress(id string) bool {
	r.mu.Lock()
	s, ok := r.slots[id]
	r.mu.Unlock()
	return ok && s.inProgress.Load()
}
