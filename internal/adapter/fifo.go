package adapter

import "sync"

// fifoMutex is a mutual-exclusion lock that grants the lock in strict
// arrival order. The per-agent serialization guarantee requires FIFO
// ordering, which sync.Mutex does not promise under contention.
type fifoMutex struct {
	mu     sync.Mutex
	queue  []chan struct{}
	locked bool
}

// Lock blocks until the caller reaches the front of the queue. The caller's
// position is taken synchronously, so submission order is lock order.
func (f *fifoMutex) Lock() {
	f.mu.Lock()
	if !f.locked && len(f.queue) == 0 {
		f.locked = true
		f.mu.Unlock()
		return
	}
	turn := make(chan struct{})
	f.queue = append(f.queue, turn)
	f.mu.Unlock()
	<-turn
}

// Unlock passes the lock to the next waiter, if any.
func (f *fifoMutex) Unlock() {
	f.mu.Lock()
	if len(f.queue) > 0 {
		next := f.queue[0]
		f.queue = f.queue[1:]
		f.mu.Unlock()
		close(next)
		return
	}
	f.locked = false
	f.mu.Unlock()
}
