package collab

import "sync"

// RoundRobinAssigner hands out pool entries in rotation, remembering its
// position across calls. Zero value is ready to use.
type RoundRobinAssigner struct {
	mu   sync.Mutex
	next int
}

// Next returns the next reviewer in pool, advancing the rotation. Returns
// "" for an empty pool.
func (r *RoundRobinAssigner) Next(pool []string) string {
	if len(pool) == 0 {
		return ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	reviewer := pool[r.next%len(pool)]
	r.next++
	return reviewer
}
