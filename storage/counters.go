package storage

import "go.uber.org/atomic"

// requestCounters tracks requests issued by one adapter since it was connected.
type requestCounters struct {
	get    atomic.Int64
	put    atomic.Int64
	delete atomic.Int64
	list   atomic.Int64
	head   atomic.Int64
}

func newRequestCounters() *requestCounters {
	return &requestCounters{}
}

// Snapshot returns the counters keyed the way usage reports name them.
func (c *requestCounters) Snapshot() map[string]int64 {
	return map[string]int64{
		"get_requests":    c.get.Load(),
		"put_requests":    c.put.Load(),
		"delete_requests": c.delete.Load(),
		"list_requests":   c.list.Load(),
		"head_requests":   c.head.Load(),
	}
}
