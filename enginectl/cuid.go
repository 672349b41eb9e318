package enginectl

import "sync/atomic"

// CUIDAllocator hands out monotone command-unique identifiers. CUID 0 is
// reserved as the "unassigned" sentinel used by segment.Segment and
// swarm.Peer, so allocation starts at 1.
type CUIDAllocator struct {
	next int64
}

// NewCUIDAllocator returns an allocator starting at 1.
func NewCUIDAllocator() *CUIDAllocator {
	return &CUIDAllocator{next: 0}
}

// Next returns the next CUID, starting at 1.
func (a *CUIDAllocator) Next() int {
	return int(atomic.AddInt64(&a.next, 1))
}
