// Package heap implements the bounded priority heap (C1) that holds
// issued-but-not-yet-active requests, ordered by ascending Request.Priority.
package heap

import (
	stdheap "container/heap"

	"github.com/MeKo-Tech/tilescheduler/internal/request"
)

// ShrinkPolicy controls which pending requests are sacrificed when the
// configured capacity is lowered below the current length.
type ShrinkPolicy int

const (
	// ShrinkCancelHighest cancels the current highest-priority (most
	// important) pending requests. This is the spec-documented default:
	// it is acceptable only because the caller promises to re-issue
	// evicted work on the next frame from upstream traversal.
	ShrinkCancelHighest ShrinkPolicy = iota
	// ShrinkCancelLowest cancels the lowest-priority pending requests
	// instead, for callers whose traversal does not re-issue eagerly.
	ShrinkCancelLowest
)

// DefaultCapacity is the default bound on pending requests (spec.md
// priority_heap_length default).
const DefaultCapacity = 20

// Heap is a bounded min-heap over *request.Request keyed by Priority.
// It is not safe for concurrent use; callers (internal/scheduler) must
// serialize access.
type Heap struct {
	items    items
	capacity int
	policy   ShrinkPolicy
}

// New returns a Heap bounded to capacity. A non-positive capacity is
// replaced by DefaultCapacity.
func New(capacity int) *Heap {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	h := &Heap{capacity: capacity}
	stdheap.Init(&h.items)
	return h
}

// SetShrinkPolicy configures which end of the priority range is
// sacrificed when SetCapacity lowers the bound below the current length.
func (h *Heap) SetShrinkPolicy(p ShrinkPolicy) {
	h.policy = p
}

// Len returns the number of pending requests currently held.
func (h *Heap) Len() int { return h.items.Len() }

// Capacity returns the configured bound.
func (h *Heap) Capacity() int { return h.capacity }

// HasOpenSlots reports whether n more requests would fit without eviction.
func (h *Heap) HasOpenSlots(n int) bool {
	return h.items.Len()+n <= h.capacity
}

// Insert adds req to the heap. If the heap is at capacity, the current
// maximum-priority element is evicted and returned — which may be req
// itself if it is the new maximum. The caller (scheduler) is responsible
// for cancelling whatever comes back non-nil other than req.
func (h *Heap) Insert(req *request.Request) *request.Request {
	if h.items.Len() < h.capacity {
		stdheap.Push(&h.items, req)
		return nil
	}

	maxIdx := h.items.maxIndex()
	if h.items[maxIdx].Priority <= req.Priority {
		// req itself would be the new maximum; never issued.
		return req
	}

	evicted := h.items[maxIdx]
	stdheap.Remove(&h.items, maxIdx)
	stdheap.Push(&h.items, req)
	return evicted
}

// Pop removes and returns the minimum-priority (most important) element,
// or nil if the heap is empty.
func (h *Heap) Pop() *request.Request {
	if h.items.Len() == 0 {
		return nil
	}
	return stdheap.Pop(&h.items).(*request.Request)
}

// Resort re-heapifies after in-place mutation of many elements' Priority
// fields. Call once per frame after re-evaluating priority_fn callbacks.
func (h *Heap) Resort() {
	stdheap.Init(&h.items)
}

// Clear removes all pending requests without cancelling them; the caller
// is responsible for any required cancellation semantics.
func (h *Heap) Clear() {
	h.items = h.items[:0]
}

// ForEach calls fn for every pending request. fn must not mutate the
// heap's membership (insert/remove); mutating Priority in place is fine
// and expected — call Resort afterward.
func (h *Heap) ForEach(fn func(*request.Request)) {
	for _, r := range h.items {
		fn(r)
	}
}

// SetCapacity changes the bound. Raising it is free. Lowering it below
// the current length eagerly pops items per the configured ShrinkPolicy
// and returns exactly len(heap)-capacity evicted requests for the caller
// to cancel.
func (h *Heap) SetCapacity(capacity int) []*request.Request {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	h.capacity = capacity

	var evicted []*request.Request
	for h.items.Len() > h.capacity {
		switch h.policy {
		case ShrinkCancelLowest:
			idx := h.items.maxIndex()
			evicted = append(evicted, stdheap.Remove(&h.items, idx).(*request.Request))
		default: // ShrinkCancelHighest
			evicted = append(evicted, stdheap.Pop(&h.items).(*request.Request))
		}
	}
	return evicted
}

// items implements container/heap.Interface over *request.Request,
// ordered ascending by Priority (min-heap: index 0 is the most important).
type items []*request.Request

func (it items) Len() int            { return len(it) }
func (it items) Less(i, j int) bool  { return it[i].Priority < it[j].Priority }
func (it items) Swap(i, j int) {
	it[i], it[j] = it[j], it[i]
	it[i].SetHeapIndex(i)
	it[j].SetHeapIndex(j)
}

func (it *items) Push(x any) {
	r := x.(*request.Request)
	r.SetHeapIndex(len(*it))
	*it = append(*it, r)
}

func (it *items) Pop() any {
	old := *it
	n := len(old)
	r := old[n-1]
	old[n-1] = nil
	*it = old[:n-1]
	return r
}

// maxIndex returns the index of the maximum-priority (least important)
// element via linear scan. The heap is bounded to a small capacity
// (default 20), so this stays cheap relative to the per-frame resort.
func (it items) maxIndex() int {
	maxIdx := 0
	for i := 1; i < len(it); i++ {
		if it[i].Priority > it[maxIdx].Priority {
			maxIdx = i
		}
	}
	return maxIdx
}
