/*
Package heap implements the scheduler's worker min-heap: a standard
intrusive heap where each element tracks its own index so it can be
resifted from an arbitrary position in O(log n) after its load changes,
without a linear search.

Ordering is the multiplicative comparator from the scheduler design: for
workers a and b, compare (a.Pending*b.Slots, a.ID) against
(b.Pending*a.Slots, b.ID) lexicographically. This compares the rational
pending/slots load without floating point and breaks ties by id.
*/
package heap

import (
	"container/heap"

	"github.com/forgerun/forgerun/pkg/types"
)

// Element is one worker's position in the heap.
type Element struct {
	ID      types.WorkerID
	Slots   int
	Pending int

	index int // maintained by container/heap; -1 when not in the heap
}

// Index returns the element's current position, or -1 if it is not in a
// heap.
func (e *Element) Index() int { return e.index }

func less(a, b *Element) bool {
	lp := uint64(a.Pending) * uint64(b.Slots)
	rp := uint64(b.Pending) * uint64(a.Slots)
	if lp != rp {
		return lp < rp
	}
	return a.ID < b.ID
}

// inner adapts []*Element to container/heap.Interface.
type inner []*Element

func (h inner) Len() int            { return len(h) }
func (h inner) Less(i, j int) bool  { return less(h[i], h[j]) }
func (h inner) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *inner) Push(x any) {
	e := x.(*Element)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *inner) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Heap is the worker min-heap. Not safe for concurrent use; the scheduler
// owns it from its single event-loop goroutine.
type Heap struct {
	h inner
}

// New returns an empty heap.
func New() *Heap {
	return &Heap{}
}

// Len returns the number of workers currently in the heap.
func (hp *Heap) Len() int { return hp.h.Len() }

// Push inserts a new worker element, establishing heap order.
func (hp *Heap) Push(e *Element) {
	heap.Push(&hp.h, e)
}

// Remove takes an element out of the heap by its current index.
func (hp *Heap) Remove(e *Element) {
	if e.index < 0 {
		return
	}
	heap.Remove(&hp.h, e.index)
}

// Peek returns the minimum element without removing it, or nil if empty.
func (hp *Heap) Peek() *Element {
	if len(hp.h) == 0 {
		return nil
	}
	return hp.h[0]
}

// Fix resifts an element after its Pending or Slots field has been
// mutated in place, restoring heap order in O(log n).
func (hp *Heap) Fix(e *Element) {
	if e.index < 0 {
		return
	}
	heap.Fix(&hp.h, e.index)
}
