// Package queue provides a binary heap ordered by an integer priority.
package queue

// Item is a queued value. Items with equal priority pop in insertion order.
type Item[T any] struct {
	Value    T
	Priority int64

	seq uint64
}

// PriorityQueue is a min or max heap of Items. It is not safe for
// concurrent use.
type PriorityQueue[T any] struct {
	isMaxHeap bool
	items     []Item[T]
	seq       uint64
}

// NewMin initializes a queue that pops the smallest priority first.
func NewMin[T any](capacity int) *PriorityQueue[T] {
	return &PriorityQueue[T]{items: make([]Item[T], 0, capacity)}
}

// NewMax initializes a queue that pops the largest priority first.
func NewMax[T any](capacity int) *PriorityQueue[T] {
	return &PriorityQueue[T]{isMaxHeap: true, items: make([]Item[T], 0, capacity)}
}

// Len returns the number of queued items.
func (pq *PriorityQueue[T]) Len() int { return len(pq.items) }

// Push inserts value while maintaining the heap invariant.
func (pq *PriorityQueue[T]) Push(value T, priority int64) {
	pq.seq++
	pq.items = append(pq.items, Item[T]{Value: value, Priority: priority, seq: pq.seq})
	pq.siftUp(len(pq.items) - 1)
}

// Top returns the head without removing it.
func (pq *PriorityQueue[T]) Top() (Item[T], bool) {
	if len(pq.items) == 0 {
		return Item[T]{}, false
	}
	return pq.items[0], true
}

// Pop removes and returns the head.
func (pq *PriorityQueue[T]) Pop() (Item[T], bool) {
	n := len(pq.items)
	if n == 0 {
		return Item[T]{}, false
	}
	root := pq.items[0]
	last := pq.items[n-1]
	pq.items[n-1] = Item[T]{}
	pq.items = pq.items[:n-1]
	if n-1 > 0 {
		pq.items[0] = last
		pq.siftDown(0)
	}
	return root, true
}

// RemoveIf drops every item whose value matches pred and returns how many
// were removed.
func (pq *PriorityQueue[T]) RemoveIf(pred func(T) bool) int {
	kept := pq.items[:0]
	for _, it := range pq.items {
		if !pred(it.Value) {
			kept = append(kept, it)
		}
	}
	removed := len(pq.items) - len(kept)
	for i := len(kept); i < len(pq.items); i++ {
		pq.items[i] = Item[T]{}
	}
	pq.items = kept
	if removed > 0 {
		for i := len(pq.items)/2 - 1; i >= 0; i-- {
			pq.siftDown(i)
		}
	}
	return removed
}

// Reset removes all items.
func (pq *PriorityQueue[T]) Reset() {
	clear(pq.items)
	pq.items = pq.items[:0]
}

func (pq *PriorityQueue[T]) less(i, j int) bool {
	a, b := pq.items[i], pq.items[j]
	if a.Priority == b.Priority {
		return a.seq < b.seq
	}
	if pq.isMaxHeap {
		return a.Priority > b.Priority
	}
	return a.Priority < b.Priority
}

func (pq *PriorityQueue[T]) siftUp(i int) {
	for i > 0 {
		p := (i - 1) / 2
		if !pq.less(i, p) {
			return
		}
		pq.items[i], pq.items[p] = pq.items[p], pq.items[i]
		i = p
	}
}

func (pq *PriorityQueue[T]) siftDown(i int) {
	n := len(pq.items)
	for {
		l := 2*i + 1
		if l >= n {
			return
		}
		best := l
		r := l + 1
		if r < n && pq.less(r, l) {
			best = r
		}
		if !pq.less(best, i) {
			return
		}
		pq.items[i], pq.items[best] = pq.items[best], pq.items[i]
		i = best
	}
}
