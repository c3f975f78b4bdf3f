package searcher

// PriorityQueueItem is a graph node with its distance to the query.
type PriorityQueueItem struct {
	Node     uint32
	Distance float32
}

// PriorityQueue is a binary heap of PriorityQueueItems. It stores items by
// value and does not go through container/heap.
type PriorityQueue struct {
	isMaxHeap bool
	items     []PriorityQueueItem
}

// NewPriorityQueue creates a max-heap (worst candidate on top) when
// isMaxHeap is set, otherwise a min-heap.
func NewPriorityQueue(isMaxHeap bool) *PriorityQueue {
	return &PriorityQueue{
		isMaxHeap: isMaxHeap,
		items:     make([]PriorityQueueItem, 0, 16),
	}
}

// Reset clears the queue for reuse.
func (pq *PriorityQueue) Reset() {
	pq.items = pq.items[:0]
}

// Len returns the number of items.
func (pq *PriorityQueue) Len() int {
	return len(pq.items)
}

// TopItem returns the top of the heap without removing it.
func (pq *PriorityQueue) TopItem() (PriorityQueueItem, bool) {
	if len(pq.items) == 0 {
		return PriorityQueueItem{}, false
	}
	return pq.items[0], true
}

// PushItem inserts an item.
func (pq *PriorityQueue) PushItem(item PriorityQueueItem) {
	pq.items = append(pq.items, item)
	pq.siftUp(len(pq.items) - 1)
}

// PushItemBounded inserts item into a heap holding at most capacity items.
// On a full max-heap the item replaces the top only if it is closer.
func (pq *PriorityQueue) PushItemBounded(item PriorityQueueItem, capacity int) {
	if len(pq.items) < capacity {
		pq.PushItem(item)
		return
	}
	top := pq.items[0]
	if (pq.isMaxHeap && item.Distance < top.Distance) || (!pq.isMaxHeap && item.Distance > top.Distance) {
		pq.items[0] = item
		pq.siftDown(0)
	}
}

// PopItem removes and returns the top of the heap.
func (pq *PriorityQueue) PopItem() (PriorityQueueItem, bool) {
	n := len(pq.items)
	if n == 0 {
		return PriorityQueueItem{}, false
	}
	item := pq.items[0]
	pq.items[0] = pq.items[n-1]
	pq.items = pq.items[:n-1]
	if len(pq.items) > 0 {
		pq.siftDown(0)
	}
	return item, true
}

// DrainAscending empties the queue into dst ordered nearest first.
func (pq *PriorityQueue) DrainAscending(dst []PriorityQueueItem) []PriorityQueueItem {
	start := len(dst)
	for pq.Len() > 0 {
		item, _ := pq.PopItem()
		dst = append(dst, item)
	}
	if pq.isMaxHeap {
		out := dst[start:]
		for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
			out[i], out[j] = out[j], out[i]
		}
	}
	return dst
}

func (pq *PriorityQueue) less(i, j int) bool {
	a, b := pq.items[i], pq.items[j]
	if a.Distance == b.Distance {
		// Ties break on node id so traversal order is deterministic.
		if pq.isMaxHeap {
			return a.Node > b.Node
		}
		return a.Node < b.Node
	}
	if pq.isMaxHeap {
		return a.Distance > b.Distance
	}
	return a.Distance < b.Distance
}

func (pq *PriorityQueue) siftUp(i int) {
	for i > 0 {
		parent := (i - 1) / 2
		if !pq.less(i, parent) {
			break
		}
		pq.items[i], pq.items[parent] = pq.items[parent], pq.items[i]
		i = parent
	}
}

func (pq *PriorityQueue) siftDown(i int) {
	n := len(pq.items)
	for {
		left := 2*i + 1
		if left >= n {
			break
		}
		child := left
		if right := left + 1; right < n && pq.less(right, left) {
			child = right
		}
		if !pq.less(child, i) {
			break
		}
		pq.items[i], pq.items[child] = pq.items[child], pq.items[i]
		i = child
	}
}
