// Package container implements append-only containers with lock-free reads.
package container

import (
	"sync"
	"sync/atomic"
)

const (
	// segmentBits determines the size of each segment.
	// 16 bits = 65536 items per segment.
	segmentBits = 16
	segmentSize = 1 << segmentBits
	segmentMask = segmentSize - 1
)

// SegmentedArray is an append-only segmented array. Growth is serialized by
// a mutex; Get is lock-free.
//
// Set publishes nothing by itself: callers write index i and then publish a
// count (with an atomic store) that readers load before calling Get(i).
type SegmentedArray[T any] struct {
	segments atomic.Pointer[[]*segment[T]]
	mu       sync.Mutex
}

type segment[T any] struct {
	items [segmentSize]T
}

// NewSegmentedArray creates a new SegmentedArray.
func NewSegmentedArray[T any]() *SegmentedArray[T] {
	sa := &SegmentedArray[T]{}
	segments := make([]*segment[T], 0)
	sa.segments.Store(&segments)
	return sa
}

// Get returns the item at the given index.
// Returns the zero value and false if the segment is not allocated.
func (sa *SegmentedArray[T]) Get(index uint64) (T, bool) {
	segments := *sa.segments.Load()
	segIdx := index >> segmentBits
	if segIdx >= uint64(len(segments)) || segments[segIdx] == nil {
		var zero T
		return zero, false
	}
	return segments[segIdx].items[index&segmentMask], true
}

// Set sets the item at the given index, growing the array if necessary.
func (sa *SegmentedArray[T]) Set(index uint64, value T) {
	segIdx := index >> segmentBits

	segments := *sa.segments.Load()
	if segIdx < uint64(len(segments)) && segments[segIdx] != nil {
		segments[segIdx].items[index&segmentMask] = value
		return
	}

	sa.mu.Lock()
	defer sa.mu.Unlock()

	current := *sa.segments.Load()
	if segIdx < uint64(len(current)) && current[segIdx] != nil {
		current[segIdx].items[index&segmentMask] = value
		return
	}

	grown := current
	if segIdx >= uint64(len(grown)) {
		grown = make([]*segment[T], segIdx+1)
		copy(grown, current)
	}
	if grown[segIdx] == nil {
		grown[segIdx] = &segment[T]{}
	}
	grown[segIdx].items[index&segmentMask] = value
	sa.segments.Store(&grown)
}
