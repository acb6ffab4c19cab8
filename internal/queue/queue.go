// Package queue provides the FIFO used to buffer key events between the
// fork machine's stages.
//
// A Queue is a singly linked list of fixed-size chunks. Whole queues can be
// spliced onto either end of another queue in constant time by relinking
// chunks, which the machine relies on when it re-feeds undecided events.
//
// Queues are not safe for concurrent use.
package queue

import "errors"

// chunkSize is the capacity of each chunk. Fork queues rarely hold more
// than a handful of events.
const chunkSize = 16

// ErrEmpty is returned when popping from an empty queue.
var ErrEmpty = errors.New("queue: empty")

// chunk is a fixed-size node. Slots [readPos, pos) hold live elements.
// A chunk linked into a queue always holds at least one live element.
type chunk[T any] struct {
	next    *chunk[T]
	items   [chunkSize]T
	readPos int
	pos     int
}

func (c *chunk[T]) live() int { return c.pos - c.readPos }

// Queue is an ordered sequence with O(1) push at the tail, pop at the head
// and splicing of another queue onto either end.
type Queue[T any] struct {
	name   string
	head   *chunk[T]
	tail   *chunk[T]
	length int
}

// New creates an empty queue. The name only appears in diagnostics.
func New[T any](name string) *Queue[T] {
	return &Queue[T]{name: name}
}

// Name returns the diagnostic name.
func (q *Queue[T]) Name() string { return q.name }

// Len returns the number of queued elements.
func (q *Queue[T]) Len() int { return q.length }

// Empty reports whether the queue holds no elements.
func (q *Queue[T]) Empty() bool { return q.length == 0 }

// PushBack appends v at the tail.
func (q *Queue[T]) PushBack(v T) {
	if q.tail == nil || q.tail.pos == chunkSize {
		c := &chunk[T]{}
		if q.tail == nil {
			q.head = c
		} else {
			q.tail.next = c
		}
		q.tail = c
	}
	q.tail.items[q.tail.pos] = v
	q.tail.pos++
	q.length++
}

// PopFront removes and returns the head element.
func (q *Queue[T]) PopFront() (T, error) {
	var zero T
	if q.head == nil {
		return zero, ErrEmpty
	}
	c := q.head
	v := c.items[c.readPos]
	c.items[c.readPos] = zero
	c.readPos++
	q.length--

	if c.live() == 0 {
		q.head = c.next
		c.next = nil
		if q.head == nil {
			q.tail = nil
		}
	}
	return v, nil
}

// Front returns the head element without removing it.
func (q *Queue[T]) Front() (T, bool) {
	if q.head == nil {
		var zero T
		return zero, false
	}
	return q.head.items[q.head.readPos], true
}

// AppendFrom moves every element of other after the current tail, leaving
// other empty.
func (q *Queue[T]) AppendFrom(other *Queue[T]) {
	if other == q || other.head == nil {
		return
	}
	if q.tail == nil {
		q.head = other.head
	} else {
		q.tail.next = other.head
	}
	q.tail = other.tail
	q.length += other.length
	other.reset()
}

// PrependFrom moves every element of other before the current head,
// leaving other empty. The elements keep their relative order.
func (q *Queue[T]) PrependFrom(other *Queue[T]) {
	if other == q || other.head == nil {
		return
	}
	other.tail.next = q.head
	if q.tail == nil {
		q.tail = other.tail
	}
	q.head = other.head
	q.length += other.length
	other.reset()
}

// Swap exchanges the contents of q and other. Names stay put.
func (q *Queue[T]) Swap(other *Queue[T]) {
	q.head, other.head = other.head, q.head
	q.tail, other.tail = other.tail, q.tail
	q.length, other.length = other.length, q.length
}

// Clear drops every element and returns how many were dropped.
func (q *Queue[T]) Clear() int {
	n := q.length
	q.reset()
	return n
}

// Each calls fn for every element from head to tail until fn returns false.
func (q *Queue[T]) Each(fn func(T) bool) {
	for c := q.head; c != nil; c = c.next {
		for i := c.readPos; i < c.pos; i++ {
			if !fn(c.items[i]) {
				return
			}
		}
	}
}

func (q *Queue[T]) reset() {
	q.head = nil
	q.tail = nil
	q.length = 0
}
