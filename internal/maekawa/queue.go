package maekawa

import "container/heap"

// RequestQueue holds the requests a voter could not grant immediately, popped in
// (TS, Src) ascending order. It is owned by the arbiter and not safe for concurrent use.
type RequestQueue struct {
	h requestHeap
}

// NewRequestQueue creates an empty request queue
func NewRequestQueue() *RequestQueue {
	q := &RequestQueue{}
	heap.Init(&q.h)
	return q
}

// Push adds a request to the queue
func (q *RequestQueue) Push(msg *Message) {
	heap.Push(&q.h, msg)
}

// Pop removes and returns the highest priority request, or nil if the queue is empty
func (q *RequestQueue) Pop() *Message {
	if q.h.Len() == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*Message)
}

// Peek returns the highest priority request without removing it
func (q *RequestQueue) Peek() *Message {
	if q.h.Len() == 0 {
		return nil
	}
	return q.h[0]
}

// Len returns the number of queued requests
func (q *RequestQueue) Len() int {
	return q.h.Len()
}

// requestHeap implements a min-heap of requests by (TS, Src)
type requestHeap []*Message

func (h requestHeap) Len() int           { return len(h) }
func (h requestHeap) Less(i, j int) bool { return h[i].Less(h[j]) }
func (h requestHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x interface{}) {
	*h = append(*h, x.(*Message))
}

func (h *requestHeap) Pop() interface{} {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[0 : n-1]
	return x
}
