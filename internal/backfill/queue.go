package backfill

import "container/heap"

// requestHeap is a min-heap over pending requests: lower priority value
// first, FIFO within equal priorities.
type requestHeap []*Request

func (h requestHeap) Len() int { return len(h) }

func (h requestHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority < h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h requestHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *requestHeap) Push(x any) { *h = append(*h, x.(*Request)) }

func (h *requestHeap) Pop() any {
	old := *h
	n := len(old)
	req := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return req
}

// rebuildWithout re-heapifies, dropping every request the drop predicate
// matches. Used by job cancellation.
func (h *requestHeap) rebuildWithout(drop func(*Request) bool) []*Request {
	var kept requestHeap
	var dropped []*Request
	for _, req := range *h {
		if drop(req) {
			dropped = append(dropped, req)
		} else {
			kept = append(kept, req)
		}
	}
	heap.Init(&kept)
	*h = kept
	return dropped
}
