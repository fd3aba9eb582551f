package scheduler

import "container/heap"

// scheduleHeap is a min-heap of *Schedule ordered by NextRunAt, giving the
// evaluator O(log n) access to "what fires next" (spec §4.6: "maintains a
// min-heap keyed by next_run_at"). container/heap is the standard algorithm
// for this and has no ecosystem substitute in the example pack; see
// DESIGN.md.
type scheduleHeap []*Schedule

func (h scheduleHeap) Len() int { return len(h) }
func (h scheduleHeap) Less(i, j int) bool { return h[i].NextRunAt.Before(h[j].NextRunAt) }
func (h scheduleHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *scheduleHeap) Push(x any) {
	*h = append(*h, x.(*Schedule))
}

func (h *scheduleHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

func newScheduleHeap() *scheduleHeap {
	h := &scheduleHeap{}
	heap.Init(h)
	return h
}
