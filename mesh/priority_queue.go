package mesh

import (
	"container/heap"

	"github.com/suvijya/sonicnet/packet"
)

// pqItem pairs a packet with its insertion index so equal-priority
// packets process in arrival order (spec §4.8: stable tie-break).
type pqItem struct {
	packet *packet.Packet
	index  int
}

// priorityHeap is a max-heap over pqItem.packet.PriorityScore(), ties
// broken by insertion order. It implements container/heap.Interface
// directly rather than through heap.Interface boilerplate spread across
// files, matching the teacher's preference for one self-contained type
// per concern.
type priorityHeap []*pqItem

func (h priorityHeap) Len() int { return len(h) }

func (h priorityHeap) Less(i, j int) bool {
	si, sj := h[i].packet.PriorityScore(), h[j].packet.PriorityScore()
	if si != sj {
		return si > sj
	}
	return h[i].index < h[j].index
}

func (h priorityHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *priorityHeap) Push(x any) {
	*h = append(*h, x.(*pqItem))
}

func (h *priorityHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// priorityQueue is a concurrency-unsafe (caller holds the manager's
// mutex) priority queue of packets awaiting processing or relay.
type priorityQueue struct {
	heap     priorityHeap
	nextSeq  int
}

func newPriorityQueue() *priorityQueue {
	return &priorityQueue{}
}

// Put enqueues a packet, highest PriorityScore (then earliest insertion)
// dequeuing first.
func (q *priorityQueue) Put(p *packet.Packet) {
	heap.Push(&q.heap, &pqItem{packet: p, index: q.nextSeq})
	q.nextSeq++
}

// Get pops the highest-priority packet, or nil if the queue is empty.
func (q *priorityQueue) Get() *packet.Packet {
	if len(q.heap) == 0 {
		return nil
	}
	item := heap.Pop(&q.heap).(*pqItem)
	return item.packet
}

// Len reports the number of pending entries.
func (q *priorityQueue) Len() int { return len(q.heap) }

// Empty reports whether the queue has no pending entries.
func (q *priorityQueue) Empty() bool { return len(q.heap) == 0 }
