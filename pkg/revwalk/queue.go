package revwalk

import "container/heap"

type queueItem struct {
	commit *RevCommit
	seq    uint64
}

// dateHeap orders commits newest first. Equal times keep insertion order.
type dateHeap []queueItem

func (h dateHeap) Len() int { return len(h) }

func (h dateHeap) Less(i, j int) bool {
	if h[i].commit.commitTime == h[j].commit.commitTime {
		return h[i].seq < h[j].seq
	}
	return h[i].commit.commitTime > h[j].commit.commitTime
}

func (h dateHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
}

func (h *dateHeap) Push(x any) {
	*h = append(*h, x.(queueItem))
}

func (h *dateHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

type dateQueue struct {
	h   dateHeap
	seq uint64
}

func (q *dateQueue) add(c *RevCommit) {
	q.seq++
	heap.Push(&q.h, queueItem{commit: c, seq: q.seq})
}

func (q *dateQueue) next() *RevCommit {
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(queueItem).commit
}

func (q *dateQueue) peek() *RevCommit {
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0].commit
}

func (q *dateQueue) len() int { return len(q.h) }

// allHave reports whether every queued commit carries f.
func (q *dateQueue) allHave(f flags) bool {
	for _, it := range q.h {
		if it.commit.flags&f == 0 {
			return false
		}
	}
	return true
}

// fifo is a queue that can push back onto its head.
type fifo struct {
	items []*RevCommit
}

func (q *fifo) add(c *RevCommit) { q.items = append(q.items, c) }

func (q *fifo) unpop(c *RevCommit) {
	q.items = append([]*RevCommit{c}, q.items...)
}

func (q *fifo) next() *RevCommit {
	if len(q.items) == 0 {
		return nil
	}
	c := q.items[0]
	q.items = q.items[1:]
	return c
}
