package delayqueue

// Item is a queued value with its deadline.
type Item struct {
	value    any
	priority int64 // unix ms deadline
	index    int
}

// priorityQueue implements heap.Interface ordered by deadline.
type priorityQueue []*Item

func (pq priorityQueue) Len() int { return len(pq) }

func (pq priorityQueue) Less(i, j int) bool { return pq[i].priority < pq[j].priority }

func (pq priorityQueue) Swap(i, j int) {
	pq[i], pq[j] = pq[j], pq[i]
	pq[i].index = i
	pq[j].index = j
}

func (pq *priorityQueue) Push(x any) {
	item := x.(*Item)
	item.index = len(*pq)
	*pq = append(*pq, item)
}

func (pq *priorityQueue) Pop() any {
	old := *pq
	l, c := len(old), cap(old)
	item := old[l-1]
	old[l-1] = nil
	item.index = -1 // for safety
	*pq = old[:l-1]
	// shrink after a burst of expirations
	if l-1 < c/4 && c > 64 {
		npq := make(priorityQueue, l-1, c/2)
		copy(npq, *pq)
		*pq = npq
	}
	return item
}
