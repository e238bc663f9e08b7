package scanning

import "sync"

// PageItem is one captured page waiting to be processed
type PageItem struct {
	Index int
	Image *Image
}

// handoff is the unbounded FIFO between the capture and processing loops of one session
type handoff struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []PageItem
	closed bool
}

func newHandoff() *handoff {
	q := &handoff{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// put appends an item; items put after close are dropped
func (q *handoff) put(item PageItem) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, item)
	q.cond.Signal()
}

// get blocks until an item is available. It returns false when the queue is
// closed and empty.
func (q *handoff) get() (PageItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return PageItem{}, false
	}
	item := q.items[0]
	q.items[0] = PageItem{}
	q.items = q.items[1:]
	return item, true
}

// close marks the end of production; pending items are still handed out
func (q *handoff) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// abandon closes the queue and drops pending items, returning how many were dropped
func (q *handoff) abandon() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	dropped := len(q.items)
	q.items = nil
	q.closed = true
	q.cond.Broadcast()
	return dropped
}
