package parallel

import "sync"

// item is one entry in a reader pool's output queue: a decoded record or
// a per-shard error.
type item struct {
	data []byte
	err  error
}

// recordQueue is a FIFO bounded by payload bytes rather than entry count,
// which a buffered channel cannot express. Push blocks while the queue is
// at its byte capacity, pop blocks while it is empty. finish marks the
// producer side done so consumers can drain and then see exhaustion;
// close tears the queue down and unblocks everyone.
type recordQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []item
	bytes int64

	maxBytes int64
	done     bool // no more pushes coming
	closed   bool // torn down
}

func newRecordQueue(maxBytes int64) *recordQueue {
	q := &recordQueue{maxBytes: maxBytes}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push blocks until there is byte budget for it (an empty queue always
// admits one entry so oversized records cannot wedge it). Returns false
// if the queue was closed or finished while waiting.
func (q *recordQueue) push(it item) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && !q.done && q.bytes >= q.maxBytes && len(q.items) > 0 {
		q.cond.Wait()
	}
	if q.closed || q.done {
		return false
	}
	q.items = append(q.items, it)
	q.bytes += int64(len(it.data))
	q.cond.Broadcast()
	return true
}

// pop blocks until an entry is available. ok=false means the queue is
// exhausted (finished and drained) or closed.
func (q *recordQueue) pop() (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for !q.closed && !q.done && len(q.items) == 0 {
		q.cond.Wait()
	}
	if q.closed || len(q.items) == 0 {
		return item{}, false
	}
	it := q.items[0]
	q.items[0] = item{}
	q.items = q.items[1:]
	q.bytes -= int64(len(it.data))
	q.cond.Broadcast()
	return it, true
}

// finish marks the producer side complete. Queued entries remain
// poppable; once drained, pop reports exhaustion.
func (q *recordQueue) finish() {
	q.mu.Lock()
	q.done = true
	q.cond.Broadcast()
	q.mu.Unlock()
}

// close tears the queue down, discarding queued entries and waking all
// blocked producers and consumers.
func (q *recordQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.items = nil
	q.bytes = 0
	q.cond.Broadcast()
	q.mu.Unlock()
}

func (q *recordQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *recordQueue) byteSize() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.bytes
}
