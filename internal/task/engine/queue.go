package engine

// discipline is the dequeue order of a priority queue.
type discipline int

const (
	fifo discipline = iota
	lifo
)

func (d discipline) String() string {
	if d == lifo {
		return "lifo"
	}
	return "fifo"
}

// taskQueue is a fixed-capacity circular deque.
//
// New work is always appended at the back. FIFO queues pop from the front,
// LIFO queues pop from the back. Callers hold Manager.mu.
type taskQueue struct {
	disc discipline
	buf  []*item
	head int // index of the front element
	size int
}

func newTaskQueue(disc discipline, capacity int) *taskQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &taskQueue{disc: disc, buf: make([]*item, capacity)}
}

func (q *taskQueue) Len() int   { return q.size }
func (q *taskQueue) Cap() int   { return len(q.buf) }
func (q *taskQueue) Full() bool { return q.size == len(q.buf) }

// pushBack inserts at the natural insertion point of both disciplines.
func (q *taskQueue) pushBack(it *item) bool {
	if q.Full() {
		return false
	}
	q.buf[(q.head+q.size)%len(q.buf)] = it
	q.size++
	return true
}

// pushFront inserts at the end the queue reaches last for LIFO and first for
// FIFO.
func (q *taskQueue) pushFront(it *item) bool {
	if q.Full() {
		return false
	}
	q.head = (q.head - 1 + len(q.buf)) % len(q.buf)
	q.buf[q.head] = it
	q.size++
	return true
}

// pushRetry places a retried item according to the placement policy.
func (q *taskQueue) pushRetry(it *item, p RetryPlacement) bool {
	switch p {
	case RetryDeferred:
		if q.disc == lifo {
			return q.pushFront(it)
		}
		return q.pushBack(it)
	case RetryPrioritized:
		if q.disc == fifo {
			return q.pushFront(it)
		}
		return q.pushBack(it)
	default:
		return q.pushBack(it)
	}
}

// pop removes the next item according to the queue's discipline.
func (q *taskQueue) pop() *item {
	if q.size == 0 {
		return nil
	}
	var idx int
	if q.disc == lifo {
		idx = (q.head + q.size - 1) % len(q.buf)
	} else {
		idx = q.head
		q.head = (q.head + 1) % len(q.buf)
	}
	it := q.buf[idx]
	q.buf[idx] = nil
	q.size--
	return it
}

// drain empties the queue and returns its items in dequeue order.
func (q *taskQueue) drain() []*item {
	out := make([]*item, 0, q.size)
	for q.size > 0 {
		out = append(out, q.pop())
	}
	return out
}
