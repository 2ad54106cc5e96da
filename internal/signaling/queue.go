package signaling

import (
	"sync"
)

// sendQueue buffers encoded frames between hub fan-out and the socket's
// writer goroutine. Enqueue never blocks; the budget is in bytes.
type sendQueue struct {
	mu    sync.Mutex
	ready *sync.Cond

	budget  int
	pending int
	frames  [][]byte
	head    int

	// finished rejects new frames; dropped also discards queued ones.
	finished bool
}

func newSendQueue(budget int) *sendQueue {
	q := &sendQueue{budget: budget}
	q.ready = sync.NewCond(&q.mu)
	return q
}

// Enqueue reports whether frame was accepted. A frame larger than the whole
// budget is still accepted into an empty queue, so a relayed maximum-size
// message (which grows by its envelope fields) cannot starve a healthy socket.
func (q *sendQueue) Enqueue(frame []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.finished {
		return false
	}
	if q.pending > 0 && q.pending+len(frame) > q.budget {
		return false
	}
	if q.head > 0 && q.head == len(q.frames) {
		q.frames, q.head = q.frames[:0], 0
	}
	q.frames = append(q.frames, frame)
	q.pending += len(frame)
	q.ready.Signal()
	return true
}

// Dequeue waits for the next frame. It returns false once the queue has been
// finished and drained, or dropped.
func (q *sendQueue) Dequeue() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.head == len(q.frames) && !q.finished {
		q.ready.Wait()
	}
	if q.head == len(q.frames) {
		return nil, false
	}
	frame := q.frames[q.head]
	q.frames[q.head] = nil
	q.head++
	q.pending -= len(frame)
	return frame, true
}

// Finish stops accepting frames; queued frames are still delivered.
func (q *sendQueue) Finish() {
	q.mu.Lock()
	q.finished = true
	q.mu.Unlock()
	q.ready.Broadcast()
}

// Close stops accepting frames and discards the queued ones.
func (q *sendQueue) Close() {
	q.mu.Lock()
	q.finished = true
	q.frames, q.head, q.pending = nil, 0, 0
	q.mu.Unlock()
	q.ready.Broadcast()
}
