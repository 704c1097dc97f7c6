package process

import (
	"context"
	"fmt"
	"io"
	"sync"
)

// credit counts the stdin bytes a client may still send on one channel.
type credit struct {
	m     sync.Mutex
	avail int
	// grown is closed and replaced whenever avail grows
	grown chan struct{}
}

func newCredit(n int) *credit {
	return &credit{avail: n, grown: make(chan struct{})}
}

func (c *credit) add(n int) {
	if n <= 0 {
		return
	}
	c.m.Lock()
	defer c.m.Unlock()
	c.avail += n
	close(c.grown)
	c.grown = make(chan struct{})
}

// take waits for credit and takes up to max bytes of it.
// It fails with io.ErrClosedPipe once done is closed, since no more credit will arrive.
func (c *credit) take(ctx context.Context, max int, done <-chan struct{}) (int, error) {
	for {
		c.m.Lock()
		if c.avail > 0 {
			n := max
			if n > c.avail {
				n = c.avail
			}
			c.avail -= n
			c.m.Unlock()
			return n, nil
		}
		grown := c.grown
		c.m.Unlock()

		select {
		case <-grown:
		case <-done:
			return 0, io.ErrClosedPipe
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// stdinQueue holds the stdin frames of one server channel until they are written to the process.
// Pushing never blocks, so the connection's read goroutine never waits on a process that doesn't read its input.
// The client's credit bounds how much it holds.
type stdinQueue struct {
	m      sync.Mutex
	cond   *sync.Cond
	bufs   [][]byte
	size   int
	limit  int
	closed bool
}

func newStdinQueue(limit int) *stdinQueue {
	q := &stdinQueue{limit: limit}
	q.cond = sync.NewCond(&q.m)
	return q
}

func (q *stdinQueue) push(b []byte) error {
	q.m.Lock()
	defer q.m.Unlock()
	if q.closed {
		return fmt.Errorf("stdin is closed")
	}
	if q.size+len(b) > q.limit {
		return fmt.Errorf("stdin window exceeded: %d bytes buffered, got %d more", q.size, len(b))
	}
	q.bufs = append(q.bufs, b)
	q.size += len(b)
	q.cond.Signal()
	return nil
}

// pop blocks until a frame is buffered. It returns false once the queue is closed and drained.
func (q *stdinQueue) pop() ([]byte, bool) {
	q.m.Lock()
	defer q.m.Unlock()
	for len(q.bufs) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.bufs) == 0 {
		return nil, false
	}
	b := q.bufs[0]
	q.bufs[0] = nil
	q.bufs = q.bufs[1:]
	q.size -= len(b)
	return b, true
}

// close ends the queue after the buffered frames are popped.
func (q *stdinQueue) close() {
	q.m.Lock()
	defer q.m.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// abort drops the buffered frames and ends the queue.
func (q *stdinQueue) abort() {
	q.m.Lock()
	defer q.m.Unlock()
	q.closed = true
	q.bufs = nil
	q.size = 0
	q.cond.Broadcast()
}
