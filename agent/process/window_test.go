package process

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreditTake(t *testing.T) {
	c := newCredit(10)
	done := make(chan struct{})

	n, err := c.take(context.Background(), 4, done)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	n, err = c.take(context.Background(), 100, done)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	taken := make(chan int, 1)
	go func() {
		n, err := c.take(context.Background(), 100, done)
		if err != nil {
			n = -1
		}
		taken <- n
	}()
	select {
	case n := <-taken:
		t.Fatalf("took %d bytes without credit", n)
	case <-time.After(50 * time.Millisecond):
	}

	c.add(3)
	select {
	case n := <-taken:
		assert.Equal(t, 3, n)
	case <-time.After(5 * time.Second):
		t.Fatal("take never woke up")
	}
}

func TestCreditTakeStops(t *testing.T) {
	c := newCredit(0)

	done := make(chan struct{})
	close(done)
	_, err := c.take(context.Background(), 1, done)
	assert.ErrorIs(t, err, io.ErrClosedPipe)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.take(ctx, 1, make(chan struct{}))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestStdinQueue(t *testing.T) {
	q := newStdinQueue(8)
	require.NoError(t, q.push([]byte("abc")))
	require.NoError(t, q.push([]byte("defgh")))
	assert.Error(t, q.push([]byte("i")), "pushing past the limit")

	b, ok := q.pop()
	require.True(t, ok)
	assert.Equal(t, "abc", string(b))
	require.NoError(t, q.push([]byte("ijk")))

	q.close()
	assert.Error(t, q.push([]byte("x")))

	var rest []string
	for {
		b, ok := q.pop()
		if !ok {
			break
		}
		rest = append(rest, string(b))
	}
	assert.Equal(t, []string{"defgh", "ijk"}, rest)
}

func TestStdinQueueAbort(t *testing.T) {
	q := newStdinQueue(8)
	require.NoError(t, q.push([]byte("abc")))
	q.abort()
	_, ok := q.pop()
	assert.False(t, ok)

	popped := make(chan bool, 1)
	q = newStdinQueue(8)
	go func() {
		_, ok := q.pop()
		popped <- ok
	}()
	q.abort()
	select {
	case ok := <-popped:
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("pop never returned")
	}
}
