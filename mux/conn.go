package mux

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/guseggert/procmux/frame"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultQueueSize = 64
	readBufSize      = 32768
	writeBufSize     = 65536
)

var (
	// ErrClosed is returned by operations on a terminated connection.
	ErrClosed = errors.New("connection closed")
	// ErrInUse is returned when registering a channel id that is already live.
	ErrInUse = errors.New("channel id in use")
)

// Channel is the local state bound to one channel id.
type Channel interface {
	// HandleFrame is called on the connection's read goroutine, in arrival order.
	// Returning an error wrapping frame.ErrMalformed tears down the connection, other errors are logged.
	HandleFrame(f frame.Frame) error
	// ConnectionLost is called exactly once if the connection terminates while the channel is registered.
	ConnectionLost(err error)
}

// Handler accepts spawn requests for channel ids that are not in use.
// Open must register any channel it creates with Conn.Register.
type Handler interface {
	Open(c *Conn, f frame.Frame) error
}

type Option func(c *Conn)

func WithLogger(l *zap.SugaredLogger) Option {
	return func(c *Conn) {
		c.log = l
	}
}

func WithHandler(h Handler) Option {
	return func(c *Conn) {
		c.handler = h
	}
}

// WithQueueSize sets how many outbound frames may be queued before Send blocks.
func WithQueueSize(n int) Option {
	return func(c *Conn) {
		if n > 0 {
			c.queueSize = n
		}
	}
}

// Conn multiplexes channels over a single ordered, reliable byte stream.
type Conn struct {
	log       *zap.SugaredLogger
	id        string
	rwc       io.ReadWriteCloser
	handler   Handler
	queueSize int

	out       chan frame.Frame
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	err      error
	channels map[uint32]Channel
	lastID   uint32
	// peerID is the highest id the peer has spawned, the peer allocates ids in increasing order
	peerID uint32
}

func New(rwc io.ReadWriteCloser, opts ...Option) *Conn {
	c := &Conn{
		log:       zap.NewNop().Sugar(),
		id:        uuid.NewString(),
		rwc:       rwc,
		queueSize: defaultQueueSize,
		closed:    make(chan struct{}),
		channels:  map[uint32]Channel{},
	}
	for _, o := range opts {
		o(c)
	}
	c.log = c.log.With("Conn", c.id)
	c.out = make(chan frame.Frame, c.queueSize)
	return c
}

// ID returns the random id of the connection, used to correlate logs.
func (c *Conn) ID() string { return c.id }

// Run drives the connection until the transport closes, a protocol violation occurs, or ctx is done.
// It returns nil if the connection ended with a clean EOF or Close.
func (c *Conn) Run(ctx context.Context) error {
	var g errgroup.Group
	g.Go(c.readLoop)
	g.Go(c.writeLoop)
	g.Go(func() error {
		select {
		case <-ctx.Done():
			c.fail(ctx.Err())
		case <-c.closed:
		}
		return nil
	})
	_ = g.Wait()

	err := c.Err()
	if errors.Is(err, io.EOF) || errors.Is(err, ErrClosed) {
		return nil
	}
	return err
}

// Done is closed once the connection has terminated.
func (c *Conn) Done() <-chan struct{} { return c.closed }

// Err returns the reason the connection terminated, or nil while it is alive.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Close terminates the connection, resolving every live channel.
func (c *Conn) Close() error {
	return c.fail(ErrClosed)
}

// Send queues f for writing. It blocks while the outbound queue is full.
func (c *Conn) Send(ctx context.Context, f frame.Frame) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}
	select {
	case c.out <- f:
		return nil
	case <-c.closed:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Open allocates the next channel id and registers the channel built by newChannel under it.
// Ids are strictly increasing and never reused for the lifetime of the connection.
func (c *Conn) Open(newChannel func(id uint32) Channel) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, ErrClosed
	}
	if c.lastID == ^uint32(0) {
		return 0, errors.New("channel ids exhausted")
	}
	c.lastID++
	id := c.lastID
	c.channels[id] = newChannel(id)
	return id, nil
}

// Register binds ch to a peer-chosen channel id.
func (c *Conn) Register(id uint32, ch Channel) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return ErrClosed
	}
	if _, ok := c.channels[id]; ok {
		return fmt.Errorf("registering channel %d: %w", id, ErrInUse)
	}
	c.channels[id] = ch
	return nil
}

// Release forgets the channel. Later frames for id are dropped.
func (c *Conn) Release(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.channels, id)
}

// Len returns the number of live channels.
func (c *Conn) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.channels)
}

func (c *Conn) lookup(id uint32) (Channel, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ch, ok := c.channels[id]
	return ch, ok
}

// advancePeerID records id as the peer's newest channel. It reports false for an id that was already used.
func (c *Conn) advancePeerID(id uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if id <= c.peerID {
		return false
	}
	c.peerID = id
	return true
}

// fail terminates the connection once, then resolves every channel still registered.
// Channels are resolved outside of closeOnce so they may call back into the Conn.
func (c *Conn) fail(reason error) error {
	var (
		closeErr error
		channels map[uint32]Channel
	)
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = reason
		channels = c.channels
		c.channels = map[uint32]Channel{}
		c.mu.Unlock()

		close(c.closed)
		closeErr = c.rwc.Close()
		c.log.Debugw("connection terminated", "Reason", reason, "Channels", len(channels), "CloseError", closeErr)
	})
	for id, ch := range channels {
		c.log.Debugf("resolving channel %d after connection loss", id)
		ch.ConnectionLost(reason)
	}
	return closeErr
}

func (c *Conn) readLoop() error {
	buf := make([]byte, readBufSize)
	var dec frame.Decoder
	for {
		n, err := c.rwc.Read(buf)
		if n > 0 {
			dec.Feed(buf[:n])
			for {
				f, derr := dec.Next()
				if errors.Is(derr, frame.ErrIncomplete) {
					break
				}
				if derr == nil {
					derr = c.dispatch(f)
				}
				if derr != nil {
					c.log.Debugf("protocol violation, tearing down: %s", derr)
					c.fail(derr)
					return derr
				}
			}
		}
		if err != nil {
			select {
			case <-c.closed:
				return nil
			default:
			}
			if errors.Is(err, io.EOF) && dec.Buffered() > 0 {
				err = fmt.Errorf("%w: %d trailing bytes", io.ErrUnexpectedEOF, dec.Buffered())
			}
			c.log.Debugf("read loop ended: %s", err)
			c.fail(err)
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
}

func (c *Conn) dispatch(f frame.Frame) error {
	ch, ok := c.lookup(f.ChannelID)
	if f.Tag == frame.TagSpawn {
		if ok {
			c.log.Debugf("dropping spawn request for live channel %d", f.ChannelID)
			return nil
		}
		if c.handler == nil {
			c.log.Debugf("dropping spawn request for channel %d, no handler", f.ChannelID)
			return nil
		}
		if !c.advancePeerID(f.ChannelID) {
			c.log.Debugf("dropping spawn request for stale channel %d", f.ChannelID)
			return nil
		}
		return c.handle(f, func() error { return c.handler.Open(c, f) })
	}
	if !ok {
		c.log.Debugf("dropping %s", f)
		return nil
	}
	return c.handle(f, func() error { return ch.HandleFrame(f) })
}

func (c *Conn) handle(f frame.Frame, fn func() error) error {
	err := fn()
	if err == nil {
		return nil
	}
	if errors.Is(err, frame.ErrMalformed) {
		return err
	}
	c.log.Debugw("channel rejected frame", "Frame", f.String(), "Error", err)
	return nil
}

func (c *Conn) writeLoop() error {
	bw := bufio.NewWriterSize(c.rwc, writeBufSize)
	for {
		select {
		case <-c.closed:
			return nil
		case f := <-c.out:
			err := frame.WriteFrame(bw, f)
			if err == nil && len(c.out) == 0 {
				err = bw.Flush()
			}
			if err != nil {
				select {
				case <-c.closed:
					return nil
				default:
				}
				err = fmt.Errorf("writing %s: %w", f, err)
				c.log.Debugf("write loop ended: %s", err)
				c.fail(err)
				return err
			}
		}
	}
}
