package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"

	"github.com/guseggert/procmux/frame"
	"github.com/guseggert/procmux/mux"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// readLimit is the WebSocket message limit; the mux writer can flush a full frame plus its buffer at once.
const readLimit = 2 * (frame.MaxPayload + frame.HeaderSize)

// Server spawns processes on behalf of clients.
type Server struct {
	Log     *zap.SugaredLogger
	Spawner Spawner
	// QueueSize is the outbound frame queue size of each connection, 0 means the mux default.
	QueueSize int
}

// Serve accepts connections on l and serves each one on its own goroutine.
// It returns when l fails, e.g. because it was closed.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	for {
		c, err := l.Accept()
		if err != nil {
			return err
		}
		s.log().Debugw("accepted connection", "Remote", c.RemoteAddr().String())
		go func() {
			if err := s.ServeConn(ctx, c); err != nil {
				s.log().Debugf("connection ended with error: %s", err)
			}
		}()
	}
}

// ServeHTTP upgrades the request to a WebSocket and serves it as a byte stream.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		s.log().Debugf("error accepting WebSocket conn: %s", err)
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	wsConn.SetReadLimit(readLimit)
	s.log().Debug("accepted WebSocket conn")

	netConn := websocket.NetConn(r.Context(), wsConn, websocket.MessageBinary)
	if err := s.ServeConn(r.Context(), netConn); err != nil {
		s.log().Debugf("WebSocket connection ended with error: %s", err)
	}
}

// ServeConn serves one connection until the transport closes or ctx is done.
// Processes still running when the connection ends are killed.
func (s *Server) ServeConn(ctx context.Context, rwc io.ReadWriteCloser) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sup := &supervisor{
		ctx:     ctx,
		spawner: s.Spawner,
	}
	if sup.spawner == nil {
		sup.spawner = LocalSpawner{}
	}
	conn := mux.New(rwc,
		mux.WithLogger(s.log().Named("conn")),
		mux.WithHandler(sup),
		mux.WithQueueSize(s.QueueSize),
	)
	sup.log = s.log().Named("supervisor").With("Conn", conn.ID())

	err := conn.Run(ctx)
	sup.wg.Wait()
	return err
}

func (s *Server) log() *zap.SugaredLogger {
	if s.Log == nil {
		return zap.NewNop().Sugar()
	}
	return s.Log
}

// supervisor turns spawn requests on one connection into processes.
type supervisor struct {
	log     *zap.SugaredLogger
	ctx     context.Context
	spawner Spawner
	wg      sync.WaitGroup
}

func (s *supervisor) Open(conn *mux.Conn, f frame.Frame) error {
	var req frame.SpawnRequest
	if err := frame.Unmarshal(f, &req); err != nil {
		return err
	}
	log := s.log.With("Channel", f.ChannelID)
	log.Debugw("got spawn request", "Command", req.Command, "Args", req.Args, "Stdio", req.Stdio)

	ch := &serverChannel{
		log:   log,
		ctx:   s.ctx,
		conn:  conn,
		id:    f.ChannelID,
		ready: make(chan struct{}),
		done:  make(chan struct{}),
	}
	if err := conn.Register(ch.id, ch); err != nil {
		return err
	}

	var stdout, stderr io.Writer
	if req.Stdio[1] == frame.Pipe {
		stdout = ch.outputWriter(frame.TagStdout)
	}
	if req.Stdio[2] == frame.Pipe {
		stderr = ch.outputWriter(frame.TagStderr)
	}

	proc, err := s.spawner.Spawn(req, stdout, stderr)
	if err != nil {
		log.Debugf("spawn failed: %s", err)
		conn.Release(ch.id)
		ch.sendExit(frame.Unknown(fmt.Errorf("spawn failed: %w", err)))
		return nil
	}
	ch.setProc(proc)
	if stdin := proc.Stdin(); stdin != nil {
		ch.stdin = newStdinQueue(frame.StdinWindow)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			ch.copyStdin(stdin)
		}()
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ch.run()
	}()
	return nil
}

// serverChannel binds a channel id to a running process.
type serverChannel struct {
	log  *zap.SugaredLogger
	ctx  context.Context
	conn *mux.Conn
	id   uint32

	// ready is closed once the spawned frame was queued, output frames wait for it
	ready chan struct{}
	// done is closed once the process has exited
	done chan struct{}

	m    sync.Mutex
	proc Proc
	lost bool

	// stdin is nil until the process started with a stdin pipe
	stdin *stdinQueue
}

func (c *serverChannel) outputWriter(tag frame.Tag) io.Writer {
	return &frameWriter{
		log:   c.log.Named(tag.String()),
		ctx:   c.ctx,
		conn:  c.conn,
		id:    c.id,
		tag:   tag,
		ready: c.ready,
	}
}

func (c *serverChannel) setProc(p Proc) {
	c.m.Lock()
	defer c.m.Unlock()
	c.proc = p
	if c.lost {
		c.log.Debug("connection lost before the process started, killing it")
		_ = p.Kill()
	}
}

func (c *serverChannel) run() {
	c.m.Lock()
	proc := c.proc
	c.m.Unlock()

	pid := proc.Pid()
	f, err := frame.Control(c.id, frame.TagSpawned, frame.Spawned{Pid: pid})
	if err == nil {
		err = c.conn.Send(c.ctx, f)
	}
	if err != nil {
		c.log.Debugf("error sending spawned: %s", err)
	}
	close(c.ready)
	c.log.Debugf("process %d started", pid)

	res := proc.Wait()
	close(c.done)
	if c.stdin != nil {
		c.stdin.abort()
	}
	c.log.Debugf("process %d exited with %s, sending exit result", pid, res)
	c.sendExit(res)
	c.conn.Release(c.id)
}

func (c *serverChannel) sendExit(res ExitResult) {
	f, err := frame.Control(c.id, frame.TagExit, res)
	if err != nil {
		c.log.Debugf("error encoding exit result: %s", err)
		return
	}
	if err := c.conn.Send(c.ctx, f); err != nil {
		c.log.Debugf("error sending exit result: %s", err)
	}
}

// copyStdin writes the queued stdin frames to the process and returns their bytes to the client as credit.
func (c *serverChannel) copyStdin(w io.WriteCloser) {
	defer func() {
		if w != nil {
			w.Close()
		}
	}()
	for {
		b, ok := c.stdin.pop()
		if !ok {
			c.log.Debug("stdin closed")
			return
		}
		if w != nil {
			if _, err := w.Write(b); err != nil {
				// discarded stdin is still returned as credit
				c.log.Debugf("stdin write error: %s", err)
				w.Close()
				w = nil
			}
		}
		c.grantStdin(len(b))
	}
}

func (c *serverChannel) grantStdin(n int) {
	f, err := frame.Control(c.id, frame.TagStdinWindow, frame.StdinWindowUpdate{Bytes: n})
	if err == nil {
		err = c.conn.Send(c.ctx, f)
	}
	if err != nil {
		c.log.Debugf("error granting stdin window: %s", err)
	}
}

func (c *serverChannel) HandleFrame(f frame.Frame) error {
	switch f.Tag {
	case frame.TagStdin:
		if c.stdin == nil {
			return errors.New("stdin is not open")
		}
		return c.stdin.push(f.Payload)
	case frame.TagStdinClose:
		if c.stdin != nil {
			c.stdin.close()
		}
		return nil
	case frame.TagKill:
		var req frame.KillRequest
		if err := frame.Unmarshal(f, &req); err != nil {
			return err
		}
		return c.signal(req.Signal)
	}
	return fmt.Errorf("unexpected %s from client", f.Tag)
}

func (c *serverChannel) signal(name string) error {
	sig, err := ParseSignal(name)
	if err != nil {
		return err
	}
	select {
	case <-c.done:
		return nil
	default:
	}
	c.m.Lock()
	proc := c.proc
	c.m.Unlock()
	c.log.Debugf("sending %s to process %d", SignalName(sig), proc.Pid())
	return proc.Signal(sig)
}

func (c *serverChannel) ConnectionLost(err error) {
	c.m.Lock()
	defer c.m.Unlock()
	c.lost = true
	if c.proc == nil {
		return
	}
	select {
	case <-c.done:
		return
	default:
	}
	c.log.Debugf("connection lost (%s), killing process %d", err, c.proc.Pid())
	_ = c.proc.Kill()
}
