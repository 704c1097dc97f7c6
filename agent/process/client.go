package process

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/guseggert/procmux/frame"
	"github.com/guseggert/procmux/mux"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// ErrNotStarted is returned by RemotePid when the process exited without the server reporting a pid,
// e.g. because it could not be spawned.
var ErrNotStarted = errors.New("process never started")

// Client spawns processes on the server at the other end of one connection.
type Client struct {
	log    *zap.SugaredLogger
	conn   *mux.Conn
	ctx    context.Context
	cancel func()
	runErr error
	done   chan struct{}

	// spawnMu keeps spawn frames in channel id order
	spawnMu sync.Mutex
}

// NewClient starts multiplexing over rwc. The connection is owned by the client until Close.
func NewClient(log *zap.SugaredLogger, rwc io.ReadWriteCloser, opts ...mux.Option) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	ctx, cancel := context.WithCancel(context.Background())
	conn := mux.New(rwc, append([]mux.Option{mux.WithLogger(log.Named("conn"))}, opts...)...)
	c := &Client{
		log:    log.With("Conn", conn.ID()),
		conn:   conn,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(c.done)
		c.runErr = conn.Run(ctx)
		c.log.Debugw("connection ended", "Error", c.runErr)
	}()
	return c
}

// DialWebSocket connects to a server's WebSocket endpoint and returns a client using it as the transport.
func DialWebSocket(ctx context.Context, log *zap.SugaredLogger, httpClient *http.Client, url string, opts ...mux.Option) (*Client, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	log.Debugw("dialing WebSocket", "URL", url)
	wsConn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPClient:      httpClient,
		CompressionMode: websocket.CompressionContextTakeover,
	})
	if err != nil {
		log.Debugf("dial error: %s", err)
		return nil, fmt.Errorf("establishing WebSocket conn: %w", err)
	}
	wsConn.SetReadLimit(readLimit)

	// the net.Conn outlives the dial context
	netConn := websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary)
	return NewClient(log, netConn, opts...), nil
}

// Close terminates the connection. Processes that have not exited resolve with an unknown outcome,
// and the server kills them.
func (c *Client) Close() error {
	err := c.conn.Close()
	c.cancel()
	<-c.done
	return err
}

// Done is closed once the connection has terminated.
func (c *Client) Done() <-chan struct{} { return c.done }

// Err returns why the connection terminated, nil after a clean close.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.runErr
	default:
		return nil
	}
}

// Spawn asks the server to start command. It returns an error only if the spawn request could not be sent;
// every other failure, including the command not existing, is reported through the exit result.
func (c *Client) Spawn(ctx context.Context, command string, args []string, opts SpawnOptions) (Process, error) {
	p := &remoteProcess{
		conn:    c.conn,
		ctx:     c.ctx,
		started: make(chan struct{}),
		done:    make(chan struct{}),
	}
	c.spawnMu.Lock()
	defer c.spawnMu.Unlock()
	id, err := c.conn.Open(func(id uint32) mux.Channel {
		p.init(c.log, id, opts)
		return p
	})
	if err != nil {
		return nil, fmt.Errorf("opening channel: %w", err)
	}

	f, err := frame.Control(id, frame.TagSpawn, frame.SpawnRequest{
		Command: command,
		Args:    args,
		Env:     opts.Env,
		Dir:     opts.Dir,
		Stdio:   opts.Stdio,
	})
	if err == nil {
		err = c.conn.Send(ctx, f)
	}
	if err != nil {
		c.conn.Release(id)
		p.resolve(frame.Unknown(err))
		return nil, fmt.Errorf("sending spawn request: %w", err)
	}
	p.log.Debugw("sent spawn request", "Command", command, "Args", args)
	return p, nil
}

// remoteProcess reconstructs a process purely from the frames of its channel.
type remoteProcess struct {
	log  *zap.SugaredLogger
	conn *mux.Conn
	ctx  context.Context
	id   uint32

	stdin  *frameWriter
	stdout *Stream
	stderr *Stream

	// started is closed when the spawned frame arrives
	started chan struct{}
	// done is closed when the exit result is known
	done chan struct{}

	m         sync.Mutex
	state     State
	remotePid int
	result    ExitResult
	onExit    []func(ExitResult)
}

func (p *remoteProcess) init(log *zap.SugaredLogger, id uint32, opts SpawnOptions) {
	p.id = id
	p.log = log.Named("process").With("Channel", id)
	if opts.Stdio[0] == Pipe {
		p.stdin = &frameWriter{
			log:      p.log.Named("stdin"),
			ctx:      p.ctx,
			conn:     p.conn,
			id:       id,
			tag:      frame.TagStdin,
			closeTag: frame.TagStdinClose,
			credit:   newCredit(frame.StdinWindow),
			done:     p.done,
		}
	}
	if opts.Stdio[1] == Pipe {
		p.stdout = newStream()
	}
	if opts.Stdio[2] == Pipe {
		p.stderr = newStream()
	}
}

func (p *remoteProcess) Pid() int { return int(p.id) }

func (p *remoteProcess) RemotePid(ctx context.Context) (int, error) {
	select {
	case <-p.started:
	case <-p.done:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	p.m.Lock()
	defer p.m.Unlock()
	if p.remotePid == 0 {
		return 0, ErrNotStarted
	}
	return p.remotePid, nil
}

func (p *remoteProcess) Stdin() io.WriteCloser {
	if p.stdin == nil {
		return nil
	}
	return p.stdin
}

func (p *remoteProcess) Stdout() *Stream { return p.stdout }

func (p *remoteProcess) Stderr() *Stream { return p.stderr }

func (p *remoteProcess) Kill(ctx context.Context) error {
	return p.Signal(ctx, DefaultSignal)
}

func (p *remoteProcess) Signal(ctx context.Context, sig string) error {
	if p.State() == Resolved {
		return nil
	}
	if _, err := ParseSignal(sig); err != nil {
		return err
	}
	f, err := frame.Control(p.id, frame.TagKill, frame.KillRequest{Signal: sig})
	if err != nil {
		return err
	}
	err = p.conn.Send(ctx, f)
	if errors.Is(err, mux.ErrClosed) {
		// the connection failure resolves the process
		return nil
	}
	return err
}

func (p *remoteProcess) Wait(ctx context.Context) (ExitResult, error) {
	select {
	case <-p.done:
		p.m.Lock()
		defer p.m.Unlock()
		return p.result, nil
	case <-ctx.Done():
		return ExitResult{}, ctx.Err()
	}
}

func (p *remoteProcess) Done() <-chan struct{} { return p.done }

func (p *remoteProcess) OnExit(f func(ExitResult)) {
	p.m.Lock()
	if p.state != Resolved {
		p.onExit = append(p.onExit, f)
		p.m.Unlock()
		return
	}
	res := p.result
	p.m.Unlock()
	f(res)
}

func (p *remoteProcess) State() State {
	p.m.Lock()
	defer p.m.Unlock()
	return p.state
}

func (p *remoteProcess) streaming() {
	p.m.Lock()
	defer p.m.Unlock()
	if p.state == Pending {
		p.state = Streaming
	}
}

// resolve delivers the exit result. Only the first call has any effect.
func (p *remoteProcess) resolve(res ExitResult) {
	p.m.Lock()
	if p.state == Resolved {
		p.m.Unlock()
		p.log.Debugw("discarding exit result for resolved process", "Result", res.String())
		return
	}
	p.state = Resolved
	p.result = res
	listeners := p.onExit
	p.onExit = nil
	p.m.Unlock()

	p.log.Debugw("process resolved", "Result", res.String())
	if p.stdout != nil {
		p.stdout.close()
	}
	if p.stderr != nil {
		p.stderr.close()
	}
	close(p.done)
	for _, f := range listeners {
		f(res)
	}
}

func (p *remoteProcess) HandleFrame(f frame.Frame) error {
	switch f.Tag {
	case frame.TagSpawned:
		var s frame.Spawned
		if err := frame.Unmarshal(f, &s); err != nil {
			return err
		}
		p.m.Lock()
		first := p.remotePid == 0
		p.remotePid = s.Pid
		p.m.Unlock()
		if first {
			close(p.started)
		}
		p.streaming()
		return nil
	case frame.TagStdout:
		p.streaming()
		if p.stdout == nil {
			return errors.New("stdout is ignored")
		}
		p.stdout.write(f.Payload)
		return nil
	case frame.TagStderr:
		p.streaming()
		if p.stderr == nil {
			return errors.New("stderr is ignored")
		}
		p.stderr.write(f.Payload)
		return nil
	case frame.TagStdinWindow:
		if p.stdin == nil {
			return errors.New("stdin is ignored")
		}
		var u frame.StdinWindowUpdate
		if err := frame.Unmarshal(f, &u); err != nil {
			return err
		}
		p.stdin.credit.add(u.Bytes)
		return nil
	case frame.TagExit:
		var res ExitResult
		if err := frame.Unmarshal(f, &res); err != nil {
			return err
		}
		p.conn.Release(p.id)
		p.resolve(res)
		return nil
	}
	return fmt.Errorf("unexpected %s from server", f.Tag)
}

func (p *remoteProcess) ConnectionLost(err error) {
	p.resolve(frame.Unknown(fmt.Errorf("connection lost: %w", err)))
}
