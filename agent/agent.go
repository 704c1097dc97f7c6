package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/guseggert/procmux/agent/process"
	"github.com/julienschmidt/httprouter"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
)

// NodeAgent runs processes for clients connecting over raw TCP or over a WebSocket.
// Processes are scoped to the connection that spawned them.
type NodeAgent struct {
	logger *zap.SugaredLogger

	heartbeatFailureHandler func()
	heartbeatTimeout        time.Duration
	listenAddr              string
	wsListenAddr            string

	processServer *process.Server

	ctx    context.Context
	cancel func()

	m            sync.Mutex
	tcpListener  net.Listener
	httpListener net.Listener
	httpServer   *http.Server
	stopped      bool

	heartbeatMut  sync.Mutex
	lastHeartbeat time.Time
}

type Option func(n *NodeAgent)

// WithHeartbeatTimeout sets how long the agent waits for a heartbeat before calling the heartbeat failure handler.
func WithHeartbeatTimeout(d time.Duration) Option {
	return func(n *NodeAgent) {
		n.heartbeatTimeout = d
	}
}

// WithHeartbeatFailureHandler enables heartbeat checking. Without a handler, heartbeats are answered but not checked.
func WithHeartbeatFailureHandler(f func()) Option {
	return func(n *NodeAgent) {
		n.heartbeatFailureHandler = f
	}
}

// WithListenAddr sets the raw TCP listen address, empty disables the listener.
func WithListenAddr(s string) Option {
	return func(n *NodeAgent) {
		n.listenAddr = s
	}
}

// WithWSListenAddr sets the HTTP listen address, empty disables the listener.
func WithWSListenAddr(s string) Option {
	return func(n *NodeAgent) {
		n.wsListenAddr = s
	}
}

func WithLogger(l *zap.Logger) Option {
	return func(n *NodeAgent) {
		n.logger = l.Named("nodeagent").Sugar()
		n.processServer.Log = l.Named("process_server").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(n *NodeAgent) {
		n.logger = n.logger.WithOptions(zap.IncreaseLevel(l))
		n.processServer.Log = n.processServer.Log.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithQueueSize sets the outbound frame queue size of each connection.
func WithQueueSize(size int) Option {
	return func(n *NodeAgent) {
		n.processServer.QueueSize = size
	}
}

// WithSpawner replaces the local process spawner.
func WithSpawner(s process.Spawner) Option {
	return func(n *NodeAgent) {
		n.processServer.Spawner = s
	}
}

func HeartbeatFailureExit() {
	fmt.Fprintln(os.Stderr, "heartbeat failed, exiting")
	os.Exit(1)
}

// NewNodeAgent constructs a new node agent. Nothing is bound until Listen or Run.
func NewNodeAgent(opts ...Option) *NodeAgent {
	nop := zap.NewNop()
	ctx, cancel := context.WithCancel(context.Background())
	n := &NodeAgent{
		logger:           nop.Sugar(),
		processServer:    &process.Server{Log: nop.Sugar()},
		heartbeatTimeout: 1 * time.Minute,
		listenAddr:       "0.0.0.0:7070",
		wsListenAddr:     "0.0.0.0:8080",
		ctx:              ctx,
		cancel:           cancel,
	}
	for _, o := range opts {
		o(n)
	}
	return n
}

// Listen binds the configured listeners. It is called by Run if needed.
func (a *NodeAgent) Listen() error {
	a.m.Lock()
	defer a.m.Unlock()
	if a.stopped {
		return errors.New("agent stopped")
	}
	if a.tcpListener != nil || a.httpListener != nil {
		return nil
	}
	if a.listenAddr == "" && a.wsListenAddr == "" {
		return errors.New("no listen address configured")
	}

	if a.listenAddr != "" {
		l, err := net.Listen("tcp", a.listenAddr)
		if err != nil {
			return fmt.Errorf("listening TCP: %w", err)
		}
		a.tcpListener = l
	}
	if a.wsListenAddr != "" {
		l, err := net.Listen("tcp", a.wsListenAddr)
		if err != nil {
			if a.tcpListener != nil {
				a.tcpListener.Close()
				a.tcpListener = nil
			}
			return fmt.Errorf("listening HTTP: %w", err)
		}
		a.httpListener = l

		router := httprouter.New()
		router.GET("/heartbeat", a.heartbeat)
		router.GET("/mux", a.mux)
		a.httpServer = &http.Server{
			Handler: router,
			// hijacked WebSocket conns aren't closed by Close, so tie them to the agent's lifetime
			BaseContext: func(net.Listener) context.Context { return a.ctx },
		}
	}
	return nil
}

// Addr returns the address of the raw TCP listener, or nil if it is disabled or not bound.
func (a *NodeAgent) Addr() net.Addr {
	a.m.Lock()
	defer a.m.Unlock()
	if a.tcpListener == nil {
		return nil
	}
	return a.tcpListener.Addr()
}

// WSAddr returns the address of the HTTP listener, or nil if it is disabled or not bound.
func (a *NodeAgent) WSAddr() net.Addr {
	a.m.Lock()
	defer a.m.Unlock()
	if a.httpListener == nil {
		return nil
	}
	return a.httpListener.Addr()
}

// startHeartbeatCheck starts a goroutine that calls the failure handler when heartbeats stop arriving.
func (a *NodeAgent) startHeartbeatCheck() {
	if a.heartbeatFailureHandler == nil {
		return
	}
	go func() {
		a.heartbeatMut.Lock()
		a.lastHeartbeat = time.Now()
		a.heartbeatMut.Unlock()

		ticker := time.NewTicker(1 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-a.ctx.Done():
				return
			case <-ticker.C:
			}

			a.heartbeatMut.Lock()
			lastHeartbeat := a.lastHeartbeat
			a.heartbeatMut.Unlock()

			if lastHeartbeat.Add(a.heartbeatTimeout).Before(time.Now()) {
				a.logger.Debugf("no heartbeat since %s", lastHeartbeat)
				a.heartbeatFailureHandler()
			}
		}
	}()
}

// Run runs the node agent and returns once the node agent has stopped.
func (a *NodeAgent) Run() error {
	if err := a.Listen(); err != nil {
		return err
	}
	a.startHeartbeatCheck()

	a.m.Lock()
	tcpListener, httpListener, httpServer := a.tcpListener, a.httpListener, a.httpServer
	a.m.Unlock()

	g := &errgroup.Group{}
	if tcpListener != nil {
		a.logger.Infof("serving TCP on %s", tcpListener.Addr())
		g.Go(func() error {
			err := a.processServer.Serve(a.ctx, tcpListener)
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		})
	}
	if httpListener != nil {
		a.logger.Infof("serving HTTP on %s", httpListener.Addr())
		g.Go(func() error {
			err := httpServer.Serve(httpListener)
			if errors.Is(err, http.ErrServerClosed) {
				return nil
			}
			return err
		})
	}
	return g.Wait()
}

// mux upgrades the request to a WebSocket carrying a multiplexed connection.
func (a *NodeAgent) mux(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.processServer.ServeHTTP(w, r)
}

func (a *NodeAgent) heartbeat(w http.ResponseWriter, r *http.Request, params httprouter.Params) {
	a.heartbeatMut.Lock()
	lastHeartbeat := a.lastHeartbeat
	a.lastHeartbeat = time.Now()
	a.heartbeatMut.Unlock()
	response := struct {
		LastHeartbeat string
	}{
		LastHeartbeat: lastHeartbeat.UTC().Format(time.RFC3339),
	}
	b, err := json.Marshal(response)
	if err != nil {
		a.logger.Debugf("error marshaling heartbeat response: %s", err)
	}
	w.Header().Add("Content-Type", "application/json")
	w.Write(b)
}

// Stop closes the listeners and every open connection, which kills every process the agent started.
func (a *NodeAgent) Stop() error {
	a.m.Lock()
	defer a.m.Unlock()
	if a.stopped {
		return nil
	}
	a.stopped = true
	a.cancel()

	var err error
	if a.tcpListener != nil {
		if cerr := a.tcpListener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, fmt.Errorf("closing TCP listener: %w", cerr))
		}
	}
	if a.httpServer != nil {
		if cerr := a.httpServer.Close(); cerr != nil {
			err = multierr.Append(err, fmt.Errorf("closing HTTP server: %w", cerr))
		}
	}
	// Close only closes listeners that Serve already tracks
	if a.httpListener != nil {
		if cerr := a.httpListener.Close(); cerr != nil && !errors.Is(cerr, net.ErrClosed) {
			err = multierr.Append(err, fmt.Errorf("closing HTTP listener: %w", cerr))
		}
	}
	return err
}
