package agent

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/guseggert/procmux/agent/process"
	"github.com/guseggert/procmux/mux"
	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// Client connects to a node agent.
type Client struct {
	Logger     *zap.SugaredLogger
	HTTPClient *http.Client

	tcpAddr                  string
	baseURL                  string
	dialer                   *net.Dialer
	customizeRetryableClient func(*retryablehttp.Client)
	queueSize                int

	waitInterval time.Duration

	startHeartbeatOnce sync.Once
	stopHeartbeatOnce  sync.Once
	stopHeartbeat      chan struct{}
}

type ClientOption func(c *Client)

func WithClientWaitInterval(d time.Duration) ClientOption {
	return func(c *Client) {
		c.waitInterval = d
	}
}

func WithClientLogger(l *zap.Logger) ClientOption {
	return func(c *Client) {
		c.Logger = l.Named("nodeagentclient").Sugar()
	}
}

func WithCustomizeRetryableClient(f func(r *retryablehttp.Client)) ClientOption {
	return func(c *Client) {
		c.customizeRetryableClient = f
	}
}

// WithClientQueueSize sets the outbound frame queue size of the connections the client dials.
func WithClientQueueSize(n int) ClientOption {
	return func(c *Client) {
		c.queueSize = n
	}
}

type logAdapter struct {
	*zap.SugaredLogger
}

func (a *logAdapter) Printf(msg string, args ...interface{}) { a.Debugf(msg, args...) }

// NewClient builds a client for the agent with the given raw TCP and HTTP addresses, either of which may be empty.
func NewClient(log *zap.SugaredLogger, tcpAddr, httpAddr string, opts ...ClientOption) *Client {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	c := &Client{
		Logger:        log.Named("nodeagent_client"),
		tcpAddr:       tcpAddr,
		dialer:        &net.Dialer{Timeout: 5 * time.Second},
		waitInterval:  100 * time.Millisecond,
		stopHeartbeat: make(chan struct{}),
	}
	if httpAddr != "" {
		c.baseURL = "http://" + httpAddr
	}

	for _, opt := range opts {
		opt(c)
	}

	retryClient := retryablehttp.NewClient()
	retryClient.HTTPClient = &http.Client{
		Transport: &http.Transport{
			DialContext:     c.dialer.DialContext,
			MaxConnsPerHost: 0,
		},
	}
	retryClient.Backoff = func(min, max time.Duration, attemptNum int, resp *http.Response) time.Duration {
		return 10 * time.Millisecond
	}
	retryClient.RetryMax = 10
	retryClient.Logger = &logAdapter{SugaredLogger: c.Logger}

	if c.customizeRetryableClient != nil {
		c.customizeRetryableClient(retryClient)
	}

	c.HTTPClient = retryClient.StandardClient()
	return c
}

func (c *Client) muxOpts() []mux.Option {
	if c.queueSize == 0 {
		return nil
	}
	return []mux.Option{mux.WithQueueSize(c.queueSize)}
}

// DialTCP opens a multiplexed connection over raw TCP.
func (c *Client) DialTCP(ctx context.Context) (*process.Client, error) {
	if c.tcpAddr == "" {
		return nil, fmt.Errorf("no TCP address configured")
	}
	c.Logger.Debugw("dialing TCP", "Addr", c.tcpAddr)
	conn, err := c.dialer.DialContext(ctx, "tcp", c.tcpAddr)
	if err != nil {
		return nil, fmt.Errorf("dialing TCP: %w", err)
	}
	return process.NewClient(c.Logger.Named("process_client"), conn, c.muxOpts()...), nil
}

// DialWebSocket opens a multiplexed connection over a WebSocket.
func (c *Client) DialWebSocket(ctx context.Context) (*process.Client, error) {
	if c.baseURL == "" {
		return nil, fmt.Errorf("no HTTP address configured")
	}
	return process.DialWebSocket(ctx, c.Logger.Named("process_client"), c.HTTPClient, c.baseURL+"/mux", c.muxOpts()...)
}

func (c *Client) prepReq(r *http.Request) {
	r.Header.Add("Content-Type", "application/json")
	r.Close = true
}

func (c *Client) SendHeartbeat(ctx context.Context) error {
	if c.baseURL == "" {
		return fmt.Errorf("no HTTP address configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/heartbeat", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}

	c.prepReq(req)

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("HTTP error: %w", err)
	}
	if resp.Body != nil {
		defer resp.Body.Close()
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected heartbeat status code %d", resp.StatusCode)
	}
	return nil
}

// WaitForServer polls until the agent answers. Without an HTTP address it polls the TCP listener instead.
func (c *Client) WaitForServer(ctx context.Context) error {
	ticker := time.NewTicker(c.waitInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			err := c.probe(ctx)
			if err == nil {
				c.Logger.Debug("server is up, done waiting for server")
				return nil
			}
			c.Logger.Debugf("server not up yet: %s", err)
		}
	}
}

func (c *Client) probe(ctx context.Context) error {
	if c.baseURL != "" {
		return c.SendHeartbeat(ctx)
	}
	conn, err := c.dialer.DialContext(ctx, "tcp", c.tcpAddr)
	if err != nil {
		return err
	}
	return conn.Close()
}

// StartHeartbeat sends a heartbeat every interval until StopHeartbeat is called.
func (n *Client) StartHeartbeat(interval time.Duration) {
	n.startHeartbeatOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				select {
				case <-n.stopHeartbeat:
					return
				case <-ticker.C:
				}
				err := n.SendHeartbeat(context.Background())
				if err != nil {
					n.Logger.Debugf("heartbeat error: %s", err)
				}
			}
		}()
	})
}

func (n *Client) StopHeartbeat() {
	n.stopHeartbeatOnce.Do(func() { close(n.stopHeartbeat) })
}
