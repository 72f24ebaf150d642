// Package client implements the client half of the remote instrumentation
// protocol: attaching to processes on a host, controlling scripts inside
// them, and surviving network interruption by migrating live sessions
// between transports.
package client

import (
	"context"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/traceport/traceport/bus"
	"github.com/traceport/traceport/peer"
	"github.com/traceport/traceport/transport"
)

// Client owns a lazily established, shared connection to one host and a
// registry of sessions attached through it.
type Client struct {
	log       *zap.SugaredLogger
	dialer    transport.Dialer
	opener    bus.Opener
	peerSetup func(ctx context.Context, cfg peer.Config) (*peer.Connection, error)

	mu       sync.Mutex
	current  *connFuture
	sessions map[bus.SessionID]*Session
}

type Option func(c *Client)

func WithClientLogger(l *zap.Logger) Option {
	return func(c *Client) {
		c.log = l.Named("client").Sugar()
	}
}

// WithOpener overrides how bus endpoints are established over dialed
// streams. Used to test the core with in-process fakes.
func WithOpener(o bus.Opener) Option {
	return func(c *Client) {
		c.opener = o
	}
}

// New builds a client that reaches its host through the given dialer.
func New(dialer transport.Dialer, opts ...Option) *Client {
	c := &Client{
		log:       zap.NewNop().Sugar(),
		dialer:    dialer,
		peerSetup: peer.Setup,
		sessions:  map[bus.SessionID]*Session{},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.opener == nil {
		c.opener = bus.OpenerFunc(func(ctx context.Context, stream io.ReadWriteCloser) (bus.Endpoint, error) {
			return bus.Open(ctx, stream, bus.WithLogger(c.log.Desugar()))
		})
	}
	return c
}

// hostConn is the shared host connection handle: one bus endpoint plus the
// host's session-management proxy. It is invalidated and replaced wholesale
// on transport loss, never individually repaired.
type hostConn struct {
	endpoint       bus.Endpoint
	mgr            bus.SessionManager
	cancelDetached func()
}

// connFuture memoizes an in-flight or established connection attempt so
// concurrent callers share it.
type connFuture struct {
	done chan struct{}
	conn *hostConn
	err  error
}

func (c *Client) connection(ctx context.Context) (*hostConn, error) {
	c.mu.Lock()
	f := c.current
	if f == nil {
		f = &connFuture{done: make(chan struct{})}
		c.current = f
		go c.establish(f)
	}
	c.mu.Unlock()

	select {
	case <-f.done:
		return f.conn, f.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) establish(f *connFuture) {
	// The attempt is shared between callers, so it is not bounded by any one
	// caller's context.
	ctx := context.Background()

	fail := func(err error) {
		f.err = err
		c.mu.Lock()
		if c.current == f {
			c.current = nil
		}
		c.mu.Unlock()
		close(f.done)
	}

	stream, err := c.dialer.Dial(ctx)
	if err != nil {
		fail(fmt.Errorf("dialing host: %w", err))
		return
	}
	endpoint, err := c.opener.Open(ctx, stream)
	if err != nil {
		stream.Close()
		fail(fmt.Errorf("opening bus: %w", err))
		return
	}
	mgr, err := endpoint.SessionManager(ctx)
	if err != nil {
		endpoint.Close()
		fail(fmt.Errorf("resolving session manager: %w", err))
		return
	}
	cancelDetached := mgr.OnSessionDetached(c.routeDetached)

	f.conn = &hostConn{endpoint: endpoint, mgr: mgr, cancelDetached: cancelDetached}
	close(f.done)
	c.log.Debug("host connection established")
	go c.watch(f)
}

// watch invalidates the memoized connection once its endpoint dies and
// notifies every tracked session. Recovery is the caller's responsibility
// via Session.Resume.
func (c *Client) watch(f *connFuture) {
	<-f.conn.endpoint.Done()
	f.conn.cancelDetached()

	c.mu.Lock()
	if c.current == f {
		c.current = nil
	}
	sessions := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	c.log.Debugw("host connection lost", "Error", f.conn.endpoint.Err())
	for _, s := range sessions {
		s.handleConnectionLost()
	}
}

func (c *Client) routeDetached(id bus.SessionID, reason bus.DetachReason, crash *bus.Crash) {
	c.mu.Lock()
	s := c.sessions[id]
	c.mu.Unlock()
	if s == nil {
		c.log.Debugw("dropping detach signal for unknown session", "SessionID", id)
		return
	}
	s.handleDetachSignal(reason, crash)
}

func (c *Client) removeSession(id bus.SessionID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sessions, id)
}

// EnumerateProcesses lists processes on the host.
func (c *Client) EnumerateProcesses(ctx context.Context, opts bus.EnumerateOptions) ([]bus.ProcessInfo, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}
	procs, err := conn.mgr.EnumerateProcesses(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("enumerating processes: %w", err)
	}
	return procs, nil
}

// Attach creates a session on the given process and registers it for
// detach-signal routing.
func (c *Client) Attach(ctx context.Context, pid int, opts bus.AttachOptions) (*Session, error) {
	conn, err := c.connection(ctx)
	if err != nil {
		return nil, err
	}
	id, err := conn.mgr.Attach(ctx, pid, opts)
	if err != nil {
		return nil, fmt.Errorf("attaching to pid %d: %w", pid, err)
	}
	agent, err := conn.endpoint.AgentSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("linking session proxy: %w", err)
	}

	s := newSession(c, id, pid, opts.PersistTimeout, &link{endpoint: conn.endpoint, agent: agent})
	conn.endpoint.ExportSink(id, (*sessionSink)(s))

	c.mu.Lock()
	c.sessions[id] = s
	c.mu.Unlock()
	c.log.Debugw("attached", "SessionID", id, "PID", pid)
	return s, nil
}
