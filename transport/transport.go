// Package transport establishes the duplex byte streams the bus runs over.
// The stream source is an injected capability so the core can be tested with
// in-process pipes.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// TLSPolicy selects the scheme used to reach the host.
type TLSPolicy string

const (
	// TLSAuto uses TLS unless the host address is a loopback address.
	TLSAuto TLSPolicy = "auto"
	// TLSEnabled always uses TLS.
	TLSEnabled TLSPolicy = "enabled"
	// TLSDisabled never uses TLS.
	TLSDisabled TLSPolicy = "disabled"
)

// Dialer opens a duplex stream to the host.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (net.Conn, error)

func (f DialerFunc) Dial(ctx context.Context) (net.Conn, error) {
	return f(ctx)
}

// WSDialer dials the host's WebSocket endpoint at <scheme>://<host>/ws and
// adapts the connection to a net.Conn.
type WSDialer struct {
	log        *zap.SugaredLogger
	host       string
	policy     TLSPolicy
	httpClient *http.Client
}

type WSDialerOption func(d *WSDialer)

func WithWSLogger(l *zap.Logger) WSDialerOption {
	return func(d *WSDialer) {
		d.log = l.Named("ws_dialer").Sugar()
	}
}

func WithTLSPolicy(p TLSPolicy) WSDialerOption {
	return func(d *WSDialer) {
		d.policy = p
	}
}

func WithHTTPClient(c *http.Client) WSDialerOption {
	return func(d *WSDialer) {
		d.httpClient = c
	}
}

// NewWSDialer builds a dialer for the given host ("host" or "host:port").
func NewWSDialer(host string, opts ...WSDialerOption) *WSDialer {
	d := &WSDialer{
		log:    zap.NewNop().Sugar(),
		host:   host,
		policy: TLSAuto,
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.httpClient == nil {
		retryClient := retryablehttp.NewClient()
		retryClient.RetryMax = 3
		retryClient.RetryWaitMin = 50 * time.Millisecond
		retryClient.RetryWaitMax = 500 * time.Millisecond
		retryClient.Logger = nil
		d.httpClient = retryClient.StandardClient()
	}
	return d
}

func (d *WSDialer) Dial(ctx context.Context) (net.Conn, error) {
	u := fmt.Sprintf("%s://%s/ws", d.scheme(), d.host)
	d.log.Debugw("dialing WebSocket", "URL", u)
	wsConn, _, err := websocket.Dial(ctx, u, &websocket.DialOptions{HTTPClient: d.httpClient})
	if err != nil {
		return nil, fmt.Errorf("dialing WebSocket conn: %w", err)
	}
	// The returned conn outlives the dial; its lifetime is bounded by Close,
	// not by the dial context.
	return websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary), nil
}

func (d *WSDialer) scheme() string {
	switch d.policy {
	case TLSEnabled:
		return "wss"
	case TLSDisabled:
		return "ws"
	default:
		if isLoopback(d.host) {
			return "ws"
		}
		return "wss"
	}
}

func isLoopback(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
