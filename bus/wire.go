package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// protocolVersion is bumped on incompatible frame changes. The hello exchange
// carries it so mismatched peers fail fast.
const protocolVersion = 1

// ErrConnClosed is returned for operations on a closed bus connection.
var ErrConnClosed = errors.New("bus connection is closed")

// frame is the single wire unit. Frames are newline-delimited JSON objects.
type frame struct {
	Type   string            `json:"type"` // "call", "reply" or "signal"
	Serial uint64            `json:"serial,omitempty"`
	Object string            `json:"object,omitempty"`
	Method string            `json:"method,omitempty"`
	Args   []json.RawMessage `json:"args,omitempty"`
	Error  string            `json:"error,omitempty"`
}

// HandlerFunc serves calls addressed to one exported object. The returned
// values are marshalled as the reply args.
type HandlerFunc func(ctx context.Context, method string, args []json.RawMessage) ([]any, error)

// PrefixHandlerFunc serves calls for every object under a name prefix.
type PrefixHandlerFunc func(ctx context.Context, object, method string, args []json.RawMessage) ([]any, error)

// Conn is a symmetric bus connection over a duplex stream. Both sides can
// issue calls, export objects and emit signals; the client and host halves of
// the protocol differ only in which objects they export.
type Conn struct {
	log    *zap.SugaredLogger
	id     string
	stream io.ReadWriteCloser

	writeMu sync.Mutex
	enc     *json.Encoder

	mu             sync.Mutex
	nextSerial     uint64
	calls          map[uint64]chan frame
	handlers       map[string]HandlerFunc
	prefixHandlers map[string]PrefixHandlerFunc
	subs           map[string][]*subscription
	err            error

	done      chan struct{}
	closeOnce sync.Once

	wg sync.WaitGroup
}

type subscription struct {
	fn func(args []json.RawMessage)
}

// ConnOption customizes a Conn.
type ConnOption func(c *Conn)

func WithLogger(l *zap.Logger) ConnOption {
	return func(c *Conn) {
		c.log = l.Sugar()
	}
}

// NewConn wraps a duplex stream in a bus connection and starts reading
// frames. The caller owns the stream; closing the Conn closes it.
func NewConn(stream io.ReadWriteCloser, opts ...ConnOption) *Conn {
	c := &Conn{
		log:            zap.NewNop().Sugar(),
		id:             uuid.NewString(),
		stream:         stream,
		enc:            json.NewEncoder(stream),
		nextSerial:     1,
		calls:          map[uint64]chan frame{},
		handlers:       map[string]HandlerFunc{},
		prefixHandlers: map[string]PrefixHandlerFunc{},
		subs:           map[string][]*subscription{},
		done:           make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("bus").With("ConnID", c.id)

	// Both sides answer hello so the handshake works regardless of which
	// peer initiates it.
	c.HandleFunc("bus", func(ctx context.Context, method string, args []json.RawMessage) ([]any, error) {
		if method != "hello" {
			return nil, fmt.Errorf("unknown bus method %q", method)
		}
		return []any{protocolVersion}, nil
	})

	c.wg.Add(1)
	go c.readLoop()
	return c
}

// ID is the locally generated connection id, used for log correlation.
func (c *Conn) ID() string { return c.id }

// Handshake performs the client side of the hello exchange. The bus carries
// no authentication; the exchange only verifies protocol compatibility.
func (c *Conn) Handshake(ctx context.Context) error {
	res, err := c.Call(ctx, "bus", "hello", protocolVersion)
	if err != nil {
		return fmt.Errorf("bus hello: %w", err)
	}
	var version int
	if len(res) > 0 {
		if err := json.Unmarshal(res[0], &version); err != nil {
			return fmt.Errorf("decoding hello reply: %w", err)
		}
	}
	if version != protocolVersion {
		return fmt.Errorf("protocol version mismatch: local %d, remote %d", protocolVersion, version)
	}
	return nil
}

// HandleFunc exports an object by name. Calls addressed to it are served on
// their own goroutine.
func (c *Conn) HandleFunc(object string, fn HandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[object] = fn
}

// HandlePrefix exports every object name under the given prefix.
func (c *Conn) HandlePrefix(prefix string, fn PrefixHandlerFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prefixHandlers[prefix] = fn
}

// Call invokes a method on a remote object and waits for its reply.
func (c *Conn) Call(ctx context.Context, object, method string, args ...any) ([]json.RawMessage, error) {
	raw, err := marshalArgs(args)
	if err != nil {
		return nil, fmt.Errorf("marshaling args for %s.%s: %w", object, method, err)
	}

	ch := make(chan frame, 1)
	c.mu.Lock()
	if c.err != nil {
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
	serial := c.nextSerial
	c.nextSerial++
	c.calls[serial] = ch
	c.mu.Unlock()

	err = c.writeFrame(frame{Type: "call", Serial: serial, Object: object, Method: method, Args: raw})
	if err != nil {
		c.dropCall(serial)
		return nil, err
	}

	select {
	case reply := <-ch:
		if reply.Error != "" {
			return nil, fmt.Errorf("remote error from %s.%s: %s", object, method, reply.Error)
		}
		return reply.Args, nil
	case <-ctx.Done():
		c.dropCall(serial)
		return nil, ctx.Err()
	case <-c.done:
		c.mu.Lock()
		err := c.err
		c.mu.Unlock()
		return nil, err
	}
}

// Signal emits a one-way notification to the remote peer.
func (c *Conn) Signal(object, method string, args ...any) error {
	raw, err := marshalArgs(args)
	if err != nil {
		return fmt.Errorf("marshaling args for signal %s.%s: %w", object, method, err)
	}
	return c.writeFrame(frame{Type: "signal", Object: object, Method: method, Args: raw})
}

// Subscribe registers a handler for a remote signal. The returned cancel
// function is idempotent.
func (c *Conn) Subscribe(object, method string, fn func(args []json.RawMessage)) (cancel func()) {
	key := object + "\x00" + method
	sub := &subscription{fn: fn}
	c.mu.Lock()
	c.subs[key] = append(c.subs[key], sub)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			subs := c.subs[key]
			for i, s := range subs {
				if s == sub {
					c.subs[key] = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
		})
	}
}

// Done is closed once the connection is unusable; Err reports why.
func (c *Conn) Done() <-chan struct{} { return c.done }

func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Conn) Close() error {
	c.fail(ErrConnClosed)
	return nil
}

func (c *Conn) fail(err error) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.err = err
		pending := c.calls
		c.calls = map[uint64]chan frame{}
		c.mu.Unlock()

		close(c.done)
		c.stream.Close()
		for _, ch := range pending {
			ch <- frame{Error: err.Error()}
		}
	})
}

func (c *Conn) dropCall(serial uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.calls, serial)
}

func (c *Conn) writeFrame(f frame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	select {
	case <-c.done:
		return c.Err()
	default:
	}
	if err := c.enc.Encode(&f); err != nil {
		return fmt.Errorf("writing bus frame: %w", err)
	}
	return nil
}

func (c *Conn) readLoop() {
	defer c.wg.Done()
	dec := json.NewDecoder(c.stream)
	for {
		var f frame
		err := dec.Decode(&f)
		if err != nil {
			c.log.Debugf("read loop terminating: %s", err)
			c.fail(fmt.Errorf("reading bus frame: %w", err))
			return
		}
		switch f.Type {
		case "call":
			go c.serveCall(f)
		case "reply":
			c.mu.Lock()
			ch, ok := c.calls[f.Serial]
			delete(c.calls, f.Serial)
			c.mu.Unlock()
			if !ok {
				c.log.Debugf("dropping reply for unknown serial %d", f.Serial)
				continue
			}
			ch <- f
		case "signal":
			c.mu.Lock()
			subs := append([]*subscription(nil), c.subs[f.Object+"\x00"+f.Method]...)
			c.mu.Unlock()
			for _, sub := range subs {
				sub.fn(f.Args)
			}
		default:
			c.log.Debugf("dropping frame with unknown type %q", f.Type)
		}
	}
}

func (c *Conn) serveCall(f frame) {
	results, err := c.dispatch(f)
	reply := frame{Type: "reply", Serial: f.Serial}
	if err != nil {
		reply.Error = err.Error()
	} else {
		raw, merr := marshalArgs(results)
		if merr != nil {
			reply.Error = fmt.Sprintf("marshaling reply: %s", merr)
		} else {
			reply.Args = raw
		}
	}
	if werr := c.writeFrame(reply); werr != nil {
		c.log.Debugf("error writing reply for serial %d: %s", f.Serial, werr)
	}
}

func (c *Conn) dispatch(f frame) ([]any, error) {
	c.mu.Lock()
	handler, ok := c.handlers[f.Object]
	var prefixFn PrefixHandlerFunc
	if !ok {
		for prefix, fn := range c.prefixHandlers {
			if strings.HasPrefix(f.Object, prefix) {
				prefixFn = fn
				break
			}
		}
	}
	c.mu.Unlock()

	ctx := context.Background()
	if ok {
		return handler(ctx, f.Method, f.Args)
	}
	if prefixFn != nil {
		return prefixFn(ctx, f.Object, f.Method, f.Args)
	}
	return nil, fmt.Errorf("no such object %q", f.Object)
}

func marshalArgs(args []any) ([]json.RawMessage, error) {
	if len(args) == 0 {
		return nil, nil
	}
	raw := make([]json.RawMessage, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, err
		}
		raw[i] = b
	}
	return raw, nil
}
