package client

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/traceport/traceport/bus"
)

// LogLevel is the severity of a remote script log record.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "debug"
	LogLevelInfo    LogLevel = "info"
	LogLevelWarning LogLevel = "warning"
	LogLevelError   LogLevel = "error"
)

// Message is an application-visible message posted by the remote script.
// RPC replies and log records are filtered out before messages reach
// OnMessage handlers.
type Message struct {
	Text string
	Data []byte
}

// Script is a script created inside the remote-attached process. It is owned
// by its Session and destroyed on explicit Unload, session destruction, or
// host-driven detach.
type Script struct {
	log     *zap.SugaredLogger
	session *Session
	id      bus.ScriptID
	rpc     *rpcCorrelator

	mu           sync.Mutex
	destroyed    bool
	messageFns   []func(Message)
	logFns       []func(LogLevel, string)
	destroyedFns []func()
}

func newScript(s *Session, id bus.ScriptID) *Script {
	return &Script{
		log:     s.log.Named("script").With("ScriptID", id),
		session: s,
		id:      id,
		rpc:     newRPCCorrelator(),
	}
}

func (sc *Script) ID() bus.ScriptID { return sc.id }

// OnMessage registers a handler for application messages.
func (sc *Script) OnMessage(fn func(Message)) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.messageFns = append(sc.messageFns, fn)
}

// OnLog registers a handler for remote log records.
func (sc *Script) OnLog(fn func(level LogLevel, text string)) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.logFns = append(sc.logFns, fn)
}

// OnDestroyed registers a handler invoked at most once when the script is
// destroyed, whether locally or by the host.
func (sc *Script) OnDestroyed(fn func()) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.destroyedFns = append(sc.destroyedFns, fn)
}

// Load starts the script on the remote side.
func (sc *Script) Load(ctx context.Context) error {
	agent, err := sc.session.currentAgent()
	if err != nil {
		return err
	}
	if err := agent.LoadScript(ctx, sc.id); err != nil {
		return fmt.Errorf("loading script: %w", err)
	}
	return nil
}

// Unload destroys the script on the remote side, then locally.
func (sc *Script) Unload(ctx context.Context) error {
	agent, err := sc.session.currentAgent()
	if err != nil {
		return err
	}
	if err := agent.DestroyScript(ctx, sc.id); err != nil {
		return fmt.Errorf("destroying script: %w", err)
	}
	sc.session.removeScript(sc.id)
	sc.handleDestroyed()
	return nil
}

// Post sends an application message to the script. The payload is carried as
// JSON text plus an optional binary attachment. Delivery failures for
// persistent sessions are recovered by resend and never surfaced here.
func (sc *Script) Post(payload any, data []byte) error {
	sc.mu.Lock()
	destroyed := sc.destroyed
	sc.mu.Unlock()
	if destroyed {
		return ErrScriptDestroyed
	}
	text, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshaling payload: %w", err)
	}
	return sc.session.post(bus.MessageRecord{
		Kind:     bus.MessageKindScript,
		ScriptID: sc.id,
		Text:     string(text),
		HasData:  len(data) > 0,
		Data:     data,
	})
}

// Call invokes a named export of the remote script and waits for its reply.
// If the script is destroyed before a reply arrives, the call fails with
// ErrScriptDestroyed.
func (sc *Script) Call(ctx context.Context, name string, args ...any) (RPCResult, error) {
	sc.mu.Lock()
	destroyed := sc.destroyed
	sc.mu.Unlock()
	if destroyed {
		return RPCResult{}, ErrScriptDestroyed
	}

	id, ch := sc.rpc.register()
	if args == nil {
		args = []any{}
	}
	text, err := json.Marshal([]any{rpcMessageTag, id, "call", name, args})
	if err != nil {
		sc.rpc.drop(id)
		return RPCResult{}, fmt.Errorf("marshaling rpc request: %w", err)
	}
	err = sc.session.post(bus.MessageRecord{
		Kind:     bus.MessageKindScript,
		ScriptID: sc.id,
		Text:     string(text),
	})
	if err != nil {
		sc.rpc.drop(id)
		return RPCResult{}, err
	}

	select {
	case reply := <-ch:
		if reply.err != nil {
			return RPCResult{}, reply.err
		}
		return RPCResult{Value: reply.value, Data: reply.data}, nil
	case <-ctx.Done():
		sc.rpc.drop(id)
		return RPCResult{}, ctx.Err()
	}
}

// deliver classifies one inbound record as RPC reply, log or application
// message and routes it accordingly.
func (sc *Script) deliver(record bus.MessageRecord) {
	var parts []json.RawMessage
	if err := json.Unmarshal([]byte(record.Text), &parts); err == nil && len(parts) >= 3 {
		var tag string
		if json.Unmarshal(parts[0], &tag) == nil && tag == rpcMessageTag {
			sc.handleRPCReply(parts, record.Data)
			return
		}
	}

	var envelope struct {
		Type    string          `json:"type"`
		Level   LogLevel        `json:"level"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal([]byte(record.Text), &envelope); err == nil && envelope.Type == "log" {
		var text string
		if json.Unmarshal(envelope.Payload, &text) != nil {
			text = string(envelope.Payload)
		}
		sc.mu.Lock()
		fns := append([]func(LogLevel, string){}, sc.logFns...)
		sc.mu.Unlock()
		for _, fn := range fns {
			fn(envelope.Level, text)
		}
		return
	}

	sc.mu.Lock()
	fns := append([]func(Message){}, sc.messageFns...)
	sc.mu.Unlock()
	msg := Message{Text: record.Text, Data: record.Data}
	for _, fn := range fns {
		fn(msg)
	}
}

func (sc *Script) handleRPCReply(parts []json.RawMessage, data []byte) {
	var id uint64
	var op string
	if json.Unmarshal(parts[1], &id) != nil || json.Unmarshal(parts[2], &op) != nil {
		sc.log.Debug("dropping malformed rpc reply")
		return
	}
	switch op {
	case "ok":
		reply := rpcReply{data: data}
		if len(data) == 0 && len(parts) > 3 {
			reply.value = parts[3]
		}
		sc.rpc.dispatch(id, reply)
	case "error":
		e := &RemoteError{}
		if len(parts) > 3 {
			json.Unmarshal(parts[3], &e.Message)
		}
		if len(parts) > 4 {
			json.Unmarshal(parts[4], &e.Name)
		}
		if len(parts) > 5 {
			json.Unmarshal(parts[5], &e.Stack)
		}
		if len(parts) > 6 {
			json.Unmarshal(parts[6], &e.Properties)
		}
		sc.rpc.dispatch(id, rpcReply{err: e})
	default:
		sc.log.Debugf("dropping rpc reply with unknown operation %q", op)
	}
}

// handleDestroyed performs local destruction: pending RPC calls reject with
// ErrScriptDestroyed and the destroyed notification fires at most once.
func (sc *Script) handleDestroyed() {
	sc.mu.Lock()
	if sc.destroyed {
		sc.mu.Unlock()
		return
	}
	sc.destroyed = true
	fns := append([]func(){}, sc.destroyedFns...)
	sc.mu.Unlock()

	sc.rpc.failAll(ErrScriptDestroyed)
	for _, fn := range fns {
		fn()
	}
}
