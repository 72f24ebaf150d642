package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
)

// Open performs the bus handshake over an already-connected stream and
// returns the client-side endpoint. The handshake carries no authentication.
func Open(ctx context.Context, stream io.ReadWriteCloser, opts ...ConnOption) (Endpoint, error) {
	c := NewConn(stream, opts...)
	if err := c.Handshake(ctx); err != nil {
		c.Close()
		return nil, err
	}
	return &endpoint{c: c}, nil
}

type endpoint struct {
	c *Conn
}

func (e *endpoint) SessionManager(ctx context.Context) (SessionManager, error) {
	return &managerProxy{c: e.c}, nil
}

func (e *endpoint) AgentSession(ctx context.Context, id SessionID) (AgentSession, error) {
	if id == "" {
		return nil, fmt.Errorf("empty session id")
	}
	return &sessionProxy{c: e.c, object: "session/" + string(id)}, nil
}

func (e *endpoint) ExportSink(id SessionID, sink MessageSink) {
	e.c.HandleFunc("sink/"+string(id), func(ctx context.Context, method string, args []json.RawMessage) ([]any, error) {
		if method != "postMessages" {
			return nil, fmt.Errorf("unknown sink method %q", method)
		}
		var records []MessageRecord
		var batchID uint64
		if err := decodeArgs(args, &records, &batchID); err != nil {
			return nil, err
		}
		sink.PostMessages(records, batchID)
		return nil, nil
	})
}

func (e *endpoint) Done() <-chan struct{} { return e.c.Done() }
func (e *endpoint) Err() error            { return e.c.Err() }
func (e *endpoint) Close() error          { return e.c.Close() }

type managerProxy struct {
	c *Conn
}

func (p *managerProxy) EnumerateProcesses(ctx context.Context, opts EnumerateOptions) ([]ProcessInfo, error) {
	res, err := p.c.Call(ctx, "manager", "enumerateProcesses", opts.MarshalMap())
	if err != nil {
		return nil, err
	}
	var procs []ProcessInfo
	if err := decodeArgs(res, &procs); err != nil {
		return nil, fmt.Errorf("decoding process list: %w", err)
	}
	return procs, nil
}

func (p *managerProxy) Attach(ctx context.Context, pid int, opts AttachOptions) (SessionID, error) {
	res, err := p.c.Call(ctx, "manager", "attach", pid, opts.MarshalMap())
	if err != nil {
		return "", err
	}
	var id SessionID
	if err := decodeArgs(res, &id); err != nil {
		return "", fmt.Errorf("decoding session id: %w", err)
	}
	return id, nil
}

func (p *managerProxy) Reattach(ctx context.Context, id SessionID) error {
	_, err := p.c.Call(ctx, "manager", "reattach", id)
	return err
}

func (p *managerProxy) OnSessionDetached(fn func(id SessionID, reason DetachReason, crash *Crash)) (cancel func()) {
	return p.c.Subscribe("manager", "sessionDetached", func(args []json.RawMessage) {
		var id SessionID
		var reason DetachReason
		var crash Crash
		if err := decodeArgs(args, &id, &reason, &crash); err != nil {
			return
		}
		// The wire encodes "no crash" as a record with the pid-0 sentinel.
		var c *Crash
		if crash.PID != 0 {
			c = &crash
		}
		fn(id, reason, c)
	})
}

type sessionProxy struct {
	c      *Conn
	object string
}

func (p *sessionProxy) Close(ctx context.Context) error {
	_, err := p.c.Call(ctx, p.object, "close")
	return err
}

func (p *sessionProxy) Resume(ctx context.Context, lastRxBatchID uint64) (uint64, error) {
	res, err := p.c.Call(ctx, p.object, "resume", lastRxBatchID)
	if err != nil {
		return 0, err
	}
	var lastTxBatchID uint64
	if err := decodeArgs(res, &lastTxBatchID); err != nil {
		return 0, fmt.Errorf("decoding resume reply: %w", err)
	}
	return lastTxBatchID, nil
}

func (p *sessionProxy) CreateScript(ctx context.Context, source string, opts ScriptOptions) (ScriptID, error) {
	res, err := p.c.Call(ctx, p.object, "createScript", source, opts.MarshalMap())
	if err != nil {
		return "", err
	}
	var id ScriptID
	if err := decodeArgs(res, &id); err != nil {
		return "", fmt.Errorf("decoding script id: %w", err)
	}
	return id, nil
}

func (p *sessionProxy) DestroyScript(ctx context.Context, id ScriptID) error {
	_, err := p.c.Call(ctx, p.object, "destroyScript", id)
	return err
}

func (p *sessionProxy) LoadScript(ctx context.Context, id ScriptID) error {
	_, err := p.c.Call(ctx, p.object, "loadScript", id)
	return err
}

func (p *sessionProxy) PostMessages(ctx context.Context, records []MessageRecord, batchID uint64) error {
	_, err := p.c.Call(ctx, p.object, "postMessages", records, batchID)
	return err
}

func (p *sessionProxy) OfferPeerConnection(ctx context.Context, offerSDP string, opts PeerOptions) (string, error) {
	res, err := p.c.Call(ctx, p.object, "offerPeerConnection", offerSDP, opts.MarshalMap())
	if err != nil {
		return "", err
	}
	var answerSDP string
	if err := decodeArgs(res, &answerSDP); err != nil {
		return "", fmt.Errorf("decoding answer SDP: %w", err)
	}
	return answerSDP, nil
}

func (p *sessionProxy) AddCandidates(ctx context.Context, candidateSDPs []string) error {
	_, err := p.c.Call(ctx, p.object, "addCandidates", candidateSDPs)
	return err
}

func (p *sessionProxy) NotifyCandidateGatheringDone(ctx context.Context) error {
	_, err := p.c.Call(ctx, p.object, "notifyCandidateGatheringDone")
	return err
}

func (p *sessionProxy) BeginMigration(ctx context.Context) error {
	_, err := p.c.Call(ctx, p.object, "beginMigration")
	return err
}

func (p *sessionProxy) CommitMigration(ctx context.Context) error {
	_, err := p.c.Call(ctx, p.object, "commitMigration")
	return err
}

func (p *sessionProxy) CancelMigration(ctx context.Context) error {
	_, err := p.c.Call(ctx, p.object, "cancelMigration")
	return err
}

func (p *sessionProxy) OnCandidates(fn func(candidateSDPs []string)) (cancel func()) {
	return p.c.Subscribe(p.object, "candidates", func(args []json.RawMessage) {
		var sdps []string
		if err := decodeArgs(args, &sdps); err != nil {
			return
		}
		fn(sdps)
	})
}

func (p *sessionProxy) OnCandidateGatheringDone(fn func()) (cancel func()) {
	return p.c.Subscribe(p.object, "candidateGatheringDone", func(args []json.RawMessage) {
		fn()
	})
}

// decodeArgs unmarshals positional args into the given targets. Missing
// trailing args leave their targets at zero values.
func decodeArgs(args []json.RawMessage, targets ...any) error {
	for i, target := range targets {
		if i >= len(args) {
			return nil
		}
		if err := json.Unmarshal(args[i], target); err != nil {
			return fmt.Errorf("decoding arg %d: %w", i, err)
		}
	}
	return nil
}
