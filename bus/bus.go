// Package bus defines the object-bus boundary between the client stack and a
// remote instrumentation host: the typed capability interfaces exposed by the
// host, the wire records exchanged over them, and a concrete JSON-frame
// endpoint that speaks the protocol over any duplex byte stream.
package bus

import (
	"context"
	"io"
)

// SessionID is an opaque session identity assigned by the host.
type SessionID string

// ScriptID is an opaque script identity assigned by the host.
type ScriptID string

// MessageKind classifies a message record.
type MessageKind string

const (
	MessageKindScript   MessageKind = "script"
	MessageKindDebugger MessageKind = "debugger"
)

// MessageRecord is one message carried in a postMessages batch, in either
// direction.
type MessageRecord struct {
	Kind     MessageKind `json:"kind"`
	ScriptID ScriptID    `json:"scriptId,omitempty"`
	Text     string      `json:"text"`
	HasData  bool        `json:"hasData,omitempty"`
	Data     []byte      `json:"data,omitempty"`
}

// Size estimates the wire footprint of a record for batching purposes.
func (r MessageRecord) Size() int {
	return len(r.Text) + len(r.Data)
}

// ProcessInfo describes one process on the host.
type ProcessInfo struct {
	PID        int            `json:"pid"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// DetachReason explains why a session was detached by the host or locally.
type DetachReason string

const (
	DetachApplicationRequested DetachReason = "application-requested"
	DetachProcessReplaced      DetachReason = "process-replaced"
	DetachProcessTerminated    DetachReason = "process-terminated"
	DetachConnectionTerminated DetachReason = "connection-terminated"
	DetachDeviceLost           DetachReason = "device-lost"
)

// Crash describes a process crash observed by the host. A nil *Crash means no
// crash accompanied the detach; on the wire the absence is encoded as a record
// whose pid is the sentinel 0.
type Crash struct {
	PID        int            `json:"pid"`
	Process    string         `json:"process"`
	Summary    string         `json:"summary"`
	Report     string         `json:"report"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// SessionManager is the host-level session-management capability.
type SessionManager interface {
	EnumerateProcesses(ctx context.Context, opts EnumerateOptions) ([]ProcessInfo, error)
	Attach(ctx context.Context, pid int, opts AttachOptions) (SessionID, error)
	Reattach(ctx context.Context, id SessionID) error

	// OnSessionDetached subscribes to host-driven detach signals. The crash
	// argument is nil when the host sent the pid-0 sentinel.
	OnSessionDetached(fn func(id SessionID, reason DetachReason, crash *Crash)) (cancel func())
}

// AgentSession is the per-session capability resolved over one transport
// link. A session that migrates between transports holds one AgentSession per
// link.
type AgentSession interface {
	Close(ctx context.Context) error
	Resume(ctx context.Context, lastRxBatchID uint64) (lastTxBatchID uint64, err error)

	CreateScript(ctx context.Context, source string, opts ScriptOptions) (ScriptID, error)
	DestroyScript(ctx context.Context, id ScriptID) error
	LoadScript(ctx context.Context, id ScriptID) error
	PostMessages(ctx context.Context, records []MessageRecord, batchID uint64) error

	OfferPeerConnection(ctx context.Context, offerSDP string, opts PeerOptions) (answerSDP string, err error)
	AddCandidates(ctx context.Context, candidateSDPs []string) error
	NotifyCandidateGatheringDone(ctx context.Context) error
	BeginMigration(ctx context.Context) error
	CommitMigration(ctx context.Context) error
	CancelMigration(ctx context.Context) error

	OnCandidates(fn func(candidateSDPs []string)) (cancel func())
	OnCandidateGatheringDone(fn func()) (cancel func())
}

// MessageSink receives inbound message batches from the host. The client
// exports one sink per session on every endpoint the session uses.
type MessageSink interface {
	PostMessages(records []MessageRecord, batchID uint64)
}

// Endpoint is one bus connection over one duplex stream. Two endpoints can
// exist per session lifetime: the relayed link and an optional direct peer
// link.
type Endpoint interface {
	// SessionManager resolves a proxy to the host's session-management
	// interface.
	SessionManager(ctx context.Context) (SessionManager, error)

	// AgentSession links a proxy to the remote session with the given id.
	AgentSession(ctx context.Context, id SessionID) (AgentSession, error)

	// ExportSink exports the local message sink for the given session so the
	// host can deliver inbound batches over this endpoint.
	ExportSink(id SessionID, sink MessageSink)

	// Done is closed when the underlying stream is lost or the endpoint is
	// closed; Err reports the cause afterwards.
	Done() <-chan struct{}
	Err() error

	Close() error
}

// Opener establishes a bus endpoint over an already-connected stream. It is
// an injected capability so the core can be tested with in-process fakes.
type Opener interface {
	Open(ctx context.Context, stream io.ReadWriteCloser) (Endpoint, error)
}

// OpenerFunc adapts a function to the Opener interface.
type OpenerFunc func(ctx context.Context, stream io.ReadWriteCloser) (Endpoint, error)

func (f OpenerFunc) Open(ctx context.Context, stream io.ReadWriteCloser) (Endpoint, error) {
	return f(ctx, stream)
}
