package client

import (
	"encoding/json"
	"sync"
)

// rpcMessageTag marks a script message as an RPC request or reply. The
// message text is a JSON array ["traceport:rpc", id, operation, ...].
const rpcMessageTag = "traceport:rpc"

// RemoteError is an error reconstructed from a remote RPC failure.
type RemoteError struct {
	Message    string
	Name       string
	Stack      string
	Properties map[string]any
}

func (e *RemoteError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return "remote error"
}

// RPCResult is a successful RPC reply: a binary payload when one was
// attached, otherwise the first inline value.
type RPCResult struct {
	Value json.RawMessage
	Data  []byte
}

type rpcReply struct {
	value json.RawMessage
	data  []byte
	err   error
}

// rpcCorrelator maps outstanding request ids to their pending completions.
type rpcCorrelator struct {
	mu      sync.Mutex
	nextID  uint64
	pending map[uint64]chan rpcReply
	failed  error
}

func newRPCCorrelator() *rpcCorrelator {
	return &rpcCorrelator{
		nextID:  1,
		pending: map[uint64]chan rpcReply{},
	}
}

// register allocates a request id and a completion channel. If the owning
// script was already destroyed, the channel arrives pre-failed.
func (r *rpcCorrelator) register() (uint64, <-chan rpcReply) {
	ch := make(chan rpcReply, 1)
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	if r.failed != nil {
		ch <- rpcReply{err: r.failed}
		return id, ch
	}
	r.pending[id] = ch
	return id, ch
}

func (r *rpcCorrelator) drop(id uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}

// dispatch completes the pending call with the given id, if any.
func (r *rpcCorrelator) dispatch(id uint64, reply rpcReply) {
	r.mu.Lock()
	ch, ok := r.pending[id]
	delete(r.pending, id)
	r.mu.Unlock()
	if ok {
		ch <- reply
	}
}

// failAll rejects every pending call and all future registrations. Called
// when the owning script is destroyed.
func (r *rpcCorrelator) failAll(err error) {
	r.mu.Lock()
	if r.failed != nil {
		r.mu.Unlock()
		return
	}
	r.failed = err
	pending := r.pending
	r.pending = map[uint64]chan rpcReply{}
	r.mu.Unlock()
	for _, ch := range pending {
		ch <- rpcReply{err: err}
	}
}
