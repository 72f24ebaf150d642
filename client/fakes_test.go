package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/traceport/traceport/bus"
	"github.com/traceport/traceport/transport"
)

// fakeEnv fabricates one fake endpoint per dial, so reconnects get a fresh
// link the way a real client would.
type fakeEnv struct {
	mu        sync.Mutex
	endpoints []*fakeEndpoint
	attaches  int
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{}
}

func (e *fakeEnv) dialer() transport.Dialer {
	return transport.DialerFunc(func(ctx context.Context) (net.Conn, error) {
		a, _ := net.Pipe()
		return a, nil
	})
}

func (e *fakeEnv) opener() bus.Opener {
	return bus.OpenerFunc(func(ctx context.Context, stream io.ReadWriteCloser) (bus.Endpoint, error) {
		e.mu.Lock()
		defer e.mu.Unlock()
		ep := newFakeEndpoint(e)
		e.endpoints = append(e.endpoints, ep)
		return ep, nil
	})
}

func (e *fakeEnv) current() *fakeEndpoint {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.endpoints[len(e.endpoints)-1]
}

func (e *fakeEnv) endpointCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.endpoints)
}

type fakeEndpoint struct {
	env   *fakeEnv
	mgr   *fakeManager
	agent *fakeAgent

	mu     sync.Mutex
	sinks  map[bus.SessionID]bus.MessageSink
	done   chan struct{}
	closed sync.Once
	err    error
}

func newFakeEndpoint(env *fakeEnv) *fakeEndpoint {
	ep := &fakeEndpoint{
		env:   env,
		agent: newFakeAgent(),
		sinks: map[bus.SessionID]bus.MessageSink{},
		done:  make(chan struct{}),
	}
	ep.mgr = &fakeManager{env: env}
	return ep
}

func (ep *fakeEndpoint) SessionManager(ctx context.Context) (bus.SessionManager, error) {
	return ep.mgr, nil
}

func (ep *fakeEndpoint) AgentSession(ctx context.Context, id bus.SessionID) (bus.AgentSession, error) {
	return ep.agent, nil
}

func (ep *fakeEndpoint) ExportSink(id bus.SessionID, sink bus.MessageSink) {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	ep.sinks[id] = sink
}

func (ep *fakeEndpoint) sink(id bus.SessionID) bus.MessageSink {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.sinks[id]
}

func (ep *fakeEndpoint) Done() <-chan struct{} { return ep.done }

func (ep *fakeEndpoint) Err() error {
	ep.mu.Lock()
	defer ep.mu.Unlock()
	return ep.err
}

func (ep *fakeEndpoint) Close() error {
	ep.fail(bus.ErrConnClosed)
	return nil
}

// fail simulates transport loss.
func (ep *fakeEndpoint) fail(err error) {
	ep.closed.Do(func() {
		ep.mu.Lock()
		ep.err = err
		ep.mu.Unlock()
		close(ep.done)
	})
}

type fakeManager struct {
	env *fakeEnv

	mu            sync.Mutex
	reattachCalls int
	reattachErr   error
	detachedFn    func(bus.SessionID, bus.DetachReason, *bus.Crash)
}

func (m *fakeManager) EnumerateProcesses(ctx context.Context, opts bus.EnumerateOptions) ([]bus.ProcessInfo, error) {
	return []bus.ProcessInfo{{PID: 1, Name: "init"}}, nil
}

func (m *fakeManager) Attach(ctx context.Context, pid int, opts bus.AttachOptions) (bus.SessionID, error) {
	m.env.mu.Lock()
	defer m.env.mu.Unlock()
	m.env.attaches++
	return bus.SessionID(fmt.Sprintf("s-%d", m.env.attaches)), nil
}

func (m *fakeManager) Reattach(ctx context.Context, id bus.SessionID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reattachCalls++
	return m.reattachErr
}

func (m *fakeManager) OnSessionDetached(fn func(bus.SessionID, bus.DetachReason, *bus.Crash)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.detachedFn = fn
	return func() {}
}

func (m *fakeManager) signalDetached(id bus.SessionID, reason bus.DetachReason, crash *bus.Crash) {
	m.mu.Lock()
	fn := m.detachedFn
	m.mu.Unlock()
	if fn != nil {
		fn(id, reason, crash)
	}
}

type fakePost struct {
	records []bus.MessageRecord
	batchID uint64
}

type fakeAgent struct {
	mu          sync.Mutex
	posts       []fakePost
	postErrs    []error
	resumeReply uint64
	resumeErr   error
	resumeCalls int
	closeCalls  int

	createID      bus.ScriptID
	createErr     error
	loaded        []bus.ScriptID
	destroyed     []bus.ScriptID
	offerAnswer   string
	offerErr      error
	beginErr      error
	commitErr     error
	begins        int
	commits       int
	cancels       int
	candidates    []string
	gatheringDone bool
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{createID: "script-1"}
}

func (a *fakeAgent) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeCalls++
	return nil
}

func (a *fakeAgent) Resume(ctx context.Context, lastRxBatchID uint64) (uint64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.resumeCalls++
	return a.resumeReply, a.resumeErr
}

func (a *fakeAgent) CreateScript(ctx context.Context, source string, opts bus.ScriptOptions) (bus.ScriptID, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.createID, a.createErr
}

func (a *fakeAgent) DestroyScript(ctx context.Context, id bus.ScriptID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.destroyed = append(a.destroyed, id)
	return nil
}

func (a *fakeAgent) LoadScript(ctx context.Context, id bus.ScriptID) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.loaded = append(a.loaded, id)
	return nil
}

func (a *fakeAgent) PostMessages(ctx context.Context, records []bus.MessageRecord, batchID uint64) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.postErrs) > 0 {
		err := a.postErrs[0]
		a.postErrs = a.postErrs[1:]
		if err != nil {
			return err
		}
	}
	a.posts = append(a.posts, fakePost{records: append([]bus.MessageRecord(nil), records...), batchID: batchID})
	return nil
}

func (a *fakeAgent) OfferPeerConnection(ctx context.Context, offerSDP string, opts bus.PeerOptions) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.offerAnswer, a.offerErr
}

func (a *fakeAgent) AddCandidates(ctx context.Context, sdps []string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.candidates = append(a.candidates, sdps...)
	return nil
}

func (a *fakeAgent) NotifyCandidateGatheringDone(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.gatheringDone = true
	return nil
}

func (a *fakeAgent) BeginMigration(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.beginErr != nil {
		return a.beginErr
	}
	a.begins++
	return nil
}

func (a *fakeAgent) CommitMigration(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.commitErr != nil {
		return a.commitErr
	}
	a.commits++
	return nil
}

func (a *fakeAgent) CancelMigration(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.cancels++
	return nil
}

func (a *fakeAgent) OnCandidates(fn func([]string)) func()     { return func() {} }
func (a *fakeAgent) OnCandidateGatheringDone(fn func()) func() { return func() {} }

func (a *fakeAgent) postCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.posts)
}

func (a *fakeAgent) allPosts() []fakePost {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]fakePost(nil), a.posts...)
}

func (a *fakeAgent) setPostErrs(errs ...error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.postErrs = errs
}

func (a *fakeAgent) migrationCounts() (begins, commits, cancels int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.begins, a.commits, a.cancels
}

// waitFor polls until the condition holds or the deadline passes.
func waitFor(cond func() bool, d time.Duration) bool {
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return cond()
}
