package client

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/traceport/traceport/bus"
	"github.com/traceport/traceport/peer"
)

var (
	// ErrSessionDetached is returned for operations on a terminally detached
	// session.
	ErrSessionDetached = errors.New("session is gone")

	// ErrScriptDestroyed is returned for operations on a destroyed script,
	// including RPC calls outstanding at destruction time.
	ErrScriptDestroyed = errors.New("script is destroyed")

	// ErrNotAttached is returned for operations that require an attached
	// session, such as creating scripts while interrupted.
	ErrNotAttached = errors.New("session is not attached")

	errResumeInProgress  = errors.New("resume already in progress")
	errMigrationInFlight = errors.New("migration already in progress")
	errNoActiveTransport = errors.New("no active transport")
)

// Retry delays for failed persistent deliveries.
const (
	deliveryRetryMin = 100 * time.Millisecond
	deliveryRetryMax = 5 * time.Second
)

// State is a session's position in its lifecycle.
type State int

const (
	// StateAttached is the initial state: the session has a live transport.
	StateAttached State = iota
	// StateInterrupted means the transport was lost but the host keeps the
	// session alive for up to its persist timeout; Resume reattaches.
	StateInterrupted
	// StateDetached is terminal.
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateAttached:
		return "attached"
	case StateInterrupted:
		return "interrupted"
	case StateDetached:
		return "detached"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// link is one transport handle: a bus endpoint plus the session proxy
// resolved over it.
type link struct {
	endpoint bus.Endpoint
	agent    bus.AgentSession
	isPeer   bool
}

// transportSlots is the explicit two-slot transport holder. Exactly one
// active handle exists at any time; the obsolete slot is populated only
// between begin-migration and commit/cancel-migration.
type transportSlots struct {
	active   *link
	obsolete *link
}

// Session is the client-side state machine for one remote-attached process.
type Session struct {
	log            *zap.SugaredLogger
	client         *Client
	id             bus.SessionID
	pid            int
	persistTimeout time.Duration

	queue      *deliveryQueue
	sendCtx    context.Context
	sendCancel context.CancelFunc

	mu           sync.Mutex
	state        State
	slots        transportSlots
	lastRx       uint64
	scripts      map[bus.ScriptID]*Script
	resuming     bool
	delivering   bool
	retryBackoff time.Duration

	peerConn *peer.Connection
	// peerOpts is retained after a successful peer-connection setup so the
	// peer link can be re-established after a resume.
	peerOpts *bus.PeerOptions

	detachedFns  []func(reason bus.DetachReason, crash *bus.Crash)
	destroyedFns []func()
	destroyed    bool
}

func newSession(c *Client, id bus.SessionID, pid int, persistTimeout time.Duration, active *link) *Session {
	log := c.log.Named("session").With("SessionID", id, "PID", pid)
	sendCtx, sendCancel := context.WithCancel(context.Background())
	return &Session{
		log:            log,
		client:         c,
		id:             id,
		pid:            pid,
		persistTimeout: persistTimeout,
		queue:          newDeliveryQueue(log, persistTimeout > 0),
		sendCtx:        sendCtx,
		sendCancel:     sendCancel,
		state:          StateAttached,
		slots:          transportSlots{active: active},
		scripts:        map[bus.ScriptID]*Script{},
	}
}

func (s *Session) ID() bus.SessionID { return s.id }
func (s *Session) PID() int          { return s.pid }

// Persistent reports whether the host keeps this session alive across
// transport loss.
func (s *Session) Persistent() bool { return s.persistTimeout > 0 }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnDetached registers a handler for detach notifications. It fires once per
// interruption (with reason connection-terminated) and once on terminal
// detach, before the destroyed notification.
func (s *Session) OnDetached(fn func(reason bus.DetachReason, crash *bus.Crash)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.detachedFns = append(s.detachedFns, fn)
}

// OnDestroyed registers a handler invoked exactly once, after the terminal
// detach notification.
func (s *Session) OnDestroyed(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destroyedFns = append(s.destroyedFns, fn)
}

// Detach ends the session from the application side. Idempotent.
func (s *Session) Detach(ctx context.Context) error {
	s.destroy(ctx, bus.DetachApplicationRequested, nil)
	return nil
}

// CreateScript creates a script inside the remote process.
func (s *Session) CreateScript(ctx context.Context, source string, opts bus.ScriptOptions) (*Script, error) {
	s.mu.Lock()
	if s.state != StateAttached {
		state := s.state
		s.mu.Unlock()
		if state == StateDetached {
			return nil, ErrSessionDetached
		}
		return nil, ErrNotAttached
	}
	active := s.slots.active
	s.mu.Unlock()

	id, err := active.agent.CreateScript(ctx, source, opts)
	if err != nil {
		return nil, fmt.Errorf("creating script: %w", err)
	}
	sc := newScript(s, id)

	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		sc.handleDestroyed()
		return nil, ErrSessionDetached
	}
	s.scripts[id] = sc
	s.mu.Unlock()
	return sc, nil
}

// Resume reattaches an interrupted session. It is a no-op while attached and
// fails fast, with no I/O, once the session is detached. A failure anywhere
// in the chain leaves the session interrupted.
func (s *Session) Resume(ctx context.Context) error {
	s.mu.Lock()
	switch s.state {
	case StateAttached:
		s.mu.Unlock()
		return nil
	case StateDetached:
		s.mu.Unlock()
		return ErrSessionDetached
	}
	if s.resuming {
		s.mu.Unlock()
		return errResumeInProgress
	}
	s.resuming = true
	var peerOpts *bus.PeerOptions
	if s.peerOpts != nil {
		opts := *s.peerOpts
		peerOpts = &opts
	}
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.resuming = false
		s.mu.Unlock()
	}()

	conn, err := s.client.connection(ctx)
	if err != nil {
		return fmt.Errorf("acquiring host connection: %w", err)
	}
	if err := conn.mgr.Reattach(ctx, s.id); err != nil {
		return fmt.Errorf("reattaching session: %w", err)
	}
	agent, err := conn.endpoint.AgentSession(ctx, s.id)
	if err != nil {
		return fmt.Errorf("linking session proxy: %w", err)
	}
	conn.endpoint.ExportSink(s.id, (*sessionSink)(s))

	s.mu.Lock()
	if s.state == StateDetached {
		s.mu.Unlock()
		return ErrSessionDetached
	}
	// The prior active handle is already dead; swap it out wholesale.
	s.slots = transportSlots{active: &link{endpoint: conn.endpoint, agent: agent}}
	lastRx := s.lastRx
	s.mu.Unlock()

	if peerOpts != nil {
		if err := s.setupPeer(ctx, *peerOpts); err != nil {
			return fmt.Errorf("re-establishing peer connection: %w", err)
		}
	}

	s.mu.Lock()
	active := s.slots.active
	s.mu.Unlock()
	if active == nil {
		return errNoActiveTransport
	}
	lastTx, err := active.agent.Resume(ctx, lastRx)
	if err != nil {
		return fmt.Errorf("resuming session: %w", err)
	}
	purged := s.queue.purgeAcked(lastTx)

	s.mu.Lock()
	if s.state == StateDetached {
		s.mu.Unlock()
		return ErrSessionDetached
	}
	s.state = StateAttached
	s.mu.Unlock()

	s.log.Debugw("session resumed", "LastTxBatchID", lastTx, "Purged", purged)
	s.maybeDeliver()
	return nil
}

// SetupPeerConnection upgrades the session to a direct peer-to-peer link,
// migrating the active transport without losing in-flight messages. On
// success the configuration is retained and replayed after a future Resume.
func (s *Session) SetupPeerConnection(ctx context.Context, opts bus.PeerOptions) error {
	s.mu.Lock()
	if s.state != StateAttached {
		state := s.state
		s.mu.Unlock()
		if state == StateDetached {
			return ErrSessionDetached
		}
		return ErrNotAttached
	}
	s.mu.Unlock()
	return s.setupPeer(ctx, opts)
}

func (s *Session) setupPeer(ctx context.Context, opts bus.PeerOptions) error {
	s.mu.Lock()
	if s.slots.obsolete != nil {
		s.mu.Unlock()
		return errMigrationInFlight
	}
	pre := s.slots.active
	s.mu.Unlock()
	if pre == nil {
		return errNoActiveTransport
	}

	conn, err := s.client.peerSetup(ctx, peer.Config{
		Log:       s.log,
		Options:   opts,
		Agent:     pre.agent,
		Opener:    s.client.opener,
		SessionID: s.id,
		Sink:      (*sessionSink)(s),
		OnDisconnected: func() {
			s.handlePeerDisconnected()
		},
	})
	if err != nil {
		return fmt.Errorf("establishing peer connection: %w", err)
	}
	peerLink := &link{endpoint: conn.Endpoint, agent: conn.Agent, isPeer: true}

	// The handshake runs against the pre-upgrade transport. It either fully
	// commits or rolls back; the session is never left half-migrated.
	if err := pre.agent.BeginMigration(ctx); err != nil {
		conn.Close()
		return fmt.Errorf("beginning migration: %w", err)
	}
	s.applyBeginMigration(peerLink)
	if err := pre.agent.CommitMigration(ctx); err != nil {
		if cerr := pre.agent.CancelMigration(ctx); cerr != nil {
			s.log.Debugf("cancel-migration failed: %s", cerr)
		}
		s.applyCancelMigration()
		conn.Close()
		return fmt.Errorf("committing migration: %w", err)
	}
	s.applyCommitMigration(conn, opts)

	s.log.Debugw("migrated session to peer connection")
	s.maybeDeliver()
	return nil
}

func (s *Session) applyBeginMigration(peerLink *link) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots.obsolete = s.slots.active
	s.slots.active = peerLink
}

func (s *Session) applyCancelMigration() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots.active = s.slots.obsolete
	s.slots.obsolete = nil
}

func (s *Session) applyCommitMigration(conn *peer.Connection, opts bus.PeerOptions) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.slots.obsolete = nil
	s.peerConn = conn
	retained := opts
	s.peerOpts = &retained
}

// handleConnectionLost reacts to loss of the underlying transport: demotion
// to interrupted for persistent sessions, terminal detach otherwise.
func (s *Session) handleConnectionLost() {
	s.interrupt(bus.DetachConnectionTerminated, nil)
}

func (s *Session) handlePeerDisconnected() {
	s.log.Debug("peer connection lost")
	s.interrupt(bus.DetachConnectionTerminated, nil)
}

func (s *Session) interrupt(reason bus.DetachReason, crash *bus.Crash) {
	s.mu.Lock()
	if s.state == StateDetached {
		s.mu.Unlock()
		return
	}
	if s.persistTimeout == 0 {
		s.mu.Unlock()
		s.destroy(context.Background(), reason, crash)
		return
	}
	s.state = StateInterrupted
	s.slots.obsolete = nil
	pc := s.peerConn
	s.peerConn = nil
	s.mu.Unlock()

	if pc != nil {
		pc.Close()
	}
	s.log.Debugw("session interrupted", "Reason", reason)
	s.emitDetached(reason, crash)
}

// handleDetachSignal reacts to a host-driven detach signal routed by the
// client.
func (s *Session) handleDetachSignal(reason bus.DetachReason, crash *bus.Crash) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if s.persistTimeout > 0 && reason == bus.DetachConnectionTerminated && state == StateAttached {
		s.interrupt(reason, crash)
		return
	}
	s.destroy(context.Background(), reason, crash)
}

// destroy performs terminal detach. Idempotent; cascades to every owned
// script, best-effort closes the active transport for application-requested
// detaches, closes any established peer connection, and finally emits the
// detach then destroyed notifications in that order.
func (s *Session) destroy(ctx context.Context, reason bus.DetachReason, crash *bus.Crash) {
	s.mu.Lock()
	if s.destroyed {
		s.mu.Unlock()
		return
	}
	s.destroyed = true
	s.state = StateDetached
	active := s.slots.active
	s.slots = transportSlots{}
	scripts := make([]*Script, 0, len(s.scripts))
	for _, sc := range s.scripts {
		scripts = append(scripts, sc)
	}
	s.scripts = map[bus.ScriptID]*Script{}
	pc := s.peerConn
	s.peerConn = nil
	s.mu.Unlock()

	s.sendCancel()
	s.queue.drop()
	for _, sc := range scripts {
		sc.handleDestroyed()
	}
	if reason == bus.DetachApplicationRequested && active != nil {
		if err := active.agent.Close(ctx); err != nil {
			s.log.Debugf("error closing agent session: %s", err)
		}
	}
	if pc != nil {
		pc.Close()
	}

	s.log.Debugw("session destroyed", "Reason", reason)
	s.emitDetached(reason, crash)
	s.emitDestroyed()
	s.client.removeSession(s.id)
}

func (s *Session) emitDetached(reason bus.DetachReason, crash *bus.Crash) {
	s.mu.Lock()
	fns := append([]func(bus.DetachReason, *bus.Crash){}, s.detachedFns...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn(reason, crash)
	}
}

func (s *Session) emitDestroyed() {
	s.mu.Lock()
	fns := append([]func(){}, s.destroyedFns...)
	s.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

// currentAgent returns the active session proxy regardless of migration
// state; scripts use it for load/unload calls.
func (s *Session) currentAgent() (bus.AgentSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == StateDetached {
		return nil, ErrSessionDetached
	}
	if s.slots.active == nil {
		return nil, errNoActiveTransport
	}
	return s.slots.active.agent, nil
}

func (s *Session) removeScript(id bus.ScriptID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.scripts, id)
}

// post enqueues an outbound record and triggers delivery. Enqueueing is
// always allowed while the session is alive; delivery waits for an attached
// state.
func (s *Session) post(record bus.MessageRecord) error {
	s.mu.Lock()
	destroyed := s.destroyed
	s.mu.Unlock()
	if destroyed {
		return ErrSessionDetached
	}
	s.queue.append(record)
	s.maybeDeliver()
	return nil
}

// deliveryAgent captures the transport handle a delivery pass will use. No
// pass may start while a migration is between begin and commit/cancel; a
// pass already in flight keeps the handle it captured.
func (s *Session) deliveryAgent() (bus.AgentSession, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateAttached || s.slots.obsolete != nil || s.slots.active == nil {
		return nil, false
	}
	return s.slots.active.agent, true
}

// maybeDeliver starts a delivery pass if none is running, the session is
// attached and the queue is non-empty. Passes are single-flight so batches
// reach the host in serial order; a successful pass chains into the next one.
func (s *Session) maybeDeliver() {
	agent, ok := s.deliveryAgent()
	if !ok {
		return
	}
	s.mu.Lock()
	if s.delivering {
		s.mu.Unlock()
		return
	}
	batch, batchID := s.queue.takeBatch()
	if len(batch) == 0 {
		s.mu.Unlock()
		return
	}
	s.delivering = true
	s.mu.Unlock()

	records := make([]bus.MessageRecord, len(batch))
	for i, m := range batch {
		records[i] = m.record
	}
	go s.sendBatch(agent, batch, records, batchID)
}

func (s *Session) sendBatch(agent bus.AgentSession, batch []*pendingMessage, records []bus.MessageRecord, batchID uint64) {
	err := agent.PostMessages(s.sendCtx, records, batchID)
	if s.queue.persistent {
		if err != nil {
			s.log.Debugf("delivery failed: %s", err)
			s.queue.fail(batch)
		} else {
			s.queue.succeed()
		}
	} else if err != nil {
		s.log.Debugf("dropping undeliverable batch: %s", err)
	}

	s.mu.Lock()
	s.delivering = false
	if err == nil {
		s.retryBackoff = 0
	}
	s.mu.Unlock()
	if err == nil {
		s.maybeDeliver()
		return
	}
	if s.queue.persistent {
		s.scheduleRetry()
	}
}

// scheduleRetry retriggers delivery after a growing delay, so a transient
// host-side failure on a healthy link cannot strand the queue until the next
// post. Loss of the link itself demotes the session instead, and the fired
// timer finds nothing to do.
func (s *Session) scheduleRetry() {
	s.mu.Lock()
	if s.destroyed || s.state != StateAttached {
		s.mu.Unlock()
		return
	}
	if s.retryBackoff == 0 {
		s.retryBackoff = deliveryRetryMin
	} else if s.retryBackoff < deliveryRetryMax {
		s.retryBackoff *= 2
		if s.retryBackoff > deliveryRetryMax {
			s.retryBackoff = deliveryRetryMax
		}
	}
	delay := s.retryBackoff
	s.mu.Unlock()
	time.AfterFunc(delay, s.maybeDeliver)
}

// sessionSink adapts a Session to the bus.MessageSink the client exports on
// each endpoint.
type sessionSink Session

func (sink *sessionSink) PostMessages(records []bus.MessageRecord, batchID uint64) {
	(*Session)(sink).dispatchInbound(records, batchID)
}

// dispatchInbound routes one inbound batch. Messages are delivered in the
// order the transport presents them; no local reordering.
func (s *Session) dispatchInbound(records []bus.MessageRecord, batchID uint64) {
	s.mu.Lock()
	if batchID > s.lastRx {
		s.lastRx = batchID
	}
	s.mu.Unlock()

	for _, record := range records {
		switch record.Kind {
		case bus.MessageKindScript:
			s.mu.Lock()
			sc := s.scripts[record.ScriptID]
			s.mu.Unlock()
			if sc == nil {
				s.log.Debugw("dropping message for unknown script", "ScriptID", record.ScriptID)
				continue
			}
			sc.deliver(record)
		default:
			s.log.Debugw("dropping record of unhandled kind", "Kind", record.Kind)
		}
	}
}
