// Package hosttest provides an in-process instrumentation host speaking the
// bus protocol over WebSocket. It exists so the client stack can be exercised
// end to end in tests: sessions persist across dropped connections, outbound
// batches are deduplicated by batch id, and scripted RPC replies flow back
// over the locally exported message sink.
package hosttest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/julienschmidt/httprouter"
	"go.uber.org/zap"
	"nhooyr.io/websocket"

	"github.com/traceport/traceport/bus"
)

// RPCHandler produces the reply for one RPC call posted by a client script.
// Returning an error produces an "error" reply carrying its message.
type RPCHandler func(name string, args []json.RawMessage) (any, error)

// Host is the fake instrumentation host.
type Host struct {
	log *zap.SugaredLogger

	// Processes is the enumeration result. Set before Start.
	Processes []bus.ProcessInfo

	// RPC, when set, answers RPC calls found in posted messages.
	RPC RPCHandler

	httpServer *http.Server
	listener   net.Listener

	mu          sync.Mutex
	conns       map[*bus.Conn]struct{}
	sessions    map[bus.SessionID]*Session
	nextSession int
	nextScript  int
}

func New(log *zap.SugaredLogger) *Host {
	return &Host{
		log:      log.Named("hosttest"),
		conns:    map[*bus.Conn]struct{}{},
		sessions: map[bus.SessionID]*Session{},
	}
}

// Start listens on a random loopback port.
func (h *Host) Start() error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listening: %w", err)
	}
	h.listener = listener

	router := httprouter.New()
	router.GET("/ws", h.serveWS)
	h.httpServer = &http.Server{Handler: router}
	go h.httpServer.Serve(listener)
	return nil
}

// Addr is the host:port the fake host listens on.
func (h *Host) Addr() string {
	return h.listener.Addr().String()
}

func (h *Host) Stop() error {
	h.DropConnections()
	return h.httpServer.Close()
}

func (h *Host) serveWS(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	wsConn, err := websocket.Accept(w, r, nil)
	if err != nil {
		h.log.Debugf("error accepting WebSocket conn: %s", err)
		return
	}
	stream := websocket.NetConn(context.Background(), wsConn, websocket.MessageBinary)
	conn := bus.NewConn(stream, bus.WithLogger(h.log.Desugar()))
	conn.HandleFunc("manager", h.serveManager(conn))
	conn.HandlePrefix("session/", h.serveSession(conn))

	h.mu.Lock()
	h.conns[conn] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-conn.Done()
		h.mu.Lock()
		delete(h.conns, conn)
		h.mu.Unlock()
	}()
}

// DropConnections severs every live link, simulating network loss.
func (h *Host) DropConnections() {
	h.mu.Lock()
	conns := make([]*bus.Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	h.conns = map[*bus.Conn]struct{}{}
	h.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

func (h *Host) serveManager(conn *bus.Conn) bus.HandlerFunc {
	return func(ctx context.Context, method string, args []json.RawMessage) ([]any, error) {
		switch method {
		case "enumerateProcesses":
			var opts struct {
				PIDs  []int  `json:"pids"`
				Scope string `json:"scope"`
			}
			decodeArg(args, 0, &opts)
			var procs []bus.ProcessInfo
			for _, p := range h.Processes {
				if len(opts.PIDs) > 0 && !containsInt(opts.PIDs, p.PID) {
					continue
				}
				procs = append(procs, p)
			}
			return []any{procs}, nil

		case "attach":
			var pid int
			var opts struct {
				Realm          string `json:"realm"`
				PersistTimeout uint64 `json:"persist-timeout"`
			}
			if err := decodeArg(args, 0, &pid); err != nil {
				return nil, err
			}
			decodeArg(args, 1, &opts)
			h.mu.Lock()
			h.nextSession++
			s := &Session{
				ID:             bus.SessionID(fmt.Sprintf("session-%d", h.nextSession)),
				PID:            pid,
				Realm:          opts.Realm,
				PersistTimeout: time.Duration(opts.PersistTimeout) * time.Second,
				conn:           conn,
				scripts:        map[bus.ScriptID]*Script{},
			}
			h.sessions[s.ID] = s
			h.mu.Unlock()
			return []any{s.ID}, nil

		case "reattach":
			var id bus.SessionID
			if err := decodeArg(args, 0, &id); err != nil {
				return nil, err
			}
			s := h.Session(id)
			if s == nil {
				return nil, fmt.Errorf("no such session %q", id)
			}
			s.mu.Lock()
			s.conn = conn
			s.mu.Unlock()
			return nil, nil

		default:
			return nil, fmt.Errorf("unknown manager method %q", method)
		}
	}
}

func (h *Host) serveSession(conn *bus.Conn) bus.PrefixHandlerFunc {
	return func(ctx context.Context, object, method string, args []json.RawMessage) ([]any, error) {
		id := bus.SessionID(strings.TrimPrefix(object, "session/"))
		s := h.Session(id)
		if s == nil {
			return nil, fmt.Errorf("no such session %q", id)
		}
		switch method {
		case "close":
			h.mu.Lock()
			delete(h.sessions, id)
			h.mu.Unlock()
			s.mu.Lock()
			s.Closed = true
			s.mu.Unlock()
			return nil, nil

		case "resume":
			var lastRx uint64
			decodeArg(args, 0, &lastRx)
			s.mu.Lock()
			s.lastAckedInbound = lastRx
			lastTx := s.lastBatchID
			// Batches at or below the reported id may still be resent by the
			// client until the purge takes effect; suppress exactly those.
			s.resendWindow = lastTx
			s.mu.Unlock()
			return []any{lastTx}, nil

		case "createScript":
			var source string
			if err := decodeArg(args, 0, &source); err != nil {
				return nil, err
			}
			h.mu.Lock()
			h.nextScript++
			scriptID := bus.ScriptID(fmt.Sprintf("script-%d", h.nextScript))
			h.mu.Unlock()
			s.mu.Lock()
			s.scripts[scriptID] = &Script{ID: scriptID, Source: source}
			s.mu.Unlock()
			return []any{scriptID}, nil

		case "destroyScript":
			var scriptID bus.ScriptID
			if err := decodeArg(args, 0, &scriptID); err != nil {
				return nil, err
			}
			s.mu.Lock()
			delete(s.scripts, scriptID)
			s.mu.Unlock()
			return nil, nil

		case "loadScript":
			var scriptID bus.ScriptID
			if err := decodeArg(args, 0, &scriptID); err != nil {
				return nil, err
			}
			s.mu.Lock()
			sc := s.scripts[scriptID]
			if sc != nil {
				sc.Loaded = true
			}
			s.mu.Unlock()
			if sc == nil {
				return nil, fmt.Errorf("no such script %q", scriptID)
			}
			return nil, nil

		case "postMessages":
			var records []bus.MessageRecord
			var batchID uint64
			if err := decodeArg(args, 0, &records); err != nil {
				return nil, err
			}
			decodeArg(args, 1, &batchID)
			return nil, h.handlePost(s, records, batchID)

		case "offerPeerConnection":
			return nil, errors.New("peer connections are not supported")

		case "addCandidates":
			var sdps []string
			decodeArg(args, 0, &sdps)
			s.mu.Lock()
			s.Candidates = append(s.Candidates, sdps...)
			s.mu.Unlock()
			return nil, nil

		case "notifyCandidateGatheringDone":
			s.mu.Lock()
			s.GatheringDone = true
			s.mu.Unlock()
			return nil, nil

		case "beginMigration":
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.FailBeginMigration {
				return nil, errors.New("migration refused")
			}
			s.MigrationsBegun++
			return nil, nil

		case "commitMigration":
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.FailCommitMigration {
				return nil, errors.New("commit refused")
			}
			s.MigrationsCommitted++
			return nil, nil

		case "cancelMigration":
			s.mu.Lock()
			defer s.mu.Unlock()
			s.MigrationsCancelled++
			return nil, nil

		default:
			return nil, fmt.Errorf("unknown session method %q", method)
		}
	}
}

// handlePost applies the host-side delivery discipline. Duplicates can only
// be resends of batches processed before a connection loss, which sit at or
// below the id reported in the most recent resume; those are dropped without
// effect. The client resets its serials after a fully acknowledged drain, so
// the high-water mark follows the latest batch rather than the lifetime
// maximum.
func (h *Host) handlePost(s *Session, records []bus.MessageRecord, batchID uint64) error {
	s.mu.Lock()
	if s.failPosts > 0 {
		s.failPosts--
		s.mu.Unlock()
		return errors.New("injected delivery failure")
	}
	if batchID != 0 && batchID <= s.resendWindow {
		s.mu.Unlock()
		return nil
	}
	if batchID != 0 {
		s.lastBatchID = batchID
		// A fresh batch means the client is past the resend window; batches
		// are ordered, so everything after it is new as well.
		s.resendWindow = 0
	}
	s.received = append(s.received, records...)
	s.mu.Unlock()

	if h.RPC != nil {
		for _, record := range records {
			h.maybeAnswerRPC(s, record)
		}
	}
	return nil
}

func (h *Host) maybeAnswerRPC(s *Session, record bus.MessageRecord) {
	var parts []json.RawMessage
	if json.Unmarshal([]byte(record.Text), &parts) != nil || len(parts) < 5 {
		return
	}
	var tag, op, name string
	var id uint64
	if json.Unmarshal(parts[0], &tag) != nil || tag != "traceport:rpc" {
		return
	}
	if json.Unmarshal(parts[1], &id) != nil || json.Unmarshal(parts[2], &op) != nil || op != "call" {
		return
	}
	json.Unmarshal(parts[3], &name)
	var callArgs []json.RawMessage
	json.Unmarshal(parts[4], &callArgs)

	var reply []any
	result, err := h.RPC(name, callArgs)
	if err != nil {
		reply = []any{"traceport:rpc", id, "error", err.Error(), "Error", ""}
	} else {
		reply = []any{"traceport:rpc", id, "ok", result}
	}
	text, merr := json.Marshal(reply)
	if merr != nil {
		h.log.Debugf("error marshaling rpc reply: %s", merr)
		return
	}
	perr := h.Post(s.ID, []bus.MessageRecord{{
		Kind:     bus.MessageKindScript,
		ScriptID: record.ScriptID,
		Text:     string(text),
	}})
	if perr != nil {
		h.log.Debugf("error posting rpc reply: %s", perr)
	}
}

// Post delivers inbound records to the session's exported message sink.
func (h *Host) Post(id bus.SessionID, records []bus.MessageRecord) error {
	s := h.Session(id)
	if s == nil {
		return fmt.Errorf("no such session %q", id)
	}
	s.mu.Lock()
	s.nextInboundBatch++
	batchID := s.nextInboundBatch
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("session has no connection")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err := conn.Call(ctx, "sink/"+string(id), "postMessages", records, batchID)
	return err
}

// SignalDetached emits a host-driven session-detached signal. A nil crash is
// sent as the pid-0 sentinel record.
func (h *Host) SignalDetached(id bus.SessionID, reason bus.DetachReason, crash *bus.Crash) error {
	s := h.Session(id)
	if s == nil {
		return fmt.Errorf("no such session %q", id)
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return errors.New("session has no connection")
	}
	wire := bus.Crash{}
	if crash != nil {
		wire = *crash
	}
	return conn.Signal("manager", "sessionDetached", id, reason, wire)
}

// Session returns the host-side record for a session, nil if unknown.
func (h *Host) Session(id bus.SessionID) *Session {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.sessions[id]
}

// Session is the host-side view of one attached session.
type Session struct {
	ID             bus.SessionID
	PID            int
	Realm          string
	PersistTimeout time.Duration

	FailBeginMigration  bool
	FailCommitMigration bool

	mu                  sync.Mutex
	conn                *bus.Conn
	lastBatchID         uint64
	resendWindow        uint64
	lastAckedInbound    uint64
	nextInboundBatch    uint64
	received            []bus.MessageRecord
	scripts             map[bus.ScriptID]*Script
	Closed              bool
	Candidates          []string
	GatheringDone       bool
	MigrationsBegun     int
	MigrationsCommitted int
	MigrationsCancelled int
	failPosts           int
}

// Script is the host-side view of one created script.
type Script struct {
	ID     bus.ScriptID
	Source string
	Loaded bool
}

// Received snapshots the deduplicated records delivered so far.
func (s *Session) Received() []bus.MessageRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]bus.MessageRecord(nil), s.received...)
}

// LastBatchID is the highest fully processed outbound batch id.
func (s *Session) LastBatchID() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastBatchID
}

// FailNextPosts makes the next n postMessages calls fail, exercising the
// client's requeue-and-resend path.
func (s *Session) FailNextPosts(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failPosts = n
}

// Migrations reports the handshake calls observed so far.
func (s *Session) Migrations() (begun, committed, cancelled int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.MigrationsBegun, s.MigrationsCommitted, s.MigrationsCancelled
}

// CandidateState reports the candidates and gathering-done flag received over
// signaling.
func (s *Session) CandidateState() ([]string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.Candidates...), s.GatheringDone
}

// ScriptByID returns the host-side script record, nil if unknown.
func (s *Session) ScriptByID(id bus.ScriptID) *Script {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scripts[id]
}

func decodeArg(args []json.RawMessage, i int, out any) error {
	if i >= len(args) {
		return nil
	}
	if err := json.Unmarshal(args[i], out); err != nil {
		return fmt.Errorf("decoding arg %d: %w", i, err)
	}
	return nil
}

func containsInt(xs []int, x int) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
