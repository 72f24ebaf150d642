package bus

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// openEndpoint wires a client endpoint to a raw server conn over an
// in-process pipe.
func openEndpoint(t *testing.T) (Endpoint, *Conn) {
	t.Helper()
	a, b := net.Pipe()
	server := NewConn(b)
	t.Cleanup(func() { server.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ep, err := Open(ctx, a)
	require.NoError(t, err)
	t.Cleanup(func() { ep.Close() })
	return ep, server
}

func TestEndpointManagerProxy(t *testing.T) {
	ep, server := openEndpoint(t)

	var gotPID int
	var gotOpts map[string]any
	server.HandleFunc("manager", func(ctx context.Context, method string, args []json.RawMessage) ([]any, error) {
		switch method {
		case "attach":
			require.NoError(t, json.Unmarshal(args[0], &gotPID))
			require.NoError(t, json.Unmarshal(args[1], &gotOpts))
			return []any{"session-9"}, nil
		case "reattach":
			return nil, nil
		default:
			t.Fatalf("unexpected method %q", method)
			return nil, nil
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mgr, err := ep.SessionManager(ctx)
	require.NoError(t, err)

	id, err := mgr.Attach(ctx, 7, AttachOptions{Realm: "native"})
	require.NoError(t, err)
	assert.Equal(t, SessionID("session-9"), id)
	assert.Equal(t, 7, gotPID)
	// Only set options travel; the persist key is absent, not null.
	assert.Equal(t, map[string]any{"realm": "native"}, gotOpts)

	require.NoError(t, mgr.Reattach(ctx, id))
}

func TestEndpointSessionProxyAndSink(t *testing.T) {
	ep, server := openEndpoint(t)

	var gotBatchID uint64
	server.HandlePrefix("session/", func(ctx context.Context, object, method string, args []json.RawMessage) ([]any, error) {
		assert.Equal(t, "session/s1", object)
		switch method {
		case "resume":
			return []any{uint64(12)}, nil
		case "postMessages":
			decodeArgs(args, new([]MessageRecord), &gotBatchID)
			return nil, nil
		default:
			t.Fatalf("unexpected method %q", method)
			return nil, nil
		}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	agent, err := ep.AgentSession(ctx, "s1")
	require.NoError(t, err)

	lastTx, err := agent.Resume(ctx, 3)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), lastTx)

	err = agent.PostMessages(ctx, []MessageRecord{{Kind: MessageKindScript, Text: "hi"}}, 42)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), gotBatchID)

	// Inbound direction: the host calls the locally exported sink.
	type inbound struct {
		records []MessageRecord
		batchID uint64
	}
	got := make(chan inbound, 1)
	ep.ExportSink("s1", sinkFunc(func(records []MessageRecord, batchID uint64) {
		got <- inbound{records, batchID}
	}))
	_, err = server.Call(ctx, "sink/s1", "postMessages", []MessageRecord{{Kind: MessageKindScript, Text: "yo"}}, uint64(5))
	require.NoError(t, err)
	select {
	case in := <-got:
		require.Len(t, in.records, 1)
		assert.Equal(t, "yo", in.records[0].Text)
		assert.Equal(t, uint64(5), in.batchID)
	case <-time.After(5 * time.Second):
		t.Fatal("sink did not receive the batch")
	}
}

func TestEndpointAgentSessionRequiresID(t *testing.T) {
	ep, _ := openEndpoint(t)
	_, err := ep.AgentSession(context.Background(), "")
	require.Error(t, err)
}

func TestEndpointDetachedSignalCrashSentinel(t *testing.T) {
	ep, server := openEndpoint(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	mgr, err := ep.SessionManager(ctx)
	require.NoError(t, err)

	var mu sync.Mutex
	type event struct {
		reason DetachReason
		crash  *Crash
	}
	var events []event
	mgr.OnSessionDetached(func(id SessionID, reason DetachReason, crash *Crash) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event{reason, crash})
	})

	// The pid-0 record is the "no crash" sentinel.
	require.NoError(t, server.Signal("manager", "sessionDetached", "s1", DetachDeviceLost, Crash{}))
	require.NoError(t, server.Signal("manager", "sessionDetached", "s1", DetachProcessTerminated,
		Crash{PID: 9, Process: "victim", Summary: "bus error"}))

	deadline := time.Now().Add(5 * time.Second)
	for {
		mu.Lock()
		n := len(events)
		mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("detach signals did not arrive")
		}
		time.Sleep(2 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, DetachDeviceLost, events[0].reason)
	assert.Nil(t, events[0].crash)
	require.NotNil(t, events[1].crash)
	assert.Equal(t, "bus error", events[1].crash.Summary)
}

type sinkFunc func(records []MessageRecord, batchID uint64)

func (f sinkFunc) PostMessages(records []MessageRecord, batchID uint64) {
	f(records, batchID)
}
