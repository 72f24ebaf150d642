package client_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/traceport/traceport/bus"
	"github.com/traceport/traceport/client"
	"github.com/traceport/traceport/internal/hosttest"
	"github.com/traceport/traceport/transport"
)

func startHost(t *testing.T) *hosttest.Host {
	t.Helper()
	h := hosttest.New(zap.NewNop().Sugar())
	h.Processes = []bus.ProcessInfo{
		{PID: 1, Name: "init"},
		{PID: 42, Name: "worker"},
	}
	require.NoError(t, h.Start())
	t.Cleanup(func() { h.Stop() })
	return h
}

func newHostClient(t *testing.T, h *hosttest.Host) *client.Client {
	t.Helper()
	dialer := transport.NewWSDialer(h.Addr(), transport.WithTLSPolicy(transport.TLSDisabled))
	return client.New(dialer)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestEndToEndEnumerateAndAttach(t *testing.T) {
	h := startHost(t)
	c := newHostClient(t, h)
	ctx := context.Background()

	procs, err := c.EnumerateProcesses(ctx, bus.EnumerateOptions{PIDs: []int{42}})
	require.NoError(t, err)
	require.Len(t, procs, 1)
	assert.Equal(t, "worker", procs[0].Name)

	sess, err := c.Attach(ctx, 42, bus.AttachOptions{})
	require.NoError(t, err)
	defer sess.Detach(ctx)
	assert.Equal(t, client.StateAttached, sess.State())

	hostSess := h.Session(sess.ID())
	require.NotNil(t, hostSess)
	assert.Equal(t, 42, hostSess.PID)
}

func TestEndToEndScriptLifecycleAndOrdering(t *testing.T) {
	h := startHost(t)
	c := newHostClient(t, h)
	ctx := context.Background()

	sess, err := c.Attach(ctx, 1, bus.AttachOptions{PersistTimeout: time.Minute})
	require.NoError(t, err)
	defer sess.Detach(ctx)

	sc, err := sess.CreateScript(ctx, "export function f() {}", bus.ScriptOptions{})
	require.NoError(t, err)
	require.NoError(t, sc.Load(ctx))

	hostSess := h.Session(sess.ID())
	hostScript := hostSess.ScriptByID(sc.ID())
	require.NotNil(t, hostScript)
	assert.True(t, hostScript.Loaded)
	assert.Equal(t, "export function f() {}", hostScript.Source)

	for i := 0; i < 5; i++ {
		require.NoError(t, sc.Post(fmt.Sprintf("msg-%d", i), nil))
	}
	waitFor(t, func() bool { return len(hostSess.Received()) == 5 }, "messages did not arrive")

	for i, rec := range hostSess.Received() {
		assert.JSONEq(t, fmt.Sprintf(`"msg-%d"`, i), rec.Text)
		assert.Equal(t, sc.ID(), rec.ScriptID)
	}
}

func TestEndToEndRPCRoundTrip(t *testing.T) {
	h := startHost(t)
	h.RPC = func(name string, args []json.RawMessage) (any, error) {
		switch name {
		case "add":
			var a, b int
			require.Len(t, args, 2)
			json.Unmarshal(args[0], &a)
			json.Unmarshal(args[1], &b)
			return a + b, nil
		default:
			return nil, errors.New("no such export")
		}
	}
	c := newHostClient(t, h)
	ctx := context.Background()

	sess, err := c.Attach(ctx, 1, bus.AttachOptions{})
	require.NoError(t, err)
	defer sess.Detach(ctx)
	sc, err := sess.CreateScript(ctx, "src", bus.ScriptOptions{})
	require.NoError(t, err)

	callCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	res, err := sc.Call(callCtx, "add", 2, 3)
	require.NoError(t, err)
	assert.JSONEq(t, "5", string(res.Value))

	_, err = sc.Call(callCtx, "missing")
	var remote *client.RemoteError
	require.ErrorAs(t, err, &remote)
	assert.Equal(t, "no such export", remote.Message)
}

func TestEndToEndDeliveryRetriesAndDeduplicates(t *testing.T) {
	h := startHost(t)
	c := newHostClient(t, h)
	ctx := context.Background()

	sess, err := c.Attach(ctx, 1, bus.AttachOptions{PersistTimeout: time.Minute})
	require.NoError(t, err)
	defer sess.Detach(ctx)
	sc, err := sess.CreateScript(ctx, "src", bus.ScriptOptions{})
	require.NoError(t, err)

	hostSess := h.Session(sess.ID())
	hostSess.FailNextPosts(1)

	require.NoError(t, sc.Post("fragile", nil))
	// The failed batch is requeued; the next post triggers redelivery of both.
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, sc.Post("second", nil))

	waitFor(t, func() bool { return len(hostSess.Received()) == 2 }, "redelivery did not happen")
	received := hostSess.Received()
	assert.JSONEq(t, `"fragile"`, received[0].Text)
	assert.JSONEq(t, `"second"`, received[1].Text)
}

func TestEndToEndSerialReuseAfterDrain(t *testing.T) {
	h := startHost(t)
	c := newHostClient(t, h)
	ctx := context.Background()

	sess, err := c.Attach(ctx, 1, bus.AttachOptions{PersistTimeout: time.Minute})
	require.NoError(t, err)
	defer sess.Detach(ctx)
	sc, err := sess.CreateScript(ctx, "src", bus.ScriptOptions{})
	require.NoError(t, err)

	hostSess := h.Session(sess.ID())
	require.NoError(t, sc.Post("first", nil))
	waitFor(t, func() bool { return len(hostSess.Received()) == 1 }, "first message did not arrive")

	// Let the ack land so the queue drains and serials restart at 1. The
	// reused batch id must not be mistaken for a duplicate.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, sc.Post("second", nil))
	waitFor(t, func() bool { return len(hostSess.Received()) == 2 }, "post-drain batch was dropped")

	received := hostSess.Received()
	assert.JSONEq(t, `"first"`, received[0].Text)
	assert.JSONEq(t, `"second"`, received[1].Text)
}

func TestEndToEndInterruptionAndResume(t *testing.T) {
	h := startHost(t)
	c := newHostClient(t, h)
	ctx := context.Background()

	sess, err := c.Attach(ctx, 1, bus.AttachOptions{PersistTimeout: time.Minute})
	require.NoError(t, err)
	sc, err := sess.CreateScript(ctx, "src", bus.ScriptOptions{})
	require.NoError(t, err)

	var mu sync.Mutex
	var reasons []bus.DetachReason
	sess.OnDetached(func(reason bus.DetachReason, crash *bus.Crash) {
		mu.Lock()
		defer mu.Unlock()
		reasons = append(reasons, reason)
	})

	h.DropConnections()
	waitFor(t, func() bool { return sess.State() == client.StateInterrupted }, "session did not interrupt")
	mu.Lock()
	assert.Equal(t, []bus.DetachReason{bus.DetachConnectionTerminated}, reasons)
	mu.Unlock()

	// Queued while interrupted, delivered after resume.
	require.NoError(t, sc.Post("queued", nil))

	require.NoError(t, sess.Resume(ctx))
	assert.Equal(t, client.StateAttached, sess.State())

	hostSess := h.Session(sess.ID())
	waitFor(t, func() bool { return len(hostSess.Received()) == 1 }, "queued message did not arrive")
	assert.JSONEq(t, `"queued"`, hostSess.Received()[0].Text)

	require.NoError(t, sess.Detach(ctx))
	waitFor(t, func() bool { return h.Session(sess.ID()) == nil }, "host did not close the session")
}

func TestEndToEndHostDrivenDetach(t *testing.T) {
	h := startHost(t)
	c := newHostClient(t, h)
	ctx := context.Background()

	sess, err := c.Attach(ctx, 1, bus.AttachOptions{PersistTimeout: time.Minute})
	require.NoError(t, err)

	var mu sync.Mutex
	var gotCrash *bus.Crash
	crashSet := false
	sess.OnDetached(func(reason bus.DetachReason, crash *bus.Crash) {
		mu.Lock()
		defer mu.Unlock()
		gotCrash = crash
		crashSet = true
	})

	crash := &bus.Crash{PID: 1, Process: "init", Summary: "abort was called"}
	require.NoError(t, h.SignalDetached(sess.ID(), bus.DetachProcessTerminated, crash))
	waitFor(t, func() bool { return sess.State() == client.StateDetached }, "session did not detach")

	mu.Lock()
	defer mu.Unlock()
	require.True(t, crashSet)
	require.NotNil(t, gotCrash)
	assert.Equal(t, "abort was called", gotCrash.Summary)
}

func TestEndToEndHostDrivenDetachWithoutCrash(t *testing.T) {
	h := startHost(t)
	c := newHostClient(t, h)
	ctx := context.Background()

	sess, err := c.Attach(ctx, 1, bus.AttachOptions{})
	require.NoError(t, err)

	var mu sync.Mutex
	var gotCrash *bus.Crash
	crashSet := false
	sess.OnDetached(func(reason bus.DetachReason, crash *bus.Crash) {
		mu.Lock()
		defer mu.Unlock()
		gotCrash = crash
		crashSet = true
	})

	require.NoError(t, h.SignalDetached(sess.ID(), bus.DetachDeviceLost, nil))
	waitFor(t, func() bool { return sess.State() == client.StateDetached }, "session did not detach")

	mu.Lock()
	defer mu.Unlock()
	require.True(t, crashSet)
	assert.Nil(t, gotCrash, "absent crash info must surface as nil")
}

func TestEndToEndPeerUpgradeRefusedByHost(t *testing.T) {
	h := startHost(t)
	c := newHostClient(t, h)
	ctx := context.Background()

	sess, err := c.Attach(ctx, 1, bus.AttachOptions{PersistTimeout: time.Minute})
	require.NoError(t, err)
	defer sess.Detach(ctx)

	setupCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	err = sess.SetupPeerConnection(setupCtx, bus.PeerOptions{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "peer connections are not supported")

	// The refused upgrade leaves the relayed transport fully usable.
	assert.Equal(t, client.StateAttached, sess.State())
	sc, err := sess.CreateScript(ctx, "src", bus.ScriptOptions{})
	require.NoError(t, err)
	require.NoError(t, sc.Post("still-works", nil))
	hostSess := h.Session(sess.ID())
	waitFor(t, func() bool { return len(hostSess.Received()) == 1 }, "message did not arrive")
}
