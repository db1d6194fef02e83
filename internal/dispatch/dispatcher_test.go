package dispatch

import (
	"context"
	"testing"
	"time"

	"herald/internal/credstore"
	"herald/internal/protocol"
	"herald/internal/protocol/protocoltest"
	"herald/internal/resolver"
	"herald/internal/session"
	logx "herald/pkg/logx"
)

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func liveSession(t *testing.T, reg *session.Registry, id string, dests ...protocol.Destination) *protocoltest.FakeConn {
	t.Helper()
	var conn *protocoltest.FakeConn
	dialer := &protocoltest.FakeDialer{Make: func(string) *protocoltest.FakeConn {
		conn = protocoltest.NewFakeConn(dests...)
		conn.Emit(protocol.Event{Kind: protocol.EventConnected})
		return conn
	}}
	s := session.New(id, dialer, credstore.NewMemory(), session.Settings{
		SendDelay: time.Millisecond,
	}, logx.Nop())
	if _, err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect(%s): %v", id, err)
	}
	if err := reg.Put(s); err != nil {
		t.Fatalf("Put(%s): %v", id, err)
	}
	t.Cleanup(s.Shutdown)
	return conn
}

func newDispatcher(reg *session.Registry) (*Dispatcher, *Queue) {
	q := NewQueue()
	d := New(10*time.Millisecond, q, reg, resolver.New(70), logx.Nop())
	return d, q
}

func TestDispatchFansOutAcrossSessions(t *testing.T) {
	t.Parallel()
	reg := session.NewRegistry()
	connA := liveSession(t, reg, "a",
		protocol.Destination{ID: "a1", Name: "Team Updates"},
		protocol.Destination{ID: "a2", Name: "Random"})
	connB := liveSession(t, reg, "b",
		protocol.Destination{ID: "b1", Name: "Team Updates"})
	connC := liveSession(t, reg, "c",
		protocol.Destination{ID: "c1", Name: "Family"})

	d, _ := newDispatcher(reg)
	d.Enqueue(Request{MessageID: "m1", Pattern: "team updates", Text: "ship it"})
	d.DispatchOnce(context.Background())

	waitFor(t, "fan-out", func() bool {
		return len(connA.Sent()) == 1 && len(connB.Sent()) == 1
	})
	if got := connA.Sent()[0]; got.DestinationID != "a1" || got.Text != "ship it" {
		t.Fatalf("session a delivery = %+v", got)
	}
	if got := connB.Sent()[0].DestinationID; got != "b1" {
		t.Fatalf("session b delivered to %s, want b1", got)
	}
	// No match on session c: skipped, not an error.
	time.Sleep(20 * time.Millisecond)
	if got := len(connC.Sent()); got != 0 {
		t.Fatalf("session c received %d messages, want 0", got)
	}
}

func TestDispatchOnePerTick(t *testing.T) {
	t.Parallel()
	reg := session.NewRegistry()
	conn := liveSession(t, reg, "a", protocol.Destination{ID: "a1", Name: "Ops"})

	d, q := newDispatcher(reg)
	d.Enqueue(Request{MessageID: "m1", Pattern: "ops", Text: "one"})
	d.Enqueue(Request{MessageID: "m2", Pattern: "ops", Text: "two"})

	d.DispatchOnce(context.Background())
	waitFor(t, "first delivery", func() bool { return len(conn.Sent()) == 1 })
	if q.Len() != 1 {
		t.Fatalf("queue len after one tick = %d, want 1", q.Len())
	}
	if conn.Sent()[0].Text != "one" {
		t.Fatalf("first tick delivered %q, want the oldest request", conn.Sent()[0].Text)
	}

	d.DispatchOnce(context.Background())
	waitFor(t, "second delivery", func() bool { return len(conn.Sent()) == 2 })
	if conn.Sent()[1].Text != "two" {
		t.Fatalf("second tick delivered %q, want two", conn.Sent()[1].Text)
	}
}

func TestDispatchNoSessionsLeavesQueue(t *testing.T) {
	t.Parallel()
	reg := session.NewRegistry()
	d, q := newDispatcher(reg)
	d.Enqueue(Request{MessageID: "m1", Pattern: "ops", Text: "x"})

	d.DispatchOnce(context.Background())
	if q.Len() != 1 {
		t.Fatalf("queue len = %d, want 1 (nothing to dispatch to)", q.Len())
	}
}

func TestCancelPendingMessage(t *testing.T) {
	t.Parallel()
	reg := session.NewRegistry()
	conn := liveSession(t, reg, "a", protocol.Destination{ID: "a1", Name: "Ops"})

	d, q := newDispatcher(reg)
	d.Enqueue(Request{MessageID: "m1", Pattern: "ops", Text: "x"})
	d.CancelMessage("m1")
	d.CancelMessage("m1") // idempotent
	d.CancelMessage("never-existed")

	if q.Len() != 0 {
		t.Fatalf("queue len = %d, want 0", q.Len())
	}
	d.DispatchOnce(context.Background())
	time.Sleep(20 * time.Millisecond)
	if got := len(conn.Sent()); got != 0 {
		t.Fatalf("cancelled message delivered %d times", got)
	}
}

func TestCancelInFlightRetractsBoundSessionsOnly(t *testing.T) {
	t.Parallel()
	reg := session.NewRegistry()

	release := make(chan struct{})
	connA := liveSession(t, reg, "a", protocol.Destination{ID: "a1", Name: "Ops"}, protocol.Destination{ID: "a2", Name: "Ops Two"})
	connA.SendHook = func(id string) {
		if id == "a1" {
			<-release
		}
	}
	// Session b matches nothing; its batch state must stay untouched.
	connB := liveSession(t, reg, "b", protocol.Destination{ID: "b1", Name: "Family"})

	d, _ := newDispatcher(reg)
	d.Enqueue(Request{MessageID: "m1", Pattern: "ops", Text: "x"})
	d.DispatchOnce(context.Background())

	waitFor(t, "first delivery", func() bool { return len(connA.Sent()) == 1 })
	d.CancelMessage("m1")
	close(release)

	waitFor(t, "retraction", func() bool { return len(connA.Retracted()) == 1 })
	if got := connA.Retracted()[0].DestinationID; got != "a1" {
		t.Fatalf("retracted %s, want a1", got)
	}
	if got := len(connA.Sent()); got != 1 {
		t.Fatalf("sent %d after cancel, want 1", got)
	}
	if got := len(connB.Sent()); got != 0 {
		t.Fatalf("unbound session received %d messages", got)
	}
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()
	reg := session.NewRegistry()
	conn := liveSession(t, reg, "a", protocol.Destination{ID: "a1", Name: "Ops"})

	d, _ := newDispatcher(reg)
	d.Start(context.Background())
	d.Start(context.Background()) // idempotent

	d.Enqueue(Request{MessageID: "m1", Pattern: "ops", Text: "x"})
	waitFor(t, "ticked delivery", func() bool { return len(conn.Sent()) == 1 })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	d.Stop(ctx)
	d.Stop(ctx) // idempotent
}
