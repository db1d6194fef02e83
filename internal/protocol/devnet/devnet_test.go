package devnet

import (
	"context"
	"testing"
	"time"

	"herald/internal/protocol"
	logx "herald/pkg/logx"
)

func TestDialWithoutCredsRunsLinkFlow(t *testing.T) {
	t.Parallel()
	d := NewDialer([]protocol.Destination{{ID: "d1", Name: "Ops"}}, 20*time.Millisecond, logx.Nop())
	c, err := d.Dial(context.Background(), "alice", nil, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	ev := <-c.Events()
	if ev.Kind != protocol.EventLinkPending || ev.LinkToken == "" {
		t.Fatalf("first event = %+v, want link_pending with token", ev)
	}

	ev = <-c.Events()
	if ev.Kind != protocol.EventCredsUpdated || len(ev.Creds) == 0 {
		t.Fatalf("second event = %+v, want creds_updated", ev)
	}
	ev = <-c.Events()
	if ev.Kind != protocol.EventConnected {
		t.Fatalf("third event = %+v, want connected", ev)
	}

	dests, err := c.FetchDestinations(context.Background())
	if err != nil || len(dests) != 1 || dests[0].Name != "Ops" {
		t.Fatalf("FetchDestinations = %v, %v", dests, err)
	}
}

func TestDialWithCredsConnectsImmediately(t *testing.T) {
	t.Parallel()
	d := NewDialer(nil, time.Minute, logx.Nop())
	c, err := d.Dial(context.Background(), "bob", []byte("devnet:bob"), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer c.Close()

	ev := <-c.Events()
	if ev.Kind != protocol.EventConnected {
		t.Fatalf("first event = %+v, want connected", ev)
	}
}

func TestCloseStopsAutoConfirm(t *testing.T) {
	t.Parallel()
	d := NewDialer(nil, 10*time.Millisecond, logx.Nop())
	c, err := d.Dial(context.Background(), "carol", nil, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	// The pending auto-confirm must notice the closed conn instead of
	// sending on a closed channel.
	time.Sleep(30 * time.Millisecond)
	if _, err := c.SendText(context.Background(), "d1", "x"); err == nil {
		t.Fatal("SendText after Close succeeded")
	}
}
