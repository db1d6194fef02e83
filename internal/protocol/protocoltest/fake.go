// Package protocoltest provides an in-memory protocol.Conn for tests.
package protocoltest

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"herald/internal/protocol"
)

var ErrConnClosed = errors.New("protocoltest: conn closed")

type SentMessage struct {
	DestinationID string
	Text          string
	Handle        protocol.MessageHandle
}

type Retraction struct {
	DestinationID string
	Handle        protocol.MessageHandle
}

// FakeConn is a scripted protocol.Conn. Tests drive lifecycle through Emit
// and observe outbound traffic through Sent/Retracted.
type FakeConn struct {
	mu sync.Mutex

	events chan protocol.Event
	closed bool

	destinations []protocol.Destination

	sent      []SentMessage
	retracted []Retraction
	polls     []protocol.PollSpec
	media     []protocol.MediaSpec
	seq       int

	// FailSends maps destination id -> error returned by SendText.
	FailSends map[string]error

	// SendHook, if set, runs synchronously after each successful SendText.
	// Useful for flipping cancellation mid-batch.
	SendHook func(destinationID string)
}

func NewFakeConn(destinations ...protocol.Destination) *FakeConn {
	return &FakeConn{
		events:       make(chan protocol.Event, 16),
		destinations: destinations,
	}
}

func (c *FakeConn) Events() <-chan protocol.Event { return c.events }

// Emit delivers a lifecycle event to the session. No-op after Close.
func (c *FakeConn) Emit(ev protocol.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.events <- ev
}

func (c *FakeConn) SetDestinations(destinations []protocol.Destination) {
	c.mu.Lock()
	c.destinations = append([]protocol.Destination(nil), destinations...)
	c.mu.Unlock()
}

func (c *FakeConn) SendText(ctx context.Context, destinationID, text string) (protocol.MessageHandle, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrConnClosed
	}
	if err := c.FailSends[destinationID]; err != nil {
		c.mu.Unlock()
		return "", err
	}
	c.seq++
	h := protocol.MessageHandle(fmt.Sprintf("h-%s-%d", destinationID, c.seq))
	c.sent = append(c.sent, SentMessage{DestinationID: destinationID, Text: text, Handle: h})
	hook := c.SendHook
	c.mu.Unlock()

	if hook != nil {
		hook(destinationID)
	}
	return h, nil
}

func (c *FakeConn) SendPoll(ctx context.Context, destinationID string, poll protocol.PollSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.polls = append(c.polls, poll)
	return nil
}

func (c *FakeConn) SendMedia(ctx context.Context, destinationID string, media protocol.MediaSpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.media = append(c.media, media)
	return nil
}

func (c *FakeConn) Retract(ctx context.Context, destinationID string, handle protocol.MessageHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnClosed
	}
	c.retracted = append(c.retracted, Retraction{DestinationID: destinationID, Handle: handle})
	return nil
}

func (c *FakeConn) FetchDestinations(ctx context.Context) ([]protocol.Destination, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrConnClosed
	}
	return append([]protocol.Destination(nil), c.destinations...), nil
}

func (c *FakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.events)
	return nil
}

func (c *FakeConn) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *FakeConn) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentMessage(nil), c.sent...)
}

func (c *FakeConn) Retracted() []Retraction {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Retraction(nil), c.retracted...)
}

func (c *FakeConn) Polls() []protocol.PollSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.PollSpec(nil), c.polls...)
}

func (c *FakeConn) Media() []protocol.MediaSpec {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]protocol.MediaSpec(nil), c.media...)
}

// FakeDialer hands out conns produced by Make, one per Dial.
type FakeDialer struct {
	mu sync.Mutex

	// Make builds the conn for a dial attempt. If nil, a conn with no
	// destinations is returned.
	Make func(sessionID string) *FakeConn

	// Err, if set, fails every Dial.
	Err error

	dials     int
	lastCreds []byte
	conns     []*FakeConn
}

func (d *FakeDialer) Dial(ctx context.Context, sessionID string, creds []byte, keys protocol.KeyReader) (protocol.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.dials++
	d.lastCreds = append([]byte(nil), creds...)
	if d.Err != nil {
		return nil, d.Err
	}
	var c *FakeConn
	if d.Make != nil {
		c = d.Make(sessionID)
	} else {
		c = NewFakeConn()
	}
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *FakeDialer) Dials() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *FakeDialer) Conns() []*FakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]*FakeConn(nil), d.conns...)
}

func (d *FakeDialer) LastCreds() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]byte(nil), d.lastCreds...)
}
