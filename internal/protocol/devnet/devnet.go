// Package devnet is an in-memory stand-in for the real messaging network,
// used for local development and end-to-end exercising of the session state
// machine. Uncredentialed sessions go through a simulated link step (token
// issued, auto-confirmed after a delay); credentialed ones connect straight
// away. Outbound traffic is logged and discarded.
package devnet

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"herald/internal/protocol"
	logx "herald/pkg/logx"
)

type Dialer struct {
	destinations []protocol.Destination
	confirmDelay time.Duration
	log          logx.Logger
}

func NewDialer(destinations []protocol.Destination, confirmDelay time.Duration, log logx.Logger) *Dialer {
	if confirmDelay <= 0 {
		confirmDelay = 2 * time.Second
	}
	return &Dialer{destinations: destinations, confirmDelay: confirmDelay, log: log}
}

func (d *Dialer) Dial(ctx context.Context, sessionID string, creds []byte, keys protocol.KeyReader) (protocol.Conn, error) {
	c := &conn{
		sessionID:    sessionID,
		destinations: d.destinations,
		events:       make(chan protocol.Event, 16),
		log:          d.log.With(logx.String("session", sessionID)),
	}

	if len(creds) == 0 {
		token := newToken()
		c.events <- protocol.Event{Kind: protocol.EventLinkPending, LinkToken: token}
		// Auto-confirm: a real network waits for the device scan here.
		time.AfterFunc(d.confirmDelay, func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			if c.closed {
				return
			}
			c.events <- protocol.Event{Kind: protocol.EventCredsUpdated, Creds: []byte("devnet:" + sessionID)}
			c.events <- protocol.Event{Kind: protocol.EventConnected}
		})
	} else {
		c.events <- protocol.Event{Kind: protocol.EventConnected}
	}
	return c, nil
}

type conn struct {
	sessionID    string
	destinations []protocol.Destination
	log          logx.Logger

	mu     sync.Mutex
	events chan protocol.Event
	closed bool
	seq    int
}

func (c *conn) Events() <-chan protocol.Event { return c.events }

func (c *conn) SendText(ctx context.Context, destinationID, text string) (protocol.MessageHandle, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return "", fmt.Errorf("devnet: conn closed")
	}
	c.seq++
	h := protocol.MessageHandle(fmt.Sprintf("dev-%s-%d", destinationID, c.seq))
	c.log.Info("devnet text", logx.String("destination", destinationID), logx.Int("len", len(text)))
	return h, nil
}

func (c *conn) SendPoll(ctx context.Context, destinationID string, poll protocol.PollSpec) error {
	c.log.Info("devnet poll", logx.String("destination", destinationID), logx.String("question", poll.Question))
	return nil
}

func (c *conn) SendMedia(ctx context.Context, destinationID string, media protocol.MediaSpec) error {
	c.log.Info("devnet media", logx.String("destination", destinationID), logx.String("kind", string(media.Kind)))
	return nil
}

func (c *conn) Retract(ctx context.Context, destinationID string, handle protocol.MessageHandle) error {
	c.log.Info("devnet retract", logx.String("destination", destinationID), logx.String("handle", string(handle)))
	return nil
}

func (c *conn) FetchDestinations(ctx context.Context) ([]protocol.Destination, error) {
	return append([]protocol.Destination(nil), c.destinations...), nil
}

func (c *conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.events)
	return nil
}

func newToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
