package session

import (
	"time"

	"herald/internal/protocol"
	logx "herald/pkg/logx"
)

// maybeGreet auto-replies to a direct correspondent at most once per
// responder TTL. Group traffic and our own messages are ignored.
func (s *Session) maybeGreet(msg *protocol.InboundMessage) {
	if msg == nil || msg.IsGroup || msg.FromSelf || msg.From == "" {
		return
	}
	s.mu.Lock()
	greeting := s.settings.Greeting
	ttl := s.settings.ResponderTTL
	conn := s.conn
	s.mu.Unlock()
	if greeting == "" || conn == nil {
		return
	}

	now := time.Now()
	s.respMu.Lock()
	last, seen := s.responders[msg.From]
	if seen && now.Sub(last) < ttl {
		s.respMu.Unlock()
		return
	}
	s.responders[msg.From] = now
	s.respMu.Unlock()

	if _, err := conn.SendText(s.runCtx, msg.From, greeting); err != nil {
		s.log.Warn("greeting failed", logx.String("destination", msg.From), logx.Err(err))
	}
}

// PruneResponders deletes greeted-correspondent entries older than the
// responder TTL and reports how many were removed. Eviction is explicit so
// the map stays bounded instead of merely skipping stale entries on lookup.
func (s *Session) PruneResponders(now time.Time) int {
	s.mu.Lock()
	ttl := s.settings.ResponderTTL
	s.mu.Unlock()

	s.respMu.Lock()
	defer s.respMu.Unlock()
	n := 0
	for id, at := range s.responders {
		if now.Sub(at) >= ttl {
			delete(s.responders, id)
			n++
		}
	}
	return n
}
