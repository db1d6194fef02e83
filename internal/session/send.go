package session

import (
	"context"

	"golang.org/x/time/rate"

	"herald/internal/protocol"
	logx "herald/pkg/logx"
)

// Send delivers text to each destination in caller-supplied order, pacing
// deliveries with the configured inter-send delay. A per-destination failure
// is logged and the batch continues. If the batch is cancelled mid-flight,
// every message delivered so far is retracted and Send reports cancelled.
//
// Batches for one session are serialized here: a dispatch tick that fires
// while a previous batch is still draining queues behind it instead of
// interleaving deliveries.
func (s *Session) Send(ctx context.Context, text string, destinations []protocol.Destination) (cancelled bool) {
	if len(destinations) == 0 {
		return false
	}

	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.batchActive.Store(true)
	defer s.batchActive.Store(false)
	// A cancellation can only target the batch it observed; drop anything stale.
	s.cancelFlag.Store(false)

	s.mu.Lock()
	delay := s.settings.SendDelay
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.log.Warn("send skipped; not connected", logx.Int("destinations", len(destinations)))
		return false
	}

	lim := rate.NewLimiter(rate.Every(delay), 1)
	lim.Reserve() // spend the initial burst so the first delivery waits too

	delivered := make(map[string]protocol.MessageHandle, len(destinations))
	order := make([]string, 0, len(destinations))

	for _, d := range destinations {
		if s.cancelFlag.Load() {
			// Stop issuing further sends; what is already out gets retracted below.
			break
		}
		if err := lim.Wait(ctx); err != nil {
			s.log.Warn("send batch interrupted", logx.Err(err))
			break
		}
		h, err := conn.SendText(ctx, d.ID, text)
		if err != nil {
			// Best-effort semantics: one failed destination never aborts the batch.
			s.log.Warn("delivery failed", logx.String("destination", d.ID), logx.Err(err))
			continue
		}
		delivered[d.ID] = h
		order = append(order, d.ID)
		s.log.Debug("message delivered", logx.String("destination", d.ID))
	}

	if s.cancelFlag.Load() {
		s.retract(ctx, conn, lim, delivered, order)
		s.cancelFlag.Store(false)
		s.log.Info("send batch cancelled", logx.Int("retracted", len(order)))
		return true
	}
	return false
}

// retract deletes every message delivered in the cancelled batch, paced by
// the same limiter as delivery. Failures are logged; the handle then stays
// un-retracted, which is the best we can do.
func (s *Session) retract(ctx context.Context, conn protocol.Conn, lim *rate.Limiter, delivered map[string]protocol.MessageHandle, order []string) {
	for _, id := range order {
		h, ok := delivered[id]
		if !ok {
			continue
		}
		if err := lim.Wait(ctx); err != nil {
			s.log.Warn("retraction interrupted", logx.Err(err))
			return
		}
		if err := conn.Retract(ctx, id, h); err != nil {
			s.log.Warn("retraction failed", logx.String("destination", id), logx.Err(err))
			continue
		}
		delete(delivered, id)
	}
}

// CancelSend requests cancellation of the batch currently in progress.
// Cooperative, not preemptive: it takes effect at the next delivery
// boundary. No-op when no batch is running.
func (s *Session) CancelSend() {
	if s.batchActive.Load() {
		s.cancelFlag.Store(true)
	}
}

// SendPoll sends a poll to each destination immediately: no queue, no rate
// limiting, no retraction tracking. Failures are logged only.
func (s *Session) SendPoll(ctx context.Context, poll protocol.PollSpec, destinationIDs []string) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.log.Warn("poll skipped; not connected")
		return
	}
	for _, id := range destinationIDs {
		if err := conn.SendPoll(ctx, id, poll); err != nil {
			s.log.Warn("poll delivery failed", logx.String("destination", id), logx.Err(err))
		}
	}
}

// SendMedia sends sticker/audio/image/video content immediately, bypassing
// the dispatch queue. Fire-and-forget with logged-only failures.
func (s *Session) SendMedia(ctx context.Context, media protocol.MediaSpec, destinationIDs []string) {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		s.log.Warn("media skipped; not connected", logx.String("kind", string(media.Kind)))
		return
	}
	for _, id := range destinationIDs {
		if err := conn.SendMedia(ctx, id, media); err != nil {
			s.log.Warn("media delivery failed",
				logx.String("destination", id), logx.String("kind", string(media.Kind)), logx.Err(err))
		}
	}
}
