package app

import (
	"context"
	"time"

	"herald/internal/dispatch"
	"herald/internal/protocol"
	"herald/internal/session"
)

func timeNow() time.Time { return time.Now() }

// CreateSession registers a session and starts linking it. When stored
// credentials exist the link token is empty and the session comes up
// connected; otherwise the returned token must be confirmed on the peer
// device before the link timeout fires.
func (a *App) CreateSession(ctx context.Context, sessionID string) (string, error) {
	sess, err := a.registry.Get(sessionID)
	if err != nil {
		sess = session.New(sessionID, a.dialer, a.store, a.currentSettings(), a.log)
		sess.OnClosed(func(id string) { a.registry.Remove(id) })
		if err := a.registry.Put(sess); err != nil {
			// Lost the race to a concurrent create; use the winner.
			sess, err = a.registry.Get(sessionID)
			if err != nil {
				return "", err
			}
		}
	}
	return sess.Connect(ctx)
}

// DeleteSession tears the session down permanently and purges its stored
// credentials.
func (a *App) DeleteSession(ctx context.Context, sessionID string) error {
	sess, err := a.registry.Get(sessionID)
	if err != nil {
		return err
	}
	sess.Close()
	return nil
}

func (a *App) EnqueueMessage(messageID, pattern, text string) error {
	a.dispatcher.Enqueue(dispatch.Request{MessageID: messageID, Pattern: pattern, Text: text})
	return nil
}

func (a *App) CancelMessage(messageID string) {
	a.dispatcher.CancelMessage(messageID)
}

// SendPoll bypasses the queue and delivers immediately to the named
// destination IDs.
func (a *App) SendPoll(ctx context.Context, sessionID string, poll protocol.PollSpec, destinations []string) error {
	sess, err := a.registry.Get(sessionID)
	if err != nil {
		return err
	}
	go sess.SendPoll(a.runCtx, poll, destinations)
	return nil
}

// SendMedia bypasses the queue and delivers immediately to the named
// destination IDs.
func (a *App) SendMedia(ctx context.Context, sessionID string, media protocol.MediaSpec, destinations []string) error {
	sess, err := a.registry.Get(sessionID)
	if err != nil {
		return err
	}
	go sess.SendMedia(a.runCtx, media, destinations)
	return nil
}
