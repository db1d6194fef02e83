// Package session owns one authenticated connection to the messaging
// network: its state machine, destination list, send batches and
// cancellation, plus the process-wide Registry of live sessions.
package session

import (
	"context"
	"errors"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"herald/internal/credstore"
	"herald/internal/protocol"
	logx "herald/pkg/logx"
)

var (
	ErrClosed       = errors.New("session: closed")
	ErrNotConnected = errors.New("session: not connected")
)

// Settings are the per-session knobs. SendDelay, Greeting and ResponderTTL
// are hot-reloadable via Apply; LinkTimeout binds at the next link attempt.
type Settings struct {
	LinkTimeout  time.Duration
	SendDelay    time.Duration
	Greeting     string
	ResponderTTL time.Duration
}

func (s Settings) withDefaults() Settings {
	if s.LinkTimeout <= 0 {
		s.LinkTimeout = 50 * time.Second
	}
	if s.SendDelay <= 0 {
		s.SendDelay = 1500 * time.Millisecond
	}
	if s.ResponderTTL <= 0 {
		s.ResponderTTL = 24 * time.Hour
	}
	return s
}

type connectOutcome struct {
	token string
	err   error
}

// Session is one long-lived messaging session. It exclusively owns its
// protocol.Conn; everything network-facing goes through it.
type Session struct {
	id     string
	dialer protocol.Dialer
	store  credstore.Store
	log    logx.Logger

	runCtx    context.Context
	runCancel context.CancelFunc

	mu           sync.Mutex
	settings     Settings
	state        State
	conn         protocol.Conn
	destinations []protocol.Destination
	linkToken    string
	linkTimer    *time.Timer
	waiters      []chan connectOutcome

	// send path
	sendMu      sync.Mutex // serializes batches for this session
	batchActive atomic.Bool
	cancelFlag  atomic.Bool

	respMu     sync.Mutex
	responders map[string]time.Time

	onClosed func(id string)

	shutdown atomic.Bool
	runWG    sync.WaitGroup
}

func New(id string, dialer protocol.Dialer, store credstore.Store, settings Settings, log logx.Logger) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:         id,
		dialer:     dialer,
		store:      store,
		log:        log.With(logx.String("session", id)),
		runCtx:     ctx,
		runCancel:  cancel,
		settings:   settings.withDefaults(),
		state:      StateDisconnected,
		responders: map[string]time.Time{},
	}
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// OnClosed installs the teardown hook (registry removal). Set before Connect.
func (s *Session) OnClosed(fn func(id string)) { s.onClosed = fn }

// Apply updates the hot-reloadable knobs.
func (s *Session) Apply(settings Settings) {
	s.mu.Lock()
	s.settings = settings.withDefaults()
	s.mu.Unlock()
}

// Connect is idempotent: it returns the handshake token if device linking is
// required, or "" once the session is connected. Concurrent calls share one
// dial attempt.
func (s *Session) Connect(ctx context.Context) (string, error) {
	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return "", ErrClosed
	case StateConnected:
		s.mu.Unlock()
		return "", nil
	case StateAwaitingConfirm:
		tok := s.linkToken
		s.mu.Unlock()
		return tok, nil
	}
	ch := make(chan connectOutcome, 1)
	s.waiters = append(s.waiters, ch)
	needDial := s.state == StateDisconnected
	if needDial {
		s.state = StateConnecting
	}
	s.mu.Unlock()

	if needDial {
		conn, err := s.dial(ctx)
		if err != nil {
			s.mu.Lock()
			if s.state == StateConnecting {
				s.state = StateDisconnected
			}
			s.mu.Unlock()
			s.resolveWaiters(connectOutcome{err: err})
			return "", err
		}
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			_ = conn.Close()
			return "", ErrClosed
		}
		s.conn = conn
		s.mu.Unlock()

		s.runWG.Add(1)
		go s.run(conn)
	}

	select {
	case out := <-ch:
		return out.token, out.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (s *Session) dial(ctx context.Context) (protocol.Conn, error) {
	creds, err := s.store.Load(ctx, s.id)
	if err != nil && !errors.Is(err, credstore.ErrNotFound) {
		// Read failure degrades to "uncredentialed": forces a fresh link
		// instead of refusing to start.
		s.log.Warn("credential load failed; starting fresh link", logx.Err(err))
		creds = nil
	}
	return s.dialer.Dial(ctx, s.id, creds, s.store)
}

// run consumes lifecycle events for the session's current conn. It survives
// reconnects (the conn is swapped in place) and exits only on terminal close.
func (s *Session) run(conn protocol.Conn) {
	defer s.runWG.Done()
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in session event loop",
				logx.Any("panic", r), logx.Stack(string(debug.Stack())))
		}
	}()

	for {
		ev, ok := <-conn.Events()
		if !ok {
			// Transport torn down without a disconnect event. If we initiated
			// the close (deletion or process shutdown) there is nothing left
			// to do; otherwise treat it as a non-transient end of stream.
			if s.shutdown.Load() || s.State() == StateClosed {
				return
			}
			s.closeTerminal("transport closed")
			return
		}
		switch s.handleEvent(ev) {
		case actStop:
			return
		case actReconnect:
			next := s.reconnect()
			if next == nil {
				return
			}
			conn = next
		}
	}
}

type action int

const (
	actNone action = iota
	actReconnect
	actStop
)

// handleEvent is the single state-transition function for the closed event
// set of the protocol library.
func (s *Session) handleEvent(ev protocol.Event) action {
	switch ev.Kind {
	case protocol.EventLinkPending:
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return actStop
		}
		s.state = StateAwaitingConfirm
		s.linkToken = ev.LinkToken
		if s.linkTimer != nil {
			s.linkTimer.Stop()
		}
		s.linkTimer = time.AfterFunc(s.settings.LinkTimeout, s.linkExpired)
		window := s.settings.LinkTimeout
		s.mu.Unlock()

		s.log.Info("link pending; awaiting confirmation", logx.Duration("window", window))
		s.resolveWaiters(connectOutcome{token: ev.LinkToken})
		return actNone

	case protocol.EventConnected:
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return actStop
		}
		s.state = StateConnected
		s.linkToken = ""
		if s.linkTimer != nil {
			s.linkTimer.Stop()
			s.linkTimer = nil
		}
		s.mu.Unlock()

		s.log.Info("connected")
		if err := s.RefreshDestinations(s.runCtx); err != nil {
			s.log.Warn("destination refresh failed", logx.Err(err))
		}
		s.resolveWaiters(connectOutcome{})
		return actNone

	case protocol.EventDisconnected:
		if s.State() == StateClosed {
			return actStop
		}
		if ev.Reason.Transient() {
			s.log.Warn("transient disconnect; reconnecting", logx.String("reason", string(ev.Reason)))
			return actReconnect
		}
		s.log.Warn("disconnected", logx.String("reason", string(ev.Reason)))
		s.closeTerminal("disconnect: " + string(ev.Reason))
		return actStop

	case protocol.EventCredsUpdated:
		if err := s.store.Save(s.runCtx, s.id, ev.Creds); err != nil {
			// Best-effort durability: the in-memory session keeps running and
			// a later restart may replay stale credentials.
			s.log.Error("credential save failed", logx.Err(err))
		}
		return actNone

	case protocol.EventMessage:
		s.maybeGreet(ev.Message)
		return actNone
	}

	s.log.Debug("unhandled protocol event", logx.String("kind", string(ev.Kind)))
	return actNone
}

// reconnect tears down the dead conn and redials until it succeeds or the
// session ends. Attempts are cheap, so there is no backoff cap; explicit
// deletion cuts the loop via runCtx.
func (s *Session) reconnect() protocol.Conn {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateReconnecting
	old := s.conn
	s.conn = nil
	s.mu.Unlock()
	if old != nil {
		_ = old.Close()
	}

	for {
		if s.shutdown.Load() || s.runCtx.Err() != nil {
			return nil
		}
		s.mu.Lock()
		if s.state == StateClosed {
			s.mu.Unlock()
			return nil
		}
		s.state = StateConnecting
		s.mu.Unlock()

		conn, err := s.dial(s.runCtx)
		if err == nil {
			s.mu.Lock()
			if s.state == StateClosed {
				s.mu.Unlock()
				_ = conn.Close()
				return nil
			}
			s.conn = conn
			s.mu.Unlock()
			return conn
		}
		if s.runCtx.Err() != nil {
			return nil
		}
		s.log.Warn("reconnect dial failed; retrying", logx.Err(err))
		select {
		case <-s.runCtx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}

func (s *Session) linkExpired() {
	if s.State() == StateConnected {
		return
	}
	s.log.Warn("link confirmation window elapsed")
	s.closeTerminal("link timeout")
}

// Close transitions to the terminal state from anywhere: transport closed,
// credentials purged, registry entry removed. Idempotent.
func (s *Session) Close() {
	s.closeTerminal("deleted")
}

// Shutdown disconnects for process exit without purging credentials, so the
// session can be resurrected on the next start. Blocks until the event loop
// has drained.
func (s *Session) Shutdown() {
	s.shutdown.Store(true)
	s.runCancel()

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	if s.linkTimer != nil {
		s.linkTimer.Stop()
		s.linkTimer = nil
	}
	if s.state != StateClosed {
		s.state = StateDisconnected
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	s.runWG.Wait()
}

func (s *Session) closeTerminal(reason string) {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	s.state = StateClosed
	conn := s.conn
	s.conn = nil
	if s.linkTimer != nil {
		s.linkTimer.Stop()
		s.linkTimer = nil
	}
	s.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}

	// The purge must complete before any later registration for this id can
	// re-create credential writes.
	pctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	if err := s.store.Purge(pctx, s.id); err != nil {
		s.log.Error("credential purge failed", logx.Err(err))
	}
	cancel()

	s.runCancel()
	s.resolveWaiters(connectOutcome{err: ErrClosed})
	s.log.Info("session closed", logx.String("reason", reason))
	if s.onClosed != nil {
		s.onClosed(s.id)
	}
}

func (s *Session) resolveWaiters(out connectOutcome) {
	s.mu.Lock()
	waiters := s.waiters
	s.waiters = nil
	s.mu.Unlock()
	for _, ch := range waiters {
		select {
		case ch <- out:
		default:
		}
	}
}

// RefreshDestinations repopulates the known destination list from the
// network. Called on every connect; callable on demand.
func (s *Session) RefreshDestinations(ctx context.Context) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	dests, err := conn.FetchDestinations(ctx)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.destinations = dests
	s.mu.Unlock()
	s.log.Debug("destinations refreshed", logx.Int("count", len(dests)))
	return nil
}

// Destinations returns a snapshot of the known destination list.
func (s *Session) Destinations() []protocol.Destination {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.Destination(nil), s.destinations...)
}
