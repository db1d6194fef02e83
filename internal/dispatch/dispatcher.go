package dispatch

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"herald/internal/protocol"
	"herald/internal/resolver"
	"herald/internal/session"
	logx "herald/pkg/logx"
)

// Dispatcher drains at most one pending request per tick and fans it out
// across every session with a non-empty resolved destination set.
//
// A tick never blocks on sends: fan-out runs in spawned goroutines tracked by
// a WaitGroup so shutdown can wait for visible completion. Per-session batch
// overlap is prevented inside Session.Send (batches serialize there), which
// is the documented choice for cross-tick ordering.
type Dispatcher struct {
	queue    *Queue
	registry *session.Registry
	resolver *resolver.Resolver
	log      logx.Logger

	mu     sync.Mutex
	tick   time.Duration
	stopCh chan struct{}

	runCancel context.CancelFunc
	loopWG    sync.WaitGroup
	sendWG    sync.WaitGroup
}

func New(tick time.Duration, queue *Queue, registry *session.Registry, res *resolver.Resolver, log logx.Logger) *Dispatcher {
	if tick <= 0 {
		tick = 100 * time.Millisecond
	}
	return &Dispatcher{
		queue:    queue,
		registry: registry,
		resolver: res,
		log:      log,
		tick:     tick,
	}
}

// Apply updates the tick period; it takes effect at the next tick.
func (d *Dispatcher) Apply(tick time.Duration) {
	if tick <= 0 {
		return
	}
	d.mu.Lock()
	d.tick = tick
	d.mu.Unlock()
}

func (d *Dispatcher) currentTick() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.tick
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	if d.stopCh != nil {
		d.mu.Unlock()
		return
	}
	d.stopCh = make(chan struct{})
	stopCh := d.stopCh
	runCtx, cancel := context.WithCancel(ctx)
	d.runCancel = cancel
	d.mu.Unlock()

	d.loopWG.Add(1)
	go func() {
		defer d.loopWG.Done()
		defer func() {
			if r := recover(); r != nil {
				d.log.Error("panic in dispatcher loop",
					logx.Any("panic", r), logx.Stack(string(debug.Stack())))
			}
		}()
		d.loop(runCtx, stopCh)
	}()
	d.log.Info("dispatcher started", logx.Duration("tick", d.currentTick()))
}

func (d *Dispatcher) loop(ctx context.Context, stopCh <-chan struct{}) {
	// A fresh timer per iteration so Apply() can change the period live.
	for {
		t := time.NewTimer(d.currentTick())
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-stopCh:
			t.Stop()
			return
		case <-t.C:
			d.DispatchOnce(ctx)
		}
	}
}

// Stop halts the tick loop and waits (bounded by ctx) for in-flight fan-out
// sends to finish.
func (d *Dispatcher) Stop(ctx context.Context) {
	d.mu.Lock()
	if d.stopCh == nil {
		d.mu.Unlock()
		return
	}
	stopCh := d.stopCh
	d.stopCh = nil
	cancel := d.runCancel
	d.runCancel = nil
	d.mu.Unlock()

	close(stopCh)
	d.loopWG.Wait()
	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		d.sendWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		d.log.Info("dispatcher stopped")
	case <-ctx.Done():
		d.log.Warn("dispatcher stopped with sends still draining")
	}
}

// Enqueue accepts a pending message request from a producer.
func (d *Dispatcher) Enqueue(req Request) {
	d.queue.Enqueue(req)
	d.log.Debug("message queued",
		logx.String("message", req.MessageID), logx.String("pattern", req.Pattern),
		logx.Int("queue_len", d.queue.Len()))
}

// CancelMessage removes the request if it is still pending and cancels the
// in-flight batches of exactly the sessions it was dispatched to. Unknown
// ids are a no-op: cancellation is idempotent and never errors.
func (d *Dispatcher) CancelMessage(messageID string) {
	removed, sessions := d.queue.Cancel(messageID)
	for _, id := range sessions {
		sess, err := d.registry.Get(id)
		if err != nil {
			continue
		}
		sess.CancelSend()
	}
	d.log.Info("message cancelled",
		logx.String("message", messageID),
		logx.Bool("was_pending", removed),
		logx.Int("sessions", len(sessions)))
}

// DispatchOnce runs a single tick: pop the oldest request and fan it out.
// No-op when nothing is pending or no sessions are registered.
func (d *Dispatcher) DispatchOnce(ctx context.Context) {
	if d.queue.Len() == 0 || d.registry.Len() == 0 {
		return
	}
	req, ok := d.queue.Pop()
	if !ok {
		return
	}

	type target struct {
		sess  *session.Session
		dests []protocol.Destination
	}
	var targets []target
	for _, sess := range d.registry.List() {
		dests := d.resolver.Resolve(req.Pattern, sess.Destinations())
		if len(dests) == 0 {
			// Nothing to send for this session; not an error.
			continue
		}
		targets = append(targets, target{sess: sess, dests: dests})
	}
	if len(targets) == 0 {
		d.log.Debug("no session matched pattern",
			logx.String("message", req.MessageID), logx.String("pattern", req.Pattern))
		return
	}

	ids := make([]string, len(targets))
	for i, t := range targets {
		ids[i] = t.sess.ID()
	}
	d.queue.bind(req.MessageID, ids)

	d.log.Info("dispatching message",
		logx.String("message", req.MessageID), logx.Int("sessions", len(targets)))

	var batchWG sync.WaitGroup
	for _, t := range targets {
		t := t
		d.sendWG.Add(1)
		batchWG.Add(1)
		go func() {
			defer d.sendWG.Done()
			defer batchWG.Done()
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("panic in send batch",
						logx.String("session", t.sess.ID()),
						logx.Any("panic", r), logx.Stack(string(debug.Stack())))
				}
			}()
			cancelled := t.sess.Send(ctx, req.Text, t.dests)
			if cancelled {
				d.log.Info("batch cancelled",
					logx.String("message", req.MessageID), logx.String("session", t.sess.ID()))
			}
		}()
	}

	d.sendWG.Add(1)
	go func() {
		defer d.sendWG.Done()
		batchWG.Wait()
		d.queue.completeBinding(req.MessageID)
	}()
}
