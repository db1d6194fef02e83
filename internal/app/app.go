// Package app wires the pieces together: config, logging, credential store,
// session registry, dispatcher, responder pruning and the HTTP surface.
package app

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/robfig/cron/v3"

	"herald/internal/config"
	"herald/internal/credstore"
	"herald/internal/dispatch"
	"herald/internal/httpapi"
	"herald/internal/protocol"
	"herald/internal/protocol/devnet"
	"herald/internal/resolver"
	"herald/internal/session"
	logx "herald/pkg/logx"
)

type App struct {
	mgr    *config.Manager
	logSvc *logx.Service
	log    logx.Logger

	store      credstore.Store
	dialer     protocol.Dialer
	registry   *session.Registry
	queue      *dispatch.Queue
	resolver   *resolver.Resolver
	dispatcher *dispatch.Dispatcher
	api        *httpapi.Server
	cron       *cron.Cron

	settingsMu      sync.Mutex
	sessionSettings session.Settings

	runCtx    context.Context
	runCancel context.CancelFunc
	wg        sync.WaitGroup
	started   bool
}

// New loads and validates the config at cfgPath and builds the runtime.
// Nothing starts listening until Start.
func New(cfgPath string) (*App, error) {
	mgr := config.NewManager(cfgPath)
	cfg, err := mgr.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if err := config.Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})
	mgr.SetLogger(log)
	mgr.SetValidator(func(ctx context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	opTimeout, _ := cfg.Store.OpTimeoutOrDefault()
	busy, _ := config.ParseDurationField("store.busy_timeout", cfg.Store.BusyTimeout)
	store, err := credstore.Open(credstore.Config{
		Driver:      cfg.Store.Driver,
		Path:        cfg.Store.Path,
		URI:         cfg.Store.URI,
		Database:    cfg.Store.Database,
		OpTimeout:   opTimeout,
		BusyTimeout: busy,
	}, log)
	if err != nil {
		_ = logSvc.Close()
		return nil, fmt.Errorf("open credential store: %w", err)
	}

	ds, _ := cfg.Dispatch.Settings()
	ss, _ := cfg.Session.Settings()

	a := &App{
		mgr:      mgr,
		logSvc:   logSvc,
		log:      log,
		store:    store,
		registry: session.NewRegistry(),
		queue:    dispatch.NewQueue(),
		resolver: resolver.New(ds.MatchThreshold),
		cron:     cron.New(),
		sessionSettings: session.Settings{
			LinkTimeout:  ss.LinkTimeout,
			SendDelay:    ds.SendDelay,
			Greeting:     ss.Greeting,
			ResponderTTL: ss.ResponderTTL,
		},
	}
	a.dispatcher = dispatch.New(ds.Tick, a.queue, a.registry, a.resolver, log)
	a.dialer = buildDialer(cfg.Network, log)

	addr := cfg.ListenAddr
	if strings.TrimSpace(addr) == "" {
		addr = config.DefaultListenAddr
	}
	a.api = httpapi.New(addr, a, log)

	return a, nil
}

func buildDialer(cfg config.NetworkConfig, log logx.Logger) protocol.Dialer {
	// Only the dev driver ships in-tree; the real network library is an
	// external integration wired in at build time.
	dests := make([]protocol.Destination, 0, len(cfg.Destinations))
	for _, d := range cfg.Destinations {
		dests = append(dests, protocol.Destination{ID: d.ID, Name: d.Name})
	}
	delay, _ := config.ParseDurationField("network.link_confirm_delay", cfg.LinkConfirmDelay)
	return devnet.NewDialer(dests, delay, log)
}

func (a *App) Start(ctx context.Context) error {
	if a.started {
		return nil
	}
	a.started = true
	a.runCtx, a.runCancel = context.WithCancel(ctx)

	a.dispatcher.Start(a.runCtx)
	if err := a.api.Start(a.runCtx); err != nil {
		return fmt.Errorf("start http api: %w", err)
	}

	// Daily eviction of greeted-correspondent entries (bounds memory).
	if _, err := a.cron.AddFunc("@daily", a.pruneResponders); err != nil {
		return fmt.Errorf("schedule responder prune: %w", err)
	}
	a.cron.Start()

	a.wg.Add(2)
	go func() {
		defer a.wg.Done()
		_ = a.mgr.Watch(a.runCtx)
	}()
	go func() {
		defer a.wg.Done()
		a.reloadLoop(a.runCtx)
	}()

	// Resurrect sessions with persisted credentials in the background so a
	// slow network never delays startup.
	go a.resurrect(a.runCtx)

	a.log.Info("herald started")
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	if !a.started {
		return nil
	}
	a.started = false

	a.api.Stop(ctx)
	a.dispatcher.Stop(ctx)
	<-a.cron.Stop().Done()

	// Disconnect without purging: credentials must survive restarts.
	for _, sess := range a.registry.List() {
		sess.Shutdown()
	}

	if a.runCancel != nil {
		a.runCancel()
	}
	a.wg.Wait()

	if err := a.store.Close(); err != nil {
		a.log.Warn("credential store close failed", logx.Err(err))
	}
	a.log.Info("herald stopped")
	_ = a.logSvc.Close()
	return nil
}

// reloadLoop applies hot-reloadable settings published by the config watcher.
func (a *App) reloadLoop(ctx context.Context) {
	ch := a.mgr.Subscribe(4)
	defer a.mgr.Unsubscribe(ch)

	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-ch:
			if !ok || cfg == nil {
				return
			}
			a.applyConfig(cfg)
		}
	}
}

func (a *App) applyConfig(cfg *config.Config) {
	a.logSvc.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File:    logx.FileConfig{Enabled: cfg.Logging.File.Enabled, Path: cfg.Logging.File.Path},
	})

	ds, err := cfg.Dispatch.Settings()
	if err != nil {
		a.log.Warn("reload: dispatch settings rejected", logx.Err(err))
		return
	}
	ss, err := cfg.Session.Settings()
	if err != nil {
		a.log.Warn("reload: session settings rejected", logx.Err(err))
		return
	}

	a.dispatcher.Apply(ds.Tick)
	a.resolver.SetThreshold(ds.MatchThreshold)

	settings := session.Settings{
		LinkTimeout:  ss.LinkTimeout,
		SendDelay:    ds.SendDelay,
		Greeting:     ss.Greeting,
		ResponderTTL: ss.ResponderTTL,
	}
	a.settingsMu.Lock()
	a.sessionSettings = settings
	a.settingsMu.Unlock()
	for _, sess := range a.registry.List() {
		sess.Apply(settings)
	}

	a.log.Info("config reloaded",
		logx.Duration("tick", ds.Tick),
		logx.Duration("send_delay", ds.SendDelay),
		logx.Int("threshold", ds.MatchThreshold))
}

func (a *App) currentSettings() session.Settings {
	a.settingsMu.Lock()
	defer a.settingsMu.Unlock()
	return a.sessionSettings
}

// resurrect re-registers every session with a stored credential record.
func (a *App) resurrect(ctx context.Context) {
	ids, err := a.store.SessionIDs(ctx)
	if err != nil {
		a.log.Warn("session resurrection scan failed", logx.Err(err))
		return
	}
	for _, id := range ids {
		if _, err := a.registry.Get(id); err == nil {
			continue
		}
		if _, err := a.CreateSession(ctx, id); err != nil {
			a.log.Warn("session resurrection failed", logx.String("session", id), logx.Err(err))
		}
	}
	if len(ids) > 0 {
		a.log.Info("stored sessions resurrected", logx.Int("count", len(ids)))
	}
}

func (a *App) pruneResponders() {
	now := timeNow()
	total := 0
	for _, sess := range a.registry.List() {
		total += sess.PruneResponders(now)
	}
	if total > 0 {
		a.log.Debug("responder entries pruned", logx.Int("count", total))
	}
}
