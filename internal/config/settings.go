package config

import (
	"fmt"
	"strings"
	"time"
)

// Parsed, defaulted views of the raw config blocks. The raw types keep
// durations as strings so strict decoding and diffing stay trivial; the
// Settings types are what the runtime actually consumes.

const (
	DefaultListenAddr     = ":5000"
	DefaultTick           = 100 * time.Millisecond
	DefaultSendDelay      = 1500 * time.Millisecond
	DefaultMatchThreshold = 70
	DefaultLinkTimeout    = 50 * time.Second
	DefaultResponderTTL   = 24 * time.Hour
	DefaultOpTimeout      = 5 * time.Second
)

type DispatchSettings struct {
	Tick           time.Duration
	SendDelay      time.Duration
	MatchThreshold int
}

func (c DispatchConfig) Settings() (DispatchSettings, error) {
	tick, err := ParseDurationOrDefault("dispatch.tick", c.Tick, DefaultTick)
	if err != nil {
		return DispatchSettings{}, err
	}
	delay, err := ParseDurationOrDefault("dispatch.send_delay", c.SendDelay, DefaultSendDelay)
	if err != nil {
		return DispatchSettings{}, err
	}
	thr := c.MatchThreshold
	if thr == 0 {
		thr = DefaultMatchThreshold
	}
	if thr < 0 || thr > 100 {
		return DispatchSettings{}, fmt.Errorf("dispatch.match_threshold: must be in [0,100], got %d", thr)
	}
	return DispatchSettings{Tick: tick, SendDelay: delay, MatchThreshold: thr}, nil
}

type SessionSettings struct {
	LinkTimeout  time.Duration
	Greeting     string
	ResponderTTL time.Duration
}

func (c SessionConfig) Settings() (SessionSettings, error) {
	lt, err := ParseDurationOrDefault("session.link_timeout", c.LinkTimeout, DefaultLinkTimeout)
	if err != nil {
		return SessionSettings{}, err
	}
	ttl, err := ParseDurationOrDefault("session.responder_ttl", c.ResponderTTL, DefaultResponderTTL)
	if err != nil {
		return SessionSettings{}, err
	}
	return SessionSettings{LinkTimeout: lt, Greeting: c.Greeting, ResponderTTL: ttl}, nil
}

func (c StoreConfig) OpTimeoutOrDefault() (time.Duration, error) {
	return ParseDurationOrDefault("store.op_timeout", c.OpTimeout, DefaultOpTimeout)
}

// Validate checks everything that can be checked without I/O. Used both at
// startup and as the hot-reload gate.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Store.Driver)) {
	case "", "memory", "sqlite", "sqlite3", "mongo", "mongodb":
	default:
		return fmt.Errorf("store.driver: unknown driver %q", cfg.Store.Driver)
	}
	if _, err := cfg.Dispatch.Settings(); err != nil {
		return err
	}
	if _, err := cfg.Session.Settings(); err != nil {
		return err
	}
	if _, err := cfg.Store.OpTimeoutOrDefault(); err != nil {
		return err
	}
	if _, err := ParseDurationField("store.busy_timeout", cfg.Store.BusyTimeout); err != nil {
		return err
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Network.Driver)) {
	case "", "dev":
	default:
		return fmt.Errorf("network.driver: unknown driver %q", cfg.Network.Driver)
	}
	if _, err := ParseDurationField("network.link_confirm_delay", cfg.Network.LinkConfirmDelay); err != nil {
		return err
	}
	return nil
}
