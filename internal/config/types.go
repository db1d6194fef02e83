package config

type Config struct {
	// ListenAddr is the HTTP API bind address. Not hot-reloadable.
	ListenAddr string `json:"listen_addr,omitempty"`

	Logging LoggingConfig `json:"logging"`

	// Store selects and configures the credential store backend.
	// Not hot-reloadable (changing drivers requires a restart).
	Store StoreConfig `json:"store"`

	Dispatch DispatchConfig `json:"dispatch"`
	Session  SessionConfig  `json:"session"`

	// Network selects the messaging-network driver. Only the in-memory "dev"
	// driver ships in-tree; real drivers are wired in at build time.
	Network NetworkConfig `json:"network"`
}

type NetworkConfig struct {
	Driver string `json:"driver,omitempty"`

	// Destinations seeds the dev driver's destination list.
	Destinations []NetworkDestination `json:"destinations,omitempty"`

	// LinkConfirmDelay is how long the dev driver waits before auto-confirming
	// a pending link. Go duration string; default "2s".
	LinkConfirmDelay string `json:"link_confirm_delay,omitempty"`
}

type NetworkDestination struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type LoggingConfig struct {
	Level   string `json:"level,omitempty"`
	Console bool   `json:"console"`
	File    struct {
		Enabled bool   `json:"enabled"`
		Path    string `json:"path,omitempty"`
	} `json:"file"`
}

// StoreConfig controls credential persistence.
//
// Driver values:
//   - "memory": in-process only (credentials do not survive restarts)
//   - "sqlite": SQLite database file
//   - "mongo":  MongoDB (uri + database)
type StoreConfig struct {
	Driver   string `json:"driver"`
	Path     string `json:"path,omitempty"` // sqlite file path
	URI      string `json:"uri,omitempty"`  // mongo connection string
	Database string `json:"database,omitempty"`

	// OpTimeout bounds every store operation. Go duration string; default "5s".
	OpTimeout string `json:"op_timeout,omitempty"`

	// BusyTimeout is passed to sqlite's busy handler. Go duration string.
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// DispatchConfig controls the dispatcher loop.
//
// All durations are Go duration strings (e.g. "100ms", "1500ms").
//
// Defaults (when fields are omitted/zero):
//   - tick: "100ms"
//   - send_delay: "1500ms"
//   - match_threshold: 70
type DispatchConfig struct {
	Tick           string `json:"tick,omitempty"`
	SendDelay      string `json:"send_delay,omitempty"`
	MatchThreshold int    `json:"match_threshold,omitempty"`
}

// SessionConfig controls per-session behavior.
//
// Defaults:
//   - link_timeout: "50s"
//   - responder_ttl: "24h"
type SessionConfig struct {
	// LinkTimeout is the window between a link-pending event and a
	// confirmed connection before the session is torn down.
	LinkTimeout string `json:"link_timeout,omitempty"`

	// Greeting is the one-shot auto-reply sent to new direct correspondents.
	// Empty disables auto-reply.
	Greeting string `json:"greeting,omitempty"`

	// ResponderTTL bounds how long a correspondent stays marked as greeted.
	ResponderTTL string `json:"responder_ttl,omitempty"`
}
