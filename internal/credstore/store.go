package credstore

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "herald/pkg/logx"
)

// ErrNotFound means no credential record exists for the session id.
// Callers treat it as "uncredentialed": the session starts a fresh link.
var ErrNotFound = errors.New("credstore: no record for session")

// Config selects and configures a backend.
//
// Driver values:
//   - "memory": in-process map (does not survive restarts; tests, dev)
//   - "sqlite": SQLite database file
//   - "mongo":  MongoDB collections ("sessions" + "keys")
type Config struct {
	Driver   string
	Path     string // sqlite file path
	URI      string // mongo connection string
	Database string // mongo database name

	OpTimeout   time.Duration // per-operation bound; 0 means 5s
	BusyTimeout time.Duration // sqlite only; 0 means driver default
}

// Store is the credential persistence contract.
//
// SetKeys deletes a key when its value is nil (tombstone) and upserts it
// otherwise. GetKeys omits absent ids from the result rather than erroring.
type Store interface {
	Load(ctx context.Context, sessionID string) ([]byte, error)
	Save(ctx context.Context, sessionID string, creds []byte) error

	GetKeys(ctx context.Context, sessionID, category string, ids []string) (map[string][]byte, error)
	SetKeys(ctx context.Context, sessionID, category string, values map[string][]byte) error

	// Purge removes the credential record and every key record for the session.
	Purge(ctx context.Context, sessionID string) error

	// SessionIDs lists every session with a stored credential record,
	// used to resurrect sessions at process start.
	SessionIDs(ctx context.Context) ([]string, error)

	Close() error
}

// Open initializes the configured store.
func Open(cfg Config, log logx.Logger) (Store, error) {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	case "mongo", "mongodb":
		return openMongo(cfg, log)
	default:
		return nil, errors.New("credstore: unknown driver: " + cfg.Driver)
	}
}
