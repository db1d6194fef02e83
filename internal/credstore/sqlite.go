package credstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	logx "herald/pkg/logx"
)

//go:embed migrations.sql
var migrationsFS embed.FS

type sqliteStore struct {
	db  *sql.DB
	log logx.Logger

	opTimeout time.Duration
}

func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("credstore: sqlite path is required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, err
	}
	// SQLite prefers a small number of concurrent writers.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	st := &sqliteStore{db: db, log: log, opTimeout: cfg.OpTimeout}

	// Basic pragmas.
	if cfg.BusyTimeout > 0 {
		_, _ = db.Exec(fmt.Sprintf("PRAGMA busy_timeout = %d", cfg.BusyTimeout.Milliseconds()))
	}
	_, _ = db.Exec("PRAGMA journal_mode = WAL")
	_, _ = db.Exec("PRAGMA synchronous = NORMAL")

	if err := st.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	log.Debug("sqlite credential store opened", logx.String("path", cfg.Path))
	return st, nil
}

func (s *sqliteStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, string(b))
	return err
}

func (s *sqliteStore) op(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func (s *sqliteStore) Load(ctx context.Context, sessionID string) ([]byte, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	var creds []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT creds FROM sessions WHERE session_id = ?`, sessionID).Scan(&creds)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return creds, nil
}

func (s *sqliteStore) Save(ctx context.Context, sessionID string, creds []byte) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions(session_id, creds, updated_at) VALUES(?,?,?)
		 ON CONFLICT(session_id) DO UPDATE SET creds=excluded.creds, updated_at=excluded.updated_at`,
		sessionID, creds, time.Now().Format(time.RFC3339Nano),
	)
	return err
}

func (s *sqliteStore) GetKeys(ctx context.Context, sessionID, category string, ids []string) (map[string][]byte, error) {
	out := make(map[string][]byte, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	args := make([]any, 0, len(ids)+2)
	args = append(args, sessionID, category)
	ph := make([]string, len(ids))
	for i, id := range ids {
		ph[i] = "?"
		args = append(args, id)
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT key_id, material FROM keys
		 WHERE session_id = ? AND category = ? AND key_id IN (`+strings.Join(ph, ",")+`)`,
		args...,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id string
		var material []byte
		if err := rows.Scan(&id, &material); err != nil {
			return nil, err
		}
		out[id] = material
	}
	return out, rows.Err()
}

func (s *sqliteStore) SetKeys(ctx context.Context, sessionID, category string, values map[string][]byte) error {
	if len(values) == 0 {
		return nil
	}
	ctx, cancel := s.op(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	now := time.Now().Format(time.RFC3339Nano)
	for id, material := range values {
		if material == nil {
			// tombstone
			_, err = tx.ExecContext(ctx,
				`DELETE FROM keys WHERE session_id = ? AND category = ? AND key_id = ?`,
				sessionID, category, id)
		} else {
			_, err = tx.ExecContext(ctx,
				`INSERT INTO keys(session_id, category, key_id, material, updated_at) VALUES(?,?,?,?,?)
				 ON CONFLICT(session_id, category, key_id) DO UPDATE SET material=excluded.material, updated_at=excluded.updated_at`,
				sessionID, category, id, material, now)
		}
		if err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Purge(ctx context.Context, sessionID string) error {
	ctx, cancel := s.op(ctx)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE session_id = ?`, sessionID); err != nil {
		_ = tx.Rollback()
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM keys WHERE session_id = ?`, sessionID); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqliteStore) SessionIDs(ctx context.Context) ([]string, error) {
	ctx, cancel := s.op(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, `SELECT session_id FROM sessions ORDER BY session_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqliteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}
