package credstore

import (
	"bytes"
	"context"
	"errors"
	"path/filepath"
	"sort"
	"testing"

	logx "herald/pkg/logx"
)

// openBackends builds every store that can run without external services.
func openBackends(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := Open(Config{
		Driver: "sqlite",
		Path:   filepath.Join(t.TempDir(), "creds.db"),
	}, logx.Nop())
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewMemory(),
		"sqlite": sqlite,
	}
}

func TestCredentialRoundTrip(t *testing.T) {
	t.Parallel()
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if _, err := store.Load(ctx, "alice"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Load on empty store = %v, want ErrNotFound", err)
			}

			creds := []byte{0x00, 0x01, 0xfe, 0xff}
			if err := store.Save(ctx, "alice", creds); err != nil {
				t.Fatalf("Save: %v", err)
			}
			got, err := store.Load(ctx, "alice")
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			if !bytes.Equal(got, creds) {
				t.Fatalf("Load = %x, want %x", got, creds)
			}

			// Save overwrites in place.
			if err := store.Save(ctx, "alice", []byte("v2")); err != nil {
				t.Fatalf("Save v2: %v", err)
			}
			got, err = store.Load(ctx, "alice")
			if err != nil || string(got) != "v2" {
				t.Fatalf("Load after overwrite = %q, %v", got, err)
			}
		})
	}
}

func TestKeyUpsertAndTombstone(t *testing.T) {
	t.Parallel()
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			err := store.SetKeys(ctx, "alice", "prekey", map[string][]byte{
				"1": []byte("one"),
				"2": []byte("two"),
			})
			if err != nil {
				t.Fatalf("SetKeys: %v", err)
			}

			got, err := store.GetKeys(ctx, "alice", "prekey", []string{"1", "2", "3"})
			if err != nil {
				t.Fatalf("GetKeys: %v", err)
			}
			if len(got) != 2 || string(got["1"]) != "one" || string(got["2"]) != "two" {
				t.Fatalf("GetKeys = %v", got)
			}
			if _, ok := got["3"]; ok {
				t.Fatal("absent id present in result")
			}

			// Categories are independent namespaces.
			if got, _ := store.GetKeys(ctx, "alice", "session", []string{"1"}); len(got) != 0 {
				t.Fatalf("cross-category GetKeys = %v, want empty", got)
			}

			// nil value tombstones, non-nil upserts.
			err = store.SetKeys(ctx, "alice", "prekey", map[string][]byte{
				"1": nil,
				"2": []byte("two-v2"),
			})
			if err != nil {
				t.Fatalf("SetKeys tombstone: %v", err)
			}
			got, err = store.GetKeys(ctx, "alice", "prekey", []string{"1", "2"})
			if err != nil {
				t.Fatalf("GetKeys: %v", err)
			}
			if _, ok := got["1"]; ok {
				t.Fatal("tombstoned key still present")
			}
			if string(got["2"]) != "two-v2" {
				t.Fatalf("key 2 = %q, want two-v2", got["2"])
			}
		})
	}
}

func TestPurgeRemovesEverything(t *testing.T) {
	t.Parallel()
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			if err := store.Save(ctx, "alice", []byte("bundle")); err != nil {
				t.Fatalf("Save: %v", err)
			}
			if err := store.SetKeys(ctx, "alice", "prekey", map[string][]byte{"1": []byte("one")}); err != nil {
				t.Fatalf("SetKeys: %v", err)
			}
			if err := store.Save(ctx, "bob", []byte("other")); err != nil {
				t.Fatalf("Save bob: %v", err)
			}

			if err := store.Purge(ctx, "alice"); err != nil {
				t.Fatalf("Purge: %v", err)
			}
			if _, err := store.Load(ctx, "alice"); !errors.Is(err, ErrNotFound) {
				t.Fatalf("Load after purge = %v, want ErrNotFound", err)
			}
			if got, _ := store.GetKeys(ctx, "alice", "prekey", []string{"1"}); len(got) != 0 {
				t.Fatalf("keys after purge = %v, want empty", got)
			}
			if _, err := store.Load(ctx, "bob"); err != nil {
				t.Fatalf("unrelated session purged: %v", err)
			}

			// Purging an absent session is not an error.
			if err := store.Purge(ctx, "ghost"); err != nil {
				t.Fatalf("Purge(ghost): %v", err)
			}
		})
	}
}

func TestSessionIDsListsCredentialedSessions(t *testing.T) {
	t.Parallel()
	for name, store := range openBackends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			ids, err := store.SessionIDs(ctx)
			if err != nil {
				t.Fatalf("SessionIDs: %v", err)
			}
			if len(ids) != 0 {
				t.Fatalf("SessionIDs on empty store = %v", ids)
			}

			for _, id := range []string{"alice", "bob"} {
				if err := store.Save(ctx, id, []byte(id)); err != nil {
					t.Fatalf("Save(%s): %v", id, err)
				}
			}
			// Key-only records do not make a session resumable.
			if err := store.SetKeys(ctx, "carol", "prekey", map[string][]byte{"1": []byte("x")}); err != nil {
				t.Fatalf("SetKeys: %v", err)
			}

			ids, err = store.SessionIDs(ctx)
			if err != nil {
				t.Fatalf("SessionIDs: %v", err)
			}
			sort.Strings(ids)
			if len(ids) != 2 || ids[0] != "alice" || ids[1] != "bob" {
				t.Fatalf("SessionIDs = %v, want [alice bob]", ids)
			}
		})
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	t.Parallel()
	if _, err := Open(Config{Driver: "etcd"}, logx.Nop()); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestOpenDefaultsToMemory(t *testing.T) {
	t.Parallel()
	store, err := Open(Config{}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, ok := store.(*Memory); !ok {
		t.Fatalf("Open with empty driver = %T, want *Memory", store)
	}
}
