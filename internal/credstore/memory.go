package credstore

import (
	"context"
	"sync"
)

// Memory is the reference Store implementation: a mutex-guarded map with the
// exact upsert/tombstone semantics the durable backends must match.
type Memory struct {
	mu    sync.Mutex
	creds map[string][]byte
	keys  map[string]map[keyRef][]byte // session id -> (category, key id) -> material
}

type keyRef struct {
	category string
	id       string
}

func NewMemory() *Memory {
	return &Memory{
		creds: map[string][]byte{},
		keys:  map[string]map[keyRef][]byte{},
	}
}

func (m *Memory) Load(ctx context.Context, sessionID string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.creds[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (m *Memory) Save(ctx context.Context, sessionID string, creds []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.creds[sessionID] = append([]byte(nil), creds...)
	return nil
}

func (m *Memory) GetKeys(ctx context.Context, sessionID, category string, ids []string) (map[string][]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string][]byte, len(ids))
	ks := m.keys[sessionID]
	for _, id := range ids {
		if b, ok := ks[keyRef{category: category, id: id}]; ok {
			out[id] = append([]byte(nil), b...)
		}
	}
	return out, nil
}

func (m *Memory) SetKeys(ctx context.Context, sessionID, category string, values map[string][]byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ks := m.keys[sessionID]
	if ks == nil {
		ks = map[keyRef][]byte{}
		m.keys[sessionID] = ks
	}
	for id, b := range values {
		ref := keyRef{category: category, id: id}
		if b == nil {
			delete(ks, ref)
			continue
		}
		ks[ref] = append([]byte(nil), b...)
	}
	return nil
}

func (m *Memory) Purge(ctx context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.creds, sessionID)
	delete(m.keys, sessionID)
	return nil
}

func (m *Memory) SessionIDs(ctx context.Context) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.creds))
	for id := range m.creds {
		out = append(out, id)
	}
	return out, nil
}

func (m *Memory) Close() error { return nil }
