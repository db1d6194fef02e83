package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"herald/internal/protocol"
	"herald/internal/session"
	logx "herald/pkg/logx"
)

// fakeCore records calls and replays scripted results.
type fakeCore struct {
	mu sync.Mutex

	linkToken string
	createErr error
	deleteErr error
	sendErr   error

	created   []string
	deleted   []string
	enqueued  []string
	cancelled []string
	polls     []protocol.PollSpec
	media     []protocol.MediaSpec
}

func (f *fakeCore) CreateSession(ctx context.Context, sessionID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, sessionID)
	return f.linkToken, nil
}

func (f *fakeCore) DeleteSession(ctx context.Context, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, sessionID)
	return nil
}

func (f *fakeCore) EnqueueMessage(messageID, pattern, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.enqueued = append(f.enqueued, messageID)
	return nil
}

func (f *fakeCore) CancelMessage(messageID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, messageID)
}

func (f *fakeCore) SendPoll(ctx context.Context, sessionID string, poll protocol.PollSpec, destinations []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.polls = append(f.polls, poll)
	return nil
}

func (f *fakeCore) SendMedia(ctx context.Context, sessionID string, media protocol.MediaSpec, destinations []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.media = append(f.media, media)
	return nil
}

func do(t *testing.T, core Core, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	srv := New(":0", core, logx.Nop())
	var rd *strings.Reader
	if body == "" {
		rd = strings.NewReader("{}")
	} else {
		rd = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, rd)
	rec := httptest.NewRecorder()
	srv.routes().ServeHTTP(rec, req)
	return rec
}

func TestCreateSessionPendingLink(t *testing.T) {
	t.Parallel()
	core := &fakeCore{linkToken: "tok-9"}
	rec := do(t, core, http.MethodPost, "/sessions", `{"session_id": "alice"}`)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	var resp struct {
		SessionID string `json:"session_id"`
		LinkToken string `json:"link_token"`
		Connected bool   `json:"connected"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.SessionID != "alice" || resp.LinkToken != "tok-9" || resp.Connected {
		t.Fatalf("response = %+v", resp)
	}
}

func TestCreateSessionAlreadyCredentialed(t *testing.T) {
	t.Parallel()
	core := &fakeCore{} // empty token means connected
	rec := do(t, core, http.MethodPost, "/sessions", `{"session_id": "bob"}`)

	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201", rec.Code)
	}
	var resp struct {
		Connected bool `json:"connected"`
	}
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if !resp.Connected {
		t.Fatal("connected = false, want true for credentialed session")
	}
}

func TestCreateSessionValidation(t *testing.T) {
	t.Parallel()
	core := &fakeCore{}
	if rec := do(t, core, http.MethodPost, "/sessions", `{"session_id": "  "}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("blank id status = %d, want 400", rec.Code)
	}
	if rec := do(t, core, http.MethodPost, "/sessions", `{"session_id": "a", "extra": 1}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown field status = %d, want 400", rec.Code)
	}
	if rec := do(t, core, http.MethodPost, "/sessions", `not json`); rec.Code != http.StatusBadRequest {
		t.Fatalf("malformed body status = %d, want 400", rec.Code)
	}
}

func TestDeleteSession(t *testing.T) {
	t.Parallel()
	core := &fakeCore{}
	rec := do(t, core, http.MethodDelete, "/sessions/alice", "")
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if len(core.deleted) != 1 || core.deleted[0] != "alice" {
		t.Fatalf("deleted = %v", core.deleted)
	}
}

func TestDeleteUnknownSessionIs404(t *testing.T) {
	t.Parallel()
	core := &fakeCore{deleteErr: session.ErrNotFound}
	rec := do(t, core, http.MethodDelete, "/sessions/ghost", "")
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestCoreErrorMapping(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"not found", session.ErrNotFound, http.StatusNotFound},
		{"exists", session.ErrExists, http.StatusConflict},
		{"closed", session.ErrClosed, http.StatusConflict},
		{"opaque", context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			core := &fakeCore{createErr: tt.err}
			rec := do(t, core, http.MethodPost, "/sessions", `{"session_id": "x"}`)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}

func TestEnqueueMessage(t *testing.T) {
	t.Parallel()
	core := &fakeCore{}
	rec := do(t, core, http.MethodPost, "/messages",
		`{"message_id": "m1", "pattern": "team updates", "text": "ship it"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if len(core.enqueued) != 1 || core.enqueued[0] != "m1" {
		t.Fatalf("enqueued = %v", core.enqueued)
	}

	if rec := do(t, core, http.MethodPost, "/messages", `{"text": "no id"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing fields status = %d, want 400", rec.Code)
	}
}

func TestCancelMessageIdempotent(t *testing.T) {
	t.Parallel()
	core := &fakeCore{}
	for i := 0; i < 2; i++ {
		rec := do(t, core, http.MethodDelete, "/messages/m1", "")
		if rec.Code != http.StatusOK {
			t.Fatalf("status = %d, want 200", rec.Code)
		}
	}
	if len(core.cancelled) != 2 {
		t.Fatalf("cancel calls = %d, want 2", len(core.cancelled))
	}
}

func TestSendPoll(t *testing.T) {
	t.Parallel()
	core := &fakeCore{}
	rec := do(t, core, http.MethodPost, "/sessions/alice/poll",
		`{"question": "lunch?", "options": ["yes", "no"], "destinations": ["d1"]}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if len(core.polls) != 1 || core.polls[0].Question != "lunch?" {
		t.Fatalf("polls = %+v", core.polls)
	}

	if rec := do(t, core, http.MethodPost, "/sessions/alice/poll", `{"question": "x"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("missing options status = %d, want 400", rec.Code)
	}
}

func TestSendMedia(t *testing.T) {
	t.Parallel()
	core := &fakeCore{}
	rec := do(t, core, http.MethodPost, "/sessions/alice/media",
		`{"kind": "sticker", "locator": "sticker://42", "destination": "d1"}`)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if len(core.media) != 1 || core.media[0].Kind != protocol.MediaSticker {
		t.Fatalf("media = %+v", core.media)
	}

	if rec := do(t, core, http.MethodPost, "/sessions/alice/media",
		`{"kind": "hologram", "locator": "x", "destination": "d1"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid kind status = %d, want 400", rec.Code)
	}
	if rec := do(t, core, http.MethodPost, "/sessions/alice/media",
		`{"kind": "image", "locator": "x"}`); rec.Code != http.StatusBadRequest {
		t.Fatalf("no destination status = %d, want 400", rec.Code)
	}
}

func TestStartStopAndAddr(t *testing.T) {
	t.Parallel()
	srv := New("127.0.0.1:0", &fakeCore{}, logx.Nop())
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	addr := srv.Addr()
	if addr == "" {
		t.Fatal("Addr empty after Start")
	}

	resp, err := http.Post("http://"+addr+"/sessions", "application/json",
		strings.NewReader(`{"session_id": "alice"}`))
	if err != nil {
		t.Fatalf("POST /sessions: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}

	srv.Stop(context.Background())
	if srv.Addr() != "" {
		t.Fatal("Addr non-empty after Stop")
	}
}
