// Package httpapi is the thin CRUD surface over the core: it decodes JSON,
// forwards to the gateway operations and maps errors to status codes.
// Nothing in here owns state.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"herald/internal/protocol"
	"herald/internal/session"
	logx "herald/pkg/logx"
)

// Core is the request surface the HTTP layer forwards to.
type Core interface {
	CreateSession(ctx context.Context, sessionID string) (linkToken string, err error)
	DeleteSession(ctx context.Context, sessionID string) error
	EnqueueMessage(messageID, pattern, text string) error
	CancelMessage(messageID string)
	SendPoll(ctx context.Context, sessionID string, poll protocol.PollSpec, destinations []string) error
	SendMedia(ctx context.Context, sessionID string, media protocol.MediaSpec, destinations []string) error
}

type Server struct {
	core Core
	log  logx.Logger

	mu   sync.Mutex
	addr string
	ln   net.Listener
	srv  *http.Server
}

func New(addr string, core Core, log logx.Logger) *Server {
	if strings.TrimSpace(addr) == "" {
		addr = ":5000"
	}
	return &Server{core: core, log: log, addr: addr}
}

func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	srv := &http.Server{
		Handler:           s.routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.ln = ln
	s.srv = srv

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("http server failed", logx.Err(err))
		}
	}()
	s.log.Info("http api listening", logx.String("addr", ln.Addr().String()))
	return nil
}

func (s *Server) Stop(ctx context.Context) {
	s.mu.Lock()
	srv := s.srv
	s.srv = nil
	s.ln = nil
	s.mu.Unlock()
	if srv == nil {
		return
	}
	if err := srv.Shutdown(ctx); err != nil {
		_ = srv.Close()
	}
}

// Addr returns the bound address (useful when addr was ":0" in tests).
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /sessions", s.handleCreateSession)
	mux.HandleFunc("DELETE /sessions/{id}", s.handleDeleteSession)
	mux.HandleFunc("POST /messages", s.handleEnqueueMessage)
	mux.HandleFunc("DELETE /messages/{id}", s.handleCancelMessage)
	mux.HandleFunc("POST /sessions/{id}/poll", s.handleSendPoll)
	mux.HandleFunc("POST /sessions/{id}/media", s.handleSendMedia)
	return mux
}

type createSessionRequest struct {
	SessionID string `json:"session_id"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	LinkToken string `json:"link_token,omitempty"`
	Connected bool   `json:"connected"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SessionID) == "" {
		writeError(w, http.StatusBadRequest, "session_id is required")
		return
	}
	token, err := s.core.CreateSession(r.Context(), req.SessionID)
	if err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createSessionResponse{
		SessionID: req.SessionID,
		LinkToken: token,
		Connected: token == "",
	})
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	if err := s.core.DeleteSession(r.Context(), r.PathValue("id")); err != nil {
		s.writeCoreError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type enqueueRequest struct {
	MessageID string `json:"message_id"`
	Pattern   string `json:"pattern"`
	Text      string `json:"text"`
}

func (s *Server) handleEnqueueMessage(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.MessageID) == "" || strings.TrimSpace(req.Pattern) == "" {
		writeError(w, http.StatusBadRequest, "message_id and pattern are required")
		return
	}
	if err := s.core.EnqueueMessage(req.MessageID, req.Pattern, req.Text); err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued"})
}

func (s *Server) handleCancelMessage(w http.ResponseWriter, r *http.Request) {
	// Idempotent: cancelling an unknown id is a no-op, not an error.
	s.core.CancelMessage(r.PathValue("id"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

type pollRequest struct {
	Question      string   `json:"question"`
	Options       []string `json:"options"`
	AllowMultiple bool     `json:"allow_multiple"`
	Destinations  []string `json:"destinations"`
}

func (s *Server) handleSendPoll(w http.ResponseWriter, r *http.Request) {
	var req pollRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Question) == "" || len(req.Options) == 0 {
		writeError(w, http.StatusBadRequest, "question and options are required")
		return
	}
	poll := protocol.PollSpec{Question: req.Question, Options: req.Options, AllowMultiple: req.AllowMultiple}
	if err := s.core.SendPoll(r.Context(), r.PathValue("id"), poll, req.Destinations); err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sending"})
}

type mediaRequest struct {
	Kind         string   `json:"kind"`
	Locator      string   `json:"locator"`
	Destinations []string `json:"destinations,omitempty"`
	Destination  string   `json:"destination,omitempty"`
}

func (s *Server) handleSendMedia(w http.ResponseWriter, r *http.Request) {
	var req mediaRequest
	if !decode(w, r, &req) {
		return
	}
	kind := protocol.MediaKind(req.Kind)
	if !kind.Valid() {
		writeError(w, http.StatusBadRequest, "kind must be one of sticker, audio, image, video")
		return
	}
	if strings.TrimSpace(req.Locator) == "" {
		writeError(w, http.StatusBadRequest, "locator is required")
		return
	}
	dests := req.Destinations
	if len(dests) == 0 && req.Destination != "" {
		dests = []string{req.Destination}
	}
	if len(dests) == 0 {
		writeError(w, http.StatusBadRequest, "at least one destination is required")
		return
	}
	media := protocol.MediaSpec{Kind: kind, Locator: req.Locator}
	if err := s.core.SendMedia(r.Context(), r.PathValue("id"), media, dests); err != nil {
		s.writeCoreError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "sending"})
}

func (s *Server) writeCoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrExists):
		writeError(w, http.StatusConflict, "session already exists")
	case errors.Is(err, session.ErrClosed):
		writeError(w, http.StatusConflict, "session is closed")
	default:
		s.log.Error("request failed", logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
