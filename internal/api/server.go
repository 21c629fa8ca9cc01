// ABOUTME: HTTP frontend exposing the relay as a small JSON API
// ABOUTME: Provides POST /api/send, POST /api/reset, and GET /health

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-relay/internal/backend"
	"github.com/2389/coven-relay/internal/dispatch"
	"github.com/2389/coven-relay/internal/store"
)

// Handler is what the server needs from the dispatch layer.
// *dispatch.Dispatcher satisfies it.
type Handler interface {
	HandleUserText(ctx context.Context, msg dispatch.Message) (*dispatch.Response, error)
	Deliver(ctx context.Context, userID string, send func(ctx context.Context) error) error
}

// SendRequest is the JSON request body for POST /api/send.
type SendRequest struct {
	Sender  string `json:"sender"`
	ChatID  string `json:"chat_id,omitempty"` // defaults to sender
	Content string `json:"content"`
	Group   bool   `json:"group,omitempty"`
	EventID string `json:"event_id,omitempty"`
}

// ResetRequest is the JSON request body for POST /api/reset.
type ResetRequest struct {
	Sender string `json:"sender"`
}

// ReplyResponse is the JSON response for both endpoints.
type ReplyResponse struct {
	RequestID string `json:"request_id"`
	Reply     string `json:"reply"`
}

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// Server serves the JSON API.
type Server struct {
	handler    Handler
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates a server that will listen on addr.
func NewServer(addr string, handler Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		handler: handler,
		logger:  logger.With("component", "api"),
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Routes returns the API's handler.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/send", s.handleSend)
	mux.HandleFunc("POST /api/reset", s.handleReset)
	mux.HandleFunc("GET /health", s.handleHealth)
	return mux
}

// Run listens and serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.httpServer.Addr, err)
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server listening", "addr", ln.Addr().String())
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		s.logger.Info("shutting down HTTP server")
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	w.Header().Set("X-Request-ID", requestID)

	req, err := parseSendRequest(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		s.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	msg := dispatch.Message{
		UserID:  req.Sender,
		ChatID:  req.ChatID,
		Kind:    dispatch.ChatPrivate,
		Text:    req.Content,
		EventID: req.EventID,
	}
	if msg.ChatID == "" {
		msg.ChatID = req.Sender
	}
	if req.Group {
		msg.Kind = dispatch.ChatGroup
	}

	s.respond(w, r, requestID, msg)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.New().String()
	w.Header().Set("X-Request-ID", requestID)

	var req ResetRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Sender == "" {
		s.sendJSONError(w, http.StatusBadRequest, "sender is required")
		return
	}

	s.respond(w, r, requestID, dispatch.Message{
		UserID: req.Sender,
		ChatID: req.Sender,
		Kind:   dispatch.ChatPrivate,
		Text:   "/rechat",
	})
}

// respond dispatches msg and writes the outcome. Exchange replies go through
// Deliver so a failed write rolls the conversation back.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, requestID string, msg dispatch.Message) {
	logger := s.logger.With("request_id", requestID, "user_id", msg.UserID)

	resp, err := s.handler.HandleUserText(r.Context(), msg)
	if err != nil {
		logger.Error("request failed", "error", err)
		text := dispatch.UserMessage(err)
		if resp != nil {
			text = resp.Text
		}
		s.sendJSONError(w, statusFor(err), text)
		return
	}
	if resp == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	body := ReplyResponse{RequestID: requestID, Reply: resp.Text}
	write := func(context.Context) error {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		return json.NewEncoder(w).Encode(body)
	}

	if !resp.Exchange {
		if err := write(r.Context()); err != nil {
			logger.Warn("writing response failed", "error", err)
		}
		return
	}
	if err := s.handler.Deliver(r.Context(), msg.UserID, write); err != nil {
		logger.Error("reply not delivered", "error", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

// sendJSONError writes a JSON error response.
func (s *Server) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// parseSendRequest parses and validates a SendRequest from the given reader.
func parseSendRequest(r io.Reader) (*SendRequest, error) {
	var req SendRequest
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return nil, errors.New("invalid JSON body")
	}
	if req.Content == "" {
		return nil, errors.New("content is required")
	}
	if req.Sender == "" {
		return nil, errors.New("sender is required")
	}
	return &req, nil
}

// statusFor maps a failure to the HTTP status reported to API clients.
func statusFor(err error) int {
	switch {
	case errors.Is(err, backend.ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, backend.ErrProvisioningTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, backend.ErrCredentialRejected),
		errors.Is(err, backend.ErrProvisioningFailed),
		errors.Is(err, backend.ErrNetwork),
		errors.Is(err, backend.ErrMalformedResponse),
		errors.Is(err, backend.ErrBackendRejected):
		return http.StatusBadGateway
	case errors.Is(err, store.ErrStoreUnavailable), errors.Is(err, store.ErrCorruptRecord):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
