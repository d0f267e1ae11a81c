// Package api exposes the daemon's management surface over HTTP: tunnel
// CRUD, lifecycle operations, ingress and container association updates,
// status, logs (including a websocket follow mode), and the one-call
// provisioning workflow.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/hostbound/tunneld/internal/domain"
	"github.com/hostbound/tunneld/internal/manager"
)

const shutdownTimeout = 5 * time.Second

// Server serves the management API.
type Server struct {
	mgr *manager.Manager
	log *slog.Logger
}

// New builds an API server around the lifecycle manager.
func New(mgr *manager.Manager, logger *slog.Logger) *Server {
	return &Server{mgr: mgr, log: logger}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/tunnels", s.handleList)
	mux.HandleFunc("POST /v1/tunnels", s.handleCreate)
	mux.HandleFunc("GET /v1/tunnels/{id}", s.handleGet)
	mux.HandleFunc("DELETE /v1/tunnels/{id}", s.handleDelete)
	mux.HandleFunc("POST /v1/tunnels/{id}/start", s.handleStart)
	mux.HandleFunc("POST /v1/tunnels/{id}/stop", s.handleStop)
	mux.HandleFunc("GET /v1/tunnels/{id}/status", s.handleStatus)
	mux.HandleFunc("GET /v1/tunnels/{id}/logs", s.handleLogs)
	mux.HandleFunc("GET /v1/tunnels/{id}/ingress", s.handleGetIngress)
	mux.HandleFunc("PUT /v1/tunnels/{id}/ingress", s.handlePutIngress)
	mux.HandleFunc("GET /v1/tunnels/{id}/containers", s.handleGetContainers)
	mux.HandleFunc("PUT /v1/tunnels/{id}/containers", s.handlePutContainers)
	mux.HandleFunc("DELETE /v1/tunnels/{id}/containers", s.handleClearContainers)
	mux.HandleFunc("GET /v1/tunnels/{id}/events", s.handleEvents)
	mux.HandleFunc("POST /v1/provision", s.handleProvision)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return mux
}

// Run binds addr and serves until ctx is canceled, then shuts down
// gracefully.  It returns immediately after the listener is bound so
// address conflicts fail fast; serve errors surface on the returned channel.
func (s *Server) Run(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	s.log.Info("api listening", "addr", ln.Addr().String())
	if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

type errorBody struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	RetryAfter int    `json:"retryAfterSeconds,omitempty"`
}

type errorResponse struct {
	Error errorBody `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n"))
}

// writeError maps a domain error code to an HTTP status and serializes the
// public error envelope.  Detail is intentionally never exposed.
func writeError(w http.ResponseWriter, err error) {
	code := domain.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case domain.CodeNotFound:
		status = http.StatusNotFound
	case domain.CodeConflict:
		status = http.StatusConflict
	case domain.CodeInvalidArgument:
		status = http.StatusBadRequest
	case domain.CodeCredentialsMissing:
		status = http.StatusPreconditionFailed
	case domain.CodeAuthFailed:
		status = http.StatusBadGateway
	case domain.CodeRateLimited:
		status = http.StatusTooManyRequests
	case domain.CodeRemoteUnavailable:
		status = http.StatusBadGateway
	case domain.CodeProcessStartFailed:
		status = http.StatusBadGateway
	}

	body := errorBody{Code: string(code), Message: publicMessage(err)}
	if wait := domain.RetryAfterOf(err); wait > 0 {
		secs := int(wait.Round(time.Second) / time.Second)
		if secs < 1 {
			secs = 1
		}
		body.RetryAfter = secs
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	writeJSON(w, status, errorResponse{Error: body})
}

func publicMessage(err error) string {
	var derr *domain.Error
	if errors.As(err, &derr) {
		return derr.Message
	}
	return "internal error"
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, domain.E(domain.CodeInvalidArgument, "invalid request body: %v", err))
		return false
	}
	return true
}
