// Package admin serves the operator HTTP API: health, metrics, presence and
// explicit mapping rebuilds.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	jsoniter "github.com/json-iterator/go"

	"github.com/life-stream-dev/life-stream-go-device-relay/internal/logger"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/metrics"
	"github.com/life-stream-dev/life-stream-go-device-relay/internal/relay"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	maxBodyBytes            = 64 << 10
	gracefulShutdownTimeout = 5 * time.Second
)

// Remapper rebuilds identity mappings on request.
type Remapper interface {
	Remap(ctx context.Context, req relay.RemapRequest) error
}

// Transport is the status view of one listener.
type Transport interface {
	Name() string
	SuperConnected() bool
	OnlineCount() int
	OnlineClients() []string
}

type Server struct {
	address    string
	remapper   Remapper
	transports []Transport
	log        *slog.Logger
	server     *http.Server
}

func New(address string, remapper Remapper, transports ...Transport) *Server {
	return &Server{
		address:    address,
		remapper:   remapper,
		transports: transports,
		log:        logger.Component("admin"),
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealth)
	r.Get("/presence", s.handlePresence)
	r.Handle("/metrics", metrics.Handler())
	r.Post("/datamap/update", s.handleRemap)
	return r
}

// Start serves in the background until Close.
func (s *Server) Start() {
	s.server = &http.Server{
		Addr:              s.address,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	go func() {
		s.log.Info("Admin API listening", "address", s.address)
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("Admin API stopped", "error", err)
		}
	}()
}

func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down admin API: %w", err)
	}
	return nil
}

func (s *Server) Invoke(context.Context) error {
	return s.Close()
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.log.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

type errorBody struct {
	Status  int    `json:"status"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		_ = json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, errorBody{Status: status, Message: message})
}

type transportHealth struct {
	RelayClient bool `json:"relay_client"`
	Online      int  `json:"online"`
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status, code := "ok", http.StatusOK
	body := make(map[string]transportHealth, len(s.transports))
	for _, t := range s.transports {
		ready := t.SuperConnected()
		if !ready {
			status, code = "degraded", http.StatusServiceUnavailable
		}
		body[t.Name()] = transportHealth{RelayClient: ready, Online: t.OnlineCount()}
	}
	writeJSON(w, code, map[string]any{"status": status, "transports": body})
}

func (s *Server) handlePresence(w http.ResponseWriter, _ *http.Request) {
	body := make(map[string][]string, len(s.transports))
	for _, t := range s.transports {
		body[t.Name()] = t.OnlineClients()
	}
	writeJSON(w, http.StatusOK, body)
}

func (s *Server) handleRemap(w http.ResponseWriter, r *http.Request) {
	var req relay.RemapRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	err := s.remapper.Remap(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, relay.ErrEmptyRemap):
		writeError(w, http.StatusBadRequest, "openid or sn is required")
	default:
		writeError(w, http.StatusBadGateway, err.Error())
	}
}
