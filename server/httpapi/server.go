// Package httpapi serves the administrative HTTP API: health, Prometheus
// metrics, maildrop inspection, user provisioning and message delivery.
package httpapi

import (
	"bytes"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/migadu/popd/consts"
	"github.com/migadu/popd/helpers"
	"github.com/migadu/popd/logger"
	"github.com/migadu/popd/maildrop"
	"github.com/migadu/popd/pkg/passwd"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// maxMessageSize bounds a message accepted through the delivery endpoint.
const maxMessageSize = 64 << 20

// Store is the backend the API operates on.
type Store = maildrop.Store

// SessionCounter reports live POP3 connections.
type SessionCounter interface {
	GetTotalConnections() int64
	GetAuthenticatedConnections() int64
}

// CacheStats reports body cache usage.
type CacheStats interface {
	GetStats() (int64, int64, error)
}

type Server struct {
	addr         string
	apiKey       string
	allowedHosts []string
	store        Store
	sessions     SessionCounter
	cache        CacheStats
	server       *http.Server
}

type ServerOptions struct {
	Addr         string
	APIKey       string
	AllowedHosts []string
	Sessions     SessionCounter
	Cache        CacheStats
}

func New(store Store, options ServerOptions) (*Server, error) {
	if options.APIKey == "" {
		return nil, fmt.Errorf("API key is required for HTTP API server")
	}
	return &Server{
		addr:         options.Addr,
		apiKey:       options.APIKey,
		allowedHosts: options.AllowedHosts,
		store:        store,
		sessions:     options.Sessions,
		cache:        options.Cache,
	}, nil
}

// Start runs the API server until ctx is cancelled.
func Start(ctx context.Context, store Store, options ServerOptions, errChan chan error) {
	s, err := New(store, options)
	if err != nil {
		errChan <- fmt.Errorf("failed to create HTTP API server: %w", err)
		return
	}
	logger.Info("Starting HTTP API server", "addr", options.Addr)
	if err := s.start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) && ctx.Err() == nil {
		errChan <- fmt.Errorf("HTTP API server failed: %w", err)
	}
}

func (s *Server) start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		logger.Info("Shutting down HTTP API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Error shutting down HTTP API server", "error", err)
		}
	}()

	return s.server.ListenAndServe()
}

// Handler returns the routed handler. /health and /metrics are open, the
// /api/v1 routes require the API key.
func (s *Server) Handler() http.Handler {
	router := mux.NewRouter()
	router.Use(s.loggingMiddleware)
	router.Use(s.allowedHostsMiddleware)

	router.HandleFunc("/health", s.handleHealth).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	v1 := router.PathPrefix("/api/v1").Subrouter()
	v1.Use(s.authMiddleware)
	v1.HandleFunc("/stats", s.handleStats).Methods("GET")
	v1.HandleFunc("/users/{user}", s.handleSetUser).Methods("PUT")
	v1.HandleFunc("/maildrops/{user}", s.handleGetMaildrop).Methods("GET")
	v1.HandleFunc("/maildrops/{user}/messages", s.handleDeliver).Methods("POST")

	return router
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logger.Debug("HTTP API request", "method", r.Method, "path", r.URL.Path,
			"remote", r.RemoteAddr, "duration", time.Since(start))
	})
}

func (s *Server) allowedHostsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(s.allowedHosts) == 0 {
			next.ServeHTTP(w, r)
			return
		}

		clientIP := net.ParseIP(getClientIP(r))
		for _, allowed := range s.allowedHosts {
			if strings.Contains(allowed, "/") {
				if _, cidr, err := net.ParseCIDR(allowed); err == nil && clientIP != nil && cidr.Contains(clientIP) {
					next.ServeHTTP(w, r)
					return
				}
			} else if ip := net.ParseIP(allowed); ip != nil && ip.Equal(clientIP) {
				next.ServeHTTP(w, r)
				return
			}
		}
		s.writeError(w, http.StatusForbidden, "Host not allowed")
	})
}

// authMiddleware accepts the key as "Authorization: Bearer <key>" or in the
// X-API-Key header.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-API-Key")
		if key == "" {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				s.writeError(w, http.StatusUnauthorized, "Authorization header required")
				return
			}
			scheme, token, ok := strings.Cut(authHeader, " ")
			if !ok || !strings.EqualFold(scheme, "bearer") {
				s.writeError(w, http.StatusUnauthorized, "Authorization header must be 'Bearer <token>'")
				return
			}
			key = token
		}

		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func getClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logger.Warn("HTTP API: error encoding JSON response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

type MaildropResponse struct {
	User     string `json:"user"`
	Messages int    `json:"messages"`
	Octets   int64  `json:"octets"`
}

type SetUserRequest struct {
	Password string `json:"password"`
	Scheme   string `json:"scheme,omitempty"`
}

type DeliverResponse struct {
	ID        string `json:"id"`
	Size      int    `json:"size"`
	MessageID string `json:"message_id,omitempty"`
}

type StatsResponse struct {
	Users                    int64 `json:"users"`
	Messages                 int64 `json:"messages"`
	Bytes                    int64 `json:"bytes"`
	Connections              int64 `json:"connections"`
	AuthenticatedConnections int64 `json:"authenticated_connections"`
	CacheObjects             int64 `json:"cache_objects"`
	CacheBytes               int64 `json:"cache_bytes"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if _, err := s.store.Stats(ctx); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "error": err.Error()})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to collect stats")
		return
	}
	resp := StatsResponse{Users: stats.Users, Messages: stats.Messages, Bytes: stats.Bytes}
	if s.sessions != nil {
		resp.Connections = s.sessions.GetTotalConnections()
		resp.AuthenticatedConnections = s.sessions.GetAuthenticatedConnections()
	}
	if s.cache != nil {
		if objects, size, err := s.cache.GetStats(); err == nil {
			resp.CacheObjects, resp.CacheBytes = objects, size
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleGetMaildrop reports the stored listing without taking the maildrop
// lock, so it works while a POP3 session is active.
func (s *Server) handleGetMaildrop(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]
	ctx := r.Context()

	ok, err := s.store.UserExists(ctx, user)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to look up user")
		return
	}
	if !ok {
		s.writeError(w, http.StatusNotFound, "Maildrop not found")
		return
	}

	entries, err := s.store.List(ctx, user)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "Failed to list maildrop")
		return
	}
	resp := MaildropResponse{User: user, Messages: len(entries)}
	for _, e := range entries {
		resp.Octets += e.Size
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSetUser(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	user := mux.Vars(r)["user"]

	var req SetUserRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<16)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body")
		return
	}
	if req.Password == "" {
		s.writeError(w, http.StatusBadRequest, "Password is required")
		return
	}
	if req.Scheme == "" {
		req.Scheme = passwd.SchemeBcrypt
	}

	hash, err := passwd.Hash(req.Scheme, req.Password)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.store.SetUser(r.Context(), user, hash); err != nil {
		logger.Warn("HTTP API: failed to store user", "user", user, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Failed to store user")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"user": user, "status": "ok"})
}

func (s *Server) handleDeliver(w http.ResponseWriter, r *http.Request) {
	defer r.Body.Close()
	user := mux.Vars(r)["user"]

	body, err := io.ReadAll(io.LimitReader(r.Body, maxMessageSize+1))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Failed to read message")
		return
	}
	if len(body) > maxMessageSize {
		s.writeError(w, http.StatusRequestEntityTooLarge, "Message too large")
		return
	}

	summary, err := helpers.ParseMessage(body)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid message: %v", err))
		return
	}
	body = helpers.NormalizeCRLF(body)

	id, err := s.store.Deliver(r.Context(), user, bytes.NewReader(body))
	if errors.Is(err, consts.ErrUserNotFound) {
		s.writeError(w, http.StatusNotFound, "Maildrop not found")
		return
	}
	if err != nil {
		logger.Warn("HTTP API: delivery failed", "user", user, "error", err)
		s.writeError(w, http.StatusInternalServerError, "Delivery failed")
		return
	}
	logger.Info("HTTP API: message delivered", "user", user, "id", id, "size", len(body),
		"from", summary.From, "message_id", summary.MessageID)
	s.writeJSON(w, http.StatusCreated, DeliverResponse{ID: id, Size: len(body), MessageID: summary.MessageID})
}
