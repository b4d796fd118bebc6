package payment

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
)

// FrameFeeder accepts frames captured by the client camera
type FrameFeeder interface {
	Feed(data []byte, contentType string) error
}

// TransactionLister lists the settled transactions of a user
type TransactionLister interface {
	ListTransactions(ctx context.Context, userID string) ([]*Transaction, error)
}

// ServerDeps are the optional parts of the HTTP API. Routes whose
// dependency is nil are not registered, except capture, which reports
// that no scanner is configured.
type ServerDeps struct {
	Capture *Capture
	Frames  FrameFeeder
	Tokens       *Tokens
	Transactions TransactionLister
	Metrics      http.Handler
}

// Server handles HTTP requests for the wallet
type Server struct {
	session   *Session
	deps      ServerDeps
	basicAuth BasicAuth
	mux       *http.ServeMux
}

// BasicAuth holds basic authentication credentials
type BasicAuth struct {
	Username string
	Password string
}

// NewServer creates a new Server with default mux
func NewServer(session *Session, deps ServerDeps, basicAuth BasicAuth) *Server {
	return NewServerWithMux(session, deps, basicAuth, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(session *Session, deps ServerDeps, basicAuth BasicAuth, mux *http.ServeMux) *Server {
	s := &Server{
		session:   session,
		deps:      deps,
		basicAuth: basicAuth,
		mux:       mux,
	}
	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials
func (s *Server) authenticate(r *http.Request) bool {
	if s.basicAuth.Username == "" && s.basicAuth.Password == "" {
		return true // No auth required if not configured
	}

	auth := r.Header.Get("Authorization")
	if !strings.HasPrefix(auth, "Basic ") {
		return false
	}

	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(auth, "Basic "))
	if err != nil {
		return false
	}

	credentials := strings.SplitN(string(decoded), ":", 2)
	if len(credentials) != 2 {
		return false
	}

	return credentials[0] == s.basicAuth.Username && credentials[1] == s.basicAuth.Password
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.authenticate(r) {
			setCORSHeaders(w)
			w.Header().Set("WWW-Authenticate", `Basic realm="Fare Wallet"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	// Wallet and scan pipeline
	s.mux.HandleFunc("GET /api/wallet", s.requireAuth(s.handleGetWallet))
	s.mux.HandleFunc("GET /api/scans", s.requireAuth(s.handleListScans))
	s.mux.HandleFunc("POST /api/scans", s.requireAuth(s.handleSubmitScan))
	s.mux.HandleFunc("GET /api/notices", s.requireAuth(s.handleListNotices))

	// Confirmation cycle
	s.mux.HandleFunc("PUT /api/session/quantity", s.requireAuth(s.handleSetQuantity))
	s.mux.HandleFunc("PUT /api/session/amount", s.requireAuth(s.handleSetAmount))
	s.mux.HandleFunc("POST /api/session/confirm", s.requireAuth(s.handleConfirm))
	s.mux.HandleFunc("GET /api/session", s.requireAuth(s.handleGetSession))
	s.mux.HandleFunc("DELETE /api/session", s.requireAuth(s.handleDismiss))

	// Capture
	s.mux.HandleFunc("GET /api/capture", s.requireAuth(s.handleGetCapture))
	s.mux.HandleFunc("POST /api/capture/start", s.requireAuth(s.handleStartCapture))
	s.mux.HandleFunc("POST /api/capture/stop", s.requireAuth(s.handleStopCapture))
	s.mux.HandleFunc("POST /api/capture/frames", s.requireAuth(s.handleCaptureFrame))

	if s.deps.Tokens != nil {
		s.mux.HandleFunc("PUT /api/tokens/{id}/active", s.requireAuth(s.handleSetTokenActive))
		s.mux.HandleFunc("GET /api/tokens/{id}/export", s.requireAuth(s.handleExportToken))
		s.mux.HandleFunc("GET /api/tokens", s.requireAuth(s.handleListTokens))
		s.mux.HandleFunc("POST /api/tokens", s.requireAuth(s.handleIssueToken))
	}

	if s.deps.Transactions != nil {
		s.mux.HandleFunc("GET /api/transactions", s.requireAuth(s.handleListTransactions))
	}

	if s.deps.Metrics != nil {
		s.mux.Handle("GET /metrics", s.requireAuth(s.deps.Metrics.ServeHTTP))
	}
}

// Handler returns the mux wrapped with CORS handling
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// Start starts the HTTP server
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	return http.ListenAndServe(addr, s.Handler())
}

// ServeHTTP implements http.Handler for testing
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}
