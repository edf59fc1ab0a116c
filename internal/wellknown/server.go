// Package wellknown serves /.well-known/ for hosts where nginx does not
// alias it yet, so domain verification and HTTP-01 challenges still work.
package wellknown

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/rehmatworks/fastcp-engine/internal/ssl"
)

// tokenRe matches base64url ACME tokens
var tokenRe = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)

// Server answers verification and challenge requests from the well-known dir
type Server struct {
	router chi.Router
	dir    string
	logger *slog.Logger
}

// NewServer creates a responder serving files from dir
func NewServer(dir string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{dir: dir, logger: logger}
	s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(10 * time.Second))

	r.Get(ssl.VerifyPath, s.verify)
	r.Get("/.well-known/acme-challenge/{token}", s.challenge)

	s.router = r
}

func (s *Server) verify(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	w.Write([]byte(ssl.VerifyString))
}

func (s *Server) challenge(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	if !tokenRe.MatchString(token) {
		http.NotFound(w, r)
		return
	}
	data, err := os.ReadFile(filepath.Join(s.dir, "acme-challenge", token))
	if err != nil {
		http.NotFound(w, r)
		return
	}
	s.logger.Info("served acme challenge", "token", token, "host", r.Host)
	w.Header().Set("Content-Type", "text/plain")
	w.Write(data)
}

// ListenAndServe serves on addr until ctx is cancelled
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	s.logger.Info("well-known responder listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
