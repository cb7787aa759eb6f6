// file: internal/deeplink/server.go
package deeplink

import (
	"context"
	"fmt"
	"html"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/dkoosis/emailsignin/internal/logging"
	"github.com/gorilla/mux"
)

// ServerOptions configures the loopback callback receiver.
type ServerOptions struct {
	// Addr is the listen address, normally "127.0.0.1:<port>". Port 0 picks one.
	Addr string
	// Path is the callback path; DefaultPath when empty.
	Path string
}

// Server receives callbacks over loopback HTTP and forwards them to a Hub.
// Desktop hosts use it where a custom URL scheme is not registered.
type Server struct {
	hub    *Hub
	opts   ServerOptions
	logger logging.Logger

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
}

// NewServer creates a server feeding hub.
func NewServer(hub *Hub, opts ServerOptions, logger logging.Logger) *Server {
	if opts.Path == "" {
		opts.Path = DefaultPath
	}
	if opts.Addr == "" {
		opts.Addr = "127.0.0.1:0"
	}
	return &Server{
		hub:    hub,
		opts:   opts,
		logger: logging.OrNoop(logger).WithField("component", "deeplink_server"),
	}
}

// Handler returns the router serving the callback path.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(s.opts.Path, s.handleCallback).Methods(http.MethodGet)
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("Ignoring request outside callback path.", "path", r.URL.Path)
		http.NotFound(w, r)
	})
	return r
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.srv != nil {
		return errors.New("callback server already running")
	}
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return errors.Wrapf(err, "failed to listen on %s", s.opts.Addr)
	}
	s.listener = ln
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       30 * time.Second,
	}

	srv := s.srv
	go func() {
		s.logger.Info("Starting callback server.", "address", ln.Addr().String(), "path", s.opts.Path)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Callback server error.", "error", err)
		}
	}()
	return nil
}

// URL returns the callback URL clients should redirect to. Valid after Start.
func (s *Server) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return RedirectURI("http", s.listener.Addr().String(), s.opts.Path)
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.srv
	s.srv, s.listener = nil, nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	s.logger.Info("Stopping callback server.")
	return errors.Wrap(srv.Shutdown(ctx), "callback server shutdown")
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	cb := CallbackFromQuery(r.URL.Query())
	s.logger.Info("Received callback request.",
		"path", r.URL.Path,
		"cancelled", cb.Cancelled,
		"has_token", cb.Token != "",
		"request_id", cb.RequestID,
		"remote", r.RemoteAddr)

	delivered := s.hub.Deliver(cb)

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	switch {
	case delivered == 0:
		w.WriteHeader(http.StatusGone)
		writePage(w, "Sign-In Expired", "This sign-in request is no longer pending. Return to the application and try again.")
	case cb.Cancelled:
		writePage(w, "Sign-In Cancelled", "You can close this window and return to the application.")
	default:
		writePage(w, "Sign-In Received", "You can close this window and return to the application.")
	}
}

func writePage(w http.ResponseWriter, title, body string) {
	_, _ = fmt.Fprintf(w, "<html><body><h1>%s</h1><p>%s</p></body></html>",
		html.EscapeString(title), html.EscapeString(body))
}
