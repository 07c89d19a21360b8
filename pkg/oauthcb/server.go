// Package oauthcb runs a single-shot local HTTP listener that completes a
// PKCE browser flow: the provider redirects the browser to the callback
// path, the server exchanges the code for a token, and WaitForResult hands
// the outcome back to the caller exactly once.
package oauthcb

import (
	"context"
	"errors"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

const (
	// DefaultTimeout bounds the whole flow, token exchange included.
	DefaultTimeout = 5 * time.Minute

	defaultCallbackPath = "/callback"
	defaultCancelPath   = "/cancel"

	// shutdownGrace lets an in-flight response page flush before the
	// listener closes.
	shutdownGrace = 3 * time.Second
)

var (
	// ErrCancelled is the result when Stop or the cancel path fires before
	// a callback arrives.
	ErrCancelled = errors.New("oauth cancelled")

	// ErrTimeout is the result when no callback arrives within Timeout.
	ErrTimeout = errors.New("oauth timed out")

	// ErrMissingCode is the result when the provider redirects without a
	// code parameter.
	ErrMissingCode = errors.New("missing authorization code")

	// ErrInvalidState is the result when the state parameter does not
	// match the one issued for this flow.
	ErrInvalidState = errors.New("invalid state")
)

// Config describes one callback flow.
type Config struct {
	// Port to bind on 127.0.0.1. Zero picks an ephemeral port.
	Port int

	// CallbackPath and CancelPath default to /callback and /cancel.
	CallbackPath string
	CancelPath   string

	// ExpectedState is the state value issued with the authorization URL.
	// Callbacks carrying any other value are rejected.
	ExpectedState string

	// OnCode exchanges the authorization code for a token. It runs on a
	// server-scoped context so a browser disconnect after the redirect
	// does not abort the exchange.
	OnCode func(ctx context.Context, code string) (*oauth2.Token, error)

	// SuccessHTML is served on a successful exchange. ErrorHTML receives
	// an already-escaped message and returns the failure page. Both fall
	// back to built-in pages when unset.
	SuccessHTML string
	ErrorHTML   func(msg string) string

	// Timeout bounds the flow; DefaultTimeout when zero or negative.
	Timeout time.Duration

	Logger *slog.Logger
}

// Server is the single-shot listener. Create with NewServer, bind with
// Start, then block on WaitForResult. All of Stop, the cancel path, the
// timeout, and the callback race to settle the result; only the first wins.
type Server struct {
	cfg    Config
	logger *slog.Logger

	listener net.Listener
	http     *http.Server

	baseCtx    context.Context
	baseCancel context.CancelFunc

	settleOnce sync.Once
	done       chan struct{}
	closed     chan struct{}
	token      *oauth2.Token
	err        error
}

// NewServer validates the config and applies defaults. Panics if OnCode or
// ExpectedState is missing.
func NewServer(cfg Config) *Server {
	if cfg.OnCode == nil {
		panic("oauthcb.NewServer: OnCode is required")
	}
	if cfg.ExpectedState == "" {
		panic("oauthcb.NewServer: ExpectedState is required")
	}
	if cfg.CallbackPath == "" {
		cfg.CallbackPath = defaultCallbackPath
	}
	if cfg.CancelPath == "" {
		cfg.CancelPath = defaultCancelPath
	}
	cfg.CallbackPath = ensureLeadingSlash(cfg.CallbackPath)
	cfg.CancelPath = ensureLeadingSlash(cfg.CancelPath)
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	baseCtx, baseCancel := context.WithCancel(context.Background())
	return &Server{
		cfg:        cfg,
		logger:     logger.With("component", "oauth"),
		baseCtx:    baseCtx,
		baseCancel: baseCancel,
		done:       make(chan struct{}),
		closed:     make(chan struct{}),
	}
}

func ensureLeadingSlash(p string) string {
	if strings.HasPrefix(p, "/") {
		return p
	}
	return "/" + p
}

// Start binds the listener and begins serving. It returns immediately; the
// result is collected via WaitForResult.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", s.cfg.Port))
	if err != nil {
		return fmt.Errorf("failed to bind oauth callback listener: %w", err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc(s.cfg.CallbackPath, s.handleCallback)
	mux.HandleFunc(s.cfg.CancelPath, s.handleCancel)

	s.http = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("OAuth callback server error", "error", err)
			s.settle(nil, err)
		}
	}()
	go s.watchTimeout()
	go s.closeWhenSettled()

	s.logger.Info("OAuth callback server listening",
		"addr", ln.Addr().String(),
		"callback_path", s.cfg.CallbackPath,
		"timeout", s.cfg.Timeout)
	return nil
}

// Addr returns the bound address, e.g. "127.0.0.1:58123".
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// RedirectURL returns the full callback URL for registration with the
// provider.
func (s *Server) RedirectURL() string {
	return "http://" + s.Addr() + s.cfg.CallbackPath
}

// WaitForResult blocks until the flow settles or ctx is done. Cancelling
// ctx stops the server and reports ErrCancelled (unless the flow already
// settled). Safe to call more than once.
func (s *Server) WaitForResult(ctx context.Context) (*oauth2.Token, error) {
	select {
	case <-s.done:
		return s.token, s.err
	case <-ctx.Done():
		s.Stop()
		return s.token, s.err
	}
}

// Stop settles the flow with ErrCancelled if still pending and closes the
// listener. It blocks until in-flight responses have flushed.
func (s *Server) Stop() {
	s.settle(nil, ErrCancelled)
	if s.http == nil {
		return
	}
	<-s.closed
}

// settle records the outcome. Only the first call wins; the rest are no-ops.
func (s *Server) settle(token *oauth2.Token, err error) {
	s.settleOnce.Do(func() {
		s.token = token
		s.err = err
		close(s.done)
	})
}

func (s *Server) watchTimeout() {
	timer := time.NewTimer(s.cfg.Timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		s.logger.Warn("OAuth flow timed out", "timeout", s.cfg.Timeout)
		s.settle(nil, ErrTimeout)
	case <-s.done:
	}
}

// closeWhenSettled tears the listener down once the result lands, giving
// the in-flight response a short grace to flush.
func (s *Server) closeWhenSettled() {
	<-s.done
	s.baseCancel()
	ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = s.http.Shutdown(ctx)
	close(s.closed)
}

func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	if errParam := q.Get("error"); errParam != "" {
		msg := q.Get("error_description")
		if msg == "" {
			msg = errParam
		}
		s.logger.Warn("OAuth provider returned an error", "error", errParam)
		s.reject(w, http.StatusBadRequest, errors.New(msg))
		return
	}

	code := q.Get("code")
	if code == "" {
		s.reject(w, http.StatusBadRequest, ErrMissingCode)
		return
	}

	if q.Get("state") != s.cfg.ExpectedState {
		s.logger.Warn("OAuth callback carried an unexpected state value")
		s.reject(w, http.StatusBadRequest, ErrInvalidState)
		return
	}

	token, err := s.cfg.OnCode(s.baseCtx, code)
	if err != nil {
		s.logger.Error("Token exchange failed", "error", err)
		s.reject(w, http.StatusInternalServerError, err)
		return
	}

	s.settle(token, nil)
	writeHTML(w, http.StatusOK, s.successPage())
}

func (s *Server) handleCancel(w http.ResponseWriter, _ *http.Request) {
	s.settle(nil, ErrCancelled)
	writeHTML(w, http.StatusOK, cancelledHTML)
}

// reject settles the flow with cause (first settle wins) and always writes
// the error page so retried or late requests still get a response.
func (s *Server) reject(w http.ResponseWriter, status int, cause error) {
	s.settle(nil, cause)
	writeHTML(w, status, s.errorPage(cause.Error()))
}

func (s *Server) successPage() string {
	if s.cfg.SuccessHTML != "" {
		return s.cfg.SuccessHTML
	}
	return defaultSuccessHTML
}

func (s *Server) errorPage(msg string) string {
	escaped := html.EscapeString(msg)
	if s.cfg.ErrorHTML != nil {
		return s.cfg.ErrorHTML(escaped)
	}
	return fmt.Sprintf(defaultErrorHTML, escaped)
}

func writeHTML(w http.ResponseWriter, status int, body string) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, body)
}

const defaultSuccessHTML = `<!DOCTYPE html>
<html>
<head><title>Authentication complete</title></head>
<body>
<h1>Authentication complete</h1>
<p>You can close this window and return to the terminal.</p>
</body>
</html>
`

const defaultErrorHTML = `<!DOCTYPE html>
<html>
<head><title>Authentication failed</title></head>
<body>
<h1>Authentication failed</h1>
<p>%s</p>
</body>
</html>
`

const cancelledHTML = `<!DOCTYPE html>
<html>
<head><title>Authentication cancelled</title></head>
<body>
<h1>Authentication cancelled</h1>
<p>You can close this window.</p>
</body>
</html>
`
