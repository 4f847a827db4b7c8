// Package sso implements Matrix's m.login.sso redirect-and-token-exchange
// login flow: a short-lived local HTTP server receives the homeserver's
// callback with a loginToken, which is then exchanged for a full access
// token via m.login.token.
package sso

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/hearthline/matrix-e2e/pkg/logger"
	"github.com/hearthline/matrix-e2e/pkg/securerandom"
	"github.com/hearthline/matrix-e2e/pkg/transport"
)

const successPageHTML = `<!DOCTYPE html>
<html>
<head><title>Login Success</title><meta charset="utf-8"></head>
<body><p>Login complete. You may close this window.</p></body>
</html>`

// TokenExchanger is the subset of transport.Client Server needs: trading
// a loginToken for a full access token via m.login.token.
type TokenExchanger interface {
	LoginWithToken(ctx context.Context, loginToken string) (*transport.LoginResult, error)
}

// Config configures a Server.
type Config struct {
	HomeserverURL string // e.g. "https://matrix.example.org"
	CallbackAddr  string // local listen address, e.g. "127.0.0.1:0"
}

// Server runs the local callback endpoint for one login attempt. Its
// zero value is not usable; construct with New.
type Server struct {
	cfg      Config
	exchange TokenExchanger
	log      *logger.Logger

	listener net.Listener
	httpSrv  *http.Server

	state string

	mu    sync.Mutex
	token string
	done  chan struct{}
}

// New creates a Server. Call Login to run one full redirect/callback
// cycle; a Server is single-use.
func New(cfg Config, exchange TokenExchanger, log *logger.Logger) *Server {
	return &Server{
		cfg:      cfg,
		exchange: exchange,
		log:      log.WithComponent("sso"),
		done:     make(chan struct{}),
	}
}

// LoginURL is the URL a browser should open to begin the SSO flow: the
// homeserver's own m.login.sso/redirect endpoint, parameterized with
// our local callback as redirectUrl. Valid only after Start.
func (s *Server) LoginURL() (string, error) {
	if s.listener == nil {
		return "", fmt.Errorf("sso: server not started")
	}
	redirect, err := url.Parse(fmt.Sprintf("http://%s/", s.listener.Addr().String()))
	if err != nil {
		return "", fmt.Errorf("sso: build callback url: %w", err)
	}
	rq := redirect.Query()
	rq.Set("state", s.state)
	redirect.RawQuery = rq.Encode()

	u, err := url.Parse(s.cfg.HomeserverURL + "/_matrix/client/v3/login/sso/redirect")
	if err != nil {
		return "", fmt.Errorf("sso: parse homeserver url: %w", err)
	}
	q := u.Query()
	q.Set("redirectUrl", redirect.String())
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Start binds the local callback listener. Call LoginURL afterward to
// get the URL to open in a browser.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.CallbackAddr)
	if err != nil {
		return fmt.Errorf("sso: listen on callback address: %w", err)
	}
	s.listener = ln

	state, err := securerandom.Token(16)
	if err != nil {
		ln.Close()
		return fmt.Errorf("sso: generate state token: %w", err)
	}
	s.state = state

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleCallback)
	s.httpSrv = &http.Server{Handler: mux}

	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.log.Error("sso callback server stopped", "error", err)
		}
	}()
	s.log.Info("sso callback listening", "addr", ln.Addr().String())
	return nil
}

// handleCallback answers the homeserver's redirect back to us: a
// request carrying ?loginToken=... completes the flow; any other
// request (the browser's very first hit on our own root before the SSO
// dance has happened) is not expected and is answered with 404, since
// the only link ever handed to a browser is the fully-resolved login
// URL of the homeserver itself, not this server's root.
func (s *Server) handleCallback(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("loginToken")
	if token == "" {
		http.NotFound(w, r)
		return
	}
	if r.URL.Query().Get("state") != s.state {
		s.log.Warn("sso callback with mismatched state, discarding")
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	alreadyDone := s.token != ""
	if !alreadyDone {
		s.token = token
	}
	s.mu.Unlock()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Write([]byte(successPageHTML))

	if !alreadyDone {
		close(s.done)
	}
}

// Stop shuts down the local callback server.
func (s *Server) Stop(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// WaitForToken blocks until the homeserver's redirect delivers a
// loginToken or ctx is cancelled.
func (s *Server) WaitForToken(ctx context.Context) (string, error) {
	select {
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.token, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Login runs one full SSO cycle: starts the callback server, returns
// the URL the caller must open in a browser via loginURLReady, waits
// for the resulting loginToken, exchanges it for an access token, and
// tears the callback server down. The context bounds the whole wait;
// callers typically pair it with a user-facing timeout.
func (s *Server) Login(ctx context.Context, loginURLReady func(url string)) (*transport.LoginResult, error) {
	if err := s.Start(); err != nil {
		return nil, err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Stop(shutdownCtx)
	}()

	loginURL, err := s.LoginURL()
	if err != nil {
		return nil, err
	}
	loginURLReady(loginURL)

	token, err := s.WaitForToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("sso: waiting for login token: %w", err)
	}

	result, err := s.exchange.LoginWithToken(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("sso: exchanging login token: %w", err)
	}
	return result, nil
}

// AsOAuth2Token wraps a LoginResult as an oauth2.Token, for callers that
// want to hand the resulting credential to ecosystem code built around
// golang.org/x/oauth2's TokenSource rather than this package's own
// result type (the homeserver's /login/sso flow is not itself a
// standard OAuth2 authorization-code exchange, but wrapping the outcome
// this way lets an oauth2.StaticTokenSource carry it onward).
func AsOAuth2Token(r *transport.LoginResult) *oauth2.Token {
	return &oauth2.Token{
		AccessToken: r.AccessToken,
		TokenType:   "Bearer",
	}
}
