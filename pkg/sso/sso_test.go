package sso

import (
	"context"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/hearthline/matrix-e2e/pkg/logger"
	"github.com/hearthline/matrix-e2e/pkg/transport"
)

type fakeExchanger struct {
	gotToken string
	result   *transport.LoginResult
	err      error
}

func (f *fakeExchanger) LoginWithToken(ctx context.Context, loginToken string) (*transport.LoginResult, error) {
	f.gotToken = loginToken
	return f.result, f.err
}

func testLogger(t *testing.T) *logger.Logger {
	t.Helper()
	l, err := logger.New(logger.Config{Level: "error", Format: "text", Output: "stderr", Component: "test"})
	if err != nil {
		t.Fatalf("logger.New: %v", err)
	}
	return l
}

func TestLoginURL_PointsAtHomeserverSSORedirectWithOurCallback(t *testing.T) {
	exch := &fakeExchanger{}
	srv := New(Config{HomeserverURL: "https://matrix.example.org", CallbackAddr: "127.0.0.1:0"}, exch, testLogger(t))
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop(context.Background())

	loginURL, err := srv.LoginURL()
	if err != nil {
		t.Fatalf("LoginURL: %v", err)
	}
	want := "https://matrix.example.org/_matrix/client/v3/login/sso/redirect?redirectUrl="
	if len(loginURL) < len(want) || loginURL[:len(want)] != want {
		t.Errorf("unexpected login url: %s", loginURL)
	}
}

func TestLogin_FullCycleExchangesCallbackTokenForAccessToken(t *testing.T) {
	exch := &fakeExchanger{result: &transport.LoginResult{
		AccessToken: "syt_abc123",
		UserID:      "@alice:example.org",
		DeviceID:    "DEVICE1",
	}}
	srv := New(Config{HomeserverURL: "https://matrix.example.org", CallbackAddr: "127.0.0.1:0"}, exch, testLogger(t))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	resultCh := make(chan *transport.LoginResult, 1)
	errCh := make(chan error, 1)
	go func() {
		result, err := srv.Login(ctx, func(loginURL string) {
			go func() {
				callbackAddr := srv.listener.Addr().String()
				resp, err := http.Get(fmt.Sprintf("http://%s/?loginToken=tok_xyz", callbackAddr))
				if err != nil {
					return
				}
				resp.Body.Close()
			}()
		})
		if err != nil {
			errCh <- err
			return
		}
		resultCh <- result
	}()

	select {
	case result := <-resultCh:
		if result.AccessToken != "syt_abc123" {
			t.Errorf("unexpected access token: %s", result.AccessToken)
		}
		if exch.gotToken != "tok_xyz" {
			t.Errorf("exchanger did not receive the callback's loginToken, got %q", exch.gotToken)
		}
	case err := <-errCh:
		t.Fatalf("Login failed: %v", err)
	case <-ctx.Done():
		t.Fatal("timed out waiting for login to complete")
	}
}

func TestHandleCallback_MissingLoginTokenIs404(t *testing.T) {
	exch := &fakeExchanger{}
	srv := New(Config{HomeserverURL: "https://matrix.example.org", CallbackAddr: "127.0.0.1:0"}, exch, testLogger(t))
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer srv.Stop(context.Background())

	resp, err := http.Get(fmt.Sprintf("http://%s/", srv.listener.Addr().String()))
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("expected 404, got %d", resp.StatusCode)
	}
}

func TestAsOAuth2Token_WrapsAccessToken(t *testing.T) {
	result := &transport.LoginResult{AccessToken: "syt_abc123"}
	tok := AsOAuth2Token(result)
	if tok.AccessToken != "syt_abc123" {
		t.Errorf("unexpected access token: %s", tok.AccessToken)
	}
	if tok.TokenType != "Bearer" {
		t.Errorf("unexpected token type: %s", tok.TokenType)
	}
}
