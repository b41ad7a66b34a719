package oauthcoord

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mcppool/connmgr/store"

	oauthtest "github.com/mcppool/connmgr/internal/testing"
)

type fakeTarget struct {
	mu             sync.Mutex
	access, refresh string
}

func (f *fakeTarget) SetAuthTokens(access, refresh string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.access, f.refresh = access, refresh
}

func newFakeAuthServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	var srv *httptest.Server
	mux.HandleFunc("/.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{
			"issuer":                 srv.URL,
			"authorization_endpoint": srv.URL + "/oauth/authorize",
			"token_endpoint":         srv.URL + "/oauth/token",
		})
	})
	mux.HandleFunc("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "tok-abc",
			"refresh_token": "refresh-abc",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
	srv = httptest.NewServer(mux)
	return srv
}

func TestDiscoverEndpointsUsesWellKnownMetadata(t *testing.T) {
	srv := newFakeAuthServer(t)
	defer srv.Close()

	authURL, tokenURL, err := discoverEndpoints(context.Background(), srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("discoverEndpoints: %v", err)
	}
	if authURL != srv.URL+"/oauth/authorize" || tokenURL != srv.URL+"/oauth/token" {
		t.Errorf("discoverEndpoints() = (%q, %q), want metadata-document values", authURL, tokenURL)
	}
}

func TestDiscoverEndpointsFallsBackWithoutMetadata(t *testing.T) {
	srv := httptest.NewServer(http.NewServeMux()) // 404s everything
	defer srv.Close()

	authURL, tokenURL, err := discoverEndpoints(context.Background(), srv.Client(), srv.URL)
	if err != nil {
		t.Fatalf("discoverEndpoints: %v", err)
	}
	if !strings.HasSuffix(authURL, "/authorize") || !strings.HasSuffix(tokenURL, "/token") {
		t.Errorf("discoverEndpoints() = (%q, %q), want fallback /authorize and /token", authURL, tokenURL)
	}
}

func TestCoordinatorAuthorizeRunsFlowAndSetsTokens(t *testing.T) {
	authSrv := newFakeAuthServer(t)
	defer authSrv.Close()

	var urlHandlerCalls int32
	c := &Coordinator{
		Tokens:      store.NewMemoryTokenStore(),
		Flows:       store.NewMemoryFlowStore(),
		RedirectURL: "http://localhost/callback",
		ClientFor: func(server string) (ClientConfig, error) {
			return ClientConfig{ClientID: "client-id"}, nil
		},
		HTTPClient: authSrv.Client(),
		URLHandler: func(ctx context.Context, principal, server, authorizationURL string) error {
			atomic.AddInt32(&urlHandlerCalls, 1)
			go func() {
				time.Sleep(5 * time.Millisecond)
				c.mu.Lock()
				pf := c.pending[flowID(principal, server)]
				c.mu.Unlock()
				if pf == nil {
					return
				}
				c.FinalizeAuthorization(principal, server, "auth-code", pf.state)
			}()
			return nil
		},
	}

	target := &fakeTarget{}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Authorize(ctx, "alice", "calc", authSrv.URL, target, nil); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	if urlHandlerCalls != 1 {
		t.Errorf("URLHandler called %d times, want 1", urlHandlerCalls)
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	if target.access != "tok-abc" || target.refresh != "refresh-abc" {
		t.Errorf("target tokens = (%q, %q), want (tok-abc, refresh-abc)", target.access, target.refresh)
	}

	stored, ok, err := c.Tokens.FindToken(ctx, "alice", "calc", nil)
	if err != nil || !ok || stored.AccessToken != "tok-abc" {
		t.Errorf("stored tokens = %+v, ok=%v, err=%v", stored, ok, err)
	}
}

// TestCoordinatorAuthorizeValidatesRealPKCE runs the same flow against a
// fake authorization server that actually checks the PKCE challenge
// against the verifier, catching a coordinator that forgets to carry the
// verifier through to the token exchange.
func TestCoordinatorAuthorizeValidatesRealPKCE(t *testing.T) {
	authSrv := oauthtest.NewFakeAuthServer()
	defer authSrv.Close()

	noRedirectClient := *authSrv.Client()
	noRedirectClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	c := &Coordinator{
		Tokens:      store.NewMemoryTokenStore(),
		Flows:       store.NewMemoryFlowStore(),
		RedirectURL: "http://localhost/callback",
		ClientFor: func(server string) (ClientConfig, error) {
			return ClientConfig{ClientID: "client-id"}, nil
		},
		HTTPClient: authSrv.Client(),
		URLHandler: func(ctx context.Context, principal, server, authorizationURL string) error {
			resp, err := noRedirectClient.Get(authorizationURL)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			loc, err := resp.Location()
			if err != nil {
				return fmt.Errorf("authorize redirect: %w", err)
			}
			q := loc.Query()
			return c.FinalizeAuthorization(principal, server, q.Get("code"), q.Get("state"))
		},
	}

	target := &fakeTarget{}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Authorize(ctx, "alice", "calc", authSrv.URL, target, nil); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	target.mu.Lock()
	defer target.mu.Unlock()
	if target.access == "" {
		t.Error("target.access is empty, want a signed access token")
	}
}

func TestCoordinatorRefreshExchangesRefreshToken(t *testing.T) {
	authSrv := oauthtest.NewFakeAuthServer()
	defer authSrv.Close()

	noRedirectClient := *authSrv.Client()
	noRedirectClient.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	c := &Coordinator{
		Tokens:      store.NewMemoryTokenStore(),
		Flows:       store.NewMemoryFlowStore(),
		RedirectURL: "http://localhost/callback",
		ClientFor: func(server string) (ClientConfig, error) {
			return ClientConfig{ClientID: "client-id"}, nil
		},
		HTTPClient: authSrv.Client(),
		URLHandler: func(ctx context.Context, principal, server, authorizationURL string) error {
			resp, err := noRedirectClient.Get(authorizationURL)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			loc, err := resp.Location()
			if err != nil {
				return fmt.Errorf("authorize redirect: %w", err)
			}
			q := loc.Query()
			return c.FinalizeAuthorization(principal, server, q.Get("code"), q.Get("state"))
		},
	}

	target := &fakeTarget{}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := c.Authorize(ctx, "alice", "calc", authSrv.URL, target, nil); err != nil {
		t.Fatalf("Authorize: %v", err)
	}
	target.mu.Lock()
	stale := store.Tokens{AccessToken: target.access, RefreshToken: target.refresh}
	target.mu.Unlock()
	if stale.RefreshToken == "" {
		t.Fatal("initial authorization did not yield a refresh token")
	}

	refreshed, err := c.Refresh(ctx, "alice", "calc", authSrv.URL, stale)
	if err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	if refreshed.AccessToken == "" {
		t.Error("Refresh() returned an empty access token")
	}
	if refreshed.RefreshToken == "" || refreshed.RefreshToken == stale.RefreshToken {
		t.Errorf("Refresh() refresh token = %q, want a newly rotated token distinct from %q", refreshed.RefreshToken, stale.RefreshToken)
	}

	stored, ok, err := c.Tokens.FindToken(ctx, "alice", "calc", nil)
	if err != nil || !ok || stored.AccessToken != refreshed.AccessToken {
		t.Errorf("stored tokens = %+v, ok=%v, err=%v, want refreshed access token persisted", stored, ok, err)
	}
}

func TestCoordinatorRefreshRejectsMissingRefreshToken(t *testing.T) {
	c := &Coordinator{Flows: store.NewMemoryFlowStore()}
	if _, err := c.Refresh(context.Background(), "alice", "calc", "http://example.invalid", store.Tokens{}); err == nil {
		t.Fatal("Refresh succeeded with no refresh token, want error")
	}
}

func TestFinalizeAuthorizationRejectsStateMismatch(t *testing.T) {
	c := &Coordinator{pending: map[string]*pendingFlow{
		flowID("alice", "calc"): {state: "expected-state", result: make(chan codeResult, 1)},
	}}
	err := c.FinalizeAuthorization("alice", "calc", "code", "wrong-state")
	if err == nil {
		t.Fatal("FinalizeAuthorization succeeded with mismatched state, want error")
	}
}

func TestFinalizeAuthorizationUnknownFlow(t *testing.T) {
	c := &Coordinator{}
	if err := c.FinalizeAuthorization("bob", "calc", "code", "state"); err == nil {
		t.Fatal("FinalizeAuthorization succeeded for unknown flow, want error")
	}
}
