// Package oauthcoord implements the authorization-flow coordination a
// Connection falls back to when a server responds 401/403: resolve the
// server's token endpoint, run (or wait on) a single authorization-code
// flow per (principal, server), and push the resulting tokens back into
// the Connection.
package oauthcoord

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	"github.com/mcppool/connmgr/connection"
	"github.com/mcppool/connmgr/store"
)

// ClientConfig is the OAuth2 client registration used for one server: a
// pre-registered client ID/secret, as in auth.PreregisteredClientConfig.
// Dynamic client registration and Client ID Metadata Documents (SEP-991)
// are not implemented here — see DESIGN.md.
type ClientConfig struct {
	ClientID     string
	ClientSecret string
	AuthStyle    oauth2.AuthStyle
	Scopes       []string
}

// ClientConfigFor resolves the OAuth2 client configuration for a server.
type ClientConfigFor func(server string) (ClientConfig, error)

// AuthorizationURLHandler presents an authorization URL to the principal
// and returns once the URL has been handed off (e.g. opened in a browser,
// or relayed to an out-of-band UI). It does not block for completion of
// the flow; FinalizeAuthorization resumes it once the redirect callback
// delivers a code.
type AuthorizationURLHandler func(ctx context.Context, principal, server, authorizationURL string) error

// Coordinator drives the authorization-code OAuth2 flow across many
// concurrent (principal, server) pairs, de-duplicating concurrent demand
// for the same pair through Flows and persisting results through Tokens.
// Grounded on the teacher's AuthorizationCodeOAuthHandler, split into a
// start phase (Authorize) and a resume phase (FinalizeAuthorization) the
// way the teacher's own Authorize/FinalizeAuthorization pair works, but
// generalized from "one flow in flight at a time" to many via Flows.
type Coordinator struct {
	Tokens      store.TokenStore
	Flows       store.FlowStore
	RedirectURL string
	URLHandler  AuthorizationURLHandler
	ClientFor   ClientConfigFor
	HTTPClient  *http.Client
	Logger      *slog.Logger

	mu      sync.Mutex
	pending map[string]*pendingFlow
}

type pendingFlow struct {
	cfg          *oauth2.Config
	codeVerifier string
	state        string
	resourceURL  string
	result       chan codeResult
}

type codeResult struct {
	code string
	err  error
}

func flowID(principal, server string) string { return principal + "\x00" + server }

func (c *Coordinator) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

// Authorize implements connection.Authorizer. It runs a fresh
// authorization-code flow for (principal, server), or waits on one
// already in flight, then pushes the resulting tokens into target.
func (c *Coordinator) Authorize(ctx context.Context, principal, server, serverURL string, target connection.TokenTarget, cause error) error {
	id := flowID(principal, server)
	state, err := c.Flows.CreateFlowWithHandler(ctx, id, "oauth2-authorization-code", func(ctx context.Context) (store.Tokens, error) {
		return c.runFlow(ctx, principal, server, serverURL)
	})
	if err != nil {
		return fmt.Errorf("oauthcoord: authorization flow for %s/%s: %w", principal, server, err)
	}
	if state.Status != store.FlowCompleted {
		return fmt.Errorf("oauthcoord: authorization flow for %s/%s ended in status %s", principal, server, state.Status)
	}
	if err := c.Tokens.CreateToken(ctx, principal, server, state.Tokens); err != nil {
		c.logger().Warn("oauthcoord: persisting tokens failed", "server", server, "principal", principal, "error", err)
	}
	target.SetAuthTokens(state.Tokens.AccessToken, state.Tokens.RefreshToken)
	return nil
}

// FinalizeAuthorization delivers the authorization code and state received
// on the configured redirect URL, resuming the matching in-flight flow
// started by Authorize. The caller (an HTTP handler for RedirectURL) wires
// this to the query parameters of the callback request.
func (c *Coordinator) FinalizeAuthorization(principal, server, code, state string) error {
	c.mu.Lock()
	pf, ok := c.pending[flowID(principal, server)]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("oauthcoord: no pending authorization flow for %s/%s", principal, server)
	}
	if state != pf.state {
		return fmt.Errorf("oauthcoord: state mismatch for %s/%s: expected %q, got %q", principal, server, pf.state, state)
	}
	select {
	case pf.result <- codeResult{code: code}:
		return nil
	default:
		return fmt.Errorf("oauthcoord: authorization flow for %s/%s already resumed", principal, server)
	}
}

func (c *Coordinator) runFlow(ctx context.Context, principal, server, serverURL string) (store.Tokens, error) {
	if c.ClientFor == nil || c.URLHandler == nil {
		return store.Tokens{}, fmt.Errorf("oauthcoord: ClientFor and URLHandler are required")
	}
	clientCfg, err := c.ClientFor(server)
	if err != nil {
		return store.Tokens{}, fmt.Errorf("oauthcoord: resolving client config for %s: %w", server, err)
	}

	authURL, tokenURL, err := discoverEndpoints(ctx, c.httpClient(), serverURL)
	if err != nil {
		return store.Tokens{}, fmt.Errorf("oauthcoord: discovering authorization endpoints for %s: %w", server, err)
	}

	cfg := &oauth2.Config{
		ClientID:     clientCfg.ClientID,
		ClientSecret: clientCfg.ClientSecret,
		Endpoint: oauth2.Endpoint{
			AuthURL:   authURL,
			TokenURL:  tokenURL,
			AuthStyle: clientCfg.AuthStyle,
		},
		RedirectURL: c.RedirectURL,
		Scopes:      clientCfg.Scopes,
	}

	pf := &pendingFlow{
		cfg:         cfg,
		codeVerifier: oauth2.GenerateVerifier(),
		state:        rand.Text(),
		resourceURL:  serverURL,
		result:       make(chan codeResult, 1),
	}
	id := flowID(principal, server)
	c.mu.Lock()
	if c.pending == nil {
		c.pending = make(map[string]*pendingFlow)
	}
	c.pending[id] = pf
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	authorizationURL := cfg.AuthCodeURL(pf.state,
		oauth2.S256ChallengeOption(pf.codeVerifier),
		oauth2.SetAuthURLParam("resource", serverURL),
	)
	if err := c.URLHandler(ctx, principal, server, authorizationURL); err != nil {
		return store.Tokens{}, fmt.Errorf("oauthcoord: authorization URL handler failed: %w", err)
	}

	select {
	case <-ctx.Done():
		return store.Tokens{}, ctx.Err()
	case res := <-pf.result:
		if res.err != nil {
			return store.Tokens{}, res.err
		}
		return c.exchange(ctx, cfg, pf.codeVerifier, serverURL, res.code)
	}
}

// Refresh performs an OAuth2 refresh-token-grant exchange for
// (principal, server), de-duplicating concurrent attempts against the
// same stale refresh token through Flows the same way Authorize
// de-duplicates concurrent authorization-code attempts. The flow id
// includes the stale refresh token itself so that a later refresh
// attempt, made after the server has rotated to a new refresh token,
// gets its own flow rather than replaying a stale cached result.
func (c *Coordinator) Refresh(ctx context.Context, principal, server, serverURL string, stale store.Tokens) (store.Tokens, error) {
	if stale.RefreshToken == "" {
		return store.Tokens{}, fmt.Errorf("oauthcoord: no refresh token for %s/%s", principal, server)
	}
	id := flowID(principal, server) + "\x00" + stale.RefreshToken
	state, err := c.Flows.CreateFlowWithHandler(ctx, id, "oauth2-refresh-token", func(ctx context.Context) (store.Tokens, error) {
		return c.exchangeRefreshToken(ctx, server, serverURL, stale.RefreshToken)
	})
	if err != nil {
		return store.Tokens{}, fmt.Errorf("oauthcoord: refreshing tokens for %s/%s: %w", principal, server, err)
	}
	if state.Status != store.FlowCompleted {
		return store.Tokens{}, fmt.Errorf("oauthcoord: refresh flow for %s/%s ended in status %s", principal, server, state.Status)
	}
	if err := c.Tokens.UpdateToken(ctx, principal, server, state.Tokens); err != nil {
		c.logger().Warn("oauthcoord: persisting refreshed tokens failed", "server", server, "principal", principal, "error", err)
	}
	return state.Tokens, nil
}

func (c *Coordinator) exchangeRefreshToken(ctx context.Context, server, serverURL, refreshToken string) (store.Tokens, error) {
	if c.ClientFor == nil {
		return store.Tokens{}, fmt.Errorf("oauthcoord: ClientFor is required")
	}
	clientCfg, err := c.ClientFor(server)
	if err != nil {
		return store.Tokens{}, fmt.Errorf("oauthcoord: resolving client config for %s: %w", server, err)
	}
	_, tokenURL, err := discoverEndpoints(ctx, c.httpClient(), serverURL)
	if err != nil {
		return store.Tokens{}, fmt.Errorf("oauthcoord: discovering token endpoint for %s: %w", server, err)
	}
	cfg := &oauth2.Config{
		ClientID:     clientCfg.ClientID,
		ClientSecret: clientCfg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: tokenURL, AuthStyle: clientCfg.AuthStyle},
		Scopes:       clientCfg.Scopes,
	}
	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	token, err := src.Token()
	if err != nil {
		return store.Tokens{}, fmt.Errorf("oauthcoord: refresh token exchange failed: %w", err)
	}
	refreshed := token.RefreshToken
	if refreshed == "" {
		refreshed = refreshToken
	}
	return store.Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: refreshed,
		TokenType:    token.TokenType,
		ExpiresAt:    token.Expiry,
	}, nil
}

func (c *Coordinator) exchange(ctx context.Context, cfg *oauth2.Config, codeVerifier, resourceURL, code string) (store.Tokens, error) {
	token, err := cfg.Exchange(ctx, code,
		oauth2.VerifierOption(codeVerifier),
		oauth2.SetAuthURLParam("resource", resourceURL),
	)
	if err != nil {
		return store.Tokens{}, fmt.Errorf("oauthcoord: token exchange failed: %w", err)
	}
	return store.Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		TokenType:    token.TokenType,
		ExpiresAt:    token.Expiry,
	}, nil
}

func (c *Coordinator) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

// authServerMetadata is the subset of RFC 8414 authorization server
// metadata this coordinator needs.
type authServerMetadata struct {
	Issuer                string `json:"issuer"`
	AuthorizationEndpoint string `json:"authorization_endpoint"`
	TokenEndpoint         string `json:"token_endpoint"`
}

// discoverEndpoints resolves the authorization and token endpoints for a
// server. It tries the RFC 8414 well-known metadata document first and
// falls back to the predefined /authorize and /token paths used by MCP
// servers without metadata discovery (2025-03-26 spec fallback), mirroring
// the teacher's own getAuthServerMetadata fallback.
func discoverEndpoints(ctx context.Context, client *http.Client, serverURL string) (authURL, tokenURL string, err error) {
	base, err := url.Parse(serverURL)
	if err != nil {
		return "", "", fmt.Errorf("parsing server URL: %w", err)
	}
	wellKnown := *base
	wellKnown.Path = strings.TrimSuffix(wellKnown.Path, "/") + "/.well-known/oauth-authorization-server"

	reqCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, wellKnown.String(), nil)
	if err == nil {
		resp, err := client.Do(req)
		if err == nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				var meta authServerMetadata
				if err := json.NewDecoder(resp.Body).Decode(&meta); err == nil && meta.AuthorizationEndpoint != "" && meta.TokenEndpoint != "" {
					return meta.AuthorizationEndpoint, meta.TokenEndpoint, nil
				}
			}
		}
	}

	base.Path = ""
	origin := base.String()
	return origin + "/authorize", origin + "/token", nil
}
