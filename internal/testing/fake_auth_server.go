// Package testing provides a fake OAuth2 authorization server for
// exercising the authorization-code-with-PKCE flow end to end without a
// real identity provider. Unlike a canned-response stub, it actually
// validates the PKCE challenge, so a test using it catches a coordinator
// that gets the verifier/challenge pairing wrong.
package testing

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const tokenExpiry = time.Hour

var jwtSigningKey = []byte("fake-secret-key")

type authCodeInfo struct {
	codeChallenge string
	redirectURI   string
}

// FakeAuthServer is a fake OAuth2 authorization server backed by
// httptest.Server, serving RFC 8414 metadata plus /authorize and /token.
type FakeAuthServer struct {
	*httptest.Server

	mu            sync.Mutex
	authCodes     map[string]authCodeInfo
	nextCode      int
	nextRefresh   int
	refreshTokens map[string]bool
}

func NewFakeAuthServer() *FakeAuthServer {
	s := &FakeAuthServer{authCodes: make(map[string]authCodeInfo), refreshTokens: make(map[string]bool)}
	mux := http.NewServeMux()
	mux.HandleFunc("/.well-known/oauth-authorization-server", s.handleMetadata)
	mux.HandleFunc("/authorize", s.handleAuthorize)
	mux.HandleFunc("/token", s.handleToken)
	s.Server = httptest.NewServer(mux)
	return s
}

func (s *FakeAuthServer) handleMetadata(w http.ResponseWriter, r *http.Request) {
	metadata := map[string]any{
		"issuer":                                s.URL,
		"authorization_endpoint":                s.URL + "/authorize",
		"token_endpoint":                        s.URL + "/token",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code"},
		"token_endpoint_auth_methods_supported": []string{"none"},
		"code_challenge_methods_supported":      []string{"S256"},
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(metadata)
}

func (s *FakeAuthServer) handleAuthorize(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	redirectURI := query.Get("redirect_uri")
	codeChallenge := query.Get("code_challenge")
	if query.Get("response_type") != "code" || redirectURI == "" {
		http.Error(w, "invalid_request", http.StatusBadRequest)
		return
	}
	if codeChallenge == "" || query.Get("code_challenge_method") != "S256" {
		http.Error(w, "invalid_request: pkce required", http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.nextCode++
	code := fmt.Sprintf("fake-auth-code-%d", s.nextCode)
	s.authCodes[code] = authCodeInfo{codeChallenge: codeChallenge, redirectURI: redirectURI}
	s.mu.Unlock()

	redirectURL := fmt.Sprintf("%s?code=%s&state=%s", redirectURI, code, query.Get("state"))
	http.Redirect(w, r, redirectURL, http.StatusFound)
}

func (s *FakeAuthServer) handleToken(w http.ResponseWriter, r *http.Request) {
	r.ParseForm()
	switch r.Form.Get("grant_type") {
	case "authorization_code":
		s.handleAuthorizationCodeGrant(w, r)
	case "refresh_token":
		s.handleRefreshTokenGrant(w, r)
	default:
		http.Error(w, "unsupported_grant_type", http.StatusBadRequest)
	}
}

func (s *FakeAuthServer) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	info, ok := s.authCodes[r.Form.Get("code")]
	if ok {
		delete(s.authCodes, r.Form.Get("code"))
	}
	s.mu.Unlock()
	if !ok || info.redirectURI != r.Form.Get("redirect_uri") {
		http.Error(w, "invalid_grant", http.StatusBadRequest)
		return
	}

	sum := sha256.Sum256([]byte(r.Form.Get("code_verifier")))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != info.codeChallenge {
		http.Error(w, "invalid_grant: pkce verification failed", http.StatusBadRequest)
		return
	}

	s.writeTokenResponse(w)
}

// handleRefreshTokenGrant accepts any refresh token this server itself
// issued, consumes it, and issues a new access/refresh pair: real
// authorization servers commonly rotate the refresh token on every use,
// which is the behavior a coordinator's refresh flow id needs to tolerate.
func (s *FakeAuthServer) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	refreshToken := r.Form.Get("refresh_token")
	s.mu.Lock()
	valid := s.refreshTokens[refreshToken]
	if valid {
		delete(s.refreshTokens, refreshToken)
	}
	s.mu.Unlock()
	if !valid {
		http.Error(w, "invalid_grant: unknown refresh token", http.StatusBadRequest)
		return
	}
	s.writeTokenResponse(w)
}

func (s *FakeAuthServer) writeTokenResponse(w http.ResponseWriter) {
	now := time.Now()
	claims := jwt.MapClaims{"iss": s.URL, "sub": "fake-user-id", "exp": now.Add(tokenExpiry).Unix(), "iat": now.Unix()}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(jwtSigningKey)
	if err != nil {
		http.Error(w, "server_error", http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	s.nextRefresh++
	refreshToken := fmt.Sprintf("fake-refresh-token-%d", s.nextRefresh)
	s.refreshTokens[refreshToken] = true
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"access_token":  accessToken,
		"refresh_token": refreshToken,
		"token_type":    "Bearer",
		"expires_in":    int(tokenExpiry.Seconds()),
	})
}
