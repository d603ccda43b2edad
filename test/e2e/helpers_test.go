package e2e_test

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/taskdeck/taskdeck-go/taskdeck"
)

const (
	clientID     = "e2e-client"
	clientSecret = "e2e-client-secret-value"
	redirectURI  = "http://127.0.0.1:8484/callback"
	authCode     = "e2e-auth-code"
	passphrase   = "correct horse battery staple"
)

var testLogger = slog.New(slog.DiscardHandler)

// harness fakes the Taskdeck platform: an authorization server that
// issues and rotates tokens, and an API that only accepts whichever
// access token the authorization server issued last.
type harness struct {
	Auth *httptest.Server
	API  *httptest.Server

	mu                sync.Mutex
	accessToken       string
	refreshToken      string
	expectedChallenge string
	issued            int
	tokenCalls        int
	lastGrant         url.Values
}

// newHarness starts the fake authorization server and API. Both shut
// down with the test.
func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{}

	authMux := http.NewServeMux()
	authMux.HandleFunc("POST /oauth/token", h.handleToken)
	h.Auth = httptest.NewServer(authMux)
	t.Cleanup(h.Auth.Close)

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /users/me", h.api(func(w http.ResponseWriter, r *http.Request) {
		writeData(w, taskdeck.User{GID: "u-1", Name: "Dana Holt", Email: "dana@example.com"})
	}))
	apiMux.HandleFunc("GET /workspaces", h.api(func(w http.ResponseWriter, r *http.Request) {
		writeData(w, []taskdeck.Workspace{{GID: "w-1", Name: "Acme"}})
	}))
	apiMux.HandleFunc("GET /tasks", h.api(func(w http.ResponseWriter, r *http.Request) {
		writeData(w, []taskdeck.Task{
			{GID: "t-1", Name: "Ship the beta", WorkspaceGID: "w-1"},
			{GID: "t-2", Name: "Write release notes", WorkspaceGID: "w-1", Completed: true},
		})
	}))
	h.API = httptest.NewServer(apiMux)
	t.Cleanup(h.API.Close)

	return h
}

// handleToken implements the authorization_code and refresh_token grants
// against the harness's current token state.
func (h *harness) handleToken(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	h.tokenCalls++
	h.lastGrant = r.PostForm

	if r.PostForm.Get("client_id") != clientID || r.PostForm.Get("client_secret") != clientSecret {
		writeOAuthError(w, "invalid_client")
		return
	}

	switch r.PostForm.Get("grant_type") {
	case "authorization_code":
		if r.PostForm.Get("code") != authCode ||
			r.PostForm.Get("redirect_uri") != redirectURI ||
			h.expectedChallenge == "" ||
			pkceChallenge(r.PostForm.Get("code_verifier")) != h.expectedChallenge {
			writeOAuthError(w, "invalid_grant")
			return
		}

		h.issued++
		h.accessToken = fmt.Sprintf("at-%d", h.issued)
		h.refreshToken = "rt-1"
		writeTokenResponse(w, h.accessToken, h.refreshToken)
	case "refresh_token":
		if r.PostForm.Get("refresh_token") != h.refreshToken {
			writeOAuthError(w, "invalid_grant")
			return
		}

		// The rotated response carries no refresh token; clients keep
		// the one they already hold.
		h.issued++
		h.accessToken = fmt.Sprintf("at-%d", h.issued)
		writeTokenResponse(w, h.accessToken, "")
	default:
		writeOAuthError(w, "unsupported_grant_type")
	}
}

// api wraps an API handler with bearer validation against the token the
// authorization server considers current.
func (h *harness) api(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		current := h.accessToken
		h.mu.Unlock()

		if current == "" || r.Header.Get("Authorization") != "Bearer "+current {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"errors":[{"message":"invalid or expired token"}]}`))
			return
		}

		next(w, r)
	}
}

// seedTokens primes the platform with a live access/refresh pair, as if
// a login had happened elsewhere.
func (h *harness) seedTokens(access, refresh string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.accessToken = access
	h.refreshToken = refresh
}

// expectChallenge arms the authorization_code grant with the S256
// challenge the next exchange must prove.
func (h *harness) expectChallenge(challenge string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.expectedChallenge = challenge
}

// tokenCallCount reports how many times the token endpoint has been hit,
// across all grant types.
func (h *harness) tokenCallCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()

	return h.tokenCalls
}

// lastGrantValues returns a copy of the form from the most recent token
// endpoint call.
func (h *harness) lastGrantValues() url.Values {
	h.mu.Lock()
	defer h.mu.Unlock()

	vals := url.Values{}
	for k, vs := range h.lastGrant {
		vals[k] = append([]string(nil), vs...)
	}

	return vals
}

// newClient builds a client pointed at the fake platform. credFile may
// be empty for clients that never persist.
func (h *harness) newClient(credFile string, extra ...taskdeck.Option) *taskdeck.Client {
	opts := []taskdeck.Option{
		taskdeck.WithOAuth(clientID, clientSecret, redirectURI),
		taskdeck.WithAuthEndpoints(h.Auth.URL+"/oauth/authorize", h.Auth.URL+"/oauth/token"),
		taskdeck.WithBaseURL(h.API.URL),
		taskdeck.WithMaxRetries(0),
		taskdeck.WithLogger(testLogger),
	}
	if credFile != "" {
		opts = append(opts, taskdeck.WithCredentialFile(credFile))
	}
	opts = append(opts, extra...)

	return taskdeck.NewClient(opts...)
}

// login drives the full authorization code + PKCE flow and returns the
// installed credential.
func (h *harness) login(t *testing.T, client *taskdeck.Client) *taskdeck.Credential {
	t.Helper()

	req, err := client.BuildAuthorizationURL([]string{"default"}, true, true)
	require.NoError(t, err)

	h.expectChallenge(req.CodeChallenge)

	cred, err := client.ExchangeCode(t.Context(), authCode, req.CodeVerifier)
	require.NoError(t, err)

	return cred
}

// credPath returns a per-test path for the sealed credential file.
func credPath(t *testing.T) string {
	t.Helper()

	return filepath.Join(t.TempDir(), "credentials.json")
}

// writeData wraps v in the API's data envelope.
func writeData(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"data": v})
}

// writeTokenResponse writes a token grant response. An empty refresh
// token is omitted from the body entirely.
func writeTokenResponse(w http.ResponseWriter, access, refresh string) {
	w.Header().Set("Content-Type", "application/json")

	body := map[string]any{
		"access_token": access,
		"token_type":   "bearer",
		"expires_in":   3600,
	}
	if refresh != "" {
		body["refresh_token"] = refresh
	}

	_ = json.NewEncoder(w).Encode(body)
}

// writeOAuthError writes an RFC 6749 error response.
func writeOAuthError(w http.ResponseWriter, code string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": code})
}

// pkceChallenge computes the S256 code challenge for a given verifier.
func pkceChallenge(verifier string) string {
	h := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(h[:])
}
