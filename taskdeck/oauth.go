package taskdeck

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultAuthURL is the Taskdeck authorization endpoint.
	DefaultAuthURL = "https://auth.taskdeck.com/oauth/authorize"

	// DefaultTokenURL is the Taskdeck token endpoint.
	DefaultTokenURL = "https://auth.taskdeck.com/oauth/token"
)

// AuthorizationRequest is a prepared authorization redirect. The flow is
// stateless between calls, so the caller must hold on to State and
// CodeVerifier until the callback comes back.
type AuthorizationRequest struct {
	URL           string
	State         string
	CodeVerifier  string
	CodeChallenge string
}

// AuthCodeFlow drives the OAuth2 authorization code flow against the
// Taskdeck authorization server.
type AuthCodeFlow struct {
	clientID     string
	clientSecret string
	redirectURI  string
	authURL      string
	tokenURL     string
	httpClient   *http.Client
	logger       *slog.Logger
}

// FlowOption configures an AuthCodeFlow.
type FlowOption func(*AuthCodeFlow)

// WithFlowHTTPClient sets the HTTP client used for token requests.
func WithFlowHTTPClient(client *http.Client) FlowOption {
	return func(f *AuthCodeFlow) {
		f.httpClient = client
	}
}

// WithFlowEndpoints overrides the authorization and token endpoints.
func WithFlowEndpoints(authURL, tokenURL string) FlowOption {
	return func(f *AuthCodeFlow) {
		f.authURL = authURL
		f.tokenURL = tokenURL
	}
}

// WithFlowLogger sets the logger for token requests.
func WithFlowLogger(logger *slog.Logger) FlowOption {
	return func(f *AuthCodeFlow) {
		f.logger = logger
	}
}

// NewAuthCodeFlow creates a flow for the given OAuth2 client. The secret
// may be empty for public (PKCE-only) clients.
func NewAuthCodeFlow(clientID, clientSecret, redirectURI string, opts ...FlowOption) *AuthCodeFlow {
	f := &AuthCodeFlow{
		clientID:     clientID,
		clientSecret: clientSecret,
		redirectURI:  redirectURI,
		authURL:      DefaultAuthURL,
		tokenURL:     DefaultTokenURL,
		httpClient:   &http.Client{Timeout: defaultHTTPTimeout},
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// BuildAuthorizationURL assembles the authorization redirect for the
// given scopes. When withState is set, a random state parameter is
// generated for CSRF protection. When withPKCE is set, a fresh
// verifier/challenge pair is generated and the challenge attached with
// method S256; the verifier travels back to ExchangeCode, never to the
// authorization server.
func (f *AuthCodeFlow) BuildAuthorizationURL(scopes []string, withState, withPKCE bool) (*AuthorizationRequest, error) {
	u, err := url.Parse(f.authURL)
	if err != nil {
		return nil, fmt.Errorf("parsing authorization endpoint: %w", err)
	}

	q := url.Values{}
	q.Set("response_type", "code")
	q.Set("client_id", f.clientID)
	q.Set("redirect_uri", f.redirectURI)
	q.Set("scope", strings.Join(scopes, " "))

	req := &AuthorizationRequest{}

	if withState {
		state, err := GenerateState()
		if err != nil {
			return nil, err
		}
		req.State = state
		q.Set("state", state)
	}

	if withPKCE {
		pkce, err := GeneratePKCE()
		if err != nil {
			return nil, err
		}
		req.CodeVerifier = pkce.Verifier
		req.CodeChallenge = pkce.Challenge
		q.Set("code_challenge", pkce.Challenge)
		q.Set("code_challenge_method", pkce.Method)
	}

	u.RawQuery = q.Encode()
	req.URL = u.String()

	return req, nil
}

// ExchangeCode trades an authorization code for a credential. Failures
// wrap ErrCallbackFailure and carry a partially redacted code so log
// lines can be correlated without leaking a replayable value.
func (f *AuthCodeFlow) ExchangeCode(ctx context.Context, code, codeVerifier string) (*Credential, error) {
	form := url.Values{}
	form.Set("grant_type", "authorization_code")
	form.Set("code", code)
	form.Set("redirect_uri", f.redirectURI)
	form.Set("client_id", f.clientID)
	if f.clientSecret != "" {
		form.Set("client_secret", f.clientSecret)
	}
	if codeVerifier != "" {
		form.Set("code_verifier", codeVerifier)
	}

	tok, err := f.postToken(ctx, form)
	if err != nil {
		return nil, fmt.Errorf("%w: code %s (verifier supplied: %t): %w",
			ErrCallbackFailure, redactCode(code), codeVerifier != "", err)
	}

	return NewOAuthCredential(tok.AccessToken, tok.RefreshToken, tok.expiry()), nil
}

// RefreshGrant trades a refresh token for a fresh token response.
func (f *AuthCodeFlow) RefreshGrant(ctx context.Context, refreshToken string) (*tokenResponse, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("refresh_token", refreshToken)
	form.Set("client_id", f.clientID)
	if f.clientSecret != "" {
		form.Set("client_secret", f.clientSecret)
	}

	return f.postToken(ctx, form)
}

// tokenResponse is the token endpoint's wire shape for both grants.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
	TokenType    string `json:"token_type"`
}

// expiry converts expires_in to an absolute time. The zero time means the
// grant did not state an expiry.
func (t *tokenResponse) expiry() time.Time {
	if t.ExpiresIn <= 0 {
		return time.Time{}
	}
	return time.Now().Add(time.Duration(t.ExpiresIn) * time.Second)
}

// postToken sends a form-encoded grant to the token endpoint.
func (f *AuthCodeFlow) postToken(ctx context.Context, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	f.logger.Debug("token endpoint request", slog.String("grant_type", form.Get("grant_type")))

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("posting token request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tok tokenResponse
	if err := json.Unmarshal(body, &tok); err != nil {
		return nil, fmt.Errorf("decoding token response: %w", err)
	}

	if tok.AccessToken == "" {
		return nil, fmt.Errorf("token endpoint returned no access token")
	}

	return &tok, nil
}

// redactCode keeps just enough of an authorization code to correlate log
// lines. Short codes are masked entirely.
func redactCode(code string) string {
	if len(code) <= 8 {
		return "***"
	}
	return code[:3] + "..." + code[len(code)-3:]
}
