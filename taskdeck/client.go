package taskdeck

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"
)

// RefreshObserver runs with a snapshot of the new credential after a
// successful token refresh.
type RefreshObserver func(Credential)

// Client is the high-level Taskdeck API client. It keeps its credential
// valid, rebuilds the request executor when the access token changes, and
// fans refresh notifications out to subscribers.
type Client struct {
	manager *TokenManager
	flow    *AuthCodeFlow

	mu        sync.Mutex
	executor  *Executor
	observers map[int]RefreshObserver
	nextKey   int

	baseURL           string
	httpClient        *http.Client
	logger            *slog.Logger
	credentialFile    string
	maxRetries        int
	initialBackoff    time.Duration
	retryAfterDefault time.Duration

	// deferred option state, consumed at the end of NewClient
	oauth       *oauthConfig
	staticToken string
	initialCred *Credential
}

type oauthConfig struct {
	clientID     string
	clientSecret string
	redirectURI  string
	authURL      string
	tokenURL     string
}

// Option configures a Client.
type Option func(*Client)

// WithStaticToken authenticates with a fixed personal access token.
func WithStaticToken(token string) Option {
	return func(c *Client) {
		c.staticToken = token
	}
}

// WithOAuth configures the OAuth2 client used for logins and refreshes.
// The secret may be empty for public (PKCE-only) clients.
func WithOAuth(clientID, clientSecret, redirectURI string) Option {
	return func(c *Client) {
		if c.oauth == nil {
			c.oauth = &oauthConfig{}
		}
		c.oauth.clientID = clientID
		c.oauth.clientSecret = clientSecret
		c.oauth.redirectURI = redirectURI
	}
}

// WithAuthEndpoints overrides the authorization and token endpoints.
// Only meaningful together with WithOAuth.
func WithAuthEndpoints(authURL, tokenURL string) Option {
	return func(c *Client) {
		if c.oauth == nil {
			c.oauth = &oauthConfig{}
		}
		c.oauth.authURL = authURL
		c.oauth.tokenURL = tokenURL
	}
}

// WithCredential installs an existing credential directly, bypassing
// login and Load.
func WithCredential(cred *Credential) Option {
	return func(c *Client) {
		c.initialCred = cred.clone()
	}
}

// WithBaseURL points the client at a different API root.
func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = baseURL
	}
}

// WithHTTPClient sets the HTTP client used for API and token requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.httpClient = client
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithCredentialFile sets where Persist, Load, and Logout keep the sealed
// credential.
func WithCredentialFile(path string) Option {
	return func(c *Client) {
		c.credentialFile = path
	}
}

// WithMaxRetries bounds retries per request. Zero means a single attempt.
func WithMaxRetries(n int) Option {
	return func(c *Client) {
		c.maxRetries = n
	}
}

// WithInitialBackoff seeds the doubling backoff used between retries of
// failures other than 429.
func WithInitialBackoff(d time.Duration) Option {
	return func(c *Client) {
		c.initialBackoff = d
	}
}

// WithRetryAfterDefault sets the wait assumed for a 429 without a usable
// Retry-After header.
func WithRetryAfterDefault(d time.Duration) Option {
	return func(c *Client) {
		c.retryAfterDefault = d
	}
}

// NewClient assembles a client. Without WithStaticToken, WithCredential,
// or a later Load or ExchangeCode, calls fail with ErrNoCredential.
func NewClient(opts ...Option) *Client {
	c := &Client{
		observers:         map[int]RefreshObserver{},
		baseURL:           DefaultBaseURL,
		httpClient:        &http.Client{Timeout: defaultHTTPTimeout},
		logger:            slog.Default(),
		maxRetries:        defaultMaxRetries,
		initialBackoff:    defaultInitialBackoff,
		retryAfterDefault: defaultRetryAfter,
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.oauth != nil {
		fopts := []FlowOption{
			WithFlowHTTPClient(c.httpClient),
			WithFlowLogger(c.logger),
		}
		if c.oauth.authURL != "" || c.oauth.tokenURL != "" {
			fopts = append(fopts, WithFlowEndpoints(c.oauth.authURL, c.oauth.tokenURL))
		}
		c.flow = NewAuthCodeFlow(c.oauth.clientID, c.oauth.clientSecret, c.oauth.redirectURI, fopts...)
	}

	cred := c.initialCred
	if cred == nil && c.staticToken != "" {
		cred = NewStaticCredential(c.staticToken)
	}

	c.manager = NewTokenManager(cred, c.flow, c.logger)
	c.manager.OnRefresh(c.handleRefresh)

	return c
}

// TokenManager exposes the credential manager, mostly for callers that
// want to trigger a refresh explicitly.
func (c *Client) TokenManager() *TokenManager {
	return c.manager
}

// Credential returns a snapshot of the current credential, or nil.
func (c *Client) Credential() *Credential {
	return c.manager.Credential()
}

// Execute validates the credential and dispatches req through an executor
// bound to the current access token. The executor is rebuilt lazily
// whenever a refresh, login, or Load replaces the credential.
func (c *Client) Execute(ctx context.Context, req *Request) (*Response, error) {
	if err := c.manager.EnsureValid(ctx); err != nil {
		return nil, err
	}

	exec, err := c.currentExecutor()
	if err != nil {
		return nil, err
	}

	return exec.Execute(ctx, req)
}

// currentExecutor returns the executor for the current access token,
// building one on first use and after credential changes.
func (c *Client) currentExecutor() (*Executor, error) {
	cred := c.manager.Credential()
	if cred == nil {
		return nil, ErrNoCredential
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.executor == nil || c.executor.token != cred.AccessToken {
		c.executor = NewExecutor(cred.AccessToken,
			WithExecutorBaseURL(c.baseURL),
			WithExecutorHTTPClient(c.httpClient),
			WithExecutorRetries(c.maxRetries),
			WithExecutorBackoff(c.initialBackoff),
			WithExecutorRetryAfterDefault(c.retryAfterDefault),
			WithExecutorLogger(c.logger),
		)
	}

	return c.executor, nil
}

// handleRefresh reacts to a successful refresh: the bound executor is
// dropped so the next call rebuilds with the fresh token, then
// subscribers run in ascending key order.
func (c *Client) handleRefresh(cred Credential) {
	c.mu.Lock()
	c.executor = nil
	keys := make([]int, 0, len(c.observers))
	for k := range c.observers {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	fns := make([]RefreshObserver, 0, len(keys))
	for _, k := range keys {
		fns = append(fns, c.observers[k])
	}
	c.mu.Unlock()

	for _, fn := range fns {
		fn(cred)
	}
}

// Subscribe registers fn to run after every successful refresh and
// returns its registry key. Observers run in ascending key order.
func (c *Client) Subscribe(fn RefreshObserver) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	key := c.nextKey
	c.nextKey++
	c.observers[key] = fn

	return key
}

// SubscribeKey registers fn under an explicit key, replacing any observer
// already held there. Auto-assigned keys continue above it.
func (c *Client) SubscribeKey(key int, fn RefreshObserver) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.observers[key] = fn
	if key >= c.nextKey {
		c.nextKey = key + 1
	}
}

// Unsubscribe removes the observer under key, reporting whether one was
// registered.
func (c *Client) Unsubscribe(key int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	_, ok := c.observers[key]
	delete(c.observers, key)

	return ok
}

// BuildAuthorizationURL prepares the OAuth2 authorization redirect.
func (c *Client) BuildAuthorizationURL(scopes []string, withState, withPKCE bool) (*AuthorizationRequest, error) {
	if c.flow == nil {
		return nil, ErrOAuthNotConfigured
	}
	return c.flow.BuildAuthorizationURL(scopes, withState, withPKCE)
}

// ExchangeCode completes a login: the authorization code is exchanged and
// the resulting credential installed, replacing any previous one.
func (c *Client) ExchangeCode(ctx context.Context, code, codeVerifier string) (*Credential, error) {
	if c.flow == nil {
		return nil, ErrOAuthNotConfigured
	}

	cred, err := c.flow.ExchangeCode(ctx, code, codeVerifier)
	if err != nil {
		return nil, err
	}

	c.manager.SetCredential(cred)
	c.dropExecutor()

	c.logger.Debug("credential installed from code exchange")

	return cred.clone(), nil
}

// Persist seals the current credential with passphrase and writes it to
// the configured credential file. Holding no credential is a no-op.
func (c *Client) Persist(passphrase string) error {
	cred := c.manager.Credential()
	if cred == nil {
		return nil
	}

	if c.credentialFile == "" {
		return fmt.Errorf("no credential file configured")
	}

	vault, err := NewVault(passphrase)
	if err != nil {
		return fmt.Errorf("preparing vault: %w", err)
	}

	var rec credentialRecord

	rec.AccessToken, err = vault.Encrypt(cred.AccessToken)
	if err != nil {
		return fmt.Errorf("sealing access token: %w", err)
	}

	if cred.RefreshToken != "" {
		rec.RefreshToken, err = vault.Encrypt(cred.RefreshToken)
		if err != nil {
			return fmt.Errorf("sealing refresh token: %w", err)
		}
	}

	if !cred.ExpiresAt.IsZero() {
		t := cred.ExpiresAt
		rec.Expires = &t
	}

	if err := writeCredentialRecord(c.credentialFile, &rec); err != nil {
		return err
	}

	c.logger.Debug("credential persisted", slog.String("path", c.credentialFile))

	return nil
}

// Load reads the credential file and installs the unsealed credential,
// reporting whether it succeeded. A missing file, unreadable record, or
// wrong passphrase is an expected state, not an error.
func (c *Client) Load(passphrase string) bool {
	if c.credentialFile == "" {
		return false
	}

	rec, err := readCredentialRecord(c.credentialFile)
	if err != nil {
		c.logger.Debug("credential file unavailable",
			slog.String("path", c.credentialFile),
			slog.String("error", err.Error()),
		)
		return false
	}

	vault, err := NewVault(passphrase)
	if err != nil {
		c.logger.Warn("vault derivation failed", slog.String("error", err.Error()))
		return false
	}

	access, err := vault.Decrypt(rec.AccessToken)
	if err != nil {
		c.logger.Warn("credential file rejected",
			slog.String("path", c.credentialFile),
			slog.String("error", err.Error()),
		)
		return false
	}

	var refresh string
	if rec.RefreshToken != "" {
		refresh, err = vault.Decrypt(rec.RefreshToken)
		if err != nil {
			c.logger.Warn("credential file rejected",
				slog.String("path", c.credentialFile),
				slog.String("error", err.Error()),
			)
			return false
		}
	}

	var expires time.Time
	if rec.Expires != nil {
		expires = *rec.Expires
	}

	c.manager.SetCredential(NewOAuthCredential(access, refresh, expires))
	c.dropExecutor()

	c.logger.Debug("credential loaded", slog.String("path", c.credentialFile))

	return true
}

// Logout clears the in-memory credential and deletes the credential file.
// Logging out twice is fine.
func (c *Client) Logout() error {
	c.manager.SetCredential(nil)
	c.dropExecutor()

	if c.credentialFile == "" {
		return nil
	}

	if err := os.Remove(c.credentialFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing credential file: %w", err)
	}

	return nil
}

func (c *Client) dropExecutor() {
	c.mu.Lock()
	c.executor = nil
	c.mu.Unlock()
}
