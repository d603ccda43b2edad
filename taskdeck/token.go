package taskdeck

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/sync/singleflight"
)

// CredentialKind discriminates the two credential shapes a client can hold.
type CredentialKind int

const (
	// CredentialStatic is a fixed personal access token. It never expires
	// and is never refreshed.
	CredentialStatic CredentialKind = iota

	// CredentialOAuth was obtained through the authorization code flow. It
	// may expire and may carry a refresh token.
	CredentialOAuth
)

func (k CredentialKind) String() string {
	switch k {
	case CredentialStatic:
		return "static"
	case CredentialOAuth:
		return "oauth"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Credential is an access credential held by the client. A nil
// *Credential means none is configured.
type Credential struct {
	Kind         CredentialKind
	AccessToken  string
	RefreshToken string

	// ExpiresAt is the access token expiry. The zero time means the token
	// never expires.
	ExpiresAt time.Time
}

// NewStaticCredential returns a credential for a fixed personal access
// token.
func NewStaticCredential(token string) *Credential {
	return &Credential{Kind: CredentialStatic, AccessToken: token}
}

// NewOAuthCredential returns a credential from an OAuth2 grant. A zero
// expiresAt means the token never expires; an empty refresh token means
// the credential cannot be refreshed.
func NewOAuthCredential(access, refresh string, expiresAt time.Time) *Credential {
	return &Credential{
		Kind:         CredentialOAuth,
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    expiresAt,
	}
}

// Expired reports whether the access token is past its expiry. Static
// credentials and credentials without a recorded expiry never expire.
func (c *Credential) Expired() bool {
	if c == nil || c.Kind == CredentialStatic || c.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().After(c.ExpiresAt)
}

// ToOAuth2Token converts the credential for use with golang.org/x/oauth2
// transports.
func (c *Credential) ToOAuth2Token() *oauth2.Token {
	if c == nil {
		return nil
	}
	return &oauth2.Token{
		AccessToken:  c.AccessToken,
		RefreshToken: c.RefreshToken,
		Expiry:       c.ExpiresAt,
		TokenType:    "Bearer",
	}
}

// clone returns a copy so callers can hold a snapshot without racing a
// concurrent refresh.
func (c *Credential) clone() *Credential {
	if c == nil {
		return nil
	}
	cp := *c
	return &cp
}

// TokenManager owns the client's credential and keeps it presentable.
// Refreshes are deduplicated: concurrent callers share a single in-flight
// token request and all observe its outcome.
type TokenManager struct {
	mu         sync.Mutex
	credential *Credential
	flow       *AuthCodeFlow // nil when no authorization server is configured
	group      singleflight.Group
	onRefresh  func(Credential)
	logger     *slog.Logger
}

// NewTokenManager creates a manager holding cred (which may be nil). flow
// may be nil for static-token-only clients; refreshing then fails with
// ErrOAuthNotConfigured.
func NewTokenManager(cred *Credential, flow *AuthCodeFlow, logger *slog.Logger) *TokenManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &TokenManager{
		credential: cred.clone(),
		flow:       flow,
		logger:     logger,
	}
}

// Credential returns a snapshot of the current credential, or nil when
// none is held.
func (m *TokenManager) Credential() *Credential {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.credential.clone()
}

// SetCredential installs cred as the current credential, replacing any
// existing one. A nil cred clears the manager.
func (m *TokenManager) SetCredential(cred *Credential) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.credential = cred.clone()
}

// OnRefresh registers fn to run with a snapshot of the new credential
// after every successful refresh. The manager holds a single hook; fan
// out to multiple observers belongs to the caller.
func (m *TokenManager) OnRefresh(fn func(Credential)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onRefresh = fn
}

// EnsureValid guarantees the held credential can be presented to the API.
// Static credentials and unexpiring OAuth credentials pass immediately;
// an expired OAuth credential triggers a synchronous refresh. A refresh
// failure surfaces as ErrTokenInvalid wrapping the cause.
func (m *TokenManager) EnsureValid(ctx context.Context) error {
	m.mu.Lock()
	cred := m.credential
	m.mu.Unlock()

	if cred == nil {
		return ErrNoCredential
	}

	if !cred.Expired() {
		return nil
	}

	if _, err := m.Refresh(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	return nil
}

// Refresh exchanges the refresh token for a new access token and returns
// a snapshot of the installed credential. It fails with
// ErrOAuthNotConfigured when there is no authorization server, no OAuth
// credential, or no refresh token to present.
func (m *TokenManager) Refresh(ctx context.Context) (*Credential, error) {
	v, err, _ := m.group.Do("refresh", func() (any, error) {
		return m.refresh(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Credential).clone(), nil
}

func (m *TokenManager) refresh(ctx context.Context) (*Credential, error) {
	m.mu.Lock()
	cred := m.credential.clone()
	flow := m.flow
	m.mu.Unlock()

	if flow == nil || cred == nil || cred.Kind != CredentialOAuth || cred.RefreshToken == "" {
		return nil, ErrOAuthNotConfigured
	}

	m.logger.Debug("refreshing access token")

	tok, err := flow.RefreshGrant(ctx, cred.RefreshToken)
	if err != nil {
		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	next := NewOAuthCredential(tok.AccessToken, tok.RefreshToken, tok.expiry())
	// The grant may omit the refresh token. The original stays valid and
	// must be kept for the next refresh.
	if next.RefreshToken == "" {
		next.RefreshToken = cred.RefreshToken
	}

	m.mu.Lock()
	m.credential = next
	hook := m.onRefresh
	m.mu.Unlock()

	if hook != nil {
		hook(*next)
	}

	m.logger.Debug("access token refreshed", slog.Time("expires_at", next.ExpiresAt))

	return next, nil
}
