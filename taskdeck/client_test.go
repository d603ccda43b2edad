package taskdeck

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- execute ---

func TestClient_ExecuteWithoutCredential(t *testing.T) {
	c := NewClient()

	_, err := c.Execute(context.Background(), &Request{Path: "me"})
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestClient_StaticToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer pat-123", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"data":{"gid":"me-1"}}`)
	}))
	defer srv.Close()

	c := NewClient(
		WithStaticToken("pat-123"),
		WithBaseURL(srv.URL),
		WithHTTPClient(srv.Client()),
		WithMaxRetries(0),
	)

	resp, err := c.Execute(context.Background(), &Request{Path: "me"})
	require.NoError(t, err)
	assert.Equal(t, "me-1", resp.Get("gid").String())
}

func TestClient_RefreshRebuildsExecutor(t *testing.T) {
	var authCalls atomic.Int32
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		authCalls.Add(1)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.Form.Get("grant_type"))
		assert.Equal(t, "old-refresh", r.Form.Get("refresh_token"))

		// No refresh_token in the grant: the old one must survive.
		fmt.Fprint(w, `{"access_token":"new-token","expires_in":3600}`)
	}))
	defer auth.Close()

	api := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer new-token", r.Header.Get("Authorization"))
		fmt.Fprint(w, `{"data":{}}`)
	}))
	defer api.Close()

	c := NewClient(
		WithCredential(NewOAuthCredential("old-token", "old-refresh", time.Now().Add(-time.Hour))),
		WithOAuth("cid", "", "http://localhost/callback"),
		WithAuthEndpoints(auth.URL+"/authorize", auth.URL+"/token"),
		WithBaseURL(api.URL),
		WithHTTPClient(api.Client()),
		WithMaxRetries(0),
	)

	_, err := c.Execute(context.Background(), &Request{Path: "me"})
	require.NoError(t, err)

	assert.Equal(t, int32(1), authCalls.Load())

	cred := c.Credential()
	require.NotNil(t, cred)
	assert.Equal(t, "new-token", cred.AccessToken)
	assert.Equal(t, "old-refresh", cred.RefreshToken)
}

// --- observers ---

func TestClient_ObserversOrderedAndKeyed(t *testing.T) {
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"fresh","expires_in":3600}`)
	}))
	defer auth.Close()

	c := NewClient(
		WithCredential(NewOAuthCredential("stale", "refresh-1", time.Now().Add(-time.Minute))),
		WithOAuth("cid", "", "http://localhost/callback"),
		WithAuthEndpoints(auth.URL+"/authorize", auth.URL+"/token"),
		WithHTTPClient(auth.Client()),
	)

	var order []int
	record := func(key int) RefreshObserver {
		return func(Credential) { order = append(order, key) }
	}

	assert.Equal(t, 0, c.Subscribe(record(0)))
	assert.Equal(t, 1, c.Subscribe(record(1)))
	c.SubscribeKey(5, record(5))
	assert.Equal(t, 6, c.Subscribe(record(6)), "auto keys continue above explicit ones")

	assert.True(t, c.Unsubscribe(1))
	assert.False(t, c.Unsubscribe(1), "second removal reports nothing registered")

	_, err := c.TokenManager().Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, []int{0, 5, 6}, order)
}

func TestClient_SubscribeKeyReplaces(t *testing.T) {
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"access_token":"fresh","expires_in":3600}`)
	}))
	defer auth.Close()

	c := NewClient(
		WithCredential(NewOAuthCredential("stale", "refresh-1", time.Time{})),
		WithOAuth("cid", "", "http://localhost/callback"),
		WithAuthEndpoints(auth.URL+"/authorize", auth.URL+"/token"),
		WithHTTPClient(auth.Client()),
	)

	var got string
	c.SubscribeKey(3, func(Credential) { got = "first" })
	c.SubscribeKey(3, func(Credential) { got = "second" })

	_, err := c.TokenManager().Refresh(context.Background())
	require.NoError(t, err)

	assert.Equal(t, "second", got)
}

// --- login ---

func TestClient_BuildAuthorizationURL(t *testing.T) {
	c := NewClient(WithOAuth("cid", "sec", "http://localhost/callback"))

	authReq, err := c.BuildAuthorizationURL([]string{"tasks:read"}, true, true)
	require.NoError(t, err)
	assert.Contains(t, authReq.URL, "client_id=cid")
	assert.NotEmpty(t, authReq.State)
	assert.NotEmpty(t, authReq.CodeVerifier)
}

func TestClient_BuildAuthorizationURLWithoutOAuth(t *testing.T) {
	c := NewClient(WithStaticToken("pat"))

	_, err := c.BuildAuthorizationURL(nil, false, false)
	assert.ErrorIs(t, err, ErrOAuthNotConfigured)
}

func TestClient_ExchangeCodeInstallsCredential(t *testing.T) {
	auth := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.Form.Get("grant_type"))
		assert.Equal(t, "the-code", r.Form.Get("code"))

		fmt.Fprint(w, `{"access_token":"tok","refresh_token":"ref","expires_in":3600}`)
	}))
	defer auth.Close()

	c := NewClient(
		WithOAuth("cid", "sec", "http://localhost/callback"),
		WithAuthEndpoints(auth.URL+"/authorize", auth.URL+"/token"),
		WithHTTPClient(auth.Client()),
	)

	cred, err := c.ExchangeCode(context.Background(), "the-code", "")
	require.NoError(t, err)
	assert.Equal(t, "tok", cred.AccessToken)

	held := c.Credential()
	require.NotNil(t, held)
	assert.Equal(t, "tok", held.AccessToken)
	assert.Equal(t, "ref", held.RefreshToken)
}

func TestClient_ExchangeCodeWithoutOAuth(t *testing.T) {
	c := NewClient()

	_, err := c.ExchangeCode(context.Background(), "code", "")
	assert.ErrorIs(t, err, ErrOAuthNotConfigured)
}

// --- persist / load / logout ---

func TestClient_PersistLoadLogout(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	c := NewClient(
		WithCredential(NewOAuthCredential("access-A", "refresh-R", expires)),
		WithCredentialFile(path),
	)

	require.NoError(t, c.Persist("hunter2"))

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var onDisk map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Contains(t, onDisk, "access_token")
	assert.Contains(t, onDisk, "refresh_token")
	assert.Contains(t, onDisk, "expires")
	assert.NotContains(t, string(raw), "access-A", "tokens are sealed on disk")
	assert.NotContains(t, string(raw), "refresh-R")

	// A fresh client unseals the same credential.
	c2 := NewClient(WithCredentialFile(path))
	require.True(t, c2.Load("hunter2"))

	cred := c2.Credential()
	require.NotNil(t, cred)
	assert.Equal(t, "access-A", cred.AccessToken)
	assert.Equal(t, "refresh-R", cred.RefreshToken)
	assert.True(t, expires.Equal(cred.ExpiresAt))

	// Wrong passphrase is an expected miss, not a panic or error.
	c3 := NewClient(WithCredentialFile(path))
	assert.False(t, c3.Load("wrong"))
	assert.Nil(t, c3.Credential())

	require.NoError(t, c2.Logout())
	assert.Nil(t, c2.Credential())
	assert.NoFileExists(t, path)

	require.NoError(t, c2.Logout(), "logging out twice is fine")
}

func TestClient_PersistWithoutCredentialIsNoop(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")

	c := NewClient(WithCredentialFile(path))

	require.NoError(t, c.Persist("pw"))
	assert.NoFileExists(t, path)
}

func TestClient_PersistWithoutFileConfigured(t *testing.T) {
	c := NewClient(WithStaticToken("pat"))

	assert.Error(t, c.Persist("pw"))
}

func TestClient_PersistStaticCredential(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")

	c := NewClient(WithStaticToken("pat-9"), WithCredentialFile(path))
	require.NoError(t, c.Persist("pw"))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)

	var onDisk map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, "null", string(onDisk["expires"]), "static tokens never expire")

	c2 := NewClient(WithCredentialFile(path))
	require.True(t, c2.Load("pw"))

	cred := c2.Credential()
	require.NotNil(t, cred)
	assert.Equal(t, "pat-9", cred.AccessToken)
	assert.False(t, cred.Expired())
	assert.True(t, cred.ExpiresAt.IsZero())
}

func TestClient_LoadMissingFile(t *testing.T) {
	c := NewClient(WithCredentialFile(filepath.Join(t.TempDir(), "nope.json")))

	assert.False(t, c.Load("pw"))
}

func TestClient_LoadMalformedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "credentials.json")
	require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))

	c := NewClient(WithCredentialFile(path))
	assert.False(t, c.Load("pw"))
}

func TestClient_LoadWithoutFileConfigured(t *testing.T) {
	c := NewClient()

	assert.False(t, c.Load("pw"))
}
