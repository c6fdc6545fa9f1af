package credentials

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

func newAlwaysLimiter() *rate.Limiter {
	return rate.NewLimiter(rate.Inf, 1)
}

func newTestManager(t *testing.T, clock clockwork.Clock, rec Record) *Manager {
	t.Helper()
	store := newTestStore(t)
	if !rec.Empty() {
		require.NoError(t, store.Save(context.Background(), rec))
	}
	m, err := NewManager(store, "test_client", "test_secret", "http://localhost/auth/callback", clock)
	require.NoError(t, err)
	// Introspection is exercised explicitly where a test wants it.
	m.validateLimiter = nil
	return m
}

func tokenServer(t *testing.T, calls *atomic.Int32, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls != nil {
			calls.Add(1)
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeTokenResponse(w http.ResponseWriter, access, refresh string, expiresIn int) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  access,
		"refresh_token": refresh,
		"expires_in":    expiresIn,
	})
}

func TestAuthorizationURL(t *testing.T) {
	m := newTestManager(t, clockwork.NewFakeClock(), Record{})

	raw := m.AuthorizationURL("anti-replay")
	u, err := url.Parse(raw)
	require.NoError(t, err)

	q := u.Query()
	assert.Equal(t, "test_client", q.Get("client_id"))
	assert.Equal(t, "http://localhost/auth/callback", q.Get("redirect_uri"))
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "anti-replay", q.Get("state"))
	assert.Contains(t, q.Get("scope"), "user:read:chat")
	assert.Contains(t, q.Get("scope"), "channel:read:redemptions")
}

func TestExchangeCode_Success(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock, Record{})

	srv := tokenServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "authorization_code", r.FormValue("grant_type"))
		assert.Equal(t, "one-time-code", r.FormValue("code"))
		writeTokenResponse(w, "access_1", "refresh_1", 3600)
	})
	m.tokenURL = srv.URL

	require.NoError(t, m.ExchangeCode(context.Background(), "one-time-code"))

	token, err := m.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access_1", token)

	// Durably mirrored.
	persisted, err := m.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access_1", persisted.AccessToken)
	assert.Equal(t, clock.Now().Add(3600*time.Second).Unix(), persisted.ExpiresAt.Unix())
}

func TestExchangeCode_FailureClearsRecord(t *testing.T) {
	clock := clockwork.NewFakeClock()
	old := Record{AccessToken: "old", RefreshToken: "old_refresh", ExpiresAt: clock.Now().Add(time.Hour)}
	m := newTestManager(t, clock, old)

	srv := tokenServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	})
	m.tokenURL = srv.URL

	require.Error(t, m.ExchangeCode(context.Background(), "bad-code"))

	// Fail-closed: old record is gone, not kept.
	_, err := m.ValidToken(context.Background())
	assert.ErrorIs(t, err, ErrNoCredential)

	persisted, err := m.store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, persisted.Empty())
}

func TestValidToken_NoRecord(t *testing.T) {
	m := newTestManager(t, clockwork.NewFakeClock(), Record{})

	_, err := m.ValidToken(context.Background())
	assert.ErrorIs(t, err, ErrNoCredential)
}

func TestValidToken_FreshTokenReturnedDirectly(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock, Record{
		AccessToken:  "fresh",
		RefreshToken: "refresh",
		ExpiresAt:    clock.Now().Add(time.Hour),
	})

	token, err := m.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fresh", token)
}

func TestValidToken_ExpiredTriggersExactlyOneRefresh(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock, Record{
		AccessToken:  "stale",
		RefreshToken: "refresh_1",
		ExpiresAt:    clock.Now().Add(-10 * time.Second),
	})

	var calls atomic.Int32
	srv := tokenServer(t, &calls, func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.FormValue("grant_type"))
		assert.Equal(t, "refresh_1", r.FormValue("refresh_token"))
		writeTokenResponse(w, "access_2", "refresh_2", 7200)
	})
	m.tokenURL = srv.URL

	token, err := m.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access_2", token)
	assert.Equal(t, int32(1), calls.Load())
}

func TestValidToken_WithinSafetyMarginTriggersRefresh(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock, Record{
		AccessToken:  "nearly_expired",
		RefreshToken: "refresh_1",
		ExpiresAt:    clock.Now().Add(200 * time.Second), // inside the 300s margin
	})

	srv := tokenServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		writeTokenResponse(w, "access_2", "refresh_2", 7200)
	})
	m.tokenURL = srv.URL

	token, err := m.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access_2", token)
}

func TestValidToken_RefreshRevokedClearsRecord(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock, Record{
		AccessToken:  "stale",
		RefreshToken: "refresh_1",
		ExpiresAt:    clock.Now().Add(-time.Minute),
	})

	srv := tokenServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"unauthorized"}`))
	})
	m.tokenURL = srv.URL

	_, err := m.ValidToken(context.Background())
	assert.ErrorIs(t, err, ErrNoCredential)

	persisted, err := m.store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, persisted.Empty())
}

func TestValidToken_RefreshTransientKeepsRecord(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock, Record{
		AccessToken:  "stale",
		RefreshToken: "refresh_1",
		ExpiresAt:    clock.Now().Add(-time.Minute),
	})

	srv := tokenServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})
	m.tokenURL = srv.URL

	_, err := m.ValidToken(context.Background())
	assert.ErrorIs(t, err, ErrNoCredential)

	// A 5xx is not a revocation; the refresh token survives for a later retry.
	persisted, err := m.store.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refresh_1", persisted.RefreshToken)
}

func TestRefresh_NoRefreshTokenClearsRecord(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock, Record{
		AccessToken: "orphan",
		ExpiresAt:   clock.Now().Add(-time.Minute),
	})

	err := m.Refresh(context.Background())
	require.Error(t, err)

	var refreshErr *RefreshError
	require.ErrorAs(t, err, &refreshErr)
	assert.True(t, refreshErr.Revoked)

	persisted, err := m.store.Load(context.Background())
	require.NoError(t, err)
	assert.True(t, persisted.Empty())
}

func TestValidToken_NeverReturnsTokenInsideMargin(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock, Record{
		AccessToken:  "edge",
		RefreshToken: "refresh_1",
		ExpiresAt:    clock.Now().Add(expirySafetyMargin), // exactly on the edge
	})

	srv := tokenServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		writeTokenResponse(w, "refreshed", "refresh_2", 7200)
	})
	m.tokenURL = srv.URL

	token, err := m.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "refreshed", token, "a token exactly on the margin must be refreshed, not returned")
}

func TestValidToken_IntrospectionInvalidTriggersRefresh(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock, Record{
		AccessToken:  "revoked_out_of_band",
		RefreshToken: "refresh_1",
		ExpiresAt:    clock.Now().Add(time.Hour),
	})

	validate := tokenServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "OAuth revoked_out_of_band", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusUnauthorized)
	})
	refresh := tokenServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		writeTokenResponse(w, "access_2", "refresh_2", 7200)
	})
	m.validateURL = validate.URL
	m.tokenURL = refresh.URL
	m.validateLimiter = newAlwaysLimiter()

	token, err := m.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "access_2", token)
}

func TestValidToken_IntrospectionErrorKeepsToken(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock, Record{
		AccessToken:  "fine",
		RefreshToken: "refresh_1",
		ExpiresAt:    clock.Now().Add(time.Hour),
	})

	validate := tokenServer(t, nil, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	m.validateURL = validate.URL
	m.validateLimiter = newAlwaysLimiter()

	token, err := m.ValidToken(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "fine", token)
}

func TestClear(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := newTestManager(t, clock, Record{AccessToken: "access", RefreshToken: "refresh", ExpiresAt: clock.Now().Add(time.Hour)})

	require.NoError(t, m.Clear(context.Background()))

	_, err := m.ValidToken(context.Background())
	assert.ErrorIs(t, err, ErrNoCredential)
}
