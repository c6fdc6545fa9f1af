package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/joshgarza/ratrace/internal/metrics"
)

const (
	// expirySafetyMargin is how close to expiry a token may get before it is
	// refreshed. ValidToken never hands out a token inside this margin.
	expirySafetyMargin = 300 * time.Second

	// validateInterval bounds how often the out-of-band introspection check
	// runs. Twitch asks apps to validate roughly hourly.
	validateInterval = time.Hour

	tokenTimeout = 10 * time.Second
)

// Scopes requested during authorization. channel:manage:redemptions is needed
// to pause the betting reward on shutdown.
var scopes = []string{
	"user:read:chat",
	"channel:read:redemptions",
	"channel:manage:redemptions",
}

// ErrNoCredential is returned when no usable credential is held. Callers must
// translate this into a re-authorization prompt.
var ErrNoCredential = errors.New("no valid credential available")

// RefreshError distinguishes a revoked credential (terminal, record cleared)
// from a transient transport or server failure (record kept).
type RefreshError struct {
	Revoked bool
	Err     error
}

func (e *RefreshError) Error() string {
	if e.Revoked {
		return fmt.Sprintf("token revoked: %v", e.Err)
	}
	return fmt.Sprintf("token refresh failed: %v", e.Err)
}

func (e *RefreshError) Unwrap() error {
	return e.Err
}

// Manager owns the credential record. It is the single entry point through
// which collaborators obtain a token, so no caller duplicates expiry logic.
type Manager struct {
	store        *Store
	clientID     string
	clientSecret string
	redirectURI  string

	authorizeURL string
	tokenURL     string
	validateURL  string

	httpClient      *http.Client
	clock           clockwork.Clock
	validateLimiter *rate.Limiter
	group           singleflight.Group

	mu  sync.Mutex
	rec Record
}

// NewManager constructs a Manager and loads any persisted record so a restart
// resumes without re-authorization.
func NewManager(store *Store, clientID, clientSecret, redirectURI string, clock clockwork.Clock) (*Manager, error) {
	m := &Manager{
		store:           store,
		clientID:        clientID,
		clientSecret:    clientSecret,
		redirectURI:     redirectURI,
		authorizeURL:    "https://id.twitch.tv/oauth2/authorize",
		tokenURL:        "https://id.twitch.tv/oauth2/token",
		validateURL:     "https://id.twitch.tv/oauth2/validate",
		httpClient:      &http.Client{Timeout: tokenTimeout},
		clock:           clock,
		validateLimiter: rate.NewLimiter(rate.Every(validateInterval), 1),
	}

	ctx, cancel := context.WithTimeout(context.Background(), tokenTimeout)
	defer cancel()

	rec, err := store.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load credential record: %w", err)
	}
	m.rec = rec

	return m, nil
}

// AuthorizationURL builds the delegated-authorization redirect URL. The state
// parameter is the caller's anti-replay token.
func (m *Manager) AuthorizationURL(state string) string {
	q := url.Values{}
	q.Set("client_id", m.clientID)
	q.Set("redirect_uri", m.redirectURI)
	q.Set("response_type", "code")
	q.Set("scope", strings.Join(scopes, " "))
	q.Set("state", state)
	return m.authorizeURL + "?" + q.Encode()
}

// ExchangeCode exchanges a one-time authorization code for a token pair and
// persists it, replacing any previous record whole. Fail-closed: any failure
// clears the record so it is never left partially updated.
func (m *Manager) ExchangeCode(ctx context.Context, code string) error {
	data := url.Values{}
	data.Set("client_id", m.clientID)
	data.Set("client_secret", m.clientSecret)
	data.Set("code", code)
	data.Set("grant_type", "authorization_code")
	data.Set("redirect_uri", m.redirectURI)

	access, refresh, expiresIn, err := m.tokenRequest(ctx, data)
	if err != nil {
		if clearErr := m.Clear(ctx); clearErr != nil {
			slog.Error("Failed to clear credential record after exchange failure", "error", clearErr)
		}
		return fmt.Errorf("code exchange failed: %w", err)
	}

	rec := Record{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    m.clock.Now().Add(time.Duration(expiresIn) * time.Second),
	}
	if err := m.setRecord(ctx, rec); err != nil {
		if clearErr := m.Clear(ctx); clearErr != nil {
			slog.Error("Failed to clear credential record after persist failure", "error", clearErr)
		}
		return err
	}

	slog.Info("Authorization code exchanged", "expires_at", rec.ExpiresAt)
	return nil
}

// ValidToken returns a currently-valid access token, refreshing it first if it
// is within the safety margin of expiry. It returns ErrNoCredential when no
// usable token is held; the caller must prompt for re-authorization.
//
// Concurrent callers needing a refresh share a single refresh call.
func (m *Manager) ValidToken(ctx context.Context) (string, error) {
	m.mu.Lock()
	rec := m.rec
	m.mu.Unlock()

	if rec.Empty() {
		return "", ErrNoCredential
	}

	if !m.clock.Now().Add(expirySafetyMargin).Before(rec.ExpiresAt) {
		return m.sharedRefresh(ctx)
	}

	// Bounded-frequency introspection to catch out-of-band revocation.
	if m.validateLimiter != nil && m.validateLimiter.Allow() {
		valid, err := m.introspect(ctx, rec.AccessToken)
		switch {
		case err != nil:
			// Introspection is advisory; a failed check never invalidates
			// an otherwise-valid token.
			metrics.TokenValidationsTotal.WithLabelValues("error").Inc()
			slog.Warn("Token introspection failed", "error", err)
		case !valid:
			metrics.TokenValidationsTotal.WithLabelValues("invalid").Inc()
			slog.Warn("Token reported invalid by introspection, attempting refresh")
			return m.sharedRefresh(ctx)
		default:
			metrics.TokenValidationsTotal.WithLabelValues("valid").Inc()
		}
	}

	return rec.AccessToken, nil
}

func (m *Manager) sharedRefresh(ctx context.Context) (string, error) {
	v, err, _ := m.group.Do("refresh", func() (any, error) {
		if err := m.Refresh(ctx); err != nil {
			return "", err
		}
		m.mu.Lock()
		token := m.rec.AccessToken
		m.mu.Unlock()
		return token, nil
	})
	if err != nil {
		slog.Error("Credential refresh failed", "error", err)
		return "", ErrNoCredential
	}
	return v.(string), nil
}

// Refresh exchanges the stored refresh token for a new token pair. A missing
// refresh token or an upstream rejection is terminal: the record is cleared
// and re-authorization is required. Transport and server errors keep the
// record so a later call can retry.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	refreshToken := m.rec.RefreshToken
	m.mu.Unlock()

	if refreshToken == "" {
		metrics.TokenRefreshesTotal.WithLabelValues("revoked").Inc()
		if err := m.Clear(ctx); err != nil {
			slog.Error("Failed to clear credential record", "error", err)
		}
		return &RefreshError{Revoked: true, Err: errors.New("no refresh token held")}
	}

	data := url.Values{}
	data.Set("client_id", m.clientID)
	data.Set("client_secret", m.clientSecret)
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)

	access, refresh, expiresIn, err := m.tokenRequest(ctx, data)
	if err != nil {
		var refreshErr *RefreshError
		if errors.As(err, &refreshErr) && refreshErr.Revoked {
			metrics.TokenRefreshesTotal.WithLabelValues("revoked").Inc()
			if clearErr := m.Clear(ctx); clearErr != nil {
				slog.Error("Failed to clear credential record", "error", clearErr)
			}
			return err
		}
		metrics.TokenRefreshesTotal.WithLabelValues("transient").Inc()
		return err
	}

	rec := Record{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresAt:    m.clock.Now().Add(time.Duration(expiresIn) * time.Second),
	}
	if err := m.setRecord(ctx, rec); err != nil {
		return err
	}

	metrics.TokenRefreshesTotal.WithLabelValues("success").Inc()
	slog.Info("Credential refreshed", "expires_at", rec.ExpiresAt)
	return nil
}

// Clear unconditionally wipes and persists an empty record.
func (m *Manager) Clear(ctx context.Context) error {
	m.mu.Lock()
	m.rec = Record{}
	m.mu.Unlock()
	return m.store.Clear(ctx)
}

func (m *Manager) setRecord(ctx context.Context, rec Record) error {
	if err := m.store.Save(ctx, rec); err != nil {
		return err
	}
	m.mu.Lock()
	m.rec = rec
	m.mu.Unlock()
	return nil
}

// tokenRequest performs a form-encoded POST against the token endpoint and
// decodes the standard token response. A 400 or 401 marks the grant revoked.
func (m *Manager) tokenRequest(ctx context.Context, data url.Values) (access, refresh string, expiresIn int, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return "", "", 0, &RefreshError{Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return "", "", 0, &RefreshError{Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "", 0, &RefreshError{Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		revoked := resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnauthorized
		return "", "", 0, &RefreshError{
			Revoked: revoked,
			Err:     fmt.Errorf("token endpoint returned status %d: %s", resp.StatusCode, string(body)),
		}
	}

	var result struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		ExpiresIn    int    `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", "", 0, &RefreshError{Err: err}
	}

	return result.AccessToken, result.RefreshToken, result.ExpiresIn, nil
}

// introspect asks the validation endpoint whether the token is still good.
// Returns false only on an authoritative 401.
func (m *Manager) introspect(ctx context.Context, token string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.validateURL, nil)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "OAuth "+token)

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusUnauthorized:
		return false, nil
	default:
		return false, fmt.Errorf("validate endpoint returned status %d", resp.StatusCode)
	}
}
