package httpserver

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/joshgarza/ratrace/internal/credentials"
)

func generateOAuthState() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate OAuth state: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func (s *Server) handleLogin(c echo.Context) error {
	state, err := generateOAuthState()
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to generate OAuth state")
	}

	session, err := s.sessionStore.Get(c.Request(), sessionName)
	if err != nil {
		slog.Warn("Failed to get cookie session for OAuth state", "error", err)
	}
	session.Values[sessionKeyOAuthState] = state
	if err := session.Save(c.Request(), c.Response().Writer); err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to save OAuth state")
	}

	return c.Redirect(http.StatusFound, s.creds.AuthorizationURL(state))
}

func (s *Server) handleCallback(c echo.Context) error {
	code := c.QueryParam("code")
	if code == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing code parameter")
	}

	session, err := s.sessionStore.Get(c.Request(), sessionName)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid session")
	}
	expectedState, ok := session.Values[sessionKeyOAuthState].(string)
	if !ok || expectedState == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "missing OAuth state")
	}
	if c.QueryParam("state") != expectedState {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid OAuth state")
	}
	delete(session.Values, sessionKeyOAuthState)
	if err := session.Save(c.Request(), c.Response().Writer); err != nil {
		slog.Warn("Failed to clear OAuth state", "error", err)
	}

	if err := s.creds.ExchangeCode(c.Request().Context(), code); err != nil {
		slog.Error("Authorization code exchange failed", "error", err)
		return echo.NewHTTPError(http.StatusBadGateway, "failed to authenticate with Twitch")
	}

	// Credential in hand; bring the event session up. Safe to call even if
	// a connection already exists.
	s.session.Connect()

	slog.Info("Authorization completed, event session connecting")
	return c.JSON(http.StatusOK, map[string]string{"status": "authorized"})
}

func (s *Server) handleAuthStatus(c echo.Context) error {
	_, err := s.creds.ValidToken(c.Request().Context())
	if errors.Is(err, credentials.ErrNoCredential) {
		return c.JSON(http.StatusConflict, map[string]any{
			"authorized":   false,
			"authorizeUrl": "/auth/login",
		})
	}
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to check credential")
	}
	return c.JSON(http.StatusOK, map[string]any{"authorized": true})
}
