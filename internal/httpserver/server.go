// Package httpserver exposes the operator API, the OAuth authorization flow,
// and the overlay WebSocket endpoint.
package httpserver

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/sessions"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joshgarza/ratrace/internal/betting"
	"github.com/joshgarza/ratrace/internal/credentials"
	"github.com/joshgarza/ratrace/internal/hub"
	"github.com/joshgarza/ratrace/internal/platform/config"
	"github.com/joshgarza/ratrace/internal/race"
)

const (
	sessionName          = "ratrace_session"
	sessionKeyOAuthState = "oauth_state"
)

// EventSession is the subset of the EventSub session the server drives.
type EventSession interface {
	Connect()
}

type Server struct {
	echo         *echo.Echo
	cfg          *config.Config
	creds        *credentials.Manager
	race         *race.Manager
	betting      *betting.Manager
	session      EventSession
	hub          *hub.Hub
	sessionStore *sessions.CookieStore
	upgrader     websocket.Upgrader
}

func NewServer(cfg *config.Config, creds *credentials.Manager, raceMgr *race.Manager, betMgr *betting.Manager, session EventSession, h *hub.Hub) *Server {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	s := &Server{
		echo:         e,
		cfg:          cfg,
		creds:        creds,
		race:         raceMgr,
		betting:      betMgr,
		session:      session,
		hub:          h,
		sessionStore: sessions.NewCookieStore([]byte(cfg.SessionSecret)),
	}

	e.Use(middleware.Recover())
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	s.echo.GET("/healthz", s.handleHealth)
	s.echo.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	s.echo.GET("/auth/login", s.handleLogin)
	s.echo.GET("/auth/callback", s.handleCallback)
	s.echo.GET("/auth/status", s.handleAuthStatus)

	api := s.echo.Group("/api")
	api.POST("/race/open", s.handleOpenRegistration)
	api.POST("/race/close", s.handleCloseRegistration)
	api.POST("/race/winner", s.handleDeclareWinner)
	api.GET("/race/participants", s.handleParticipants)
	api.POST("/betting/open", s.handleOpenBetting)
	api.POST("/betting/close", s.handleCloseBetting)
	api.GET("/betting/bets", s.handleBets)
	api.POST("/debug/chat", s.handleSimulateChat)

	s.echo.GET("/ws", s.handleOverlaySocket)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOverlaySocket(c echo.Context) error {
	conn, err := s.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		slog.Warn("Overlay socket upgrade failed", "error", err)
		return nil
	}
	s.hub.Register(conn)
	return nil
}

// Start serves until Shutdown is called.
func (s *Server) Start() error {
	return s.echo.Start(":" + s.cfg.Port)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}
