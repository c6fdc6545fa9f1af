package httpserver

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/joshgarza/ratrace/internal/race"
)

func (s *Server) handleOpenRegistration(c echo.Context) error {
	s.race.OpenRegistration()
	return c.JSON(http.StatusOK, map[string]bool{"isOpen": true})
}

func (s *Server) handleCloseRegistration(c echo.Context) error {
	s.race.CloseRegistration()
	return c.JSON(http.StatusOK, map[string]bool{"isOpen": false})
}

type declareWinnerRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleDeclareWinner(c echo.Context) error {
	var req declareWinnerRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "name is required")
	}

	s.race.DeclareWinner(req.Name)
	s.betting.DeclareWinner()
	return c.JSON(http.StatusOK, map[string]string{"winner": req.Name})
}

func (s *Server) handleParticipants(c echo.Context) error {
	return c.JSON(http.StatusOK, s.race.Participants())
}

func (s *Server) handleOpenBetting(c echo.Context) error {
	s.betting.Open()
	return c.JSON(http.StatusOK, map[string]bool{"isOpen": true})
}

func (s *Server) handleCloseBetting(c echo.Context) error {
	s.betting.Close()
	return c.JSON(http.StatusOK, map[string]bool{"isOpen": false})
}

func (s *Server) handleBets(c echo.Context) error {
	return c.JSON(http.StatusOK, s.betting.Bets())
}

type simulateChatRequest struct {
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
	Text     string `json:"text"`
}

// handleSimulateChat injects a chat message directly into the registration
// projector, bypassing the real transport. Test-only convenience.
func (s *Server) handleSimulateChat(c echo.Context) error {
	var req simulateChatRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.UserID == "" || req.UserName == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "userId and userName are required")
	}

	s.race.HandleChatMessage(race.ChatMessage{
		UserID:      req.UserID,
		DisplayName: req.UserName,
		LoginName:   req.UserName,
		Text:        req.Text,
	})
	return c.JSON(http.StatusOK, map[string]string{"status": "injected"})
}
