// Package betting owns the bet list and projects channel-point redemptions
// matching the configured reward into bets and observer events.
package betting

import (
	"log/slog"
	"sync"
	"time"

	"github.com/joshgarza/ratrace/internal/metrics"
)

// Bet is one placed wager. Multiple bets per user are allowed.
type Bet struct {
	UserID      string    `json:"userId"`
	DisplayName string    `json:"userName"`
	LoginName   string    `json:"loginName"`
	RewardID    string    `json:"rewardId"`
	Input       string    `json:"input"`
	Timestamp   time.Time `json:"timestamp"`
}

// Redemption is the projector's view of a points-redemption notification.
type Redemption struct {
	UserID      string
	DisplayName string
	LoginName   string
	RewardID    string
	Input       string
	RedeemedAt  time.Time
}

// Publisher fans observer events out to connected UIs.
type Publisher interface {
	Publish(event string, payload any)
}

// NewBet is the payload of the new_bet_placed observer event.
type NewBet struct {
	UserName string `json:"userName"`
	Input    string `json:"input"`
}

// EventNewBet is the observer event name for a placed bet.
const EventNewBet = "new_bet_placed"

// Manager exclusively owns the bet list.
type Manager struct {
	rewardID string
	pub      Publisher

	mu   sync.Mutex
	open bool
	bets []Bet
}

// NewManager creates a betting manager for the configured reward id. An empty
// reward id disables the feature: every redemption is ignored.
func NewManager(rewardID string, pub Publisher) *Manager {
	return &Manager{rewardID: rewardID, pub: pub}
}

// Open opens betting and resets the bet list.
func (m *Manager) Open() {
	m.mu.Lock()
	m.open = true
	m.bets = nil
	m.mu.Unlock()
	slog.Info("Betting opened", "reward_id", m.rewardID)
}

// Close closes betting; bets are kept until the next open or a winner.
func (m *Manager) Close() {
	m.mu.Lock()
	m.open = false
	m.mu.Unlock()
	slog.Info("Betting closed")
}

// DeclareWinner closes betting and clears the bet list.
func (m *Manager) DeclareWinner() {
	m.mu.Lock()
	m.open = false
	m.bets = nil
	m.mu.Unlock()
	slog.Info("Betting resolved, bets cleared")
}

// Bets returns a point-in-time copy of the bet list.
func (m *Manager) Bets() []Bet {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Bet, len(m.bets))
	copy(out, m.bets)
	return out
}

// IsOpen reports whether betting is currently open.
func (m *Manager) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// RewardID returns the configured betting reward id ("" when disabled).
func (m *Manager) RewardID() string {
	return m.rewardID
}

// HandleRedemption applies one redemption. Only redemptions of the configured
// reward while betting is open become bets; everything else is ignored.
func (m *Manager) HandleRedemption(r Redemption) {
	if m.rewardID == "" || r.RewardID != m.rewardID {
		return
	}

	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		slog.Debug("Ignoring redemption while betting closed", "user_id", r.UserID)
		return
	}
	bet := Bet{
		UserID:      r.UserID,
		DisplayName: r.DisplayName,
		LoginName:   r.LoginName,
		RewardID:    r.RewardID,
		Input:       r.Input,
		Timestamp:   r.RedeemedAt,
	}
	m.bets = append(m.bets, bet)
	m.mu.Unlock()

	metrics.BetsPlacedTotal.Inc()
	slog.Info("Bet placed", "user_id", r.UserID, "user_name", r.DisplayName)
	m.pub.Publish(EventNewBet, NewBet{UserName: r.DisplayName, Input: r.Input})
}
