// Package race owns the registration window and participant list, and
// projects recognized chat commands into participants and observer events.
package race

import (
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/joshgarza/ratrace/internal/metrics"
)

// Participant is one registered racer, unique by UserID within the current
// registration window.
type Participant struct {
	UserID       string    `json:"userId"`
	DisplayName  string    `json:"userName"`
	LoginName    string    `json:"loginName"`
	RegisteredAt time.Time `json:"registeredAt"`
	Color        string    `json:"color"`
}

// ChatMessage is the projector's view of an inbound chat command.
type ChatMessage struct {
	UserID      string
	DisplayName string
	LoginName   string
	Color       string
	Text        string
}

// Publisher fans observer events out to connected UIs.
type Publisher interface {
	Publish(event string, payload any)
}

// Observer event payloads.
type RegistrationStatus struct {
	IsOpen  bool   `json:"isOpen"`
	Message string `json:"message"`
}

type NewParticipant struct {
	UserName string `json:"userName"`
}

type WinnerDetermined struct {
	Winner           string   `json:"winner"`
	ParticipantNames []string `json:"participantNames"`
}

// Event names emitted to observers.
const (
	EventRegistrationStatus = "registration_status"
	EventNewParticipant     = "new_participant"
	EventWinnerDetermined   = "race_winner_determined"
)

// fallback palette for chatters without a configured chat color.
var palette = []string{
	"#ff4500", "#1e90ff", "#9acd32", "#ff69b4", "#daa520",
	"#00ced1", "#b22222", "#8a2be2", "#2e8b57", "#ff7f50",
}

// Manager exclusively owns the participant list. All mutation goes through
// its methods; readers receive copies.
type Manager struct {
	trigger string
	pub     Publisher
	clock   clockwork.Clock

	mu           sync.Mutex
	open         bool
	participants []Participant
}

// NewManager creates a race manager recognizing the given chat trigger
// (matched case-insensitively as a prefix of the trimmed message).
func NewManager(trigger string, pub Publisher, clock clockwork.Clock) *Manager {
	return &Manager{
		trigger: strings.ToLower(trigger),
		pub:     pub,
		clock:   clock,
	}
}

// OpenRegistration opens the window and resets the participant set,
// regardless of prior contents.
func (m *Manager) OpenRegistration() {
	m.mu.Lock()
	m.open = true
	m.participants = nil
	m.mu.Unlock()

	slog.Info("Race registration opened", "trigger", m.trigger)
	m.pub.Publish(EventRegistrationStatus, RegistrationStatus{
		IsOpen:  true,
		Message: "Registration is open! Type " + m.trigger + " to join.",
	})
}

// CloseRegistration closes the window; participants are kept until the next
// open or a winner is declared.
func (m *Manager) CloseRegistration() {
	m.mu.Lock()
	m.open = false
	m.mu.Unlock()

	slog.Info("Race registration closed")
	m.pub.Publish(EventRegistrationStatus, RegistrationStatus{
		IsOpen:  false,
		Message: "Registration is closed.",
	})
}

// DeclareWinner closes registration, clears the participant set, and emits
// the winner event carrying the pre-clear participant snapshot.
func (m *Manager) DeclareWinner(name string) {
	m.mu.Lock()
	names := make([]string, len(m.participants))
	for i, p := range m.participants {
		names[i] = p.DisplayName
	}
	m.open = false
	m.participants = nil
	m.mu.Unlock()

	slog.Info("Race winner declared", "winner", name, "participants", len(names))
	m.pub.Publish(EventWinnerDetermined, WinnerDetermined{
		Winner:           name,
		ParticipantNames: names,
	})
}

// Participants returns a point-in-time copy of the participant list.
func (m *Manager) Participants() []Participant {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Participant, len(m.participants))
	copy(out, m.participants)
	return out
}

// IsOpen reports whether registration is currently open.
func (m *Manager) IsOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.open
}

// HandleChatMessage applies one chat message to the registration state.
// Duplicate attempts and attempts while closed are silently ignored: chat
// spam must never surface as an error.
func (m *Manager) HandleChatMessage(msg ChatMessage) {
	if !m.matches(msg.Text) {
		return
	}

	m.mu.Lock()
	if !m.open {
		m.mu.Unlock()
		slog.Debug("Ignoring registration while closed", "user_id", msg.UserID)
		return
	}
	for _, p := range m.participants {
		if p.UserID == msg.UserID {
			m.mu.Unlock()
			slog.Debug("Ignoring duplicate registration", "user_id", msg.UserID)
			return
		}
	}

	participant := Participant{
		UserID:       msg.UserID,
		DisplayName:  msg.DisplayName,
		LoginName:    msg.LoginName,
		RegisteredAt: m.clock.Now(),
		Color:        colorFor(msg),
	}
	m.participants = append(m.participants, participant)
	m.mu.Unlock()

	metrics.ParticipantsRegisteredTotal.Inc()
	slog.Info("Participant registered", "user_id", msg.UserID, "user_name", msg.DisplayName)
	m.pub.Publish(EventNewParticipant, NewParticipant{UserName: msg.DisplayName})
}

func (m *Manager) matches(text string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(text)), m.trigger)
}

// colorFor prefers the sender's chat color and falls back to a deterministic
// hash of the display name.
func colorFor(msg ChatMessage) string {
	if msg.Color != "" {
		return msg.Color
	}
	h := fnv.New32a()
	_, _ = h.Write([]byte(msg.DisplayName))
	return palette[h.Sum32()%uint32(len(palette))]
}
