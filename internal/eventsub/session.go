package eventsub

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"

	"github.com/joshgarza/ratrace/internal/metrics"
)

// State is the connection lifecycle state of the session.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateEstablished
	StateClosing
	StateReconnectPending
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateEstablished:
		return "established"
	case StateClosing:
		return "closing"
	case StateReconnectPending:
		return "reconnect_pending"
	default:
		return "unknown"
	}
}

const (
	defaultReconnectDelay = 5 * time.Second

	// keepaliveSlack is added to the upstream keepalive timeout before a
	// silent connection is treated as dead.
	keepaliveSlack = 5 * time.Second

	// handshakeReadTimeout bounds the wait for the welcome message.
	handshakeReadTimeout = 30 * time.Second

	subscribeTimeout = 15 * time.Second

	// recentMessageWindow is how many message ids are remembered for
	// duplicate suppression across keepalive redeliveries.
	recentMessageWindow = 64
)

// Session owns the physical persistent connection to the EventSub WebSocket
// endpoint: connect, receive, classify, dispatch, detect failure, schedule
// reconnect. All message handling runs on a single goroutine, preserving
// upstream delivery order.
//
// At most one live socket and one pending reconnect timer exist at any time.
type Session struct {
	url       string
	registrar *Registrar
	subs      []SubscriptionRequest
	dispatch  func(*Notification)

	clock          clockwork.Clock
	reconnectDelay time.Duration
	dialer         *websocket.Dialer

	mu      sync.Mutex
	state   State
	conn    *websocket.Conn
	desc    *SessionDescriptor
	timer   clockwork.Timer
	closing bool

	seenOrder []string
	seenSet   map[string]struct{}
}

// New creates a Session. Connect must be called to open the connection.
func New(url string, registrar *Registrar, subs []SubscriptionRequest, dispatch func(*Notification), clock clockwork.Clock) *Session {
	return &Session{
		url:            url,
		registrar:      registrar,
		subs:           subs,
		dispatch:       dispatch,
		clock:          clock,
		reconnectDelay: defaultReconnectDelay,
		dialer:         websocket.DefaultDialer,
		state:          StateDisconnected,
		seenSet:        make(map[string]struct{}),
	}
}

// Connect opens the connection. Idempotent: calling it while a connection is
// already being established or live is a no-op, so it is safe to call from
// every trigger site (startup, post-authorization, reconnect timer).
func (s *Session) Connect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing || s.state == StateConnecting || s.state == StateEstablished {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.setStateLocked(StateConnecting)
	go s.run(s.url)
}

// Close shuts the session down: cancels any pending reconnect, sends a normal
// closure frame on a live socket, and prevents further connects.
func (s *Session) Close() {
	s.mu.Lock()
	s.closing = true
	s.setStateLocked(StateClosing)
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	conn := s.conn
	s.mu.Unlock()

	if conn != nil {
		deadline := time.Now().Add(time.Second)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutting down"), deadline)
		_ = conn.Close()
	}

	s.mu.Lock()
	s.conn = nil
	s.desc = nil
	s.setStateLocked(StateDisconnected)
	s.mu.Unlock()
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Descriptor returns a copy of the current session descriptor, or nil when no
// session is established.
func (s *Session) Descriptor() *SessionDescriptor {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.desc == nil {
		return nil
	}
	desc := *s.desc
	return &desc
}

func (s *Session) setStateLocked(state State) {
	s.state = state
	metrics.SessionState.Set(float64(state))
}

// run dials and services connections until the session stops or schedules a
// reconnect. A session_reconnect message loops around with the replacement
// URL so the switchover happens without the reconnect delay.
func (s *Session) run(url string) {
	for {
		conn, _, err := s.dialer.Dial(url, nil)
		if err != nil {
			slog.Error("EventSub dial failed", "url", url, "error", err)
			s.scheduleReconnect()
			return
		}

		s.mu.Lock()
		if s.closing {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conn = conn
		s.mu.Unlock()

		next := s.serve(conn)
		if next == "" {
			return
		}
		url = next
	}
}

// serve processes messages from one socket until it fails or a reconnect
// message asks for a new one. Returns the URL to dial next, or "" when the
// session should stop here (shutdown, or reconnect already scheduled).
func (s *Session) serve(conn *websocket.Conn) (nextURL string) {
	_ = conn.SetReadDeadline(time.Now().Add(handshakeReadTimeout))

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			_ = conn.Close()

			s.mu.Lock()
			s.conn = nil
			s.desc = nil
			closing := s.closing
			s.mu.Unlock()

			if closing || websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				s.mu.Lock()
				if !s.closing {
					s.setStateLocked(StateDisconnected)
				}
				s.mu.Unlock()
				return ""
			}

			slog.Warn("EventSub connection lost", "error", err)
			s.scheduleReconnect()
			return ""
		}

		msg, err := decodeMessage(data)
		if err != nil {
			// Malformed or unknown frames are dropped; the session stays up.
			metrics.MessagesTotal.WithLabelValues("undecodable").Inc()
			slog.Warn("Dropping undecodable EventSub message", "error", err)
			continue
		}
		metrics.MessagesTotal.WithLabelValues(string(msg.Kind)).Inc()

		if msg.ID != "" && s.alreadySeen(msg.ID) {
			slog.Debug("Dropping duplicate EventSub message", "message_id", msg.ID)
			continue
		}

		switch msg.Kind {
		case KindWelcome:
			s.handleWelcome(conn, msg.Welcome)

		case KindKeepalive:
			s.extendReadDeadline(conn)

		case KindNotification:
			s.extendReadDeadline(conn)
			s.dispatch(msg.Notification)

		case KindReconnect:
			slog.Info("EventSub requested reconnect", "reconnect_url", msg.ReconnectURL)
			deadline := time.Now().Add(time.Second)
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "reconnecting"), deadline)
			_ = conn.Close()

			s.mu.Lock()
			s.conn = nil
			s.desc = nil
			s.setStateLocked(StateConnecting)
			s.mu.Unlock()

			if msg.ReconnectURL != "" {
				return msg.ReconnectURL
			}
			// No replacement address; fall back to the generic path.
			return s.url

		case KindRevocation:
			// Subscription is permanently gone; nothing to recover.
			slog.Warn("EventSub subscription revoked",
				"type", msg.Revocation.SubscriptionType, "status", msg.Revocation.Status)
		}
	}
}

func (s *Session) handleWelcome(conn *websocket.Conn, desc *SessionDescriptor) {
	s.mu.Lock()
	s.desc = desc
	s.setStateLocked(StateEstablished)
	s.mu.Unlock()

	slog.Info("EventSub session established",
		"session_id", desc.ID, "keepalive_timeout", desc.KeepaliveTimeout)
	s.extendReadDeadline(conn)

	ctx, cancel := context.WithTimeout(context.Background(), subscribeTimeout)
	defer cancel()
	for _, sub := range s.subs {
		s.registrar.Subscribe(ctx, desc.ID, sub)
	}
}

// extendReadDeadline pushes the liveness deadline out by the keepalive
// timeout plus slack. A missed deadline surfaces as a read error and takes
// the reconnect path.
func (s *Session) extendReadDeadline(conn *websocket.Conn) {
	s.mu.Lock()
	timeout := handshakeReadTimeout
	if s.desc != nil && s.desc.KeepaliveTimeout > 0 {
		timeout = s.desc.KeepaliveTimeout + keepaliveSlack
	}
	s.mu.Unlock()
	_ = conn.SetReadDeadline(time.Now().Add(timeout))
}

// scheduleReconnect arms the single reconnect timer with the fixed delay.
// Every attempt is identical; there is no backoff or attempt cap.
func (s *Session) scheduleReconnect() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		s.setStateLocked(StateDisconnected)
		return
	}

	s.conn = nil
	s.setStateLocked(StateReconnectPending)
	metrics.ReconnectsTotal.Inc()
	slog.Info("Scheduling EventSub reconnect", "delay", s.reconnectDelay)

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = s.clock.AfterFunc(s.reconnectDelay, func() {
		s.mu.Lock()
		s.timer = nil
		if s.closing || s.state != StateReconnectPending {
			s.mu.Unlock()
			return
		}
		s.setStateLocked(StateDisconnected)
		s.mu.Unlock()
		s.Connect()
	})
}

// alreadySeen records the message id and reports whether it was processed
// before. EventSub delivery is at-least-once; processing stays idempotent by
// message id within a sliding window.
func (s *Session) alreadySeen(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.seenSet[id]; ok {
		return true
	}
	s.seenSet[id] = struct{}{}
	s.seenOrder = append(s.seenOrder, id)
	if len(s.seenOrder) > recentMessageWindow {
		oldest := s.seenOrder[0]
		s.seenOrder = s.seenOrder[1:]
		delete(s.seenSet, oldest)
	}
	return false
}
