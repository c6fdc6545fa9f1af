package eventsub

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageKind classifies an EventSub WebSocket frame by its metadata tag.
type MessageKind string

const (
	KindWelcome      MessageKind = "session_welcome"
	KindKeepalive    MessageKind = "session_keepalive"
	KindNotification MessageKind = "notification"
	KindReconnect    MessageKind = "session_reconnect"
	KindRevocation   MessageKind = "revocation"
)

// SessionDescriptor identifies one live instance of the persistent
// connection. It is captured from the welcome message and superseded whole on
// reconnect, never mutated.
type SessionDescriptor struct {
	ID               string
	ConnectedAt      time.Time
	KeepaliveTimeout time.Duration
	ReconnectURL     string
}

// Notification carries one upstream-pushed event matching a subscription.
type Notification struct {
	SubscriptionType string
	Event            json.RawMessage
}

// Revocation reports a subscription the upstream permanently removed.
type Revocation struct {
	SubscriptionType string
	Status           string
}

// Message is the tagged variant decoded from a raw frame. Exactly one payload
// field matching Kind is populated.
type Message struct {
	Kind MessageKind
	ID   string

	Welcome      *SessionDescriptor
	Notification *Notification
	ReconnectURL string
	Revocation   *Revocation
}

type frameMetadata struct {
	MessageID           string      `json:"message_id"`
	MessageType         MessageKind `json:"message_type"`
	MessageTimestamp    time.Time   `json:"message_timestamp"`
	SubscriptionType    string      `json:"subscription_type"`
	SubscriptionVersion string      `json:"subscription_version"`
}

type frame struct {
	Metadata frameMetadata   `json:"metadata"`
	Payload  json.RawMessage `json:"payload"`
}

type sessionPayload struct {
	Session struct {
		ID                      string    `json:"id"`
		ConnectedAt             time.Time `json:"connected_at"`
		KeepaliveTimeoutSeconds int       `json:"keepalive_timeout_seconds"`
		ReconnectURL            string    `json:"reconnect_url"`
	} `json:"session"`
}

type notificationPayload struct {
	Subscription struct {
		Type   string `json:"type"`
		Status string `json:"status"`
	} `json:"subscription"`
	Event json.RawMessage `json:"event"`
}

// ErrUnknownKind is wrapped in decode errors for unrecognized message kinds,
// which the session logs and drops without closing the connection.
var ErrUnknownKind = fmt.Errorf("unknown message kind")

// decodeMessage decodes a raw EventSub frame into its tagged variant. The
// payload is decoded once here, at the session boundary.
func decodeMessage(data []byte) (Message, error) {
	var f frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Message{}, fmt.Errorf("failed to decode frame: %w", err)
	}

	msg := Message{
		Kind: f.Metadata.MessageType,
		ID:   f.Metadata.MessageID,
	}

	switch f.Metadata.MessageType {
	case KindWelcome:
		var p sessionPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return Message{}, fmt.Errorf("failed to decode welcome payload: %w", err)
		}
		msg.Welcome = &SessionDescriptor{
			ID:               p.Session.ID,
			ConnectedAt:      p.Session.ConnectedAt,
			KeepaliveTimeout: time.Duration(p.Session.KeepaliveTimeoutSeconds) * time.Second,
			ReconnectURL:     p.Session.ReconnectURL,
		}

	case KindKeepalive:
		// No payload of interest.

	case KindNotification:
		var p notificationPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return Message{}, fmt.Errorf("failed to decode notification payload: %w", err)
		}
		msg.Notification = &Notification{
			SubscriptionType: p.Subscription.Type,
			Event:            p.Event,
		}

	case KindReconnect:
		var p sessionPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return Message{}, fmt.Errorf("failed to decode reconnect payload: %w", err)
		}
		msg.ReconnectURL = p.Session.ReconnectURL

	case KindRevocation:
		var p notificationPayload
		if err := json.Unmarshal(f.Payload, &p); err != nil {
			return Message{}, fmt.Errorf("failed to decode revocation payload: %w", err)
		}
		msg.Revocation = &Revocation{
			SubscriptionType: p.Subscription.Type,
			Status:           p.Subscription.Status,
		}

	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownKind, f.Metadata.MessageType)
	}

	return msg, nil
}

// ChatMessageEvent is the typed payload of a channel.chat.message notification.
type ChatMessageEvent struct {
	BroadcasterUserID string `json:"broadcaster_user_id"`
	ChatterUserID     string `json:"chatter_user_id"`
	ChatterUserName   string `json:"chatter_user_name"`
	ChatterUserLogin  string `json:"chatter_user_login"`
	Color             string `json:"color"`
	Message           struct {
		Text string `json:"text"`
	} `json:"message"`
}

// RedemptionEvent is the typed payload of a
// channel.channel_points_custom_reward_redemption.add notification.
type RedemptionEvent struct {
	UserID     string    `json:"user_id"`
	UserName   string    `json:"user_name"`
	UserLogin  string    `json:"user_login"`
	UserInput  string    `json:"user_input"`
	RedeemedAt time.Time `json:"redeemed_at"`
	Reward     struct {
		ID    string `json:"id"`
		Title string `json:"title"`
	} `json:"reward"`
}

// Subscription event types this system consumes.
const (
	TypeChatMessage = "channel.chat.message"
	TypeRedemption  = "channel.channel_points_custom_reward_redemption.add"
)
