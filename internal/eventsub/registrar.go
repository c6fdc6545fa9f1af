package eventsub

import (
	"context"
	"log/slog"

	"github.com/joshgarza/ratrace/internal/metrics"
)

// SubscriptionRequest declares interest in one event type. Issued once per
// session descriptor; not retried on failure because upstream rate limits
// make blind retry dangerous.
type SubscriptionRequest struct {
	Type      string
	Version   string
	Condition map[string]string
}

// TokenSource yields a currently-valid access token.
type TokenSource interface {
	ValidToken(ctx context.Context) (string, error)
}

// SubscriptionAPI creates an EventSub subscription delivered to the given
// WebSocket session.
type SubscriptionAPI interface {
	CreateEventSubSubscription(ctx context.Context, token, sessionID string, req SubscriptionRequest) error
}

// Registrar registers subscription intents against the upstream API using the
// current session as the delivery target. Fire-and-forget from the caller's
// perspective: failures are logged and surfaced via metrics, never retried.
type Registrar struct {
	tokens TokenSource
	api    SubscriptionAPI
}

func NewRegistrar(tokens TokenSource, api SubscriptionAPI) *Registrar {
	return &Registrar{tokens: tokens, api: api}
}

// Subscribe issues one subscription-creation request for the session.
func (r *Registrar) Subscribe(ctx context.Context, sessionID string, req SubscriptionRequest) {
	token, err := r.tokens.ValidToken(ctx)
	if err != nil {
		metrics.SubscriptionsTotal.WithLabelValues("no_credential").Inc()
		slog.Error("Cannot create subscription without a valid credential",
			"type", req.Type, "session_id", sessionID, "error", err)
		return
	}

	if err := r.api.CreateEventSubSubscription(ctx, token, sessionID, req); err != nil {
		metrics.SubscriptionsTotal.WithLabelValues("error").Inc()
		slog.Error("Failed to create EventSub subscription",
			"type", req.Type, "session_id", sessionID, "error", err)
		return
	}

	metrics.SubscriptionsTotal.WithLabelValues("created").Inc()
	slog.Info("EventSub subscription created", "type", req.Type, "session_id", sessionID)
}
