// Package twitch wraps the Helix API operations this system issues: EventSub
// subscription creation targeting a WebSocket session, and pausing the
// betting reward on shutdown.
package twitch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/nicklaw5/helix/v2"

	"github.com/joshgarza/ratrace/internal/eventsub"
)

const (
	rewardTimeout     = 10 * time.Second
	defaultAPIBaseURL = "https://api.twitch.tv/helix"
)

// Client issues user-token Helix calls. The helix client holds the token as
// shared state, so calls that set it are serialized.
type Client struct {
	mu         sync.Mutex
	client     *helix.Client
	clientID   string
	apiBaseURL string
	httpClient *http.Client
}

// New creates a Client. apiBaseURL overrides the Helix endpoint when
// non-empty (used by tests).
func New(clientID, clientSecret, apiBaseURL string) (*Client, error) {
	opts := &helix.Options{
		ClientID:     clientID,
		ClientSecret: clientSecret,
	}
	if apiBaseURL != "" {
		opts.APIBaseURL = apiBaseURL
	}

	client, err := helix.NewClient(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create helix client: %w", err)
	}

	base := apiBaseURL
	if base == "" {
		base = defaultAPIBaseURL
	}

	return &Client{
		client:     client,
		clientID:   clientID,
		apiBaseURL: base,
		httpClient: &http.Client{Timeout: rewardTimeout},
	}, nil
}

// CreateEventSubSubscription creates a subscription delivered to the given
// WebSocket session. Implements the registrar's SubscriptionAPI.
func (c *Client) CreateEventSubSubscription(ctx context.Context, token, sessionID string, req eventsub.SubscriptionRequest) error {
	c.mu.Lock()
	c.client.SetUserAccessToken(token)
	resp, err := c.client.CreateEventSubSubscription(&helix.EventSubSubscription{
		Type:    req.Type,
		Version: req.Version,
		Condition: helix.EventSubCondition{
			BroadcasterUserID: req.Condition["broadcaster_user_id"],
			UserID:            req.Condition["user_id"],
			RewardID:          req.Condition["reward_id"],
		},
		Transport: helix.EventSubTransport{
			Method:    "websocket",
			SessionID: sessionID,
		},
	})
	c.mu.Unlock()

	if err != nil {
		return fmt.Errorf("failed to create eventsub subscription: %w", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("unexpected status code: %d, error: %s, message: %s",
			resp.StatusCode, resp.Error, resp.ErrorMessage)
	}
	if len(resp.Data.EventSubSubscriptions) == 0 {
		return fmt.Errorf("no subscription returned")
	}
	return nil
}

// SetRewardPaused pauses or unpauses a channel-point reward. Used to disable
// the betting reward on shutdown so viewers cannot bet into a dead race.
func (c *Client) SetRewardPaused(ctx context.Context, token, broadcasterID, rewardID string, paused bool) error {
	body, err := json.Marshal(map[string]bool{"is_paused": paused})
	if err != nil {
		return fmt.Errorf("failed to marshal reward update: %w", err)
	}

	endpoint := fmt.Sprintf("%s/channel_points/custom_rewards?broadcaster_id=%s&id=%s",
		c.apiBaseURL, url.QueryEscape(broadcasterID), url.QueryEscape(rewardID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build reward update request: %w", err)
	}
	req.Header.Set("Client-Id", c.clientID)
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("reward update request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("reward update returned status %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}
