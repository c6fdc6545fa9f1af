package twitch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/joshgarza/ratrace/internal/eventsub"
)

func TestCreateEventSubSubscription(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/eventsub/subscriptions", r.URL.Path)
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))

		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"data": [{"id": "sub-1", "type": "channel.chat.message", "version": "1", "status": "enabled"}], "total": 1}`))
	}))
	defer srv.Close()

	client, err := New("client-id", "client-secret", srv.URL)
	require.NoError(t, err)

	err = client.CreateEventSubSubscription(context.Background(), "user-token", "sess-1", eventsub.SubscriptionRequest{
		Type:      "channel.chat.message",
		Version:   "1",
		Condition: map[string]string{"broadcaster_user_id": "99", "user_id": "99"},
	})
	require.NoError(t, err)

	assert.Equal(t, "channel.chat.message", gotBody["type"])
	transport := gotBody["transport"].(map[string]any)
	assert.Equal(t, "websocket", transport["method"])
	assert.Equal(t, "sess-1", transport["session_id"])
}

func TestCreateEventSubSubscription_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": "Too Many Requests", "status": 429, "message": "subscription limit"}`))
	}))
	defer srv.Close()

	client, err := New("client-id", "client-secret", srv.URL)
	require.NoError(t, err)

	err = client.CreateEventSubSubscription(context.Background(), "user-token", "sess-1", eventsub.SubscriptionRequest{
		Type:    "channel.chat.message",
		Version: "1",
	})
	require.Error(t, err)
}

func TestSetRewardPaused(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPatch, r.Method)
		require.Equal(t, "/channel_points/custom_rewards", r.URL.Path)
		assert.Equal(t, "99", r.URL.Query().Get("broadcaster_id"))
		assert.Equal(t, "R1", r.URL.Query().Get("id"))
		assert.Equal(t, "Bearer user-token", r.Header.Get("Authorization"))
		assert.Equal(t, "client-id", r.Header.Get("Client-Id"))

		var body map[string]bool
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body["is_paused"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data": []}`))
	}))
	defer srv.Close()

	client, err := New("client-id", "client-secret", srv.URL)
	require.NoError(t, err)

	err = client.SetRewardPaused(context.Background(), "user-token", "99", "R1", true)
	require.NoError(t, err)
}

func TestSetRewardPaused_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	client, err := New("client-id", "client-secret", srv.URL)
	require.NoError(t, err)

	err = client.SetRewardPaused(context.Background(), "user-token", "99", "R1", true)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
