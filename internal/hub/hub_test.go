package hub

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newHubServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	h := New()
	t.Cleanup(h.Stop)

	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		h.Register(conn)
	}))
	t.Cleanup(srv.Close)
	return h, srv
}

func dialHub(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestPublishReachesAllClients(t *testing.T) {
	h, srv := newHubServer(t)

	first := dialHub(t, srv)
	second := dialHub(t, srv)
	require.Eventually(t, func() bool { return h.ClientCount() == 2 }, 2*time.Second, 5*time.Millisecond)

	h.Publish("new_participant", map[string]string{"userName": "Rex"})

	for _, conn := range []*websocket.Conn{first, second} {
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)

		var env Envelope
		require.NoError(t, json.Unmarshal(data, &env))
		assert.Equal(t, "new_participant", env.Type)
		payload := env.Payload.(map[string]any)
		assert.Equal(t, "Rex", payload["userName"])
	}
}

func TestClientDisconnectIsNoticed(t *testing.T) {
	h, srv := newHubServer(t)

	conn := dialHub(t, srv)
	require.Eventually(t, func() bool { return h.ClientCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return h.ClientCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestPublishWithNoClientsDoesNotBlock(t *testing.T) {
	h := New()
	defer h.Stop()

	done := make(chan struct{})
	go func() {
		h.Publish("registration_status", map[string]any{"isOpen": true})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked with no clients connected")
	}
}
