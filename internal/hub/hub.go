// Package hub fans observer events out to connected overlay clients over
// WebSocket. A single command loop owns the client set; each client has its
// own writer goroutine with a bounded buffer so one slow client cannot stall
// the rest.
package hub

import (
	"encoding/json"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/joshgarza/ratrace/internal/metrics"
)

const (
	writeTimeout   = 5 * time.Second
	sendBufferSize = 16
)

// Envelope is the wire shape of every observer event.
type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// --- command types ---

type hubCmd interface{ hubCmd() }

type cmdRegister struct {
	conn *websocket.Conn
}

func (cmdRegister) hubCmd() {}

type cmdUnregister struct {
	conn *websocket.Conn
}

func (cmdUnregister) hubCmd() {}

type cmdBroadcast struct {
	data []byte
}

func (cmdBroadcast) hubCmd() {}

type cmdClientCount struct {
	replyCh chan int
}

func (cmdClientCount) hubCmd() {}

type cmdStop struct{}

func (cmdStop) hubCmd() {}

// --- per-connection writer ---

type clientWriter struct {
	conn   *websocket.Conn
	sendCh chan []byte
	done   chan struct{}
}

func newClientWriter(conn *websocket.Conn) *clientWriter {
	cw := &clientWriter{
		conn:   conn,
		sendCh: make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
	go cw.run()
	return cw
}

func (cw *clientWriter) run() {
	for {
		select {
		case msg, ok := <-cw.sendCh:
			if !ok {
				return
			}
			_ = cw.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := cw.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-cw.done:
			return
		}
	}
}

func (cw *clientWriter) stop() {
	close(cw.done)
	_ = cw.conn.Close()
}

// --- hub ---

// Hub broadcasts observer events to every connected client.
type Hub struct {
	cmdCh   chan hubCmd
	clients map[*websocket.Conn]*clientWriter
}

func New() *Hub {
	h := &Hub{
		cmdCh:   make(chan hubCmd, 256),
		clients: make(map[*websocket.Conn]*clientWriter),
	}
	go h.run()
	return h
}

func (h *Hub) run() {
	for cmd := range h.cmdCh {
		switch c := cmd.(type) {
		case cmdRegister:
			h.clients[c.conn] = newClientWriter(c.conn)
			metrics.HubClients.Set(float64(len(h.clients)))
			slog.Debug("Overlay client registered", "clients", len(h.clients))
		case cmdUnregister:
			h.removeClient(c.conn)
		case cmdBroadcast:
			for conn, cw := range h.clients {
				select {
				case cw.sendCh <- c.data:
				default:
					// Buffer full: evict the slow client rather than block.
					metrics.HubSlowClientsEvicted.Inc()
					slog.Warn("Evicting slow overlay client")
					h.removeClient(conn)
				}
			}
		case cmdClientCount:
			c.replyCh <- len(h.clients)
		case cmdStop:
			for conn := range h.clients {
				h.removeClient(conn)
			}
			return
		}
	}
}

func (h *Hub) removeClient(conn *websocket.Conn) {
	cw, ok := h.clients[conn]
	if !ok {
		return
	}
	delete(h.clients, conn)
	cw.stop()
	metrics.HubClients.Set(float64(len(h.clients)))
}

// Register adds a client connection and starts its read pump, which exists
// only to notice disconnects.
func (h *Hub) Register(conn *websocket.Conn) {
	h.cmdCh <- cmdRegister{conn: conn}
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.cmdCh <- cmdUnregister{conn: conn}
				return
			}
		}
	}()
}

// Publish broadcasts one observer event to all connected clients.
// It satisfies the projectors' Publisher interface.
func (h *Hub) Publish(event string, payload any) {
	data, err := json.Marshal(Envelope{Type: event, Payload: payload})
	if err != nil {
		slog.Error("Failed to marshal observer event", "event", event, "error", err)
		return
	}
	h.cmdCh <- cmdBroadcast{data: data}
}

// ClientCount reports the number of connected clients.
func (h *Hub) ClientCount() int {
	replyCh := make(chan int, 1)
	h.cmdCh <- cmdClientCount{replyCh: replyCh}
	return <-replyCh
}

// Stop disconnects all clients and stops the command loop.
func (h *Hub) Stop() {
	h.cmdCh <- cmdStop{}
}
