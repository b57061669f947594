//Package broadcast delivers real-time events to the subscribers of a tenant
package broadcast

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/logging"
)

type subscriber struct {
	send chan []byte
}

//Hub fans events out to UI clients connected over websockets. A client that cannot keep
//up loses events instead of slowing down the publisher.
type Hub struct {
	mu      sync.RWMutex
	clients map[uint]map[*subscriber]struct{}

	upgrader     websocket.Upgrader
	buffer       int
	writeTimeout time.Duration
	pingInterval time.Duration
	log          logging.Logger
}

//NewHub creates a hub with a per client buffer of the given size
func NewHub(buffer int, writeTimeout, pingInterval time.Duration, log logging.Logger) *Hub {
	if buffer < 1 {
		buffer = 1
	}

	return &Hub{
		clients: map[uint]map[*subscriber]struct{}{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		buffer:       buffer,
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
		log:          log,
	}
}

//Publish queues the event for every client of the tenant
func (h *Hub) Publish(ctx context.Context, systemID uint, event domain.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.clients[systemID] {
		select {
		case s.send <- payload:
		default:
			h.log.Warnf("Dropping %s event for a slow client of system %d", event.Type, systemID)
		}
	}

	return nil
}

//Clients returns the number of connected clients of a tenant
func (h *Hub) Clients(systemID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[systemID])
}

//Subscribe upgrades the request and streams the events of the tenant until the client goes away
func (h *Hub) Subscribe(w http.ResponseWriter, r *http.Request, systemID uint) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Errorf("Failed to upgrade event subscription: %s", err.Error())
		return
	}

	s := &subscriber{send: make(chan []byte, h.buffer)}
	h.add(systemID, s)
	defer h.remove(systemID, s)

	done := make(chan struct{})
	go h.write(conn, s, done)

	// clients only ever send close frames, anything else is discarded
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}

	close(done)
	conn.Close()
}

func (h *Hub) write(conn *websocket.Conn, s *subscriber, done chan struct{}) {
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case payload := <-s.send:
			conn.SetWriteDeadline(time.Now().Add(h.writeTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				conn.Close()
				return
			}
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(h.writeTimeout)); err != nil {
				conn.Close()
				return
			}
		}
	}
}

func (h *Hub) add(systemID uint, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[systemID] == nil {
		h.clients[systemID] = map[*subscriber]struct{}{}
	}
	h.clients[systemID][s] = struct{}{}
}

func (h *Hub) remove(systemID uint, s *subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.clients[systemID], s)
	if len(h.clients[systemID]) == 0 {
		delete(h.clients, systemID)
	}
}
