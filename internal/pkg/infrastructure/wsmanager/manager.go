//Package wsmanager keeps one long lived push connection per vendor credential
package wsmanager

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/logging"
)

//Key identifies a connection
type Key struct {
	Vendor       string
	CredentialID uint
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d", k.Vendor, k.CredentialID)
}

//Target describes where and how to connect
type Target struct {
	Key
	SystemID       uint
	URL            string
	Header         http.Header
	AutoReconnect  bool
	LoggingEnabled bool
}

//Info is passed to the message handler with every inbound frame
type Info struct {
	Key
	SystemID  uint
	SessionID string
}

//MessageHandler consumes inbound frames. It is called from the read loop of the connection.
type MessageHandler func(ctx context.Context, info Info, payload []byte)

//ConnectionRepository persists connection state transitions
type ConnectionRepository interface {
	SaveConnectionState(ctx context.Context, record domain.ConnectionRecord) error
}

//Status is a snapshot of a connection
type Status struct {
	Vendor        string                  `json:"vendor"`
	CredentialID  uint                    `json:"credentialId"`
	SystemID      uint                    `json:"systemId"`
	State         domain.ConnectionStatus `json:"state"`
	Attempts      int                     `json:"attempts"`
	LastError     string                  `json:"lastError,omitempty"`
	SessionID     string                  `json:"sessionId,omitempty"`
	AutoReconnect bool                    `json:"autoReconnect"`
	ConnectedAt   *time.Time              `json:"connectedAt,omitempty"`
}

//Options tune heartbeat, reconnect and queueing behaviour
type Options struct {
	PingInterval         time.Duration
	PongTimeout          time.Duration
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	SendQueue            int
	WriteTimeout         time.Duration
	DialTimeout          time.Duration
	PersistTimeout       time.Duration
}

func (o Options) withDefaults() Options {
	if o.PingInterval <= 0 {
		o.PingInterval = 20 * time.Second
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = 10 * time.Second
	}
	if o.ReconnectInterval <= 0 {
		o.ReconnectInterval = 5 * time.Second
	}
	if o.SendQueue <= 0 {
		o.SendQueue = 16
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 5 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.PersistTimeout <= 0 {
		o.PersistTimeout = 5 * time.Second
	}
	return o
}

//Manager owns every vendor connection of the process
type Manager struct {
	mu    sync.Mutex
	conns map[Key]*connection

	dialer  Dialer
	handler MessageHandler
	repo    ConnectionRepository
	opts    Options
	metrics *Metrics
	log     logging.Logger
}

//New creates a manager. repo and metrics may be nil.
func New(dialer Dialer, handler MessageHandler, repo ConnectionRepository, opts Options, metrics *Metrics, log logging.Logger) *Manager {
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	if handler == nil {
		handler = func(context.Context, Info, []byte) {}
	}

	return &Manager{
		conns:   map[Key]*connection{},
		dialer:  dialer,
		handler: handler,
		repo:    repo,
		opts:    opts.withDefaults(),
		metrics: metrics,
		log:     log,
	}
}

//Connect makes sure there is a live connection for the target key and returns the outcome
//of the first connection attempt. A connect for a key that is already connecting waits for
//that attempt instead of dialling again, and takes over the reconnect and logging flags of
//the new target. When the attempt fails and auto reconnect is on, the manager keeps
//retrying in the background.
func (m *Manager) Connect(ctx context.Context, target Target) error {
	m.mu.Lock()

	c, ok := m.conns[target.Key]
	for ok && c.running() && c.ctx.Err() != nil {
		// a disconnect is still tearing the previous connection down
		m.mu.Unlock()
		select {
		case <-c.done:
		case <-ctx.Done():
			return ctx.Err()
		}
		m.mu.Lock()
		c, ok = m.conns[target.Key]
	}

	if ok && c.running() {
		changed := c.retarget(target)

		c.mu.Lock()
		connected := c.state == domain.ConnectionConnected
		a := c.pending
		c.mu.Unlock()
		m.mu.Unlock()

		if changed {
			c.persist()
		}
		if connected {
			return nil
		}
		return c.wait(ctx, a)
	}

	c = newConnection(m, target)
	m.conns[target.Key] = c
	a := c.pending
	m.mu.Unlock()

	go c.run()

	return c.wait(ctx, a)
}

//Disconnect turns auto reconnect off and tears the connection down. Disconnecting an
//unknown or already disconnected key does nothing.
func (m *Manager) Disconnect(key Key) {
	m.mu.Lock()
	c, ok := m.conns[key]
	m.mu.Unlock()

	if !ok {
		return
	}

	c.mu.Lock()
	c.autoReconnect = false
	c.mu.Unlock()

	if c.running() {
		m.metrics.inc(m.metrics.disconnects, key.Vendor)
	}
	c.stop()

	if c.setState(domain.ConnectionDisconnected, "") {
		c.persist()
	}
}

//Send queues a payload on a connected connection. The oldest queued payload is dropped when
//the queue is full. Write failures are not reported here, they move the connection to error.
func (m *Manager) Send(key Key, payload []byte) error {
	m.mu.Lock()
	c, ok := m.conns[key]
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("%s: %w", key, domain.ErrNotConnected)
	}

	return c.enqueue(payload)
}

//Broadcast sends the payload on every connected connection of a tenant and returns the
//number of connections it was queued on
func (m *Manager) Broadcast(systemID uint, payload []byte) int {
	sent := 0
	for _, c := range m.tenant(systemID) {
		if c.enqueue(payload) == nil {
			sent++
		}
	}
	return sent
}

//Status returns a snapshot of one connection
func (m *Manager) Status(key Key) (Status, bool) {
	m.mu.Lock()
	c, ok := m.conns[key]
	m.mu.Unlock()

	if !ok {
		return Status{}, false
	}
	return c.status(), true
}

//Statuses returns snapshots of every connection of a tenant ordered by credential
func (m *Manager) Statuses(systemID uint) []Status {
	statuses := []Status{}
	for _, c := range m.tenant(systemID) {
		statuses = append(statuses, c.status())
	}

	sort.Slice(statuses, func(i, j int) bool {
		if statuses[i].Vendor != statuses[j].Vendor {
			return statuses[i].Vendor < statuses[j].Vendor
		}
		return statuses[i].CredentialID < statuses[j].CredentialID
	})

	return statuses
}

//Shutdown closes every connection and keeps the stored auto reconnect flags so that the
//connections can be restored on the next start
func (m *Manager) Shutdown() {
	m.mu.Lock()
	conns := make([]*connection, 0, len(m.conns))
	for _, c := range m.conns {
		conns = append(conns, c)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, c := range conns {
		wg.Add(1)
		go func(c *connection) {
			defer wg.Done()
			c.stop()
		}(c)
	}
	wg.Wait()
}

func (m *Manager) tenant(systemID uint) []*connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	conns := []*connection{}
	for _, c := range m.conns {
		if c.target.SystemID == systemID {
			conns = append(conns, c)
		}
	}
	return conns
}
