package wsmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
)

//attempt is resolved once a dial either succeeds or fails
type attempt struct {
	done chan struct{}
	err  error
}

func newAttempt() *attempt {
	return &attempt{done: make(chan struct{})}
}

type connection struct {
	m      *Manager
	target Target

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wake   chan struct{}

	mu            sync.Mutex
	state         domain.ConnectionStatus
	attempts      int
	lastErr       string
	sessionID     string
	autoReconnect bool
	logging       bool
	connectedAt   *time.Time
	queue         [][]byte
	pending       *attempt
}

func newConnection(m *Manager, target Target) *connection {
	ctx, cancel := context.WithCancel(context.Background())

	return &connection{
		m:             m,
		target:        target,
		ctx:           ctx,
		cancel:        cancel,
		done:          make(chan struct{}),
		wake:          make(chan struct{}, 1),
		autoReconnect: target.AutoReconnect,
		logging:       target.LoggingEnabled,
		pending:       newAttempt(),
	}
}

func (c *connection) running() bool {
	select {
	case <-c.done:
		return false
	default:
		return true
	}
}

func (c *connection) stop() {
	c.cancel()
	<-c.done
}

func (c *connection) wait(ctx context.Context, a *attempt) error {
	select {
	case <-a.done:
		return a.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

//resolve must be called with c.mu held. A final resolution leaves the attempt in place so
//that late waiters return at once.
func (c *connection) resolve(err error, final bool) {
	a := c.pending
	select {
	case <-a.done:
		return
	default:
	}

	a.err = err
	close(a.done)

	if !final {
		c.pending = newAttempt()
	}
}

func (c *connection) run() {
	key := c.target.Key

	defer func() {
		c.mu.Lock()
		c.resolve(fmt.Errorf("%s: %w", key, domain.ErrNotConnected), true)
		c.queue = nil
		c.mu.Unlock()
		close(c.done)
	}()

	for {
		if c.setState(domain.ConnectionConnecting, "") {
			c.persist()
		}

		err := c.connectAndServe()

		c.mu.Lock()
		c.queue = nil
		c.mu.Unlock()

		if c.ctx.Err() != nil {
			if c.setState(domain.ConnectionDisconnected, "") {
				c.persist()
			}
			c.m.log.Infof("Connection %s closed", key)
			return
		}

		c.m.metrics.inc(c.m.metrics.errors, key.Vendor)
		c.m.log.Errorf("Connection %s failed: %s", key, err.Error())
		c.setState(domain.ConnectionError, err.Error())
		c.persist()

		if !c.nextAttempt() {
			c.m.log.Warnf("Giving up on connection %s", key)
			return
		}

		timer := time.NewTimer(c.m.opts.ReconnectInterval)
		select {
		case <-timer.C:
		case <-c.ctx.Done():
			timer.Stop()
			if c.setState(domain.ConnectionDisconnected, "") {
				c.persist()
			}
			return
		}

		c.m.metrics.inc(c.m.metrics.reconnects, key.Vendor)
	}
}

func (c *connection) nextAttempt() bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.autoReconnect {
		return false
	}
	if limit := c.m.opts.MaxReconnectAttempts; limit > 0 && c.attempts >= limit {
		return false
	}

	c.attempts++
	return true
}

func (c *connection) connectAndServe() error {
	dialCtx, cancel := context.WithTimeout(c.ctx, c.m.opts.DialTimeout)
	sock, err := c.m.dialer.Dial(dialCtx, c.target.URL, c.target.Header)
	cancel()

	if err != nil {
		c.mu.Lock()
		c.resolve(err, false)
		c.mu.Unlock()
		return err
	}

	now := time.Now().UTC()

	c.mu.Lock()
	previous := c.state
	c.state = domain.ConnectionConnected
	c.attempts = 0
	c.lastErr = ""
	c.sessionID = uuid.NewString()
	c.connectedAt = &now
	c.resolve(nil, false)
	c.mu.Unlock()

	c.m.metrics.transition(previous, domain.ConnectionConnected)
	c.m.metrics.inc(c.m.metrics.connects, c.target.Vendor)
	c.m.log.Infof("Connection %s established", c.target.Key)
	c.persist()

	return c.serve(sock)
}

func (c *connection) serve(sock Socket) error {
	ctx, cancel := context.WithCancel(c.ctx)
	defer cancel()

	opts := c.m.opts
	readDeadline := func() time.Time {
		return time.Now().Add(opts.PingInterval + opts.PongTimeout)
	}

	sock.SetReadDeadline(readDeadline())
	sock.SetPongHandler(func(string) error {
		return sock.SetReadDeadline(readDeadline())
	})

	var once sync.Once
	var failure error
	fail := func(err error) {
		once.Do(func() { failure = err })
		cancel()
	}

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		c.writeLoop(ctx, sock, fail)
	}()

	go func() {
		defer wg.Done()
		<-ctx.Done()
		if c.ctx.Err() != nil {
			sock.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(opts.WriteTimeout))
		}
		sock.Close()
	}()

	info := c.info()
	for {
		_, payload, err := sock.ReadMessage()
		if err != nil {
			fail(err)
			break
		}

		sock.SetReadDeadline(readDeadline())
		c.m.metrics.inc(c.m.metrics.received, c.target.Vendor)

		if c.loggingEnabled() {
			c.m.log.Debugf("Connection %s received %d bytes", c.target.Key, len(payload))
		}

		c.m.handler(ctx, info, payload)
	}

	wg.Wait()
	return failure
}

func (c *connection) writeLoop(ctx context.Context, sock Socket, fail func(error)) {
	opts := c.m.opts

	ticker := time.NewTicker(opts.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sock.WriteControl(websocket.PingMessage, nil, time.Now().Add(opts.WriteTimeout)); err != nil {
				fail(err)
				return
			}
		case <-c.wake:
			for {
				payload, ok := c.dequeue()
				if !ok {
					break
				}

				sock.SetWriteDeadline(time.Now().Add(opts.WriteTimeout))
				if err := sock.WriteMessage(websocket.TextMessage, payload); err != nil {
					fail(err)
					return
				}
				c.m.metrics.inc(c.m.metrics.sent, c.target.Vendor)
			}
		}
	}
}

func (c *connection) enqueue(payload []byte) error {
	c.mu.Lock()

	if c.state != domain.ConnectionConnected {
		c.mu.Unlock()
		return fmt.Errorf("%s: %w", c.target.Key, domain.ErrNotConnected)
	}

	if len(c.queue) >= c.m.opts.SendQueue {
		c.queue = c.queue[1:]
		c.m.metrics.inc(c.m.metrics.dropped, c.target.Vendor)
	}
	c.queue = append(c.queue, payload)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}

	return nil
}

func (c *connection) dequeue() ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.queue) == 0 {
		return nil, false
	}

	payload := c.queue[0]
	c.queue = c.queue[1:]
	return payload, true
}

//setState reports whether the state changed
func (c *connection) setState(state domain.ConnectionStatus, lastErr string) bool {
	c.mu.Lock()
	previous := c.state
	c.state = state
	if lastErr != "" {
		c.lastErr = lastErr
	}
	c.mu.Unlock()

	c.m.metrics.transition(previous, state)
	return previous != state
}

func (c *connection) loggingEnabled() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.logging
}

//retarget applies the reconnect and logging flags of a repeated connect and reports
//whether they changed
func (c *connection) retarget(target Target) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	changed := c.autoReconnect != target.AutoReconnect || c.logging != target.LoggingEnabled
	c.autoReconnect = target.AutoReconnect
	c.logging = target.LoggingEnabled
	return changed
}

func (c *connection) info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Info{Key: c.target.Key, SystemID: c.target.SystemID, SessionID: c.sessionID}
}

func (c *connection) status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	return Status{
		Vendor:        c.target.Vendor,
		CredentialID:  c.target.CredentialID,
		SystemID:      c.target.SystemID,
		State:         c.state,
		Attempts:      c.attempts,
		LastError:     c.lastErr,
		SessionID:     c.sessionID,
		AutoReconnect: c.autoReconnect,
		ConnectedAt:   c.connectedAt,
	}
}

func (c *connection) persist() {
	if c.m.repo == nil {
		return
	}

	c.mu.Lock()
	record := domain.ConnectionRecord{
		SystemID:       c.target.SystemID,
		Type:           c.target.Vendor,
		ReferenceID:    c.target.CredentialID,
		Status:         c.state,
		AutoReconnect:  c.autoReconnect,
		LastError:      c.lastErr,
		LoggingEnabled: c.logging,
		At:             time.Now().UTC(),
	}
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), c.m.opts.PersistTimeout)
	defer cancel()

	if err := c.m.repo.SaveConnectionState(ctx, record); err != nil {
		c.m.log.Warnf("Failed to store state of connection %s: %s", c.target.Key, err.Error())
	}
}
