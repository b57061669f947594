package wsmanager

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/logging"
)

type repoMock struct {
	mu      sync.Mutex
	records []domain.ConnectionRecord
}

func (r *repoMock) SaveConnectionState(ctx context.Context, record domain.ConnectionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, record)
	return nil
}

func (r *repoMock) last() domain.ConnectionRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.records[len(r.records)-1]
}

type countingDialer struct {
	dialer Dialer
	dials  int32
	delay  time.Duration
}

func (d *countingDialer) Dial(ctx context.Context, url string, header http.Header) (Socket, error) {
	atomic.AddInt32(&d.dials, 1)
	time.Sleep(d.delay)
	return d.dialer.Dial(ctx, url, header)
}

func (d *countingDialer) count() int {
	return int(atomic.LoadInt32(&d.dials))
}

type server struct {
	*httptest.Server
	upgrades int32
}

func (s *server) wsURL() string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

//newServer starts a websocket endpoint that hands every accepted socket to serve
func newServer(t *testing.T, serve func(conn *websocket.Conn)) *server {
	s := &server{}
	upgrader := websocket.Upgrader{}

	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		atomic.AddInt32(&s.upgrades, 1)
		defer conn.Close()
		serve(conn)
	}))
	t.Cleanup(s.Close)

	return s
}

func echo(conn *websocket.Conn) {
	for {
		mt, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if conn.WriteMessage(mt, msg) != nil {
			return
		}
	}
}

func testOptions() Options {
	return Options{
		PingInterval:         time.Second,
		PongTimeout:          time.Second,
		ReconnectInterval:    20 * time.Millisecond,
		MaxReconnectAttempts: 3,
		SendQueue:            4,
		WriteTimeout:         time.Second,
		DialTimeout:          time.Second,
	}
}

func newTestManager(t *testing.T, dialer Dialer, handler MessageHandler, repo ConnectionRepository, opts Options) *Manager {
	m := New(dialer, handler, repo, opts, NewMetrics(prometheus.NewRegistry()), logging.NewLogger())
	t.Cleanup(m.Shutdown)
	return m
}

func target(url string, auto bool) Target {
	return Target{Key: Key{Vendor: "shelly", CredentialID: 3}, SystemID: 1, URL: url, AutoReconnect: auto}
}

func TestConnectSendAndReceive(t *testing.T) {
	s := newServer(t, echo)
	received := make(chan string, 1)

	handler := func(ctx context.Context, info Info, payload []byte) {
		assert.Equal(t, uint(1), info.SystemID)
		assert.NotEmpty(t, info.SessionID)
		received <- string(payload)
	}

	repo := &repoMock{}
	m := newTestManager(t, NewDialer(time.Second), handler, repo, testOptions())
	tgt := target(s.wsURL(), true)

	require.NoError(t, m.Connect(context.Background(), tgt))
	require.NoError(t, m.Send(tgt.Key, []byte("hello")))

	select {
	case msg := <-received:
		assert.Equal(t, "hello", msg)
	case <-time.After(2 * time.Second):
		t.Fatal("Echo was never received")
	}

	status, ok := m.Status(tgt.Key)
	require.True(t, ok)
	assert.Equal(t, domain.ConnectionConnected, status.State)
	assert.Equal(t, domain.ConnectionConnected, repo.last().Status)

	assert.Equal(t, 1, m.Broadcast(1, []byte("all")))
	assert.Equal(t, 0, m.Broadcast(2, []byte("none")))
}

func TestThatDisconnectIsIdempotent(t *testing.T) {
	s := newServer(t, echo)
	repo := &repoMock{}
	m := newTestManager(t, NewDialer(time.Second), nil, repo, testOptions())
	tgt := target(s.wsURL(), true)

	require.NoError(t, m.Connect(context.Background(), tgt))

	m.Disconnect(tgt.Key)
	m.Disconnect(tgt.Key)
	m.Disconnect(Key{Vendor: "shelly", CredentialID: 99})

	status, _ := m.Status(tgt.Key)
	assert.Equal(t, domain.ConnectionDisconnected, status.State)
	assert.False(t, status.AutoReconnect)

	record := repo.last()
	assert.Equal(t, domain.ConnectionDisconnected, record.Status)
	assert.False(t, record.AutoReconnect)

	err := m.Send(tgt.Key, []byte("late"))
	assert.True(t, errors.Is(err, domain.ErrNotConnected))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&s.upgrades))
}

func TestThatDroppedConnectionsAreReconnected(t *testing.T) {
	var first int32
	s := newServer(t, func(conn *websocket.Conn) {
		if atomic.CompareAndSwapInt32(&first, 0, 1) {
			return
		}
		echo(conn)
	})

	m := newTestManager(t, NewDialer(time.Second), nil, nil, testOptions())
	tgt := target(s.wsURL(), true)

	require.NoError(t, m.Connect(context.Background(), tgt))

	require.Eventually(t, func() bool {
		status, _ := m.Status(tgt.Key)
		return atomic.LoadInt32(&s.upgrades) == 2 && status.State == domain.ConnectionConnected
	}, 3*time.Second, 10*time.Millisecond)

	status, _ := m.Status(tgt.Key)
	assert.Equal(t, 0, status.Attempts)
}

func TestThatMissingPongsForceAReconnect(t *testing.T) {
	s := newServer(t, func(conn *websocket.Conn) {
		time.Sleep(500 * time.Millisecond)
	})

	opts := testOptions()
	opts.PingInterval = 20 * time.Millisecond
	opts.PongTimeout = 20 * time.Millisecond

	m := newTestManager(t, NewDialer(time.Second), nil, nil, opts)
	require.NoError(t, m.Connect(context.Background(), target(s.wsURL(), true)))

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&s.upgrades) >= 2
	}, 3*time.Second, 10*time.Millisecond)
}

func TestThatConcurrentConnectsDialOnce(t *testing.T) {
	s := newServer(t, echo)
	dialer := &countingDialer{dialer: NewDialer(time.Second), delay: 50 * time.Millisecond}
	m := newTestManager(t, dialer, nil, nil, testOptions())
	tgt := target(s.wsURL(), true)

	var wg sync.WaitGroup
	errs := make(chan error, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- m.Connect(context.Background(), tgt)
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		assert.NoError(t, err)
	}
	assert.Equal(t, 1, dialer.count())
	assert.Len(t, m.Statuses(1), 1)
}

func TestThatReconnectsStopAtTheAttemptLimit(t *testing.T) {
	s := newServer(t, echo)
	url := s.wsURL()
	s.Close()

	dialer := &countingDialer{dialer: NewDialer(time.Second)}
	repo := &repoMock{}
	opts := testOptions()
	opts.MaxReconnectAttempts = 2

	m := newTestManager(t, dialer, nil, repo, opts)
	tgt := target(url, true)

	err := m.Connect(context.Background(), tgt)
	require.Error(t, err)

	require.Eventually(t, func() bool {
		m.mu.Lock()
		c := m.conns[tgt.Key]
		m.mu.Unlock()
		return !c.running()
	}, 3*time.Second, 10*time.Millisecond)

	status, _ := m.Status(tgt.Key)
	assert.Equal(t, domain.ConnectionError, status.State)
	assert.Equal(t, 2, status.Attempts)
	assert.NotEmpty(t, status.LastError)
	assert.Equal(t, 3, dialer.count())
	assert.Equal(t, domain.ConnectionError, repo.last().Status)
}

func TestThatFailedConnectsWithoutAutoReconnectDoNotRetry(t *testing.T) {
	s := newServer(t, echo)
	url := s.wsURL()
	s.Close()

	dialer := &countingDialer{dialer: NewDialer(time.Second)}
	m := newTestManager(t, dialer, nil, nil, testOptions())

	assert.Error(t, m.Connect(context.Background(), target(url, false)))

	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, dialer.count())
}

func TestThatTheSendQueueDropsTheOldestPayload(t *testing.T) {
	m := newTestManager(t, NewDialer(time.Second), nil, nil, testOptions())
	c := newConnection(m, target("ws://unused", false))
	c.state = domain.ConnectionConnected

	for _, p := range []string{"1", "2", "3", "4", "5", "6"} {
		require.NoError(t, c.enqueue([]byte(p)))
	}

	queued := []string{}
	for {
		p, ok := c.dequeue()
		if !ok {
			break
		}
		queued = append(queued, string(p))
	}

	assert.Equal(t, []string{"3", "4", "5", "6"}, queued)
}

func TestThatShutdownKeepsAutoReconnect(t *testing.T) {
	s := newServer(t, echo)
	repo := &repoMock{}
	m := New(NewDialer(time.Second), nil, repo, testOptions(), nil, logging.NewLogger())
	tgt := target(s.wsURL(), true)

	require.NoError(t, m.Connect(context.Background(), tgt))
	m.Shutdown()

	record := repo.last()
	assert.Equal(t, domain.ConnectionDisconnected, record.Status)
	assert.True(t, record.AutoReconnect)
}

func TestThatAReconnectTakesOverTheTargetFlags(t *testing.T) {
	s := newServer(t, echo)
	repo := &repoMock{}
	m := newTestManager(t, NewDialer(time.Second), nil, repo, testOptions())

	require.NoError(t, m.Connect(context.Background(), target(s.wsURL(), false)))

	tgt := target(s.wsURL(), true)
	tgt.LoggingEnabled = true
	require.NoError(t, m.Connect(context.Background(), tgt))

	status, ok := m.Status(tgt.Key)
	require.True(t, ok)
	assert.True(t, status.AutoReconnect)

	record := repo.last()
	assert.Equal(t, domain.ConnectionConnected, record.Status)
	assert.True(t, record.AutoReconnect)
	assert.True(t, record.LoggingEnabled)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), atomic.LoadInt32(&s.upgrades))
}

func TestThatConnectDuringTeardownDialsAgain(t *testing.T) {
	s := newServer(t, echo)
	m := newTestManager(t, NewDialer(time.Second), nil, nil, testOptions())
	tgt := target(s.wsURL(), false)

	require.NoError(t, m.Connect(context.Background(), tgt))

	m.mu.Lock()
	old := m.conns[tgt.Key]
	m.mu.Unlock()
	old.cancel()

	require.NoError(t, m.Connect(context.Background(), tgt))

	m.mu.Lock()
	current := m.conns[tgt.Key]
	m.mu.Unlock()

	assert.NotSame(t, old, current)
	status, _ := m.Status(tgt.Key)
	assert.Equal(t, domain.ConnectionConnected, status.State)
	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&s.upgrades) == 2
	}, 2*time.Second, 10*time.Millisecond)
}
