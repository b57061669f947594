package connections

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/application/devicesync"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/wsmanager"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConnectBuildsTheStreamTarget(t *testing.T) {
	store := newStore()
	manager := &managerMock{}
	svc := NewService(manager, store, "", logging.NewLogger())

	status, err := svc.Connect(context.Background(), 1, 3, Options{AutoReconnect: true})
	require.NoError(t, err)

	require.Len(t, manager.targets, 1)
	target := manager.targets[0]
	assert.Equal(t, wsmanager.Key{Vendor: "shelly", CredentialID: 3}, target.Key)
	assert.Equal(t, uint(1), target.SystemID)
	assert.Equal(t, "wss://shelly-13-eu.shelly.cloud:6113/shelly/wss/hk_sock?t=secret", target.URL)
	assert.True(t, target.AutoReconnect)
	assert.Equal(t, domain.ConnectionConnected, status.State)
}

func TestConnectToAnotherTenantsCredentialIsNotFound(t *testing.T) {
	manager := &managerMock{}
	svc := NewService(manager, newStore(), "", logging.NewLogger())

	_, err := svc.Connect(context.Background(), 2, 3, Options{})
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Empty(t, manager.targets)
}

func TestConnectRejectsUnsupportedVendors(t *testing.T) {
	store := newStore()
	store.credentials[4] = domain.Credential{ID: 4, SystemID: 1, Vendor: "tuya", Host: "example.com"}
	svc := NewService(&managerMock{}, store, "", logging.NewLogger())

	_, err := svc.Connect(context.Background(), 1, 4, Options{})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestAFailedFirstAttemptIsReportedInTheStatus(t *testing.T) {
	manager := &managerMock{connectErr: errors.New("dial refused")}
	svc := NewService(manager, newStore(), "", logging.NewLogger())

	status, err := svc.Connect(context.Background(), 1, 3, Options{AutoReconnect: true})
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionError, status.State)
	assert.Equal(t, "dial refused", status.LastError)
}

func TestDisconnectOfAnUnknownConnectionIsDisconnected(t *testing.T) {
	manager := &managerMock{}
	svc := NewService(manager, newStore(), "", logging.NewLogger())

	status, err := svc.Disconnect(context.Background(), 1, 3)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionDisconnected, status.State)
	assert.Equal(t, []wsmanager.Key{{Vendor: "shelly", CredentialID: 3}}, manager.disconnected)
}

func TestDisconnectTurnsOffAutoReconnectOfStoredConnections(t *testing.T) {
	store := newStore()
	store.records = []domain.ConnectionRecord{
		{SystemID: 1, Type: "shelly", ReferenceID: 3, Status: domain.ConnectionError, AutoReconnect: true, LoggingEnabled: true},
	}
	svc := NewService(&managerMock{}, store, "", logging.NewLogger())

	status, err := svc.Disconnect(context.Background(), 1, 3)
	require.NoError(t, err)
	assert.Equal(t, domain.ConnectionDisconnected, status.State)

	restorable, _ := store.GetAutoReconnectConnections(context.Background())
	assert.Empty(t, restorable)

	require.Len(t, store.records, 1)
	assert.Equal(t, domain.ConnectionDisconnected, store.records[0].Status)
	assert.True(t, store.records[0].LoggingEnabled)
}

func TestListMergesLiveAndStoredConnections(t *testing.T) {
	store := newStore()
	store.records = []domain.ConnectionRecord{
		{SystemID: 1, Type: "shelly", ReferenceID: 3, Status: domain.ConnectionConnected, AutoReconnect: true},
		{SystemID: 1, Type: "shelly", ReferenceID: 5, Status: domain.ConnectionError, LastError: "boom", AutoReconnect: true},
	}
	manager := &managerMock{}
	svc := NewService(manager, store, "", logging.NewLogger())

	_, err := svc.Connect(context.Background(), 1, 3, Options{})
	require.NoError(t, err)

	statuses, err := svc.List(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, statuses, 2)
	assert.Equal(t, uint(3), statuses[0].CredentialID)
	assert.Equal(t, uint(5), statuses[1].CredentialID)
	assert.Equal(t, "boom", statuses[1].LastError)
}

func TestRestoreReconnectsAutoReconnectRows(t *testing.T) {
	store := newStore()
	store.records = []domain.ConnectionRecord{
		{SystemID: 1, Type: "shelly", ReferenceID: 3, AutoReconnect: true, LoggingEnabled: true},
		{SystemID: 1, Type: "shelly", ReferenceID: 99, AutoReconnect: true},
		{SystemID: 1, Type: "tuya", ReferenceID: 3, AutoReconnect: true},
	}
	manager := &managerMock{}
	svc := NewService(manager, store, "ws://localhost:9000/stream", logging.NewLogger())

	restored, err := svc.Restore(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, restored)

	require.Len(t, manager.targets, 1)
	assert.Equal(t, "ws://localhost:9000/stream?t=secret", manager.targets[0].URL)
	assert.True(t, manager.targets[0].AutoReconnect)
	assert.True(t, manager.targets[0].LoggingEnabled)
}

func TestFramesAreIngestedThroughTheReconciler(t *testing.T) {
	ingester := &ingesterMock{}
	handle := NewFrameHandler(ingester, logging.NewLogger())
	info := wsmanager.Info{Key: wsmanager.Key{Vendor: "shelly", CredentialID: 3}, SystemID: 1}

	handle(context.Background(), info, []byte(`{"event":"Shelly:StatusOnChange","deviceId":"plug-a","status":{"switch:0":{"output":true,"apower":850.5,"voltage":230.1}}}`))
	handle(context.Background(), info, []byte(`{"event":"Shelly:Online","deviceId":"plug-b","online":0}`))
	handle(context.Background(), info, []byte(`{"event":"Shelly:Unknown","deviceId":"plug-c"}`))
	handle(context.Background(), info, []byte(`not json`))

	require.Len(t, ingester.reports, 1)
	assert.Equal(t, uint(1), ingester.systemID)
	assert.Equal(t, "plug-a", ingester.reports[0].ID)
	assert.True(t, ingester.reports[0].CurrentState.RelayOn)
	assert.Equal(t, map[string]bool{"plug-b": false}, ingester.online)
}

func TestPartialStatusFramesKeepTheStoredRelayState(t *testing.T) {
	repo := &deviceRepoMock{state: domain.DeviceState{Online: true, RelayOn: true, CurrentPower: domain.Float(850.5)}}
	log := logging.NewLogger()
	reconciler := devicesync.NewReconciler(repo, log, 2, time.Second, nil)
	handle := NewFrameHandler(devicesync.NewPoller(reconciler, nil, nil, &publisherMock{}, log), log)
	info := wsmanager.Info{Key: wsmanager.Key{Vendor: "shelly", CredentialID: 3}, SystemID: 1}

	handle(context.Background(), info, []byte(`{"event":"Shelly:StatusOnChange","deviceId":"plug-a","status":{"sys":{"uptime":120}}}`))
	assert.Empty(t, repo.writes)

	handle(context.Background(), info, []byte(`{"event":"Shelly:StatusOnChange","deviceId":"plug-a","status":{"cloud":{"connected":false}}}`))
	require.Len(t, repo.writes, 1)
	assert.Equal(t, false, repo.writes[0][domain.ColumnOnline])
	assert.NotContains(t, repo.writes[0], domain.ColumnRelayOn)
	assert.NotContains(t, repo.writes[0], domain.ColumnCurrentPower)
}

type deviceRepoMock struct {
	mu     sync.Mutex
	state  domain.DeviceState
	writes []map[string]interface{}
}

func (r *deviceRepoMock) GetDeviceState(ctx context.Context, systemID uint, deviceID string) (domain.DeviceState, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state, nil
}

func (r *deviceRepoMock) UpdateDeviceState(ctx context.Context, systemID uint, deviceID string, fields map[string]interface{}) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.writes = append(r.writes, fields)
	r.state = r.state.Apply(fields)
	return nil
}

type publisherMock struct{}

func (p *publisherMock) Publish(ctx context.Context, systemID uint, event domain.Event) error {
	return nil
}

type storeMock struct {
	credentials map[uint]domain.Credential
	records     []domain.ConnectionRecord
}

func newStore() *storeMock {
	return &storeMock{
		credentials: map[uint]domain.Credential{
			3: {ID: 3, SystemID: 1, Vendor: "shelly", Host: "shelly-13-eu.shelly.cloud", AccessToken: "secret"},
		},
	}
}

func (s *storeMock) GetCredential(ctx context.Context, systemID, credentialID uint) (*domain.Credential, error) {
	c, ok := s.credentials[credentialID]
	if !ok || c.SystemID != systemID {
		return nil, domain.NotFoundf("credential %d", credentialID)
	}
	return &c, nil
}

func (s *storeMock) GetConnections(ctx context.Context, systemID uint) ([]domain.ConnectionRecord, error) {
	records := []domain.ConnectionRecord{}
	for _, r := range s.records {
		if r.SystemID == systemID {
			records = append(records, r)
		}
	}
	return records, nil
}

func (s *storeMock) SaveConnectionState(ctx context.Context, record domain.ConnectionRecord) error {
	for i, r := range s.records {
		if r.Type == record.Type && r.ReferenceID == record.ReferenceID {
			s.records[i] = record
			return nil
		}
	}
	s.records = append(s.records, record)
	return nil
}

func (s *storeMock) GetAutoReconnectConnections(ctx context.Context) ([]domain.ConnectionRecord, error) {
	records := []domain.ConnectionRecord{}
	for _, r := range s.records {
		if r.AutoReconnect {
			records = append(records, r)
		}
	}
	return records, nil
}

type managerMock struct {
	mu           sync.Mutex
	connectErr   error
	targets      []wsmanager.Target
	disconnected []wsmanager.Key
	statuses     map[wsmanager.Key]wsmanager.Status
}

func (m *managerMock) Connect(ctx context.Context, target wsmanager.Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.targets = append(m.targets, target)
	if m.statuses == nil {
		m.statuses = map[wsmanager.Key]wsmanager.Status{}
	}

	status := wsmanager.Status{
		Vendor:        target.Vendor,
		CredentialID:  target.CredentialID,
		SystemID:      target.SystemID,
		State:         domain.ConnectionConnected,
		AutoReconnect: target.AutoReconnect,
	}
	if m.connectErr != nil {
		status.State = domain.ConnectionError
		status.LastError = m.connectErr.Error()
	}
	m.statuses[target.Key] = status

	return m.connectErr
}

func (m *managerMock) Disconnect(key wsmanager.Key) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected = append(m.disconnected, key)
}

func (m *managerMock) Status(key wsmanager.Key) (wsmanager.Status, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.statuses[key]
	return s, ok
}

func (m *managerMock) Statuses(systemID uint) []wsmanager.Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	statuses := []wsmanager.Status{}
	for _, s := range m.statuses {
		if s.SystemID == systemID {
			statuses = append(statuses, s)
		}
	}
	return statuses
}

type ingesterMock struct {
	systemID uint
	reports  []domain.DeviceReport
	online   map[string]bool
}

func (i *ingesterMock) Ingest(ctx context.Context, systemID uint, reports []domain.DeviceReport) (devicesync.Result, error) {
	i.systemID = systemID
	i.reports = append(i.reports, reports...)
	return devicesync.Result{Updated: len(reports)}, nil
}

func (i *ingesterMock) IngestOnline(ctx context.Context, systemID uint, deviceID string, online bool) (devicesync.Result, error) {
	if i.online == nil {
		i.online = map[string]bool{}
	}
	i.online[deviceID] = online
	return devicesync.Result{Updated: 1}, nil
}
