//Package connections manages the push connections of vendor credentials on behalf of a tenant
package connections

import (
	"context"
	"fmt"
	"time"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/vendorcloud"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/wsmanager"
)

//Store reads credentials and reads and writes persisted connection state
type Store interface {
	GetCredential(ctx context.Context, systemID, credentialID uint) (*domain.Credential, error)
	GetConnections(ctx context.Context, systemID uint) ([]domain.ConnectionRecord, error)
	GetAutoReconnectConnections(ctx context.Context) ([]domain.ConnectionRecord, error)
	SaveConnectionState(ctx context.Context, record domain.ConnectionRecord) error
}

//Manager is the part of the connection manager used here
type Manager interface {
	Connect(ctx context.Context, target wsmanager.Target) error
	Disconnect(key wsmanager.Key)
	Status(key wsmanager.Key) (wsmanager.Status, bool)
	Statuses(systemID uint) []wsmanager.Status
}

//Options are chosen by the caller of Connect
type Options struct {
	AutoReconnect  bool `json:"autoReconnect"`
	LoggingEnabled bool `json:"loggingEnabled"`
}

//Service connects and disconnects credentials of a tenant
type Service struct {
	manager  Manager
	store    Store
	override string
	log      logging.Logger
}

//NewService creates a service. streamOverride replaces the push endpoint of every credential when set.
func NewService(manager Manager, store Store, streamOverride string, log logging.Logger) *Service {
	return &Service{manager: manager, store: store, override: streamOverride, log: log}
}

func key(credentialID uint) wsmanager.Key {
	return wsmanager.Key{Vendor: vendorcloud.Vendor, CredentialID: credentialID}
}

//Connect opens the push connection of a credential. A failed first attempt is reported in
//the returned status, not as an error.
func (s *Service) Connect(ctx context.Context, systemID, credentialID uint, opts Options) (wsmanager.Status, error) {
	cred, err := s.store.GetCredential(ctx, systemID, credentialID)
	if err != nil {
		return wsmanager.Status{}, err
	}
	if cred.Vendor != "" && cred.Vendor != vendorcloud.Vendor {
		return wsmanager.Status{}, fmt.Errorf("%w: credential %d belongs to unsupported vendor %q", domain.ErrInvalidInput, credentialID, cred.Vendor)
	}

	if err := s.manager.Connect(ctx, s.target(*cred, opts)); err != nil {
		s.log.Warnf("Connecting credential %d failed: %s", credentialID, err.Error())
	}

	status, _ := s.manager.Status(key(credentialID))
	return status, nil
}

//Disconnect closes the push connection of a credential and turns auto reconnect off
func (s *Service) Disconnect(ctx context.Context, systemID, credentialID uint) (wsmanager.Status, error) {
	if _, err := s.store.GetCredential(ctx, systemID, credentialID); err != nil {
		return wsmanager.Status{}, err
	}

	s.manager.Disconnect(key(credentialID))

	status, ok := s.manager.Status(key(credentialID))
	if !ok {
		if err := s.disconnectStored(ctx, systemID, credentialID); err != nil {
			return wsmanager.Status{}, err
		}
		status = wsmanager.Status{
			Vendor:       vendorcloud.Vendor,
			CredentialID: credentialID,
			SystemID:     systemID,
			State:        domain.ConnectionDisconnected,
		}
	}
	return status, nil
}

//disconnectStored marks a stored connection without a live counterpart as disconnected so
//that it is not restored on the next start
func (s *Service) disconnectStored(ctx context.Context, systemID, credentialID uint) error {
	records, err := s.store.GetConnections(ctx, systemID)
	if err != nil {
		return err
	}

	for _, r := range records {
		if r.Type != vendorcloud.Vendor || r.ReferenceID != credentialID {
			continue
		}
		if !r.AutoReconnect && r.Status == domain.ConnectionDisconnected {
			return nil
		}

		r.Status = domain.ConnectionDisconnected
		r.AutoReconnect = false
		r.At = time.Now().UTC()
		return s.store.SaveConnectionState(ctx, r)
	}

	return nil
}

//List returns the live connections of a tenant followed by the stored ones that are not live
func (s *Service) List(ctx context.Context, systemID uint) ([]wsmanager.Status, error) {
	statuses := s.manager.Statuses(systemID)

	live := map[wsmanager.Key]bool{}
	for _, st := range statuses {
		live[wsmanager.Key{Vendor: st.Vendor, CredentialID: st.CredentialID}] = true
	}

	records, err := s.store.GetConnections(ctx, systemID)
	if err != nil {
		return nil, err
	}

	for _, r := range records {
		if live[wsmanager.Key{Vendor: r.Type, CredentialID: r.ReferenceID}] {
			continue
		}
		statuses = append(statuses, wsmanager.Status{
			Vendor:        r.Type,
			CredentialID:  r.ReferenceID,
			SystemID:      r.SystemID,
			State:         r.Status,
			LastError:     r.LastError,
			AutoReconnect: r.AutoReconnect,
		})
	}

	return statuses, nil
}

//Restore reconnects every stored connection that had auto reconnect enabled. It returns
//the number of connections that were restored.
func (s *Service) Restore(ctx context.Context) (int, error) {
	records, err := s.store.GetAutoReconnectConnections(ctx)
	if err != nil {
		return 0, err
	}

	restored := 0
	for _, r := range records {
		if r.Type != vendorcloud.Vendor {
			continue
		}

		cred, err := s.store.GetCredential(ctx, r.SystemID, r.ReferenceID)
		if err != nil {
			s.log.Warnf("Not restoring connection of credential %d: %s", r.ReferenceID, err.Error())
			continue
		}

		target := s.target(*cred, Options{AutoReconnect: true, LoggingEnabled: r.LoggingEnabled})
		if err := s.manager.Connect(ctx, target); err != nil {
			s.log.Warnf("Restored connection of credential %d is not up yet: %s", r.ReferenceID, err.Error())
		}
		restored++
	}

	return restored, nil
}

func (s *Service) target(cred domain.Credential, opts Options) wsmanager.Target {
	return wsmanager.Target{
		Key:            key(cred.ID),
		SystemID:       cred.SystemID,
		URL:            vendorcloud.StreamURL(cred, s.override),
		AutoReconnect:  opts.AutoReconnect,
		LoggingEnabled: opts.LoggingEnabled,
	}
}
