package devicesync

import (
	"context"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/logging"
)

//CredentialStore looks up the vendor accounts to poll
type CredentialStore interface {
	GetActiveCredentials(ctx context.Context, systemID uint) ([]domain.Credential, error)
	GetDeviceCredential(ctx context.Context, systemID uint, deviceID string) (*domain.Credential, error)
	GetSystemsWithActiveCredentials(ctx context.Context) ([]uint, error)
}

//StatusSource fetches device state from the vendor cloud
type StatusSource interface {
	AllStatus(ctx context.Context, cred domain.Credential) ([]domain.DeviceReport, error)
	DeviceStatus(ctx context.Context, cred domain.Credential, deviceID string) (*domain.DeviceReport, error)
}

//Poller pulls device state from the vendor cloud, reconciles it and announces the changes
type Poller struct {
	reconciler  *Reconciler
	credentials CredentialStore
	source      StatusSource
	publisher   domain.Publisher
	log         logging.Logger
}

//NewPoller creates a poller
func NewPoller(reconciler *Reconciler, credentials CredentialStore, source StatusSource, publisher domain.Publisher, log logging.Logger) *Poller {
	return &Poller{
		reconciler:  reconciler,
		credentials: credentials,
		source:      source,
		publisher:   publisher,
		log:         log,
	}
}

//Ingest reconciles reports that were pushed to us and publishes one event per changed device
func (p *Poller) Ingest(ctx context.Context, systemID uint, reports []domain.DeviceReport) (Result, error) {
	result, err := p.reconciler.Apply(ctx, systemID, reports)
	if err != nil {
		return result, err
	}

	p.announce(ctx, systemID, result)
	return result, nil
}

//IngestOnline reconciles a pushed online/offline notification
func (p *Poller) IngestOnline(ctx context.Context, systemID uint, deviceID string, online bool) (Result, error) {
	result, err := p.reconciler.SetOnline(ctx, systemID, deviceID, online)
	if err != nil {
		return result, err
	}

	p.announce(ctx, systemID, result)
	return result, nil
}

//PollSystem fetches the state of every device behind the active credentials of a tenant.
//A credential that cannot be polled is logged and the others are still processed.
func (p *Poller) PollSystem(ctx context.Context, systemID uint) (Result, error) {
	total := Result{Changes: []domain.DeviceChange{}}

	credentials, err := p.credentials.GetActiveCredentials(ctx, systemID)
	if err != nil {
		return total, err
	}

	for _, cred := range credentials {
		reports, err := p.source.AllStatus(ctx, cred)
		if err != nil {
			p.log.Errorf("Failed to poll credential %d of system %d: %s", cred.ID, systemID, err.Error())
			continue
		}

		result, err := p.Ingest(ctx, systemID, reports)
		if err != nil {
			return total, err
		}
		total.add(result)
	}

	return total, nil
}

//RefreshDevice fetches and reconciles the state of a single device
func (p *Poller) RefreshDevice(ctx context.Context, systemID uint, deviceID string) (Result, error) {
	cred, err := p.credentials.GetDeviceCredential(ctx, systemID, deviceID)
	if err != nil {
		return Result{}, err
	}

	report, err := p.source.DeviceStatus(ctx, *cred, deviceID)
	if err != nil {
		p.log.Errorf("Failed to refresh device %s: %s", deviceID, err.Error())
		return Result{}, err
	}

	return p.Ingest(ctx, systemID, []domain.DeviceReport{*report})
}

//PollAll polls every tenant that has active credentials
func (p *Poller) PollAll(ctx context.Context) error {
	systems, err := p.credentials.GetSystemsWithActiveCredentials(ctx)
	if err != nil {
		return err
	}

	for _, systemID := range systems {
		if _, err := p.PollSystem(ctx, systemID); err != nil {
			p.log.Errorf("Polling system %d failed: %s", systemID, err.Error())
			if ctx.Err() != nil {
				return ctx.Err()
			}
		}
	}

	return nil
}

//Run implements the scheduler job interface
func (p *Poller) Run() {
	if err := p.PollAll(context.Background()); err != nil {
		p.log.Errorf("Scheduled device poll failed: %s", err.Error())
	}
}

func (p *Poller) announce(ctx context.Context, systemID uint, result Result) {
	for _, change := range result.Changes {
		if err := p.publisher.Publish(ctx, systemID, domain.NewDeviceEvent(systemID, change)); err != nil {
			p.log.Warnf("Failed to publish state of device %s: %s", change.DeviceID, err.Error())
		}
	}
}
