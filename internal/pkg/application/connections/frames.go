package connections

import (
	"context"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/application/devicesync"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/vendorcloud"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/wsmanager"
)

//Ingester reconciles pushed device state
type Ingester interface {
	Ingest(ctx context.Context, systemID uint, reports []domain.DeviceReport) (devicesync.Result, error)
	IngestOnline(ctx context.Context, systemID uint, deviceID string, online bool) (devicesync.Result, error)
}

//NewFrameHandler decodes pushed frames and feeds them to the ingester
func NewFrameHandler(ingester Ingester, log logging.Logger) wsmanager.MessageHandler {
	return func(ctx context.Context, info wsmanager.Info, payload []byte) {
		event, ok, err := vendorcloud.DecodeEvent(payload)
		if err != nil {
			log.Warnf("Discarding undecodable frame on connection %s: %s", info.Key, err.Error())
			return
		}
		if !ok {
			return
		}

		if event.State != nil {
			report := domain.DeviceReport{ID: event.DeviceID, CurrentState: *event.State}
			_, err = ingester.Ingest(ctx, info.SystemID, []domain.DeviceReport{report})
		} else if event.Online != nil {
			_, err = ingester.IngestOnline(ctx, info.SystemID, event.DeviceID, *event.Online)
		}

		if err != nil {
			log.Errorf("Failed to ingest %s for device %s: %s", event.Name, event.DeviceID, err.Error())
		}
	}
}
