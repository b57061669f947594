package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/go-chi/chi"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/logging"

	"github.com/iot-for-tillgenglighet/ngsi-ld-golang/pkg/datamodels/fiware"
	ngsi "github.com/iot-for-tillgenglighet/ngsi-ld-golang/pkg/ngsi-ld"
)

//createContextRegistry creates a registry scoped to the tenant and context of one request
func createContextRegistry(ctx context.Context, systemID uint, log logging.Logger, svc Services) ngsi.ContextRegistry {
	contextRegistry := ngsi.NewContextRegistry()
	ctxSource := contextSource{
		ctx:      ctx,
		systemID: systemID,
		registry: svc.Registry,
		sync:     svc.Sync,
		log:      log,
	}
	contextRegistry.Register(&ctxSource)
	return contextRegistry
}

func queryEntities(log logging.Logger, svc Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctxreg := createContextRegistry(r.Context(), tenant(r), log, svc)
		ngsi.NewQueryEntitiesHandler(ctxreg).ServeHTTP(w, r)
	}
}

func updateEntityAttributes(log logging.Logger, svc Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctxreg := createContextRegistry(r.Context(), tenant(r), log, svc)
		ngsi.NewUpdateEntityAttributesHandler(ctxreg).ServeHTTP(w, r)
	}
}

func retrieveEntity(log logging.Logger, svc Services) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cs := contextSource{ctx: r.Context(), systemID: tenant(r), registry: svc.Registry, log: log}

		entityID := chi.URLParam(r, "entity")
		if !cs.ProvidesEntitiesWithMatchingID(entityID) {
			writeError(log, w, r, domain.NotFoundf("entity %s", entityID))
			return
		}

		device, err := cs.retrieveDevice(entityID)
		if err != nil {
			writeError(log, w, r, err)
			return
		}

		w.Header().Set("Content-Type", "application/ld+json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(device)
	}
}

type contextSource struct {
	ctx      context.Context
	systemID uint
	registry DeviceRegistry
	sync     DeviceSync
	log      logging.Logger
}

func (cs contextSource) ProvidesEntitiesWithMatchingID(entityID string) bool {
	return strings.HasPrefix(entityID, fiware.DeviceIDPrefix)
}

func (cs *contextSource) CreateEntity(typeName, entityID string, req ngsi.Request) error {
	return fmt.Errorf("%w: devices of type %s are provisioned through the device registry", domain.ErrInvalidInput, typeName)
}

func (cs *contextSource) GetEntities(query ngsi.Query, callback ngsi.QueryEntitiesCallback) error {
	if query == nil {
		return errors.New("GetEntities: query may not be nil")
	}

	for _, typeName := range query.EntityTypes() {
		if typeName != "Device" {
			continue
		}

		bindings, err := cs.registry.ListBindings(cs.ctx, cs.systemID, nil)
		if err != nil {
			return fmt.Errorf("unable to get Devices: %w", err)
		}

		for _, b := range bindings {
			if err = callback(fiware.NewDevice(fiware.DeviceIDPrefix+b.DeviceID, encodeValue(b.State))); err != nil {
				return err
			}
		}
	}

	return nil
}

func (cs *contextSource) retrieveDevice(entityID string) (*fiware.Device, error) {
	b, err := cs.registry.ResolveDevice(cs.ctx, cs.systemID, strings.TrimPrefix(entityID, fiware.DeviceIDPrefix))
	if err != nil {
		return nil, err
	}
	return fiware.NewDevice(entityID, encodeValue(b.State)), nil
}

func (cs contextSource) ProvidesAttribute(attributeName string) bool {
	return attributeName == "value"
}

func (cs contextSource) ProvidesType(typeName string) bool {
	return typeName == "Device"
}

type valuePatch struct {
	Value *struct {
		Value string `json:"value"`
	} `json:"value"`
}

func (cs *contextSource) UpdateEntityAttributes(entityID string, req ngsi.Request) error {
	patch := &valuePatch{}
	err := req.DecodeBodyInto(patch)
	if err != nil {
		cs.log.Errorf("Failed to decode PATCH body in UpdateEntityAttributes: %s", err.Error())
		return err
	}
	if patch.Value == nil {
		return fmt.Errorf("%w: the patch has no value attribute", domain.ErrInvalidInput)
	}

	deviceID := strings.TrimPrefix(entityID, fiware.DeviceIDPrefix)

	b, err := cs.registry.ResolveDevice(cs.ctx, cs.systemID, deviceID)
	if err != nil {
		return err
	}

	state, err := decodeValue(b.State, patch.Value.Value)
	if err != nil {
		cs.log.Warnf("Ignoring malformed value %q for device %s: %s", patch.Value.Value, deviceID, err.Error())
		return err
	}

	_, err = cs.sync.Ingest(cs.ctx, cs.systemID, []domain.DeviceReport{{ID: deviceID, CurrentState: state}})
	return err
}

//encodeValue renders a device state as the compact value string, e.g. on=1;relay=1;p=850.5
func encodeValue(state domain.DeviceState) string {
	parts := []string{"on=" + flag(state.Online), "relay=" + flag(state.RelayOn)}

	readings := []struct {
		key   string
		value *float64
	}{
		{"p", state.CurrentPower},
		{"v", state.Voltage},
		{"t", state.Temperature},
		{"e", state.EnergyTotal},
	}
	for _, r := range readings {
		if r.value != nil {
			parts = append(parts, r.key+"="+strconv.FormatFloat(*r.value, 'f', -1, 64))
		}
	}

	return strings.Join(parts, ";")
}

func flag(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

//decodeValue parses a value string on top of the stored online and relay flags. Readings
//that are not part of the value are left absent so they are not treated as changes.
func decodeValue(stored domain.DeviceState, value string) (domain.DeviceState, error) {
	decoded, err := url.QueryUnescape(value)
	if err != nil {
		return domain.DeviceState{}, fmt.Errorf("%w: %s", domain.ErrInvalidInput, err.Error())
	}

	state := domain.DeviceState{Online: stored.Online, RelayOn: stored.RelayOn}

	for _, pair := range strings.Split(decoded, ";") {
		parts := strings.SplitN(strings.TrimSpace(pair), "=", 2)
		if len(parts) != 2 {
			continue
		}

		key, raw := parts[0], parts[1]
		switch key {
		case "on", "relay":
			on := raw == "1" || raw == "true"
			if !on && raw != "0" && raw != "false" {
				return state, fmt.Errorf("%w: %s must be 0 or 1", domain.ErrInvalidInput, key)
			}
			if key == "on" {
				state.Online = on
			} else {
				state.RelayOn = on
			}
		case "p", "v", "t", "e":
			f, err := strconv.ParseFloat(raw, 64)
			if err != nil {
				return state, fmt.Errorf("%w: %s is not a number", domain.ErrInvalidInput, key)
			}
			switch key {
			case "p":
				state.CurrentPower = &f
			case "v":
				state.Voltage = &f
			case "t":
				state.Temperature = &f
			case "e":
				state.EnergyTotal = &f
			}
		}
	}

	return state, nil
}
