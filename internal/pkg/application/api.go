package application

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"
	"github.com/go-playground/validator/v10"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/application/connections"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/logging"
)

//TenantHeader carries the tenant (system) id of every request
const TenantHeader = "X-System-ID"

type tenantKey struct{}

var validate = validator.New()

//tenantMiddleware rejects requests without a valid tenant. The systemId query parameter is
//accepted in place of the header for websocket upgrades.
func tenantMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		value := r.Header.Get(TenantHeader)
		if value == "" {
			value = r.URL.Query().Get("systemId")
		}

		systemID, err := strconv.ParseUint(value, 10, 32)
		if err != nil || systemID == 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "missing or invalid " + TenantHeader + " header"})
			return
		}

		ctx := context.WithValue(r.Context(), tenantKey{}, uint(systemID))
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func tenant(r *http.Request) uint {
	systemID, _ := r.Context().Value(tenantKey{}).(uint)
	return systemID
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrNotConnected):
		return http.StatusConflict
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrRemoteUnavailable):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func writeError(log logging.Logger, w http.ResponseWriter, r *http.Request, err error) {
	status := statusOf(err)
	if status == http.StatusInternalServerError {
		log.Errorf("%s %s failed: %s", r.Method, r.URL.Path, err.Error())
		writeJSON(w, status, errorBody{Error: "internal error"})
		return
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func invalidInput(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", domain.ErrInvalidInput, fmt.Sprintf(format, args...))
}

func pathID(r *http.Request, name string) (uint, error) {
	id, err := strconv.ParseUint(chi.URLParam(r, name), 10, 32)
	if err != nil || id == 0 {
		return 0, invalidInput("%s must be a positive integer", name)
	}
	return uint(id), nil
}

//decodeBody decodes and validates a json body. An empty body is accepted when optional is set.
func decodeBody(r *http.Request, body interface{}, optional bool) error {
	err := json.NewDecoder(r.Body).Decode(body)
	if errors.Is(err, io.EOF) && optional {
		return nil
	}
	if err != nil {
		return invalidInput("malformed request body: %s", err.Error())
	}
	if err = validate.Struct(body); err != nil {
		return invalidInput("%s", err.Error())
	}
	return nil
}

type deviceView struct {
	domain.DeviceBinding
	Active bool `json:"active"`
}

func listDevices(log logging.Logger, registry DeviceRegistry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var clinicID *uint
		if value := r.URL.Query().Get("clinicId"); value != "" {
			id, err := strconv.ParseUint(value, 10, 32)
			if err != nil {
				writeError(log, w, r, invalidInput("clinicId must be a positive integer"))
				return
			}
			clinic := uint(id)
			clinicID = &clinic
		}

		bindings, err := registry.ListBindings(r.Context(), tenant(r), clinicID)
		if err != nil {
			writeError(log, w, r, err)
			return
		}

		devices := make([]deviceView, 0, len(bindings))
		for _, b := range bindings {
			devices = append(devices, deviceView{DeviceBinding: b, Active: b.IsActive()})
		}
		writeJSON(w, http.StatusOK, devices)
	}
}

type telemetryReport struct {
	ID           string              `json:"id" validate:"required"`
	CurrentState *domain.DeviceState `json:"currentState" validate:"required"`
}

func ingestTelemetry(log logging.Logger, sync DeviceSync) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		batch := []telemetryReport{}
		if err := json.NewDecoder(r.Body).Decode(&batch); err != nil {
			writeError(log, w, r, invalidInput("telemetry must be an array of device reports: %s", err.Error()))
			return
		}

		reports := make([]domain.DeviceReport, 0, len(batch))
		for idx := range batch {
			if err := validate.Struct(batch[idx]); err != nil {
				writeError(log, w, r, invalidInput("report %d: %s", idx, err.Error()))
				return
			}
			reports = append(reports, domain.DeviceReport{ID: batch[idx].ID, CurrentState: *batch[idx].CurrentState})
		}

		result, err := sync.Ingest(r.Context(), tenant(r), reports)
		if err != nil {
			writeError(log, w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func refreshDevice(log logging.Logger, sync DeviceSync) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		result, err := sync.RefreshDevice(r.Context(), tenant(r), chi.URLParam(r, "deviceID"))
		if err != nil {
			writeError(log, w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

func listUsages(log logging.Logger, tracker UsageTracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appointmentID, err := pathID(r, "appointmentID")
		if err != nil {
			writeError(log, w, r, err)
			return
		}

		timers, err := tracker.List(r.Context(), tenant(r), appointmentID)
		if err != nil {
			writeError(log, w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, timers)
	}
}

type startRequest struct {
	EquipmentID uint `json:"equipmentId" validate:"required"`
}

func startUsage(log logging.Logger, tracker UsageTracker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appointmentID, err := pathID(r, "appointmentID")
		if err != nil {
			writeError(log, w, r, err)
			return
		}

		body := startRequest{}
		if err = decodeBody(r, &body, false); err != nil {
			writeError(log, w, r, err)
			return
		}

		u, err := tracker.Start(r.Context(), tenant(r), appointmentID, body.EquipmentID)
		if err != nil {
			writeError(log, w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, u)
	}
}

type pauseRequest struct {
	Reason string `json:"reason" validate:"max=255"`
}

type usageAction func(ctx context.Context, r *http.Request, systemID, appointmentID, usageID uint) (*domain.Usage, error)

func usageTransition(log logging.Logger, action usageAction) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		appointmentID, err := pathID(r, "appointmentID")
		if err != nil {
			writeError(log, w, r, err)
			return
		}
		usageID, err := pathID(r, "usageID")
		if err != nil {
			writeError(log, w, r, err)
			return
		}

		u, err := action(r.Context(), r, tenant(r), appointmentID, usageID)
		if err != nil {
			writeError(log, w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, u)
	}
}

func pauseUsage(log logging.Logger, tracker UsageTracker) http.HandlerFunc {
	return usageTransition(log, func(ctx context.Context, r *http.Request, systemID, appointmentID, usageID uint) (*domain.Usage, error) {
		body := pauseRequest{}
		if err := decodeBody(r, &body, true); err != nil {
			return nil, err
		}
		return tracker.Pause(ctx, systemID, appointmentID, usageID, body.Reason)
	})
}

func resumeUsage(log logging.Logger, tracker UsageTracker) http.HandlerFunc {
	return usageTransition(log, func(ctx context.Context, r *http.Request, systemID, appointmentID, usageID uint) (*domain.Usage, error) {
		return tracker.Resume(ctx, systemID, appointmentID, usageID)
	})
}

func stopUsage(log logging.Logger, tracker UsageTracker) http.HandlerFunc {
	return usageTransition(log, func(ctx context.Context, r *http.Request, systemID, appointmentID, usageID uint) (*domain.Usage, error) {
		return tracker.Stop(ctx, systemID, appointmentID, usageID)
	})
}

func listConnections(log logging.Logger, control ConnectionControl) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		statuses, err := control.List(r.Context(), tenant(r))
		if err != nil {
			writeError(log, w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, statuses)
	}
}

type connectRequest struct {
	AutoReconnect  *bool `json:"autoReconnect"`
	LoggingEnabled bool  `json:"loggingEnabled"`
}

func connect(log logging.Logger, control ConnectionControl) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		credentialID, err := pathID(r, "credentialID")
		if err != nil {
			writeError(log, w, r, err)
			return
		}

		body := connectRequest{}
		if err = decodeBody(r, &body, true); err != nil {
			writeError(log, w, r, err)
			return
		}

		opts := connections.Options{AutoReconnect: true, LoggingEnabled: body.LoggingEnabled}
		if body.AutoReconnect != nil {
			opts.AutoReconnect = *body.AutoReconnect
		}

		status, err := control.Connect(r.Context(), tenant(r), credentialID, opts)
		if err != nil {
			writeError(log, w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func disconnect(log logging.Logger, control ConnectionControl) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		credentialID, err := pathID(r, "credentialID")
		if err != nil {
			writeError(log, w, r, err)
			return
		}

		status, err := control.Disconnect(r.Context(), tenant(r), credentialID)
		if err != nil {
			writeError(log, w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, status)
	}
}

func recomputeAnomalies(log logging.Logger, scoring AnomalyScoring) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		summary, err := scoring.Recompute(r.Context(), tenant(r))
		if err != nil {
			writeError(log, w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, summary)
	}
}

func listScores(log logging.Logger, read func(context.Context, uint) ([]domain.AnomalyScore, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scores, err := read(r.Context(), tenant(r))
		if err != nil {
			writeError(log, w, r, err)
			return
		}
		if scores == nil {
			scores = []domain.AnomalyScore{}
		}
		writeJSON(w, http.StatusOK, scores)
	}
}

func subscribe(events EventStream) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		events.Subscribe(w, r, tenant(r))
	}
}
