package application

import (
	"compress/flate"
	"context"
	"net/http"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/application/anomaly"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/application/connections"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/application/devicesync"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/wsmanager"

	"github.com/rs/cors"
)

//DeviceRegistry resolves devices to their equipment placement
type DeviceRegistry interface {
	ListBindings(ctx context.Context, systemID uint, clinicID *uint) ([]domain.DeviceBinding, error)
	ResolveDevice(ctx context.Context, systemID uint, deviceID string) (*domain.DeviceBinding, error)
}

//DeviceSync reconciles reported device state with the stored state
type DeviceSync interface {
	Ingest(ctx context.Context, systemID uint, reports []domain.DeviceReport) (devicesync.Result, error)
	RefreshDevice(ctx context.Context, systemID uint, deviceID string) (devicesync.Result, error)
}

//UsageTracker drives the usage timers of appointments
type UsageTracker interface {
	Start(ctx context.Context, systemID, appointmentID, assignmentID uint) (*domain.Usage, error)
	Pause(ctx context.Context, systemID, appointmentID, usageID uint, reason string) (*domain.Usage, error)
	Resume(ctx context.Context, systemID, appointmentID, usageID uint) (*domain.Usage, error)
	Stop(ctx context.Context, systemID, appointmentID, usageID uint) (*domain.Usage, error)
	List(ctx context.Context, systemID, appointmentID uint) ([]domain.TimerSnapshot, error)
}

//AnomalyScoring recomputes the anomaly scores of a tenant
type AnomalyScoring interface {
	Recompute(ctx context.Context, systemID uint) (anomaly.Summary, error)
}

//ScoreReader reads the last computed anomaly scores
type ScoreReader interface {
	GetClientScores(ctx context.Context, systemID uint) ([]domain.AnomalyScore, error)
	GetEmployeeScores(ctx context.Context, systemID uint) ([]domain.AnomalyScore, error)
}

//ConnectionControl opens and closes vendor push connections
type ConnectionControl interface {
	Connect(ctx context.Context, systemID, credentialID uint, opts connections.Options) (wsmanager.Status, error)
	Disconnect(ctx context.Context, systemID, credentialID uint) (wsmanager.Status, error)
	List(ctx context.Context, systemID uint) ([]wsmanager.Status, error)
}

//EventStream upgrades a request to a real-time event subscription
type EventStream interface {
	Subscribe(w http.ResponseWriter, r *http.Request, systemID uint)
}

//Services holds everything the request handlers delegate to
type Services struct {
	Registry    DeviceRegistry
	Sync        DeviceSync
	Usage       UsageTracker
	Anomalies   AnomalyScoring
	Scores      ScoreReader
	Connections ConnectionControl
	Events      EventStream
	Metrics     http.Handler
}

//RequestRouter wraps the concrete router implementation
type RequestRouter struct {
	impl chi.Router
}

//Get accepts a pattern that should be routed to the handlerFn on a GET request
func (router *RequestRouter) Get(pattern string, handlerFn http.HandlerFunc) {
	router.impl.Get(pattern, handlerFn)
}

//Patch accepts a pattern that should be routed to the handlerFn on a PATCH request
func (router *RequestRouter) Patch(pattern string, handlerFn http.HandlerFunc) {
	router.impl.Patch(pattern, handlerFn)
}

//Post accepts a pattern that should be routed to the handlerFn on a POST request
func (router *RequestRouter) Post(pattern string, handlerFn http.HandlerFunc) {
	router.impl.Post(pattern, handlerFn)
}

//Group creates a sub router that shares the routing tree but has its own middleware stack
func (router *RequestRouter) Group(fn func(r *RequestRouter)) {
	router.impl.Group(func(r chi.Router) {
		fn(&RequestRouter{impl: r})
	})
}

func newRequestRouter() *RequestRouter {
	router := &RequestRouter{impl: chi.NewRouter()}

	router.impl.Use(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodPatch},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		Debug:            false,
	}).Handler)
	router.impl.Use(middleware.Logger)

	return router
}

func (router *RequestRouter) addAPIHandlers(log logging.Logger, svc Services) {
	router.Get("/api/devices", listDevices(log, svc.Registry))
	router.Post("/api/devices/telemetry", ingestTelemetry(log, svc.Sync))
	router.Post("/api/devices/{deviceID}/refresh", refreshDevice(log, svc.Sync))

	router.Get("/api/appointments/{appointmentID}/usages", listUsages(log, svc.Usage))
	router.Post("/api/appointments/{appointmentID}/usages", startUsage(log, svc.Usage))
	router.Post("/api/appointments/{appointmentID}/usages/{usageID}/pause", pauseUsage(log, svc.Usage))
	router.Post("/api/appointments/{appointmentID}/usages/{usageID}/resume", resumeUsage(log, svc.Usage))
	router.Post("/api/appointments/{appointmentID}/usages/{usageID}/stop", stopUsage(log, svc.Usage))

	router.Get("/api/connections", listConnections(log, svc.Connections))
	router.Post("/api/connections/{credentialID}/connect", connect(log, svc.Connections))
	router.Post("/api/connections/{credentialID}/disconnect", disconnect(log, svc.Connections))

	router.Post("/api/anomalies/recompute", recomputeAnomalies(log, svc.Anomalies))
	router.Get("/api/anomalies/clients", listScores(log, svc.Scores.GetClientScores))
	router.Get("/api/anomalies/employees", listScores(log, svc.Scores.GetEmployeeScores))
}

func (router *RequestRouter) addNGSIHandlers(log logging.Logger, svc Services) {
	router.Get("/ngsi-ld/v1/entities", queryEntities(log, svc))
	router.Get("/ngsi-ld/v1/entities/{entity}", retrieveEntity(log, svc))
	router.Patch("/ngsi-ld/v1/entities/{entity}/attrs/", updateEntityAttributes(log, svc))
}

func createRequestRouter(log logging.Logger, svc Services) *RequestRouter {
	router := newRequestRouter()

	// Enable gzip compression for json and ngsi-ld responses
	compressor := middleware.NewCompressor(flate.DefaultCompression, "application/json", "application/ld+json")

	router.Group(func(r *RequestRouter) {
		r.impl.Use(compressor.Handler)
		r.impl.Use(tenantMiddleware)

		r.addAPIHandlers(log, svc)
		r.addNGSIHandlers(log, svc)
	})

	router.Group(func(r *RequestRouter) {
		r.impl.Use(tenantMiddleware)
		r.Get("/api/events", subscribe(svc.Events))
	})

	if svc.Metrics != nil {
		router.impl.Handle("/metrics", svc.Metrics)
	}

	return router
}

//CreateRouter sets up the request router of the service
func CreateRouter(log logging.Logger, svc Services) http.Handler {
	return createRequestRouter(log, svc).impl
}
