package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/application"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/application/anomaly"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/application/connections"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/application/devicesync"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/application/registry"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/application/usage"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/broadcast"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/config"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/jobs"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/repositories/database"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/vendorcloud"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/wsmanager"
	"github.com/iot-for-tillgenglighet/messaging-golang/pkg/messaging"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {

	serviceName := "iot-device-usage"

	log := logging.NewLogger()
	log.Infof("Starting up %s ...", serviceName)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %s", err.Error())
	}
	logging.SetLevel(cfg.LogLevel)

	db, err := database.NewDatabaseConnection(database.NewPostgreSQLConnector(database.PostgreSQLConfig{
		Host:     cfg.DBHost,
		User:     cfg.DBUser,
		Name:     cfg.DBName,
		Password: cfg.DBPassword,
		SSLMode:  cfg.DBSSLMode,
	}, log), log)
	if err != nil {
		log.Fatalf("Failed to connect to the database: %s", err.Error())
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub := broadcast.NewHub(64, cfg.WSWriteTimeout, cfg.WSPingInterval, log)
	publisher, closePublishers := createPublisher(cfg, serviceName, hub, log)
	defer closePublishers()

	devices := registry.New(db, cfg.DefaultPowerThreshold)

	reconciler := devicesync.NewReconciler(db, log, cfg.SyncWorkers, cfg.DBTimeout, devicesync.NewMetrics(reg))
	vendor := vendorcloud.NewClient(cfg.VendorHost, cfg.RemoteTimeout, log)
	poller := devicesync.NewPoller(reconciler, db, vendor, publisher, log)

	tracker := usage.NewTracker(db, devices, publisher, log)

	aggregator := anomaly.NewAggregator(db, anomaly.Options{
		ThresholdPercent: cfg.AnomalyThresholdPercent,
		MinBaseline:      cfg.AnomalyMinBaseline,
		Thresholds:       cfg.RiskThresholds(),
	}, log)

	manager := wsmanager.New(
		wsmanager.NewDialer(cfg.WSDialTimeout),
		connections.NewFrameHandler(poller, log),
		db,
		wsmanager.Options{
			PingInterval:         cfg.WSPingInterval,
			PongTimeout:          cfg.WSPongTimeout,
			ReconnectInterval:    cfg.WSReconnectInterval,
			MaxReconnectAttempts: cfg.WSMaxReconnectAttempts,
			SendQueue:            cfg.WSSendQueue,
			WriteTimeout:         cfg.WSWriteTimeout,
			DialTimeout:          cfg.WSDialTimeout,
			PersistTimeout:       cfg.DBTimeout,
		},
		wsmanager.NewMetrics(reg),
		log,
	)
	conns := connections.NewService(manager, db, cfg.VendorWSURL, log)

	scheduler := jobs.NewScheduler(log)
	if err = scheduler.Add("anomaly-scores", cfg.AnomalySchedule, aggregator); err != nil {
		log.Fatalf("Failed to schedule anomaly scoring: %s", err.Error())
	}
	if cfg.PollInterval > 0 {
		if err = scheduler.Add("device-poll", "@every "+cfg.PollInterval.String(), poller); err != nil {
			log.Fatalf("Failed to schedule device polling: %s", err.Error())
		}
	}
	scheduler.Start()

	go func() {
		restored, err := conns.Restore(context.Background())
		if err != nil {
			log.Errorf("Failed to restore vendor connections: %s", err.Error())
			return
		}
		log.Infof("Restored %d vendor connections", restored)
	}()

	router := application.CreateRouter(log, application.Services{
		Registry:    devices,
		Sync:        poller,
		Usage:       tracker,
		Anomalies:   aggregator,
		Scores:      db,
		Connections: conns,
		Events:      hub,
		Metrics:     promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	})

	server := &http.Server{Addr: ":" + cfg.ServicePort, Handler: router}

	go func() {
		log.Infof("Starting %s on port %s.", serviceName, cfg.ServicePort)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Infof("Shutting down %s ...", serviceName)

	scheduler.Stop()
	manager.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		log.Errorf("Failed to shut down the http server: %s", err.Error())
	}
}

//createPublisher combines the configured real-time transports into a single publisher
func createPublisher(cfg *config.Config, serviceName string, hub *broadcast.Hub, log logging.Logger) (domain.Publisher, func()) {
	publishers := broadcast.Multi{}
	closers := []func(){}

	for _, transport := range cfg.BroadcastTransports() {
		switch transport {
		case "hub":
			publishers = append(publishers, hub)
		case "amqp":
			messenger, err := messaging.Initialize(messaging.LoadConfiguration(serviceName))
			if err != nil {
				log.Errorf("Failed to connect to the message queue: %s", err.Error())
				continue
			}
			publishers = append(publishers, broadcast.NewAMQPPublisher(messenger))
			closers = append(closers, func() { messenger.Close() })
		case "mqtt":
			mqtt, err := broadcast.NewMQTTPublisher(cfg.MQTTBroker, cfg.MQTTClientID, cfg.RemoteTimeout, log)
			if err != nil {
				log.Errorf("Failed to connect to the mqtt broker: %s", err.Error())
				continue
			}
			publishers = append(publishers, mqtt)
			closers = append(closers, mqtt.Close)
		default:
			log.Warnf("Ignoring unknown broadcast transport %q", transport)
		}
	}

	return publishers, func() {
		for _, c := range closers {
			c()
		}
	}
}
