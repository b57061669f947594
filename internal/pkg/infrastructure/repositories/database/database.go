package database

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/logging"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/repositories/models"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//Datastore is an interface that is used to inject the database into different handlers to improve testability
type Datastore interface {
	ClinicExists(ctx context.Context, systemID, clinicID uint) (bool, error)
	GetBindings(ctx context.Context, systemID uint, clinicID *uint) ([]domain.DeviceBinding, error)
	GetBinding(ctx context.Context, systemID uint, deviceID string) (*domain.DeviceBinding, error)
	GetAssignmentBinding(ctx context.Context, systemID, assignmentID uint) (*domain.DeviceBinding, error)

	GetDeviceState(ctx context.Context, systemID uint, deviceID string) (domain.DeviceState, error)
	UpdateDeviceState(ctx context.Context, systemID uint, deviceID string, fields map[string]interface{}) error

	GetActiveCredentials(ctx context.Context, systemID uint) ([]domain.Credential, error)
	GetCredential(ctx context.Context, systemID, credentialID uint) (*domain.Credential, error)
	GetDeviceCredential(ctx context.Context, systemID uint, deviceID string) (*domain.Credential, error)
	GetSystemsWithActiveCredentials(ctx context.Context) ([]uint, error)

	GetAppointment(ctx context.Context, systemID, appointmentID uint) (*domain.AppointmentInfo, error)
	GetUsage(ctx context.Context, systemID, usageID uint) (*domain.Usage, error)
	FindOpenUsage(ctx context.Context, systemID, appointmentID, assignmentID uint) (*domain.Usage, error)
	ListUsages(ctx context.Context, systemID, appointmentID uint) ([]domain.Usage, error)
	CreateUsage(ctx context.Context, usage *domain.Usage) error
	SaveUsage(ctx context.Context, usage domain.Usage) error
	CompleteUsage(ctx context.Context, usage domain.Usage, sample *domain.EnergySample) error

	SaveConnectionState(ctx context.Context, record domain.ConnectionRecord) error
	GetConnections(ctx context.Context, systemID uint) ([]domain.ConnectionRecord, error)
	GetAutoReconnectConnections(ctx context.Context) ([]domain.ConnectionRecord, error)

	GetSystemsWithSamples(ctx context.Context) ([]uint, error)
	GetEnergySamples(ctx context.Context, systemID uint) ([]domain.EnergySample, error)
	GetEnergyProfiles(ctx context.Context, systemID uint) ([]domain.EnergyProfile, error)
	ReplaceEnergyProfiles(ctx context.Context, systemID uint, profiles []domain.EnergyProfile) error
	GetClientScores(ctx context.Context, systemID uint) ([]domain.AnomalyScore, error)
	ReplaceClientScores(ctx context.Context, systemID uint, scores []domain.AnomalyScore) error
	GetEmployeeScores(ctx context.Context, systemID uint) ([]domain.AnomalyScore, error)
	ReplaceEmployeeScores(ctx context.Context, systemID uint, scores []domain.AnomalyScore) error
	ReplaceAggregates(ctx context.Context, systemID uint, profiles []domain.EnergyProfile, clients, employees []domain.AnomalyScore) error
}

type myDB struct {
	impl *gorm.DB
	log  logging.Logger
}

//ConnectorFunc is used to inject a database connection method into NewDatabaseConnection
type ConnectorFunc func() (*gorm.DB, error)

//PostgreSQLConfig holds the connection parameters of the postgres database
type PostgreSQLConfig struct {
	Host     string
	User     string
	Name     string
	Password string
	SSLMode  string
}

//NewPostgreSQLConnector opens a connection to a postgresql database
func NewPostgreSQLConnector(cfg PostgreSQLConfig, log logging.Logger) ConnectorFunc {
	dbURI := fmt.Sprintf("host=%s user=%s dbname=%s sslmode=%s password=%s", cfg.Host, cfg.User, cfg.Name, cfg.SSLMode, cfg.Password)

	return func() (*gorm.DB, error) {
		var err error
		for attempt := 1; attempt <= 10; attempt++ {
			log.Infof("Connecting to database host %s ...", cfg.Host)

			var db *gorm.DB
			db, err = gorm.Open(postgres.Open(dbURI), &gorm.Config{
				Logger: logger.Default.LogMode(logger.Warn),
			})
			if err == nil {
				return db, nil
			}

			log.Errorf("Failed to connect to database (attempt %d): %s", attempt, err.Error())
			time.Sleep(3 * time.Second)
		}
		return nil, err
	}
}

var sqliteCounter uint64

//NewSQLiteConnector opens a connection to a new, private in-memory sqlite database
func NewSQLiteConnector() ConnectorFunc {
	return func() (*gorm.DB, error) {
		name := fmt.Sprintf("file:devusage%d?mode=memory&cache=shared", atomic.AddUint64(&sqliteCounter, 1))

		db, err := gorm.Open(sqlite.Open(name), &gorm.Config{
			Logger: logger.Default.LogMode(logger.Silent),
		})

		if err == nil {
			db.Exec("PRAGMA foreign_keys = ON")
		}

		return db, err
	}
}

//NewDatabaseConnection initializes a new connection to the database and wraps it in a Datastore
func NewDatabaseConnection(connect ConnectorFunc, log logging.Logger) (Datastore, error) {
	impl, err := connect()
	if err != nil {
		return nil, err
	}

	db := &myDB{
		impl: impl,
		log:  log,
	}

	err = db.impl.AutoMigrate(
		&models.Clinic{},
		&models.Cabin{},
		&models.Equipment{},
		&models.EquipmentAssignment{},
		&models.Device{},
		&models.VendorCredential{},
		&models.WebSocketConnection{},
		&models.Service{},
		&models.Appointment{},
		&models.AppointmentDeviceUsage{},
		&models.EnergySample{},
		&models.ServiceEnergyProfile{},
		&models.ClientAnomalyScore{},
		&models.EmployeeAnomalyScore{},
	)
	if err != nil {
		log.Errorf("Failed to migrate database: %s", err.Error())
		return nil, err
	}

	return db, nil
}

func notFound(err error, format string, args ...interface{}) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.NotFoundf(format, args...)
	}
	return err
}

func domainError(err error) bool {
	return errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrInvalidState)
}
