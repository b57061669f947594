package database

import (
	"context"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/repositories/models"
	"gorm.io/gorm"
)

func usageToDomain(m models.AppointmentDeviceUsage) domain.Usage {
	intervals := m.PauseIntervals
	if intervals == nil {
		intervals = domain.PauseIntervals{}
	}

	return domain.Usage{
		ID:               m.ID,
		SystemID:         m.SystemID,
		AppointmentID:    m.AppointmentID,
		AssignmentID:     m.AssignmentID,
		Status:           domain.UsageStatus(m.Status),
		StartedAt:        m.StartedAt,
		EndedAt:          m.EndedAt,
		EstimatedMinutes: m.EstimatedMinutes,
		ActualMinutes:    m.ActualMinutes,
		PausedAt:         m.PausedAt,
		PauseIntervals:   intervals,
		StartEnergy:      m.StartEnergy,
	}
}

func (db *myDB) GetAppointment(ctx context.Context, systemID, appointmentID uint) (*domain.AppointmentInfo, error) {
	a := models.Appointment{}
	result := db.impl.WithContext(ctx).Preload("Service").
		Where("id = ? AND system_id = ?", appointmentID, systemID).
		First(&a)
	if result.Error != nil {
		return nil, notFound(result.Error, "appointment %d", appointmentID)
	}

	return &domain.AppointmentInfo{
		ID:                       a.ID,
		SystemID:                 a.SystemID,
		ClientID:                 a.ClientID,
		EmployeeID:               a.EmployeeID,
		ServiceID:                a.ServiceID,
		DurationMinutes:          a.DurationMinutes,
		ServiceDurationMinutes:   a.Service.DurationMinutes,
		TreatmentDurationMinutes: a.Service.TreatmentDurationMinutes,
	}, nil
}

func (db *myDB) GetUsage(ctx context.Context, systemID, usageID uint) (*domain.Usage, error) {
	m := models.AppointmentDeviceUsage{}
	result := db.impl.WithContext(ctx).Where("id = ? AND system_id = ?", usageID, systemID).First(&m)
	if result.Error != nil {
		return nil, notFound(result.Error, "usage %d", usageID)
	}

	u := usageToDomain(m)
	return &u, nil
}

func (db *myDB) FindOpenUsage(ctx context.Context, systemID, appointmentID, assignmentID uint) (*domain.Usage, error) {
	rows := []models.AppointmentDeviceUsage{}
	result := db.impl.WithContext(ctx).
		Where("system_id = ? AND appointment_id = ? AND assignment_id = ?", systemID, appointmentID, assignmentID).
		Where("status IN ?", []string{string(domain.UsageActive), string(domain.UsagePaused)}).
		Limit(1).
		Find(&rows)
	if result.Error != nil {
		return nil, result.Error
	}
	if len(rows) == 0 {
		return nil, nil
	}

	u := usageToDomain(rows[0])
	return &u, nil
}

func (db *myDB) ListUsages(ctx context.Context, systemID, appointmentID uint) ([]domain.Usage, error) {
	rows := []models.AppointmentDeviceUsage{}
	result := db.impl.WithContext(ctx).
		Where("system_id = ? AND appointment_id = ?", systemID, appointmentID).
		Order("started_at").
		Find(&rows)
	if result.Error != nil {
		return nil, result.Error
	}

	usages := make([]domain.Usage, 0, len(rows))
	for _, m := range rows {
		usages = append(usages, usageToDomain(m))
	}
	return usages, nil
}

func (db *myDB) CreateUsage(ctx context.Context, usage *domain.Usage) error {
	m := models.AppointmentDeviceUsage{
		SystemID:         usage.SystemID,
		AppointmentID:    usage.AppointmentID,
		AssignmentID:     usage.AssignmentID,
		Status:           string(usage.Status),
		StartedAt:        usage.StartedAt,
		EstimatedMinutes: usage.EstimatedMinutes,
		PauseIntervals:   usage.PauseIntervals,
		StartEnergy:      usage.StartEnergy,
	}

	result := db.impl.WithContext(ctx).Create(&m)
	if result.Error != nil {
		return domain.PersistenceError("create usage", result.Error)
	}

	usage.ID = m.ID
	return nil
}

func saveUsage(tx *gorm.DB, usage domain.Usage) error {
	result := tx.Model(&models.AppointmentDeviceUsage{}).
		Where("id = ? AND system_id = ?", usage.ID, usage.SystemID).
		Updates(map[string]interface{}{
			"status":          string(usage.Status),
			"ended_at":        usage.EndedAt,
			"actual_minutes":  usage.ActualMinutes,
			"paused_at":       usage.PausedAt,
			"pause_intervals": usage.PauseIntervals,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.NotFoundf("usage %d", usage.ID)
	}
	return nil
}

func (db *myDB) SaveUsage(ctx context.Context, usage domain.Usage) error {
	if err := saveUsage(db.impl.WithContext(ctx), usage); err != nil {
		if domainError(err) {
			return err
		}
		return domain.PersistenceError("save usage", err)
	}
	return nil
}

func (db *myDB) CompleteUsage(ctx context.Context, usage domain.Usage, sample *domain.EnergySample) error {
	err := db.impl.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := saveUsage(tx, usage); err != nil {
			return err
		}

		if sample == nil {
			return nil
		}

		return tx.Create(&models.EnergySample{
			SystemID:        sample.SystemID,
			AppointmentID:   sample.AppointmentID,
			UsageID:         sample.UsageID,
			AssignmentID:    sample.AssignmentID,
			ServiceID:       sample.ServiceID,
			ClientID:        sample.ClientID,
			EmployeeID:      sample.EmployeeID,
			EnergyKWh:       sample.EnergyKWh,
			DurationMinutes: sample.DurationMinutes,
			RecordedAt:      sample.RecordedAt,
		}).Error
	})

	if err != nil {
		if domainError(err) {
			return err
		}
		return domain.PersistenceError("complete usage", err)
	}
	return nil
}
