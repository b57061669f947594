package database

import (
	"context"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/repositories/models"
	"gorm.io/gorm"
)

func (db *myDB) GetSystemsWithSamples(ctx context.Context) ([]uint, error) {
	systems := []uint{}
	result := db.impl.WithContext(ctx).Model(&models.EnergySample{}).
		Distinct("system_id").
		Pluck("system_id", &systems)
	return systems, result.Error
}

func (db *myDB) GetEnergySamples(ctx context.Context, systemID uint) ([]domain.EnergySample, error) {
	rows := []models.EnergySample{}
	result := db.impl.WithContext(ctx).Where("system_id = ?", systemID).Order("recorded_at").Find(&rows)
	if result.Error != nil {
		return nil, result.Error
	}

	samples := make([]domain.EnergySample, 0, len(rows))
	for _, s := range rows {
		samples = append(samples, domain.EnergySample{
			SystemID:        s.SystemID,
			AppointmentID:   s.AppointmentID,
			UsageID:         s.UsageID,
			AssignmentID:    s.AssignmentID,
			ServiceID:       s.ServiceID,
			ClientID:        s.ClientID,
			EmployeeID:      s.EmployeeID,
			EnergyKWh:       s.EnergyKWh,
			DurationMinutes: s.DurationMinutes,
			RecordedAt:      s.RecordedAt,
		})
	}
	return samples, nil
}

func (db *myDB) GetEnergyProfiles(ctx context.Context, systemID uint) ([]domain.EnergyProfile, error) {
	rows := []models.ServiceEnergyProfile{}
	result := db.impl.WithContext(ctx).Where("system_id = ?", systemID).Find(&rows)
	if result.Error != nil {
		return nil, result.Error
	}

	profiles := make([]domain.EnergyProfile, 0, len(rows))
	for _, p := range rows {
		profiles = append(profiles, domain.EnergyProfile{
			AssignmentID: p.AssignmentID,
			ServiceID:    p.ServiceID,
			Baseline: domain.Baseline{
				SampleCount:           p.SampleCount,
				AvgKWhPerMinute:       p.AvgKWhPerMinute,
				StdDevKWhPerMinute:    p.StdDevKWhPerMinute,
				AvgDurationMinutes:    p.AvgDurationMinutes,
				StdDevDurationMinutes: p.StdDevDurationMinutes,
			},
		})
	}
	return profiles, nil
}

func (db *myDB) ReplaceEnergyProfiles(ctx context.Context, systemID uint, profiles []domain.EnergyProfile) error {
	rows := energyProfileRows(systemID, profiles)
	return db.replace(ctx, "replace energy profiles", systemID, &models.ServiceEnergyProfile{}, rows, len(rows))
}

//ReplaceAggregates replaces the energy profiles and both score tables of a tenant in a
//single transaction
func (db *myDB) ReplaceAggregates(ctx context.Context, systemID uint, profiles []domain.EnergyProfile, clients, employees []domain.AnomalyScore) error {
	profileRows := energyProfileRows(systemID, profiles)
	clientRows := clientScoreRows(systemID, clients)
	employeeRows := employeeScoreRows(systemID, employees)

	err := db.impl.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := replaceRows(tx, systemID, &models.ServiceEnergyProfile{}, profileRows, len(profileRows)); err != nil {
			return err
		}
		if err := replaceRows(tx, systemID, &models.ClientAnomalyScore{}, clientRows, len(clientRows)); err != nil {
			return err
		}
		return replaceRows(tx, systemID, &models.EmployeeAnomalyScore{}, employeeRows, len(employeeRows))
	})

	if err != nil {
		return domain.PersistenceError("replace anomaly aggregates", err)
	}
	return nil
}

func energyProfileRows(systemID uint, profiles []domain.EnergyProfile) []models.ServiceEnergyProfile {
	rows := make([]models.ServiceEnergyProfile, 0, len(profiles))
	for _, p := range profiles {
		rows = append(rows, models.ServiceEnergyProfile{
			SystemID:              systemID,
			AssignmentID:          p.AssignmentID,
			ServiceID:             p.ServiceID,
			SampleCount:           p.SampleCount,
			AvgKWhPerMinute:       p.AvgKWhPerMinute,
			StdDevKWhPerMinute:    p.StdDevKWhPerMinute,
			AvgDurationMinutes:    p.AvgDurationMinutes,
			StdDevDurationMinutes: p.StdDevDurationMinutes,
		})
	}
	return rows
}

func (db *myDB) GetClientScores(ctx context.Context, systemID uint) ([]domain.AnomalyScore, error) {
	rows := []models.ClientAnomalyScore{}
	result := db.impl.WithContext(ctx).Where("system_id = ?", systemID).Order("risk_score DESC").Find(&rows)
	if result.Error != nil {
		return nil, result.Error
	}

	scores := make([]domain.AnomalyScore, 0, len(rows))
	for _, s := range rows {
		scores = append(scores, domain.AnomalyScore{
			EntityID:           s.ClientID,
			TotalServices:      s.TotalServices,
			TotalAnomalies:     s.TotalAnomalies,
			AnomalyRate:        s.AnomalyRate,
			AvgDeviation:       s.AvgDeviation,
			MaxDeviation:       s.MaxDeviation,
			Counterparts:       s.FavoredByEmployees,
			SuspiciousPatterns: s.SuspiciousPatterns,
			RiskScore:          s.RiskScore,
			RiskLevel:          domain.RiskLevel(s.RiskLevel),
			ComputedAt:         s.ComputedAt,
		})
	}
	return scores, nil
}

func (db *myDB) ReplaceClientScores(ctx context.Context, systemID uint, scores []domain.AnomalyScore) error {
	rows := clientScoreRows(systemID, scores)
	return db.replace(ctx, "replace client scores", systemID, &models.ClientAnomalyScore{}, rows, len(rows))
}

func clientScoreRows(systemID uint, scores []domain.AnomalyScore) []models.ClientAnomalyScore {
	rows := make([]models.ClientAnomalyScore, 0, len(scores))
	for _, s := range scores {
		rows = append(rows, models.ClientAnomalyScore{
			SystemID:           systemID,
			ClientID:           s.EntityID,
			TotalServices:      s.TotalServices,
			TotalAnomalies:     s.TotalAnomalies,
			AnomalyRate:        s.AnomalyRate,
			AvgDeviation:       s.AvgDeviation,
			MaxDeviation:       s.MaxDeviation,
			FavoredByEmployees: s.Counterparts,
			SuspiciousPatterns: s.SuspiciousPatterns,
			RiskScore:          s.RiskScore,
			RiskLevel:          string(s.RiskLevel),
			ComputedAt:         s.ComputedAt,
		})
	}
	return rows
}

func (db *myDB) GetEmployeeScores(ctx context.Context, systemID uint) ([]domain.AnomalyScore, error) {
	rows := []models.EmployeeAnomalyScore{}
	result := db.impl.WithContext(ctx).Where("system_id = ?", systemID).Order("risk_score DESC").Find(&rows)
	if result.Error != nil {
		return nil, result.Error
	}

	scores := make([]domain.AnomalyScore, 0, len(rows))
	for _, s := range rows {
		scores = append(scores, domain.AnomalyScore{
			EntityID:           s.EmployeeID,
			TotalServices:      s.TotalServices,
			TotalAnomalies:     s.TotalAnomalies,
			AnomalyRate:        s.AnomalyRate,
			AvgDeviation:       s.AvgDeviation,
			MaxDeviation:       s.MaxDeviation,
			Counterparts:       s.FavoredClients,
			SuspiciousPatterns: s.SuspiciousPatterns,
			RiskScore:          s.RiskScore,
			RiskLevel:          domain.RiskLevel(s.RiskLevel),
			ComputedAt:         s.ComputedAt,
		})
	}
	return scores, nil
}

func (db *myDB) ReplaceEmployeeScores(ctx context.Context, systemID uint, scores []domain.AnomalyScore) error {
	rows := employeeScoreRows(systemID, scores)
	return db.replace(ctx, "replace employee scores", systemID, &models.EmployeeAnomalyScore{}, rows, len(rows))
}

func employeeScoreRows(systemID uint, scores []domain.AnomalyScore) []models.EmployeeAnomalyScore {
	rows := make([]models.EmployeeAnomalyScore, 0, len(scores))
	for _, s := range scores {
		rows = append(rows, models.EmployeeAnomalyScore{
			SystemID:           systemID,
			EmployeeID:         s.EntityID,
			TotalServices:      s.TotalServices,
			TotalAnomalies:     s.TotalAnomalies,
			AnomalyRate:        s.AnomalyRate,
			AvgDeviation:       s.AvgDeviation,
			MaxDeviation:       s.MaxDeviation,
			FavoredClients:     s.Counterparts,
			SuspiciousPatterns: s.SuspiciousPatterns,
			RiskScore:          s.RiskScore,
			RiskLevel:          string(s.RiskLevel),
			ComputedAt:         s.ComputedAt,
		})
	}
	return rows
}

//replace hard deletes every row of the tenant for model and inserts rows in one transaction
func (db *myDB) replace(ctx context.Context, op string, systemID uint, model interface{}, rows interface{}, count int) error {
	err := db.impl.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return replaceRows(tx, systemID, model, rows, count)
	})

	if err != nil {
		return domain.PersistenceError(op, err)
	}
	return nil
}

func replaceRows(tx *gorm.DB, systemID uint, model interface{}, rows interface{}, count int) error {
	if err := tx.Unscoped().Where("system_id = ?", systemID).Delete(model).Error; err != nil {
		return err
	}
	if count == 0 {
		return nil
	}
	return tx.Create(rows).Error
}
