package models

import (
	"time"

	"gorm.io/gorm"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
)

//ServiceEnergyProfile is the baseline consumption of a service on one equipment assignment
type ServiceEnergyProfile struct {
	gorm.Model
	SystemID              uint `gorm:"uniqueIndex:idx_profile"`
	AssignmentID          uint `gorm:"uniqueIndex:idx_profile"`
	ServiceID             uint `gorm:"uniqueIndex:idx_profile"`
	SampleCount           int
	AvgKWhPerMinute       float64
	StdDevKWhPerMinute    float64
	AvgDurationMinutes    float64
	StdDevDurationMinutes float64
}

//ClientAnomalyScore is the recomputed risk profile of a client
type ClientAnomalyScore struct {
	gorm.Model
	SystemID           uint `gorm:"uniqueIndex:idx_client_score"`
	ClientID           uint `gorm:"uniqueIndex:idx_client_score"`
	TotalServices      int
	TotalAnomalies     int
	AnomalyRate        float64
	AvgDeviation       float64
	MaxDeviation       float64
	FavoredByEmployees domain.CountMap `gorm:"type:text"`
	SuspiciousPatterns domain.CountMap `gorm:"type:text"`
	RiskScore          float64
	RiskLevel          string
	ComputedAt         time.Time
}

//EmployeeAnomalyScore is the recomputed risk profile of an employee
type EmployeeAnomalyScore struct {
	gorm.Model
	SystemID           uint `gorm:"uniqueIndex:idx_employee_score"`
	EmployeeID         uint `gorm:"uniqueIndex:idx_employee_score"`
	TotalServices      int
	TotalAnomalies     int
	AnomalyRate        float64
	AvgDeviation       float64
	MaxDeviation       float64
	FavoredClients     domain.CountMap `gorm:"type:text"`
	SuspiciousPatterns domain.CountMap `gorm:"type:text"`
	RiskScore          float64
	RiskLevel          string
	ComputedAt         time.Time
}
