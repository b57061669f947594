package models

import (
	"time"

	"gorm.io/gorm"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
)

//Service is a bookable treatment. TreatmentDurationMinutes is the part of the
//scheduled time where equipment is in use.
type Service struct {
	gorm.Model
	SystemID                 uint `gorm:"index"`
	Name                     string
	DurationMinutes          int
	TreatmentDurationMinutes int
}

//Appointment is a booked service for a client, performed by an employee
type Appointment struct {
	gorm.Model
	SystemID        uint `gorm:"index"`
	ClinicID        uint
	ClientID        uint
	EmployeeID      uint
	ServiceID       uint
	Service         Service
	StartsAt        time.Time
	DurationMinutes int
}

//AppointmentDeviceUsage tracks one equipment assignment used during an appointment
type AppointmentDeviceUsage struct {
	gorm.Model
	SystemID         uint `gorm:"index"`
	AppointmentID    uint `gorm:"index"`
	AssignmentID     uint `gorm:"index"`
	Status           string
	StartedAt        time.Time
	EndedAt          *time.Time
	EstimatedMinutes int
	ActualMinutes    *int
	PausedAt         *time.Time
	PauseIntervals   domain.PauseIntervals `gorm:"type:text"`
	StartEnergy      *float64
}

//EnergySample is the measured consumption of one completed usage
type EnergySample struct {
	gorm.Model
	SystemID        uint `gorm:"index"`
	AppointmentID   uint
	UsageID         uint `gorm:"uniqueIndex"`
	AssignmentID    uint `gorm:"index:idx_sample_profile"`
	ServiceID       uint `gorm:"index:idx_sample_profile"`
	ClientID        uint
	EmployeeID      uint
	EnergyKWh       float64
	DurationMinutes float64
	RecordedAt      time.Time
}
