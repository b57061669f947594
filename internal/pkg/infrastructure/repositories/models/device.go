package models

import (
	"time"

	"gorm.io/gorm"
)

//Clinic is a physical location of a tenant
type Clinic struct {
	gorm.Model
	SystemID uint `gorm:"index"`
	Name     string
}

//Cabin is a treatment room inside a clinic
type Cabin struct {
	gorm.Model
	SystemID uint `gorm:"index"`
	ClinicID uint `gorm:"index"`
	Name     string
}

//Equipment is an abstract equipment type, e.g. a laser model
type Equipment struct {
	gorm.Model
	SystemID uint `gorm:"index"`
	Name     string
}

//TableName keeps the uncountable table name of Equipment
func (Equipment) TableName() string {
	return "equipment"
}

//EquipmentAssignment binds an equipment type to a concrete clinic placement
type EquipmentAssignment struct {
	gorm.Model
	SystemID     uint `gorm:"index"`
	EquipmentID  uint
	Equipment    Equipment
	ClinicID     uint `gorm:"index"`
	Clinic       Clinic
	CabinID      *uint
	Cabin        *Cabin
	SerialNumber string
	DeviceID     string `gorm:"index"`
}

//Device is the database model to store smart plugs and their last known state
type Device struct {
	gorm.Model
	SystemID       uint   `gorm:"uniqueIndex:idx_system_device"`
	DeviceID       string `gorm:"uniqueIndex:idx_system_device"`
	Name           string
	AssignmentID   *uint
	CredentialID   *uint
	Online         bool
	RelayOn        bool
	CurrentPower   *float64
	Voltage        *float64
	Temperature    *float64
	EnergyTotal    *float64
	PowerThreshold float64
	LastSeenAt     *time.Time
}

//VendorCredential is an API token set for one account at the device cloud vendor
type VendorCredential struct {
	gorm.Model
	SystemID    uint `gorm:"index"`
	Vendor      string
	Host        string
	AccessToken string
	Active      bool
}

//WebSocketConnection stores the lifecycle of the push connection of one credential
type WebSocketConnection struct {
	gorm.Model
	SystemID       uint   `gorm:"index"`
	Type           string `gorm:"uniqueIndex:idx_connection_ref"`
	ReferenceID    uint   `gorm:"uniqueIndex:idx_connection_ref"`
	Status         string
	AutoReconnect  bool
	LastError      string
	LoggingEnabled bool
	ConnectedAt    *time.Time
	DisconnectedAt *time.Time
}
