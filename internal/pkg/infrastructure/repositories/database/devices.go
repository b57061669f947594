package database

import (
	"context"
	"time"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/repositories/models"
	"gorm.io/gorm"
)

type bindingRow struct {
	DeviceID       string
	DeviceName     string
	AssignmentID   uint
	SerialNumber   string
	EquipmentID    uint
	EquipmentName  string
	ClinicID       uint
	ClinicName     string
	CabinID        *uint
	CabinName      *string
	PowerThreshold float64
	Online         bool
	RelayOn        bool
	CurrentPower   *float64
	Voltage        *float64
	Temperature    *float64
	EnergyTotal    *float64
	LastSeenAt     *time.Time
}

func (r bindingRow) toDomain() domain.DeviceBinding {
	b := domain.DeviceBinding{
		DeviceID:       r.DeviceID,
		DeviceName:     r.DeviceName,
		AssignmentID:   r.AssignmentID,
		SerialNumber:   r.SerialNumber,
		EquipmentID:    r.EquipmentID,
		EquipmentName:  r.EquipmentName,
		ClinicID:       r.ClinicID,
		ClinicName:     r.ClinicName,
		CabinID:        r.CabinID,
		PowerThreshold: r.PowerThreshold,
		State: domain.DeviceState{
			Online:       r.Online,
			RelayOn:      r.RelayOn,
			CurrentPower: r.CurrentPower,
			Voltage:      r.Voltage,
			Temperature:  r.Temperature,
			EnergyTotal:  r.EnergyTotal,
		},
		LastSeenAt: r.LastSeenAt,
	}
	if r.CabinName != nil {
		b.CabinName = *r.CabinName
	}
	return b
}

const bindingColumns = `devices.device_id, devices.name AS device_name,
	equipment_assignments.id AS assignment_id, equipment_assignments.serial_number,
	equipment.id AS equipment_id, equipment.name AS equipment_name,
	clinics.id AS clinic_id, clinics.name AS clinic_name,
	cabins.id AS cabin_id, cabins.name AS cabin_name,
	devices.power_threshold, devices.online, devices.relay_on, devices.current_power,
	devices.voltage, devices.temperature, devices.energy_total, devices.last_seen_at`

func (db *myDB) bindingQuery(ctx context.Context, systemID uint) *gorm.DB {
	return db.impl.WithContext(ctx).Table("devices").
		Select(bindingColumns).
		Joins("JOIN equipment_assignments ON equipment_assignments.id = devices.assignment_id AND equipment_assignments.system_id = devices.system_id AND equipment_assignments.deleted_at IS NULL").
		Joins("JOIN equipment ON equipment.id = equipment_assignments.equipment_id AND equipment.system_id = devices.system_id").
		Joins("JOIN clinics ON clinics.id = equipment_assignments.clinic_id AND clinics.system_id = devices.system_id").
		Joins("LEFT JOIN cabins ON cabins.id = equipment_assignments.cabin_id AND cabins.system_id = devices.system_id").
		Where("devices.system_id = ? AND devices.deleted_at IS NULL", systemID)
}

func (db *myDB) ClinicExists(ctx context.Context, systemID, clinicID uint) (bool, error) {
	var count int64
	result := db.impl.WithContext(ctx).Model(&models.Clinic{}).
		Where("id = ? AND system_id = ?", clinicID, systemID).
		Count(&count)
	return count > 0, result.Error
}

func (db *myDB) GetBindings(ctx context.Context, systemID uint, clinicID *uint) ([]domain.DeviceBinding, error) {
	rows := []bindingRow{}

	query := db.bindingQuery(ctx, systemID)
	if clinicID != nil {
		query = query.Where("equipment_assignments.clinic_id = ?", *clinicID)
	}

	result := query.Order("clinics.name, devices.name").Scan(&rows)
	if result.Error != nil {
		return nil, result.Error
	}

	bindings := make([]domain.DeviceBinding, 0, len(rows))
	for _, r := range rows {
		bindings = append(bindings, r.toDomain())
	}

	return bindings, nil
}

func (db *myDB) GetBinding(ctx context.Context, systemID uint, deviceID string) (*domain.DeviceBinding, error) {
	rows := []bindingRow{}

	result := db.bindingQuery(ctx, systemID).Where("devices.device_id = ?", deviceID).Limit(1).Scan(&rows)
	if result.Error != nil {
		return nil, result.Error
	}
	if len(rows) == 0 {
		return nil, domain.NotFoundf("no bound device %s", deviceID)
	}

	b := rows[0].toDomain()
	return &b, nil
}

func (db *myDB) GetAssignmentBinding(ctx context.Context, systemID, assignmentID uint) (*domain.DeviceBinding, error) {
	assignment := models.EquipmentAssignment{}
	result := db.impl.WithContext(ctx).
		Preload("Equipment").Preload("Clinic").Preload("Cabin").
		Where("id = ? AND system_id = ?", assignmentID, systemID).
		First(&assignment)
	if result.Error != nil {
		return nil, notFound(result.Error, "equipment assignment %d", assignmentID)
	}

	if assignment.DeviceID != "" {
		b, err := db.GetBinding(ctx, systemID, assignment.DeviceID)
		if err == nil && b.AssignmentID == assignmentID {
			return b, nil
		}
	}

	b := &domain.DeviceBinding{
		AssignmentID:  assignment.ID,
		SerialNumber:  assignment.SerialNumber,
		EquipmentID:   assignment.EquipmentID,
		EquipmentName: assignment.Equipment.Name,
		ClinicID:      assignment.ClinicID,
		ClinicName:    assignment.Clinic.Name,
		CabinID:       assignment.CabinID,
	}
	if assignment.Cabin != nil {
		b.CabinName = assignment.Cabin.Name
	}

	return b, nil
}

func (db *myDB) GetDeviceState(ctx context.Context, systemID uint, deviceID string) (domain.DeviceState, error) {
	device := models.Device{}
	result := db.impl.WithContext(ctx).Where("system_id = ? AND device_id = ?", systemID, deviceID).First(&device)
	if result.Error != nil {
		return domain.DeviceState{}, notFound(result.Error, "device %s", deviceID)
	}

	return domain.DeviceState{
		Online:       device.Online,
		RelayOn:      device.RelayOn,
		CurrentPower: device.CurrentPower,
		Voltage:      device.Voltage,
		Temperature:  device.Temperature,
		EnergyTotal:  device.EnergyTotal,
	}, nil
}

func (db *myDB) UpdateDeviceState(ctx context.Context, systemID uint, deviceID string, fields map[string]interface{}) error {
	result := db.impl.WithContext(ctx).Model(&models.Device{}).
		Where("system_id = ? AND device_id = ?", systemID, deviceID).
		Updates(fields)
	if result.Error != nil {
		return domain.PersistenceError("update device "+deviceID, result.Error)
	}
	if result.RowsAffected == 0 {
		return domain.NotFoundf("device %s", deviceID)
	}
	return nil
}

func credentialToDomain(c models.VendorCredential) domain.Credential {
	return domain.Credential{
		ID:          c.ID,
		SystemID:    c.SystemID,
		Vendor:      c.Vendor,
		Host:        c.Host,
		AccessToken: c.AccessToken,
	}
}

func (db *myDB) GetActiveCredentials(ctx context.Context, systemID uint) ([]domain.Credential, error) {
	rows := []models.VendorCredential{}
	result := db.impl.WithContext(ctx).Where("system_id = ? AND active = ?", systemID, true).Find(&rows)
	if result.Error != nil {
		return nil, result.Error
	}

	credentials := make([]domain.Credential, 0, len(rows))
	for _, c := range rows {
		credentials = append(credentials, credentialToDomain(c))
	}
	return credentials, nil
}

func (db *myDB) GetCredential(ctx context.Context, systemID, credentialID uint) (*domain.Credential, error) {
	c := models.VendorCredential{}
	result := db.impl.WithContext(ctx).Where("id = ? AND system_id = ?", credentialID, systemID).First(&c)
	if result.Error != nil {
		return nil, notFound(result.Error, "credential %d", credentialID)
	}

	credential := credentialToDomain(c)
	return &credential, nil
}

func (db *myDB) GetDeviceCredential(ctx context.Context, systemID uint, deviceID string) (*domain.Credential, error) {
	device := models.Device{}
	result := db.impl.WithContext(ctx).Where("system_id = ? AND device_id = ?", systemID, deviceID).First(&device)
	if result.Error != nil {
		return nil, notFound(result.Error, "device %s", deviceID)
	}
	if device.CredentialID == nil {
		return nil, domain.NotFoundf("device %s has no credential", deviceID)
	}

	return db.GetCredential(ctx, systemID, *device.CredentialID)
}

func (db *myDB) GetSystemsWithActiveCredentials(ctx context.Context) ([]uint, error) {
	systems := []uint{}
	result := db.impl.WithContext(ctx).Model(&models.VendorCredential{}).
		Where("active = ?", true).
		Distinct("system_id").
		Pluck("system_id", &systems)
	return systems, result.Error
}
