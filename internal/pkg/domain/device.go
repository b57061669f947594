package domain

import "time"

//DeviceState is the live state of a smart plug as reported by the vendor cloud
type DeviceState struct {
	Online       bool     `json:"online"`
	RelayOn      bool     `json:"relayOn"`
	CurrentPower *float64 `json:"currentPower,omitempty"`
	Voltage      *float64 `json:"voltage,omitempty"`
	Temperature  *float64 `json:"temperature,omitempty"`
	EnergyTotal  *float64 `json:"energyTotal,omitempty"`
}

//DeviceReport is one entry of an inbound telemetry batch
type DeviceReport struct {
	ID           string      `json:"id"`
	CurrentState DeviceState `json:"currentState"`
}

//DeviceChange describes the columns written for one device during a sync pass
type DeviceChange struct {
	DeviceID  string                 `json:"deviceId"`
	Fields    map[string]interface{} `json:"fields"`
	State     DeviceState            `json:"state"`
	UpdatedAt time.Time              `json:"updatedAt"`
}

//Column names used in device state update payloads
const (
	ColumnOnline       = "online"
	ColumnRelayOn      = "relay_on"
	ColumnCurrentPower = "current_power"
	ColumnVoltage      = "voltage"
	ColumnTemperature  = "temperature"
	ColumnEnergyTotal  = "energy_total"
	ColumnLastSeenAt   = "last_seen_at"
)

//DiffDeviceState compares an incoming state against the stored one and returns the
//columns that changed. Numeric readings are compared without tolerance and a reading
//that is absent from the incoming state is never treated as a change.
func DiffDeviceState(stored, incoming DeviceState) map[string]interface{} {
	diff := map[string]interface{}{}

	if stored.Online != incoming.Online {
		diff[ColumnOnline] = incoming.Online
	}
	if stored.RelayOn != incoming.RelayOn {
		diff[ColumnRelayOn] = incoming.RelayOn
	}

	diffReading(diff, ColumnCurrentPower, stored.CurrentPower, incoming.CurrentPower)
	diffReading(diff, ColumnVoltage, stored.Voltage, incoming.Voltage)
	diffReading(diff, ColumnTemperature, stored.Temperature, incoming.Temperature)
	diffReading(diff, ColumnEnergyTotal, stored.EnergyTotal, incoming.EnergyTotal)

	return diff
}

func diffReading(diff map[string]interface{}, column string, stored, incoming *float64) {
	if incoming == nil {
		return
	}
	if stored == nil || *stored != *incoming {
		diff[column] = *incoming
	}
}

//Apply returns a copy of the state with the diff columns applied
func (s DeviceState) Apply(diff map[string]interface{}) DeviceState {
	next := s
	for column, value := range diff {
		switch column {
		case ColumnOnline:
			next.Online = value.(bool)
		case ColumnRelayOn:
			next.RelayOn = value.(bool)
		case ColumnCurrentPower:
			next.CurrentPower = Float(value.(float64))
		case ColumnVoltage:
			next.Voltage = Float(value.(float64))
		case ColumnTemperature:
			next.Temperature = Float(value.(float64))
		case ColumnEnergyTotal:
			next.EnergyTotal = Float(value.(float64))
		}
	}
	return next
}

//Float returns a pointer to a copy of f
func Float(f float64) *float64 {
	return &f
}

//DeviceBinding resolves a physical device to its equipment and clinic placement
type DeviceBinding struct {
	DeviceID       string      `json:"deviceId"`
	DeviceName     string      `json:"deviceName"`
	AssignmentID   uint        `json:"assignmentId"`
	SerialNumber   string      `json:"serialNumber"`
	EquipmentID    uint        `json:"equipmentId"`
	EquipmentName  string      `json:"equipmentName"`
	ClinicID       uint        `json:"clinicId"`
	ClinicName     string      `json:"clinicName"`
	CabinID        *uint       `json:"cabinId,omitempty"`
	CabinName      string      `json:"cabinName,omitempty"`
	PowerThreshold float64     `json:"powerThreshold"`
	State          DeviceState `json:"state"`
	LastSeenAt     *time.Time  `json:"lastSeenAt,omitempty"`
}

//IsActive reports whether the power draw means the equipment is in use
func (b DeviceBinding) IsActive() bool {
	if !b.State.Online || !b.State.RelayOn || b.State.CurrentPower == nil {
		return false
	}
	return *b.State.CurrentPower > b.PowerThreshold
}
