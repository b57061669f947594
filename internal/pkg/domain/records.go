package domain

import "time"

//Credential identifies one account at the device cloud vendor
type Credential struct {
	ID          uint   `json:"id"`
	SystemID    uint   `json:"-"`
	Vendor      string `json:"vendor"`
	Host        string `json:"host"`
	AccessToken string `json:"-"`
}

//AppointmentInfo is the part of an appointment the usage tracker needs
type AppointmentInfo struct {
	ID                       uint
	SystemID                 uint
	ClientID                 uint
	EmployeeID               uint
	ServiceID                uint
	DurationMinutes          int
	ServiceDurationMinutes   int
	TreatmentDurationMinutes int
}

//EstimatedMinutes of equipment use for the appointment
func (a AppointmentInfo) EstimatedMinutes() int {
	total := a.ServiceDurationMinutes
	if total == 0 {
		total = a.DurationMinutes
	}
	return EstimateMinutes(a.TreatmentDurationMinutes, total)
}

//EnergySample is the measured consumption of one completed usage
type EnergySample struct {
	SystemID        uint
	AppointmentID   uint
	UsageID         uint
	AssignmentID    uint
	ServiceID       uint
	ClientID        uint
	EmployeeID      uint
	EnergyKWh       float64
	DurationMinutes float64
	RecordedAt      time.Time
}

//KWhPerMinute is the normalised consumption of the sample
func (s EnergySample) KWhPerMinute() (float64, bool) {
	if s.DurationMinutes <= 0 {
		return 0, false
	}
	return s.EnergyKWh / s.DurationMinutes, true
}

//EnergyProfile is the baseline of one (equipment assignment, service) pair
type EnergyProfile struct {
	AssignmentID uint `json:"equipmentId"`
	ServiceID    uint `json:"serviceId"`
	Baseline
}

//AnomalyScore is the aggregated risk profile of a client or an employee
type AnomalyScore struct {
	EntityID           uint      `json:"entityId"`
	TotalServices      int       `json:"totalServices"`
	TotalAnomalies     int       `json:"totalAnomalies"`
	AnomalyRate        float64   `json:"anomalyRate"`
	AvgDeviation       float64   `json:"avgDeviation"`
	MaxDeviation       float64   `json:"maxDeviation"`
	Counterparts       CountMap  `json:"counterparts"`
	SuspiciousPatterns CountMap  `json:"suspiciousPatterns"`
	RiskScore          float64   `json:"riskScore"`
	RiskLevel          RiskLevel `json:"riskLevel"`
	ComputedAt         time.Time `json:"computedAt"`
}

//ConnectionStatus is the persisted status of a vendor push connection
type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
	ConnectionError        ConnectionStatus = "error"
)

//ConnectionRecord is the persisted view of a vendor push connection
type ConnectionRecord struct {
	SystemID       uint             `json:"systemId"`
	Type           string           `json:"type"`
	ReferenceID    uint             `json:"referenceId"`
	Status         ConnectionStatus `json:"status"`
	AutoReconnect  bool             `json:"autoReconnect"`
	LastError      string           `json:"lastError,omitempty"`
	LoggingEnabled bool             `json:"loggingEnabled"`
	At             time.Time        `json:"at"`
}
