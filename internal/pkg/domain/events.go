package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

//Event types published to real-time subscribers
const (
	EventAppointmentTimerUpdate = "appointment-timer-update"
	EventDeviceStatusUpdate     = "device-status-update"
)

//Timer actions carried by appointment-timer-update events
const (
	ActionStart  = "start"
	ActionPause  = "pause"
	ActionResume = "resume"
	ActionStop   = "stop"
)

//TimerSnapshot is the view of a usage timer pushed to UI clients
type TimerSnapshot struct {
	UsageID          uint           `json:"usageId"`
	AppointmentID    uint           `json:"appointmentId"`
	EquipmentID      uint           `json:"equipmentId"`
	Status           UsageStatus    `json:"status"`
	StartedAt        time.Time      `json:"startedAt"`
	PausedAt         *time.Time     `json:"pausedAt,omitempty"`
	EndedAt          *time.Time     `json:"endedAt,omitempty"`
	EstimatedMinutes int            `json:"estimatedMinutes"`
	ActualMinutes    *int           `json:"actualMinutes,omitempty"`
	ElapsedSeconds   int64          `json:"elapsedSeconds"`
	PausedSeconds    int64          `json:"pausedSeconds"`
	RemainingSeconds int64          `json:"remainingSeconds"`
	PauseIntervals   PauseIntervals `json:"pauseIntervals"`
}

//Event is a real-time notification scoped to one tenant
type Event struct {
	ID            string         `json:"id"`
	Type          string         `json:"type"`
	SystemID      uint           `json:"systemId"`
	AppointmentID uint           `json:"appointmentId,omitempty"`
	Action        string         `json:"action,omitempty"`
	TimerData     *TimerSnapshot `json:"timerData,omitempty"`
	Device        *DeviceChange  `json:"device,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
}

//NewTimerEvent creates an appointment-timer-update event
func NewTimerEvent(systemID uint, action string, snapshot TimerSnapshot, now time.Time) Event {
	return Event{
		ID:            uuid.NewString(),
		Type:          EventAppointmentTimerUpdate,
		SystemID:      systemID,
		AppointmentID: snapshot.AppointmentID,
		Action:        action,
		TimerData:     &snapshot,
		Timestamp:     now,
	}
}

//NewDeviceEvent creates a device-status-update event
func NewDeviceEvent(systemID uint, change DeviceChange) Event {
	return Event{
		ID:        uuid.NewString(),
		Type:      EventDeviceStatusUpdate,
		SystemID:  systemID,
		Device:    &change,
		Timestamp: change.UpdatedAt,
	}
}

//Publisher delivers events to the subscribers of a tenant. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, systemID uint, event Event) error
}
