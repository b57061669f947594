package domain

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math"
	"time"
)

//UsageStatus is the lifecycle state of an appointment device usage
type UsageStatus string

const (
	UsageActive    UsageStatus = "ACTIVE"
	UsagePaused    UsageStatus = "PAUSED"
	UsageCompleted UsageStatus = "COMPLETED"
)

//PauseInterval is one pause of a running usage. End is nil while the pause is open.
type PauseInterval struct {
	Start  time.Time  `json:"start"`
	End    *time.Time `json:"end,omitempty"`
	Reason string     `json:"reason,omitempty"`
}

//Duration of the interval, measured up to now when it is still open
func (p PauseInterval) Duration(now time.Time) time.Duration {
	end := now
	if p.End != nil {
		end = *p.End
	}
	if end.Before(p.Start) {
		return 0
	}
	return end.Sub(p.Start)
}

//PauseIntervals is the ordered pause history of a usage, stored as a JSON column
type PauseIntervals []PauseInterval

//Value implements driver.Valuer
func (p PauseIntervals) Value() (driver.Value, error) {
	if p == nil {
		return "[]", nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

//Scan implements sql.Scanner
func (p *PauseIntervals) Scan(value interface{}) error {
	var raw []byte

	switch v := value.(type) {
	case nil:
		*p = PauseIntervals{}
		return nil
	case []byte:
		raw = v
	case string:
		raw = []byte(v)
	default:
		return fmt.Errorf("unsupported type %T for pause intervals", value)
	}

	if len(raw) == 0 {
		*p = PauseIntervals{}
		return nil
	}

	return json.Unmarshal(raw, p)
}

//Usage tracks the use of one piece of equipment during an appointment
type Usage struct {
	ID               uint           `json:"id"`
	SystemID         uint           `json:"-"`
	AppointmentID    uint           `json:"appointmentId"`
	AssignmentID     uint           `json:"equipmentId"`
	Status           UsageStatus    `json:"status"`
	StartedAt        time.Time      `json:"startedAt"`
	EndedAt          *time.Time     `json:"endedAt,omitempty"`
	EstimatedMinutes int            `json:"estimatedMinutes"`
	ActualMinutes    *int           `json:"actualMinutes,omitempty"`
	PausedAt         *time.Time     `json:"pausedAt,omitempty"`
	PauseIntervals   PauseIntervals `json:"pauseIntervals"`
	StartEnergy      *float64       `json:"-"`
}

//NewUsage creates an ACTIVE usage starting at now
func NewUsage(systemID, appointmentID, assignmentID uint, estimatedMinutes int, now time.Time) Usage {
	return Usage{
		SystemID:         systemID,
		AppointmentID:    appointmentID,
		AssignmentID:     assignmentID,
		Status:           UsageActive,
		StartedAt:        now,
		EstimatedMinutes: estimatedMinutes,
		PauseIntervals:   PauseIntervals{},
	}
}

//EstimateMinutes picks the treatment duration of a service and falls back to the
//total scheduled duration only when no treatment duration is set
func EstimateMinutes(treatmentMinutes, totalMinutes int) int {
	if treatmentMinutes > 0 {
		return treatmentMinutes
	}
	if totalMinutes > 0 {
		return totalMinutes
	}
	return 0
}

//Clone returns a deep copy of the usage
func (u Usage) Clone() Usage {
	c := u
	c.PauseIntervals = make(PauseIntervals, len(u.PauseIntervals))
	for i, p := range u.PauseIntervals {
		c.PauseIntervals[i] = p
		if p.End != nil {
			end := *p.End
			c.PauseIntervals[i].End = &end
		}
	}
	c.EndedAt = copyTime(u.EndedAt)
	c.PausedAt = copyTime(u.PausedAt)
	if u.ActualMinutes != nil {
		m := *u.ActualMinutes
		c.ActualMinutes = &m
	}
	if u.StartEnergy != nil {
		c.StartEnergy = Float(*u.StartEnergy)
	}
	return c
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

//IsOpen reports whether the usage has not been completed yet
func (u Usage) IsOpen() bool {
	return u.Status == UsageActive || u.Status == UsagePaused
}

//Pause opens a new pause interval. Only an ACTIVE usage can be paused.
func (u *Usage) Pause(now time.Time, reason string) error {
	if u.Status != UsageActive {
		return InvalidStatef("usage %d is %s, only ACTIVE usages can be paused", u.ID, u.Status)
	}

	u.PauseIntervals = append(u.PauseIntervals, PauseInterval{Start: now, Reason: reason})
	u.PausedAt = &now
	u.Status = UsagePaused

	return nil
}

//Resume closes the trailing pause interval of a PAUSED usage
func (u *Usage) Resume(now time.Time) error {
	if u.Status != UsagePaused {
		return InvalidStatef("usage %d is %s, only PAUSED usages can be resumed", u.ID, u.Status)
	}

	u.closeTrailingPause(now)
	u.PausedAt = nil
	u.Status = UsageActive

	return nil
}

//Stop completes an ACTIVE or PAUSED usage and computes the actual minutes
func (u *Usage) Stop(now time.Time) error {
	if !u.IsOpen() {
		return InvalidStatef("usage %d is already %s", u.ID, u.Status)
	}

	if u.Status == UsagePaused {
		u.closeTrailingPause(now)
	}

	active := now.Sub(u.StartedAt) - u.PausedDuration(now)
	minutes := int(math.Round(active.Minutes()))
	if minutes < 0 {
		minutes = 0
	}

	u.ActualMinutes = &minutes
	u.EndedAt = &now
	u.PausedAt = nil
	u.Status = UsageCompleted

	return nil
}

func (u *Usage) closeTrailingPause(now time.Time) {
	last := len(u.PauseIntervals) - 1
	if last < 0 || u.PauseIntervals[last].End != nil {
		return
	}
	end := now
	u.PauseIntervals[last].End = &end
}

//PausedDuration sums every pause interval, open intervals counting up to now
func (u Usage) PausedDuration(now time.Time) time.Duration {
	var total time.Duration
	for _, p := range u.PauseIntervals {
		total += p.Duration(now)
	}
	return total
}

//ActiveDuration is the running time of the usage excluding pauses
func (u Usage) ActiveDuration(now time.Time) time.Duration {
	end := now
	if u.EndedAt != nil {
		end = *u.EndedAt
	}
	d := end.Sub(u.StartedAt) - u.PausedDuration(end)
	if d < 0 {
		return 0
	}
	return d
}

//Snapshot builds the timer view sent to real-time subscribers
func (u Usage) Snapshot(now time.Time) TimerSnapshot {
	end := now
	if u.EndedAt != nil {
		end = *u.EndedAt
	}

	remaining := time.Duration(u.EstimatedMinutes)*time.Minute - u.ActiveDuration(now)

	return TimerSnapshot{
		UsageID:          u.ID,
		AppointmentID:    u.AppointmentID,
		EquipmentID:      u.AssignmentID,
		Status:           u.Status,
		StartedAt:        u.StartedAt,
		PausedAt:         u.PausedAt,
		EndedAt:          u.EndedAt,
		EstimatedMinutes: u.EstimatedMinutes,
		ActualMinutes:    u.ActualMinutes,
		ElapsedSeconds:   int64(u.ActiveDuration(now).Seconds()),
		PausedSeconds:    int64(u.PausedDuration(end).Seconds()),
		RemainingSeconds: int64(remaining.Seconds()),
		PauseIntervals:   u.PauseIntervals,
	}
}
