//Package usage tracks how long clinic equipment is used during an appointment
package usage

import (
	"context"
	"fmt"
	"time"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/logging"
)

//Repository is the storage used by the tracker
type Repository interface {
	GetAppointment(ctx context.Context, systemID, appointmentID uint) (*domain.AppointmentInfo, error)
	GetUsage(ctx context.Context, systemID, usageID uint) (*domain.Usage, error)
	FindOpenUsage(ctx context.Context, systemID, appointmentID, assignmentID uint) (*domain.Usage, error)
	ListUsages(ctx context.Context, systemID, appointmentID uint) ([]domain.Usage, error)
	CreateUsage(ctx context.Context, usage *domain.Usage) error
	SaveUsage(ctx context.Context, usage domain.Usage) error
	CompleteUsage(ctx context.Context, usage domain.Usage, sample *domain.EnergySample) error
}

//AssignmentResolver resolves equipment assignments within a tenant
type AssignmentResolver interface {
	ResolveAssignment(ctx context.Context, systemID, assignmentID uint) (*domain.DeviceBinding, error)
}

//Tracker runs the usage state machine, persists every transition and announces it
type Tracker struct {
	repo      Repository
	resolver  AssignmentResolver
	publisher domain.Publisher
	log       logging.Logger
	locks     *keyedMutex
	now       func() time.Time
}

//NewTracker creates a tracker
func NewTracker(repo Repository, resolver AssignmentResolver, publisher domain.Publisher, log logging.Logger) *Tracker {
	return &Tracker{
		repo:      repo,
		resolver:  resolver,
		publisher: publisher,
		log:       log,
		locks:     newKeyedMutex(),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

//Start opens a new ACTIVE usage of an equipment assignment for an appointment
func (t *Tracker) Start(ctx context.Context, systemID, appointmentID, assignmentID uint) (*domain.Usage, error) {
	appointment, err := t.repo.GetAppointment(ctx, systemID, appointmentID)
	if err != nil {
		return nil, err
	}

	binding, err := t.resolver.ResolveAssignment(ctx, systemID, assignmentID)
	if err != nil {
		return nil, err
	}

	unlock := t.locks.lock(fmt.Sprintf("start/%d/%d/%d", systemID, appointmentID, assignmentID))
	defer unlock()

	open, err := t.repo.FindOpenUsage(ctx, systemID, appointmentID, assignmentID)
	if err != nil {
		return nil, err
	}
	if open != nil {
		return nil, domain.InvalidStatef("equipment %d already has usage %d running for appointment %d", assignmentID, open.ID, appointmentID)
	}

	now := t.now()
	u := domain.NewUsage(systemID, appointmentID, assignmentID, appointment.EstimatedMinutes(), now)
	if binding.State.EnergyTotal != nil {
		u.StartEnergy = domain.Float(*binding.State.EnergyTotal)
	}

	if err := t.repo.CreateUsage(ctx, &u); err != nil {
		return nil, err
	}

	t.log.Infof("Started usage %d of equipment %d for appointment %d", u.ID, assignmentID, appointmentID)
	t.publish(ctx, systemID, domain.ActionStart, u, now)

	return &u, nil
}

//Pause pauses an ACTIVE usage. The reason is stored with the pause interval.
func (t *Tracker) Pause(ctx context.Context, systemID, appointmentID, usageID uint, reason string) (*domain.Usage, error) {
	return t.transition(ctx, systemID, appointmentID, usageID, domain.ActionPause, func(u *domain.Usage, now time.Time) error {
		return u.Pause(now, reason)
	})
}

//Resume resumes a PAUSED usage
func (t *Tracker) Resume(ctx context.Context, systemID, appointmentID, usageID uint) (*domain.Usage, error) {
	return t.transition(ctx, systemID, appointmentID, usageID, domain.ActionResume, func(u *domain.Usage, now time.Time) error {
		return u.Resume(now)
	})
}

//Stop completes an ACTIVE or PAUSED usage
func (t *Tracker) Stop(ctx context.Context, systemID, appointmentID, usageID uint) (*domain.Usage, error) {
	return t.transition(ctx, systemID, appointmentID, usageID, domain.ActionStop, func(u *domain.Usage, now time.Time) error {
		return u.Stop(now)
	})
}

//List returns the timers of every usage of an appointment
func (t *Tracker) List(ctx context.Context, systemID, appointmentID uint) ([]domain.TimerSnapshot, error) {
	if _, err := t.repo.GetAppointment(ctx, systemID, appointmentID); err != nil {
		return nil, err
	}

	usages, err := t.repo.ListUsages(ctx, systemID, appointmentID)
	if err != nil {
		return nil, err
	}

	now := t.now()
	snapshots := make([]domain.TimerSnapshot, 0, len(usages))
	for _, u := range usages {
		snapshots = append(snapshots, u.Snapshot(now))
	}

	return snapshots, nil
}

func (t *Tracker) transition(ctx context.Context, systemID, appointmentID, usageID uint, action string, apply func(*domain.Usage, time.Time) error) (*domain.Usage, error) {
	unlock := t.locks.lock(fmt.Sprintf("usage/%d/%d", systemID, usageID))
	defer unlock()

	stored, err := t.repo.GetUsage(ctx, systemID, usageID)
	if err != nil {
		return nil, err
	}
	if stored.AppointmentID != appointmentID {
		return nil, domain.NotFoundf("usage %d of appointment %d", usageID, appointmentID)
	}

	u := stored.Clone()
	now := t.now()

	if err := apply(&u, now); err != nil {
		return nil, err
	}

	if action == domain.ActionStop {
		err = t.repo.CompleteUsage(ctx, u, t.energySample(ctx, u, now))
	} else {
		err = t.repo.SaveUsage(ctx, u)
	}
	if err != nil {
		return nil, err
	}

	t.log.Infof("Usage %d of appointment %d is now %s", u.ID, appointmentID, u.Status)
	t.publish(ctx, systemID, action, u, now)

	return &u, nil
}

//energySample returns nil when the consumption of the usage cannot be measured
func (t *Tracker) energySample(ctx context.Context, u domain.Usage, now time.Time) *domain.EnergySample {
	if u.StartEnergy == nil {
		return nil
	}

	binding, err := t.resolver.ResolveAssignment(ctx, u.SystemID, u.AssignmentID)
	if err != nil {
		t.log.Warnf("No energy sample for usage %d: %s", u.ID, err.Error())
		return nil
	}
	if binding.State.EnergyTotal == nil || *binding.State.EnergyTotal < *u.StartEnergy {
		return nil
	}

	appointment, err := t.repo.GetAppointment(ctx, u.SystemID, u.AppointmentID)
	if err != nil {
		t.log.Warnf("No energy sample for usage %d: %s", u.ID, err.Error())
		return nil
	}

	return &domain.EnergySample{
		SystemID:        u.SystemID,
		AppointmentID:   u.AppointmentID,
		UsageID:         u.ID,
		AssignmentID:    u.AssignmentID,
		ServiceID:       appointment.ServiceID,
		ClientID:        appointment.ClientID,
		EmployeeID:      appointment.EmployeeID,
		EnergyKWh:       (*binding.State.EnergyTotal - *u.StartEnergy) / 1000,
		DurationMinutes: u.ActiveDuration(now).Minutes(),
		RecordedAt:      now,
	}
}

func (t *Tracker) publish(ctx context.Context, systemID uint, action string, u domain.Usage, now time.Time) {
	event := domain.NewTimerEvent(systemID, action, u.Snapshot(now), now)
	if err := t.publisher.Publish(ctx, systemID, event); err != nil {
		t.log.Warnf("Failed to publish %s of usage %d: %s", action, u.ID, err.Error())
	}
}
