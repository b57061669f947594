//Package registry resolves smart plugs to the clinic equipment they power
package registry

import (
	"context"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
)

//BindingStore is the read side of the device and equipment tables
type BindingStore interface {
	ClinicExists(ctx context.Context, systemID, clinicID uint) (bool, error)
	GetBindings(ctx context.Context, systemID uint, clinicID *uint) ([]domain.DeviceBinding, error)
	GetBinding(ctx context.Context, systemID uint, deviceID string) (*domain.DeviceBinding, error)
	GetAssignmentBinding(ctx context.Context, systemID, assignmentID uint) (*domain.DeviceBinding, error)
}

//Registry is the read-only device registry adapter
type Registry struct {
	store            BindingStore
	defaultThreshold float64
}

//New creates a registry. defaultThreshold is used for devices without their own power threshold.
func New(store BindingStore, defaultThreshold float64) *Registry {
	return &Registry{store: store, defaultThreshold: defaultThreshold}
}

//ListBindings returns every bound device of the tenant, optionally limited to one clinic
func (r *Registry) ListBindings(ctx context.Context, systemID uint, clinicID *uint) ([]domain.DeviceBinding, error) {
	if clinicID != nil {
		exists, err := r.store.ClinicExists(ctx, systemID, *clinicID)
		if err != nil {
			return nil, err
		}
		if !exists {
			return nil, domain.NotFoundf("clinic %d", *clinicID)
		}
	}

	bindings, err := r.store.GetBindings(ctx, systemID, clinicID)
	if err != nil {
		return nil, err
	}

	for i := range bindings {
		r.applyDefaults(&bindings[i])
	}

	return bindings, nil
}

//ResolveDevice returns the binding of one device
func (r *Registry) ResolveDevice(ctx context.Context, systemID uint, deviceID string) (*domain.DeviceBinding, error) {
	b, err := r.store.GetBinding(ctx, systemID, deviceID)
	if err != nil {
		return nil, err
	}
	r.applyDefaults(b)
	return b, nil
}

//ResolveAssignment returns the binding of an equipment assignment. DeviceID is empty
//when no device is attached to the assignment.
func (r *Registry) ResolveAssignment(ctx context.Context, systemID, assignmentID uint) (*domain.DeviceBinding, error) {
	b, err := r.store.GetAssignmentBinding(ctx, systemID, assignmentID)
	if err != nil {
		return nil, err
	}
	r.applyDefaults(b)
	return b, nil
}

func (r *Registry) applyDefaults(b *domain.DeviceBinding) {
	if b.PowerThreshold <= 0 {
		b.PowerThreshold = r.defaultThreshold
	}
}
