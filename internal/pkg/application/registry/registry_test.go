package registry

import (
	"context"
	"errors"
	"testing"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type storeMock struct {
	clinics  map[uint]uint
	bindings []domain.DeviceBinding
	calls    int
}

func (s *storeMock) ClinicExists(ctx context.Context, systemID, clinicID uint) (bool, error) {
	owner, ok := s.clinics[clinicID]
	return ok && owner == systemID, nil
}

func (s *storeMock) GetBindings(ctx context.Context, systemID uint, clinicID *uint) ([]domain.DeviceBinding, error) {
	s.calls++
	out := []domain.DeviceBinding{}
	for _, b := range s.bindings {
		if clinicID == nil || b.ClinicID == *clinicID {
			out = append(out, b)
		}
	}
	return out, nil
}

func (s *storeMock) GetBinding(ctx context.Context, systemID uint, deviceID string) (*domain.DeviceBinding, error) {
	for _, b := range s.bindings {
		if b.DeviceID == deviceID {
			c := b
			return &c, nil
		}
	}
	return nil, domain.NotFoundf("device %s", deviceID)
}

func (s *storeMock) GetAssignmentBinding(ctx context.Context, systemID, assignmentID uint) (*domain.DeviceBinding, error) {
	return nil, domain.NotFoundf("assignment %d", assignmentID)
}

func TestThatForeignClinicIsNotFound(t *testing.T) {
	store := &storeMock{clinics: map[uint]uint{5: 2}}
	r := New(store, 5)
	clinic := uint(5)

	_, err := r.ListBindings(context.Background(), 1, &clinic)

	assert.True(t, errors.Is(err, domain.ErrNotFound))
	assert.Equal(t, 0, store.calls)
}

func TestThatDefaultThresholdIsApplied(t *testing.T) {
	store := &storeMock{
		clinics: map[uint]uint{5: 1},
		bindings: []domain.DeviceBinding{
			{DeviceID: "a", ClinicID: 5},
			{DeviceID: "b", ClinicID: 5, PowerThreshold: 40},
		},
	}
	r := New(store, 7.5)
	clinic := uint(5)

	bindings, err := r.ListBindings(context.Background(), 1, &clinic)
	require.NoError(t, err)
	require.Len(t, bindings, 2)
	assert.Equal(t, 7.5, bindings[0].PowerThreshold)
	assert.Equal(t, 40.0, bindings[1].PowerThreshold)

	b, err := r.ResolveDevice(context.Background(), 1, "a")
	require.NoError(t, err)
	assert.Equal(t, 7.5, b.PowerThreshold)
}
