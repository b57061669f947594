package anomaly

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/logging"
)

type repoMock struct {
	samples   map[uint][]domain.EnergySample
	profiles  map[uint][]domain.EnergyProfile
	clients   map[uint][]domain.AnomalyScore
	employees map[uint][]domain.AnomalyScore
	failing   map[uint]bool
	writeErr  error
}

func newRepoMock() *repoMock {
	return &repoMock{
		samples:   map[uint][]domain.EnergySample{},
		profiles:  map[uint][]domain.EnergyProfile{},
		clients:   map[uint][]domain.AnomalyScore{},
		employees: map[uint][]domain.AnomalyScore{},
		failing:   map[uint]bool{},
	}
}

func (r *repoMock) GetSystemsWithSamples(ctx context.Context) ([]uint, error) {
	systems := []uint{}
	for id := range r.samples {
		systems = append(systems, id)
	}
	return systems, nil
}

func (r *repoMock) GetEnergySamples(ctx context.Context, systemID uint) ([]domain.EnergySample, error) {
	if r.failing[systemID] {
		return nil, errors.New("connection refused")
	}
	return r.samples[systemID], nil
}

func (r *repoMock) ReplaceEnergyProfiles(ctx context.Context, systemID uint, profiles []domain.EnergyProfile) error {
	r.profiles[systemID] = profiles
	return nil
}

func (r *repoMock) ReplaceAggregates(ctx context.Context, systemID uint, profiles []domain.EnergyProfile, clients, employees []domain.AnomalyScore) error {
	if r.writeErr != nil {
		return r.writeErr
	}
	r.profiles[systemID] = profiles
	r.clients[systemID] = clients
	r.employees[systemID] = employees
	return nil
}

func testOptions() Options {
	return Options{
		ThresholdPercent: 25,
		MinBaseline:      5,
		Thresholds:       domain.RiskThresholds{Medium: 10, High: 25, Critical: 50},
	}
}

//tenServices returns ten samples of client 1 where three consume 50% above the baseline
//and seven consume about 21% below it
func tenServices() []domain.EnergySample {
	samples := []domain.EnergySample{}

	for i := 0; i < 3; i++ {
		samples = append(samples, domain.EnergySample{SystemID: 1, AssignmentID: 3, ServiceID: 9, ClientID: 1, EmployeeID: 8, EnergyKWh: 1.5, DurationMinutes: 10})
	}
	for i := 0; i < 7; i++ {
		samples = append(samples, domain.EnergySample{SystemID: 1, AssignmentID: 3, ServiceID: 9, ClientID: 1, EmployeeID: 9, EnergyKWh: 5.5 / 7, DurationMinutes: 10})
	}

	return samples
}

func TestThatThreeFlaggedServicesOutOfTenIsAHighRisk(t *testing.T) {
	repo := newRepoMock()
	repo.samples[1] = tenServices()

	summary, err := NewAggregator(repo, testOptions(), logging.NewLogger()).Recompute(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, 10, summary.Judged)
	assert.Equal(t, 3, summary.Flagged)

	require.Len(t, repo.clients[1], 1)
	client := repo.clients[1][0]
	assert.Equal(t, uint(1), client.EntityID)
	assert.Equal(t, 10, client.TotalServices)
	assert.Equal(t, 3, client.TotalAnomalies)
	assert.InDelta(t, 30.0, client.AnomalyRate, 1e-9)
	assert.InDelta(t, 30.0, client.AvgDeviation, 1e-6)
	assert.InDelta(t, 50.0, client.MaxDeviation, 1e-6)
	assert.Equal(t, domain.RiskHigh, client.RiskLevel)
	assert.Equal(t, domain.CountMap{"8": 3}, client.Counterparts)
	assert.Equal(t, domain.CountMap{domain.PatternOverConsumption: 3}, client.SuspiciousPatterns)

	require.Len(t, repo.employees[1], 2)
	assert.Equal(t, domain.RiskCritical, repo.employees[1][0].RiskLevel)
	assert.Equal(t, domain.CountMap{"1": 3}, repo.employees[1][0].Counterparts)
	assert.Equal(t, domain.RiskLow, repo.employees[1][1].RiskLevel)
	assert.Empty(t, repo.employees[1][1].Counterparts)
}

func TestThatProfilesUsePopulationStatistics(t *testing.T) {
	repo := newRepoMock()
	repo.samples[1] = []domain.EnergySample{
		{AssignmentID: 3, ServiceID: 9, EnergyKWh: 2, DurationMinutes: 10},
		{AssignmentID: 3, ServiceID: 9, EnergyKWh: 6, DurationMinutes: 20},
		{AssignmentID: 4, ServiceID: 9, EnergyKWh: 1, DurationMinutes: 0},
	}

	profiles, err := NewAggregator(repo, testOptions(), logging.NewLogger()).RecomputeProfiles(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, profiles, 1)

	p := profiles[0]
	assert.Equal(t, 2, p.SampleCount)
	assert.InDelta(t, 0.25, p.AvgKWhPerMinute, 1e-9)
	assert.InDelta(t, 0.05, p.StdDevKWhPerMinute, 1e-9)
	assert.InDelta(t, 15.0, p.AvgDurationMinutes, 1e-9)
	assert.InDelta(t, 5.0, p.StdDevDurationMinutes, 1e-9)
	assert.Equal(t, profiles, repo.profiles[1])
}

func TestThatSmallBaselinesAreNotJudged(t *testing.T) {
	repo := newRepoMock()
	repo.samples[1] = tenServices()
	repo.clients[1] = []domain.AnomalyScore{{EntityID: 42, RiskLevel: domain.RiskCritical}}

	opts := testOptions()
	opts.MinBaseline = 20

	summary, err := NewAggregator(repo, opts, logging.NewLogger()).Recompute(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, 0, summary.Judged)

	require.Len(t, repo.clients[1], 1)
	client := repo.clients[1][0]
	assert.Equal(t, uint(1), client.EntityID)
	assert.Equal(t, 10, client.TotalServices)
	assert.Equal(t, 0, client.TotalAnomalies)
	assert.Equal(t, 0.0, client.AnomalyRate)
	assert.Equal(t, domain.RiskLow, client.RiskLevel)
	assert.Len(t, repo.employees[1], 2)
}

func TestThatUnjudgedServicesCountTowardsTheTotal(t *testing.T) {
	repo := newRepoMock()
	repo.samples[1] = append(tenServices(),
		domain.EnergySample{SystemID: 1, AssignmentID: 4, ServiceID: 2, ClientID: 1, EmployeeID: 8, EnergyKWh: 2, DurationMinutes: 20})

	summary, err := NewAggregator(repo, testOptions(), logging.NewLogger()).Recompute(context.Background(), 1)
	require.NoError(t, err)

	assert.Equal(t, 10, summary.Judged)
	require.Len(t, repo.clients[1], 1)
	assert.Equal(t, 11, repo.clients[1][0].TotalServices)
	assert.Equal(t, 3, repo.clients[1][0].TotalAnomalies)
	assert.InDelta(t, 30.0, repo.clients[1][0].AnomalyRate, 0.0001)
}

func TestThatAFailedWriteKeepsThePreviousAggregates(t *testing.T) {
	repo := newRepoMock()
	repo.samples[1] = tenServices()
	repo.clients[1] = []domain.AnomalyScore{{EntityID: 42, RiskLevel: domain.RiskCritical}}
	repo.writeErr = errors.New("deadlock detected")

	_, err := NewAggregator(repo, testOptions(), logging.NewLogger()).Recompute(context.Background(), 1)
	require.Error(t, err)

	assert.Empty(t, repo.profiles[1])
	assert.Equal(t, uint(42), repo.clients[1][0].EntityID)
}

func TestThatLongTreatmentsAreMarkedAsOvertime(t *testing.T) {
	repo := newRepoMock()
	for i := 0; i < 5; i++ {
		repo.samples[1] = append(repo.samples[1], domain.EnergySample{AssignmentID: 3, ServiceID: 9, ClientID: 1, EmployeeID: 8, EnergyKWh: 1, DurationMinutes: 10})
	}
	repo.samples[1] = append(repo.samples[1], domain.EnergySample{AssignmentID: 3, ServiceID: 9, ClientID: 2, EmployeeID: 8, EnergyKWh: 1, DurationMinutes: 40})

	_, err := NewAggregator(repo, testOptions(), logging.NewLogger()).Recompute(context.Background(), 1)
	require.NoError(t, err)

	require.Len(t, repo.clients[1], 2)
	assert.Equal(t, domain.CountMap{domain.PatternUnderConsumption: 1, domain.PatternOvertime: 1}, repo.clients[1][1].SuspiciousPatterns)
}

func TestThatRecomputeAllContinuesAfterAFailingTenant(t *testing.T) {
	repo := newRepoMock()
	repo.samples[1] = tenServices()
	repo.samples[2] = tenServices()
	repo.failing[1] = true

	err := NewAggregator(repo, testOptions(), logging.NewLogger()).RecomputeAll(context.Background())
	require.NoError(t, err)

	assert.Empty(t, repo.clients[1])
	assert.Len(t, repo.clients[2], 1)
}
