//Package anomaly scores clients and employees by how far their treatments deviate from
//the energy baseline of the equipment and service used
package anomaly

import (
	"context"
	"math"
	"sort"
	"strconv"
	"time"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/logging"
)

//Repository is the storage used by the aggregator
type Repository interface {
	GetSystemsWithSamples(ctx context.Context) ([]uint, error)
	GetEnergySamples(ctx context.Context, systemID uint) ([]domain.EnergySample, error)
	ReplaceEnergyProfiles(ctx context.Context, systemID uint, profiles []domain.EnergyProfile) error
	ReplaceAggregates(ctx context.Context, systemID uint, profiles []domain.EnergyProfile, clients, employees []domain.AnomalyScore) error
}

//Options control when a sample counts as an anomaly
type Options struct {
	//ThresholdPercent is the absolute deviation above which a sample is flagged
	ThresholdPercent float64
	//MinBaseline is the number of samples a profile needs before samples are judged against it
	MinBaseline int
	Thresholds  domain.RiskThresholds
}

//Summary reports what a recomputation wrote
type Summary struct {
	Samples   int `json:"samples"`
	Judged    int `json:"judged"`
	Flagged   int `json:"flagged"`
	Profiles  int `json:"profiles"`
	Clients   int `json:"clients"`
	Employees int `json:"employees"`
}

//Aggregator recomputes profiles and scores from the stored energy samples
type Aggregator struct {
	repo Repository
	opts Options
	log  logging.Logger
	now  func() time.Time
}

//NewAggregator creates an aggregator
func NewAggregator(repo Repository, opts Options, log logging.Logger) *Aggregator {
	return &Aggregator{
		repo: repo,
		opts: opts,
		log:  log,
		now:  func() time.Time { return time.Now().UTC() },
	}
}

type profileKey struct {
	assignmentID uint
	serviceID    uint
}

//RecomputeProfiles rebuilds every energy profile of a tenant from its samples
func (a *Aggregator) RecomputeProfiles(ctx context.Context, systemID uint) ([]domain.EnergyProfile, error) {
	samples, err := a.repo.GetEnergySamples(ctx, systemID)
	if err != nil {
		return nil, err
	}

	profiles := buildProfiles(samples)
	if err := a.repo.ReplaceEnergyProfiles(ctx, systemID, profiles); err != nil {
		return nil, err
	}

	return profiles, nil
}

func buildProfiles(samples []domain.EnergySample) []domain.EnergyProfile {
	rates := map[profileKey][]float64{}
	durations := map[profileKey][]float64{}

	for _, s := range samples {
		kpm, ok := s.KWhPerMinute()
		if !ok {
			continue
		}
		key := profileKey{s.AssignmentID, s.ServiceID}
		rates[key] = append(rates[key], kpm)
		durations[key] = append(durations[key], s.DurationMinutes)
	}

	profiles := make([]domain.EnergyProfile, 0, len(rates))
	for key, values := range rates {
		avgRate, stdRate := domain.MeanStdDev(values)
		avgDuration, stdDuration := domain.MeanStdDev(durations[key])

		profiles = append(profiles, domain.EnergyProfile{
			AssignmentID: key.assignmentID,
			ServiceID:    key.serviceID,
			Baseline: domain.Baseline{
				SampleCount:           len(values),
				AvgKWhPerMinute:       avgRate,
				StdDevKWhPerMinute:    stdRate,
				AvgDurationMinutes:    avgDuration,
				StdDevDurationMinutes: stdDuration,
			},
		})
	}

	sort.Slice(profiles, func(i, j int) bool {
		if profiles[i].AssignmentID != profiles[j].AssignmentID {
			return profiles[i].AssignmentID < profiles[j].AssignmentID
		}
		return profiles[i].ServiceID < profiles[j].ServiceID
	})

	return profiles
}

//Recompute rebuilds the profiles of a tenant and replaces every client and employee score
func (a *Aggregator) Recompute(ctx context.Context, systemID uint) (Summary, error) {
	summary := Summary{}

	samples, err := a.repo.GetEnergySamples(ctx, systemID)
	if err != nil {
		return summary, err
	}
	summary.Samples = len(samples)

	profiles := buildProfiles(samples)

	baselines := make(map[profileKey]domain.Baseline, len(profiles))
	for _, p := range profiles {
		baselines[profileKey{p.AssignmentID, p.ServiceID}] = p.Baseline
	}

	clients := map[uint]*domain.Tally{}
	employees := map[uint]*domain.Tally{}

	for _, s := range samples {
		deviation, baseline, ok := a.deviation(s, baselines)
		if !ok {
			if s.ClientID != 0 {
				tally(clients, s.ClientID).Count()
			}
			if s.EmployeeID != 0 {
				tally(employees, s.EmployeeID).Count()
			}
			continue
		}

		summary.Judged++
		absDeviation := math.Abs(deviation)
		flagged := absDeviation > a.opts.ThresholdPercent

		var patterns []string
		if flagged {
			summary.Flagged++
			patterns = a.patterns(deviation, s, baseline)
		}

		if s.ClientID != 0 {
			tally(clients, s.ClientID).Observe(absDeviation, flagged, counterpart(s.EmployeeID), patterns)
		}
		if s.EmployeeID != 0 {
			tally(employees, s.EmployeeID).Observe(absDeviation, flagged, counterpart(s.ClientID), patterns)
		}
	}

	now := a.now()
	clientScores := a.scores(clients, now)
	employeeScores := a.scores(employees, now)

	if err := a.repo.ReplaceAggregates(ctx, systemID, profiles, clientScores, employeeScores); err != nil {
		return summary, err
	}
	summary.Profiles = len(profiles)
	summary.Clients = len(clientScores)
	summary.Employees = len(employeeScores)

	a.log.Infof("Recomputed anomaly scores for system %d: %d of %d judged samples flagged, %d clients, %d employees",
		systemID, summary.Flagged, summary.Judged, summary.Clients, summary.Employees)

	return summary, nil
}

func (a *Aggregator) patterns(deviation float64, s domain.EnergySample, baseline domain.Baseline) []string {
	patterns := []string{domain.PatternUnderConsumption}
	if deviation > 0 {
		patterns[0] = domain.PatternOverConsumption
	}

	durationDeviation, ok := domain.DeviationPercent(s.DurationMinutes, baseline.AvgDurationMinutes)
	if ok && math.Abs(durationDeviation) > a.opts.ThresholdPercent {
		if durationDeviation > 0 {
			patterns = append(patterns, domain.PatternOvertime)
		} else {
			patterns = append(patterns, domain.PatternUndertime)
		}
	}

	return patterns
}

func (a *Aggregator) scores(tallies map[uint]*domain.Tally, now time.Time) []domain.AnomalyScore {
	scores := make([]domain.AnomalyScore, 0, len(tallies))

	for id, t := range tallies {
		score, level := t.Score(a.opts.Thresholds)
		scores = append(scores, domain.AnomalyScore{
			EntityID:           id,
			TotalServices:      t.Total,
			TotalAnomalies:     t.Anomalies,
			AnomalyRate:        t.AnomalyRate(),
			AvgDeviation:       t.AvgDeviation(),
			MaxDeviation:       t.MaxDeviation,
			Counterparts:       t.Counterparts,
			SuspiciousPatterns: t.Patterns,
			RiskScore:          score,
			RiskLevel:          level,
			ComputedAt:         now,
		})
	}

	sort.Slice(scores, func(i, j int) bool { return scores[i].EntityID < scores[j].EntityID })
	return scores
}

//RecomputeAll recomputes every tenant that has samples. A failing tenant does not stop the others.
func (a *Aggregator) RecomputeAll(ctx context.Context) error {
	systems, err := a.repo.GetSystemsWithSamples(ctx)
	if err != nil {
		return err
	}

	for _, systemID := range systems {
		if _, err := a.Recompute(ctx, systemID); err != nil {
			a.log.Errorf("Failed to recompute anomaly scores for system %d: %s", systemID, err.Error())
		}
	}

	return nil
}

//Run implements the scheduler job interface
func (a *Aggregator) Run() {
	if err := a.RecomputeAll(context.Background()); err != nil {
		a.log.Errorf("Scheduled anomaly recompute failed: %s", err.Error())
	}
}

//deviation judges a sample against its baseline and returns the deviation in percent
func (a *Aggregator) deviation(s domain.EnergySample, baselines map[profileKey]domain.Baseline) (float64, domain.Baseline, bool) {
	baseline, ok := baselines[profileKey{s.AssignmentID, s.ServiceID}]
	if !ok || baseline.SampleCount < a.opts.MinBaseline {
		return 0, baseline, false
	}

	kpm, ok := s.KWhPerMinute()
	if !ok {
		return 0, baseline, false
	}

	deviation, ok := domain.DeviationPercent(kpm, baseline.AvgKWhPerMinute)
	return deviation, baseline, ok
}

func tally(tallies map[uint]*domain.Tally, id uint) *domain.Tally {
	t, ok := tallies[id]
	if !ok {
		t = domain.NewTally()
		tallies[id] = t
	}
	return t
}

func counterpart(id uint) string {
	if id == 0 {
		return ""
	}
	return strconv.FormatUint(uint64(id), 10)
}
