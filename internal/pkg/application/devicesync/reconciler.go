//Package devicesync keeps the stored device state in line with the vendor cloud
package devicesync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/domain"
	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/logging"
)

//DeviceRepository is the storage used by the reconciler
type DeviceRepository interface {
	GetDeviceState(ctx context.Context, systemID uint, deviceID string) (domain.DeviceState, error)
	UpdateDeviceState(ctx context.Context, systemID uint, deviceID string, fields map[string]interface{}) error
}

//Result summarises one reconciled batch
type Result struct {
	Updated int                   `json:"updated"`
	Skipped int                   `json:"skipped"`
	Missing int                   `json:"missing"`
	Failed  int                   `json:"failed"`
	Changes []domain.DeviceChange `json:"changes"`
}

func (r *Result) add(other Result) {
	r.Updated += other.Updated
	r.Skipped += other.Skipped
	r.Missing += other.Missing
	r.Failed += other.Failed
	r.Changes = append(r.Changes, other.Changes...)
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeUpdated
	outcomeMissing
	outcomeFailed
)

//Reconciler writes the columns of a reported device state that differ from the stored row
type Reconciler struct {
	repo    DeviceRepository
	log     logging.Logger
	workers int
	timeout time.Duration
	metrics *Metrics
	now     func() time.Time
}

//NewReconciler creates a reconciler that handles at most workers devices at a time and
//gives every database call timeout to complete. metrics may be nil.
func NewReconciler(repo DeviceRepository, log logging.Logger, workers int, timeout time.Duration, metrics *Metrics) *Reconciler {
	if workers < 1 {
		workers = 1
	}

	return &Reconciler{
		repo:    repo,
		log:     log,
		workers: workers,
		timeout: timeout,
		metrics: metrics,
		now:     time.Now,
	}
}

//Apply reconciles a batch of reports for one tenant. Devices that are not known to the
//tenant are skipped and never created. A failing device does not stop the batch.
func (r *Reconciler) Apply(ctx context.Context, systemID uint, reports []domain.DeviceReport) (Result, error) {
	reports = latestPerDevice(reports)

	outcomes := make([]outcome, len(reports))
	changes := make([]*domain.DeviceChange, len(reports))

	sem := make(chan struct{}, r.workers)
	var wg sync.WaitGroup

dispatch:
	for i := range reports {
		select {
		case sem <- struct{}{}:
		case <-ctx.Done():
			break dispatch
		}

		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			outcomes[i], changes[i] = r.reconcile(ctx, systemID, reports[i])
		}(i)
	}

	wg.Wait()

	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	result := Result{Changes: []domain.DeviceChange{}}
	for i, o := range outcomes {
		switch o {
		case outcomeUpdated:
			result.Updated++
			result.Changes = append(result.Changes, *changes[i])
		case outcomeSkipped:
			result.Skipped++
		case outcomeMissing:
			result.Missing++
		case outcomeFailed:
			result.Failed++
		}
	}

	r.metrics.observe(result)
	r.log.Infof("Reconciled %d devices for system %d: %d updated, %d unchanged, %d unknown, %d failed",
		len(reports), systemID, result.Updated, result.Skipped, result.Missing, result.Failed)

	return result, nil
}

//SetOnline reconciles the online flag of a single device and leaves every other column as stored
func (r *Reconciler) SetOnline(ctx context.Context, systemID uint, deviceID string, online bool) (Result, error) {
	stored, err := r.getState(ctx, systemID, deviceID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return Result{Missing: 1, Changes: []domain.DeviceChange{}}, nil
		}
		return Result{}, err
	}

	report := domain.DeviceReport{
		ID:           deviceID,
		CurrentState: domain.DeviceState{Online: online, RelayOn: stored.RelayOn},
	}

	return r.Apply(ctx, systemID, []domain.DeviceReport{report})
}

func (r *Reconciler) reconcile(ctx context.Context, systemID uint, report domain.DeviceReport) (outcome, *domain.DeviceChange) {
	if report.ID == "" {
		return outcomeMissing, nil
	}

	stored, err := r.getState(ctx, systemID, report.ID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			r.log.Debugf("Ignoring report for unknown device %s in system %d", report.ID, systemID)
			return outcomeMissing, nil
		}
		r.log.Errorf("Failed to read state of device %s: %s", report.ID, err.Error())
		return outcomeFailed, nil
	}

	diff := domain.DiffDeviceState(stored, report.CurrentState)
	if len(diff) == 0 {
		return outcomeSkipped, nil
	}

	now := r.now()
	diff[domain.ColumnLastSeenAt] = now

	dbctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := r.repo.UpdateDeviceState(dbctx, systemID, report.ID, diff); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return outcomeMissing, nil
		}
		r.log.Errorf("Failed to update state of device %s: %s", report.ID, err.Error())
		return outcomeFailed, nil
	}

	return outcomeUpdated, &domain.DeviceChange{
		DeviceID:  report.ID,
		Fields:    diff,
		State:     stored.Apply(diff),
		UpdatedAt: now,
	}
}

func (r *Reconciler) getState(ctx context.Context, systemID uint, deviceID string) (domain.DeviceState, error) {
	dbctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	return r.repo.GetDeviceState(dbctx, systemID, deviceID)
}

//latestPerDevice keeps the last report of every device so that no two workers touch the same row
func latestPerDevice(reports []domain.DeviceReport) []domain.DeviceReport {
	index := make(map[string]int, len(reports))
	unique := make([]domain.DeviceReport, 0, len(reports))

	for _, report := range reports {
		if i, ok := index[report.ID]; ok && report.ID != "" {
			unique[i] = report
			continue
		}
		index[report.ID] = len(unique)
		unique = append(unique, report)
	}

	return unique
}
