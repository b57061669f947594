//Package jobs runs periodic background work on cron schedules
package jobs

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/iot-for-tillgenglighet/iot-device-usage/internal/pkg/infrastructure/logging"
)

type printfLogger struct {
	log logging.Logger
}

func (p printfLogger) Printf(format string, args ...interface{}) {
	p.log.Infof(format, args...)
}

//Scheduler runs named jobs. A job that is still running when it is due again is skipped.
type Scheduler struct {
	cron *cron.Cron
	log  logging.Logger

	mu      sync.Mutex
	entries map[string]cron.EntryID
}

//NewScheduler creates a scheduler that accepts five field expressions, six field expressions
//with a leading seconds field and descriptors such as @every 30s
func NewScheduler(log logging.Logger) *Scheduler {
	cronLogger := cron.PrintfLogger(printfLogger{log: log})
	parser := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

	return &Scheduler{
		cron: cron.New(
			cron.WithParser(parser),
			cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
		),
		log:     log,
		entries: map[string]cron.EntryID{},
	}
}

//Add schedules a job under a unique name
func (s *Scheduler) Add(name, spec string, job cron.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("job %s is already scheduled", name)
	}

	s.log.Infof("Scheduling job %s with cron expression '%s'", name, spec)
	if strings.Count(strings.TrimSpace(spec), " ") == 5 {
		s.log.Warnf("Job %s uses second level scheduling", name)
	}

	id, err := s.cron.AddJob(spec, job)
	if err != nil {
		return fmt.Errorf("could not schedule job %s: %w", name, err)
	}

	s.entries[name] = id
	return nil
}

//NextRun returns when the named job runs next. It is zero until the scheduler is started.
func (s *Scheduler) NextRun(name string) (time.Time, bool) {
	s.mu.Lock()
	id, ok := s.entries[name]
	s.mu.Unlock()

	if !ok {
		return time.Time{}, false
	}
	return s.cron.Entry(id).Next, true
}

//Start runs the scheduler in the background
func (s *Scheduler) Start() {
	s.cron.Start()
}

//Stop stops scheduling and waits for running jobs to finish
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}
