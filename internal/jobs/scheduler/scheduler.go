package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/jrjohn/arcana-runtime/internal/event"
	"github.com/jrjohn/arcana-runtime/internal/extension"
	"github.com/jrjohn/arcana-runtime/internal/jobs"
)

const (
	// Common cron expressions
	EveryMinute      = "* * * * *"
	EveryFiveMinutes = "*/5 * * * *"
	EveryHour        = "0 * * * *"
	DailyMidnight    = "0 0 * * *"
	WeeklyMonday     = "0 0 * * 1"
	MonthlyFirst     = "0 0 1 * *"
)

// EndpointID identifies the endpoint plugins register ScheduledJobs on
var EndpointID = uuid.MustParse("9a3e4f5c-2b1d-4c8e-a7f6-0d5c4b3a2e10")

var (
	ErrNotRunning     = errors.New("scheduler is not running")
	ErrAlreadyRunning = errors.New("singleton job is already running")
	ErrUnknownJob     = errors.New("scheduled job not found")
)

// Endpoint returns the endpoint accepting *ScheduledJob extensions
func Endpoint() *extension.Endpoint {
	return extension.NewEndpoint("scheduled_jobs", "jobs run on a cron schedule", EndpointID,
		extension.InstanceOf[*ScheduledJob]())
}

// ScheduledJob is a job run on a cron schedule
type ScheduledJob struct {
	// Schedule is a standard five field cron expression or a descriptor
	// such as @hourly or @every 10m
	Schedule string
	Job      jobs.Job
	// Singleton skips a tick while the previous run is still going
	Singleton bool
}

// Name returns the job's name
func (j *ScheduledJob) Name() string {
	return j.Job.Name
}

// Endpoints places scheduled jobs on the scheduler endpoint by default
func (j *ScheduledJob) Endpoints() []uuid.UUID {
	return []uuid.UUID{EndpointID}
}

// Info describes a registered scheduled job
type Info struct {
	Name      string
	Schedule  string
	NextRun   time.Time
	Singleton bool
}

type entry struct {
	job     *ScheduledJob
	id      cron.EntryID
	running bool
}

// Scheduler runs the ScheduledJob extensions registered on EndpointID
// through a jobs.Runner
type Scheduler struct {
	registry *extension.Registry
	runner   *jobs.Runner
	logger   *zap.Logger
	cron     *cron.Cron

	mu      sync.Mutex
	entries map[string]*entry
	handle  event.Handle
	running bool
	ctx     context.Context
	cancel  context.CancelFunc
}

// New creates a scheduler. The scheduled jobs endpoint must be defined on
// registry before Start is called.
func New(registry *extension.Registry, runner *jobs.Runner, logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		registry: registry,
		runner:   runner,
		logger:   logger.Named("scheduler"),
		cron:     cron.New(),
		entries:  make(map[string]*entry),
	}
}

// Start subscribes to the scheduled jobs endpoint and starts the cron loop.
// Jobs registered before Start are scheduled immediately, later ones as
// they are registered. Runs use a context derived from ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)
	s.mu.Unlock()

	h, err := s.registry.Subscribe(EndpointID, func(obj any) {
		if job, ok := obj.(*ScheduledJob); ok {
			if err := s.add(job); err != nil {
				s.logger.Error("failed to schedule job", zap.String("name", job.Name()), zap.Error(err))
			}
		}
	})
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.cancel()
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()

	s.cron.Start()
	s.logger.Info("scheduler started", zap.Int("jobs", len(s.Jobs())))
	return nil
}

// Stop unsubscribes, stops the cron loop and waits for running jobs until
// ctx is done
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	h := s.handle
	s.handle = event.Handle{}
	cancel := s.cancel
	s.mu.Unlock()

	s.registry.Unsubscribe(h)
	cancel()

	done := s.cron.Stop()
	select {
	case <-done.Done():
		s.logger.Info("scheduler stopped")
	case <-ctx.Done():
		s.logger.Warn("scheduler stop cancelled while jobs were running")
		return ctx.Err()
	}
	return nil
}

func (s *Scheduler) add(job *ScheduledJob) error {
	name := job.Name()
	if name == "" {
		return fmt.Errorf("scheduled job has no name")
	}
	if _, err := cron.ParseStandard(job.Schedule); err != nil {
		return fmt.Errorf("invalid cron expression %q: %w", job.Schedule, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entries[name]; exists {
		return fmt.Errorf("job %s already scheduled", name)
	}

	e := &entry{job: job}
	id, err := s.cron.AddFunc(job.Schedule, func() {
		if _, err := s.execute(e); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			s.logger.Debug("scheduled run ended with error", zap.String("name", name), zap.Error(err))
		}
	})
	if err != nil {
		return err
	}
	e.id = id
	s.entries[name] = e

	s.logger.Info("registered scheduled job",
		zap.String("name", name),
		zap.String("schedule", job.Schedule),
		zap.Bool("singleton", job.Singleton),
	)
	return nil
}

func (s *Scheduler) execute(e *entry) (*jobs.Status, error) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil, ErrNotRunning
	}
	if e.job.Singleton && e.running {
		s.mu.Unlock()
		s.logger.Info("singleton job already running, skipping", zap.String("name", e.job.Name()))
		return nil, ErrAlreadyRunning
	}
	e.running = true
	ctx := s.ctx
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		e.running = false
		s.mu.Unlock()
	}()

	s.logger.Debug("executing scheduled job", zap.String("name", e.job.Name()))
	return s.runner.Run(ctx, e.job.Job)
}

// RunNow runs the named job immediately, outside of its schedule
func (s *Scheduler) RunNow(name string) (*jobs.Status, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}
	return s.execute(e)
}

// NextRun returns the next scheduled run time of the named job
func (s *Scheduler) NextRun(name string) (time.Time, error) {
	s.mu.Lock()
	e, ok := s.entries[name]
	s.mu.Unlock()
	if !ok {
		return time.Time{}, fmt.Errorf("%w: %s", ErrUnknownJob, name)
	}

	if next := s.cron.Entry(e.id).Next; !next.IsZero() {
		return next, nil
	}
	schedule, err := cron.ParseStandard(e.job.Schedule)
	if err != nil {
		return time.Time{}, err
	}
	return schedule.Next(time.Now()), nil
}

// Jobs lists the scheduled jobs sorted by name
func (s *Scheduler) Jobs() []Info {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]Info, 0, len(entries))
	for _, e := range entries {
		next, _ := s.NextRun(e.job.Name())
		out = append(out, Info{
			Name:      e.job.Name(),
			Schedule:  e.job.Schedule,
			NextRun:   next,
			Singleton: e.job.Singleton,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// IsRunning reports whether the scheduler has been started and not stopped
func (s *Scheduler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}
