package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/errgroup"

	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/alerts"
	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/metrics"
	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/models"
	"github.com/bagaspng/Moisture-Sense-Dashboard/internal/state"
)

const DefaultInterval = 5 * time.Second

var (
	ErrAlreadyRunning = errors.New("scheduler already running")
	ErrBreakerOpen    = errors.New("circuit breaker is open")
)

// DeviceReader is the read side of the device client.
type DeviceReader interface {
	ReadState(ctx context.Context) (models.StateSnapshot, error)
	ReadEvents(ctx context.Context) ([]models.EventRecord, error)
}

// Status of the polling state machine
type Status int

const (
	StatusStopped Status = iota
	StatusPolling
)

func (s Status) String() string {
	if s == StatusPolling {
		return "polling"
	}
	return "stopped"
}

// Config controls the polling cadence.
type Config struct {
	// Interval between ticks. Cron schedules have one second resolution,
	// so anything shorter runs every second.
	Interval time.Duration
	// Timeout bounds one poll. Defaults to Interval.
	Timeout time.Duration
	// BreakerFailures enables a circuit breaker around the device reads
	// after that many consecutive failed polls. Zero disables it.
	BreakerFailures int
	BreakerOpenFor  time.Duration
}

// Scheduler keeps the store in sync with the device.
type Scheduler struct {
	reader  DeviceReader
	store   *state.Store
	logger  *logrus.Logger
	metrics *metrics.Metrics
	cfg     Config
	breaker *gobreaker.CircuitBreaker
	now     func() time.Time

	mu         sync.Mutex
	cron       *cron.Cron
	status     Status
	generation uint64

	inFlight atomic.Bool
}

func NewScheduler(reader DeviceReader, store *state.Store, logger *logrus.Logger, m *metrics.Metrics, cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = cfg.Interval
	}
	if m == nil {
		m = metrics.New(nil)
	}

	s := &Scheduler{
		reader:  reader,
		store:   store,
		logger:  logger,
		metrics: m,
		cfg:     cfg,
		now:     time.Now,
	}

	if cfg.BreakerFailures > 0 {
		s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "device",
			Timeout: cfg.BreakerOpenFor,
			ReadyToTrip: func(c gobreaker.Counts) bool {
				return c.ConsecutiveFailures >= uint32(cfg.BreakerFailures)
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.WithFields(logrus.Fields{
					"breaker": name,
					"from":    from.String(),
					"to":      to.String(),
				}).Warn("Circuit breaker state changed")
			},
		})
	}
	return s
}

// Start moves the scheduler from stopped to polling. The first poll runs
// immediately, then one every interval.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusPolling {
		return ErrAlreadyRunning
	}

	logger := cronLogger{s.logger}
	c := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger)),
	)

	s.generation++
	gen := s.generation
	c.Schedule(cron.Every(s.cfg.Interval), cron.FuncJob(func() { s.tick(gen) }))

	s.cron = c
	s.status = StatusPolling
	c.Start()
	go s.tick(gen)

	s.logger.WithFields(logrus.Fields{
		"interval": s.cfg.Interval.String(),
		"timeout":  s.cfg.Timeout.String(),
	}).Info("Scheduler started")
	return nil
}

// Stop moves the scheduler to stopped and releases the timer. A poll that
// is still running is not aborted, but its result is discarded.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == StatusStopped {
		return
	}
	s.generation++
	s.status = StatusStopped
	s.cron.Stop()
	s.cron = nil
	s.logger.Info("Scheduler stopped")
}

// Status returns the current state of the polling state machine.
func (s *Scheduler) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Interval returns the configured tick interval.
func (s *Scheduler) Interval() time.Duration {
	return s.cfg.Interval
}

// Poll runs one tick now and reports whether its result was published.
// It is a manual refresh and works whether or not the scheduler is
// polling. It returns false without contacting the device when another
// poll is still in flight, and false if Start or Stop is called before it
// completes, since its result then belongs to an earlier run.
func (s *Scheduler) Poll(ctx context.Context) bool {
	s.mu.Lock()
	gen := s.generation
	s.mu.Unlock()
	return s.poll(ctx, gen)
}

func (s *Scheduler) tick(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Timeout)
	defer cancel()
	s.poll(ctx, gen)
}

func (s *Scheduler) poll(ctx context.Context, gen uint64) bool {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.metrics.Polls.WithLabelValues("skipped").Inc()
		s.logger.Debug("Previous poll still in flight, skipping tick")
		return false
	}
	defer s.inFlight.Store(false)

	start := time.Now()
	snapshot, events, err := s.fetch(ctx)
	s.metrics.PollLatency.Observe(time.Since(start).Seconds())

	s.mu.Lock()
	defer s.mu.Unlock()

	if gen != s.generation {
		s.metrics.Polls.WithLabelValues("discarded").Inc()
		s.logger.Debug("Discarding poll that completed after stop")
		return false
	}

	now := s.now()
	if err != nil {
		s.recordFailure(err, now)
		return true
	}

	if err := s.store.ApplyPoll(snapshot, events, alerts.Derive(snapshot), now); err != nil {
		s.logger.WithError(err).Error("Failed to publish poll result")
		return false
	}
	s.metrics.Polls.WithLabelValues("ok").Inc()
	s.metrics.Connected.Set(1)
	s.metrics.SoilRaw.Set(float64(snapshot.SoilRaw))
	return true
}

func (s *Scheduler) recordFailure(err error, now time.Time) {
	wasConnected := s.store.Current().Connectivity.Connected
	if applyErr := s.store.ApplyPollFailure(err, now); applyErr != nil {
		s.logger.WithError(applyErr).Error("Failed to record poll failure")
	}
	s.metrics.Polls.WithLabelValues("error").Inc()
	s.metrics.Connected.Set(0)

	entry := s.logger.WithError(err)
	if wasConnected {
		entry.Warn("Device became unreachable")
	} else {
		entry.Debug("Poll failed")
	}
}

func (s *Scheduler) fetch(ctx context.Context) (models.StateSnapshot, []models.EventRecord, error) {
	if s.breaker == nil {
		return s.readBoth(ctx)
	}

	type result struct {
		snapshot models.StateSnapshot
		events   []models.EventRecord
	}
	out, err := s.breaker.Execute(func() (interface{}, error) {
		snapshot, events, err := s.readBoth(ctx)
		return result{snapshot, events}, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return models.StateSnapshot{}, nil, ErrBreakerOpen
	}
	if err != nil {
		return models.StateSnapshot{}, nil, err
	}
	r := out.(result)
	return r.snapshot, r.events, nil
}

// readBoth issues both reads concurrently; both must succeed.
func (s *Scheduler) readBoth(ctx context.Context) (models.StateSnapshot, []models.EventRecord, error) {
	var (
		snapshot models.StateSnapshot
		events   []models.EventRecord
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		snapshot, err = s.reader.ReadState(gctx)
		if err != nil {
			return fmt.Errorf("read state: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		events, err = s.reader.ReadEvents(gctx)
		if err != nil {
			return fmt.Errorf("read events: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		return models.StateSnapshot{}, nil, err
	}
	return snapshot, events, nil
}

// cronLogger adapts logrus to cron.Logger.
type cronLogger struct {
	logger *logrus.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(toFields(keysAndValues)).Debug(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.WithFields(toFields(keysAndValues)).WithError(err).Error(msg)
}

func toFields(keysAndValues []interface{}) logrus.Fields {
	fields := logrus.Fields{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		if key, ok := keysAndValues[i].(string); ok {
			fields[key] = keysAndValues[i+1]
		}
	}
	return fields
}
