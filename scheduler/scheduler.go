// Package scheduler runs the periodic collection jobs. Each job is keyed by
// (exchange, kind) and fires on its own ticker; a firing that would overlap a
// still-running instance of the same job is skipped outright, without
// touching the exchange.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"fundingflow/config"
	"fundingflow/logger"
)

// JobFunc performs one run of a scheduled job.
type JobFunc func(ctx context.Context) error

type jobKey struct {
	exchange string
	kind     string
}

func (k jobKey) String() string {
	return k.exchange + "/" + k.kind
}

type job struct {
	key       jobKey
	interval  time.Duration
	offset    time.Duration
	immediate bool
	fn        JobFunc

	consecutiveFailures int
}

// Scheduler owns the job tickers and the overlap-suppression state. Jobs are
// registered before Start; registration after Start is a no-op error.
type Scheduler struct {
	mu      sync.Mutex
	jobs    []*job
	running map[jobKey]bool
	started bool

	escalateAfter int
	shutdownGrace time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
	jobWG  sync.WaitGroup

	log *logger.Log
}

func New(cfg config.SchedulerConfig, log *logger.Log) *Scheduler {
	escalate := cfg.EscalateAfter
	if escalate <= 0 {
		escalate = 3
	}
	return &Scheduler{
		running:       make(map[jobKey]bool),
		escalateAfter: escalate,
		shutdownGrace: cfg.ShutdownGrace,
		log:           log,
	}
}

// Schedule registers a job. offset delays the first firing; immediate fires
// the job once at startup (after offset) in addition to the ticker cadence.
func (s *Scheduler) Schedule(exchange, kind string, interval, offset time.Duration, immediate bool, fn JobFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return fmt.Errorf("scheduler already started")
	}
	if interval <= 0 {
		return fmt.Errorf("job %s/%s: interval must be positive", exchange, kind)
	}

	key := jobKey{exchange: exchange, kind: kind}
	for _, j := range s.jobs {
		if j.key == key {
			return fmt.Errorf("job %s already scheduled", key)
		}
	}

	s.jobs = append(s.jobs, &job{
		key:       key,
		interval:  interval,
		offset:    offset,
		immediate: immediate,
		fn:        fn,
	})
	return nil
}

// Start launches one goroutine per registered job. The context governs the
// tickers; in-flight runs get the shutdown grace period after cancellation.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	s.started = true
	jobs := s.jobs
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"jobs": len(jobs),
	}).Info("starting scheduler")

	for _, j := range jobs {
		s.wg.Add(1)
		go s.runLoop(runCtx, j)
	}
	return nil
}

func (s *Scheduler) runLoop(ctx context.Context, j *job) {
	defer s.wg.Done()

	log := s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"exchange": j.key.exchange,
		"job":      j.key.kind,
	})

	if j.offset > 0 {
		select {
		case <-ctx.Done():
			return
		case <-time.After(j.offset):
		}
	}

	log.WithFields(logger.Fields{"interval": j.interval.String()}).Info("job loop started")

	if j.immediate {
		// same goroutine-plus-jobWG path as ticker firings, so the startup
		// run is covered by the shutdown grace period too
		s.jobWG.Add(1)
		go func() {
			defer s.jobWG.Done()
			s.fire(ctx, j)
		}()
	}

	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("job loop stopped")
			return
		case <-ticker.C:
			// fire in a goroutine so a long run never blocks the ticker;
			// the overlap check below keeps runs serialized per job.
			s.jobWG.Add(1)
			go func() {
				defer s.jobWG.Done()
				s.fire(ctx, j)
			}()
		}
	}
}

func (s *Scheduler) fire(ctx context.Context, j *job) {
	log := s.log.WithComponent("scheduler").WithFields(logger.Fields{
		"exchange": j.key.exchange,
		"job":      j.key.kind,
	})

	if !s.tryBegin(j.key) {
		logger.IncrementJobSkip()
		log.Warn("previous run still in progress, skipping firing")
		return
	}
	defer s.finish(j.key)

	logger.IncrementJobRun()
	start := time.Now()
	err := j.fn(ctx)
	elapsed := time.Since(start)

	if err != nil {
		if ctx.Err() != nil {
			log.WithError(err).Info("job run aborted by shutdown")
			return
		}
		logger.IncrementJobFailure()
		j.consecutiveFailures++

		entry := log.WithFields(logger.Fields{
			"duration":             elapsed.String(),
			"consecutive_failures": j.consecutiveFailures,
		}).WithError(err)
		if j.consecutiveFailures >= s.escalateAfter {
			entry.Error("job run failed")
		} else {
			entry.Warn("job run failed")
		}
		return
	}

	if j.consecutiveFailures >= s.escalateAfter {
		log.WithFields(logger.Fields{
			"after_failures": j.consecutiveFailures,
		}).Info("job recovered")
	}
	j.consecutiveFailures = 0

	log.WithFields(logger.Fields{"duration": elapsed.String()}).Debug("job run completed")
}

func (s *Scheduler) tryBegin(key jobKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running[key] {
		return false
	}
	s.running[key] = true
	return true
}

func (s *Scheduler) finish(key jobKey) {
	s.mu.Lock()
	delete(s.running, key)
	s.mu.Unlock()
}

// Stop cancels the tickers and waits up to the shutdown grace period for
// in-flight job runs to finish. Runs still going after the grace period are
// abandoned.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.started || s.cancel == nil {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.mu.Unlock()

	log := s.log.WithComponent("scheduler")
	log.Info("stopping scheduler")

	cancel()
	s.wg.Wait()

	done := make(chan struct{})
	go func() {
		s.jobWG.Wait()
		close(done)
	}()

	grace := s.shutdownGrace
	if grace <= 0 {
		grace = 30 * time.Second
	}

	select {
	case <-done:
		log.Info("scheduler stopped")
	case <-time.After(grace):
		log.Warn("shutdown grace elapsed with job runs still in flight")
	}
}
