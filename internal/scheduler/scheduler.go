// Package scheduler runs the periodic background SMS scan and the shared
// single-slot reconciliation job queue described in spec §5: the
// orchestrator and the periodic scan share one named job slot where a
// later request supersedes an earlier pending one, and the scan itself
// backs off exponentially on failure.
package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Job is one unit of work submitted to the slot.
type Job func(ctx context.Context) error

// Slot is a capacity-1 supersede queue: submitting a new job while one is
// already pending replaces it, the way spec §5 requires ("the later
// request supersedes an earlier pending one"). A job already running is
// allowed to finish; only the *pending*, not-yet-started job is replaced.
type Slot struct {
	mu      sync.Mutex
	pending Job
	wake    chan struct{}
}

// NewSlot builds an empty job slot and starts its drain loop.
func NewSlot(ctx context.Context, logger zerolog.Logger) *Slot {
	s := &Slot{wake: make(chan struct{}, 1)}
	go s.run(ctx, logger)
	return s
}

// Submit installs job as the pending work, discarding whatever was
// previously queued (but not a job already mid-run).
func (s *Slot) Submit(job Job) {
	s.mu.Lock()
	s.pending = job
	s.mu.Unlock()
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Slot) take() Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	job := s.pending
	s.pending = nil
	return job
}

func (s *Slot) run(ctx context.Context, logger zerolog.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.wake:
			job := s.take()
			if job == nil {
				continue
			}
			if err := job(ctx); err != nil {
				logger.Error().Err(err).Msg("scheduled job failed")
			}
		}
	}
}

// BatteryChecker reports whether the host's battery is too low to run the
// periodic scan (spec §5 Timeouts).
type BatteryChecker func() (lowBattery bool)

// ScanRunner performs one SMS scan attempt (import_sms_since under the
// hood); it is supplied by the caller so this package has no device or
// storage dependency of its own.
type ScanRunner func(ctx context.Context) error

// SMSScanScheduler drives the periodic SMS scan at scan_interval_minutes
// cadence (§6 Configuration), backing off exponentially on failure with a
// 1-minute base and giving up after 3 attempts.
type SMSScanScheduler struct {
	slot           *Slot
	limiter        *rate.Limiter
	battery        BatteryChecker
	scan           ScanRunner
	logger         zerolog.Logger
	intervalMin    int
	maxAttempts    int
	backoffBase    time.Duration
}

// NewSMSScanScheduler wires a scan runner into the shared job slot.
// intervalMinutes must be >= 15 per §6 Configuration.
func NewSMSScanScheduler(slot *Slot, intervalMinutes int, battery BatteryChecker, scan ScanRunner, logger zerolog.Logger) *SMSScanScheduler {
	if intervalMinutes < 15 {
		intervalMinutes = 15
	}
	return &SMSScanScheduler{
		slot:        slot,
		limiter:     rate.NewLimiter(rate.Every(time.Duration(intervalMinutes)*time.Minute), 1),
		battery:     battery,
		scan:        scan,
		logger:      logger,
		intervalMin: intervalMinutes,
		maxAttempts: 3,
		backoffBase: time.Minute,
	}
}

// Run blocks, submitting a scan attempt to the shared slot every interval
// until ctx is cancelled. Each submission runs its own retry-with-backoff
// loop inside the slot's job.
func (s *SMSScanScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(s.intervalMin) * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if s.battery != nil && s.battery() {
				s.logger.Debug().Msg("skipping sms scan: battery low")
				continue
			}
			if !s.limiter.Allow() {
				continue
			}
			s.slot.Submit(s.attemptWithBackoff)
		}
	}
}

// attemptWithBackoff retries the scan up to maxAttempts times with
// exponentially increasing delay (1m, 2m, 4m, ...), reporting failure and
// requiring a fresh schedule once attempts are exhausted (spec §5).
func (s *SMSScanScheduler) attemptWithBackoff(ctx context.Context) error {
	var lastErr error
	for attempt := 0; attempt < s.maxAttempts; attempt++ {
		if attempt > 0 {
			delay := s.backoffBase * time.Duration(1<<uint(attempt-1))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(delay):
			}
		}
		if err := s.scan(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("sms scan failed after %d attempts: %w", s.maxAttempts, lastErr)
}
