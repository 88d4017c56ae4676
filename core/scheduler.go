package core

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cron "github.com/netresearch/go-cron"
)

// Scheduler drives each enabled Source on its own cadence, routes fetched
// blobs through Condition into the Pool, and never exits on a source error.
type Scheduler struct {
	Pool   *Pool
	Logger *slog.Logger

	mu      sync.Mutex
	cron    *cron.Cron
	sources map[string]*sourceEntry
	clock   Clock
}

type sourceEntry struct {
	source    *Source
	semaphore chan struct{} // capacity 1: at most one in-flight fetch per source
	cronID    cron.EntryID
	delayStop chan struct{} // closed to cancel a pending init-delay timer
}

// NewScheduler creates a scheduler backed by go-cron, logging through l.
func NewScheduler(l *slog.Logger) *Scheduler {
	cronUtils := NewCronUtils(l)

	cronInstance := cron.New(
		cron.WithParser(cron.FullParser()),
		cron.WithLogger(cronUtils),
		cron.WithChain(cron.Recover(cronUtils)),
		cron.WithCapacity(16),
	)

	return &Scheduler{
		Logger:  l,
		cron:    cronInstance,
		sources: make(map[string]*sourceEntry),
		clock:   GetDefaultClock(),
	}
}

// SetClock overrides the scheduler's clock, used for the init-delay timer
// and for the timestamps runFetch records in each source's runtime state;
// go-cron's own internal ticking is unaffected.
func (s *Scheduler) SetClock(c Clock) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clock = c
}

// AddSource registers a source. If InitDelayS is zero, the first fetch is
// scheduled immediately via cron.WithRunImmediately; otherwise a deferred
// timer fires the first fetch at t0+init_delay_s and then hands the source
// to cron for every subsequent interval.
func (s *Scheduler) AddSource(src *Source) error {
	if src.IntervalS <= 0 {
		return fmt.Errorf("%w: source %q", ErrEmptySchedule, src.Name)
	}

	s.mu.Lock()
	if _, exists := s.sources[src.Name]; exists {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrSourceAlreadyExists, src.Name)
	}

	entry := &sourceEntry{
		source:    src,
		semaphore: make(chan struct{}, 1),
		delayStop: make(chan struct{}),
	}
	s.sources[src.Name] = entry
	s.mu.Unlock()

	schedule := fmt.Sprintf("@every %ss", formatSeconds(src.IntervalS))
	opts := []cron.JobOption{cron.WithName(src.Name)}

	if src.InitDelayS <= 0 {
		opts = append(opts, cron.WithRunImmediately())
	}

	id, err := s.cron.AddJob(schedule, &sourceJobWrapper{s: s, name: src.Name}, opts...)
	if err != nil {
		s.mu.Lock()
		delete(s.sources, src.Name)
		s.mu.Unlock()
		return fmt.Errorf("add cron job for source %q: %w", src.Name, err)
	}

	s.mu.Lock()
	entry.cronID = id
	s.mu.Unlock()

	if src.InitDelayS > 0 {
		s.scheduleInitDelay(entry)
	}

	s.Logger.Info(fmt.Sprintf("source registered %q interval=%gs init_delay=%gs", src.Name, src.IntervalS, src.InitDelayS))
	return nil
}

func (s *Scheduler) scheduleInitDelay(entry *sourceEntry) {
	timer := s.clock.NewTimer(durationSeconds(entry.source.InitDelayS))
	go func() {
		select {
		case <-timer.C():
			s.runFetch(context.Background(), entry)
		case <-entry.delayStop:
			timer.Stop()
		}
	}()
}

// RemoveSource deregisters a source so it no longer fires.
func (s *Scheduler) RemoveSource(name string) error {
	s.mu.Lock()
	entry, ok := s.sources[name]
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrSourceNotFound, name)
	}
	delete(s.sources, name)
	s.mu.Unlock()

	close(entry.delayStop)
	s.cron.RemoveByName(name)
	s.cron.WaitForJobByName(name)
	return nil
}

// Start begins cron's internal scheduling loop.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop stops accepting new ticks and waits up to timeout for in-flight
// fetches to complete.
func (s *Scheduler) Stop(timeout time.Duration) bool {
	return s.cron.StopWithTimeout(timeout)
}

// runFetch performs one fetch-condition-append cycle for a source,
// respecting the single-flight guard and min_size discard rule, and never
// propagating an error out: every failure is logged and credited zero
// entropy.
func (s *Scheduler) runFetch(ctx context.Context, entry *sourceEntry) {
	defer func() {
		if r := recover(); r != nil {
			s.Logger.Error(fmt.Sprintf("source %q panicked: %v", entry.source.Name, r))
		}
	}()

	select {
	case entry.semaphore <- struct{}{}:
		defer func() { <-entry.semaphore }()
	default:
		// Prior fetch for this source is still in flight: skip this tick,
		// do not queue it.
		return
	}

	src := entry.source
	now := s.clock.Now()

	raw, err := src.Fetch(ctx)
	if err != nil {
		s.Logger.Warn(WrapSourceError(src.Name, err).Error())
		src.MarkFailure(now)
		return
	}

	if len(raw) == 0 {
		s.Logger.Warn(WrapSourceError(src.Name, ErrFetchEmpty).Error())
		src.MarkFailure(now)
		return
	}

	if src.MinSize > 0 && int64(len(raw)) < src.MinSize {
		s.Logger.Warn(WrapSourceError(src.Name, ErrFetchTooShort).Error())
		src.MarkFailure(now)
		return
	}

	conditioned, bits := Condition(raw, src.Compress, src.Scale)
	if len(conditioned) == 0 {
		src.MarkFailure(now)
		return
	}

	s.Pool.Append(conditioned, bits)
	src.MarkSuccess(now)
	s.Logger.Debug(fmt.Sprintf("source %q fetched %d raw bytes, credited %d bits", src.Name, len(raw), bits))
}

func formatSeconds(seconds float64) string {
	if seconds == float64(int64(seconds)) {
		return fmt.Sprintf("%d", int64(seconds))
	}
	return fmt.Sprintf("%.3f", seconds)
}

// sourceJobWrapper adapts a named source into a cron.JobWithContext.
type sourceJobWrapper struct {
	s    *Scheduler
	name string
}

var _ cron.JobWithContext = (*sourceJobWrapper)(nil)

func (w *sourceJobWrapper) Run() {
	w.RunWithContext(context.Background())
}

func (w *sourceJobWrapper) RunWithContext(ctx context.Context) {
	w.s.mu.Lock()
	entry, ok := w.s.sources[w.name]
	w.s.mu.Unlock()
	if !ok {
		return
	}
	w.s.runFetch(ctx, entry)
}
