package scheduler

import (
	"container/heap"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
)

// Dispatcher runs one synthetic turn for a schedule firing, mirroring
// §4.2/§4.3 under an internal agent identity (spec §4.6 step 3). The
// caller supplies an implementation backed by internal/agent.Engine plus
// internal/sessions so the scheduler package stays decoupled from the
// turn engine's concrete types.
type Dispatcher interface {
	DispatchScheduled(ctx context.Context, sch Schedule) (output string, err error)
}

// Store persists schedules and runs (spec §3 Data Model); implemented by
// internal/store/pg for production, or an in-memory stub for tests.
type Store interface {
	SaveSchedule(ctx context.Context, sch *Schedule) error
	SaveRun(ctx context.Context, run *Run) error
}

// Scheduler maintains schedules in a min-heap keyed by NextRunAt, wakes to
// the next fire time, and dispatches due schedules under the policies
// spec §4.6 describes.
type Scheduler struct {
	Dispatcher Dispatcher
	Store      Store

	// CatchUpMax bounds how many missed periods a `catch_up` policy will
	// fire in one wake (spec §4.6 step 1: "bounded maximum").
	CatchUpMax int

	mu       sync.Mutex
	byID     map[string]*Schedule
	heap     *scheduleHeap
	running  map[string]int
	wake     chan struct{}
	stopped  chan struct{}
}

// New constructs a Scheduler. Call Run to launch the evaluator loop.
func New(d Dispatcher, s Store) *Scheduler {
	return &Scheduler{
		Dispatcher: d,
		Store:      s,
		CatchUpMax: 10,
		byID:       make(map[string]*Schedule),
		heap:       newScheduleHeap(),
		running:    make(map[string]int),
		wake:       make(chan struct{}, 1),
		stopped:    make(chan struct{}),
	}
}

// Add registers a schedule, computing its initial NextRunAt if unset.
func (s *Scheduler) Add(sch *Schedule) error {
	if sch.NextRunAt.IsZero() {
		next, err := nextFireAfter(sch.CronExpr, sch.Timezone, time.Now())
		if err != nil {
			return err
		}
		sch.NextRunAt = next
	}
	s.mu.Lock()
	s.byID[sch.ID] = sch
	heap.Push(s.heap, sch)
	s.mu.Unlock()
	s.nudge()
	return nil
}

// Remove drops a schedule; it is filtered out of the heap lazily on next
// pop rather than requiring an O(n) heap fix.
func (s *Scheduler) Remove(id string) {
	s.mu.Lock()
	delete(s.byID, id)
	s.mu.Unlock()
}

// List returns a snapshot of every currently-registered schedule, for
// GET /v1/schedules.
func (s *Scheduler) List() []Schedule {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Schedule, 0, len(s.byID))
	for _, sch := range s.byID {
		out = append(out, *sch)
	}
	return out
}

// Get returns a snapshot of one schedule by ID.
func (s *Scheduler) Get(id string) (Schedule, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sch, ok := s.byID[id]
	if !ok {
		return Schedule{}, false
	}
	return *sch, true
}

func (s *Scheduler) nudge() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Run launches the evaluator loop. It blocks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.stopped)
	for {
		sleep := s.nextSleep()
		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.wake:
			timer.Stop()
		case <-timer.C:
		}
		s.tick(ctx)
	}
}

func (s *Scheduler) nextSleep() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.heap.Len() == 0 {
		return time.Minute
	}
	next := (*s.heap)[0].NextRunAt
	d := time.Until(next)
	if d < 0 {
		return 0
	}
	if d > time.Minute {
		return time.Minute
	}
	return d
}

// tick pops every schedule whose NextRunAt has passed and fires it (spec
// §4.6: "computes the set of schedules whose next_run_at <= now").
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()
	var due []*Schedule
	s.mu.Lock()
	for s.heap.Len() > 0 {
		next := (*s.heap)[0]
		if next.NextRunAt.After(now) {
			break
		}
		popped := heap.Pop(s.heap).(*Schedule)
		if _, ok := s.byID[popped.ID]; !ok {
			continue // removed since it was pushed
		}
		due = append(due, popped)
	}
	s.mu.Unlock()

	for _, sch := range due {
		s.fire(ctx, sch, now)
	}
}

func (s *Scheduler) fire(ctx context.Context, sch *Schedule, now time.Time) {
	fires := s.applyMissedPolicy(sch, now)
	if fires == 0 {
		s.reschedule(sch)
		return
	}

	if !s.tryReserveSlot(sch) {
		// spec §4.6 step 2: re-enqueue at now + min_spacing when at capacity.
		sch.NextRunAt = now.Add(minSpacing(*sch))
		s.requeue(sch)
		slog.Debug("schedule at max_concurrency, re-enqueued", "schedule", sch.ID)
		return
	}

	go func() {
		defer s.releaseSlot(sch)
		for i := 0; i < fires; i++ {
			s.runOnce(ctx, sch)
		}
		s.reschedule(sch)
	}()
}

// applyMissedPolicy implements spec §4.6 step 1. It returns how many times
// the schedule should fire right now (0, 1, or up to CatchUpMax).
func (s *Scheduler) applyMissedPolicy(sch *Schedule, now time.Time) int {
	period := cronPeriodEstimate(sch.CronExpr)
	behind := now.Sub(sch.NextRunAt)
	if period <= 0 || behind <= period {
		return 1
	}

	switch sch.MissedPolicy {
	case MissedSkip:
		return 0
	case MissedOnce:
		return 1
	case MissedCatchUp:
		missed := int(behind/period) + 1
		if missed > s.CatchUpMax {
			missed = s.CatchUpMax
		}
		if missed < 1 {
			missed = 1
		}
		return missed
	default:
		return 1
	}
}

func (s *Scheduler) tryReserveSlot(sch *Schedule) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	limit := sch.MaxConcurrency
	if limit <= 0 {
		limit = 1
	}
	if s.running[sch.ID] >= limit {
		return false
	}
	s.running[sch.ID]++
	return true
}

func (s *Scheduler) releaseSlot(sch *Schedule) {
	s.mu.Lock()
	s.running[sch.ID]--
	s.mu.Unlock()
}

func minSpacing(sch Schedule) time.Duration {
	period := cronPeriodEstimate(sch.CronExpr)
	if period <= 0 {
		return 30 * time.Second
	}
	spacing := period / 4
	if spacing < time.Second {
		spacing = time.Second
	}
	return spacing
}

// runOnce dispatches one firing and records a Run entity (spec §4.6 step
// 3), applying digest suppression and failure backoff bookkeeping (steps
// 4-5).
func (s *Scheduler) runOnce(ctx context.Context, sch *Schedule) {
	run := &Run{
		ID:         genRunID(sch.ID),
		ScheduleID: sch.ID,
		StartedAt:  time.Now(),
		Status:     RunRunning,
	}

	output, err := s.Dispatcher.DispatchScheduled(ctx, *sch)
	run.EndedAt = time.Now()

	if err != nil {
		run.Status = RunFailed
		run.Error = err.Error()
		sch.ConsecutiveFailures++
		slog.Warn("scheduled run failed", "schedule", sch.ID, "err", err)
	} else {
		run.Status = RunSucceeded
		run.Output = output
		run.OutputHash = hashOutput(output)
		sch.ConsecutiveFailures = 0

		if sch.DigestMode == DigestChangesOnly && run.OutputHash == sch.LastOutputHash {
			run.Delivered = false
		} else {
			run.Delivered = sch.DigestMode != DigestNone
		}
		sch.LastOutputHash = run.OutputHash
	}

	now := time.Now()
	sch.LastRunAt = &now

	if s.Store != nil {
		if e := s.Store.SaveRun(ctx, run); e != nil {
			slog.Warn("save run failed", "schedule", sch.ID, "err", e)
		}
	}
}

// reschedule computes the schedule's next fire time: on failure, an
// exponential backoff from now; on success (ConsecutiveFailures reset to
// 0 by runOnce), the next cron tick (spec §4.6 step 4).
func (s *Scheduler) reschedule(sch *Schedule) {
	if sch.ConsecutiveFailures > 0 {
		sch.NextRunAt = time.Now().Add(backoffDelay(sch.Backoff, sch.ConsecutiveFailures))
	} else {
		next, err := nextFireAfter(sch.CronExpr, sch.Timezone, time.Now())
		if err != nil {
			slog.Error("cron eval failed, schedule disabled", "schedule", sch.ID, "err", err)
			s.Remove(sch.ID)
			return
		}
		sch.NextRunAt = next
	}
	if s.Store != nil {
		_ = s.Store.SaveSchedule(context.Background(), sch)
	}
	s.requeue(sch)
}

func (s *Scheduler) requeue(sch *Schedule) {
	s.mu.Lock()
	if _, ok := s.byID[sch.ID]; ok {
		heap.Push(s.heap, sch)
	}
	s.mu.Unlock()
	s.nudge()
}

// backoffDelay implements next = base * factor^failures + jitter, capped
// at max (spec §4.6 step 4).
func backoffDelay(b Backoff, failures int) time.Duration {
	b = b.normalized()
	delay := float64(b.BaseMs)
	for i := 0; i < failures; i++ {
		delay *= b.Factor
	}
	jitter := rand.Float64() * float64(b.BaseMs)
	delay += jitter
	if delay > float64(b.MaxMs) {
		delay = float64(b.MaxMs)
	}
	return time.Duration(delay) * time.Millisecond
}

func hashOutput(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

var runSeq atomic.Uint64

func genRunID(scheduleID string) string {
	n := runSeq.Add(1)
	return fmt.Sprintf("%s:%s:%d", scheduleID, time.Now().UTC().Format("20060102T150405"), n)
}



// nextFireAfter resolves the next fire instant strictly after `after`, in
// the schedule's IANA timezone, translated to UTC (spec §4.6: "computing
// candidate fire times in local wall-clock and translating to UTC").
// gronx.NextTickAfter walks forward in the loaded *time.Location, which
// gives Go's standard library DST table the final say on ambiguous/
// nonexistent wall-clock instants.
func nextFireAfter(expr, timezone string, after time.Time) (time.Time, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		loc = time.UTC
	}
	local := after.In(loc)
	next, err := gronx.NextTickAfter(expr, local, false)
	if err != nil {
		return time.Time{}, err
	}
	return next.In(loc).UTC(), nil
}

// cronPeriodEstimate approximates one cron period by measuring the gap
// between two consecutive future ticks, used only to decide whether a
// fire is "more than one period behind" (spec §4.6 step 1).
func cronPeriodEstimate(expr string) time.Duration {
	now := time.Now().UTC()
	first, err := gronx.NextTickAfter(expr, now, false)
	if err != nil {
		return 0
	}
	second, err := gronx.NextTickAfter(expr, first, false)
	if err != nil {
		return 0
	}
	return second.Sub(first)
}
