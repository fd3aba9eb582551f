package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeDispatcher struct {
	calls  atomic.Int32
	output string
	err    error
}

func (f *fakeDispatcher) DispatchScheduled(ctx context.Context, sch Schedule) (string, error) {
	f.calls.Add(1)
	return f.output, f.err
}

type fakeStore struct {
	mu    sync.Mutex
	runs  []*Run
	saved []*Schedule
}

func (f *fakeStore) SaveSchedule(ctx context.Context, sch *Schedule) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, sch)
	return nil
}

func (f *fakeStore) SaveRun(ctx context.Context, run *Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeStore) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.runs)
}

func TestNextFireAfterEveryMinute(t *testing.T) {
	now := time.Date(2026, 7, 31, 10, 0, 30, 0, time.UTC)
	next, err := nextFireAfter("* * * * *", "UTC", now)
	if err != nil {
		t.Fatalf("nextFireAfter: %v", err)
	}
	if !next.After(now) {
		t.Fatalf("expected next fire after now, got %v <= %v", next, now)
	}
	if next.Second() != 0 {
		t.Fatalf("expected next fire on a minute boundary, got %v", next)
	}
}

func TestBackoffDelayGrowsAndCaps(t *testing.T) {
	b := Backoff{BaseMs: 1000, Factor: 2, MaxMs: 5000}
	d0 := backoffDelay(b, 0)
	d3 := backoffDelay(b, 3)
	if d0 >= d3 {
		t.Fatalf("expected backoff to grow with failures: d0=%v d3=%v", d0, d3)
	}
	d10 := backoffDelay(b, 10)
	if d10 > 6*time.Second {
		t.Fatalf("expected backoff capped near max_ms, got %v", d10)
	}
}

func TestSchedulerFiresDueSchedule(t *testing.T) {
	disp := &fakeDispatcher{output: "ok"}
	store := &fakeStore{}
	s := New(disp, store)

	sch := &Schedule{
		ID:             "sch1",
		CronExpr:       "* * * * *",
		Timezone:       "UTC",
		MaxConcurrency: 1,
		DigestMode:     DigestFull,
		MissedPolicy:   MissedSkip,
		NextRunAt:      time.Now().Add(-time.Second),
	}
	if err := s.Add(sch); err != nil {
		t.Fatalf("Add: %v", err)
	}

	s.tick(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for disp.calls.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if disp.calls.Load() == 0 {
		t.Fatal("expected dispatcher to be called for a due schedule")
	}
}

func TestApplyMissedPolicySkip(t *testing.T) {
	s := New(&fakeDispatcher{}, nil)
	sch := &Schedule{
		CronExpr:     "*/5 * * * *",
		MissedPolicy: MissedSkip,
	}
	now := time.Now()
	sch.NextRunAt = now.Add(-time.Hour)
	if fires := s.applyMissedPolicy(sch, now); fires != 0 {
		t.Fatalf("expected skip policy to suppress a far-behind fire, got %d", fires)
	}
}

func TestApplyMissedPolicyCatchUpBounded(t *testing.T) {
	s := New(&fakeDispatcher{}, nil)
	s.CatchUpMax = 3
	sch := &Schedule{
		CronExpr:     "* * * * *",
		MissedPolicy: MissedCatchUp,
	}
	now := time.Now()
	sch.NextRunAt = now.Add(-time.Hour)
	if fires := s.applyMissedPolicy(sch, now); fires != 3 {
		t.Fatalf("expected catch_up to cap at CatchUpMax=3, got %d", fires)
	}
}

func TestHashOutputStable(t *testing.T) {
	if hashOutput("same") != hashOutput("same") {
		t.Fatal("expected identical output to hash identically")
	}
	if hashOutput("a") == hashOutput("b") {
		t.Fatal("expected different output to hash differently")
	}
}
