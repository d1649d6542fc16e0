package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mividas/corestat/internal/queue"
)

type fakeJobs struct {
	mu       sync.Mutex
	polls    int
	rechecks int
	sweeps   int
}

func (f *fakeJobs) PollCalendars(ctx context.Context) error {
	f.mu.Lock()
	f.polls++
	f.mu.Unlock()
	return nil
}

func (f *fakeJobs) RecheckClusters(ctx context.Context) error {
	f.mu.Lock()
	f.rechecks++
	f.mu.Unlock()
	return nil
}

func (f *fakeJobs) StopMissingLegs(ctx context.Context) error {
	f.mu.Lock()
	f.sweeps++
	f.mu.Unlock()
	return nil
}

func TestRegisterCoreEntries(t *testing.T) {
	pool := queue.NewPool(nil)
	s := New(pool, nil)
	s.RegisterCore(&fakeJobs{}, true)
	if got := len(s.cron.Entries()); got != 2 {
		t.Errorf("entries = %d, want calendar poll and policy recheck", got)
	}

	s2 := New(queue.NewPool(nil), nil)
	s2.RegisterCore(&fakeJobs{}, false)
	if got := len(s2.cron.Entries()); got != 1 {
		t.Errorf("entries = %d, want policy recheck only when sync disabled", got)
	}
}

func TestAfterEnqueuesDelayedTask(t *testing.T) {
	pool := queue.NewPool(nil)
	pool.Start(context.Background())
	defer pool.Stop()

	s := New(pool, nil)
	jobs := &fakeJobs{}
	s.After(10*time.Millisecond, queue.QueueDefault, "sweep", 0, jobs.StopMissingLegs)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		jobs.mu.Lock()
		done := jobs.sweeps == 1
		jobs.mu.Unlock()
		if done {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("delayed job never ran")
}

func TestEveryTickEnqueuesWithExpiry(t *testing.T) {
	pool := queue.NewPool(nil)
	s := New(pool, nil)
	t0 := time.Date(2026, 9, 15, 10, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return t0 }

	jobs := &fakeJobs{}
	s.Every(time.Minute, queue.QueueSync, "poll", time.Second, jobs.PollCalendars)

	entries := s.cron.Entries()
	if len(entries) != 1 {
		t.Fatalf("entries = %d, want 1", len(entries))
	}
	// Fire the job directly; the tick must enqueue a task that still
	// runs before its expiry.
	entries[0].Job.Run()

	pool.Start(context.Background())
	defer pool.Stop()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		jobs.mu.Lock()
		done := jobs.polls == 1
		jobs.mu.Unlock()
		if done {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("tick task never ran")
}
