package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"tradeescrow/internal/domain"
	"tradeescrow/internal/engine"
)

type fakeReleaser struct {
	mu         sync.Mutex
	candidates []domain.ReleaseCandidate
	failures   map[string]error
	panics     map[string]bool
	warn       map[string]bool
	released   map[string]domain.ReleaseTrigger
	listedAt   time.Time
}

func (f *fakeReleaser) ListAutoReleaseCandidates(_ context.Context, now time.Time, limit int) ([]domain.ReleaseCandidate, error) {
	f.listedAt = now
	if limit > 0 && limit < len(f.candidates) {
		return f.candidates[:limit], nil
	}
	return f.candidates, nil
}

func (f *fakeReleaser) ReleaseEscrowFunds(_ context.Context, req engine.ReleaseRequest) (engine.ReleaseResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics[req.EscrowID] {
		panic("boom")
	}
	if err := f.failures[req.EscrowID]; err != nil {
		return engine.ReleaseResult{}, err
	}
	if f.released == nil {
		f.released = map[string]domain.ReleaseTrigger{}
	}
	f.released[req.EscrowID] = req.Trigger
	res := engine.ReleaseResult{Released: true}
	if f.warn[req.EscrowID] {
		res.NotifyErrors = []error{errors.New("notify tradie: timeout")}
	}
	return res, nil
}

func candidates(ids ...string) []domain.ReleaseCandidate {
	var out []domain.ReleaseCandidate
	for _, id := range ids {
		out = append(out, domain.ReleaseCandidate{ProjectID: "p-" + id, EscrowID: id})
	}
	return out
}

func TestSweepContinuesPastFailure(t *testing.T) {
	f := &fakeReleaser{
		candidates: candidates("e1", "e2", "e3"),
		failures:   map[string]error{"e2": errors.New("database is locked")},
	}
	now := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s := Scheduler{Releaser: f, Now: func() time.Time { return now }}
	rep, err := s.Sweep(context.Background())
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if rep.Processed != 3 || rep.Succeeded != 2 || rep.Failed != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if len(rep.Errors) != 1 || rep.Errors[0].EscrowID != "e2" || rep.Errors[0].ProjectID != "p-e2" {
		t.Fatalf("unexpected errors %+v", rep.Errors)
	}
	for _, id := range []string{"e1", "e3"} {
		if f.released[id] != domain.ReleaseAutomatic {
			t.Fatalf("%s not released automatically", id)
		}
	}
	if !f.listedAt.Equal(now) {
		t.Fatalf("candidates listed at %v", f.listedAt)
	}
}

func TestSweepCountsAlreadyReleasedAsSkipped(t *testing.T) {
	f := &fakeReleaser{
		candidates: candidates("e1", "e2"),
		failures:   map[string]error{"e1": domain.ErrAlreadyReleased.WithMessage("escrow e1 is released")},
		warn:       map[string]bool{"e2": true},
	}
	rep, err := Scheduler{Releaser: f}.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Skipped != 1 || rep.Succeeded != 1 || rep.Failed != 0 {
		t.Fatalf("unexpected report %+v", rep)
	}
	if len(rep.Warnings) != 1 || rep.Warnings[0].EscrowID != "e2" {
		t.Fatalf("notification failure should be a warning: %+v", rep.Warnings)
	}
}

func TestSweepRecoversFromPanickingItem(t *testing.T) {
	f := &fakeReleaser{candidates: candidates("e1", "e2"), panics: map[string]bool{"e1": true}}
	rep, err := Scheduler{Releaser: f}.Sweep(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rep.Failed != 1 || rep.Succeeded != 1 {
		t.Fatalf("unexpected report %+v", rep)
	}
}

func TestSweepHonoursBatchLimit(t *testing.T) {
	f := &fakeReleaser{candidates: candidates("e1", "e2", "e3")}
	rep, err := Scheduler{Releaser: f, BatchLimit: 2}.Sweep(context.Background())
	if err != nil || rep.Processed != 2 {
		t.Fatalf("unexpected report %+v err=%v", rep, err)
	}
}

type fakeRedis struct {
	mu     sync.Mutex
	values map[string]string
}

func (r *fakeRedis) SetNX(ctx context.Context, key string, value any, _ time.Duration) *redis.BoolCmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.values[key]; ok {
		return redis.NewBoolResult(false, nil)
	}
	r.values[key] = value.(string)
	return redis.NewBoolResult(true, nil)
}

func (r *fakeRedis) Eval(ctx context.Context, _ string, keys []string, args ...any) *redis.Cmd {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.values[keys[0]] == args[0].(string) {
		delete(r.values, keys[0])
		return redis.NewCmdResult(int64(1), nil)
	}
	return redis.NewCmdResult(int64(0), nil)
}

func TestSweepSkippedWhileLockHeld(t *testing.T) {
	rdb := &fakeRedis{values: map[string]string{}}
	locker := RedisLocker{Client: rdb}
	ctx := context.Background()

	unlock, ok, err := locker.Acquire(ctx, LockKey, time.Minute)
	if err != nil || !ok {
		t.Fatalf("first acquire: ok=%v err=%v", ok, err)
	}
	f := &fakeReleaser{candidates: candidates("e1")}
	rep, err := Scheduler{Releaser: f, Locker: locker}.Sweep(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !rep.LockSkipped || rep.Processed != 0 || len(f.released) != 0 {
		t.Fatalf("sweep ran while locked: %+v", rep)
	}

	if err := unlock(ctx); err != nil {
		t.Fatalf("unlock: %v", err)
	}
	rep, err = Scheduler{Releaser: f, Locker: locker}.Sweep(ctx)
	if err != nil || rep.Succeeded != 1 {
		t.Fatalf("sweep after unlock: %+v err=%v", rep, err)
	}
	if len(rdb.values) != 0 {
		t.Fatalf("sweep lock not released: %v", rdb.values)
	}
}

func TestRedisUnlockChecksToken(t *testing.T) {
	rdb := &fakeRedis{values: map[string]string{}}
	locker := RedisLocker{Client: rdb}
	ctx := context.Background()
	unlock, ok, err := locker.Acquire(ctx, "k", time.Minute)
	if err != nil || !ok {
		t.Fatal(err)
	}
	rdb.values["k"] = "someone-else"
	if err := unlock(ctx); err == nil {
		t.Fatalf("unlock must not delete another holder's lock")
	}
	if rdb.values["k"] != "someone-else" {
		t.Fatalf("foreign lock deleted")
	}
}

func TestRunStopsOnCancel(t *testing.T) {
	f := &fakeReleaser{candidates: candidates("e1")}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Scheduler{Releaser: f, Interval: time.Hour}.Run(ctx) }()
	deadline := time.After(2 * time.Second)
	for {
		f.mu.Lock()
		n := len(f.released)
		f.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("initial sweep did not run")
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context canceled, got %v", err)
	}
}
