package poster

import (
	"context"
	"strings"
	"testing"
	"time"

	"drippost/internal/discord"
	"drippost/internal/eventbus"
	"drippost/internal/events"
	"drippost/internal/runtime/loop"
	"drippost/internal/storage"
	logx "drippost/pkg/logx"
)

func TestWorkerStateString(t *testing.T) {
	t.Parallel()
	for s, want := range map[State]string{
		StateIdle: "idle", StateRunning: "running",
		StateStopping: "stopping", StateStopped: "stopped",
	} {
		if got := s.String(); got != want {
			t.Fatalf("State(%d).String() = %q, want %q", s, got, want)
		}
	}
}

func TestFailureStreakRecyclesSessionOnce(t *testing.T) {
	st := newMemStore()
	u := testUser()
	_ = st.PutUser(context.Background(), u)

	lp := loop.New(2, logx.Nop())
	bus := eventbus.New()
	m := NewManager(Config{}, st, lp, bus, logx.Nop())

	httpc, err := m.pool.Acquire("")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	w := newWorker(m, testTask(u), "", httpc)

	ch, unsub := bus.Subscribe(64)
	defer unsub()

	// Canceled context makes the post-failure backoff return immediately.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snap := snapshot{user: u, account: &u.Accounts[0], target: &u.Accounts[0].Targets[0]}
	res := discord.SendResult{Outcome: discord.OutcomeError, Status: 502}

	for i := 0; i < softFailureThreshold-1; i++ {
		w.failSoft(ctx, snap, res)
	}
	select {
	case e := <-ch:
		if e.Type == events.TypeSessionReset {
			t.Fatal("session recycled before the streak threshold")
		}
	default:
	}

	w.failSoft(ctx, snap, res)

	select {
	case e := <-ch:
		if e.Type != events.TypeSessionReset {
			t.Fatalf("event = %s, want session_reset", e.Type)
		}
	case <-time.After(time.Second):
		t.Fatal("no session_reset at the streak threshold")
	}
	if w.softStreak != 0 {
		t.Fatalf("streak = %d after recycle, want 0", w.softStreak)
	}
	if w.httpc == httpc {
		t.Fatal("session was not swapped")
	}
}

func TestRateLimitResetsFailureStreak(t *testing.T) {
	st := newMemStore()
	u := testUser()
	_ = st.PutUser(context.Background(), u)

	bus := eventbus.New()
	m := NewManager(Config{}, st, loop.New(2, logx.Nop()), bus, logx.Nop())
	httpc, err := m.pool.Acquire("")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	w := newWorker(m, testTask(u), "", httpc)

	ch, unsub := bus.Subscribe(64)
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	snap := snapshot{user: u, account: &u.Accounts[0], target: &u.Accounts[0].Targets[0]}
	soft := discord.SendResult{Outcome: discord.OutcomeError, Status: 502}

	// Four transient failures, then the platform paces us; the next failure
	// starts a fresh streak instead of reaching the recycle threshold.
	for i := 0; i < softFailureThreshold-1; i++ {
		w.failSoft(ctx, snap, soft)
	}
	w.onRateLimited(ctx, discord.SendResult{Outcome: discord.OutcomeRateLimited, RetryAfter: time.Millisecond})
	if w.softStreak != 0 {
		t.Fatalf("streak = %d after rate limit, want 0", w.softStreak)
	}

	w.failSoft(ctx, snap, soft)
	select {
	case e := <-ch:
		if e.Type == events.TypeSessionReset {
			t.Fatal("session recycled although rate limiting reset the streak")
		}
	default:
	}
}

func TestNextSendDelayUsesJitterCandidates(t *testing.T) {
	t.Parallel()
	tgt := &storage.Target{Delay: "2m", Jitter: "30s, 1m"}

	seen := map[time.Duration]int{}
	for i := 0; i < 400; i++ {
		d := nextSendDelay(tgt)
		if d != 150*time.Second && d != 180*time.Second {
			t.Fatalf("delay = %s, want 150s or 180s", d)
		}
		seen[d]++
	}
	if len(seen) != 2 {
		t.Fatalf("candidates drawn = %v, want both", seen)
	}

	if d := nextSendDelay(&storage.Target{Delay: "2m"}); d != 2*time.Minute {
		t.Fatalf("delay without jitter = %s, want 2m", d)
	}
	// A broken cadence still never spins.
	if d := nextSendDelay(&storage.Target{Delay: "1ns", Jitter: "none"}); d < minPostDelay {
		t.Fatalf("delay = %s, below the floor", d)
	}
}

func TestReclaimLoopExitsOnWorkerStop(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	u := testUser()
	m := NewManager(Config{}, st, loop.New(2, logx.Nop()), eventbus.New(), logx.Nop())
	w := newWorker(m, testTask(u), "", nil)

	done := make(chan struct{})
	go func() {
		w.reclaimLoop(context.Background())
		close(done)
	}()

	close(w.doneCh)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reclaim loop did not exit when the worker stopped")
	}
}

func TestSleepForWakesOnStop(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	u := testUser()
	m := NewManager(Config{}, st, loop.New(2, logx.Nop()), eventbus.New(), logx.Nop())
	w := newWorker(m, testTask(u), "", nil)

	done := make(chan bool, 1)
	go func() {
		done <- w.sleepFor(context.Background(), time.Hour)
	}()

	time.Sleep(20 * time.Millisecond)
	w.requestStop()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("sleepFor returned true after stop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("sleepFor did not wake on stop")
	}
}

func TestSleepForCompletes(t *testing.T) {
	t.Parallel()
	st := newMemStore()
	u := testUser()
	m := NewManager(Config{}, st, loop.New(2, logx.Nop()), eventbus.New(), logx.Nop())
	w := newWorker(m, testTask(u), "", nil)

	start := time.Now()
	if !w.sleepFor(context.Background(), 30*time.Millisecond) {
		t.Fatal("sleepFor returned false without stop")
	}
	if time.Since(start) < 30*time.Millisecond {
		t.Fatal("sleepFor returned early")
	}
}

func TestTaskKeyAndDescribe(t *testing.T) {
	t.Parallel()
	u := testUser()
	task := testTask(u)

	if got := task.Key(); got != "token-one_ch1" {
		t.Fatalf("key = %q", got)
	}
	desc := task.Describe()
	if desc == "" {
		t.Fatal("empty describe")
	}
	// Full credential must never appear in log output.
	if strings.Contains(desc, "token-one") {
		t.Fatalf("describe leaked credential: %q", desc)
	}
}
