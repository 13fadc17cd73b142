package poster

import (
	"context"
	"math/rand"
	"net/http"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"drippost/internal/discord"
	"drippost/internal/events"
	"drippost/internal/storage"
	logx "drippost/pkg/logx"
)

// Worker states. Transitions are one-way: Idle -> Running -> Stopping -> Stopped.
type State int32

const (
	StateIdle State = iota
	StateRunning
	StateStopping
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	case StateStopped:
		return "stopped"
	}
	return "unknown"
}

const (
	// softFailureThreshold is the consecutive-soft-failure count that triggers
	// a session recycle.
	softFailureThreshold = 5

	// maxSleepSlice bounds one uninterruptible sleep so stop requests are
	// observed promptly even during very long cadences.
	maxSleepSlice = 300 * time.Second

	// Stall detection: a worker idle longer than
	// max(stallFloor, stallBaseFactor*baseDelay) gets its session recycled.
	stallCheckInterval = 2 * time.Minute
	stallFloor         = 10 * time.Minute
	stallBaseFactor    = 4

	minPostDelay   = time.Second
	softRetryFloor = 30 * time.Second

	// Pre-send pause, uniformly drawn, so sends never land on exact ticks.
	humanJitterMin = 200 * time.Millisecond
	humanJitterMax = 800 * time.Millisecond

	// memory reclaim cadence for long-lived workers
	reclaimInterval = 30 * time.Minute
)

// Worker runs the posting loop for one (credential, target) pair.
type Worker struct {
	task  Task
	mgr   *Manager
	route string
	fp    *discord.Fingerprint
	log   logx.Logger

	state  atomic.Int32
	stopCh chan struct{}
	doneCh chan struct{}

	stopOnce   sync.Once
	finishOnce sync.Once

	// sendMu serializes sends with session swaps so a recycle never yanks the
	// client out from under an in-flight request.
	sendMu sync.Mutex
	httpc  *http.Client

	// sendCancel aborts the in-flight request on force-close.
	sendCancel atomic.Value // context.CancelFunc

	heartbeat    atomic.Int64 // unixnano
	lastActivity atomic.Int64 // unixnano of last completed send attempt
	localSent    atomic.Int64
	startedAt    time.Time

	// softStreak counts consecutive transient failures. Loop-goroutine only.
	softStreak int
}

func newWorker(mgr *Manager, task Task, route string, httpc *http.Client) *Worker {
	w := &Worker{
		task:   task,
		mgr:    mgr,
		route:  route,
		httpc:  httpc,
		fp:     discord.NewFingerprint(),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		log: mgr.log.With(
			logx.String("worker", task.Key()),
			logx.String("account", task.AccountID),
			logx.String("target", task.Target.ID),
		),
	}
	w.state.Store(int32(StateIdle))
	now := time.Now()
	w.heartbeat.Store(now.UnixNano())
	w.lastActivity.Store(now.UnixNano())
	return w
}

func (w *Worker) Key() string      { return w.task.Key() }
func (w *Worker) Task() Task       { return w.task }
func (w *Worker) State() State     { return State(w.state.Load()) }
func (w *Worker) LocalSent() int64 { return w.localSent.Load() }

func (w *Worker) Heartbeat() time.Time {
	return time.Unix(0, w.heartbeat.Load())
}

func (w *Worker) Uptime() time.Duration {
	if w.startedAt.IsZero() {
		return 0
	}
	return time.Since(w.startedAt)
}

func (w *Worker) beat() { w.heartbeat.Store(time.Now().UnixNano()) }

func (w *Worker) stopped() bool {
	select {
	case <-w.stopCh:
		return true
	default:
		return false
	}
}

// start launches the posting loop and its stall monitor under the manager's
// supervisor. Only the manager calls this, holding the registry lock.
func (w *Worker) start() {
	if !w.state.CompareAndSwap(int32(StateIdle), int32(StateRunning)) {
		return
	}
	w.startedAt = time.Now()
	w.mgr.sup.Go0("worker/"+w.task.Target.ID, w.run)
	w.mgr.sup.Go0("stall/"+w.task.Target.ID, w.stallMonitor)
	w.mgr.sup.Go0("reclaim/"+w.task.Target.ID, w.reclaimLoop)
	w.log.Info("worker started", logx.String("task", w.task.Describe()))
	w.mgr.publish(events.TypeWorkerStarted, events.Post{
		UserID: w.task.UserID, AccountID: w.task.AccountID, AccountName: w.task.AccountName,
		TargetID: w.task.Target.ID, ServerName: w.task.Target.ServerName,
	})
}

func (w *Worker) run(ctx context.Context) {
	defer w.finish("loop exit")

	for {
		if w.stopped() || ctx.Err() != nil {
			return
		}
		w.beat()

		snap, ok, err := w.mgr.snapshot(ctx, w.task)
		if err != nil {
			w.log.Warn("snapshot refresh failed", logx.Err(err))
			if !w.sleepFor(ctx, softRetryFloor) {
				return
			}
			continue
		}
		if !ok {
			w.log.Info("target deactivated or removed, stopping")
			return
		}

		if d := w.mgr.backoff.Wait(w.task.Token); d > 0 {
			w.log.Debug("credential backoff active", logx.Duration("wait", d))
			if !w.sleepFor(ctx, d) {
				return
			}
			continue
		}

		// Short human pause before the send itself.
		if !w.sleepFor(ctx, humanJitterMin+time.Duration(rand.Int63n(int64(humanJitterMax-humanJitterMin)))) {
			return
		}

		res := w.send(ctx, snap)
		w.lastActivity.Store(time.Now().UnixNano())

		switch res.Outcome {
		case discord.OutcomeOK:
			w.onSuccess(ctx, snap)

		case discord.OutcomeRateLimited:
			w.onRateLimited(ctx, res)

		case discord.OutcomeFatalAuth:
			w.log.Error("credential rejected, stopping", logx.Int("status", res.Status))
			task := w.task
			w.mgr.sup.Go0("fatal/"+task.Target.ID, func(context.Context) {
				w.mgr.handleTokenExpired(task)
			})
			return

		case discord.OutcomeFatalPermission:
			w.log.Error("permission denied for target, stopping", logx.Int("status", res.Status))
			task, fatal := w.task, res
			w.mgr.sup.Go0("fatal/"+task.Target.ID, func(context.Context) {
				w.mgr.handlePermissionDenied(task, fatal)
			})
			return

		case discord.OutcomeFatalUnexpected:
			w.log.Error("unexpected response, stopping",
				logx.Int("status", res.Status), logx.String("detail", res.Detail))
			task, fatal := w.task, res
			w.mgr.sup.Go0("fatal/"+task.Target.ID, func(context.Context) {
				w.mgr.handleUnexpected(task, fatal)
			})
			return

		default: // transient
			w.failSoft(ctx, snap, res)
		}
	}
}

// failSoft handles transient failures: count the streak, recycle the session
// once the streak crosses the threshold, then back off.
func (w *Worker) failSoft(ctx context.Context, snap snapshot, res discord.SendResult) {
	streak := w.softStreak + 1
	w.softStreak = streak
	w.log.Warn("send failed", logx.Int("status", res.Status), logx.Int("streak", streak))

	if streak >= softFailureThreshold {
		w.resetSession("failure streak")
		w.softStreak = 0
	}

	d := snap.target.BaseDelay()
	if d < softRetryFloor {
		d = softRetryFloor
	}
	w.sleepFor(ctx, d)
}

// onRateLimited waits out the platform's pacing. Being rate limited is not a
// session fault, so the failure streak starts over.
func (w *Worker) onRateLimited(ctx context.Context, res discord.SendResult) {
	w.softStreak = 0
	d := res.RetryAfter
	if d < minPostDelay {
		d = minPostDelay
	}
	if res.Global {
		w.mgr.backoff.Raise(w.task.Token, d)
		w.log.Warn("global rate limit", logx.Duration("retry_after", d))
	} else {
		w.log.Debug("rate limited", logx.Duration("retry_after", d))
	}
	w.sleepFor(ctx, d)
}

func (w *Worker) onSuccess(ctx context.Context, snap snapshot) {
	w.softStreak = 0
	local := w.localSent.Add(1)
	w.mgr.handleSuccess(w, snap, local)
	w.sleepFor(ctx, nextSendDelay(snap.target))
}

// nextSendDelay computes the pause after a successful send: the target's base
// cadence plus one jitter candidate drawn uniformly at random, floored so a
// misconfigured target can never spin.
func nextSendDelay(t *storage.Target) time.Duration {
	d := t.BaseDelay()
	if choices := t.JitterChoices(); len(choices) > 0 {
		d += choices[rand.Intn(len(choices))]
	}
	if d < minPostDelay {
		d = minPostDelay
	}
	return d
}

// send posts one message. The session reference is read under sendMu so a
// concurrent recycle swaps cleanly between requests, never during one.
func (w *Worker) send(ctx context.Context, snap snapshot) discord.SendResult {
	w.sendMu.Lock()
	httpc := w.httpc
	w.sendMu.Unlock()

	w.fp.MaybeRotate()

	sctx, cancel := context.WithCancel(ctx)
	w.sendCancel.Store(cancel)
	defer func() {
		w.sendCancel.Store(context.CancelFunc(func() {}))
		cancel()
	}()

	return w.mgr.sender.CreateMessage(sctx, httpc, w.fp, discord.SendRequest{
		Token:     w.task.Token,
		ChannelID: w.task.Target.ID,
		GuildID:   w.task.Target.GuildID,
		Content:   snap.target.Message,
	})
}

// resetSession recycles the shared session for this worker's route.
func (w *Worker) resetSession(reason string) {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()
	c, err := w.mgr.pool.Recycle(w.route)
	if err != nil {
		w.log.Error("session recycle failed", logx.Err(err))
		return
	}
	w.httpc = c
	w.log.Info("session reset", logx.String("reason", reason))
	w.mgr.publish(events.TypeSessionReset, events.Post{
		UserID: w.task.UserID, AccountID: w.task.AccountID, AccountName: w.task.AccountName,
		TargetID: w.task.Target.ID, ServerName: w.task.Target.ServerName, Detail: reason,
	})
}

// reclaimLoop returns retained memory to the OS on a fixed cadence,
// independent of how long the posting loop sleeps between sends, and once
// more when the worker stops.
func (w *Worker) reclaimLoop(ctx context.Context) {
	t := time.NewTicker(reclaimInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.doneCh:
			debug.FreeOSMemory()
			return
		case <-t.C:
			debug.FreeOSMemory()
		}
	}
}

// stallMonitor watches for a wedged session: no completed send attempt for
// longer than the target's cadence should ever allow.
func (w *Worker) stallMonitor(ctx context.Context) {
	t := time.NewTicker(stallCheckInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.doneCh:
			return
		case <-t.C:
		}
		if w.State() != StateRunning {
			continue
		}
		threshold := stallBaseFactor * w.task.Target.BaseDelay()
		if threshold < stallFloor {
			threshold = stallFloor
		}
		idle := time.Since(time.Unix(0, w.lastActivity.Load()))
		if idle > threshold {
			w.log.Warn("worker stalled", logx.Duration("idle", idle), logx.Duration("threshold", threshold))
			w.resetSession("stall")
			w.lastActivity.Store(time.Now().UnixNano())
		}
	}
}

// sleepFor waits d in bounded slices, waking early on stop or cancellation.
// Returns false when the worker should exit.
func (w *Worker) sleepFor(ctx context.Context, d time.Duration) bool {
	for d > 0 {
		slice := d
		if slice > maxSleepSlice {
			slice = maxSleepSlice
		}
		t := time.NewTimer(slice)
		select {
		case <-w.stopCh:
			t.Stop()
			return false
		case <-ctx.Done():
			t.Stop()
			return false
		case <-t.C:
		}
		d -= slice
		w.beat()
	}
	return true
}

// Stop requests a graceful exit and waits up to ctx for the loop to finish.
func (w *Worker) Stop(ctx context.Context) error {
	w.requestStop()
	select {
	case <-w.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Worker) requestStop() {
	w.stopOnce.Do(func() {
		w.state.CompareAndSwap(int32(StateRunning), int32(StateStopping))
		close(w.stopCh)
	})
}

// ForceClose aborts the in-flight request after a graceful stop timed out.
func (w *Worker) ForceClose() {
	w.requestStop()
	if cancel, ok := w.sendCancel.Load().(context.CancelFunc); ok && cancel != nil {
		cancel()
	}
	w.log.Warn("worker force-closed")
}

// finish runs exactly once when the posting loop exits, regardless of why.
func (w *Worker) finish(reason string) {
	w.finishOnce.Do(func() {
		w.state.Store(int32(StateStopped))
		w.requestStop()
		close(w.doneCh)
		w.log.Info("worker stopped",
			logx.String("reason", reason),
			logx.Int64("sent", w.localSent.Load()),
			logx.String("uptime", FormatUptime(w.Uptime())))
		w.mgr.workerFinished(w)
	})
}
