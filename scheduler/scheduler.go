package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/MixinNetwork/mixin/logger"

	"github.com/chainfusion-labs/bridge-relay/store"
)

// Appender is the enqueue-only subset of Scheduler's methods: enough to
// enqueue follow-up work without holding a reference to the whole
// Scheduler. Scheduler satisfies it. A Handler is not given one; handlers
// that enqueue follow-up work (bridge.State's) call the Scheduler they
// were registered on.
type Appender interface {
	AppendTask(ctx context.Context, t Task) (int64, error)
	AppendTasks(ctx context.Context, ts []Task) ([]int64, error)
}

// Scheduler drives the durable task queue of spec.md §4.4. It is
// single-threaded and cooperative: Run must never be called concurrently
// from two goroutines, matching the "two tasks of the same instance never
// run concurrently" guarantee the host runtime otherwise enforces by being
// single-threaded itself.
type Scheduler struct {
	store    *store.SQLite3Store
	handlers map[Kind]Handler
	onDone   func(id int64, status Status)
	deadline time.Duration

	// runMu is held for the whole duration of Run, the Go analogue of the
	// single-threaded runtime invariant: no borrow of scheduler state may
	// outlive a suspension point unless explicitly released first.
	// TestInterleavedTasksOnSameKeyNeverTearState runs two tasks touching
	// the same key in one Run pass and asserts both updates are applied.
	runMu sync.Mutex
}

// New constructs a Scheduler backed by db. deadline bounds how long a
// single task's execute() call may run before being recorded as
// TimeoutOrPanic (spec.md §4.4 "per-task wall-clock deadline").
func New(db *store.SQLite3Store, deadline time.Duration) *Scheduler {
	return &Scheduler{
		store:    db,
		handlers: make(map[Kind]Handler),
		deadline: deadline,
	}
}

// Register binds kind to the function that executes it. Every Kind the
// scheduler is ever asked to append must have a handler registered before
// Run is first called.
func (s *Scheduler) Register(kind Kind, h Handler) {
	s.handlers[kind] = h
}

// OnCompletion sets the hook invoked for every terminal transition
// (Completed, Failed, TimeoutOrPanic), matching
// `on_completion_callback` (spec.md §4.4).
func (s *Scheduler) OnCompletion(f func(id int64, status Status)) {
	s.onDone = f
}

func optionsToRecord(kind Kind, payload []byte, opts TaskOptions) *store.TaskRecord {
	retriesLeft := int64(opts.Retry.Max)
	if opts.Retry.Infinite {
		retriesLeft = -1
	}
	backoffKind := "Fixed"
	mult := 1.0
	if !opts.Backoff.Fixed {
		backoffKind = "Exponential"
		mult = float64(opts.Backoff.Multiplier)
	}
	now := time.Now().UTC()
	return &store.TaskRecord{
		Kind:        string(kind),
		Payload:     payload,
		RetriesLeft: retriesLeft,
		BackoffKind: backoffKind,
		BackoffSecs: opts.Backoff.Secs,
		BackoffMult: mult,
		NotBefore:   now,
		CreatedAt:   now,
	}
}

// AppendTask assigns t a fresh id and persists it, runnable immediately.
func (s *Scheduler) AppendTask(ctx context.Context, t Task) (int64, error) {
	rec := optionsToRecord(t.Kind, t.Payload, t.Options)
	id, err := s.store.AppendTask(ctx, rec)
	if err != nil {
		return 0, fmt.Errorf("scheduler.AppendTask: %w", err)
	}
	return id, nil
}

// AppendTasks appends every task in ts, in order, each getting its own id.
func (s *Scheduler) AppendTasks(ctx context.Context, ts []Task) ([]int64, error) {
	ids := make([]int64, 0, len(ts))
	for _, t := range ts {
		id, err := s.AppendTask(ctx, t)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Run drains every due task in id order: for each it marks Running
// (implicitly, by holding runMu for the call), awaits its handler, and on
// return transitions it to Completed (removed from the queue) or
// reschedules per its retry/backoff policy, or marks it Failed once
// retries are exhausted (spec.md §4.4). It must not be called
// concurrently with itself; callers drive it from the single process-wide
// 1-second tick.
func (s *Scheduler) Run(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	due, err := s.store.ListDueTasks(ctx, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("scheduler.Run: %w", err)
	}

	for _, rec := range due {
		s.runOne(ctx, rec)
	}
	return nil
}

func (s *Scheduler) runOne(ctx context.Context, rec *store.TaskRecord) {
	handler, ok := s.handlers[Kind(rec.Kind)]
	if !ok {
		logger.Printf("scheduler.runOne(%d, %s) => no handler registered", rec.Id, rec.Kind)
		return
	}

	status := s.execute(ctx, rec, handler)

	switch {
	case status.Done:
		if err := s.store.RemoveTask(ctx, rec.Id); err != nil {
			logger.Printf("scheduler.runOne(%d) RemoveTask => %v", rec.Id, err)
		}
	case status.Failed || status.TimeoutPanic:
		s.reschedule(ctx, rec, status)
	}

	if s.onDone != nil {
		s.onDone(rec.Id, status)
	}
}

// execute runs handler with a deadline, catching both an error return and
// a panic, matching spec.md §4.4 "a panic or timeout during execution is
// caught and recorded as TimeoutOrPanic".
func (s *Scheduler) execute(ctx context.Context, rec *store.TaskRecord, handler Handler) (status Status) {
	runCtx := ctx
	var cancel context.CancelFunc
	if s.deadline > 0 {
		runCtx, cancel = context.WithTimeout(ctx, s.deadline)
		defer cancel()
	}

	done := make(chan error, 1)
	panicked := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				panicked <- fmt.Errorf("scheduler: task %d panicked: %v", rec.Id, r)
			}
		}()
		done <- handler(runCtx, Task{Kind: Kind(rec.Kind), Payload: rec.Payload})
	}()

	select {
	case err := <-done:
		if err == nil {
			return Status{Done: true, TimestampSecs: time.Now().Unix()}
		}
		return Status{Failed: true, Err: err, TimestampSecs: time.Now().Unix()}
	case err := <-panicked:
		return Status{TimeoutPanic: true, Err: err, TimestampSecs: time.Now().Unix()}
	case <-runCtx.Done():
		return Status{TimeoutPanic: true, Err: runCtx.Err(), TimestampSecs: time.Now().Unix()}
	}
}

func (s *Scheduler) reschedule(ctx context.Context, rec *store.TaskRecord, status Status) {
	if rec.RetriesLeft == 0 {
		logger.Printf("scheduler.reschedule(%d) => retries exhausted, marking failed", rec.Id)
		s.markDead(ctx, rec, status)
		return
	}

	opts := TaskOptions{
		Retry:   Finite(0),
		Backoff: FixedBackoff(rec.BackoffSecs),
	}
	if rec.BackoffKind == "Exponential" {
		opts.Backoff = ExponentialBackoff(rec.BackoffSecs, uint32(rec.BackoffMult))
	}

	// rec.Attempts counts retries already performed and only ever grows,
	// unlike RetriesLeft which counts down — Delay's exponential growth
	// must be computed against an increasing attempt number or every
	// successive retry's delay would shrink instead of grow.
	delay := opts.Backoff.Delay(uint32(rec.Attempts))

	nextRetries := rec.RetriesLeft
	if nextRetries > 0 {
		nextRetries--
	}
	if err := s.store.RescheduleTask(ctx, rec.Id, nextRetries, rec.Attempts+1, time.Now().UTC().Add(delay)); err != nil {
		logger.Printf("scheduler.reschedule(%d) => %v", rec.Id, err)
	}
}

// markDead persists rec's terminal Failed/TimeoutOrPanic record (spec.md
// §3) before removing its live row, once its retry budget is exhausted.
func (s *Scheduler) markDead(ctx context.Context, rec *store.TaskRecord, status Status) {
	st := "Failed"
	if status.TimeoutPanic {
		st = "TimeoutOrPanic"
	}
	var errMsg string
	if status.Err != nil {
		errMsg = status.Err.Error()
	}
	died := time.Unix(status.TimestampSecs, 0).UTC()
	if err := s.store.WriteDeadTask(ctx, &store.DeadTaskRecord{
		Id: rec.Id, Kind: rec.Kind, Payload: rec.Payload,
		Status: st, Err: errMsg, DiedAt: died, CreatedAt: rec.CreatedAt,
	}); err != nil {
		logger.Printf("scheduler.markDead(%d) WriteDeadTask => %v", rec.Id, err)
	}
	if err := s.store.RemoveTask(ctx, rec.Id); err != nil {
		logger.Printf("scheduler.markDead(%d) RemoveTask => %v", rec.Id, err)
	}
}

// MarshalPayload JSON-encodes v for storage as a task's opaque payload.
func MarshalPayload(v any) ([]byte, error) {
	return json.Marshal(v)
}

// UnmarshalPayload decodes a task's payload into v.
func UnmarshalPayload(data []byte, v any) error {
	return json.Unmarshal(data, v)
}
