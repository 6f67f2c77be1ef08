// Package scheduler implements the durable task queue of spec.md §4.4: a
// single-threaded, cooperative scheduler whose state is persisted to
// store.SQLite3Store so an append, a crash, and a restart never lose or
// reorder queued work. Grounded on
// _examples/original_source/src/brc20-bridge/src/scheduler.rs (the task
// enum and into_scheduled shape) and erc20-minter/src/canister.rs (the
// 1-second tick, InitEvmState's exponential backoff, CollectEvmEvents'
// infinite+fixed policy).
package scheduler

import (
	"context"
	"time"
)

// Kind tags the work a Task carries (spec.md §4.4): one variant per
// scheduler-driven operation the bridge performs.
type Kind string

const (
	KindInitEvmState     Kind = "InitEvmState"
	KindCollectEvmEvents Kind = "CollectEvmEvents"
	KindRemoveMintOrder  Kind = "RemoveMintOrder"
	KindMintErc20        Kind = "MintErc20"
	KindInscribeBrc20    Kind = "InscribeBrc20"
	KindBuildWithdraw    Kind = "BuildWithdrawTransaction"
)

// Task is one unit of scheduler work: a kind, a JSON payload specific to
// that kind, and the retry/backoff policy governing re-attempts on error.
type Task struct {
	Kind    Kind
	Payload []byte
	Options TaskOptions
}

// RetryPolicy bounds how many times a failed task may be re-attempted.
// Infinite is used for tasks the bridge must never give up on —
// CollectEvmEvents is a standing poll loop, not a best-effort attempt.
type RetryPolicy struct {
	Infinite bool
	Max      uint32 // meaningful only when Infinite is false
}

func Finite(max uint32) RetryPolicy { return RetryPolicy{Max: max} }
func Infinite() RetryPolicy         { return RetryPolicy{Infinite: true} }

// BackoffPolicy computes the delay before a task's next attempt.
type BackoffPolicy struct {
	Fixed      bool
	Secs       uint32
	Multiplier uint32 // meaningful only when Fixed is false
}

func FixedBackoff(secs uint32) BackoffPolicy { return BackoffPolicy{Fixed: true, Secs: secs} }
func ExponentialBackoff(secs, multiplier uint32) BackoffPolicy {
	return BackoffPolicy{Secs: secs, Multiplier: multiplier}
}

// Delay returns the wait before attempt number attempt (0-indexed), in the
// same shape as ic_task_scheduler::retry::BackoffPolicy: fixed policies
// always wait Secs; exponential policies multiply Secs by Multiplier once
// per prior attempt.
func (b BackoffPolicy) Delay(attempt uint32) time.Duration {
	if b.Fixed {
		return time.Duration(b.Secs) * time.Second
	}
	secs := uint64(b.Secs)
	for i := uint32(0); i < attempt; i++ {
		secs *= uint64(b.Multiplier)
	}
	return time.Duration(secs) * time.Second
}

// TaskOptions bundles a task's retry and backoff policy (spec.md §4.4
// TaskOptions).
type TaskOptions struct {
	Retry   RetryPolicy
	Backoff BackoffPolicy
}

// DefaultTaskOptions matches the original's `TaskOptions::default()`: three
// finite retries with a one-second fixed backoff, the shape every
// log-derived task starts from before a caller overrides it.
func DefaultTaskOptions() TaskOptions {
	return TaskOptions{Retry: Finite(3), Backoff: FixedBackoff(1)}
}

// InitEvmStateOptions matches erc20-minter/canister.rs::init_evm_info_task:
// 5 retries, exponential backoff starting at 2 seconds doubling each time.
func InitEvmStateOptions() TaskOptions {
	return TaskOptions{Retry: Finite(5), Backoff: ExponentialBackoff(2, 2)}
}

// CollectEvmEventsOptions matches canister.rs::collect_evm_events_task: an
// infinite retry budget with a fixed 1-second backoff — the collector never
// gives up, it just waits and tries the next tick.
func CollectEvmEventsOptions() TaskOptions {
	return TaskOptions{Retry: Infinite(), Backoff: FixedBackoff(1)}
}

// LogDerivedTaskOptions matches brc20-bridge/scheduler.rs::task_by_log: an
// infinite retry budget with a fixed 5-second backoff for the
// RemoveMintOrder and BuildWithdrawTransaction tasks created from a
// collected event log.
func LogDerivedTaskOptions() TaskOptions {
	return TaskOptions{Retry: Infinite(), Backoff: FixedBackoff(5)}
}

// Status reports the outcome of one task attempt (spec.md §4.4
// TaskStatus), used by the on-completion callback.
type Status struct {
	Done          bool
	Failed        bool
	TimeoutPanic  bool
	Err           error
	TimestampSecs int64
}

// Handler executes a task's payload. Returning an error triggers the
// task's retry/backoff policy; a panic inside Handler is recovered by
// Scheduler.execute and recorded as Status.TimeoutPanic, matching the original
// scheduler's treatment of a trapped canister call.
type Handler func(ctx context.Context, t Task) error
