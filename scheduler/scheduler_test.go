package scheduler

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/chainfusion-labs/bridge-relay/store"
)

func openTestScheduler(t *testing.T) (*Scheduler, *store.SQLite3Store) {
	db, err := store.OpenSQLite3Store("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, 2*time.Second), db
}

func TestAppendAndRunCompletesTask(t *testing.T) {
	s, _ := openTestScheduler(t)
	ctx := context.Background()

	var ran int32
	s.Register(KindMintErc20, func(ctx context.Context, task Task) error {
		atomic.AddInt32(&ran, 1)
		return nil
	})

	id, err := s.AppendTask(ctx, Task{Kind: KindMintErc20, Options: DefaultTaskOptions()})
	require.NoError(t, err)
	require.Positive(t, id)

	require.NoError(t, s.Run(ctx))
	require.Equal(t, int32(1), atomic.LoadInt32(&ran))

	// A completed task must not run again.
	require.NoError(t, s.Run(ctx))
	require.Equal(t, int32(1), atomic.LoadInt32(&ran))
}

func TestFailingTaskIsRescheduledThenFailsAfterRetries(t *testing.T) {
	s, _ := openTestScheduler(t)
	ctx := context.Background()

	var attempts int32
	s.Register(KindRemoveMintOrder, func(ctx context.Context, task Task) error {
		atomic.AddInt32(&attempts, 1)
		return fmt.Errorf("boom")
	})

	var terminal []Status
	var mu sync.Mutex
	s.OnCompletion(func(id int64, status Status) {
		mu.Lock()
		defer mu.Unlock()
		terminal = append(terminal, status)
	})

	_, err := s.AppendTask(ctx, Task{Kind: KindRemoveMintOrder, Options: TaskOptions{Retry: Finite(1), Backoff: FixedBackoff(0)}})
	require.NoError(t, err)

	require.NoError(t, s.Run(ctx))
	require.Equal(t, int32(1), atomic.LoadInt32(&attempts))

	require.NoError(t, s.Run(ctx))
	require.Equal(t, int32(2), atomic.LoadInt32(&attempts))

	// Third run: retries exhausted, task removed, no further attempts.
	require.NoError(t, s.Run(ctx))
	require.Equal(t, int32(2), atomic.LoadInt32(&attempts))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, terminal, 2)
	require.True(t, terminal[0].Failed)
	require.True(t, terminal[1].Failed)
}

func TestInfiniteRetryTaskNeverExhausts(t *testing.T) {
	s, _ := openTestScheduler(t)
	ctx := context.Background()

	var attempts int32
	s.Register(KindCollectEvmEvents, func(ctx context.Context, task Task) error {
		n := atomic.AddInt32(&attempts, 1)
		if n < 4 {
			return fmt.Errorf("transient")
		}
		return nil
	})

	_, err := s.AppendTask(ctx, Task{Kind: KindCollectEvmEvents, Options: TaskOptions{Retry: Infinite(), Backoff: FixedBackoff(0)}})
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		require.NoError(t, s.Run(ctx))
	}
	require.Equal(t, int32(4), atomic.LoadInt32(&attempts))

	// Once it succeeds it must not run again.
	require.NoError(t, s.Run(ctx))
	require.Equal(t, int32(4), atomic.LoadInt32(&attempts))
}

func TestTimeoutMarksTimeoutOrPanic(t *testing.T) {
	_, db := openTestScheduler(t)
	ctx := context.Background()

	fast := New(db, 10*time.Millisecond)
	fast.Register(KindMintErc20, func(ctx context.Context, task Task) error {
		<-ctx.Done()
		return ctx.Err()
	})

	var status Status
	fast.OnCompletion(func(id int64, st Status) { status = st })

	_, err := fast.AppendTask(ctx, Task{Kind: KindMintErc20, Options: TaskOptions{Retry: Finite(0), Backoff: FixedBackoff(0)}})
	require.NoError(t, err)

	require.NoError(t, fast.Run(ctx))
	require.True(t, status.TimeoutPanic)
}

func TestPanicInHandlerIsRecoveredAsTimeoutOrPanic(t *testing.T) {
	s, _ := openTestScheduler(t)
	ctx := context.Background()

	s.Register(KindInscribeBrc20, func(ctx context.Context, task Task) error {
		panic("unexpected")
	})

	var status Status
	s.OnCompletion(func(id int64, st Status) { status = st })

	_, err := s.AppendTask(ctx, Task{Kind: KindInscribeBrc20, Options: TaskOptions{Retry: Finite(0), Backoff: FixedBackoff(0)}})
	require.NoError(t, err)

	require.NoError(t, s.Run(ctx))
	require.True(t, status.TimeoutPanic)
}

// Two tasks touching the same logical key (here, the same in-memory
// counter guarded by a mutex) must never observe a torn update even when
// their handlers interleave across an await — the suspension-across-borrow
// discipline spec.md §9 calls out as the hardest class of scheduler bug.
func TestInterleavedTasksOnSameKeyNeverTearState(t *testing.T) {
	s, _ := openTestScheduler(t)
	ctx := context.Background()

	var keyMu sync.Mutex
	counter := 0

	s.Register(KindRemoveMintOrder, func(ctx context.Context, task Task) error {
		keyMu.Lock()
		defer keyMu.Unlock()
		before := counter
		time.Sleep(time.Millisecond) // simulate a suspension point (I/O await)
		counter = before + 1
		return nil
	})

	_, err := s.AppendTask(ctx, Task{Kind: KindRemoveMintOrder, Options: DefaultTaskOptions()})
	require.NoError(t, err)
	_, err = s.AppendTask(ctx, Task{Kind: KindRemoveMintOrder, Options: DefaultTaskOptions()})
	require.NoError(t, err)

	require.NoError(t, s.Run(ctx))
	require.Equal(t, 2, counter, "both interleaved tasks must apply their update exactly once")
}

func TestRunIsIdempotentWhenQueueEmpty(t *testing.T) {
	s, _ := openTestScheduler(t)
	require.NoError(t, s.Run(context.Background()))
}
