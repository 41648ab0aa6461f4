//go:build !integration

package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"studio-agents/internal/domain"
	"studio-agents/internal/domain/model"
	"studio-agents/internal/infra/logging"
	"studio-agents/internal/infra/queue"
	"studio-agents/internal/usecase"
)

type fakeRunner struct {
	mu        sync.Mutex
	handled   map[string]int
	abandoned []string
	result    func(model.ChainMessage) error
}

func (f *fakeRunner) Handle(_ context.Context, msg model.ChainMessage) error {
	f.mu.Lock()
	f.handled[msg.RootID]++
	f.mu.Unlock()
	return f.result(msg)
}

func (f *fakeRunner) Abandon(_ context.Context, msg model.ChainMessage, reason string) error {
	f.mu.Lock()
	f.abandoned = append(f.abandoned, msg.RootID)
	f.mu.Unlock()
	return nil
}

func (f *fakeRunner) count(root string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handled[root]
}

func (f *fakeRunner) abandonedRoots() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.abandoned...)
}

func TestPool(t *testing.T) {
	t.Run("should drain queued tasks on stop", func(t *testing.T) {
		p := NewPool(2, logging.Nop())
		p.Start(context.Background())

		var done atomic.Int32
		for i := 0; i < 10; i++ {
			require.NoError(t, p.SubmitWait(context.Background(), func(context.Context) error {
				time.Sleep(time.Millisecond)
				done.Add(1)
				return nil
			}))
		}
		p.Stop()

		assert.Equal(t, int32(10), done.Load())
		assert.ErrorIs(t, p.Submit(func(context.Context) error { return nil }), domain.ErrPoolStopped)
	})

	t.Run("should reject when saturated", func(t *testing.T) {
		p := NewPool(1, logging.Nop())
		block := make(chan struct{})
		require.NoError(t, p.Submit(func(context.Context) error { <-block; return nil }))
		assert.ErrorIs(t, p.Submit(func(context.Context) error { return nil }), domain.ErrQueueFull)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		assert.ErrorIs(t, p.SubmitWait(ctx, func(context.Context) error { return nil }), context.DeadlineExceeded)

		p.Start(context.Background())
		close(block)
		p.Stop()
	})

	t.Run("should survive a panicking task", func(t *testing.T) {
		p := NewPool(1, logging.Nop())
		p.Start(context.Background())
		var ran atomic.Bool
		require.NoError(t, p.SubmitWait(context.Background(), func(context.Context) error { panic("boom") }))
		require.NoError(t, p.SubmitWait(context.Background(), func(context.Context) error { ran.Store(true); return nil }))
		p.Stop()
		assert.True(t, ran.Load())
	})
}

func TestConsumer(t *testing.T) {
	run := func(t *testing.T, q *queue.MemoryQueue, r *fakeRunner, until func() bool) {
		t.Helper()
		pool := NewPool(2, logging.Nop())
		pool.Start(context.Background())
		c := NewConsumer(q, r, pool, logging.Nop())

		ctx, cancel := context.WithCancel(context.Background())
		errCh := make(chan error, 1)
		go func() { errCh <- c.Run(ctx) }()

		require.Eventually(t, until, 2*time.Second, 5*time.Millisecond)
		cancel()
		assert.ErrorIs(t, <-errCh, context.Canceled)
		pool.Stop()
	}

	t.Run("should ack successful and permanently failed deliveries", func(t *testing.T) {
		q := queue.NewMemoryQueue(8, 3, 5*time.Millisecond)
		r := &fakeRunner{handled: map[string]int{}, result: func(m model.ChainMessage) error {
			if m.RootID == "bad" {
				return &usecase.StageError{TaskID: "t", Err: errors.New("stage broke")}
			}
			return nil
		}}
		require.NoError(t, q.Enqueue(context.Background(), model.ChainMessage{RootID: "good"}))
		require.NoError(t, q.Enqueue(context.Background(), model.ChainMessage{RootID: "bad"}))

		run(t, q, r, func() bool { return r.count("good") == 1 && r.count("bad") == 1 && q.InFlight() == 0 })

		assert.Equal(t, 0, q.Len())
		assert.Empty(t, q.DeadLetters())
		assert.Empty(t, r.abandonedRoots())
	})

	t.Run("should redeliver transient failures and abandon them when exhausted", func(t *testing.T) {
		q := queue.NewMemoryQueue(8, 3, 5*time.Millisecond)
		r := &fakeRunner{handled: map[string]int{}, result: func(model.ChainMessage) error {
			return errors.New("database unavailable")
		}}
		require.NoError(t, q.Enqueue(context.Background(), model.ChainMessage{RootID: "flaky"}))

		run(t, q, r, func() bool { return len(r.abandonedRoots()) == 1 })

		assert.Equal(t, 3, r.count("flaky"))
		dead := q.DeadLetters()
		require.Len(t, dead, 1)
		assert.Equal(t, "database unavailable", dead[0].Reason)
	})
}
