package activation

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func appendStep(name string) Step[[]string] {
	return NewStep(name, func(_ context.Context, in []string) ([]string, error) {
		return append(in, name), nil
	})
}

func TestChain_RunsStepsInOrder(t *testing.T) {
	chain := NewChain([]Step[[]string]{appendStep("a"), appendStep("b"), appendStep("c")})

	var completed []string
	out, err := chain.Run(context.Background(), nil, CallbackFuncs[[]string]{
		Completed: func(r []string) { completed = r },
		Failed:    func(err error) { t.Fatalf("unexpected failure: %v", err) },
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, out)
	assert.Equal(t, out, completed)
}

func TestChain_ShortCircuitsOnError(t *testing.T) {
	boom := errors.New("boom")
	var ranAfter atomic.Bool

	chain := NewChain([]Step[[]string]{
		appendStep("a"),
		NewStep("fails", func(context.Context, []string) ([]string, error) { return nil, boom }),
		NewStep("never", func(_ context.Context, in []string) ([]string, error) {
			ranAfter.Store(true)
			return in, nil
		}),
	})

	var failed error
	_, err := chain.Run(context.Background(), nil, CallbackFuncs[[]string]{
		Completed: func([]string) { t.Fatal("chain should not complete") },
		Failed:    func(err error) { failed = err },
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, err, failed)
	assert.False(t, ranAfter.Load())

	var stepErr *StepError
	require.ErrorAs(t, err, &stepErr)
	assert.Equal(t, "fails", stepErr.Step)
}

func TestChain_StepTimeout(t *testing.T) {
	chain := NewChain([]Step[int]{
		NewStep("slow", func(ctx context.Context, in int) (int, error) {
			<-ctx.Done()
			return in, ctx.Err()
		}),
	}, WithStepTimeout[int](20*time.Millisecond))

	start := time.Now()
	_, err := chain.Run(context.Background(), 0, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestChain_TimedOutStepFinishesBeforeChainReturns(t *testing.T) {
	var finished atomic.Bool

	chain := NewChain([]Step[int]{
		NewStep("late", func(ctx context.Context, in int) (int, error) {
			<-ctx.Done()
			// keeps working for a while after the deadline
			time.Sleep(50 * time.Millisecond)
			finished.Store(true)
			return in + 1, nil
		}),
	}, WithStepTimeout[int](10*time.Millisecond))

	_, err := chain.Run(context.Background(), 0, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, finished.Load(), "chain returned while the step was still running")
}

func TestChain_ParentCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	chain := NewChain([]Step[int]{
		NewStep("waits", func(ctx context.Context, in int) (int, error) {
			<-ctx.Done()
			return in, ctx.Err()
		}),
	})
	_, err := chain.Run(ctx, 0, nil)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestChain_EmptyCompletesWithSeed(t *testing.T) {
	out, err := NewChain[int](nil).Run(context.Background(), 7, nil)
	require.NoError(t, err)
	assert.Equal(t, 7, out)
}
