package activation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/stephnangue/tenantauth/logger"
)

// DefaultStepTimeout bounds a single step
const DefaultStepTimeout = 30 * time.Second

// StepFunc transforms the chain state. Returning an error stops the chain.
type StepFunc[T any] func(ctx context.Context, in T) (T, error)

// Step is a named StepFunc; the name appears in logs and errors.
type Step[T any] struct {
	Name string
	Fn   StepFunc[T]
}

func NewStep[T any](name string, fn StepFunc[T]) Step[T] {
	return Step[T]{Name: name, Fn: fn}
}

// Callback receives the outcome of a chain run. Exactly one method is called.
type Callback[T any] interface {
	OnCompleted(result T)
	OnError(err error)
}

// CallbackFuncs adapts two functions to Callback. Nil functions are skipped.
type CallbackFuncs[T any] struct {
	Completed func(result T)
	Failed    func(err error)
}

func (c CallbackFuncs[T]) OnCompleted(result T) {
	if c.Completed != nil {
		c.Completed(result)
	}
}

func (c CallbackFuncs[T]) OnError(err error) {
	if c.Failed != nil {
		c.Failed(err)
	}
}

// StepError reports which step failed
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %q failed: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// Chain runs steps in order, short-circuiting on the first failure
type Chain[T any] struct {
	steps   []Step[T]
	timeout time.Duration
	logger  *logger.GatedLogger
}

type ChainOption[T any] func(*Chain[T])

// WithStepTimeout sets the per-step deadline
func WithStepTimeout[T any](d time.Duration) ChainOption[T] {
	return func(c *Chain[T]) { c.timeout = d }
}

func WithLogger[T any](log *logger.GatedLogger) ChainOption[T] {
	return func(c *Chain[T]) { c.logger = log }
}

func NewChain[T any](steps []Step[T], opts ...ChainOption[T]) *Chain[T] {
	c := &Chain[T]{
		steps:   steps,
		timeout: DefaultStepTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = logger.NewDiscardLogger()
	}
	if c.timeout <= 0 {
		c.timeout = DefaultStepTimeout
	}
	return c
}

// Run executes the chain from seed and reports the outcome to cb (if not nil)
// as well as returning it.
func (c *Chain[T]) Run(ctx context.Context, seed T, cb Callback[T]) (T, error) {
	state := seed
	for _, step := range c.steps {
		start := time.Now()
		next, err := c.runStep(ctx, step, state)
		if err != nil {
			c.logger.Debug("step failed",
				logger.String("step", step.Name),
				logger.Duration("elapsed", time.Since(start)),
				logger.Err(err))
			var zero T
			serr := &StepError{Step: step.Name, Err: err}
			if cb != nil {
				cb.OnError(serr)
			}
			return zero, serr
		}
		c.logger.Trace("step completed",
			logger.String("step", step.Name),
			logger.Duration("elapsed", time.Since(start)))
		state = next
	}
	if cb != nil {
		cb.OnCompleted(state)
	}
	return state, nil
}

// runStep waits for the step to return even past its deadline, so nothing
// the step does can land after the chain has moved on. Steps must honour ctx.
// A step that returns after the deadline fails with a timeout whatever its
// own result.
func (c *Chain[T]) runStep(ctx context.Context, step Step[T], in T) (T, error) {
	stepCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	out, err := step.Fn(stepCtx, in)
	if ctxErr := stepCtx.Err(); ctxErr != nil {
		var zero T
		if errors.Is(ctxErr, context.DeadlineExceeded) && ctx.Err() == nil {
			return zero, fmt.Errorf("step timed out after %s: %w", c.timeout, ctxErr)
		}
		return zero, ctxErr
	}
	return out, err
}
