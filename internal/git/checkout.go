package git

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

// ErrNestedCheckout is returned when a checkout chain is started from
// inside another one. Only the outermost chain knows the ref to restore.
var ErrNestedCheckout = errors.New("checkout chain started inside another checkout chain")

type chainKey struct{}

// chainState collects the paths written by the steps of one chain
type chainState struct {
	mu      sync.Mutex
	touched []string
}

// Touch records slash separated, repository relative paths that the
// current chain step creates or overwrites. When the chain fails, these
// paths and tracked files are discarded before the original ref is
// restored; other untracked and ignored files are never removed. Outside a
// chain Touch does nothing.
func Touch(ctx context.Context, paths ...string) {
	state, ok := ctx.Value(chainKey{}).(*chainState)
	if !ok {
		return
	}
	state.mu.Lock()
	state.touched = append(state.touched, paths...)
	state.mu.Unlock()
}

// Step is one checkout in a chain: check out Target with Options, then run
// Run with the result of the previous step (nil for the first step).
type Step struct {
	Target  string
	Options []string
	Run     func(ctx context.Context, prev any) (any, error)
}

// CheckoutChain runs steps in order and returns their results. The ref
// checked out before the call is restored exactly once after the chain,
// whether it completed, a step failed, a checkout failed or a step
// panicked. On failure tracked files and the paths recorded with Touch are
// discarded before restoring so half written files cannot block the
// checkout.
func CheckoutChain(ctx context.Context, client Client, steps ...Step) (results []any, err error) {
	if ctx.Value(chainKey{}) != nil {
		return nil, ErrNestedCheckout
	}
	state := &chainState{}
	ctx = context.WithValue(ctx, chainKey{}, state)

	original, err := client.CurrentRef(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve current ref: %w", err)
	}

	completed := false
	defer func() {
		// restore must run even when the caller's context is cancelled
		restoreCtx := context.WithoutCancel(ctx)
		var restoreErr error
		if !completed {
			state.mu.Lock()
			touched := slices.Clone(state.touched)
			state.mu.Unlock()
			if discardErr := client.DiscardChanges(restoreCtx, touched...); discardErr != nil {
				restoreErr = fmt.Errorf("discard changes: %w", discardErr)
			}
		}
		if checkoutErr := client.Checkout(restoreCtx, original.Name); checkoutErr != nil {
			restoreErr = errors.Join(restoreErr, fmt.Errorf("restore %s: %w", original.Name, checkoutErr))
		}
		if restoreErr != nil {
			err = errors.Join(err, restoreErr)
		}
	}()

	results = make([]any, 0, len(steps))
	var prev any
	for _, step := range steps {
		if err := client.Checkout(ctx, step.Target, step.Options...); err != nil {
			return nil, fmt.Errorf("checkout %s: %w", step.Target, err)
		}
		if step.Run == nil {
			results = append(results, nil)
			prev = nil
			continue
		}
		result, err := step.Run(ctx, prev)
		if err != nil {
			return nil, err
		}
		results = append(results, result)
		prev = result
	}

	completed = true
	return results, nil
}

// WithCheckout checks out target, runs body and restores the previous ref.
func WithCheckout[T any](ctx context.Context, client Client, target string, opts []string, body func(ctx context.Context) (T, error)) (T, error) {
	var zero T
	results, err := CheckoutChain(ctx, client, Step{
		Target:  target,
		Options: opts,
		Run: func(ctx context.Context, _ any) (any, error) {
			return body(ctx)
		},
	})
	if err != nil {
		return zero, err
	}
	// a nil interface result does not assert to T
	value, ok := results[0].(T)
	if !ok {
		return zero, nil
	}
	return value, nil
}
