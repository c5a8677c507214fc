package cfn

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// DefaultPollInterval is the time between two describe calls while waiting
const DefaultPollInterval = 5 * time.Second

// Waiter polls CloudFormation until a stack or change set settles. Waits
// retry forever at a fixed interval; callers bound them through ctx.
type Waiter struct {
	client   API
	interval time.Duration
	logger   zerolog.Logger
}

// WaiterOption configures a Waiter
type WaiterOption func(*Waiter)

// WithPollInterval overrides DefaultPollInterval
func WithPollInterval(d time.Duration) WaiterOption {
	return func(w *Waiter) {
		if d > 0 {
			w.interval = d
		}
	}
}

// WithLogger sets the logger used for the wait trail
func WithLogger(logger zerolog.Logger) WaiterOption {
	return func(w *Waiter) {
		w.logger = logger
	}
}

// NewWaiter creates a Waiter on top of a CloudFormation client
func NewWaiter(client API, opts ...WaiterOption) *Waiter {
	w := &Waiter{
		client:   client,
		interval: DefaultPollInterval,
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Client returns the CloudFormation client the waiter polls
func (w *Waiter) Client() API {
	return w.client
}

// pollUntil calls check until it reports done, sleeping interval between calls
func pollUntil[T any](ctx context.Context, interval time.Duration, check func(context.Context) (T, bool, error)) (T, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		value, done, err := check(ctx)
		if err != nil || done {
			return value, err
		}

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-ticker.C:
		}
	}
}

// StabilizeStack waits until the stack has no operation in progress. It
// returns nil when the stack does not exist. REVIEW_IN_PROGRESS counts as
// stable since a pending change set never resolves on its own.
func (w *Waiter) StabilizeStack(ctx context.Context, stackName string) (*Stack, error) {
	w.logger.Debug().Str("stack", stackName).Msg("waiting for stack to finish creating or updating")

	return pollUntil(ctx, w.interval, func(ctx context.Context) (*Stack, bool, error) {
		stack, err := LookupStack(ctx, w.client, stackName)
		if err != nil {
			return nil, false, err
		}
		if !stack.Exists() {
			w.logger.Debug().Str("stack", stackName).Msg("stack does not exist")
			return nil, true, nil
		}

		status := stack.Status()
		if status.IsInProgress() {
			w.logger.Debug().Str("stack", stackName).Str("status", status.String()).Msg("stack has an ongoing operation in progress")
			return nil, false, nil
		}
		if status.IsReviewInProgress() {
			w.logger.Debug().Str("stack", stackName).Msg("stack is in REVIEW_IN_PROGRESS, considering it stable")
		}
		return stack, true, nil
	})
}

// WaitForStackDeploy waits for a create or update to finish and fails unless
// the stack ends in a successful state.
func (w *Waiter) WaitForStackDeploy(ctx context.Context, stackName string) (*Stack, error) {
	stack, err := w.StabilizeStack(ctx, stackName)
	if err != nil || stack == nil {
		return nil, err
	}

	status := stack.Status()
	if status.IsCreationFailure() {
		return nil, fmt.Errorf("The stack named %s failed creation, it may need to be manually deleted from the AWS console: %s", stackName, status)
	}
	if !status.IsDeploySuccess() {
		return nil, fmt.Errorf("The stack named %s failed to deploy: %s", stackName, status)
	}
	return stack, nil
}

// WaitForStackDelete waits for a delete to finish. It returns nil when the
// stack is gone and fails when the delete did not succeed.
func (w *Waiter) WaitForStackDelete(ctx context.Context, stackName string) (*Stack, error) {
	stack, err := w.StabilizeStack(ctx, stackName)
	if err != nil || stack == nil {
		return nil, err
	}

	status := stack.Status()
	if status.IsFailure() {
		return nil, fmt.Errorf("The stack named %s is in a failed state. You may need to delete it from the AWS console : %s", stackName, status)
	}
	if status.IsDeleted() {
		return nil, nil
	}
	return stack, nil
}
