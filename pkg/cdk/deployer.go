package cdk

import (
	"context"
	"fmt"
	"slices"

	"cdk-reconciler/pkg/assembly"
	"cdk-reconciler/pkg/cfn"
	"cdk-reconciler/pkg/config"
	"cdk-reconciler/pkg/deploy"
)

const fallbackUserAgent = "cdk-hotswap/fallback"

type userAgentRemover interface {
	RemoveCustomUserAgent(agent string)
}

// Deploy deploys one stack
func (t *Toolkit) Deploy(ctx context.Context, stack *assembly.StackArtifact, cfg *config.Config) (*DeployResult, error) {
	opts, err := t.stackOptions(stack, cfg)
	if err != nil {
		return nil, err
	}

	// A fallback marker only applies to the stack that fell back
	if r, ok := t.userAgent.(userAgentRemover); ok {
		defer r.RemoveCustomUserAgent(fallbackUserAgent)
	}

	outcome, err := deploy.DeployStack(ctx, opts)
	if err != nil {
		return nil, err
	}

	switch o := outcome.(type) {
	case *deploy.DidDeploy:
		return &DeployResult{
			StackName: stack.StackName,
			StackARN:  o.StackARN,
			NoOp:      o.NoOp,
			Outputs:   sortedOutputs(o.Outputs),
		}, nil
	case *deploy.NeedsRollbackFirst:
		if o.Reason == deploy.ReasonReplacement {
			return nil, fmt.Errorf("%w: %s is in a failed state and the change set replaces resources; roll the stack back before deploying it", ErrNeedsRollbackFirst, stack.DisplayName)
		}
		return nil, fmt.Errorf("%w: %s is in a failed state and can only be deployed without rollback (--no-rollback), or after a rollback", ErrNeedsRollbackFirst, stack.DisplayName)
	case *deploy.ReplacementRequiresNoRollback:
		return nil, fmt.Errorf("%w: the change set of %s replaces resources; deploy it with rollback enabled", ErrReplacementRequiresRollback, stack.DisplayName)
	}
	return nil, fmt.Errorf("unexpected deployment outcome %T", outcome)
}

// DeployAll deploys stacks one after the other, dependencies first. It stops
// at the first failure and returns the results gathered so far.
func (t *Toolkit) DeployAll(ctx context.Context, stacks []*assembly.StackArtifact, cfg *config.Config) ([]DeployResult, error) {
	ordered, err := deploymentOrder(stacks)
	if err != nil {
		return nil, err
	}

	var results []DeployResult
	for _, stack := range ordered {
		t.logger.Debug().Str("stack", stack.StackName).Msg("deploying stack")
		result, err := t.Deploy(ctx, stack, cfg)
		if err != nil {
			return results, fmt.Errorf("failed to deploy stack %s: %w", stack.StackName, err)
		}
		results = append(results, *result)
	}
	return results, nil
}

// DestroyAll destroys stacks in reverse dependency order
func (t *Toolkit) DestroyAll(ctx context.Context, stacks []*assembly.StackArtifact, cfg *config.Config) error {
	ordered, err := deploymentOrder(stacks)
	if err != nil {
		return err
	}
	slices.Reverse(ordered)

	for _, stack := range ordered {
		opts, err := t.stackOptions(stack, cfg)
		if err != nil {
			return err
		}
		fmt.Fprintf(t.out, "%s: destroying...\n", stack.DisplayName)
		if err := deploy.DestroyStack(ctx, opts); err != nil {
			return fmt.Errorf("failed to destroy stack %s: %w", stack.StackName, err)
		}
		fmt.Fprintf(t.out, "%s: destroyed\n", stack.DisplayName)
	}
	return nil
}

// DetectDriftAll detects drift for the deployed stacks with the given names
func (t *Toolkit) DetectDriftAll(ctx context.Context, stackNames []string, cfg *config.Config) ([]cfn.DriftResult, error) {
	waiter := cfn.NewWaiter(t.cfn, cfn.WithPollInterval(pollInterval(cfg.PollInterval)), cfn.WithLogger(t.logger))

	var results []cfn.DriftResult
	for _, name := range stackNames {
		t.logger.Info().Str("stack", name).Msg("detecting drift")
		result, err := waiter.DetectDrift(ctx, name)
		if err != nil {
			return results, fmt.Errorf("failed to detect drift for stack %s: %w", name, err)
		}
		results = append(results, *result)
	}
	return results, nil
}
