package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/charmbracelet/lipgloss"

	"cdk-reconciler/pkg/cfn"
	"cdk-reconciler/pkg/evaluate"
	"cdk-reconciler/pkg/hotswap"
	"cdk-reconciler/pkg/template"
)

var boldStyle = lipgloss.NewStyle().Bold(true)

// DeployStack brings a stack to the state of its synthesized template. It
// skips stacks that are already up to date, hotswaps when asked to, and
// otherwise runs a full CloudFormation deployment.
func DeployStack(ctx context.Context, opts Options) (Outcome, error) {
	if opts.Out == nil {
		opts.Out = os.Stdout
	}
	if opts.UserAgent != nil && opts.ExtraUserAgent != "" {
		opts.UserAgent.AppendCustomUserAgent(opts.ExtraUserAgent)
	}

	deployName := opts.deployName()
	logger := opts.Logger.With().Str("stack", deployName).Logger()
	waiter := opts.waiter()

	stack, err := cfn.LookupStack(ctx, opts.CFN, deployName)
	if err != nil {
		return nil, err
	}

	if stack.Status().IsCreationFailure() {
		logger.Debug().Msg("found existing stack that had previously failed creation, deleting it before attempting to re-create it")
		if _, err := opts.CFN.DeleteStack(ctx, &cloudformation.DeleteStackInput{StackName: aws.String(deployName)}); err != nil {
			return nil, fmt.Errorf("failed to delete stack %s: %w", deployName, err)
		}
		deleted, err := waiter.WaitForStackDelete(ctx, deployName)
		if err != nil {
			return nil, err
		}
		if deleted != nil && deleted.Status().Name != string(types.StackStatusDeleteComplete) {
			return nil, fmt.Errorf("Failed deleting stack %s that had previously failed creation (current state: %s)", deployName, deleted.Status())
		}
		// The stack is gone; no need to ask CloudFormation again
		stack = cfn.StackDoesNotExist(opts.CFN, deployName)
	}

	formal := cfn.NewTemplateParameters(opts.Stack.Template.Parameters())
	updates := mergeParameters(opts.Stack.Parameters, opts.Parameters)
	var params *cfn.ParameterValues
	if opts.UsePreviousParameters {
		params, err = formal.UpdateExisting(updates, stack.Parameters())
	} else {
		params, err = formal.SupplyAll(updates)
	}
	if err != nil {
		return nil, err
	}

	skip, err := canSkipDeploy(ctx, &opts, stack, params.HasChanges(stack.Parameters()))
	if err != nil {
		return nil, err
	}
	if skip {
		logger.Debug().Msg("skipping deployment (use --force to override)")
		if opts.Hotswap != hotswap.FullDeployment {
			fmt.Fprintf(opts.Out, "\n %s\n\n", boldStyle.Render("hotswap deployment skipped - no changes were detected (use --force to override)"))
		}
		return noOp(stack), nil
	}
	logger.Debug().Msg("deploying")

	body, err := makeBodyParameter(ctx, &opts)
	if err != nil {
		return nil, err
	}

	if opts.AssetPublisher != nil {
		if err := opts.AssetPublisher.PublishAssets(ctx, opts.Stack, opts.AllowCrossAccount); err != nil {
			return nil, fmt.Errorf("failed to publish assets of %s: %w", opts.Stack.DisplayName, err)
		}
	}

	if opts.Hotswap != hotswap.FullDeployment {
		outcome, err := tryHotswap(ctx, &opts, stack, params)
		if err != nil || outcome != nil {
			return outcome, err
		}
	}

	full := newFullDeployment(&opts, waiter, stack, params, body)
	return full.perform(ctx)
}

// tryHotswap returns a nil outcome when a full deployment has to follow
func tryHotswap(ctx context.Context, opts *Options, stack *cfn.Stack, params *cfn.ParameterValues) (Outcome, error) {
	if opts.HotswapClients == nil {
		return nil, &ConfigError{Message: "hotswap deployments need service clients"}
	}

	result, err := hotswap.TryHotswapDeployment(ctx, hotswap.Options{
		Mode:       opts.Hotswap,
		CFN:        opts.CFN,
		Clients:    opts.HotswapClients,
		Stack:      stack,
		Artifact:   opts.Stack,
		Overrides:  opts.HotswapOverrides,
		Parameters: params.Values(),
		Account:    opts.Account,
		Region:     opts.Region,
		Partition:  opts.Partition,
		Out:        opts.Out,
		Logger:     opts.Logger,
	})

	var evalErr *evaluate.EvaluationError
	switch {
	case err != nil && errors.As(err, &evalErr):
		fmt.Fprintf(opts.Out, "Could not perform a hotswap deployment, because the CloudFormation template could not be resolved: %s\n", evalErr.Message)
	case err != nil:
		return nil, err
	case result != nil:
		return &DidDeploy{NoOp: result.NoOp, Outputs: result.Outputs, StackARN: result.StackARN}, nil
	default:
		fmt.Fprintf(opts.Out, "Could not perform a hotswap deployment, as the stack %s contains non-Asset changes\n", opts.Stack.DisplayName)
	}

	if opts.Hotswap == hotswap.HotswapOnly {
		return noOp(stack), nil
	}
	fmt.Fprintln(opts.Out, "Falling back to doing a full deployment")
	if opts.UserAgent != nil {
		opts.UserAgent.AppendCustomUserAgent("cdk-hotswap/fallback")
	}
	return nil, nil
}

func noOp(stack *cfn.Stack) *DidDeploy {
	arn, _ := stack.StackID()
	return &DidDeploy{NoOp: true, Outputs: stack.Outputs(), StackARN: arn}
}

// canSkipDeploy reports whether the deployed stack already matches the
// request
func canSkipDeploy(ctx context.Context, opts *Options, stack *cfn.Stack, parameterChanges cfn.ParameterChange) (bool, error) {
	logger := opts.Logger.With().Str("stack", opts.deployName()).Logger()
	logger.Debug().Msg("checking if we can skip deploy")

	if opts.Force {
		logger.Debug().Msg("forced deployment")
		return false, nil
	}

	if m, ok := opts.method().(ChangeSetDeployment); ok && !m.Execute {
		logger.Debug().Msg("--no-execute, always creating change set")
		return false, nil
	}

	if !stack.Exists() {
		logger.Debug().Msg("no existing stack")
		return false, nil
	}

	deployed, err := stack.Template(ctx)
	if err != nil {
		return false, err
	}
	same, err := sameTemplateBody(opts.Stack.Template, deployed)
	if err != nil {
		return false, err
	}
	if !same {
		logger.Debug().Msg("template has changed")
		return false, nil
	}

	if !compareTags(stack.Tags(), opts.Tags) {
		logger.Debug().Msg("tags have changed")
		return false, nil
	}

	if !setEquals(stack.NotificationARNs(), opts.NotificationARNs) {
		logger.Debug().Msg("notification arns have changed")
		return false, nil
	}

	if opts.Stack.TerminationProtection != stack.TerminationProtection() {
		logger.Debug().Msg("termination protection has been updated")
		return false, nil
	}

	switch parameterChanges {
	case cfn.ParametersSSM:
		logger.Debug().Msg("some parameters come from SSM so we have to assume they may have changed")
		return false, nil
	case cfn.ParametersChanged:
		logger.Debug().Msg("parameters have changed")
		return false, nil
	}

	if stack.Status().IsFailure() {
		logger.Debug().Msg("stack is in a failure state")
		return false, nil
	}

	return true, nil
}

// sameTemplateBody compares the JSON bodies the two templates serialize to
func sameTemplateBody(desired, deployed template.Template) (bool, error) {
	a, err := desired.ToJSON()
	if err != nil {
		return false, err
	}
	b, err := deployed.ToJSON()
	if err != nil {
		return false, err
	}
	return a == b, nil
}

// compareTags reports whether two tag lists hold the same key/value pairs
func compareTags(a, b []cfn.Tag) bool {
	if len(a) != len(b) {
		return false
	}
	for _, tag := range a {
		i := slices.IndexFunc(b, func(t cfn.Tag) bool { return t.Key == tag.Key })
		if i < 0 || b[i].Value != tag.Value {
			return false
		}
	}
	return true
}

func setEquals(a, b []string) bool {
	for _, x := range a {
		if !slices.Contains(b, x) {
			return false
		}
	}
	for _, x := range b {
		if !slices.Contains(a, x) {
			return false
		}
	}
	return true
}

// mergeParameters layers the values given for this deployment over the
// artifact's own parameters
func mergeParameters(artifact map[string]string, given map[string]*string) map[string]*string {
	out := make(map[string]*string, len(artifact)+len(given))
	for k, v := range artifact {
		out[k] = aws.String(v)
	}
	for k, v := range given {
		out[k] = v
	}
	return out
}
