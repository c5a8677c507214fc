package deploy

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"cdk-reconciler/pkg/cfn"
	"cdk-reconciler/pkg/monitor"
)

var capabilities = []types.Capability{
	types.CapabilityCapabilityIam,
	types.CapabilityCapabilityNamedIam,
	types.CapabilityCapabilityAutoExpand,
}

const forceNoChangesWarning = "You used the --force flag, but CloudFormation reported that the deployment would not make any changes.\n" +
	"According to CloudFormation, all resources are already up-to-date with the state in your CDK app.\n\n" +
	"You cannot use the --force flag to get rid of changes you made in the console. Try using\n" +
	"CloudFormation drift detection instead: https://docs.aws.amazon.com/AWSCloudFormation/latest/UserGuide/using-cfn-stack-drift.html"

// fullDeployment runs a CloudFormation deployment of one stack, through a
// change set or directly
type fullDeployment struct {
	opts   *Options
	waiter *cfn.Waiter
	stack  *cfn.Stack
	params *cfn.ParameterValues
	body   bodyParameter

	name   string
	update bool
	uuid   string
	logger zerolog.Logger
}

func newFullDeployment(opts *Options, waiter *cfn.Waiter, stack *cfn.Stack, params *cfn.ParameterValues, body bodyParameter) *fullDeployment {
	name := opts.deployName()
	return &fullDeployment{
		opts:   opts,
		waiter: waiter,
		stack:  stack,
		params: params,
		body:   body,
		name:   name,
		update: stack.Exists() && !stack.Status().IsReviewInProgress(),
		uuid:   uuid.NewString(),
		logger: opts.Logger.With().Str("stack", name).Logger(),
	}
}

func (d *fullDeployment) perform(ctx context.Context) (Outcome, error) {
	switch m := d.opts.method().(type) {
	case DirectDeployment:
		if len(d.opts.ResourcesToImport) > 0 {
			return nil, &ConfigError{Message: "Importing resources requires a changeset deployment"}
		}
		return d.directDeployment(ctx)
	case ChangeSetDeployment:
		return d.changeSetDeployment(ctx, m)
	default:
		return nil, fmt.Errorf("unsupported deployment method %T", m)
	}
}

func (d *fullDeployment) changeSetDeployment(ctx context.Context, method ChangeSetDeployment) (Outcome, error) {
	cs, err := d.createChangeSet(ctx, method.Name, method.Execute)
	if err != nil {
		return nil, err
	}
	if err := d.updateTerminationProtection(ctx); err != nil {
		return nil, err
	}

	if cfn.ChangeSetHasNoChanges(cs) {
		d.logger.Debug().Msg("no changes are to be performed")
		if method.Execute {
			d.logger.Debug().Str("changeSet", method.Name).Msg("deleting empty change set")
			if _, err := d.opts.CFN.DeleteChangeSet(ctx, &cloudformation.DeleteChangeSetInput{
				StackName:     aws.String(d.name),
				ChangeSetName: aws.String(method.Name),
			}); err != nil {
				return nil, fmt.Errorf("failed to delete change set %s: %w", method.Name, err)
			}
		}
		if d.opts.Force {
			d.logger.Warn().Msg(forceNoChangesWarning)
		}
		return &DidDeploy{NoOp: true, Outputs: d.stack.Outputs(), StackARN: aws.ToString(cs.StackId)}, nil
	}

	if !method.Execute {
		fmt.Fprintf(d.opts.Out, "Changeset %s created and waiting in review for manual execution (--no-execute)\n", aws.ToString(cs.ChangeSetId))
		return &DidDeploy{NoOp: false, Outputs: d.stack.Outputs(), StackARN: aws.ToString(cs.ChangeSetId)}, nil
	}

	if outcome := d.rollbackGate(cs); outcome != nil {
		return outcome, nil
	}

	return d.executeChangeSet(ctx, method.Name, cs)
}

// rollbackGate stops a change set that cannot be executed safely in the
// current stack state
func (d *fullDeployment) rollbackGate(cs *cloudformation.DescribeChangeSetOutput) Outcome {
	replacement := cfn.RequiresReplacement(cs.Changes)
	pausedFail := d.stack.Status().IsRollbackable()
	rollback := d.opts.rollback()

	switch {
	case pausedFail && replacement:
		return &NeedsRollbackFirst{Reason: ReasonReplacement}
	case pausedFail && !rollback:
		return &NeedsRollbackFirst{Reason: ReasonNotNoRollback}
	case !rollback && replacement:
		return &ReplacementRequiresNoRollback{}
	}
	return nil
}

func (d *fullDeployment) createChangeSet(ctx context.Context, name string, execute bool) (*cloudformation.DescribeChangeSetOutput, error) {
	if d.stack.Exists() {
		if err := d.waiter.CleanupOldChangeSet(ctx, d.name, name); err != nil {
			return nil, err
		}
	}

	d.logger.Debug().Str("changeSet", name).Msg("attempting to create change set")
	fmt.Fprintf(d.opts.Out, "%s: creating CloudFormation changeset...\n", d.opts.Stack.DisplayName)

	changeSetType := types.ChangeSetTypeCreate
	switch {
	case len(d.opts.ResourcesToImport) > 0:
		changeSetType = types.ChangeSetTypeImport
	case d.update:
		changeSetType = types.ChangeSetTypeUpdate
	}

	_, err := d.opts.CFN.CreateChangeSet(ctx, &cloudformation.CreateChangeSetInput{
		StackName:         aws.String(d.name),
		ChangeSetName:     aws.String(name),
		ChangeSetType:     changeSetType,
		ResourcesToImport: d.opts.ResourcesToImport,
		Description:       aws.String("CDK Changeset for execution " + d.uuid),
		ClientToken:       aws.String("create" + d.uuid),
		TemplateBody:      d.body.TemplateBody,
		TemplateURL:       d.body.TemplateURL,
		Parameters:        d.params.APIParameters(),
		RoleARN:           d.opts.roleARN(),
		NotificationARNs:  d.opts.NotificationARNs,
		Capabilities:      capabilities,
		Tags:              d.tags(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create change set %s on %s: %w", name, d.name, err)
	}

	d.logger.Debug().Str("changeSet", name).Msg("initiated creation of change set, waiting for it to finish creating")
	// Every page of changes is needed to count the resources of the monitor
	return d.waiter.WaitForChangeSet(ctx, d.name, name, execute)
}

func (d *fullDeployment) executeChangeSet(ctx context.Context, name string, cs *cloudformation.DescribeChangeSetOutput) (Outcome, error) {
	d.logger.Debug().Str("changeSet", name).Msg("initiating execution of change set")

	if cs.ChangeSetId != nil {
		name = aws.ToString(cs.ChangeSetId)
	}
	in := &cloudformation.ExecuteChangeSetInput{
		StackName:          aws.String(d.name),
		ChangeSetName:      aws.String(name),
		ClientRequestToken: aws.String("exec" + d.uuid),
	}
	if !d.opts.rollback() {
		in.DisableRollback = aws.Bool(true)
	}
	if _, err := d.opts.CFN.ExecuteChangeSet(ctx, in); err != nil {
		return nil, fmt.Errorf("failed to execute change set on %s: %w", d.name, err)
	}

	d.logger.Debug().Msg("execution of change set initiated, waiting for stack update to complete")

	total := len(cs.Changes)
	if d.update {
		total++
	}
	start := aws.ToTime(cs.CreationTime)
	return d.monitorDeployment(ctx, start, total)
}

func (d *fullDeployment) directDeployment(ctx context.Context) (Outcome, error) {
	verb := "creating"
	if d.update {
		verb = "updating"
	}
	fmt.Fprintf(d.opts.Out, "%s: %s stack...\n", d.opts.Stack.DisplayName, verb)

	start := time.Now()

	if d.update {
		if err := d.updateTerminationProtection(ctx); err != nil {
			return nil, err
		}

		_, err := d.opts.CFN.UpdateStack(ctx, &cloudformation.UpdateStackInput{
			StackName:          aws.String(d.name),
			ClientRequestToken: aws.String("update" + d.uuid),
			TemplateBody:       d.body.TemplateBody,
			TemplateURL:        d.body.TemplateURL,
			Parameters:         d.params.APIParameters(),
			RoleARN:            d.opts.roleARN(),
			NotificationARNs:   d.opts.NotificationARNs,
			Capabilities:       capabilities,
			Tags:               d.tags(),
			DisableRollback:    aws.Bool(!d.opts.rollback()),
		})
		if err != nil {
			if errors.Is(cfn.Classify(err), cfn.ErrNoUpdatesToPerform) {
				d.logger.Debug().Msg("no updates are to be performed")
				arn, _ := d.stack.StackID()
				return &DidDeploy{NoOp: true, Outputs: d.stack.Outputs(), StackARN: arn}, nil
			}
			return nil, fmt.Errorf("failed to update stack %s: %w", d.name, err)
		}
		return d.monitorDeployment(ctx, start, 0)
	}

	_, err := d.opts.CFN.CreateStack(ctx, &cloudformation.CreateStackInput{
		StackName:                   aws.String(d.name),
		ClientRequestToken:          aws.String("create" + d.uuid),
		TemplateBody:                d.body.TemplateBody,
		TemplateURL:                 d.body.TemplateURL,
		Parameters:                  d.params.APIParameters(),
		RoleARN:                     d.opts.roleARN(),
		NotificationARNs:            d.opts.NotificationARNs,
		Capabilities:                capabilities,
		Tags:                        d.tags(),
		DisableRollback:             aws.Bool(!d.opts.rollback()),
		EnableTerminationProtection: aws.Bool(d.opts.Stack.TerminationProtection),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create stack %s: %w", d.name, err)
	}
	return d.monitorDeployment(ctx, start, 0)
}

func (d *fullDeployment) monitorDeployment(ctx context.Context, start time.Time, total int) (Outcome, error) {
	m := startMonitor(ctx, d.opts, d.name, start, total)

	final, err := d.waiter.WaitForStackDeploy(ctx, d.name)
	if err == nil && final == nil {
		err = errors.New("Stack deploy failed (the stack disappeared while we were deploying it)")
	}

	var reasons []string
	if m != nil {
		m.Stop(ctx)
		reasons = distinct(m.Errors())
	}
	if err != nil {
		return nil, &StackError{Err: err, Reasons: reasons}
	}

	d.logger.Debug().Msg("stack has completed updating")
	arn, err := final.StackID()
	if err != nil {
		return nil, err
	}
	return &DidDeploy{NoOp: false, Outputs: final.Outputs(), StackARN: arn}, nil
}

func (d *fullDeployment) updateTerminationProtection(ctx context.Context) error {
	want := d.opts.Stack.TerminationProtection
	if !d.update || d.stack.TerminationProtection() == want {
		return nil
	}

	d.logger.Debug().Bool("enabled", want).Msg("updating termination protection")
	_, err := d.opts.CFN.UpdateTerminationProtection(ctx, &cloudformation.UpdateTerminationProtectionInput{
		StackName:                   aws.String(d.name),
		EnableTerminationProtection: aws.Bool(want),
	})
	if err != nil {
		return fmt.Errorf("failed to update termination protection of %s: %w", d.name, err)
	}
	return nil
}

func (d *fullDeployment) tags() []types.Tag {
	return apiTags(d.opts.Tags)
}

func apiTags(tags []cfn.Tag) []types.Tag {
	if len(tags) == 0 {
		return nil
	}
	out := make([]types.Tag, 0, len(tags))
	for _, t := range tags {
		out = append(out, types.Tag{Key: aws.String(t.Key), Value: aws.String(t.Value)})
	}
	return out
}

// startMonitor starts the activity monitor of a stack operation, or returns
// nil when the deployment is quiet
func startMonitor(ctx context.Context, opts *Options, stackName string, start time.Time, total int) *monitor.Monitor {
	if opts.Quiet {
		return nil
	}

	var out *os.File
	if f, ok := opts.Out.(*os.File); ok {
		out = f
	}
	printer := monitor.NewDefaultPrinter(monitor.DefaultPrinterOptions{
		StackName:               stackName,
		ResourcesTotal:          total,
		ResourceTypeColumnWidth: monitor.CalcMaxResourceTypeLength(opts.Stack.Template.Resources()),
		Progress:                opts.Progress,
		Verbose:                 opts.Verbose,
		CI:                      opts.CI,
		Out:                     out,
	})

	return monitor.New(opts.CFN, printer, monitor.Options{
		StackName: stackName,
		Artifact:  opts.Stack,
		StartTime: start,
		Logger:    opts.Logger,
	}).Start(ctx)
}
