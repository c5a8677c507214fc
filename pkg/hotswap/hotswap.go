package hotswap

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"

	"cdk-reconciler/pkg/assembly"
	"cdk-reconciler/pkg/cfn"
	"cdk-reconciler/pkg/evaluate"
	"cdk-reconciler/pkg/template"
)

// Options configure a hotswap attempt
type Options struct {
	Mode      Mode
	CFN       cfn.API
	Clients   *Clients
	Stack     *cfn.Stack
	Artifact  *assembly.StackArtifact
	Overrides PropertyOverrides

	// Parameters are the asset parameters of the deployment
	Parameters map[string]string
	Account    string
	Region     string
	Partition  string

	Out    io.Writer
	Logger zerolog.Logger
}

// Result is the outcome of a hotswap that was carried out
type Result struct {
	NoOp     bool
	StackARN string
	Outputs  map[string]string
}

// TryHotswapDeployment classifies the changes between the deployed and the
// desired template and applies the hotswappable ones. It returns nil when a
// full deployment is needed instead.
func TryHotswapDeployment(ctx context.Context, opts Options) (*Result, error) {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}

	current, err := LoadCurrentTemplateWithNestedStacks(ctx, opts.CFN, opts.Artifact)
	if err != nil {
		return nil, err
	}

	eval := evaluate.New(evaluate.Options{
		StackName:  opts.Artifact.StackName,
		Template:   opts.Artifact.Template,
		Parameters: opts.Parameters,
		Account:    opts.Account,
		Region:     opts.Region,
		Partition:  opts.Partition,
		Client:     opts.CFN,
	})

	diff := template.FullDiff(current.DeployedRootTemplate, current.GeneratedRootTemplate)
	classification, err := NewClassifier(opts.Overrides).Classify(ctx, diff, eval, current.NestedStacks)
	if err != nil {
		return nil, err
	}
	opts.Logger.Debug().
		Int("hotswappable", len(classification.Hotswappable)).
		Int("nonHotswappable", len(classification.NonHotswappable)).
		Msg("classified template changes")

	LogNonHotswappableChanges(out, classification.NonHotswappable, opts.Mode)

	if opts.Mode == FallBack && len(classification.NonHotswappable) > 0 {
		return nil, nil
	}

	if err := NewExecutor(opts.Clients, out, opts.Logger).ApplyAll(ctx, classification.Hotswappable); err != nil {
		return nil, err
	}

	// A hotswap of a stack that was never deployed has no ARN to report
	arn, _ := opts.Stack.StackID()
	return &Result{
		NoOp:     len(classification.Hotswappable) == 0,
		StackARN: arn,
		Outputs:  opts.Stack.Outputs(),
	}, nil
}

// LogNonHotswappableChanges prints the changes that need a deployment. In
// hotswap-only mode changes reported as a side effect of another one are left out.
func LogNonHotswappableChanges(out io.Writer, changes []*NonHotswappable, mode Mode) {
	if mode == HotswapOnly {
		visible := changes[:0:0]
		for _, c := range changes {
			if c.HotswapOnlyVisible {
				visible = append(visible, c)
			}
		}
		changes = visible
	}
	if len(changes) == 0 {
		return
	}

	var b strings.Builder
	b.WriteString("\n")
	if mode == HotswapOnly {
		b.WriteString(redStyle.Render("⚠️ The following non-hotswappable changes were found. To reconcile these using CloudFormation, specify --hotswap-fallback"))
	} else {
		b.WriteString(redStyle.Render("⚠️ The following non-hotswappable changes were found:"))
	}
	b.WriteString("\n")

	for _, c := range changes {
		if len(c.RejectedChanges) > 0 {
			fmt.Fprintf(&b, "    logicalID: %s, type: %s, rejected changes: %s, reason: %s\n",
				boldStyle.Render(c.LogicalID), boldStyle.Render(c.ResourceType),
				boldStyle.Render(strings.Join(c.RejectedChanges, ",")), redStyle.Render(c.Reason))
		} else {
			fmt.Fprintf(&b, "    logicalID: %s, type: %s, reason: %s\n",
				boldStyle.Render(c.LogicalID), boldStyle.Render(c.ResourceType), redStyle.Render(c.Reason))
		}
	}
	b.WriteString("\n")
	fmt.Fprint(out, b.String())
}
