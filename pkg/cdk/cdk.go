// Package cdk deploys, destroys and checks the stacks of a cloud assembly.
package cdk

import (
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"cdk-reconciler/pkg/assembly"
	"cdk-reconciler/pkg/cfn"
	"cdk-reconciler/pkg/config"
	"cdk-reconciler/pkg/deploy"
	"cdk-reconciler/pkg/hotswap"
	"cdk-reconciler/pkg/monitor"
	"cdk-reconciler/pkg/sdk"
)

// Options configure a Toolkit
type Options struct {
	CFN            cfn.API
	Uploader       deploy.ObjectUploader
	UserAgent      deploy.UserAgentTagger
	HotswapClients *hotswap.Clients
	AssetPublisher deploy.AssetPublisher

	// Region applies to stacks whose environment does not name one
	Region string

	Out    io.Writer
	Logger zerolog.Logger
}

// Toolkit runs stack operations over the stacks of an assembly
type Toolkit struct {
	cfn            cfn.API
	uploader       deploy.ObjectUploader
	userAgent      deploy.UserAgentTagger
	hotswapClients *hotswap.Clients
	assets         deploy.AssetPublisher
	region         string
	out            io.Writer
	logger         zerolog.Logger
}

// New creates a Toolkit
func New(opts Options) *Toolkit {
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	return &Toolkit{
		cfn:            opts.CFN,
		uploader:       opts.Uploader,
		userAgent:      opts.UserAgent,
		hotswapClients: opts.HotswapClients,
		assets:         opts.AssetPublisher,
		region:         opts.Region,
		out:            out,
		logger:         opts.Logger,
	}
}

// NewFromSession creates a Toolkit using the clients of an AWS session
func NewFromSession(s *sdk.Session, out io.Writer, logger zerolog.Logger) *Toolkit {
	return New(Options{
		CFN:            s.CloudFormation(),
		Uploader:       s.S3(),
		UserAgent:      s,
		HotswapClients: hotswap.ClientsFromSession(s),
		Region:         s.Region(),
		Out:            out,
		Logger:         logger,
	})
}

// stackOptions builds the deployment options of one stack from the run configuration
func (t *Toolkit) stackOptions(stack *assembly.StackArtifact, cfg *config.Config) (deploy.Options, error) {
	mode, err := hotswap.ParseMode(cfg.Hotswap)
	if err != nil {
		return deploy.Options{}, err
	}
	progress, err := monitor.ParseProgress(cfg.Progress)
	if err != nil {
		return deploy.Options{}, err
	}

	var method deploy.DeploymentMethod = deploy.ChangeSetDeployment{Name: cfg.ChangeSetName, Execute: cfg.Execute}
	if cfg.Method == "direct" {
		method = deploy.DirectDeployment{}
	}

	region := stack.Region
	if region == "" {
		region = t.region
	}

	rollback := cfg.Rollback
	return deploy.Options{
		Stack:            stack,
		CFN:              t.cfn,
		Uploader:         t.uploader,
		UserAgent:        t.userAgent,
		Account:          stack.Account,
		Region:           region,
		Partition:        partitionFor(region),
		ToolkitBucket:    cfg.ToolkitBucket,
		Method:           method,
		Parameters:       stringPointers(cfg.ParametersFor(stack.StackName)),
		Tags:             mergeTags(stack.Tags, cfg.Tags),
		NotificationARNs: stackNotificationARNs(stack, cfg),
		RoleARN:          cfg.RoleARN,
		Rollback:         &rollback,
		Force:            cfg.Force,
		Hotswap:          mode,
		HotswapClients:   t.hotswapClients,
		AssetPublisher:   t.assets,
		Quiet:            cfg.Quiet,
		Progress:         progress,
		CI:               monitor.IsCI(),
		Verbose:          t.logger.GetLevel() <= zerolog.DebugLevel,
		PollInterval:     pollInterval(cfg.PollInterval),
		Out:              t.out,
		Logger:           t.logger,
	}, nil
}

func pollInterval(d time.Duration) time.Duration {
	if d <= 0 {
		return 5 * time.Second
	}
	return d
}

func partitionFor(region string) string {
	switch {
	case strings.HasPrefix(region, "cn-"):
		return "aws-cn"
	case strings.HasPrefix(region, "us-gov-"):
		return "aws-us-gov"
	}
	return "aws"
}

func stringPointers(m map[string]string) map[string]*string {
	out := make(map[string]*string, len(m))
	for k, v := range m {
		out[k] = &v
	}
	return out
}

// mergeTags merges the configured tags over the stack's own, ordered by key
func mergeTags(stackTags, configured map[string]string) []cfn.Tag {
	merged := make(map[string]string, len(stackTags)+len(configured))
	for k, v := range stackTags {
		merged[k] = v
	}
	for k, v := range configured {
		merged[k] = v
	}

	tags := make([]cfn.Tag, 0, len(merged))
	for k, v := range merged {
		tags = append(tags, cfn.Tag{Key: k, Value: v})
	}
	sort.Slice(tags, func(i, j int) bool { return tags[i].Key < tags[j].Key })
	return tags
}

func stackNotificationARNs(stack *assembly.StackArtifact, cfg *config.Config) []string {
	arns := append([]string(nil), stack.NotificationARNs...)
	for _, arn := range cfg.NotificationARNs {
		if !contains(arns, arn) {
			arns = append(arns, arn)
		}
	}
	return arns
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

// deploymentOrder sorts stacks so that every stack comes after the selected
// stacks it depends on. Otherwise the given order is kept.
func deploymentOrder(stacks []*assembly.StackArtifact) ([]*assembly.StackArtifact, error) {
	selected := make(map[string]bool, len(stacks))
	for _, s := range stacks {
		selected[s.ID] = true
	}

	done := make(map[string]bool, len(stacks))
	ordered := make([]*assembly.StackArtifact, 0, len(stacks))
	for len(ordered) < len(stacks) {
		progressed := false
		for _, s := range stacks {
			if done[s.ID] {
				continue
			}
			ready := true
			for _, dep := range s.Dependencies {
				if selected[dep] && !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				done[s.ID] = true
				ordered = append(ordered, s)
				progressed = true
			}
		}
		if !progressed {
			return nil, fmt.Errorf("stacks have cyclic dependencies")
		}
	}
	return ordered, nil
}
