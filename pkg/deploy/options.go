// Package deploy reconciles a synthesized stack with its deployed state.
package deploy

import (
	"context"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"

	"cdk-reconciler/pkg/assembly"
	"cdk-reconciler/pkg/cfn"
	"cdk-reconciler/pkg/hotswap"
	"cdk-reconciler/pkg/monitor"
)

// DefaultChangeSetName is reused by every deployment of a stack
const DefaultChangeSetName = "cdk-deploy-change-set"

// DeploymentMethod is either DirectDeployment or ChangeSetDeployment
type DeploymentMethod interface {
	isDeploymentMethod()
}

// DirectDeployment calls CreateStack or UpdateStack without a change set
type DirectDeployment struct{}

// ChangeSetDeployment creates a change set and, when Execute is set, runs it
type ChangeSetDeployment struct {
	Name    string
	Execute bool
}

func (DirectDeployment) isDeploymentMethod()    {}
func (ChangeSetDeployment) isDeploymentMethod() {}

// DefaultDeploymentMethod creates and executes a change set
func DefaultDeploymentMethod() ChangeSetDeployment {
	return ChangeSetDeployment{Name: DefaultChangeSetName, Execute: true}
}

// AssetPublisher publishes the assets of a stack before it is deployed
type AssetPublisher interface {
	PublishAssets(ctx context.Context, stack *assembly.StackArtifact, allowCrossAccount bool) error
}

// ObjectUploader stores templates too large to be sent inline
type ObjectUploader interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

var _ ObjectUploader = (*s3.Client)(nil)

// UserAgentTagger marks the requests of a deployment
type UserAgentTagger interface {
	AppendCustomUserAgent(agent string)
}

// Options configure one stack deployment
type Options struct {
	Stack *assembly.StackArtifact

	// DeployName overrides the stack name of the artifact
	DeployName string

	CFN       cfn.API
	Uploader  ObjectUploader
	UserAgent UserAgentTagger

	// ExtraUserAgent is added to every request of the deployment
	ExtraUserAgent string

	Account   string
	Region    string
	Partition string

	// ToolkitBucket receives templates larger than the inline limit
	ToolkitBucket string

	Method     DeploymentMethod
	Parameters map[string]*string

	// UsePreviousParameters keeps the deployed value of parameters that are not supplied
	UsePreviousParameters bool

	Tags              []cfn.Tag
	NotificationARNs  []string
	RoleARN           string
	ResourcesToImport []types.ResourceToImport

	// Rollback defaults to true
	Rollback *bool
	Force    bool

	Hotswap          hotswap.Mode
	HotswapOverrides hotswap.PropertyOverrides
	HotswapClients   *hotswap.Clients

	AssetPublisher    AssetPublisher
	AllowCrossAccount bool

	// Quiet disables the activity monitor
	Quiet    bool
	Progress monitor.Progress
	CI       bool
	Verbose  bool

	// PollInterval overrides the interval of the stack waiters
	PollInterval time.Duration

	Out    io.Writer
	Logger zerolog.Logger
}

func (o *Options) deployName() string {
	if o.DeployName != "" {
		return o.DeployName
	}
	return o.Stack.StackName
}

func (o *Options) rollback() bool {
	return o.Rollback == nil || *o.Rollback
}

func (o *Options) method() DeploymentMethod {
	switch m := o.Method.(type) {
	case nil:
		return DefaultDeploymentMethod()
	case ChangeSetDeployment:
		if m.Name == "" {
			m.Name = DefaultChangeSetName
		}
		return m
	}
	return o.Method
}

func (o *Options) roleARN() *string {
	if o.RoleARN == "" {
		return nil
	}
	return aws.String(o.RoleARN)
}

func (o *Options) waiter() *cfn.Waiter {
	return cfn.NewWaiter(o.CFN, cfn.WithPollInterval(o.PollInterval), cfn.WithLogger(o.Logger))
}
