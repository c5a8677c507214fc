package hotswap

import (
	"context"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/appsync"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sfn"

	"cdk-reconciler/pkg/sdk"
)

// LambdaAPI is the subset of the Lambda client used by hotswaps
type LambdaAPI interface {
	UpdateFunctionCode(ctx context.Context, in *lambda.UpdateFunctionCodeInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error)
	UpdateFunctionConfiguration(ctx context.Context, in *lambda.UpdateFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.UpdateFunctionConfigurationOutput, error)
	GetFunctionConfiguration(ctx context.Context, in *lambda.GetFunctionConfigurationInput, optFns ...func(*lambda.Options)) (*lambda.GetFunctionConfigurationOutput, error)
	PublishVersion(ctx context.Context, in *lambda.PublishVersionInput, optFns ...func(*lambda.Options)) (*lambda.PublishVersionOutput, error)
	UpdateAlias(ctx context.Context, in *lambda.UpdateAliasInput, optFns ...func(*lambda.Options)) (*lambda.UpdateAliasOutput, error)
	Invoke(ctx context.Context, in *lambda.InvokeInput, optFns ...func(*lambda.Options)) (*lambda.InvokeOutput, error)
}

// AppSyncAPI is the subset of the AppSync client used by hotswaps
type AppSyncAPI interface {
	UpdateResolver(ctx context.Context, in *appsync.UpdateResolverInput, optFns ...func(*appsync.Options)) (*appsync.UpdateResolverOutput, error)
	UpdateFunction(ctx context.Context, in *appsync.UpdateFunctionInput, optFns ...func(*appsync.Options)) (*appsync.UpdateFunctionOutput, error)
	ListFunctions(ctx context.Context, in *appsync.ListFunctionsInput, optFns ...func(*appsync.Options)) (*appsync.ListFunctionsOutput, error)
	StartSchemaCreation(ctx context.Context, in *appsync.StartSchemaCreationInput, optFns ...func(*appsync.Options)) (*appsync.StartSchemaCreationOutput, error)
	GetSchemaCreationStatus(ctx context.Context, in *appsync.GetSchemaCreationStatusInput, optFns ...func(*appsync.Options)) (*appsync.GetSchemaCreationStatusOutput, error)
	UpdateApiKey(ctx context.Context, in *appsync.UpdateApiKeyInput, optFns ...func(*appsync.Options)) (*appsync.UpdateApiKeyOutput, error)
}

// S3API fetches objects referenced by *S3Location properties
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// StepFunctionsAPI updates state machine definitions
type StepFunctionsAPI interface {
	UpdateStateMachine(ctx context.Context, in *sfn.UpdateStateMachineInput, optFns ...func(*sfn.Options)) (*sfn.UpdateStateMachineOutput, error)
}

// CodeBuildAPI updates build projects
type CodeBuildAPI interface {
	UpdateProject(ctx context.Context, in *codebuild.UpdateProjectInput, optFns ...func(*codebuild.Options)) (*codebuild.UpdateProjectOutput, error)
}

// ECSAPI registers task definitions and rolls services onto them
type ECSAPI interface {
	RegisterTaskDefinition(ctx context.Context, in *ecs.RegisterTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error)
	UpdateService(ctx context.Context, in *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error)
	DescribeServices(ctx context.Context, in *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error)
}

// UserAgentTagger marks the requests of one hotswap operation
type UserAgentTagger interface {
	AppendCustomUserAgent(agent string)
	RemoveCustomUserAgent(agent string)
}

var (
	_ LambdaAPI        = (*lambda.Client)(nil)
	_ AppSyncAPI       = (*appsync.Client)(nil)
	_ S3API            = (*s3.Client)(nil)
	_ StepFunctionsAPI = (*sfn.Client)(nil)
	_ CodeBuildAPI     = (*codebuild.Client)(nil)
	_ ECSAPI           = (*ecs.Client)(nil)
	_ UserAgentTagger  = (*sdk.Session)(nil)
)

// Clients are the service clients a hotswap operation may call
type Clients struct {
	Lambda        LambdaAPI
	AppSync       AppSyncAPI
	S3            S3API
	StepFunctions StepFunctionsAPI
	CodeBuild     CodeBuildAPI
	ECS           ECSAPI
	UserAgent     UserAgentTagger

	// PollDelay replaces the delay between waiter polls and retries when set
	PollDelay time.Duration
}

// ClientsFromSession returns the clients of an SDK session
func ClientsFromSession(s *sdk.Session) *Clients {
	return &Clients{
		Lambda:        s.Lambda(),
		AppSync:       s.AppSync(),
		S3:            s.S3(),
		StepFunctions: s.SFN(),
		CodeBuild:     s.CodeBuild(),
		ECS:           s.ECS(),
		UserAgent:     s,
	}
}

func (c *Clients) delay(d time.Duration) time.Duration {
	if c.PollDelay > 0 {
		return c.PollDelay
	}
	return d
}

func (c *Clients) appendUserAgent(agent string) {
	if c.UserAgent != nil {
		c.UserAgent.AppendCustomUserAgent(agent)
	}
}

func (c *Clients) removeUserAgent(agent string) {
	if c.UserAgent != nil {
		c.UserAgent.RemoveCustomUserAgent(agent)
	}
}
