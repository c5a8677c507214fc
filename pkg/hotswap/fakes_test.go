package hotswap

import (
	"context"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/appsync"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/aws-sdk-go-v2/service/lambda"
	lambdatypes "github.com/aws/aws-sdk-go-v2/service/lambda/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/sfn"

	"cdk-reconciler/internal/cfntest"
	"cdk-reconciler/pkg/evaluate"
	"cdk-reconciler/pkg/template"
)

type recorder struct {
	mu    sync.Mutex
	calls []string
}

func (r *recorder) record(call string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, call)
}

func (r *recorder) Calls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.calls...)
}

type fakeLambda struct {
	recorder
	codeInputs   []*lambda.UpdateFunctionCodeInput
	configInputs []*lambda.UpdateFunctionConfigurationInput
	aliasInputs  []*lambda.UpdateAliasInput
	invokeInputs []*lambda.InvokeInput
	statuses     []lambdatypes.LastUpdateStatus
}

func (f *fakeLambda) UpdateFunctionCode(_ context.Context, in *lambda.UpdateFunctionCodeInput, _ ...func(*lambda.Options)) (*lambda.UpdateFunctionCodeOutput, error) {
	f.record("UpdateFunctionCode")
	f.codeInputs = append(f.codeInputs, in)
	return &lambda.UpdateFunctionCodeOutput{}, nil
}

func (f *fakeLambda) UpdateFunctionConfiguration(_ context.Context, in *lambda.UpdateFunctionConfigurationInput, _ ...func(*lambda.Options)) (*lambda.UpdateFunctionConfigurationOutput, error) {
	f.record("UpdateFunctionConfiguration")
	f.configInputs = append(f.configInputs, in)
	return &lambda.UpdateFunctionConfigurationOutput{}, nil
}

func (f *fakeLambda) GetFunctionConfiguration(context.Context, *lambda.GetFunctionConfigurationInput, ...func(*lambda.Options)) (*lambda.GetFunctionConfigurationOutput, error) {
	f.record("GetFunctionConfiguration")
	status := lambdatypes.LastUpdateStatusSuccessful
	if len(f.statuses) > 0 {
		status = f.statuses[0]
		f.statuses = f.statuses[1:]
	}
	return &lambda.GetFunctionConfigurationOutput{LastUpdateStatus: status, LastUpdateStatusReason: aws.String("bad code")}, nil
}

func (f *fakeLambda) PublishVersion(context.Context, *lambda.PublishVersionInput, ...func(*lambda.Options)) (*lambda.PublishVersionOutput, error) {
	f.record("PublishVersion")
	return &lambda.PublishVersionOutput{Version: aws.String("7")}, nil
}

func (f *fakeLambda) UpdateAlias(_ context.Context, in *lambda.UpdateAliasInput, _ ...func(*lambda.Options)) (*lambda.UpdateAliasOutput, error) {
	f.record("UpdateAlias")
	f.aliasInputs = append(f.aliasInputs, in)
	return &lambda.UpdateAliasOutput{}, nil
}

func (f *fakeLambda) Invoke(_ context.Context, in *lambda.InvokeInput, _ ...func(*lambda.Options)) (*lambda.InvokeOutput, error) {
	f.record("Invoke")
	f.invokeInputs = append(f.invokeInputs, in)
	return &lambda.InvokeOutput{StatusCode: 200}, nil
}

type fakeAppSync struct {
	recorder
	updateFunctionErrs []error
	resolverInputs     []*appsync.UpdateResolverInput
	functionInputs     []*appsync.UpdateFunctionInput
	apiKeyInputs       []*appsync.UpdateApiKeyInput
	schemaInputs       []*appsync.StartSchemaCreationInput
	functions          *appsync.ListFunctionsOutput
}

func (f *fakeAppSync) UpdateResolver(_ context.Context, in *appsync.UpdateResolverInput, _ ...func(*appsync.Options)) (*appsync.UpdateResolverOutput, error) {
	f.record("UpdateResolver")
	f.resolverInputs = append(f.resolverInputs, in)
	return &appsync.UpdateResolverOutput{}, nil
}

func (f *fakeAppSync) UpdateFunction(_ context.Context, in *appsync.UpdateFunctionInput, _ ...func(*appsync.Options)) (*appsync.UpdateFunctionOutput, error) {
	f.record("UpdateFunction")
	f.functionInputs = append(f.functionInputs, in)
	if len(f.updateFunctionErrs) > 0 {
		err := f.updateFunctionErrs[0]
		f.updateFunctionErrs = f.updateFunctionErrs[1:]
		return nil, err
	}
	return &appsync.UpdateFunctionOutput{}, nil
}

func (f *fakeAppSync) ListFunctions(context.Context, *appsync.ListFunctionsInput, ...func(*appsync.Options)) (*appsync.ListFunctionsOutput, error) {
	f.record("ListFunctions")
	if f.functions == nil {
		return &appsync.ListFunctionsOutput{}, nil
	}
	return f.functions, nil
}

func (f *fakeAppSync) StartSchemaCreation(_ context.Context, in *appsync.StartSchemaCreationInput, _ ...func(*appsync.Options)) (*appsync.StartSchemaCreationOutput, error) {
	f.record("StartSchemaCreation")
	f.schemaInputs = append(f.schemaInputs, in)
	return &appsync.StartSchemaCreationOutput{Status: "PROCESSING"}, nil
}

func (f *fakeAppSync) GetSchemaCreationStatus(context.Context, *appsync.GetSchemaCreationStatusInput, ...func(*appsync.Options)) (*appsync.GetSchemaCreationStatusOutput, error) {
	f.record("GetSchemaCreationStatus")
	return &appsync.GetSchemaCreationStatusOutput{Status: "SUCCESS"}, nil
}

func (f *fakeAppSync) UpdateApiKey(_ context.Context, in *appsync.UpdateApiKeyInput, _ ...func(*appsync.Options)) (*appsync.UpdateApiKeyOutput, error) {
	f.record("UpdateApiKey")
	f.apiKeyInputs = append(f.apiKeyInputs, in)
	return &appsync.UpdateApiKeyOutput{}, nil
}

type fakeS3 struct {
	recorder
	objects map[string]string
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.record("GetObject")
	body := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	return &s3.GetObjectOutput{Body: readCloser(body)}, nil
}

func readCloser(s string) io.ReadCloser {
	return io.NopCloser(strings.NewReader(s))
}

type fakeSFN struct {
	recorder
	inputs []*sfn.UpdateStateMachineInput
}

func (f *fakeSFN) UpdateStateMachine(_ context.Context, in *sfn.UpdateStateMachineInput, _ ...func(*sfn.Options)) (*sfn.UpdateStateMachineOutput, error) {
	f.record("UpdateStateMachine")
	f.inputs = append(f.inputs, in)
	return &sfn.UpdateStateMachineOutput{}, nil
}

type fakeCodeBuild struct {
	recorder
	inputs []*codebuild.UpdateProjectInput
}

func (f *fakeCodeBuild) UpdateProject(_ context.Context, in *codebuild.UpdateProjectInput, _ ...func(*codebuild.Options)) (*codebuild.UpdateProjectOutput, error) {
	f.record("UpdateProject")
	f.inputs = append(f.inputs, in)
	return &codebuild.UpdateProjectOutput{}, nil
}

type fakeECS struct {
	recorder
	registered []*ecs.RegisterTaskDefinitionInput
	updates    []*ecs.UpdateServiceInput

	// status reported by DescribeServices, ACTIVE when empty
	status string
}

func (f *fakeECS) RegisterTaskDefinition(_ context.Context, in *ecs.RegisterTaskDefinitionInput, _ ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error) {
	f.record("RegisterTaskDefinition")
	f.registered = append(f.registered, in)
	return &ecs.RegisterTaskDefinitionOutput{TaskDefinition: &ecstypes.TaskDefinition{
		TaskDefinitionArn: aws.String("arn:aws:ecs:eu-west-1:123456789012:task-definition/web:2"),
	}}, nil
}

func (f *fakeECS) UpdateService(_ context.Context, in *ecs.UpdateServiceInput, _ ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error) {
	f.record("UpdateService")
	f.mu.Lock()
	f.updates = append(f.updates, in)
	f.mu.Unlock()
	return &ecs.UpdateServiceOutput{}, nil
}

func (f *fakeECS) DescribeServices(context.Context, *ecs.DescribeServicesInput, ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error) {
	f.record("DescribeServices")
	status := f.status
	if status == "" {
		status = "ACTIVE"
	}
	return &ecs.DescribeServicesOutput{Services: []ecstypes.Service{{
		ServiceName:  aws.String("web-svc"),
		Status:       aws.String(status),
		Deployments:  []ecstypes.Deployment{{}},
		RunningCount: 1,
		DesiredCount: 1,
	}}}, nil
}

type fakeTagger struct {
	recorder
}

func (f *fakeTagger) AppendCustomUserAgent(agent string) { f.record("+" + agent) }
func (f *fakeTagger) RemoveCustomUserAgent(agent string) { f.record("-" + agent) }

type fakeClients struct {
	lambda    *fakeLambda
	appSync   *fakeAppSync
	s3        *fakeS3
	sfn       *fakeSFN
	codeBuild *fakeCodeBuild
	ecs       *fakeECS
	tagger    *fakeTagger
	*Clients
}

func newFakeClients() *fakeClients {
	f := &fakeClients{
		lambda:    &fakeLambda{},
		appSync:   &fakeAppSync{},
		s3:        &fakeS3{objects: map[string]string{}},
		sfn:       &fakeSFN{},
		codeBuild: &fakeCodeBuild{},
		ecs:       &fakeECS{},
		tagger:    &fakeTagger{},
	}
	f.Clients = &Clients{
		Lambda:        f.lambda,
		AppSync:       f.appSync,
		S3:            f.s3,
		StepFunctions: f.sfn,
		CodeBuild:     f.codeBuild,
		ECS:           f.ecs,
		UserAgent:     f.tagger,
		PollDelay:     time.Millisecond,
	}
	return f
}

// deployed answers ListStackResources with logical/physical ID pairs
func deployed(pairs ...string) *cfntest.Fake {
	return &cfntest.Fake{
		ListStackResourcesFunc: func(*cloudformation.ListStackResourcesInput) (*cloudformation.ListStackResourcesOutput, error) {
			var out []cfntypes.StackResourceSummary
			for i := 0; i+1 < len(pairs); i += 2 {
				out = append(out, cfntypes.StackResourceSummary{
					LogicalResourceId:  aws.String(pairs[i]),
					PhysicalResourceId: aws.String(pairs[i+1]),
				})
			}
			return &cloudformation.ListStackResourcesOutput{StackResourceSummaries: out}, nil
		},
	}
}

func newTestEvaluator(fake *cfntest.Fake, tpl template.Template) *evaluate.Evaluator {
	return evaluate.New(evaluate.Options{
		StackName: "app",
		Template:  tpl,
		Account:   "123456789012",
		Region:    "eu-west-1",
		Client:    fake,
	})
}

func resources(defs map[string]any) template.Template {
	return template.Template{"Resources": defs}
}

func resource(resourceType string, props map[string]any) map[string]any {
	r := map[string]any{"Type": resourceType}
	if props != nil {
		r["Properties"] = props
	}
	return r
}

// newTestChange builds the detector input for one resource of two templates.
// An unchanged resource gives a change without property updates.
func newTestChange(logicalID string, oldTpl, newTpl template.Template) *Change {
	rd := template.FullDiff(oldTpl, newTpl).Resources[logicalID]
	if rd == nil {
		r := template.ResourceFrom(newTpl.Resources()[logicalID])
		rd = &template.ResourceDifference{OldValue: r, NewValue: r}
	}
	return newChange(logicalID, rd)
}
