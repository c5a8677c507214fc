package deploy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdk-reconciler/internal/cfntest"
	"cdk-reconciler/pkg/assembly"
	"cdk-reconciler/pkg/cfn"
	"cdk-reconciler/pkg/hotswap"
	"cdk-reconciler/pkg/template"
)

const (
	bucketTemplate  = `{"Resources":{"Bucket":{"Type":"AWS::S3::Bucket"}}}`
	changedTemplate = `{"Resources":{"Bucket":{"Type":"AWS::S3::Bucket","Properties":{"BucketName":"uploads"}}}}`
	stackARN        = "arn:aws:cloudformation:us-east-1:123456789012:stack/app/guid"
)

func artifact(t *testing.T, body string) *assembly.StackArtifact {
	t.Helper()
	tpl, err := template.Parse(body)
	require.NoError(t, err)
	return &assembly.StackArtifact{ID: "App", StackName: "app", DisplayName: "App", Template: tpl}
}

func testOptions(f *cfntest.Fake, art *assembly.StackArtifact) Options {
	return Options{
		Stack:        art,
		CFN:          f,
		Region:       "us-east-1",
		Quiet:        true,
		PollInterval: time.Millisecond,
		Out:          &bytes.Buffer{},
		Logger:       zerolog.Nop(),
	}
}

// deployedFake serves a stack deployed from body in the given status
func deployedFake(body string, status types.StackStatus) *cfntest.Fake {
	f := &cfntest.Fake{Templates: map[string]string{"app": body}}
	f.SetStates("app", cfntest.Stack("app", status))
	return f
}

// sequence answers DescribeStacks with the given results in order, the last
// one repeating
func sequence(results ...func() (*cloudformation.DescribeStacksOutput, error)) func(*cloudformation.DescribeStacksInput) (*cloudformation.DescribeStacksOutput, error) {
	var mu sync.Mutex
	i := 0
	return func(*cloudformation.DescribeStacksInput) (*cloudformation.DescribeStacksOutput, error) {
		mu.Lock()
		defer mu.Unlock()
		r := results[min(i, len(results)-1)]
		i++
		return r()
	}
}

func found(status types.StackStatus) func() (*cloudformation.DescribeStacksOutput, error) {
	return func() (*cloudformation.DescribeStacksOutput, error) {
		return &cloudformation.DescribeStacksOutput{Stacks: []types.Stack{cfntest.Stack("app", status)}}, nil
	}
}

func missing() (*cloudformation.DescribeStacksOutput, error) {
	return nil, cfntest.NotFound("app")
}

func replacingChangeSet(*cloudformation.DescribeChangeSetInput) (*cloudformation.DescribeChangeSetOutput, error) {
	return &cloudformation.DescribeChangeSetOutput{
		Status:        types.ChangeSetStatusCreateComplete,
		ChangeSetName: aws.String(DefaultChangeSetName),
		Changes: []types.Change{{
			ResourceChange: &types.ResourceChange{
				LogicalResourceId: aws.String("Bucket"),
				PolicyAction:      types.PolicyActionReplaceAndDelete,
			},
		}},
	}, nil
}

func TestDeploySkipsUpToDateStack(t *testing.T) {
	f := deployedFake(bucketTemplate, types.StackStatusCreateComplete)

	outcome, err := DeployStack(context.Background(), testOptions(f, artifact(t, bucketTemplate)))
	require.NoError(t, err)

	assert.Equal(t, &DidDeploy{NoOp: true, Outputs: map[string]string{}, StackARN: stackARN}, outcome)
	assert.Zero(t, f.Called("CreateChangeSet"))
	assert.Zero(t, f.Called("UpdateStack"))
}

func TestDeploySkipCheckReasons(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status types.StackStatus
		modify func(*Options)
	}{
		{name: "forced", body: bucketTemplate, status: types.StackStatusCreateComplete, modify: func(o *Options) { o.Force = true }},
		{name: "no execute", body: bucketTemplate, status: types.StackStatusCreateComplete, modify: func(o *Options) {
			o.Method = ChangeSetDeployment{Execute: false}
		}},
		{name: "template changed", body: changedTemplate, status: types.StackStatusCreateComplete},
		{name: "tags changed", body: bucketTemplate, status: types.StackStatusCreateComplete, modify: func(o *Options) {
			o.Tags = []cfn.Tag{{Key: "team", Value: "storage"}}
		}},
		{name: "notification arns changed", body: bucketTemplate, status: types.StackStatusCreateComplete, modify: func(o *Options) {
			o.NotificationARNs = []string{"arn:aws:sns:us-east-1:123456789012:events"}
		}},
		{name: "termination protection changed", body: bucketTemplate, status: types.StackStatusCreateComplete, modify: func(o *Options) {
			o.Stack.TerminationProtection = true
		}},
		{name: "failed stack", body: bucketTemplate, status: types.StackStatusUpdateRollbackFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := deployedFake(bucketTemplate, tt.status)
			opts := testOptions(f, artifact(t, tt.body))
			if tt.modify != nil {
				tt.modify(&opts)
			}

			skip, err := canSkipDeploy(context.Background(), &opts, mustLookup(t, f), cfn.ParametersUnchanged)
			require.NoError(t, err)
			assert.False(t, skip)
		})
	}
}

func TestSkipCheckParameterChanges(t *testing.T) {
	f := deployedFake(bucketTemplate, types.StackStatusCreateComplete)
	opts := testOptions(f, artifact(t, bucketTemplate))
	stack := mustLookup(t, f)

	for _, change := range []cfn.ParameterChange{cfn.ParametersChanged, cfn.ParametersSSM} {
		skip, err := canSkipDeploy(context.Background(), &opts, stack, change)
		require.NoError(t, err)
		assert.False(t, skip, change.String())
	}

	skip, err := canSkipDeploy(context.Background(), &opts, stack, cfn.ParametersUnchanged)
	require.NoError(t, err)
	assert.True(t, skip)
}

func TestSkipCheckComparesTemplateBodies(t *testing.T) {
	deployedBody := `{"Resources":{"Bucket":{"Type":"AWS::S3::Bucket","Properties":{"Retention":5}}}}`

	tests := []struct {
		name string
		body string
		skip bool
	}{
		{"same body from yaml", "Resources:\n  Bucket:\n    Type: AWS::S3::Bucket\n    Properties:\n      Retention: 5\n", true},
		{"keys in another order", `{"Resources":{"Bucket":{"Properties":{"Retention":5},"Type":"AWS::S3::Bucket"}}}`, true},
		{"number became a string", `{"Resources":{"Bucket":{"Type":"AWS::S3::Bucket","Properties":{"Retention":"5"}}}}`, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := deployedFake(deployedBody, types.StackStatusUpdateComplete)
			opts := testOptions(f, artifact(t, tt.body))

			skip, err := canSkipDeploy(context.Background(), &opts, mustLookup(t, f), cfn.ParametersUnchanged)
			require.NoError(t, err)
			assert.Equal(t, tt.skip, skip)
		})
	}
}

func TestDeployDetectsChangedParameterValue(t *testing.T) {
	body := `{"Parameters":{"Env":{"Type":"String"}},"Resources":{"Bucket":{"Type":"AWS::S3::Bucket"}}}`
	deployed := cfntest.Stack("app", types.StackStatusCreateComplete)
	deployed.Parameters = []types.Parameter{{ParameterKey: aws.String("Env"), ParameterValue: aws.String("prod")}}

	f := &cfntest.Fake{Templates: map[string]string{"app": body}}
	f.SetStates("app", deployed)

	opts := testOptions(f, artifact(t, body))
	opts.Parameters = map[string]*string{"Env": aws.String("prod")}
	outcome, err := DeployStack(context.Background(), opts)
	require.NoError(t, err)
	assert.True(t, outcome.(*DidDeploy).NoOp)
	assert.Zero(t, f.Called("CreateChangeSet"))

	opts.Parameters = map[string]*string{"Env": aws.String("dev")}
	_, err = DeployStack(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, f.Called("CreateChangeSet"))
}

func TestDeployExecutesChangeSet(t *testing.T) {
	f := deployedFake(bucketTemplate, types.StackStatusUpdateComplete)
	var created *cloudformation.CreateChangeSetInput
	f.CreateChangeSetFunc = func(in *cloudformation.CreateChangeSetInput) (*cloudformation.CreateChangeSetOutput, error) {
		created = in
		return &cloudformation.CreateChangeSetOutput{}, nil
	}
	var executed *cloudformation.ExecuteChangeSetInput
	f.ExecuteChangeSetFunc = func(in *cloudformation.ExecuteChangeSetInput) (*cloudformation.ExecuteChangeSetOutput, error) {
		executed = in
		return &cloudformation.ExecuteChangeSetOutput{}, nil
	}

	opts := testOptions(f, artifact(t, changedTemplate))
	opts.Tags = []cfn.Tag{{Key: "team", Value: "storage"}}
	opts.RoleARN = "arn:aws:iam::123456789012:role/deploy"
	outcome, err := DeployStack(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, &DidDeploy{NoOp: false, Outputs: map[string]string{}, StackARN: stackARN}, outcome)

	require.NotNil(t, created)
	assert.Equal(t, types.ChangeSetTypeUpdate, created.ChangeSetType)
	assert.Equal(t, DefaultChangeSetName, aws.ToString(created.ChangeSetName))
	assert.True(t, strings.HasPrefix(aws.ToString(created.ClientToken), "create"))
	assert.True(t, strings.HasPrefix(aws.ToString(created.Description), "CDK Changeset for execution "))
	assert.NotNil(t, created.TemplateBody)
	assert.Nil(t, created.TemplateURL)
	assert.Equal(t, "arn:aws:iam::123456789012:role/deploy", aws.ToString(created.RoleARN))
	assert.Equal(t, []types.Tag{{Key: aws.String("team"), Value: aws.String("storage")}}, created.Tags)
	assert.ElementsMatch(t, []types.Capability{
		types.CapabilityCapabilityIam, types.CapabilityCapabilityNamedIam, types.CapabilityCapabilityAutoExpand,
	}, created.Capabilities)

	require.NotNil(t, executed)
	assert.True(t, strings.HasPrefix(aws.ToString(executed.ClientRequestToken), "exec"))
	assert.Nil(t, executed.DisableRollback)
	// The stale change set of the same name is removed first
	assert.Equal(t, 1, f.Called("DeleteChangeSet"))
}

func TestDeployWithoutChanges(t *testing.T) {
	f := deployedFake(bucketTemplate, types.StackStatusUpdateComplete)
	f.DescribeChangeSetFunc = func(*cloudformation.DescribeChangeSetInput) (*cloudformation.DescribeChangeSetOutput, error) {
		return &cloudformation.DescribeChangeSetOutput{
			Status:       types.ChangeSetStatusFailed,
			StatusReason: aws.String("The submitted information didn't contain changes. Submit different information to create a change set."),
			StackId:      aws.String(stackARN),
		}, nil
	}

	var logs bytes.Buffer
	opts := testOptions(f, artifact(t, bucketTemplate))
	opts.Force = true
	opts.Logger = zerolog.New(&logs)

	outcome, err := DeployStack(context.Background(), opts)
	require.NoError(t, err)

	assert.Equal(t, &DidDeploy{NoOp: true, Outputs: map[string]string{}, StackARN: stackARN}, outcome)
	assert.Zero(t, f.Called("ExecuteChangeSet"))
	// Cleanup of the stale one, then the empty one
	assert.Equal(t, 2, f.Called("DeleteChangeSet"))
	assert.Contains(t, logs.String(), "You used the --force flag")
}

func TestDeployNoExecute(t *testing.T) {
	f := deployedFake(bucketTemplate, types.StackStatusUpdateComplete)
	f.DescribeChangeSetFunc = func(*cloudformation.DescribeChangeSetInput) (*cloudformation.DescribeChangeSetOutput, error) {
		return &cloudformation.DescribeChangeSetOutput{
			Status:      types.ChangeSetStatusCreateComplete,
			ChangeSetId: aws.String("arn:aws:cloudformation:us-east-1:123456789012:changeSet/review/guid"),
			StackId:     aws.String(stackARN),
		}, nil
	}

	var out bytes.Buffer
	opts := testOptions(f, artifact(t, bucketTemplate))
	opts.Method = ChangeSetDeployment{Name: "review", Execute: false}
	opts.Out = &out

	outcome, err := DeployStack(context.Background(), opts)
	require.NoError(t, err)

	did := outcome.(*DidDeploy)
	assert.False(t, did.NoOp)
	assert.Equal(t, "arn:aws:cloudformation:us-east-1:123456789012:changeSet/review/guid", did.StackARN)
	assert.Zero(t, f.Called("ExecuteChangeSet"))
	assert.Contains(t, out.String(), "waiting in review for manual execution (--no-execute)")
}

func TestDeployRollbackGate(t *testing.T) {
	noRollback := false

	tests := []struct {
		name     string
		status   types.StackStatus
		rollback *bool
		replace  bool
		want     Outcome
	}{
		{
			name:    "paused failure with replacement",
			status:  types.StackStatusUpdateRollbackFailed,
			replace: true,
			want:    &NeedsRollbackFirst{Reason: ReasonReplacement},
		},
		{
			name:     "paused failure without rollback",
			status:   types.StackStatusUpdateFailed,
			rollback: &noRollback,
			want:     &NeedsRollbackFirst{Reason: ReasonNotNoRollback},
		},
		{
			name:     "replacement without rollback",
			status:   types.StackStatusUpdateComplete,
			rollback: &noRollback,
			replace:  true,
			want:     &ReplacementRequiresNoRollback{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := deployedFake(bucketTemplate, tt.status)
			if tt.replace {
				f.DescribeChangeSetFunc = replacingChangeSet
			}
			opts := testOptions(f, artifact(t, changedTemplate))
			opts.Rollback = tt.rollback

			outcome, err := DeployStack(context.Background(), opts)
			require.NoError(t, err)
			assert.Equal(t, tt.want, outcome)
			assert.Zero(t, f.Called("ExecuteChangeSet"))
		})
	}
}

func TestRollbackGateLetsSafeChangeSetsThrough(t *testing.T) {
	noRollback := false
	for _, status := range []types.StackStatus{types.StackStatusUpdateComplete, types.StackStatusUpdateRollbackComplete} {
		f := deployedFake(bucketTemplate, status)
		opts := testOptions(f, artifact(t, bucketTemplate))

		d := newFullDeployment(&opts, opts.waiter(), mustLookup(t, f), nil, bodyParameter{})
		cs, err := replacingChangeSet(nil)
		require.NoError(t, err)
		assert.Nil(t, d.rollbackGate(cs), status)

		opts.Rollback = &noRollback
		assert.Nil(t, d.rollbackGate(&cloudformation.DescribeChangeSetOutput{}), status)
	}
}

func TestDeployWithoutRollbackDisablesIt(t *testing.T) {
	f := deployedFake(bucketTemplate, types.StackStatusUpdateComplete)
	var executed *cloudformation.ExecuteChangeSetInput
	f.ExecuteChangeSetFunc = func(in *cloudformation.ExecuteChangeSetInput) (*cloudformation.ExecuteChangeSetOutput, error) {
		executed = in
		return &cloudformation.ExecuteChangeSetOutput{}, nil
	}

	noRollback := false
	opts := testOptions(f, artifact(t, changedTemplate))
	opts.Rollback = &noRollback

	_, err := DeployStack(context.Background(), opts)
	require.NoError(t, err)
	require.NotNil(t, executed)
	assert.True(t, aws.ToBool(executed.DisableRollback))
}

func TestDeployRecreatesStackThatFailedCreation(t *testing.T) {
	f := &cfntest.Fake{}
	f.DescribeStacksFunc = sequence(found(types.StackStatusRollbackComplete), missing, found(types.StackStatusCreateComplete))
	var created *cloudformation.CreateChangeSetInput
	f.CreateChangeSetFunc = func(in *cloudformation.CreateChangeSetInput) (*cloudformation.CreateChangeSetOutput, error) {
		created = in
		return &cloudformation.CreateChangeSetOutput{}, nil
	}

	outcome, err := DeployStack(context.Background(), testOptions(f, artifact(t, bucketTemplate)))
	require.NoError(t, err)

	assert.False(t, outcome.(*DidDeploy).NoOp)
	assert.Equal(t, 1, f.Called("DeleteStack"))
	require.NotNil(t, created)
	assert.Equal(t, types.ChangeSetTypeCreate, created.ChangeSetType)
	// No stale change set to clean up on a stack that is gone
	assert.Zero(t, f.Called("DeleteChangeSet"))
}

func TestDeployFailsWhenFailedStackCannotBeDeleted(t *testing.T) {
	f := &cfntest.Fake{}
	f.DescribeStacksFunc = sequence(found(types.StackStatusRollbackComplete), found(types.StackStatusDeleteFailed))

	_, err := DeployStack(context.Background(), testOptions(f, artifact(t, bucketTemplate)))
	require.Error(t, err)
	assert.Zero(t, f.Called("CreateChangeSet"))
}

func TestDirectDeployment(t *testing.T) {
	t.Run("create", func(t *testing.T) {
		f := &cfntest.Fake{}
		f.DescribeStacksFunc = sequence(missing, found(types.StackStatusCreateComplete))
		var created *cloudformation.CreateStackInput
		f.CreateStackFunc = func(in *cloudformation.CreateStackInput) (*cloudformation.CreateStackOutput, error) {
			created = in
			return &cloudformation.CreateStackOutput{}, nil
		}

		opts := testOptions(f, artifact(t, bucketTemplate))
		opts.Method = DirectDeployment{}
		opts.Stack.TerminationProtection = true

		outcome, err := DeployStack(context.Background(), opts)
		require.NoError(t, err)
		assert.Equal(t, &DidDeploy{NoOp: false, Outputs: map[string]string{}, StackARN: stackARN}, outcome)

		require.NotNil(t, created)
		assert.True(t, strings.HasPrefix(aws.ToString(created.ClientRequestToken), "create"))
		assert.True(t, aws.ToBool(created.EnableTerminationProtection))
		assert.Zero(t, f.Called("CreateChangeSet"))
	})

	t.Run("no updates", func(t *testing.T) {
		f := deployedFake(bucketTemplate, types.StackStatusUpdateComplete)
		f.UpdateStackFunc = func(*cloudformation.UpdateStackInput) (*cloudformation.UpdateStackOutput, error) {
			return nil, cfntest.NoUpdates()
		}

		opts := testOptions(f, artifact(t, changedTemplate))
		opts.Method = DirectDeployment{}

		outcome, err := DeployStack(context.Background(), opts)
		require.NoError(t, err)
		assert.Equal(t, &DidDeploy{NoOp: true, Outputs: map[string]string{}, StackARN: stackARN}, outcome)
	})

	t.Run("update enables termination protection first", func(t *testing.T) {
		f := deployedFake(bucketTemplate, types.StackStatusUpdateComplete)
		opts := testOptions(f, artifact(t, bucketTemplate))
		opts.Method = DirectDeployment{}
		opts.Stack.TerminationProtection = true

		_, err := DeployStack(context.Background(), opts)
		require.NoError(t, err)

		i := indexOf(f.Calls, "UpdateTerminationProtection")
		require.GreaterOrEqual(t, i, 0)
		assert.Less(t, i, indexOf(f.Calls, "UpdateStack"))
	})

	t.Run("imports need a change set", func(t *testing.T) {
		f := &cfntest.Fake{}
		opts := testOptions(f, artifact(t, bucketTemplate))
		opts.Method = DirectDeployment{}
		opts.ResourcesToImport = []types.ResourceToImport{{LogicalResourceId: aws.String("Bucket"), ResourceType: aws.String("AWS::S3::Bucket")}}

		_, err := DeployStack(context.Background(), opts)
		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Equal(t, "Importing resources requires a changeset deployment", cfgErr.Message)
	})
}

func TestDeployImportUsesImportChangeSet(t *testing.T) {
	f := &cfntest.Fake{}
	f.DescribeStacksFunc = sequence(missing, found(types.StackStatusImportComplete))
	var created *cloudformation.CreateChangeSetInput
	f.CreateChangeSetFunc = func(in *cloudformation.CreateChangeSetInput) (*cloudformation.CreateChangeSetOutput, error) {
		created = in
		return &cloudformation.CreateChangeSetOutput{}, nil
	}

	opts := testOptions(f, artifact(t, bucketTemplate))
	opts.ResourcesToImport = []types.ResourceToImport{{LogicalResourceId: aws.String("Bucket"), ResourceType: aws.String("AWS::S3::Bucket")}}

	_, err := DeployStack(context.Background(), opts)
	require.NoError(t, err)
	require.NotNil(t, created)
	assert.Equal(t, types.ChangeSetTypeImport, created.ChangeSetType)
}

func TestDeployStackDisappears(t *testing.T) {
	f := &cfntest.Fake{}

	_, err := DeployStack(context.Background(), testOptions(f, artifact(t, bucketTemplate)))
	var stackErr *StackError
	require.ErrorAs(t, err, &stackErr)
	assert.Equal(t, "Stack deploy failed (the stack disappeared while we were deploying it)", err.Error())
}

type recordingUploader struct {
	inputs []*s3.PutObjectInput
}

func (u *recordingUploader) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	u.inputs = append(u.inputs, in)
	return &s3.PutObjectOutput{}, nil
}

func largeTemplate() string {
	return fmt.Sprintf(`{"Description":%q,"Resources":{"Bucket":{"Type":"AWS::S3::Bucket"}}}`, strings.Repeat("x", maxTemplateBodySize))
}

func TestLargeTemplates(t *testing.T) {
	t.Run("without a bucket", func(t *testing.T) {
		f := &cfntest.Fake{}
		_, err := DeployStack(context.Background(), testOptions(f, artifact(t, largeTemplate())))

		var cfgErr *ConfigError
		require.ErrorAs(t, err, &cfgErr)
		assert.Contains(t, cfgErr.Message, "Templates larger than 50KiB must be uploaded to S3")
		assert.Zero(t, f.Called("CreateChangeSet"))
	})

	t.Run("uploaded to the toolkit bucket", func(t *testing.T) {
		f := &cfntest.Fake{}
		f.DescribeStacksFunc = sequence(missing, found(types.StackStatusCreateComplete))
		var created *cloudformation.CreateChangeSetInput
		f.CreateChangeSetFunc = func(in *cloudformation.CreateChangeSetInput) (*cloudformation.CreateChangeSetOutput, error) {
			created = in
			return &cloudformation.CreateChangeSetOutput{}, nil
		}
		uploader := &recordingUploader{}

		opts := testOptions(f, artifact(t, largeTemplate()))
		opts.ToolkitBucket = "toolkit"
		opts.Uploader = uploader

		_, err := DeployStack(context.Background(), opts)
		require.NoError(t, err)

		require.Len(t, uploader.inputs, 1)
		key := aws.ToString(uploader.inputs[0].Key)
		assert.True(t, strings.HasPrefix(key, "cdk/App/"))
		require.NotNil(t, created)
		assert.Nil(t, created.TemplateBody)
		assert.Equal(t, "https://s3.us-east-1.amazonaws.com/toolkit/"+key, aws.ToString(created.TemplateURL))
	})
}

func TestObjectURL(t *testing.T) {
	assert.Equal(t, "https://s3.eu-west-1.amazonaws.com/b/k", objectURL("eu-west-1", "b", "k"))
	assert.Equal(t, "https://s3.cn-north-1.amazonaws.com.cn/b/k", objectURL("cn-north-1", "b", "k"))
	assert.Equal(t, "https://s3.amazonaws.com/b/k", objectURL("", "b", "k"))
}

func TestDeployFailureCarriesMonitorReasons(t *testing.T) {
	f := deployedFake(bucketTemplate, types.StackStatusUpdateComplete)
	f.SetStates("app", cfntest.Stack("app", types.StackStatusUpdateComplete), cfntest.Stack("app", types.StackStatusUpdateRollbackComplete))

	later := time.Now().Add(time.Hour)
	failed := func(id string) types.StackEvent {
		return types.StackEvent{
			EventId:              aws.String(id),
			StackId:              aws.String(stackARN),
			StackName:            aws.String("app"),
			LogicalResourceId:    aws.String("Bucket"),
			PhysicalResourceId:   aws.String("uploads"),
			ResourceType:         aws.String("AWS::S3::Bucket"),
			ResourceStatus:       types.ResourceStatusUpdateFailed,
			ResourceStatusReason: aws.String("Access Denied"),
			Timestamp:            aws.Time(later),
		}
	}
	f.DescribeStackEventsFunc = func(*cloudformation.DescribeStackEventsInput) (*cloudformation.DescribeStackEventsOutput, error) {
		return &cloudformation.DescribeStackEventsOutput{StackEvents: []types.StackEvent{failed("e2"), failed("e1")}}, nil
	}

	out, err := os.Create(filepath.Join(t.TempDir(), "events.log"))
	require.NoError(t, err)
	defer out.Close()

	opts := testOptions(f, artifact(t, changedTemplate))
	opts.Quiet = false
	opts.Out = out

	_, err = DeployStack(context.Background(), opts)
	var stackErr *StackError
	require.ErrorAs(t, err, &stackErr)
	assert.Equal(t, []string{"Access Denied"}, stackErr.Reasons)
	assert.True(t, strings.HasSuffix(err.Error(), "UPDATE_ROLLBACK_COMPLETE: Access Denied"), err.Error())
}

type recordingAgent struct {
	agents []string
}

func (a *recordingAgent) AppendCustomUserAgent(agent string) {
	a.agents = append(a.agents, agent)
}

func TestDeployHotswap(t *testing.T) {
	t.Run("needs clients", func(t *testing.T) {
		f := deployedFake(bucketTemplate, types.StackStatusUpdateComplete)
		opts := testOptions(f, artifact(t, changedTemplate))
		opts.Hotswap = hotswap.FallBack

		_, err := DeployStack(context.Background(), opts)
		var cfgErr *ConfigError
		assert.ErrorAs(t, err, &cfgErr)
	})

	t.Run("falls back to a full deployment", func(t *testing.T) {
		f := deployedFake(bucketTemplate, types.StackStatusUpdateComplete)
		agent := &recordingAgent{}
		var out bytes.Buffer

		opts := testOptions(f, artifact(t, changedTemplate))
		opts.Hotswap = hotswap.FallBack
		opts.HotswapClients = &hotswap.Clients{}
		opts.UserAgent = agent
		opts.Out = &out

		outcome, err := DeployStack(context.Background(), opts)
		require.NoError(t, err)
		assert.False(t, outcome.(*DidDeploy).NoOp)
		assert.Equal(t, 1, f.Called("ExecuteChangeSet"))
		assert.Contains(t, out.String(), "Falling back to doing a full deployment")
		assert.Equal(t, []string{"cdk-hotswap/fallback"}, agent.agents)
	})

	t.Run("hotswap only never deploys", func(t *testing.T) {
		f := deployedFake(bucketTemplate, types.StackStatusUpdateComplete)

		opts := testOptions(f, artifact(t, changedTemplate))
		opts.Hotswap = hotswap.HotswapOnly
		opts.HotswapClients = &hotswap.Clients{}

		outcome, err := DeployStack(context.Background(), opts)
		require.NoError(t, err)
		assert.Equal(t, &DidDeploy{NoOp: true, Outputs: map[string]string{}, StackARN: stackARN}, outcome)
		assert.Zero(t, f.Called("CreateChangeSet"))
	})

	t.Run("skipped without changes", func(t *testing.T) {
		f := deployedFake(bucketTemplate, types.StackStatusUpdateComplete)
		var out bytes.Buffer

		opts := testOptions(f, artifact(t, bucketTemplate))
		opts.Hotswap = hotswap.HotswapOnly
		opts.Out = &out

		_, err := DeployStack(context.Background(), opts)
		require.NoError(t, err)
		assert.Contains(t, out.String(), "hotswap deployment skipped - no changes were detected")
	})
}

type assetRecorder struct {
	published []string
	err       error
}

func (a *assetRecorder) PublishAssets(_ context.Context, stack *assembly.StackArtifact, _ bool) error {
	a.published = append(a.published, stack.ID)
	return a.err
}

func TestDeployPublishesAssetsBeforeDeploying(t *testing.T) {
	f := deployedFake(bucketTemplate, types.StackStatusUpdateComplete)
	assets := &assetRecorder{err: errors.New("docker is not running")}

	opts := testOptions(f, artifact(t, changedTemplate))
	opts.AssetPublisher = assets

	_, err := DeployStack(context.Background(), opts)
	require.ErrorContains(t, err, "docker is not running")
	assert.Equal(t, []string{"App"}, assets.published)
	assert.Zero(t, f.Called("CreateChangeSet"))
}

func TestDestroyStack(t *testing.T) {
	t.Run("missing stack", func(t *testing.T) {
		f := &cfntest.Fake{}
		require.NoError(t, DestroyStack(context.Background(), testOptions(f, artifact(t, bucketTemplate))))
		assert.Zero(t, f.Called("DeleteStack"))
	})

	t.Run("deleted", func(t *testing.T) {
		f := &cfntest.Fake{}
		f.DescribeStacksFunc = sequence(found(types.StackStatusUpdateComplete), found(types.StackStatusDeleteInProgress), missing)
		var deleted *cloudformation.DeleteStackInput
		f.DeleteStackFunc = func(in *cloudformation.DeleteStackInput) (*cloudformation.DeleteStackOutput, error) {
			deleted = in
			return &cloudformation.DeleteStackOutput{}, nil
		}

		opts := testOptions(f, artifact(t, bucketTemplate))
		opts.RoleARN = "arn:aws:iam::123456789012:role/deploy"
		require.NoError(t, DestroyStack(context.Background(), opts))

		require.NotNil(t, deleted)
		assert.Equal(t, "arn:aws:iam::123456789012:role/deploy", aws.ToString(deleted.RoleARN))
	})

	t.Run("delete failed", func(t *testing.T) {
		f := &cfntest.Fake{}
		f.DescribeStacksFunc = sequence(found(types.StackStatusUpdateComplete), found(types.StackStatusDeleteFailed))

		err := DestroyStack(context.Background(), testOptions(f, artifact(t, bucketTemplate)))
		require.Error(t, err)
		assert.True(t, strings.HasPrefix(err.Error(), "Failed to destroy app: "))
	})
}

func TestCompareTags(t *testing.T) {
	a := []cfn.Tag{{Key: "team", Value: "storage"}, {Key: "env", Value: "prod"}}

	assert.True(t, compareTags(a, []cfn.Tag{{Key: "env", Value: "prod"}, {Key: "team", Value: "storage"}}))
	assert.False(t, compareTags(a, []cfn.Tag{{Key: "env", Value: "dev"}, {Key: "team", Value: "storage"}}))
	assert.False(t, compareTags(a, a[:1]))
	assert.True(t, compareTags(nil, []cfn.Tag{}))
}

func TestSetEquals(t *testing.T) {
	assert.True(t, setEquals([]string{"a", "b"}, []string{"b", "a"}))
	assert.True(t, setEquals(nil, []string{}))
	assert.False(t, setEquals([]string{"a"}, []string{"a", "b"}))
}

func TestMergeParameters(t *testing.T) {
	merged := mergeParameters(
		map[string]string{"AssetBucket": "assets", "Env": "prod"},
		map[string]*string{"Env": aws.String("dev"), "Unset": nil},
	)

	assert.Equal(t, "assets", aws.ToString(merged["AssetBucket"]))
	assert.Equal(t, "dev", aws.ToString(merged["Env"]))
	assert.Contains(t, merged, "Unset")
	assert.Nil(t, merged["Unset"])
}

func TestStackErrorMessage(t *testing.T) {
	err := &StackError{Err: errors.New("deploy failed"), Reasons: distinct([]string{"a", "b", "a"})}
	assert.Equal(t, "deploy failed: a, b", err.Error())
	assert.Equal(t, "deploy failed", (&StackError{Err: errors.New("deploy failed")}).Error())
}

func mustLookup(t *testing.T, f *cfntest.Fake) *cfn.Stack {
	t.Helper()
	stack, err := cfn.LookupStack(context.Background(), f, "app")
	require.NoError(t, err)
	return stack
}

func indexOf(calls []string, method string) int {
	for i, c := range calls {
		if c == method {
			return i
		}
	}
	return -1
}
