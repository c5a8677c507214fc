package hotswap

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdk-reconciler/pkg/template"
)

func lambdaFunction(env string, extra map[string]any) map[string]any {
	props := map[string]any{
		"Code":        map[string]any{"S3Bucket": "assets", "S3Key": "code.zip"},
		"Runtime":     "nodejs18.x",
		"Environment": map[string]any{"Variables": map[string]any{"STAGE": env}},
	}
	for k, v := range extra {
		props[k] = v
	}
	return resource("AWS::Lambda::Function", props)
}

func classify(t *testing.T, oldTpl, newTpl template.Template, pairs ...string) *Classification {
	t.Helper()
	eval := newTestEvaluator(deployed(pairs...), newTpl)
	result, err := NewClassifier(PropertyOverrides{}).Classify(context.Background(), template.FullDiff(oldTpl, newTpl), eval, nil)
	require.NoError(t, err)
	return result
}

func TestLambdaEnvironmentChangeIsHotswappable(t *testing.T) {
	oldTpl := resources(map[string]any{"Foo": lambdaFunction("dev", nil)})
	newTpl := resources(map[string]any{"Foo": lambdaFunction("prod", nil)})

	result := classify(t, oldTpl, newTpl, "Foo", "foo-function")

	assert.Empty(t, result.NonHotswappable)
	require.Len(t, result.Hotswappable, 1)
	change := result.Hotswappable[0]
	assert.Equal(t, []string{"Environment"}, change.PropsChanged)
	assert.Equal(t, "lambda", change.Service)
	assert.Equal(t, []string{"Lambda Function 'foo-function'"}, change.ResourceNames)

	clients := newFakeClients()
	require.NoError(t, change.Apply(context.Background(), clients.Clients))
	require.Len(t, clients.lambda.configInputs, 1)
	assert.Equal(t, "prod", clients.lambda.configInputs[0].Environment.Variables["STAGE"])
	assert.Equal(t, []string{"UpdateFunctionConfiguration", "GetFunctionConfiguration"}, clients.lambda.Calls())
}

func TestUnsupportedResourceType(t *testing.T) {
	oldTpl := resources(map[string]any{"Bar": resource("AWS::EC2::Instance", map[string]any{"InstanceType": "t3.micro"})})
	newTpl := resources(map[string]any{"Bar": resource("AWS::EC2::Instance", map[string]any{"InstanceType": "t3.large"})})

	result := classify(t, oldTpl, newTpl)

	assert.Empty(t, result.Hotswappable)
	require.Len(t, result.NonHotswappable, 1)
	change := result.NonHotswappable[0]
	assert.Equal(t, "Bar", change.LogicalID)
	assert.Contains(t, change.Reason, "not supported for hotswap")
	assert.Equal(t, []string{"InstanceType"}, change.RejectedChanges)
	assert.True(t, change.HotswapOnlyVisible)
}

func TestAnyRejectedPropertyRejectsTheWholeResource(t *testing.T) {
	oldTpl := resources(map[string]any{"Foo": lambdaFunction("dev", map[string]any{"Handler": "a.handler"})})
	newTpl := resources(map[string]any{"Foo": lambdaFunction("prod", map[string]any{"Handler": "b.handler"})})

	result := classify(t, oldTpl, newTpl, "Foo", "foo-function")

	assert.Empty(t, result.Hotswappable)
	require.Len(t, result.NonHotswappable, 1)
	assert.Equal(t, []string{"Handler"}, result.NonHotswappable[0].RejectedChanges)
	assert.Equal(t, "resource properties 'Handler' are not hotswappable on this resource type", result.NonHotswappable[0].Reason)
}

func TestStructuralChangesAreNeverHotswappable(t *testing.T) {
	oldTpl := resources(map[string]any{
		"Gone":    resource("AWS::SNS::Topic", map[string]any{"TopicName": "old"}),
		"Retyped": resource("AWS::SQS::Queue", nil),
	})
	newTpl := resources(map[string]any{
		"Added":   resource("AWS::Lambda::Function", map[string]any{"Runtime": "nodejs18.x"}),
		"Retyped": resource("AWS::SNS::Topic", nil),
	})
	newTpl["Outputs"] = map[string]any{"Url": map[string]any{"Value": "x"}}

	result := classify(t, oldTpl, newTpl)

	assert.Empty(t, result.Hotswappable)
	reasons := map[string]string{}
	for _, c := range result.NonHotswappable {
		reasons[c.LogicalID] = c.Reason
		assert.Empty(t, c.RejectedChanges, c.LogicalID)
		assert.False(t, c.HotswapOnlyVisible, c.LogicalID)
	}
	assert.Equal(t, map[string]string{
		"Url":     "output was changed",
		"Added":   "resource 'Added' was created by this deployment",
		"Gone":    "resource 'Gone' was destroyed by this deployment",
		"Retyped": "resource 'Retyped' had its type changed from 'AWS::SQS::Queue' to 'AWS::SNS::Topic'",
	}, reasons)
}

func TestRenamedResourceCollapsesIntoOneChange(t *testing.T) {
	props := map[string]any{"VisibilityTimeout": 30}
	oldTpl := resources(map[string]any{"A": resource("AWS::SQS::Queue", props)})
	newTpl := resources(map[string]any{"B": resource("AWS::SQS::Queue", props)})

	diff := template.FullDiff(oldTpl, newTpl)
	collapsed := collapseRenames(diff.Resources)

	require.Len(t, collapsed, 1)
	require.Contains(t, collapsed, "B")
	assert.True(t, collapsed["B"].IsUpdate())
	assert.Equal(t, oldTpl.Resources()["A"], collapsed["B"].OldValue.Raw)

	// Collapsing again does not change anything
	assert.Equal(t, collapsed, collapseRenames(collapsed))

	result := classify(t, oldTpl, newTpl)
	require.Len(t, result.NonHotswappable, 1)
	assert.Equal(t, "B", result.NonHotswappable[0].LogicalID)
}

func TestRenameRequiresIdenticalProperties(t *testing.T) {
	oldTpl := resources(map[string]any{"A": resource("AWS::SQS::Queue", map[string]any{"VisibilityTimeout": 30})})
	newTpl := resources(map[string]any{"B": resource("AWS::SQS::Queue", map[string]any{"VisibilityTimeout": 60})})

	collapsed := collapseRenames(template.FullDiff(oldTpl, newTpl).Resources)
	assert.Len(t, collapsed, 2)
}

func TestMetadataResourcesAreDropped(t *testing.T) {
	oldTpl := resources(map[string]any{"CDKMetadata": resource("AWS::CDK::Metadata", map[string]any{"Analytics": "v1"})})
	newTpl := resources(map[string]any{"CDKMetadata": resource("AWS::CDK::Metadata", map[string]any{"Analytics": "v2"})})

	result := classify(t, oldTpl, newTpl)
	assert.Empty(t, result.Hotswappable)
	assert.Empty(t, result.NonHotswappable)
}

func TestNewNestedStackCannotBeHotswapped(t *testing.T) {
	oldTpl := resources(map[string]any{"N": resource("AWS::CloudFormation::Stack", map[string]any{"TemplateURL": "a"})})
	newTpl := resources(map[string]any{"N": resource("AWS::CloudFormation::Stack", map[string]any{"TemplateURL": "b"})})

	result := classify(t, oldTpl, newTpl)

	require.Len(t, result.NonHotswappable, 1)
	assert.Equal(t, "AWS::CloudFormation::Stack", result.NonHotswappable[0].ResourceType)
	assert.Contains(t, result.NonHotswappable[0].Reason, "newly created nested stack")
	assert.Equal(t, []string{}, result.NonHotswappable[0].RejectedChanges)
	assert.False(t, result.NonHotswappable[0].HotswapOnlyVisible)
}

func TestNestedStackChangesAreClassifiedRecursively(t *testing.T) {
	parentOld := resources(map[string]any{"N": resource("AWS::CloudFormation::Stack", map[string]any{"TemplateURL": "a"})})
	parentNew := resources(map[string]any{"N": resource("AWS::CloudFormation::Stack", map[string]any{
		"TemplateURL": "b",
		"Parameters":  map[string]any{"Stage": "prod"},
	})})
	nested := map[string]*NestedStackTemplates{
		"N": {
			PhysicalName:      "app-N-ABC",
			DeployedTemplate:  resources(map[string]any{"Fn": lambdaFunction("dev", nil)}),
			GeneratedTemplate: resources(map[string]any{"Fn": lambdaFunction("prod", nil)}),
		},
	}

	eval := newTestEvaluator(deployed("Fn", "nested-function"), parentNew)
	result, err := NewClassifier(PropertyOverrides{}).Classify(context.Background(), template.FullDiff(parentOld, parentNew), eval, nested)
	require.NoError(t, err)

	assert.Empty(t, result.NonHotswappable)
	require.Len(t, result.Hotswappable, 1)
	assert.Equal(t, []string{"Lambda Function 'nested-function'"}, result.Hotswappable[0].ResourceNames)
}

func TestEveryChangeIsAccountedFor(t *testing.T) {
	oldTpl := resources(map[string]any{
		"Fn":    lambdaFunction("dev", nil),
		"Queue": resource("AWS::SQS::Queue", map[string]any{"DelaySeconds": 1}),
		"Topic": resource("AWS::SNS::Topic", nil),
	})
	newTpl := resources(map[string]any{
		"Fn":     lambdaFunction("prod", nil),
		"Queue":  resource("AWS::SQS::Queue", map[string]any{"DelaySeconds": 2}),
		"Bucket": resource("AWS::S3::Bucket", nil),
	})
	newTpl["Outputs"] = map[string]any{"Out": map[string]any{"Value": "1"}}

	result := classify(t, oldTpl, newTpl, "Fn", "fn")

	assert.Len(t, result.Hotswappable, 1)
	ids := map[string]bool{}
	for _, c := range result.NonHotswappable {
		ids[c.LogicalID] = true
	}
	assert.Equal(t, map[string]bool{"Queue": true, "Topic": true, "Bucket": true, "Out": true}, ids)
}
