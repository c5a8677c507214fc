// Package cfntest provides an in-memory CloudFormation client for tests.
package cfntest

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/smithy-go"

	"cdk-reconciler/pkg/cfn"
)

var _ cfn.API = (*Fake)(nil)

// Fake implements cfn.API. Every method records its name in Calls and
// delegates to the matching Func field when set; otherwise it returns an
// empty output.
//
// DescribeStacks has a default behaviour: it pops the next entry of
// StackStates[name] (the last entry repeats) and reports a missing stack
// when there is none.
type Fake struct {
	mu    sync.Mutex
	Calls []string

	StackStates map[string][]types.Stack
	Templates   map[string]string

	DescribeStacksFunc                    func(*cloudformation.DescribeStacksInput) (*cloudformation.DescribeStacksOutput, error)
	GetTemplateFunc                       func(*cloudformation.GetTemplateInput) (*cloudformation.GetTemplateOutput, error)
	CreateStackFunc                       func(*cloudformation.CreateStackInput) (*cloudformation.CreateStackOutput, error)
	UpdateStackFunc                       func(*cloudformation.UpdateStackInput) (*cloudformation.UpdateStackOutput, error)
	DeleteStackFunc                       func(*cloudformation.DeleteStackInput) (*cloudformation.DeleteStackOutput, error)
	UpdateTerminationProtectionFunc       func(*cloudformation.UpdateTerminationProtectionInput) (*cloudformation.UpdateTerminationProtectionOutput, error)
	CreateChangeSetFunc                   func(*cloudformation.CreateChangeSetInput) (*cloudformation.CreateChangeSetOutput, error)
	DescribeChangeSetFunc                 func(*cloudformation.DescribeChangeSetInput) (*cloudformation.DescribeChangeSetOutput, error)
	ExecuteChangeSetFunc                  func(*cloudformation.ExecuteChangeSetInput) (*cloudformation.ExecuteChangeSetOutput, error)
	DeleteChangeSetFunc                   func(*cloudformation.DeleteChangeSetInput) (*cloudformation.DeleteChangeSetOutput, error)
	DescribeStackEventsFunc               func(*cloudformation.DescribeStackEventsInput) (*cloudformation.DescribeStackEventsOutput, error)
	ListStackResourcesFunc                func(*cloudformation.ListStackResourcesInput) (*cloudformation.ListStackResourcesOutput, error)
	ListExportsFunc                       func(*cloudformation.ListExportsInput) (*cloudformation.ListExportsOutput, error)
	DetectStackDriftFunc                  func(*cloudformation.DetectStackDriftInput) (*cloudformation.DetectStackDriftOutput, error)
	DescribeStackDriftDetectionStatusFunc func(*cloudformation.DescribeStackDriftDetectionStatusInput) (*cloudformation.DescribeStackDriftDetectionStatusOutput, error)
	DescribeStackResourceDriftsFunc       func(*cloudformation.DescribeStackResourceDriftsInput) (*cloudformation.DescribeStackResourceDriftsOutput, error)
}

// NotFound returns the error CloudFormation answers for a missing stack
func NotFound(stackName string) error {
	return &smithy.GenericAPIError{
		Code:    "ValidationError",
		Message: fmt.Sprintf("Stack with id %s does not exist", stackName),
	}
}

// NoUpdates returns the error UpdateStack answers when nothing changed
func NoUpdates() error {
	return &smithy.GenericAPIError{Code: "ValidationError", Message: "No updates are to be performed."}
}

// Stack builds a stack description with the given status
func Stack(name string, status types.StackStatus) types.Stack {
	return types.Stack{
		StackName:   aws.String(name),
		StackId:     aws.String("arn:aws:cloudformation:us-east-1:123456789012:stack/" + name + "/guid"),
		StackStatus: status,
	}
}

// SetStates replaces the sequence of descriptions returned for a stack
func (f *Fake) SetStates(name string, states ...types.Stack) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.StackStates == nil {
		f.StackStates = map[string][]types.Stack{}
	}
	f.StackStates[name] = states
}

// Called reports how many times a method was invoked
func (f *Fake) Called(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.Calls {
		if c == method {
			n++
		}
	}
	return n
}

func (f *Fake) record(method string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Calls = append(f.Calls, method)
}

func (f *Fake) DescribeStacks(_ context.Context, in *cloudformation.DescribeStacksInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeStacksOutput, error) {
	f.record("DescribeStacks")
	if f.DescribeStacksFunc != nil {
		return f.DescribeStacksFunc(in)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	name := aws.ToString(in.StackName)
	states := f.StackStates[name]
	if len(states) == 0 {
		return nil, NotFound(name)
	}
	current := states[0]
	if len(states) > 1 {
		f.StackStates[name] = states[1:]
	}
	return &cloudformation.DescribeStacksOutput{Stacks: []types.Stack{current}}, nil
}

func (f *Fake) GetTemplate(_ context.Context, in *cloudformation.GetTemplateInput, _ ...func(*cloudformation.Options)) (*cloudformation.GetTemplateOutput, error) {
	f.record("GetTemplate")
	if f.GetTemplateFunc != nil {
		return f.GetTemplateFunc(in)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return &cloudformation.GetTemplateOutput{TemplateBody: aws.String(f.Templates[aws.ToString(in.StackName)])}, nil
}

func (f *Fake) CreateStack(_ context.Context, in *cloudformation.CreateStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.CreateStackOutput, error) {
	f.record("CreateStack")
	if f.CreateStackFunc != nil {
		return f.CreateStackFunc(in)
	}
	return &cloudformation.CreateStackOutput{}, nil
}

func (f *Fake) UpdateStack(_ context.Context, in *cloudformation.UpdateStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.UpdateStackOutput, error) {
	f.record("UpdateStack")
	if f.UpdateStackFunc != nil {
		return f.UpdateStackFunc(in)
	}
	return &cloudformation.UpdateStackOutput{}, nil
}

func (f *Fake) DeleteStack(_ context.Context, in *cloudformation.DeleteStackInput, _ ...func(*cloudformation.Options)) (*cloudformation.DeleteStackOutput, error) {
	f.record("DeleteStack")
	if f.DeleteStackFunc != nil {
		return f.DeleteStackFunc(in)
	}
	return &cloudformation.DeleteStackOutput{}, nil
}

func (f *Fake) UpdateTerminationProtection(_ context.Context, in *cloudformation.UpdateTerminationProtectionInput, _ ...func(*cloudformation.Options)) (*cloudformation.UpdateTerminationProtectionOutput, error) {
	f.record("UpdateTerminationProtection")
	if f.UpdateTerminationProtectionFunc != nil {
		return f.UpdateTerminationProtectionFunc(in)
	}
	return &cloudformation.UpdateTerminationProtectionOutput{}, nil
}

func (f *Fake) CreateChangeSet(_ context.Context, in *cloudformation.CreateChangeSetInput, _ ...func(*cloudformation.Options)) (*cloudformation.CreateChangeSetOutput, error) {
	f.record("CreateChangeSet")
	if f.CreateChangeSetFunc != nil {
		return f.CreateChangeSetFunc(in)
	}
	return &cloudformation.CreateChangeSetOutput{}, nil
}

func (f *Fake) DescribeChangeSet(_ context.Context, in *cloudformation.DescribeChangeSetInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeChangeSetOutput, error) {
	f.record("DescribeChangeSet")
	if f.DescribeChangeSetFunc != nil {
		return f.DescribeChangeSetFunc(in)
	}
	return &cloudformation.DescribeChangeSetOutput{Status: types.ChangeSetStatusCreateComplete}, nil
}

func (f *Fake) ExecuteChangeSet(_ context.Context, in *cloudformation.ExecuteChangeSetInput, _ ...func(*cloudformation.Options)) (*cloudformation.ExecuteChangeSetOutput, error) {
	f.record("ExecuteChangeSet")
	if f.ExecuteChangeSetFunc != nil {
		return f.ExecuteChangeSetFunc(in)
	}
	return &cloudformation.ExecuteChangeSetOutput{}, nil
}

func (f *Fake) DeleteChangeSet(_ context.Context, in *cloudformation.DeleteChangeSetInput, _ ...func(*cloudformation.Options)) (*cloudformation.DeleteChangeSetOutput, error) {
	f.record("DeleteChangeSet")
	if f.DeleteChangeSetFunc != nil {
		return f.DeleteChangeSetFunc(in)
	}
	return &cloudformation.DeleteChangeSetOutput{}, nil
}

func (f *Fake) DescribeStackEvents(_ context.Context, in *cloudformation.DescribeStackEventsInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeStackEventsOutput, error) {
	f.record("DescribeStackEvents")
	if f.DescribeStackEventsFunc != nil {
		return f.DescribeStackEventsFunc(in)
	}
	return &cloudformation.DescribeStackEventsOutput{}, nil
}

func (f *Fake) ListStackResources(_ context.Context, in *cloudformation.ListStackResourcesInput, _ ...func(*cloudformation.Options)) (*cloudformation.ListStackResourcesOutput, error) {
	f.record("ListStackResources")
	if f.ListStackResourcesFunc != nil {
		return f.ListStackResourcesFunc(in)
	}
	return &cloudformation.ListStackResourcesOutput{}, nil
}

func (f *Fake) ListExports(_ context.Context, in *cloudformation.ListExportsInput, _ ...func(*cloudformation.Options)) (*cloudformation.ListExportsOutput, error) {
	f.record("ListExports")
	if f.ListExportsFunc != nil {
		return f.ListExportsFunc(in)
	}
	return &cloudformation.ListExportsOutput{}, nil
}

func (f *Fake) DetectStackDrift(_ context.Context, in *cloudformation.DetectStackDriftInput, _ ...func(*cloudformation.Options)) (*cloudformation.DetectStackDriftOutput, error) {
	f.record("DetectStackDrift")
	if f.DetectStackDriftFunc != nil {
		return f.DetectStackDriftFunc(in)
	}
	return &cloudformation.DetectStackDriftOutput{StackDriftDetectionId: aws.String("detection")}, nil
}

func (f *Fake) DescribeStackDriftDetectionStatus(_ context.Context, in *cloudformation.DescribeStackDriftDetectionStatusInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeStackDriftDetectionStatusOutput, error) {
	f.record("DescribeStackDriftDetectionStatus")
	if f.DescribeStackDriftDetectionStatusFunc != nil {
		return f.DescribeStackDriftDetectionStatusFunc(in)
	}
	return &cloudformation.DescribeStackDriftDetectionStatusOutput{
		DetectionStatus:  types.StackDriftDetectionStatusDetectionComplete,
		StackDriftStatus: types.StackDriftStatusInSync,
	}, nil
}

func (f *Fake) DescribeStackResourceDrifts(_ context.Context, in *cloudformation.DescribeStackResourceDriftsInput, _ ...func(*cloudformation.Options)) (*cloudformation.DescribeStackResourceDriftsOutput, error) {
	f.record("DescribeStackResourceDrifts")
	if f.DescribeStackResourceDriftsFunc != nil {
		return f.DescribeStackResourceDriftsFunc(in)
	}
	return &cloudformation.DescribeStackResourceDriftsOutput{}, nil
}
