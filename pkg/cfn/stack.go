package cfn

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"

	"cdk-reconciler/pkg/template"
)

// Tag is a stack tag
type Tag struct {
	Key   string
	Value string
}

// Stack is a snapshot of a deployed stack taken by LookupStack. A snapshot
// for a missing stack answers every getter with an empty value.
type Stack struct {
	client    API
	stackName string
	stack     *types.Stack

	templateOnce sync.Once
	template     template.Template
	templateErr  error
}

// LookupStack describes a stack. A missing stack is not an error: the
// returned snapshot reports Exists() == false.
func LookupStack(ctx context.Context, client API, stackName string) (*Stack, error) {
	output, err := client.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(stackName),
	})
	if err != nil {
		if errors.Is(Classify(err), ErrStackNotFound) {
			return StackDoesNotExist(client, stackName), nil
		}
		return nil, fmt.Errorf("failed to describe stack %s: %w", stackName, err)
	}
	if len(output.Stacks) == 0 {
		return StackDoesNotExist(client, stackName), nil
	}

	stack := output.Stacks[0]
	return &Stack{client: client, stackName: stackName, stack: &stack}, nil
}

// StackDoesNotExist returns the snapshot of a stack that is not deployed
func StackDoesNotExist(client API, stackName string) *Stack {
	return &Stack{client: client, stackName: stackName}
}

// Exists reports whether the stack is deployed
func (s *Stack) Exists() bool {
	return s.stack != nil
}

// StackName returns the requested stack name
func (s *Stack) StackName() string {
	return s.stackName
}

// StackID returns the stack ARN. It fails for a stack that does not exist.
func (s *Stack) StackID() (string, error) {
	if !s.Exists() {
		return "", fmt.Errorf("No stack named '%s'", s.stackName)
	}
	return aws.ToString(s.stack.StackId), nil
}

// Status returns the stack status, StatusNotFound for a missing stack
func (s *Stack) Status() StackStatus {
	if !s.Exists() {
		return StackStatus{Name: StatusNotFound}
	}
	return NewStackStatus(s.stack.StackStatus, aws.ToString(s.stack.StackStatusReason))
}

// Outputs returns the stack outputs keyed by output name
func (s *Stack) Outputs() map[string]string {
	out := map[string]string{}
	if !s.Exists() {
		return out
	}
	for _, o := range s.stack.Outputs {
		out[aws.ToString(o.OutputKey)] = aws.ToString(o.OutputValue)
	}
	return out
}

// Tags returns the stack tags in provider order
func (s *Stack) Tags() []Tag {
	if !s.Exists() {
		return nil
	}
	tags := make([]Tag, 0, len(s.stack.Tags))
	for _, t := range s.stack.Tags {
		tags = append(tags, Tag{Key: aws.ToString(t.Key), Value: aws.ToString(t.Value)})
	}
	return tags
}

// NotificationARNs returns the SNS topics the stack publishes events to
func (s *Stack) NotificationARNs() []string {
	if !s.Exists() {
		return nil
	}
	return append([]string(nil), s.stack.NotificationARNs...)
}

// TerminationProtection reports whether termination protection is enabled
func (s *Stack) TerminationProtection() bool {
	if !s.Exists() {
		return false
	}
	return aws.ToBool(s.stack.EnableTerminationProtection)
}

// Parameters returns the resolved parameter values of the stack. SSM backed
// parameters report the value they resolved to.
func (s *Stack) Parameters() map[string]string {
	out := map[string]string{}
	if !s.Exists() {
		return out
	}
	for _, p := range s.stack.Parameters {
		value := p.ParameterValue
		if p.ResolvedValue != nil {
			value = p.ResolvedValue
		}
		out[aws.ToString(p.ParameterKey)] = aws.ToString(value)
	}
	return out
}

// Template fetches the original deployed template once and caches it
func (s *Stack) Template(ctx context.Context) (template.Template, error) {
	if !s.Exists() {
		return template.Template{}, nil
	}

	s.templateOnce.Do(func() {
		output, err := s.client.GetTemplate(ctx, &cloudformation.GetTemplateInput{
			StackName:     aws.String(s.stackName),
			TemplateStage: types.TemplateStageOriginal,
		})
		if err != nil {
			s.templateErr = fmt.Errorf("failed to get template of stack %s: %w", s.stackName, err)
			return
		}
		s.template, s.templateErr = template.Parse(aws.ToString(output.TemplateBody))
	})

	return s.template, s.templateErr
}
