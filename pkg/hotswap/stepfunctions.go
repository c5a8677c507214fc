package hotswap

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sfn"

	"cdk-reconciler/pkg/evaluate"
)

const stateMachineType = "AWS::StepFunctions::StateMachine"

func detectStateMachine(ctx context.Context, change *Change, eval *evaluate.Evaluator) ([]ClassifiedChange, error) {
	props, rejected := classifyProperties(change, "Definition", "DefinitionString")
	if rejected != nil {
		return []ClassifiedChange{rejected}, nil
	}
	if len(props) == 0 {
		return nil, nil
	}

	var arn string
	if name := change.NewValue.Property("StateMachineName"); name != nil {
		n, err := eval.EvaluateString(ctx, name)
		if err != nil {
			return nil, err
		}
		arn = fmt.Sprintf("arn:%s:states:%s:%s:stateMachine:%s", eval.Partition(), eval.Region(), eval.Account(), n)
	} else {
		physical, err := eval.FindPhysicalNameFor(ctx, change.LogicalID)
		if err != nil {
			return nil, err
		}
		arn = physical
	}

	name := arn
	if parts := strings.Split(arn, ":"); len(parts) > 6 {
		name = parts[6]
	}

	return []ClassifiedChange{&Hotswappable{
		ResourceType:  stateMachineType,
		PropsChanged:  props,
		Service:       "stepfunctions-service",
		ResourceNames: []string{fmt.Sprintf("%s '%s'", stateMachineType, name)},
		Apply: func(ctx context.Context, clients *Clients) error {
			if arn == "" {
				return nil
			}
			definition, err := stateMachineDefinition(ctx, change, eval)
			if err != nil {
				return err
			}
			// Properties left out of the request stay unchanged
			_, err = clients.StepFunctions.UpdateStateMachine(ctx, &sfn.UpdateStateMachineInput{
				StateMachineArn: aws.String(arn),
				Definition:      aws.String(definition),
			})
			if err != nil {
				return fmt.Errorf("failed to update state machine %s: %w", name, err)
			}
			return nil
		},
	}}, nil
}

// stateMachineDefinition evaluates DefinitionString, or serializes the
// object form Definition
func stateMachineDefinition(ctx context.Context, change *Change, eval *evaluate.Evaluator) (string, error) {
	if expr := change.NewValue.Property("DefinitionString"); expr != nil {
		return eval.EvaluateString(ctx, expr)
	}

	v, err := eval.Evaluate(ctx, change.NewValue.Property("Definition"))
	if err != nil {
		return "", err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode state machine definition: %w", err)
	}
	return string(data), nil
}
