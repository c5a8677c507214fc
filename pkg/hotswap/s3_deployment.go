package hotswap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/lambda"

	"cdk-reconciler/pkg/evaluate"
)

const (
	bucketDeploymentType = "Custom::CDKBucketDeployment"
	iamPolicyType        = "AWS::IAM::Policy"

	// Placeholder for request fields the handler only needs when called by CloudFormation
	requiredByCFN = "required-to-be-present-by-cfn"
)

type customResourceRequest struct {
	RequestType        string `json:"RequestType"`
	ResponseURL        string `json:"ResponseURL"`
	PhysicalResourceID string `json:"PhysicalResourceId"`
	StackID            string `json:"StackId"`
	RequestID          string `json:"RequestId"`
	LogicalResourceID  string `json:"LogicalResourceId"`
	ResourceProperties any    `json:"ResourceProperties"`
}

// detectBucketDeployment re-invokes the handler of a bucket deployment with
// an Update request instead of letting CloudFormation do it
func detectBucketDeployment(ctx context.Context, change *Change, eval *evaluate.Evaluator) ([]ClassifiedChange, error) {
	if len(change.PropertyUpdates) == 0 {
		return nil, nil
	}

	// The service token is the handler's ARN, which Invoke accepts as a name
	functionName, err := eval.EvaluateString(ctx, change.NewValue.Property("ServiceToken"))
	if err != nil {
		return nil, err
	}
	if functionName == "" {
		return nil, nil
	}

	props := make(map[string]any, len(change.NewValue.Properties))
	for k, v := range change.NewValue.Properties {
		if k != "ServiceToken" {
			props[k] = v
		}
	}
	evaluated, err := eval.Evaluate(ctx, props)
	if err != nil {
		return nil, err
	}
	properties, _ := evaluated.(map[string]any)

	return []ClassifiedChange{&Hotswappable{
		ResourceType:  bucketDeploymentType,
		PropsChanged:  []string{"*"},
		Service:       "custom-s3-deployment",
		ResourceNames: []string{fmt.Sprintf("Contents of S3 Bucket '%v'", properties["DestinationBucketName"])},
		Apply: func(ctx context.Context, clients *Clients) error {
			payload, err := json.Marshal(customResourceRequest{
				RequestType:        "Update",
				ResponseURL:        requiredByCFN,
				PhysicalResourceID: requiredByCFN,
				StackID:            requiredByCFN,
				RequestID:          requiredByCFN,
				LogicalResourceID:  requiredByCFN,
				ResourceProperties: stringifyValues(properties),
			})
			if err != nil {
				return fmt.Errorf("failed to encode bucket deployment request: %w", err)
			}

			out, err := clients.Lambda.Invoke(ctx, &lambda.InvokeInput{
				FunctionName: aws.String(functionName),
				Payload:      payload,
			})
			if err != nil {
				return fmt.Errorf("failed to invoke bucket deployment handler: %w", err)
			}
			if out.FunctionError != nil {
				return fmt.Errorf("bucket deployment handler failed: %s: %s", aws.ToString(out.FunctionError), out.Payload)
			}
			return nil
		},
	}}, nil
}

// detectIAMPolicy elides policies that only serve bucket deployment
// handlers. The old asset synthesis made those policies reference the assets,
// so they change along with every bucket deployment.
func detectIAMPolicy(ctx context.Context, change *Change, eval *evaluate.Evaluator) ([]ClassifiedChange, error) {
	skip, err := isBucketDeploymentPolicy(ctx, change, eval)
	if err != nil {
		return nil, err
	}
	if skip {
		return nil, nil
	}
	return unsupported(ctx, change, eval)
}

func isBucketDeploymentPolicy(ctx context.Context, change *Change, eval *evaluate.Evaluator) (bool, error) {
	roles, _ := change.NewValue.Property("Roles").([]any)
	if len(roles) == 0 {
		return false, nil
	}

	for _, role := range roles {
		roleName, err := eval.EvaluateString(ctx, role)
		if err != nil {
			var evalErr *evaluate.EvaluationError
			if errors.As(err, &evalErr) {
				return false, nil
			}
			return false, err
		}
		roleLogicalID, err := eval.FindLogicalIDForPhysicalName(ctx, roleName)
		if err != nil {
			return false, err
		}
		if roleLogicalID == "" {
			return false, nil
		}

		users := 0
		for _, ref := range eval.FindReferencesTo(roleLogicalID) {
			// The policy itself always references the role
			if ref.Type == iamPolicyType && ref.LogicalID == change.LogicalID {
				continue
			}
			users++
			if ref.Type != lambdaFunctionType {
				return false, nil
			}
			for _, fnRef := range eval.FindReferencesTo(ref.LogicalID) {
				if fnRef.Type != bucketDeploymentType {
					return false, nil
				}
			}
		}
		if users == 0 {
			return false, nil
		}
	}
	return true, nil
}
