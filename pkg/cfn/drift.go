package cfn

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
)

// DriftResult contains the result of drift detection
type DriftResult struct {
	StackName        string
	DriftStatus      string
	DriftedResources []DriftedResource
}

// DriftedResource represents a resource that has drifted
type DriftedResource struct {
	LogicalID     string
	PhysicalID    string
	ResourceType  string
	DriftStatus   string
	PropertyDiffs []PropertyDrift
}

// PropertyDrift is one property that differs from the template
type PropertyDrift struct {
	PropertyPath   string
	ExpectedValue  string
	ActualValue    string
	DifferenceType string
}

// DetectDrift runs drift detection on a stack and returns the drifted resources
func (w *Waiter) DetectDrift(ctx context.Context, stackName string) (*DriftResult, error) {
	stack, err := LookupStack(ctx, w.client, stackName)
	if err != nil {
		return nil, err
	}
	if !stack.Exists() {
		return nil, fmt.Errorf("stack %s does not exist", stackName)
	}

	detectOutput, err := w.client.DetectStackDrift(ctx, &cloudformation.DetectStackDriftInput{
		StackName: aws.String(stackName),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initiate drift detection: %w", err)
	}

	detectionID := aws.ToString(detectOutput.StackDriftDetectionId)
	w.logger.Debug().Str("stack", stackName).Str("detectionId", detectionID).Msg("drift detection started")

	status, err := w.waitForDriftDetection(ctx, detectionID)
	if err != nil {
		return nil, err
	}

	result := &DriftResult{
		StackName:   stackName,
		DriftStatus: string(status.StackDriftStatus),
	}

	var nextToken *string
	for {
		drifts, err := w.client.DescribeStackResourceDrifts(ctx, &cloudformation.DescribeStackResourceDriftsInput{
			StackName: aws.String(stackName),
			StackResourceDriftStatusFilters: []types.StackResourceDriftStatus{
				types.StackResourceDriftStatusModified,
				types.StackResourceDriftStatusDeleted,
				types.StackResourceDriftStatusNotChecked,
			},
			NextToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to get resource drifts: %w", err)
		}

		for _, rd := range drifts.StackResourceDrifts {
			drifted := DriftedResource{
				LogicalID:    aws.ToString(rd.LogicalResourceId),
				PhysicalID:   aws.ToString(rd.PhysicalResourceId),
				ResourceType: aws.ToString(rd.ResourceType),
				DriftStatus:  string(rd.StackResourceDriftStatus),
			}
			for _, pd := range rd.PropertyDifferences {
				drifted.PropertyDiffs = append(drifted.PropertyDiffs, PropertyDrift{
					PropertyPath:   aws.ToString(pd.PropertyPath),
					ExpectedValue:  aws.ToString(pd.ExpectedValue),
					ActualValue:    aws.ToString(pd.ActualValue),
					DifferenceType: string(pd.DifferenceType),
				})
			}
			result.DriftedResources = append(result.DriftedResources, drifted)
		}

		if drifts.NextToken == nil {
			break
		}
		nextToken = drifts.NextToken
	}

	return result, nil
}

func (w *Waiter) waitForDriftDetection(ctx context.Context, detectionID string) (*cloudformation.DescribeStackDriftDetectionStatusOutput, error) {
	return pollUntil(ctx, w.interval, func(ctx context.Context) (*cloudformation.DescribeStackDriftDetectionStatusOutput, bool, error) {
		output, err := w.client.DescribeStackDriftDetectionStatus(ctx, &cloudformation.DescribeStackDriftDetectionStatusInput{
			StackDriftDetectionId: aws.String(detectionID),
		})
		if err != nil {
			return nil, false, fmt.Errorf("failed to get drift detection status: %w", err)
		}

		switch output.DetectionStatus {
		case types.StackDriftDetectionStatusDetectionComplete:
			return output, true, nil
		case types.StackDriftDetectionStatusDetectionFailed:
			return nil, false, fmt.Errorf("drift detection failed: %s", aws.ToString(output.DetectionStatusReason))
		}
		return nil, false, nil
	})
}
