package hotswap

import (
	"context"

	"cdk-reconciler/pkg/evaluate"
)

const cdkMetadataType = "AWS::CDK::Metadata"

// Detector decides whether an updated resource can be hotswapped
type Detector func(ctx context.Context, change *Change, eval *evaluate.Evaluator) ([]ClassifiedChange, error)

// detectors returns the detector of every resource type that has one
func detectors(overrides PropertyOverrides) map[string]Detector {
	return map[string]Detector{
		lambdaFunctionType: detectLambda,
		lambdaVersionType:  detectLambda,
		lambdaAliasType:    detectLambda,

		appSyncResolverType: detectAppSync,
		appSyncFunctionType: detectAppSync,
		appSyncSchemaType:   detectAppSync,
		appSyncAPIKeyType:   detectAppSync,

		ecsTaskDefinitionType: ecsDetector(overrides.ECS),
		codeBuildProjectType:  detectCodeBuildProject,
		stateMachineType:      detectStateMachine,
		bucketDeploymentType:  detectBucketDeployment,
		iamPolicyType:         detectIAMPolicy,

		cdkMetadataType: ignore,
	}
}

func detectorFor(table map[string]Detector, resourceType string) Detector {
	if d, ok := table[resourceType]; ok {
		return d
	}
	return unsupported
}

func unsupported(_ context.Context, change *Change, _ *evaluate.Evaluator) ([]ClassifiedChange, error) {
	return []ClassifiedChange{
		nonHotswappable(change, nil, "This resource type is not supported for hotswap deployments", true),
	}, nil
}

func ignore(context.Context, *Change, *evaluate.Evaluator) ([]ClassifiedChange, error) {
	return nil, nil
}
