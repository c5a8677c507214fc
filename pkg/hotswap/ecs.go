package hotswap

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"golang.org/x/sync/errgroup"

	"cdk-reconciler/pkg/evaluate"
)

const (
	ecsTaskDefinitionType = "AWS::ECS::TaskDefinition"
	ecsServiceType        = "AWS::ECS::Service"

	ecsStableDelay    = 5 * time.Second
	ecsStableAttempts = 120
)

// PropertyOverrides tune how hotswapped changes are rolled out
type PropertyOverrides struct {
	ECS ECSOverrides
}

// ECSOverrides set the deployment configuration of services rolled onto a
// hotswapped task definition. MinimumHealthyPercent defaults to 0.
type ECSOverrides struct {
	MinimumHealthyPercent *int32
	MaximumHealthyPercent *int32
}

func ecsDetector(overrides ECSOverrides) Detector {
	return func(ctx context.Context, change *Change, eval *evaluate.Evaluator) ([]ClassifiedChange, error) {
		return detectECSTaskDefinition(ctx, change, eval, overrides)
	}
}

func detectECSTaskDefinition(ctx context.Context, change *Change, eval *evaluate.Evaluator, overrides ECSOverrides) ([]ClassifiedChange, error) {
	props, rejected := classifyProperties(change, "ContainerDefinitions")
	if rejected != nil {
		return []ClassifiedChange{rejected}, nil
	}

	var out []ClassifiedChange
	refs := eval.FindReferencesTo(change.LogicalID)

	var serviceARNs []string
	for _, ref := range refs {
		if ref.Type != ecsServiceType {
			continue
		}
		arn, err := eval.FindPhysicalNameFor(ctx, ref.LogicalID)
		if err != nil {
			return nil, err
		}
		if arn != "" {
			serviceARNs = append(serviceARNs, arn)
		}
	}

	if len(serviceARNs) == 0 {
		out = append(out, nonHotswappable(change, nil, "No ECS services reference the changed task definition", false))
	}
	for _, ref := range refs {
		if ref.Type == ecsServiceType {
			continue
		}
		// Anything besides a service that uses the task definition needs a deployment
		out = append(out, nonHotswappable(change, nil, fmt.Sprintf(
			"A resource '%s' with Type '%s' that is not an ECS Service was found referencing the changed TaskDefinition '%s'",
			ref.LogicalID, ref.Type, change.LogicalID), true))
	}

	if len(props) == 0 {
		return out, nil
	}

	family, err := taskDefinitionFamily(ctx, change, eval)
	if err != nil {
		return nil, err
	}

	names := []string{fmt.Sprintf("ECS Task Definition '%s'", family)}
	for _, arn := range serviceARNs {
		names = append(names, fmt.Sprintf("ECS Service '%s'", arnSegment(arn, 2)))
	}

	td := &taskDefinitionChange{change: change, eval: eval, family: family, services: serviceARNs, overrides: overrides}
	out = append(out, &Hotswappable{
		ResourceType:  ecsTaskDefinitionType,
		PropsChanged:  props,
		Service:       "ecs-service",
		ResourceNames: names,
		Apply:         td.apply,
	})
	return out, nil
}

// taskDefinitionFamily returns the family of the task definition. The
// physical ID of a deployed task definition is its revision ARN.
func taskDefinitionFamily(ctx context.Context, change *Change, eval *evaluate.Evaluator) (string, error) {
	nameOrARN, err := eval.EstablishResourcePhysicalName(ctx, change.LogicalID, change.OldValue.Property("Family"))
	if err != nil || nameOrARN == "" {
		return "", err
	}
	// arn:aws:ecs:region:account:task-definition/<family>:<revision>
	parts := strings.Split(nameOrARN, ":")
	if len(parts) > 5 {
		return arnSegment(parts[5], 1), nil
	}
	return nameOrARN, nil
}

func arnSegment(arn string, i int) string {
	parts := strings.Split(arn, "/")
	if i < len(parts) {
		return parts[i]
	}
	return ""
}

type taskDefinitionChange struct {
	change    *Change
	eval      *evaluate.Evaluator
	family    string
	services  []string
	overrides ECSOverrides
}

func (t *taskDefinitionChange) apply(ctx context.Context, clients *Clients) error {
	if t.family == "" {
		return nil
	}

	merged := make(map[string]any, len(t.change.OldValue.Properties))
	for k, v := range t.change.OldValue.Properties {
		merged[k] = v
	}
	merged["ContainerDefinitions"] = t.change.NewValue.Property("ContainerDefinitions")
	delete(merged, "Family")

	evaluated, err := t.eval.Evaluate(ctx, merged)
	if err != nil {
		return err
	}
	in := &ecs.RegisterTaskDefinitionInput{}
	if err := decodeInto(evaluated, in); err != nil {
		return err
	}
	in.Family = aws.String(t.family)

	registered, err := clients.ECS.RegisterTaskDefinition(ctx, in)
	if err != nil {
		return fmt.Errorf("failed to register task definition %s: %w", t.family, err)
	}
	if registered.TaskDefinition == nil {
		return fmt.Errorf("registering task definition %s returned no revision", t.family)
	}
	revision := registered.TaskDefinition.TaskDefinitionArn

	minHealthy := t.overrides.MinimumHealthyPercent
	if minHealthy == nil {
		minHealthy = aws.Int32(0)
	}

	// Every service is forced onto the new revision right away
	var g errgroup.Group
	for _, serviceARN := range t.services {
		g.Go(func() error {
			cluster := arnSegment(serviceARN, 1)
			updated, err := clients.ECS.UpdateService(ctx, &ecs.UpdateServiceInput{
				Service:            aws.String(serviceARN),
				Cluster:            aws.String(cluster),
				TaskDefinition:     revision,
				ForceNewDeployment: true,
				DeploymentConfiguration: &types.DeploymentConfiguration{
					MinimumHealthyPercent: minHealthy,
					MaximumPercent:        t.overrides.MaximumHealthyPercent,
				},
			})
			if err != nil {
				return fmt.Errorf("failed to update ECS service %s: %w", serviceARN, err)
			}
			if updated.Service != nil && updated.Service.ClusterArn != nil {
				cluster = aws.ToString(updated.Service.ClusterArn)
			}
			return waitForServiceStable(ctx, clients, cluster, serviceARN)
		})
	}
	return g.Wait()
}

func waitForServiceStable(ctx context.Context, clients *Clients, cluster, serviceARN string) error {
	return waitFor(ctx, clients.delay(ecsStableDelay), ecsStableAttempts, func(ctx context.Context) (bool, error) {
		out, err := clients.ECS.DescribeServices(ctx, &ecs.DescribeServicesInput{
			Cluster:  aws.String(cluster),
			Services: []string{serviceARN},
		})
		if err != nil {
			return false, fmt.Errorf("failed to describe ECS service %s: %w", serviceARN, err)
		}
		if len(out.Failures) > 0 {
			return false, abortf("MISSING", "%s", aws.ToString(out.Failures[0].Reason))
		}
		for _, svc := range out.Services {
			switch aws.ToString(svc.Status) {
			case "DRAINING", "INACTIVE":
				return false, abortf(aws.ToString(svc.Status), "service %s is %s", aws.ToString(svc.ServiceName), strings.ToLower(aws.ToString(svc.Status)))
			}
			if len(svc.Deployments) != 1 || svc.RunningCount != svc.DesiredCount {
				return false, nil
			}
		}
		return true, nil
	})
}
