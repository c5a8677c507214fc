package hotswap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"

	"cdk-reconciler/pkg/assembly"
	"cdk-reconciler/pkg/cfn"
	"cdk-reconciler/pkg/template"
)

// NestedStackTemplates are the deployed and generated templates of one
// nested stack
type NestedStackTemplates struct {
	PhysicalName         string
	DeployedTemplate     template.Template
	GeneratedTemplate    template.Template
	NestedStackTemplates map[string]*NestedStackTemplates
}

// RootTemplateWithNestedStacks holds the root templates with every nested
// template inlined as the NestedTemplate property of its stack resource
type RootTemplateWithNestedStacks struct {
	DeployedRootTemplate  template.Template
	GeneratedRootTemplate template.Template
	NestedStacks          map[string]*NestedStackTemplates
}

// LoadCurrentTemplateWithNestedStacks loads the deployed template of the
// artifact's stack and of all nested stacks the assembly manages
func LoadCurrentTemplateWithNestedStacks(ctx context.Context, client cfn.API, artifact *assembly.StackArtifact) (*RootTemplateWithNestedStacks, error) {
	deployed, err := loadDeployedTemplate(ctx, client, artifact.StackName)
	if err != nil {
		return nil, err
	}
	generated, err := artifact.Template.Clone()
	if err != nil {
		return nil, err
	}

	nested, err := loadNestedStacks(ctx, client, artifact, artifact.StackName, generated, deployed)
	if err != nil {
		return nil, err
	}
	return &RootTemplateWithNestedStacks{
		DeployedRootTemplate:  deployed,
		GeneratedRootTemplate: generated,
		NestedStacks:          nested,
	}, nil
}

func loadDeployedTemplate(ctx context.Context, client cfn.API, stackName string) (template.Template, error) {
	if stackName == "" {
		return template.Template{}, nil
	}
	stack, err := cfn.LookupStack(ctx, client, stackName)
	if err != nil {
		return nil, err
	}
	tpl, err := stack.Template(ctx)
	if err != nil {
		return nil, err
	}
	// The snapshot caches its template; inlining must not leak into it
	return tpl.Clone()
}

func loadNestedStacks(ctx context.Context, client cfn.API, artifact *assembly.StackArtifact, deployedStackName string, generated, deployed template.Template) (map[string]*NestedStackTemplates, error) {
	out := make(map[string]*NestedStackTemplates)
	var physicalIDs map[string]string

	for _, id := range sortedKeys(generated.Resources()) {
		res := template.ResourceFrom(generated.Resources()[id])
		assetPath, ok := managedNestedStackAsset(res)
		if !ok {
			continue
		}

		if physicalIDs == nil {
			ids, err := listPhysicalIDs(ctx, client, deployedStackName)
			if err != nil {
				return nil, err
			}
			physicalIDs = ids
		}

		nestedGenerated, err := artifact.NestedTemplate(assetPath)
		if err != nil {
			return nil, err
		}
		physicalName := nestedStackName(physicalIDs[id])
		nestedDeployed, err := loadDeployedTemplate(ctx, client, physicalName)
		if err != nil {
			return nil, err
		}

		children, err := loadNestedStacks(ctx, client, artifact, physicalName, nestedGenerated, nestedDeployed)
		if err != nil {
			return nil, err
		}

		inlineNestedTemplate(generated, id, nestedGenerated)
		inlineNestedTemplate(deployed, id, nestedDeployed)

		out[id] = &NestedStackTemplates{
			PhysicalName:         physicalName,
			DeployedTemplate:     nestedDeployed,
			GeneratedTemplate:    nestedGenerated,
			NestedStackTemplates: children,
		}
	}
	return out, nil
}

// managedNestedStackAsset returns the template asset of a nested stack
// synthesized by the assembly
func managedNestedStackAsset(res *template.Resource) (string, bool) {
	if res == nil || res.Type != template.StackResourceType {
		return "", false
	}
	path, ok := res.Metadata[template.AssetPathMetadataKey].(string)
	return path, ok && path != ""
}

// nestedStackName extracts the stack name from a stack ARN. CloudFormation
// names nested stacks Parent-LogicalID-Suffix, so it has to be looked up.
func nestedStackName(arn string) string {
	first := strings.Index(arn, "/")
	last := strings.LastIndex(arn, "/")
	if first < 0 || last <= first {
		return ""
	}
	return arn[first+1 : last]
}

func listPhysicalIDs(ctx context.Context, client cfn.ResourcesAPI, stackName string) (map[string]string, error) {
	out := make(map[string]string)
	if stackName == "" {
		return out, nil
	}

	in := &cloudformation.ListStackResourcesInput{StackName: aws.String(stackName)}
	for {
		page, err := client.ListStackResources(ctx, in)
		if err != nil {
			if errors.Is(cfn.Classify(err), cfn.ErrStackNotFound) {
				return out, nil
			}
			return nil, fmt.Errorf("failed to list resources of stack %s: %w", stackName, err)
		}
		for _, r := range page.StackResourceSummaries {
			out[aws.ToString(r.LogicalResourceId)] = aws.ToString(r.PhysicalResourceId)
		}
		if page.NextToken == nil {
			return out, nil
		}
		in.NextToken = page.NextToken
	}
}

func inlineNestedTemplate(parent template.Template, logicalID string, nested template.Template) {
	raw, ok := parent.Resources()[logicalID].(map[string]any)
	if !ok {
		return
	}
	props, ok := raw["Properties"].(map[string]any)
	if !ok {
		props = make(map[string]any)
		raw["Properties"] = props
	}
	props["NestedTemplate"] = map[string]any(nested)
}
