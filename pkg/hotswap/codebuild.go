package hotswap

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	"github.com/aws/aws-sdk-go-v2/service/codebuild/types"

	"cdk-reconciler/pkg/evaluate"
)

const codeBuildProjectType = "AWS::CodeBuild::Project"

func detectCodeBuildProject(ctx context.Context, change *Change, eval *evaluate.Evaluator) ([]ClassifiedChange, error) {
	props, rejected := classifyProperties(change, "Source", "Environment", "SourceVersion")
	if rejected != nil {
		return []ClassifiedChange{rejected}, nil
	}
	if len(props) == 0 {
		return nil, nil
	}

	projectName, err := eval.EstablishResourcePhysicalName(ctx, change.LogicalID, change.NewValue.Property("Name"))
	if err != nil {
		return nil, err
	}

	return []ClassifiedChange{&Hotswappable{
		ResourceType:  codeBuildProjectType,
		PropsChanged:  props,
		Service:       "codebuild-project",
		ResourceNames: []string{fmt.Sprintf("CodeBuild Project '%s'", projectName)},
		Apply: func(ctx context.Context, clients *Clients) error {
			if projectName == "" {
				return nil
			}
			in := &codebuild.UpdateProjectInput{Name: aws.String(projectName)}
			for _, name := range props {
				v, err := eval.Evaluate(ctx, change.PropertyUpdates[name].NewValue)
				if err != nil {
					return err
				}
				switch name {
				case "Source":
					in.Source = &types.ProjectSource{}
					err = decodeInto(v, in.Source)
				case "Environment":
					in.Environment = &types.ProjectEnvironment{}
					err = decodeInto(v, in.Environment)
				case "SourceVersion":
					in.SourceVersion = stringValue(v)
				}
				if err != nil {
					return err
				}
			}

			if _, err := clients.CodeBuild.UpdateProject(ctx, in); err != nil {
				return fmt.Errorf("failed to update CodeBuild project %s: %w", projectName, err)
			}
			return nil
		},
	}}, nil
}
