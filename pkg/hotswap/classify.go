package hotswap

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"cdk-reconciler/pkg/evaluate"
	"cdk-reconciler/pkg/template"
)

const stackOutputType = "Stack Output"

// Classifier sorts the changes of a template diff into hotswappable and
// non-hotswappable ones
type Classifier struct {
	detectors map[string]Detector
}

// NewClassifier returns a classifier using the built-in detectors
func NewClassifier(overrides PropertyOverrides) *Classifier {
	return &Classifier{detectors: detectors(overrides)}
}

// Classify classifies every changed resource and output of diff. Nested
// stacks are classified recursively against their own templates.
func (c *Classifier) Classify(ctx context.Context, diff *template.TemplateDiff, eval *evaluate.Evaluator, nested map[string]*NestedStackTemplates) (*Classification, error) {
	result := &Classification{}

	for _, id := range diff.OutputIDs() {
		result.NonHotswappable = append(result.NonHotswappable, &NonHotswappable{
			ResourceType:    stackOutputType,
			LogicalID:       id,
			Reason:          "output was changed",
			RejectedChanges: []string{},
		})
	}

	resources := collapseRenames(diff.Resources)

	type pending struct {
		change   *Change
		detector Detector
	}
	var detections []pending

	for _, id := range sortedKeys(resources) {
		rd := resources[id]

		if rd.OldResourceType() == template.StackResourceType && rd.NewResourceType() == template.StackResourceType {
			sub, err := c.classifyNestedStack(ctx, id, rd, eval, nested)
			if err != nil {
				return nil, err
			}
			result.merge(sub)
			continue
		}

		if rejection := structuralRejection(id, rd); rejection != nil {
			result.NonHotswappable = append(result.NonHotswappable, rejection)
			continue
		}

		detections = append(detections, pending{
			change:   newChange(id, rd),
			detector: detectorFor(c.detectors, rd.NewResourceType()),
		})
	}

	// Detectors only read the template, so they run concurrently. Results are
	// merged in diff order.
	outcomes := make([][]ClassifiedChange, len(detections))
	g, gctx := errgroup.WithContext(ctx)
	for i, d := range detections {
		g.Go(func() error {
			changes, err := d.detector(gctx, d.change, eval)
			if err != nil {
				return fmt.Errorf("failed to classify resource '%s': %w", d.change.LogicalID, err)
			}
			outcomes[i] = changes
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	for _, changes := range outcomes {
		result.add(changes...)
	}
	return result, nil
}

func (c *Classifier) classifyNestedStack(ctx context.Context, logicalID string, rd *template.ResourceDifference, eval *evaluate.Evaluator, nested map[string]*NestedStackTemplates) (*Classification, error) {
	stack, ok := nested[logicalID]
	if !ok || stack.PhysicalName == "" {
		return &Classification{NonHotswappable: []*NonHotswappable{{
			ResourceType: template.StackResourceType,
			LogicalID:    logicalID,
			Reason: fmt.Sprintf("physical name for AWS::CloudFormation::Stack '%s' could not be found in CloudFormation, "+
				"so this is a newly created nested stack and cannot be hotswapped", logicalID),
			RejectedChanges: []string{},
		}}}, nil
	}

	params, _ := rd.NewValue.Property("Parameters").(map[string]any)
	nestedEval, err := eval.CreateNested(ctx, stack.PhysicalName, stack.GeneratedTemplate, params)
	if err != nil {
		return nil, err
	}

	nestedDiff := template.FullDiff(stack.DeployedTemplate, stack.GeneratedTemplate)
	return c.Classify(ctx, nestedDiff, nestedEval, stack.NestedStackTemplates)
}

// structuralRejection rejects additions, removals and type changes without
// consulting a detector
func structuralRejection(logicalID string, rd *template.ResourceDifference) *NonHotswappable {
	switch {
	case rd.IsAddition():
		return &NonHotswappable{
			ResourceType:    rd.NewResourceType(),
			LogicalID:       logicalID,
			Reason:          fmt.Sprintf("resource '%s' was created by this deployment", logicalID),
			RejectedChanges: []string{},
		}
	case rd.IsRemoval():
		return &NonHotswappable{
			ResourceType:    rd.OldResourceType(),
			LogicalID:       logicalID,
			Reason:          fmt.Sprintf("resource '%s' was destroyed by this deployment", logicalID),
			RejectedChanges: []string{},
		}
	case rd.OldResourceType() != rd.NewResourceType():
		return &NonHotswappable{
			ResourceType: rd.NewResourceType(),
			LogicalID:    logicalID,
			Reason: fmt.Sprintf("resource '%s' had its type changed from '%s' to '%s'",
				logicalID, rd.OldResourceType(), rd.NewResourceType()),
			RejectedChanges: []string{},
		}
	}
	return nil
}

// collapseRenames pairs every added resource with a removed resource of the
// same type and identical properties. The pair becomes one update under the
// new logical ID.
func collapseRenames(changes map[string]*template.ResourceDifference) map[string]*template.ResourceDifference {
	removals := make(map[string]*template.ResourceDifference)
	out := make(map[string]*template.ResourceDifference, len(changes))
	for id, rd := range changes {
		if rd.IsRemoval() {
			removals[id] = rd
		} else {
			out[id] = rd
		}
	}

	for _, id := range sortedKeys(out) {
		addition := out[id]
		if !addition.IsAddition() {
			continue
		}
		for _, removedID := range sortedKeys(removals) {
			removal := removals[removedID]
			if !sameResource(removal, addition) {
				continue
			}
			out[id] = &template.ResourceDifference{
				OldValue:      removal.OldValue,
				NewValue:      addition.NewValue,
				PropertyDiffs: addition.PropertyDiffs,
				OtherDiffs:    addition.OtherDiffs,
			}
			delete(removals, removedID)
			break
		}
	}

	for id, rd := range removals {
		out[id] = rd
	}
	return out
}

func sameResource(removal, addition *template.ResourceDifference) bool {
	return removal.OldResourceType() == addition.NewResourceType() &&
		template.Equal(removal.OldValue.Properties, addition.NewValue.Properties)
}
