package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"

	"cdk-reconciler/pkg/cfn"
)

const nestedStackType = "AWS::CloudFormation::Stack"

// PollerOptions configures an EventPoller
type PollerOptions struct {
	// StackName may be a name or a stack ARN
	StackName string

	// StartTime excludes every event that happened before the operation began
	StartTime time.Time

	ParentStackLogicalIDs []string
}

// EventPoller reads the events of one stack since a start time. Each call
// to Poll returns only events that were not returned before, oldest first.
// Nested stacks that start an operation get a poller of their own whose
// events are merged into the parent's result.
type EventPoller struct {
	client cfn.EventsAPI
	opts   PollerOptions

	seen     map[string]struct{}
	complete bool

	nested      map[string]*EventPoller
	nestedOrder []string
}

// NewEventPoller creates a poller for one stack
func NewEventPoller(client cfn.EventsAPI, opts PollerOptions) *EventPoller {
	return &EventPoller{
		client: client,
		opts:   opts,
		seen:   map[string]struct{}{},
		nested: map[string]*EventPoller{},
	}
}

// Complete reports whether the stack-level event that ends the operation
// has been seen
func (p *EventPoller) Complete() bool {
	return p.complete
}

// Poll fetches the events emitted since the previous call
func (p *EventPoller) Poll(ctx context.Context) ([]StackActivity, error) {
	activities, err := p.pollOwn(ctx)
	if err != nil {
		return nil, err
	}

	for _, logicalID := range append([]string(nil), p.nestedOrder...) {
		child := p.nested[logicalID]
		events, err := child.Poll(ctx)
		if err != nil {
			return nil, err
		}
		activities = append(activities, events...)
		if child.Complete() {
			p.dropNested(logicalID)
		}
	}

	sort.SliceStable(activities, func(i, j int) bool {
		return activities[i].Timestamp.Before(activities[j].Timestamp)
	})
	return activities, nil
}

// pollOwn pages through the events of this poller's stack, newest first,
// until it reaches an event that is older than the start time or was
// already returned.
func (p *EventPoller) pollOwn(ctx context.Context) ([]StackActivity, error) {
	var (
		activities []StackActivity
		nextToken  *string
	)

pages:
	for {
		out, err := p.client.DescribeStackEvents(ctx, &cloudformation.DescribeStackEventsInput{
			StackName: aws.String(p.opts.StackName),
			NextToken: nextToken,
		})
		if err != nil {
			if errors.Is(cfn.Classify(err), cfn.ErrStackNotFound) {
				// The stack is not there yet, or has already been deleted
				break
			}
			return nil, fmt.Errorf("failed to describe stack events for %s: %w", p.opts.StackName, err)
		}

		for _, event := range out.StackEvents {
			if aws.ToTime(event.Timestamp).Before(p.opts.StartTime) {
				break pages
			}
			id := aws.ToString(event.EventId)
			if _, ok := p.seen[id]; ok {
				break pages
			}
			p.seen[id] = struct{}{}

			activity := activityFromEvent(event, p.opts.ParentStackLogicalIDs)
			activities = append(activities, activity)

			if activity.ResourceType == nestedStackType && !activity.IsStackEvent && !isTerminalStatus(activity.ResourceStatus) {
				p.trackNested(activity)
			}
			if activity.IsStackEvent && isTerminalStatus(activity.ResourceStatus) {
				p.complete = true
			}
		}

		nextToken = out.NextToken
		if nextToken == nil {
			break
		}
	}

	// Events arrive newest first
	for i, j := 0, len(activities)-1; i < j; i, j = i+1, j-1 {
		activities[i], activities[j] = activities[j], activities[i]
	}
	return activities, nil
}

// trackNested starts following a nested stack. The first begin event of a
// nested stack has no physical ID yet, so it is ignored.
func (p *EventPoller) trackNested(activity StackActivity) {
	if activity.LogicalResourceID == "" || activity.PhysicalResourceID == "" {
		return
	}
	if _, ok := p.nested[activity.LogicalResourceID]; ok {
		return
	}

	parents := append(append([]string(nil), p.opts.ParentStackLogicalIDs...), activity.LogicalResourceID)
	p.nested[activity.LogicalResourceID] = NewEventPoller(p.client, PollerOptions{
		StackName:             activity.PhysicalResourceID,
		StartTime:             activity.Timestamp,
		ParentStackLogicalIDs: parents,
	})
	p.nestedOrder = append(p.nestedOrder, activity.LogicalResourceID)
}

func (p *EventPoller) dropNested(logicalID string) {
	delete(p.nested, logicalID)
	for i, id := range p.nestedOrder {
		if id == logicalID {
			p.nestedOrder = append(p.nestedOrder[:i], p.nestedOrder[i+1:]...)
			break
		}
	}
}
