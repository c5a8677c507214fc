// Package monitor follows the events of a stack operation and reports its
// progress while the operation runs.
package monitor

import (
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
)

// StackActivity is one stack event, optionally enriched with the construct
// that synthesized the resource
type StackActivity struct {
	EventID            string
	StackName          string
	LogicalResourceID  string
	PhysicalResourceID string
	ResourceType       string
	ResourceStatus     string
	StatusReason       string
	HookStatus         string
	HookStatusReason   string
	HookType           string
	Timestamp          time.Time

	// IsStackEvent is set for events about the stack itself rather than one
	// of its resources
	IsStackEvent bool

	// ParentStackLogicalIDs is the chain of nested stack logical IDs leading
	// to the stack that emitted the event, outermost first
	ParentStackLogicalIDs []string

	Metadata *ResourceMetadata
}

// ResourceMetadata locates a resource in the construct tree
type ResourceMetadata struct {
	ConstructPath string
	Trace         []string
}

func activityFromEvent(event types.StackEvent, parents []string) StackActivity {
	return StackActivity{
		EventID:               aws.ToString(event.EventId),
		StackName:             aws.ToString(event.StackName),
		LogicalResourceID:     aws.ToString(event.LogicalResourceId),
		PhysicalResourceID:    aws.ToString(event.PhysicalResourceId),
		ResourceType:          aws.ToString(event.ResourceType),
		ResourceStatus:        string(event.ResourceStatus),
		StatusReason:          aws.ToString(event.ResourceStatusReason),
		HookStatus:            string(event.HookStatus),
		HookStatusReason:      aws.ToString(event.HookStatusReason),
		HookType:              aws.ToString(event.HookType),
		Timestamp:             aws.ToTime(event.Timestamp),
		IsStackEvent:          event.PhysicalResourceId != nil && aws.ToString(event.PhysicalResourceId) == aws.ToString(event.StackId),
		ParentStackLogicalIDs: parents,
	}
}

// hasErrorMessage reports whether a status carries a failure reason worth
// surfacing
func hasErrorMessage(status string) bool {
	return strings.HasSuffix(status, "_FAILED") ||
		status == string(types.ResourceStatusRollbackInProgress) ||
		status == string(types.ResourceStatusUpdateRollbackInProgress)
}

func isCancelled(reason string) bool {
	return strings.Contains(reason, "cancelled")
}

func isTerminalStatus(status string) bool {
	return !strings.HasSuffix(status, "_IN_PROGRESS")
}
