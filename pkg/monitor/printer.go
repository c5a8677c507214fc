package monitor

import (
	"io"
	"math"
	"strings"
	"time"
)

// DefaultUpdateInterval is how often the monitor polls for new events
const DefaultUpdateInterval = 5 * time.Second

// Printer consumes stack activity and renders it
type Printer interface {
	AddActivity(activity StackActivity)

	// Print renders whatever arrived since the previous call
	Print()

	Start()

	// Stop renders the final state, including the failure recap
	Stop()

	// UpdateInterval is the polling interval the printer wants
	UpdateInterval() time.Duration
}

// PrinterOptions is shared by both printers
type PrinterOptions struct {
	Out io.Writer

	// ResourceTypeColumnWidth pads the resource type column
	ResourceTypeColumnWidth int

	// ResourcesTotal is the number of resources the operation touches. Zero
	// means unknown, and progress is shown as a running count.
	ResourcesTotal int
}

// accounting tracks progress for a printer. It is not safe for concurrent
// use; the monitor feeds printers from a single goroutine at a time.
type accounting struct {
	stackName      string
	resourcesTotal int

	resourcesInProgress      map[string]StackActivity
	resourcesPrevCompleteSet map[string]string
	resourcesDone            int
	failures                 []StackActivity
	hookFailureMap           map[string]map[string]string
	rollingBack              bool
}

func newAccounting(stackName string, total int) accounting {
	if total > 0 {
		// The stack's own completion event counts as one more
		total++
	}
	return accounting{
		stackName:                stackName,
		resourcesTotal:           total,
		resourcesInProgress:      map[string]StackActivity{},
		resourcesPrevCompleteSet: map[string]string{},
		hookFailureMap:           map[string]map[string]string{},
	}
}

// add applies one activity to the counters
func (a *accounting) add(activity StackActivity) {
	status := activity.ResourceStatus
	hookStatus := activity.HookStatus
	logicalID := activity.LogicalResourceID

	if activity.IsStackEvent && (status == "ROLLBACK_IN_PROGRESS" || status == "UPDATE_ROLLBACK_IN_PROGRESS") {
		a.rollingBack = true
	}

	if strings.HasSuffix(status, "_IN_PROGRESS") {
		a.resourcesInProgress[logicalID] = activity
	}

	if hasErrorMessage(status) && !isCancelled(activity.StatusReason) {
		a.failures = append(a.failures, activity)
	}

	if strings.HasSuffix(status, "_COMPLETE") || strings.HasSuffix(status, "_FAILED") {
		delete(a.resourcesInProgress, logicalID)
	}

	if strings.HasSuffix(status, "_COMPLETE_CLEANUP_IN_PROGRESS") {
		a.resourcesDone++
	}

	if strings.HasSuffix(status, "_COMPLETE") {
		if _, completed := a.resourcesPrevCompleteSet[logicalID]; completed {
			// A second completion means the resource is being rolled back
			a.resourcesDone = max(a.resourcesDone-1, 0)
		} else {
			a.resourcesDone++
		}
		a.resourcesPrevCompleteSet[logicalID] = status
	}

	if hookStatus == "HOOK_COMPLETE_FAILED" && activity.HookType != "" {
		if a.hookFailureMap[logicalID] == nil {
			a.hookFailureMap[logicalID] = map[string]string{}
		}
		a.hookFailureMap[logicalID][activity.HookType] = activity.HookStatusReason
	}
}

// failureReason is the status reason, extended with the reason of the hook
// the failure was caused by
func (a *accounting) failureReason(activity StackActivity) string {
	reason := activity.StatusReason
	for hookType, hookReason := range a.hookFailureMap[activity.LogicalResourceID] {
		if strings.Contains(reason, hookType) {
			return reason + " : " + hookReason
		}
	}
	return reason
}

// resourceDigits is the width of the progress counter
func (a *accounting) resourceDigits() int {
	if a.resourcesTotal <= 0 {
		return 0
	}
	return int(math.Ceil(math.Log10(float64(a.resourcesTotal))))
}

// CalcMaxResourceTypeLength returns the width of the longest resource type
// in a template's resources
func CalcMaxResourceTypeLength(resources map[string]any) int {
	longest := 0
	for _, r := range resources {
		def, ok := r.(map[string]any)
		if !ok {
			continue
		}
		typ, _ := def["Type"].(string)
		longest = max(longest, len(typ))
	}
	return longest
}
