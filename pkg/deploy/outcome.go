package deploy

import (
	"fmt"
	"strings"
)

// Outcome is the result of DeployStack: DidDeploy, NeedsRollbackFirst or
// ReplacementRequiresNoRollback
type Outcome interface {
	isOutcome()
}

// DidDeploy means the stack is in the desired state, possibly without
// anything having been done
type DidDeploy struct {
	NoOp     bool
	Outputs  map[string]string
	StackARN string
}

// RollbackReason tells why a stack has to be rolled back before it can be deployed
type RollbackReason int

const (
	// ReasonReplacement means the change set replaces resources of a stack
	// paused in a failed state
	ReasonReplacement RollbackReason = iota
	// ReasonNotNoRollback means a stack paused in a failed state can only be
	// deployed with rollback disabled
	ReasonNotNoRollback
)

func (r RollbackReason) String() string {
	if r == ReasonReplacement {
		return "replacement"
	}
	return "not-norollback"
}

// NeedsRollbackFirst means the stack is paused in a failed state and must be
// rolled back before this deployment can go ahead
type NeedsRollbackFirst struct {
	Reason RollbackReason
}

// ReplacementRequiresNoRollback means the change set replaces resources,
// which is not possible with rollback disabled
type ReplacementRequiresNoRollback struct{}

func (*DidDeploy) isOutcome()                     {}
func (*NeedsRollbackFirst) isOutcome()            {}
func (*ReplacementRequiresNoRollback) isOutcome() {}

// ConfigError is a deployment request that can never succeed as given
type ConfigError struct {
	Message string
}

func (e *ConfigError) Error() string {
	return e.Message
}

// StackError is a stack operation that failed, together with the failure
// reasons the activity monitor saw
type StackError struct {
	Err     error
	Reasons []string
}

func (e *StackError) Error() string {
	return suffixWithErrors(e.Err.Error(), e.Reasons)
}

func (e *StackError) Unwrap() error {
	return e.Err
}

func suffixWithErrors(msg string, reasons []string) string {
	if len(reasons) == 0 {
		return msg
	}
	return fmt.Sprintf("%s: %s", msg, strings.Join(reasons, ", "))
}

// distinct keeps the first occurrence of every reason
func distinct(reasons []string) []string {
	seen := make(map[string]struct{}, len(reasons))
	out := make([]string, 0, len(reasons))
	for _, r := range reasons {
		if _, ok := seen[r]; ok {
			continue
		}
		seen[r] = struct{}{}
		out = append(out, r)
	}
	return out
}
