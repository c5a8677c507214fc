package cfn

import (
	"strings"

	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
)

// StatusNotFound is the status reported for a stack that does not exist
const StatusNotFound = "NOT_FOUND"

// StackStatus is a stack status with the reason the provider gave for it
type StackStatus struct {
	Name   string
	Reason string
}

// NewStackStatus builds a StackStatus from the provider's values
func NewStackStatus(status types.StackStatus, reason string) StackStatus {
	return StackStatus{Name: string(status), Reason: reason}
}

// IsNotFound reports whether the stack does not exist
func (s StackStatus) IsNotFound() bool {
	return s.Name == StatusNotFound
}

// IsCreationFailure reports whether the first creation of the stack failed and rolled back
func (s StackStatus) IsCreationFailure() bool {
	return s.Name == string(types.StackStatusRollbackComplete) ||
		s.Name == string(types.StackStatusRollbackFailed)
}

// IsDeleted reports whether the stack is in any of the DELETE_ states
func (s StackStatus) IsDeleted() bool {
	return strings.HasPrefix(s.Name, "DELETE_")
}

// IsFailure reports whether the last operation on the stack failed
func (s StackStatus) IsFailure() bool {
	return strings.HasSuffix(s.Name, "FAILED")
}

// IsReviewInProgress reports whether the stack only exists as a pending change set
func (s StackStatus) IsReviewInProgress() bool {
	return s.Name == string(types.StackStatusReviewInProgress)
}

// IsInProgress reports whether an operation is still running on the stack
func (s StackStatus) IsInProgress() bool {
	return strings.HasSuffix(s.Name, "_IN_PROGRESS") && !s.IsReviewInProgress()
}

// IsDeploySuccess reports whether the last create, update or import completed
func (s StackStatus) IsDeploySuccess() bool {
	switch types.StackStatus(s.Name) {
	case types.StackStatusCreateComplete, types.StackStatusUpdateComplete, types.StackStatusImportComplete:
		return true
	}
	return false
}

// IsRollbackable reports whether the stack is paused in a failed state that
// has to be rolled back (or explicitly continued) before the next update.
func (s StackStatus) IsRollbackable() bool {
	switch types.StackStatus(s.Name) {
	case types.StackStatusCreateFailed,
		types.StackStatusUpdateFailed,
		types.StackStatusUpdateRollbackFailed,
		types.StackStatusImportRollbackFailed:
		return true
	}
	return false
}

func (s StackStatus) String() string {
	if s.Reason == "" {
		return s.Name
	}
	return s.Name + " (" + s.Reason + ")"
}
