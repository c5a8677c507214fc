package cdk

import (
	"errors"
	"sort"
)

var (
	// ErrNeedsRollbackFirst is returned for a stack paused in a failed state
	// that has to be rolled back before it can be deployed
	ErrNeedsRollbackFirst = errors.New("stack needs to be rolled back first")

	// ErrReplacementRequiresRollback is returned when a deployment with rollback
	// disabled would replace resources
	ErrReplacementRequiresRollback = errors.New("replacing resources requires rollback to be enabled")
)

// StackOutput represents a CloudFormation stack output
type StackOutput struct {
	Key   string
	Value string
}

// DeployResult contains the result of a deployment
type DeployResult struct {
	StackName string
	StackARN  string
	NoOp      bool
	Outputs   []StackOutput
}

func sortedOutputs(outputs map[string]string) []StackOutput {
	out := make([]StackOutput, 0, len(outputs))
	for k, v := range outputs {
		out = append(out, StackOutput{Key: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}
