package cfn

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
)

// Known StatusReason prefixes of a FAILED change set that only means "nothing to do".
// The second one shows up when a Transform is involved.
var noChangeReasonPrefixes = []string{
	"The submitted information didn't contain changes.",
	noUpdatesMessage,
}

// ChangeSetHasNoChanges reports whether a change set failed only because
// there was nothing to change. An empty Changes list is not enough: output
// only updates produce one and still have to be executed.
func ChangeSetHasNoChanges(cs *cloudformation.DescribeChangeSetOutput) bool {
	if cs.Status != types.ChangeSetStatusFailed {
		return false
	}
	reason := aws.ToString(cs.StatusReason)
	for _, prefix := range noChangeReasonPrefixes {
		if strings.HasPrefix(reason, prefix) {
			return true
		}
	}
	return false
}

// DescribeChangeSet describes a change set. With fetchAll every page of
// changes is fetched and concatenated into the returned description.
func DescribeChangeSet(ctx context.Context, client ChangeSetAPI, stackName, changeSetName string, fetchAll bool) (*cloudformation.DescribeChangeSetOutput, error) {
	resp, err := client.DescribeChangeSet(ctx, &cloudformation.DescribeChangeSetInput{
		StackName:     aws.String(stackName),
		ChangeSetName: aws.String(changeSetName),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to describe change set %s: %w", changeSetName, err)
	}

	for fetchAll && resp.NextToken != nil {
		name := changeSetName
		if resp.ChangeSetId != nil {
			name = aws.ToString(resp.ChangeSetId)
		}
		next, err := client.DescribeChangeSet(ctx, &cloudformation.DescribeChangeSetInput{
			StackName:     aws.String(stackName),
			ChangeSetName: aws.String(name),
			NextToken:     resp.NextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to describe change set %s: %w", changeSetName, err)
		}
		resp.Changes = append(resp.Changes, next.Changes...)
		resp.NextToken = next.NextToken
	}

	return resp, nil
}

// WaitForChangeSet waits until a change set is ready to execute or has no
// changes. Any other terminal status is an error.
func (w *Waiter) WaitForChangeSet(ctx context.Context, stackName, changeSetName string, fetchAll bool) (*cloudformation.DescribeChangeSetOutput, error) {
	w.logger.Debug().Str("stack", stackName).Str("changeSet", changeSetName).Msg("waiting for change set to finish creating")

	return pollUntil(ctx, w.interval, func(ctx context.Context) (*cloudformation.DescribeChangeSetOutput, bool, error) {
		cs, err := DescribeChangeSet(ctx, w.client, stackName, changeSetName, fetchAll)
		if err != nil {
			return nil, false, err
		}

		switch {
		case cs.Status == types.ChangeSetStatusCreatePending || cs.Status == types.ChangeSetStatusCreateInProgress:
			w.logger.Debug().Str("stack", stackName).Str("changeSet", changeSetName).Msg("change set is still creating")
			return nil, false, nil
		case cs.Status == types.ChangeSetStatusCreateComplete || ChangeSetHasNoChanges(cs):
			return cs, true, nil
		}

		status := string(cs.Status)
		if status == "" {
			status = "NO_STATUS"
		}
		reason := aws.ToString(cs.StatusReason)
		if reason == "" {
			reason = "no reason provided"
		}
		return nil, false, fmt.Errorf("Failed to create ChangeSet %s on %s: %s, %s", changeSetName, stackName, status, reason)
	})
}

// CleanupOldChangeSet deletes a change set left behind under the reused
// name. The call succeeds whenever the stack exists, even if the change
// set does not.
func (w *Waiter) CleanupOldChangeSet(ctx context.Context, stackName, changeSetName string) error {
	w.logger.Debug().Str("changeSet", changeSetName).Msg("removing existing change set if it exists")

	_, err := w.client.DeleteChangeSet(ctx, &cloudformation.DeleteChangeSetInput{
		StackName:     aws.String(stackName),
		ChangeSetName: aws.String(changeSetName),
	})
	if err != nil {
		return fmt.Errorf("failed to delete change set %s: %w", changeSetName, err)
	}
	return nil
}

// RequiresReplacement reports whether any change carries a replace policy action
func RequiresReplacement(changes []types.Change) bool {
	for _, c := range changes {
		if c.ResourceChange == nil {
			continue
		}
		switch c.ResourceChange.PolicyAction {
		case types.PolicyActionReplaceAndDelete,
			types.PolicyActionReplaceAndRetain,
			types.PolicyActionReplaceAndSnapshot:
			return true
		}
	}
	return false
}
