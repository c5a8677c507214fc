package deploy

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"

	"cdk-reconciler/pkg/cfn"
)

// DestroyStack deletes the deployed stack of an artifact. A stack that does
// not exist is left alone.
func DestroyStack(ctx context.Context, opts Options) error {
	name := opts.deployName()
	logger := opts.Logger.With().Str("stack", name).Logger()

	stack, err := cfn.LookupStack(ctx, opts.CFN, name)
	if err != nil {
		return err
	}
	if !stack.Exists() {
		logger.Debug().Msg("stack does not exist, nothing to destroy")
		return nil
	}

	m := startMonitor(ctx, &opts, name, time.Now(), 0)

	_, err = opts.CFN.DeleteStack(ctx, &cloudformation.DeleteStackInput{
		StackName: aws.String(name),
		RoleARN:   opts.roleARN(),
	})
	if err != nil {
		err = fmt.Errorf("failed to delete stack %s: %w", name, err)
	} else {
		var remaining *cfn.Stack
		remaining, err = opts.waiter().WaitForStackDelete(ctx, name)
		if err == nil && remaining != nil && remaining.Status().Name != string(types.StackStatusDeleteComplete) {
			err = errors.New(remaining.Status().String())
		}
	}

	var reasons []string
	if m != nil {
		m.Stop(ctx)
		reasons = distinct(m.Errors())
	}
	if err != nil {
		return &StackError{Err: fmt.Errorf("Failed to destroy %s: %w", name, err), Reasons: reasons}
	}
	return nil
}
