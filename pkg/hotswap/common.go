package hotswap

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/aws/aws-sdk-go-v2/aws"

	"cdk-reconciler/pkg/evaluate"
)

// decodeInto copies an evaluated template value into an SDK input shape.
// Template property names match SDK field names up to case.
func decodeInto(value any, out any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to encode evaluated properties: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to convert evaluated properties to %T: %w", out, err)
	}
	return nil
}

// evaluateOptionalString evaluates expr, keeping a nil expression unset
func evaluateOptionalString(ctx context.Context, eval *evaluate.Evaluator, expr any) (*string, error) {
	if expr == nil {
		return nil, nil
	}
	s, err := eval.EvaluateString(ctx, expr)
	if err != nil {
		return nil, err
	}
	return aws.String(s), nil
}

func stringValue(v any) *string {
	switch s := v.(type) {
	case string:
		return aws.String(s)
	case nil:
		return nil
	}
	return aws.String(fmt.Sprint(v))
}

// stringifyValues turns every scalar leaf into a string, the form custom
// resource handlers receive their properties in
func stringifyValues(v any) any {
	switch x := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = stringifyValues(item)
		}
		return out
	case []any:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = stringifyValues(item)
		}
		return out
	case nil:
		return nil
	case string:
		return x
	}
	return fmt.Sprint(v)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
