// Package evaluate resolves CloudFormation intrinsic functions in a template
// against the resources that are currently deployed.
package evaluate

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"

	"cdk-reconciler/pkg/cfn"
	"cdk-reconciler/pkg/template"
)

// EvaluationError means an expression could not be resolved client side
type EvaluationError struct {
	Message string
}

func (e *EvaluationError) Error() string {
	return e.Message
}

func evalErrorf(format string, args ...any) error {
	return &EvaluationError{Message: fmt.Sprintf(format, args...)}
}

// Options configures an Evaluator
type Options struct {
	StackName  string
	Template   template.Template
	Parameters map[string]string
	Account    string
	Region     string
	Partition  string
	Client     cfn.ResourcesAPI
}

// Reference is a resource whose definition refers to another logical ID
type Reference struct {
	LogicalID  string
	Type       string
	Properties map[string]any
}

// Evaluator evaluates expressions of one stack template. Deployed resources
// and exports are listed once, on first use, and shared by every caller.
type Evaluator struct {
	stackName string
	template  template.Template
	context   map[string]string
	account   string
	region    string
	partition string
	client    cfn.ResourcesAPI

	mu        sync.Mutex
	resources []types.StackResourceSummary
	exports   map[string]string
}

// New creates an Evaluator for a stack
func New(opts Options) *Evaluator {
	partition := opts.Partition
	if partition == "" {
		partition = "aws"
	}

	ctxValues := map[string]string{
		"AWS::AccountId": opts.Account,
		"AWS::Region":    opts.Region,
		"AWS::Partition": partition,
		"AWS::URLSuffix": urlSuffix(partition),
		"AWS::StackName": opts.StackName,
	}
	for k, v := range opts.Parameters {
		ctxValues[k] = v
	}

	return &Evaluator{
		stackName: opts.StackName,
		template:  opts.Template,
		context:   ctxValues,
		account:   opts.Account,
		region:    opts.Region,
		partition: partition,
		client:    opts.Client,
	}
}

func urlSuffix(partition string) string {
	switch partition {
	case "aws-cn":
		return "amazonaws.com.cn"
	case "aws-iso":
		return "c2s.ic.gov"
	case "aws-iso-b":
		return "sc2s.sgov.gov"
	}
	return "amazonaws.com"
}

// StackName returns the name of the evaluated stack
func (e *Evaluator) StackName() string { return e.stackName }

// Template returns the desired template being evaluated
func (e *Evaluator) Template() template.Template { return e.template }

// Account returns the target account
func (e *Evaluator) Account() string { return e.account }

// Region returns the target region
func (e *Evaluator) Region() string { return e.region }

// Partition returns the target partition
func (e *Evaluator) Partition() string { return e.partition }

// CreateNested returns an evaluator for a nested stack. The nested stack's
// Parameters property is evaluated in the parent scope.
func (e *Evaluator) CreateNested(ctx context.Context, stackName string, nested template.Template, parameters map[string]any) (*Evaluator, error) {
	values := make(map[string]string, len(parameters))
	for k, expr := range parameters {
		v, err := e.EvaluateString(ctx, expr)
		if err != nil {
			return nil, err
		}
		values[k] = v
	}

	return New(Options{
		StackName:  stackName,
		Template:   nested,
		Parameters: values,
		Account:    e.account,
		Region:     e.region,
		Partition:  e.partition,
		Client:     e.client,
	}), nil
}

// EstablishResourcePhysicalName returns the physical name of a resource,
// from its name property when that can be evaluated and from the deployed
// stack otherwise. An empty result means the resource is not deployed.
func (e *Evaluator) EstablishResourcePhysicalName(ctx context.Context, logicalID string, nameInTemplate any) (string, error) {
	if nameInTemplate != nil {
		name, err := e.EvaluateString(ctx, nameInTemplate)
		if err == nil {
			return name, nil
		}
		if !isEvaluationError(err) {
			return "", err
		}
	}
	return e.FindPhysicalNameFor(ctx, logicalID)
}

// FindPhysicalNameFor looks up the physical ID of a deployed resource
func (e *Evaluator) FindPhysicalNameFor(ctx context.Context, logicalID string) (string, error) {
	resources, err := e.listResources(ctx)
	if err != nil {
		return "", err
	}
	for _, r := range resources {
		if aws.ToString(r.LogicalResourceId) == logicalID {
			return aws.ToString(r.PhysicalResourceId), nil
		}
	}
	return "", nil
}

// FindLogicalIDForPhysicalName is the reverse of FindPhysicalNameFor
func (e *Evaluator) FindLogicalIDForPhysicalName(ctx context.Context, physicalName string) (string, error) {
	resources, err := e.listResources(ctx)
	if err != nil {
		return "", err
	}
	for _, r := range resources {
		if aws.ToString(r.PhysicalResourceId) == physicalName {
			return aws.ToString(r.LogicalResourceId), nil
		}
	}
	return "", nil
}

// FindReferencesTo returns every other resource of the template that uses
// logicalID through Ref, Fn::GetAtt or a Fn::Sub placeholder.
func (e *Evaluator) FindReferencesTo(logicalID string) []Reference {
	resources := e.template.Resources()
	ids := make([]string, 0, len(resources))
	for id := range resources {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var refs []Reference
	for _, id := range ids {
		if id == logicalID {
			continue
		}
		res := template.ResourceFrom(resources[id])
		if res == nil || !references(logicalID, res.Raw) {
			continue
		}
		refs = append(refs, Reference{LogicalID: id, Type: res.Type, Properties: res.Properties})
	}
	return refs
}

// GetResourceProperty returns a property of a resource in the desired template
func (e *Evaluator) GetResourceProperty(logicalID, property string) any {
	res, ok := e.template.Resource(logicalID)
	if !ok {
		return nil
	}
	return res.Property(property)
}

func references(logicalID string, value any) bool {
	switch v := value.(type) {
	case []any:
		for _, item := range v {
			if references(logicalID, item) {
				return true
			}
		}
	case map[string]any:
		if ref, ok := v["Ref"].(string); ok && len(v) == 1 {
			return ref == logicalID
		}
		if getAtt, ok := v["Fn::GetAtt"]; ok && len(v) == 1 {
			return getAttTarget(getAtt) == logicalID
		}
		if sub, ok := v["Fn::Sub"]; ok && len(v) == 1 && subReferences(logicalID, sub) {
			return true
		}
		for key, item := range v {
			if key == "DependsOn" {
				continue
			}
			if references(logicalID, item) {
				return true
			}
		}
	}
	return false
}

func getAttTarget(arg any) string {
	switch a := arg.(type) {
	case []any:
		if len(a) > 0 {
			s, _ := a[0].(string)
			return s
		}
	case string:
		return strings.SplitN(a, ".", 2)[0]
	}
	return ""
}

func subReferences(logicalID string, arg any) bool {
	var body string
	switch a := arg.(type) {
	case string:
		body = a
	case []any:
		if len(a) > 0 {
			body, _ = a[0].(string)
		}
		if len(a) > 1 && references(logicalID, a[1]) {
			return true
		}
	}
	for _, m := range subPlaceholder.FindAllStringSubmatch(body, -1) {
		if strings.SplitN(m[1], ".", 2)[0] == logicalID {
			return true
		}
	}
	return false
}

// EvaluateString evaluates an expression that must produce a string
func (e *Evaluator) EvaluateString(ctx context.Context, expr any) (string, error) {
	v, err := e.Evaluate(ctx, expr)
	if err != nil {
		return "", err
	}
	return stringify(v)
}

// Evaluate resolves every intrinsic function inside expr
func (e *Evaluator) Evaluate(ctx context.Context, expr any) (any, error) {
	switch v := expr.(type) {
	case []any:
		out := make([]any, 0, len(v))
		for _, item := range v {
			r, err := e.Evaluate(ctx, item)
			if err != nil {
				return nil, err
			}
			out = append(out, r)
		}
		return out, nil
	case map[string]any:
		if name, arg, ok := intrinsic(v); ok {
			return e.evaluateIntrinsic(ctx, name, arg)
		}
		out := make(map[string]any, len(v))
		for k, item := range v {
			r, err := e.Evaluate(ctx, item)
			if err != nil {
				return nil, err
			}
			out[k] = r
		}
		return out, nil
	}
	return expr, nil
}

func intrinsic(m map[string]any) (string, any, bool) {
	if len(m) != 1 {
		return "", nil, false
	}
	for k, v := range m {
		if k == "Ref" || strings.HasPrefix(k, "Fn::") {
			return k, v, true
		}
	}
	return "", nil, false
}

func (e *Evaluator) evaluateIntrinsic(ctx context.Context, name string, arg any) (any, error) {
	switch name {
	case "Ref":
		ref, ok := arg.(string)
		if !ok {
			return nil, evalErrorf("Ref expects a logical ID, got %v", arg)
		}
		return e.ref(ctx, ref)
	case "Fn::GetAtt":
		return e.getAtt(ctx, arg)
	case "Fn::Join":
		return e.join(ctx, arg)
	case "Fn::Split":
		return e.split(ctx, arg)
	case "Fn::Select":
		return e.selectFn(ctx, arg)
	case "Fn::Sub":
		return e.sub(ctx, arg)
	case "Fn::ImportValue":
		return e.importValue(ctx, arg)
	case "Fn::Base64":
		s, err := e.EvaluateString(ctx, arg)
		if err != nil {
			return nil, err
		}
		return base64.StdEncoding.EncodeToString([]byte(s)), nil
	}
	return nil, evalErrorf("We don't support the '%s' function", name)
}

func (e *Evaluator) ref(ctx context.Context, logicalID string) (any, error) {
	if logicalID == "AWS::NoValue" {
		return nil, nil
	}
	if v, ok := e.context[logicalID]; ok {
		return v, nil
	}
	physical, err := e.FindPhysicalNameFor(ctx, logicalID)
	if err != nil {
		return nil, err
	}
	if physical == "" {
		return nil, evalErrorf("Parameter or resource '%s' could not be found for evaluation", logicalID)
	}
	return physical, nil
}

func (e *Evaluator) getAtt(ctx context.Context, arg any) (any, error) {
	var logicalID, attribute string
	switch a := arg.(type) {
	case []any:
		if len(a) != 2 {
			return nil, evalErrorf("Fn::GetAtt expects two arguments, got %d", len(a))
		}
		logicalID, _ = a[0].(string)
		attr, err := e.EvaluateString(ctx, a[1])
		if err != nil {
			return nil, err
		}
		attribute = attr
	case string:
		parts := strings.SplitN(a, ".", 2)
		if len(parts) != 2 {
			return nil, evalErrorf("Fn::GetAtt expects 'LogicalId.Attribute', got '%s'", a)
		}
		logicalID, attribute = parts[0], parts[1]
	default:
		return nil, evalErrorf("Fn::GetAtt has an unsupported argument %v", arg)
	}
	return e.attribute(ctx, logicalID, attribute)
}

func (e *Evaluator) join(ctx context.Context, arg any) (any, error) {
	args, ok := arg.([]any)
	if !ok || len(args) != 2 {
		return nil, evalErrorf("Fn::Join expects a delimiter and a list")
	}
	delimiter, _ := args[0].(string)
	list, err := e.Evaluate(ctx, args[1])
	if err != nil {
		return nil, err
	}
	items, ok := list.([]any)
	if !ok {
		return nil, evalErrorf("Fn::Join expects a list of values")
	}
	parts := make([]string, 0, len(items))
	for _, item := range items {
		s, err := stringify(item)
		if err != nil {
			return nil, err
		}
		parts = append(parts, s)
	}
	return strings.Join(parts, delimiter), nil
}

func (e *Evaluator) split(ctx context.Context, arg any) (any, error) {
	args, ok := arg.([]any)
	if !ok || len(args) != 2 {
		return nil, evalErrorf("Fn::Split expects a delimiter and a string")
	}
	delimiter, _ := args[0].(string)
	source, err := e.EvaluateString(ctx, args[1])
	if err != nil {
		return nil, err
	}
	parts := strings.Split(source, delimiter)
	out := make([]any, 0, len(parts))
	for _, p := range parts {
		out = append(out, p)
	}
	return out, nil
}

func (e *Evaluator) selectFn(ctx context.Context, arg any) (any, error) {
	args, ok := arg.([]any)
	if !ok || len(args) != 2 {
		return nil, evalErrorf("Fn::Select expects an index and a list")
	}
	rawIndex, err := e.Evaluate(ctx, args[0])
	if err != nil {
		return nil, err
	}
	index, err := toIndex(rawIndex)
	if err != nil {
		return nil, err
	}
	list, err := e.Evaluate(ctx, args[1])
	if err != nil {
		return nil, err
	}
	items, ok := list.([]any)
	if !ok {
		return nil, evalErrorf("Fn::Select expects a list of values")
	}
	if index < 0 || index >= len(items) {
		return nil, evalErrorf("Fn::Select index %d is out of range", index)
	}
	return items[index], nil
}

func toIndex(v any) (int, error) {
	switch x := v.(type) {
	case float64:
		return int(x), nil
	case int:
		return x, nil
	case string:
		n, err := strconv.Atoi(x)
		if err != nil {
			return 0, evalErrorf("Fn::Select index '%s' is not a number", x)
		}
		return n, nil
	}
	return 0, evalErrorf("Fn::Select index %v is not a number", v)
}

var subPlaceholder = regexp.MustCompile(`\$\{([^}]*)\}`)

func (e *Evaluator) sub(ctx context.Context, arg any) (any, error) {
	var body string
	vars := map[string]any{}
	switch a := arg.(type) {
	case string:
		body = a
	case []any:
		if len(a) == 0 {
			return nil, evalErrorf("Fn::Sub expects a string")
		}
		body, _ = a[0].(string)
		if len(a) > 1 {
			m, ok := a[1].(map[string]any)
			if !ok {
				return nil, evalErrorf("Fn::Sub variables must be a map")
			}
			vars = m
		}
	default:
		return nil, evalErrorf("Fn::Sub has an unsupported argument %v", arg)
	}

	var evalErr error
	out := subPlaceholder.ReplaceAllStringFunc(body, func(match string) string {
		if evalErr != nil {
			return match
		}
		key := match[2 : len(match)-1]
		if strings.HasPrefix(key, "!") {
			return "${" + key[1:] + "}"
		}

		var value any
		var err error
		switch {
		case vars[key] != nil:
			value, err = e.Evaluate(ctx, vars[key])
		case strings.Contains(key, ".") && e.context[key] == "":
			parts := strings.SplitN(key, ".", 2)
			value, err = e.attribute(ctx, parts[0], parts[1])
		default:
			value, err = e.ref(ctx, key)
		}
		if err != nil {
			evalErr = err
			return match
		}
		s, err := stringify(value)
		if err != nil {
			evalErr = err
			return match
		}
		return s
	})
	if evalErr != nil {
		return nil, evalErr
	}
	return out, nil
}

func (e *Evaluator) importValue(ctx context.Context, arg any) (any, error) {
	name, err := e.EvaluateString(ctx, arg)
	if err != nil {
		return nil, err
	}
	exports, err := e.listExports(ctx)
	if err != nil {
		return nil, err
	}
	value, ok := exports[name]
	if !ok {
		return nil, evalErrorf("Export '%s' could not be found for evaluation", name)
	}
	return value, nil
}

func (e *Evaluator) listResources(ctx context.Context) ([]types.StackResourceSummary, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.resources != nil {
		return e.resources, nil
	}

	resources := []types.StackResourceSummary{}
	var nextToken *string
	for {
		out, err := e.client.ListStackResources(ctx, &cloudformation.ListStackResourcesInput{
			StackName: aws.String(e.stackName),
			NextToken: nextToken,
		})
		if err != nil {
			return nil, fmt.Errorf("failed to list resources of stack %s: %w", e.stackName, err)
		}
		resources = append(resources, out.StackResourceSummaries...)
		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}
	e.resources = resources
	return resources, nil
}

func (e *Evaluator) listExports(ctx context.Context) (map[string]string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.exports != nil {
		return e.exports, nil
	}

	exports := map[string]string{}
	var nextToken *string
	for {
		out, err := e.client.ListExports(ctx, &cloudformation.ListExportsInput{NextToken: nextToken})
		if err != nil {
			return nil, fmt.Errorf("failed to list exports: %w", err)
		}
		for _, exp := range out.Exports {
			exports[aws.ToString(exp.Name)] = aws.ToString(exp.Value)
		}
		if out.NextToken == nil {
			break
		}
		nextToken = out.NextToken
	}
	e.exports = exports
	return exports, nil
}

func stringify(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(x), nil
	case nil:
		return "", nil
	}
	return "", evalErrorf("cannot use %v as a string", v)
}

func isEvaluationError(err error) bool {
	var evalErr *EvaluationError
	return errors.As(err, &evalErr)
}
