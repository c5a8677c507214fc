package cfn

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
)

const (
	ssmParameterTypePrefix = "AWS::SSM::Parameter::"
	ssmSkipMarker          = "[cdk:skip]"
)

// ParameterChange is the outcome of ParameterValues.HasChanges
type ParameterChange int

const (
	// ParametersUnchanged means the stack can keep its current parameters
	ParametersUnchanged ParameterChange = iota
	// ParametersChanged means a value was added, removed or modified
	ParametersChanged
	// ParametersSSM means an SSM backed parameter cannot be compared client side
	ParametersSSM
)

func (c ParameterChange) String() string {
	switch c {
	case ParametersChanged:
		return "changed"
	case ParametersSSM:
		return "ssm"
	}
	return "unchanged"
}

// ParameterDeclaration is one entry of a template's Parameters section
type ParameterDeclaration struct {
	Type        string
	Default     *string
	Description string
}

// TemplateParameters are the formal parameters declared by a template
type TemplateParameters struct {
	params map[string]ParameterDeclaration
}

// NewTemplateParameters reads the declarations out of a template's Parameters section
func NewTemplateParameters(section map[string]any) *TemplateParameters {
	params := make(map[string]ParameterDeclaration, len(section))
	for name, raw := range section {
		decl := ParameterDeclaration{}
		if m, ok := raw.(map[string]any); ok {
			decl.Type, _ = m["Type"].(string)
			decl.Description, _ = m["Description"].(string)
			if def, ok := m["Default"]; ok && def != nil {
				decl.Default = aws.String(scalarString(def))
			}
		}
		params[name] = decl
	}
	return &TemplateParameters{params: params}
}

// SupplyAll resolves every parameter from updates or template defaults
func (t *TemplateParameters) SupplyAll(updates map[string]*string) (*ParameterValues, error) {
	return t.resolve(updates, nil)
}

// UpdateExisting resolves parameters from updates, then the values the stack
// was deployed with, then template defaults.
func (t *TemplateParameters) UpdateExisting(updates map[string]*string, previous map[string]string) (*ParameterValues, error) {
	if previous == nil {
		previous = map[string]string{}
	}
	return t.resolve(updates, previous)
}

func (t *TemplateParameters) resolve(updates map[string]*string, previous map[string]string) (*ParameterValues, error) {
	values := &ParameterValues{
		formal: t,
		values: map[string]string{},
	}

	var missing []string
	for _, key := range t.keys() {
		decl := t.params[key]
		if v, ok := updates[key]; ok && v != nil {
			values.values[key] = *v
			values.apiParameters = append(values.apiParameters, types.Parameter{
				ParameterKey:   aws.String(key),
				ParameterValue: aws.String(*v),
			})
			continue
		}
		if prev, ok := previous[key]; ok {
			values.values[key] = prev
			values.apiParameters = append(values.apiParameters, types.Parameter{
				ParameterKey:     aws.String(key),
				UsePreviousValue: aws.Bool(true),
			})
			continue
		}
		if decl.Default != nil {
			// CloudFormation applies the default itself
			values.values[key] = *decl.Default
			continue
		}
		missing = append(missing, key)
	}

	if len(missing) > 0 {
		return nil, &ParameterError{Missing: missing}
	}

	// Unknown keys are forwarded so the provider can complain about typos
	for _, key := range sortedUpdateKeys(updates) {
		if _, declared := t.params[key]; declared {
			continue
		}
		v := updates[key]
		if v == nil || *v == "" {
			continue
		}
		values.values[key] = *v
		values.apiParameters = append(values.apiParameters, types.Parameter{
			ParameterKey:   aws.String(key),
			ParameterValue: aws.String(*v),
		})
	}

	return values, nil
}

func (t *TemplateParameters) keys() []string {
	keys := make([]string, 0, len(t.params))
	for k := range t.params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// ParameterValues is the resolved parameter set of one deployment
type ParameterValues struct {
	formal        *TemplateParameters
	values        map[string]string
	apiParameters []types.Parameter
}

// Values returns the resolved values keyed by parameter name
func (p *ParameterValues) Values() map[string]string {
	return p.values
}

// APIParameters returns the parameters in the shape CloudFormation expects
func (p *ParameterValues) APIParameters() []types.Parameter {
	return p.apiParameters
}

// HasChanges compares the resolved values against the deployed ones
func (p *ParameterValues) HasChanges(current map[string]string) ParameterChange {
	for _, decl := range p.formal.params {
		if strings.HasPrefix(decl.Type, ssmParameterTypePrefix) && !strings.Contains(decl.Description, ssmSkipMarker) {
			return ParametersSSM
		}
	}

	for key, value := range current {
		next, ok := p.values[key]
		if !ok || next != value {
			return ParametersChanged
		}
	}
	for key := range p.values {
		if _, ok := current[key]; !ok {
			return ParametersChanged
		}
	}
	return ParametersUnchanged
}

func sortedUpdateKeys(m map[string]*string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func scalarString(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case []any:
		parts := make([]string, 0, len(x))
		for _, item := range x {
			parts = append(parts, scalarString(item))
		}
		return strings.Join(parts, ",")
	}
	return fmt.Sprint(v)
}
