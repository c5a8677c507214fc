package template

import (
	"encoding/json"
	"fmt"
)

const (
	// StackResourceType is the resource type of a nested stack
	StackResourceType = "AWS::CloudFormation::Stack"

	// AssetPathMetadataKey holds the assembly-relative template file of a nested stack
	AssetPathMetadataKey = "aws:asset:path"
)

// Template is a decoded CloudFormation template
type Template map[string]any

// Resource is one entry of a template's Resources section
type Resource struct {
	Type       string
	Properties map[string]any
	Metadata   map[string]any
	Raw        map[string]any
}

// Section returns a top-level section of the template as a map
func (t Template) Section(name string) map[string]any {
	if t == nil {
		return nil
	}
	section, _ := t[name].(map[string]any)
	return section
}

// Resources returns the Resources section
func (t Template) Resources() map[string]any {
	return t.Section("Resources")
}

// Outputs returns the Outputs section
func (t Template) Outputs() map[string]any {
	return t.Section("Outputs")
}

// Parameters returns the Parameters section
func (t Template) Parameters() map[string]any {
	return t.Section("Parameters")
}

// Resource looks up a single resource by logical ID
func (t Template) Resource(logicalID string) (*Resource, bool) {
	raw, ok := t.Resources()[logicalID]
	if !ok {
		return nil, false
	}
	res := ResourceFrom(raw)
	return res, res != nil
}

// ResourceFrom converts a raw resource definition into a Resource
func ResourceFrom(raw any) *Resource {
	m, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	res := &Resource{Raw: m}
	res.Type, _ = m["Type"].(string)
	res.Properties, _ = m["Properties"].(map[string]any)
	res.Metadata, _ = m["Metadata"].(map[string]any)
	return res
}

// Property returns a single property value, nil if unset
func (r *Resource) Property(name string) any {
	if r == nil || r.Properties == nil {
		return nil
	}
	return r.Properties[name]
}

// Clone returns a deep copy of the template through a JSON round trip
func (t Template) Clone() (Template, error) {
	if t == nil {
		return Template{}, nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to copy template: %w", err)
	}
	var out Template
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("failed to copy template: %w", err)
	}
	return out, nil
}

// ToJSON serializes the template as the canonical JSON body sent to CloudFormation
func (t Template) ToJSON() (string, error) {
	if t == nil {
		return "{}", nil
	}
	data, err := json.Marshal(t)
	if err != nil {
		return "", fmt.Errorf("failed to serialize template: %w", err)
	}
	return string(data), nil
}
