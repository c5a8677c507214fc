package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// Parse decodes a template body. JSON is tried first; anything else is read as
// YAML, including the CloudFormation short-form intrinsic tags (!Ref, !Sub, ...).
func Parse(body string) (Template, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return Template{}, nil
	}

	if strings.HasPrefix(trimmed, "{") {
		var t Template
		if err := json.Unmarshal([]byte(trimmed), &t); err == nil {
			return t, nil
		}
	}

	var doc yaml.Node
	if err := yaml.Unmarshal([]byte(body), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}

	value, err := fromNode(&doc)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}
	if value == nil {
		return Template{}, nil
	}

	m, ok := value.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("failed to parse template: top level is %T, not a mapping", value)
	}
	return Template(m), nil
}

func fromNode(node *yaml.Node) (any, error) {
	switch node.Kind {
	case yaml.DocumentNode:
		if len(node.Content) == 0 {
			return nil, nil
		}
		return fromNode(node.Content[0])
	case yaml.AliasNode:
		return fromNode(node.Alias)
	}

	value, err := plainValue(node)
	if err != nil {
		return nil, err
	}

	if fn, ok := intrinsicTag(node.Tag); ok {
		return shortForm(fn, value), nil
	}
	return value, nil
}

func plainValue(node *yaml.Node) (any, error) {
	switch node.Kind {
	case yaml.MappingNode:
		out := make(map[string]any, len(node.Content)/2)
		for i := 0; i+1 < len(node.Content); i += 2 {
			key := node.Content[i].Value
			value, err := fromNode(node.Content[i+1])
			if err != nil {
				return nil, err
			}
			out[key] = value
		}
		return out, nil
	case yaml.SequenceNode:
		out := make([]any, 0, len(node.Content))
		for _, child := range node.Content {
			value, err := fromNode(child)
			if err != nil {
				return nil, err
			}
			out = append(out, value)
		}
		return out, nil
	case yaml.ScalarNode:
		return scalarValue(node)
	}
	return nil, fmt.Errorf("unsupported yaml node kind %d at line %d", node.Kind, node.Line)
}

func scalarValue(node *yaml.Node) (any, error) {
	// Intrinsic short forms always carry a string payload for scalars.
	if _, ok := intrinsicTag(node.Tag); ok {
		return node.Value, nil
	}

	switch node.ShortTag() {
	case "!!null":
		return nil, nil
	case "!!bool":
		b, err := strconv.ParseBool(strings.ToLower(node.Value))
		if err != nil {
			return node.Value, nil
		}
		return b, nil
	case "!!int", "!!float":
		f, err := strconv.ParseFloat(node.Value, 64)
		if err != nil {
			return node.Value, nil
		}
		return f, nil
	default:
		return node.Value, nil
	}
}

// intrinsicTag maps a local yaml tag such as "!GetAtt" to its long-form key.
func intrinsicTag(tag string) (string, bool) {
	if !strings.HasPrefix(tag, "!") || strings.HasPrefix(tag, "!!") {
		return "", false
	}
	name := strings.TrimPrefix(tag, "!")
	switch name {
	case "Ref", "Condition":
		return name, true
	case "":
		return "", false
	}
	return "Fn::" + name, true
}

func shortForm(fn string, value any) any {
	if fn == "Fn::GetAtt" {
		if s, ok := value.(string); ok {
			parts := strings.SplitN(s, ".", 2)
			attr := make([]any, 0, len(parts))
			for _, p := range parts {
				attr = append(attr, p)
			}
			return map[string]any{fn: attr}
		}
	}
	return map[string]any{fn: value}
}
