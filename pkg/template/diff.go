package template

import (
	"sort"

	"github.com/google/go-cmp/cmp"
)

// PropertyDifference is the before/after value of one property
type PropertyDifference struct {
	OldValue any
	NewValue any
}

// ResourceDifference is the difference for a single logical ID
type ResourceDifference struct {
	OldValue *Resource
	NewValue *Resource

	// PropertyDiffs holds changed entries of the Properties section, keyed by property name
	PropertyDiffs map[string]PropertyDifference

	// OtherDiffs holds changed top-level keys besides Type and Properties (Metadata, DependsOn, ...)
	OtherDiffs map[string]PropertyDifference
}

// IsAddition reports whether the resource only exists in the new template
func (d *ResourceDifference) IsAddition() bool {
	return d.OldValue == nil && d.NewValue != nil
}

// IsRemoval reports whether the resource only exists in the old template
func (d *ResourceDifference) IsRemoval() bool {
	return d.OldValue != nil && d.NewValue == nil
}

// IsUpdate reports whether the resource exists on both sides
func (d *ResourceDifference) IsUpdate() bool {
	return d.OldValue != nil && d.NewValue != nil
}

// OldResourceType returns the type before the change, empty for additions
func (d *ResourceDifference) OldResourceType() string {
	if d.OldValue == nil {
		return ""
	}
	return d.OldValue.Type
}

// NewResourceType returns the type after the change, empty for removals
func (d *ResourceDifference) NewResourceType() string {
	if d.NewValue == nil {
		return ""
	}
	return d.NewValue.Type
}

// OutputDifference is the before/after value of a stack output
type OutputDifference struct {
	OldValue any
	NewValue any
}

// TemplateDiff is the structural difference between two templates
type TemplateDiff struct {
	Resources map[string]*ResourceDifference
	Outputs   map[string]OutputDifference
}

// ResourceIDs returns the changed logical IDs in sorted order
func (d *TemplateDiff) ResourceIDs() []string {
	return sortedKeys(d.Resources)
}

// OutputIDs returns the changed output names in sorted order
func (d *TemplateDiff) OutputIDs() []string {
	return sortedKeys(d.Outputs)
}

// FullDiff computes the resource and output differences between the deployed
// template and the desired one. Unchanged entries are left out.
func FullDiff(current, desired Template) *TemplateDiff {
	diff := &TemplateDiff{
		Resources: make(map[string]*ResourceDifference),
		Outputs:   make(map[string]OutputDifference),
	}

	oldResources := current.Resources()
	newResources := desired.Resources()
	for _, id := range unionKeys(oldResources, newResources) {
		oldRaw, inOld := oldResources[id]
		newRaw, inNew := newResources[id]
		if inOld && inNew && cmp.Equal(oldRaw, newRaw) {
			continue
		}

		// Additions and removals report every property against a nil counterpart
		rd := &ResourceDifference{}
		var oldProps, newProps, oldOther, newOther map[string]any
		if inOld {
			rd.OldValue = ResourceFrom(oldRaw)
			oldProps, oldOther = splitResource(rd.OldValue)
		}
		if inNew {
			rd.NewValue = ResourceFrom(newRaw)
			newProps, newOther = splitResource(rd.NewValue)
		}
		rd.PropertyDiffs = diffMaps(oldProps, newProps)
		rd.OtherDiffs = diffMaps(oldOther, newOther)
		diff.Resources[id] = rd
	}

	oldOutputs := current.Outputs()
	newOutputs := desired.Outputs()
	for _, id := range unionKeys(oldOutputs, newOutputs) {
		if cmp.Equal(oldOutputs[id], newOutputs[id]) {
			continue
		}
		diff.Outputs[id] = OutputDifference{OldValue: oldOutputs[id], NewValue: newOutputs[id]}
	}

	return diff
}

// Equal reports deep equality of two decoded template values
func Equal(a, b any) bool {
	return cmp.Equal(a, b)
}

func diffMaps(oldMap, newMap map[string]any) map[string]PropertyDifference {
	out := make(map[string]PropertyDifference)
	for _, key := range unionKeys(oldMap, newMap) {
		if cmp.Equal(oldMap[key], newMap[key]) {
			continue
		}
		out[key] = PropertyDifference{OldValue: oldMap[key], NewValue: newMap[key]}
	}
	return out
}

func splitResource(r *Resource) (props, other map[string]any) {
	if r == nil {
		return nil, nil
	}
	other = make(map[string]any, len(r.Raw))
	for k, v := range r.Raw {
		if k == "Type" || k == "Properties" {
			continue
		}
		other[k] = v
	}
	return r.Properties, other
}

func unionKeys(a, b map[string]any) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	for k := range a {
		seen[k] = struct{}{}
	}
	for k := range b {
		seen[k] = struct{}{}
	}
	return sortedKeys(seen)
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
