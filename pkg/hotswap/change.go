// Package hotswap decides which template changes can be applied directly to
// live resources and applies them without a CloudFormation deployment.
package hotswap

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"cdk-reconciler/pkg/template"
)

// Mode selects how hotswapping relates to a CloudFormation deployment
type Mode int

const (
	// FullDeployment never hotswaps
	FullDeployment Mode = iota
	// FallBack hotswaps only when every change can be hotswapped, otherwise deploys
	FallBack
	// HotswapOnly applies what it can and ignores the rest
	HotswapOnly
)

func (m Mode) String() string {
	switch m {
	case FallBack:
		return "fall-back"
	case HotswapOnly:
		return "hotswap-only"
	default:
		return "full-deployment"
	}
}

// ParseMode parses the configuration spelling of a mode
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "full-deployment", "full_deployment":
		return FullDeployment, nil
	case "fall-back", "fall_back", "fallback":
		return FallBack, nil
	case "hotswap-only", "hotswap_only":
		return HotswapOnly, nil
	}
	return FullDeployment, fmt.Errorf("unknown hotswap mode %q", s)
}

// ApplyFunc performs a hotswap against live resources
type ApplyFunc func(ctx context.Context, clients *Clients) error

// ClassifiedChange is either a *Hotswappable or a *NonHotswappable
type ClassifiedChange interface {
	classified()
}

// Hotswappable is a change that can be applied directly
type Hotswappable struct {
	ResourceType  string
	PropsChanged  []string
	Service       string
	ResourceNames []string
	Apply         ApplyFunc
}

// NonHotswappable is a change that needs a CloudFormation deployment
type NonHotswappable struct {
	ResourceType    string
	LogicalID       string
	Reason          string
	RejectedChanges []string

	// HotswapOnlyVisible is false for changes reported elsewhere as a side
	// effect; those are hidden in hotswap-only mode.
	HotswapOnlyVisible bool
}

func (*Hotswappable) classified()    {}
func (*NonHotswappable) classified() {}

// Classification splits the changes of a diff into the two kinds
type Classification struct {
	Hotswappable    []*Hotswappable
	NonHotswappable []*NonHotswappable
}

func (c *Classification) add(changes ...ClassifiedChange) {
	for _, change := range changes {
		switch ch := change.(type) {
		case *Hotswappable:
			c.Hotswappable = append(c.Hotswappable, ch)
		case *NonHotswappable:
			c.NonHotswappable = append(c.NonHotswappable, ch)
		}
	}
}

func (c *Classification) merge(other *Classification) {
	c.Hotswappable = append(c.Hotswappable, other.Hotswappable...)
	c.NonHotswappable = append(c.NonHotswappable, other.NonHotswappable...)
}

// Change is the input of a detector: one updated resource that the
// structural checks did not reject
type Change struct {
	LogicalID       string
	OldValue        *template.Resource
	NewValue        *template.Resource
	PropertyUpdates map[string]template.PropertyDifference
}

func newChange(logicalID string, diff *template.ResourceDifference) *Change {
	return &Change{
		LogicalID:       logicalID,
		OldValue:        diff.OldValue,
		NewValue:        diff.NewValue,
		PropertyUpdates: diff.PropertyDiffs,
	}
}

// UpdatedProperties returns the names of the changed properties in sorted order
func (c *Change) UpdatedProperties() []string {
	names := make([]string, 0, len(c.PropertyUpdates))
	for name := range c.PropertyUpdates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ResourceType returns the resource type after the change
func (c *Change) ResourceType() string {
	return c.NewValue.Type
}

// nonHotswappable reports change as requiring a deployment. A nil rejected
// list rejects every updated property.
func nonHotswappable(change *Change, rejected []string, reason string, visible bool) *NonHotswappable {
	if rejected == nil {
		rejected = change.UpdatedProperties()
	}
	return &NonHotswappable{
		ResourceType:       change.ResourceType(),
		LogicalID:          change.LogicalID,
		Reason:             reason,
		RejectedChanges:    rejected,
		HotswapOnlyVisible: visible,
	}
}

// classifyProperties checks the updated properties against an allow-list.
// A resource is hotswapped as a whole or not at all, so any rejected
// property makes the whole change non-hotswappable.
func classifyProperties(change *Change, allowed ...string) (hotswappable []string, rejection *NonHotswappable) {
	allow := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		allow[name] = true
	}

	var rejected []string
	for _, name := range change.UpdatedProperties() {
		if allow[name] {
			hotswappable = append(hotswappable, name)
		} else {
			rejected = append(rejected, name)
		}
	}

	if len(rejected) > 0 {
		reason := fmt.Sprintf("resource properties '%s' are not hotswappable on this resource type", strings.Join(rejected, ", "))
		return nil, nonHotswappable(change, rejected, reason, true)
	}
	return hotswappable, nil
}
