// Package assembly reads a synthesized cloud assembly directory.
package assembly

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cdk-reconciler/pkg/template"
)

const (
	manifestFile = "manifest.json"

	// StackArtifactType is the manifest type of a CloudFormation stack
	StackArtifactType = "aws:cloudformation:stack"

	// LogicalIDMetadataType maps a construct path to the logical ID it synthesized
	LogicalIDMetadataType = "aws:cdk:logicalId"
)

// Manifest is the subset of manifest.json the deployer understands
type Manifest struct {
	Version   string                      `json:"version"`
	Artifacts map[string]ArtifactManifest `json:"artifacts"`
}

// ArtifactManifest describes one artifact of the assembly
type ArtifactManifest struct {
	Type         string                     `json:"type"`
	Environment  string                     `json:"environment"`
	DisplayName  string                     `json:"displayName"`
	Dependencies []string                   `json:"dependencies"`
	Properties   *StackProperties           `json:"properties"`
	Metadata     map[string][]MetadataEntry `json:"metadata"`
}

// StackProperties are the properties of a stack artifact
type StackProperties struct {
	TemplateFile          string            `json:"templateFile"`
	StackName             string            `json:"stackName"`
	Parameters            map[string]string `json:"parameters"`
	Tags                  map[string]string `json:"tags"`
	TerminationProtection bool              `json:"terminationProtection"`
	NotificationARNs      []string          `json:"notificationArns"`
}

// MetadataEntry is one piece of construct metadata
type MetadataEntry struct {
	Type  string   `json:"type"`
	Data  any      `json:"data"`
	Trace []string `json:"trace,omitempty"`
}

// MetadataMatch is a metadata entry together with its construct path
type MetadataMatch struct {
	Path string
	MetadataEntry
}

// Assembly is a loaded cloud assembly
type Assembly struct {
	Directory string
	Stacks    []*StackArtifact
}

// StackArtifact is one stack of the assembly with its template loaded
type StackArtifact struct {
	ID                    string
	StackName             string
	DisplayName           string
	TemplateFile          string
	Template              template.Template
	Parameters            map[string]string
	Tags                  map[string]string
	TerminationProtection bool
	NotificationARNs      []string
	Metadata              map[string][]MetadataEntry
	Dependencies          []string
	Account               string
	Region                string

	// Directory is the assembly directory; nested templates are resolved against it
	Directory string
}

// Read loads the manifest and every stack template under dir
func Read(dir string) (*Assembly, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read cloud assembly manifest: %w", err)
	}

	var manifest Manifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("failed to parse cloud assembly manifest: %w", err)
	}

	asm := &Assembly{Directory: dir}
	ids := make([]string, 0, len(manifest.Artifacts))
	for id := range manifest.Artifacts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, id := range ids {
		artifact := manifest.Artifacts[id]
		if artifact.Type != StackArtifactType || artifact.Properties == nil {
			continue
		}
		stack, err := loadStack(dir, id, artifact)
		if err != nil {
			return nil, err
		}
		asm.Stacks = append(asm.Stacks, stack)
	}

	if len(asm.Stacks) == 0 {
		return nil, fmt.Errorf("no stacks found in cloud assembly %s", dir)
	}
	return asm, nil
}

func loadStack(dir, id string, artifact ArtifactManifest) (*StackArtifact, error) {
	props := artifact.Properties

	body, err := os.ReadFile(filepath.Join(dir, props.TemplateFile))
	if err != nil {
		return nil, fmt.Errorf("failed to read template for stack %s: %w", id, err)
	}
	tpl, err := template.Parse(string(body))
	if err != nil {
		return nil, fmt.Errorf("failed to parse template for stack %s: %w", id, err)
	}

	stack := &StackArtifact{
		ID:                    id,
		StackName:             props.StackName,
		DisplayName:           artifact.DisplayName,
		TemplateFile:          props.TemplateFile,
		Template:              tpl,
		Parameters:            props.Parameters,
		Tags:                  props.Tags,
		TerminationProtection: props.TerminationProtection,
		NotificationARNs:      props.NotificationARNs,
		Metadata:              artifact.Metadata,
		Dependencies:          artifact.Dependencies,
		Directory:             dir,
	}
	if stack.StackName == "" {
		stack.StackName = id
	}
	if stack.DisplayName == "" {
		stack.DisplayName = id
	}
	stack.Account, stack.Region = parseEnvironment(artifact.Environment)
	return stack, nil
}

// parseEnvironment splits "aws://account/region". Unresolved placeholders
// become empty strings.
func parseEnvironment(env string) (account, region string) {
	rest, ok := strings.CutPrefix(env, "aws://")
	if !ok {
		return "", ""
	}
	account, region, _ = strings.Cut(rest, "/")
	if strings.HasPrefix(account, "unknown-") {
		account = ""
	}
	if strings.HasPrefix(region, "unknown-") {
		region = ""
	}
	return account, region
}

// Stack returns the stack artifact with the given stack name or artifact ID
func (a *Assembly) Stack(name string) (*StackArtifact, bool) {
	for _, s := range a.Stacks {
		if s.StackName == name || s.ID == name {
			return s, true
		}
	}
	return nil, false
}

// Select returns the stacks matching names, or every stack when names is empty
func (a *Assembly) Select(names ...string) ([]*StackArtifact, error) {
	if len(names) == 0 {
		return a.Stacks, nil
	}
	out := make([]*StackArtifact, 0, len(names))
	for _, name := range names {
		s, ok := a.Stack(name)
		if !ok {
			return nil, fmt.Errorf("no stack named '%s' in the cloud assembly", name)
		}
		out = append(out, s)
	}
	return out, nil
}

// FindMetadataByType returns every metadata entry of the given type, ordered by path
func (s *StackArtifact) FindMetadataByType(metadataType string) []MetadataMatch {
	paths := make([]string, 0, len(s.Metadata))
	for p := range s.Metadata {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	var out []MetadataMatch
	for _, p := range paths {
		for _, entry := range s.Metadata[p] {
			if entry.Type == metadataType {
				out = append(out, MetadataMatch{Path: p, MetadataEntry: entry})
			}
		}
	}
	return out
}

// ConstructPathForLogicalID returns the construct path and creation trace of
// the resource that synthesized logicalID
func (s *StackArtifact) ConstructPathForLogicalID(logicalID string) (string, []string, bool) {
	for _, m := range s.FindMetadataByType(LogicalIDMetadataType) {
		if id, ok := m.Data.(string); ok && id == logicalID {
			return m.Path, m.Trace, true
		}
	}
	return "", nil, false
}

// NestedTemplate reads a nested stack template referenced by an asset path
func (s *StackArtifact) NestedTemplate(assetPath string) (template.Template, error) {
	body, err := os.ReadFile(filepath.Join(s.Directory, assetPath))
	if err != nil {
		return nil, fmt.Errorf("failed to read nested template %s: %w", assetPath, err)
	}
	return template.Parse(string(body))
}
