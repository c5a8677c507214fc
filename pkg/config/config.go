// Package config loads deployment settings from a YAML file.
package config

import "time"

// AllStacks keys parameters that apply to every stack
const AllStacks = "*"

// Config represents a deployment configuration document.
type Config struct {
	// Assembly is a synthesized cloud assembly directory, or the project to
	// synthesize when it holds a cdk.json
	Assembly string `yaml:"assembly,omitempty"`
	Repo     string `yaml:"repo,omitempty" validate:"omitempty,git_url"`

	Profile string `yaml:"profile,omitempty"`
	Region  string `yaml:"region,omitempty" validate:"omitempty,region"`

	Stacks []string `yaml:"stacks,omitempty" validate:"omitempty,dive,required"`

	// Parameters are keyed by stack name, or AllStacks
	Parameters       map[string]map[string]string `yaml:"parameters,omitempty"`
	Tags             map[string]string            `yaml:"tags,omitempty" validate:"omitempty,max=50,dive,keys,min=1,max=128,endkeys,max=256"`
	NotificationARNs []string                     `yaml:"notificationArns,omitempty" validate:"omitempty,max=5,dive,arn"`
	RoleARN          string                       `yaml:"roleArn,omitempty" validate:"omitempty,arn"`

	Hotswap       string `yaml:"hotswap,omitempty" validate:"omitempty,oneof=full-deployment fall-back hotswap-only"`
	Method        string `yaml:"method,omitempty" validate:"omitempty,oneof=change-set direct"`
	ChangeSetName string `yaml:"changeSetName,omitempty" validate:"omitempty,max=128,change_set_name"`
	Execute       bool   `yaml:"execute"`
	Rollback      bool   `yaml:"rollback"`
	Force         bool   `yaml:"force,omitempty"`

	Quiet        bool          `yaml:"quiet,omitempty"`
	Progress     string        `yaml:"progress,omitempty" validate:"omitempty,oneof=bar events"`
	PollInterval time.Duration `yaml:"pollInterval,omitempty" validate:"omitempty,min=100ms"`

	ToolkitBucket string `yaml:"toolkitBucket,omitempty"`
	LogLevel      string `yaml:"logLevel,omitempty" validate:"omitempty,oneof=trace debug info warn error"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		Hotswap:      "full-deployment",
		Method:       "change-set",
		Execute:      true,
		Rollback:     true,
		Progress:     "bar",
		PollInterval: 5 * time.Second,
		LogLevel:     "info",
	}
}

// ParametersFor returns the parameters of a stack. Values given for the
// stack win over the ones given for all stacks.
func (c *Config) ParametersFor(stackName string) map[string]string {
	out := map[string]string{}
	for k, v := range c.Parameters[AllStacks] {
		out[k] = v
	}
	for k, v := range c.Parameters[stackName] {
		out[k] = v
	}
	return out
}
