// Package manifest generates declarative stack documents for applications, databases
// and bundled service templates.
package manifest

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// Kind selects the generator.
type Kind string

const (
	KindApplication Kind = "application"
	KindDatabase    Kind = "database"
	KindService     Kind = "service"
)

// StackVersion is the compose file format version emitted.
const StackVersion = "3.8"

// Stack is a compose v3 document accepted by `docker stack deploy`.
type Stack struct {
	Version  string                `yaml:"version"`
	Services map[string]*Service   `yaml:"services"`
	Networks map[string]External   `yaml:"networks,omitempty"`
	Volumes  map[string]External   `yaml:"volumes,omitempty"`
	Configs  map[string]ConfigFile `yaml:"configs,omitempty"`
}

// Service is one sub-service of a stack.
type Service struct {
	Image       string            `yaml:"image"`
	Command     string            `yaml:"command,omitempty"`
	Networks    []string          `yaml:"networks,omitempty"`
	Environment map[string]string `yaml:"environment,omitempty"`
	Volumes     []string          `yaml:"volumes,omitempty"`
	Ulimits     map[string]Ulimit `yaml:"ulimits,omitempty"`
	Configs     []ConfigMount     `yaml:"configs,omitempty"`
	Deploy      Deploy            `yaml:"deploy"`
}

// Ulimit is a soft/hard resource limit pair.
type Ulimit struct {
	Soft int `yaml:"soft"`
	Hard int `yaml:"hard"`
}

// Deploy is the swarm deploy strategy block.
type Deploy struct {
	Replicas       int          `yaml:"replicas"`
	UpdateConfig   UpdateConfig `yaml:"update_config"`
	RollbackConfig UpdateConfig `yaml:"rollback_config"`
	Labels         []string     `yaml:"labels"`
}

// UpdateConfig configures rolling updates and rollbacks.
type UpdateConfig struct {
	Parallelism int    `yaml:"parallelism"`
	Delay       string `yaml:"delay"`
	Order       string `yaml:"order"`
}

// External marks a network or volume provisioned outside the stack.
type External struct {
	External bool `yaml:"external"`
}

// ConfigFile is a swarm config sourced from a file.
type ConfigFile struct {
	File string `yaml:"file"`
}

// ConfigMount mounts a swarm config into a sub-service.
type ConfigMount struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

// rollover starts the new task before stopping the old one.
func rollover() UpdateConfig {
	return UpdateConfig{Parallelism: 0, Delay: "10s", Order: "start-first"}
}

func newDeploy(labels []string) Deploy {
	return Deploy{
		Replicas:       1,
		UpdateConfig:   rollover(),
		RollbackConfig: rollover(),
		Labels:         labels,
	}
}

// Manifest is a generated stack ready to be applied under Name.
type Manifest struct {
	Name  string
	Kind  Kind
	Stack *Stack
	// Files are written into Dir before deploying; Stack.Configs reference them.
	Dir   string
	Files map[string]string
}

// PrimaryService returns the fleet name of the stack's main sub-service.
func (m *Manifest) PrimaryService() string {
	return PrimaryServiceName(m.Name)
}

// PrimaryServiceName is the fleet name docker gives the sub-service keyed like its stack.
func PrimaryServiceName(stack string) string {
	return stack + "_" + stack
}

// YAML serializes the stack. Maps are emitted in sorted key order, so equal stacks
// produce identical bytes. Every `$` in a string value is written as `$$` so the
// fleet's variable interpolation yields the value unchanged.
func (m *Manifest) YAML() ([]byte, error) {
	var node yaml.Node
	if err := node.Encode(m.Stack); err != nil {
		return nil, fmt.Errorf("encoding stack %s: %w", m.Name, err)
	}
	rewriteValues(&node, escapeDollars)

	var buf bytes.Buffer
	enc := yaml.NewEncoder(&buf)
	enc.SetIndent(2)
	if err := enc.Encode(&node); err != nil {
		return nil, fmt.Errorf("encoding stack %s: %w", m.Name, err)
	}
	if err := enc.Close(); err != nil {
		return nil, fmt.Errorf("encoding stack %s: %w", m.Name, err)
	}
	return buf.Bytes(), nil
}

// WriteFiles materializes auxiliary files referenced by the stack's configs.
func (m *Manifest) WriteFiles() error {
	if len(m.Files) == 0 {
		return nil
	}
	if err := os.MkdirAll(m.Dir, 0o755); err != nil {
		return fmt.Errorf("creating manifest dir: %w", err)
	}
	names := make([]string, 0, len(m.Files))
	for name := range m.Files {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := os.WriteFile(filepath.Join(m.Dir, name), []byte(m.Files[name]), 0o644); err != nil {
			return fmt.Errorf("writing %s: %w", name, err)
		}
	}
	return nil
}

// Parse decodes a stack document the way the fleet reads it: `$$` in a string
// value stands for a literal `$`.
func Parse(doc []byte) (*Stack, error) {
	var node yaml.Node
	if err := yaml.Unmarshal(doc, &node); err != nil {
		return nil, fmt.Errorf("decoding stack: %w", err)
	}
	var s Stack
	if node.Kind == 0 {
		return &s, nil
	}
	rewriteValues(&node, unescapeDollars)
	if err := node.Decode(&s); err != nil {
		return nil, fmt.Errorf("decoding stack: %w", err)
	}
	return &s, nil
}

func escapeDollars(v string) string   { return strings.ReplaceAll(v, "$", "$$") }
func unescapeDollars(v string) string { return strings.ReplaceAll(v, "$$", "$") }

// rewriteValues applies fn to every string scalar below n except mapping keys.
func rewriteValues(n *yaml.Node, fn func(string) string) {
	switch n.Kind {
	case yaml.DocumentNode, yaml.SequenceNode:
		for _, c := range n.Content {
			rewriteValues(c, fn)
		}
	case yaml.MappingNode:
		for i := 1; i < len(n.Content); i += 2 {
			rewriteValues(n.Content[i], fn)
		}
	case yaml.ScalarNode:
		if n.ShortTag() == "!!str" {
			n.Value = fn(n.Value)
		}
	}
}
