package models

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ConfigurationType identifies what a Configuration deploys.
type ConfigurationType string

const (
	ConfigurationTypeApplication ConfigurationType = "application"
	ConfigurationTypeDatabase    ConfigurationType = "database"
	ConfigurationTypeService     ConfigurationType = "service"
)

// Configuration is the unit of deployment intent.
type Configuration struct {
	General    General    `json:"general"`
	Repository Repository `json:"repository"`
	Build      Build      `json:"build"`
	Publish    Publish    `json:"publish"`
	Database   *Database  `json:"database,omitempty"`
	Service    *Service   `json:"service,omitempty"`
}

// General holds identity and per-attempt fields.
type General struct {
	Nickname                   string            `json:"nickname"`
	DeployID                   string            `json:"deployId"`
	Workdir                    string            `json:"workdir"`
	Type                       ConfigurationType `json:"type"`
	PullRequest                int               `json:"pullRequest"`
	IsPreviewDeploymentEnabled bool              `json:"isPreviewDeploymentEnabled"`
}

// Repository identifies the source-control target.
type Repository struct {
	ID           int64  `json:"id"`
	Organization string `json:"organization"`
	Name         string `json:"name"`
	Branch       string `json:"branch"`
}

// Build describes how the source is turned into an image.
type Build struct {
	Pack      string       `json:"pack"`
	Directory string       `json:"directory"`
	Command   BuildCommand `json:"command"`
	Container Container    `json:"container"`
}

// BuildCommand holds the optional commands used by generated Dockerfiles.
type BuildCommand struct {
	Installation string `json:"installation,omitempty"`
	Build        string `json:"build,omitempty"`
	Start        string `json:"start,omitempty"`
}

// Container is the target image reference.
type Container struct {
	Name string `json:"name"`
	Tag  string `json:"tag"`
}

// Image returns the image reference name:tag.
func (c Container) Image() string {
	return c.Name + ":" + c.Tag
}

// Publish describes the externally reachable address.
type Publish struct {
	Domain  string   `json:"domain"`
	Path    string   `json:"path"`
	Port    int      `json:"port"`
	Secrets []Secret `json:"secrets,omitempty"`
}

// Secret is an environment variable injected into the running service.
type Secret struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Database holds generated credentials for database deploys.
type Database struct {
	Type                string   `json:"type"`
	Usernames           []string `json:"usernames,omitempty"`
	Passwords           []string `json:"passwords,omitempty"`
	DefaultDatabaseName string   `json:"defaultDatabaseName,omitempty"`
}

// Service holds template settings and generated secrets for service-template deploys.
type Service struct {
	Template string            `json:"template"`
	Instance string            `json:"instance,omitempty"`
	BaseURL  string            `json:"baseURL,omitempty"`
	Settings map[string]string `json:"settings,omitempty"`
	Secrets  map[string]string `json:"secrets,omitempty"`
}

// NaturalKey identifies a deployable target.
type NaturalKey struct {
	Organization string `json:"organization"`
	Name         string `json:"name"`
	Branch       string `json:"branch"`
	PullRequest  int    `json:"pullRequest"`
}

// String renders the key as org/name@branch[#pr].
func (k NaturalKey) String() string {
	s := fmt.Sprintf("%s/%s@%s", k.Organization, k.Name, k.Branch)
	if k.PullRequest != 0 {
		s += fmt.Sprintf("#%d", k.PullRequest)
	}
	return s
}

// Target is the build queue deduplication key.
type Target struct {
	Organization string `json:"organization"`
	Name         string `json:"name"`
	Branch       string `json:"branch"`
	Domain       string `json:"domain"`
}

// String renders the target as a stable lock key.
func (t Target) String() string {
	return strings.Join([]string{t.Organization, t.Name, t.Branch, t.Domain}, "/")
}

// NaturalKey returns the configuration's natural key.
func (c *Configuration) NaturalKey() NaturalKey {
	return NaturalKey{
		Organization: c.Repository.Organization,
		Name:         c.Repository.Name,
		Branch:       c.Repository.Branch,
		PullRequest:  c.General.PullRequest,
	}
}

// Target returns the deduplication key of the configuration.
func (c *Configuration) Target() Target {
	return Target{
		Organization: c.Repository.Organization,
		Name:         c.Repository.Name,
		Branch:       c.Repository.Branch,
		Domain:       c.Publish.Domain,
	}
}

// IsPreview reports whether the configuration belongs to a pull request.
func (c *Configuration) IsPreview() bool {
	return c.General.PullRequest != 0
}

// Clone returns a deep copy of the configuration.
func (c *Configuration) Clone() *Configuration {
	out := *c
	if c.Publish.Secrets != nil {
		out.Publish.Secrets = append([]Secret(nil), c.Publish.Secrets...)
	}
	if c.Database != nil {
		db := *c.Database
		db.Usernames = append([]string(nil), c.Database.Usernames...)
		db.Passwords = append([]string(nil), c.Database.Passwords...)
		out.Database = &db
	}
	if c.Service != nil {
		svc := *c.Service
		svc.Settings = copyMap(c.Service.Settings)
		svc.Secrets = copyMap(c.Service.Secrets)
		out.Service = &svc
	}
	return &out
}

// Redacted returns a copy safe to hand to API callers: secret values are masked.
func (c *Configuration) Redacted() *Configuration {
	out := c.Clone()
	for i := range out.Publish.Secrets {
		out.Publish.Secrets[i].Value = "********"
	}
	if out.Database != nil {
		for i := range out.Database.Passwords {
			out.Database.Passwords[i] = "********"
		}
	}
	if out.Service != nil {
		for k := range out.Service.Secrets {
			out.Service.Secrets[k] = "********"
		}
		for k := range out.Service.Settings {
			if strings.Contains(strings.ToLower(k), "password") {
				out.Service.Settings[k] = "********"
			}
		}
	}
	return out
}

// MarshalLabel serializes the configuration for embedding in a service label.
func (c *Configuration) MarshalLabel() (string, error) {
	b, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshaling configuration: %w", err)
	}
	return string(b), nil
}

func copyMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
