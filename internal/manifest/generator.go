package manifest

import (
	"fmt"
	"strings"

	perrors "github.com/narvanalabs/stackpilot/internal/errors"
	"github.com/narvanalabs/stackpilot/internal/models"
	"github.com/narvanalabs/stackpilot/internal/secrets"
)

// Generator builds stacks attached to a single shared overlay network.
type Generator struct {
	network string
	secrets secrets.Generator
}

// NewGenerator creates a Generator for the given external network.
func NewGenerator(network string, gen secrets.Generator) *Generator {
	if gen == nil {
		gen = secrets.RandomGenerator{}
	}
	return &Generator{network: network, secrets: gen}
}

// Generate builds the stack for cfg. Missing database and template credentials are
// generated and written into cfg so later generations reuse them; with credentials
// present the result depends on cfg alone.
func (g *Generator) Generate(cfg *models.Configuration, kind Kind) (*Manifest, error) {
	switch kind {
	case KindApplication:
		return g.application(cfg)
	case KindDatabase:
		return g.database(cfg)
	case KindService:
		return g.service(cfg)
	default:
		return nil, perrors.Validation("unknown manifest kind %q", kind)
	}
}

// KindFor maps a configuration type to its manifest kind.
func KindFor(cfg *models.Configuration) Kind {
	switch cfg.General.Type {
	case models.ConfigurationTypeDatabase:
		return KindDatabase
	case models.ConfigurationTypeService:
		return KindService
	default:
		return KindApplication
	}
}

func (g *Generator) newStack() *Stack {
	return &Stack{
		Version:  StackVersion,
		Services: map[string]*Service{},
		Networks: map[string]External{g.network: {External: true}},
	}
}

func (g *Generator) application(cfg *models.Configuration) (*Manifest, error) {
	name := cfg.Build.Container.Name
	if name == "" || cfg.Build.Container.Tag == "" {
		return nil, perrors.Validation("build.container name and tag are required")
	}
	if cfg.Publish.Domain == "" {
		return nil, perrors.Validation("publish.domain is required")
	}

	labels, err := descriptorLabels(KindApplication, cfg)
	if err != nil {
		return nil, err
	}
	labels = append(labels, routingLabels(name, cfg.Publish.Domain, cfg.Publish.Path, cfg.Publish.Port)...)

	var env map[string]string
	if len(cfg.Publish.Secrets) > 0 {
		env = make(map[string]string, len(cfg.Publish.Secrets))
		for _, s := range cfg.Publish.Secrets {
			env[s.Name] = s.Value
		}
	}

	stack := g.newStack()
	stack.Services[name] = &Service{
		Image:       cfg.Build.Container.Image(),
		Networks:    []string{g.network},
		Environment: env,
		Deploy:      newDeploy(labels),
	}
	return &Manifest{Name: name, Kind: KindApplication, Stack: stack}, nil
}

func (g *Generator) database(cfg *models.Configuration) (*Manifest, error) {
	if cfg.Database == nil {
		return nil, perrors.Validation("database section is required")
	}
	engine, ok := Engines[cfg.Database.Type]
	if !ok {
		return nil, perrors.Validation("unsupported database type %q", cfg.Database.Type)
	}
	id := cfg.General.DeployID
	if id == "" {
		return nil, perrors.Validation("general.deployId is required")
	}
	if err := g.ensureDatabaseSecrets(cfg); err != nil {
		return nil, err
	}

	labels, err := descriptorLabels(KindDatabase, cfg)
	if err != nil {
		return nil, err
	}

	volume := fmt.Sprintf("%s-%s-data", id, cfg.Database.Type)
	svc := &Service{
		Image:       engine.Image,
		Networks:    []string{g.network},
		Environment: engine.Env(cfg.Database),
		Volumes:     []string{volume + ":" + engine.DataPath},
		Deploy:      newDeploy(labels),
	}
	if engine.NoFile > 0 {
		svc.Ulimits = map[string]Ulimit{"nofile": {Soft: engine.NoFile, Hard: engine.NoFile}}
	}

	stack := g.newStack()
	stack.Services[id] = svc
	stack.Volumes = map[string]External{volume: {External: true}}
	return &Manifest{Name: id, Kind: KindDatabase, Stack: stack}, nil
}

func (g *Generator) ensureDatabaseSecrets(cfg *models.Configuration) error {
	db := cfg.Database
	for len(db.Usernames) < 2 {
		u, err := g.secrets.Username(10)
		if err != nil {
			return fmt.Errorf("generating username: %w", err)
		}
		db.Usernames = append(db.Usernames, u)
	}
	for len(db.Passwords) < 2 {
		p, err := g.secrets.Password(24)
		if err != nil {
			return fmt.Errorf("generating password: %w", err)
		}
		db.Passwords = append(db.Passwords, p)
	}
	if db.DefaultDatabaseName == "" {
		db.DefaultDatabaseName = strings.ReplaceAll(cfg.General.Nickname, "-", "_")
	}
	return nil
}

func (g *Generator) service(cfg *models.Configuration) (*Manifest, error) {
	if cfg.Service == nil {
		return nil, perrors.Validation("service section is required")
	}
	tmpl, ok := Templates[cfg.Service.Template]
	if !ok {
		return nil, perrors.Validation("unknown service template %q", cfg.Service.Template)
	}
	host := strings.TrimPrefix(strings.TrimPrefix(cfg.Service.BaseURL, "https://"), "http://")
	if host == "" {
		return nil, perrors.Validation("service.baseURL is required")
	}
	for _, key := range tmpl.RequiredSettings {
		if cfg.Service.Settings[key] == "" {
			return nil, perrors.Validation("service setting %q is required", key)
		}
	}
	if err := g.ensureServiceSecrets(cfg, tmpl); err != nil {
		return nil, err
	}

	name := serviceInstance(cfg)
	labels, err := descriptorLabels(KindService, cfg)
	if err != nil {
		return nil, err
	}

	stack := g.newStack()
	in := templateInput{
		name:     name,
		host:     host,
		network:  g.network,
		workdir:  cfg.General.Workdir,
		settings: cfg.Service.Settings,
		secrets:  cfg.Service.Secrets,
	}
	files := tmpl.Build(in, stack)

	primary, ok := stack.Services[name]
	if !ok {
		return nil, fmt.Errorf("template %s produced no primary service", tmpl.Name)
	}
	for key, svc := range stack.Services {
		svc.Networks = []string{g.network}
		if key == name {
			continue
		}
		svc.Deploy = newDeploy(append([]string(nil), labels...))
	}
	primary.Deploy = newDeploy(append(labels, routingLabels(name, host, "/", tmpl.Port)...))

	return &Manifest{Name: name, Kind: KindService, Stack: stack, Dir: cfg.General.Workdir, Files: files}, nil
}

func (g *Generator) ensureServiceSecrets(cfg *models.Configuration, tmpl Template) error {
	svc := cfg.Service
	if svc.Secrets == nil {
		svc.Secrets = map[string]string{}
	}
	for _, spec := range tmpl.Secrets {
		if svc.Secrets[spec.Key] != "" {
			continue
		}
		var (
			v   string
			err error
		)
		if spec.Username {
			v, err = g.secrets.Username(spec.Length)
		} else {
			v, err = g.secrets.Password(spec.Length)
		}
		if err != nil {
			return fmt.Errorf("generating %s: %w", spec.Key, err)
		}
		svc.Secrets[spec.Key] = v
	}
	if tmpl.InstancePrefix != "" && svc.Instance == "" {
		suffix, err := g.secrets.Username(5)
		if err != nil {
			return fmt.Errorf("generating instance name: %w", err)
		}
		svc.Instance = tmpl.InstancePrefix + suffix
	}
	return nil
}

// serviceInstance is the stack name of a service-template deploy.
func serviceInstance(cfg *models.Configuration) string {
	if cfg.Service.Instance != "" {
		return cfg.Service.Instance
	}
	return cfg.Service.Template
}
