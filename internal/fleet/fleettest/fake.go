// Package fleettest provides an in-memory Fleet for tests.
package fleettest

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/narvanalabs/stackpilot/internal/fleet"
	"github.com/narvanalabs/stackpilot/internal/manifest"
)

// Fake is an in-memory fleet. DeployStack parses the document and materializes its
// services with their deploy labels, so label projections behave as on a real engine.
type Fake struct {
	mu       sync.Mutex
	stacks   map[string][]fleet.Service
	docs     map[string][]byte
	images   map[string]bool
	tasks    map[string][]fleet.Task
	logs     map[string][]string
	deploys  []string
	removals []string
	builds   []string

	// BuildOutput is streamed by every BuildImage call.
	BuildOutput []string
	// BuildErr fails BuildImage after streaming BuildOutput.
	BuildErr error
	// DeployErr fails DeployStack.
	DeployErr error
	// ListErr fails ListServices.
	ListErr error
}

var _ fleet.Fleet = (*Fake)(nil)

// New creates an empty fake fleet.
func New() *Fake {
	return &Fake{
		stacks: map[string][]fleet.Service{},
		docs:   map[string][]byte{},
		images: map[string]bool{},
		tasks:  map[string][]fleet.Task{},
		logs:   map[string][]string{},
	}
}

func (f *Fake) ListServices(_ context.Context, selector map[string]string) ([]fleet.Service, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ListErr != nil {
		return nil, f.ListErr
	}

	var out []fleet.Service
	for _, services := range f.stacks {
	next:
		for _, svc := range services {
			for k, v := range selector {
				if svc.Labels[k] != v {
					continue next
				}
			}
			out = append(out, svc)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (f *Fake) ServiceTasks(_ context.Context, service string) ([]fleet.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fleet.Task(nil), f.tasks[service]...), nil
}

// ServiceLogs returns the lines set with SetLogs. Services that are neither
// deployed nor given logs are not found.
func (f *Fake) ServiceLogs(_ context.Context, service string, tail int) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	lines, ok := f.logs[service]
	if !ok && !f.deployed(service) {
		return nil, fleet.ErrServiceNotFound
	}
	if tail > 0 && len(lines) > tail {
		lines = lines[len(lines)-tail:]
	}
	return append([]string(nil), lines...), nil
}

func (f *Fake) deployed(service string) bool {
	for _, services := range f.stacks {
		for _, svc := range services {
			if svc.Name == service {
				return true
			}
		}
	}
	return false
}

func (f *Fake) BuildImage(_ context.Context, _ string, ref string, onOutput fleet.OutputFunc) error {
	f.mu.Lock()
	output := append([]string(nil), f.BuildOutput...)
	buildErr := f.BuildErr
	f.builds = append(f.builds, ref)
	f.mu.Unlock()

	for _, line := range output {
		if onOutput != nil {
			onOutput(line)
		}
	}
	if buildErr != nil {
		return buildErr
	}

	f.mu.Lock()
	f.images[ref] = true
	f.mu.Unlock()
	return nil
}

func (f *Fake) ImageExists(_ context.Context, ref string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.images[ref], nil
}

func (f *Fake) DeployStack(_ context.Context, name string, doc []byte, _ bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.DeployErr != nil {
		return f.DeployErr
	}

	stack, err := manifest.Parse(doc)
	if err != nil {
		return err
	}
	services := make([]fleet.Service, 0, len(stack.Services))
	for key, svc := range stack.Services {
		labels := manifest.SplitLabels(svc.Deploy.Labels)
		labels[fleet.StackNamespaceLabel] = name
		env := make([]string, 0, len(svc.Environment))
		for k, v := range svc.Environment {
			env = append(env, k+"="+v)
		}
		sort.Strings(env)
		fullName := name + "_" + key
		services = append(services, fleet.Service{
			ID:     "svc-" + fullName,
			Name:   fullName,
			Image:  svc.Image,
			Labels: labels,
			Env:    env,
		})
	}
	f.stacks[name] = services
	f.docs[name] = append([]byte(nil), doc...)
	f.deploys = append(f.deploys, name)
	return nil
}

func (f *Fake) RemoveStack(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.stacks, name)
	delete(f.docs, name)
	f.removals = append(f.removals, name)
	return nil
}

func (f *Fake) Ping(context.Context) error { return nil }

// AddImage marks ref as present.
func (f *Fake) AddImage(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.images[ref] = true
}

// SetTasks replaces the tasks reported for service.
func (f *Fake) SetTasks(service string, tasks ...fleet.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks[service] = tasks
}

// SetLogs replaces the output lines reported for service.
func (f *Fake) SetLogs(service string, lines ...string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.logs[service] = lines
}

// Doc returns the last document deployed under name.
func (f *Fake) Doc(name string) ([]byte, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	doc, ok := f.docs[name]
	return doc, ok
}

// Deploys returns the stack names passed to DeployStack, in call order.
func (f *Fake) Deploys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.deploys...)
}

// Removals returns the stack names passed to RemoveStack, in call order.
func (f *Fake) Removals() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.removals...)
}

// Builds returns the image references passed to BuildImage, in call order.
func (f *Fake) Builds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.builds...)
}

// Stacks returns the names of deployed stacks.
func (f *Fake) Stacks() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	names := make([]string, 0, len(f.stacks))
	for n := range f.stacks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// String summarizes the fake for test failure output.
func (f *Fake) String() string {
	return fmt.Sprintf("fleettest.Fake{stacks: %v, deploys: %v, removals: %v}", f.Stacks(), f.Deploys(), f.Removals())
}
