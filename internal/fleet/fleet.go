// Package fleet talks to the container orchestrator that runs deployed stacks.
package fleet

import (
	"context"
	"errors"
)

// StackNamespaceLabel is set by the orchestrator on every service of a stack.
const StackNamespaceLabel = "com.docker.stack.namespace"

// ErrServiceNotFound means the named service does not exist.
var ErrServiceNotFound = errors.New("service not found")

// Service is a running fleet service.
type Service struct {
	ID     string
	Name   string
	Image  string
	Labels map[string]string
	Env    []string
}

// Stack returns the name of the stack the service belongs to.
func (s Service) Stack() string {
	return s.Labels[StackNamespaceLabel]
}

// Task is one scheduled replica of a service.
type Task struct {
	ID           string
	ServiceID    string
	Image        string
	DesiredState string
	State        string
	Err          string
}

// Shutdown reports whether the orchestrator stopped the task instead of keeping it running.
func (t Task) Shutdown() bool {
	return t.DesiredState != "" && t.DesiredState != "running"
}

// Crashed reports whether the task was shut down because its container failed.
func (t Task) Crashed() bool {
	return t.Shutdown() && (t.State == "failed" || t.State == "rejected")
}

// OutputFunc receives build output one line at a time.
type OutputFunc func(line string)

// Fleet is the orchestrator surface the control plane uses.
type Fleet interface {
	// ListServices returns services whose labels contain every selector pair.
	ListServices(ctx context.Context, selector map[string]string) ([]Service, error)
	// ServiceTasks returns the tasks of the named service.
	ServiceTasks(ctx context.Context, service string) ([]Task, error)
	// ServiceLogs returns the last tail output lines of the named service, oldest
	// first. A tail of zero returns everything. Unknown services yield ErrServiceNotFound.
	ServiceLogs(ctx context.Context, service string, tail int) ([]string, error)
	// BuildImage builds dir into ref, streaming output lines to onOutput.
	BuildImage(ctx context.Context, dir, ref string, onOutput OutputFunc) error
	// ImageExists reports whether ref is present locally.
	ImageExists(ctx context.Context, ref string) (bool, error)
	// DeployStack applies doc under name. Applying an unchanged doc is a no-op.
	DeployStack(ctx context.Context, name string, doc []byte, prune bool) error
	// RemoveStack removes every service of the stack.
	RemoveStack(ctx context.Context, name string) error
	// Ping checks that the orchestrator is reachable.
	Ping(ctx context.Context) error
}
