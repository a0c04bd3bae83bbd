package fleet

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/docker/pkg/stdcopy"
)

// Docker is a Fleet backed by a Swarm-mode Docker engine. Queries and builds go through
// the Engine API; stack deploy and removal shell out to the docker CLI, which owns the
// compose-to-service translation.
type Docker struct {
	api    *client.Client
	cli    string
	host   string
	logger *slog.Logger
}

// NewDocker creates a Docker fleet. An empty host uses DOCKER_HOST or the local socket.
func NewDocker(host, cli string, logger *slog.Logger) (*Docker, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cli == "" {
		cli = "docker"
	}
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	return &Docker{api: api, cli: cli, host: host, logger: logger}, nil
}

// Ping validates connectivity to the engine.
func (d *Docker) Ping(ctx context.Context) error {
	ping, err := d.api.Ping(ctx)
	if err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	if ping.APIVersion == "" {
		return fmt.Errorf("docker ping returned empty API version")
	}
	return nil
}

// Close releases the engine connection.
func (d *Docker) Close() error {
	return d.api.Close()
}

// ListServices returns services matching every label in selector.
func (d *Docker) ListServices(ctx context.Context, selector map[string]string) ([]Service, error) {
	args := filters.NewArgs()
	for k, v := range selector {
		args.Add("label", k+"="+v)
	}
	list, err := d.api.ServiceList(ctx, types.ServiceListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("listing services: %w", err)
	}

	out := make([]Service, 0, len(list))
	for _, s := range list {
		out = append(out, toService(s))
	}
	return out, nil
}

func toService(s swarm.Service) Service {
	svc := Service{
		ID:     s.ID,
		Name:   s.Spec.Name,
		Labels: s.Spec.Labels,
	}
	if cs := s.Spec.TaskTemplate.ContainerSpec; cs != nil {
		svc.Image = stripDigest(cs.Image)
		svc.Env = cs.Env
	}
	if svc.Labels == nil {
		svc.Labels = map[string]string{}
	}
	return svc
}

// stripDigest removes the @sha256 pin the engine appends to resolved images.
func stripDigest(image string) string {
	if i := strings.Index(image, "@"); i >= 0 {
		return image[:i]
	}
	return image
}

// ServiceTasks returns the tasks of the named service.
func (d *Docker) ServiceTasks(ctx context.Context, service string) ([]Task, error) {
	args := filters.NewArgs(filters.Arg("service", service))
	list, err := d.api.TaskList(ctx, types.TaskListOptions{Filters: args})
	if err != nil {
		return nil, fmt.Errorf("listing tasks of %s: %w", service, err)
	}

	out := make([]Task, 0, len(list))
	for _, t := range list {
		task := Task{
			ID:           t.ID,
			ServiceID:    t.ServiceID,
			DesiredState: string(t.DesiredState),
			State:        string(t.Status.State),
			Err:          t.Status.Err,
		}
		if t.Spec.ContainerSpec != nil {
			task.Image = stripDigest(t.Spec.ContainerSpec.Image)
		}
		out = append(out, task)
	}
	return out, nil
}

// ServiceLogs reads the timestamped output of every task of service. Stdout and
// stderr frames are demultiplexed into one stream in arrival order.
func (d *Docker) ServiceLogs(ctx context.Context, service string, tail int) ([]string, error) {
	opts := container.LogsOptions{ShowStdout: true, ShowStderr: true, Timestamps: true}
	if tail > 0 {
		opts.Tail = strconv.Itoa(tail)
	}
	rc, err := d.api.ServiceLogs(ctx, service, opts)
	if err != nil {
		if client.IsErrNotFound(err) {
			return nil, ErrServiceNotFound
		}
		return nil, fmt.Errorf("reading logs of %s: %w", service, err)
	}
	defer rc.Close()

	lines, err := demuxLogs(rc)
	if err != nil {
		return nil, fmt.Errorf("demultiplexing logs of %s: %w", service, err)
	}
	return lines, nil
}

// demuxLogs merges a multiplexed stdout/stderr stream into non-empty lines.
func demuxLogs(r io.Reader) ([]string, error) {
	var buf bytes.Buffer
	if _, err := stdcopy.StdCopy(&buf, &buf, r); err != nil {
		return nil, err
	}
	return splitLines(buf.String()), nil
}

func splitLines(s string) []string {
	var lines []string
	for _, l := range strings.Split(s, "\n") {
		if l = strings.TrimRight(l, "\r"); l != "" {
			lines = append(lines, l)
		}
	}
	return lines
}

// BuildImage builds the Dockerfile at the root of dir and tags the result as ref.
func (d *Docker) BuildImage(ctx context.Context, dir, ref string, onOutput OutputFunc) error {
	if dir == "" || ref == "" {
		return fmt.Errorf("build directory and image reference are required")
	}
	buildCtx, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("creating build context: %w", err)
	}
	defer buildCtx.Close()

	d.logger.Debug("building image", "ref", ref, "dir", dir)
	resp, err := d.api.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:        []string{ref},
		Remove:      true,
		ForceRemove: true,
	})
	if err != nil {
		return fmt.Errorf("docker image build: %w", err)
	}
	defer resp.Body.Close()

	return decodeBuildStream(resp.Body, onOutput)
}

// ImageExists reports whether ref is present in the local image store.
func (d *Docker) ImageExists(ctx context.Context, ref string) (bool, error) {
	_, _, err := d.api.ImageInspectWithRaw(ctx, ref)
	if err != nil {
		if client.IsErrNotFound(err) {
			return false, nil
		}
		return false, fmt.Errorf("inspecting image %s: %w", ref, err)
	}
	return true, nil
}

// DeployStack runs `docker stack deploy` with the document on stdin.
func (d *Docker) DeployStack(ctx context.Context, name string, doc []byte, prune bool) error {
	args := []string{"stack", "deploy", "--with-registry-auth"}
	if prune {
		args = append(args, "--prune")
	}
	args = append(args, "-c", "-", name)

	d.logger.Debug("deploying stack", "stack", name, "prune", prune)
	if _, err := d.run(ctx, doc, args...); err != nil {
		return fmt.Errorf("deploying stack %s: %w", name, err)
	}
	return nil
}

// RemoveStack runs `docker stack rm`.
func (d *Docker) RemoveStack(ctx context.Context, name string) error {
	d.logger.Debug("removing stack", "stack", name)
	if _, err := d.run(ctx, nil, "stack", "rm", name); err != nil {
		return fmt.Errorf("removing stack %s: %w", name, err)
	}
	return nil
}

func (d *Docker) run(ctx context.Context, stdin []byte, args ...string) (string, error) {
	if d.host != "" {
		args = append([]string{"-H", d.host}, args...)
	}
	cmd := exec.CommandContext(ctx, d.cli, args...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%w\nOutput: %s", err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}
