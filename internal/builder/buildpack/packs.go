package buildpack

import (
	"context"
	"fmt"
	"strings"

	"github.com/narvanalabs/stackpilot/internal/fleet"
	"github.com/narvanalabs/stackpilot/internal/models"
)

// Docker builds the repository's own Dockerfile.
type Docker struct{}

func (Docker) Name() string { return "docker" }

func (Docker) Build(ctx context.Context, cfg *models.Configuration, f fleet.Fleet, out fleet.OutputFunc) error {
	return buildImage(ctx, cfg, f, out)
}

// Static serves the repository (or its build output) from nginx.
type Static struct{}

func (Static) Name() string { return "static" }

// Prepare writes a Dockerfile. With a build command the site is built in a
// node stage and dist/ is served.
func (Static) Prepare(_ context.Context, cfg *models.Configuration) error {
	dir := ContextDir(cfg)
	if err := writeIfMissing(dir, ".dockerignore", dockerignore); err != nil {
		return err
	}
	return writeIfMissing(dir, "Dockerfile", staticDockerfile(cfg.Build.Command))
}

func (Static) Build(ctx context.Context, cfg *models.Configuration, f fleet.Fleet, out fleet.OutputFunc) error {
	return buildImage(ctx, cfg, f, out)
}

func staticDockerfile(cmd models.BuildCommand) string {
	var b strings.Builder
	if cmd.Build != "" {
		install := cmd.Installation
		if install == "" {
			install = "yarn install"
		}
		b.WriteString("FROM node:lts AS build\n")
		b.WriteString("WORKDIR /usr/src/app\n")
		b.WriteString("COPY . .\n")
		fmt.Fprintf(&b, "RUN %s\n", install)
		fmt.Fprintf(&b, "RUN %s\n\n", cmd.Build)
		b.WriteString("FROM nginx:stable-alpine\n")
		b.WriteString("COPY --from=build /usr/src/app/dist /usr/share/nginx/html\n")
	} else {
		b.WriteString("FROM nginx:stable-alpine\n")
		b.WriteString("COPY . /usr/share/nginx/html\n")
	}
	b.WriteString("EXPOSE 80\n")
	b.WriteString(`CMD ["nginx", "-g", "daemon off;"]` + "\n")
	return b.String()
}

// NodeJS runs the repository with node.
type NodeJS struct{}

func (NodeJS) Name() string { return "nodejs" }

// Prepare writes a Dockerfile installing, optionally building and starting the app.
func (NodeJS) Prepare(_ context.Context, cfg *models.Configuration) error {
	dir := ContextDir(cfg)
	if err := writeIfMissing(dir, ".dockerignore", dockerignore); err != nil {
		return err
	}
	return writeIfMissing(dir, "Dockerfile", nodeDockerfile(cfg.Build.Command, cfg.Publish.Port))
}

func (NodeJS) Build(ctx context.Context, cfg *models.Configuration, f fleet.Fleet, out fleet.OutputFunc) error {
	return buildImage(ctx, cfg, f, out)
}

func nodeDockerfile(cmd models.BuildCommand, port int) string {
	install := cmd.Installation
	if install == "" {
		install = "yarn install"
	}
	start := cmd.Start
	if start == "" {
		start = "yarn start"
	}

	var b strings.Builder
	b.WriteString("FROM node:lts\n")
	b.WriteString("WORKDIR /usr/src/app\n")
	b.WriteString("COPY package*.json yarn.lock* ./\n")
	fmt.Fprintf(&b, "RUN %s\n", install)
	b.WriteString("COPY . .\n")
	if cmd.Build != "" {
		fmt.Fprintf(&b, "RUN %s\n", cmd.Build)
	}
	fmt.Fprintf(&b, "EXPOSE %d\n", port)
	fmt.Fprintf(&b, "CMD %s\n", execForm(start))
	return b.String()
}

// execForm renders a shell command as a JSON exec array run by sh.
func execForm(command string) string {
	return fmt.Sprintf(`["sh", "-c", %q]`, command)
}
