package buildpack

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/narvanalabs/stackpilot/internal/errors"
	"github.com/narvanalabs/stackpilot/internal/fleet"
	"github.com/narvanalabs/stackpilot/internal/fleet/fleettest"
	"github.com/narvanalabs/stackpilot/internal/models"
)

func testConfig(t *testing.T, pack string) *models.Configuration {
	t.Helper()
	return &models.Configuration{
		General: models.General{Workdir: t.TempDir()},
		Build: models.Build{
			Pack:      pack,
			Directory: ".",
			Container: models.Container{Name: "acme-web", Tag: "abc1234"},
		},
		Publish: models.Publish{Port: 3000},
	}
}

func readDockerfile(t *testing.T, cfg *models.Configuration) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(ContextDir(cfg), "Dockerfile"))
	require.NoError(t, err)
	return string(data)
}

func TestUnknownPack(t *testing.T) {
	err := DefaultRegistry().Run(context.Background(), testConfig(t, "heroku"), fleettest.New(), nil)
	assert.ErrorIs(t, err, perrors.ErrNoBuildpack)
	assert.Equal(t, "No buildpack found.", perrors.PublicMessage(err))
}

func TestDockerRequiresDockerfile(t *testing.T) {
	f := fleettest.New()
	err := DefaultRegistry().Run(context.Background(), testConfig(t, "docker"), f, nil)
	assert.ErrorIs(t, err, perrors.ErrBuild)
	assert.Equal(t, "No custom dockerfile found.", perrors.PublicMessage(err))
	assert.Empty(t, f.Builds())
}

func TestDockerBuildsInDirectory(t *testing.T) {
	cfg := testConfig(t, "docker")
	cfg.Build.Directory = "app"
	dir := filepath.Join(cfg.General.Workdir, "app")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch\n"), 0o644))

	f := fleettest.New()
	f.BuildOutput = []string{"Step 1/1 : FROM scratch"}
	var lines []string
	err := DefaultRegistry().Run(context.Background(), cfg, f, func(line string) { lines = append(lines, line) })
	require.NoError(t, err)

	assert.Equal(t, []string{"acme-web:abc1234"}, f.Builds())
	assert.Equal(t, []string{"Step 1/1 : FROM scratch"}, lines)
	exists, err := f.ImageExists(context.Background(), "acme-web:abc1234")
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestBuildFailuresAreClassified(t *testing.T) {
	cfg := testConfig(t, "docker")
	require.NoError(t, os.WriteFile(filepath.Join(cfg.General.Workdir, "Dockerfile"), []byte("FROM scratch\n"), 0o644))

	f := fleettest.New()
	f.BuildErr = &fleet.BuildError{Message: "The command '/bin/sh -c yarn' returned a non-zero code: 1"}
	err := DefaultRegistry().Run(context.Background(), cfg, f, nil)
	assert.ErrorIs(t, err, perrors.ErrBuild)
	assert.Equal(t, "The command '/bin/sh -c yarn' returned a non-zero code: 1", perrors.PublicMessage(err))

	f.BuildErr = errors.New("connection refused")
	err = DefaultRegistry().Run(context.Background(), cfg, f, nil)
	assert.ErrorIs(t, err, perrors.ErrFleet)
}

func TestStaticGeneratesDockerfile(t *testing.T) {
	cfg := testConfig(t, "static")
	require.NoError(t, DefaultRegistry().Run(context.Background(), cfg, fleettest.New(), nil))

	df := readDockerfile(t, cfg)
	assert.Contains(t, df, "FROM nginx:stable-alpine")
	assert.Contains(t, df, "COPY . /usr/share/nginx/html")
	assert.NotContains(t, df, "AS build")
	assert.FileExists(t, filepath.Join(cfg.General.Workdir, ".dockerignore"))
}

func TestStaticWithBuildCommand(t *testing.T) {
	cfg := testConfig(t, "static")
	cfg.Build.Command = models.BuildCommand{Installation: "npm ci", Build: "npm run build"}
	require.NoError(t, Static{}.Prepare(context.Background(), cfg))

	df := readDockerfile(t, cfg)
	assert.Contains(t, df, "FROM node:lts AS build")
	assert.Contains(t, df, "RUN npm ci\n")
	assert.Contains(t, df, "RUN npm run build\n")
	assert.Contains(t, df, "COPY --from=build /usr/src/app/dist /usr/share/nginx/html")
}

func TestNodeJSDockerfile(t *testing.T) {
	cfg := testConfig(t, "nodejs")
	cfg.Build.Command = models.BuildCommand{Start: "node server.js"}
	require.NoError(t, NodeJS{}.Prepare(context.Background(), cfg))

	df := readDockerfile(t, cfg)
	assert.Contains(t, df, "RUN yarn install\n")
	assert.NotContains(t, df, "RUN yarn build")
	assert.Contains(t, df, "EXPOSE 3000\n")
	assert.Contains(t, df, `CMD ["sh", "-c", "node server.js"]`)
}

func TestPrepareKeepsExistingFiles(t *testing.T) {
	cfg := testConfig(t, "nodejs")
	path := filepath.Join(cfg.General.Workdir, "Dockerfile")
	require.NoError(t, os.WriteFile(path, []byte("FROM custom\n"), 0o644))

	require.NoError(t, NodeJS{}.Prepare(context.Background(), cfg))
	assert.Equal(t, "FROM custom\n", readDockerfile(t, cfg))
}

func TestNames(t *testing.T) {
	assert.Equal(t, []string{"docker", "nodejs", "static"}, DefaultRegistry().Names())
}
