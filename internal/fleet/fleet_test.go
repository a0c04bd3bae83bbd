package fleet_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/stackpilot/internal/fleet"
	"github.com/narvanalabs/stackpilot/internal/fleet/fleettest"
	"github.com/narvanalabs/stackpilot/internal/manifest"
	"github.com/narvanalabs/stackpilot/internal/models"
	"github.com/narvanalabs/stackpilot/internal/secrets"
)

func deploy(t *testing.T, f *fleettest.Fake, cfg *models.Configuration) *manifest.Manifest {
	t.Helper()
	m, err := manifest.NewGenerator("coolify", secrets.RandomGenerator{}).Generate(cfg, manifest.KindFor(cfg))
	require.NoError(t, err)
	doc, err := m.YAML()
	require.NoError(t, err)
	require.NoError(t, f.DeployStack(context.Background(), m.Name, doc, true))
	return m
}

func application(org, name, branch string) *models.Configuration {
	return &models.Configuration{
		General:    models.General{Nickname: name + "-nick", DeployID: "d-" + name, Type: models.ConfigurationTypeApplication},
		Repository: models.Repository{Organization: org, Name: name, Branch: branch},
		Build:      models.Build{Pack: "docker", Container: models.Container{Name: org + "-" + name, Tag: "abc1234"}},
		Publish:    models.Publish{Domain: name + ".example.com", Path: "/", Port: 3000},
	}
}

func TestProjectionFindsPrimaryServices(t *testing.T) {
	ctx := context.Background()
	f := fleettest.New()
	p := fleet.NewProjection(f, nil)

	deploy(t, f, application("acme", "web", "main"))
	deploy(t, f, application("acme", "api", "main"))
	deploy(t, f, &models.Configuration{
		General: models.General{DeployID: "svc-1", Workdir: t.TempDir(), Type: models.ConfigurationTypeService},
		Service: &models.Service{
			Template: "plausible",
			BaseURL:  "https://stats.example.com",
			Settings: map[string]string{"email": "a@b.c", "userName": "a", "userPassword": "pw"},
		},
	})

	apps, err := p.List(ctx, manifest.KindApplication)
	require.NoError(t, err)
	require.Len(t, apps, 2)
	assert.Equal(t, "acme-api", apps[0].StackName())
	assert.Equal(t, "acme-web", apps[1].StackName())

	services, err := p.List(ctx, manifest.KindService)
	require.NoError(t, err)
	require.Len(t, services, 1, "auxiliary sub-services are not listed")
	assert.Equal(t, "plausible", services[0].Configuration.Service.Template)

	found, err := p.FindApplication(ctx, models.NaturalKey{Organization: "acme", Name: "web", Branch: "main"})
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, "acme-web:abc1234", found.Service.Image)

	missing, err := p.FindApplication(ctx, models.NaturalKey{Organization: "acme", Name: "web", Branch: "dev"})
	require.NoError(t, err)
	assert.Nil(t, missing)

	byNick, err := p.FindByNickname(ctx, "api-nick")
	require.NoError(t, err)
	require.NotNil(t, byNick)
	assert.Equal(t, "api", byNick.Configuration.Repository.Name)

	stack, err := p.FindStack(ctx, manifest.KindService, "plausible")
	require.NoError(t, err)
	assert.NotNil(t, stack)
}

func TestProjectionSkipsUnreadableLabels(t *testing.T) {
	f := fleettest.New()
	doc := []byte(`version: "3.8"
services:
  broken:
    image: x
    deploy:
      labels:
        - managedBy=coolify
        - type=application
        - configuration={not json
`)
	require.NoError(t, f.DeployStack(context.Background(), "broken", doc, true))

	apps, err := fleet.NewProjection(f, nil).List(context.Background(), manifest.KindApplication)
	require.NoError(t, err)
	assert.Empty(t, apps)
}

func TestTaskShutdown(t *testing.T) {
	assert.True(t, fleet.Task{DesiredState: "shutdown"}.Shutdown())
	assert.False(t, fleet.Task{DesiredState: "running"}.Shutdown())
	assert.False(t, fleet.Task{}.Shutdown())
	assert.True(t, fleet.Task{DesiredState: "shutdown", State: "failed"}.Crashed())
	assert.False(t, fleet.Task{DesiredState: "shutdown", State: "complete"}.Crashed())
}

func TestFakeServiceLogs(t *testing.T) {
	ctx := context.Background()
	f := fleettest.New()

	_, err := f.ServiceLogs(ctx, "acme-web_acme-web", 0)
	assert.ErrorIs(t, err, fleet.ErrServiceNotFound)

	cfg := application("acme", "web", "main")
	cfg.Publish.Secrets = []models.Secret{{Name: "DB_PASSWORD", Value: "pa$word"}}
	m := deploy(t, f, cfg)

	lines, err := f.ServiceLogs(ctx, m.PrimaryService(), 0)
	require.NoError(t, err)
	assert.Empty(t, lines)

	f.SetLogs(m.PrimaryService(), "one", "two", "three")
	lines, err = f.ServiceLogs(ctx, m.PrimaryService(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"two", "three"}, lines)

	services, err := f.ListServices(ctx, manifest.Selector(manifest.KindApplication))
	require.NoError(t, err)
	require.Len(t, services, 1)
	assert.Contains(t, services[0].Env, "DB_PASSWORD=pa$word")
}
