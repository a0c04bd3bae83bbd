// Package storetest holds behavior checks shared by every store implementation.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/narvanalabs/stackpilot/internal/models"
	"github.com/narvanalabs/stackpilot/internal/store"
)

// Configuration returns an application configuration for tests.
func Configuration(org, name, branch string, pr int) *models.Configuration {
	domain := name + ".example.com"
	if pr > 0 {
		domain = fmt.Sprintf("pr%d.%s", pr, domain)
	}
	return &models.Configuration{
		General: models.General{
			Nickname:    fmt.Sprintf("%s-%s-%d", name, branch, pr),
			DeployID:    fmt.Sprintf("d-%s-%s-%d", name, branch, pr),
			Type:        models.ConfigurationTypeApplication,
			PullRequest: pr,
		},
		Repository: models.Repository{ID: 1, Organization: org, Name: name, Branch: branch},
		Build:      models.Build{Pack: "docker", Directory: ".", Container: models.Container{Name: name, Tag: "latest"}},
		Publish: models.Publish{
			Domain:  domain,
			Path:    "/",
			Port:    3000,
			Secrets: []models.Secret{{Name: "TOKEN", Value: "t0ken"}},
		},
	}
}

// Run exercises s through the store interfaces. s must be empty.
func Run(t *testing.T, s store.Store) {
	t.Run("configurations", func(t *testing.T) { testConfigurations(t, s) })
	t.Run("deployments", func(t *testing.T) { testDeployments(t, s) })
	t.Run("logs", func(t *testing.T) { testLogs(t, s) })
	t.Run("transactions", func(t *testing.T) { testTransactions(t, s) })
}

func testConfigurations(t *testing.T, s store.Store) {
	ctx := context.Background()
	cs := s.Configurations()

	main := Configuration("acme", "web", "main", 0)
	require.NoError(t, cs.Upsert(ctx, main))
	require.NoError(t, cs.Upsert(ctx, Configuration("acme", "web", "main", 3)))
	require.NoError(t, cs.Upsert(ctx, Configuration("acme", "web", "main", 4)))
	require.NoError(t, cs.Upsert(ctx, Configuration("acme", "api", "main", 0)))

	got, err := cs.Get(ctx, main.NaturalKey())
	require.NoError(t, err)
	assert.Equal(t, main, got)

	updated := main.Clone()
	updated.Publish.Port = 8080
	require.NoError(t, cs.Upsert(ctx, updated))
	got, err = cs.Get(ctx, main.NaturalKey())
	require.NoError(t, err)
	assert.Equal(t, 8080, got.Publish.Port)

	byNick, err := cs.GetByNickname(ctx, "web-main-3")
	require.NoError(t, err)
	assert.Equal(t, 3, byNick.General.PullRequest)

	previews, err := cs.ListPreviews(ctx, "acme", "web", "main")
	require.NoError(t, err)
	assert.Len(t, previews, 2)

	onDomain, err := cs.ListByDomain(ctx, "web.example.com")
	require.NoError(t, err)
	require.Len(t, onDomain, 1)
	assert.Equal(t, 0, onDomain[0].General.PullRequest)

	all, err := cs.List(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	require.NoError(t, cs.Delete(ctx, main.NaturalKey()))
	_, err = cs.Get(ctx, main.NaturalKey())
	assert.True(t, errors.Is(err, store.ErrNotFound))
	assert.True(t, errors.Is(cs.Delete(ctx, main.NaturalKey()), store.ErrNotFound))
	_, err = cs.GetByNickname(ctx, "missing")
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testDeployments(t *testing.T, s store.Store) {
	ctx := context.Background()
	ds := s.Deployments()
	base := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	cfg := Configuration("acme", "shop", "main", 0)
	var created []*models.Deployment
	for i := 0; i < 7; i++ {
		c := cfg.Clone()
		c.General.DeployID = fmt.Sprintf("shop-%d", i)
		d := models.NewDeployment(c, base.Add(time.Duration(i)*time.Minute))
		d.ID = fmt.Sprintf("00000000-0000-0000-0000-00000000000%d", i)
		require.NoError(t, ds.Create(ctx, d))
		created = append(created, d)
	}

	dup := *created[0]
	dup.ID = "00000000-0000-0000-0000-0000000000ff"
	assert.True(t, errors.Is(ds.Create(ctx, &dup), store.ErrDuplicateKey))

	got, err := ds.Get(ctx, "shop-3")
	require.NoError(t, err)
	assert.Equal(t, models.ProgressQueued, got.Progress)
	assert.Equal(t, cfg.Target(), got.Target())

	_, err = ds.Get(ctx, "nope")
	assert.True(t, errors.Is(err, store.ErrNotFound))

	for i := 0; i < 5; i++ {
		d := created[i]
		d.Progress = models.ProgressDone
		d.Stage = models.StageDone
		d.UpdatedAt = base.Add(time.Hour)
		require.NoError(t, ds.Update(ctx, d))
	}

	open, err := ds.ListOpen(ctx, cfg.Target())
	require.NoError(t, err)
	require.Len(t, open, 2)
	assert.Equal(t, "shop-6", open[0].DeployID)

	latest, err := ds.Latest(ctx, cfg.Target())
	require.NoError(t, err)
	assert.Equal(t, "shop-6", latest.DeployID)

	page, total, err := ds.List(ctx, store.DeploymentFilter{Organization: "acme", Name: "shop", Branch: "main", Limit: 5})
	require.NoError(t, err)
	assert.Equal(t, 7, total)
	require.Len(t, page, 5)
	assert.Equal(t, "shop-6", page[0].DeployID)
	assert.Equal(t, "shop-2", page[4].DeployID)

	page, _, err = ds.List(ctx, store.DeploymentFilter{Organization: "acme", Name: "shop", Branch: "main", Limit: 5, Offset: 5})
	require.NoError(t, err)
	assert.Len(t, page, 2)

	stale, err := ds.ListStale(ctx, base.Add(30*time.Minute))
	require.NoError(t, err)
	assert.Len(t, stale, 2)

	done, err := ds.ListByProgress(ctx, models.ProgressDone)
	require.NoError(t, err)
	assert.Len(t, done, 5)

	ids, err := ds.DeleteByTarget(ctx, cfg.Target())
	require.NoError(t, err)
	assert.Len(t, ids, 7)
	_, err = ds.Latest(ctx, cfg.Target())
	assert.True(t, errors.Is(err, store.ErrNotFound))
}

func testLogs(t *testing.T, s store.Store) {
	ctx := context.Background()
	ls := s.Logs()

	for i := 0; i < 5; i++ {
		require.NoError(t, ls.Append(ctx, &models.LogEntry{DeployID: "log-a", Level: models.LogLevelInfo, Message: fmt.Sprintf("line %d", i)}))
		require.NoError(t, ls.Append(ctx, &models.LogEntry{DeployID: "log-b", Level: models.LogLevelInfo, Message: "other"}))
	}

	entries, err := ls.List(ctx, "log-a", 0, 0)
	require.NoError(t, err)
	require.Len(t, entries, 5)
	for i, e := range entries {
		assert.Equal(t, fmt.Sprintf("line %d", i), e.Message)
		if i > 0 {
			assert.Greater(t, e.Sequence, entries[i-1].Sequence)
		}
	}

	tail, err := ls.List(ctx, "log-a", entries[2].Sequence, 1)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, "line 3", tail[0].Message)

	require.NoError(t, ls.DeleteByDeployIDs(ctx, []string{"log-a"}))
	entries, err = ls.List(ctx, "log-a", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, entries)
	entries, err = ls.List(ctx, "log-b", 0, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 5)
}

func testTransactions(t *testing.T, s store.Store) {
	ctx := context.Background()
	cfg := Configuration("acme", "tx", "main", 0)
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(tx store.Store) error {
		if err := tx.Configurations().Upsert(ctx, cfg); err != nil {
			return err
		}
		return boom
	})
	assert.True(t, errors.Is(err, boom))
	_, err = s.Configurations().Get(ctx, cfg.NaturalKey())
	assert.True(t, errors.Is(err, store.ErrNotFound), "rolled back upsert is not visible")

	err = s.WithTx(ctx, func(tx store.Store) error {
		return tx.Configurations().Upsert(ctx, cfg)
	})
	require.NoError(t, err)
	_, err = s.Configurations().Get(ctx, cfg.NaturalKey())
	assert.NoError(t, err)
}
