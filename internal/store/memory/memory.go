// Package memory provides an in-process implementation of the store interfaces, used
// for single-node installs and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/narvanalabs/stackpilot/internal/models"
	"github.com/narvanalabs/stackpilot/internal/store"
)

type deploymentRow struct {
	d   models.Deployment
	seq int64
}

type data struct {
	configs     map[models.NaturalKey]*models.Configuration
	deployments map[string]*deploymentRow
	logs        map[string][]models.LogEntry
	seq         int64
}

func (d *data) clone() *data {
	out := &data{
		configs:     make(map[models.NaturalKey]*models.Configuration, len(d.configs)),
		deployments: make(map[string]*deploymentRow, len(d.deployments)),
		logs:        make(map[string][]models.LogEntry, len(d.logs)),
		seq:         d.seq,
	}
	for k, v := range d.configs {
		out.configs[k] = v.Clone()
	}
	for k, v := range d.deployments {
		row := *v
		out.deployments[k] = &row
	}
	for k, v := range d.logs {
		out.logs[k] = append([]models.LogEntry(nil), v...)
	}
	return out
}

// Store is a mutex-guarded in-memory store. Transactions are serialized and restore
// a snapshot on rollback.
type Store struct {
	mu   sync.Mutex
	txMu sync.Mutex
	data *data
	now  func() time.Time
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		data: &data{
			configs:     map[models.NaturalKey]*models.Configuration{},
			deployments: map[string]*deploymentRow{},
			logs:        map[string][]models.LogEntry{},
		},
		now: func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) Configurations() store.ConfigurationStore { return configurations{s} }
func (s *Store) Deployments() store.DeploymentStore       { return deployments{s} }
func (s *Store) Logs() store.LogStore                     { return logs{s} }
func (s *Store) Ping(context.Context) error               { return nil }
func (s *Store) Close() error                             { return nil }

// WithTx runs fn with exclusive access to the store.
func (s *Store) WithTx(ctx context.Context, fn func(store.Store) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.data.clone()
	s.mu.Unlock()

	if err := fn(txStore{s}); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}
	return nil
}

// txStore is handed to WithTx callbacks; nested transactions join the outer one.
type txStore struct{ *Store }

func (t txStore) WithTx(_ context.Context, fn func(store.Store) error) error {
	return fn(t)
}

type configurations struct{ s *Store }

func (c configurations) Upsert(_ context.Context, cfg *models.Configuration) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	c.s.data.configs[cfg.NaturalKey()] = cfg.Clone()
	return nil
}

func (c configurations) Get(_ context.Context, key models.NaturalKey) (*models.Configuration, error) {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	cfg, ok := c.s.data.configs[key]
	if !ok {
		return nil, store.ErrNotFound
	}
	return cfg.Clone(), nil
}

func (c configurations) GetByNickname(_ context.Context, nickname string) (*models.Configuration, error) {
	list := c.filter(func(cfg *models.Configuration) bool { return cfg.General.Nickname == nickname })
	if len(list) == 0 {
		return nil, store.ErrNotFound
	}
	return list[0], nil
}

func (c configurations) List(context.Context) ([]*models.Configuration, error) {
	return c.filter(func(*models.Configuration) bool { return true }), nil
}

func (c configurations) ListPreviews(_ context.Context, organization, name, branch string) ([]*models.Configuration, error) {
	return c.filter(func(cfg *models.Configuration) bool {
		return cfg.IsPreview() &&
			cfg.Repository.Organization == organization &&
			cfg.Repository.Name == name &&
			cfg.Repository.Branch == branch
	}), nil
}

func (c configurations) ListByDomain(_ context.Context, domain string) ([]*models.Configuration, error) {
	return c.filter(func(cfg *models.Configuration) bool {
		return !cfg.IsPreview() && cfg.Publish.Domain == domain
	}), nil
}

func (c configurations) Delete(_ context.Context, key models.NaturalKey) error {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	if _, ok := c.s.data.configs[key]; !ok {
		return store.ErrNotFound
	}
	delete(c.s.data.configs, key)
	return nil
}

func (c configurations) filter(match func(*models.Configuration) bool) []*models.Configuration {
	c.s.mu.Lock()
	defer c.s.mu.Unlock()
	var out []*models.Configuration
	for _, cfg := range c.s.data.configs {
		if match(cfg) {
			out = append(out, cfg.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].NaturalKey().String() < out[j].NaturalKey().String()
	})
	return out
}

type deployments struct{ s *Store }

func (d deployments) Create(_ context.Context, dep *models.Deployment) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	if _, ok := d.s.data.deployments[dep.DeployID]; ok {
		return store.ErrDuplicateKey
	}
	if dep.ID == "" {
		dep.ID = uuid.NewString()
	}
	now := d.s.now()
	if dep.CreatedAt.IsZero() {
		dep.CreatedAt = now
	}
	if dep.UpdatedAt.IsZero() {
		dep.UpdatedAt = dep.CreatedAt
	}
	d.s.data.seq++
	d.s.data.deployments[dep.DeployID] = &deploymentRow{d: *dep, seq: d.s.data.seq}
	return nil
}

func (d deployments) Get(_ context.Context, deployID string) (*models.Deployment, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	row, ok := d.s.data.deployments[deployID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := row.d
	return &out, nil
}

func (d deployments) Update(_ context.Context, dep *models.Deployment) error {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	row, ok := d.s.data.deployments[dep.DeployID]
	if !ok {
		return store.ErrNotFound
	}
	row.d.Progress = dep.Progress
	row.d.Stage = dep.Stage
	row.d.UpdatedAt = dep.UpdatedAt
	return nil
}

func (d deployments) ListOpen(_ context.Context, target models.Target) ([]*models.Deployment, error) {
	return d.filter(func(dep *models.Deployment) bool {
		return dep.Target() == target && dep.Progress.IsOpen()
	}), nil
}

func (d deployments) Latest(_ context.Context, target models.Target) (*models.Deployment, error) {
	list := d.filter(func(dep *models.Deployment) bool { return dep.Target() == target })
	if len(list) == 0 {
		return nil, store.ErrNotFound
	}
	return list[0], nil
}

func (d deployments) List(_ context.Context, f store.DeploymentFilter) ([]*models.Deployment, int, error) {
	list := d.filter(func(dep *models.Deployment) bool {
		return (f.Organization == "" || dep.Organization == f.Organization) &&
			(f.Name == "" || dep.Name == f.Name) &&
			(f.Branch == "" || dep.Branch == f.Branch)
	})
	total := len(list)
	if f.Offset > 0 {
		if f.Offset >= len(list) {
			return nil, total, nil
		}
		list = list[f.Offset:]
	}
	if f.Limit > 0 && len(list) > f.Limit {
		list = list[:f.Limit]
	}
	return list, total, nil
}

func (d deployments) ListStale(_ context.Context, cutoff time.Time) ([]*models.Deployment, error) {
	return d.filter(func(dep *models.Deployment) bool {
		return dep.Progress.IsOpen() && dep.UpdatedAt.Before(cutoff)
	}), nil
}

func (d deployments) ListByProgress(_ context.Context, progress ...models.Progress) ([]*models.Deployment, error) {
	return d.filter(func(dep *models.Deployment) bool {
		for _, p := range progress {
			if dep.Progress == p {
				return true
			}
		}
		return false
	}), nil
}

func (d deployments) DeleteByTarget(_ context.Context, target models.Target) ([]string, error) {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	var ids []string
	for id, row := range d.s.data.deployments {
		if row.d.Target() == target {
			ids = append(ids, id)
			delete(d.s.data.deployments, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// filter returns matching attempts newest first.
func (d deployments) filter(match func(*models.Deployment) bool) []*models.Deployment {
	d.s.mu.Lock()
	defer d.s.mu.Unlock()
	rows := make([]*deploymentRow, 0)
	for _, row := range d.s.data.deployments {
		if match(&row.d) {
			rows = append(rows, row)
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if !rows[i].d.CreatedAt.Equal(rows[j].d.CreatedAt) {
			return rows[i].d.CreatedAt.After(rows[j].d.CreatedAt)
		}
		return rows[i].seq > rows[j].seq
	})
	out := make([]*models.Deployment, len(rows))
	for i, row := range rows {
		dep := row.d
		out[i] = &dep
	}
	return out
}

type logs struct{ s *Store }

func (l logs) Append(_ context.Context, entry *models.LogEntry) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	l.s.data.seq++
	entry.Sequence = l.s.data.seq
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = l.s.now()
	}
	l.s.data.logs[entry.DeployID] = append(l.s.data.logs[entry.DeployID], *entry)
	return nil
}

func (l logs) List(_ context.Context, deployID string, after int64, limit int) ([]*models.LogEntry, error) {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	var out []*models.LogEntry
	for _, e := range l.s.data.logs[deployID] {
		if e.Sequence <= after {
			continue
		}
		entry := e
		out = append(out, &entry)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (l logs) DeleteByDeployIDs(_ context.Context, deployIDs []string) error {
	l.s.mu.Lock()
	defer l.s.mu.Unlock()
	for _, id := range deployIDs {
		delete(l.s.data.logs, id)
	}
	return nil
}
