// Package orchestrator holds the flows shared by the webhook and the HTTP API:
// triggering deploy attempts, tearing targets down and managing database and
// service-template stacks.
package orchestrator

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/narvanalabs/stackpilot/internal/builder/clone"
	"github.com/narvanalabs/stackpilot/internal/changes"
	"github.com/narvanalabs/stackpilot/internal/claim"
	"github.com/narvanalabs/stackpilot/internal/configuration"
	"github.com/narvanalabs/stackpilot/internal/fleet"
	"github.com/narvanalabs/stackpilot/internal/lifecycle"
	"github.com/narvanalabs/stackpilot/internal/manifest"
	"github.com/narvanalabs/stackpilot/internal/metrics"
	"github.com/narvanalabs/stackpilot/internal/queue"
	"github.com/narvanalabs/stackpilot/internal/store"
)

// Service coordinates the record store, the fleet and the build queue.
type Service struct {
	store      store.Store
	normalizer *configuration.Normalizer
	cloner     clone.Cloner
	detector   *changes.Detector
	projection *fleet.Projection
	generator  *manifest.Generator
	fleet      fleet.Fleet
	tracker    *lifecycle.Tracker
	queue      queue.Queue
	claimer    claim.Claimer
	metrics    *metrics.Metrics
	logger     *slog.Logger

	reservedDomain string
	now            func() time.Time
}

// Deps are the collaborators of a Service.
type Deps struct {
	Store      store.Store
	Normalizer *configuration.Normalizer
	Cloner     clone.Cloner
	Fleet      fleet.Fleet
	Generator  *manifest.Generator
	Tracker    *lifecycle.Tracker
	Queue      queue.Queue
	// Claimer serializes the open-attempt check per target. Defaults to an
	// in-process lock.
	Claimer claim.Claimer
	Metrics *metrics.Metrics
	Logger  *slog.Logger
	// ReservedDomain is the platform's own domain; applications cannot use it.
	ReservedDomain string
}

// New creates a Service.
func New(d Deps) *Service {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Claimer == nil {
		d.Claimer = claim.NewLocal()
	}
	projection := fleet.NewProjection(d.Fleet, d.Logger)
	return &Service{
		store:          d.Store,
		normalizer:     d.Normalizer,
		cloner:         d.Cloner,
		detector:       changes.NewDetector(d.Fleet, projection),
		projection:     projection,
		generator:      d.Generator,
		fleet:          d.Fleet,
		tracker:        d.Tracker,
		queue:          d.Queue,
		claimer:        d.Claimer,
		metrics:        d.Metrics,
		logger:         d.Logger.With("component", "orchestrator"),
		reservedDomain: d.ReservedDomain,
		now:            func() time.Time { return time.Now().UTC() },
	}
}

// Tracker returns the lifecycle tracker used for attempts.
func (s *Service) Tracker() *lifecycle.Tracker {
	return s.tracker
}

// Reconcile fails stale attempts. It never returns an error to the caller of a
// trigger; failures are logged.
func (s *Service) Reconcile(ctx context.Context) (int, error) {
	n, err := s.tracker.ReconcileStale(ctx)
	if err != nil {
		return 0, err
	}
	s.metrics.Reconciled(n)
	return n, nil
}

func (s *Service) reconcileQuietly(ctx context.Context) {
	if _, err := s.Reconcile(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("failed to reconcile stale deployments", "error", err)
	}
}

// releaseWorkdir removes a workdir the pipeline will never see.
func (s *Service) releaseWorkdir(dir string) {
	if dir == "" {
		return
	}
	if clean := filepath.Clean(dir); clean == "/" || clean == "." {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		s.logger.Warn("failed to remove workdir", "workdir", dir, "error", err)
	}
}
