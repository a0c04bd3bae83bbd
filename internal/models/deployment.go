package models

import "time"

// Progress is the contract state of a Deployment.
type Progress string

const (
	ProgressQueued     Progress = "queued"
	ProgressInProgress Progress = "inprogress"
	ProgressDone       Progress = "done"
	ProgressFailed     Progress = "failed"
)

// IsTerminal reports whether no further transition is allowed.
func (p Progress) IsTerminal() bool {
	return p == ProgressDone || p == ProgressFailed
}

// IsOpen reports whether an attempt in this state still holds its target.
func (p Progress) IsOpen() bool {
	return p == ProgressQueued || p == ProgressInProgress
}

func (p Progress) rank() int {
	switch p {
	case ProgressQueued:
		return 0
	case ProgressInProgress:
		return 1
	case ProgressDone, ProgressFailed:
		return 2
	default:
		return -1
	}
}

// CanTransitionTo reports whether moving from p to next keeps progress monotonic.
// Failure is reachable from any non-terminal state.
func (p Progress) CanTransitionTo(next Progress) bool {
	if p.IsTerminal() || next.rank() < 0 {
		return false
	}
	if next == ProgressFailed {
		return true
	}
	return next.rank() > p.rank()
}

// OpenProgress lists the states that block a new attempt on the same target.
var OpenProgress = []Progress{ProgressQueued, ProgressInProgress}

// Stage is the informational pipeline step of an attempt.
type Stage string

const (
	StageQueued    Stage = "queued"
	StageCloning   Stage = "cloning"
	StageBuilding  Stage = "building"
	StageDeploying Stage = "deploying"
	StageDone      Stage = "done"
	StageSkipped   Stage = "skipped"
	StageFailed    Stage = "failed"
)

// Deployment is one build attempt.
type Deployment struct {
	ID           string    `json:"id"`
	DeployID     string    `json:"deployId"`
	RepoID       int64     `json:"repoId"`
	Organization string    `json:"organization"`
	Name         string    `json:"name"`
	Branch       string    `json:"branch"`
	Domain       string    `json:"domain"`
	Nickname     string    `json:"nickname"`
	PullRequest  int       `json:"pullRequest"`
	Progress     Progress  `json:"progress"`
	Stage        Stage     `json:"stage"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// Target returns the deduplication key of the attempt.
func (d *Deployment) Target() Target {
	return Target{
		Organization: d.Organization,
		Name:         d.Name,
		Branch:       d.Branch,
		Domain:       d.Domain,
	}
}

// NewDeployment builds a queued attempt for the configuration.
func NewDeployment(cfg *Configuration, now time.Time) *Deployment {
	return &Deployment{
		DeployID:     cfg.General.DeployID,
		RepoID:       cfg.Repository.ID,
		Organization: cfg.Repository.Organization,
		Name:         cfg.Repository.Name,
		Branch:       cfg.Repository.Branch,
		Domain:       cfg.Publish.Domain,
		Nickname:     cfg.General.Nickname,
		PullRequest:  cfg.General.PullRequest,
		Progress:     ProgressQueued,
		Stage:        StageQueued,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}
