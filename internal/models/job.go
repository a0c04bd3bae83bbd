package models

import "time"

// BuildJob is one queued pipeline run for a deploy attempt.
type BuildJob struct {
	ID            string         `json:"id"`
	DeployID      string         `json:"deployId"`
	Configuration *Configuration `json:"configuration"`
	// Step is the action already decided by the trigger; empty means the pipeline
	// runs its own precheck.
	Step      string    `json:"step,omitempty"`
	Force     bool      `json:"force,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// NewBuildJob creates a job for the attempt described by cfg.
func NewBuildJob(id string, cfg *Configuration, step string, now time.Time) *BuildJob {
	return &BuildJob{
		ID:            id,
		DeployID:      cfg.General.DeployID,
		Configuration: cfg,
		Step:          step,
		CreatedAt:     now,
	}
}
