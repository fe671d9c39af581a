package controller

import (
	"fmt"

	"github.com/google/uuid"
)

// Job identifies one workflow job as delivered by a workflow_job event.
type Job struct {
	RunID         int64
	JobID         int64
	Owner         string
	Repo          string
	RepositoryURL string
	Labels        []string

	// RunnerName is the runner that picked the job up (completed events)
	// or the runner provisioned for it (queued lifecycles).  Empty until
	// assigned.
	RunnerName string
}

// WithRunnerName returns a copy of j carrying name.
func (j Job) WithRunnerName(name string) Job {
	j.RunnerName = name
	return j
}

// NewRunnerName returns runner-{runID}-{6 random characters}.
func NewRunnerName(runID int64) string {
	return fmt.Sprintf("runner-%d-%s", runID, uuid.NewString()[:6])
}
