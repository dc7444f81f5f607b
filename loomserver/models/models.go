package models

import (
	"fmt"
	"regexp"
	"time"

	"github.com/google/uuid"

	"tangled.org/loom/workflow"
)

var re = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

type Status string

var (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSuccess   Status = "success"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transitions are possible.
func (s Status) Terminal() bool {
	switch s {
	case StatusSuccess, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Reason qualifies a failed or cancelled status.
type Reason string

var (
	ReasonStepFailed     Reason = "step_failed"
	ReasonTimeout        Reason = "timeout"
	ReasonInfrastructure Reason = "infrastructure"
	ReasonSuperseded     Reason = "superseded"
	ReasonDependency     Reason = "dependency_failed"
)

type RunID string

func NewRunID() RunID {
	return RunID(uuid.NewString())
}

// JobID identifies one job execution within a run.
type JobID struct {
	Run  RunID
	Name string
}

func (jid JobID) String() string {
	return fmt.Sprintf("%s-%s", jid.Run, normalize(jid.Name))
}

func normalize(name string) string {
	return re.ReplaceAllString(name, "-")
}

// Run is one execution instance of a pipeline definition, created
// when a trigger is admitted. Mutated only through the db's Mark*
// methods.
type Run struct {
	ID         RunID          `json:"id"`
	Repo       string         `json:"repository"`
	Branch     string         `json:"branch"`
	CommitSHA  string         `json:"commit_sha"`
	Event      string         `json:"event_type"`
	Status     Status         `json:"status"`
	Reason     Reason         `json:"reason,omitempty"`
	Error      string         `json:"error,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	StartedAt  time.Time      `json:"started_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
	FinishedAt time.Time      `json:"finished_at"`
	Jobs       []JobExecution `json:"jobs,omitempty"`
}

func (r *Run) Trigger() workflow.TriggerEvent {
	return workflow.TriggerEvent{
		Repo:      r.Repo,
		Branch:    r.Branch,
		CommitSHA: r.CommitSHA,
		Kind:      r.Event,
	}
}

// JobExecution records one job's progress through its steps. Its
// status derives from the first failing step, else success.
type JobExecution struct {
	RunID      RunID        `json:"run_id"`
	Name       string       `json:"name"`
	Status     Status       `json:"status"`
	Reason     Reason       `json:"reason,omitempty"`
	Error      string       `json:"error,omitempty"`
	ExitCode   int          `json:"exit_code"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Steps      []StepResult `json:"steps,omitempty"`
}

// StepResult is recorded for every step that actually started; steps
// after a failing one never get a result.
type StepResult struct {
	Index    int           `json:"index"`
	Name     string        `json:"name"`
	Command  string        `json:"command"`
	Status   Status        `json:"status"`
	ExitCode int           `json:"exit_code"`
	Duration time.Duration `json:"duration"`
}

// StatusEvent is the unit of status egress: one is published at every
// run, job, or step state transition.
type StatusEvent struct {
	RunID    RunID  `json:"run_id"`
	Status   Status `json:"status"`
	Job      string `json:"job,omitempty"`
	Step     string `json:"step,omitempty"`
	Reason   Reason `json:"reason,omitempty"`
	Error    string `json:"error,omitempty"`
	ExitCode *int64 `json:"exit_code,omitempty"`
	Time     string `json:"time"`
}
