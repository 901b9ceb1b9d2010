package domain

import (
	"slices"
	"time"

	"gorm.io/datatypes"
)

type JobStatus string

const (
	JobStatusPending   JobStatus = "pending"
	JobStatusAssigned  JobStatus = "assigned"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// Terminal reports whether no further transition is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

func (s JobStatus) Valid() bool {
	switch s {
	case JobStatusPending, JobStatusAssigned, JobStatusCompleted, JobStatusFailed:
		return true
	}
	return false
}

type Job struct {
	ID             string         `json:"id" gorm:"primaryKey"`
	Query          string         `json:"query"`
	Options        datatypes.JSON `json:"options,omitempty"`
	Status         JobStatus      `json:"status" gorm:"index"`
	CreatedAt      time.Time      `json:"created_at" gorm:"index"`
	AssignedAt     *time.Time     `json:"assigned_at,omitempty"`
	CompletedAt    *time.Time     `json:"completed_at,omitempty"`
	AssignedAgents []string       `json:"assigned_agents" gorm:"serializer:json"`
	CompletedBy    string         `json:"completed_by,omitempty"`
	Result         datatypes.JSON `json:"result,omitempty"`
	Error          string         `json:"error,omitempty"`
	ResponseTime   int64          `json:"response_time_ms,omitempty"` // completedAt - assignedAt
}

func (Job) TableName() string {
	return "jobs"
}

func (j *Job) IsAssignedTo(agentID string) bool {
	return slices.Contains(j.AssignedAgents, agentID)
}

func (j *Job) removeAgent(agentID string) bool {
	i := slices.Index(j.AssignedAgents, agentID)
	if i < 0 {
		return false
	}
	j.AssignedAgents = slices.Delete(j.AssignedAgents, i, i+1)
	return true
}

func (j *Job) Clone() *Job {
	c := *j
	c.AssignedAgents = slices.Clone(j.AssignedAgents)
	if c.AssignedAgents == nil {
		c.AssignedAgents = []string{}
	}
	c.Options = slices.Clone(j.Options)
	c.Result = slices.Clone(j.Result)
	if j.AssignedAt != nil {
		t := *j.AssignedAt
		c.AssignedAt = &t
	}
	if j.CompletedAt != nil {
		t := *j.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Attach records agent as racing on job. Both sides are updated together.
func Attach(job *Job, agent *Agent) {
	agent.addJob(job.ID)
	if !job.IsAssignedTo(agent.ID) {
		job.AssignedAgents = append(job.AssignedAgents, agent.ID)
	}
}

// Detach removes the pairing between job and agent on both sides.
func Detach(job *Job, agent *Agent) {
	agent.removeJob(job.ID)
	job.removeAgent(agent.ID)
}

// DetachAgentID drops agentID from the job without touching the agent record.
func DetachAgentID(job *Job, agentID string) bool {
	return job.removeAgent(agentID)
}

// DropJobID drops jobID from the agent without touching the job record.
func DropJobID(agent *Agent, jobID string) bool {
	return agent.removeJob(jobID)
}
