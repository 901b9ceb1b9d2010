package domain

import (
	"slices"
	"time"

	"gorm.io/datatypes"
)

type AgentStatus string

const (
	AgentStatusOnline  AgentStatus = "online"
	AgentStatusOffline AgentStatus = "offline"
)

// Agent is a remote worker known to the coordinator. CurrentJobs holds the ids
// of jobs the agent is racing on; the job side mirrors it in AssignedAgents.
type Agent struct {
	ID             string         `json:"id" gorm:"primaryKey"`
	Name           string         `json:"name"`
	Capabilities   datatypes.JSON `json:"capabilities,omitempty"`
	Status         AgentStatus    `json:"status"`
	RegisteredAt   time.Time      `json:"registered_at"`
	LastSeen       time.Time      `json:"last_seen"`
	CurrentJobs    []string       `json:"current_jobs" gorm:"serializer:json"`
	CompletedCount int64          `json:"completed_count"`
	FailedCount    int64          `json:"failed_count"`
	// TotalResponseTime sums the response times of the jobs this agent won.
	TotalResponseTime int64  `json:"total_response_time_ms"`
	Seq               uint64 `json:"seq" gorm:"column:seq"` // registration order, breaks load ties
}

func (Agent) TableName() string {
	return "agents"
}

// Load is the number of jobs the agent currently holds.
func (a *Agent) Load() int {
	return len(a.CurrentJobs)
}

func (a *Agent) HasJob(jobID string) bool {
	return slices.Contains(a.CurrentJobs, jobID)
}

func (a *Agent) addJob(jobID string) {
	if !a.HasJob(jobID) {
		a.CurrentJobs = append(a.CurrentJobs, jobID)
	}
}

func (a *Agent) removeJob(jobID string) bool {
	i := slices.Index(a.CurrentJobs, jobID)
	if i < 0 {
		return false
	}
	a.CurrentJobs = slices.Delete(a.CurrentJobs, i, i+1)
	return true
}

// AverageResponseTime is the mean response time in milliseconds over the
// jobs this agent completed, or zero before the first one.
func (a *Agent) AverageResponseTime() float64 {
	if a.CompletedCount == 0 {
		return 0
	}
	return float64(a.TotalResponseTime) / float64(a.CompletedCount)
}

// Clone returns a deep copy safe to hand out of the coordinator.
func (a *Agent) Clone() *Agent {
	c := *a
	c.CurrentJobs = slices.Clone(a.CurrentJobs)
	if c.CurrentJobs == nil {
		c.CurrentJobs = []string{}
	}
	c.Capabilities = slices.Clone(a.Capabilities)
	return &c
}
