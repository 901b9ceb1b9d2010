package domain

import "time"

// Event kinds published to the dashboard feed.
const (
	EventJobCreated   = "job_created"
	EventJobAssigned  = "job_assigned"
	EventJobCompleted = "job_completed"
	EventJobFailed    = "job_failed"
	EventJobRequeued  = "job_requeued"
	EventJobDeleted   = "job_deleted"
	EventAgentOnline  = "agent_online"
	EventAgentOffline = "agent_offline"
	EventAgentRemoved = "agent_removed"
	EventStatsUpdated = "statistics_updated"
)

// Event is a coordinator state change observed by the dashboard and MQTT.
type Event struct {
	Type      string    `json:"type"`
	JobID     string    `json:"job_id,omitempty"`
	AgentID   string    `json:"agent_id,omitempty"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}
