package services

import (
	"slices"

	"crawlfleet/internal/core/domain"
)

// SweepReport summarizes one maintenance pass.
type SweepReport struct {
	TimedOut      []string `json:"timed_out"`
	JobsRemoved   int      `json:"jobs_removed"`
	AgentsRemoved int      `json:"agents_removed"`
	Dispatched    int      `json:"dispatched"`
}

// sweep runs the periodic maintenance pass: liveness timeouts, job and agent
// retention, then a dispatch backstop for anything still pending.
func (c *Coordinator) sweep() SweepReport {
	now := c.now()
	var report SweepReport

	for _, a := range c.sortedAgents() {
		if a.Status == domain.AgentStatusOnline && now.Sub(a.LastSeen) > c.cfg.HeartbeatTimeout {
			c.log.Warn("Agent heartbeat timed out", "agent_id", a.ID, "last_seen", a.LastSeen)
			c.markOffline(a)
			report.TimedOut = append(report.TimedOut, a.ID)
		}
	}

	for id, j := range c.jobs {
		if !j.Status.Terminal() || j.CompletedAt == nil {
			continue
		}
		if now.Sub(*j.CompletedAt) > c.cfg.JobRetention {
			c.removeJob(id)
			report.JobsRemoved++
		}
	}

	for _, a := range c.sortedAgents() {
		if a.Status == domain.AgentStatusOffline && now.Sub(a.LastSeen) > c.cfg.AgentRetention {
			c.removeAgent(a)
			report.AgentsRemoved++
		}
	}

	report.Dispatched = c.dispatchPending()

	sweepRemovalsTotal.WithLabelValues("agent_timeout").Add(float64(len(report.TimedOut)))
	sweepRemovalsTotal.WithLabelValues("job").Add(float64(report.JobsRemoved))
	sweepRemovalsTotal.WithLabelValues("agent").Add(float64(report.AgentsRemoved))

	if len(report.TimedOut) > 0 || report.JobsRemoved > 0 || report.AgentsRemoved > 0 || report.Dispatched > 0 {
		c.log.Info("Sweep finished",
			"timed_out", len(report.TimedOut), "jobs_removed", report.JobsRemoved,
			"agents_removed", report.AgentsRemoved, "dispatched", report.Dispatched)
	}
	// Every sweep ends with a commit so a restart resumes from a fresh view.
	c.markDirty()
	return report
}

// markOffline takes an agent out of rotation and hands its jobs to whoever
// has capacity.
func (c *Coordinator) markOffline(a *domain.Agent) {
	if a.Status == domain.AgentStatusOffline && len(a.CurrentJobs) == 0 {
		return
	}
	a.Status = domain.AgentStatusOffline
	c.markDirty()
	c.emit(domain.Event{Type: domain.EventAgentOffline, AgentID: a.ID, Status: string(a.Status)})
	c.releaseAgent(a)
}

// removeJob deletes a job and scrubs it from every agent still holding it.
func (c *Coordinator) removeJob(id string) *domain.Job {
	j, ok := c.jobs[id]
	if !ok {
		return nil
	}
	for _, agentID := range slices.Clone(j.AssignedAgents) {
		if a, ok := c.agents[agentID]; ok {
			domain.Detach(j, a)
		}
	}
	delete(c.jobs, id)
	c.markDirty()
	c.emit(domain.Event{Type: domain.EventJobDeleted, JobID: id, Status: string(j.Status)})
	return j
}

// removeAgent deletes an agent after releasing its jobs, so no job keeps a
// reference to it.
func (c *Coordinator) removeAgent(a *domain.Agent) {
	delete(c.agents, a.ID)
	a.Status = domain.AgentStatusOffline
	c.releaseAgent(a)
	for _, j := range c.jobs {
		domain.DetachAgentID(j, a.ID)
	}
	c.markDirty()
	c.log.Info("Agent removed", "agent_id", a.ID, "status", a.Status)
	c.emit(domain.Event{Type: domain.EventAgentRemoved, AgentID: a.ID})
}
