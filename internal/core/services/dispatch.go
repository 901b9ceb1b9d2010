package services

import (
	"context"
	"encoding/json"
	"slices"
	"time"

	"crawlfleet/internal/core/domain"
	"gorm.io/datatypes"
)

// assign dispatches a pending job to up to Fanout of the least loaded online
// agents. With no candidate the job simply stays pending.
func (c *Coordinator) assign(job *domain.Job) int {
	if job.Status != domain.JobStatusPending {
		return 0
	}
	selected := c.candidates()
	if len(selected) > c.cfg.Fanout {
		selected = selected[:c.cfg.Fanout]
	}
	if len(selected) == 0 {
		noCapacityTotal.Inc()
		return 0
	}
	for _, a := range selected {
		c.attach(job, a)
	}
	c.log.Info("Job dispatched", "job_id", job.ID, "agents", job.AssignedAgents)
	return len(selected)
}

// attach pairs job with agent and pushes the assignment to the agent.
func (c *Coordinator) attach(job *domain.Job, agent *domain.Agent) {
	domain.Attach(job, agent)
	if job.AssignedAt == nil {
		now := c.now()
		job.AssignedAt = &now
	}
	job.Status = domain.JobStatusAssigned
	c.markDirty()
	dispatchesTotal.Inc()

	c.send(agent.ID, domain.MsgJobAssigned, assignmentFor(job))
	c.emit(domain.Event{Type: domain.EventJobAssigned, JobID: job.ID, AgentID: agent.ID, Status: string(job.Status)})
}

func assignmentFor(job *domain.Job) domain.JobAssignedPayload {
	p := domain.JobAssignedPayload{JobID: job.ID, Query: job.Query}
	if len(job.Options) > 0 {
		p.Options = json.RawMessage(slices.Clone(job.Options))
	}
	return p
}

// dispatchPending offers every pending job, oldest first, to the pool. It
// stops early once no agent has spare capacity.
func (c *Coordinator) dispatchPending() int {
	dispatched := 0
	for _, job := range c.pendingJobs() {
		if len(c.candidates()) == 0 {
			break
		}
		if c.assign(job) > 0 {
			dispatched++
		}
	}
	return dispatched
}

// claimFor lets a polling agent take pending jobs up to its spare capacity.
// The claim goes through the same pairing as a push assignment but only
// involves the polling agent.
func (c *Coordinator) claimFor(agent *domain.Agent) int {
	if agent.Status != domain.AgentStatusOnline {
		return 0
	}
	claimed := 0
	for _, job := range c.pendingJobs() {
		if agent.Load() >= c.cfg.MaxJobsPerAgent {
			break
		}
		c.attach(job, agent)
		claimed++
	}
	return claimed
}

// requeue puts a job that lost all of its racers back to pending and tries to
// dispatch it again right away.
func (c *Coordinator) requeue(job *domain.Job) {
	if job.Status.Terminal() || len(job.AssignedAgents) > 0 {
		return
	}
	job.Status = domain.JobStatusPending
	c.markDirty()
	jobsRequeuedTotal.Inc()
	c.emit(domain.Event{Type: domain.EventJobRequeued, JobID: job.ID, Status: string(job.Status)})
	if c.assign(job) == 0 {
		c.log.Info("Job waiting for capacity", "job_id", job.ID)
	}
}

// releaseAgent detaches the agent from every job it holds and re-dispatches
// jobs left without any racer.
func (c *Coordinator) releaseAgent(agent *domain.Agent) {
	var orphans []*domain.Job
	for _, jobID := range slices.Clone(agent.CurrentJobs) {
		domain.DropJobID(agent, jobID)
		job, ok := c.jobs[jobID]
		if !ok {
			continue
		}
		domain.DetachAgentID(job, agent.ID)
		if !job.Status.Terminal() && len(job.AssignedAgents) == 0 {
			orphans = append(orphans, job)
		}
	}
	if len(agent.CurrentJobs) == 0 {
		agent.CurrentJobs = []string{}
	}
	c.markDirty()
	for _, job := range orphans {
		c.log.Info("Reassigning orphaned job", "job_id", job.ID, "from_agent", agent.ID)
		c.requeue(job)
	}
}

// applyResult runs the completion protocol for one JOB_RESULT report.
func (c *Coordinator) applyResult(agent *domain.Agent, msg domain.JobResultMessage) (string, error) {
	job, ok := c.jobs[msg.JobID]
	if !ok {
		return "", domain.ErrJobNotFound
	}

	if job.Status.Terminal() {
		if job.IsAssignedTo(agent.ID) || agent.HasJob(job.ID) {
			domain.Detach(job, agent)
			c.markDirty()
		}
		if job.Status == domain.JobStatusCompleted && job.CompletedBy != agent.ID {
			c.send(agent.ID, domain.MsgJobCancelled, domain.JobCancelledPayload{JobID: job.ID, Reason: domain.CancelAlreadyCompleted})
			cancellationsTotal.WithLabelValues(domain.CancelAlreadyCompleted).Inc()
		}
		lateResultsTotal.Inc()
		c.log.Info("Late result for resolved job ignored",
			"job_id", job.ID, "agent_id", agent.ID, "job_status", job.Status, "reported", msg.Status)
		return domain.ResultAlreadyResolved, nil
	}

	switch msg.Status {
	case domain.JobStatusCompleted:
		c.complete(job, agent, msg.Data)
	case domain.JobStatusFailed:
		if !job.IsAssignedTo(agent.ID) {
			c.log.Info("Failure from agent not racing on job ignored", "job_id", job.ID, "agent_id", agent.ID)
			return domain.ResultIgnored, nil
		}
		domain.Detach(job, agent)
		agent.FailedCount++
		c.markDirty()
		c.log.Info("Agent reported failure", "job_id", job.ID, "agent_id", agent.ID, "error", msg.Error,
			"remaining", len(job.AssignedAgents))
		if len(job.AssignedAgents) == 0 {
			c.fail(job, msg.Error)
		}
	}
	return domain.ResultReceived, nil
}

// complete is the first-writer-wins transition into completed. Every other
// racer is detached and told to stop.
func (c *Coordinator) complete(job *domain.Job, winner *domain.Agent, data json.RawMessage) {
	now := c.now()
	job.Status = domain.JobStatusCompleted
	job.Result = datatypes.JSON(slices.Clone(data))
	job.CompletedAt = &now
	job.CompletedBy = winner.ID
	job.ResponseTime = now.Sub(startOf(job)).Milliseconds()

	if job.IsAssignedTo(winner.ID) || winner.HasJob(job.ID) {
		domain.Detach(job, winner)
	}
	winner.CompletedCount++
	winner.TotalResponseTime += job.ResponseTime

	for _, otherID := range slices.Clone(job.AssignedAgents) {
		if other, ok := c.agents[otherID]; ok {
			domain.Detach(job, other)
		} else {
			domain.DetachAgentID(job, otherID)
		}
		c.send(otherID, domain.MsgJobCancelled, domain.JobCancelledPayload{JobID: job.ID, Reason: domain.CancelCompletedByOther})
		cancellationsTotal.WithLabelValues(domain.CancelCompletedByOther).Inc()
	}
	job.AssignedAgents = []string{}

	c.stats.RecordSuccess(job.ResponseTime)
	c.markDirty()
	jobsFinishedTotal.WithLabelValues(string(domain.JobStatusCompleted)).Inc()
	responseTimeSeconds.Observe(float64(job.ResponseTime) / 1000)

	c.log.Info("Job completed", "job_id", job.ID, "agent_id", winner.ID, "response_time_ms", job.ResponseTime)
	c.emit(domain.Event{Type: domain.EventJobCompleted, JobID: job.ID, AgentID: winner.ID, Status: string(job.Status)})
	c.emit(domain.Event{Type: domain.EventStatsUpdated})
}

// fail moves a job with no racer left into terminal failed.
func (c *Coordinator) fail(job *domain.Job, reason string) {
	now := c.now()
	job.Status = domain.JobStatusFailed
	job.Error = reason
	job.CompletedAt = &now
	job.ResponseTime = now.Sub(startOf(job)).Milliseconds()
	job.AssignedAgents = []string{}

	c.stats.RecordFailure()
	c.markDirty()
	jobsFinishedTotal.WithLabelValues(string(domain.JobStatusFailed)).Inc()

	c.log.Warn("Job failed on every agent", "job_id", job.ID, "error", reason)
	c.emit(domain.Event{Type: domain.EventJobFailed, JobID: job.ID, Status: string(job.Status)})
	c.emit(domain.Event{Type: domain.EventStatsUpdated})

	if c.archive != nil {
		archived := job.Clone()
		archive := c.archive
		c.async(func(ctx context.Context) {
			if err := archive.Add(ctx, archived, reason); err != nil {
				c.log.Warn("Failed to archive failed job", "job_id", archived.ID, "error", err)
			}
		})
	}
}

func startOf(job *domain.Job) time.Time {
	if job.AssignedAt != nil {
		return *job.AssignedAt
	}
	return job.CreatedAt
}
