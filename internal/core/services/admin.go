package services

import (
	"context"
	"fmt"

	"crawlfleet/internal/core/domain"
	"crawlfleet/internal/core/tracing"
)

// DeleteJob removes a job. Agents still racing on it are told to stop.
// Lifetime stats are left alone.
func (c *Coordinator) DeleteJob(ctx context.Context, id string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.DeleteJob", tracing.JobID(id))
	defer func() { tracing.End(span, err) }()

	found := false
	err = c.do(ctx, func() {
		j, ok := c.jobs[id]
		if !ok {
			return
		}
		found = true
		c.cancelRacers(j, domain.CancelJobDeleted)
		c.removeJob(id)
		c.log.Info("Job deleted", "job_id", id)
		c.dispatchPending()
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return nil
}

// ClearJobs removes every job and resets the lifetime stats. It returns how
// many jobs were removed.
func (c *Coordinator) ClearJobs(ctx context.Context) (removed int, err error) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.ClearJobs")
	defer func() { tracing.End(span, err) }()

	err = c.do(ctx, func() {
		for id, j := range c.jobs {
			c.cancelRacers(j, domain.CancelJobDeleted)
			c.removeJob(id)
			removed++
		}
		for _, a := range c.agents {
			a.CurrentJobs = []string{}
		}
		c.stats = domain.Stats{}
		c.markDirty()
		c.log.Info("All jobs cleared", "removed", removed)
		c.emit(domain.Event{Type: domain.EventStatsUpdated})
	})
	return removed, err
}

// DeleteAgent removes an agent and reassigns whatever it was holding.
func (c *Coordinator) DeleteAgent(ctx context.Context, id string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.DeleteAgent", tracing.AgentID(id))
	defer func() { tracing.End(span, err) }()

	found := false
	err = c.do(ctx, func() {
		a, ok := c.agents[id]
		if !ok {
			return
		}
		found = true
		c.removeAgent(a)
	})
	if err != nil {
		return err
	}
	if !found {
		return fmt.Errorf("%w: %s", domain.ErrAgentNotFound, id)
	}
	return nil
}

// ClearAgents removes every agent. Jobs they held go back to pending and wait
// for the next agent to show up.
func (c *Coordinator) ClearAgents(ctx context.Context) (removed int, err error) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.ClearAgents")
	defer func() { tracing.End(span, err) }()

	err = c.do(ctx, func() {
		agents := c.sortedAgents()
		// Nobody may pick up a released job while the pool is being emptied.
		for _, a := range agents {
			a.Status = domain.AgentStatusOffline
		}
		for _, a := range agents {
			c.removeAgent(a)
			removed++
		}
		c.log.Info("All agents cleared", "removed", removed)
	})
	return removed, err
}

// cancelRacers tells every agent still working on j to drop it.
func (c *Coordinator) cancelRacers(j *domain.Job, reason string) {
	if j.Status.Terminal() {
		return
	}
	for _, agentID := range j.AssignedAgents {
		c.send(agentID, domain.MsgJobCancelled, domain.JobCancelledPayload{JobID: j.ID, Reason: reason})
		cancellationsTotal.WithLabelValues(reason).Inc()
	}
}
