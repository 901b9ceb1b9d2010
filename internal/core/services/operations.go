package services

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"crawlfleet/internal/core/domain"
	"crawlfleet/internal/core/tracing"
	"gorm.io/datatypes"
)

// RegisterAgent inserts or refreshes an agent. A re-registering agent keeps
// its counters but starts over with an empty job set; whatever it held is
// handed to the rest of the pool. An empty agentID gets a generated one.
func (c *Coordinator) RegisterAgent(ctx context.Context, agentID string, msg domain.RegisterMessage) (agent *domain.Agent, err error) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.RegisterAgent", tracing.AgentID(agentID))
	defer func() { tracing.End(span, err) }()

	err = c.do(ctx, func() {
		id := agentID
		if id == "" {
			id = c.newAgentID()
		}

		a, ok := c.agents[id]
		if !ok {
			a = c.insertAgent(id)
		} else {
			wasOnline := a.Status == domain.AgentStatusOnline
			a.Status = domain.AgentStatusOnline
			a.LastSeen = c.now()
			c.releaseAgent(a)
			if !wasOnline {
				c.emit(domain.Event{Type: domain.EventAgentOnline, AgentID: id, Status: string(a.Status)})
			}
		}
		if name := strings.TrimSpace(msg.Name); name != "" {
			a.Name = name
		}
		if len(msg.Capabilities) > 0 {
			a.Capabilities = datatypes.JSON(slices.Clone(msg.Capabilities))
		}
		c.markDirty()
		c.log.Info("Agent registered", "agent_id", id, "name", a.Name, "returning", ok)

		c.dispatchPending()
		agent = a.Clone()
	})
	return agent, err
}

// CreateJob accepts a new job and dispatches it right away when capacity
// allows. Options, when present, must be a JSON document.
func (c *Coordinator) CreateJob(ctx context.Context, query string, options json.RawMessage) (job *domain.Job, err error) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.CreateJob")
	defer func() { tracing.End(span, err) }()

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", domain.ErrValidation)
	}
	if len(options) > 0 && !json.Valid(options) {
		return nil, fmt.Errorf("%w: options must be valid JSON", domain.ErrValidation)
	}

	err = c.do(ctx, func() {
		j := &domain.Job{
			ID:             c.newJobID(),
			Query:          query,
			Options:        datatypes.JSON(slices.Clone(options)),
			Status:         domain.JobStatusPending,
			CreatedAt:      c.now(),
			AssignedAgents: []string{},
		}
		c.jobs[j.ID] = j
		c.markDirty()
		jobsCreatedTotal.Inc()
		c.emit(domain.Event{Type: domain.EventJobCreated, JobID: j.ID, Status: string(j.Status)})

		if c.assign(j) == 0 {
			c.log.Info("Job queued, no agent available", "job_id", j.ID)
		}
		job = j.Clone()
	})
	if job != nil {
		span.SetAttributes(tracing.JobID(job.ID))
	}
	return job, err
}

// HandleAgentMessage routes one inbound envelope and returns the reply the
// transport should send back to the agent.
func (c *Coordinator) HandleAgentMessage(ctx context.Context, env domain.Envelope) (domain.Envelope, error) {
	msg, err := domain.DecodeMessage(env)
	if err != nil {
		c.log.Warn("Rejected agent envelope", "agent_id", env.AgentID, "type", env.Type, "error", err)
		return domain.Envelope{}, err
	}
	if env.AgentID == "" && domain.TypeOf(msg) != domain.MsgAgentRegister {
		return domain.Envelope{}, fmt.Errorf("%w: agentId is required for %s", domain.ErrMalformedEnvelope, env.Type)
	}

	switch m := msg.(type) {
	case domain.RegisterMessage:
		a, err := c.RegisterAgent(ctx, env.AgentID, m)
		if err != nil {
			return domain.Envelope{}, err
		}
		return domain.NewEnvelope(a.ID, domain.MsgAgentRegistered, domain.RegisteredPayload{
			AgentID:  a.ID,
			ServerID: c.cfg.ServerID,
			Message:  "Agent registered successfully",
		}), nil
	case domain.JobResultMessage:
		outcome, err := c.HandleJobResult(ctx, env.AgentID, m)
		if err != nil {
			return domain.Envelope{}, err
		}
		return domain.NewEnvelope(env.AgentID, domain.MsgJobResultReceived, domain.ResultAckPayload{JobID: m.JobID, Status: outcome}), nil
	case domain.StatusMessage:
		ack, err := c.HandleAgentStatus(ctx, env.AgentID, m)
		if err != nil {
			return domain.Envelope{}, err
		}
		return domain.NewEnvelope(env.AgentID, domain.MsgStatusAck, ack), nil
	case domain.HeartbeatMessage:
		ack, err := c.HandleHeartbeat(ctx, env.AgentID)
		if err != nil {
			return domain.Envelope{}, err
		}
		return domain.NewEnvelope(env.AgentID, domain.MsgHeartbeatAck, ack), nil
	default:
		return domain.Envelope{}, fmt.Errorf("%w: %q", domain.ErrUnknownMessageType, env.Type)
	}
}

// HandleJobResult applies an agent's report for a job. It returns one of
// ResultReceived, ResultAlreadyResolved or ResultIgnored.
func (c *Coordinator) HandleJobResult(ctx context.Context, agentID string, msg domain.JobResultMessage) (outcome string, err error) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.HandleJobResult", tracing.AgentID(agentID), tracing.JobID(msg.JobID))
	defer func() { tracing.End(span, err) }()

	var opErr error
	err = c.do(ctx, func() {
		a, ok := c.agents[agentID]
		if !ok {
			opErr = fmt.Errorf("%w: %s", domain.ErrAgentNotFound, agentID)
			return
		}
		c.touchAgent(agentID)
		outcome, opErr = c.applyResult(a, msg)
		if opErr != nil {
			opErr = fmt.Errorf("%w: %s", opErr, msg.JobID)
		}
		c.dispatchPending()
	})
	if err != nil {
		return "", err
	}
	if opErr != nil {
		c.log.Warn("Job result dropped", "agent_id", agentID, "job_id", msg.JobID, "error", opErr)
		return "", opErr
	}
	return outcome, nil
}

// HandleHeartbeat refreshes an agent's liveness. Unknown agents are created.
func (c *Coordinator) HandleHeartbeat(ctx context.Context, agentID string) (ack domain.HeartbeatAckPayload, err error) {
	err = c.do(ctx, func() {
		if _, eligible := c.touchAgent(agentID); eligible {
			c.dispatchPending()
		}
		ack.Timestamp = domain.Millis(c.now())
	})
	return ack, err
}

// HandleAgentStatus applies an AGENT_STATUS report. An agent announcing
// offline is released the same way as a disconnect.
func (c *Coordinator) HandleAgentStatus(ctx context.Context, agentID string, msg domain.StatusMessage) (ack domain.StatusAckPayload, err error) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.HandleAgentStatus", tracing.AgentID(agentID))
	defer func() { tracing.End(span, err) }()

	err = c.do(ctx, func() {
		a, known := c.agents[agentID]
		if known && msg.Status == domain.AgentStatusOffline {
			a.LastSeen = c.now()
			c.markOffline(a)
		} else {
			var eligible bool
			a, eligible = c.touchAgent(agentID)
			if msg.Status == domain.AgentStatusOffline {
				c.markOffline(a)
			} else if eligible {
				c.dispatchPending()
			}
		}
		if name := strings.TrimSpace(msg.Name); name != "" {
			a.Name = name
		}
		if len(msg.Capabilities) > 0 {
			a.Capabilities = datatypes.JSON(slices.Clone(msg.Capabilities))
		}
		c.markDirty()
		ack.Status = a.Status
	})
	return ack, err
}

// HandleAgentDisconnected is called by a transport when an agent's persistent
// channel closes. The agent goes offline and its jobs are reassigned now
// rather than at the next sweep.
func (c *Coordinator) HandleAgentDisconnected(ctx context.Context, agentID string) (err error) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.HandleAgentDisconnected", tracing.AgentID(agentID))
	defer func() { tracing.End(span, err) }()

	return c.do(ctx, func() {
		a, ok := c.agents[agentID]
		if !ok || a.Status == domain.AgentStatusOffline {
			return
		}
		c.log.Info("Agent disconnected", "agent_id", agentID, "jobs", len(a.CurrentJobs))
		c.markOffline(a)
	})
}

// PollJobs is the pull side of dispatch for agents without a push channel.
// It claims pending jobs up to the agent's spare capacity and returns every
// job the agent currently holds.
func (c *Coordinator) PollJobs(ctx context.Context, agentID string) (jobs []domain.JobAssignedPayload, err error) {
	ctx, span := tracing.StartSpan(ctx, "coordinator.PollJobs", tracing.AgentID(agentID))
	defer func() { tracing.End(span, err) }()

	if agentID == "" {
		return nil, fmt.Errorf("%w: agentId is required", domain.ErrValidation)
	}
	err = c.do(ctx, func() {
		a, _ := c.touchAgent(agentID)
		if n := c.claimFor(a); n > 0 {
			c.log.Info("Agent claimed jobs by polling", "agent_id", agentID, "claimed", n)
		}
		jobs = make([]domain.JobAssignedPayload, 0, len(a.CurrentJobs))
		for _, id := range a.CurrentJobs {
			if j, ok := c.jobs[id]; ok {
				jobs = append(jobs, assignmentFor(j))
			}
		}
	})
	return jobs, err
}

// Sweep runs a maintenance pass immediately instead of waiting for the timer.
func (c *Coordinator) Sweep(ctx context.Context) (report SweepReport, err error) {
	err = c.do(ctx, func() {
		report = c.sweep()
	})
	return report, err
}
