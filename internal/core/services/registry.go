package services

import (
	"cmp"
	"fmt"
	"slices"

	"crawlfleet/internal/core/domain"
)

// restore loads a persisted snapshot and repairs any agent/job pairing that
// does not hold on both sides.
func (c *Coordinator) restore(snap *domain.Snapshot) {
	if snap == nil {
		return
	}
	for _, a := range snap.Agents {
		if a == nil || a.ID == "" {
			continue
		}
		a = a.Clone()
		c.agents[a.ID] = a
		c.seq = max(c.seq, a.Seq)
	}
	for _, j := range snap.Jobs {
		if j == nil || j.ID == "" {
			continue
		}
		c.jobs[j.ID] = j.Clone()
	}
	c.stats = snap.Stats
	c.stats.ID = 0

	if repaired := c.reconcile(); repaired > 0 {
		c.log.Warn("Repaired inconsistent snapshot", "fixes", repaired)
		c.markDirty()
	}
	c.updateGauges()
}

// reconcile enforces the pairing and status invariants across both
// registries and returns how many records it had to touch.
func (c *Coordinator) reconcile() int {
	fixes := 0
	for _, a := range c.agents {
		kept := a.CurrentJobs[:0]
		for _, jobID := range a.CurrentJobs {
			j, ok := c.jobs[jobID]
			if ok && !j.Status.Terminal() && j.IsAssignedTo(a.ID) && !slices.Contains(kept, jobID) {
				kept = append(kept, jobID)
				continue
			}
			fixes++
		}
		a.CurrentJobs = kept
		if a.Status != domain.AgentStatusOnline && a.Status != domain.AgentStatusOffline {
			a.Status = domain.AgentStatusOffline
			fixes++
		}
	}
	for _, j := range c.jobs {
		kept := j.AssignedAgents[:0]
		for _, agentID := range j.AssignedAgents {
			if a, ok := c.agents[agentID]; ok && a.HasJob(j.ID) {
				kept = append(kept, agentID)
				continue
			}
			fixes++
		}
		j.AssignedAgents = kept

		switch {
		case j.Status.Terminal():
		case len(j.AssignedAgents) == 0 && j.Status != domain.JobStatusPending:
			j.Status = domain.JobStatusPending
			fixes++
		case len(j.AssignedAgents) > 0 && j.Status != domain.JobStatusAssigned:
			j.Status = domain.JobStatusAssigned
			fixes++
		}
	}
	return fixes
}

// snapshot deep-copies the registries for the persister.
func (c *Coordinator) snapshot() *domain.Snapshot {
	snap := &domain.Snapshot{
		Agents: make([]*domain.Agent, 0, len(c.agents)),
		Jobs:   make([]*domain.Job, 0, len(c.jobs)),
		Stats:  c.stats,
	}
	snap.Stats.ID = 1
	for _, a := range c.sortedAgents() {
		snap.Agents = append(snap.Agents, a.Clone())
	}
	for _, j := range c.jobs {
		snap.Jobs = append(snap.Jobs, j.Clone())
	}
	slices.SortFunc(snap.Jobs, func(a, b *domain.Job) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return snap
}

// touchAgent records an inbound envelope from id, creating the agent on first
// contact and bringing it back online if the liveness monitor had dropped it.
// It reports whether the agent gained dispatch eligibility.
func (c *Coordinator) touchAgent(id string) (*domain.Agent, bool) {
	now := c.now()
	a, ok := c.agents[id]
	if !ok {
		a = c.insertAgent(id)
		c.log.Info("Agent auto-registered on first contact", "agent_id", id)
		return a, true
	}
	a.LastSeen = now
	c.markDirty()
	if a.Status != domain.AgentStatusOnline {
		a.Status = domain.AgentStatusOnline
		c.log.Info("Agent back online", "agent_id", id)
		c.emit(domain.Event{Type: domain.EventAgentOnline, AgentID: id, Status: string(a.Status)})
		return a, true
	}
	return a, false
}

func (c *Coordinator) insertAgent(id string) *domain.Agent {
	now := c.now()
	c.seq++
	a := &domain.Agent{
		ID:           id,
		Name:         fmt.Sprintf("Agent-%s", id),
		Status:       domain.AgentStatusOnline,
		RegisteredAt: now,
		LastSeen:     now,
		CurrentJobs:  []string{},
		Seq:          c.seq,
	}
	c.agents[id] = a
	c.markDirty()
	c.emit(domain.Event{Type: domain.EventAgentOnline, AgentID: id, Status: string(a.Status)})
	return a
}

// sortedAgents returns agents in registration order.
func (c *Coordinator) sortedAgents() []*domain.Agent {
	out := make([]*domain.Agent, 0, len(c.agents))
	for _, a := range c.agents {
		out = append(out, a)
	}
	slices.SortFunc(out, func(a, b *domain.Agent) int {
		return cmp.Or(cmp.Compare(a.Seq, b.Seq), cmp.Compare(a.ID, b.ID))
	})
	return out
}

// candidates lists online agents with spare capacity, least loaded first,
// registration order breaking ties.
func (c *Coordinator) candidates() []*domain.Agent {
	var out []*domain.Agent
	for _, a := range c.sortedAgents() {
		if a.Status == domain.AgentStatusOnline && a.Load() < c.cfg.MaxJobsPerAgent {
			out = append(out, a)
		}
	}
	slices.SortStableFunc(out, func(a, b *domain.Agent) int {
		return cmp.Compare(a.Load(), b.Load())
	})
	return out
}

// pendingJobs returns pending jobs oldest first.
func (c *Coordinator) pendingJobs() []*domain.Job {
	var out []*domain.Job
	for _, j := range c.jobs {
		if j.Status == domain.JobStatusPending {
			out = append(out, j)
		}
	}
	slices.SortFunc(out, func(a, b *domain.Job) int {
		return cmp.Or(a.CreatedAt.Compare(b.CreatedAt), cmp.Compare(a.ID, b.ID))
	})
	return out
}

func (c *Coordinator) updateGauges() {
	var online, offline int
	for _, a := range c.agents {
		if a.Status == domain.AgentStatusOnline {
			online++
		} else {
			offline++
		}
	}
	agentsGauge.WithLabelValues(string(domain.AgentStatusOnline)).Set(float64(online))
	agentsGauge.WithLabelValues(string(domain.AgentStatusOffline)).Set(float64(offline))

	counts := map[domain.JobStatus]int{}
	for _, j := range c.jobs {
		counts[j.Status]++
	}
	for _, s := range []domain.JobStatus{domain.JobStatusPending, domain.JobStatusAssigned, domain.JobStatusCompleted, domain.JobStatusFailed} {
		jobsGauge.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}
