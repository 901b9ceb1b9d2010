package services

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"crawlfleet/internal/core/domain"
)

const (
	DefaultPageLimit = 50
	recentJobsLimit  = 10
)

// JobQuery selects a page of jobs. Zero values mean page 1, the default limit
// and every status. Any positive limit is honoured as given.
type JobQuery struct {
	Page   int
	Limit  int
	Status domain.JobStatus
}

func (q JobQuery) normalize() JobQuery {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = DefaultPageLimit
	}
	return q
}

type Pagination struct {
	Page       int  `json:"page"`
	Limit      int  `json:"limit"`
	TotalJobs  int  `json:"total_jobs"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
}

type JobPage struct {
	Jobs       []*domain.Job `json:"jobs"`
	Pagination Pagination    `json:"pagination"`
}

type AgentCounts struct {
	Total   int `json:"total"`
	Online  int `json:"online"`
	Offline int `json:"offline"`
}

type JobCounts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Assigned  int `json:"assigned"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// SystemStatus is the dashboard overview.
type SystemStatus struct {
	ServerID   string        `json:"server_id"`
	Agents     AgentCounts   `json:"agents"`
	Jobs       JobCounts     `json:"jobs"`
	Stats      domain.Stats  `json:"stats"`
	RecentJobs []*domain.Job `json:"recent_jobs"`
	Timestamp  time.Time     `json:"timestamp"`
}

// GetJob returns a copy of one job.
func (c *Coordinator) GetJob(ctx context.Context, id string) (job *domain.Job, err error) {
	err = c.do(ctx, func() {
		if j, ok := c.jobs[id]; ok {
			job = j.Clone()
		}
	})
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return job, nil
}

func (c *Coordinator) GetAgent(ctx context.Context, id string) (agent *domain.Agent, err error) {
	err = c.do(ctx, func() {
		if a, ok := c.agents[id]; ok {
			agent = a.Clone()
		}
	})
	if err != nil {
		return nil, err
	}
	if agent == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrAgentNotFound, id)
	}
	return agent, nil
}

// ListAgents returns every known agent in registration order.
func (c *Coordinator) ListAgents(ctx context.Context) (agents []*domain.Agent, err error) {
	err = c.do(ctx, func() {
		sorted := c.sortedAgents()
		agents = make([]*domain.Agent, 0, len(sorted))
		for _, a := range sorted {
			agents = append(agents, a.Clone())
		}
	})
	return agents, err
}

// ListJobs returns one page of jobs, newest first. Ties on createdAt are
// broken by id, descending, so pages never overlap.
func (c *Coordinator) ListJobs(ctx context.Context, q JobQuery) (page JobPage, err error) {
	q = q.normalize()
	var all []*domain.Job
	err = c.do(ctx, func() {
		all = make([]*domain.Job, 0, len(c.jobs))
		for _, j := range c.jobs {
			if q.Status == "" || j.Status == q.Status {
				all = append(all, j.Clone())
			}
		}
	})
	if err != nil {
		return JobPage{}, err
	}
	return paginate(all, q), nil
}

func paginate(jobs []*domain.Job, q JobQuery) JobPage {
	slices.SortFunc(jobs, newestFirst)

	// Written to avoid overflow on very large page or limit values.
	total := len(jobs)
	totalPages := total / q.Limit
	if total%q.Limit != 0 {
		totalPages++
	}
	start := total
	if q.Page-1 < totalPages {
		start = (q.Page - 1) * q.Limit
	}
	end := start + min(q.Limit, total-start)

	return JobPage{
		Jobs: jobs[start:end],
		Pagination: Pagination{
			Page:       q.Page,
			Limit:      q.Limit,
			TotalJobs:  total,
			TotalPages: totalPages,
			HasNext:    q.Page < totalPages,
			HasPrev:    q.Page > 1,
		},
	}
}

func newestFirst(a, b *domain.Job) int {
	return cmp.Or(b.CreatedAt.Compare(a.CreatedAt), cmp.Compare(b.ID, a.ID))
}

// SystemStatus reports registry counts, lifetime stats and the latest jobs.
func (c *Coordinator) SystemStatus(ctx context.Context) (status SystemStatus, err error) {
	err = c.do(ctx, func() {
		status.ServerID = c.cfg.ServerID
		status.Stats = c.stats
		status.Timestamp = c.now()

		for _, a := range c.agents {
			status.Agents.Total++
			if a.Status == domain.AgentStatusOnline {
				status.Agents.Online++
			} else {
				status.Agents.Offline++
			}
		}

		recent := make([]*domain.Job, 0, len(c.jobs))
		for _, j := range c.jobs {
			status.Jobs.Total++
			switch j.Status {
			case domain.JobStatusPending:
				status.Jobs.Pending++
			case domain.JobStatusAssigned:
				status.Jobs.Assigned++
			case domain.JobStatusCompleted:
				status.Jobs.Completed++
			case domain.JobStatusFailed:
				status.Jobs.Failed++
			}
			recent = append(recent, j)
		}
		slices.SortFunc(recent, newestFirst)
		recent = recent[:min(len(recent), recentJobsLimit)]
		status.RecentJobs = make([]*domain.Job, 0, len(recent))
		for _, j := range recent {
			status.RecentJobs = append(status.RecentJobs, j.Clone())
		}
	})
	return status, err
}
