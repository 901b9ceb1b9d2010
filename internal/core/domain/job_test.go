package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAttachDetach(t *testing.T) {
	job := &Job{ID: "J1"}
	a := &Agent{ID: "A1"}
	b := &Agent{ID: "A2"}

	Attach(job, a)
	Attach(job, a)
	Attach(job, b)
	assert.Equal(t, []string{"A1", "A2"}, job.AssignedAgents)
	assert.Equal(t, []string{"J1"}, a.CurrentJobs)
	assert.Equal(t, 1, b.Load())

	Detach(job, a)
	assert.Equal(t, []string{"A2"}, job.AssignedAgents)
	assert.Empty(t, a.CurrentJobs)
	assert.False(t, job.IsAssignedTo("A1"))

	assert.True(t, DetachAgentID(job, "A2"))
	assert.False(t, DetachAgentID(job, "A2"))
	assert.True(t, b.HasJob("J1"))
	assert.True(t, DropJobID(b, "J1"))
	assert.False(t, DropJobID(b, "J1"))
}

func TestJobStatus(t *testing.T) {
	assert.False(t, JobStatusPending.Terminal())
	assert.False(t, JobStatusAssigned.Terminal())
	assert.True(t, JobStatusCompleted.Terminal())
	assert.True(t, JobStatusFailed.Terminal())
	assert.True(t, JobStatusAssigned.Valid())
	assert.False(t, JobStatus("running").Valid())
}

func TestJobClone(t *testing.T) {
	now := time.Now()
	job := &Job{ID: "J1", AssignedAgents: []string{"A1"}, AssignedAt: &now, Result: []byte(`{}`)}

	c := job.Clone()
	c.AssignedAgents[0] = "X"
	*c.AssignedAt = now.Add(time.Hour)
	c.Result[0] = '['

	assert.Equal(t, "A1", job.AssignedAgents[0])
	assert.Equal(t, now, *job.AssignedAt)
	assert.Equal(t, `{}`, string(job.Result))
	assert.Equal(t, []string{}, (&Job{}).Clone().AssignedAgents)
}

func TestStats_RecordSuccess(t *testing.T) {
	var s Stats
	for _, rt := range []int64{100, 200, 600} {
		s.RecordSuccess(rt)
	}
	s.RecordFailure()

	assert.Equal(t, int64(4), s.TotalProcessed)
	assert.Equal(t, int64(3), s.TotalSucceeded)
	assert.Equal(t, int64(1), s.TotalFailed)
	assert.InDelta(t, 300.0, s.AverageResponseTime, 1e-9)
}

func TestSnapshotClone(t *testing.T) {
	snap := &Snapshot{
		Agents: []*Agent{{ID: "A1", CurrentJobs: []string{"J1"}}},
		Jobs:   []*Job{{ID: "J1", AssignedAgents: []string{"A1"}}},
		Stats:  Stats{TotalProcessed: 2},
	}
	c := snap.Clone()
	c.Agents[0].CurrentJobs[0] = "X"
	c.Jobs[0].AssignedAgents = nil
	c.Stats.TotalProcessed = 9

	assert.Equal(t, "J1", snap.Agents[0].CurrentJobs[0])
	assert.Equal(t, []string{"A1"}, snap.Jobs[0].AssignedAgents)
	assert.Equal(t, int64(2), snap.Stats.TotalProcessed)
}
