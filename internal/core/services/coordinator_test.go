package services

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"crawlfleet/internal/core/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []domain.Envelope
}

func (n *recordingNotifier) Notify(agentID string, env domain.Envelope) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, env)
	return true
}

func (n *recordingNotifier) to(agentID string, t domain.MessageType) []domain.Envelope {
	n.mu.Lock()
	defer n.mu.Unlock()
	var out []domain.Envelope
	for _, env := range n.sent {
		if env.AgentID == agentID && env.Type == t {
			out = append(out, env)
		}
	}
	return out
}

func (n *recordingNotifier) reset() {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = nil
}

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{t: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type memStore struct {
	mu   sync.Mutex
	snap *domain.Snapshot
	errs []error
}

func (s *memStore) Load(ctx context.Context) (*domain.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap, nil
}

func (s *memStore) Save(ctx context.Context, snap *domain.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return err
	}
	s.snap = snap
	return nil
}

func (s *memStore) current() *domain.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snap
}

type harness struct {
	c        *Coordinator
	notifier *recordingNotifier
	clock    *fakeClock
}

func sequentialIDs(prefix string) func() string {
	var mu sync.Mutex
	n := 0
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("%s%d", prefix, n)
	}
}

func newHarness(t *testing.T, cfg CoordinatorConfig, opts ...Option) *harness {
	t.Helper()
	return newHarnessWithStore(t, cfg, nil, opts...)
}

func newHarnessWithStore(t *testing.T, cfg CoordinatorConfig, store *memStore, opts ...Option) *harness {
	t.Helper()
	h := &harness{notifier: &recordingNotifier{}, clock: newFakeClock()}
	if cfg.SweepInterval == 0 {
		// Tests drive sweeps explicitly.
		cfg.SweepInterval = time.Hour
	}
	opts = append([]Option{WithClock(h.clock.Now), WithJobIDs(sequentialIDs("J"))}, opts...)

	var err error
	if store != nil {
		h.c, err = NewCoordinator(context.Background(), cfg, store, h.notifier, opts...)
	} else {
		h.c, err = NewCoordinator(context.Background(), cfg, nil, h.notifier, opts...)
	}
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = h.c.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-h.c.Done()
	})
	return h
}

func (h *harness) register(t *testing.T, ids ...string) {
	t.Helper()
	for _, id := range ids {
		_, err := h.c.RegisterAgent(context.Background(), id, domain.RegisterMessage{})
		require.NoError(t, err)
	}
}

func (h *harness) createJob(t *testing.T, query string) *domain.Job {
	t.Helper()
	job, err := h.c.CreateJob(context.Background(), query, nil)
	require.NoError(t, err)
	return job
}

func (h *harness) job(t *testing.T, id string) *domain.Job {
	t.Helper()
	job, err := h.c.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

func (h *harness) agent(t *testing.T, id string) *domain.Agent {
	t.Helper()
	a, err := h.c.GetAgent(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (h *harness) report(t *testing.T, agentID, jobID string, status domain.JobStatus, payload string) string {
	t.Helper()
	msg := domain.JobResultMessage{JobID: jobID, Status: status}
	if status == domain.JobStatusCompleted {
		msg.Data = json.RawMessage(payload)
	} else {
		msg.Error = payload
	}
	outcome, err := h.c.HandleJobResult(context.Background(), agentID, msg)
	require.NoError(t, err)
	return outcome
}

// assertPairing checks that every job/agent cross reference holds on both
// sides and that job status agrees with its assigned agents.
func (h *harness) assertPairing(t *testing.T) {
	t.Helper()
	err := h.c.do(context.Background(), func() {
		for _, a := range h.c.agents {
			assert.LessOrEqual(t, a.Load(), h.c.cfg.MaxJobsPerAgent, "agent %s over capacity", a.ID)
			for _, id := range a.CurrentJobs {
				j, ok := h.c.jobs[id]
				if assert.True(t, ok, "agent %s holds unknown job %s", a.ID, id) {
					assert.True(t, j.IsAssignedTo(a.ID), "job %s does not list agent %s", id, a.ID)
				}
			}
		}
		for _, j := range h.c.jobs {
			for _, id := range j.AssignedAgents {
				a, ok := h.c.agents[id]
				if assert.True(t, ok, "job %s lists unknown agent %s", j.ID, id) {
					assert.True(t, a.HasJob(j.ID), "agent %s does not hold job %s", id, j.ID)
				}
			}
			switch j.Status {
			case domain.JobStatusPending, domain.JobStatusCompleted, domain.JobStatusFailed:
				assert.Empty(t, j.AssignedAgents, "job %s is %s with agents", j.ID, j.Status)
			case domain.JobStatusAssigned:
				assert.NotEmpty(t, j.AssignedAgents, "job %s assigned without agents", j.ID)
			}
		}
	})
	require.NoError(t, err)
}

func TestCoordinator_NewJobFansOutToIdleAgents(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{})
	h.register(t, "A", "B")

	job := h.createJob(t, "phone")

	assert.Equal(t, domain.JobStatusAssigned, job.Status)
	assert.Equal(t, []string{"A", "B"}, job.AssignedAgents)
	require.NotNil(t, job.AssignedAt)
	for _, id := range []string{"A", "B"} {
		sent := h.notifier.to(id, domain.MsgJobAssigned)
		require.Len(t, sent, 1)
		var p domain.JobAssignedPayload
		require.NoError(t, sent[0].Decode(&p))
		assert.Equal(t, job.ID, p.JobID)
		assert.Equal(t, "phone", p.Query)
	}
	h.assertPairing(t)
}

func TestCoordinator_FirstResultWinsAndCancelsRacers(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{})
	h.register(t, "A", "B")
	j1 := h.createJob(t, "phone")

	h.clock.Advance(100 * time.Millisecond)
	outcome := h.report(t, "A", j1.ID, domain.JobStatusCompleted, `{"title":"X"}`)
	assert.Equal(t, domain.ResultReceived, outcome)

	job := h.job(t, j1.ID)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.JSONEq(t, `{"title":"X"}`, string(job.Result))
	assert.Equal(t, int64(100), job.ResponseTime)
	assert.Equal(t, "A", job.CompletedBy)
	assert.Empty(t, job.AssignedAgents)

	cancels := h.notifier.to("B", domain.MsgJobCancelled)
	require.Len(t, cancels, 1)
	var p domain.JobCancelledPayload
	require.NoError(t, cancels[0].Decode(&p))
	assert.Equal(t, domain.JobCancelledPayload{JobID: j1.ID, Reason: domain.CancelCompletedByOther}, p)
	assert.Empty(t, h.agent(t, "B").CurrentJobs)

	// B's late failure must not touch the stored result.
	outcome = h.report(t, "B", j1.ID, domain.JobStatusFailed, "timeout")
	assert.Equal(t, domain.ResultAlreadyResolved, outcome)
	job = h.job(t, j1.ID)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Empty(t, job.Error)
	assert.Equal(t, int64(0), h.agent(t, "B").FailedCount)
	assert.Equal(t, int64(1), h.agent(t, "A").CompletedCount)

	status, err := h.c.SystemStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(1), status.Stats.TotalSucceeded)
	assert.Equal(t, int64(0), status.Stats.TotalFailed)
	assert.InDelta(t, 100.0, status.Stats.AverageResponseTime, 1e-9)
	h.assertPairing(t)
}

func TestCoordinator_DisconnectRequeuesSoleJob(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{})
	h.register(t, "A")
	j2 := h.createJob(t, "laptop")
	require.Equal(t, []string{"A"}, j2.AssignedAgents)

	require.NoError(t, h.c.HandleAgentDisconnected(context.Background(), "A"))

	job := h.job(t, j2.ID)
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Empty(t, job.AssignedAgents)
	assert.Equal(t, domain.AgentStatusOffline, h.agent(t, "A").Status)
	h.assertPairing(t)

	h.register(t, "C")
	job = h.job(t, j2.ID)
	assert.Equal(t, domain.JobStatusAssigned, job.Status)
	assert.Equal(t, []string{"C"}, job.AssignedAgents)
	assert.Len(t, h.notifier.to("C", domain.MsgJobAssigned), 1)
	h.assertPairing(t)
}

func TestCoordinator_QueuedJobPickedUpByPoll(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{})
	job := h.createJob(t, "camera")
	assert.Equal(t, domain.JobStatusPending, job.Status)
	assert.Empty(t, job.AssignedAgents)

	jobs, err := h.c.PollJobs(context.Background(), "D")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].JobID)

	got := h.job(t, job.ID)
	assert.Equal(t, domain.JobStatusAssigned, got.Status)
	assert.Equal(t, []string{"D"}, got.AssignedAgents)

	// A second poll reports the same held job without claiming it twice.
	jobs, err = h.c.PollJobs(context.Background(), "D")
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, []string{job.ID}, h.agent(t, "D").CurrentJobs)
	h.assertPairing(t)
}

func TestCoordinator_ReRegistrationReleasesJobs(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{Fanout: 1})
	h.register(t, "A", "B")
	radio := h.createJob(t, "radio")
	require.Equal(t, []string{"A"}, radio.AssignedAgents)
	h.report(t, "A", radio.ID, domain.JobStatusCompleted, `{}`)

	tv := h.createJob(t, "tv")
	require.Equal(t, []string{"A"}, tv.AssignedAgents)

	h.notifier.reset()
	_, err := h.c.RegisterAgent(context.Background(), "A", domain.RegisterMessage{Name: "renamed"})
	require.NoError(t, err)

	a := h.agent(t, "A")
	assert.Equal(t, "renamed", a.Name)
	assert.Equal(t, int64(1), a.CompletedCount)

	// The released job was dispatched again with a fresh JOB_ASSIGNED.
	got := h.job(t, tv.ID)
	assert.Equal(t, domain.JobStatusAssigned, got.Status)
	assert.Len(t, got.AssignedAgents, 1)
	assert.Len(t, h.notifier.to(got.AssignedAgents[0], domain.MsgJobAssigned), 1)
	h.assertPairing(t)
}

func TestCoordinator_HeartbeatUpsertsAndRestoresOnline(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{})

	ack, err := h.c.HandleHeartbeat(context.Background(), "ghost")
	require.NoError(t, err)
	assert.Equal(t, domain.Millis(h.clock.Now()), ack.Timestamp)
	a := h.agent(t, "ghost")
	assert.Equal(t, domain.AgentStatusOnline, a.Status)
	assert.Equal(t, "Agent-ghost", a.Name)

	require.NoError(t, h.c.HandleAgentDisconnected(context.Background(), "ghost"))
	assert.Equal(t, domain.AgentStatusOffline, h.agent(t, "ghost").Status)

	job := h.createJob(t, "waiting")
	assert.Equal(t, domain.JobStatusPending, job.Status)

	h.clock.Advance(time.Second)
	_, err = h.c.HandleHeartbeat(context.Background(), "ghost")
	require.NoError(t, err)
	a = h.agent(t, "ghost")
	assert.Equal(t, domain.AgentStatusOnline, a.Status)
	assert.Equal(t, h.clock.Now(), a.LastSeen)
	assert.Equal(t, domain.JobStatusAssigned, h.job(t, job.ID).Status)
}

func TestCoordinator_HandleAgentMessage(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{}, WithAgentIDs(sequentialIDs("gen-")))
	ctx := context.Background()

	reply, err := h.c.HandleAgentMessage(ctx, domain.NewEnvelope("", domain.MsgAgentRegister, domain.RegisterMessage{Name: "w1"}))
	require.NoError(t, err)
	assert.Equal(t, domain.MsgAgentRegistered, reply.Type)
	var reg domain.RegisteredPayload
	require.NoError(t, reply.Decode(&reg))
	assert.Equal(t, "gen-1", reg.AgentID)
	assert.Equal(t, "main", reg.ServerID)

	job := h.createJob(t, "shoes")

	tests := []struct {
		name     string
		env      domain.Envelope
		wantType domain.MessageType
		wantErr  error
	}{
		{
			name:     "heartbeat",
			env:      domain.NewEnvelope("gen-1", domain.MsgHeartbeat, nil),
			wantType: domain.MsgHeartbeatAck,
		},
		{
			name:     "status",
			env:      domain.NewEnvelope("gen-1", domain.MsgAgentStatus, domain.StatusMessage{Status: domain.AgentStatusOnline}),
			wantType: domain.MsgStatusAck,
		},
		{
			name:     "result",
			env:      domain.NewEnvelope("gen-1", domain.MsgJobResult, domain.JobResultMessage{JobID: job.ID, Status: domain.JobStatusCompleted, Data: json.RawMessage(`[]`)}),
			wantType: domain.MsgJobResultReceived,
		},
		{
			name:    "unknown type",
			env:     domain.Envelope{AgentID: "gen-1", Type: "DANCE"},
			wantErr: domain.ErrUnknownMessageType,
		},
		{
			name:    "missing agent id",
			env:     domain.NewEnvelope("", domain.MsgHeartbeat, nil),
			wantErr: domain.ErrMalformedEnvelope,
		},
		{
			name:    "bad payload",
			env:     domain.Envelope{AgentID: "gen-1", Type: domain.MsgJobResult, Payload: json.RawMessage(`"nope"`)},
			wantErr: domain.ErrMalformedEnvelope,
		},
		{
			name:    "result for unknown job",
			env:     domain.NewEnvelope("gen-1", domain.MsgJobResult, domain.JobResultMessage{JobID: "J404", Status: domain.JobStatusFailed}),
			wantErr: domain.ErrJobNotFound,
		},
		{
			name:    "result from unknown agent",
			env:     domain.NewEnvelope("stranger", domain.MsgJobResult, domain.JobResultMessage{JobID: job.ID, Status: domain.JobStatusCompleted}),
			wantErr: domain.ErrAgentNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			reply, err := h.c.HandleAgentMessage(ctx, tt.env)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantType, reply.Type)
			assert.Equal(t, tt.env.AgentID, reply.AgentID)
		})
	}

	_, err = h.c.GetAgent(ctx, "stranger")
	assert.ErrorIs(t, err, domain.ErrAgentNotFound)
}

func TestCoordinator_AgentStatusOffline(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{})
	h.register(t, "A")
	job := h.createJob(t, "desk")

	ack, err := h.c.HandleAgentStatus(context.Background(), "A", domain.StatusMessage{Status: domain.AgentStatusOffline})
	require.NoError(t, err)
	assert.Equal(t, domain.AgentStatusOffline, ack.Status)
	assert.Equal(t, domain.JobStatusPending, h.job(t, job.ID).Status)
	h.assertPairing(t)
}

func TestCoordinator_CreateJobValidation(t *testing.T) {
	h := newHarness(t, CoordinatorConfig{})

	tests := []struct {
		name    string
		query   string
		options json.RawMessage
	}{
		{name: "empty query", query: ""},
		{name: "blank query", query: "   "},
		{name: "invalid options", query: "ok", options: json.RawMessage(`{broken`)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.c.CreateJob(context.Background(), tt.query, tt.options)
			assert.ErrorIs(t, err, domain.ErrValidation)
		})
	}

	job, err := h.c.CreateJob(context.Background(), "  trimmed ", json.RawMessage(`{"url":"https://example.com"}`))
	require.NoError(t, err)
	assert.Equal(t, "trimmed", job.Query)
	assert.JSONEq(t, `{"url":"https://example.com"}`, string(job.Options))
}

func TestCoordinator_StoppedRejectsOperations(t *testing.T) {
	c, err := NewCoordinator(context.Background(), CoordinatorConfig{}, nil, &recordingNotifier{})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = c.Run(ctx) }()
	cancel()
	<-c.Done()

	_, err = c.CreateJob(context.Background(), "late", nil)
	assert.ErrorIs(t, err, domain.ErrCoordinatorStopped)
}

func TestCoordinator_RestoreRepairsSnapshot(t *testing.T) {
	now := newFakeClock().Now()
	store := &memStore{snap: &domain.Snapshot{
		Agents: []*domain.Agent{
			{ID: "A", Status: domain.AgentStatusOnline, LastSeen: now, CurrentJobs: []string{"J1", "J9"}, Seq: 4},
			{ID: "B", Status: domain.AgentStatusOffline, LastSeen: now, CurrentJobs: []string{"J2"}, Seq: 7},
		},
		Jobs: []*domain.Job{
			// J1 holds on both sides.
			{ID: "J1", Query: "a", Status: domain.JobStatusAssigned, CreatedAt: now, AssignedAgents: []string{"A"}},
			// J2 is half paired: B lists it but it lists nobody.
			{ID: "J2", Query: "b", Status: domain.JobStatusAssigned, CreatedAt: now},
			// J3 is pending yet claims an agent.
			{ID: "J3", Query: "c", Status: domain.JobStatusPending, CreatedAt: now, AssignedAgents: []string{"A"}},
		},
		Stats: domain.Stats{TotalProcessed: 5, TotalSucceeded: 4, TotalFailed: 1, AverageResponseTime: 250},
	}}

	h := newHarnessWithStore(t, CoordinatorConfig{}, store)

	a := h.agent(t, "A")
	assert.Contains(t, a.CurrentJobs, "J1")
	assert.NotContains(t, a.CurrentJobs, "J9")
	assert.Empty(t, h.agent(t, "B").CurrentJobs)
	assert.Equal(t, domain.JobStatusPending, h.job(t, "J2").Status)
	h.assertPairing(t)

	status, err := h.c.SystemStatus(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(4), status.Stats.TotalSucceeded)
	assert.InDelta(t, 250.0, status.Stats.AverageResponseTime, 1e-9)

	// New agents continue the registration sequence.
	h.register(t, "C")
	assert.Greater(t, h.agent(t, "C").Seq, uint64(7))
}
