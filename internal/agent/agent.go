package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"crawlfleet/internal/config"
	"crawlfleet/internal/core/domain"
	"crawlfleet/internal/core/logger"
	"github.com/cenkalti/backoff/v5"
	"golang.org/x/sync/semaphore"
)

// link is one live connection to the coordinator.
type link interface {
	// Send delivers an envelope. Replies are fed back through Agent.handle.
	Send(ctx context.Context, env domain.Envelope) error
	// Serve blocks until the connection fails or ctx ends.
	Serve(ctx context.Context) error
	Close() error
}

// Agent is a worker that registers with a coordinator, executes the fetch
// jobs it is given and reports the results.
type Agent struct {
	cfg     config.AgentConfig
	fetcher Fetcher
	log     *slog.Logger

	sem *semaphore.Weighted
	wg  sync.WaitGroup

	mu      sync.Mutex
	agentID string
	link    link
	active  map[string]context.CancelFunc
	closing bool // set by shutdown; start refuses new jobs once set

	// registered is signalled on every AGENT_REGISTERED reply.
	registered chan string
	dial       func(ctx context.Context) (link, error)

	// jobCtx outlives sessions so a reconnect does not abort running jobs.
	jobCtx     context.Context
	cancelJobs context.CancelFunc
}

func New(cfg config.AgentConfig, fetcher Fetcher) *Agent {
	a := &Agent{
		cfg:        cfg,
		fetcher:    fetcher,
		log:        logger.With("component", "agent"),
		sem:        semaphore.NewWeighted(int64(cfg.Capacity)),
		agentID:    cfg.AgentID,
		active:     make(map[string]context.CancelFunc),
		registered: make(chan string, 1),
	}
	a.jobCtx, a.cancelJobs = context.WithCancel(context.Background())
	switch cfg.Mode {
	case config.AgentModePoll:
		a.dial = a.dialPoll
	default:
		a.dial = a.dialWebsocket
	}
	return a
}

// ID returns the agent id, which the coordinator assigns if none was
// configured.
func (a *Agent) ID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.agentID
}

// Run keeps a session open until ctx is cancelled, reconnecting with
// exponential backoff.
func (a *Agent) Run(ctx context.Context) error {
	defer a.cancelJobs()

	b := backoff.NewExponentialBackOff()
	b.MaxInterval = 30 * time.Second

	for ctx.Err() == nil {
		started := time.Now()
		err := a.session(ctx)
		if ctx.Err() != nil {
			break
		}
		if time.Since(started) > time.Minute {
			b.Reset()
		}
		wait := b.NextBackOff()
		a.log.Warn("Session ended, reconnecting", "error", err, "retry_in", wait)
		select {
		case <-ctx.Done():
		case <-time.After(wait):
		}
	}

	a.shutdown()
	return nil
}

func (a *Agent) shutdown() {
	a.log.Info("Shutting down agent, waiting for running jobs")
	a.mu.Lock()
	a.closing = true
	a.mu.Unlock()

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		a.log.Info("All jobs completed gracefully")
	case <-time.After(30 * time.Second):
		a.log.Warn("Shutdown timeout reached, cancelling remaining jobs")
		a.cancelJobs()
		<-done
	}

	// Let the coordinator reassign anything we still hold right away.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if id := a.ID(); id != "" {
		if err := a.send(ctx, domain.NewEnvelope(id, domain.MsgAgentStatus, domain.StatusMessage{Status: domain.AgentStatusOffline})); err != nil {
			a.log.Debug("Could not announce offline status", "error", err)
		}
	}
	a.setLink(nil)
}

func (a *Agent) session(ctx context.Context) error {
	l, err := a.dial(ctx)
	if err != nil {
		return err
	}
	a.setLink(l)
	defer func() {
		if ctx.Err() == nil {
			a.setLink(nil)
		}
	}()

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	serveErr := make(chan error, 1)
	go func() { serveErr <- l.Serve(sessionCtx) }()

	if err := a.register(sessionCtx); err != nil {
		cancel()
		<-serveErr
		return err
	}
	a.log.Info("Agent registered", "agent_id", a.ID(), "mode", a.cfg.Mode, "capacity", a.cfg.Capacity)

	heartbeat := time.NewTicker(a.cfg.Heartbeat)
	defer heartbeat.Stop()
	var poll <-chan time.Time
	if a.cfg.Mode == config.AgentModePoll {
		t := time.NewTicker(a.cfg.PollInterval)
		defer t.Stop()
		poll = t.C
		a.poll(sessionCtx)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-serveErr:
			return err
		case <-heartbeat.C:
			if err := a.send(sessionCtx, domain.NewEnvelope(a.ID(), domain.MsgHeartbeat, nil)); err != nil {
				return fmt.Errorf("heartbeat: %w", err)
			}
		case <-poll:
			a.poll(sessionCtx)
		}
	}
}

func (a *Agent) register(ctx context.Context) error {
	// Drain a stale signal from a previous session.
	select {
	case <-a.registered:
	default:
	}

	env := domain.NewEnvelope(a.ID(), domain.MsgAgentRegister, domain.RegisterMessage{
		Name:         a.cfg.Name,
		Capabilities: json.RawMessage(fmt.Sprintf(`{"fetch":true,"capacity":%d}`, a.cfg.Capacity)),
	})
	if err := a.send(ctx, env); err != nil {
		return fmt.Errorf("register: %w", err)
	}

	select {
	case <-a.registered:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return errors.New("register: no acknowledgement")
	}
}

func (a *Agent) send(ctx context.Context, env domain.Envelope) error {
	a.mu.Lock()
	l := a.link
	a.mu.Unlock()
	if l == nil {
		return errors.New("not connected")
	}
	return l.Send(ctx, env)
}

func (a *Agent) setLink(l link) {
	a.mu.Lock()
	old := a.link
	a.link = l
	a.mu.Unlock()
	if old != nil && old != l {
		old.Close()
	}
}

// handle processes one envelope from the coordinator.
func (a *Agent) handle(env domain.Envelope) {
	switch env.Type {
	case domain.MsgConnected:
		var p domain.ConnectedPayload
		if err := env.Decode(&p); err == nil {
			a.log.Debug("Session opened", "session_id", p.SessionID)
		}
	case domain.MsgAgentRegistered:
		var p domain.RegisteredPayload
		if err := env.Decode(&p); err != nil {
			a.log.Warn("Bad registration reply", "error", err)
			return
		}
		a.mu.Lock()
		a.agentID = p.AgentID
		a.mu.Unlock()
		select {
		case a.registered <- p.AgentID:
		default:
		}
	case domain.MsgJobAssigned:
		var job domain.JobAssignedPayload
		if err := env.Decode(&job); err != nil {
			a.log.Warn("Bad job assignment", "error", err)
			return
		}
		a.start(job)
	case domain.MsgJobCancelled:
		var p domain.JobCancelledPayload
		if err := env.Decode(&p); err != nil {
			return
		}
		if a.Cancel(p.JobID) {
			a.log.Info("Job cancelled by coordinator", "job_id", p.JobID, "reason", p.Reason)
		}
	case domain.MsgJobResultReceived:
		var p domain.ResultAckPayload
		if err := env.Decode(&p); err == nil {
			a.log.Debug("Result acknowledged", "job_id", p.JobID, "status", p.Status)
		}
	case domain.MsgHeartbeatAck, domain.MsgStatusAck:
	case domain.MsgError:
		var p domain.ErrorPayload
		env.Decode(&p)
		a.log.Warn("Coordinator reported an error", "error", p.Error)
	default:
		a.log.Debug("Ignoring envelope", "type", env.Type)
	}
}

// start runs job unless it is already running here or the agent is
// shutting down.
func (a *Agent) start(job domain.JobAssignedPayload) {
	ctx, cancel := context.WithCancel(a.jobCtx)

	a.mu.Lock()
	if a.closing {
		a.mu.Unlock()
		cancel()
		a.log.Debug("Ignoring assignment during shutdown", "job_id", job.JobID)
		return
	}
	if _, running := a.active[job.JobID]; running {
		a.mu.Unlock()
		cancel()
		return
	}
	a.active[job.JobID] = cancel
	a.wg.Add(1)
	a.mu.Unlock()

	go func() {
		defer a.wg.Done()
		defer a.finish(job.JobID)

		if err := a.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer a.sem.Release(1)

		a.execute(ctx, job)
	}()
}

func (a *Agent) finish(jobID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cancel, ok := a.active[jobID]; ok {
		cancel()
		delete(a.active, jobID)
	}
}

// Cancel stops a running job. The coordinator already resolved it, so no
// result is reported.
func (a *Agent) Cancel(jobID string) bool {
	a.mu.Lock()
	cancel, ok := a.active[jobID]
	a.mu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running returns the number of jobs held by this agent.
func (a *Agent) Running() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

func (a *Agent) execute(ctx context.Context, job domain.JobAssignedPayload) {
	log := a.log.With("job_id", job.JobID)
	log.Info("Executing job", "query", job.Query)

	data, err := a.fetcher.Fetch(ctx, job)
	if ctx.Err() != nil {
		log.Info("Job abandoned")
		return
	}

	msg := domain.JobResultMessage{JobID: job.JobID, Status: domain.JobStatusCompleted, Data: data}
	if err != nil {
		log.Warn("Job failed", "error", err)
		msg = domain.JobResultMessage{JobID: job.JobID, Status: domain.JobStatusFailed, Error: err.Error()}
	} else {
		log.Info("Job succeeded", "bytes", len(data))
	}

	reportCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.send(reportCtx, domain.NewEnvelope(a.ID(), domain.MsgJobResult, msg)); err != nil {
		log.Warn("Failed to report result", "error", err)
	}
}

func (a *Agent) poll(ctx context.Context) {
	p, ok := a.currentPollLink()
	if !ok {
		return
	}
	jobs, err := p.Poll(ctx, a.ID())
	if err != nil {
		a.log.Warn("Error polling for jobs", "error", err)
		return
	}
	for _, job := range jobs {
		a.start(job)
	}
}

func (a *Agent) currentPollLink() (*httpLink, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	p, ok := a.link.(*httpLink)
	return p, ok
}
