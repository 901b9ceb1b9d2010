package services

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"crawlfleet/internal/core/domain"
	"crawlfleet/internal/core/logger"
	"crawlfleet/internal/core/ports"
	"github.com/google/uuid"
)

// CoordinatorConfig holds the dispatch and liveness tunables.
type CoordinatorConfig struct {
	ServerID         string
	Fanout           int
	MaxJobsPerAgent  int
	HeartbeatTimeout time.Duration
	SweepInterval    time.Duration
	JobRetention     time.Duration
	AgentRetention   time.Duration
}

// DefaultCoordinatorConfig returns the stock settings: fanout 3, three jobs per
// agent, 90s heartbeat timeout, 30s sweeps, one hour retention.
func DefaultCoordinatorConfig() CoordinatorConfig {
	return CoordinatorConfig{
		ServerID:         "main",
		Fanout:           3,
		MaxJobsPerAgent:  3,
		HeartbeatTimeout: 90 * time.Second,
		SweepInterval:    30 * time.Second,
		JobRetention:     time.Hour,
		AgentRetention:   time.Hour,
	}
}

func (c CoordinatorConfig) withDefaults() CoordinatorConfig {
	def := DefaultCoordinatorConfig()
	if c.ServerID == "" {
		c.ServerID = def.ServerID
	}
	if c.Fanout <= 0 {
		c.Fanout = def.Fanout
	}
	if c.MaxJobsPerAgent <= 0 {
		c.MaxJobsPerAgent = def.MaxJobsPerAgent
	}
	if c.HeartbeatTimeout <= 0 {
		c.HeartbeatTimeout = def.HeartbeatTimeout
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = def.SweepInterval
	}
	if c.JobRetention <= 0 {
		c.JobRetention = def.JobRetention
	}
	if c.AgentRetention <= 0 {
		c.AgentRetention = def.AgentRetention
	}
	return c
}

// Committer accepts snapshots for durable storage without blocking. The
// returned channel is closed once the snapshot is durable or has been given
// up on.
type Committer interface {
	Commit(snap *domain.Snapshot) <-chan struct{}
}

type op struct {
	fn   func()
	done chan struct{}
}

// release is what an operation makes visible once its snapshot is committed:
// pushed envelopes, dashboard events and the caller's reply.
type release struct {
	ack    <-chan struct{}
	envs   []domain.Envelope
	events []domain.Event
	done   chan struct{}
}

// releaseGrace bounds how long a stopping coordinator waits for commits
// before releasing what is left.
const releaseGrace = 5 * time.Second

// Coordinator owns the agent and job registries. Every mutation runs on the
// goroutine started by Run, one operation at a time, so no operation ever
// observes another one half-applied.
type Coordinator struct {
	cfg CoordinatorConfig

	inbox   chan op
	stopped chan struct{}
	effects chan func(context.Context)

	// Owned by the Run goroutine.
	agents map[string]*domain.Agent
	jobs   map[string]*domain.Job
	stats  domain.Stats
	seq    uint64
	outbox []domain.Envelope
	events []domain.Event
	dirty  bool

	// Releases wait here in operation order until their commit is acked.
	relMu     sync.Mutex
	releases  []release
	relSignal chan struct{}

	notifier  ports.AgentNotifier
	persister Committer
	publisher ports.EventPublisher
	archive   ports.FailedJobArchive

	now        func() time.Time
	newJobID   func() string
	newAgentID func() string
	log        *slog.Logger
}

type Option func(*Coordinator)

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

func WithPersister(p Committer) Option {
	return func(c *Coordinator) { c.persister = p }
}

func WithEventPublisher(p ports.EventPublisher) Option {
	return func(c *Coordinator) { c.publisher = p }
}

func WithFailedJobArchive(a ports.FailedJobArchive) Option {
	return func(c *Coordinator) { c.archive = a }
}

// WithJobIDs overrides job id generation.
func WithJobIDs(gen func() string) Option {
	return func(c *Coordinator) { c.newJobID = gen }
}

func WithAgentIDs(gen func() string) Option {
	return func(c *Coordinator) { c.newAgentID = gen }
}

// NewCoordinator builds a coordinator and restores its registries from store.
// A nil store starts empty. The coordinator does nothing until Run is called.
func NewCoordinator(ctx context.Context, cfg CoordinatorConfig, store ports.SnapshotStore, notifier ports.AgentNotifier, opts ...Option) (*Coordinator, error) {
	c := &Coordinator{
		cfg:        cfg.withDefaults(),
		inbox:      make(chan op),
		stopped:    make(chan struct{}),
		effects:    make(chan func(context.Context), 1024),
		relSignal:  make(chan struct{}, 1),
		agents:     make(map[string]*domain.Agent),
		jobs:       make(map[string]*domain.Job),
		notifier:   notifier,
		now:        time.Now,
		newJobID:   func() string { return "job_" + uuid.NewString() },
		newAgentID: uuid.NewString,
		log:        logger.With("component", "coordinator"),
	}
	for _, opt := range opts {
		opt(c)
	}

	if store != nil {
		snap, err := store.Load(ctx)
		if err != nil {
			return nil, fmt.Errorf("load snapshot: %w", err)
		}
		c.restore(snap)
	}
	return c, nil
}

// Config returns the effective settings.
func (c *Coordinator) Config() CoordinatorConfig {
	return c.cfg
}

// Run processes operations and periodic sweeps until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.cfg.SweepInterval)
	defer ticker.Stop()

	effectsDone := make(chan struct{})
	go func() {
		defer close(effectsDone)
		c.runEffects(ctx)
	}()

	c.log.Info("Coordinator started",
		"agents", len(c.agents), "jobs", len(c.jobs),
		"fanout", c.cfg.Fanout, "max_jobs_per_agent", c.cfg.MaxJobsPerAgent,
		"heartbeat_timeout", c.cfg.HeartbeatTimeout, "sweep_interval", c.cfg.SweepInterval)

	relStop := make(chan struct{})
	relDone := make(chan struct{})
	go func() {
		defer close(relDone)
		c.runReleases(relStop)
	}()

	defer func() {
		close(relStop)
		<-relDone
		close(c.stopped)
		<-effectsDone
		c.log.Info("Coordinator stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case o := <-c.inbox:
			c.exec(o)
		case <-ticker.C:
			c.exec(op{fn: func() { c.sweep() }})
		}
	}
}

// Done is closed once Run has returned.
func (c *Coordinator) Done() <-chan struct{} {
	return c.stopped
}

func (c *Coordinator) exec(o op) {
	var ack <-chan struct{}
	func() {
		defer func() {
			if r := recover(); r != nil {
				c.log.Error("Coordinator operation panicked", "panic", r)
				c.outbox = c.outbox[:0]
				c.events = c.events[:0]
			}
		}()
		o.fn()
		ack = c.commit()
	}()
	c.release(ack, o.done)
}

// do runs fn on the coordinator goroutine and waits until its effects are
// visible, which includes the commit of any resulting snapshot.
func (c *Coordinator) do(ctx context.Context, fn func()) error {
	o := op{fn: fn, done: make(chan struct{})}
	select {
	case c.inbox <- o:
	case <-c.stopped:
		return domain.ErrCoordinatorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-o.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// commit hands a dirty snapshot to the persister and returns its ack, or nil
// when there is nothing to wait for.
func (c *Coordinator) commit() <-chan struct{} {
	if !c.dirty {
		return nil
	}
	c.dirty = false
	c.updateGauges()
	if c.persister == nil {
		return nil
	}
	return c.persister.Commit(c.snapshot())
}

// release queues what the operation produced behind its commit. With nothing
// to wait for and nothing queued ahead it is delivered right away.
func (c *Coordinator) release(ack <-chan struct{}, done chan struct{}) {
	r := release{ack: ack, done: done}
	if len(c.outbox) > 0 {
		r.envs = slices.Clone(c.outbox)
		c.outbox = c.outbox[:0]
	}
	if len(c.events) > 0 {
		r.events = slices.Clone(c.events)
		c.events = c.events[:0]
	}

	c.relMu.Lock()
	if ack == nil && len(c.releases) == 0 {
		c.relMu.Unlock()
		c.deliver(r)
		return
	}
	c.releases = append(c.releases, r)
	c.relMu.Unlock()

	select {
	case c.relSignal <- struct{}{}:
	default:
	}
}

// runReleases delivers queued releases in order. The head stays queued until
// delivered so release never overtakes it.
func (c *Coordinator) runReleases(stop <-chan struct{}) {
	var graceOver chan struct{}
	for {
		c.relMu.Lock()
		if len(c.releases) == 0 {
			c.relMu.Unlock()
			select {
			case <-c.relSignal:
				continue
			case <-stop:
				return
			}
		}
		r := c.releases[0]
		c.relMu.Unlock()

		if r.ack != nil && graceOver == nil {
			select {
			case <-r.ack:
			case <-stop:
				over := make(chan struct{})
				time.AfterFunc(releaseGrace, func() { close(over) })
				graceOver = over
			}
		}
		if r.ack != nil && graceOver != nil {
			select {
			case <-r.ack:
			case <-graceOver:
			}
		}
		c.deliver(r)

		c.relMu.Lock()
		c.releases = c.releases[1:]
		c.relMu.Unlock()
	}
}

func (c *Coordinator) deliver(r release) {
	for _, env := range r.envs {
		if c.notifier == nil || !c.notifier.Notify(env.AgentID, env) {
			c.log.Debug("Agent notification not delivered", "agent_id", env.AgentID, "type", env.Type)
			notificationsDropped.Inc()
		}
	}
	for _, ev := range r.events {
		c.publish(ev)
	}
	if r.done != nil {
		close(r.done)
	}
}

// send queues an envelope for delivery after the current operation.
func (c *Coordinator) send(agentID string, t domain.MessageType, payload any) {
	c.outbox = append(c.outbox, domain.NewEnvelope(agentID, t, payload))
}

// emit queues a dashboard event for release with the current operation.
func (c *Coordinator) emit(ev domain.Event) {
	if c.publisher == nil {
		return
	}
	ev.Timestamp = c.now()
	c.events = append(c.events, ev)
}

func (c *Coordinator) publish(ev domain.Event) {
	pub := c.publisher
	c.async(func(ctx context.Context) {
		if err := pub.PublishEvent(ctx, ev); err != nil {
			c.log.Warn("Failed to publish event", "type", ev.Type, "error", err)
		}
	})
}

// async schedules a side effect that may do I/O. Effects are dropped rather
// than stalling the coordinator when the queue is full.
func (c *Coordinator) async(fn func(context.Context)) {
	select {
	case c.effects <- fn:
	default:
		c.log.Warn("Side effect queue full, dropping")
	}
}

func (c *Coordinator) runEffects(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-c.effects:
			fctx, cancel := context.WithTimeout(ctx, 5*time.Second)
			fn(fctx)
			cancel()
		}
	}
}

func (c *Coordinator) markDirty() {
	c.dirty = true
}
