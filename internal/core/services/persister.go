package services

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"crawlfleet/internal/core/circuitbreaker"
	"crawlfleet/internal/core/domain"
	"crawlfleet/internal/core/logger"
	"crawlfleet/internal/core/ports"
	"github.com/cenkalti/backoff/v5"
)

var errSuperseded = errors.New("snapshot superseded")

// commit is the snapshot waiting to be saved plus every ack it answers for.
// A newer snapshot inherits the acks of the ones it replaced.
type commit struct {
	snap *domain.Snapshot
	acks []chan struct{}
}

func (c *commit) resolve() {
	for _, ack := range c.acks {
		close(ack)
	}
}

// Persister writes coordinator snapshots to a SnapshotStore off the actor
// goroutine. Only the newest snapshot matters, so Commit replaces whatever is
// still waiting instead of queueing behind it.
type Persister struct {
	store      ports.SnapshotStore
	breaker    *circuitbreaker.CircuitBreaker
	maxElapsed time.Duration
	saved      atomic.Uint64
	failed     atomic.Uint64
	log        *slog.Logger

	mu      sync.Mutex
	next    *commit
	stopped bool
	wake    chan struct{}
}

type PersisterOption func(*Persister)

// WithRetryWindow bounds how long one snapshot is retried before it is given
// up on.
func WithRetryWindow(d time.Duration) PersisterOption {
	return func(p *Persister) { p.maxElapsed = d }
}

func WithBreaker(cb *circuitbreaker.CircuitBreaker) PersisterOption {
	return func(p *Persister) { p.breaker = cb }
}

func NewPersister(store ports.SnapshotStore, opts ...PersisterOption) *Persister {
	p := &Persister{
		store:      store,
		wake:       make(chan struct{}, 1),
		maxElapsed: 30 * time.Second,
		log:        logger.With("component", "persister"),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.breaker == nil {
		p.breaker = circuitbreaker.New("snapshot-store")
	}
	return p
}

// Commit hands snap over for saving and never blocks. The returned channel
// is closed once snap or a newer snapshot has been written, or once the
// persister has given up on it, so a store outage degrades to in-memory
// operation instead of stalling callers.
func (p *Persister) Commit(snap *domain.Snapshot) <-chan struct{} {
	ack := make(chan struct{})

	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		close(ack)
		return ack
	}
	if p.next == nil {
		p.next = &commit{}
	}
	p.next.snap = snap
	p.next.acks = append(p.next.acks, ack)
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return ack
}

// Run saves committed snapshots until ctx is cancelled, then makes one last
// attempt with whatever is still waiting.
func (p *Persister) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			p.shutdown()
			return
		}
		select {
		case <-ctx.Done():
			p.shutdown()
			return
		case <-p.wake:
			if c := p.take(); c != nil {
				p.save(ctx, c)
			}
		}
	}
}

func (p *Persister) take() *commit {
	p.mu.Lock()
	defer p.mu.Unlock()
	c := p.next
	p.next = nil
	return c
}

func (p *Persister) superseded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next != nil
}

// requeue puts c back in front of anything committed since it was taken.
func (p *Persister) requeue(c *commit) {
	p.mu.Lock()
	if p.next == nil {
		p.next = c
	} else {
		p.next.acks = append(c.acks, p.next.acks...)
	}
	p.mu.Unlock()

	select {
	case p.wake <- struct{}{}:
	default:
	}
}

func (p *Persister) shutdown() {
	p.mu.Lock()
	p.stopped = true
	c := p.next
	p.next = nil
	p.mu.Unlock()
	if c == nil {
		return
	}
	defer c.resolve()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.store.Save(ctx, c.snap); err != nil {
		p.failed.Add(1)
		snapshotSavesTotal.WithLabelValues("error").Inc()
		p.log.Error("Final snapshot save failed", "error", err)
		return
	}
	p.saved.Add(1)
	snapshotSavesTotal.WithLabelValues("ok").Inc()
}

func (p *Persister) save(ctx context.Context, c *commit) {
	start := time.Now()
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		if p.superseded() {
			return struct{}{}, backoff.Permanent(errSuperseded)
		}
		err := p.breaker.Execute(ctx, func() error {
			return p.store.Save(ctx, c.snap)
		})
		if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(p.maxElapsed),
	)

	switch {
	case err == nil:
		p.saved.Add(1)
		snapshotSavesTotal.WithLabelValues("ok").Inc()
		p.log.Debug("Snapshot saved", "agents", len(c.snap.Agents), "jobs", len(c.snap.Jobs), "took", time.Since(start))
		c.resolve()
	case errors.Is(err, errSuperseded):
		snapshotSavesTotal.WithLabelValues("superseded").Inc()
		p.requeue(c)
	case ctx.Err() != nil:
		// Shutting down; shutdown saves the newest snapshot and answers
		// every ack.
		p.requeue(c)
	default:
		p.failed.Add(1)
		snapshotSavesTotal.WithLabelValues("error").Inc()
		p.log.Error("Snapshot save failed, keeping in-memory state", "error", err, "breaker", p.breaker.State().String())
		c.resolve()
	}
}

// Saved is the number of snapshots written successfully.
func (p *Persister) Saved() uint64 {
	return p.saved.Load()
}

func (p *Persister) Failed() uint64 {
	return p.failed.Load()
}
