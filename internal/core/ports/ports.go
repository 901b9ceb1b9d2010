package ports

import (
	"context"

	"crawlfleet/internal/core/domain"
)

// SnapshotStore persists the coordinator's agents, jobs and stats as one unit.
// Save must be atomic enough that Load after a crash sees either the previous
// or the new snapshot, never a mix.
type SnapshotStore interface {
	Load(ctx context.Context) (*domain.Snapshot, error)
	Save(ctx context.Context, snap *domain.Snapshot) error
}

// AgentNotifier pushes envelopes to agents holding a persistent channel. It
// must not block; it returns false when the envelope was not queued.
type AgentNotifier interface {
	Notify(agentID string, env domain.Envelope) bool
}

// EventPublisher fans coordinator events out to observers (dashboard, MQTT).
type EventPublisher interface {
	PublishEvent(ctx context.Context, event domain.Event) error
	SubscribeEvents(ctx context.Context) (<-chan domain.Event, error)
}

// FailedJobArchive keeps terminally failed jobs for later inspection.
type FailedJobArchive interface {
	Add(ctx context.Context, job *domain.Job, reason string) error
}
