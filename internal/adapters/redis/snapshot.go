package redis

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"

	"crawlfleet/internal/core/domain"
	"github.com/redis/go-redis/v9"
)

const (
	agentsKey = keyPrefix + "agents"
	jobsKey   = keyPrefix + "jobs"
	statsKey  = keyPrefix + "stats"
)

// SnapshotStore keeps the agents and jobs tables as two hashes keyed by id
// plus a stats string. Save rewrites all three in one MULTI/EXEC.
type SnapshotStore struct {
	client *redis.Client
}

func NewSnapshotStore(client *redis.Client) *SnapshotStore {
	return &SnapshotStore{client: client}
}

func (s *SnapshotStore) Load(ctx context.Context) (*domain.Snapshot, error) {
	snap := &domain.Snapshot{}

	agents, err := s.client.HGetAll(ctx, agentsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	for id, raw := range agents {
		var a domain.Agent
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return nil, fmt.Errorf("decode agent %s: %w", id, err)
		}
		snap.Agents = append(snap.Agents, &a)
	}
	slices.SortFunc(snap.Agents, func(a, b *domain.Agent) int { return cmp.Compare(a.Seq, b.Seq) })

	jobs, err := s.client.HGetAll(ctx, jobsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	for id, raw := range jobs {
		var j domain.Job
		if err := json.Unmarshal([]byte(raw), &j); err != nil {
			return nil, fmt.Errorf("decode job %s: %w", id, err)
		}
		snap.Jobs = append(snap.Jobs, &j)
	}
	slices.SortFunc(snap.Jobs, func(a, b *domain.Job) int { return a.CreatedAt.Compare(b.CreatedAt) })

	raw, err := s.client.Get(ctx, statsKey).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return nil, fmt.Errorf("load stats: %w", err)
	default:
		if err := json.Unmarshal(raw, &snap.Stats); err != nil {
			return nil, fmt.Errorf("decode stats: %w", err)
		}
	}
	return snap, nil
}

func (s *SnapshotStore) Save(ctx context.Context, snap *domain.Snapshot) error {
	agents, err := encodeAll(snap.Agents, func(a *domain.Agent) string { return a.ID })
	if err != nil {
		return err
	}
	jobs, err := encodeAll(snap.Jobs, func(j *domain.Job) string { return j.ID })
	if err != nil {
		return err
	}
	stats, err := json.Marshal(snap.Stats)
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, agentsKey, jobsKey)
		if len(agents) > 0 {
			pipe.HSet(ctx, agentsKey, agents)
		}
		if len(jobs) > 0 {
			pipe.HSet(ctx, jobsKey, jobs)
		}
		pipe.Set(ctx, statsKey, stats, 0)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save snapshot: %w", err)
	}
	return nil
}

func encodeAll[T any](items []T, id func(T) string) (map[string]any, error) {
	out := make(map[string]any, len(items))
	for _, item := range items {
		data, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("encode %s: %w", id(item), err)
		}
		out[id(item)] = data
	}
	return out, nil
}
