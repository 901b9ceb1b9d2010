package pg

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"crawlfleet/internal/core/domain"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// Runs only against a disposable database: PG_TEST_DSN=postgres://...
func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	dsn := os.Getenv("PG_TEST_DSN")
	if dsn == "" {
		t.Skip("PG_TEST_DSN not set")
	}
	repo, err := NewRepository(dsn)
	require.NoError(t, err)
	require.NoError(t, repo.Save(context.Background(), &domain.Snapshot{}))
	return repo
}

func TestRepository_SaveReplacesSnapshot(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	first := &domain.Snapshot{
		Agents: []*domain.Agent{
			{ID: "A", Name: "Agent-A", Status: domain.AgentStatusOnline, RegisteredAt: now, LastSeen: now, CurrentJobs: []string{"J1"}, Seq: 1},
			{ID: "B", Name: "Agent-B", Status: domain.AgentStatusOffline, RegisteredAt: now, LastSeen: now, CurrentJobs: []string{}, Seq: 2},
		},
		Jobs: []*domain.Job{
			{ID: "J1", Query: "phone", Options: datatypes.JSON(`{"url":"https://example.com"}`), Status: domain.JobStatusAssigned, CreatedAt: now, AssignedAt: &now, AssignedAgents: []string{"A"}},
		},
		Stats: domain.Stats{TotalProcessed: 3, TotalSucceeded: 2, TotalFailed: 1, AverageResponseTime: 150},
	}
	require.NoError(t, repo.Save(ctx, first))

	loaded, err := repo.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded.Agents, 2)
	require.Len(t, loaded.Jobs, 1)
	assert.Equal(t, []string{"J1"}, loaded.Agents[0].CurrentJobs)
	assert.Equal(t, []string{"A"}, loaded.Jobs[0].AssignedAgents)
	assert.JSONEq(t, `{"url":"https://example.com"}`, string(loaded.Jobs[0].Options))
	assert.Equal(t, int64(2), loaded.Stats.TotalSucceeded)

	// B and J1 are gone from the next snapshot, so they go from the tables.
	second := &domain.Snapshot{
		Agents: []*domain.Agent{first.Agents[0]},
		Stats:  first.Stats,
	}
	second.Agents[0].CurrentJobs = []string{}
	require.NoError(t, repo.Save(ctx, second))

	loaded, err = repo.Load(ctx)
	require.NoError(t, err)
	require.Len(t, loaded.Agents, 1)
	assert.Equal(t, "A", loaded.Agents[0].ID)
	assert.Empty(t, loaded.Jobs)
}

// Postgres caps a statement at 65535 bind parameters.
const overParamLimit = 70000

func TestDeleteMissing_SingleArrayParameter(t *testing.T) {
	db, err := gorm.Open(postgres.New(postgres.Config{DSN: "host=localhost user=crawlfleet dbname=crawlfleet sslmode=disable"}),
		&gorm.Config{DryRun: true, DisableAutomaticPing: true, SkipDefaultTransaction: true})
	require.NoError(t, err)

	keep := make([]string, overParamLimit)
	for i := range keep {
		keep[i] = fmt.Sprintf("J%d", i)
	}
	stmt := deleteMissing(db, &domain.Job{}, keep).Statement
	sql := stmt.SQL.String()
	assert.Contains(t, sql, `DELETE FROM "jobs" WHERE id <> ALL($1)`)
	assert.NotContains(t, sql, "$2")
	require.Len(t, stmt.Vars, 1)
	arr, ok := stmt.Vars[0].(pgtype.Array[string])
	require.True(t, ok)
	assert.Len(t, arr.Elements, overParamLimit)
	assert.Equal(t, int32(overParamLimit), arr.Dims[0].Length)

	all := deleteMissing(db, &domain.Agent{}, nil).Statement
	assert.Equal(t, `DELETE FROM "agents"`, all.SQL.String())
	assert.Empty(t, all.Vars)
}

func TestRepository_SaveManyJobs(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	snap := &domain.Snapshot{}
	for i := range overParamLimit {
		snap.Jobs = append(snap.Jobs, &domain.Job{
			ID:             fmt.Sprintf("J%05d", i),
			Query:          "q",
			Status:         domain.JobStatusPending,
			CreatedAt:      now,
			AssignedAgents: []string{},
		})
	}
	require.NoError(t, repo.Save(ctx, snap))

	snap.Jobs = snap.Jobs[1:]
	require.NoError(t, repo.Save(ctx, snap))

	loaded, err := repo.Load(ctx)
	require.NoError(t, err)
	assert.Len(t, loaded.Jobs, overParamLimit-1)
}
