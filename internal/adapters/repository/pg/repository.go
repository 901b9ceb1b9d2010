package pg

import (
	"context"
	"errors"
	"fmt"

	"crawlfleet/internal/core/domain"
	"github.com/jackc/pgx/v5/pgtype"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

const (
	statsRowID = 1
	batchSize  = 200
)

// Repository stores coordinator snapshots in the agents, jobs and stats
// tables. Each Save replaces the stored view inside one transaction.
type Repository struct {
	db *gorm.DB
}

func NewRepository(dsn string) (*Repository, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, err
	}
	return NewRepositoryFromDB(db)
}

// NewRepositoryFromDB migrates the schema on an existing connection.
func NewRepositoryFromDB(db *gorm.DB) (*Repository, error) {
	if err := db.AutoMigrate(&domain.Agent{}, &domain.Job{}, &domain.Stats{}); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return &Repository{db: db}, nil
}

func (r *Repository) Load(ctx context.Context) (*domain.Snapshot, error) {
	snap := &domain.Snapshot{}
	db := r.db.WithContext(ctx)

	if err := db.Order("seq asc").Find(&snap.Agents).Error; err != nil {
		return nil, fmt.Errorf("load agents: %w", err)
	}
	if err := db.Order("created_at asc").Find(&snap.Jobs).Error; err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}
	err := db.First(&snap.Stats, "id = ?", statsRowID).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("load stats: %w", err)
	}
	return snap, nil
}

func (r *Repository) Save(ctx context.Context, snap *domain.Snapshot) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		agentIDs := make([]string, 0, len(snap.Agents))
		for _, a := range snap.Agents {
			agentIDs = append(agentIDs, a.ID)
		}
		jobIDs := make([]string, 0, len(snap.Jobs))
		for _, j := range snap.Jobs {
			jobIDs = append(jobIDs, j.ID)
		}

		if err := deleteMissing(tx, &domain.Agent{}, agentIDs).Error; err != nil {
			return fmt.Errorf("prune agents: %w", err)
		}
		if err := deleteMissing(tx, &domain.Job{}, jobIDs).Error; err != nil {
			return fmt.Errorf("prune jobs: %w", err)
		}

		upsert := tx.Clauses(clause.OnConflict{UpdateAll: true})
		if len(snap.Agents) > 0 {
			if err := upsert.CreateInBatches(snap.Agents, batchSize).Error; err != nil {
				return fmt.Errorf("save agents: %w", err)
			}
		}
		if len(snap.Jobs) > 0 {
			if err := upsert.CreateInBatches(snap.Jobs, batchSize).Error; err != nil {
				return fmt.Errorf("save jobs: %w", err)
			}
		}

		stats := snap.Stats
		stats.ID = statsRowID
		if err := upsert.Create(&stats).Error; err != nil {
			return fmt.Errorf("save stats: %w", err)
		}
		return nil
	})
}

// deleteMissing removes every row whose id is not in keep. keep is bound as a
// single text[] parameter whatever its length.
func deleteMissing(tx *gorm.DB, model any, keep []string) *gorm.DB {
	if len(keep) == 0 {
		return tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(model)
	}
	return tx.Where("id <> ALL(?)", textArray(keep)).Delete(model)
}

func textArray(values []string) pgtype.Array[string] {
	return pgtype.Array[string]{
		Elements: values,
		Dims:     []pgtype.ArrayDimension{{Length: int32(len(values)), LowerBound: 1}},
		Valid:    true,
	}
}

// DB returns the underlying gorm DB instance
func (r *Repository) DB() *gorm.DB {
	return r.db
}
