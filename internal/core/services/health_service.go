package services

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"
)

// HealthStatus represents the health status of a component
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

// ComponentHealth represents the health of a specific component
type ComponentHealth struct {
	Status    HealthStatus `json:"status"`
	Message   string       `json:"message,omitempty"`
	Latency   string       `json:"latency,omitempty"`
	CheckedAt time.Time    `json:"checked_at"`
}

// HealthReport represents the overall health report
type HealthReport struct {
	Status     HealthStatus               `json:"status"`
	Version    string                     `json:"version"`
	CheckedAt  time.Time                  `json:"checked_at"`
	Components map[string]ComponentHealth `json:"components"`
}

// HealthService checks the coordinator actor and whichever backing stores
// are configured. A nil db or redis client is simply not reported.
type HealthService struct {
	coordinator *Coordinator
	db          *gorm.DB
	redis       *redis.Client
	version     string
}

func NewHealthService(coordinator *Coordinator, db *gorm.DB, redisClient *redis.Client, version string) *HealthService {
	if version == "" {
		version = "0.0.1"
	}
	return &HealthService{
		coordinator: coordinator,
		db:          db,
		redis:       redisClient,
		version:     version,
	}
}

func (s *HealthService) CheckHealth(ctx context.Context) *HealthReport {
	report := &HealthReport{
		Status:     HealthStatusHealthy,
		Version:    s.version,
		CheckedAt:  time.Now(),
		Components: make(map[string]ComponentHealth),
	}

	coord := s.checkCoordinator(ctx)
	report.Components["coordinator"] = coord
	if coord.Status != HealthStatusHealthy {
		report.Status = HealthStatusUnhealthy
	}

	if s.db != nil {
		dbHealth := s.checkDatabase(ctx)
		report.Components["database"] = dbHealth
		if dbHealth.Status != HealthStatusHealthy && report.Status == HealthStatusHealthy {
			// Snapshots are retried; dispatch keeps running from memory.
			report.Status = HealthStatusDegraded
		}
	}

	if s.redis != nil {
		redisHealth := s.checkRedis(ctx)
		report.Components["redis"] = redisHealth
		if redisHealth.Status != HealthStatusHealthy && report.Status == HealthStatusHealthy {
			report.Status = HealthStatusDegraded
		}
	}

	return report
}

func (s *HealthService) checkCoordinator(ctx context.Context) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	status, err := s.coordinator.SystemStatus(ctx)
	if err != nil {
		return ComponentHealth{
			Status:    HealthStatusUnhealthy,
			Message:   fmt.Sprintf("Coordinator not responding: %v", err),
			Latency:   time.Since(start).String(),
			CheckedAt: time.Now(),
		}
	}

	return ComponentHealth{
		Status:    HealthStatusHealthy,
		Message:   fmt.Sprintf("%d/%d agents online, %d jobs pending", status.Agents.Online, status.Agents.Total, status.Jobs.Pending),
		Latency:   time.Since(start).String(),
		CheckedAt: time.Now(),
	}
}

func (s *HealthService) checkDatabase(ctx context.Context) ComponentHealth {
	start := time.Now()

	sqlDB, err := s.db.DB()
	if err != nil {
		return ComponentHealth{
			Status:    HealthStatusUnhealthy,
			Message:   fmt.Sprintf("Failed to get database instance: %v", err),
			CheckedAt: time.Now(),
		}
	}

	// Check connection with timeout
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := sqlDB.PingContext(ctx); err != nil {
		return ComponentHealth{
			Status:    HealthStatusUnhealthy,
			Message:   fmt.Sprintf("Database ping failed: %v", err),
			Latency:   time.Since(start).String(),
			CheckedAt: time.Now(),
		}
	}

	return ComponentHealth{
		Status:    HealthStatusHealthy,
		Latency:   time.Since(start).String(),
		CheckedAt: time.Now(),
	}
}

func (s *HealthService) checkRedis(ctx context.Context) ComponentHealth {
	start := time.Now()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := s.redis.Ping(ctx).Err(); err != nil {
		return ComponentHealth{
			Status:    HealthStatusUnhealthy,
			Message:   fmt.Sprintf("Redis ping failed: %v", err),
			Latency:   time.Since(start).String(),
			CheckedAt: time.Now(),
		}
	}

	return ComponentHealth{
		Status:    HealthStatusHealthy,
		Latency:   time.Since(start).String(),
		CheckedAt: time.Now(),
	}
}

// SimpleHealthCheck returns a simple health status for load balancers
func (s *HealthService) SimpleHealthCheck(ctx context.Context) (string, int) {
	report := s.CheckHealth(ctx)

	switch report.Status {
	case HealthStatusHealthy:
		return "ok", http.StatusOK
	case HealthStatusDegraded:
		return "degraded", http.StatusOK // still dispatching
	default:
		return "unhealthy", http.StatusServiceUnavailable
	}
}
