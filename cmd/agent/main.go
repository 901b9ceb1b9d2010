package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"crawlfleet/internal/agent"
	"crawlfleet/internal/config"
	"crawlfleet/internal/core/logger"
)

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		log.Fatalf("failed to load agent config: %v", err)
	}

	logger.Init(cfg.LogLevel, cfg.LogFormat)
	logger.Info("Starting crawl agent",
		"server", cfg.Server,
		"mode", cfg.Mode,
		"capacity", cfg.Capacity,
		"agent_id", cfg.AgentID,
	)

	fetcher := agent.NewCollyFetcher(agent.CollyConfig{
		SearchURL: cfg.SearchURL,
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.FetchTimeout,
	})
	a := agent.New(*cfg, fetcher)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := a.Run(ctx); err != nil {
		log.Fatalf("Agent error: %v", err)
	}
	logger.Info("Agent stopped", "agent_id", a.ID())
}
