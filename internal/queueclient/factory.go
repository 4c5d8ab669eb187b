package queueclient

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/deliveryhero/asya/asya-leasequeue/internal/clock"
	"github.com/deliveryhero/asya/asya-leasequeue/internal/config"
)

// New creates the backend selected by cfg.Backend
func New(ctx context.Context, cfg *config.Config, c clock.Clock) (Client, error) {
	slog.Info("Creating queue client", "backend", cfg.Backend)

	switch cfg.Backend {
	case config.BackendSQS:
		return NewSQSClient(ctx, cfg.SQS, c)
	case config.BackendPostgres:
		return NewPostgresClient(ctx, cfg.Postgres, c)
	case config.BackendMemory:
		return NewMemoryClient(c), nil
	default:
		return nil, fmt.Errorf("unsupported transport type: %s", cfg.Backend)
	}
}
