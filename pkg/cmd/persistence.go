package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dukex/courier/pkg/persistence"
	"github.com/dukex/courier/pkg/persistence/memory"
	"github.com/dukex/courier/pkg/persistence/postgresql"
)

// NewPersistence selects the backend by URL scheme: postgres:// or
// postgresql:// for PostgreSQL, memory:// for the in-process store.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) persistence.Persistence {
	switch provider := parseProvider(databaseURL); provider {
	case "postgres", "postgresql":
		p, err := postgresql.NewPersistence(ctx, logger, databaseURL)
		if err != nil {
			panic(fmt.Errorf("failed to create PostgreSQL persistence: %w", err))
		}

		return p
	case "memory":
		logger.WarnContext(ctx, "using in-memory persistence, state is lost on exit")

		return memory.NewPersistence()
	default:
		panic("Unsupported persistence provider: " + provider)
	}
}

func parseProvider(url string) string {
	provider, _, _ := strings.Cut(url, "://")

	return strings.ToLower(provider)
}
