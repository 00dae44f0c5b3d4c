package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/dukex/courier/pkg/deferral"
)

// NewDeferralStore selects the deferral backend by URL scheme: redis:// or
// rediss:// for a shared sorted set, memory:// for a single process.
func NewDeferralStore(ctx context.Context, logger *slog.Logger, url string) deferral.Store {
	switch provider := parseProvider(url); provider {
	case "redis", "rediss":
		store, err := deferral.NewRedisStore(ctx, url)
		if err != nil {
			panic(fmt.Errorf("failed to connect deferral store: %w", err))
		}

		return store
	case "memory":
		logger.WarnContext(ctx, "using in-memory deferral store, delayed tasks are lost on exit")

		return deferral.NewMemoryStore()
	default:
		panic("Unsupported deferral provider: " + provider)
	}
}
