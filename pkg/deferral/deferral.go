// Package deferral holds recipient tasks that must not run before a given
// instant (delay nodes, retry backoff) and hands them back to the worker bus
// once due. No goroutine waits in place for a deferred task.
package deferral

import (
	"context"
	"log/slog"
	"time"

	"github.com/dukex/courier/pkg/eventbus"
	"github.com/dukex/courier/pkg/events"
)

// Entry identifies a deferred recipient task.
type Entry struct {
	ExecutionID string `json:"execution_id"`
	TaskID      string `json:"task_id"`
}

// Store is a time-ordered set of entries. Deferring an entry that is already
// stored moves it to the new instant.
type Store interface {
	Defer(ctx context.Context, entry Entry, at time.Time) error
	// Due removes and returns up to limit entries due at now, earliest first.
	// An entry is returned to exactly one caller.
	Due(ctx context.Context, now time.Time, limit int) ([]Entry, error)
	Len(ctx context.Context) (int, error)
	Close() error
}

const (
	DefaultPumpInterval = time.Second
	DefaultPumpBatch    = 500
)

// Pump moves due entries from a Store onto the recipient task topic.
type Pump struct {
	store     Store
	publisher eventbus.EventPublisher
	logger    *slog.Logger
	interval  time.Duration
	batch     int
	now       func() time.Time
}

type PumpOption func(*Pump)

func WithInterval(d time.Duration) PumpOption {
	return func(p *Pump) {
		if d > 0 {
			p.interval = d
		}
	}
}

func WithBatch(n int) PumpOption {
	return func(p *Pump) {
		if n > 0 {
			p.batch = n
		}
	}
}

func WithPumpClock(now func() time.Time) PumpOption {
	return func(p *Pump) {
		p.now = now
	}
}

func NewPump(store Store, publisher eventbus.EventPublisher, logger *slog.Logger, opts ...PumpOption) *Pump {
	p := &Pump{
		store:     store,
		publisher: publisher,
		logger:    logger.With("module", "deferral_pump"),
		interval:  DefaultPumpInterval,
		batch:     DefaultPumpBatch,
		now:       time.Now,
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Run flushes due entries every interval until ctx is cancelled.
func (p *Pump) Run(ctx context.Context) error {
	p.logger.InfoContext(ctx, "starting deferral pump", "interval", p.interval, "batch", p.batch)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.InfoContext(ctx, "deferral pump stopped")

			return nil
		case <-ticker.C:
			if _, err := p.Flush(ctx); err != nil {
				p.logger.ErrorContext(ctx, "failed to flush deferred tasks", "error", err)
			}
		}
	}
}

// Flush publishes every entry due now and returns how many were published.
// An entry whose publish fails goes back into the store for the next tick.
func (p *Pump) Flush(ctx context.Context) (int, error) {
	published := 0

	for {
		now := p.now()

		entries, err := p.store.Due(ctx, now, p.batch)
		if err != nil {
			return published, err
		}

		for i, entry := range entries {
			event := events.RecipientTaskReady{
				BaseEvent:   events.NewBaseEvent(events.RecipientTaskReadyEvent),
				TaskID:      entry.TaskID,
				ExecutionID: entry.ExecutionID,
			}

			if err := p.publisher.Publish(ctx, entry.TaskID, event); err != nil {
				for _, rest := range entries[i:] {
					if deferErr := p.store.Defer(ctx, rest, now); deferErr != nil {
						p.logger.ErrorContext(ctx, "lost deferred task", "task_id", rest.TaskID, "error", deferErr)
					}
				}

				return published, err
			}

			published++
		}

		if len(entries) < p.batch {
			if published > 0 {
				p.logger.DebugContext(ctx, "released deferred tasks", "count", published)
			}

			return published, nil
		}
	}
}
