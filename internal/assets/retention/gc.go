// Package retention runs the periodic job that deletes assets and
// their backing objects once retainUntil has passed.
package retention

import (
	"context"
	"time"

	"github.com/vidforge/core/internal/assets"
	"github.com/vidforge/core/internal/platform/clock"
	"github.com/vidforge/core/internal/platform/log"
)

// GC periodically deletes expired assets from an assets.Store.
type GC struct {
	store    assets.Store
	logger   *log.Logger
	clk      clock.Clock
	interval time.Duration
	limit    int
}

// New returns a GC that sweeps store every interval, deleting up to
// limit expired assets per sweep.
func New(store assets.Store, logger *log.Logger, clk clock.Clock, interval time.Duration, limit int) *GC {
	return &GC{store: store, logger: logger, clk: clk, interval: interval, limit: limit}
}

// Run blocks, sweeping every interval, until ctx is cancelled.
func (g *GC) Run(ctx context.Context) {
	ticker := time.NewTicker(g.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.sweepOnce(ctx)
		}
	}
}

func (g *GC) sweepOnce(ctx context.Context) {
	removed, err := g.store.DeleteExpired(ctx, g.clk.Now(), g.limit)
	if err != nil {
		g.logger.Error().Err(err).Msg("retention: delete expired failed")
		return
	}
	if removed > 0 {
		g.logger.Info().Int("removed", removed).Msg("retention: deleted expired assets")
	}
}
