// Package refresher periodically rebuilds snapshots for tracked wallets
// (§4.8) so their cache entries stay fresh without waiting for a read to
// trigger a rebuild.
package refresher

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/walletd/snapshot-engine/internal/config"
	"github.com/walletd/snapshot-engine/internal/tracked"
)

// GetFunc is the cache read path the Refresher drives — identical to what
// an HTTP request would call, with forceRefresh always false since a
// background sweep should respect the stale-while-revalidate contract
// rather than forcing Phase 2 discovery on every tick.
type GetFunc func(ctx context.Context, chainID int64, wallet string) error

// Refresher sweeps tracked wallets at a fixed interval, bounded by a
// per-chain concurrency limit.
type Refresher struct {
	registry    *tracked.Registry
	get         GetFunc
	concurrency map[int64]int
	interval    time.Duration
	logger      zerolog.Logger
}

// New builds a Refresher. concurrency maps chainID to its scanner
// concurrency limit (reused here to bound simultaneous rebuild calls).
func New(registry *tracked.Registry, get GetFunc, durations config.Durations, concurrency map[int64]int, logger zerolog.Logger) *Refresher {
	return &Refresher{
		registry:    registry,
		get:         get,
		concurrency: concurrency,
		interval:    durations.BackgroundRefreshInterval,
		logger:      logger.With().Str("component", "refresher.Refresher").Logger(),
	}
}

// Run blocks, sweeping tracked wallets every interval until ctx is done.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.sweep(ctx)
		}
	}
}

func (r *Refresher) sweep(ctx context.Context) {
	wallets := r.registry.List()
	if len(wallets) == 0 {
		return
	}

	sems := make(map[int64]chan struct{})
	for chainID, limit := range r.concurrency {
		if limit < 1 {
			limit = 1
		}
		sems[chainID] = make(chan struct{}, limit)
	}

	var wg sync.WaitGroup
	for _, tw := range wallets {
		for _, chainID := range tw.Chains {
			sem, ok := sems[chainID]
			if !ok {
				continue
			}
			wg.Add(1)
			sem <- struct{}{}
			go func(wallet string, chainID int64) {
				defer wg.Done()
				defer func() { <-sem }()
				r.refreshOne(ctx, chainID, wallet)
			}(tw.Wallet, chainID)
		}
	}
	wg.Wait()
}

// refreshOne retries transient failures (a provider endpoint blip, a busy
// pool connection) with exponential backoff, capped well under the sweep
// interval so one slow wallet cannot delay the next tick indefinitely.
func (r *Refresher) refreshOne(ctx context.Context, chainID int64, wallet string) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 15 * time.Second

	err := backoff.Retry(func() error {
		return r.get(ctx, chainID, wallet)
	}, backoff.WithContext(b, ctx))
	if err != nil {
		r.logger.Warn().Err(err).Int64("chain_id", chainID).Str("wallet", wallet).Msg("tracked wallet refresh failed")
	}
}
