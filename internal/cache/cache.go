// Package cache implements the stale-while-revalidate cache and in-process
// single-flight dedup of §4.7: the wallet_cache table is the source of
// truth, an optional Redis layer absorbs read load in front of it, and a
// per-(chain,wallet) single-flight group collapses concurrent rebuilds of
// the same key into one.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/walletd/snapshot-engine/internal/apperr"
	"github.com/walletd/snapshot-engine/internal/config"
	"github.com/walletd/snapshot-engine/internal/store"
	"github.com/walletd/snapshot-engine/pkg/models"
)

var cacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "walletd_cache_lookups_total",
	Help: "Wallet cache reads, by freshness classification",
}, []string{"classification"})

// RebuildFunc runs the discovery + snapshot pipeline for one (chain,
// wallet) and returns the fresh document. Supplied by the caller so this
// package does not depend on discovery/snapshot directly.
type RebuildFunc func(ctx context.Context, chainID int64, wallet string, forceRefresh bool) (models.WalletSnapshot, error)

// Cache is the stale-while-revalidate layer described in §4.7.
type Cache struct {
	db        *store.Postgres
	redis     *redis.Client // optional L1; nil disables it
	rebuild   RebuildFunc
	durations config.Durations
	logger    zerolog.Logger

	mu       sync.Mutex
	inflight map[string]*call
}

type call struct {
	done chan struct{}
	snap models.WalletSnapshot
	err  error
}

// New builds a Cache. redisClient may be nil to run Postgres-only.
func New(db *store.Postgres, redisClient *redis.Client, rebuild RebuildFunc, durations config.Durations, logger zerolog.Logger) *Cache {
	return &Cache{
		db:        db,
		redis:     redisClient,
		rebuild:   rebuild,
		durations: durations,
		logger:    logger.With().Str("component", "cache.Cache").Logger(),
		inflight:  make(map[string]*call),
	}
}

func key(chainID int64, wallet string) string {
	return fmt.Sprintf("%d:%s", chainID, wallet)
}

// Get returns the best available snapshot for (chainID, wallet): fresh data
// is served as-is; stale data is served immediately while a rebuild is
// kicked off in the background; expired or missing data blocks on a
// synchronous rebuild bounded by BuildTimeout. forceRefresh skips the
// fresh/stale classification and always triggers Phase 2 discovery.
func (c *Cache) Get(ctx context.Context, chainID int64, wallet string, forceRefresh bool) (models.WalletSnapshot, error) {
	if !forceRefresh {
		if snap, ok := c.readL1(ctx, chainID, wallet); ok {
			return snap, nil
		}
	}

	entry, found, err := c.readEntry(ctx, chainID, wallet)
	if err != nil {
		return models.WalletSnapshot{}, err
	}

	if !found || forceRefresh {
		cacheLookups.WithLabelValues("miss").Inc()
		return c.rebuildSync(ctx, chainID, wallet, forceRefresh)
	}

	switch entry.Classify(time.Now(), c.durations.HardExpiry) {
	case models.FreshnessFresh:
		cacheLookups.WithLabelValues("fresh").Inc()
		c.writeL1(ctx, chainID, wallet, entry.Data)
		return entry.Data, nil
	case models.FreshnessStale:
		cacheLookups.WithLabelValues("stale").Inc()
		c.triggerBackgroundRebuild(chainID, wallet)
		snap := entry.Data
		snap.Syncing = true
		return snap, nil
	default: // expired
		cacheLookups.WithLabelValues("expired").Inc()
		return c.rebuildSync(ctx, chainID, wallet, false)
	}
}

func (c *Cache) rebuildSync(ctx context.Context, chainID int64, wallet string, forceRefresh bool) (models.WalletSnapshot, error) {
	buildCtx, cancel := context.WithTimeout(ctx, c.durations.BuildTimeout)
	defer cancel()

	snap, err := c.joinOrRebuild(buildCtx, chainID, wallet, forceRefresh)
	if err != nil {
		if errors.Is(buildCtx.Err(), context.DeadlineExceeded) {
			return models.WalletSnapshot{}, apperr.Wrap(apperr.BuildTimeout, "snapshot rebuild", err)
		}
		return models.WalletSnapshot{}, err
	}
	return snap, nil
}

// triggerBackgroundRebuild fires a rebuild detached from the request's
// context; callers already have the stale data to serve.
func (c *Cache) triggerBackgroundRebuild(chainID int64, wallet string) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), c.durations.BuildTimeout)
		defer cancel()
		if _, err := c.joinOrRebuild(ctx, chainID, wallet, false); err != nil {
			c.logger.Warn().Err(err).Int64("chain_id", chainID).Str("wallet", wallet).Msg("background rebuild failed")
		}
	}()
}

// joinOrRebuild is the single-flight entry point: concurrent callers for
// the same key share one in-flight rebuild and its result.
func (c *Cache) joinOrRebuild(ctx context.Context, chainID int64, wallet string, forceRefresh bool) (models.WalletSnapshot, error) {
	k := key(chainID, wallet)

	c.mu.Lock()
	if existing, ok := c.inflight[k]; ok {
		c.mu.Unlock()
		select {
		case <-existing.done:
			return existing.snap, existing.err
		case <-ctx.Done():
			return models.WalletSnapshot{}, ctx.Err()
		}
	}

	cl := &call{done: make(chan struct{})}
	c.inflight[k] = cl
	c.mu.Unlock()

	cl.snap, cl.err = c.doRebuild(ctx, chainID, wallet, forceRefresh)
	close(cl.done)

	c.mu.Lock()
	delete(c.inflight, k)
	c.mu.Unlock()

	return cl.snap, cl.err
}

func (c *Cache) doRebuild(ctx context.Context, chainID int64, wallet string, forceRefresh bool) (models.WalletSnapshot, error) {
	if err := c.markSyncing(ctx, chainID, wallet, true); err != nil {
		c.logger.Warn().Err(err).Msg("failed to mark wallet_cache row syncing")
	}

	snap, err := c.rebuild(ctx, chainID, wallet, forceRefresh)
	if err != nil {
		_ = c.markSyncing(ctx, chainID, wallet, false)
		return models.WalletSnapshot{}, err
	}

	if err := c.writeEntry(ctx, chainID, wallet, snap); err != nil {
		return models.WalletSnapshot{}, err
	}
	c.writeL1(ctx, chainID, wallet, snap)
	return snap, nil
}

func (c *Cache) readEntry(ctx context.Context, chainID int64, wallet string) (models.CacheEntry, bool, error) {
	var entry models.CacheEntry
	var raw []byte
	err := c.db.Pool.QueryRow(ctx, `
		SELECT data, last_updated, expires_at, syncing
		FROM wallet_cache WHERE chain_id = $1 AND wallet = $2`, chainID, wallet,
	).Scan(&raw, &entry.LastUpdated, &entry.ExpiresAt, &entry.Syncing)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.CacheEntry{}, false, nil
		}
		return models.CacheEntry{}, false, apperr.Wrap(apperr.DatabaseError, "read wallet_cache row", err)
	}
	if err := json.Unmarshal(raw, &entry.Data); err != nil {
		return models.CacheEntry{}, false, apperr.Wrap(apperr.DatabaseError, "unmarshal cached snapshot", err)
	}
	entry.ChainID = chainID
	entry.Wallet = wallet
	return entry, true, nil
}

// writeEntry upserts the fresh snapshot in a single INSERT ... ON CONFLICT
// statement, which Postgres applies atomically per row. No explicit row
// lock (SELECT ... FOR UPDATE) or surrounding transaction is taken; writes
// for one key are serialized only by the in-process single-flight group.
func (c *Cache) writeEntry(ctx context.Context, chainID int64, wallet string, snap models.WalletSnapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return apperr.Wrap(apperr.DatabaseError, "marshal snapshot for cache", err)
	}

	now := time.Now()
	expiresAt := now.Add(c.durations.CacheTTL)

	_, err = c.db.Pool.Exec(ctx, `
		INSERT INTO wallet_cache (chain_id, wallet, data, last_updated, expires_at, syncing)
		VALUES ($1, $2, $3, $4, $5, FALSE)
		ON CONFLICT (chain_id, wallet) DO UPDATE
		SET data = EXCLUDED.data, last_updated = EXCLUDED.last_updated,
		    expires_at = EXCLUDED.expires_at, syncing = FALSE`,
		chainID, wallet, data, now, expiresAt)
	if err != nil {
		return apperr.Wrap(apperr.DatabaseError, "upsert wallet_cache row", err)
	}
	return nil
}

func (c *Cache) markSyncing(ctx context.Context, chainID int64, wallet string, syncing bool) error {
	_, err := c.db.Pool.Exec(ctx, `
		UPDATE wallet_cache SET syncing = $3 WHERE chain_id = $1 AND wallet = $2`,
		chainID, wallet, syncing)
	return err
}

// RecoverStuckSyncs clears syncing=true rows whose last_updated is older
// than StuckSyncThreshold — a worker that died mid-rebuild otherwise wedges
// the row in "syncing" forever.
func (c *Cache) RecoverStuckSyncs(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-c.durations.StuckSyncThreshold)
	tag, err := c.db.Pool.Exec(ctx, `
		UPDATE wallet_cache SET syncing = FALSE
		WHERE syncing = TRUE AND last_updated < $1`, cutoff)
	if err != nil {
		return 0, apperr.Wrap(apperr.DatabaseError, "recover stuck syncs", err)
	}
	return tag.RowsAffected(), nil
}

// SweepExpired deletes cache rows past hard expiry that have no actively
// tracked wallet behind them — a tracked wallet stays warm via the
// Refresher instead, so its cache row is never garbage even once stale.
func (c *Cache) SweepExpired(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-c.durations.HardExpiry)
	tag, err := c.db.Pool.Exec(ctx, `
		DELETE FROM wallet_cache
		WHERE last_updated < $1
		AND NOT EXISTS (
			SELECT 1 FROM tracked_wallets t
			WHERE t.wallet = wallet_cache.wallet AND wallet_cache.chain_id = ANY(t.chains) AND t.active = TRUE
		)`, cutoff)
	if err != nil {
		return 0, apperr.Wrap(apperr.DatabaseError, "sweep expired cache rows", err)
	}
	return tag.RowsAffected(), nil
}

func (c *Cache) readL1(ctx context.Context, chainID int64, wallet string) (models.WalletSnapshot, bool) {
	if c.redis == nil {
		return models.WalletSnapshot{}, false
	}
	raw, err := c.redis.Get(ctx, "snap:"+key(chainID, wallet)).Bytes()
	if err != nil {
		return models.WalletSnapshot{}, false
	}
	var snap models.WalletSnapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return models.WalletSnapshot{}, false
	}
	return snap, true
}

func (c *Cache) writeL1(ctx context.Context, chainID int64, wallet string, snap models.WalletSnapshot) {
	if c.redis == nil {
		return
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return
	}
	if err := c.redis.Set(ctx, "snap:"+key(chainID, wallet), data, c.durations.CacheTTL).Err(); err != nil {
		c.logger.Debug().Err(err).Msg("redis L1 write failed, falling back to postgres-only reads")
	}
}
