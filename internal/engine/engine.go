// Package engine wires every per-chain component (provider pool, discovery
// pipeline, snapshot builder) together behind the chain-agnostic surface
// the HTTP API and CLI call through.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/walletd/snapshot-engine/internal/apperr"
	"github.com/walletd/snapshot-engine/internal/cache"
	"github.com/walletd/snapshot-engine/internal/chain"
	"github.com/walletd/snapshot-engine/internal/config"
	"github.com/walletd/snapshot-engine/internal/discovery"
	"github.com/walletd/snapshot-engine/internal/priceoracle"
	"github.com/walletd/snapshot-engine/internal/queue"
	"github.com/walletd/snapshot-engine/internal/registry"
	"github.com/walletd/snapshot-engine/internal/scanner"
	"github.com/walletd/snapshot-engine/internal/snapshot"
	"github.com/walletd/snapshot-engine/internal/store"
	"github.com/walletd/snapshot-engine/internal/tracked"
	"github.com/walletd/snapshot-engine/pkg/models"
)

// chainBundle holds one chain's wired components.
type chainBundle struct {
	profile  *config.ChainProfile
	pool     *chain.Pool
	mc       *chain.Multicall
	crawler  *chain.LogCrawler
	pipeline *discovery.Pipeline
	scanner  *scanner.HeadScanner
}

// Engine is the chain-agnostic façade: one Cache, one Registry, one
// Tracked-Wallet Registry, N per-chain bundles.
type Engine struct {
	logger    zerolog.Logger
	durations config.Durations

	chains   map[int64]*chainBundle
	byName   map[string]int64
	builder  *snapshot.Builder
	cache    *cache.Cache
	tracked  *tracked.Registry
	queue    *queue.Queue
	db       *store.Postgres
	health   *store.ProviderHealthStore
	registry *registry.Registry
}

// New assembles an Engine from every dependency cmd/walletd/main.go builds.
func New(ctx context.Context, chains *config.ChainSet, db *store.Postgres, health *store.ProviderHealthStore, q *queue.Queue, oracle priceoracle.Oracle, redisClient *redis.Client, durations config.Durations, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		logger:    logger.With().Str("component", "engine.Engine").Logger(),
		durations: durations,
		chains:    make(map[int64]*chainBundle),
		byName:    make(map[string]int64),
		builder:   snapshot.New(oracle, logger),
		queue:     q,
		db:        db,
		health:    health,
	}

	e.tracked = tracked.New(ctx, db, logger)

	multicallByChain := make(map[int64]*chain.Multicall)
	for _, profile := range chains.All() {
		pool, err := chain.NewPool(ctx, profile.ChainID, profile.RPCUrls, durations.RPCTimeout, logger)
		if err != nil {
			return nil, fmt.Errorf("failed to init provider pool for %s: %w", profile.Name, err)
		}
		mc := chain.NewMulticall(pool, profile.MulticallAddr())
		multicallByChain[profile.ChainID] = mc
		e.chains[profile.ChainID] = &chainBundle{
			profile: profile,
			pool:    pool,
			mc:      mc,
			crawler: chain.NewLogCrawler(pool),
		}
		e.byName[strings.ToLower(profile.Name)] = profile.ChainID
	}

	reg, err := registry.New(db, multicallByChain)
	if err != nil {
		return nil, err
	}
	e.registry = reg

	for _, bundle := range e.chains {
		bundle.pipeline = discovery.New(bundle.profile, bundle.pool, bundle.mc, bundle.crawler, reg, db, logger)
		bundle.scanner = scanner.New(bundle.profile, bundle.pool, bundle.crawler, db, e.tracked, e.invalidateAndQueue, durations, logger)
	}

	e.cache = cache.New(db, redisClient, e.rebuild, durations, logger)

	return e, nil
}

// Registry exposes the shared token registry used by the HTTP
// /api/tokens endpoints.
func (e *Engine) Registry() *registry.Registry { return e.registry }

// StartBackground launches every chain's Head Scanner plus the periodic
// cache sweepers; blocks until ctx is canceled.
func (e *Engine) StartBackground(ctx context.Context) {
	var wg sync.WaitGroup
	for _, bundle := range e.chains {
		wg.Add(1)
		go func(b *chainBundle) {
			defer wg.Done()
			if err := b.scanner.Run(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error().Err(err).Str("chain", b.profile.Name).Msg("head scanner stopped")
			}
		}(bundle)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		e.sweepLoop(ctx)
	}()

	wg.Wait()
}

func (e *Engine) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(e.durations.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := e.cache.RecoverStuckSyncs(ctx); err != nil {
				e.logger.Warn().Err(err).Msg("stuck-sync recovery failed")
			} else if n > 0 {
				e.logger.Info().Int64("rows", n).Msg("recovered stuck cache syncs")
			}
			if n, err := e.cache.SweepExpired(ctx); err != nil {
				e.logger.Warn().Err(err).Msg("expired-cache sweep failed")
			} else if n > 0 {
				e.logger.Info().Int64("rows", n).Msg("swept expired cache rows")
			}
			if e.health != nil {
				for _, bundle := range e.chains {
					for _, h := range bundle.pool.HealthSnapshot() {
						_ = e.health.Save(models.RpcProviderHealth{
							ChainID: h.ChainID, URL: h.URL, Healthy: h.Healthy,
							ResponseTimeMs: h.ResponseTimeMs, ConsecutiveErrors: h.ConsecutiveErrors,
						})
					}
				}
			}
		}
	}
}

// invalidateAndQueue is the Head Scanner's hit hook: a tracked wallet was
// observed in a Transfer log, so its Postgres cache row is marked stale
// (expires_at moved to now) and a rebuild is enqueued rather than racing the
// scanner goroutine against a synchronous cache write. The Redis L1 copy,
// when enabled, is not cleared and keeps serving until its own TTL lapses.
func (e *Engine) invalidateAndQueue(ctx context.Context, chainID int64, wallet string) {
	if _, err := e.db.Pool.Exec(ctx, `
		UPDATE wallet_cache SET expires_at = now()
		WHERE chain_id = $1 AND wallet = $2 AND expires_at > now()`, chainID, wallet); err != nil {
		e.logger.Warn().Err(err).Int64("chain_id", chainID).Str("wallet", wallet).Msg("failed to mark cache row stale")
	}
	if e.queue == nil {
		return
	}
	if err := e.queue.Enqueue(ctx, queue.RebuildJob{ChainID: chainID, Wallet: wallet, Refresh: false}); err != nil {
		e.logger.Warn().Err(err).Int64("chain_id", chainID).Str("wallet", wallet).Msg("failed to enqueue rebuild job")
	}
}

// rebuild is the Cache's RebuildFunc: run Discovery then Snapshot Build for
// one (chain, wallet).
func (e *Engine) rebuild(ctx context.Context, chainID int64, wallet string, forceRefresh bool) (models.WalletSnapshot, error) {
	bundle, ok := e.chains[chainID]
	if !ok {
		return models.WalletSnapshot{}, apperr.New(apperr.UnsupportedChain, fmt.Sprintf("chain %d not configured", chainID))
	}

	addr := common.HexToAddress(wallet)
	balances, blockNumber, err := bundle.pipeline.Discover(ctx, addr, forceRefresh)
	if err != nil {
		return models.WalletSnapshot{}, err
	}

	return e.builder.Build(ctx, bundle.profile, balances, blockNumber, false), nil
}

// ResolveChain maps a chain name (as used in URLs) to its profile.
func (e *Engine) ResolveChain(name string) (*config.ChainProfile, error) {
	chainID, ok := e.byName[strings.ToLower(name)]
	if !ok {
		return nil, apperr.New(apperr.UnsupportedChain, fmt.Sprintf("unsupported chain %q", name))
	}
	return e.chains[chainID].profile, nil
}

// GetSnapshot returns a wallet's snapshot on one chain, identified by name.
func (e *Engine) GetSnapshot(ctx context.Context, chainName, wallet string, refresh bool) (models.WalletSnapshot, error) {
	profile, err := e.ResolveChain(chainName)
	if err != nil {
		return models.WalletSnapshot{}, err
	}
	return e.GetSnapshotByChainID(ctx, profile.ChainID, wallet, refresh)
}

// GetSnapshotByChainID returns a wallet's snapshot on one chain, identified
// by numeric chain ID — used by the Refresher and the rebuild-queue
// consumer, which only carry a chain ID.
func (e *Engine) GetSnapshotByChainID(ctx context.Context, chainID int64, wallet string, refresh bool) (models.WalletSnapshot, error) {
	if !IsValidAddress(wallet) {
		return models.WalletSnapshot{}, apperr.New(apperr.InvalidInput, "invalid wallet address")
	}
	if _, ok := e.chains[chainID]; !ok {
		return models.WalletSnapshot{}, apperr.New(apperr.UnsupportedChain, "chain not configured")
	}
	return e.cache.Get(ctx, chainID, NormalizeAddress(wallet), refresh)
}

// Tracked exposes the shared tracked-wallet registry, used by the
// Refresher's sweep loop.
func (e *Engine) Tracked() *tracked.Registry { return e.tracked }

// AggregateResult is the multi-chain aggregate response of §6.
type AggregateResult struct {
	Wallet      string                   `json:"wallet"`
	TotalUSD    float64                  `json:"totalUsd"`
	TotalTokens int                      `json:"totalTokens"`
	ChainsCount int                      `json:"chainsCount"`
	Chains      []models.WalletSnapshot  `json:"chains"`
}

// GetAggregate fetches a wallet's snapshot on every configured chain,
// degrading per-chain failures to a placeholder `syncing: true` entry
// rather than failing the whole request.
func (e *Engine) GetAggregate(ctx context.Context, wallet string) (AggregateResult, error) {
	if !IsValidAddress(wallet) {
		return AggregateResult{}, apperr.New(apperr.InvalidInput, "invalid wallet address")
	}
	wallet = NormalizeAddress(wallet)

	out := AggregateResult{Wallet: wallet}
	for _, bundle := range e.chains {
		snap, err := e.cache.Get(ctx, bundle.profile.ChainID, wallet, false)
		if err != nil {
			e.logger.Debug().Err(err).Str("chain", bundle.profile.Name).Msg("aggregate: chain snapshot failed, degrading")
			snap = models.WalletSnapshot{ChainID: bundle.profile.ChainID, ChainName: bundle.profile.Name, Syncing: true, Result: []models.TokenBalance{}}
		}
		out.Chains = append(out.Chains, snap)
		out.TotalTokens += snap.Count
		for _, tb := range snap.Result {
			if !tb.PossibleSpam {
				out.TotalUSD += tb.USDValue
			}
		}
	}
	out.ChainsCount = len(out.Chains)
	return out, nil
}

// AddTracked registers a wallet for proactive refresh.
func (e *Engine) AddTracked(ctx context.Context, wallet string, chainNames []string) error {
	if !IsValidAddress(wallet) {
		return apperr.New(apperr.InvalidInput, "invalid wallet address")
	}
	chainIDs := make([]int64, 0, len(chainNames))
	for _, name := range chainNames {
		profile, err := e.ResolveChain(name)
		if err != nil {
			return err
		}
		chainIDs = append(chainIDs, profile.ChainID)
	}

	normalized := NormalizeAddress(wallet)
	if err := e.tracked.Add(ctx, normalized, chainIDs); err != nil {
		return err
	}

	// Enqueue an immediate, cache-bypassing build per chain rather than
	// waiting for the next Refresher sweep or Head Scanner hit.
	if e.queue != nil {
		for _, chainID := range chainIDs {
			if err := e.queue.Enqueue(ctx, queue.RebuildJob{ChainID: chainID, Wallet: normalized, Refresh: true}); err != nil {
				e.logger.Warn().Err(err).Int64("chain_id", chainID).Str("wallet", normalized).Msg("failed to enqueue initial build for newly tracked wallet")
			}
		}
	}
	return nil
}

// RemoveTracked deactivates a tracked wallet.
func (e *Engine) RemoveTracked(ctx context.Context, wallet string) error {
	normalized := NormalizeAddress(wallet)
	if _, ok := e.tracked.Get(normalized); !ok {
		return apperr.New(apperr.NotTracked, "wallet is not tracked")
	}
	return e.tracked.Remove(ctx, normalized)
}

// ListTracked returns every actively tracked wallet.
func (e *Engine) ListTracked() []models.TrackedWallet {
	return e.tracked.List()
}

// ListTransactions returns a page of normalized transfers for a wallet on
// one chain.
func (e *Engine) ListTransactions(ctx context.Context, chainName, wallet string, page, limit int) ([]models.WalletTransaction, error) {
	profile, err := e.ResolveChain(chainName)
	if err != nil {
		return nil, err
	}
	if !IsValidAddress(wallet) {
		return nil, apperr.New(apperr.InvalidInput, "invalid wallet address")
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}

	rows, err := e.db.Pool.Query(ctx, `
		SELECT tx_hash, log_index, block_number, occurred_at, token_address, wallet, counterparty, value, direction
		FROM wallet_transactions
		WHERE chain_id = $1 AND wallet = $2
		ORDER BY block_number DESC
		LIMIT $3 OFFSET $4`, profile.ChainID, NormalizeAddress(wallet), limit, (page-1)*limit)
	if err != nil {
		return nil, apperr.Wrap(apperr.DatabaseError, "list wallet transactions", err)
	}
	defer rows.Close()

	var out []models.WalletTransaction
	for rows.Next() {
		var tx models.WalletTransaction
		var self, counterparty string
		if err := rows.Scan(&tx.TxHash, &tx.LogIndex, &tx.BlockNumber, &tx.Timestamp, &tx.TokenAddress, &self, &counterparty, &tx.Value, &tx.Direction); err != nil {
			return nil, apperr.Wrap(apperr.DatabaseError, "scan wallet_transactions row", err)
		}
		tx.ChainID = profile.ChainID
		if tx.Direction == "in" {
			tx.From, tx.To = counterparty, self
		} else {
			tx.From, tx.To = self, counterparty
		}
		out = append(out, tx)
	}
	return out, rows.Err()
}

// Health reports per-chain provider health and overall readiness.
type Health struct {
	Healthy bool                        `json:"healthy"`
	Chains  map[string][]chain.EndpointHealth `json:"chains"`
	Queue   bool                        `json:"queueConnected"`
}

// Health assembles the /health payload.
func (e *Engine) Health() Health {
	h := Health{Healthy: true, Chains: make(map[string][]chain.EndpointHealth)}
	for _, bundle := range e.chains {
		snap := bundle.pool.HealthSnapshot()
		h.Chains[bundle.profile.Name] = snap
		anyHealthy := false
		for _, ep := range snap {
			if ep.Healthy {
				anyHealthy = true
				break
			}
		}
		if !anyHealthy {
			h.Healthy = false
		}
	}
	if e.queue != nil {
		h.Queue = e.queue.Healthy()
	}
	return h
}

// Close tears down every chain's provider pool.
func (e *Engine) Close() {
	for _, bundle := range e.chains {
		bundle.pool.Close()
	}
}

// IsValidAddress reports whether s is 40 hex chars, optionally 0x-prefixed.
func IsValidAddress(s string) bool {
	s = strings.TrimPrefix(s, "0x")
	if len(s) != 40 {
		return false
	}
	for _, r := range s {
		if !strings.ContainsRune("0123456789abcdefABCDEF", r) {
			return false
		}
	}
	return true
}

// NormalizeAddress canonicalizes an address to lowercase 0x-prefixed form.
func NormalizeAddress(s string) string {
	if !strings.HasPrefix(s, "0x") && !strings.HasPrefix(s, "0X") {
		s = "0x" + s
	}
	return strings.ToLower(s)
}
