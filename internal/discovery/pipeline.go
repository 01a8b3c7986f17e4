// Package discovery implements the two-phase balance discovery pipeline
// of §4.5: a fast multicall sweep over known tokens, falling back to a
// recursive log-bisection crawl when too few holdings surface.
package discovery

import (
	"context"
	"errors"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"

	"github.com/walletd/snapshot-engine/internal/apperr"
	"github.com/walletd/snapshot-engine/internal/chain"
	"github.com/walletd/snapshot-engine/internal/config"
	"github.com/walletd/snapshot-engine/internal/registry"
	"github.com/walletd/snapshot-engine/internal/store"
	"github.com/walletd/snapshot-engine/pkg/models"
)

// phase2TokenThreshold is the non-native-token count below which Phase 2
// (deep discovery) runs. Fixed per SPEC_FULL.md §4.5 / DESIGN.md.
const phase2TokenThreshold = 3

// Balance is a discovered non-zero balance prior to USD pricing.
type Balance struct {
	Token    common.Address
	Meta     models.TokenMeta
	Raw      *big.Int
	IsNative bool
}

// Pipeline orchestrates Phase 1 + Phase 2 for one chain.
type Pipeline struct {
	profile   *config.ChainProfile
	pool      *chain.Pool
	multicall *chain.Multicall
	crawler   *chain.LogCrawler
	registry  *registry.Registry
	db        *store.Postgres
	logger    zerolog.Logger
}

// New builds a Pipeline bound to one chain's provider pool/multicall/log
// crawler and the shared token registry.
func New(profile *config.ChainProfile, pool *chain.Pool, mc *chain.Multicall, crawler *chain.LogCrawler, reg *registry.Registry, db *store.Postgres, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		profile:   profile,
		pool:      pool,
		multicall: mc,
		crawler:   crawler,
		registry:  reg,
		db:        db,
		logger:    logger.With().Int64("chain_id", profile.ChainID).Str("component", "discovery.Pipeline").Logger(),
	}
}

// Discover runs Phase 1, then Phase 2 when needed, returning the union of
// non-zero balances and the block number the discovery is valid as-of.
func (p *Pipeline) Discover(ctx context.Context, wallet common.Address, forceRefresh bool) ([]Balance, uint64, error) {
	latest, err := p.pool.LatestBlockNumber(ctx)
	if err != nil {
		return nil, 0, err
	}

	phase1, err := p.phase1(ctx, wallet)
	if err != nil {
		return nil, 0, err
	}

	nonNative := 0
	for _, b := range phase1 {
		if !b.IsNative {
			nonNative++
		}
	}

	if nonNative >= phase2TokenThreshold && !forceRefresh {
		return phase1, latest, nil
	}

	phase2, err := p.phase2(ctx, wallet, latest)
	if err != nil {
		// Phase 2 failures (provider exhaustion, irrecoverable log ranges)
		// degrade to the Phase 1 result rather than failing the whole
		// snapshot — the spec guarantees a best-effort balance list.
		p.logger.Warn().Err(err).Str("wallet", wallet.Hex()).Msg("phase 2 discovery failed, using phase 1 only")
		return phase1, latest, nil
	}

	merged := mergeBalances(phase1, phase2)
	return merged, latest, nil
}

func (p *Pipeline) phase1(ctx context.Context, wallet common.Address) ([]Balance, error) {
	verified, err := p.registry.ListVerified(ctx, p.profile.ChainID)
	if err != nil {
		return nil, err
	}

	calls := make([]chain.Call, len(verified))
	for i, t := range verified {
		calls[i] = chain.BalanceOfCall(common.HexToAddress(t.Address), wallet)
	}

	results, err := p.multicall.Execute(ctx, calls)
	if err != nil {
		return nil, err
	}

	var out []Balance
	native, err := p.pool.BalanceAt(ctx, wallet, nil)
	if err == nil && native.Sign() > 0 {
		out = append(out, Balance{
			Token:    common.HexToAddress(models.NativeTokenAddress),
			Meta:     models.TokenMeta{Address: models.NativeTokenAddress, Symbol: p.profile.NativeSymbol, Name: p.profile.NativeSymbol, Decimals: 18, Verified: true},
			Raw:      native,
			IsNative: true,
		})
	}

	for i, r := range results {
		if !r.Success {
			continue
		}
		bal, err := chain.UnpackBalance(r.ReturnData)
		if err != nil || bal.Sign() <= 0 {
			continue
		}
		out = append(out, Balance{Token: common.HexToAddress(verified[i].Address), Meta: verified[i], Raw: bal})
	}

	return out, nil
}

func (p *Pipeline) phase2(ctx context.Context, wallet common.Address, latest uint64) ([]Balance, error) {
	from := p.profile.DiscoveryStartBlock
	if last, ok, err := p.lastScannedBlock(ctx, wallet); err != nil {
		p.logger.Warn().Err(err).Str("wallet", wallet.Hex()).Msg("failed to read last scanned block, falling back to full range")
	} else if ok && last+1 > from {
		from = last + 1
	}
	if from > latest {
		return nil, nil
	}

	tokens, err := p.crawler.CrawlWallet(ctx, wallet, from, latest)
	if err != nil {
		return nil, err
	}

	if err := p.saveLastScannedBlock(ctx, wallet, latest); err != nil {
		p.logger.Warn().Err(err).Str("wallet", wallet.Hex()).Msg("failed to persist last scanned block")
	}

	if len(tokens) == 0 {
		return nil, nil
	}

	addrs := make([]common.Address, 0, len(tokens))
	for addr := range tokens {
		addrs = append(addrs, addr)
	}

	existing, err := p.registry.Get(ctx, p.profile.ChainID, addrStrings(addrs))
	if err != nil {
		return nil, err
	}

	metas := make(map[common.Address]models.TokenMeta, len(addrs))
	for _, addr := range addrs {
		if meta, ok := existing[addrStr(addr)]; ok {
			metas[addr] = meta
			continue
		}
		meta, err := p.registry.UpsertDiscovered(ctx, p.profile.ChainID, addr)
		if err != nil {
			p.logger.Warn().Err(err).Str("token", addr.Hex()).Msg("failed to upsert discovered token")
			continue
		}
		metas[addr] = meta
	}

	calls := make([]chain.Call, 0, len(metas))
	ordered := make([]common.Address, 0, len(metas))
	for addr := range metas {
		calls = append(calls, chain.BalanceOfCall(addr, wallet))
		ordered = append(ordered, addr)
	}

	results, err := p.multicall.Execute(ctx, calls)
	if err != nil {
		return nil, err
	}

	var out []Balance
	for i, r := range results {
		if !r.Success {
			continue
		}
		bal, err := chain.UnpackBalance(r.ReturnData)
		if err != nil || bal.Sign() <= 0 {
			continue
		}
		out = append(out, Balance{Token: ordered[i], Meta: metas[ordered[i]], Raw: bal})
	}
	return out, nil
}

// lastScannedBlock reads the high-water mark of a previous Phase 2 crawl
// for (chain, wallet), so a repeat run continues from
// max(last_scanned_block+1, start_block) instead of rescanning from
// genesis every time (§4.5).
func (p *Pipeline) lastScannedBlock(ctx context.Context, wallet common.Address) (uint64, bool, error) {
	var last int64
	err := p.db.Pool.QueryRow(ctx, `
		SELECT last_scanned_block FROM wallet_scan_progress WHERE chain_id = $1 AND wallet = $2`,
		p.profile.ChainID, addrStr(wallet)).Scan(&last)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, false, nil
		}
		return 0, false, apperr.Wrap(apperr.DatabaseError, "read wallet_scan_progress", err)
	}
	return uint64(last), true, nil
}

func (p *Pipeline) saveLastScannedBlock(ctx context.Context, wallet common.Address, block uint64) error {
	_, err := p.db.Pool.Exec(ctx, `
		INSERT INTO wallet_scan_progress (chain_id, wallet, last_scanned_block, updated_at)
		VALUES ($1, $2, $3, now())
		ON CONFLICT (chain_id, wallet) DO UPDATE
		SET last_scanned_block = EXCLUDED.last_scanned_block, updated_at = now()
		WHERE wallet_scan_progress.last_scanned_block < EXCLUDED.last_scanned_block`,
		p.profile.ChainID, addrStr(wallet), block)
	if err != nil {
		return apperr.Wrap(apperr.DatabaseError, "upsert wallet_scan_progress", err)
	}
	return nil
}

func mergeBalances(a, b []Balance) []Balance {
	seen := make(map[string]struct{}, len(a)+len(b))
	out := make([]Balance, 0, len(a)+len(b))
	for _, bal := range append(append([]Balance{}, a...), b...) {
		key := addrStr(bal.Token)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, bal)
	}
	return out
}

// addrStr renders an address in the lowercase 0x form the token registry
// stores and keys its lookups by.
func addrStr(a common.Address) string { return strings.ToLower(a.Hex()) }

func addrStrings(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = addrStr(a)
	}
	return out
}
