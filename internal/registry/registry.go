// Package registry implements the Token Registry (§4.2): persistent token
// metadata backed by Postgres, with an in-process LRU cache over the
// verified-token set so Discovery Phase 1 does not hit the database on
// every request.
package registry

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/walletd/snapshot-engine/internal/apperr"
	"github.com/walletd/snapshot-engine/internal/chain"
	"github.com/walletd/snapshot-engine/internal/store"
	"github.com/walletd/snapshot-engine/pkg/models"
)

const verifiedCacheSize = 4096

var verifiedCacheLookups = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "walletd_registry_verified_cache_lookups_total",
	Help: "In-process verified-token cache lookups, by outcome",
}, []string{"outcome"})

// Registry is the Token Registry of §4.2.
type Registry struct {
	db             *store.Postgres
	verifiedCache  *lru.Cache[int64, []models.TokenMeta]
	multicall      map[int64]*chain.Multicall
}

// New builds a Registry; multicall supplies the per-chain Multicall engine
// used by UpsertDiscovered to look up symbol/decimals for a newly seen
// token.
func New(db *store.Postgres, multicall map[int64]*chain.Multicall) (*Registry, error) {
	cache, err := lru.New[int64, []models.TokenMeta](verifiedCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to build verified-token cache: %w", err)
	}
	return &Registry{db: db, verifiedCache: cache, multicall: multicall}, nil
}

// Get batch-looks-up token metadata for a set of addresses on a chain.
func (r *Registry) Get(ctx context.Context, chainID int64, addrs []string) (map[string]models.TokenMeta, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT address, symbol, name, decimals, logo, verified, possible_spam, created_at, updated_at
		FROM token_meta WHERE chain_id = $1 AND address = ANY($2)`, chainID, addrs)
	if err != nil {
		return nil, apperr.Wrap(apperr.DatabaseError, "token_meta batch lookup", err)
	}
	defer rows.Close()

	out := map[string]models.TokenMeta{}
	for rows.Next() {
		var t models.TokenMeta
		var logo *string
		if err := rows.Scan(&t.Address, &t.Symbol, &t.Name, &t.Decimals, &logo, &t.Verified, &t.PossibleSpam, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, apperr.Wrap(apperr.DatabaseError, "scan token_meta row", err)
		}
		if logo != nil {
			t.Logo = *logo
		}
		t.ChainID = chainID
		out[t.Address] = t
	}
	return out, rows.Err()
}

// ListVerified returns every verified token for a chain, cached in-process
// per chain in the LRU. Cached entries have no expiry and nothing in this
// package invalidates them, so a later change to the verified set is seen
// only after the chain's entry is evicted or the process restarts.
func (r *Registry) ListVerified(ctx context.Context, chainID int64) ([]models.TokenMeta, error) {
	if cached, ok := r.verifiedCache.Get(chainID); ok {
		verifiedCacheLookups.WithLabelValues("hit").Inc()
		return cached, nil
	}
	verifiedCacheLookups.WithLabelValues("miss").Inc()

	rows, err := r.db.Pool.Query(ctx, `
		SELECT address, symbol, name, decimals, logo, verified, possible_spam, created_at, updated_at
		FROM token_meta WHERE chain_id = $1 AND verified = TRUE`, chainID)
	if err != nil {
		return nil, apperr.Wrap(apperr.DatabaseError, "list verified tokens", err)
	}
	defer rows.Close()

	var out []models.TokenMeta
	for rows.Next() {
		var t models.TokenMeta
		var logo *string
		if err := rows.Scan(&t.Address, &t.Symbol, &t.Name, &t.Decimals, &logo, &t.Verified, &t.PossibleSpam, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, apperr.Wrap(apperr.DatabaseError, "scan token_meta row", err)
		}
		if logo != nil {
			t.Logo = *logo
		}
		t.ChainID = chainID
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	r.verifiedCache.Add(chainID, out)
	return out, nil
}

// SearchOpts parameterizes Search.
type SearchOpts struct {
	Query    string
	Verified *bool
	Spam     *bool
	Page     int
	Limit    int
}

// SearchResult is one page of Search.
type SearchResult struct {
	Tokens      []models.TokenMeta
	Total       int
	HasNextPage bool
}

// Search matches tokens by case-insensitive substring on symbol/name, or
// exact address, per §4.2.
func (r *Registry) Search(ctx context.Context, chainID int64, opts SearchOpts) (SearchResult, error) {
	if opts.Page < 1 {
		opts.Page = 1
	}
	if opts.Limit < 1 || opts.Limit > 100 {
		opts.Limit = 20
	}

	where := []string{"chain_id = $1"}
	args := []any{chainID}
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if opts.Query != "" {
		q := "%" + strings.ToLower(opts.Query) + "%"
		addr := strings.ToLower(opts.Query)
		where = append(where, fmt.Sprintf("(lower(symbol) LIKE %s OR lower(name) LIKE %s OR lower(address) = %s)", arg(q), arg(q), arg(addr)))
	}
	if opts.Verified != nil {
		where = append(where, fmt.Sprintf("verified = %s", arg(*opts.Verified)))
	}
	if opts.Spam != nil {
		where = append(where, fmt.Sprintf("possible_spam = %s", arg(*opts.Spam)))
	}

	whereClause := strings.Join(where, " AND ")

	var total int
	countQuery := "SELECT count(*) FROM token_meta WHERE " + whereClause
	if err := r.db.Pool.QueryRow(ctx, countQuery, args...).Scan(&total); err != nil {
		return SearchResult{}, apperr.Wrap(apperr.DatabaseError, "count token search", err)
	}

	limitArg := arg(opts.Limit)
	offsetArg := arg((opts.Page - 1) * opts.Limit)
	listQuery := fmt.Sprintf(`
		SELECT address, symbol, name, decimals, logo, verified, possible_spam, created_at, updated_at
		FROM token_meta WHERE %s ORDER BY symbol ASC LIMIT %s OFFSET %s`, whereClause, limitArg, offsetArg)

	rows, err := r.db.Pool.Query(ctx, listQuery, args...)
	if err != nil {
		return SearchResult{}, apperr.Wrap(apperr.DatabaseError, "list token search", err)
	}
	defer rows.Close()

	var tokens []models.TokenMeta
	for rows.Next() {
		var t models.TokenMeta
		var logo *string
		if err := rows.Scan(&t.Address, &t.Symbol, &t.Name, &t.Decimals, &logo, &t.Verified, &t.PossibleSpam, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return SearchResult{}, apperr.Wrap(apperr.DatabaseError, "scan token search row", err)
		}
		if logo != nil {
			t.Logo = *logo
		}
		t.ChainID = chainID
		tokens = append(tokens, t)
	}
	if err := rows.Err(); err != nil {
		return SearchResult{}, err
	}

	return SearchResult{
		Tokens:      tokens,
		Total:       total,
		HasNextPage: opts.Page*opts.Limit < total,
	}, nil
}

// UpsertDiscovered fetches symbol and decimals for a previously-unknown
// token via multicall and upserts it, unverified. The token's name is not
// fetched; it is stored as a copy of the symbol. Called by the Discovery
// Pipeline's Phase 2 for every new address the Log Crawler surfaces.
func (r *Registry) UpsertDiscovered(ctx context.Context, chainID int64, addr common.Address) (models.TokenMeta, error) {
	mc, ok := r.multicall[chainID]
	if !ok {
		return models.TokenMeta{}, apperr.New(apperr.UnsupportedChain, "no multicall engine for chain")
	}

	results, err := mc.Execute(ctx, []chain.Call{
		chain.SymbolCall(addr),
		chain.DecimalsCall(addr),
	})
	if err != nil {
		return models.TokenMeta{}, err
	}

	symbol := "UNKNOWN"
	if results[0].Success {
		if s, err := chain.UnpackSymbol(results[0].ReturnData); err == nil {
			symbol = s
		}
	}
	var decimals uint8 = 18
	if results[1].Success {
		if d, err := chain.UnpackDecimals(results[1].ReturnData); err == nil {
			decimals = d
		}
	}

	meta := models.TokenMeta{
		ChainID:  chainID,
		Address:  strings.ToLower(addr.Hex()),
		Symbol:   symbol,
		Name:     symbol,
		Decimals: decimals,
		Verified: false,
	}

	_, err = r.db.Pool.Exec(ctx, `
		INSERT INTO token_meta (chain_id, address, symbol, name, decimals, verified, possible_spam)
		VALUES ($1, $2, $3, $4, $5, FALSE, FALSE)
		ON CONFLICT (chain_id, address) DO UPDATE SET updated_at = now()`,
		meta.ChainID, meta.Address, meta.Symbol, meta.Name, meta.Decimals)
	if err != nil {
		return models.TokenMeta{}, apperr.Wrap(apperr.DatabaseError, "upsert discovered token", err)
	}

	return meta, nil
}
