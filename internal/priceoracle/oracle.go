// Package priceoracle defines the pluggable USD price source the Snapshot
// Builder consults (§6 "Price oracle").
package priceoracle

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Oracle resolves USD prices for a batch of token addresses on one chain.
// Results carry no timestamps, so callers cannot tell a price's age;
// HTTPOracle serves a cached price for at most 5 minutes before fetching it
// again.
type Oracle interface {
	GetPrices(ctx context.Context, chainID int64, addrs []string) (map[string]float64, error)
}

// HTTPOracle calls an external price API (e.g. a DEX aggregator or a
// CoinGecko-shaped endpoint) and caches responses briefly in-process to
// absorb bursts of concurrent snapshot builds.
type HTTPOracle struct {
	baseURL string
	client  *http.Client

	mu    sync.Mutex
	cache map[string]priceCacheEntry
	ttl   time.Duration
}

type priceCacheEntry struct {
	price     float64
	fetchedAt time.Time
}

// NewHTTPOracle builds an oracle backed by baseURL, expected to accept
// GET {baseURL}?chainId=...&addresses=a,b,c and return {"address":price}.
func NewHTTPOracle(baseURL string) *HTTPOracle {
	return &HTTPOracle{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		cache:   make(map[string]priceCacheEntry),
		ttl:     5 * time.Minute,
	}
}

func (o *HTTPOracle) cacheKey(chainID int64, addr string) string {
	return fmt.Sprintf("%d:%s", chainID, addr)
}

// GetPrices returns a price per address; addresses it cannot price are
// simply absent from the result (the Snapshot Builder defaults those to 0).
func (o *HTTPOracle) GetPrices(ctx context.Context, chainID int64, addrs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(addrs))
	missing := make([]string, 0, len(addrs))

	now := time.Now()
	o.mu.Lock()
	for _, a := range addrs {
		if entry, ok := o.cache[o.cacheKey(chainID, a)]; ok && now.Sub(entry.fetchedAt) < o.ttl {
			out[a] = entry.price
			continue
		}
		missing = append(missing, a)
	}
	o.mu.Unlock()

	if len(missing) == 0 {
		return out, nil
	}

	url := fmt.Sprintf("%s?chainId=%d&addresses=%s", o.baseURL, chainID, strings.Join(missing, ","))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return out, fmt.Errorf("failed to build price request: %w", err)
	}

	resp, err := o.client.Do(req)
	if err != nil {
		// Oracle unavailable: return what we had cached, callers treat the
		// rest as missing (price 0), per §6.
		return out, nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return out, nil
	}

	var fetched map[string]float64
	if err := json.NewDecoder(resp.Body).Decode(&fetched); err != nil {
		return out, nil
	}

	o.mu.Lock()
	for addr, price := range fetched {
		out[addr] = price
		o.cache[o.cacheKey(chainID, addr)] = priceCacheEntry{price: price, fetchedAt: now}
	}
	o.mu.Unlock()

	return out, nil
}
