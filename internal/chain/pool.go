// Package chain provides the resilient multi-provider RPC layer the rest
// of the engine calls through: a failover/quorum pool, a multicall batch
// engine, and a recursive-bisection log crawler.
package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/walletd/snapshot-engine/internal/apperr"
)

const (
	maxConsecutiveErrors = 3
	providerCooldown     = 30 * time.Second
	healthProbeInterval  = 60 * time.Second
)

var (
	providerCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "walletd_provider_calls_total",
		Help: "RPC calls made through the provider pool, by outcome",
	}, []string{"chain", "outcome"})

	providerHealthy = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "walletd_provider_healthy",
		Help: "Health of a single RPC endpoint (1 healthy, 0 unhealthy)",
	}, []string{"chain", "url"})
)

// endpoint wraps one RPC connection with its health bookkeeping. Mirrors
// the verify-then-wrap shape of the teacher's OnChainClient constructor,
// generalized to live alongside siblings in a Pool instead of being the
// only client for a chain.
type endpoint struct {
	url    string
	client *ethclient.Client

	mu                sync.Mutex
	healthy           bool
	consecutiveErrors int
	unhealthySince    time.Time
	lastResponseMs    float64
}

func (e *endpoint) recordSuccess(elapsed time.Duration) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.healthy = true
	e.consecutiveErrors = 0
	e.lastResponseMs = float64(elapsed.Microseconds()) / 1000.0
}

func (e *endpoint) recordFailure() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consecutiveErrors++
	if e.consecutiveErrors >= maxConsecutiveErrors && e.healthy {
		e.healthy = false
		e.unhealthySince = time.Now()
	}
}

func (e *endpoint) available(now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.healthy {
		return true
	}
	return now.Sub(e.unhealthySince) >= providerCooldown
}

// Snapshot returns a point-in-time health record, for persistence/metrics.
func (e *endpoint) Snapshot(chainID int64) (url string, healthy bool, responseMs float64, consecutiveErrors int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.url, e.healthy, e.lastResponseMs, e.consecutiveErrors
}

// Pool is the per-chain provider pool: one call surface with automatic
// failover across endpoints and optional quorum agreement.
type Pool struct {
	chainID   int64
	endpoints []*endpoint
	timeout   time.Duration
	logger    zerolog.Logger

	stopProbe chan struct{}
}

// NewPool dials every rpcURL for chainID and verifies each reports the
// expected chain ID, the same check the teacher's NewClient performs, run
// independently per endpoint so one bad URL does not fail startup for the
// rest of the pool.
func NewPool(ctx context.Context, chainID int64, rpcURLs []string, timeout time.Duration, logger zerolog.Logger) (*Pool, error) {
	if len(rpcURLs) == 0 {
		return nil, apperr.New(apperr.UnsupportedChain, "no RPC urls configured")
	}

	p := &Pool{
		chainID:   chainID,
		timeout:   timeout,
		logger:    logger.With().Int64("chain_id", chainID).Str("component", "chain.Pool").Logger(),
		stopProbe: make(chan struct{}),
	}

	var lastErr error
	for _, url := range rpcURLs {
		c, err := ethclient.DialContext(ctx, url)
		if err != nil {
			lastErr = err
			p.logger.Warn().Err(err).Str("url", url).Msg("failed to dial provider")
			continue
		}

		dialCtx, cancel := context.WithTimeout(ctx, timeout)
		actual, err := c.ChainID(dialCtx)
		cancel()
		if err != nil || actual.Cmp(big.NewInt(chainID)) != 0 {
			if err == nil {
				err = fmt.Errorf("chain id mismatch: expected %d, got %s", chainID, actual)
			}
			lastErr = err
			p.logger.Warn().Err(err).Str("url", url).Msg("provider failed chain id check")
			c.Close()
			continue
		}

		p.endpoints = append(p.endpoints, &endpoint{url: url, client: c, healthy: true})
	}

	if len(p.endpoints) == 0 {
		return nil, apperr.Wrap(apperr.ProviderUnavailable, "no healthy provider at startup", lastErr)
	}

	go p.healthProbeLoop()

	p.logger.Info().Int("providers", len(p.endpoints)).Msg("provider pool initialized")
	return p, nil
}

// CallOpts tunes a single pool call.
type CallOpts struct {
	Quorum  int // 0 or 1 disables quorum
	Timeout time.Duration
}

func (p *Pool) healthProbeLoop() {
	ticker := time.NewTicker(healthProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopProbe:
			return
		case <-ticker.C:
			for _, ep := range p.endpoints {
				ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
				start := time.Now()
				_, err := ep.client.BlockNumber(ctx)
				cancel()
				if err != nil {
					ep.recordFailure()
				} else {
					ep.recordSuccess(time.Since(start))
				}
			}
		}
	}
}

// candidates returns endpoints eligible for this call, in priority order.
func (p *Pool) candidates() []*endpoint {
	now := time.Now()
	out := make([]*endpoint, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		if ep.available(now) {
			out = append(out, ep)
		}
	}
	return out
}

// LatestBlockNumber returns the current chain head, using quorum=2 when the
// pool has at least two endpoints (per §4.9 step 1).
func (p *Pool) LatestBlockNumber(ctx context.Context) (uint64, error) {
	quorum := 1
	if len(p.endpoints) >= 2 {
		quorum = 2
	}
	v, err := p.callQuorum(ctx, quorum, func(c *ethclient.Client, cctx context.Context) (uint64, error) {
		return c.BlockNumber(cctx)
	})
	if err != nil {
		return 0, err
	}
	return v, nil
}

// BalanceAt returns the native balance of addr at the given block (nil = latest).
func (p *Pool) BalanceAt(ctx context.Context, addr common.Address, block *big.Int) (*big.Int, error) {
	return callFailoverTyped(ctx, p, func(c *ethclient.Client, cctx context.Context) (*big.Int, error) {
		return c.BalanceAt(cctx, addr, block)
	})
}

// CallContract performs an eth_call via the first healthy provider,
// failing over on error.
func (p *Pool) CallContract(ctx context.Context, to common.Address, data []byte) ([]byte, error) {
	return callFailoverTyped(ctx, p, func(c *ethclient.Client, cctx context.Context) ([]byte, error) {
		return c.CallContract(cctx, ethCallMsg(to, data), nil)
	})
}

// FilterLogs queries logs via the first healthy provider, failing over on
// error so that a per-provider range-limit error is retried against a
// different endpoint before the Log Crawler decides to bisect.
func (p *Pool) FilterLogs(ctx context.Context, q LogFilter) ([]types.Log, error) {
	return callFailoverTyped(ctx, p, func(c *ethclient.Client, cctx context.Context) ([]types.Log, error) {
		return c.FilterLogs(cctx, q.toEthereum())
	})
}

// callWithEndpoint tries one endpoint, bookkeeping its health regardless
// of outcome. Mirrors §4.1: increment the failing endpoint's error counter
// so the pool can mark it unhealthy after three consecutive misses.
func callWithEndpoint[T any](ctx context.Context, p *Pool, ep *endpoint, timeout time.Duration, fn func(*ethclient.Client, context.Context) (T, error)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	v, err := fn(ep.client, cctx)
	chainLabel := fmt.Sprintf("%d", p.chainID)
	if err != nil {
		ep.recordFailure()
		providerCalls.WithLabelValues(chainLabel, "failure").Inc()
	} else {
		ep.recordSuccess(time.Since(start))
		providerCalls.WithLabelValues(chainLabel, "success").Inc()
	}
	_, healthy, _, _ := ep.Snapshot(p.chainID)
	if healthy {
		providerHealthy.WithLabelValues(chainLabel, ep.url).Set(1)
	} else {
		providerHealthy.WithLabelValues(chainLabel, ep.url).Set(0)
	}
	return v, err
}

// The generic failover/quorum implementations live as free functions
// because Go methods cannot be generic; Pool exposes typed wrappers above.
func callFailoverTyped[T any](ctx context.Context, p *Pool, fn func(*ethclient.Client, context.Context) (T, error)) (T, error) {
	var zero T
	candidates := p.candidates()
	if len(candidates) == 0 {
		return zero, apperr.New(apperr.ProviderUnavailable, "no healthy provider")
	}

	var lastErr error
	for _, ep := range candidates {
		v, err := callWithEndpoint(ctx, p, ep, p.timeout, fn)
		if err == nil {
			return v, nil
		}
		lastErr = err
	}
	return zero, apperr.Wrap(apperr.ProviderUnavailable, "all providers exhausted", lastErr)
}

// attemptQuorum polls exactly quorum candidates and returns the majority
// value, or agreed=false if no value commands a strict majority.
func attemptQuorum[T comparable](ctx context.Context, p *Pool, quorum int, candidates []*endpoint, fn func(*ethclient.Client, context.Context) (T, error)) (best T, agreed bool) {
	type result struct {
		v   T
		err error
	}
	results := make([]result, 0, quorum)
	for _, ep := range candidates[:quorum] {
		v, err := callWithEndpoint(ctx, p, ep, p.timeout, fn)
		results = append(results, result{v, err})
	}

	counts := map[T]int{}
	for _, r := range results {
		if r.err == nil {
			counts[r.v]++
		}
	}
	bestCount := 0
	for v, c := range counts {
		if c > bestCount {
			best, bestCount = v, c
		}
	}
	return best, bestCount*2 > quorum
}

// callQuorumTyped requires a strict majority of quorum candidates to
// agree. On disagreement it retries once with every available endpoint as
// the quorum (never smaller than the original ask); persistent
// disagreement after that is reported as provider unavailability rather
// than a bare disagreement, since it can no longer be distinguished from
// several endpoints independently failing (§4.1).
func callQuorumTyped[T comparable](ctx context.Context, p *Pool, quorum int, fn func(*ethclient.Client, context.Context) (T, error)) (T, error) {
	var zero T
	if quorum <= 1 {
		return callFailoverTyped(ctx, p, fn)
	}

	candidates := p.candidates()
	if len(candidates) < quorum {
		// Not enough healthy endpoints for quorum: degrade to failover.
		return callFailoverTyped(ctx, p, fn)
	}

	if best, agreed := attemptQuorum(ctx, p, quorum, candidates, fn); agreed {
		return best, nil
	}

	largerQuorum := len(candidates)
	if largerQuorum > quorum {
		if best, agreed := attemptQuorum(ctx, p, largerQuorum, candidates, fn); agreed {
			return best, nil
		}
	}

	return zero, apperr.Wrap(apperr.ProviderUnavailable, "quorum providers disagreed after retry", apperr.New(apperr.ProviderDisagreement, "no majority among available providers"))
}

func (p *Pool) callQuorum(ctx context.Context, quorum int, fn func(*ethclient.Client, context.Context) (uint64, error)) (uint64, error) {
	return callQuorumTyped(ctx, p, quorum, fn)
}

// Close tears down every endpoint connection and stops the health probe.
func (p *Pool) Close() {
	close(p.stopProbe)
	for _, ep := range p.endpoints {
		ep.client.Close()
	}
}

// ChainID returns the chain this pool serves.
func (p *Pool) ChainID() int64 { return p.chainID }

// HealthSnapshot reports every endpoint's current health for /health and
// opportunistic persistence into the bbolt-backed RpcProviderHealth store.
func (p *Pool) HealthSnapshot() []EndpointHealth {
	out := make([]EndpointHealth, 0, len(p.endpoints))
	for _, ep := range p.endpoints {
		url, healthy, ms, errs := ep.Snapshot(p.chainID)
		out = append(out, EndpointHealth{
			ChainID:           p.chainID,
			URL:               url,
			Healthy:           healthy,
			ResponseTimeMs:    ms,
			ConsecutiveErrors: errs,
		})
	}
	return out
}

// EndpointHealth is the public health view of one endpoint.
type EndpointHealth struct {
	ChainID           int64
	URL               string
	Healthy           bool
	ResponseTimeMs    float64
	ConsecutiveErrors int
}
