package chain

import (
	"context"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/walletd/snapshot-engine/internal/apperr"
)

// logCrawlSoftCap is the result-count threshold that forces a bisection
// even when the provider did not itself report a range-limit error.
const logCrawlSoftCap = 10000

var logCrawlBisections = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "walletd_log_crawl_bisections_total",
	Help: "Block ranges split after a provider range-limit error or an oversized result",
}, []string{"chain"})

// LogCrawler enumerates ERC-20 Transfer logs touching a wallet over a
// block range, splitting the range whenever a provider's range limit is
// hit (§4.4).
type LogCrawler struct {
	pool *Pool
}

// NewLogCrawler builds a crawler bound to a chain's provider pool.
func NewLogCrawler(pool *Pool) *LogCrawler {
	return &LogCrawler{pool: pool}
}

// CrawlWallet returns every distinct token address the wallet sent or
// received a Transfer from/to within [fromBlock, toBlock].
func (c *LogCrawler) CrawlWallet(ctx context.Context, wallet common.Address, fromBlock, toBlock uint64) (map[common.Address]struct{}, error) {
	seen := map[[32 + 4]byte]struct{}{} // (txHash, logIndex) dedup key
	tokens := map[common.Address]struct{}{}

	walletTopic := common.BytesToHash(wallet.Bytes())

	collect := func(topics [][]common.Hash) error {
		events, err := c.crawlRange(ctx, topics, fromBlock, toBlock, 0)
		if err != nil {
			return err
		}
		for _, ev := range events {
			key := dedupKey(ev.TxHash, ev.LogIndex)
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			tokens[ev.Token] = struct{}{}
		}
		return nil
	}

	// Transfer(from indexed, to indexed, value) — query once with wallet
	// as `from`, once as `to`; topics[0] is the event signature.
	if err := collect([][]common.Hash{{TransferSig}, {walletTopic}}); err != nil {
		return nil, err
	}
	if err := collect([][]common.Hash{{TransferSig}, {}, {walletTopic}}); err != nil {
		return nil, err
	}

	return tokens, nil
}

// CrawlRange runs the bisecting getLogs fetch for an arbitrary topic
// filter over [from, to], reused by the Head Scanner's poll (§4.9 step 3)
// so a provider range-limit error there is bisected instead of surfacing
// as a raw poll failure.
func (c *LogCrawler) CrawlRange(ctx context.Context, topics [][]common.Hash, from, to uint64) ([]TransferEvent, error) {
	return c.crawlRange(ctx, topics, from, to, 0)
}

// crawlRange issues one getLogs call and bisects on a range-limit error or
// an oversized result, recursing until singleton ranges either succeed or
// are reported as irrecoverable. depth records the recursion level; since
// each split halves the range, it never exceeds ceil(log2(range size)).
func (c *LogCrawler) crawlRange(ctx context.Context, topics [][]common.Hash, from, to uint64, depth int) ([]TransferEvent, error) {
	logs, err := c.pool.FilterLogs(ctx, LogFilter{FromBlock: from, ToBlock: to, Topics: topics})

	shouldBisect := err != nil && isRangeLimitError(err)
	if err == nil && len(logs) > logCrawlSoftCap {
		shouldBisect = true
	}

	if shouldBisect {
		if from == to {
			return nil, apperr.Wrap(apperr.LogRangeIrrecoverable, "single block exceeds provider limits", err)
		}
		logCrawlBisections.WithLabelValues(fmt.Sprintf("%d", c.pool.ChainID())).Inc()
		mid := from + (to-from)/2
		left, err := c.crawlRange(ctx, topics, from, mid, depth+1)
		if err != nil {
			return nil, err
		}
		right, err := c.crawlRange(ctx, topics, mid+1, to, depth+1)
		if err != nil {
			return nil, err
		}
		return append(left, right...), nil
	}

	if err != nil {
		return nil, apperr.Wrap(apperr.ProviderUnavailable, "getLogs failed", err)
	}

	events := make([]TransferEvent, 0, len(logs))
	for _, l := range logs {
		ev, err := DecodeTransfer(l)
		if err != nil {
			continue // malformed/non-standard Transfer-shaped log, skip
		}
		events = append(events, ev)
	}
	return events, nil
}

func isRangeLimitError(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, needle := range []string{
		"query returned more than",
		"block range",
		"range limit",
		"too many results",
		"413",
	} {
		if strings.Contains(msg, needle) {
			return true
		}
	}
	return false
}

func dedupKey(txHash common.Hash, logIndex uint) [32 + 4]byte {
	var key [32 + 4]byte
	copy(key[:32], txHash.Bytes())
	key[32] = byte(logIndex)
	key[33] = byte(logIndex >> 8)
	key[34] = byte(logIndex >> 16)
	key[35] = byte(logIndex >> 24)
	return key
}
