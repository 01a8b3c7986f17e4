package models

import (
	"math/big"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTokenBalanceRawRoundTrip(t *testing.T) {
	var tb TokenBalance
	tb.SetRawBalance(big.NewInt(123456789))

	assert.Equal(t, "123456789", tb.Balance)
	raw, ok := tb.RawBalance()
	assert.True(t, ok)
	assert.Equal(t, big.NewInt(123456789), raw)
}

func TestTokenBalanceRawFromBalanceString(t *testing.T) {
	tb := TokenBalance{Balance: "42"}
	raw, ok := tb.RawBalance()
	assert.True(t, ok)
	assert.Equal(t, big.NewInt(42), raw)
}

func TestCacheEntryClassify(t *testing.T) {
	now := time.Now()
	hardExpiry := 30 * time.Minute

	fresh := CacheEntry{LastUpdated: now, ExpiresAt: now.Add(time.Minute)}
	assert.Equal(t, FreshnessFresh, fresh.Classify(now, hardExpiry))

	stale := CacheEntry{LastUpdated: now.Add(-5 * time.Minute), ExpiresAt: now.Add(-time.Minute)}
	assert.Equal(t, FreshnessStale, stale.Classify(now, hardExpiry))

	expired := CacheEntry{LastUpdated: now.Add(-time.Hour), ExpiresAt: now.Add(-55 * time.Minute)}
	assert.Equal(t, FreshnessExpired, expired.Classify(now, hardExpiry))
}
