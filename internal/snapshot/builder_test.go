package snapshot

import (
	"context"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/walletd/snapshot-engine/internal/config"
	"github.com/walletd/snapshot-engine/internal/discovery"
	"github.com/walletd/snapshot-engine/pkg/models"
)

type stubOracle struct {
	prices map[string]float64
}

func (s stubOracle) GetPrices(ctx context.Context, chainID int64, addrs []string) (map[string]float64, error) {
	out := make(map[string]float64, len(addrs))
	for _, a := range addrs {
		if p, ok := s.prices[a]; ok {
			out[a] = p
		}
	}
	return out, nil
}

func TestBuildOrdersNativeFirstThenByUSDValue(t *testing.T) {
	profile := &config.ChainProfile{ChainID: 1, Name: "ethereum", NativeSymbol: "ETH"}

	usdc := common.HexToAddress("0x1111111111111111111111111111111111111111")
	dai := common.HexToAddress("0x2222222222222222222222222222222222222222")

	balances := []discovery.Balance{
		{Token: dai, Meta: models.TokenMeta{Address: dai.Hex(), Symbol: "DAI", Decimals: 18}, Raw: big.NewInt(5e18)},
		{Token: usdc, Meta: models.TokenMeta{Address: usdc.Hex(), Symbol: "USDC", Decimals: 6}, Raw: big.NewInt(100_000_000)},
		{Token: common.HexToAddress(models.NativeTokenAddress), IsNative: true, Meta: models.TokenMeta{Address: models.NativeTokenAddress, Symbol: "ETH", Decimals: 18}, Raw: big.NewInt(1e15)},
	}

	oracle := stubOracle{prices: map[string]float64{usdc.Hex(): 1.0, dai.Hex(): 1.0}}
	b := New(oracle, zerolog.Nop())

	snap := b.Build(context.Background(), profile, balances, 12345, false)

	require.Len(t, snap.Result, 3)
	assert.True(t, snap.Result[0].NativeToken, "native balance must sort first")
	assert.Equal(t, "USDC", snap.Result[1].Symbol, "100 USDC outranks 5 DAI by usd value")
	assert.Equal(t, "DAI", snap.Result[2].Symbol)
	assert.Equal(t, uint64(12345), snap.BlockNumber)
}

func TestBuildSpamTokenGetsZeroPortfolioShare(t *testing.T) {
	profile := &config.ChainProfile{ChainID: 1, Name: "ethereum", NativeSymbol: "ETH"}
	spamToken := common.HexToAddress("0x3333333333333333333333333333333333333333")

	balances := []discovery.Balance{
		{Token: spamToken, Meta: models.TokenMeta{Address: spamToken.Hex(), Symbol: "SCAM", Decimals: 18, PossibleSpam: true}, Raw: big.NewInt(1e18)},
	}
	oracle := stubOracle{prices: map[string]float64{spamToken.Hex(): 50.0}}
	b := New(oracle, zerolog.Nop())

	snap := b.Build(context.Background(), profile, balances, 1, false)

	require.Len(t, snap.Result, 1)
	assert.Greater(t, snap.Result[0].USDValue, 0.0, "spam tokens are still priced")
	assert.Equal(t, 0.0, snap.Result[0].PortfolioPercentage, "spam tokens never count toward portfolio share")
}

func TestFormatUnits(t *testing.T) {
	assert.Equal(t, "1.000000", formatUnits(big.NewInt(1_000_000), 6))
	assert.Equal(t, "0.500000000000000000", formatUnits(big.NewInt(5e17), 18))
}

func TestFormatUnitsExactAtHighDecimals(t *testing.T) {
	// A value with no finite binary representation at 38 decimals — a
	// big.Float division would round this, silently breaking the spec's
	// balance_formatted * 10^decimals == balance invariant.
	raw, ok := new(big.Int).SetString("123456789012345678901234567890123456789", 10)
	require.True(t, ok)

	got := formatUnits(raw, 38)

	reconstructed := new(big.Int)
	whole, frac, found := strings.Cut(got, ".")
	require.True(t, found)
	require.Len(t, frac, 38)
	_, ok = reconstructed.SetString(whole+frac, 10)
	require.True(t, ok)
	assert.Equal(t, raw, reconstructed, "formatUnits must be exactly reversible at 38 decimals")
}

func TestFormatUnitsNegative(t *testing.T) {
	assert.Equal(t, "-1.500000", formatUnits(big.NewInt(-1_500_000), 6))
}
