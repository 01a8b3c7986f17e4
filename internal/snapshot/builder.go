// Package snapshot assembles a priced, sorted WalletSnapshot (§4.6) from the
// raw balances the Discovery Pipeline surfaces.
package snapshot

import (
	"context"
	"math/big"
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/walletd/snapshot-engine/internal/config"
	"github.com/walletd/snapshot-engine/internal/discovery"
	"github.com/walletd/snapshot-engine/internal/priceoracle"
	"github.com/walletd/snapshot-engine/pkg/models"
)

// Builder turns Discovery output into a priced, ordered WalletSnapshot.
type Builder struct {
	oracle priceoracle.Oracle
	logger zerolog.Logger
}

// New builds a Builder over the given price oracle.
func New(oracle priceoracle.Oracle, logger zerolog.Logger) *Builder {
	return &Builder{oracle: oracle, logger: logger.With().Str("component", "snapshot.Builder").Logger()}
}

// Build prices balances and assembles the final document, per §3's ordering:
// native first, then by usd_value descending, ties broken by symbol
// ascending. Spam tokens remain listed but are forced to 0% portfolio share
// regardless of their priced usd_value.
func (b *Builder) Build(ctx context.Context, profile *config.ChainProfile, balances []discovery.Balance, blockNumber uint64, syncing bool) models.WalletSnapshot {
	addrs := make([]string, 0, len(balances))
	for _, bal := range balances {
		addrs = append(addrs, bal.Meta.Address)
	}

	prices, err := b.oracle.GetPrices(ctx, profile.ChainID, addrs)
	if err != nil {
		b.logger.Warn().Err(err).Msg("price oracle lookup failed, defaulting affected tokens to 0 usd")
		prices = map[string]float64{}
	}

	result := make([]models.TokenBalance, 0, len(balances))
	var nativeRaw string
	totalUSD := 0.0

	for _, bal := range balances {
		tb := models.TokenBalance{
			TokenAddress: bal.Meta.Address,
			Symbol:       bal.Meta.Symbol,
			Name:         bal.Meta.Name,
			Decimals:     bal.Meta.Decimals,
			NativeToken:  bal.IsNative,
			PossibleSpam: bal.Meta.PossibleSpam,
		}
		tb.SetRawBalance(bal.Raw)
		tb.BalanceFormatted = formatUnits(bal.Raw, bal.Meta.Decimals)

		if price, ok := prices[bal.Meta.Address]; ok {
			tb.USDPrice = price
			tb.USDValue = formattedFloat(bal.Raw, bal.Meta.Decimals) * price
		}
		if !tb.PossibleSpam {
			totalUSD += tb.USDValue
		}

		if bal.IsNative {
			nativeRaw = bal.Raw.String()
		}
		result = append(result, tb)
	}

	for i := range result {
		if result[i].PossibleSpam || totalUSD <= 0 {
			result[i].PortfolioPercentage = 0
			continue
		}
		result[i].PortfolioPercentage = (result[i].USDValue / totalUSD) * 100
	}

	sort.SliceStable(result, func(i, j int) bool {
		a, c := result[i], result[j]
		if a.NativeToken != c.NativeToken {
			return a.NativeToken
		}
		if a.USDValue != c.USDValue {
			return a.USDValue > c.USDValue
		}
		return a.Symbol < c.Symbol
	})

	return models.WalletSnapshot{
		ChainID:     profile.ChainID,
		ChainName:   profile.Name,
		Native:      nativeRaw,
		Result:      result,
		BlockNumber: blockNumber,
		Syncing:     syncing,
		Count:       len(result),
	}
}

// formatUnits renders raw as a decimal string shifted by decimals places,
// using exact integer division so balance_formatted * 10^decimals == raw
// holds precisely even at 38 decimals — a big.Float quotient loses bits
// that matter at that range.
func formatUnits(raw *big.Int, decimals uint8) string {
	if raw == nil {
		return "0"
	}

	neg := raw.Sign() < 0
	abs := new(big.Int).Abs(raw)

	if decimals == 0 {
		if neg {
			return "-" + abs.String()
		}
		return abs.String()
	}

	whole, rem := new(big.Int).QuoRem(abs, pow10(decimals), new(big.Int))
	frac := rem.String()
	if pad := int(decimals) - len(frac); pad > 0 {
		frac = strings.Repeat("0", pad) + frac
	}

	sign := ""
	if neg {
		sign = "-"
	}
	return sign + whole.String() + "." + frac
}

// formattedFloat parses formatUnits' exact decimal string rather than
// redoing the division in big.Float, so the two never disagree.
func formattedFloat(raw *big.Int, decimals uint8) float64 {
	out, err := strconv.ParseFloat(formatUnits(raw, decimals), 64)
	if err != nil {
		return 0
	}
	return out
}

func pow10(n uint8) *big.Int {
	return new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(n)), nil)
}
