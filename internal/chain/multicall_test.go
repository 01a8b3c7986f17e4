package chain

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUnpackBalanceDecimalsSymbol(t *testing.T) {
	balanceData, err := erc20Parsed.Methods["balanceOf"].Outputs.Pack(big.NewInt(9_000_000))
	require.NoError(t, err)
	bal, err := UnpackBalance(balanceData)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(9_000_000), bal)

	decimalsData, err := erc20Parsed.Methods["decimals"].Outputs.Pack(uint8(6))
	require.NoError(t, err)
	dec, err := UnpackDecimals(decimalsData)
	require.NoError(t, err)
	assert.Equal(t, uint8(6), dec)

	symbolData, err := erc20Parsed.Methods["symbol"].Outputs.Pack("USDC")
	require.NoError(t, err)
	sym, err := UnpackSymbol(symbolData)
	require.NoError(t, err)
	assert.Equal(t, "USDC", sym)
}

func TestUnpackBalanceRejectsMalformedData(t *testing.T) {
	_, err := UnpackBalance([]byte{0x01, 0x02})
	assert.Error(t, err)
}

func TestAggregate3RoundTrip(t *testing.T) {
	m := &Multicall{}
	token := common.HexToAddress("0x4444444444444444444444444444444444444444")
	calls := []Call{BalanceOfCall(token, common.HexToAddress("0x5555555555555555555555555555555555555555"))}

	packed, err := m.packAggregate3(calls)
	require.NoError(t, err)
	assert.NotEmpty(t, packed)

	balanceData, err := erc20Parsed.Methods["balanceOf"].Outputs.Pack(big.NewInt(42))
	require.NoError(t, err)

	type call3Result struct {
		Success    bool
		ReturnData []byte
	}
	returnData, err := multicallParsed.Methods["aggregate3"].Outputs.Pack([]call3Result{{Success: true, ReturnData: balanceData}})
	require.NoError(t, err)

	decoded, err := m.unpackAggregate3(returnData)
	require.NoError(t, err)
	require.Len(t, decoded, 1)
	assert.True(t, decoded[0].Success)

	bal, err := UnpackBalance(decoded[0].ReturnData)
	require.NoError(t, err)
	assert.Equal(t, big.NewInt(42), bal)
}
