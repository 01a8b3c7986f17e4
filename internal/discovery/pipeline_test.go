package discovery

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func TestMergeBalancesDedupesByToken(t *testing.T) {
	token := common.HexToAddress("0x1111111111111111111111111111111111111111")
	other := common.HexToAddress("0x2222222222222222222222222222222222222222")

	a := []Balance{{Token: token, Raw: big.NewInt(1)}}
	b := []Balance{{Token: token, Raw: big.NewInt(2)}, {Token: other, Raw: big.NewInt(3)}}

	merged := mergeBalances(a, b)

	assert.Len(t, merged, 2, "phase 1's entry for a token already found wins over phase 2's duplicate")
	assert.Equal(t, token, merged[0].Token)
	assert.Equal(t, big.NewInt(1), merged[0].Raw)
	assert.Equal(t, other, merged[1].Token)
}

func TestMergeBalancesHandlesEmptySides(t *testing.T) {
	token := common.HexToAddress("0x3333333333333333333333333333333333333333")
	merged := mergeBalances(nil, []Balance{{Token: token}})
	assert.Len(t, merged, 1)
}
