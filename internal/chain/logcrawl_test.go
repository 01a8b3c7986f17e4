package chain

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
)

func TestIsRangeLimitError(t *testing.T) {
	assert.True(t, isRangeLimitError(errors.New("query returned more than 10000 results")))
	assert.True(t, isRangeLimitError(errors.New("block range is too large")))
	assert.True(t, isRangeLimitError(errors.New("413 Request Entity Too Large")))
	assert.False(t, isRangeLimitError(errors.New("connection refused")))
}

func TestDedupKeyDistinguishesLogIndex(t *testing.T) {
	tx := common.HexToHash("0xaaaa")
	k1 := dedupKey(tx, 0)
	k2 := dedupKey(tx, 1)
	assert.NotEqual(t, k1, k2)
}
